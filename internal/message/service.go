// Package message persists conversation messages and enforces the
// delivery status machine.
package message

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cateringcrm/omnichannel/internal/channel"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/media"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
	// echoWindow bounds how old a queued CRM message may be to match an
	// echo that arrives before the send result was recorded.
	echoWindow    = 5 * time.Minute
	echoScanDepth = 20
)

// Queries is the subset of generated queries the service uses.
type Queries interface {
	CreateMessage(ctx context.Context, arg sqlc.CreateMessageParams) (sqlc.Message, error)
	GetMessageByID(ctx context.Context, id pgtype.UUID) (sqlc.Message, error)
	GetConversationMessageByProviderID(ctx context.Context, arg sqlc.GetConversationMessageByProviderIDParams) (sqlc.Message, error)
	GetInboundMessageByProviderID(ctx context.Context, arg sqlc.GetInboundMessageByProviderIDParams) (sqlc.Message, error)
	GetMessageByProviderID(ctx context.Context, arg sqlc.GetMessageByProviderIDParams) (sqlc.Message, error)
	UpdateMessageStatus(ctx context.Context, arg sqlc.UpdateMessageStatusParams) (sqlc.Message, error)
	MergeMessageMetadata(ctx context.Context, arg sqlc.MergeMessageMetadataParams) (sqlc.Message, error)
	ListConversationMessagesBefore(ctx context.Context, arg sqlc.ListConversationMessagesBeforeParams) ([]sqlc.Message, error)
	ListRecentMessages(ctx context.Context, arg sqlc.ListRecentMessagesParams) ([]sqlc.Message, error)
	ListQueuedOutbound(ctx context.Context, limit int32) ([]sqlc.Message, error)
	GetConversationMetadataValue(ctx context.Context, arg sqlc.GetConversationMetadataValueParams) (string, error)
	GetLastInboundAt(ctx context.Context, conversationID pgtype.UUID) (pgtype.Timestamptz, error)
	ExistsOutboundAfter(ctx context.Context, arg sqlc.ExistsOutboundAfterParams) (bool, error)
	TouchConversation(ctx context.Context, arg sqlc.TouchConversationParams) error
	CreateAttachment(ctx context.Context, arg sqlc.CreateAttachmentParams) (sqlc.Attachment, error)
	ListAttachmentsByMessageIDs(ctx context.Context, messageIds []pgtype.UUID) ([]sqlc.Attachment, error)
}

// AttachmentConverter renders attachment rows with their public URL.
type AttachmentConverter interface {
	FromRow(row sqlc.Attachment) media.Attachment
}

type txFunc func(ctx context.Context, fn func(q Queries) error) error

// DBService is the message persistor.
type DBService struct {
	queries Queries
	inTx    txFunc
	media   AttachmentConverter
	logger  *slog.Logger
	now     func() time.Time
}

// NewService creates a message service backed by Postgres.
func NewService(log *slog.Logger, pool *pgxpool.Pool, queries *sqlc.Queries, store *media.Store) *DBService {
	var converter AttachmentConverter
	if store != nil {
		converter = store
	}
	return newService(log, queries, func(ctx context.Context, fn func(q Queries) error) error {
		return dbpkg.InTx(ctx, pool, func(tx pgx.Tx) error {
			return fn(queries.WithTx(tx))
		})
	}, converter)
}

func newService(log *slog.Logger, queries Queries, inTx txFunc, converter AttachmentConverter) *DBService {
	if log == nil {
		log = slog.Default()
	}
	return &DBService{
		queries: queries,
		inTx:    inTx,
		media:   converter,
		logger:  log.With(slog.String("service", "message")),
		now:     time.Now,
	}
}

var errDuplicate = errors.New("duplicate provider message")

// InsertInbound stores a received message with status sent and bumps the
// conversation activity in the same transaction. A provider message id that
// is already stored for the platform yields the existing row together with a
// Duplicate error.
func (s *DBService) InsertInbound(ctx context.Context, in InboundInput) (Message, error) {
	convID, err := dbpkg.ParseUUID(in.ConversationID)
	if err != nil {
		return Message{}, ErrInvalidID
	}
	providerID := strings.TrimSpace(in.ProviderMessageID)
	metadata := cloneMap(in.Metadata)
	if providerID != "" {
		metadata[MetaProviderMessageID] = providerID
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message metadata: %w", err)
	}
	now := s.now().UTC()
	received := in.ReceivedAt
	if received.IsZero() {
		received = now
	}

	var row, existing sqlc.Message
	err = s.inTx(ctx, func(q Queries) error {
		if providerID != "" {
			found, err := q.GetInboundMessageByProviderID(ctx, sqlc.GetInboundMessageByProviderIDParams{
				Platform:          string(in.Platform),
				ProviderMessageID: dbpkg.Text(providerID),
			})
			switch {
			case err == nil:
				existing = found
				return errDuplicate
			case err != nil && !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("check duplicate: %w", err)
			}
		}
		created, err := q.CreateMessage(ctx, sqlc.CreateMessageParams{
			ID:                dbpkg.NewPgID(),
			ConversationID:    convID,
			Platform:          string(in.Platform),
			Direction:         string(DirectionInbound),
			Type:              string(messageType(in.Type)),
			Content:           in.Content,
			Status:            string(StatusSent),
			ProviderMessageID: dbpkg.Text(providerID),
			Metadata:          metaBytes,
			SentAt:            dbpkg.Timestamptz(received),
			CreatedAt:         dbpkg.Timestamptz(now),
		})
		if err != nil {
			return err
		}
		row = created
		return q.TouchConversation(ctx, sqlc.TouchConversationParams{ID: convID, LastMessageAt: dbpkg.Timestamptz(now)})
	})
	if err != nil {
		if errors.Is(err, errDuplicate) {
			return s.toMessage(existing), duplicate(providerID)
		}
		if dbpkg.IsUniqueViolation(err) {
			// Lost a race against a concurrent delivery of the same event.
			found, getErr := s.queries.GetInboundMessageByProviderID(ctx, sqlc.GetInboundMessageByProviderIDParams{
				Platform:          string(in.Platform),
				ProviderMessageID: dbpkg.Text(providerID),
			})
			if getErr != nil {
				return Message{}, fmt.Errorf("reread duplicate: %w", getErr)
			}
			return s.toMessage(found), duplicate(providerID)
		}
		return Message{}, fmt.Errorf("insert inbound message: %w", err)
	}
	return s.toMessage(row), nil
}

func duplicate(providerID string) error {
	return channel.Errorf(channel.KindDuplicate, "message.insert_inbound", "provider message %s already stored", providerID)
}

// InsertOutbound stores an outbound message, queued unless in.Status says
// otherwise, and bumps the conversation activity.
func (s *DBService) InsertOutbound(ctx context.Context, in OutboundInput) (Message, error) {
	convID, err := dbpkg.ParseUUID(in.ConversationID)
	if err != nil {
		return Message{}, ErrInvalidID
	}
	status := in.Status
	if status == "" {
		status = StatusQueued
	}
	if !status.Valid() {
		return Message{}, fmt.Errorf("%w: %q", ErrInvalidTransition, status)
	}
	metadata := cloneMap(in.Metadata)
	if in.SentFromCRM {
		metadata[MetaSentFromCRM] = true
	}
	providerID := strings.TrimSpace(in.ProviderMessageID)
	if providerID != "" {
		metadata[MetaProviderMessageID] = providerID
	}
	metaBytes, err := json.Marshal(metadata)
	if err != nil {
		return Message{}, fmt.Errorf("marshal message metadata: %w", err)
	}
	now := s.now().UTC()

	var row sqlc.Message
	err = s.inTx(ctx, func(q Queries) error {
		created, err := q.CreateMessage(ctx, sqlc.CreateMessageParams{
			ID:                dbpkg.NewPgID(),
			ConversationID:    convID,
			Platform:          string(in.Platform),
			Direction:         string(DirectionOutbound),
			Type:              string(messageType(in.Type)),
			Content:           in.Content,
			Status:            string(status),
			ProviderMessageID: dbpkg.Text(providerID),
			SentFromCrm:       in.SentFromCRM,
			Metadata:          metaBytes,
			SentAt:            dbpkg.Timestamptz(in.SentAt),
			CreatedAt:         dbpkg.Timestamptz(now),
		})
		if err != nil {
			return err
		}
		row = created
		return q.TouchConversation(ctx, sqlc.TouchConversationParams{ID: convID, LastMessageAt: dbpkg.Timestamptz(now)})
	})
	if err != nil {
		return Message{}, fmt.Errorf("insert outbound message: %w", err)
	}
	return s.toMessage(row), nil
}

// UpdateStatus moves a message to status to. Moves that would go backwards
// or leave a final state return ErrInvalidTransition with the current row.
func (s *DBService) UpdateStatus(ctx context.Context, id string, to Status, update StatusUpdate) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, ErrInvalidID
	}
	from := SourcesOf(to)
	if len(from) == 0 {
		return Message{}, fmt.Errorf("%w: nothing enters %q", ErrInvalidTransition, to)
	}
	metaBytes, err := json.Marshal(cloneMap(update.Metadata))
	if err != nil {
		return Message{}, fmt.Errorf("marshal status metadata: %w", err)
	}
	row, err := s.queries.UpdateMessageStatus(ctx, sqlc.UpdateMessageStatusParams{
		Status:            string(to),
		SentAt:            dbpkg.Timestamptz(update.SentAt),
		ProviderMessageID: dbpkg.Text(update.ProviderMessageID),
		Metadata:          metaBytes,
		ID:                pgID,
		FromStatuses:      from,
	})
	if err == nil {
		return s.toMessage(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Message{}, fmt.Errorf("update message status: %w", err)
	}
	current, getErr := s.queries.GetMessageByID(ctx, pgID)
	if getErr != nil {
		if errors.Is(getErr, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", getErr)
	}
	return s.toMessage(current), fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current.Status, to)
}

// MergeMetadata adds patch to the message metadata without touching its
// status.
func (s *DBService) MergeMetadata(ctx context.Context, id string, patch map[string]any) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, ErrInvalidID
	}
	data, err := json.Marshal(cloneMap(patch))
	if err != nil {
		return Message{}, fmt.Errorf("marshal metadata patch: %w", err)
	}
	row, err := s.queries.MergeMessageMetadata(ctx, sqlc.MergeMessageMetadataParams{Patch: data, ID: pgID})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("merge message metadata: %w", err)
	}
	return s.toMessage(row), nil
}

// MarkRead applies a provider read receipt to an outbound message.
func (s *DBService) MarkRead(ctx context.Context, platform channel.Platform, providerID string, at time.Time) (Message, error) {
	row, err := s.queries.GetMessageByProviderID(ctx, sqlc.GetMessageByProviderIDParams{
		Platform:          string(platform),
		ProviderMessageID: dbpkg.Text(providerID),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message by provider id: %w", err)
	}
	if row.Direction != string(DirectionOutbound) {
		return s.toMessage(row), fmt.Errorf("%w: receipt for inbound message", ErrInvalidTransition)
	}
	meta := map[string]any{}
	if !at.IsZero() {
		meta["read_at"] = at.UTC().Format(time.RFC3339)
	}
	return s.UpdateStatus(ctx, dbpkg.UUIDString(row.ID), StatusRead, StatusUpdate{Metadata: meta})
}

// FindEcho returns the CRM-sent message an echo event refers to. The
// provider id is matched first; a queued message with the same content,
// created moments ago, matches an echo that outran the send result.
func (s *DBService) FindEcho(ctx context.Context, conversationID, providerID, content string) (Message, bool, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return Message{}, false, ErrInvalidID
	}
	if providerID = strings.TrimSpace(providerID); providerID != "" {
		row, err := s.queries.GetConversationMessageByProviderID(ctx, sqlc.GetConversationMessageByProviderIDParams{
			ConversationID:    convID,
			ProviderMessageID: dbpkg.Text(providerID),
		})
		switch {
		case err == nil && row.Direction == string(DirectionOutbound):
			return s.toMessage(row), true, nil
		case err != nil && !errors.Is(err, pgx.ErrNoRows):
			return Message{}, false, fmt.Errorf("get message by provider id: %w", err)
		}
	}
	rows, err := s.queries.ListRecentMessages(ctx, sqlc.ListRecentMessagesParams{ConversationID: convID, Limit: echoScanDepth})
	if err != nil {
		return Message{}, false, fmt.Errorf("list recent messages: %w", err)
	}
	cutoff := s.now().Add(-echoWindow)
	for _, row := range rows {
		if row.Direction != string(DirectionOutbound) || !row.SentFromCrm || row.Status != string(StatusQueued) {
			continue
		}
		if row.CreatedAt.Time.Before(cutoff) || strings.TrimSpace(row.Content) != strings.TrimSpace(content) {
			continue
		}
		return s.toMessage(row), true, nil
	}
	return Message{}, false, nil
}

// Get returns a message with its attachments.
func (s *DBService) Get(ctx context.Context, id string) (Message, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Message{}, ErrInvalidID
	}
	row, err := s.queries.GetMessageByID(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	msgs := []Message{s.toMessage(row)}
	s.enrichAttachments(ctx, msgs)
	return msgs[0], nil
}

// List returns up to limit messages older than before, oldest first.
func (s *DBService) List(ctx context.Context, conversationID string, before time.Time, limit int) ([]Message, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, ErrInvalidID
	}
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if before.IsZero() {
		before = s.now().Add(time.Minute)
	}
	rows, err := s.queries.ListConversationMessagesBefore(ctx, sqlc.ListConversationMessagesBeforeParams{
		ConversationID: convID,
		Before:         dbpkg.Timestamptz(before),
		Lim:            int32(limit),
	})
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, s.toMessage(rows[i]))
	}
	s.enrichAttachments(ctx, msgs)
	return msgs, nil
}

// Queued returns outbound messages still waiting for the dispatcher.
func (s *DBService) Queued(ctx context.Context, limit int) ([]Message, error) {
	rows, err := s.queries.ListQueuedOutbound(ctx, int32(limit))
	if err != nil {
		return nil, fmt.Errorf("list queued messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for _, row := range rows {
		msgs = append(msgs, s.toMessage(row))
	}
	return msgs, nil
}

// AttachMedia runs fn in a transaction whose recorder inserts attachment
// rows for the message. Downloads must happen before calling it.
func (s *DBService) AttachMedia(ctx context.Context, fn func(ctx context.Context, rec media.Recorder) error) error {
	var rec *media.TxRecorder
	err := s.inTx(ctx, func(q Queries) error {
		rec = media.NewTxRecorder(q)
		return fn(ctx, rec)
	})
	if err != nil && rec != nil {
		rec.Rollback()
	}
	return err
}

// Attachments returns the stored files of a message.
func (s *DBService) Attachments(ctx context.Context, messageID string) ([]media.Attachment, error) {
	pgID, err := dbpkg.ParseUUID(messageID)
	if err != nil {
		return nil, ErrInvalidID
	}
	rows, err := s.queries.ListAttachmentsByMessageIDs(ctx, []pgtype.UUID{pgID})
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	items := make([]media.Attachment, 0, len(rows))
	for _, row := range rows {
		items = append(items, s.convertAttachment(row))
	}
	return items, nil
}

// LookupMetadata returns the newest value of key among the conversation's
// messages, or "" when none carries it.
func (s *DBService) LookupMetadata(ctx context.Context, conversationID, key string) (string, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return "", ErrInvalidID
	}
	value, err := s.queries.GetConversationMetadataValue(ctx, sqlc.GetConversationMetadataValueParams{
		ConversationID: convID,
		Key:            key,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("lookup metadata %s: %w", key, err)
	}
	return value, nil
}

// LastInboundAt returns when the counterparty last wrote, or the zero time.
func (s *DBService) LastInboundAt(ctx context.Context, conversationID string) (time.Time, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return time.Time{}, ErrInvalidID
	}
	ts, err := s.queries.GetLastInboundAt(ctx, convID)
	if err != nil {
		return time.Time{}, fmt.Errorf("get last inbound: %w", err)
	}
	if !ts.Valid || ts.Time.Unix() <= 0 {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// HasOutboundAfter reports whether any outbound message was created after t.
func (s *DBService) HasOutboundAfter(ctx context.Context, conversationID string, t time.Time) (bool, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return false, ErrInvalidID
	}
	return s.queries.ExistsOutboundAfter(ctx, sqlc.ExistsOutboundAfterParams{
		ConversationID: convID,
		CreatedAt:      dbpkg.Timestamptz(t),
	})
}

// Recent returns the newest limit messages of a conversation, oldest first.
func (s *DBService) Recent(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	convID, err := dbpkg.ParseUUID(conversationID)
	if err != nil {
		return nil, ErrInvalidID
	}
	rows, err := s.queries.ListRecentMessages(ctx, sqlc.ListRecentMessagesParams{ConversationID: convID, Limit: int32(limit)})
	if err != nil {
		return nil, fmt.Errorf("list recent messages: %w", err)
	}
	msgs := make([]Message, 0, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		msgs = append(msgs, s.toMessage(rows[i]))
	}
	return msgs, nil
}

func (s *DBService) enrichAttachments(ctx context.Context, msgs []Message) {
	if len(msgs) == 0 {
		return
	}
	ids := make([]pgtype.UUID, 0, len(msgs))
	for _, m := range msgs {
		if pgID, err := dbpkg.ParseUUID(m.ID); err == nil {
			ids = append(ids, pgID)
		}
	}
	rows, err := s.queries.ListAttachmentsByMessageIDs(ctx, ids)
	if err != nil {
		s.logger.Warn("enrich attachments failed", slog.Any("error", err))
		return
	}
	byMessage := map[string][]media.Attachment{}
	for _, row := range rows {
		att := s.convertAttachment(row)
		byMessage[att.MessageID] = append(byMessage[att.MessageID], att)
	}
	for i := range msgs {
		if items, ok := byMessage[msgs[i].ID]; ok {
			msgs[i].Attachments = items
		}
	}
}

func (s *DBService) convertAttachment(row sqlc.Attachment) media.Attachment {
	if s.media != nil {
		return s.media.FromRow(row)
	}
	return media.Attachment{
		ID:           dbpkg.UUIDString(row.ID),
		MessageID:    dbpkg.UUIDString(row.MessageID),
		FilePath:     row.FilePath,
		FileType:     row.FileType,
		MimeType:     row.MimeType,
		OriginalName: row.OriginalName,
		FileSize:     row.FileSize,
	}
}

func (s *DBService) toMessage(row sqlc.Message) Message {
	msg := Message{
		ID:                dbpkg.UUIDString(row.ID),
		ConversationID:    dbpkg.UUIDString(row.ConversationID),
		Platform:          channel.Platform(row.Platform),
		Direction:         Direction(row.Direction),
		Type:              channel.MessageType(row.Type),
		Content:           row.Content,
		Status:            Status(row.Status),
		ProviderMessageID: row.ProviderMessageID.String,
		SentFromCRM:       row.SentFromCrm,
		Metadata:          s.parseMetadata(row.Metadata),
		Attachments:       []media.Attachment{},
	}
	if row.SentAt.Valid {
		sentAt := row.SentAt.Time
		msg.SentAt = &sentAt
	}
	if row.CreatedAt.Valid {
		msg.CreatedAt = row.CreatedAt.Time
	}
	return msg
}

func (s *DBService) parseMetadata(data []byte) map[string]any {
	if len(data) == 0 {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		s.logger.Warn("parse message metadata failed", slog.Any("error", err))
	}
	return m
}

func messageType(t channel.MessageType) channel.MessageType {
	switch t {
	case channel.MessageTypeText, channel.MessageTypeHTML, channel.MessageTypeFile:
		return t
	}
	return channel.MessageTypeText
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
