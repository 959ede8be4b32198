package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cateringcrm/omnichannel/internal/channel"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

const (
	defaultInboxLimit = 50
	maxInboxLimit     = 200
)

// Queries is the subset of generated queries the service uses.
type Queries interface {
	GetConversationByID(ctx context.Context, id pgtype.UUID) (sqlc.Conversation, error)
	GetConversationByExternalID(ctx context.Context, arg sqlc.GetConversationByExternalIDParams) (sqlc.Conversation, error)
	CreateConversation(ctx context.Context, arg sqlc.CreateConversationParams) (sqlc.Conversation, error)
	UpdateConversationExternalID(ctx context.Context, arg sqlc.UpdateConversationExternalIDParams) (sqlc.Conversation, error)
	UpdateConversationAssignment(ctx context.Context, arg sqlc.UpdateConversationAssignmentParams) (sqlc.Conversation, error)
	FindConversationByMessageMetadata(ctx context.Context, arg sqlc.FindConversationByMessageMetadataParams) (sqlc.Conversation, error)
	ListInboxConversations(ctx context.Context, arg sqlc.ListInboxConversationsParams) ([]sqlc.ListInboxConversationsRow, error)
	CountInboxConversations(ctx context.Context, arg sqlc.CountInboxConversationsParams) (int64, error)
	ListTelegramGroupChatIDs(ctx context.Context) ([]pgtype.Text, error)
	ListTelegramConversationsByChatID(ctx context.Context, chatID string) ([]sqlc.Conversation, error)
	MoveConversationMessages(ctx context.Context, arg sqlc.MoveConversationMessagesParams) (int64, error)
	CountConversationMessages(ctx context.Context, conversationID pgtype.UUID) (int64, error)
	MarkConversationArchived(ctx context.Context, id pgtype.UUID) error
	TouchConversation(ctx context.Context, arg sqlc.TouchConversationParams) error
}

type txFunc func(ctx context.Context, fn func(q Queries) error) error

// Service is the conversation resolver. Get-or-create is idempotent and
// safe under concurrent webhooks: the (platform, external_id) unique key
// decides the winner and losers re-read it.
type Service struct {
	queries Queries
	inTx    txFunc
	logger  *slog.Logger
}

// NewService creates a conversation service backed by Postgres.
func NewService(log *slog.Logger, pool *pgxpool.Pool, queries *sqlc.Queries) *Service {
	return newService(log, queries, func(ctx context.Context, fn func(q Queries) error) error {
		return dbpkg.InTx(ctx, pool, func(tx pgx.Tx) error {
			return fn(queries.WithTx(tx))
		})
	})
}

func newService(log *slog.Logger, queries Queries, inTx txFunc) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		queries: queries,
		inTx:    inTx,
		logger:  log.With(slog.String("service", "conversation")),
	}
}

// Resolve returns the conversation for in, creating it when needed. When no
// conversation owns the external id, aliases are tried first; a hit whose
// external id is not the @username form is renamed to in.ExternalID.
func (s *Service) Resolve(ctx context.Context, in ResolveInput) (Conversation, error) {
	externalID := strings.TrimSpace(in.ExternalID)
	if !in.Platform.Valid() || externalID == "" {
		return Conversation{}, ErrInvalidInput
	}
	row, err := s.queries.GetConversationByExternalID(ctx, sqlc.GetConversationByExternalIDParams{
		Platform:   string(in.Platform),
		ExternalID: externalID,
	})
	if err == nil {
		return toConversation(row), nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	if conv, ok, err := s.resolveAlias(ctx, in.Platform, externalID, in.Aliases); err != nil || ok {
		return conv, err
	}
	return s.create(ctx, s.queries, in.Platform, externalID, in.Subject)
}

// GetOrCreate resolves a conversation without aliases.
func (s *Service) GetOrCreate(ctx context.Context, platform channel.Platform, externalID, subject string) (Conversation, error) {
	return s.Resolve(ctx, ResolveInput{Platform: platform, ExternalID: externalID, Subject: subject})
}

func (s *Service) resolveAlias(ctx context.Context, platform channel.Platform, externalID string, aliases []channel.Alias) (Conversation, bool, error) {
	for _, alias := range aliases {
		if strings.TrimSpace(alias.Key) == "" || strings.TrimSpace(alias.Value) == "" {
			continue
		}
		row, err := s.queries.FindConversationByMessageMetadata(ctx, sqlc.FindConversationByMessageMetadataParams{
			Platform: string(platform),
			Key:      alias.Key,
			Value:    alias.Value,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			continue
		}
		if err != nil {
			return Conversation{}, false, fmt.Errorf("find conversation by %s: %w", alias.Key, err)
		}
		if !preferred(externalID, row.ExternalID) {
			return toConversation(row), true, nil
		}
		renamed, err := s.queries.UpdateConversationExternalID(ctx, sqlc.UpdateConversationExternalIDParams{
			ID:         row.ID,
			ExternalID: externalID,
		})
		if err != nil {
			if dbpkg.IsUniqueViolation(err) {
				winner, err := s.byExternalID(ctx, s.queries, platform, externalID)
				return winner, err == nil, err
			}
			return Conversation{}, false, fmt.Errorf("rename conversation: %w", err)
		}
		s.logger.Info("conversation external id migrated",
			slog.String("conversation_id", dbpkg.UUIDString(row.ID)),
			slog.String("from", row.ExternalID),
			slog.String("to", externalID),
		)
		return toConversation(renamed), true, nil
	}
	return Conversation{}, false, nil
}

// preferred reports whether candidate should replace current as the
// external id. Only the @username form displaces a numeric id.
func preferred(candidate, current string) bool {
	return candidate != current && strings.HasPrefix(candidate, "@") && !strings.HasPrefix(current, "@")
}

func (s *Service) create(ctx context.Context, q Queries, platform channel.Platform, externalID, subject string) (Conversation, error) {
	row, err := q.CreateConversation(ctx, sqlc.CreateConversationParams{
		ID:         dbpkg.NewPgID(),
		Platform:   string(platform),
		ExternalID: externalID,
		Subject:    dbpkg.Text(subject),
	})
	if err == nil {
		s.logger.Info("conversation created",
			slog.String("conversation_id", dbpkg.UUIDString(row.ID)),
			slog.String("platform", string(platform)),
			slog.String("external_id", externalID),
		)
		return toConversation(row), nil
	}
	if !dbpkg.IsUniqueViolation(err) {
		return Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	// A concurrent request created it first.
	return s.byExternalID(ctx, q, platform, externalID)
}

func (s *Service) byExternalID(ctx context.Context, q Queries, platform channel.Platform, externalID string) (Conversation, error) {
	row, err := q.GetConversationByExternalID(ctx, sqlc.GetConversationByExternalIDParams{
		Platform:   string(platform),
		ExternalID: externalID,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return toConversation(row), nil
}

// Get returns a conversation by id.
func (s *Service) Get(ctx context.Context, id string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, ErrInvalidID
	}
	row, err := s.queries.GetConversationByID(ctx, pgID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return toConversation(row), nil
}

// Find returns the conversation owning (platform, externalID) without creating it.
func (s *Service) Find(ctx context.Context, platform channel.Platform, externalID string) (Conversation, error) {
	return s.byExternalID(ctx, s.queries, platform, strings.TrimSpace(externalID))
}

// Assign sets the operator and CRM client links of a conversation.
func (s *Service) Assign(ctx context.Context, id, operator, clientRef string) (Conversation, error) {
	pgID, err := dbpkg.ParseUUID(id)
	if err != nil {
		return Conversation{}, ErrInvalidID
	}
	row, err := s.queries.UpdateConversationAssignment(ctx, sqlc.UpdateConversationAssignmentParams{
		ID:                  pgID,
		AssignedOperatorRef: dbpkg.Text(operator),
		ClientRef:           dbpkg.Text(clientRef),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Conversation{}, ErrNotFound
		}
		return Conversation{}, fmt.Errorf("assign conversation: %w", err)
	}
	return toConversation(row), nil
}

// Inbox lists conversations by last activity. Archived ones are hidden
// unless requested.
func (s *Service) Inbox(ctx context.Context, query InboxQuery) (InboxPage, error) {
	limit := query.Limit
	if limit <= 0 {
		limit = defaultInboxLimit
	}
	if limit > maxInboxLimit {
		limit = maxInboxLimit
	}
	offset := max(query.Offset, 0)
	rows, err := s.queries.ListInboxConversations(ctx, sqlc.ListInboxConversationsParams{
		IncludeArchived: query.IncludeArchived,
		Platform:        string(query.Platform),
		Lim:             int32(limit),
		Off:             int32(offset),
	})
	if err != nil {
		return InboxPage{}, fmt.Errorf("list inbox: %w", err)
	}
	total, err := s.queries.CountInboxConversations(ctx, sqlc.CountInboxConversationsParams{
		IncludeArchived: query.IncludeArchived,
		Platform:        string(query.Platform),
	})
	if err != nil {
		return InboxPage{}, fmt.Errorf("count inbox: %w", err)
	}
	page := InboxPage{Items: make([]InboxItem, 0, len(rows)), Total: total, Limit: limit, Offset: offset}
	for _, row := range rows {
		item := InboxItem{Conversation: toConversation(sqlc.Conversation{
			ID:                  row.ID,
			Platform:            row.Platform,
			ExternalID:          row.ExternalID,
			Subject:             row.Subject,
			ClientRef:           row.ClientRef,
			AssignedOperatorRef: row.AssignedOperatorRef,
			IsArchived:          row.IsArchived,
			LastMessageAt:       row.LastMessageAt,
			CreatedAt:           row.CreatedAt,
			UpdatedAt:           row.UpdatedAt,
		})}
		if row.LastMessageCreatedAt.Valid {
			item.LastMessage = &Preview{
				Content:   preview(row.LastMessageContent.String),
				Direction: row.LastMessageDirection.String,
				CreatedAt: row.LastMessageCreatedAt.Time,
			}
		}
		page.Items = append(page.Items, item)
	}
	return page, nil
}

const previewRunes = 140

func preview(content string) string {
	content = strings.Join(strings.Fields(content), " ")
	runes := []rune(content)
	if len(runes) <= previewRunes {
		return content
	}
	return string(runes[:previewRunes-1]) + "…"
}

func toConversation(row sqlc.Conversation) Conversation {
	conv := Conversation{
		ID:               dbpkg.UUIDString(row.ID),
		Platform:         channel.Platform(row.Platform),
		ExternalID:       row.ExternalID,
		Subject:          row.Subject.String,
		ClientRef:        row.ClientRef.String,
		AssignedOperator: row.AssignedOperatorRef.String,
		IsArchived:       row.IsArchived,
	}
	if row.LastMessageAt.Valid {
		conv.LastMessageAt = row.LastMessageAt.Time
	}
	if row.CreatedAt.Valid {
		conv.CreatedAt = row.CreatedAt.Time
	}
	if row.UpdatedAt.Valid {
		conv.UpdatedAt = row.UpdatedAt.Time
	}
	return conv
}
