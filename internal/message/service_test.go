package message

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/media"
	"github.com/cateringcrm/omnichannel/internal/media/providers/localfs"
)

type fakeQueries struct {
	mu          sync.Mutex
	messages    []sqlc.Message
	attachments []sqlc.Attachment
	touched     map[pgtype.UUID]int
}

func newFakeQueries() *fakeQueries {
	return &fakeQueries{touched: map[pgtype.UUID]int{}}
}

func (f *fakeQueries) CreateMessage(_ context.Context, arg sqlc.CreateMessageParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := sqlc.Message{
		ID:                arg.ID,
		ConversationID:    arg.ConversationID,
		Platform:          arg.Platform,
		Direction:         arg.Direction,
		Type:              arg.Type,
		Content:           arg.Content,
		Status:            arg.Status,
		ProviderMessageID: arg.ProviderMessageID,
		SentFromCrm:       arg.SentFromCrm,
		Metadata:          arg.Metadata,
		SentAt:            arg.SentAt,
		CreatedAt:         arg.CreatedAt,
	}
	f.messages = append(f.messages, row)
	return row, nil
}

func (f *fakeQueries) GetMessageByID(_ context.Context, id pgtype.UUID) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.messages {
		if row.ID == id {
			return row, nil
		}
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) GetConversationMessageByProviderID(_ context.Context, arg sqlc.GetConversationMessageByProviderIDParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.messages {
		if row.ConversationID == arg.ConversationID && row.ProviderMessageID == arg.ProviderMessageID {
			return row, nil
		}
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) GetInboundMessageByProviderID(_ context.Context, arg sqlc.GetInboundMessageByProviderIDParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.messages {
		if row.Platform == arg.Platform && row.ProviderMessageID == arg.ProviderMessageID && row.Direction == "inbound" {
			return row, nil
		}
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) GetMessageByProviderID(_ context.Context, arg sqlc.GetMessageByProviderIDParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.messages {
		if row.Platform == arg.Platform && row.ProviderMessageID == arg.ProviderMessageID {
			return row, nil
		}
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) UpdateMessageStatus(_ context.Context, arg sqlc.UpdateMessageStatusParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.messages {
		if row.ID != arg.ID {
			continue
		}
		allowed := false
		for _, s := range arg.FromStatuses {
			if s == row.Status {
				allowed = true
			}
		}
		if !allowed {
			return sqlc.Message{}, pgx.ErrNoRows
		}
		row.Status = arg.Status
		if arg.SentAt.Valid {
			row.SentAt = arg.SentAt
		}
		if arg.ProviderMessageID.Valid {
			row.ProviderMessageID = arg.ProviderMessageID
		}
		merged := map[string]any{}
		_ = json.Unmarshal(row.Metadata, &merged)
		patch := map[string]any{}
		_ = json.Unmarshal(arg.Metadata, &patch)
		for k, v := range patch {
			merged[k] = v
		}
		row.Metadata, _ = json.Marshal(merged)
		f.messages[i] = row
		return row, nil
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) MergeMessageMetadata(_ context.Context, arg sqlc.MergeMessageMetadataParams) (sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, row := range f.messages {
		if row.ID != arg.ID {
			continue
		}
		merged := map[string]any{}
		_ = json.Unmarshal(row.Metadata, &merged)
		patch := map[string]any{}
		_ = json.Unmarshal(arg.Patch, &patch)
		for k, v := range patch {
			merged[k] = v
		}
		row.Metadata, _ = json.Marshal(merged)
		f.messages[i] = row
		return row, nil
	}
	return sqlc.Message{}, pgx.ErrNoRows
}

func (f *fakeQueries) ListConversationMessagesBefore(_ context.Context, arg sqlc.ListConversationMessagesBeforeParams) ([]sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlc.Message
	for _, row := range f.messages {
		if row.ConversationID == arg.ConversationID && row.CreatedAt.Time.Before(arg.Before.Time) {
			out = append(out, row)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Time.After(out[j].CreatedAt.Time) })
	if len(out) > int(arg.Lim) {
		out = out[:arg.Lim]
	}
	return out, nil
}

func (f *fakeQueries) ListRecentMessages(_ context.Context, arg sqlc.ListRecentMessagesParams) ([]sqlc.Message, error) {
	return f.ListConversationMessagesBefore(context.Background(), sqlc.ListConversationMessagesBeforeParams{
		ConversationID: arg.ConversationID,
		Before:         dbpkg.Timestamptz(time.Now().Add(time.Hour)),
		Lim:            arg.Limit,
	})
}

func (f *fakeQueries) ListQueuedOutbound(_ context.Context, limit int32) ([]sqlc.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlc.Message
	for _, row := range f.messages {
		if row.Direction == string(DirectionOutbound) && row.Status == string(StatusQueued) && len(out) < int(limit) {
			out = append(out, row)
		}
	}
	return out, nil
}

func (f *fakeQueries) GetConversationMetadataValue(_ context.Context, arg sqlc.GetConversationMetadataValueParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		row := f.messages[i]
		if row.ConversationID != arg.ConversationID {
			continue
		}
		meta := map[string]any{}
		_ = json.Unmarshal(row.Metadata, &meta)
		if v, ok := meta[arg.Key].(string); ok && v != "" {
			return v, nil
		}
	}
	return "", pgx.ErrNoRows
}

func (f *fakeQueries) GetLastInboundAt(_ context.Context, conversationID pgtype.UUID) (pgtype.Timestamptz, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	last := time.Unix(0, 0).UTC()
	for _, row := range f.messages {
		if row.ConversationID == conversationID && row.Direction == string(DirectionInbound) && row.CreatedAt.Time.After(last) {
			last = row.CreatedAt.Time
		}
	}
	return pgtype.Timestamptz{Time: last, Valid: true}, nil
}

func (f *fakeQueries) ExistsOutboundAfter(_ context.Context, arg sqlc.ExistsOutboundAfterParams) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.messages {
		if row.ConversationID == arg.ConversationID && row.Direction == string(DirectionOutbound) && row.CreatedAt.Time.After(arg.CreatedAt.Time) {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeQueries) TouchConversation(_ context.Context, arg sqlc.TouchConversationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[arg.ID]++
	return nil
}

func (f *fakeQueries) CreateAttachment(_ context.Context, arg sqlc.CreateAttachmentParams) (sqlc.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := sqlc.Attachment{
		ID:           arg.ID,
		MessageID:    arg.MessageID,
		FilePath:     arg.FilePath,
		FileType:     arg.FileType,
		MimeType:     arg.MimeType,
		OriginalName: arg.OriginalName,
		FileSize:     arg.FileSize,
	}
	f.attachments = append(f.attachments, row)
	return row, nil
}

func (f *fakeQueries) ListAttachmentsByMessageIDs(_ context.Context, ids []pgtype.UUID) ([]sqlc.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []sqlc.Attachment
	for _, row := range f.attachments {
		for _, id := range ids {
			if row.MessageID == id {
				out = append(out, row)
			}
		}
	}
	return out, nil
}

// clock advances one second per call so rows get distinct timestamps.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestService(q *fakeQueries) *DBService {
	svc := newService(nil, q, func(_ context.Context, fn func(q Queries) error) error {
		return fn(q)
	}, nil)
	c := &clock{t: time.Now().Add(-time.Minute)}
	svc.now = c.now
	return svc
}

func TestInsertInboundDeduplicatesProviderID(t *testing.T) {
	t.Parallel()
	q := newFakeQueries()
	svc := newTestService(q)
	conv := dbpkg.NewID().String()
	in := InboundInput{
		ConversationID:    conv,
		Platform:          channel.PlatformTelegram,
		Content:           "Czy macie dostawy w sobotę?",
		ProviderMessageID: "42",
	}

	first, err := svc.InsertInbound(context.Background(), in)
	if err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if first.Status != StatusSent || first.Direction != DirectionInbound {
		t.Fatalf("unexpected inbound row: %+v", first)
	}
	if first.Metadata[MetaProviderMessageID] != "42" {
		t.Fatalf("expected provider id in metadata, got %v", first.Metadata)
	}

	second, err := svc.InsertInbound(context.Background(), in)
	if !errors.Is(err, channel.ErrDuplicate) {
		t.Fatalf("expected duplicate error, got %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing row %s, got %s", first.ID, second.ID)
	}
	if len(q.messages) != 1 {
		t.Fatalf("expected one stored message, got %d", len(q.messages))
	}

	// A redelivery that resolves to another conversation is still the same
	// platform message.
	moved := in
	moved.ConversationID = dbpkg.NewID().String()
	again, err := svc.InsertInbound(context.Background(), moved)
	if !errors.Is(err, channel.ErrDuplicate) || again.ID != first.ID {
		t.Fatalf("expected duplicate across conversations, got %v %+v", err, again)
	}

	// The same id on another platform is a different message.
	other := in
	other.Platform = channel.PlatformWhatsApp
	if _, err := svc.InsertInbound(context.Background(), other); err != nil {
		t.Fatalf("insert on other platform: %v", err)
	}
	if len(q.messages) != 2 {
		t.Fatalf("expected two stored messages, got %d", len(q.messages))
	}
}

func TestInsertInboundTouchesConversation(t *testing.T) {
	t.Parallel()
	q := newFakeQueries()
	svc := newTestService(q)
	conv := dbpkg.NewID().String()
	if _, err := svc.InsertInbound(context.Background(), InboundInput{ConversationID: conv, Platform: channel.PlatformEmail, Content: "hi"}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	id, _ := dbpkg.ParseUUID(conv)
	if q.touched[id] != 1 {
		t.Fatalf("expected conversation touched once, got %d", q.touched[id])
	}
	if _, err := svc.InsertInbound(context.Background(), InboundInput{ConversationID: "nope"}); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	t.Parallel()
	q := newFakeQueries()
	svc := newTestService(q)
	ctx := context.Background()
	msg, err := svc.InsertOutbound(ctx, OutboundInput{
		ConversationID: dbpkg.NewID().String(),
		Platform:       channel.PlatformWhatsApp,
		Content:        "Dzień dobry",
		SentFromCRM:    true,
	})
	if err != nil {
		t.Fatalf("insert outbound: %v", err)
	}
	if msg.Status != StatusQueued || !msg.SentFromCRM || msg.Metadata[MetaSentFromCRM] != true {
		t.Fatalf("unexpected outbound row: %+v", msg)
	}

	sent, err := svc.UpdateStatus(ctx, msg.ID, StatusSent, StatusUpdate{
		SentAt:            time.Now(),
		ProviderMessageID: "wamid.1",
	})
	if err != nil {
		t.Fatalf("queued -> sent: %v", err)
	}
	if sent.ProviderMessageID != "wamid.1" || sent.SentAt == nil {
		t.Fatalf("expected provider id and sent_at, got %+v", sent)
	}

	read, err := svc.MarkRead(ctx, channel.PlatformWhatsApp, "wamid.1", time.Now())
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if read.Status != StatusRead || read.Metadata["read_at"] == nil {
		t.Fatalf("expected read with read_at, got %+v", read)
	}

	current, err := svc.UpdateStatus(ctx, msg.ID, StatusSent, StatusUpdate{})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("read -> sent should be rejected, got %v", err)
	}
	if current.Status != StatusRead {
		t.Fatalf("expected status to stay read, got %s", current.Status)
	}
	if _, err := svc.UpdateStatus(ctx, msg.ID, StatusQueued, StatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("nothing re-enters queued, got %v", err)
	}
}

func TestFailedIsTerminal(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeQueries())
	ctx := context.Background()
	msg, err := svc.InsertOutbound(ctx, OutboundInput{ConversationID: dbpkg.NewID().String(), Platform: channel.PlatformFacebook, Content: "x"})
	if err != nil {
		t.Fatalf("insert outbound: %v", err)
	}
	failed, err := svc.UpdateStatus(ctx, msg.ID, StatusFailed, StatusUpdate{Metadata: map[string]any{MetaError: "boom", MetaErrorKind: "TransportUnavailable"}})
	if err != nil {
		t.Fatalf("queued -> failed: %v", err)
	}
	if failed.Metadata[MetaError] != "boom" {
		t.Fatalf("expected error metadata, got %v", failed.Metadata)
	}
	marked, err := svc.MergeMetadata(ctx, msg.ID, map[string]any{MetaMediaFailed: true})
	if err != nil {
		t.Fatalf("merge metadata: %v", err)
	}
	if marked.Status != StatusFailed || marked.Metadata[MetaMediaFailed] != true || marked.Metadata[MetaError] != "boom" {
		t.Fatalf("merge must keep status and existing keys, got %+v", marked)
	}
	if _, err := svc.UpdateStatus(ctx, msg.ID, StatusSent, StatusUpdate{}); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("failed -> sent should be rejected, got %v", err)
	}
	if _, err := svc.UpdateStatus(ctx, dbpkg.NewID().String(), StatusSent, StatusUpdate{}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkReadIgnoresUnknownAndInbound(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeQueries())
	ctx := context.Background()
	if _, err := svc.MarkRead(ctx, channel.PlatformInstagram, "mid.unknown", time.Now()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := svc.InsertInbound(ctx, InboundInput{ConversationID: dbpkg.NewID().String(), Platform: channel.PlatformInstagram, Content: "hej", ProviderMessageID: "mid.1"}); err != nil {
		t.Fatalf("insert inbound: %v", err)
	}
	if _, err := svc.MarkRead(ctx, channel.PlatformInstagram, "mid.1", time.Now()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected receipts on inbound to be rejected, got %v", err)
	}
}

func TestFindEcho(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeQueries())
	ctx := context.Background()
	conv := dbpkg.NewID().String()

	crm, err := svc.InsertOutbound(ctx, OutboundInput{ConversationID: conv, Platform: channel.PlatformInstagram, Content: "Menu w załączniku", SentFromCRM: true})
	if err != nil {
		t.Fatalf("insert outbound: %v", err)
	}

	found, ok, err := svc.FindEcho(ctx, conv, "mid.echo", " Menu w załączniku ")
	if err != nil || !ok || found.ID != crm.ID {
		t.Fatalf("expected content match on queued message, got %v %v %+v", err, ok, found)
	}

	if _, err := svc.UpdateStatus(ctx, crm.ID, StatusSent, StatusUpdate{ProviderMessageID: "mid.echo"}); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	found, ok, err = svc.FindEcho(ctx, conv, "mid.echo", "anything")
	if err != nil || !ok || found.ID != crm.ID {
		t.Fatalf("expected provider id match, got %v %v %+v", err, ok, found)
	}

	_, ok, err = svc.FindEcho(ctx, conv, "mid.other", "typed on the phone")
	if err != nil || ok {
		t.Fatalf("expected no match for a device message, got %v %v", err, ok)
	}
}

func TestListReturnsOldestFirstWithAttachments(t *testing.T) {
	t.Parallel()
	q := newFakeQueries()
	svc := newTestService(q)
	ctx := context.Background()
	conv := dbpkg.NewID().String()
	var ids []string
	for _, text := range []string{"one", "two", "three"} {
		msg, err := svc.InsertInbound(ctx, InboundInput{ConversationID: conv, Platform: channel.PlatformEmail, Content: text})
		if err != nil {
			t.Fatalf("insert %s: %v", text, err)
		}
		ids = append(ids, msg.ID)
	}
	err := svc.AttachMedia(ctx, func(ctx context.Context, rec media.Recorder) error {
		msgID, _ := dbpkg.ParseUUID(ids[1])
		_, err := rec.CreateAttachment(ctx, sqlc.CreateAttachmentParams{
			ID:        dbpkg.NewPgID(),
			MessageID: msgID,
			FilePath:  "attachments/ab/x.pdf",
			FileType:  "document",
			MimeType:  "application/pdf",
			FileSize:  9,
		})
		return err
	})
	if err != nil {
		t.Fatalf("attach media: %v", err)
	}

	msgs, err := svc.List(ctx, conv, time.Time{}, 2)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "two" || msgs[1].Content != "three" {
		t.Fatalf("expected newest two oldest-first, got %+v", msgs)
	}
	if len(msgs[0].Attachments) != 1 || msgs[0].Attachments[0].MimeType != "application/pdf" {
		t.Fatalf("expected pdf attachment on second message, got %+v", msgs[0].Attachments)
	}
	if msgs[1].Attachments == nil {
		t.Fatal("expected empty attachment slice, got nil")
	}
}

func TestLookupMetadataAndInboundTimes(t *testing.T) {
	t.Parallel()
	svc := newTestService(newFakeQueries())
	ctx := context.Background()
	conv := dbpkg.NewID().String()

	value, err := svc.LookupMetadata(ctx, conv, "chat_id")
	if err != nil || value != "" {
		t.Fatalf("expected empty lookup, got %q %v", value, err)
	}
	at, err := svc.LastInboundAt(ctx, conv)
	if err != nil || !at.IsZero() {
		t.Fatalf("expected zero last inbound, got %v %v", at, err)
	}

	msg, err := svc.InsertInbound(ctx, InboundInput{
		ConversationID: conv,
		Platform:       channel.PlatformTelegram,
		Content:        "hej",
		Metadata:       map[string]any{"chat_id": "-100200"},
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	value, err = svc.LookupMetadata(ctx, conv, "chat_id")
	if err != nil || value != "-100200" {
		t.Fatalf("expected chat id, got %q %v", value, err)
	}
	at, err = svc.LastInboundAt(ctx, conv)
	if err != nil || !at.Equal(msg.CreatedAt) {
		t.Fatalf("expected last inbound %v, got %v %v", msg.CreatedAt, at, err)
	}

	has, err := svc.HasOutboundAfter(ctx, conv, msg.CreatedAt)
	if err != nil || has {
		t.Fatalf("expected no outbound yet, got %v %v", has, err)
	}
	if _, err := svc.InsertOutbound(ctx, OutboundInput{ConversationID: conv, Platform: channel.PlatformTelegram, Content: "reply"}); err != nil {
		t.Fatalf("insert outbound: %v", err)
	}
	has, err = svc.HasOutboundAfter(ctx, conv, msg.CreatedAt)
	if err != nil || !has {
		t.Fatalf("expected outbound after trigger, got %v %v", has, err)
	}
	queued, err := svc.Queued(ctx, 10)
	if err != nil || len(queued) != 1 {
		t.Fatalf("expected one queued message, got %d %v", len(queued), err)
	}
}

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusSent, true},
		{StatusQueued, StatusFailed, true},
		{StatusSent, StatusRead, true},
		{StatusQueued, StatusRead, false},
		{StatusRead, StatusSent, false},
		{StatusFailed, StatusSent, false},
		{StatusSent, StatusQueued, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
	if !StatusRead.Terminal() || !StatusFailed.Terminal() || StatusSent.Terminal() {
		t.Fatal("unexpected terminal states")
	}
}

func TestAttachMediaRemovesFilesWhenCommitFails(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	provider, err := localfs.New(root)
	if err != nil {
		t.Fatal(err)
	}
	store := media.NewStore(nil, provider, config.Default().Media)
	q := newFakeQueries()
	commitErr := errors.New("commit failed")
	svc := newService(nil, q, func(_ context.Context, fn func(q Queries) error) error {
		if err := fn(q); err != nil {
			return err
		}
		return commitErr
	}, nil)

	err = svc.AttachMedia(context.Background(), func(ctx context.Context, rec media.Recorder) error {
		_, err := store.Save(ctx, rec, media.SaveInput{
			MessageID: dbpkg.NewID().String(),
			Data:      []byte("%PDF-1.4"),
			Mime:      "application/pdf",
		})
		return err
	})
	if !errors.Is(err, commitErr) {
		t.Fatalf("expected commit error, got %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "attachments"))
	if err != nil && !os.IsNotExist(err) {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("file must not outlive the failed transaction, found %d", len(entries))
	}
}
