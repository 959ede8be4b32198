package message_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
	"github.com/cateringcrm/omnichannel/internal/message"
)

type messageFixture struct {
	messages      *message.DBService
	conversations *conversation.Service
	pool          *pgxpool.Pool
}

func setupMessageIntegrationTest(t *testing.T) messageFixture {
	t.Helper()

	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skip integration test: TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Skipf("skip integration test: cannot connect to database: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Skipf("skip integration test: database ping failed: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	if err := db.MigrateDSN(logger, dsn); err != nil {
		pool.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(pool.Close)

	queries := sqlc.New(pool)
	return messageFixture{
		messages:      message.NewService(logger, pool, queries, nil),
		conversations: conversation.NewService(logger, pool, queries),
		pool:          pool,
	}
}

func (f messageFixture) conversation(t *testing.T, platform channel.Platform) conversation.Conversation {
	t.Helper()
	conv, err := f.conversations.GetOrCreate(context.Background(), platform, "it-"+db.NewID().String(), "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	t.Cleanup(func() {
		if _, err := f.pool.Exec(context.Background(), "DELETE FROM conversations WHERE id = $1", conv.ID); err != nil {
			t.Logf("cleanup conversation %s: %v", conv.ID, err)
		}
	})
	return conv
}

func TestIntegrationInsertInboundDeduplicatesPerPlatform(t *testing.T) {
	f := setupMessageIntegrationTest(t)
	ctx := context.Background()
	first := f.conversation(t, channel.PlatformTelegram)
	second := f.conversation(t, channel.PlatformTelegram)
	providerID := "-100123:" + db.NewID().String()

	in := message.InboundInput{
		ConversationID:    first.ID,
		Platform:          channel.PlatformTelegram,
		Content:           "hi",
		ProviderMessageID: providerID,
	}
	stored, err := f.messages.InsertInbound(ctx, in)
	if err != nil {
		t.Fatalf("insert inbound: %v", err)
	}

	in.ConversationID = second.ID
	again, err := f.messages.InsertInbound(ctx, in)
	if !errors.Is(err, channel.ErrDuplicate) {
		t.Fatalf("expected duplicate, got %v", err)
	}
	if again.ID != stored.ID {
		t.Fatalf("duplicate returned %s, want %s", again.ID, stored.ID)
	}

	// Outbound rows may carry the same provider id.
	if _, err := f.messages.InsertOutbound(ctx, message.OutboundInput{
		ConversationID:    first.ID,
		Platform:          channel.PlatformTelegram,
		Content:           "echo",
		Status:            message.StatusSent,
		ProviderMessageID: providerID,
		SentAt:            time.Now(),
	}); err != nil {
		t.Fatalf("insert outbound with same provider id: %v", err)
	}
}

func TestIntegrationInsertInboundConcurrentRedelivery(t *testing.T) {
	f := setupMessageIntegrationTest(t)
	ctx := context.Background()
	conv := f.conversation(t, channel.PlatformWhatsApp)
	in := message.InboundInput{
		ConversationID:    conv.ID,
		Platform:          channel.PlatformWhatsApp,
		Content:           "Czy macie dostawy w sobotę?",
		ProviderMessageID: "wamid." + db.NewID().String(),
	}

	const workers = 6
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, err := f.messages.InsertInbound(ctx, in)
			ids[i], errs[i] = msg.ID, err
		}(i)
	}
	wg.Wait()

	created := 0
	for i, err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, channel.ErrDuplicate):
		default:
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d got message %s, want %s", i, ids[i], ids[0])
		}
	}
	if created != 1 {
		t.Fatalf("expected exactly one insert to win, got %d", created)
	}
	var n int
	if err := f.pool.QueryRow(ctx, "SELECT count(*) FROM messages WHERE conversation_id = $1", conv.ID).Scan(&n); err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected one stored message, got %d", n)
	}
}

func TestIntegrationUpdateStatusIsMonotonic(t *testing.T) {
	f := setupMessageIntegrationTest(t)
	ctx := context.Background()
	conv := f.conversation(t, channel.PlatformFacebook)

	msg, err := f.messages.InsertOutbound(ctx, message.OutboundInput{
		ConversationID: conv.ID,
		Platform:       channel.PlatformFacebook,
		Content:        "Menu w załączniku",
		SentFromCRM:    true,
	})
	if err != nil {
		t.Fatalf("insert outbound: %v", err)
	}
	if msg.Status != message.StatusQueued {
		t.Fatalf("expected queued, got %s", msg.Status)
	}

	sent, err := f.messages.UpdateStatus(ctx, msg.ID, message.StatusSent, message.StatusUpdate{
		SentAt:            time.Now(),
		ProviderMessageID: "mid." + db.NewID().String(),
	})
	if err != nil {
		t.Fatalf("queued -> sent: %v", err)
	}
	if sent.Status != message.StatusSent || sent.SentAt == nil {
		t.Fatalf("unexpected sent row: %+v", sent)
	}

	read, err := f.messages.MarkRead(ctx, channel.PlatformFacebook, sent.ProviderMessageID, time.Now())
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if read.Status != message.StatusRead {
		t.Fatalf("expected read, got %s", read.Status)
	}

	current, err := f.messages.UpdateStatus(ctx, msg.ID, message.StatusFailed, message.StatusUpdate{})
	if !errors.Is(err, message.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if current.Status != message.StatusRead {
		t.Fatalf("read must stay read, got %s", current.Status)
	}
}

func TestIntegrationLookupMetadata(t *testing.T) {
	f := setupMessageIntegrationTest(t)
	ctx := context.Background()
	conv := f.conversation(t, channel.PlatformTelegram)

	if _, err := f.messages.InsertInbound(ctx, message.InboundInput{
		ConversationID: conv.ID,
		Platform:       channel.PlatformTelegram,
		Content:        "hi",
		Metadata:       map[string]any{"private_user_id": "42"},
	}); err != nil {
		t.Fatalf("insert inbound: %v", err)
	}
	got, err := f.messages.LookupMetadata(ctx, conv.ID, "private_user_id")
	if err != nil {
		t.Fatalf("lookup metadata: %v", err)
	}
	if got != "42" {
		t.Fatalf("expected 42, got %q", got)
	}
}
