package conversation_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cateringcrm/omnichannel/internal/archiver"
	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

func setupConversationIntegrationTest(t *testing.T) (*conversation.Service, *sqlc.Queries, *pgxpool.Pool) {
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
	return conversation.NewService(logger, pool, queries), queries, pool
}

// uniqueExternalID keeps parallel runs against a shared database apart.
func uniqueExternalID(prefix string) string {
	return prefix + db.NewID().String()
}

func deleteConversation(t *testing.T, pool *pgxpool.Pool, id string) {
	t.Helper()
	t.Cleanup(func() {
		if _, err := pool.Exec(context.Background(), "DELETE FROM conversations WHERE id = $1", id); err != nil {
			t.Logf("cleanup conversation %s: %v", id, err)
		}
	})
}

func countConversations(ctx context.Context, t *testing.T, pool *pgxpool.Pool, platform channel.Platform, externalID string) int {
	t.Helper()
	var n int
	err := pool.QueryRow(ctx, "SELECT count(*) FROM conversations WHERE platform = $1 AND external_id = $2", string(platform), externalID).Scan(&n)
	if err != nil {
		t.Fatalf("count conversations: %v", err)
	}
	return n
}

func TestIntegrationGetOrCreateConcurrent(t *testing.T) {
	svc, _, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	externalID := uniqueExternalID("-100")

	const workers = 8
	ids := make([]string, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := svc.GetOrCreate(ctx, channel.PlatformTelegram, externalID, "Acme")
			ids[i], errs[i] = conv.ID, err
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("worker %d: %v", i, err)
		}
		if ids[i] != ids[0] {
			t.Fatalf("worker %d resolved %s, want %s", i, ids[i], ids[0])
		}
	}
	deleteConversation(t, pool, ids[0])
	if n := countConversations(ctx, t, pool, channel.PlatformTelegram, externalID); n != 1 {
		t.Fatalf("expected one conversation row, got %d", n)
	}

	// The same external id on another platform is another conversation.
	other, err := svc.GetOrCreate(ctx, channel.PlatformWhatsApp, externalID, "")
	if err != nil {
		t.Fatalf("get or create on whatsapp: %v", err)
	}
	deleteConversation(t, pool, other.ID)
	if other.ID == ids[0] {
		t.Fatal("expected a separate conversation per platform")
	}
}

func TestIntegrationResolveAliasRenamesToUsername(t *testing.T) {
	svc, queries, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()
	numeric := uniqueExternalID("7")
	username := "@" + uniqueExternalID("alice")

	conv, err := svc.GetOrCreate(ctx, channel.PlatformTelegram, numeric, "")
	if err != nil {
		t.Fatalf("create numeric conversation: %v", err)
	}
	deleteConversation(t, pool, conv.ID)

	pgConv, err := db.ParseUUID(conv.ID)
	if err != nil {
		t.Fatalf("parse conversation id: %v", err)
	}
	meta, _ := json.Marshal(map[string]any{"user_id": numeric})
	if _, err := queries.CreateMessage(ctx, sqlc.CreateMessageParams{
		ID:             db.NewPgID(),
		ConversationID: pgConv,
		Platform:       string(channel.PlatformTelegram),
		Direction:      "inbound",
		Type:           "text",
		Content:        "hi",
		Status:         "sent",
		Metadata:       meta,
		CreatedAt:      db.Timestamptz(time.Now()),
	}); err != nil {
		t.Fatalf("create message: %v", err)
	}

	resolved, err := svc.Resolve(ctx, conversation.ResolveInput{
		Platform:   channel.PlatformTelegram,
		ExternalID: username,
		Aliases:    []channel.Alias{{Key: "user_id", Value: numeric}},
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.ID != conv.ID {
		t.Fatalf("alias resolved to %s, want %s", resolved.ID, conv.ID)
	}
	if resolved.ExternalID != username {
		t.Fatalf("expected external id migrated to %s, got %s", username, resolved.ExternalID)
	}
	if n := countConversations(ctx, t, pool, channel.PlatformTelegram, numeric); n != 0 {
		t.Fatalf("numeric conversation should be renamed, found %d", n)
	}
}

func TestIntegrationArchiveAndReactivate(t *testing.T) {
	svc, queries, pool := setupConversationIntegrationTest(t)
	ctx := context.Background()

	conv, err := svc.GetOrCreate(ctx, channel.PlatformEmail, uniqueExternalID("client-")+"@example.com", "Menu")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	deleteConversation(t, pool, conv.ID)
	pgConv, _ := db.ParseUUID(conv.ID)

	silentSince := time.Now().Add(-60 * 24 * time.Hour)
	if err := queries.TouchConversation(ctx, sqlc.TouchConversationParams{ID: pgConv, LastMessageAt: db.Timestamptz(silentSince)}); err != nil {
		t.Fatalf("touch conversation: %v", err)
	}
	arch := archiver.New(nil, queries, config.ArchiverConfig{SilenceDays: 30})
	if _, err := arch.RunOnce(ctx); err != nil {
		t.Fatalf("archive: %v", err)
	}
	archived, err := svc.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get archived: %v", err)
	}
	if !archived.IsArchived {
		t.Fatal("expected silent conversation to be archived")
	}

	page, err := svc.Inbox(ctx, conversation.InboxQuery{Platform: channel.PlatformEmail, Limit: 200})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	for _, item := range page.Items {
		if item.ID == conv.ID {
			t.Fatal("archived conversation listed in the default inbox")
		}
	}

	// New activity brings it back.
	if err := queries.TouchConversation(ctx, sqlc.TouchConversationParams{ID: pgConv, LastMessageAt: db.Timestamptz(time.Now())}); err != nil {
		t.Fatalf("touch conversation: %v", err)
	}
	active, err := svc.Get(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get reactivated: %v", err)
	}
	if active.IsArchived {
		t.Fatal("expected new activity to unarchive the conversation")
	}
}
