package conversation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/cateringcrm/omnichannel/internal/channel"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
	"github.com/cateringcrm/omnichannel/internal/db/sqlc"
)

type fakeMessage struct {
	conversation pgtype.UUID
	metadata     map[string]string
}

type fakeQueries struct {
	mu            sync.Mutex
	conversations map[pgtype.UUID]sqlc.Conversation
	messages      []*fakeMessage
	creates       int
	// beforeCreate runs before an insert; used to simulate a racing writer.
	beforeCreate func(f *fakeQueries, arg sqlc.CreateConversationParams)
}

func newFakeQueries() *fakeQueries {
	return &fakeQueries{conversations: map[pgtype.UUID]sqlc.Conversation{}}
}

func (f *fakeQueries) insert(platform, externalID string) sqlc.Conversation {
	row := sqlc.Conversation{
		ID:            dbpkg.NewPgID(),
		Platform:      platform,
		ExternalID:    externalID,
		LastMessageAt: dbpkg.Timestamptz(time.Now()),
	}
	f.conversations[row.ID] = row
	return row
}

func (f *fakeQueries) addMessage(conv pgtype.UUID, metadata map[string]string) {
	f.messages = append(f.messages, &fakeMessage{conversation: conv, metadata: metadata})
}

func (f *fakeQueries) GetConversationByID(_ context.Context, id pgtype.UUID) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.conversations[id]
	if !ok {
		return sqlc.Conversation{}, pgx.ErrNoRows
	}
	return row, nil
}

func (f *fakeQueries) GetConversationByExternalID(_ context.Context, arg sqlc.GetConversationByExternalIDParams) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.conversations {
		if row.Platform == arg.Platform && row.ExternalID == arg.ExternalID {
			return row, nil
		}
	}
	return sqlc.Conversation{}, pgx.ErrNoRows
}

func (f *fakeQueries) CreateConversation(_ context.Context, arg sqlc.CreateConversationParams) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	if f.beforeCreate != nil {
		f.beforeCreate(f, arg)
	}
	for _, row := range f.conversations {
		if row.Platform == arg.Platform && row.ExternalID == arg.ExternalID {
			return sqlc.Conversation{}, &pgconn.PgError{Code: "23505"}
		}
	}
	row := sqlc.Conversation{ID: arg.ID, Platform: arg.Platform, ExternalID: arg.ExternalID, Subject: arg.Subject}
	f.conversations[row.ID] = row
	return row, nil
}

func (f *fakeQueries) UpdateConversationExternalID(_ context.Context, arg sqlc.UpdateConversationExternalIDParams) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, row := range f.conversations {
		if row.Platform == f.conversations[arg.ID].Platform && row.ExternalID == arg.ExternalID {
			return sqlc.Conversation{}, &pgconn.PgError{Code: "23505"}
		}
	}
	row, ok := f.conversations[arg.ID]
	if !ok {
		return sqlc.Conversation{}, pgx.ErrNoRows
	}
	row.ExternalID = arg.ExternalID
	f.conversations[arg.ID] = row
	return row, nil
}

func (f *fakeQueries) UpdateConversationAssignment(_ context.Context, arg sqlc.UpdateConversationAssignmentParams) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	row, ok := f.conversations[arg.ID]
	if !ok {
		return sqlc.Conversation{}, pgx.ErrNoRows
	}
	row.AssignedOperatorRef = arg.AssignedOperatorRef
	row.ClientRef = arg.ClientRef
	f.conversations[arg.ID] = row
	return row, nil
}

func (f *fakeQueries) FindConversationByMessageMetadata(_ context.Context, arg sqlc.FindConversationByMessageMetadataParams) (sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := len(f.messages) - 1; i >= 0; i-- {
		msg := f.messages[i]
		row := f.conversations[msg.conversation]
		if row.Platform == arg.Platform && msg.metadata[arg.Key] == arg.Value {
			return row, nil
		}
	}
	return sqlc.Conversation{}, pgx.ErrNoRows
}

func (f *fakeQueries) ListInboxConversations(_ context.Context, arg sqlc.ListInboxConversationsParams) ([]sqlc.ListInboxConversationsRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var rows []sqlc.ListInboxConversationsRow
	for _, c := range f.conversations {
		if c.IsArchived && !arg.IncludeArchived {
			continue
		}
		rows = append(rows, sqlc.ListInboxConversationsRow{
			ID: c.ID, Platform: c.Platform, ExternalID: c.ExternalID, IsArchived: c.IsArchived, LastMessageAt: c.LastMessageAt,
		})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].LastMessageAt.Time.After(rows[j].LastMessageAt.Time) })
	return rows, nil
}

func (f *fakeQueries) CountInboxConversations(ctx context.Context, arg sqlc.CountInboxConversationsParams) (int64, error) {
	rows, _ := f.ListInboxConversations(ctx, sqlc.ListInboxConversationsParams{IncludeArchived: arg.IncludeArchived})
	return int64(len(rows)), nil
}

func (f *fakeQueries) ListTelegramGroupChatIDs(context.Context) ([]pgtype.Text, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[string]bool{}
	var out []pgtype.Text
	for _, msg := range f.messages {
		chatID := msg.metadata["chat_id"]
		row := f.conversations[msg.conversation]
		if row.Platform != "telegram" || len(chatID) == 0 || chatID[0] != '-' || row.ExternalID == chatID || seen[chatID] {
			continue
		}
		seen[chatID] = true
		out = append(out, pgtype.Text{String: chatID, Valid: true})
	}
	return out, nil
}

func (f *fakeQueries) ListTelegramConversationsByChatID(_ context.Context, chatID string) ([]sqlc.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	seen := map[pgtype.UUID]bool{}
	var out []sqlc.Conversation
	for _, msg := range f.messages {
		row := f.conversations[msg.conversation]
		if row.Platform != "telegram" || row.ExternalID == chatID || msg.metadata["chat_id"] != chatID || seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		out = append(out, row)
	}
	return out, nil
}

func (f *fakeQueries) MoveConversationMessages(_ context.Context, arg sqlc.MoveConversationMessagesParams) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, msg := range f.messages {
		if msg.conversation == arg.SourceID && msg.metadata["chat_id"] == arg.ChatID {
			msg.conversation = arg.TargetID
			n++
		}
	}
	return n, nil
}

func (f *fakeQueries) CountConversationMessages(_ context.Context, id pgtype.UUID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, msg := range f.messages {
		if msg.conversation == id {
			n++
		}
	}
	return n, nil
}

func (f *fakeQueries) MarkConversationArchived(_ context.Context, id pgtype.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.conversations[id]
	row.IsArchived = true
	f.conversations[id] = row
	return nil
}

func (f *fakeQueries) TouchConversation(_ context.Context, arg sqlc.TouchConversationParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	row := f.conversations[arg.ID]
	row.LastMessageAt = arg.LastMessageAt
	row.IsArchived = false
	f.conversations[arg.ID] = row
	return nil
}

func newTestService(q *fakeQueries) *Service {
	return newService(nil, q, func(ctx context.Context, fn func(q Queries) error) error {
		return fn(q)
	})
}

func TestResolveIsIdempotent(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	svc := newTestService(q)
	in := ResolveInput{Platform: channel.PlatformTelegram, ExternalID: "-100123", Subject: "Acme"}
	first, err := svc.Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	second, err := svc.Resolve(context.Background(), in)
	if err != nil {
		t.Fatalf("resolve again: %v", err)
	}
	if first.ID != second.ID || first.Subject != "Acme" {
		t.Fatalf("expected the same conversation, got %#v and %#v", first, second)
	}
	if q.creates != 1 {
		t.Fatalf("expected one insert, got %d", q.creates)
	}
}

func TestResolveLosesRaceAndRereads(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	var winner sqlc.Conversation
	q.beforeCreate = func(f *fakeQueries, arg sqlc.CreateConversationParams) {
		winner = f.insert(arg.Platform, arg.ExternalID)
		f.beforeCreate = nil
	}
	svc := newTestService(q)
	conv, err := svc.GetOrCreate(context.Background(), channel.PlatformWhatsApp, "+48123", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if conv.ID != dbpkg.UUIDString(winner.ID) {
		t.Fatalf("expected the concurrent winner %s, got %s", dbpkg.UUIDString(winner.ID), conv.ID)
	}
}

func TestResolveConcurrentCallersShareOneConversation(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	svc := newTestService(q)
	var wg sync.WaitGroup
	ids := make([]string, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			conv, err := svc.GetOrCreate(context.Background(), channel.PlatformTelegram, "-100123", "Acme")
			if err != nil {
				t.Errorf("resolve: %v", err)
				return
			}
			ids[i] = conv.ID
		}(i)
	}
	wg.Wait()
	for _, id := range ids {
		if id != ids[0] {
			t.Fatalf("conversations diverged: %v", ids)
		}
	}
	if len(q.conversations) != 1 {
		t.Fatalf("expected one conversation, got %d", len(q.conversations))
	}
}

func TestResolveInstagramHandoverRenames(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	svc := newTestService(q)
	ctx := context.Background()

	first, err := svc.Resolve(ctx, ResolveInput{
		Platform:   channel.PlatformInstagram,
		ExternalID: "17841",
		Aliases:    []channel.Alias{{Key: "igsid", Value: "17841"}},
	})
	if err != nil {
		t.Fatalf("resolve igsid: %v", err)
	}
	pgID, _ := dbpkg.ParseUUID(first.ID)
	q.addMessage(pgID, map[string]string{"igsid": "17841"})

	second, err := svc.Resolve(ctx, ResolveInput{
		Platform:   channel.PlatformInstagram,
		ExternalID: "@jane",
		Aliases:    []channel.Alias{{Key: "username", Value: "jane"}, {Key: "igsid", Value: "17841"}},
	})
	if err != nil {
		t.Fatalf("resolve username: %v", err)
	}
	if second.ID != first.ID || second.ExternalID != "@jane" {
		t.Fatalf("expected rename of %s to @jane, got %#v", first.ID, second)
	}
	if len(q.conversations) != 1 {
		t.Fatalf("expected no new conversation, got %d", len(q.conversations))
	}

	// A later event without a resolved username lands in the same conversation.
	third, err := svc.Resolve(ctx, ResolveInput{
		Platform:   channel.PlatformInstagram,
		ExternalID: "17841",
		Aliases:    []channel.Alias{{Key: "igsid", Value: "17841"}},
	})
	if err != nil {
		t.Fatalf("resolve igsid again: %v", err)
	}
	if third.ID != first.ID || third.ExternalID != "@jane" {
		t.Fatalf("expected @jane conversation, got %#v", third)
	}
}

func TestResolveRejectsBadInput(t *testing.T) {
	t.Parallel()

	svc := newTestService(newFakeQueries())
	tests := []ResolveInput{
		{Platform: "sms", ExternalID: "1"},
		{Platform: channel.PlatformEmail, ExternalID: "  "},
	}
	for _, in := range tests {
		if _, err := svc.Resolve(context.Background(), in); !errors.Is(err, ErrInvalidInput) {
			t.Fatalf("Resolve(%+v) = %v, want ErrInvalidInput", in, err)
		}
	}
}

func TestGetAndAssign(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	svc := newTestService(q)
	if _, err := svc.Get(context.Background(), "nope"); !errors.Is(err, ErrInvalidID) {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
	if _, err := svc.Get(context.Background(), dbpkg.NewID().String()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	conv, _ := svc.GetOrCreate(context.Background(), channel.PlatformFacebook, "psid-1", "")
	assigned, err := svc.Assign(context.Background(), conv.ID, "op-7", "client-3")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if assigned.AssignedOperator != "op-7" || assigned.ClientRef != "client-3" {
		t.Fatalf("unexpected assignment %#v", assigned)
	}
	snapshot := assigned.Channel(time.Unix(100, 0))
	if snapshot.AssignedOperator != "op-7" || snapshot.LastInboundAt.Unix() != 100 {
		t.Fatalf("unexpected channel snapshot %#v", snapshot)
	}
}

func TestInboxHidesArchived(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	active := q.insert("email", "a@example.com")
	archived := q.insert("email", "b@example.com")
	archived.IsArchived = true
	q.conversations[archived.ID] = archived

	svc := newTestService(q)
	page, err := svc.Inbox(context.Background(), InboxQuery{})
	if err != nil {
		t.Fatalf("inbox: %v", err)
	}
	if page.Total != 1 || len(page.Items) != 1 || page.Items[0].ID != dbpkg.UUIDString(active.ID) {
		t.Fatalf("unexpected inbox %#v", page)
	}
	if page.Limit != defaultInboxLimit {
		t.Fatalf("expected default limit, got %d", page.Limit)
	}
	all, _ := svc.Inbox(context.Background(), InboxQuery{IncludeArchived: true, Limit: 1000})
	if all.Total != 2 || all.Limit != maxInboxLimit {
		t.Fatalf("unexpected archived inbox %#v", all)
	}
}

func TestMergeTelegramGroups(t *testing.T) {
	t.Parallel()

	q := newFakeQueries()
	alice := q.insert("telegram", "@alice")
	bob := q.insert("telegram", "7")
	for i := range 3 {
		q.addMessage(alice.ID, map[string]string{"chat_id": "-100123", "provider_message_id": fmt.Sprint(i)})
	}
	q.addMessage(bob.ID, map[string]string{"chat_id": "-100123", "provider_message_id": "9"})
	q.addMessage(bob.ID, map[string]string{"chat_id": "7", "provider_message_id": "1"})

	svc := newTestService(q)
	report, err := svc.MergeTelegramGroups(context.Background())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if report.Groups != 1 || report.Conversations != 2 || report.Messages != 4 {
		t.Fatalf("unexpected report %#v", report)
	}
	group, err := svc.Find(context.Background(), channel.PlatformTelegram, "-100123")
	if err != nil {
		t.Fatalf("group conversation missing: %v", err)
	}
	groupID, _ := dbpkg.ParseUUID(group.ID)
	if n, _ := q.CountConversationMessages(context.Background(), groupID); n != 4 {
		t.Fatalf("expected 4 group messages, got %d", n)
	}
	if !q.conversations[alice.ID].IsArchived {
		t.Fatal("emptied conversation should be archived")
	}
	if q.conversations[bob.ID].IsArchived {
		t.Fatal("conversation with private messages must stay active")
	}

	again, err := svc.MergeTelegramGroups(context.Background())
	if err != nil || again.Groups != 0 {
		t.Fatalf("second run should be a no-op, got %#v, %v", again, err)
	}
}

func TestPreview(t *testing.T) {
	t.Parallel()

	if got := preview("  a \n b  "); got != "a b" {
		t.Fatalf("unexpected preview %q", got)
	}
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'ż'
	}
	if got := []rune(preview(string(long))); len(got) != previewRunes {
		t.Fatalf("expected %d runes, got %d", previewRunes, len(got))
	}
}
