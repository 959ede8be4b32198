package realtime

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/conversation"
	"github.com/cateringcrm/omnichannel/internal/message"
)

func newTestServer(t *testing.T, hub *Hub) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimPrefix(r.URL.Path, "/ws/")
		_ = hub.ServeWS(r.Context(), w, r, userID)
	}))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, userID, origin string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/" + userID
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) Event {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode %q: %v", data, err)
	}
	return ev
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubConnectPingAndBroadcast(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, []string{"https://crm.example.com"}, false)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "op-1", "https://crm.example.com")
	if ev := readEvent(t, conn); ev.Type != EventConnectionEstablished || ev.UserID != "op-1" {
		t.Fatalf("unexpected greeting: %+v", ev)
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("ping")); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil || string(data) != "pong" {
		t.Fatalf("expected pong, got %q %v", data, err)
	}

	conv := conversation.Conversation{ID: "c1", Platform: channel.PlatformTelegram, ExternalID: "-100123", Subject: "Acme"}
	msg := message.Message{ID: "m1", Direction: message.DirectionInbound, Type: channel.MessageTypeText, Content: "hi", Status: message.StatusSent}
	if n := hub.Broadcast(NewMessage(conv, msg)); n != 1 {
		t.Fatalf("expected one delivery, got %d", n)
	}
	ev := readEvent(t, conn)
	if ev.Type != EventNewMessage || ev.ConversationID != "c1" || ev.Platform != "telegram" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.Message == nil || ev.Message.Content != "hi" || ev.Message.Direction != "inbound" {
		t.Fatalf("unexpected message payload: %+v", ev.Message)
	}
	if ev.Conversation == nil || ev.Conversation.ExternalID != "-100123" || ev.Conversation.ClientName != "Acme" {
		t.Fatalf("unexpected conversation payload: %+v", ev.Conversation)
	}
}

func TestHubNewestConnectionWins(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, nil, true)
	srv := newTestServer(t, hub)

	first := dial(t, srv, "op-1", "")
	readEvent(t, first)
	second := dial(t, srv, "op-1", "")
	readEvent(t, second)

	_ = first.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := first.ReadMessage()
	var closeErr *websocket.CloseError
	if !errors.As(err, &closeErr) || closeErr.Text != closeReplaced {
		t.Fatalf("expected replaced close on first socket, got %v", err)
	}
	if hub.Count() != 1 {
		t.Fatalf("expected one registered user, got %d", hub.Count())
	}
	if err := hub.Send("op-1", Event{Type: EventMessageUpdated}); err != nil {
		t.Fatalf("send to newest: %v", err)
	}
	if ev := readEvent(t, second); ev.Type != EventMessageUpdated {
		t.Fatalf("expected update on newest socket, got %+v", ev)
	}
	if err := hub.Send("op-2", Event{Type: EventMessageUpdated}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestHubRejectsForeignOrigin(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, []string{"https://crm.example.com"}, false)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "op-1", "https://evil.example.net")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got %v", err)
	}
	if hub.Count() != 0 {
		t.Fatalf("rejected socket must not be registered, got %d", hub.Count())
	}
}

func TestHubRejectsMissingOrigin(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, []string{"https://crm.example.com"}, false)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "op-1", "")
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected close 1008, got %v", err)
	}
	if hub.Count() != 0 {
		t.Fatalf("rejected socket must not be registered, got %d", hub.Count())
	}
}

func TestHubDropsBrokenSockets(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, nil, true)
	srv := newTestServer(t, hub)

	conn := dial(t, srv, "op-1", "")
	readEvent(t, conn)
	_ = conn.Close()

	// The read loop notices the closed socket and unregisters it.
	waitFor(t, func() bool { return hub.Count() == 0 })
	if n := hub.Broadcast(Event{Type: EventMessageUpdated}); n != 0 {
		t.Fatalf("expected no deliveries, got %d", n)
	}
}

func TestOriginAllowed(t *testing.T) {
	t.Parallel()
	hub := NewHub(nil, []string{"https://crm.example.com/"}, false)
	cases := []struct {
		origin, host string
		want         bool
	}{
		{"https://crm.example.com", "api.example.com", true},
		{"HTTPS://CRM.EXAMPLE.COM", "api.example.com", true},
		{"", "api.example.com", false},
		{"https://api.example.com", "api.example.com", true},
		{"https://evil.example.net", "api.example.com", false},
	}
	for _, tc := range cases {
		if got := hub.OriginAllowed(tc.origin, tc.host); got != tc.want {
			t.Errorf("OriginAllowed(%q, %q) = %v, want %v", tc.origin, tc.host, got, tc.want)
		}
	}
	wildcard := NewHub(nil, []string{"*"}, false)
	if !wildcard.OriginAllowed("https://anything.test", "x") {
		t.Fatal("wildcard should allow every origin")
	}
	if wildcard.OriginAllowed("", "x") {
		t.Fatal("wildcard must not admit clients without an origin")
	}
	if !NewHub(nil, nil, true).OriginAllowed("", "x") {
		t.Fatal("originless clients should pass when enabled")
	}
}
