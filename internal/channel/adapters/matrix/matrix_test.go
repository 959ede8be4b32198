package matrix

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

type staticSettings struct{ cfg settings.MatrixSettings }

func (s staticSettings) Matrix(context.Context) (settings.MatrixSettings, error) {
	return s.cfg, nil
}

type lookupFunc func(ctx context.Context, conversationID, key string) (string, error)

func (f lookupFunc) LookupMetadata(ctx context.Context, conversationID, key string) (string, error) {
	return f(ctx, conversationID, key)
}

type homeserver struct {
	mu       sync.Mutex
	syncs    int
	created  []map[string]any
	sent     []string
	sentBody []map[string]any
	joined   []string
}

const syncBatch = `{
  "next_batch": "s2",
  "rooms": {
    "join": {
      "!dm:example.org": {
        "timeline": {"events": [
          {"type":"m.room.message","event_id":"$1","sender":"@whatsapp_48123456789:example.org","origin_server_ts":1700000000000,"content":{"msgtype":"m.text","body":"dzien dobry"}},
          {"type":"m.room.message","event_id":"$2","sender":"@crm:example.org","content":{"msgtype":"m.text","body":"echo"}},
          {"type":"m.room.message","event_id":"$3","sender":"@whatsappbot:example.org","content":{"msgtype":"m.notice","body":"bridge status"}},
          {"type":"m.room.message","event_id":"$4","sender":"@whatsapp_48123456789:example.org","content":{"msgtype":"m.image","body":"photo.jpg","url":"mxc://example.org/abc","info":{"mimetype":"image/jpeg","size":42}}},
          {"type":"m.room.member","event_id":"$5","sender":"@whatsapp_48123456789:example.org","content":{}}
        ]}
      }
    },
    "invite": {"!new:example.org": {}}
  }
}`

func (h *homeserver) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Header.Get("Authorization") != "Bearer mx-token" {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"errcode":"M_UNKNOWN_TOKEN","error":"bad token"}`)
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	switch {
	case r.URL.Path == "/_matrix/client/v3/sync":
		h.syncs++
		if r.URL.Query().Get("since") == "" {
			_, _ = io.WriteString(w, `{"next_batch":"s1","rooms":{}}`)
			return
		}
		if h.syncs == 2 {
			_, _ = io.WriteString(w, syncBatch)
			return
		}
		_, _ = io.WriteString(w, `{"next_batch":"s3","rooms":{}}`)
	case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/join/"):
		h.joined = append(h.joined, strings.TrimPrefix(r.URL.Path, "/_matrix/client/v3/join/"))
		_, _ = io.WriteString(w, `{}`)
	case r.URL.Path == "/_matrix/client/v3/createRoom":
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.created = append(h.created, body)
		_, _ = io.WriteString(w, `{"room_id":"!created:example.org"}`)
	case strings.HasPrefix(r.URL.Path, "/_matrix/client/v3/rooms/"):
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		h.sent = append(h.sent, r.URL.Path)
		h.sentBody = append(h.sentBody, body)
		_, _ = io.WriteString(w, `{"event_id":"$out"}`)
	default:
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"errcode":"M_NOT_FOUND","error":"no route"}`)
	}
}

func newTestAdapter(t *testing.T, hs *homeserver, lookup channel.MetadataLookup) *Adapter {
	t.Helper()
	srv := httptest.NewServer(hs)
	t.Cleanup(srv.Close)
	cfg := settings.MatrixSettings{
		HomeserverURL: srv.URL,
		AccessToken:   "mx-token",
		UserID:        "@crm:example.org",
		BridgeBot:     "@whatsappbot:example.org",
	}
	return NewAdapter(nil, staticSettings{cfg: cfg}, srv.Client(), lookup)
}

func TestPhoneFromMXID(t *testing.T) {
	t.Parallel()

	tests := []struct {
		mxid string
		want string
		ok   bool
	}{
		{mxid: "@whatsapp_48123456789:example.org", want: "+48123456789", ok: true},
		{mxid: "@whatsappbot:example.org"},
		{mxid: "@alice:example.org"},
		{mxid: "@whatsapp_:example.org"},
	}
	for _, tt := range tests {
		got, ok := PhoneFromMXID(tt.mxid)
		if got != tt.want || ok != tt.ok {
			t.Fatalf("PhoneFromMXID(%q) = %q, %v", tt.mxid, got, ok)
		}
	}
	if got := PuppetMXID("+48123", "example.org"); got != "@whatsapp_48123:example.org" {
		t.Fatalf("unexpected puppet %q", got)
	}
}

func TestListenFiltersSelfAndBridgeBot(t *testing.T) {
	t.Parallel()

	hs := &homeserver{}
	adapter := newTestAdapter(t, hs, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []channel.InboundEvent, 1)
	done := make(chan error, 1)
	go func() {
		done <- adapter.Listen(ctx, func(_ context.Context, _ channel.Adapter, events []channel.InboundEvent) error {
			got <- events
			cancel()
			return nil
		})
	}()
	events := <-got
	if err := <-done; err != nil {
		t.Fatalf("listen: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %#v", len(events), events)
	}
	text, media := events[0], events[1]
	if text.ExternalID != "+48123456789" || text.Content != "dzien dobry" {
		t.Fatalf("unexpected text event: %#v", text)
	}
	if text.Metadata[MetaRoomID] != "!dm:example.org" {
		t.Fatalf("room id missing: %#v", text.Metadata)
	}
	if len(media.Attachments) != 1 || media.Attachments[0].Ref != "mxc://example.org/abc" || media.Attachments[0].Mime != "image/jpeg" {
		t.Fatalf("unexpected media event: %#v", media)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.joined) == 0 {
		t.Fatal("expected invite to be joined")
	}
}

func TestMediaRequest(t *testing.T) {
	t.Parallel()

	adapter := newTestAdapter(t, &homeserver{}, nil)
	target, headers, err := adapter.MediaRequest(context.Background(), channel.PendingAttachment{Ref: "mxc://example.org/abc"})
	if err != nil {
		t.Fatalf("media request: %v", err)
	}
	if !strings.HasSuffix(target, "/_matrix/media/v3/download/example.org/abc") {
		t.Fatalf("unexpected url %q", target)
	}
	if headers.Get("Authorization") != "Bearer mx-token" {
		t.Fatalf("missing bearer: %v", headers)
	}
	if _, _, err := adapter.MediaRequest(context.Background(), channel.PendingAttachment{Ref: "https://x"}); channel.KindOf(err) != channel.KindMediaDownloadFailed {
		t.Fatalf("expected MediaDownloadFailed, got %v", err)
	}
}

func TestSendUsesKnownRoom(t *testing.T) {
	t.Parallel()

	hs := &homeserver{}
	lookup := lookupFunc(func(_ context.Context, conversationID, key string) (string, error) {
		if conversationID == "c1" && key == MetaRoomID {
			return "!dm:example.org", nil
		}
		return "", nil
	})
	adapter := newTestAdapter(t, hs, lookup)
	res, err := adapter.Send(context.Background(), channel.OutboundRequest{
		Conversation: channel.Conversation{ID: "c1", ExternalID: "+48123456789"},
		Content:      "oferta w zalaczniku",
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.ProviderMessageID != "$out" || res.Metadata[MetaRoomID] != "!dm:example.org" {
		t.Fatalf("unexpected result: %#v", res)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.created) != 0 {
		t.Fatalf("room should not be created: %v", hs.created)
	}
	if !strings.Contains(hs.sent[0], "/rooms/!dm:example.org/send/m.room.message/") {
		t.Fatalf("unexpected send path %q", hs.sent[0])
	}
	if hs.sentBody[0]["body"] != "oferta w zalaczniku" {
		t.Fatalf("unexpected body %#v", hs.sentBody[0])
	}
}

func TestSendCreatesRoomOnFirstContact(t *testing.T) {
	t.Parallel()

	hs := &homeserver{}
	adapter := newTestAdapter(t, hs, lookupFunc(func(context.Context, string, string) (string, error) { return "", nil }))
	if _, err := adapter.Send(context.Background(), channel.OutboundRequest{
		Conversation: channel.Conversation{ID: "c2", ExternalID: "+48999"},
		Content:      "hello",
	}); err != nil {
		t.Fatalf("send: %v", err)
	}
	hs.mu.Lock()
	defer hs.mu.Unlock()
	if len(hs.created) != 1 {
		t.Fatalf("expected one created room, got %d", len(hs.created))
	}
	invite, _ := hs.created[0]["invite"].([]any)
	if len(invite) != 1 || invite[0] != "@whatsapp_48999:example.org" {
		t.Fatalf("unexpected invite: %#v", hs.created[0])
	}
}

func TestSendBadTokenIsConfigurationMissing(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(&homeserver{})
	defer srv.Close()
	cfg := settings.MatrixSettings{HomeserverURL: srv.URL, AccessToken: "wrong", UserID: "@crm:example.org"}
	adapter := NewAdapter(nil, staticSettings{cfg: cfg}, srv.Client(), nil)
	_, err := adapter.Send(context.Background(), channel.OutboundRequest{
		Conversation: channel.Conversation{ID: "c3", ExternalID: "+48111"},
		Content:      "hi",
	})
	if !errors.Is(err, channel.ErrConfigurationMissing) {
		t.Fatalf("expected ConfigurationMissing, got %v", err)
	}
	if mxErr, ok := AsError(err); !ok || mxErr.ErrCode != "M_UNKNOWN_TOKEN" {
		t.Fatalf("expected matrix error in chain, got %v", err)
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  Error
		want channel.Kind
	}{
		{err: Error{Status: 429, ErrCode: "M_LIMIT_EXCEEDED"}, want: channel.KindProviderRateLimited},
		{err: Error{Status: 403, ErrCode: "M_FORBIDDEN"}, want: channel.KindRecipientNotFound},
		{err: Error{Status: 502}, want: channel.KindTransportUnavailable},
		{err: Error{Status: 413, ErrCode: "M_TOO_LARGE"}, want: channel.KindAttachmentTooLarge},
		{err: Error{Status: 400, ErrCode: "M_BAD_JSON"}, want: channel.KindMalformedEvent},
	}
	for _, tt := range tests {
		if got := Classify(&tt.err); got != tt.want {
			t.Fatalf("Classify(%+v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
