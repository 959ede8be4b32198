package metagraph

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/settings"
)

func TestVerifySignature(t *testing.T) {
	t.Parallel()
	body := []byte(`{"object":"whatsapp_business_account"}`)
	secret := "app-secret"

	tests := []struct {
		name   string
		secret string
		header string
		kind   channel.Kind
	}{
		{name: "valid", secret: secret, header: Sign(secret, body)},
		{name: "wrong secret", secret: secret, header: Sign("other", body), kind: channel.KindSignatureInvalid},
		{name: "no prefix", secret: secret, header: Sign(secret, body)[len("sha256="):], kind: channel.KindSignatureInvalid},
		{name: "not hex", secret: secret, header: "sha256=zz", kind: channel.KindSignatureInvalid},
		{name: "empty header", secret: secret, header: "", kind: channel.KindSignatureInvalid},
		{name: "no secret configured", secret: "", header: Sign(secret, body), kind: channel.KindConfigurationMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := VerifySignature(tt.secret, body, tt.header)
			if tt.kind == channel.KindUnknown {
				if err != nil {
					t.Fatalf("expected valid signature, got %v", err)
				}
				return
			}
			if channel.KindOf(err) != tt.kind {
				t.Fatalf("expected %s, got %v", tt.kind, err)
			}
		})
	}
}

func TestVerifyHandshake(t *testing.T) {
	t.Parallel()
	got, err := VerifyHandshake("verify-me", "subscribe", "verify-me", "1158201444")
	if err != nil || got != "1158201444" {
		t.Fatalf("expected challenge echo, got %q %v", got, err)
	}
	if _, err := VerifyHandshake("verify-me", "subscribe", "wrong", "x"); !errors.Is(err, channel.ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid, got %v", err)
	}
	if _, err := VerifyHandshake("verify-me", "unsubscribe", "verify-me", "x"); !errors.Is(err, channel.ErrSignatureInvalid) {
		t.Fatalf("expected signature invalid for mode, got %v", err)
	}
	if _, err := VerifyHandshake("", "subscribe", "", "x"); !errors.Is(err, channel.ErrConfigurationMissing) {
		t.Fatalf("expected configuration missing, got %v", err)
	}
}

func TestCheckWindowBoundaries(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name     string
		age      time.Duration
		operator string
		tagged   bool
		expired  bool
	}{
		{name: "23h", age: 23 * time.Hour},
		{name: "24h minus 1s", age: Window - time.Second},
		{name: "24h plus 1s without operator", age: Window + time.Second, expired: true},
		{name: "25h without operator", age: 25 * time.Hour, expired: true},
		{name: "25h with operator", age: 25 * time.Hour, operator: "op-1", tagged: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			conv := channel.Conversation{LastInboundAt: now.Add(-tt.age), AssignedOperator: tt.operator}
			policy, err := CheckWindow(conv, now)
			if tt.expired {
				if !errors.Is(err, channel.ErrPolicyWindowExpired) {
					t.Fatalf("expected PolicyWindowExpired, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if policy.Tagged != tt.tagged {
				t.Fatalf("tagged = %v, want %v", policy.Tagged, tt.tagged)
			}
			if tt.tagged && policy.MessagingType() != MessagingTypeTag {
				t.Fatalf("expected MESSAGE_TAG, got %s", policy.MessagingType())
			}
			if !tt.tagged && policy.Metadata() != nil {
				t.Fatalf("untagged policy must not add metadata")
			}
		})
	}
}

func TestCheckWindowNeverWrote(t *testing.T) {
	t.Parallel()
	if _, err := CheckWindow(channel.Conversation{}, time.Now()); !errors.Is(err, channel.ErrPolicyWindowExpired) {
		t.Fatalf("expected PolicyWindowExpired, got %v", err)
	}
}

func TestClientSendsBearerAndClassifiesErrors(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v21.0/ok":
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "wamid.1"})
		case "/v21.0/limited":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","code":4}}`))
		case "/v21.0/window":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":{"message":"outside window","code":10,"error_subcode":2018278}}`))
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer srv.Close()

	gs := settings.GraphSettings{GraphURL: srv.URL, APIVersion: "v21.0"}
	client := NewClient(nil, srv.Client())
	ctx := context.Background()

	var out struct {
		ID string `json:"id"`
	}
	if err := client.PostJSON(ctx, "tok", Endpoint(gs, "ok"), map[string]string{"a": "b"}, &out); err != nil {
		t.Fatalf("PostJSON: %v", err)
	}
	if out.ID != "wamid.1" {
		t.Fatalf("unexpected id %q", out.ID)
	}

	cases := map[string]channel.Kind{
		"limited": channel.KindProviderRateLimited,
		"window":  channel.KindPolicyWindowExpired,
		"broken":  channel.KindTransportUnavailable,
	}
	for path, kind := range cases {
		err := client.PostJSON(ctx, "tok", Endpoint(gs, path), map[string]string{}, nil)
		if channel.KindOf(err) != kind {
			t.Fatalf("%s: expected %s, got %v", path, kind, err)
		}
	}
	if err := client.PostJSON(ctx, "", Endpoint(gs, "ok"), nil, nil); channel.KindOf(err) != channel.KindConfigurationMissing {
		t.Fatalf("expected configuration missing without token, got %v", err)
	}
}

func TestParseMessagingEcho(t *testing.T) {
	t.Parallel()
	raw := []byte(`{"object":"page","entry":[{"id":"PAGE","time":1,"messaging":[
		{"sender":{"id":"PAGE"},"recipient":{"id":"PSID1"},"timestamp":1700000000000,
		 "message":{"mid":"m_1","text":"from phone","is_echo":true}}]}]}`)
	payload, err := ParseMessaging(raw)
	if err != nil {
		t.Fatalf("ParseMessaging: %v", err)
	}
	ev := payload.Entry[0].Messaging[0]
	if ev.Counterparty() != "PSID1" {
		t.Fatalf("echo counterparty should be the recipient, got %s", ev.Counterparty())
	}
	normalized := MessageEvent(channel.PlatformFacebook, payload.Entry[0], ev)
	if !normalized.IsEcho || normalized.ProviderMessageID != "m_1" || normalized.Content != "from phone" {
		t.Fatalf("unexpected event: %+v", normalized)
	}
	if _, err := ParseMessaging([]byte("{")); !errors.Is(err, channel.ErrMalformedEvent) {
		t.Fatalf("expected malformed event, got %v", err)
	}
}
