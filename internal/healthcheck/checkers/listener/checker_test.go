package listenerchecker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/listener"
)

type fakeObserver struct {
	items []listener.Status
}

func (f *fakeObserver) Statuses() []listener.Status {
	return f.items
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestCheckerChecks(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	checker := NewChecker(newTestLogger(), &fakeObserver{
		items: []listener.Status{
			{Name: "email", Platform: channel.PlatformEmail, State: listener.StateRunning, UpdatedAt: now},
			{Name: "whatsapp_matrix", Platform: channel.PlatformWhatsApp, State: listener.StateGaveUp, Restarts: 10, LastError: "sync timeout", UpdatedAt: now},
			{Name: "telegram", Platform: channel.PlatformTelegram, State: listener.StateIdle, LastError: "bot_token is required"},
		},
	})

	items := checker.Checks(context.Background())
	if len(items) != 3 {
		t.Fatalf("expected 3 checks, got %d", len(items))
	}
	if items[0].ID != "listener.email" || items[0].Status != "ok" {
		t.Fatalf("unexpected email check: %+v", items[0])
	}
	if items[1].Status != "error" || items[1].Detail != "sync timeout" {
		t.Fatalf("unexpected matrix check: %+v", items[1])
	}
	if items[1].Component != "listener" || items[1].Channel != channel.PlatformWhatsApp.String() {
		t.Fatalf("matrix check should name its channel: %+v", items[1])
	}
	if items[2].Status != "ok" || items[2].Detail != "" {
		t.Fatalf("idle listener should be healthy: %+v", items[2])
	}
}

func TestCheckerNilObserver(t *testing.T) {
	t.Parallel()

	checker := NewChecker(newTestLogger(), nil)
	items := checker.Checks(context.Background())
	if len(items) != 1 {
		t.Fatalf("expected service warning check, got %d", len(items))
	}
	if items[0].Status != "warn" {
		t.Fatalf("expected warn status, got %s", items[0].Status)
	}
}
