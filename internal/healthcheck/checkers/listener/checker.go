package listenerchecker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cateringcrm/omnichannel/internal/healthcheck"
	"github.com/cateringcrm/omnichannel/internal/listener"
)

const componentListener = "listener"

// StatusObserver reads the state of the IMAP, Matrix and polling listeners.
type StatusObserver interface {
	Statuses() []listener.Status
}

// Checker turns listener states into health checks, one per listener.
type Checker struct {
	logger   *slog.Logger
	observer StatusObserver
}

// NewChecker creates the listener checker.
func NewChecker(log *slog.Logger, observer StatusObserver) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("component", "health.listener")),
		observer: observer,
	}
}

// Checks reports every supervised listener. An idle listener has no
// credentials configured and counts as healthy.
func (c *Checker) Checks(ctx context.Context) []healthcheck.Check {
	if err := ctx.Err(); err != nil {
		return []healthcheck.Check{}
	}
	if c.observer == nil {
		c.logger.Warn("listener healthcheck dependency is unavailable")
		return []healthcheck.Check{
			{
				ID:        componentListener + ".supervisor",
				Component: componentListener,
				Status:    healthcheck.StatusWarn,
				Summary:   "Listener supervisor is not available.",
				Detail:    "status observer is nil",
			},
		}
	}

	statuses := c.observer.Statuses()
	checks := make([]healthcheck.Check, 0, len(statuses))
	for _, status := range statuses {
		item := healthcheck.Check{
			ID:        componentListener + "." + status.Name,
			Component: componentListener,
			Channel:   status.Platform.String(),
			Metadata: map[string]any{
				"state":    string(status.State),
				"restarts": status.Restarts,
			},
		}
		if status.UpdatedAt.Unix() > 0 {
			item.Metadata["updated_at"] = status.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z")
		}
		switch status.State {
		case listener.StateRunning:
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Listener %s is running.", status.Name)
		case listener.StateIdle:
			item.Status = healthcheck.StatusOK
			item.Summary = fmt.Sprintf("Listener %s is not configured.", status.Name)
		case listener.StateRestarting:
			item.Status = healthcheck.StatusWarn
			item.Summary = fmt.Sprintf("Listener %s is restarting.", status.Name)
		case listener.StateStopped:
			item.Status = healthcheck.StatusUnknown
			item.Summary = fmt.Sprintf("Listener %s is stopped.", status.Name)
		default:
			item.Status = healthcheck.StatusError
			item.Summary = fmt.Sprintf("Listener %s is down.", status.Name)
		}
		if item.Status != healthcheck.StatusOK {
			item.Detail = strings.TrimSpace(status.LastError)
		}
		checks = append(checks, item)
	}
	return checks
}
