// Package healthcheck aggregates the readiness of the messaging subsystem:
// database reachability and the state of every channel listener.
package healthcheck

import "context"

// Status grades one check. The overall report takes the worst grade.
type Status string

const (
	StatusOK      Status = "ok"
	StatusWarn    Status = "warn"
	StatusError   Status = "error"
	StatusUnknown Status = "unknown"
)

// Check is one line of the /health report.
type Check struct {
	ID        string `json:"id"`
	Component string `json:"component"`
	// Channel names the platform a listener check covers.
	Channel  string         `json:"channel,omitempty"`
	Status   Status         `json:"status"`
	Summary  string         `json:"summary"`
	Detail   string         `json:"detail,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Checker reports on one part of the subsystem.
type Checker interface {
	Checks(ctx context.Context) []Check
}
