package databasechecker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cateringcrm/omnichannel/internal/healthcheck"
)

const (
	componentDatabase = "database"
	pingTimeout       = 3 * time.Second
)

// Pinger is satisfied by *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker pings the Postgres pool that holds conversations and messages.
type Checker struct {
	logger *slog.Logger
	pool   Pinger
}

// NewChecker creates the message store checker.
func NewChecker(log *slog.Logger, pool Pinger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger: log.With(slog.String("component", "health.database")),
		pool:   pool,
	}
}

// Checks pings the pool once.
func (c *Checker) Checks(ctx context.Context) []healthcheck.Check {
	item := healthcheck.Check{
		ID:        componentDatabase,
		Component: componentDatabase,
		Status:    healthcheck.StatusOK,
		Summary:   "Message store is reachable.",
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	start := time.Now()
	if err := c.pool.Ping(ctx); err != nil {
		c.logger.Warn("database ping failed", slog.Any("error", err))
		item.Status = healthcheck.StatusError
		item.Summary = "Message store is unreachable."
		item.Detail = err.Error()
		return []healthcheck.Check{item}
	}
	item.Metadata = map[string]any{"latency_ms": time.Since(start).Milliseconds()}
	return []healthcheck.Check{item}
}
