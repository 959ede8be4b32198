// Package archiver hides conversations that have been silent for a long time.
package archiver

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/robfig/cron/v3"

	"github.com/cateringcrm/omnichannel/internal/config"
	dbpkg "github.com/cateringcrm/omnichannel/internal/db"
)

const runTimeout = 5 * time.Minute

// Store archives conversations whose last message is older than the cutoff.
type Store interface {
	ArchiveSilentConversations(ctx context.Context, lastMessageAt pgtype.Timestamptz) (int64, error)
}

// Archiver runs the archival scan on a cron schedule.
type Archiver struct {
	store    Store
	schedule string
	silence  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates an archiver from the [archiver] config section.
func New(log *slog.Logger, store Store, cfg config.ArchiverConfig) *Archiver {
	if log == nil {
		log = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = config.DefaultArchiveSchedule
	}
	days := cfg.SilenceDays
	if days <= 0 {
		days = config.DefaultArchiveSilence
	}
	return &Archiver{
		store:    store,
		schedule: schedule,
		silence:  time.Duration(days) * 24 * time.Hour,
		logger:   log.With(slog.String("service", "archiver")),
		now:      time.Now,
	}
}

// RunOnce archives every active conversation silent for longer than the
// configured period and returns how many were archived.
func (a *Archiver) RunOnce(ctx context.Context) (int64, error) {
	cutoff := a.now().UTC().Add(-a.silence)
	n, err := a.store.ArchiveSilentConversations(ctx, dbpkg.Timestamptz(cutoff))
	if err != nil {
		return 0, fmt.Errorf("archive silent conversations: %w", err)
	}
	a.logger.Info("archival scan finished", slog.Int64("archived", n), slog.Time("cutoff", cutoff))
	return n, nil
}

// Start schedules periodic scans.
func (a *Archiver) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cron != nil {
		return nil
	}
	logger := cronLogger{a.logger}
	c := cron.New(cron.WithLogger(logger), cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)))
	if _, err := c.AddFunc(a.schedule, a.tick); err != nil {
		return fmt.Errorf("invalid archiver schedule %q: %w", a.schedule, err)
	}
	c.Start()
	a.cron = c
	a.logger.Info("archiver scheduled", slog.String("schedule", a.schedule))
	return nil
}

// Stop stops the schedule and waits for a running scan.
func (a *Archiver) Stop(ctx context.Context) error {
	a.mu.Lock()
	c := a.cron
	a.cron = nil
	a.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Archiver) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()
	if _, err := a.RunOnce(ctx); err != nil {
		a.logger.Error("archival scan failed", slog.Any("error", err))
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...any) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...any) {
	c.l.Error(msg, append(keysAndValues, slog.Any("error", err))...)
}
