// Package listener supervises the long-lived polling loops of the adapters
// (IMAP, Matrix /sync, Telegram getUpdates).
package listener

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/cateringcrm/omnichannel/internal/channel"
	"github.com/cateringcrm/omnichannel/internal/config"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 5 * time.Minute
)

// State is the lifecycle state of one listener.
type State string

const (
	StateRunning State = "running"
	// StateIdle means the listener has no configuration and is waiting for it.
	StateIdle       State = "idle"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
	// StateGaveUp means the restart budget was exhausted.
	StateGaveUp State = "gave_up"
)

// Status is a snapshot of one listener.
type Status struct {
	Name      string           `json:"name"`
	Platform  channel.Platform `json:"platform"`
	State     State            `json:"state"`
	Restarts  int              `json:"restarts"`
	LastError string           `json:"last_error,omitempty"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Running reports whether the listener loop is active.
func (s Status) Running() bool {
	return s.State == StateRunning
}

type entry struct {
	adapter  channel.Adapter
	listener channel.Listener
}

// Supervisor runs every registered listener and restarts failed ones with
// exponential backoff.
type Supervisor struct {
	entries     []entry
	sink        channel.EventSink
	maxRestarts int
	idleRetry   time.Duration
	logger      *slog.Logger
	newBackoff  func() backoff.BackOff

	mu       sync.RWMutex
	statuses map[string]Status
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewSupervisor collects the listeners of the registry.
func NewSupervisor(log *slog.Logger, registry *channel.Registry, sink channel.EventSink, cfg config.ListenersConfig) *Supervisor {
	if log == nil {
		log = slog.Default()
	}
	idle := cfg.IdleRetry.Duration
	if idle <= 0 {
		idle = config.DefaultListenerIdleRetry
	}
	s := &Supervisor{
		sink:        sink,
		maxRestarts: cfg.MaxRestarts,
		idleRetry:   idle,
		logger:      log.With(slog.String("service", "listeners")),
		statuses:    map[string]Status{},
		newBackoff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initialBackoff
			b.MaxInterval = maxBackoff
			b.MaxElapsedTime = 0
			return b
		},
	}
	listeners := registry.Listeners()
	names := make([]string, 0, len(listeners))
	for name := range listeners {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		adapter, ok := registry.Get(name)
		if !ok {
			continue
		}
		s.entries = append(s.entries, entry{adapter: adapter, listener: listeners[name]})
	}
	return s
}

// Start launches the listeners in the background.
func (s *Supervisor) Start(ctx context.Context) {
	s.mu.Lock()
	if s.cancel != nil {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	done := s.done
	s.mu.Unlock()

	go func() {
		defer close(done)
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("listener supervisor stopped", slog.Any("error", err))
		}
	}()
}

// Stop cancels every listener and waits for them to return.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run blocks until ctx is done. A listener that gives up does not stop the others.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, e := range s.entries {
		g.Go(func() error {
			s.supervise(ctx, e)
			return nil
		})
	}
	return g.Wait()
}

func (s *Supervisor) supervise(ctx context.Context, e entry) {
	name := e.adapter.Name()
	log := s.logger.With(slog.String("listener", name))
	b := s.newBackoff()
	restarts := 0
	for {
		s.set(e, StateRunning, restarts, "")
		err := e.listener.Listen(ctx, s.sink)
		if ctx.Err() != nil {
			s.set(e, StateStopped, restarts, "")
			return
		}
		if channel.KindOf(err) == channel.KindConfigurationMissing {
			log.Info("listener not configured, waiting", slog.Duration("retry_in", s.idleRetry))
			s.set(e, StateIdle, restarts, err.Error())
			b.Reset()
			if !sleep(ctx, s.idleRetry) {
				s.set(e, StateStopped, restarts, "")
				return
			}
			continue
		}
		if err == nil {
			err = errors.New("listener returned without error")
		}
		restarts++
		if s.maxRestarts > 0 && restarts > s.maxRestarts {
			log.Error("listener exceeded restart budget", slog.Int("restarts", restarts-1), slog.Any("error", err))
			s.set(e, StateGaveUp, restarts-1, err.Error())
			return
		}
		delay := b.NextBackOff()
		if delay == backoff.Stop {
			delay = maxBackoff
		}
		log.Warn("listener failed, restarting",
			slog.Int("restarts", restarts),
			slog.Duration("retry_in", delay),
			slog.Any("error", err),
		)
		s.set(e, StateRestarting, restarts, err.Error())
		if !sleep(ctx, delay) {
			s.set(e, StateStopped, restarts, err.Error())
			return
		}
	}
}

func (s *Supervisor) set(e entry, state State, restarts int, lastErr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[e.adapter.Name()] = Status{
		Name:      e.adapter.Name(),
		Platform:  e.adapter.Platform(),
		State:     state,
		Restarts:  restarts,
		LastError: lastErr,
		UpdatedAt: time.Now().UTC(),
	}
}

// Statuses returns a snapshot of every listener, ordered by name.
func (s *Supervisor) Statuses() []Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		st, ok := s.statuses[e.adapter.Name()]
		if !ok {
			st = Status{Name: e.adapter.Name(), Platform: e.adapter.Platform(), State: StateStopped}
		}
		out = append(out, st)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
