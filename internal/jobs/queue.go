// Package jobs runs background work (outbound sends, media downloads, AI
// hand-offs) on a fixed pool of workers. Jobs sharing a key run one at a
// time in submission order.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"
)

// DefaultWorkers is used when New is given a non-positive worker count.
const DefaultWorkers = 8

// ErrStopped is returned for work submitted after Stop.
var ErrStopped = errors.New("job queue stopped")

// Func is one unit of background work.
type Func func(ctx context.Context) error

type task struct {
	key  string
	name string
	fn   Func
}

type shard struct {
	mu      sync.Mutex
	pending []task
	wake    chan struct{}
}

func (s *shard) push(t task) {
	s.mu.Lock()
	s.pending = append(s.pending, t)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *shard) pop() (task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return task{}, false
	}
	t := s.pending[0]
	s.pending[0] = task{}
	s.pending = s.pending[1:]
	return t, true
}

// Queue is an in-process delayed job queue.
type Queue struct {
	shards []*shard
	logger *slog.Logger

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a queue with the given number of workers.
func New(log *slog.Logger, workers int) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	shards := make([]*shard, workers)
	for i := range shards {
		shards[i] = &shard{wake: make(chan struct{}, 1)}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		shards: shards,
		logger: log.With(slog.String("component", "jobs")),
		timers: map[*time.Timer]struct{}{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the workers. Jobs enqueued earlier run once it is called.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	for _, s := range q.shards {
		q.wg.Add(1)
		go q.run(s)
	}
	q.logger.Info("job queue started", slog.Int("workers", len(q.shards)))
}

// Stop cancels pending timers, lets running jobs observe cancellation and
// waits for the workers until ctx expires. Queued jobs that have not started
// are dropped.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	for t := range q.timers {
		t.Stop()
	}
	q.timers = map[*time.Timer]struct{}{}
	q.mu.Unlock()
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop job queue: %w", ctx.Err())
	}
	dropped := 0
	for _, s := range q.shards {
		s.mu.Lock()
		dropped += len(s.pending)
		s.pending = nil
		s.mu.Unlock()
	}
	if dropped > 0 {
		q.logger.Warn("job queue stopped with pending jobs", slog.Int("dropped", dropped))
	}
	return nil
}

// Enqueue submits fn to run after every earlier job with the same key.
func (q *Queue) Enqueue(key, name string, fn Func) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrStopped
	}
	q.shardFor(key).push(task{key: key, name: name, fn: fn})
	return nil
}

// Schedule submits fn once delay has elapsed.
func (q *Queue) Schedule(delay time.Duration, key, name string, fn Func) error {
	if delay <= 0 {
		return q.Enqueue(key, name, fn)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrStopped
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.timers, timer)
		q.mu.Unlock()
		if err := q.Enqueue(key, name, fn); err != nil {
			q.logger.Debug("scheduled job dropped", slog.String("job", name), slog.String("key", key))
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

// Pending returns the number of jobs waiting to run, scheduled ones included.
func (q *Queue) Pending() int {
	q.mu.Lock()
	n := len(q.timers)
	q.mu.Unlock()
	for _, s := range q.shards {
		s.mu.Lock()
		n += len(s.pending)
		s.mu.Unlock()
	}
	return n
}

func (q *Queue) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return q.shards[h.Sum32()%uint32(len(q.shards))]
}

func (q *Queue) run(s *shard) {
	defer q.wg.Done()
	for {
		for {
			if q.ctx.Err() != nil {
				return
			}
			t, ok := s.pop()
			if !ok {
				break
			}
			q.execute(t)
		}
		select {
		case <-q.ctx.Done():
			return
		case <-s.wake:
		}
	}
}

func (q *Queue) execute(t task) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("job panicked",
				slog.String("job", t.name),
				slog.String("key", t.key),
				slog.Any("panic", r),
			)
		}
	}()
	if err := t.fn(q.ctx); err != nil {
		q.logger.Warn("job failed",
			slog.String("job", t.name),
			slog.String("key", t.key),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err),
		)
		return
	}
	q.logger.Debug("job done",
		slog.String("job", t.name),
		slog.String("key", t.key),
		slog.Duration("elapsed", time.Since(started)),
	)
}
