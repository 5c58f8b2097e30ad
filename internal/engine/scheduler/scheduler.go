// Package scheduler runs the engine's background tasks. It deduplicates
// submissions so at most one task per (region, kind) is pending or
// running, bounds concurrent I/O-heavy tasks with a weighted semaphore,
// and retries transient failures with exponential backoff. Permanent
// failures are recorded against region health without halting reads or
// writes.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
	"golang.org/x/sync/semaphore"

	"github.com/sarvex/greptimedb/internal/logging"
)

// Kind identifies a task category for deduplication.
type Kind string

const (
	// KindFlush converts a frozen memtable into an SST file.
	KindFlush Kind = "flush"
	// KindCompaction merges SST files.
	KindCompaction Kind = "compaction"
	// KindWALPrune removes WAL segments covered by flushed data.
	KindWALPrune Kind = "wal-prune"
)

// Task is one background unit of work.
type Task struct {
	// RegionID scopes deduplication and health accounting.
	RegionID string

	// Kind scopes deduplication within the region.
	Kind Kind

	// IO marks the task as I/O-heavy; such tasks share the rate limit.
	IO bool

	// Run does the work. It must honor ctx cancellation; a returned
	// error triggers a retry with backoff.
	Run func(ctx context.Context) error
}

// Options configures the scheduler.
type Options struct {
	// Workers is the number of task workers.
	Workers int

	// MaxIOTasks bounds concurrently running I/O-heavy tasks.
	MaxIOTasks int64

	// QueueDepth is the pending queue capacity.
	QueueDepth int

	// RetryBaseDelay is the initial backoff after a transient failure.
	RetryBaseDelay time.Duration

	// RetryMaxDelay caps the backoff.
	RetryMaxDelay time.Duration

	// MaxRetries is the attempt budget before the failure is permanent.
	MaxRetries int

	// SketchAccuracy is the relative accuracy of the duration sketch.
	SketchAccuracy float64
}

// DefaultOptions returns default scheduler options.
func DefaultOptions() Options {
	return Options{
		Workers:        4,
		MaxIOTasks:     2,
		QueueDepth:     256,
		RetryBaseDelay: 100 * time.Millisecond,
		RetryMaxDelay:  30 * time.Second,
		MaxRetries:     5,
		SketchAccuracy: 0.01,
	}
}

// taskKey scopes deduplication.
type taskKey struct {
	regionID string
	kind     Kind
}

// Scheduler is the shared background task queue. One instance serves
// every region; create it at engine startup and inject it, never reach
// for a global.
type Scheduler struct {
	opts Options

	mu      sync.Mutex
	pending map[taskKey]bool
	health  map[string]error
	sketch  *ddsketch.DDSketch

	taskCh chan *Task
	ioSem  *semaphore.Weighted

	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	stats statCounters
	log   *slog.Logger
}

type statCounters struct {
	Submitted    atomic.Int64
	Deduplicated atomic.Int64
	Rejected     atomic.Int64
	Completed    atomic.Int64
	Retried      atomic.Int64
	Failed       atomic.Int64
}

// New creates a scheduler. Call Start before submitting tasks.
func New(opts Options) (*Scheduler, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.MaxIOTasks <= 0 {
		opts.MaxIOTasks = DefaultOptions().MaxIOTasks
	}
	if opts.QueueDepth <= 0 {
		opts.QueueDepth = DefaultOptions().QueueDepth
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = DefaultOptions().RetryBaseDelay
	}
	if opts.RetryMaxDelay <= 0 {
		opts.RetryMaxDelay = DefaultOptions().RetryMaxDelay
	}
	if opts.SketchAccuracy <= 0 {
		opts.SketchAccuracy = DefaultOptions().SketchAccuracy
	}

	sketch, err := ddsketch.NewDefaultDDSketch(opts.SketchAccuracy)
	if err != nil {
		return nil, fmt.Errorf("create duration sketch: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		opts:    opts,
		pending: make(map[taskKey]bool),
		health:  make(map[string]error),
		sketch:  sketch,
		taskCh:  make(chan *Task, opts.QueueDepth),
		ioSem:   semaphore.NewWeighted(opts.MaxIOTasks),
		ctx:     ctx,
		cancel:  cancel,
		log:     logging.Component("scheduler"),
	}, nil
}

// Start launches the worker pool.
func (s *Scheduler) Start() error {
	if s.running.Load() {
		return fmt.Errorf("scheduler already running")
	}
	s.running.Store(true)

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.log.Info("started", "workers", s.opts.Workers, "max_io_tasks", s.opts.MaxIOTasks)
	return nil
}

// Stop cancels in-flight tasks cooperatively and waits for workers.
func (s *Scheduler) Stop() error {
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	s.cancel()
	s.wg.Wait()
	s.log.Info("stopped")
	return nil
}

// Submit enqueues a task. Returns false if an equivalent task is
// already pending or running, or if the scheduler is stopped or full.
func (s *Scheduler) Submit(t *Task) bool {
	if !s.running.Load() || t == nil || t.Run == nil {
		return false
	}

	key := taskKey{regionID: t.RegionID, kind: t.Kind}

	s.mu.Lock()
	if s.pending[key] {
		s.mu.Unlock()
		s.stats.Deduplicated.Add(1)
		return false
	}
	s.pending[key] = true
	s.mu.Unlock()

	select {
	case s.taskCh <- t:
		s.stats.Submitted.Add(1)
		return true
	default:
		s.mu.Lock()
		delete(s.pending, key)
		s.mu.Unlock()
		s.stats.Rejected.Add(1)
		return false
	}
}

// worker drains the task queue until shutdown.
func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case t := <-s.taskCh:
			s.execute(t)
		}
	}
}

// execute runs one task with retry, then clears its dedup slot.
func (s *Scheduler) execute(t *Task) {
	defer func() {
		s.mu.Lock()
		delete(s.pending, taskKey{regionID: t.RegionID, kind: t.Kind})
		s.mu.Unlock()
	}()

	if t.IO {
		if err := s.ioSem.Acquire(s.ctx, 1); err != nil {
			return // shutting down
		}
		defer s.ioSem.Release(1)
	}

	start := time.Now()
	err := s.runWithRetry(t)
	elapsed := time.Since(start)

	s.mu.Lock()
	s.sketch.Add(elapsed.Seconds())
	if err != nil {
		s.health[t.RegionID] = fmt.Errorf("%s: %w", t.Kind, err)
	} else {
		delete(s.health, t.RegionID)
	}
	s.mu.Unlock()

	if err != nil {
		s.stats.Failed.Add(1)
		s.log.Error("task failed permanently",
			"region", t.RegionID, "kind", t.Kind, "error", err)
		return
	}
	s.stats.Completed.Add(1)
}

// runWithRetry retries transient failures with exponential backoff.
func (s *Scheduler) runWithRetry(t *Task) error {
	delay := s.opts.RetryBaseDelay

	var lastErr error
	for attempt := 0; attempt <= s.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			s.stats.Retried.Add(1)
			select {
			case <-s.ctx.Done():
				return s.ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > s.opts.RetryMaxDelay {
				delay = s.opts.RetryMaxDelay
			}
		}

		lastErr = t.Run(s.ctx)
		if lastErr == nil {
			return nil
		}
		if s.ctx.Err() != nil {
			return lastErr
		}
		s.log.Warn("task attempt failed",
			"region", t.RegionID, "kind", t.Kind, "attempt", attempt, "error", lastErr)
	}

	return lastErr
}

// RegionHealth returns the last permanent task failure recorded for a
// region, or nil if its background work is healthy.
func (s *Scheduler) RegionHealth(regionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.health[regionID]
}

// Stats holds scheduler statistics, including task duration percentiles
// in seconds.
type Stats struct {
	Submitted    int64
	Deduplicated int64
	Rejected     int64
	Completed    int64
	Retried      int64
	Failed       int64

	DurationP50 float64
	DurationP95 float64
	DurationP99 float64
}

// Stats returns current statistics.
func (s *Scheduler) Stats() Stats {
	st := Stats{
		Submitted:    s.stats.Submitted.Load(),
		Deduplicated: s.stats.Deduplicated.Load(),
		Rejected:     s.stats.Rejected.Load(),
		Completed:    s.stats.Completed.Load(),
		Retried:      s.stats.Retried.Load(),
		Failed:       s.stats.Failed.Load(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sketch.GetCount() > 0 {
		if v, err := s.sketch.GetValueAtQuantile(0.50); err == nil {
			st.DurationP50 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.95); err == nil {
			st.DurationP95 = v
		}
		if v, err := s.sketch.GetValueAtQuantile(0.99); err == nil {
			st.DurationP99 = v
		}
	}
	return st
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}
