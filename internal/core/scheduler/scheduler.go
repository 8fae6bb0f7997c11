// Package scheduler owns every recurring tick in the runtime.
//
// Each registered task runs on its own cadence, independent of the others.
// Ticks are non-reentrant per task: when a handler is still running as its
// next tick arrives, that tick is dropped (never queued) and a TaskOverlap
// diagnostic is recorded. Handler panics are recovered at the scheduler
// boundary and stored as the task's last error; the task keeps ticking.
//
// Stop cancels all cadences and waits a bounded grace period for in-flight
// handlers; stragglers are reported and abandoned. Missed ticks during a
// pause are not replayed — scheduling resumes with the next aligned tick.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// DefaultGrace is how long Stop waits for in-flight handlers.
const DefaultGrace = 5 * time.Second

// softDeadlineCap bounds the per-tick context deadline.
const softDeadlineCap = 30 * time.Second

// TaskFunc is a periodic task handler. The context carries the tick's soft
// deadline, min(cadence, 30s), and is cancelled on shutdown.
type TaskFunc func(ctx context.Context) error

// TaskStat is an observability snapshot of one task.
type TaskStat struct {
	Name      string        `json:"name"`
	Cadence   time.Duration `json:"cadence"`
	Runs      uint64        `json:"runs"`
	Dropped   uint64        `json:"dropped"`
	LastStart time.Time     `json:"last_start"`
	LastEnd   time.Time     `json:"last_end"`
	LastError string        `json:"last_error,omitempty"`
	InFlight  bool          `json:"in_flight"`
}

type task struct {
	name    string
	cadence time.Duration
	fn      TaskFunc

	inFlight  atomic.Bool
	runs      atomic.Uint64
	dropped   atomic.Uint64
	mu        sync.Mutex
	lastStart time.Time
	lastEnd   time.Time
	lastErr   error
}

// Scheduler runs named periodic tasks. One instance per subsystem so that
// a subsystem teardown stops exactly its own tasks.
type Scheduler struct {
	clk   clock.Clock
	log   *zap.Logger
	grace time.Duration

	mu      sync.Mutex
	tasks   map[string]*task
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	tickers sync.WaitGroup
	running sync.WaitGroup
}

// New creates a scheduler for one subsystem.
func New(clk clock.Clock, log *zap.Logger) *Scheduler {
	return &Scheduler{
		clk:   clk,
		log:   log.Named("sched"),
		grace: DefaultGrace,
		tasks: make(map[string]*task),
	}
}

// Register adds a named task. Names are unique per scheduler; cadence must
// be positive. Registration after Start picks up ticking immediately.
func (s *Scheduler) Register(name string, cadence time.Duration, fn TaskFunc) error {
	if cadence <= 0 {
		return fmt.Errorf("task %q: cadence must be positive, got %v", name, cadence)
	}
	if fn == nil {
		return fmt.Errorf("task %q: nil handler", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return fmt.Errorf("task %q: scheduler stopped", name)
	}
	if _, dup := s.tasks[name]; dup {
		return fmt.Errorf("task %q: already registered", name)
	}
	t := &task{name: name, cadence: cadence, fn: fn}
	s.tasks[name] = t
	if s.started {
		s.spawn(t)
	}
	return nil
}

// Start begins ticking every registered task. Idempotent.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.started = true
	for _, t := range s.tasks {
		s.spawn(t)
	}
}

// spawn starts the ticker goroutine for t. Caller holds s.mu.
func (s *Scheduler) spawn(t *task) {
	ctx := s.ctx
	// The ticker is created here, before the goroutine runs, so the cadence
	// counts from the Start (or Register) call itself.
	// Ticker channels hold a single pending tick, so intervals missed
	// during a pause coalesce instead of replaying as a burst.
	ticker := s.clk.Ticker(t.cadence)
	s.tickers.Add(1)
	go func() {
		defer s.tickers.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx, t)
			}
		}
	}()
}

// tick dispatches one handler invocation unless the previous one is still
// in flight, in which case the tick is dropped.
func (s *Scheduler) tick(ctx context.Context, t *task) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.dropped.Add(1)
		metrics.TaskOverlaps.WithLabelValues(t.name).Inc()
		s.log.Warn("tick dropped: previous run still in flight",
			zap.String("task", t.name))
		return
	}
	t.mu.Lock()
	t.lastStart = s.clk.Now()
	t.mu.Unlock()
	t.runs.Add(1)
	metrics.TaskTicks.WithLabelValues(t.name).Inc()

	deadline := t.cadence
	if deadline > softDeadlineCap {
		deadline = softDeadlineCap
	}

	s.running.Add(1)
	go func() {
		defer s.running.Done()
		defer t.inFlight.Store(false)
		runCtx, cancel := context.WithTimeout(ctx, deadline)
		defer cancel()

		err := s.runGuarded(runCtx, t)
		t.mu.Lock()
		t.lastEnd = s.clk.Now()
		t.lastErr = err
		t.mu.Unlock()
		if err != nil {
			metrics.TaskErrors.WithLabelValues(t.name).Inc()
			s.log.Warn("task handler failed",
				zap.String("task", t.name), zap.Error(err))
		}
	}()
}

// runGuarded invokes the handler with panic recovery.
func (s *Scheduler) runGuarded(ctx context.Context, t *task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %q panicked: %v", t.name, r)
		}
	}()
	return t.fn(ctx)
}

// Stop cancels all cadences, waits up to the grace period for in-flight
// handlers, and reports any that are still running. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.tickers.Wait()

	done := make(chan struct{})
	go func() {
		s.running.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-s.clk.After(s.grace):
		for _, st := range s.Stats() {
			if st.InFlight {
				s.log.Error("abandoning task still running after grace period",
					zap.String("task", st.Name))
			}
		}
	}
}

// Stats returns a snapshot of every task.
func (s *Scheduler) Stats() []TaskStat {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TaskStat, 0, len(s.tasks))
	for _, t := range s.tasks {
		t.mu.Lock()
		st := TaskStat{
			Name:      t.name,
			Cadence:   t.cadence,
			Runs:      t.runs.Load(),
			Dropped:   t.dropped.Load(),
			LastStart: t.lastStart,
			LastEnd:   t.lastEnd,
			InFlight:  t.inFlight.Load(),
		}
		if t.lastErr != nil {
			st.LastError = t.lastErr.Error()
		}
		t.mu.Unlock()
		out = append(out, st)
	}
	return out
}
