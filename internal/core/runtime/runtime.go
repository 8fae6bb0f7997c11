// Package runtime defines the lifecycle contract every subsystem follows:
// init → running → destroyed, with deterministic resource cleanup.
//
// Init loads persisted settings (seeding defaults only when the persisted
// key is empty), discovers and classifies devices, registers periodic
// tasks, and subscribes to cross-subsystem events. Destroy stops the
// subsystem's scheduler, cancels its outstanding timed actions,
// unsubscribes from the bus, and flushes persistence. Destroy is safe to
// call more than once; the second call is a no-op.
package runtime

import (
	"context"
	"fmt"
	"sync"
)

// State is the lifecycle state of a subsystem. Transitions are strictly
// monotonic: a destroyed subsystem is never re-initialized.
type State int

const (
	StateUninitialized State = iota
	StateInitializing
	StateRunning
	StateDestroying
	StateDestroyed
)

// String returns the lifecycle state name.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDestroying:
		return "destroying"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// Subsystem is implemented by every domain module.
type Subsystem interface {
	Name() string
	Init(ctx context.Context) error
	Destroy() error
	State() State
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Lifecycle tracks monotonic state transitions. Subsystems embed it and
// bracket their Init and Destroy bodies with the transition helpers.
type Lifecycle struct {
	mu    sync.Mutex
	state State
}

// State returns the current lifecycle state.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// BeginInit moves uninitialized → initializing. Any other starting state
// is an error: lifecycles never move backwards.
func (l *Lifecycle) BeginInit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != StateUninitialized {
		return fmt.Errorf("init from state %s", l.state)
	}
	l.state = StateInitializing
	return nil
}

// FinishInit moves initializing → running.
func (l *Lifecycle) FinishInit() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateInitializing {
		l.state = StateRunning
	}
}

// BeginDestroy moves running (or initializing) → destroying. Returns false
// when teardown already happened or is in progress, making double-destroy
// a no-op for the caller.
func (l *Lifecycle) BeginDestroy() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch l.state {
	case StateDestroying, StateDestroyed, StateUninitialized:
		return false
	}
	l.state = StateDestroying
	return true
}

// FinishDestroy moves destroying → destroyed.
func (l *Lifecycle) FinishDestroy() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateDestroying {
		l.state = StateDestroyed
	}
}

// ─── Runner ─────────────────────────────────────────────────────────────────

// Status is an observability snapshot of one subsystem.
type Status struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// Runner owns the ordered set of subsystems and drives their lifecycles.
// Init order is registration order; destroy order is the reverse.
type Runner struct {
	mu         sync.Mutex
	subsystems []Subsystem
}

// NewRunner creates an empty runner.
func NewRunner() *Runner { return &Runner{} }

// Add registers a subsystem. Call before InitAll.
func (r *Runner) Add(s Subsystem) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subsystems = append(r.subsystems, s)
}

// InitAll initializes every subsystem in order. The first failure aborts
// and returns the error; already-initialized subsystems stay running so
// the caller can DestroyAll for symmetric cleanup.
func (r *Runner) InitAll(ctx context.Context) error {
	r.mu.Lock()
	subs := append([]Subsystem(nil), r.subsystems...)
	r.mu.Unlock()
	for _, s := range subs {
		if err := s.Init(ctx); err != nil {
			return fmt.Errorf("init %s: %w", s.Name(), err)
		}
	}
	return nil
}

// DestroyAll destroys every subsystem in reverse order. Errors are
// collected; destruction never short-circuits.
func (r *Runner) DestroyAll() []error {
	r.mu.Lock()
	subs := append([]Subsystem(nil), r.subsystems...)
	r.mu.Unlock()
	var errs []error
	for i := len(subs) - 1; i >= 0; i-- {
		if err := subs[i].Destroy(); err != nil {
			errs = append(errs, fmt.Errorf("destroy %s: %w", subs[i].Name(), err))
		}
	}
	return errs
}

// Statuses returns the lifecycle state of every subsystem in init order.
func (r *Runner) Statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Status, 0, len(r.subsystems))
	for _, s := range r.subsystems {
		out = append(out, Status{Name: s.Name(), State: s.State().String()})
	}
	return out
}
