// Package dispatch schedules one-shot actions at future instants: alarm
// escalation stages, irrigation auto-stop, boost expiry, auto-lock,
// simulation steps, wake-up routines, and temporary-access expiry.
//
// Actions belong to an optional group so multi-stage flows cancel as a
// unit (CancelGroup("esc:<id>") discards the remaining alarm stages). The
// cancel-versus-fire race is resolved under one mutex: an observer sees
// exactly one of {fired, cancelled} per action, and a Cancel that returns
// true guarantees the handler never runs. Handles outlive firing; cancel
// of an already-fired handle returns false.
//
// Actions fire in non-decreasing time order on a single runner goroutine.
package dispatch

import (
	"container/heap"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// Handle identifies a scheduled action.
type Handle string

type actionState int

const (
	statePending actionState = iota
	stateFired
	stateCancelled
)

type action struct {
	handle Handle
	at     time.Time
	seq    uint64 // FIFO among equal fire times
	group  string
	fn     func()
	state  actionState
	index  int // heap position, -1 when popped
}

// Dispatcher runs one-shot timed actions. One instance per subsystem so a
// subsystem teardown cancels exactly its own outstanding actions.
type Dispatcher struct {
	clk clock.Clock
	log *zap.Logger

	mu      sync.Mutex
	queue   actionHeap
	byID    map[Handle]*action
	nextSeq uint64
	wake    chan struct{}
	done    chan struct{}
	stopped bool
}

// New creates a dispatcher and starts its runner goroutine.
func New(clk clock.Clock, log *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		clk:  clk,
		log:  log.Named("dispatch"),
		byID: make(map[Handle]*action),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// Schedule registers fn to run at the given instant. Instants in the past
// fire immediately. The group tag may be empty.
func (d *Dispatcher) Schedule(at time.Time, group string, fn func()) Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return ""
	}
	d.nextSeq++
	a := &action{
		handle: Handle(uuid.NewString()),
		at:     at,
		seq:    d.nextSeq,
		group:  group,
		fn:     fn,
	}
	heap.Push(&d.queue, a)
	d.byID[a.handle] = a
	d.kick()
	return a.handle
}

// After schedules fn to run after the given delay.
func (d *Dispatcher) After(delay time.Duration, group string, fn func()) Handle {
	return d.Schedule(d.clk.Now().Add(delay), group, fn)
}

// Cancel prevents a pending action from firing. Returns true only when the
// action was still pending; the handler is then guaranteed not to run.
func (d *Dispatcher) Cancel(h Handle) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.byID[h]
	if !ok || a.state != statePending {
		return false
	}
	a.state = stateCancelled
	if a.index >= 0 {
		heap.Remove(&d.queue, a.index)
	}
	delete(d.byID, h)
	metrics.ActionsCancelled.Inc()
	d.kick()
	return true
}

// CancelGroup cancels every pending action in the group and returns how
// many were cancelled.
func (d *Dispatcher) CancelGroup(group string) int {
	if group == "" {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for h, a := range d.byID {
		if a.group != group || a.state != statePending {
			continue
		}
		a.state = stateCancelled
		if a.index >= 0 {
			heap.Remove(&d.queue, a.index)
		}
		delete(d.byID, h)
		n++
	}
	if n > 0 {
		metrics.ActionsCancelled.Add(float64(n))
		d.kick()
	}
	return n
}

// Outstanding returns the number of pending actions.
func (d *Dispatcher) Outstanding() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.queue.Len()
}

// Stop cancels every pending action and terminates the runner. Idempotent.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	for h, a := range d.byID {
		a.state = stateCancelled
		delete(d.byID, h)
	}
	d.queue = nil
	close(d.done)
	d.mu.Unlock()
}

// kick nudges the runner to re-evaluate its timer. Caller holds d.mu.
func (d *Dispatcher) kick() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Dispatcher) run() {
	for {
		d.fireDue()

		d.mu.Lock()
		var timer *clock.Timer
		var timerC <-chan time.Time
		if d.queue.Len() > 0 {
			wait := d.queue[0].at.Sub(d.clk.Now())
			if wait < 0 {
				wait = 0
			}
			timer = d.clk.Timer(wait)
			timerC = timer.C
		}
		d.mu.Unlock()

		select {
		case <-d.done:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-d.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
		}
	}
}

// fireDue pops and runs every action whose instant has arrived, in
// non-decreasing time order. The pending→fired transition happens under
// the mutex; the handler itself runs outside it.
func (d *Dispatcher) fireDue() {
	for {
		d.mu.Lock()
		if d.stopped || d.queue.Len() == 0 || d.queue[0].at.After(d.clk.Now()) {
			d.mu.Unlock()
			return
		}
		a := heap.Pop(&d.queue).(*action)
		if a.state != statePending {
			d.mu.Unlock()
			continue
		}
		a.state = stateFired
		delete(d.byID, a.handle)
		d.mu.Unlock()

		metrics.ActionsFired.Inc()
		d.invoke(a)
	}
}

func (d *Dispatcher) invoke(a *action) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("timed action panicked",
				zap.String("group", a.group),
				zap.Any("panic", r))
		}
	}()
	a.fn()
}

// ─── Heap ───────────────────────────────────────────────────────────────────

type actionHeap []*action

func (h actionHeap) Len() int { return len(h) }
func (h actionHeap) Less(i, j int) bool {
	if h[i].at.Equal(h[j].at) {
		return h[i].seq < h[j].seq
	}
	return h[i].at.Before(h[j].at)
}
func (h actionHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *actionHeap) Push(x any) {
	a := x.(*action)
	a.index = len(*h)
	*h = append(*h, a)
}
func (h *actionHeap) Pop() any {
	old := *h
	n := len(old)
	a := old[n-1]
	old[n-1] = nil
	a.index = -1
	*h = old[:n-1]
	return a
}
