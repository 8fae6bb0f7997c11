package dispatch

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock()
	d := New(clk, zap.NewNop())
	t.Cleanup(d.Stop)
	return d, clk
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal(msg)
}

// settle gives the runner goroutine a moment to observe a clock change.
func settle() { time.Sleep(5 * time.Millisecond) }

// ─── Firing ─────────────────────────────────────────────────────────────────

func TestSchedule_FiresAtInstant(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var fired atomic.Bool
	d.After(30*time.Second, "", func() { fired.Store(true) })

	clk.Add(29 * time.Second)
	settle()
	if fired.Load() {
		t.Fatal("fired before its instant")
	}

	clk.Add(time.Second)
	waitFor(t, fired.Load, "did not fire at its instant")

	if d.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after fire, want 0", d.Outstanding())
	}
}

func TestSchedule_PastInstantFiresImmediately(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var fired atomic.Bool
	d.Schedule(clk.Now().Add(-time.Minute), "", func() { fired.Store(true) })

	clk.Add(time.Millisecond)
	waitFor(t, fired.Load, "past-due action did not fire")
}

func TestSchedule_FiresInTimeOrder(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var mu sync.Mutex
	var order []int
	record := func(n int) func() {
		return func() {
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		}
	}
	// Scheduled out of order; must fire in at-order.
	d.After(3*time.Minute, "", record(3))
	d.After(1*time.Minute, "", record(1))
	d.After(2*time.Minute, "", record(2))

	clk.Add(5 * time.Minute)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 3
	}, "not all actions fired")

	mu.Lock()
	defer mu.Unlock()
	for i, want := range []int{1, 2, 3} {
		if order[i] != want {
			t.Fatalf("order = %v, want [1 2 3]", order)
		}
	}
}

func TestSchedule_AtMostOnce(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var runs atomic.Int64
	d.After(time.Minute, "", func() { runs.Add(1) })

	clk.Add(time.Minute)
	waitFor(t, func() bool { return runs.Load() == 1 }, "did not fire")
	clk.Add(time.Hour)
	settle()
	if runs.Load() != 1 {
		t.Errorf("ran %d times, want exactly 1", runs.Load())
	}
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestCancel_PreventsFiring(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var fired atomic.Bool
	h := d.After(time.Minute, "", func() { fired.Store(true) })

	if !d.Cancel(h) {
		t.Fatal("Cancel of pending action should return true")
	}
	clk.Add(time.Hour)
	settle()
	if fired.Load() {
		t.Error("cancelled action fired")
	}
}

func TestCancel_FiredHandleReturnsFalse(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var fired atomic.Bool
	h := d.After(time.Minute, "", func() { fired.Store(true) })
	clk.Add(time.Minute)
	waitFor(t, fired.Load, "did not fire")

	if d.Cancel(h) {
		t.Error("Cancel of fired handle should return false")
	}
}

func TestCancel_UnknownHandleReturnsFalse(t *testing.T) {
	d, _ := newTestDispatcher(t)
	if d.Cancel(Handle("nope")) {
		t.Error("Cancel of unknown handle should return false")
	}
}

func TestCancelGroup_DiscardsRemainingStages(t *testing.T) {
	d, clk := newTestDispatcher(t)

	// Three-stage escalation: warning fires, then the group is nuked.
	var mu sync.Mutex
	var stages []string
	stage := func(name string) func() {
		return func() {
			mu.Lock()
			stages = append(stages, name)
			mu.Unlock()
		}
	}
	d.After(30*time.Second, "esc:ev1", stage("warning"))
	sirenH := d.After(60*time.Second, "esc:ev1", stage("siren"))
	d.After(180*time.Second, "esc:ev1", stage("police_notified"))

	clk.Add(45 * time.Second)
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(stages) == 1
	}, "warning stage did not fire")

	if n := d.CancelGroup("esc:ev1"); n != 2 {
		t.Errorf("CancelGroup cancelled %d actions, want 2", n)
	}
	// Idempotence: a member handle after group cancel reports false.
	if d.Cancel(sirenH) {
		t.Error("Cancel after CancelGroup should return false")
	}

	clk.Add(time.Hour)
	settle()
	mu.Lock()
	defer mu.Unlock()
	if len(stages) != 1 || stages[0] != "warning" {
		t.Errorf("stages = %v, want only [warning]", stages)
	}
}

func TestCancelGroup_IgnoresOtherGroups(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var fired atomic.Bool
	d.After(time.Minute, "irrigation:z1", func() { fired.Store(true) })
	d.After(time.Minute, "esc:ev1", func() {})

	if n := d.CancelGroup("esc:ev1"); n != 1 {
		t.Errorf("CancelGroup = %d, want 1", n)
	}
	clk.Add(time.Minute)
	waitFor(t, fired.Load, "unrelated group was cancelled")
}

// ─── Replace Pattern ────────────────────────────────────────────────────────

func TestReplace_BoostExpiryRearm(t *testing.T) {
	d, clk := newTestDispatcher(t)

	// Boost re-arm: cancel the previous expiry and schedule a new one.
	var expired atomic.Int64
	h1 := d.After(30*time.Minute, "boost:zone1", func() { expired.Add(1) })
	clk.Add(10 * time.Minute)
	settle()

	if !d.Cancel(h1) {
		t.Fatal("re-arm could not cancel previous expiry")
	}
	d.After(30*time.Minute, "boost:zone1", func() { expired.Add(1) })

	clk.Add(29 * time.Minute)
	settle()
	if expired.Load() != 0 {
		t.Fatal("boost expired before the re-armed instant")
	}
	clk.Add(time.Minute)
	waitFor(t, func() bool { return expired.Load() == 1 }, "re-armed expiry did not fire")
}

// ─── Shutdown ───────────────────────────────────────────────────────────────

func TestStop_CancelsEverything(t *testing.T) {
	clk := clock.NewMock()
	d := New(clk, zap.NewNop())

	var fired atomic.Bool
	d.After(time.Minute, "g", func() { fired.Store(true) })
	d.Stop()
	d.Stop() // idempotent

	clk.Add(time.Hour)
	settle()
	if fired.Load() {
		t.Error("action fired after Stop")
	}
	if d.Outstanding() != 0 {
		t.Errorf("Outstanding() = %d after Stop, want 0", d.Outstanding())
	}
}

func TestSchedule_AfterStopIsNoop(t *testing.T) {
	clk := clock.NewMock()
	d := New(clk, zap.NewNop())
	d.Stop()

	h := d.After(time.Second, "", func() { t.Error("action ran after Stop") })
	if h != "" {
		t.Errorf("Schedule after Stop returned handle %q, want empty", h)
	}
	clk.Add(time.Minute)
	settle()
}

func TestPanic_DoesNotKillRunner(t *testing.T) {
	d, clk := newTestDispatcher(t)

	var after atomic.Bool
	d.After(time.Second, "", func() { panic("boom") })
	d.After(2*time.Second, "", func() { after.Store(true) })

	clk.Add(3 * time.Second)
	waitFor(t, after.Load, "runner died after handler panic")
}
