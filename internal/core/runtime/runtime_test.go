package runtime

import (
	"context"
	"errors"
	"testing"
)

// fakeSubsystem counts lifecycle calls through the embedded Lifecycle.
type fakeSubsystem struct {
	Lifecycle
	name      string
	initErr   error
	inits     int
	destroys  int
	destroyed *[]string // shared teardown order recorder
}

func (f *fakeSubsystem) Name() string { return f.name }

func (f *fakeSubsystem) Init(ctx context.Context) error {
	if err := f.BeginInit(); err != nil {
		return err
	}
	f.inits++
	if f.initErr != nil {
		return f.initErr
	}
	f.FinishInit()
	return nil
}

func (f *fakeSubsystem) Destroy() error {
	if !f.BeginDestroy() {
		return nil
	}
	f.destroys++
	if f.destroyed != nil {
		*f.destroyed = append(*f.destroyed, f.name)
	}
	f.FinishDestroy()
	return nil
}

// ─── Lifecycle Transitions ──────────────────────────────────────────────────

func TestLifecycle_HappyPath(t *testing.T) {
	var l Lifecycle
	if l.State() != StateUninitialized {
		t.Fatalf("initial state = %s, want uninitialized", l.State())
	}
	if err := l.BeginInit(); err != nil {
		t.Fatalf("BeginInit() error: %v", err)
	}
	if l.State() != StateInitializing {
		t.Errorf("state = %s, want initializing", l.State())
	}
	l.FinishInit()
	if l.State() != StateRunning {
		t.Errorf("state = %s, want running", l.State())
	}
	if !l.BeginDestroy() {
		t.Fatal("BeginDestroy() = false from running")
	}
	l.FinishDestroy()
	if l.State() != StateDestroyed {
		t.Errorf("state = %s, want destroyed", l.State())
	}
}

func TestLifecycle_Monotonic(t *testing.T) {
	var l Lifecycle
	l.BeginInit()
	l.FinishInit()
	l.BeginDestroy()
	l.FinishDestroy()

	if err := l.BeginInit(); err == nil {
		t.Error("re-init of destroyed lifecycle should fail")
	}
	if l.BeginDestroy() {
		t.Error("BeginDestroy() = true on destroyed lifecycle")
	}
}

func TestLifecycle_DoubleInitRejected(t *testing.T) {
	var l Lifecycle
	l.BeginInit()
	if err := l.BeginInit(); err == nil {
		t.Error("second BeginInit() should fail")
	}
}

// ─── Runner ─────────────────────────────────────────────────────────────────

func TestRunner_InitAllInOrder(t *testing.T) {
	r := NewRunner()
	a := &fakeSubsystem{name: "security"}
	b := &fakeSubsystem{name: "locks"}
	r.Add(a)
	r.Add(b)

	if err := r.InitAll(context.Background()); err != nil {
		t.Fatalf("InitAll() error: %v", err)
	}
	if a.inits != 1 || b.inits != 1 {
		t.Errorf("inits = (%d, %d), want (1, 1)", a.inits, b.inits)
	}
	for _, st := range r.Statuses() {
		if st.State != "running" {
			t.Errorf("%s state = %s, want running", st.Name, st.State)
		}
	}
}

func TestRunner_InitAllStopsOnFirstError(t *testing.T) {
	r := NewRunner()
	boom := errors.New("no settings")
	a := &fakeSubsystem{name: "security"}
	b := &fakeSubsystem{name: "locks", initErr: boom}
	c := &fakeSubsystem{name: "hvac"}
	r.Add(a)
	r.Add(b)
	r.Add(c)

	err := r.InitAll(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("InitAll() error = %v, want %v", err, boom)
	}
	if c.inits != 0 {
		t.Error("subsystem after the failure should not be initialized")
	}
}

func TestRunner_DestroyAllReverseOrder(t *testing.T) {
	r := NewRunner()
	var order []string
	a := &fakeSubsystem{name: "security", destroyed: &order}
	b := &fakeSubsystem{name: "locks", destroyed: &order}
	r.Add(a)
	r.Add(b)
	r.InitAll(context.Background())

	if errs := r.DestroyAll(); len(errs) != 0 {
		t.Fatalf("DestroyAll() errors: %v", errs)
	}
	if len(order) != 2 || order[0] != "locks" || order[1] != "security" {
		t.Errorf("teardown order = %v, want [locks security]", order)
	}
}

func TestRunner_DoubleDestroyIsNoop(t *testing.T) {
	r := NewRunner()
	a := &fakeSubsystem{name: "security"}
	r.Add(a)
	r.InitAll(context.Background())

	r.DestroyAll()
	r.DestroyAll()
	if a.destroys != 1 {
		t.Errorf("destroys = %d, want 1 (second destroy is a no-op)", a.destroys)
	}
}
