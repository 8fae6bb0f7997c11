package sleep

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

type fixture struct {
	sys  *System
	clk  *clock.Mock
	bus  *bus.Bus
	host *device.SimHost
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)
	b := bus.New(clk, log)
	t.Cleanup(b.Close)
	return &fixture{sys: New(DefaultConfig(), clk, log, b, host), clk: clk, bus: b, host: host}
}

// tick advances one phase cadence and runs the inference directly.
func (f *fixture) tick(d time.Duration) {
	f.clk.Add(d)
	f.sys.phaseTick(context.Background())
}

// ─── Session Lifecycle ──────────────────────────────────────────────────────

func TestStartSession_BeginsFallingAsleep(t *testing.T) {
	f := newFixture(t)

	id, err := f.sys.StartSession("alice")
	if err != nil {
		t.Fatalf("StartSession() error: %v", err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	phase, _ := f.sys.ActivePhase("alice")
	if phase != PhaseFallingAsleep {
		t.Errorf("initial phase = %s, want falling_asleep", phase)
	}
}

func TestStartSession_RejectsDoubleStart(t *testing.T) {
	f := newFixture(t)
	f.sys.StartSession("alice")
	if _, err := f.sys.StartSession("alice"); err == nil {
		t.Error("second session for the same user should fail")
	}
}

// ─── Phase Inference ────────────────────────────────────────────────────────

func TestPhases_FallingAsleepCapsAtThirtyMinutes(t *testing.T) {
	f := newFixture(t)
	f.sys.StartSession("alice")

	// Quiet for 20 minutes: still falling asleep.
	f.tick(20 * time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseFallingAsleep {
		t.Errorf("phase at 20 min = %s, want falling_asleep", phase)
	}

	// Past the 30-minute cap the cycling starts (quiet → deep).
	f.tick(15 * time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseDeep {
		t.Errorf("phase at 35 min = %s, want deep", phase)
	}
}

func TestPhases_MovementThresholds(t *testing.T) {
	f := newFixture(t)
	f.sys.StartSession("alice")
	f.tick(35 * time.Minute) // into deep

	// Six movements in the window → awake.
	f.sys.RecordMovement("alice", 6)
	f.tick(time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseAwake {
		t.Errorf("phase after 6 movements = %s, want awake", phase)
	}

	// Three movements → light.
	f.sys.RecordMovement("alice", 3)
	f.tick(time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseLight {
		t.Errorf("phase after 3 movements = %s, want light", phase)
	}
}

func TestPhases_REMLateInCycle(t *testing.T) {
	f := newFixture(t)
	f.sys.StartSession("alice")

	// 90-minute cycle: 60% deep boundary at 54 min. At 70 minutes into
	// the cycle (quiet) the machine is in REM.
	f.tick(70 * time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseREM {
		t.Errorf("phase at 70 min of cycle = %s, want rem", phase)
	}

	// Next cycle starts: 95 min ≡ 5 min into cycle two → deep.
	f.tick(25 * time.Minute)
	if phase, _ := f.sys.ActivePhase("alice"); phase != PhaseDeep {
		t.Errorf("phase at 95 min = %s, want deep (new cycle)", phase)
	}
}

// ─── Quality ────────────────────────────────────────────────────────────────

func TestEndSession_ComputesQualityAndProfile(t *testing.T) {
	f := newFixture(t)

	ended := make(chan domain.SleepEnded, 1)
	sub := f.bus.Subscribe(domain.TopicSleepEnded, func(ev bus.Event) {
		ended <- ev.Payload.(domain.SleepEnded)
	})
	defer sub.Close()

	f.sys.StartSession("alice")
	// A calm 8-hour night in good conditions.
	for i := 0; i < 16; i++ {
		f.sys.RecordEnvironment("alice", EnvironmentSample{TempC: 18, Humidity: 45, LightLux: 1, NoiseDB: 25})
		f.tick(30 * time.Minute)
	}

	sess, err := f.sys.EndSession("alice")
	if err != nil {
		t.Fatalf("EndSession() error: %v", err)
	}
	if sess.Quality < 70 {
		t.Errorf("quality = %.1f for an ideal night, want >= 70", sess.Quality)
	}
	if sess.End == 0 {
		t.Error("session end not stamped")
	}
	for _, p := range sess.Phases {
		if p.DurationMs == 0 {
			t.Errorf("phase %s has no duration", p.Phase)
		}
	}

	profile, _ := f.sys.UserProfile("alice")
	if profile.SessionCount != 1 {
		t.Errorf("sessionCount = %d, want 1", profile.SessionCount)
	}
	if profile.SleepDebtH != 0 {
		t.Errorf("sleep debt = %.1f after 8h, want 0", profile.SleepDebtH)
	}

	select {
	case ev := <-ended:
		if ev.UserID != "alice" {
			t.Errorf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SleepEnded not published")
	}
}

func TestEndSession_ShortNightAccruesDebt(t *testing.T) {
	f := newFixture(t)
	f.sys.StartSession("alice")
	f.tick(5 * time.Hour)
	f.sys.EndSession("alice")

	profile, _ := f.sys.UserProfile("alice")
	if profile.SleepDebtH < 2.9 || profile.SleepDebtH > 3.1 {
		t.Errorf("sleep debt = %.1f after 5h night, want ~3", profile.SleepDebtH)
	}
}

func TestEndSession_RestlessNightScoresLower(t *testing.T) {
	f := newFixture(t)

	f.sys.StartSession("calm")
	f.sys.StartSession("restless")
	for i := 0; i < 16; i++ {
		f.sys.RecordMovement("restless", 7)
		f.clk.Add(30 * time.Minute)
		f.sys.phaseTick(context.Background())
	}
	calm, _ := f.sys.EndSession("calm")
	restless, _ := f.sys.EndSession("restless")

	if restless.Quality >= calm.Quality {
		t.Errorf("restless %.1f should score below calm %.1f", restless.Quality, calm.Quality)
	}
}

func TestEndSession_Unknown(t *testing.T) {
	f := newFixture(t)
	if _, err := f.sys.EndSession("ghost"); err == nil {
		t.Error("ending a non-existent session should fail")
	}
}
