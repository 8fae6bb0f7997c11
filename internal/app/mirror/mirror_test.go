package mirror

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
	sys    *System
	clk    *clock.Mock
	motion *device.SimDevice
}

// newFixture discovers devices and widgets but leaves the scheduler idle;
// tests call tick functions directly.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)
	motion := device.NewSimDevice("m1", "Hallway motion", "hallway",
		map[string]any{device.CapMotion: false})
	host.AddDevice(motion)

	b := bus.New(clk, log)
	sys := New(DefaultConfig(), clk, log, b, host, nil)
	// Mirror discovery + widget seeding without starting cadences.
	refs, _ := host.ListDevices(context.Background())
	for _, r := range refs {
		if device.IsMotionSensor(r) && r.Zone() == sys.cfg.Zone {
			sys.sensors = append(sys.sensors, r)
		}
	}
	for _, kind := range []string{"clock", "weather", "transit", "security", "photos"} {
		sys.widgets[kind] = &Widget{ID: kind, Kind: kind}
	}
	t.Cleanup(b.Close)
	return &fixture{sys: sys, clk: clk, motion: motion}
}

func TestPresence_WakesMirror(t *testing.T) {
	f := newFixture(t)

	f.sys.presenceTick(context.Background())
	if f.sys.DisplayState().Awake {
		t.Fatal("awake without motion")
	}

	f.motion.SetValue(device.CapMotion, true)
	f.sys.presenceTick(context.Background())
	st := f.sys.DisplayState()
	if !st.Awake || st.AmbientMode {
		t.Errorf("state = %+v, want awake, not ambient", st)
	}
}

func TestAmbient_DimsAfterIdle(t *testing.T) {
	f := newFixture(t)
	f.motion.SetValue(device.CapMotion, true)
	f.sys.presenceTick(context.Background())
	f.motion.SetValue(device.CapMotion, false)

	// Under the idle window: stays awake.
	f.clk.Add(time.Minute)
	f.sys.ambientTick(context.Background())
	if !f.sys.DisplayState().Awake {
		t.Fatal("dimmed before the idle window")
	}

	f.clk.Add(2 * time.Minute)
	f.sys.ambientTick(context.Background())
	st := f.sys.DisplayState()
	if st.Awake || !st.AmbientMode {
		t.Errorf("state = %+v, want ambient", st)
	}
}

func TestWidgets_RefreshCounts(t *testing.T) {
	f := newFixture(t)

	f.sys.widgetTick(context.Background())
	f.sys.widgetTick(context.Background())
	f.sys.refreshWidget("weather")(context.Background())

	clockW, _ := f.sys.WidgetSnapshot("clock")
	if clockW.Refreshes != 2 {
		t.Errorf("clock refreshes = %d, want 2", clockW.Refreshes)
	}
	weather, _ := f.sys.WidgetSnapshot("weather")
	if weather.Refreshes != 1 {
		t.Errorf("weather refreshes = %d, want 1", weather.Refreshes)
	}
	if _, err := f.sys.WidgetSnapshot("stocks"); err == nil {
		t.Error("unknown widget should not resolve")
	}
}

func TestPhoto_AdvancesOnlyWhileAwake(t *testing.T) {
	f := newFixture(t)

	f.sys.photoTick(context.Background())
	if f.sys.DisplayState().PhotoIndex != 0 {
		t.Error("slideshow advanced while asleep")
	}

	f.motion.SetValue(device.CapMotion, true)
	f.sys.presenceTick(context.Background())
	f.sys.photoTick(context.Background())
	if f.sys.DisplayState().PhotoIndex != 1 {
		t.Error("slideshow did not advance while awake")
	}
}

func TestLifecycle_InitRegistersElevenCadences(t *testing.T) {
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)
	b := bus.New(clk, log)
	defer b.Close()

	sys := New(DefaultConfig(), clk, log, b, host, nil)
	if err := sys.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}
	if got := len(sys.sched.Stats()); got != 11 {
		t.Errorf("registered tasks = %d, want 11", got)
	}
	if err := sys.Destroy(); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
}

type staticSecurity struct{}

func (staticSecurity) CurrentMode() domain.SecurityMode { return domain.ModeArmedHome }

func TestSecurityMode_FromInjectedOps(t *testing.T) {
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)
	b := bus.New(clk, log)
	defer b.Close()

	sys := New(DefaultConfig(), clk, log, b, host, staticSecurity{})
	if got := sys.SecurityMode(); got != domain.ModeArmedHome {
		t.Errorf("mode = %s, want armed_home", got)
	}

	bare := New(DefaultConfig(), clk, log, b, host, nil)
	if got := bare.SecurityMode(); got != "" {
		t.Errorf("mode without security ops = %q, want empty", got)
	}
}
