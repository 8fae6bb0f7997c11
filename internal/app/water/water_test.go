package water

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
	sys   *System
	clk   *clock.Mock
	host  *device.SimHost
	bus   *bus.Bus
	leak  *device.SimDevice
	valve *device.SimDevice
	meter *device.SimDevice
}

// newFixture builds the subsystem, runs discovery, but leaves the
// scheduler idle; tests drive tick functions directly.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)

	leak := device.NewSimDevice("leak1", "Basement leak detector", "basement",
		map[string]any{device.CapWaterAlarm: false})
	valve := device.NewSimDevice("valve1", "Garden sprinkler", "garden",
		map[string]any{device.CapOnOff: false})
	meter := device.NewSimDevice("meter1", "Main water meter", "utility",
		map[string]any{
			device.CapWaterMeter: 1000.0,
			device.CapWaterFlow:  0.0,
			device.CapOnOff:      true,
		})
	host.AddDevice(leak)
	host.AddDevice(valve)
	host.AddDevice(meter)

	b := bus.New(clk, log)
	sys := New(DefaultConfig(), clk, log, b, host)
	if err := sys.discover(context.Background()); err != nil {
		t.Fatalf("discover() error: %v", err)
	}
	sys.subs = append(sys.subs, b.Subscribe(domain.TopicLeakDetected, sys.onLeak))
	t.Cleanup(func() {
		for _, sub := range sys.subs {
			sub.Close()
		}
		sys.disp.Stop()
		b.Close()
	})
	return &fixture{sys: sys, clk: clk, host: host, bus: b, leak: leak, valve: valve, meter: meter}
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

// ─── Leak Detection ─────────────────────────────────────────────────────────

func TestLeak_EdgeDetection(t *testing.T) {
	f := newFixture(t)

	events := make(chan domain.LeakEvent, 4)
	sub := f.bus.Subscribe(domain.TopicLeakDetected, func(ev bus.Event) {
		events <- ev.Payload.(domain.LeakEvent)
	})
	defer sub.Close()

	// Baseline, then the edge.
	f.sys.leakTick(context.Background())
	f.leak.SetValue(device.CapWaterAlarm, true)
	f.sys.leakTick(context.Background())

	select {
	case ev := <-events:
		if ev.DeviceID != "leak1" || ev.Hidden {
			t.Errorf("leak event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("LeakDetected not published")
	}

	// A second tick with the alarm still true is not a new edge.
	f.sys.leakTick(context.Background())
	select {
	case <-events:
		t.Fatal("steady alarm re-published as a new leak")
	case <-time.After(50 * time.Millisecond):
	}

	// Resolution edge.
	f.leak.SetValue(device.CapWaterAlarm, false)
	f.sys.leakTick(context.Background())
	waitFor(t, func() bool {
		for _, a := range f.sys.Alerts(0) {
			if a.Kind == "leak_resolved" {
				return true
			}
		}
		return false
	}, "leak resolution not logged")
}

func TestLeak_CriticalNotificationAndShutoff(t *testing.T) {
	f := newFixture(t)

	f.sys.leakTick(context.Background())
	f.leak.SetValue(device.CapWaterAlarm, true)
	f.sys.leakTick(context.Background())

	found := false
	for _, n := range f.host.Notifications() {
		if n.Title == "Water leak detected" && n.Priority == "critical" {
			found = true
		}
	}
	if !found {
		t.Error("critical leak notification missing")
	}

	// The subscriber closes the main shutoff valve.
	waitFor(t, func() bool {
		v, _ := device.GetBool(f.meter, device.CapOnOff)
		return !v
	}, "main shutoff valve not closed")
}

func TestHiddenLeak_NightFlowRule(t *testing.T) {
	f := newFixture(t)

	// 03:00 with 3 L/min flow.
	f.clk.Set(time.Date(2024, 5, 10, 3, 0, 0, 0, time.UTC))
	f.sys.mu.Lock()
	f.sys.meters["meter1"].FlowLPM = 3.0
	f.sys.mu.Unlock()

	f.sys.leakTick(context.Background())

	found := false
	for _, a := range f.sys.Alerts(0) {
		if a.Kind == "hidden_leak" {
			found = true
		}
	}
	if !found {
		t.Fatal("hidden leak not flagged at night")
	}

	// Same flow at noon: no alert.
	f.clk.Set(time.Date(2024, 5, 10, 12, 0, 0, 0, time.UTC))
	before := len(f.sys.Alerts(0))
	f.sys.leakTick(context.Background())
	if len(f.sys.Alerts(0)) != before {
		t.Error("hidden leak flagged during the day")
	}
}

// ─── Irrigation ─────────────────────────────────────────────────────────────

func irrigationZone(start string) IrrigationZone {
	days := map[int]bool{0: true, 1: true, 2: true, 3: true, 4: true, 5: true, 6: true}
	return IrrigationZone{ID: "lawn", DeviceID: "valve1", Days: days, StartTime: start, DurationMin: 20}
}

func TestIrrigation_StartsInsideWindow(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(time.Date(2024, 5, 10, 6, 5, 0, 0, time.UTC))
	f.sys.AddIrrigationZone(irrigationZone("06:00"))

	f.sys.irrigationTick(context.Background())

	z, _ := f.sys.ZoneSnapshot("lawn")
	if !z.Running {
		t.Fatal("zone not started within ±10 min window")
	}
	if v, _ := device.GetBool(f.valve, device.CapOnOff); !v {
		t.Error("valve not opened")
	}

	// Auto-stop after the 20-minute duration.
	f.clk.Add(21 * time.Minute)
	waitFor(t, func() bool {
		z, _ := f.sys.ZoneSnapshot("lawn")
		return !z.Running
	}, "auto-stop did not fire")
	if v, _ := device.GetBool(f.valve, device.CapOnOff); v {
		t.Error("valve not closed by auto-stop")
	}
}

func TestIrrigation_OutsideWindowSkipped(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(time.Date(2024, 5, 10, 6, 20, 0, 0, time.UTC))
	f.sys.AddIrrigationZone(irrigationZone("06:00"))

	f.sys.irrigationTick(context.Background())
	z, _ := f.sys.ZoneSnapshot("lawn")
	if z.Running {
		t.Error("zone started 20 minutes past its slot")
	}
}

func TestIrrigation_WeatherGate(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC))
	f.sys.AddIrrigationZone(irrigationZone("06:00"))

	f.sys.SetWeather(Weather{ExpectedRain: true})
	f.sys.irrigationTick(context.Background())
	if z, _ := f.sys.ZoneSnapshot("lawn"); z.Running {
		t.Error("irrigation ran despite expected rain")
	}

	// Wet soil also gates.
	f.sys.SetWeather(Weather{})
	moist := 75.0
	f.sys.mu.Lock()
	f.sys.zones["lawn"].SoilMoisture = &moist
	f.sys.mu.Unlock()
	f.sys.irrigationTick(context.Background())
	if z, _ := f.sys.ZoneSnapshot("lawn"); z.Running {
		t.Error("irrigation ran with soil moisture over 60")
	}

	// Dry soil passes.
	dry := 40.0
	f.sys.mu.Lock()
	f.sys.zones["lawn"].SoilMoisture = &dry
	f.sys.mu.Unlock()
	f.sys.irrigationTick(context.Background())
	if z, _ := f.sys.ZoneSnapshot("lawn"); !z.Running {
		t.Error("irrigation gated with dry soil and clear weather")
	}
}

func TestIrrigation_SavingModeHalvesDuration(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC))
	f.sys.SetSavingMode(true)
	f.sys.AddIrrigationZone(irrigationZone("06:00"))

	f.sys.irrigationTick(context.Background())

	// Half of 20 minutes: stopped after 10, not 20.
	f.clk.Add(11 * time.Minute)
	waitFor(t, func() bool {
		z, _ := f.sys.ZoneSnapshot("lawn")
		return !z.Running
	}, "saving-mode auto-stop did not fire at half duration")
}

func TestStopIrrigation_CancelsAutoStop(t *testing.T) {
	f := newFixture(t)
	f.clk.Set(time.Date(2024, 5, 10, 6, 0, 0, 0, time.UTC))
	f.sys.AddIrrigationZone(irrigationZone("06:00"))
	f.sys.irrigationTick(context.Background())

	if err := f.sys.StopIrrigation("lawn"); err != nil {
		t.Fatalf("StopIrrigation() error: %v", err)
	}
	if f.sys.disp.Outstanding() != 0 {
		t.Errorf("outstanding actions = %d, want 0", f.sys.disp.Outstanding())
	}
}

// ─── Reports ────────────────────────────────────────────────────────────────

func TestReportTick_DailyUsage(t *testing.T) {
	f := newFixture(t)

	f.sys.mu.Lock()
	f.sys.meters["meter1"].TotalLiters = 1000
	f.sys.mu.Unlock()
	f.sys.reportTick(context.Background()) // establishes the baseline

	f.sys.mu.Lock()
	f.sys.meters["meter1"].TotalLiters = 1250
	f.sys.mu.Unlock()
	f.sys.reportTick(context.Background())

	var report string
	for _, a := range f.sys.Alerts(0) {
		if a.Kind == "report" {
			report = a.Detail
			break // newest first
		}
	}
	if report != "250 L used" {
		t.Errorf("report = %q, want \"250 L used\"", report)
	}
}
