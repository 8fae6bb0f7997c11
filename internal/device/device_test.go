package device

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
)

func newTestHost(t *testing.T) *SimHost {
	t.Helper()
	return NewSimHost(zap.NewNop(), nil)
}

// ─── Classification ─────────────────────────────────────────────────────────

func TestClassify_ByNameKeyword(t *testing.T) {
	tests := []struct {
		name    string
		caps    map[string]any
		pred    func(Ref) bool
		predNm  string
		want    bool
	}{
		{"Front Door Camera", nil, IsCamera, "IsCamera", true},
		{"Hallway light", nil, IsCamera, "IsCamera", false},
		{"Front Door Lock", nil, IsLock, "IsLock", true},
		{"Ytterdörr lås", nil, IsLock, "IsLock", true},
		{"Garage door", map[string]any{CapLocked: true}, IsLock, "IsLock", true},
		{"Garage door", nil, IsLock, "IsLock", false},
		{"Main water meter", nil, IsWaterMeter, "IsWaterMeter", true},
		{"Water heater", nil, IsWaterMeter, "IsWaterMeter", false},
		{"Basement leak detector", nil, IsLeakDetector, "IsLeakDetector", true},
		{"Kitchen water sensor", nil, IsLeakDetector, "IsLeakDetector", true},
		{"Kitchen water valve", nil, IsLeakDetector, "IsLeakDetector", false},
		{"Garden sprinkler", nil, IsIrrigation, "IsIrrigation", true},
		{"Lawn irrigation pump", nil, IsIrrigation, "IsIrrigation", true},
		{"Garden water valve", nil, IsIrrigation, "IsIrrigation", true},
		{"Outdoor siren", nil, IsSiren, "IsSiren", true},
		{"Alarm panel", nil, IsSiren, "IsSiren", true},
		{"Hall sensor", map[string]any{CapMotion: false}, IsMotionSensor, "IsMotionSensor", true},
		{"Window", map[string]any{CapContact: false}, IsContactSensor, "IsContactSensor", true},
	}
	for _, tt := range tests {
		d := NewSimDevice("d1", tt.name, "hall", tt.caps)
		if got := tt.pred(d); got != tt.want {
			t.Errorf("%s(%q) = %v, want %v", tt.predNm, tt.name, got, tt.want)
		}
	}
}

// ─── Capability I/O ─────────────────────────────────────────────────────────

func TestGetCapability_MissingReturnsErrCapability(t *testing.T) {
	d := NewSimDevice("d1", "sensor", "hall", map[string]any{CapMotion: false})

	if _, err := d.GetCapability(CapContact); !errors.Is(err, ErrCapability) {
		t.Errorf("GetCapability(missing) error = %v, want ErrCapability", err)
	}
}

func TestFailCapability_InjectsTransientFailure(t *testing.T) {
	d := NewSimDevice("d1", "sensor", "hall", map[string]any{CapMotion: true})

	d.FailCapability(CapMotion, true)
	if _, err := d.GetCapability(CapMotion); !errors.Is(err, ErrCapability) {
		t.Fatalf("expected injected failure, got %v", err)
	}

	d.FailCapability(CapMotion, false)
	v, err := d.GetCapability(CapMotion)
	if err != nil {
		t.Fatalf("GetCapability() after recovery: %v", err)
	}
	if v != true {
		t.Errorf("value = %v, want true", v)
	}
}

func TestGetBool_GetFloat(t *testing.T) {
	d := NewSimDevice("d1", "trv", "office", map[string]any{
		CapMotion:  true,
		CapBattery: 87.5,
	})

	b, err := GetBool(d, CapMotion)
	if err != nil || !b {
		t.Errorf("GetBool() = (%v, %v), want (true, nil)", b, err)
	}
	f, err := GetFloat(d, CapBattery)
	if err != nil || f != 87.5 {
		t.Errorf("GetFloat() = (%v, %v), want (87.5, nil)", f, err)
	}
	if _, err := GetBool(d, CapBattery); !errors.Is(err, ErrCapability) {
		t.Errorf("GetBool on numeric capability should return ErrCapability, got %v", err)
	}
}

// ─── Host ───────────────────────────────────────────────────────────────────

func TestSimHost_ListDevices(t *testing.T) {
	h := newTestHost(t)
	h.AddDevice(NewSimDevice("d1", "camera", "hall", nil))
	h.AddDevice(NewSimDevice("d2", "lock", "entry", nil))

	refs, err := h.ListDevices(context.Background())
	if err != nil {
		t.Fatalf("ListDevices() error: %v", err)
	}
	if len(refs) != 2 {
		t.Errorf("len = %d, want 2", len(refs))
	}
}

func TestSimHost_SettingsRoundTrip(t *testing.T) {
	h := newTestHost(t)

	if v, err := h.SettingsGet("lockSettings"); err != nil || v != nil {
		t.Fatalf("unset key = (%v, %v), want (nil, nil)", v, err)
	}

	want := []byte(`{"autoLockEnabled":true}`)
	if err := h.SettingsSet("lockSettings", want); err != nil {
		t.Fatalf("SettingsSet() error: %v", err)
	}
	got, err := h.SettingsGet("lockSettings")
	if err != nil {
		t.Fatalf("SettingsGet() error: %v", err)
	}
	if string(got) != string(want) {
		t.Errorf("round-trip = %q, want %q", got, want)
	}
}

func TestSimHost_RecordsNotificationsAndFlows(t *testing.T) {
	h := newTestHost(t)

	h.Notify(Notification{Title: "Leak", Priority: "critical", Category: "water"})
	h.TriggerFlow("goodnight", map[string]any{"source": "test"})

	if n := h.Notifications(); len(n) != 1 || n[0].Title != "Leak" {
		t.Errorf("notifications = %v, want one Leak", n)
	}
	if f := h.Flows(); len(f) != 1 || f[0].Name != "goodnight" {
		t.Errorf("flows = %v, want one goodnight", f)
	}
}
