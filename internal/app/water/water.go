// Package water implements leak detection, consumption tracking, and
// irrigation scheduling with dispatcher-driven auto-stop.
package water

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/dispatch"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/logring"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/scheduler"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// Settings keys persisted through the device facade.
const (
	keyMeters     = "waterMeters"
	keyIrrigation = "irrigationZones"
	keySaving     = "waterSavingMode"
)

const (
	alertLogCap = 500

	// hiddenLeakFlowLPM is the night-time flow rate that suggests a leak
	// nobody notices: water moving between midnight and 05:00.
	hiddenLeakFlowLPM  = 2.0
	hiddenLeakHourFrom = 0
	hiddenLeakHourTo   = 5

	// irrigationWindow is how far a scheduled start may drift from the
	// evaluating tick and still run.
	irrigationWindow = 10 * time.Minute

	soilMoistureMax = 60.0
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the water subsystem.
type Config struct {
	ConsumptionCadence time.Duration
	LeakCadence        time.Duration
	IrrigationCadence  time.Duration
	ReportCadence      time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ConsumptionCadence: 300 * time.Second,
		LeakCadence:        60 * time.Second,
		IrrigationCadence:  600 * time.Second,
		ReportCadence:      86400 * time.Second,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Meter tracks one water meter device.
type Meter struct {
	DeviceID    string  `json:"deviceId"`
	Name        string  `json:"name"`
	TotalLiters float64 `json:"totalLiters"`
	FlowLPM     float64 `json:"flowLpm"`
}

// IrrigationZone is a scheduled watering zone.
type IrrigationZone struct {
	ID           string       `json:"id"`
	DeviceID     string       `json:"deviceId"`
	Days         map[int]bool `json:"days"`
	StartTime    string       `json:"startTime"` // HH:MM
	DurationMin  int          `json:"durationMin"`
	SoilMoisture *float64     `json:"soilMoisture,omitempty"` // nil = no sensor
	Running      bool         `json:"running"`
	LastRun      int64        `json:"lastRun"` // unix ms
}

// Weather is the irrigation weather gate.
type Weather struct {
	RecentRain   bool `json:"recentRain"`
	ExpectedRain bool `json:"expectedRain"`
}

// AlertEntry is one entry in the bounded water alert log.
type AlertEntry struct {
	At       int64  `json:"at"`
	Kind     string `json:"kind"` // leak | leak_resolved | hidden_leak | report
	DeviceID string `json:"deviceId,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the water subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	subs  []*bus.Subscription

	mu          sync.Mutex
	meters      map[string]*Meter
	leakSensors []device.Ref
	valves      map[string]device.Ref // irrigation actuators by device id
	shutoff     device.Ref            // main shutoff valve, if discovered
	zones       map[string]*IrrigationZone
	weather     Weather
	lastLeak    map[string]bool
	savingMode  bool
	dayStartL   float64 // meter total at last daily report

	alerts *logring.Ring[AlertEntry]
}

// New creates the water subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("water")
	return &System{
		cfg:      cfg,
		log:      l,
		clk:      clk,
		bus:      b,
		host:     host,
		sched:    scheduler.New(clk, l),
		disp:     dispatch.New(clk, l),
		meters:   make(map[string]*Meter),
		valves:   make(map[string]device.Ref),
		zones:    make(map[string]*IrrigationZone),
		lastLeak: make(map[string]bool),
		alerts:   logring.New[AlertEntry](alertLogCap),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "water" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	s.loadPersisted()
	if err := s.discover(ctx); err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	tasks := []struct {
		name    string
		cadence time.Duration
		fn      scheduler.TaskFunc
	}{
		{"consumption", s.cfg.ConsumptionCadence, s.consumptionTick},
		{"leak-detection", s.cfg.LeakCadence, s.leakTick},
		{"irrigation", s.cfg.IrrigationCadence, s.irrigationTick},
		{"daily-report", s.cfg.ReportCadence, s.reportTick},
	}
	for _, t := range tasks {
		if err := s.sched.Register(t.name, t.cadence, t.fn); err != nil {
			return err
		}
	}
	s.sched.Start(ctx)

	// A confirmed leak shuts the main valve.
	s.subs = append(s.subs, s.bus.Subscribe(domain.TopicLeakDetected, s.onLeak))

	s.FinishInit()
	return nil
}

// Destroy implements runtime.Subsystem. Safe to call more than once.
func (s *System) Destroy() error {
	if !s.BeginDestroy() {
		return nil
	}
	s.sched.Stop()
	s.disp.Stop()
	for _, sub := range s.subs {
		sub.Close()
	}
	s.persist()
	s.FinishDestroy()
	return nil
}

func (s *System) loadPersisted() {
	if raw, err := s.host.SettingsGet(keyIrrigation); err == nil && raw != nil {
		var zones map[string]*IrrigationZone
		if err := json.Unmarshal(raw, &zones); err == nil {
			s.mu.Lock()
			s.zones = zones
			s.mu.Unlock()
		}
	}
	if raw, err := s.host.SettingsGet(keySaving); err == nil && raw != nil {
		var saving bool
		if err := json.Unmarshal(raw, &saving); err == nil {
			s.mu.Lock()
			s.savingMode = saving
			s.mu.Unlock()
		}
	}
}

func (s *System) persist() {
	s.mu.Lock()
	zones, _ := json.Marshal(s.zones)
	meters, _ := json.Marshal(s.meters)
	saving, _ := json.Marshal(s.savingMode)
	s.mu.Unlock()
	for key, raw := range map[string][]byte{keyIrrigation: zones, keyMeters: meters, keySaving: saving} {
		if err := s.host.SettingsSet(key, raw); err != nil {
			metrics.SettingsWriteErrors.Inc()
			s.log.Warn("persisting failed", zap.String("key", key), zap.Error(err))
		}
	}
}

func (s *System) discover(ctx context.Context) error {
	refs, err := s.host.ListDevices(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		switch {
		case device.IsWaterMeter(r):
			s.meters[r.ID()] = &Meter{DeviceID: r.ID(), Name: r.Name()}
		case device.IsLeakDetector(r):
			s.leakSensors = append(s.leakSensors, r)
		case device.IsIrrigation(r):
			s.valves[r.ID()] = r
		}
		if r.HasCapability(device.CapOnOff) && device.IsWaterMeter(r) {
			s.shutoff = r
		}
	}
	return nil
}

// ─── Commands ───────────────────────────────────────────────────────────────

// SetWeather feeds the irrigation weather gate.
func (s *System) SetWeather(w Weather) {
	s.mu.Lock()
	s.weather = w
	s.mu.Unlock()
}

// SetSavingMode toggles water-saving mode (halves irrigation runtimes).
func (s *System) SetSavingMode(on bool) {
	s.mu.Lock()
	s.savingMode = on
	s.mu.Unlock()
	raw, _ := json.Marshal(on)
	if err := s.host.SettingsSet(keySaving, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
	}
}

// AddIrrigationZone registers a watering schedule.
func (s *System) AddIrrigationZone(z IrrigationZone) error {
	if z.ID == "" {
		return domain.InvalidArgument("empty irrigation zone id")
	}
	if z.DurationMin <= 0 {
		return domain.InvalidArgument("irrigation duration %d", z.DurationMin)
	}
	s.mu.Lock()
	s.zones[z.ID] = &z
	s.mu.Unlock()
	return nil
}

// ZoneSnapshot returns a copy of one irrigation zone.
func (s *System) ZoneSnapshot(id string) (IrrigationZone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[id]
	if !ok {
		return IrrigationZone{}, domain.NotFound("irrigation zone", id)
	}
	return *z, nil
}

// Alerts returns the newest alert entries.
func (s *System) Alerts(limit int) []AlertEntry {
	return s.alerts.Query(nil, limit)
}

// Meters returns copies of all meters.
func (s *System) Meters() []Meter {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Meter, 0, len(s.meters))
	for _, m := range s.meters {
		out = append(out, *m)
	}
	return out
}

// ─── Leak Detection ─────────────────────────────────────────────────────────

// leakTick scans leak sensors for edges and applies the hidden-leak rule.
func (s *System) leakTick(ctx context.Context) error {
	s.mu.Lock()
	sensors := append([]device.Ref(nil), s.leakSensors...)
	s.mu.Unlock()

	for _, r := range sensors {
		v, err := device.GetBool(r, device.CapWaterAlarm)
		if err != nil {
			continue
		}
		s.mu.Lock()
		prev := s.lastLeak[r.ID()]
		s.lastLeak[r.ID()] = v
		s.mu.Unlock()

		if v && !prev {
			metrics.LeaksDetected.Inc()
			s.alerts.Append(AlertEntry{
				At: s.clk.Now().UnixMilli(), Kind: "leak", DeviceID: r.ID(),
			})
			s.host.Notify(device.Notification{
				Title:    "Water leak detected",
				Message:  fmt.Sprintf("%s reports water", r.Name()),
				Priority: string(domain.PriorityCritical),
				Category: "water",
			})
			s.bus.Publish(bus.Event{
				Topic:   domain.TopicLeakDetected,
				Payload: domain.LeakEvent{DeviceID: r.ID(), Zone: r.Zone()},
			})
		}
		if !v && prev {
			s.alerts.Append(AlertEntry{
				At: s.clk.Now().UnixMilli(), Kind: "leak_resolved", DeviceID: r.ID(),
			})
			s.bus.Publish(bus.Event{
				Topic:   domain.TopicLeakResolved,
				Payload: domain.LeakEvent{DeviceID: r.ID(), Zone: r.Zone()},
			})
		}
	}

	s.hiddenLeakCheck()
	return nil
}

// hiddenLeakCheck flags sustained night-time flow with no alarm edge.
func (s *System) hiddenLeakCheck() {
	hour := s.clk.Now().Hour()
	if hour < hiddenLeakHourFrom || hour >= hiddenLeakHourTo {
		return
	}
	s.mu.Lock()
	total := 0.0
	for _, m := range s.meters {
		total += m.FlowLPM
	}
	s.mu.Unlock()
	if total <= hiddenLeakFlowLPM {
		return
	}
	s.alerts.Append(AlertEntry{
		At: s.clk.Now().UnixMilli(), Kind: "hidden_leak",
		Detail: fmt.Sprintf("%.1f L/min at %02d:00", total, hour),
	})
	s.host.Notify(device.Notification{
		Title:    "Possible hidden leak",
		Message:  fmt.Sprintf("Night-time flow of %.1f L/min", total),
		Priority: string(domain.PriorityNormal),
		Category: "water",
	})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicLeakDetected,
		Payload: domain.LeakEvent{Hidden: true},
	})
}

// onLeak closes the main shutoff valve when one is present.
func (s *System) onLeak(ev bus.Event) {
	s.mu.Lock()
	shutoff := s.shutoff
	s.mu.Unlock()
	if shutoff == nil {
		return
	}
	if err := shutoff.SetCapability(device.CapOnOff, false); err != nil {
		s.log.Warn("closing shutoff valve failed", zap.Error(err))
	}
}

// ─── Consumption ────────────────────────────────────────────────────────────

// consumptionTick refreshes meter totals and flow rates.
func (s *System) consumptionTick(ctx context.Context) error {
	refs, err := s.host.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, r := range refs {
		s.mu.Lock()
		m, tracked := s.meters[r.ID()]
		s.mu.Unlock()
		if !tracked {
			continue
		}
		if r.HasCapability(device.CapWaterMeter) {
			if total, err := device.GetFloat(r, device.CapWaterMeter); err == nil {
				s.mu.Lock()
				m.TotalLiters = total
				s.mu.Unlock()
			}
		}
		if r.HasCapability(device.CapWaterFlow) {
			if flow, err := device.GetFloat(r, device.CapWaterFlow); err == nil {
				s.mu.Lock()
				m.FlowLPM = flow
				s.mu.Unlock()
			}
		}
	}
	return nil
}

// reportTick appends the daily consumption summary.
func (s *System) reportTick(ctx context.Context) error {
	s.mu.Lock()
	total := 0.0
	for _, m := range s.meters {
		total += m.TotalLiters
	}
	used := total - s.dayStartL
	s.dayStartL = total
	s.mu.Unlock()

	s.alerts.Append(AlertEntry{
		At: s.clk.Now().UnixMilli(), Kind: "report",
		Detail: fmt.Sprintf("%.0f L used", used),
	})
	s.host.Notify(device.Notification{
		Title:    "Daily water report",
		Message:  fmt.Sprintf("%.0f liters used in the last 24h", used),
		Priority: string(domain.PriorityLow),
		Category: "water",
	})
	return nil
}

// ─── Irrigation ─────────────────────────────────────────────────────────────

// irrigationTick starts zones whose schedule falls inside the window and
// passes the weather gate.
func (s *System) irrigationTick(ctx context.Context) error {
	now := s.clk.Now()
	day := int(now.Weekday())

	s.mu.Lock()
	var due []*IrrigationZone
	for _, z := range s.zones {
		if z.Running || !z.Days[day] {
			continue
		}
		sched, err := timeOfDayToday(now, z.StartTime)
		if err != nil {
			continue
		}
		drift := now.Sub(sched)
		if drift < -irrigationWindow || drift > irrigationWindow {
			continue
		}
		if !s.weatherOKLocked(z) {
			continue
		}
		due = append(due, z)
	}
	s.mu.Unlock()

	for _, z := range due {
		s.startIrrigation(z)
	}
	return nil
}

// weatherOKLocked gates irrigation: no recent rain, none expected, and
// soil moisture at or below the max when a sensor exists. Caller holds mu.
func (s *System) weatherOKLocked(z *IrrigationZone) bool {
	if s.weather.RecentRain || s.weather.ExpectedRain {
		return false
	}
	if z.SoilMoisture != nil && *z.SoilMoisture > soilMoistureMax {
		return false
	}
	return true
}

// startIrrigation opens the valve and schedules the auto-stop.
func (s *System) startIrrigation(z *IrrigationZone) {
	s.mu.Lock()
	z.Running = true
	z.LastRun = s.clk.Now().UnixMilli()
	duration := time.Duration(z.DurationMin) * time.Minute
	if s.savingMode {
		duration /= 2
	}
	valve := s.valves[z.DeviceID]
	id := z.ID
	s.mu.Unlock()

	if valve != nil {
		if err := valve.SetCapability(device.CapOnOff, true); err != nil {
			s.log.Warn("opening irrigation valve failed", zap.String("zone", id), zap.Error(err))
		}
	}
	s.log.Info("irrigation started", zap.String("zone", id), zap.Duration("duration", duration))

	s.disp.After(duration, "irrigation:"+id, func() {
		s.stopIrrigation(id)
	})
}

// StopIrrigation stops a running zone and cancels its pending auto-stop.
func (s *System) StopIrrigation(id string) error {
	s.mu.Lock()
	_, ok := s.zones[id]
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("irrigation zone", id)
	}
	s.disp.CancelGroup("irrigation:" + id)
	s.stopIrrigation(id)
	return nil
}

func (s *System) stopIrrigation(id string) {
	s.mu.Lock()
	z, ok := s.zones[id]
	if !ok || !z.Running {
		s.mu.Unlock()
		return
	}
	z.Running = false
	valve := s.valves[z.DeviceID]
	s.mu.Unlock()

	if valve != nil {
		if err := valve.SetCapability(device.CapOnOff, false); err != nil {
			s.log.Warn("closing irrigation valve failed", zap.String("zone", id), zap.Error(err))
		}
	}
	s.log.Info("irrigation stopped", zap.String("zone", id))
}

// timeOfDayToday resolves "HH:MM" onto the current day.
func timeOfDayToday(now time.Time, hhmm string) (time.Time, error) {
	t, err := time.Parse("15:04", hhmm)
	if err != nil {
		return time.Time{}, err
	}
	return time.Date(now.Year(), now.Month(), now.Day(), t.Hour(), t.Minute(), 0, 0, now.Location()), nil
}
