// Package hvac implements zone climate control: scheduled targets with
// vacation, setback, boost, and demand-response adjustments, occupancy
// inference with learned hour-of-week patterns, TRV valve policy,
// zone-to-zone thermal transfer, and heat-source cost switching.
package hvac

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
	keyZones    = "hvacZones"
	keySettings = "hvacSettings"
)

const (
	// Temperature bounds for user targets and the absolute floor applied
	// after every adjustment.
	minTarget  = 5.0
	maxTarget  = 30.0
	floorTemp  = 5.0
	frostTemp  = 8.0
	boostDelta = 2.0

	// Occupancy inference.
	setbackAfter    = 30 * time.Minute
	emaKeep         = 0.95
	emaAdd          = 0.05
	preheatMin      = 0.6
	deviationMargin = 1.5

	historyCap = 1000
)

// peakHours are the demand-response grid peak hours.
var peakHours = map[int]bool{7: true, 8: true, 9: true, 17: true, 18: true, 19: true, 20: true}

// ─── Configuration ──────────────────────────────────────────────────────────

// Cadences groups the periodic task intervals. Exposed in config so tests
// can compress them; defaults preserve the production values.
type Cadences struct {
	Zone        time.Duration
	Occupancy   time.Duration
	Climate     time.Duration
	Weather     time.Duration
	Energy      time.Duration
	Cost        time.Duration
	Maintenance time.Duration
	Comfort     time.Duration
	Ventilation time.Duration
	TRV         time.Duration
	Underfloor  time.Duration
	History     time.Duration
	Season      time.Duration
	Dependency  time.Duration
}

// Config configures the HVAC subsystem.
type Config struct {
	Cadences             Cadences
	ElectricityPrice     float64 // SEK/kWh
	DistrictHeatingPrice float64 // SEK/kWh
	HeatPumpCOP          float64
	CO2VentilationPPM    float64
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Cadences: Cadences{
			Zone:        30 * time.Second,
			Occupancy:   60 * time.Second,
			Climate:     120 * time.Second,
			Weather:     300 * time.Second,
			Energy:      180 * time.Second,
			Cost:        600 * time.Second,
			Maintenance: 3600 * time.Second,
			Comfort:     120 * time.Second,
			Ventilation: 60 * time.Second,
			TRV:         60 * time.Second,
			Underfloor:  120 * time.Second,
			History:     3600 * time.Second,
			Season:      86400 * time.Second,
			Dependency:  120 * time.Second,
		},
		ElectricityPrice:     1.2,
		DistrictHeatingPrice: 0.9,
		HeatPumpCOP:          3.5,
		CO2VentilationPPM:    1000,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Mode is a zone's operating mode.
type Mode string

const (
	ModeHeat Mode = "heat"
	ModeCool Mode = "cool"
	ModeAuto Mode = "auto"
	ModeOff  Mode = "off"
	ModeEco  Mode = "eco"
)

// Valid reports whether m is a defined mode.
func (m Mode) Valid() bool {
	switch m {
	case ModeHeat, ModeCool, ModeAuto, ModeOff, ModeEco:
		return true
	}
	return false
}

// FanSpeed is a zone's fan setting.
type FanSpeed string

const (
	FanLow    FanSpeed = "low"
	FanMedium FanSpeed = "medium"
	FanHigh   FanSpeed = "high"
	FanAuto   FanSpeed = "auto"
)

// Valid reports whether f is a defined fan speed.
func (f FanSpeed) Valid() bool {
	switch f {
	case FanLow, FanMedium, FanHigh, FanAuto:
		return true
	}
	return false
}

// Occupancy is a zone's presence state.
type Occupancy struct {
	Detected bool  `json:"detected"`
	Count    int   `json:"count"`
	LastSeen int64 `json:"lastSeen"` // unix ms
}

// Boost is a temporary comfort raise with a scheduled expiry.
type Boost struct {
	Active bool  `json:"active"`
	Until  int64 `json:"until"` // unix ms
}

// SchedulePeriod is one entry in a zone's weekly schedule. Periods may
// wrap across midnight (end < start).
type SchedulePeriod struct {
	Days   map[int]bool `json:"days"` // 0 = Sunday … 6 = Saturday
	Start  string       `json:"start"`
	End    string       `json:"end"`
	Target float64      `json:"target"`
}

// Zone is one climate-controlled area.
type Zone struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	AreaM2        float64          `json:"areaM2"`
	CeilingM      float64          `json:"ceilingM"`
	CurrentTemp   float64          `json:"currentTemp"`
	TargetTemp    float64          `json:"targetTemp"`
	Humidity      float64          `json:"humidity"`
	CO2PPM        float64          `json:"co2Ppm"`
	Mode          Mode             `json:"mode"`
	Fan           FanSpeed         `json:"fan"`
	Occupancy     Occupancy        `json:"occupancy"`
	WindowOpen    bool             `json:"windowOpen"`
	DoorOpen      bool             `json:"doorOpen"`
	SetbackActive bool             `json:"setbackActive"`
	SetbackTemp   float64          `json:"setbackTemp"`
	Boost         Boost            `json:"boost"`
	Insulation    string           `json:"insulation"` // "poor", "normal", "good"; "underfloor" marks underfloor heating
	SunExposure   string           `json:"sunExposure"`
	Schedule      []SchedulePeriod `json:"schedule"`
}

// DependencyType classifies a thermal coupling between two zones.
type DependencyType string

const (
	DepOpenPlan  DependencyType = "open_plan"
	DepDoor      DependencyType = "door"
	DepStairwell DependencyType = "stairwell"
)

// Dependency is a directed thermal coupling from zone A to zone B.
type Dependency struct {
	From string         `json:"from"`
	To   string         `json:"to"`
	Type DependencyType `json:"type"`
	Rate float64        `json:"rate"`
}

// Vacation is the global vacation override.
type Vacation struct {
	Active bool    `json:"active"`
	Temp   float64 `json:"temp"`
}

// DemandResponse is the grid peak-hour reduction state.
type DemandResponse struct {
	Active           bool    `json:"active"`
	ReductionPercent float64 `json:"reductionPercent"`
}

// HeatSource tracks which source currently carries the load.
type HeatSource struct {
	HeatPumpRunning bool    `json:"heatPumpRunning"`
	HeatPumpCOP     float64 `json:"heatPumpCop"`
	Switches        int     `json:"switches"`
}

// HistorySample is one hourly snapshot per zone.
type HistorySample struct {
	At     int64   `json:"at"`
	ZoneID string  `json:"zoneId"`
	Temp   float64 `json:"temp"`
	Target float64 `json:"target"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the HVAC subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher

	mu            sync.Mutex
	zones         map[string]*Zone
	trvs          map[string]*TRV
	deps          []Dependency
	vacation      Vacation
	dr            DemandResponse
	heat          HeatSource
	learned       map[string]*[168]float64 // zoneID → hour-of-week occupancy EMA
	boostHandles  map[string]dispatch.Handle
	comfortScores map[string]float64
	outdoorTemp   float64
	season        string
	costAccumSEK  float64
	filterHours   int

	history *logring.Ring[HistorySample]
}

// New creates the HVAC subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("hvac")
	return &System{
		cfg:           cfg,
		log:           l,
		clk:           clk,
		bus:           b,
		host:          host,
		sched:         scheduler.New(clk, l),
		disp:          dispatch.New(clk, l),
		zones:         make(map[string]*Zone),
		trvs:          make(map[string]*TRV),
		learned:       make(map[string]*[168]float64),
		boostHandles:  make(map[string]dispatch.Handle),
		comfortScores: make(map[string]float64),
		heat:          HeatSource{HeatPumpRunning: true, HeatPumpCOP: cfg.HeatPumpCOP},
		history:       logring.New[HistorySample](historyCap),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "hvac" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if err := s.loadPersisted(); err != nil {
		s.log.Warn("loading persisted zones failed", zap.Error(err))
	}

	c := s.cfg.Cadences
	tasks := []struct {
		name    string
		cadence time.Duration
		fn      scheduler.TaskFunc
	}{
		{"zone", c.Zone, s.zoneTick},
		{"occupancy", c.Occupancy, s.occupancyTick},
		{"climate", c.Climate, s.climateTick},
		{"weather", c.Weather, s.weatherTick},
		{"energy", c.Energy, s.energyTick},
		{"cost", c.Cost, s.costTick},
		{"maintenance", c.Maintenance, s.maintenanceTick},
		{"comfort", c.Comfort, s.comfortTick},
		{"ventilation", c.Ventilation, s.ventilationTick},
		{"trv", c.TRV, s.trvTick},
		{"underfloor", c.Underfloor, s.underfloorTick},
		{"history", c.History, s.historyTick},
		{"season", c.Season, s.seasonTick},
		{"dependency", c.Dependency, s.dependencyTick},
	}
	for _, t := range tasks {
		if err := s.sched.Register(t.name, t.cadence, t.fn); err != nil {
			return err
		}
	}
	s.sched.Start(ctx)

	s.FinishInit()
	s.log.Info("hvac subsystem running", zap.Int("zones", len(s.zones)))
	return nil
}

// Destroy implements runtime.Subsystem. Safe to call more than once.
func (s *System) Destroy() error {
	if !s.BeginDestroy() {
		return nil
	}
	s.sched.Stop()
	s.disp.Stop()
	s.persistZones()
	s.FinishDestroy()
	return nil
}

func (s *System) loadPersisted() error {
	raw, err := s.host.SettingsGet(keyZones)
	if err != nil {
		return err
	}
	if raw == nil {
		return nil
	}
	var zones map[string]*Zone
	if err := json.Unmarshal(raw, &zones); err != nil {
		return err
	}
	s.mu.Lock()
	s.zones = zones
	for id := range zones {
		if s.learned[id] == nil {
			s.learned[id] = &[168]float64{}
		}
	}
	s.mu.Unlock()
	return nil
}

func (s *System) persistZones() {
	s.mu.Lock()
	raw, err := json.Marshal(s.zones)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(keyZones, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting zones failed", zap.Error(err))
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// AddZone registers a zone. Target defaults to 20 when unset.
func (s *System) AddZone(z Zone) error {
	if z.ID == "" {
		return domain.InvalidArgument("empty zone id")
	}
	if z.Mode == "" {
		z.Mode = ModeAuto
	}
	if !z.Mode.Valid() {
		return domain.InvalidArgument("zone mode %q", z.Mode)
	}
	if z.TargetTemp == 0 {
		z.TargetTemp = 20
	}
	if z.SetbackTemp == 0 {
		z.SetbackTemp = 17
	}
	if z.Fan == "" {
		z.Fan = FanAuto
	}
	s.mu.Lock()
	s.zones[z.ID] = &z
	s.learned[z.ID] = &[168]float64{}
	s.mu.Unlock()
	return nil
}

// SetTarget sets a zone's base target temperature, bounded to [5, 30].
func (s *System) SetTarget(zoneID string, target float64) error {
	if target < minTarget || target > maxTarget {
		return domain.InvalidArgument("target %.1f outside [%v, %v]", target, minTarget, maxTarget)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return domain.NotFound("zone", zoneID)
	}
	z.TargetTemp = target
	return nil
}

// SetMode sets a zone's operating mode.
func (s *System) SetMode(zoneID string, mode Mode) error {
	if !mode.Valid() {
		return domain.InvalidArgument("zone mode %q", mode)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return domain.NotFound("zone", zoneID)
	}
	z.Mode = mode
	return nil
}

// SetFanSpeed sets a zone's fan speed.
func (s *System) SetFanSpeed(zoneID string, f FanSpeed) error {
	if !f.Valid() {
		return domain.InvalidArgument("fan speed %q", f)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return domain.NotFound("zone", zoneID)
	}
	z.Fan = f
	return nil
}

// SetVacationMode toggles the global vacation override. A zero temp means
// the frost-protect default.
func (s *System) SetVacationMode(active bool, temp float64) {
	if temp == 0 {
		temp = frostTemp
	}
	s.mu.Lock()
	s.vacation = Vacation{Active: active, Temp: temp}
	s.mu.Unlock()
}

// BoostZone raises a zone's effective target by 2° for the duration.
// Re-boosting cancels the previous expiry and replaces it.
func (s *System) BoostZone(zoneID string, d time.Duration) error {
	s.mu.Lock()
	z, ok := s.zones[zoneID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("zone", zoneID)
	}
	until := s.clk.Now().Add(d)
	z.Boost = Boost{Active: true, Until: until.UnixMilli()}
	prev, had := s.boostHandles[zoneID]
	s.mu.Unlock()

	if had {
		s.disp.Cancel(prev)
	}
	h := s.disp.Schedule(until, "boost:"+zoneID, func() {
		s.mu.Lock()
		if z, ok := s.zones[zoneID]; ok {
			z.Boost = Boost{}
		}
		delete(s.boostHandles, zoneID)
		s.mu.Unlock()
	})
	s.mu.Lock()
	s.boostHandles[zoneID] = h
	s.mu.Unlock()
	return nil
}

// SetOccupancy feeds a presence observation into a zone.
func (s *System) SetOccupancy(zoneID string, detected bool, count int) error {
	s.mu.Lock()
	z, ok := s.zones[zoneID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("zone", zoneID)
	}
	z.Occupancy.Detected = detected
	z.Occupancy.Count = count
	wasSetback := z.SetbackActive
	if detected {
		z.Occupancy.LastSeen = s.clk.Now().UnixMilli()
		z.SetbackActive = false
	}
	s.mu.Unlock()

	if detected && wasSetback {
		s.bus.Publish(bus.Event{
			Topic:   domain.TopicComfortResumed,
			Payload: domain.ZoneComfort{ZoneID: zoneID},
		})
	}
	return nil
}

// AddDependency registers a thermal coupling between two existing zones.
func (s *System) AddDependency(d Dependency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[d.From]; !ok {
		return domain.NotFound("zone", d.From)
	}
	if _, ok := s.zones[d.To]; !ok {
		return domain.NotFound("zone", d.To)
	}
	s.deps = append(s.deps, d)
	return nil
}

// ZoneSnapshot returns a copy of one zone.
func (s *System) ZoneSnapshot(zoneID string) (Zone, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return Zone{}, domain.NotFound("zone", zoneID)
	}
	return *z, nil
}

// Zones returns copies of every zone.
func (s *System) Zones() []Zone {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Zone, 0, len(s.zones))
	for _, z := range s.zones {
		out = append(out, *z)
	}
	return out
}

// ─── Effective Target ───────────────────────────────────────────────────────

// EffectiveTarget computes a zone's target after schedule, vacation,
// setback, boost, and demand-response adjustments, floored at 5°.
func (s *System) EffectiveTarget(zoneID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z, ok := s.zones[zoneID]
	if !ok {
		return 0, domain.NotFound("zone", zoneID)
	}
	return s.effectiveTargetLocked(z), nil
}

func (s *System) effectiveTargetLocked(z *Zone) float64 {
	now := s.clk.Now()

	// Vacation overrides everything, including an active boost.
	if s.vacation.Active {
		t := s.vacation.Temp
		if t < floorTemp {
			t = floorTemp
		}
		return t
	}

	target := z.TargetTemp
	if st := scheduleTarget(z.Schedule, now); st != 0 {
		target = st
	}
	if z.SetbackActive {
		target = z.SetbackTemp
	}
	if z.Boost.Active {
		if now.UnixMilli() < z.Boost.Until {
			target += boostDelta
		} else {
			z.Boost = Boost{}
		}
	}
	if s.dr.Active {
		target -= s.dr.ReductionPercent * 0.05
	}
	if target < floorTemp {
		target = floorTemp
	}
	return target
}

// scheduleTarget looks up the active period for the instant; 0 when none.
func scheduleTarget(periods []SchedulePeriod, now time.Time) float64 {
	cur := fmt.Sprintf("%02d:%02d", now.Hour(), now.Minute())
	day := int(now.Weekday())
	prevDay := (day + 6) % 7
	for _, p := range periods {
		if p.Start <= p.End {
			if p.Days[day] && cur >= p.Start && cur <= p.End {
				return p.Target
			}
			continue
		}
		// Wrapped period: the evening part belongs to its own day, the
		// morning part to the day after.
		if p.Days[day] && cur >= p.Start {
			return p.Target
		}
		if p.Days[prevDay] && cur <= p.End {
			return p.Target
		}
	}
	return 0
}

// ─── Core Ticks ─────────────────────────────────────────────────────────────

// zoneTick recomputes every zone's effective target and publishes
// deviations beyond the comfort margin.
func (s *System) zoneTick(ctx context.Context) error {
	s.mu.Lock()
	type item struct {
		id              string
		current, target float64
		mode            Mode
	}
	items := make([]item, 0, len(s.zones))
	for id, z := range s.zones {
		if z.Mode == ModeOff {
			continue
		}
		items = append(items, item{id: id, current: z.CurrentTemp, target: s.effectiveTargetLocked(z)})
	}
	s.mu.Unlock()

	for _, it := range items {
		if diff := it.current - it.target; diff > deviationMargin || diff < -deviationMargin {
			s.bus.Publish(bus.Event{
				Topic:   domain.TopicZoneDeviation,
				Payload: domain.ZoneDeviation{ZoneID: it.id, Current: it.current, Target: it.target},
			})
		}
	}
	return nil
}

// occupancyTick activates setback in long-unoccupied zones, learns the
// hour-of-week pattern, and pre-heats ahead of predicted occupancy.
func (s *System) occupancyTick(ctx context.Context) error {
	now := s.clk.Now()
	nowMs := now.UnixMilli()
	bucket := hourOfWeek(now)
	next := (bucket + 1) % 168

	s.mu.Lock()
	var setbacks, resumes []string
	for id, z := range s.zones {
		p := s.learned[id]
		if p == nil {
			p = &[168]float64{}
			s.learned[id] = p
		}
		// EMA learning: decay every sample, reinforce when occupied.
		p[bucket] *= emaKeep
		if z.Occupancy.Detected {
			p[bucket] += emaAdd
		}

		if !z.Occupancy.Detected && !z.SetbackActive &&
			nowMs-z.Occupancy.LastSeen > setbackAfter.Milliseconds() {
			z.SetbackActive = true
			setbacks = append(setbacks, id)
		}

		// Predictive pre-heating.
		if z.SetbackActive && p[next] > preheatMin &&
			z.CurrentTemp < z.TargetTemp-1 {
			z.SetbackActive = false
			resumes = append(resumes, id)
		}
	}
	s.mu.Unlock()

	for _, id := range setbacks {
		s.bus.Publish(bus.Event{
			Topic:   domain.TopicSetbackActivated,
			Payload: domain.ZoneComfort{ZoneID: id},
		})
	}
	for _, id := range resumes {
		s.bus.Publish(bus.Event{
			Topic:   domain.TopicComfortResumed,
			Payload: domain.ZoneComfort{ZoneID: id},
		})
	}
	return nil
}

// hourOfWeek returns the 0–167 bucket for the instant (Sunday 00 = 0).
func hourOfWeek(t time.Time) int {
	return int(t.Weekday())*24 + t.Hour()
}
