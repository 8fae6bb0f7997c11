// Package solar implements the solar optimization subsystem: per-panel
// production modelling, battery charge/discharge dispatch, grid flow
// accounting, and peak shaving.
package solar

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/scheduler"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

const keyState = "solarState"

// Sunrise/sunset lookup tables for latitude 59.33, indexed by month 1–12.
// Hours are local decimal hours.
var (
	sunriseByMonth = [13]float64{0, 8.7, 7.7, 6.4, 5.0, 3.8, 3.1, 3.5, 4.6, 5.8, 7.0, 8.1, 8.8}
	sunsetByMonth  = [13]float64{0, 15.2, 16.4, 17.6, 18.9, 20.1, 21.1, 21.0, 19.8, 18.4, 17.0, 15.6, 14.9}
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the solar subsystem.
type Config struct {
	ProductionCadence  time.Duration
	BatteryCadence     time.Duration
	GridCadence        time.Duration
	WeatherCadence     time.Duration
	PeakShavingCadence time.Duration
	MaintenanceCadence time.Duration
	ForecastCadence    time.Duration
	HealthCadence      time.Duration

	PeakThresholdKW float64
	SpotMidPrice    float64 // rolling mid price, SEK/kWh
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		ProductionCadence:  60 * time.Second,
		BatteryCadence:     120 * time.Second,
		GridCadence:        180 * time.Second,
		WeatherCadence:     300 * time.Second,
		PeakShavingCadence: 30 * time.Second,
		MaintenanceCadence: 3600 * time.Second,
		ForecastCadence:    900 * time.Second,
		HealthCadence:      600 * time.Second,
		PeakThresholdKW:    5,
		SpotMidPrice:       1.0,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Panel is one physical module in an array.
type Panel struct {
	ID          string  `json:"id"`
	WattagePeak float64 `json:"wattagePeak"`
	Efficiency  float64 `json:"efficiency"` // (0, 1]
	SoilingPct  float64 `json:"soilingPct"` // [0, 1)
}

// Array is a roof segment of panels sharing orientation.
type Array struct {
	ID         string  `json:"id"`
	AzimuthDeg float64 `json:"azimuthDeg"` // 180 = due south
	TiltDeg    float64 `json:"tiltDeg"`
	Panels     []Panel `json:"panels"`
	Efficiency float64 `json:"efficiency"` // current array efficiency (0, 1]
	SnowCover  float64 `json:"snowCover"`  // [0, 1]
	ShadePct   float64 `json:"shadePct"`   // [0, 100]
	OutputKW   float64 `json:"outputKw"`
}

// BatteryMode is a pack's dispatch state.
type BatteryMode string

const (
	BatteryStandby   BatteryMode = "standby"
	BatteryCharge    BatteryMode = "charge"
	BatteryDischarge BatteryMode = "discharge"
)

// Battery is a storage pack.
// Invariant: MinLevel <= ChargeLevel <= MaxLevel after every tick.
type Battery struct {
	ID             string      `json:"id"`
	CapacityKWh    float64     `json:"capacityKwh"`
	ChargeLevel    float64     `json:"chargeLevel"` // [0, 1]
	MinLevel       float64     `json:"minLevel"`
	MaxLevel       float64     `json:"maxLevel"`
	MaxChargeKW    float64     `json:"maxChargeKw"`
	MaxDischargeKW float64     `json:"maxDischargeKw"`
	Mode           BatteryMode `json:"mode"`
	CycleCount     float64     `json:"cycleCount"`
	HealthPct      float64     `json:"healthPct"`
}

// FlowDirection is the grid connection state.
type FlowDirection string

const (
	FlowExport  FlowDirection = "export"
	FlowImport  FlowDirection = "import"
	FlowNeutral FlowDirection = "neutral"
)

// Grid accumulates exchange with the utility.
type Grid struct {
	Direction   FlowDirection `json:"currentFlowDirection"`
	ExportedKWh float64       `json:"exportedKwh"`
	ImportedKWh float64       `json:"importedKwh"`
}

// PeakShaving tracks the shaving statistics.
type PeakShaving struct {
	PeaksShavedToday int     `json:"peaksShavedToday"`
	EnergySavedKWh   float64 `json:"energySavedKwh"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the solar subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler

	mu          sync.Mutex
	arrays      map[string]*Array
	batteries   map[string]*Battery
	grid        Grid
	shaving     PeakShaving
	cloudPct    float64 // [0, 100]
	tempC       float64
	homeKW      float64 // current household draw
	spotPrice   float64
	demandKW    float64 // simulated grid demand for peak shaving
	forecastKWh float64
}

// New creates the solar subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("solar")
	return &System{
		cfg:       cfg,
		log:       l,
		clk:       clk,
		bus:       b,
		host:      host,
		sched:     scheduler.New(clk, l),
		arrays:    make(map[string]*Array),
		batteries: make(map[string]*Battery),
		grid:      Grid{Direction: FlowNeutral},
		spotPrice: cfg.SpotMidPrice,
		tempC:     15,
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "solar" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if raw, err := s.host.SettingsGet(keyState); err == nil && raw != nil {
		var st struct {
			Arrays    map[string]*Array   `json:"arrays"`
			Batteries map[string]*Battery `json:"batteries"`
			Grid      Grid                `json:"grid"`
		}
		if err := json.Unmarshal(raw, &st); err == nil {
			s.mu.Lock()
			if st.Arrays != nil {
				s.arrays = st.Arrays
			}
			if st.Batteries != nil {
				s.batteries = st.Batteries
			}
			s.grid = st.Grid
			s.mu.Unlock()
		}
	}

	c := s.cfg
	tasks := []struct {
		name    string
		cadence time.Duration
		fn      scheduler.TaskFunc
	}{
		{"production", c.ProductionCadence, s.productionTick},
		{"battery", c.BatteryCadence, s.batteryTick},
		{"grid", c.GridCadence, s.gridTick},
		{"weather", c.WeatherCadence, s.weatherTick},
		{"peak-shaving", c.PeakShavingCadence, s.peakShavingTick},
		{"maintenance", c.MaintenanceCadence, s.maintenanceTick},
		{"forecast", c.ForecastCadence, s.forecastTick},
		{"health", c.HealthCadence, s.healthTick},
	}
	for _, t := range tasks {
		if err := s.sched.Register(t.name, t.cadence, t.fn); err != nil {
			return err
		}
	}
	s.sched.Start(ctx)

	s.FinishInit()
	return nil
}

// Destroy implements runtime.Subsystem. Safe to call more than once.
func (s *System) Destroy() error {
	if !s.BeginDestroy() {
		return nil
	}
	s.sched.Stop()
	s.persist()
	s.FinishDestroy()
	return nil
}

func (s *System) persist() {
	s.mu.Lock()
	raw, err := json.Marshal(map[string]any{
		"arrays":    s.arrays,
		"batteries": s.batteries,
		"grid":      s.grid,
	})
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(keyState, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting solar state failed", zap.Error(err))
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// AddArray registers a panel array.
func (s *System) AddArray(a Array) error {
	if a.ID == "" {
		return domain.InvalidArgument("empty array id")
	}
	if a.Efficiency <= 0 || a.Efficiency > 1 {
		return domain.InvalidArgument("array efficiency %v outside (0, 1]", a.Efficiency)
	}
	s.mu.Lock()
	s.arrays[a.ID] = &a
	s.mu.Unlock()
	return nil
}

// AddBattery registers a storage pack.
func (s *System) AddBattery(b Battery) error {
	if b.ID == "" {
		return domain.InvalidArgument("empty battery id")
	}
	if b.MinLevel < 0 || b.MaxLevel > 1 || b.MinLevel > b.MaxLevel {
		return domain.InvalidArgument("battery levels min %v max %v", b.MinLevel, b.MaxLevel)
	}
	if b.ChargeLevel < b.MinLevel {
		b.ChargeLevel = b.MinLevel
	}
	if b.ChargeLevel > b.MaxLevel {
		b.ChargeLevel = b.MaxLevel
	}
	if b.Mode == "" {
		b.Mode = BatteryStandby
	}
	if b.HealthPct == 0 {
		b.HealthPct = 100
	}
	s.mu.Lock()
	s.batteries[b.ID] = &b
	s.mu.Unlock()
	return nil
}

// SetConditions feeds weather and household state into the model.
func (s *System) SetConditions(cloudPct, tempC, homeKW, spotPrice float64) {
	s.mu.Lock()
	s.cloudPct = cloudPct
	s.tempC = tempC
	s.homeKW = homeKW
	s.spotPrice = spotPrice
	s.mu.Unlock()
}

// SetGridDemand feeds the simulated grid demand for peak shaving.
func (s *System) SetGridDemand(kw float64) {
	s.mu.Lock()
	s.demandKW = kw
	s.mu.Unlock()
}

// GridState returns the grid accumulator.
func (s *System) GridState() Grid {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.grid
}

// PeakShavingState returns the shaving statistics.
func (s *System) PeakShavingState() PeakShaving {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shaving
}

// BatterySnapshot returns a copy of one pack.
func (s *System) BatterySnapshot(id string) (Battery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batteries[id]
	if !ok {
		return Battery{}, domain.NotFound("battery", id)
	}
	return *b, nil
}

// ArraySnapshot returns a copy of one array.
func (s *System) ArraySnapshot(id string) (Array, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.arrays[id]
	if !ok {
		return Array{}, domain.NotFound("array", id)
	}
	return *a, nil
}

// ─── Production Model ───────────────────────────────────────────────────────

// SolarFactor models the sun elevation between sunrise and sunset for the
// configured latitude: cosine of the normalized distance from solar noon.
func SolarFactor(now time.Time) float64 {
	month := int(now.Month())
	sunrise := sunriseByMonth[month]
	sunset := sunsetByMonth[month]
	hour := float64(now.Hour()) + float64(now.Minute())/60

	if hour < sunrise || hour > sunset {
		return 0
	}
	solarNoon := (sunrise + sunset) / 2
	halfDay := (sunset - sunrise) / 2
	x := math.Abs(hour+0.5-solarNoon) / halfDay
	f := math.Cos(x * math.Pi / 2)
	if f < 0 {
		return 0
	}
	return f
}

// orientationFactor derates for azimuth away from due south and for tilt.
func orientationFactor(azimuthDeg, tiltDeg float64) float64 {
	az := 1 - math.Abs(azimuthDeg-180)/180*0.4
	tilt := 1 - math.Abs(tiltDeg-40)/90*0.15
	return az * tilt
}

// temperatureFactor derates panel output 0.4%/° above 25 °C.
func temperatureFactor(tempC float64) float64 {
	if tempC <= 25 {
		return 1
	}
	return 1 - (tempC-25)*0.004
}

// productionTick recomputes each array's output and allocates the energy
// flow for the elapsed interval.
func (s *System) productionTick(ctx context.Context) error {
	now := s.clk.Now()
	solar := SolarFactor(now)

	s.mu.Lock()
	cloud := 1 - s.cloudPct/100*0.8
	temp := temperatureFactor(s.tempC)
	totalKW := 0.0
	for _, a := range s.arrays {
		orient := orientationFactor(a.AzimuthDeg, a.TiltDeg)
		snow := 1 - a.SnowCover
		shade := 1 - a.ShadePct/100
		watts := 0.0
		for _, p := range a.Panels {
			watts += p.WattagePeak * solar * orient * p.Efficiency * temp * cloud * snow * shade * (1 - p.SoilingPct)
		}
		a.OutputKW = watts / 1000 * a.Efficiency
		totalKW += a.OutputKW
	}
	s.mu.Unlock()

	s.allocate(totalKW, s.cfg.ProductionCadence)
	return nil
}

// allocate distributes surplus or deficit across batteries and the grid
// for one interval.
func (s *System) allocate(solarKW float64, interval time.Duration) {
	hours := interval.Hours()

	s.mu.Lock()
	defer s.mu.Unlock()

	surplus := solarKW - s.homeKW
	switch {
	case surplus > 0:
		charged := s.chargeBatteries(surplus, hours)
		export := surplus - charged
		if export > 0.001 {
			s.grid.Direction = FlowExport
			s.grid.ExportedKWh += export * hours
		} else {
			s.grid.Direction = FlowNeutral
		}
	case surplus < 0:
		deficit := -surplus
		discharged := 0.0
		if s.shouldDischarge() {
			discharged = s.dischargeBatteries(deficit, hours)
		}
		imported := deficit - discharged
		if imported > 0.001 {
			s.grid.Direction = FlowImport
			s.grid.ImportedKWh += imported * hours
		} else {
			s.grid.Direction = FlowNeutral
		}
	default:
		s.grid.Direction = FlowNeutral
	}
}

// shouldDischarge holds when the spot price is at or above 80% of the
// rolling mid price. Caller holds s.mu.
func (s *System) shouldDischarge() bool {
	return s.spotPrice >= s.cfg.SpotMidPrice*0.8
}

// chargeBatteries absorbs up to kw for the interval; returns the power
// actually absorbed. Caller holds s.mu.
func (s *System) chargeBatteries(kw, hours float64) float64 {
	remaining := kw
	used := 0.0
	for _, b := range s.batteries {
		if remaining <= 0 {
			break
		}
		headroomKWh := (b.MaxLevel - b.ChargeLevel) * b.CapacityKWh
		if headroomKWh <= 0 {
			b.Mode = BatteryStandby
			continue
		}
		rate := math.Min(remaining, b.MaxChargeKW)
		energy := math.Min(rate*hours, headroomKWh)
		if energy <= 0 {
			continue
		}
		b.ChargeLevel += energy / b.CapacityKWh
		b.Mode = BatteryCharge
		b.CycleCount += energy / b.CapacityKWh / 2
		actual := energy / hours
		remaining -= actual
		used += actual
	}
	return used
}

// dischargeBatteries supplies up to kw for the interval; returns the power
// actually supplied. Caller holds s.mu.
func (s *System) dischargeBatteries(kw, hours float64) float64 {
	remaining := kw
	used := 0.0
	for _, b := range s.batteries {
		if remaining <= 0 {
			break
		}
		availableKWh := (b.ChargeLevel - b.MinLevel) * b.CapacityKWh
		if availableKWh <= 0 {
			b.Mode = BatteryStandby
			continue
		}
		rate := math.Min(remaining, b.MaxDischargeKW)
		energy := math.Min(rate*hours, availableKWh)
		if energy <= 0 {
			continue
		}
		b.ChargeLevel -= energy / b.CapacityKWh
		b.Mode = BatteryDischarge
		b.CycleCount += energy / b.CapacityKWh / 2
		actual := energy / hours
		remaining -= actual
		used += actual
	}
	return used
}

// ─── Peak Shaving ───────────────────────────────────────────────────────────

// peakShavingTick discharges batteries to pull grid demand under the
// threshold.
func (s *System) peakShavingTick(ctx context.Context) error {
	s.mu.Lock()
	over := s.demandKW - s.cfg.PeakThresholdKW
	if over <= 0 {
		s.mu.Unlock()
		return nil
	}
	hours := s.cfg.PeakShavingCadence.Hours()
	shaved := s.dischargeBatteries(over, hours)
	if shaved > 0 {
		s.demandKW -= shaved
		s.shaving.PeaksShavedToday++
		s.shaving.EnergySavedKWh += shaved * hours
	}
	s.mu.Unlock()
	return nil
}

// ─── Supporting Ticks ───────────────────────────────────────────────────────

// batteryTick enforces pack bounds and reports weak packs.
func (s *System) batteryTick(ctx context.Context) error {
	s.mu.Lock()
	var low []Battery
	for _, b := range s.batteries {
		if b.ChargeLevel < b.MinLevel {
			b.ChargeLevel = b.MinLevel
		}
		if b.ChargeLevel > b.MaxLevel {
			b.ChargeLevel = b.MaxLevel
		}
		if b.ChargeLevel <= b.MinLevel+0.02 {
			low = append(low, *b)
		}
	}
	s.mu.Unlock()

	for _, b := range low {
		s.bus.Publish(bus.Event{
			Topic:   domain.TopicBatteryLow,
			Payload: domain.BatteryLow{DeviceID: b.ID, Level: b.ChargeLevel * 100},
		})
	}
	return nil
}

// gridTick does nothing; the flow direction and the grid totals are
// updated by allocate on each production tick.
func (s *System) gridTick(ctx context.Context) error {
	return nil
}

// weatherTick reads the outdoor temperature from the first readable
// outdoor temperature device. Cloud cover is set only by SetConditions.
func (s *System) weatherTick(ctx context.Context) error {
	refs, err := s.host.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if r.Zone() != "outdoor" || !r.HasCapability(device.CapTemperature) {
			continue
		}
		if temp, err := device.GetFloat(r, device.CapTemperature); err == nil {
			s.mu.Lock()
			s.tempC = temp
			s.mu.Unlock()
			return nil
		}
	}
	return nil
}

// maintenanceTick reports arrays with heavy snow cover.
func (s *System) maintenanceTick(ctx context.Context) error {
	s.mu.Lock()
	var covered []string
	for _, a := range s.arrays {
		if a.SnowCover > 0.5 {
			covered = append(covered, a.ID)
		}
	}
	s.mu.Unlock()
	for _, id := range covered {
		s.host.Notify(device.Notification{
			Title:    "Solar array snow cover",
			Message:  "Array " + id + " is more than half covered",
			Priority: string(domain.PriorityNormal),
			Category: "solar",
		})
	}
	return nil
}

// forecastTick estimates the remaining production for the day.
func (s *System) forecastTick(ctx context.Context) error {
	now := s.clk.Now()
	s.mu.Lock()
	peak := 0.0
	for _, a := range s.arrays {
		for _, p := range a.Panels {
			peak += p.WattagePeak
		}
	}
	cloud := 1 - s.cloudPct/100*0.8
	s.mu.Unlock()

	// Integrate the solar factor over the rest of the day in 15-minute
	// steps; good enough for the dashboard estimate.
	var kwh float64
	for t := now; t.Day() == now.Day(); t = t.Add(15 * time.Minute) {
		kwh += peak / 1000 * SolarFactor(t) * cloud * 0.25
	}
	s.mu.Lock()
	s.forecastKWh = kwh
	s.mu.Unlock()
	return nil
}

// ForecastKWh returns the latest remaining-day production estimate.
func (s *System) ForecastKWh() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.forecastKWh
}

// healthTick degrades battery health with accumulated cycles.
func (s *System) healthTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range s.batteries {
		b.HealthPct = 100 - b.CycleCount*0.005
		if b.HealthPct < 0 {
			b.HealthPct = 0
		}
	}
	return nil
}
