package hvac

import (
	"context"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

// ─── TRV Valves ─────────────────────────────────────────────────────────────

// TRV is a thermostatic radiator valve.
// Invariants: open percentage stays in [0, 100]; a measured temperature
// below 5° forces frost protection until the valve sees 7° again.
type TRV struct {
	ID           string  `json:"id"`
	ZoneID       string  `json:"zoneId"`
	BatteryPct   float64 `json:"batteryPct"`
	OpenPct      float64 `json:"openPct"`
	WindowOpen   bool    `json:"windowOpenDetected"`
	Boost        Boost   `json:"boost"`
	FrostProtect bool    `json:"frostProtection"`
	MeasuredTemp float64 `json:"measuredTemp"`
}

// AddTRV registers a valve in an existing zone.
func (s *System) AddTRV(t TRV) error {
	if t.ID == "" {
		return domain.InvalidArgument("empty trv id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.zones[t.ZoneID]; !ok {
		return domain.NotFound("zone", t.ZoneID)
	}
	s.trvs[t.ID] = &t
	return nil
}

// TRVSnapshot returns a copy of one valve.
func (s *System) TRVSnapshot(id string) (TRV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trvs[id]
	if !ok {
		return TRV{}, domain.NotFound("trv", id)
	}
	return *t, nil
}

// SetTRVMeasurement feeds a valve's measured temperature.
func (s *System) SetTRVMeasurement(id string, temp float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.trvs[id]
	if !ok {
		return domain.NotFound("trv", id)
	}
	t.MeasuredTemp = temp
	return nil
}

// trvTick applies the valve-opening policy to every TRV.
func (s *System) trvTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now().UnixMilli()
	for _, t := range s.trvs {
		z := s.zones[t.ZoneID]
		if z == nil {
			continue
		}
		target := s.effectiveTargetLocked(z)
		t.OpenPct = s.trvOpening(t, target, now)
	}
	return nil
}

// trvOpening computes the opening percentage for one valve.
func (s *System) trvOpening(t *TRV, target float64, nowMs int64) float64 {
	delta := target - t.MeasuredTemp

	// Frost protection wins over everything: a frozen radiator bursts.
	if t.MeasuredTemp < 5 {
		t.FrostProtect = true
	} else if t.FrostProtect && t.MeasuredTemp >= 7 {
		t.FrostProtect = false
	}
	if t.FrostProtect {
		return 30
	}

	// A sudden large deficit means an open window: shut the valve until
	// the window closes (delta back within range).
	if delta > 3 {
		t.WindowOpen = true
	} else if t.WindowOpen {
		t.WindowOpen = false
	}
	if t.WindowOpen {
		return 0
	}

	if t.Boost.Active && nowMs < t.Boost.Until {
		return 100
	}

	switch {
	case delta > 1:
		return clampPct(50+delta*25, 0, 100)
	case delta > 0.2:
		return clampPct(30+delta*30, 0, 80)
	case delta < -0.5:
		return clampPct(10+delta*20, 0, 100)
	default:
		return 40
	}
}

func clampPct(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// ─── Zone-to-Zone Thermal Transfer ──────────────────────────────────────────

// dependencyTick moves heat along every active coupling.
func (s *System) dependencyTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deps {
		a := s.zones[d.From]
		b := s.zones[d.To]
		if a == nil || b == nil {
			continue
		}
		rate := d.Rate
		switch d.Type {
		case DepOpenPlan:
			// Always active.
		case DepDoor:
			if !a.DoorOpen && !b.DoorOpen {
				rate *= 0.1
			}
		case DepStairwell:
			// Warm air rises: the stack effect boosts upward transfer.
			if a.CurrentTemp > b.CurrentTemp {
				rate *= 1.2
			}
		default:
			continue
		}
		transfer := (a.CurrentTemp - b.CurrentTemp) * rate * 0.01
		a.CurrentTemp -= transfer
		b.CurrentTemp += transfer
	}
	return nil
}

// ─── Heat Source & Demand Response ──────────────────────────────────────────

// energyTick compares heat-pump cost against district heating and flips
// the cheaper source on; it also drives the peak-hour demand response.
func (s *System) energyTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	hpCost := s.cfg.ElectricityPrice / s.heat.HeatPumpCOP
	dhCost := s.cfg.DistrictHeatingPrice
	if hpCost > dhCost && s.heat.HeatPumpRunning {
		s.heat.HeatPumpRunning = false
		s.heat.Switches++
		s.log.Info("switched to district heating",
			zap.Float64("hp_cost", hpCost), zap.Float64("dh_cost", dhCost))
	} else if hpCost <= dhCost && !s.heat.HeatPumpRunning {
		s.heat.HeatPumpRunning = true
		s.heat.Switches++
		s.log.Info("switched to heat pump",
			zap.Float64("hp_cost", hpCost), zap.Float64("dh_cost", dhCost))
	}

	if peakHours[s.clk.Now().Hour()] {
		s.dr = DemandResponse{Active: true, ReductionPercent: 15}
	} else {
		s.dr = DemandResponse{}
	}
	return nil
}

// HeatSourceState returns the current heat-source snapshot.
func (s *System) HeatSourceState() HeatSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heat
}

// DemandResponseState returns the current demand-response snapshot.
func (s *System) DemandResponseState() DemandResponse {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dr
}

// ─── Supporting Ticks ───────────────────────────────────────────────────────

// climateTick reads temperature and humidity sensors into their zones.
func (s *System) climateTick(ctx context.Context) error {
	refs, err := s.host.ListDevices(ctx)
	if err != nil {
		return err
	}
	for _, r := range refs {
		if !r.HasCapability(device.CapTemperature) {
			continue
		}
		temp, err := device.GetFloat(r, device.CapTemperature)
		if err != nil {
			continue
		}
		s.mu.Lock()
		if z, ok := s.zones[r.Zone()]; ok {
			z.CurrentTemp = temp
			if r.HasCapability(device.CapHumidity) {
				if h, err := device.GetFloat(r, device.CapHumidity); err == nil {
					z.Humidity = h
				}
			}
		}
		s.mu.Unlock()
	}
	return nil
}

// weatherTick refreshes the cached outdoor temperature from any outdoor
// sensor; costTick uses it for the indoor/outdoor degree delta.
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
			s.outdoorTemp = temp
			s.mu.Unlock()
			return nil
		}
	}
	return nil
}

// costTick accrues the running heating cost estimate.
func (s *System) costTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Degree-driven estimate: cost scales with the total indoor/outdoor
	// delta across zones. Zero delta yields a zero estimate, never NaN.
	var totalDelta float64
	for _, z := range s.zones {
		if d := z.CurrentTemp - s.outdoorTemp; d > 0 {
			totalDelta += d
		}
	}
	price := s.cfg.DistrictHeatingPrice
	if s.heat.HeatPumpRunning {
		price = s.cfg.ElectricityPrice / s.heat.HeatPumpCOP
	}
	s.costAccumSEK += totalDelta * 0.002 * price
	return nil
}

// maintenanceTick accrues filter runtime and reminds at the service bound.
func (s *System) maintenanceTick(ctx context.Context) error {
	s.mu.Lock()
	s.filterHours++
	due := s.filterHours >= 2160 // ~90 days of runtime
	if due {
		s.filterHours = 0
	}
	s.mu.Unlock()
	if due {
		s.host.Notify(device.Notification{
			Title:    "HVAC maintenance due",
			Message:  "Ventilation filters have reached their service interval",
			Priority: string(domain.PriorityNormal),
			Category: "hvac",
		})
	}
	return nil
}

// comfortTick scores each zone 0–100 from temperature and humidity drift.
func (s *System) comfortTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		score := 100.0
		target := s.effectiveTargetLocked(z)
		if d := z.CurrentTemp - target; d > 0 {
			score -= d * 10
		} else {
			score += d * 10
		}
		if z.Humidity > 60 {
			score -= (z.Humidity - 60) * 0.5
		} else if z.Humidity != 0 && z.Humidity < 30 {
			score -= (30 - z.Humidity) * 0.5
		}
		if score < 0 {
			score = 0
		}
		s.comfortScores[z.ID] = score
	}
	return nil
}

// ventilationTick raises the fan in zones with elevated CO2.
func (s *System) ventilationTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		if z.CO2PPM > s.cfg.CO2VentilationPPM && z.Fan != FanHigh {
			z.Fan = FanHigh
		} else if z.CO2PPM != 0 && z.CO2PPM < s.cfg.CO2VentilationPPM*0.7 && z.Fan == FanHigh {
			z.Fan = FanAuto
		}
	}
	return nil
}

// underfloorTick nudges slow underfloor loops toward the effective target.
// Underfloor heating has hours of thermal lag, so the loop moves in small
// steps instead of chasing the air temperature.
func (s *System) underfloorTick(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, z := range s.zones {
		if z.Insulation != "underfloor" {
			continue
		}
		target := s.effectiveTargetLocked(z)
		if z.CurrentTemp < target-0.3 {
			z.CurrentTemp += 0.05
		}
	}
	return nil
}

// historyTick snapshots every zone into the bounded history log.
func (s *System) historyTick(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	s.mu.Lock()
	type sample struct {
		id           string
		temp, target float64
	}
	samples := make([]sample, 0, len(s.zones))
	for id, z := range s.zones {
		samples = append(samples, sample{id: id, temp: z.CurrentTemp, target: s.effectiveTargetLocked(z)})
	}
	s.mu.Unlock()
	for _, sm := range samples {
		s.history.Append(HistorySample{At: now, ZoneID: sm.id, Temp: sm.temp, Target: sm.target})
	}
	return nil
}

// History returns the newest history samples.
func (s *System) History(limit int) []HistorySample {
	return s.history.Query(nil, limit)
}

// seasonTick derives the heating season from the month.
func (s *System) seasonTick(ctx context.Context) error {
	month := s.clk.Now().Month()
	season := "winter"
	switch {
	case month >= 4 && month <= 5:
		season = "spring"
	case month >= 6 && month <= 8:
		season = "summer"
	case month >= 9 && month <= 10:
		season = "autumn"
	}
	s.mu.Lock()
	s.season = season
	s.mu.Unlock()
	return nil
}

// ComfortScore returns a zone's latest comfort score.
func (s *System) ComfortScore(zoneID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.comfortScores[zoneID]
	if !ok {
		return 0, domain.NotFound("zone", zoneID)
	}
	return v, nil
}
