// Package analytics implements the consumption analytics engine: stream
// ingest with incremental statistics, z-score anomaly detection, weekly
// cross-stream correlation, and daily trend analysis.
//
// Statistics use Welford's online algorithm for numerically stable
// running mean and variance.
package analytics

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/scheduler"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

const (
	// retention bounds each stream's sample window.
	retention = 30 * 24 * time.Hour

	// Anomaly severity thresholds on the z-score.
	zMedium   = 3.0
	zHigh     = 4.0
	zCritical = 5.0

	// minSamples before anomaly checks engage.
	minSamples = 5

	// correlationTolerance aligns samples across two streams.
	correlationTolerance = 5 * time.Minute

	// correlationReportMin is the |r| worth reporting.
	correlationReportMin = 0.5

	trendWindow = 7 * 24 * time.Hour
)

// ─── Domain Types ───────────────────────────────────────────────────────────

// Sample is one (t, value) observation.
type Sample struct {
	At    int64   `json:"at"` // unix ms
	Value float64 `json:"value"`
}

// Stats are the derived stream statistics.
type Stats struct {
	Count  int     `json:"count"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Avg    float64 `json:"avg"`
	Stddev float64 `json:"stddev"`
}

// Stream is one consumption series.
type Stream struct {
	ID      string        `json:"id"`
	Unit    string        `json:"unit"`
	Cadence time.Duration `json:"cadence"`

	samples []Sample
	count   int
	mean    float64
	m2      float64
	min     float64
	max     float64
}

// Correlation is one reported stream pair.
type Correlation struct {
	StreamA string  `json:"streamA"`
	StreamB string  `json:"streamB"`
	R       float64 `json:"r"`
	Samples int     `json:"samples"`
}

// Trend compares the trailing week against the one before it.
type Trend struct {
	StreamID  string   `json:"streamId"`
	Direction string   `json:"direction"` // "up", "down", "flat"
	ChangePct *float64 `json:"changePct,omitempty"` // nil when the base week is zero
}

// ─── System ─────────────────────────────────────────────────────────────────

// Config configures the analytics engine.
type Config struct {
	CorrelationCadence time.Duration
	TrendCadence       time.Duration
	PredictionCadence  time.Duration
}

// DefaultConfig returns production defaults. Correlations run weekly,
// trends daily; both tasks gate internally on wall-clock alignment
// (Sunday, respectively 03:00).
func DefaultConfig() Config {
	return Config{
		CorrelationCadence: time.Hour,
		TrendCadence:       time.Hour,
		PredictionCadence:  6 * time.Hour,
	}
}

// System is the analytics subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler

	mu           sync.Mutex
	streams      map[string]*Stream
	correlations []Correlation
	trends       []Trend
	lastCorrWeek int
	lastTrendDay int
	predictions  map[string]float64
}

// New creates the analytics subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("analytics")
	return &System{
		cfg:          cfg,
		log:          l,
		clk:          clk,
		bus:          b,
		host:         host,
		sched:        scheduler.New(clk, l),
		streams:      make(map[string]*Stream),
		predictions:  make(map[string]float64),
		lastCorrWeek: -1,
		lastTrendDay: -1,
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "analytics" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if err := s.sched.Register("correlation", s.cfg.CorrelationCadence, s.correlationTick); err != nil {
		return err
	}
	if err := s.sched.Register("trends", s.cfg.TrendCadence, s.trendTick); err != nil {
		return err
	}
	if err := s.sched.Register("predictions", s.cfg.PredictionCadence, s.predictionTick); err != nil {
		return err
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
	s.FinishDestroy()
	return nil
}

// ─── Ingest ─────────────────────────────────────────────────────────────────

// CreateStream registers a series.
func (s *System) CreateStream(id, unit string, cadence time.Duration) error {
	if id == "" {
		return domain.InvalidArgument("empty stream id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.streams[id]; dup {
		return domain.InvalidArgument("stream %q already exists", id)
	}
	s.streams[id] = &Stream{ID: id, Unit: unit, Cadence: cadence, min: math.Inf(1), max: math.Inf(-1)}
	return nil
}

// Ingest appends a sample, updates the statistics incrementally, and runs
// the anomaly check against the pre-sample distribution.
func (s *System) Ingest(streamID string, value float64) error {
	now := s.clk.Now()

	s.mu.Lock()
	st, ok := s.streams[streamID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("stream", streamID)
	}

	// Anomaly score against the distribution before this sample.
	var anomaly *domain.AnomalyDetected
	if st.count >= minSamples {
		if sd := st.stddevLocked(); sd > 0 {
			z := math.Abs(value-st.mean) / sd
			if z > zMedium {
				severity := "medium"
				switch {
				case z > zCritical:
					severity = "critical"
				case z > zHigh:
					severity = "high"
				}
				anomaly = &domain.AnomalyDetected{
					StreamID: streamID, Value: value, ZScore: z, Severity: severity,
				}
			}
		}
	}

	// Welford update.
	st.count++
	delta := value - st.mean
	st.mean += delta / float64(st.count)
	st.m2 += delta * (value - st.mean)
	if value < st.min {
		st.min = value
	}
	if value > st.max {
		st.max = value
	}

	st.samples = append(st.samples, Sample{At: now.UnixMilli(), Value: value})
	st.trimLocked(now)
	s.mu.Unlock()

	if anomaly != nil {
		s.bus.Publish(bus.Event{Topic: domain.TopicAnomalyDetected, Payload: *anomaly})
		s.host.Notify(device.Notification{
			Title:    "Consumption anomaly",
			Message:  streamID + " deviates from its baseline",
			Priority: severityPriority(anomaly.Severity),
			Category: "analytics",
		})
	}
	return nil
}

func severityPriority(severity string) string {
	switch severity {
	case "critical":
		return string(domain.PriorityCritical)
	case "high":
		return string(domain.PriorityHigh)
	default:
		return string(domain.PriorityNormal)
	}
}

// trimLocked drops samples past retention. Caller holds s.mu.
func (st *Stream) trimLocked(now time.Time) {
	cutoff := now.Add(-retention).UnixMilli()
	firstKept := 0
	for firstKept < len(st.samples) && st.samples[firstKept].At < cutoff {
		firstKept++
	}
	if firstKept > 0 {
		st.samples = append([]Sample(nil), st.samples[firstKept:]...)
	}
}

func (st *Stream) stddevLocked() float64 {
	if st.count < 2 {
		return 0
	}
	return math.Sqrt(st.m2 / float64(st.count-1))
}

// StreamStats returns the derived statistics for one stream.
func (s *System) StreamStats(streamID string) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return Stats{}, domain.NotFound("stream", streamID)
	}
	out := Stats{Count: st.count, Avg: st.mean, Stddev: st.stddevLocked()}
	if st.count > 0 {
		out.Min = st.min
		out.Max = st.max
	}
	return out, nil
}

// Samples returns a copy of a stream's retained samples.
func (s *System) Samples(streamID string) ([]Sample, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamID]
	if !ok {
		return nil, domain.NotFound("stream", streamID)
	}
	out := make([]Sample, len(st.samples))
	copy(out, st.samples)
	return out, nil
}

// ─── Correlations ───────────────────────────────────────────────────────────

// correlationTick runs the weekly pass once per Sunday.
func (s *System) correlationTick(ctx context.Context) error {
	now := s.clk.Now()
	if now.Weekday() != time.Sunday {
		return nil
	}
	_, week := now.ISOWeek()
	s.mu.Lock()
	if s.lastCorrWeek == week {
		s.mu.Unlock()
		return nil
	}
	s.lastCorrWeek = week
	s.mu.Unlock()

	s.RunCorrelations()
	return nil
}

// RunCorrelations recomputes pairwise Pearson correlations and keeps the
// pairs with |r| above the report threshold.
func (s *System) RunCorrelations() []Correlation {
	s.mu.Lock()
	ids := make([]string, 0, len(s.streams))
	for id := range s.streams {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []Correlation
	for i := 0; i < len(ids); i++ {
		for j := i + 1; j < len(ids); j++ {
			a, b := s.streams[ids[i]], s.streams[ids[j]]
			r, n := pearsonAligned(a.samples, b.samples, correlationTolerance)
			if n >= minSamples && math.Abs(r) > correlationReportMin {
				out = append(out, Correlation{StreamA: ids[i], StreamB: ids[j], R: r, Samples: n})
			}
		}
	}
	s.correlations = out
	s.mu.Unlock()
	return out
}

// Correlations returns the latest reported pairs.
func (s *System) Correlations() []Correlation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Correlation(nil), s.correlations...)
}

// pearsonAligned aligns two sample sets by timestamp within the tolerance
// and computes Pearson's r over the aligned pairs.
func pearsonAligned(as, bs []Sample, tol time.Duration) (float64, int) {
	tolMs := tol.Milliseconds()
	var xs, ys []float64
	j := 0
	for _, a := range as {
		for j < len(bs) && bs[j].At < a.At-tolMs {
			j++
		}
		if j < len(bs) && abs64(bs[j].At-a.At) <= tolMs {
			xs = append(xs, a.Value)
			ys = append(ys, bs[j].Value)
			j++
		}
	}
	n := len(xs)
	if n < 2 {
		return 0, n
	}
	var sumX, sumY float64
	for i := 0; i < n; i++ {
		sumX += xs[i]
		sumY += ys[i]
	}
	meanX, meanY := sumX/float64(n), sumY/float64(n)
	var cov, varX, varY float64
	for i := 0; i < n; i++ {
		dx, dy := xs[i]-meanX, ys[i]-meanY
		cov += dx * dy
		varX += dx * dx
		varY += dy * dy
	}
	if varX == 0 || varY == 0 {
		return 0, n
	}
	return cov / math.Sqrt(varX*varY), n
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}

// ─── Trends ─────────────────────────────────────────────────────────────────

// trendTick runs the daily pass once per day at 03:00.
func (s *System) trendTick(ctx context.Context) error {
	now := s.clk.Now()
	if now.Hour() != 3 {
		return nil
	}
	day := now.YearDay()
	s.mu.Lock()
	if s.lastTrendDay == day {
		s.mu.Unlock()
		return nil
	}
	s.lastTrendDay = day
	s.mu.Unlock()

	s.RunTrends()
	return nil
}

// RunTrends compares each stream's trailing 7-day average against the
// previous 7 days. A zero base week yields a nil change percentage rather
// than a NaN.
func (s *System) RunTrends() []Trend {
	now := s.clk.Now().UnixMilli()
	weekMs := trendWindow.Milliseconds()

	s.mu.Lock()
	var out []Trend
	for id, st := range s.streams {
		var recentSum, baseSum float64
		var recentN, baseN int
		for _, sm := range st.samples {
			age := now - sm.At
			switch {
			case age <= weekMs:
				recentSum += sm.Value
				recentN++
			case age <= 2*weekMs:
				baseSum += sm.Value
				baseN++
			}
		}
		if recentN == 0 || baseN == 0 {
			continue
		}
		recent := recentSum / float64(recentN)
		base := baseSum / float64(baseN)

		tr := Trend{StreamID: id, Direction: "flat"}
		if base != 0 {
			pct := (recent - base) / base * 100
			tr.ChangePct = &pct
			if pct > 5 {
				tr.Direction = "up"
			} else if pct < -5 {
				tr.Direction = "down"
			}
		} else if recent != 0 {
			tr.Direction = "up"
		}
		out = append(out, tr)
	}
	s.trends = out
	s.mu.Unlock()
	return out
}

// Trends returns the latest trend report.
func (s *System) Trends() []Trend {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Trend(nil), s.trends...)
}

// ─── Predictions ────────────────────────────────────────────────────────────

// predictionTick extrapolates each stream's next-period average from the
// trailing day, every six hours.
func (s *System) predictionTick(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	dayMs := (24 * time.Hour).Milliseconds()

	s.mu.Lock()
	for id, st := range s.streams {
		var sum float64
		var n int
		for _, sm := range st.samples {
			if now-sm.At <= dayMs {
				sum += sm.Value
				n++
			}
		}
		if n > 0 {
			s.predictions[id] = sum / float64(n)
		}
	}
	s.mu.Unlock()
	return nil
}

// Prediction returns the latest per-stream forecast.
func (s *System) Prediction(streamID string) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.predictions[streamID]
	return v, ok
}
