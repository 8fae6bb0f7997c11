// Package sleep implements sleep session tracking: a phase state machine
// driven by movement counts on a 90-minute cycle, environment sampling,
// and a weighted quality score computed when a session closes.
package sleep

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/scheduler"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

const keyProfiles = "sleepProfiles"

const (
	sleepCycle      = 90 * time.Minute
	fallingAsleepMax = 30 * time.Minute

	// Movement thresholds for phase inference.
	movementAwake = 5
	movementLight = 2

	// deepPortion is the share of a cycle spent in deep before REM.
	deepPortion = 0.6

	// Quality subscore weights.
	weightDuration    = 0.30
	weightEnvironment = 0.25
	weightMovement    = 0.15
	weightPhases      = 0.30

	idealSleepHours = 8.0

	// qualityEMA smooths the per-user rolling quality.
	qualityEMA = 0.8
)

// ─── Domain Types ───────────────────────────────────────────────────────────

// Phase is a sleep phase.
type Phase string

const (
	PhaseFallingAsleep Phase = "falling_asleep"
	PhaseLight         Phase = "light"
	PhaseDeep          Phase = "deep"
	PhaseREM           Phase = "rem"
	PhaseAwake         Phase = "awake"
)

// PhaseSample is one phase interval in a session.
type PhaseSample struct {
	Phase      Phase `json:"phase"`
	Start      int64 `json:"start"` // unix ms
	DurationMs int64 `json:"durationMs,omitempty"`
}

// EnvironmentSample is one ambient reading during a session.
type EnvironmentSample struct {
	At       int64   `json:"at"`
	TempC    float64 `json:"tempC"`
	Humidity float64 `json:"humidity"`
	LightLux float64 `json:"lightLux"`
	NoiseDB  float64 `json:"noiseDb"`
}

// Session is one night's record.
type Session struct {
	ID          string              `json:"id"`
	UserID      string              `json:"userId"`
	Start       int64               `json:"start"`
	End         int64               `json:"end,omitempty"`
	Phases      []PhaseSample       `json:"phases"`
	Environment []EnvironmentSample `json:"environment"`
	Quality     float64             `json:"quality,omitempty"` // 0–100, set on close

	movements int // movements observed in the current inference window
}

// Profile is the per-user rolling state.
type Profile struct {
	UserID       string  `json:"userId"`
	SleepDebtH   float64 `json:"sleepDebtHours"`
	QualityEMA   float64 `json:"qualityEma"`
	SessionCount int     `json:"sessionCount"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// Config configures the sleep subsystem.
type Config struct {
	PhaseCadence time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{PhaseCadence: time.Minute}
}

// System is the sleep subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler

	mu       sync.Mutex
	sessions map[string]*Session // userID → active session
	profiles map[string]*Profile
}

// New creates the sleep subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("sleep")
	return &System{
		cfg:      cfg,
		log:      l,
		clk:      clk,
		bus:      b,
		host:     host,
		sched:    scheduler.New(clk, l),
		sessions: make(map[string]*Session),
		profiles: make(map[string]*Profile),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "sleep" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if raw, err := s.host.SettingsGet(keyProfiles); err == nil && raw != nil {
		var profiles map[string]*Profile
		if err := json.Unmarshal(raw, &profiles); err == nil {
			s.mu.Lock()
			s.profiles = profiles
			s.mu.Unlock()
		}
	}
	if err := s.sched.Register("phase", s.cfg.PhaseCadence, s.phaseTick); err != nil {
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
	s.persistProfiles()
	s.FinishDestroy()
	return nil
}

func (s *System) persistProfiles() {
	s.mu.Lock()
	raw, err := json.Marshal(s.profiles)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(keyProfiles, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting sleep profiles failed", zap.Error(err))
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// StartSession opens a session for the user; the first phase is always
// falling_asleep.
func (s *System) StartSession(userID string) (string, error) {
	if userID == "" {
		return "", domain.InvalidArgument("empty user id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, active := s.sessions[userID]; active {
		return "", domain.InvalidArgument("user %q already has an active session", userID)
	}
	now := s.clk.Now().UnixMilli()
	sess := &Session{
		ID:     uuid.NewString(),
		UserID: userID,
		Start:  now,
		Phases: []PhaseSample{{Phase: PhaseFallingAsleep, Start: now}},
	}
	s.sessions[userID] = sess
	return sess.ID, nil
}

// RecordMovement feeds movement observations into the active session.
func (s *System) RecordMovement(userID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return domain.NotFound("sleep session for user", userID)
	}
	sess.movements += count
	return nil
}

// RecordEnvironment appends an ambient sample to the active session.
func (s *System) RecordEnvironment(userID string, env EnvironmentSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return domain.NotFound("sleep session for user", userID)
	}
	env.At = s.clk.Now().UnixMilli()
	sess.Environment = append(sess.Environment, env)
	return nil
}

// EndSession closes the session, computes its quality, updates the user
// profile, and publishes SleepEnded.
func (s *System) EndSession(userID string) (Session, error) {
	now := s.clk.Now().UnixMilli()

	s.mu.Lock()
	sess, ok := s.sessions[userID]
	if !ok {
		s.mu.Unlock()
		return Session{}, domain.NotFound("sleep session for user", userID)
	}
	delete(s.sessions, userID)
	s.closePhaseLocked(sess, now)
	sess.End = now
	sess.Quality = scoreSession(sess)

	p := s.profiles[userID]
	if p == nil {
		p = &Profile{UserID: userID}
		s.profiles[userID] = p
	}
	hours := float64(sess.End-sess.Start) / 3600000
	p.SleepDebtH += idealSleepHours - hours
	if p.SleepDebtH < 0 {
		p.SleepDebtH = 0
	}
	if p.SessionCount == 0 {
		p.QualityEMA = sess.Quality
	} else {
		p.QualityEMA = qualityEMA*p.QualityEMA + (1-qualityEMA)*sess.Quality
	}
	p.SessionCount++
	out := *sess
	s.mu.Unlock()

	s.persistProfiles()
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicSleepEnded,
		Payload: domain.SleepEnded{UserID: userID, Quality: out.Quality},
	})
	return out, nil
}

// UserProfile returns a copy of the rolling profile.
func (s *System) UserProfile(userID string) (Profile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return Profile{}, domain.NotFound("sleep profile", userID)
	}
	return *p, nil
}

// ActivePhase returns the current phase of a user's session.
func (s *System) ActivePhase(userID string) (Phase, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[userID]
	if !ok {
		return "", domain.NotFound("sleep session for user", userID)
	}
	return sess.Phases[len(sess.Phases)-1].Phase, nil
}

// ─── Phase Inference ────────────────────────────────────────────────────────

// phaseTick advances every active session's phase machine.
func (s *System) phaseTick(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	s.mu.Lock()
	for _, sess := range s.sessions {
		s.advancePhaseLocked(sess, now)
		sess.movements = 0
	}
	s.mu.Unlock()
	return nil
}

// advancePhaseLocked infers the next phase from recent movement and the
// position within the 90-minute cycle.
func (s *System) advancePhaseLocked(sess *Session, nowMs int64) {
	current := sess.Phases[len(sess.Phases)-1].Phase

	// falling_asleep caps at 30 minutes, then the cycling starts.
	if current == PhaseFallingAsleep {
		if nowMs-sess.Start < fallingAsleepMax.Milliseconds() && sess.movements <= movementLight {
			return
		}
	}

	var next Phase
	switch {
	case sess.movements > movementAwake:
		next = PhaseAwake
	case sess.movements > movementLight:
		next = PhaseLight
	default:
		// Quiet: deep in the first 60% of the cycle, REM after.
		cycleMs := sleepCycle.Milliseconds()
		pos := (nowMs - sess.Start) % cycleMs
		if float64(pos) < float64(cycleMs)*deepPortion {
			next = PhaseDeep
		} else {
			next = PhaseREM
		}
	}
	if next == current {
		return
	}
	s.closePhaseLocked(sess, nowMs)
	sess.Phases = append(sess.Phases, PhaseSample{Phase: next, Start: nowMs})
}

// closePhaseLocked stamps the open phase's duration.
func (s *System) closePhaseLocked(sess *Session, nowMs int64) {
	last := &sess.Phases[len(sess.Phases)-1]
	if last.DurationMs == 0 {
		last.DurationMs = nowMs - last.Start
	}
}

// ─── Quality Scoring ────────────────────────────────────────────────────────

// scoreSession computes the 0–100 quality from the weighted subscores:
// duration 30%, environment 25%, movement 15%, phase distribution 30%.
func scoreSession(sess *Session) float64 {
	hours := float64(sess.End-sess.Start) / 3600000

	duration := 100 - (idealSleepHours-hours)*(idealSleepHours-hours)*4
	if duration < 0 {
		duration = 0
	}
	if duration > 100 {
		duration = 100
	}

	environment := scoreEnvironment(sess.Environment)
	movement := scoreMovement(sess.Phases)
	phases := scorePhases(sess.Phases)

	score := weightDuration*duration + weightEnvironment*environment +
		weightMovement*movement + weightPhases*phases
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}

func scoreEnvironment(env []EnvironmentSample) float64 {
	if len(env) == 0 {
		return 70 // unknown environment scores neutral
	}
	score := 100.0
	for _, e := range env {
		if e.TempC < 16 || e.TempC > 20 {
			score -= 2
		}
		if e.Humidity != 0 && (e.Humidity < 30 || e.Humidity > 60) {
			score -= 1
		}
		if e.LightLux > 10 {
			score -= 3
		}
		if e.NoiseDB > 40 {
			score -= 3
		}
	}
	if score < 0 {
		return 0
	}
	return score
}

func scoreMovement(phases []PhaseSample) float64 {
	awake := 0
	for _, p := range phases {
		if p.Phase == PhaseAwake {
			awake++
		}
	}
	score := 100 - float64(awake)*15
	if score < 0 {
		return 0
	}
	return score
}

// scorePhases rewards a healthy deep+REM share of total sleep.
func scorePhases(phases []PhaseSample) float64 {
	var total, restorative int64
	for _, p := range phases {
		total += p.DurationMs
		if p.Phase == PhaseDeep || p.Phase == PhaseREM {
			restorative += p.DurationMs
		}
	}
	if total == 0 {
		return 0
	}
	share := float64(restorative) / float64(total)
	// 45% restorative is ideal; score falls off linearly either side.
	score := 100 - abs(share-0.45)*250
	if score < 0 {
		return 0
	}
	return score
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
