// Package productivity implements the home-office hub: pomodoro and focus
// sessions, plus the away-mode presence simulation. All three are the
// same pattern — repeat an action at a cadence or phase until stopped —
// built on the timed dispatcher so teardown cancels them deterministically.
package productivity

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/dispatch"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

const keyState = "homeOfficeProductivityHub"

// ─── Configuration ──────────────────────────────────────────────────────────

// Config configures the productivity subsystem.
type Config struct {
	PomodoroWork  time.Duration
	PomodoroBreak time.Duration
	PomodoroLong  time.Duration
	RoundsPerSet  int

	// Presence simulation interval bounds, in minutes.
	SimIntervalMin int
	SimIntervalMax int
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		PomodoroWork:   25 * time.Minute,
		PomodoroBreak:  5 * time.Minute,
		PomodoroLong:   15 * time.Minute,
		RoundsPerSet:   4,
		SimIntervalMin: 15,
		SimIntervalMax: 45,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// PomodoroPhase is the session phase.
type PomodoroPhase string

const (
	PomodoroWork      PomodoroPhase = "work"
	PomodoroBreak     PomodoroPhase = "break"
	PomodoroLongBreak PomodoroPhase = "long_break"
)

// PomodoroSession is one running pomodoro.
type PomodoroSession struct {
	ID        string        `json:"id"`
	UserID    string        `json:"userId"`
	Phase     PomodoroPhase `json:"phase"`
	Round     int           `json:"round"`
	StartedAt int64         `json:"startedAt"`
	handle    dispatch.Handle
}

// FocusSession is a single timed do-not-disturb block.
type FocusSession struct {
	ID        string `json:"id"`
	UserID    string `json:"userId"`
	StartedAt int64  `json:"startedAt"`
	EndsAt    int64  `json:"endsAt"`
	handle    dispatch.Handle
}

// Simulation is the away-mode presence simulation.
type Simulation struct {
	Active    bool  `json:"active"`
	Actions   int   `json:"actions"`
	StartedAt int64 `json:"startedAt"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the productivity subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	disp *dispatch.Dispatcher
	rng  *rand.Rand

	mu         sync.Mutex
	pomodoros  map[string]*PomodoroSession // userID → session
	focuses    map[string]*FocusSession
	simulation Simulation
	simDevices []device.Ref // lights toggled by the simulation
}

// New creates the productivity subsystem. The rng seed is fixed by the
// caller in tests for reproducible simulation schedules.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host, seed int64) *System {
	l := log.Named("productivity")
	return &System{
		cfg:       cfg,
		log:       l,
		clk:       clk,
		bus:       b,
		host:      host,
		disp:      dispatch.New(clk, l),
		rng:       rand.New(rand.NewSource(seed)),
		pomodoros: make(map[string]*PomodoroSession),
		focuses:   make(map[string]*FocusSession),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "productivity" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	refs, err := s.host.ListDevices(ctx)
	if err == nil {
		s.mu.Lock()
		for _, r := range refs {
			if r.HasCapability(device.CapOnOff) && r.HasCapability(device.CapDim) {
				s.simDevices = append(s.simDevices, r)
			}
		}
		s.mu.Unlock()
	}
	s.FinishInit()
	return nil
}

// Destroy implements runtime.Subsystem. Cancelling the dispatcher stops
// every running pomodoro, focus block, and the simulation.
func (s *System) Destroy() error {
	if !s.BeginDestroy() {
		return nil
	}
	s.disp.Stop()
	s.persist()
	s.FinishDestroy()
	return nil
}

func (s *System) persist() {
	s.mu.Lock()
	raw, err := json.Marshal(map[string]any{"simulation": s.simulation})
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(keyState, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting productivity state failed", zap.Error(err))
	}
}

// ─── Pomodoro ───────────────────────────────────────────────────────────────

// StartPomodoro begins a work phase for the user.
func (s *System) StartPomodoro(userID string) (*PomodoroSession, error) {
	if userID == "" {
		return nil, domain.InvalidArgument("empty user id")
	}
	s.mu.Lock()
	if _, running := s.pomodoros[userID]; running {
		s.mu.Unlock()
		return nil, domain.InvalidArgument("user %q already has a pomodoro running", userID)
	}
	sess := &PomodoroSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Phase:     PomodoroWork,
		Round:     1,
		StartedAt: s.clk.Now().UnixMilli(),
	}
	s.pomodoros[userID] = sess
	s.mu.Unlock()

	s.schedulePomodoroAdvance(userID, s.cfg.PomodoroWork)
	out := *sess
	return &out, nil
}

// schedulePomodoroAdvance arms the phase-end action.
func (s *System) schedulePomodoroAdvance(userID string, in time.Duration) {
	h := s.disp.After(in, "pomodoro:"+userID, func() {
		s.advancePomodoro(userID)
	})
	s.mu.Lock()
	if sess, ok := s.pomodoros[userID]; ok {
		sess.handle = h
	}
	s.mu.Unlock()
}

// advancePomodoro rotates work → break → work …, with a long break after
// each full set of rounds.
func (s *System) advancePomodoro(userID string) {
	s.mu.Lock()
	sess, ok := s.pomodoros[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	var next time.Duration
	switch sess.Phase {
	case PomodoroWork:
		if sess.Round%s.cfg.RoundsPerSet == 0 {
			sess.Phase = PomodoroLongBreak
			next = s.cfg.PomodoroLong
		} else {
			sess.Phase = PomodoroBreak
			next = s.cfg.PomodoroBreak
		}
	default:
		sess.Phase = PomodoroWork
		sess.Round++
		next = s.cfg.PomodoroWork
	}
	phase := sess.Phase
	s.mu.Unlock()

	s.host.Notify(device.Notification{
		Title:    "Pomodoro",
		Message:  "Phase: " + string(phase),
		Priority: string(domain.PriorityLow),
		Category: "productivity",
	})
	s.schedulePomodoroAdvance(userID, next)
}

// StopPomodoro ends the user's session.
func (s *System) StopPomodoro(userID string) error {
	s.mu.Lock()
	sess, ok := s.pomodoros[userID]
	if ok {
		delete(s.pomodoros, userID)
	}
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("pomodoro for user", userID)
	}
	s.disp.Cancel(sess.handle)
	s.disp.CancelGroup("pomodoro:" + userID)
	return nil
}

// Pomodoro returns a copy of the user's running session.
func (s *System) Pomodoro(userID string) (PomodoroSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.pomodoros[userID]
	if !ok {
		return PomodoroSession{}, domain.NotFound("pomodoro for user", userID)
	}
	return *sess, nil
}

// ─── Focus ──────────────────────────────────────────────────────────────────

// StartFocus begins a timed focus block that ends itself.
func (s *System) StartFocus(userID string, d time.Duration) (*FocusSession, error) {
	if d <= 0 {
		return nil, domain.InvalidArgument("focus duration %v", d)
	}
	s.mu.Lock()
	if _, running := s.focuses[userID]; running {
		s.mu.Unlock()
		return nil, domain.InvalidArgument("user %q already in focus", userID)
	}
	now := s.clk.Now()
	sess := &FocusSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		StartedAt: now.UnixMilli(),
		EndsAt:    now.Add(d).UnixMilli(),
	}
	s.focuses[userID] = sess
	s.mu.Unlock()

	h := s.disp.After(d, "focus:"+userID, func() {
		s.endFocus(userID, "timer")
	})
	s.mu.Lock()
	sess.handle = h
	s.mu.Unlock()
	out := *sess
	return &out, nil
}

// StopFocus ends the block early.
func (s *System) StopFocus(userID string) error {
	s.mu.Lock()
	sess, ok := s.focuses[userID]
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("focus for user", userID)
	}
	s.disp.Cancel(sess.handle)
	s.endFocus(userID, "user")
	return nil
}

func (s *System) endFocus(userID, trigger string) {
	s.mu.Lock()
	_, ok := s.focuses[userID]
	if ok {
		delete(s.focuses, userID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	s.host.Notify(device.Notification{
		Title:    "Focus ended",
		Message:  "Focus block finished (" + trigger + ")",
		Priority: string(domain.PriorityLow),
		Category: "productivity",
	})
}

// InFocus reports whether the user currently has a focus block.
func (s *System) InFocus(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.focuses[userID]
	return ok
}

// ─── Presence Simulation ────────────────────────────────────────────────────

// StartSimulation begins the away-mode light simulation. Each firing
// toggles a random light and re-schedules itself with a random delay in
// [SimIntervalMin, SimIntervalMax] minutes.
func (s *System) StartSimulation() error {
	s.mu.Lock()
	if s.simulation.Active {
		s.mu.Unlock()
		return domain.InvalidArgument("simulation already active")
	}
	s.simulation = Simulation{Active: true, StartedAt: s.clk.Now().UnixMilli()}
	s.mu.Unlock()

	s.scheduleSimStep()
	return nil
}

// StopSimulation halts the simulation and discards its pending step.
func (s *System) StopSimulation() {
	s.mu.Lock()
	s.simulation.Active = false
	s.mu.Unlock()
	s.disp.CancelGroup("simulation")
}

// SimulationState returns a snapshot.
func (s *System) SimulationState() Simulation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.simulation
}

func (s *System) scheduleSimStep() {
	s.mu.Lock()
	span := s.cfg.SimIntervalMax - s.cfg.SimIntervalMin
	delay := time.Duration(s.cfg.SimIntervalMin) * time.Minute
	if span > 0 {
		delay += time.Duration(s.rng.Intn(span+1)) * time.Minute
	}
	s.mu.Unlock()

	s.disp.After(delay, "simulation", func() {
		s.simStep()
	})
}

// simStep toggles one random simulated light, then re-arms.
func (s *System) simStep() {
	s.mu.Lock()
	if !s.simulation.Active {
		s.mu.Unlock()
		return
	}
	s.simulation.Actions++
	var target device.Ref
	if len(s.simDevices) > 0 {
		target = s.simDevices[s.rng.Intn(len(s.simDevices))]
	}
	s.mu.Unlock()

	if target != nil {
		on, err := device.GetBool(target, device.CapOnOff)
		if err == nil {
			if err := target.SetCapability(device.CapOnOff, !on); err != nil {
				s.log.Debug("simulation toggle failed", zap.String("device", target.ID()), zap.Error(err))
			}
		}
	}
	s.scheduleSimStep()
}
