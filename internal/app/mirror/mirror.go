// Package mirror implements the smart-mirror dashboard backend: presence
// detection wakes the display, widgets refresh on their own cadences, and
// ambient mode dims the mirror when nobody is near. Content rendering is
// the display's concern; this subsystem only maintains the data.
package mirror

import (
	"context"
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
	// idleAfter dims the mirror when no presence was seen this long.
	idleAfter = 2 * time.Minute
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Cadences groups the mirror's periodic intervals.
type Cadences struct {
	Presence      time.Duration
	Widget        time.Duration
	Content       time.Duration
	Ambient       time.Duration
	Notifications time.Duration
	Transit       time.Duration
	Weather       time.Duration
	HealthRemind  time.Duration
	Maintenance   time.Duration
	Photo         time.Duration
	Analytics     time.Duration
}

// Config configures the mirror subsystem.
type Config struct {
	Cadences Cadences
	Zone     string // the zone whose motion sensor wakes the mirror
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Cadences: Cadences{
			Presence:      5 * time.Second,
			Widget:        10 * time.Second,
			Content:       60 * time.Second,
			Ambient:       30 * time.Second,
			Notifications: 5 * time.Second,
			Transit:       120 * time.Second,
			Weather:       600 * time.Second,
			HealthRemind:  60 * time.Second,
			Maintenance:   3600 * time.Second,
			Photo:         15 * time.Second,
			Analytics:     300 * time.Second,
		},
		Zone: "hallway",
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Widget is one dashboard tile's data state.
type Widget struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"` // "clock", "weather", "transit", ...
	Refreshes int    `json:"refreshes"`
	UpdatedAt int64  `json:"updatedAt"`
}

// State is the mirror's display state.
type State struct {
	Awake        bool  `json:"awake"`
	AmbientMode  bool  `json:"ambientMode"`
	LastPresence int64 `json:"lastPresence"`
	PhotoIndex   int   `json:"photoIndex"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the mirror subsystem.
type System struct {
	runtime.Lifecycle

	cfg      Config
	log      *zap.Logger
	clk      clock.Clock
	bus      *bus.Bus
	host     device.Host
	security domain.SecurityOps // shown as a status widget; may be nil

	sched *scheduler.Scheduler

	mu      sync.Mutex
	state   State
	widgets map[string]*Widget
	sensors []device.Ref
}

// New creates the mirror subsystem. security may be nil.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host, security domain.SecurityOps) *System {
	l := log.Named("mirror")
	return &System{
		cfg:      cfg,
		log:      l,
		clk:      clk,
		bus:      b,
		host:     host,
		security: security,
		sched:    scheduler.New(clk, l),
		widgets:  make(map[string]*Widget),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "mirror" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	refs, err := s.host.ListDevices(ctx)
	if err == nil {
		s.mu.Lock()
		for _, r := range refs {
			if device.IsMotionSensor(r) && r.Zone() == s.cfg.Zone {
				s.sensors = append(s.sensors, r)
			}
		}
		s.mu.Unlock()
	}

	for _, kind := range []string{"clock", "weather", "transit", "security", "photos"} {
		s.widgets[kind] = &Widget{ID: kind, Kind: kind}
	}

	c := s.cfg.Cadences
	tasks := []struct {
		name    string
		cadence time.Duration
		fn      scheduler.TaskFunc
	}{
		{"presence", c.Presence, s.presenceTick},
		{"widget", c.Widget, s.widgetTick},
		{"content", c.Content, s.contentTick},
		{"ambient", c.Ambient, s.ambientTick},
		{"notifications", c.Notifications, s.noopTick},
		{"transit", c.Transit, s.refreshWidget("transit")},
		{"weather", c.Weather, s.refreshWidget("weather")},
		{"health-reminder", c.HealthRemind, s.noopTick},
		{"maintenance", c.Maintenance, s.noopTick},
		{"photo", c.Photo, s.photoTick},
		{"analytics", c.Analytics, s.noopTick},
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
	s.FinishDestroy()
	return nil
}

// ─── Ticks ──────────────────────────────────────────────────────────────────

// presenceTick wakes the mirror when the hallway motion sensor trips.
func (s *System) presenceTick(ctx context.Context) error {
	s.mu.Lock()
	sensors := append([]device.Ref(nil), s.sensors...)
	s.mu.Unlock()

	present := false
	for _, r := range sensors {
		if v, err := device.GetBool(r, device.CapMotion); err == nil && v {
			present = true
			break
		}
	}
	if !present {
		return nil
	}
	s.mu.Lock()
	s.state.Awake = true
	s.state.AmbientMode = false
	s.state.LastPresence = s.clk.Now().UnixMilli()
	s.mu.Unlock()
	return nil
}

// ambientTick dims the mirror after the idle window.
func (s *System) ambientTick(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	s.mu.Lock()
	if s.state.Awake && now-s.state.LastPresence > idleAfter.Milliseconds() {
		s.state.Awake = false
		s.state.AmbientMode = true
	}
	s.mu.Unlock()
	return nil
}

// widgetTick refreshes the fast widgets (clock, security status).
func (s *System) widgetTick(ctx context.Context) error {
	s.bump("clock")
	if s.security != nil {
		s.bump("security")
	}
	return nil
}

// contentTick refreshes the slow content rotation.
func (s *System) contentTick(ctx context.Context) error {
	s.bump("photos")
	return nil
}

// photoTick advances the slideshow while awake.
func (s *System) photoTick(ctx context.Context) error {
	s.mu.Lock()
	if s.state.Awake {
		s.state.PhotoIndex++
	}
	s.mu.Unlock()
	return nil
}

// refreshWidget returns a tick that bumps one widget.
func (s *System) refreshWidget(kind string) scheduler.TaskFunc {
	return func(ctx context.Context) error {
		s.bump(kind)
		return nil
	}
}

// noopTick exists for cadences whose payload lives display-side.
func (s *System) noopTick(ctx context.Context) error { return nil }

func (s *System) bump(kind string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.widgets[kind]; ok {
		w.Refreshes++
		w.UpdatedAt = s.clk.Now().UnixMilli()
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

// DisplayState returns the mirror state.
func (s *System) DisplayState() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// WidgetSnapshot returns a copy of one widget's state.
func (s *System) WidgetSnapshot(kind string) (Widget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.widgets[kind]
	if !ok {
		return Widget{}, domain.NotFound("widget", kind)
	}
	return *w, nil
}

// SecurityMode returns the arming state shown on the security widget.
// Empty when no security subsystem is wired.
func (s *System) SecurityMode() domain.SecurityMode {
	if s.security == nil {
		return ""
	}
	return s.security.CurrentMode()
}
