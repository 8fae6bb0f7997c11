// Package packages implements delivery tracking: carrier registry,
// status transitions, arrival notifications, and a periodic sweep for
// overdue estimates.
package packages

import (
	"context"
	"encoding/json"
	"fmt"
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

const keyPackages = "trackedPackages"

// ─── Domain Types ───────────────────────────────────────────────────────────

// Status is a package's delivery state.
type Status string

const (
	StatusPending        Status = "pending"
	StatusInTransit      Status = "in_transit"
	StatusOutForDelivery Status = "out_for_delivery"
	StatusDelivered      Status = "delivered"
	StatusFailed         Status = "failed"
	StatusReturned       Status = "returned"
	StatusRescheduled    Status = "rescheduled"
)

// Valid reports whether s is a defined status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInTransit, StatusOutForDelivery, StatusDelivered,
		StatusFailed, StatusReturned, StatusRescheduled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are expected.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusReturned
}

// Package is one tracked shipment.
type Package struct {
	TrackingNumber    string `json:"trackingNumber"`
	Carrier           string `json:"carrier"`
	Description       string `json:"description,omitempty"`
	Status            Status `json:"status"`
	EstimatedDelivery int64  `json:"estimatedDelivery,omitempty"` // unix ms
	ActualDelivery    int64  `json:"actualDelivery,omitempty"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// Config configures the package subsystem.
type Config struct {
	SweepCadence time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{SweepCadence: 3600 * time.Second}
}

// System is the package-delivery subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler

	mu       sync.Mutex
	packages map[string]*Package
}

// New creates the package subsystem.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("packages")
	return &System{
		cfg:      cfg,
		log:      l,
		clk:      clk,
		bus:      b,
		host:     host,
		sched:    scheduler.New(clk, l),
		packages: make(map[string]*Package),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "packages" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if raw, err := s.host.SettingsGet(keyPackages); err == nil && raw != nil {
		var pkgs map[string]*Package
		if err := json.Unmarshal(raw, &pkgs); err == nil {
			s.mu.Lock()
			s.packages = pkgs
			s.mu.Unlock()
		}
	}
	if err := s.sched.Register("overdue-sweep", s.cfg.SweepCadence, s.sweepTick); err != nil {
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
	s.persist()
	s.FinishDestroy()
	return nil
}

func (s *System) persist() {
	s.mu.Lock()
	raw, err := json.Marshal(s.packages)
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(keyPackages, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting packages failed", zap.Error(err))
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// Track registers a shipment.
func (s *System) Track(p Package) error {
	if p.TrackingNumber == "" {
		return domain.InvalidArgument("empty tracking number")
	}
	if p.Status == "" {
		p.Status = StatusPending
	}
	if !p.Status.Valid() {
		return domain.InvalidArgument("package status %q", p.Status)
	}
	s.mu.Lock()
	s.packages[p.TrackingNumber] = &p
	s.mu.Unlock()
	s.persist()
	return nil
}

// UpdateStatus transitions a shipment and notifies on arrival.
func (s *System) UpdateStatus(trackingNumber string, status Status) error {
	if !status.Valid() {
		return domain.InvalidArgument("package status %q", status)
	}
	s.mu.Lock()
	p, ok := s.packages[trackingNumber]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("package", trackingNumber)
	}
	p.Status = status
	delivered := status == StatusDelivered
	if delivered {
		p.ActualDelivery = s.clk.Now().UnixMilli()
	}
	carrier := p.Carrier
	s.mu.Unlock()
	s.persist()

	if delivered {
		s.bus.Publish(bus.Event{
			Topic:   domain.TopicPackageDelivered,
			Payload: domain.PackageDelivered{TrackingNumber: trackingNumber, Carrier: carrier},
		})
		s.host.Notify(device.Notification{
			Title:    "Package delivered",
			Message:  fmt.Sprintf("%s (%s) has arrived", trackingNumber, carrier),
			Priority: string(domain.PriorityNormal),
			Category: "packages",
		})
	}
	return nil
}

// Get returns a copy of one shipment.
func (s *System) Get(trackingNumber string) (Package, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.packages[trackingNumber]
	if !ok {
		return Package{}, domain.NotFound("package", trackingNumber)
	}
	return *p, nil
}

// Active returns copies of all non-terminal shipments.
func (s *System) Active() []Package {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Package
	for _, p := range s.packages {
		if !p.Status.Terminal() {
			out = append(out, *p)
		}
	}
	return out
}

// ─── Sweep ──────────────────────────────────────────────────────────────────

// sweepTick reminds about shipments past their estimated delivery.
func (s *System) sweepTick(ctx context.Context) error {
	now := s.clk.Now().UnixMilli()
	s.mu.Lock()
	var overdue []Package
	for _, p := range s.packages {
		if p.Status.Terminal() || p.EstimatedDelivery == 0 {
			continue
		}
		if now > p.EstimatedDelivery {
			overdue = append(overdue, *p)
		}
	}
	s.mu.Unlock()

	for _, p := range overdue {
		s.host.Notify(device.Notification{
			Title:    "Package overdue",
			Message:  fmt.Sprintf("%s (%s) is past its estimated delivery", p.TrackingNumber, p.Carrier),
			Priority: string(domain.PriorityLow),
			Category: "packages",
		})
	}
	return nil
}
