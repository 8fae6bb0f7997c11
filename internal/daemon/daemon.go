package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/api"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/analytics"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/hub"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/hvac"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/locks"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/mirror"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/packages"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/productivity"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/security"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/sleep"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/solar"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/water"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/health"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/logging"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/sqlite"
)

// Daemon is the homehub runtime. It owns the shared core (clock, bus,
// settings store, device host) and wires every subsystem through the
// composition root: subsystems depend only on the narrow interfaces, never
// on each other's concrete types.
type Daemon struct {
	Config Config
	Log    *zap.Logger
	Clock  clock.Clock
	Bus    *bus.Bus
	DB     *sqlite.DB
	Host   device.Host
	Runner *runtime.Runner
	Server *api.Server
	Health *health.Checker

	Security     *security.System
	Locks        *locks.System
	HVAC         *hvac.System
	Solar        *solar.System
	Water        *water.System
	Analytics    *analytics.System
	Sleep        *sleep.System
	Productivity *productivity.System
	Packages     *packages.System
	Mirror       *mirror.System
	Hub          *hub.System

	cancel context.CancelFunc
}

// New creates and wires a Daemon from the loaded configuration.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return NewWithConfig(cfg)
}

// NewWithConfig creates a Daemon with the given configuration.
func NewWithConfig(cfg Config) (*Daemon, error) {
	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dir := cfg.Storage.Dir
	if dir == "" {
		dir = Home()
	}
	db, err := sqlite.Open(dir)
	if err != nil {
		return nil, fmt.Errorf("open settings store: %w", err)
	}

	clk := clock.New()
	b := bus.New(clk, log)

	// The production host persists through sqlite; device discovery and
	// notification delivery stay in-process until a hardware bridge is
	// configured.
	host := device.NewSimHost(log, db)

	d := &Daemon{
		Config: cfg,
		Log:    log,
		Clock:  clk,
		Bus:    b,
		DB:     db,
		Host:   host,
		Runner: runtime.NewRunner(),
	}

	// ─── Subsystems ────────────────────────────────────────────────────

	secCfg := security.DefaultConfig()
	secCfg.SilentAlarmContacts = cfg.Security.SilentAlarmContacts
	secCfg.Geofence.RadiusM = cfg.Security.GeofenceRadiusM
	secCfg.Geofence.AutoArmOnLeave = cfg.Security.AutoArmOnLeave
	secCfg.Geofence.AutoDisarmOnArrive = cfg.Security.AutoDisarmOnArrive
	d.Security = security.New(secCfg, clk, log, b, host)

	lockCfg := locks.DefaultConfig()
	lockCfg.Settings.AutoLockEnabled = cfg.Locks.AutoLockEnabled
	if cfg.Locks.AutoLockDelayMs > 0 {
		lockCfg.Settings.AutoLockDelayMs = cfg.Locks.AutoLockDelayMs
	}
	d.Locks = locks.New(lockCfg, clk, log, b, host, d.Security)

	d.HVAC = hvac.New(hvac.DefaultConfig(), clk, log, b, host)
	d.Solar = solar.New(solar.DefaultConfig(), clk, log, b, host)
	d.Water = water.New(water.DefaultConfig(), clk, log, b, host)
	d.Analytics = analytics.New(analytics.DefaultConfig(), clk, log, b, host)
	d.Sleep = sleep.New(sleep.DefaultConfig(), clk, log, b, host)
	d.Productivity = productivity.New(productivity.DefaultConfig(), clk, log, b, host, clk.Now().UnixNano())
	d.Packages = packages.New(packages.DefaultConfig(), clk, log, b, host)
	d.Mirror = mirror.New(mirror.DefaultConfig(), clk, log, b, host, d.Security)
	d.Hub = hub.New(clk, log, b, host)

	for _, sub := range []runtime.Subsystem{
		d.Security, d.Locks, d.HVAC, d.Solar, d.Water, d.Analytics,
		d.Sleep, d.Productivity, d.Packages, d.Mirror, d.Hub,
	} {
		d.Runner.Add(sub)
	}

	d.Health = health.NewChecker(db, b, clk)

	d.Server = api.NewServer(d.Runner, d.Health, d.Security, d.Locks, d.Hub)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	return d, nil
}

// Serve initializes every subsystem, starts the HTTP server, and blocks
// until shutdown.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if err := d.Runner.InitAll(ctx); err != nil {
		// Symmetric cleanup for whatever did come up.
		d.Runner.DestroyAll()
		return err
	}
	go d.Health.Run(ctx)

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      d.Server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
		case <-ctx.Done():
		}
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Log.Info("homehub serving",
		zap.String("addr", addr),
		zap.Bool("metrics", d.Config.Telemetry.Prometheus))

	err := httpServer.ListenAndServe()
	d.Close()
	if err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Close tears down every subsystem and shared resource. Idempotent.
func (d *Daemon) Close() {
	if d.cancel != nil {
		d.cancel()
	}
	for _, err := range d.Runner.DestroyAll() {
		d.Log.Warn("subsystem teardown", zap.Error(err))
	}
	d.Bus.Close()
	if d.DB != nil {
		_ = d.DB.Close()
	}
	_ = d.Log.Sync()
}
