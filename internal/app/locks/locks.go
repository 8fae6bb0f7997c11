// Package locks implements the smart-lock subsystem: auto-lock timers,
// the unlock validation chain (access schedules, access codes, temporary
// grants), lock sync groups, tamper detection, and emergency unlock.
//
// The unlock validation order is fixed and short-circuits on the first
// failure: schedule → access code → temporary grant expiry → success.
// Duress codes are checked before regular codes; a duress unlock proceeds
// normally while the security subsystem raises its silent response.
package locks

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
	keySettings        = "lockSettings"
	keyAccessCodes     = "accessCodes"
	keySyncGroups      = "lockSyncGroups"
	keyAccessSchedules = "accessSchedules"
	keyVisitorScheds   = "visitorSchedules"
	keyUsageAnalytics  = "lockUsageAnalytics"
	keyKeyRegistry     = "keyRegistry"
)

const (
	accessLogCap = 1000

	// failedAttemptWindow and failedAttemptLimit define the brute-force
	// tamper rule: >= limit failures on one lock inside the window.
	failedAttemptWindow = 300 * time.Second
	failedAttemptLimit  = 3
)

// ─── Configuration ──────────────────────────────────────────────────────────

// Settings is the persisted lock configuration.
type Settings struct {
	AutoLockEnabled     bool  `json:"autoLockEnabled"`
	AutoLockDelayMs     int64 `json:"autoLockDelay"`
	LockBehindMeEnabled bool  `json:"lockBehindMeEnabled"`
	SyncGroupsEnabled   bool  `json:"syncGroupsEnabled"`
	LowBatteryThreshold int   `json:"lowBatteryThreshold"`
}

// Config configures the lock subsystem.
type Config struct {
	Settings       Settings
	MonitorCadence time.Duration
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Settings: Settings{
			AutoLockEnabled:     true,
			AutoLockDelayMs:     300000,
			LockBehindMeEnabled: true,
			SyncGroupsEnabled:   true,
			LowBatteryThreshold: 20,
		},
		MonitorCadence: 60 * time.Second,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Lock is the in-store mirror of one lock device.
type Lock struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Zone            string `json:"zone"`
	Locked          bool   `json:"locked"`
	LastAccess      int64  `json:"lastAccess"` // unix ms
	AutoLockDelayMs int64   `json:"autoLockDelayMs,omitempty"`
	BatteryPct      float64 `json:"batteryPct"`
	TamperAlerted   bool    `json:"tamperAlerted"`
}

// AccessEntry is one access-log record.
type AccessEntry struct {
	At     int64  `json:"at"`
	LockID string `json:"lockId"`
	UserID string `json:"userId,omitempty"`
	Action string `json:"action"` // unlock | lock | failed_access | emergency_unlock
	Via    string `json:"via,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// UsageAnalytics aggregates access counts per hour-of-day and day-of-week.
type UsageAnalytics struct {
	HourlyUsage [24]int `json:"hourlyUsage"`
	DailyUsage  [7]int  `json:"dailyUsage"`
}

// RegisteredKey is a physical key tracked in the key registry.
type RegisteredKey struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AssignedTo string `json:"assignedTo,omitempty"`
	IssuedAt   int64  `json:"issuedAt"`
	Revoked    bool   `json:"revoked"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the lock subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	// duress is the security subsystem's duress hook; may be nil in
	// isolated deployments.
	duress domain.DuressOps

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	subs  []*bus.Subscription

	mu             sync.Mutex
	settings       Settings
	locks          map[string]*Lock
	devices        map[string]device.Ref
	codes          map[string]*AccessCode
	grants         map[string]*TemporaryGrant // userID → grant
	schedules      map[string]*AccessSchedule // userID → schedule
	visitors       map[string]*VisitorSchedule
	groups         map[string]*SyncGroup
	keys           map[string]*RegisteredKey
	persons        map[string]*Person
	failedAttempts map[string][]int64 // lockID → unix ms of recent failures
	lastTamper     map[string]bool
	analytics      UsageAnalytics

	accessLog *logring.Ring[AccessEntry]
}

// New creates the lock subsystem. duress may be nil.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host, duress domain.DuressOps) *System {
	l := log.Named("locks")
	return &System{
		cfg:            cfg,
		log:            l,
		clk:            clk,
		bus:            b,
		host:           host,
		duress:         duress,
		sched:          scheduler.New(clk, l),
		disp:           dispatch.New(clk, l),
		settings:       cfg.Settings,
		locks:          make(map[string]*Lock),
		devices:        make(map[string]device.Ref),
		codes:          make(map[string]*AccessCode),
		grants:         make(map[string]*TemporaryGrant),
		schedules:      make(map[string]*AccessSchedule),
		visitors:       make(map[string]*VisitorSchedule),
		groups:         make(map[string]*SyncGroup),
		keys:           make(map[string]*RegisteredKey),
		persons:        make(map[string]*Person),
		failedAttempts: make(map[string][]int64),
		lastTamper:     make(map[string]bool),
		accessLog:      logring.New[AccessEntry](accessLogCap),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "locks" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if err := s.loadPersisted(); err != nil {
		s.log.Warn("loading persisted state failed", zap.Error(err))
	}
	if err := s.discover(ctx); err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	if err := s.sched.Register("lock-monitor", s.cfg.MonitorCadence, s.monitorTick); err != nil {
		return err
	}
	s.sched.Start(ctx)

	// Lock-behind-me: arming away locks every door.
	s.subs = append(s.subs, s.bus.Subscribe(domain.TopicSecurityModeChanged, s.onSecurityModeChanged))

	s.FinishInit()
	s.log.Info("lock subsystem running", zap.Int("locks", len(s.locks)))
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
	s.persistAnalytics()
	s.FinishDestroy()
	return nil
}

// ─── Init Helpers ───────────────────────────────────────────────────────────

func (s *System) loadPersisted() error {
	if raw, err := s.host.SettingsGet(keySettings); err != nil {
		return err
	} else if raw == nil {
		seed, _ := json.Marshal(s.cfg.Settings)
		if err := s.host.SettingsSet(keySettings, seed); err != nil {
			metrics.SettingsWriteErrors.Inc()
			return err
		}
	} else if err := json.Unmarshal(raw, &s.settings); err != nil {
		return err
	}

	loadMap(s, keyAccessCodes, &s.codes)
	loadMap(s, keySyncGroups, &s.groups)
	loadMap(s, keyAccessSchedules, &s.schedules)
	loadMap(s, keyVisitorScheds, &s.visitors)
	loadMap(s, keyKeyRegistry, &s.keys)
	s.loadRegistry()

	if raw, err := s.host.SettingsGet(keyUsageAnalytics); err == nil && raw != nil {
		var ua UsageAnalytics
		if err := json.Unmarshal(raw, &ua); err == nil {
			s.analytics = ua
		}
	}
	return nil
}

// loadMap fills a persisted mapping, leaving it empty on first boot.
func loadMap[T any](s *System, key string, dst *map[string]*T) {
	raw, err := s.host.SettingsGet(key)
	if err != nil || raw == nil {
		return
	}
	var m map[string]*T
	if err := json.Unmarshal(raw, &m); err != nil {
		s.log.Warn("corrupt persisted mapping", zap.String("key", key), zap.Error(err))
		return
	}
	*dst = m
}

func (s *System) persistMap(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		return
	}
	if err := s.host.SettingsSet(key, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting failed", zap.String("key", key), zap.Error(err))
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
		if !device.IsLock(r) {
			continue
		}
		locked := true
		if v, err := device.GetBool(r, device.CapLocked); err == nil {
			locked = v
		}
		battery := 100.0
		if r.HasCapability(device.CapBattery) {
			if v, err := device.GetFloat(r, device.CapBattery); err == nil {
				battery = v
			}
		}
		s.locks[r.ID()] = &Lock{
			ID:         r.ID(),
			Name:       r.Name(),
			Zone:       r.Zone(),
			Locked:     locked,
			BatteryPct: battery,
		}
		s.devices[r.ID()] = r
	}
	return nil
}

// ─── Commands ───────────────────────────────────────────────────────────────

// UnlockRequest carries the credentials for an unlock attempt.
type UnlockRequest struct {
	LockID     string
	UserID     string
	AccessCode string
	Via        string // "app", "keypad", "voice"
}

// Unlock validates and performs an unlock. The validation order is fixed;
// the first failure is logged and returned with only its reason tag.
func (s *System) Unlock(req UnlockRequest) error {
	s.mu.Lock()
	lock, ok := s.locks[req.LockID]
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("lock", req.LockID)
	}

	now := s.clk.Now()

	// Duress codes bypass regular validation: the unlock proceeds, the
	// silent response happens on the security side.
	viaDuress := false
	if req.AccessCode != "" && s.duress != nil && s.duress.HandleDuressCode(req.AccessCode) {
		viaDuress = true
	}

	if !viaDuress {
		// 1. Access schedule.
		if req.UserID != "" {
			if err := s.checkSchedule(req.UserID, req.LockID, now); err != nil {
				s.recordFailure(req, err)
				return err
			}
		}
		// 2. Access code.
		if req.AccessCode != "" {
			if err := s.ValidateCode(req.AccessCode, req.LockID); err != nil {
				s.recordFailure(req, err)
				return err
			}
		}
		// 3. Temporary grant expiry.
		if req.UserID != "" {
			if err := s.checkGrantExpiry(req.UserID, now); err != nil {
				s.recordFailure(req, err)
				return err
			}
		}
	}

	// 4. Success path.
	s.applyUnlock(lock, req.UserID, "user", req.Via)
	if viaDuress {
		s.appendAccess(AccessEntry{LockID: req.LockID, UserID: req.UserID, Action: "unlock", Via: "duress"})
	}
	s.propagateSync(req.LockID, false)
	return nil
}

// applyUnlock flips the device and store state and emits the event.
func (s *System) applyUnlock(lock *Lock, userID, trigger, via string) {
	if r, ok := s.deviceFor(lock.ID); ok {
		if err := r.SetCapability(device.CapLocked, false); err != nil {
			s.log.Warn("device unlock write failed", zap.String("lock", lock.ID), zap.Error(err))
		}
	}
	s.mu.Lock()
	lock.Locked = false
	lock.LastAccess = s.clk.Now().UnixMilli()
	s.bumpUsage()
	s.mu.Unlock()

	s.appendAccess(AccessEntry{LockID: lock.ID, UserID: userID, Action: "unlock", Via: via})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicLockUnlocked,
		Payload: domain.LockEvent{LockID: lock.ID, UserID: userID, TriggeredBy: trigger},
	})
}

// Lock locks a single lock.
func (s *System) Lock(lockID, trigger string) error {
	s.mu.Lock()
	lock, ok := s.locks[lockID]
	s.mu.Unlock()
	if !ok {
		return domain.NotFound("lock", lockID)
	}
	s.applyLock(lock, trigger)
	s.propagateSyncLock(lockID)
	return nil
}

func (s *System) applyLock(lock *Lock, trigger string) {
	if r, ok := s.deviceFor(lock.ID); ok {
		if err := r.SetCapability(device.CapLocked, true); err != nil {
			s.log.Warn("device lock write failed", zap.String("lock", lock.ID), zap.Error(err))
		}
	}
	s.mu.Lock()
	lock.Locked = true
	s.mu.Unlock()

	s.appendAccess(AccessEntry{LockID: lock.ID, Action: "lock", Via: trigger})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicLockLocked,
		Payload: domain.LockEvent{LockID: lock.ID, TriggeredBy: trigger},
	})
}

// EmergencyUnlockAll unlocks every lock, collecting per-lock outcomes.
// Never aborts on a single failure.
func (s *System) EmergencyUnlockAll(reason string) (succeeded, failed []string) {
	s.mu.Lock()
	ids := make([]string, 0, len(s.locks))
	for id := range s.locks {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		r, ok := s.deviceFor(id)
		if !ok {
			failed = append(failed, id)
			continue
		}
		err := r.SetCapability(device.CapLocked, false)
		if err != nil {
			// Some locks expose onoff instead of locked.
			err = r.SetCapability(device.CapOnOff, true)
		}
		if err != nil {
			failed = append(failed, id)
			continue
		}
		s.mu.Lock()
		if lock, ok := s.locks[id]; ok {
			lock.Locked = false
			lock.LastAccess = s.clk.Now().UnixMilli()
		}
		s.mu.Unlock()
		succeeded = append(succeeded, id)
	}

	s.appendAccess(AccessEntry{LockID: "ALL", Action: "emergency_unlock", Reason: reason})
	s.log.Warn("emergency unlock",
		zap.Int("succeeded", len(succeeded)),
		zap.Int("failed", len(failed)),
		zap.String("reason", reason))
	return succeeded, failed
}

// LockedCount implements domain.LockOps.
func (s *System) LockedCount() (locked, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.locks {
		total++
		if l.Locked {
			locked++
		}
	}
	return locked, total
}

// Locks returns a snapshot of all lock entities.
func (s *System) Locks() []Lock {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Lock, 0, len(s.locks))
	for _, l := range s.locks {
		out = append(out, *l)
	}
	return out
}

// AccessLog returns the most recent access entries, newest first.
func (s *System) AccessLog(limit int) []AccessEntry {
	return s.accessLog.Query(nil, limit)
}

// Analytics returns the usage aggregation.
func (s *System) Analytics() UsageAnalytics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analytics
}

// ─── Monitoring Tick ────────────────────────────────────────────────────────

// monitorTick drives auto-lock, tamper polling, battery checks, and the
// temporary-grant / access-code expiry sweeps.
func (s *System) monitorTick(ctx context.Context) error {
	now := s.clk.Now()
	s.autoLockSweep(now)
	s.tamperSweep()
	s.batterySweep()
	s.expirySweep(now)
	return nil
}

// autoLockSweep locks every unlocked lock whose idle time exceeds its
// delay (per-lock override or the global default).
func (s *System) autoLockSweep(now time.Time) {
	if !s.currentSettings().AutoLockEnabled {
		return
	}
	s.mu.Lock()
	due := make([]*Lock, 0)
	for _, l := range s.locks {
		if l.Locked {
			continue
		}
		delay := l.AutoLockDelayMs
		if delay == 0 {
			delay = s.settings.AutoLockDelayMs
		}
		if now.UnixMilli()-l.LastAccess > delay {
			due = append(due, l)
		}
	}
	s.mu.Unlock()

	for _, l := range due {
		s.applyLock(l, "auto_timer")
	}
}

// tamperSweep polls alarm_tamper and publishes Tamper events on edges.
func (s *System) tamperSweep() {
	s.mu.Lock()
	refs := make([]device.Ref, 0, len(s.devices))
	for _, r := range s.devices {
		refs = append(refs, r)
	}
	s.mu.Unlock()

	for _, r := range refs {
		if !r.HasCapability(device.CapTamperAlarm) {
			continue
		}
		v, err := device.GetBool(r, device.CapTamperAlarm)
		if err != nil {
			continue
		}
		s.mu.Lock()
		prev := s.lastTamper[r.ID()]
		s.lastTamper[r.ID()] = v
		lock := s.locks[r.ID()]
		s.mu.Unlock()

		if v && !prev {
			if lock != nil {
				s.mu.Lock()
				lock.TamperAlerted = true
				s.mu.Unlock()
			}
			s.raiseTamper(r.ID(), "alarm_tamper")
		}
	}
}

// raiseTamper publishes the tamper event and notifies.
func (s *System) raiseTamper(lockID, tamperType string) {
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicTamper,
		Payload: domain.Tamper{LockID: lockID, Type: tamperType},
	})
	s.host.Notify(device.Notification{
		Title:    "Lock tamper detected",
		Message:  fmt.Sprintf("Lock %s: %s", lockID, tamperType),
		Priority: string(domain.PriorityCritical),
		Category: "locks",
	})
}

// batterySweep reports locks under the low-battery threshold.
func (s *System) batterySweep() {
	threshold := float64(s.currentSettings().LowBatteryThreshold)
	s.mu.Lock()
	refs := make([]device.Ref, 0, len(s.devices))
	for _, r := range s.devices {
		refs = append(refs, r)
	}
	s.mu.Unlock()

	for _, r := range refs {
		if !r.HasCapability(device.CapBattery) {
			continue
		}
		pct, err := device.GetFloat(r, device.CapBattery)
		if err != nil {
			continue
		}
		s.mu.Lock()
		if l := s.locks[r.ID()]; l != nil {
			l.BatteryPct = pct
		}
		s.mu.Unlock()
		if pct < threshold {
			s.bus.Publish(bus.Event{
				Topic:   domain.TopicBatteryLow,
				Payload: domain.BatteryLow{DeviceID: r.ID(), Level: pct},
			})
			s.host.Notify(device.Notification{
				Title:    "Lock battery low",
				Message:  fmt.Sprintf("%s at %.0f%%", r.Name(), pct),
				Priority: string(domain.PriorityHigh),
				Category: "locks",
			})
		}
	}
}

// ─── Failure Accounting ─────────────────────────────────────────────────────

// recordFailure logs a denied unlock and applies the brute-force rule:
// three failures on one lock within the window count as tamper.
func (s *System) recordFailure(req UnlockRequest, err error) {
	reason := domain.DeniedReason(err)
	if reason == "" {
		reason = "error"
	}
	metrics.UnlockDenied.WithLabelValues(reason).Inc()
	s.appendAccess(AccessEntry{
		LockID: req.LockID,
		UserID: req.UserID,
		Action: "failed_access",
		Via:    req.Via,
		Reason: reason,
	})
	s.host.Notify(device.Notification{
		Title:    "Unlock denied",
		Message:  fmt.Sprintf("Lock %s: %s", req.LockID, reason),
		Priority: string(domain.PriorityHigh),
		Category: "locks",
	})

	now := s.clk.Now().UnixMilli()
	windowStart := now - failedAttemptWindow.Milliseconds()
	s.mu.Lock()
	recent := s.failedAttempts[req.LockID][:0:0]
	for _, ts := range s.failedAttempts[req.LockID] {
		if ts >= windowStart {
			recent = append(recent, ts)
		}
	}
	recent = append(recent, now)
	s.failedAttempts[req.LockID] = recent
	count := len(recent)
	s.mu.Unlock()

	if count >= failedAttemptLimit {
		s.mu.Lock()
		s.failedAttempts[req.LockID] = nil
		s.mu.Unlock()
		s.raiseTamper(req.LockID, "multiple_failed_attempts")
	}
}

// ─── Events ─────────────────────────────────────────────────────────────────

// onSecurityModeChanged locks everything when arming away, when enabled.
func (s *System) onSecurityModeChanged(ev bus.Event) {
	ch, ok := ev.Payload.(domain.SecurityModeChanged)
	if !ok {
		return
	}
	if ch.To != domain.ModeArmedAway || !s.currentSettings().LockBehindMeEnabled {
		return
	}
	s.mu.Lock()
	unlocked := make([]*Lock, 0)
	for _, l := range s.locks {
		if !l.Locked {
			unlocked = append(unlocked, l)
		}
	}
	s.mu.Unlock()
	for _, l := range unlocked {
		s.applyLock(l, "lock_behind_me")
	}
}

// ─── Internals ──────────────────────────────────────────────────────────────

func (s *System) currentSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

func (s *System) deviceFor(lockID string) (device.Ref, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.devices[lockID]
	return r, ok
}

func (s *System) appendAccess(e AccessEntry) {
	e.At = s.clk.Now().UnixMilli()
	s.accessLog.Append(e)
}

// bumpUsage records one access in the hourly/daily aggregation. Caller
// holds s.mu.
func (s *System) bumpUsage() {
	now := s.clk.Now()
	s.analytics.HourlyUsage[now.Hour()]++
	s.analytics.DailyUsage[int(now.Weekday())]++
}

func (s *System) persistAnalytics() {
	s.mu.Lock()
	ua := s.analytics
	s.mu.Unlock()
	s.persistMap(keyUsageAnalytics, ua)
}
