// Package security implements the arming state machine, the intrusion
// detection pipeline, and the three-stage alarm escalation.
//
// Mode transitions are user-initiated or geofence-triggered and always
// write an audit entry {from, to, trigger}. Intrusions start camera
// recording, append to the timeline, and either alert silently (duress /
// silent alarm) or notify critically and start an escalation.
package security

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
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
	keySettings   = "securitySettings"
	keyAuditTrail = "securityAuditTrail"
	keyDuress     = "duressCodes"
)

const (
	auditCapacity   = 1000
	auditPersistCap = 500
	timelineCap     = 500
	lowBatteryPct   = 15.0
)

// ─── Configuration ──────────────────────────────────────────────────────────

// GeofenceConfig controls automatic arming by user location.
type GeofenceConfig struct {
	HomeLat            float64 `json:"homeLat"`
	HomeLon            float64 `json:"homeLon"`
	RadiusM            float64 `json:"radiusM"`
	AutoArmOnLeave     bool    `json:"autoArmOnLeave"`
	AutoDisarmOnArrive bool    `json:"autoDisarmOnArrive"`
	// RequireKnownLocation demands at least one recorded location before
	// "all users away" can hold. Without it an empty user set counts as
	// away, which arms an empty house on boot.
	RequireKnownLocation bool `json:"requireKnownLocation"`
}

// EscalationConfig holds the three stage delays.
type EscalationConfig struct {
	WarningDelay time.Duration `json:"warningDelay"`
	SirenDelay   time.Duration `json:"sirenDelay"`
	PoliceDelay  time.Duration `json:"policeDelay"`
}

// Config configures the security subsystem.
type Config struct {
	Geofence            GeofenceConfig   `json:"geofenceConfig"`
	SilentAlarmContacts []string         `json:"silentAlarmContacts"`
	Escalation          EscalationConfig `json:"escalationConfig"`

	MonitorCadence      time.Duration `json:"-"`
	SensorHealthCadence time.Duration `json:"-"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Geofence: GeofenceConfig{
			RadiusM:              200,
			RequireKnownLocation: true,
		},
		Escalation: EscalationConfig{
			WarningDelay: 30 * time.Second,
			SirenDelay:   60 * time.Second,
			PoliceDelay:  180 * time.Second,
		},
		MonitorCadence:      10 * time.Second,
		SensorHealthCadence: 300 * time.Second,
	}
}

// ─── Domain Types ───────────────────────────────────────────────────────────

// Zone is a named security zone holding device ids.
type Zone struct {
	ID      string          `json:"id"`
	Name    string          `json:"name"`
	Armed   bool            `json:"armed"`
	Devices map[string]bool `json:"devices"`
}

// Camera tracks per-camera recording state in a side table; device objects
// themselves are never mutated beyond their capabilities.
type Camera struct {
	DeviceID  string `json:"deviceId"`
	Recording bool   `json:"recording"`
}

// DuressCode is an access code that unlocks normally but raises a silent
// alarm instead of an audible escalation.
type DuressCode struct {
	Code        string `json:"code"`
	SilentAlert bool   `json:"silentAlert"`
	Description string `json:"description,omitempty"`
}

// UserLocation is the last reported position of a household member.
type UserLocation struct {
	UserID string  `json:"userId"`
	Lat    float64 `json:"lat"`
	Lon    float64 `json:"lon"`
}

// AuditEntry records every security-relevant state change.
// Timestamps are integer milliseconds since the Unix epoch.
type AuditEntry struct {
	At      int64               `json:"at"`
	Action  string              `json:"action"`
	From    domain.SecurityMode `json:"from,omitempty"`
	To      domain.SecurityMode `json:"to,omitempty"`
	Trigger string              `json:"trigger,omitempty"`
	EventID string              `json:"eventId,omitempty"`
	Stage   string              `json:"stage,omitempty"`
	Detail  string              `json:"detail,omitempty"`
}

// TimelineEntry records observable events with optional camera evidence.
type TimelineEntry struct {
	At       int64    `json:"at"`
	Category string   `json:"category"`
	DeviceID string   `json:"deviceId,omitempty"`
	Zone     string   `json:"zone,omitempty"`
	Detail   string   `json:"detail,omitempty"`
	Evidence []string `json:"evidence,omitempty"` // camera device ids
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the security subsystem.
type System struct {
	runtime.Lifecycle

	cfg  Config
	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	sched *scheduler.Scheduler
	disp  *dispatch.Dispatcher
	subs  []*bus.Subscription

	mu          sync.Mutex
	mode        domain.SecurityMode
	zones       map[string]*Zone
	cameras     map[string]*Camera
	sirens      []device.Ref
	motion      []device.Ref
	contact     []device.Ref
	lastAlarm   map[string]bool // deviceID → last observed alarm value
	unreachable map[string]bool // deviceID → failed read this cycle
	duress      map[string]DuressCode
	users       map[string]UserLocation
	silentAlarm bool
	escalations map[string]*Escalation

	audit    *logring.Ring[AuditEntry]
	timeline *logring.Ring[TimelineEntry]
}

// New creates the security subsystem. Wire it into the runner before use.
func New(cfg Config, clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	l := log.Named("security")
	s := &System{
		cfg:         cfg,
		log:         l,
		clk:         clk,
		bus:         b,
		host:        host,
		sched:       scheduler.New(clk, l),
		disp:        dispatch.New(clk, l),
		mode:        domain.ModeDisarmed,
		zones:       make(map[string]*Zone),
		cameras:     make(map[string]*Camera),
		lastAlarm:   make(map[string]bool),
		unreachable: make(map[string]bool),
		duress:      make(map[string]DuressCode),
		users:       make(map[string]UserLocation),
		escalations: make(map[string]*Escalation),
	}
	s.audit = logring.New[AuditEntry](auditCapacity).
		WithPersistence(auditPersistCap, func(raw []byte) error {
			return host.SettingsSet(keyAuditTrail, raw)
		})
	s.timeline = logring.New[TimelineEntry](timelineCap)
	return s
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "security" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if err := s.loadSettings(); err != nil {
		// Persistence failures are non-fatal: defaults carry the boot.
		s.log.Warn("loading persisted settings failed", zap.Error(err))
	}
	if err := s.discover(ctx); err != nil {
		return fmt.Errorf("device discovery: %w", err)
	}

	if err := s.sched.Register("security-monitor", s.cfg.MonitorCadence, s.monitorTick); err != nil {
		return err
	}
	if err := s.sched.Register("sensor-health", s.cfg.SensorHealthCadence, s.sensorHealthTick); err != nil {
		return err
	}
	s.sched.Start(ctx)

	s.subs = append(s.subs, s.bus.Subscribe(domain.TopicTamper, s.onTamper))

	s.FinishInit()
	s.log.Info("security subsystem running",
		zap.Int("zones", len(s.zones)),
		zap.Int("cameras", len(s.cameras)))
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
	if err := s.audit.Persist(); err != nil {
		s.log.Warn("audit trail flush failed", zap.Error(err))
	}
	s.FinishDestroy()
	return nil
}

// ─── Init Helpers ───────────────────────────────────────────────────────────

type persistedSettings struct {
	Geofence            GeofenceConfig   `json:"geofenceConfig"`
	SilentAlarmContacts []string         `json:"silentAlarmContacts"`
	Escalation          EscalationConfig `json:"escalationConfig"`
}

func (s *System) loadSettings() error {
	raw, err := s.host.SettingsGet(keySettings)
	if err != nil {
		return err
	}
	if raw == nil {
		// Seed defaults only when the persisted key is empty.
		seed, _ := json.Marshal(persistedSettings{
			Geofence:            s.cfg.Geofence,
			SilentAlarmContacts: s.cfg.SilentAlarmContacts,
			Escalation:          s.cfg.Escalation,
		})
		if err := s.host.SettingsSet(keySettings, seed); err != nil {
			metrics.SettingsWriteErrors.Inc()
			return err
		}
	} else {
		var ps persistedSettings
		if err := json.Unmarshal(raw, &ps); err != nil {
			return err
		}
		s.cfg.Geofence = ps.Geofence
		s.cfg.SilentAlarmContacts = ps.SilentAlarmContacts
		if ps.Escalation.WarningDelay > 0 {
			s.cfg.Escalation = ps.Escalation
		}
	}

	if raw, err := s.host.SettingsGet(keyAuditTrail); err == nil {
		if err := s.audit.RestoreJSON(raw); err != nil {
			s.log.Warn("audit trail restore failed", zap.Error(err))
		}
	}
	if raw, err := s.host.SettingsGet(keyDuress); err == nil && raw != nil {
		var codes map[string]DuressCode
		if err := json.Unmarshal(raw, &codes); err == nil {
			s.mu.Lock()
			s.duress = codes
			s.mu.Unlock()
		}
	}
	return nil
}

// discover classifies devices into the subsystem's tables.
func (s *System) discover(ctx context.Context) error {
	refs, err := s.host.ListDevices(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range refs {
		zone := s.ensureZone(r.Zone())
		switch {
		case device.IsCamera(r):
			s.cameras[r.ID()] = &Camera{DeviceID: r.ID()}
			zone.Devices[r.ID()] = true
		case device.IsMotionSensor(r):
			s.motion = append(s.motion, r)
			zone.Devices[r.ID()] = true
		case device.IsContactSensor(r):
			s.contact = append(s.contact, r)
			zone.Devices[r.ID()] = true
		}
		if device.IsSiren(r) {
			s.sirens = append(s.sirens, r)
		}
	}
	return nil
}

// ensureZone returns the zone record, creating it armed=false. Caller
// holds s.mu. Every device reference therefore points at an existing zone.
func (s *System) ensureZone(name string) *Zone {
	if name == "" {
		name = "default"
	}
	z, ok := s.zones[name]
	if !ok {
		z = &Zone{ID: name, Name: name, Devices: make(map[string]bool)}
		s.zones[name] = z
	}
	return z
}

// ─── Commands ───────────────────────────────────────────────────────────────

// CurrentMode implements domain.SecurityOps.
func (s *System) CurrentMode() domain.SecurityMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// SetMode transitions the arming mode. Every transition is audited with
// its trigger; disarming cancels all active escalations.
func (s *System) SetMode(mode domain.SecurityMode, trigger string) error {
	if !mode.Valid() {
		return domain.InvalidArgument("security mode %q", mode)
	}
	s.mu.Lock()
	from := s.mode
	if from == mode {
		s.mu.Unlock()
		return nil
	}
	s.mode = mode
	s.mu.Unlock()

	s.appendAudit(AuditEntry{Action: "mode_changed", From: from, To: mode, Trigger: trigger})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicSecurityModeChanged,
		Payload: domain.SecurityModeChanged{From: from, To: mode, Trigger: trigger},
	})

	if mode == domain.ModeDisarmed {
		s.cancelAllEscalations("mode_disarmed")
	}
	return nil
}

// ArmZone toggles a single zone's armed flag.
func (s *System) ArmZone(zoneID string, armed bool) error {
	s.mu.Lock()
	z, ok := s.zones[zoneID]
	if !ok {
		s.mu.Unlock()
		return domain.NotFound("zone", zoneID)
	}
	z.Armed = armed
	s.mu.Unlock()
	s.appendAudit(AuditEntry{Action: "zone_armed", Detail: fmt.Sprintf("%s=%v", zoneID, armed)})
	return nil
}

// SetSilentAlarm toggles silent-alarm handling of intrusions.
func (s *System) SetSilentAlarm(active bool) {
	s.mu.Lock()
	s.silentAlarm = active
	s.mu.Unlock()
}

// AddDuressCode registers (and persists) a duress code.
func (s *System) AddDuressCode(code DuressCode) error {
	if code.Code == "" {
		return domain.InvalidArgument("empty duress code")
	}
	s.mu.Lock()
	s.duress[code.Code] = code
	snapshot := make(map[string]DuressCode, len(s.duress))
	for k, v := range s.duress {
		snapshot[k] = v
	}
	s.mu.Unlock()

	raw, _ := json.Marshal(snapshot)
	if err := s.host.SettingsSet(keyDuress, raw); err != nil {
		metrics.SettingsWriteErrors.Inc()
		s.log.Warn("persisting duress codes failed", zap.Error(err))
	}
	return nil
}

// HandleDuressCode implements domain.DuressOps: called by the lock
// subsystem while validating an unlock. When the code matches, the unlock
// proceeds normally but a silent alert goes out, cameras start recording,
// and no escalation begins. Returns true when the code was a duress code.
func (s *System) HandleDuressCode(code string) bool {
	s.mu.Lock()
	dc, ok := s.duress[code]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.appendAudit(AuditEntry{Action: "duress_code_entered", Detail: dc.Description})
	s.startRecordingAll()
	if dc.SilentAlert {
		s.sendSilentAlert("Duress code entered")
	}
	return true
}

// Timeline returns the most recent timeline entries, newest first.
func (s *System) Timeline(limit int) []TimelineEntry {
	return s.timeline.Query(nil, limit)
}

// AuditTrail returns the most recent audit entries, newest first.
func (s *System) AuditTrail(limit int) []AuditEntry {
	return s.audit.Query(nil, limit)
}

// Cameras returns a snapshot of the camera side table.
func (s *System) Cameras() []Camera {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Camera, 0, len(s.cameras))
	for _, c := range s.cameras {
		out = append(out, *c)
	}
	return out
}

// ─── Monitoring Tick ────────────────────────────────────────────────────────

// monitorTick scans every motion and contact sensor for alarm edges.
func (s *System) monitorTick(ctx context.Context) error {
	s.mu.Lock()
	mode := s.mode
	motion := append([]device.Ref(nil), s.motion...)
	contact := append([]device.Ref(nil), s.contact...)
	s.mu.Unlock()

	if !mode.Armed() {
		// Still track sensor states so rearming starts from reality.
		s.refreshAlarmStates(motion, device.CapMotion)
		s.refreshAlarmStates(contact, device.CapContact)
		return nil
	}

	for _, r := range motion {
		s.checkEdge(r, device.CapMotion, "motion", s.zoneArmed(r.Zone()))
	}
	for _, r := range contact {
		// Door/window sensors also trip in armed_away regardless of zone.
		trip := s.zoneArmed(r.Zone()) || mode == domain.ModeArmedAway
		s.checkEdge(r, device.CapContact, "contact", trip)
	}
	return nil
}

// refreshAlarmStates records current values without intrusion handling.
func (s *System) refreshAlarmStates(refs []device.Ref, capName string) {
	for _, r := range refs {
		v, err := device.GetBool(r, capName)
		if err != nil {
			continue
		}
		s.mu.Lock()
		s.lastAlarm[r.ID()] = v
		s.mu.Unlock()
	}
}

func (s *System) zoneArmed(zone string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if zone == "" {
		zone = "default"
	}
	z, ok := s.zones[zone]
	return ok && z.Armed
}

// checkEdge detects a false→true alarm transition and runs the intrusion
// pipeline when the sensor is armed for it.
func (s *System) checkEdge(r device.Ref, capName, sensor string, armed bool) {
	v, err := device.GetBool(r, capName)
	if err != nil {
		// Transient device failure: mark unreachable for this cycle.
		s.mu.Lock()
		s.unreachable[r.ID()] = true
		s.mu.Unlock()
		s.log.Debug("sensor read failed", zap.String("device", r.ID()), zap.Error(err))
		return
	}
	s.mu.Lock()
	prev := s.lastAlarm[r.ID()]
	s.lastAlarm[r.ID()] = v
	delete(s.unreachable, r.ID())
	s.mu.Unlock()

	if !prev && v && armed {
		s.handleIntrusion(r.ID(), r.Zone(), sensor)
	}
}

// handleIntrusion runs the pipeline: timeline entry with camera evidence,
// recording, then silent alert or critical notification + escalation.
func (s *System) handleIntrusion(deviceID, zone, sensor string) {
	eventID := uuid.NewString()
	metrics.IntrusionsDetected.Inc()

	evidence := s.startRecordingAll()
	s.timeline.Append(TimelineEntry{
		At:       s.clk.Now().UnixMilli(),
		Category: "intrusion",
		DeviceID: deviceID,
		Zone:     zone,
		Detail:   sensor,
		Evidence: evidence,
	})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicIntrusionDetected,
		Payload: domain.IntrusionDetected{EventID: eventID, DeviceID: deviceID, Zone: zone, Sensor: sensor},
	})

	s.mu.Lock()
	silent := s.silentAlarm
	s.mu.Unlock()

	if silent {
		s.sendSilentAlert(fmt.Sprintf("Intrusion (%s) in %s", sensor, zone))
		return
	}
	s.host.Notify(device.Notification{
		Title:    "Intrusion detected",
		Message:  fmt.Sprintf("%s sensor %s triggered in %s", sensor, deviceID, zone),
		Priority: string(domain.PriorityCritical),
		Category: "security",
	})
	s.startEscalation(eventID)
}

// onTamper treats a lock tamper report as an intrusion.
func (s *System) onTamper(ev bus.Event) {
	t, ok := ev.Payload.(domain.Tamper)
	if !ok {
		return
	}
	s.handleIntrusion(t.LockID, "", "tamper:"+t.Type)
}

// startRecordingAll flips every camera's recording flag and returns their
// device ids for evidence linking.
func (s *System) startRecordingAll() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.cameras))
	for _, c := range s.cameras {
		c.Recording = true
		ids = append(ids, c.DeviceID)
	}
	return ids
}

// sendSilentAlert notifies each configured contact without any audible
// response and without starting an escalation.
func (s *System) sendSilentAlert(message string) {
	for _, contact := range s.cfg.SilentAlarmContacts {
		s.host.Notify(device.Notification{
			Title:     "Silent alarm",
			Message:   message,
			Priority:  string(domain.PriorityCritical),
			Category:  "silent_alarm",
			Recipient: contact,
		})
	}
}

// ─── Sensor Health Tick ─────────────────────────────────────────────────────

// sensorHealthTick sweeps sensor batteries and reports weak ones.
func (s *System) sensorHealthTick(ctx context.Context) error {
	s.mu.Lock()
	refs := append(append([]device.Ref(nil), s.motion...), s.contact...)
	s.mu.Unlock()

	for _, r := range refs {
		if !r.HasCapability(device.CapBattery) {
			continue
		}
		pct, err := device.GetFloat(r, device.CapBattery)
		if err != nil {
			continue
		}
		if pct < lowBatteryPct {
			s.bus.Publish(bus.Event{
				Topic:   domain.TopicBatteryLow,
				Payload: domain.BatteryLow{DeviceID: r.ID(), Level: pct},
			})
			s.host.Notify(device.Notification{
				Title:    "Sensor battery low",
				Message:  fmt.Sprintf("%s at %.0f%%", r.Name(), pct),
				Priority: string(domain.PriorityHigh),
				Category: "security",
			})
		}
	}
	return nil
}

// ─── Geofence ───────────────────────────────────────────────────────────────

// SetUserLocation records a user position and evaluates the geofence rules.
func (s *System) SetUserLocation(userID string, lat, lon float64) {
	s.mu.Lock()
	s.users[userID] = UserLocation{UserID: userID, Lat: lat, Lon: lon}
	s.mu.Unlock()
	s.evaluateGeofence()
}

func (s *System) evaluateGeofence() {
	gf := s.cfg.Geofence
	if gf.RadiusM <= 0 {
		return
	}
	s.mu.Lock()
	users := make([]UserLocation, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	mode := s.mode
	s.mu.Unlock()

	anyHome := false
	allAway := true
	for _, u := range users {
		if haversineM(gf.HomeLat, gf.HomeLon, u.Lat, u.Lon) <= gf.RadiusM {
			anyHome = true
			allAway = false
		}
	}
	if len(users) == 0 && gf.RequireKnownLocation {
		// No recorded locations: refuse to treat the house as empty.
		allAway = false
	}

	if gf.AutoArmOnLeave && allAway && mode == domain.ModeDisarmed {
		_ = s.SetMode(domain.ModeArmedAway, "geofence_auto_arm")
	}
	if gf.AutoDisarmOnArrive && anyHome && mode.Armed() {
		_ = s.SetMode(domain.ModeDisarmed, "geofence_auto_disarm")
	}
}

// ─── Audit ──────────────────────────────────────────────────────────────────

func (s *System) appendAudit(e AuditEntry) {
	e.At = s.clk.Now().UnixMilli()
	s.audit.Append(e)
	if err := s.audit.Persist(); err != nil {
		s.log.Warn("audit persistence failed", zap.Error(err))
	}
}
