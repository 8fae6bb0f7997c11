// Package domain holds the types shared across subsystems: event topics and
// payloads, the notification envelope, sentinel errors, and the narrow
// query interfaces subsystems consume from each other.
//
// Cross-subsystem communication goes through the event bus or one of these
// interfaces — never through shared mutable state. Every entity is owned by
// exactly one subsystem's store and referenced elsewhere by id only.
package domain

// ─── Event Topics ───────────────────────────────────────────────────────────
// Topics published on the runtime event bus. Each topic carries exactly one
// payload struct (below); subscribers type-assert on the payload.

const (
	TopicSecurityModeChanged = "security_mode_changed"
	TopicIntrusionDetected   = "intrusion_detected"
	TopicEscalationCancelled = "escalation_cancelled"
	TopicTamper              = "tamper"
	TopicLockUnlocked        = "lock_unlocked"
	TopicLockLocked          = "lock_locked"
	TopicLeakDetected        = "leak_detected"
	TopicLeakResolved        = "leak_resolved"
	TopicZoneDeviation       = "zone_deviation"
	TopicSetbackActivated    = "setback_activated"
	TopicComfortResumed      = "comfort_resumed"
	TopicBatteryLow          = "battery_low"
	TopicAnomalyDetected     = "anomaly_detected"
	TopicPackageDelivered    = "package_delivered"
	TopicSleepEnded          = "sleep_ended"
	TopicWebhookReceived     = "webhook_received"
)

// ─── Event Payloads ─────────────────────────────────────────────────────────

// SecurityMode is the global arming state of the security subsystem.
type SecurityMode string

const (
	ModeDisarmed   SecurityMode = "disarmed"
	ModeArmedHome  SecurityMode = "armed_home"
	ModeArmedAway  SecurityMode = "armed_away"
	ModeArmedNight SecurityMode = "armed_night"
)

// Valid reports whether m is one of the four defined modes.
func (m SecurityMode) Valid() bool {
	switch m {
	case ModeDisarmed, ModeArmedHome, ModeArmedAway, ModeArmedNight:
		return true
	}
	return false
}

// Armed reports whether the mode is any armed variant.
func (m SecurityMode) Armed() bool { return m.Valid() && m != ModeDisarmed }

// SecurityModeChanged is published on every mode transition.
type SecurityModeChanged struct {
	From    SecurityMode `json:"from"`
	To      SecurityMode `json:"to"`
	Trigger string       `json:"trigger"` // "user", "geofence_auto_arm", "geofence_auto_disarm"
}

// IntrusionDetected is published when an armed sensor reports an alarm edge.
type IntrusionDetected struct {
	EventID  string `json:"event_id"`
	DeviceID string `json:"device_id"`
	Zone     string `json:"zone"`
	Sensor   string `json:"sensor"` // "motion" or "contact"
}

// EscalationCancelled is published when an active escalation is stopped.
type EscalationCancelled struct {
	EventID string `json:"event_id"`
	Stage   string `json:"stage"` // stage reached when cancelled
}

// Tamper is published by the lock subsystem; security treats it as intrusion.
type Tamper struct {
	LockID string `json:"lock_id"`
	Type   string `json:"type"` // "alarm_tamper" or "multiple_failed_attempts"
}

// LockEvent is the payload for TopicLockUnlocked and TopicLockLocked.
type LockEvent struct {
	LockID      string `json:"lock_id"`
	UserID      string `json:"user_id,omitempty"`
	TriggeredBy string `json:"triggered_by"` // "user", "auto_timer", "sync", "emergency"
}

// LeakEvent is the payload for TopicLeakDetected and TopicLeakResolved.
type LeakEvent struct {
	DeviceID string `json:"device_id"`
	Zone     string `json:"zone"`
	Hidden   bool   `json:"hidden"` // inferred from night-time meter flow, no sensor edge
}

// ZoneDeviation is published when a zone drifts from its effective target.
type ZoneDeviation struct {
	ZoneID  string  `json:"zone_id"`
	Current float64 `json:"current"`
	Target  float64 `json:"target"`
}

// ZoneComfort is the payload for TopicSetbackActivated and TopicComfortResumed.
type ZoneComfort struct {
	ZoneID string `json:"zone_id"`
}

// BatteryLow is published for device batteries and storage packs alike.
type BatteryLow struct {
	DeviceID string  `json:"device_id"`
	Level    float64 `json:"level"`
}

// AnomalyDetected is published by the analytics engine for z-score outliers.
type AnomalyDetected struct {
	StreamID string  `json:"stream_id"`
	Value    float64 `json:"value"`
	ZScore   float64 `json:"z_score"`
	Severity string  `json:"severity"` // "medium", "high", "critical"
}

// PackageDelivered is published when a tracked package reaches delivered.
type PackageDelivered struct {
	TrackingNumber string `json:"tracking_number"`
	Carrier        string `json:"carrier"`
}

// SleepEnded is published when a sleep session closes.
type SleepEnded struct {
	UserID  string  `json:"user_id"`
	Quality float64 `json:"quality"`
}

// WebhookReceived is published by the integration hub after processing.
type WebhookReceived struct {
	WebhookID string `json:"webhook_id"`
	Actions   int    `json:"actions"`
}
