// Package metrics provides Prometheus metrics for the home automation
// runtime — counters and gauges for the event bus, the periodic scheduler,
// the timed dispatcher, device I/O, and the security-sensitive paths.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Event Bus ──────────────────────────────────────────────────────────────

// EventsPublished counts events published per topic.
var EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "events_published_total",
	Help:      "Total events published on the runtime bus.",
}, []string{"topic"})

// EventsDropped counts events dropped by subscriber back-pressure.
var EventsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "events_dropped_total",
	Help:      "Total events dropped due to full subscriber mailboxes.",
}, []string{"topic"})

// ─── Periodic Scheduler ─────────────────────────────────────────────────────

// TaskTicks counts handler invocations per task.
var TaskTicks = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "task_ticks_total",
	Help:      "Total periodic task handler invocations.",
}, []string{"task"})

// TaskOverlaps counts ticks dropped because the previous run was in flight.
var TaskOverlaps = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "task_overlaps_total",
	Help:      "Total ticks dropped by the non-reentrancy guard.",
}, []string{"task"})

// TaskErrors counts handler errors and recovered panics per task.
var TaskErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "task_errors_total",
	Help:      "Total periodic task handler errors (including recovered panics).",
}, []string{"task"})

// ─── Timed Dispatcher ───────────────────────────────────────────────────────

// ActionsFired counts one-shot timed actions that ran.
var ActionsFired = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "timed_actions_fired_total",
	Help:      "Total one-shot timed actions fired.",
})

// ActionsCancelled counts one-shot timed actions cancelled before firing.
var ActionsCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "timed_actions_cancelled_total",
	Help:      "Total one-shot timed actions cancelled before firing.",
})

// ─── Device Facade ──────────────────────────────────────────────────────────

// DeviceReadFailures counts transient capability read/write failures.
var DeviceReadFailures = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "device_io_failures_total",
	Help:      "Total capability reads/writes that failed this cycle.",
}, []string{"capability"})

// NotificationsSent counts notifications handed to the delivery channel.
var NotificationsSent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "notifications_sent_total",
	Help:      "Total notifications sent by priority.",
}, []string{"priority"})

// ─── Security ───────────────────────────────────────────────────────────────

// IntrusionsDetected counts intrusion events.
var IntrusionsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "intrusions_detected_total",
	Help:      "Total intrusion events detected.",
})

// EscalationsStarted counts alarm escalations started.
var EscalationsStarted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "escalations_started_total",
	Help:      "Total alarm escalations started.",
})

// EscalationsCancelled counts alarm escalations cancelled before completion.
var EscalationsCancelled = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "escalations_cancelled_total",
	Help:      "Total alarm escalations cancelled.",
})

// UnlockDenied counts failed unlock attempts by denial reason.
var UnlockDenied = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "unlock_denied_total",
	Help:      "Total denied unlock attempts by reason.",
}, []string{"reason"})

// ─── Water ──────────────────────────────────────────────────────────────────

// LeaksDetected counts leak alarm edges.
var LeaksDetected = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "leaks_detected_total",
	Help:      "Total water leak events detected.",
})

// ─── Bounded Logs ───────────────────────────────────────────────────────────

// LogEvictions counts head-trim batches across all bounded logs.
var LogEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "log_evictions_total",
	Help:      "Total bounded-log head-eviction batches.",
})

// ─── Persistence ────────────────────────────────────────────────────────────

// SettingsWriteErrors counts failed settings persistence attempts.
var SettingsWriteErrors = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "homehub",
	Name:      "settings_write_errors_total",
	Help:      "Total failed settings writes.",
})
