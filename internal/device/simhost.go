package device

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// ─── Simulated Host ─────────────────────────────────────────────────────────
// SimHost is the in-memory facade used for local runs and tests: devices
// with mutable capability maps, per-capability failure injection, recorded
// notifications, and a pluggable settings store.

// SettingsStore abstracts the key/value persistence behind the facade.
type SettingsStore interface {
	Get(key string) ([]byte, error)
	Set(key string, value []byte) error
}

// MemStore is a trivially in-memory SettingsStore.
type MemStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemStore creates an empty in-memory settings store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string][]byte)}
}

// Get returns the stored value, or nil when never written.
func (m *MemStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Set stores a copy of value under key.
func (m *MemStore) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v := make([]byte, len(value))
	copy(v, value)
	m.data[key] = v
	return nil
}

// SimDevice is an in-memory device with failure injection.
type SimDevice struct {
	mu       sync.RWMutex
	id       string
	name     string
	zone     string
	caps     map[string]any
	failCaps map[string]bool
}

// NewSimDevice creates a device with the given capabilities.
func NewSimDevice(id, name, zone string, caps map[string]any) *SimDevice {
	c := make(map[string]any, len(caps))
	for k, v := range caps {
		c[k] = v
	}
	return &SimDevice{id: id, name: name, zone: zone, caps: c, failCaps: make(map[string]bool)}
}

// ID returns the device id.
func (d *SimDevice) ID() string { return d.id }

// Name returns the device name.
func (d *SimDevice) Name() string { return d.name }

// Zone returns the zone the device is placed in.
func (d *SimDevice) Zone() string { return d.zone }

// HasCapability reports whether the capability exists on this device.
func (d *SimDevice) HasCapability(name string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.caps[name]
	return ok
}

// GetCapability returns the capability value or ErrCapability.
func (d *SimDevice) GetCapability(name string) (any, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.failCaps[name] {
		metrics.DeviceReadFailures.WithLabelValues(name).Inc()
		return nil, ErrCapability
	}
	v, ok := d.caps[name]
	if !ok {
		metrics.DeviceReadFailures.WithLabelValues(name).Inc()
		return nil, ErrCapability
	}
	return v, nil
}

// SetCapability writes the capability value or returns ErrCapability.
func (d *SimDevice) SetCapability(name string, value any) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failCaps[name] {
		metrics.DeviceReadFailures.WithLabelValues(name).Inc()
		return ErrCapability
	}
	if _, ok := d.caps[name]; !ok {
		metrics.DeviceReadFailures.WithLabelValues(name).Inc()
		return ErrCapability
	}
	d.caps[name] = value
	return nil
}

// SetValue force-writes a capability from test code, creating it if absent.
func (d *SimDevice) SetValue(name string, value any) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.caps[name] = value
}

// FailCapability toggles failure injection for one capability.
func (d *SimDevice) FailCapability(name string, fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failCaps[name] = fail
}

// SimHost implements Host in memory.
type SimHost struct {
	log   *zap.Logger
	store SettingsStore

	mu            sync.RWMutex
	devices       []*SimDevice
	notifications []Notification
	flows         []FlowTrigger
}

// FlowTrigger records one TriggerFlow call.
type FlowTrigger struct {
	Name    string
	Payload map[string]any
}

// NewSimHost creates a host with the given settings store. A nil store
// gets a fresh MemStore.
func NewSimHost(log *zap.Logger, store SettingsStore) *SimHost {
	if store == nil {
		store = NewMemStore()
	}
	return &SimHost{log: log.Named("simhost"), store: store}
}

// AddDevice registers a device for discovery.
func (h *SimHost) AddDevice(d *SimDevice) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.devices = append(h.devices, d)
}

// ListDevices returns all registered devices.
func (h *SimHost) ListDevices(ctx context.Context) ([]Ref, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Ref, len(h.devices))
	for i, d := range h.devices {
		out[i] = d
	}
	return out, nil
}

// SettingsGet reads from the backing store.
func (h *SimHost) SettingsGet(key string) ([]byte, error) {
	return h.store.Get(key)
}

// SettingsSet writes to the backing store.
func (h *SimHost) SettingsSet(key string, value []byte) error {
	return h.store.Set(key, value)
}

// Notify records the notification. Never fails.
func (h *SimHost) Notify(n Notification) {
	h.mu.Lock()
	h.notifications = append(h.notifications, n)
	h.mu.Unlock()
	metrics.NotificationsSent.WithLabelValues(n.Priority).Inc()
	h.log.Info("notification",
		zap.String("title", n.Title),
		zap.String("priority", n.Priority),
		zap.String("category", n.Category))
}

// Notifications returns a copy of everything delivered so far.
func (h *SimHost) Notifications() []Notification {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Notification, len(h.notifications))
	copy(out, h.notifications)
	return out
}

// TriggerFlow records the flow trigger.
func (h *SimHost) TriggerFlow(name string, payload map[string]any) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.flows = append(h.flows, FlowTrigger{Name: name, Payload: payload})
	return nil
}

// Flows returns a copy of all recorded flow triggers.
func (h *SimHost) Flows() []FlowTrigger {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]FlowTrigger, len(h.flows))
	copy(out, h.flows)
	return out
}
