// Package hub implements the integration hub: registered webhooks with
// HMAC-signed payloads, action execution through host flows, and API
// connector registry. The HTTP surface mounts under the runtime's chi
// router.
package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/logring"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/infra/metrics"
)

// Settings keys persisted through the device facade.
const (
	keyWebhooks   = "webhooks"
	keyConnectors = "apiConnectors"
)

const deliveryLogCap = 500

// ─── Domain Types ───────────────────────────────────────────────────────────

// Action is what a webhook does when it fires: trigger a named host flow
// with a payload template.
type Action struct {
	Flow    string         `json:"flow"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Webhook is one registered inbound hook.
type Webhook struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Secret  string   `json:"secret"`
	Enabled bool     `json:"enabled"`
	Actions []Action `json:"actions"`
}

// Connector is an outbound API integration definition.
type Connector struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	BaseURL string `json:"baseUrl"`
	Enabled bool   `json:"enabled"`
}

// Delivery records one processed webhook call.
type Delivery struct {
	At        int64  `json:"at"`
	WebhookID string `json:"webhookId"`
	Status    int    `json:"status"`
	Actions   int    `json:"actions"`
}

// ─── System ─────────────────────────────────────────────────────────────────

// System is the integration hub subsystem.
type System struct {
	runtime.Lifecycle

	log  *zap.Logger
	clk  clock.Clock
	bus  *bus.Bus
	host device.Host

	mu         sync.Mutex
	webhooks   map[string]*Webhook
	connectors map[string]*Connector

	deliveries *logring.Ring[Delivery]
}

// New creates the integration hub.
func New(clk clock.Clock, log *zap.Logger, b *bus.Bus, host device.Host) *System {
	return &System{
		log:        log.Named("hub"),
		clk:        clk,
		bus:        b,
		host:       host,
		webhooks:   make(map[string]*Webhook),
		connectors: make(map[string]*Connector),
		deliveries: logring.New[Delivery](deliveryLogCap),
	}
}

// Name implements runtime.Subsystem.
func (s *System) Name() string { return "hub" }

// Init implements runtime.Subsystem.
func (s *System) Init(ctx context.Context) error {
	if err := s.BeginInit(); err != nil {
		return err
	}
	if raw, err := s.host.SettingsGet(keyWebhooks); err == nil && raw != nil {
		var hooks map[string]*Webhook
		if err := json.Unmarshal(raw, &hooks); err == nil {
			s.mu.Lock()
			s.webhooks = hooks
			s.mu.Unlock()
		}
	}
	if raw, err := s.host.SettingsGet(keyConnectors); err == nil && raw != nil {
		var conns map[string]*Connector
		if err := json.Unmarshal(raw, &conns); err == nil {
			s.mu.Lock()
			s.connectors = conns
			s.mu.Unlock()
		}
	}
	s.FinishInit()
	return nil
}

// Destroy implements runtime.Subsystem. Safe to call more than once.
func (s *System) Destroy() error {
	if !s.BeginDestroy() {
		return nil
	}
	s.persist()
	s.FinishDestroy()
	return nil
}

func (s *System) persist() {
	s.mu.Lock()
	hooks, _ := json.Marshal(s.webhooks)
	conns, _ := json.Marshal(s.connectors)
	s.mu.Unlock()
	for key, raw := range map[string][]byte{keyWebhooks: hooks, keyConnectors: conns} {
		if err := s.host.SettingsSet(key, raw); err != nil {
			metrics.SettingsWriteErrors.Inc()
			s.log.Warn("persisting failed", zap.String("key", key), zap.Error(err))
		}
	}
}

// ─── Commands ───────────────────────────────────────────────────────────────

// CreateWebhook registers an enabled hook and returns it with a freshly
// generated id and secret.
func (s *System) CreateWebhook(name string, actions []Action) (Webhook, error) {
	if name == "" {
		return Webhook{}, domain.InvalidArgument("empty webhook name")
	}
	hook := &Webhook{
		ID:      uuid.NewString(),
		Name:    name,
		Secret:  uuid.NewString(),
		Enabled: true,
		Actions: actions,
	}
	s.mu.Lock()
	s.webhooks[hook.ID] = hook
	s.mu.Unlock()
	s.persist()
	return *hook, nil
}

// Lookup returns a copy of one webhook.
func (s *System) Lookup(id string) (Webhook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hook, ok := s.webhooks[id]
	if !ok {
		return Webhook{}, domain.NotFound("webhook", id)
	}
	return *hook, nil
}

// AddConnector registers an API connector.
func (s *System) AddConnector(c Connector) error {
	if c.ID == "" {
		return domain.InvalidArgument("empty connector id")
	}
	s.mu.Lock()
	s.connectors[c.ID] = &c
	s.mu.Unlock()
	s.persist()
	return nil
}

// Deliveries returns the newest delivery records.
func (s *System) Deliveries(limit int) []Delivery {
	return s.deliveries.Query(nil, limit)
}

// ─── Processing ─────────────────────────────────────────────────────────────

// VerifySignature checks the hex HMAC-SHA256 of the raw body against the
// webhook secret.
func VerifySignature(secret string, body []byte, signature string) bool {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

// Sign produces the hex HMAC-SHA256 for a body, the counterpart of
// VerifySignature; the tests use it to sign request bodies.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Result is one executed action's outcome.
type Result struct {
	Flow string `json:"flow"`
	OK   bool   `json:"ok"`
}

// Process executes a verified webhook's actions against the parsed
// payload and records the delivery. Action failures are collected, never
// aborting the remainder.
func (s *System) Process(id string, payload map[string]any) ([]Result, error) {
	s.mu.Lock()
	hook, ok := s.webhooks[id]
	if !ok {
		s.mu.Unlock()
		return nil, domain.NotFound("webhook", id)
	}
	if !hook.Enabled {
		s.mu.Unlock()
		return nil, domain.Denied("webhook_disabled")
	}
	actions := append([]Action(nil), hook.Actions...)
	s.mu.Unlock()

	results := make([]Result, 0, len(actions))
	for _, a := range actions {
		merged := make(map[string]any, len(a.Payload)+len(payload))
		for k, v := range a.Payload {
			merged[k] = v
		}
		for k, v := range payload {
			merged[k] = v
		}
		err := s.host.TriggerFlow(a.Flow, merged)
		if err != nil {
			s.log.Warn("webhook action failed",
				zap.String("webhook", id), zap.String("flow", a.Flow), zap.Error(err))
		}
		results = append(results, Result{Flow: a.Flow, OK: err == nil})
	}

	s.deliveries.Append(Delivery{
		At:        s.clk.Now().UnixMilli(),
		WebhookID: id,
		Status:    200,
		Actions:   len(results),
	})
	s.bus.Publish(bus.Event{
		Topic:   domain.TopicWebhookReceived,
		Payload: domain.WebhookReceived{WebhookID: id, Actions: len(results)},
	})
	return results, nil
}
