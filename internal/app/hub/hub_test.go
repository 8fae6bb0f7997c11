package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/bus"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/clock"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/device"
)

type fixture struct {
	sys  *System
	host *device.SimHost
	srv  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := clock.NewMock()
	log := zap.NewNop()
	host := device.NewSimHost(log, nil)
	b := bus.New(clk, log)

	sys := New(clk, log, b, host)
	if err := sys.Init(context.Background()); err != nil {
		t.Fatalf("Init() error: %v", err)
	}

	r := chi.NewRouter()
	r.Post("/webhook/{id}", sys.Handler())
	srv := httptest.NewServer(r)

	t.Cleanup(func() {
		srv.Close()
		sys.Destroy()
		b.Close()
	})
	return &fixture{sys: sys, host: host, srv: srv}
}

func (f *fixture) post(t *testing.T, id, contentType string, body []byte, sig string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, f.srv.URL+"/webhook/"+id, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	req.Header.Set("Content-Type", contentType)
	if sig != "" {
		req.Header.Set(SignatureHeader, sig)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// ─── Signature Verification ─────────────────────────────────────────────────

func TestWebhook_ValidSignatureExecutesActions(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("door-event", []Action{
		{Flow: "announce", Payload: map[string]any{"source": "webhook"}},
	})

	body := []byte(`{"door":"front"}`)
	resp, decoded := f.post(t, hook.ID, "application/json", body, Sign(hook.Secret, body))

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if decoded["success"] != true || decoded["webhook"] != "door-event" {
		t.Errorf("response = %v", decoded)
	}
	if decoded["actionsExecuted"].(float64) != 1 {
		t.Errorf("actionsExecuted = %v, want 1", decoded["actionsExecuted"])
	}

	flows := f.host.Flows()
	if len(flows) != 1 || flows[0].Name != "announce" {
		t.Fatalf("flows = %v", flows)
	}
	if flows[0].Payload["door"] != "front" || flows[0].Payload["source"] != "webhook" {
		t.Errorf("merged payload = %v", flows[0].Payload)
	}
}

func TestWebhook_BadSignature401(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("x", nil)

	body := []byte(`{}`)
	resp, _ := f.post(t, hook.ID, "application/json", body, "deadbeef")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
	if len(f.host.Flows()) != 0 {
		t.Error("actions executed despite bad signature")
	}
}

func TestWebhook_MissingSignature401(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("x", nil)

	resp, _ := f.post(t, hook.ID, "application/json", []byte(`{}`), "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", resp.StatusCode)
	}
}

func TestWebhook_UnknownID404(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.post(t, "ghost", "application/json", []byte(`{}`), "sig")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

// ─── Content Negotiation ────────────────────────────────────────────────────

func TestWebhook_FormBody(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("form", []Action{{Flow: "log"}})

	body := []byte("door=front&state=open")
	resp, _ := f.post(t, hook.ID, "application/x-www-form-urlencoded", body, Sign(hook.Secret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}

	flows := f.host.Flows()
	if flows[0].Payload["door"] != "front" || flows[0].Payload["state"] != "open" {
		t.Errorf("form payload = %v", flows[0].Payload)
	}
}

func TestWebhook_RawBody(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("raw", []Action{{Flow: "log"}})

	body := []byte("plain text ping")
	resp, _ := f.post(t, hook.ID, "text/plain", body, Sign(hook.Secret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := f.host.Flows()[0].Payload["raw"]; got != "plain text ping" {
		t.Errorf("raw payload = %v", got)
	}
}

func TestWebhook_MalformedJSONFallsBackToRaw(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("bad-json", []Action{{Flow: "log"}})

	body := []byte("{not json")
	resp, _ := f.post(t, hook.ID, "application/json", body, Sign(hook.Secret, body))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if got := f.host.Flows()[0].Payload["raw"]; got != "{not json" {
		t.Errorf("fallback payload = %v", got)
	}
}

// ─── Signature Helpers ──────────────────────────────────────────────────────

func TestSignVerify_RoundTrip(t *testing.T) {
	body := []byte(`{"k":"v"}`)
	sig := Sign("secret", body)
	if !VerifySignature("secret", body, sig) {
		t.Error("self-signed payload failed verification")
	}
	if VerifySignature("other", body, sig) {
		t.Error("wrong secret verified")
	}
	if VerifySignature("secret", []byte("tampered"), sig) {
		t.Error("tampered body verified")
	}
	if !strings.EqualFold(sig, strings.ToLower(sig)) {
		t.Error("signature should be lowercase hex")
	}
}

// ─── Deliveries ─────────────────────────────────────────────────────────────

func TestDeliveries_Recorded(t *testing.T) {
	f := newFixture(t)
	hook, _ := f.sys.CreateWebhook("x", []Action{{Flow: "a"}, {Flow: "b"}})

	body := []byte(`{}`)
	f.post(t, hook.ID, "application/json", body, Sign(hook.Secret, body))

	dl := f.sys.Deliveries(1)
	if len(dl) != 1 || dl[0].WebhookID != hook.ID || dl[0].Actions != 2 {
		t.Errorf("deliveries = %+v", dl)
	}
}
