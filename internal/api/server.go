// Package api provides the HTTP surface for the homehub runtime: health,
// subsystem status, the security and lock query endpoints, the webhook
// receiver, and the optional Prometheus exposition.
package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/hub"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/locks"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/app/security"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/core/runtime"
	"github.com/ashsolei/HomeySmartHome-sub011/internal/health"
)

// Server is the homehub HTTP API server.
type Server struct {
	runner         *runtime.Runner
	health         *health.Checker
	security       *security.System
	locks          *locks.System
	hub            *hub.System
	metricsEnabled bool
}

// NewServer creates the API server.
func NewServer(runner *runtime.Runner, h *health.Checker, sec *security.System, lk *locks.System, hb *hub.System) *Server {
	return &Server{runner: runner, health: h, security: sec, locks: lk, hub: hb}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := http.StatusOK
		if s.health != nil && !s.health.IsHealthy() {
			status = http.StatusServiceUnavailable
		}
		payload := map[string]any{"status": "ok"}
		if s.health != nil {
			payload["checks"] = s.health.Statuses()
			if status != http.StatusOK {
				payload["status"] = "degraded"
			}
		}
		writeJSON(w, status, payload)
	})

	r.Get("/api/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"subsystems": s.runner.Statuses(),
		})
	})

	r.Route("/api/security", func(r chi.Router) {
		r.Get("/mode", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"mode": s.security.CurrentMode(),
			})
		})
		r.Get("/timeline", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.security.Timeline(100))
		})
	})

	r.Route("/api/locks", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.locks.Locks())
		})
		r.Get("/access-log", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.locks.AccessLog(100))
		})
	})

	// IntegrationHub webhook receiver.
	r.Post("/webhook/{id}", s.hub.Handler())

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
