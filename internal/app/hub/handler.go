package hub

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ashsolei/HomeySmartHome-sub011/internal/domain"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "x-webhook-signature"

// Handler returns the webhook HTTP handler for POST /webhook/{id}.
//
// Response contract: unknown id → 404; bad signature → 401; processing
// error → 500 with {error}; success → 200 with {success, webhook,
// actionsExecuted, results}.
func (s *System) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")

		hook, err := s.Lookup(id)
		if err != nil {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "webhook not found"})
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "read body"})
			return
		}

		if !VerifySignature(hook.Secret, body, r.Header.Get(SignatureHeader)) {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "invalid signature"})
			return
		}

		payload := parseBody(r.Header.Get("Content-Type"), body)
		results, err := s.Process(id, payload)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, domain.ErrNotFound) {
				status = http.StatusNotFound
			}
			writeJSON(w, status, map[string]any{"error": err.Error()})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"webhook":         hook.Name,
			"actionsExecuted": len(results),
			"results":         results,
		})
	}
}

// parseBody negotiates the payload shape: JSON bodies parse as JSON, form
// bodies as form fields, anything else wraps as {raw: body}.
func parseBody(contentType string, body []byte) map[string]any {
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		var m map[string]any
		if err := json.Unmarshal(body, &m); err == nil {
			return m
		}
		return map[string]any{"raw": string(body)}
	case strings.HasPrefix(contentType, "application/x-www-form-urlencoded"):
		values, err := url.ParseQuery(string(body))
		if err != nil {
			return map[string]any{"raw": string(body)}
		}
		m := make(map[string]any, len(values))
		for k, v := range values {
			if len(v) == 1 {
				m[k] = v[0]
			} else {
				m[k] = v
			}
		}
		return m
	default:
		return map[string]any{"raw": string(body)}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
