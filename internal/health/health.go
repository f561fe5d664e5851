// Package health provides HTTP health and readiness check handlers.
//
// The package exposes these endpoints:
//
//   - /             service banner; always returns 200 OK.
//   - /health       model health; 200 when the model is Ready, 503 with a
//     reason while it loads or after it failed.
//   - /model-status full model manager snapshot including provider stats.
//   - /healthz      liveness probe; always returns 200 OK.
//   - /readyz       readiness probe; returns 200 only when all registered
//     [Checker] functions pass.
//
// Responses are JSON objects with a top-level "status" field.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/MrWong99/echopanel/internal/model"
)

// checkTimeout is the maximum time a single readiness check may take before
// the context is cancelled.
const checkTimeout = 5 * time.Second

// Checker is a named health check function. The Check function should return
// nil when the dependency is healthy and a non-nil error describing the
// failure otherwise.
type Checker struct {
	// Name is a short, human-readable label for this check (e.g. "model",
	// "indexer"). It appears as a key in the JSON response.
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// ModelReporter exposes the model manager snapshot. [*model.Manager]
// satisfies it.
type ModelReporter interface {
	Health() model.Health
}

// ModelChecker returns a [Checker] that passes only while the model is Ready.
func ModelChecker(r ModelReporter) Checker {
	return Checker{Name: "model", Check: func(context.Context) error {
		h := r.Health()
		if h.Ready {
			return nil
		}
		return errors.New(reason(h))
	}}
}

// result is the JSON response body for the probe endpoints.
type result struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// modelHealth is the /health body.
type modelHealth struct {
	Status       string      `json:"status"`
	Provider     string      `json:"provider,omitempty"`
	Model        string      `json:"model,omitempty"`
	ModelReady   bool        `json:"model_ready"`
	ModelState   model.State `json:"model_state"`
	LoadTimeMs   float64     `json:"load_time_ms,omitempty"`
	WarmupTimeMs float64     `json:"warmup_time_ms,omitempty"`
	Reason       string      `json:"reason,omitempty"`
}

// modelStatus is the /model-status body.
type modelStatus struct {
	Status string       `json:"status"`
	Health model.Health `json:"health"`
	Stats  any          `json:"stats"`
}

// Handler serves the health endpoints. It is safe for concurrent use; the
// checker list is fixed at construction time.
type Handler struct {
	service  string
	model    ModelReporter
	checkers []Checker
}

// New creates a [Handler] for service. The model reporter backs /health and
// /model-status and may be nil when no model is configured. The checkers are
// evaluated sequentially in the order provided on each /readyz request.
func New(service string, m ModelReporter, checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{service: service, model: m, checkers: c}
}

// Root answers the service banner.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": h.service})
}

// Health reports whether the model can serve sessions.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	if h.model == nil {
		writeJSON(w, http.StatusServiceUnavailable, modelHealth{
			Status: "error",
			Reason: "no model manager configured",
		})
		return
	}
	mh := h.model.Health()
	if mh.Ready {
		writeJSON(w, http.StatusOK, modelHealth{
			Status:       "ok",
			Provider:     mh.Provider,
			Model:        mh.Model,
			ModelReady:   true,
			ModelState:   mh.State,
			LoadTimeMs:   mh.LoadTimeMs,
			WarmupTimeMs: mh.WarmupTimeMs,
		})
		return
	}
	status := "loading"
	if mh.State == model.Error {
		status = "error"
	}
	writeJSON(w, http.StatusServiceUnavailable, modelHealth{
		Status:     status,
		Provider:   mh.Provider,
		Model:      mh.Model,
		ModelState: mh.State,
		Reason:     reason(mh),
	})
}

// ModelStatus writes the full manager snapshot.
func (h *Handler) ModelStatus(w http.ResponseWriter, _ *http.Request) {
	if h.model == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "error"})
		return
	}
	mh := h.model.Health()
	writeJSON(w, http.StatusOK, modelStatus{Status: mh.State.String(), Health: mh, Stats: mh.Stats})
}

// Healthz is a liveness probe that always returns 200 OK. A running process
// that can serve HTTP is considered alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, result{Status: "ok"})
}

// Readyz is a readiness probe that returns 200 only when every registered
// [Checker] passes. Each checker is given a context with a [checkTimeout]
// deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string, len(h.checkers))
	allOK := true

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		err := c.Check(ctx)
		cancel()

		if err != nil {
			checks[c.Name] = "fail: " + err.Error()
			allOK = false
		} else {
			checks[c.Name] = "ok"
		}
	}

	res := result{
		Status: "ok",
		Checks: checks,
	}
	status := http.StatusOK
	if !allOK {
		res.Status = "fail"
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, res)
}

// Register adds the health routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.Root)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /model-status", h.ModelStatus)
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func reason(h model.Health) string {
	switch h.State {
	case model.Error:
		if h.LastError != "" {
			return h.LastError
		}
		return "model initialization failed"
	case model.Uninitialized:
		return "model not initialized"
	default:
		return "model " + h.State.String()
	}
}

// writeJSON encodes v as JSON and writes it with the given status code. On
// encoding failure it falls back to a plain-text 500 response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}
