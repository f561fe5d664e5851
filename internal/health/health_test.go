package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/MrWong99/echopanel/internal/model"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

func decode(t *testing.T, rec *httptest.ResponseRecorder) result {
	t.Helper()
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return body
}

func pass(context.Context) error { return nil }

func failWith(msg string) func(context.Context) error {
	return func(context.Context) error { return errors.New(msg) }
}

func TestHealthz_Liveness(t *testing.T) {
	t.Parallel()
	h := New("echopanel", fakeModel{model.Health{State: model.Error}})
	rec := httptest.NewRecorder()
	h.Healthz(rec, httptest.NewRequest("GET", "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 even with a failed model", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if body := decode(t, rec); body.Status != "ok" {
		t.Errorf("status = %q, want ok", body.Status)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()
	loading := fakeModel{model.Health{State: model.Loading}}
	ready := fakeModel{model.Health{State: model.Ready, Ready: true}}

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "model ready and indexer up",
			checkers:   []Checker{ModelChecker(ready), {Name: "indexer", Check: pass}},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"model": "ok", "indexer": "ok"},
		},
		{
			name:       "model still loading",
			checkers:   []Checker{ModelChecker(loading), {Name: "indexer", Check: pass}},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"model": "fail: model loading", "indexer": "ok"},
		},
		{
			name: "everything down",
			checkers: []Checker{
				ModelChecker(fakeModel{model.Health{State: model.Error, LastError: "model file missing"}}),
				{Name: "indexer", Check: failWith("connection refused")},
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{
				"model":   "fail: model file missing",
				"indexer": "fail: connection refused",
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New("echopanel", nil, tt.checkers...)
			rec := httptest.NewRecorder()
			h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			body := decode(t, rec)
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %s = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_CancelledRequest(t *testing.T) {
	t.Parallel()
	h := New("echopanel", nil, Checker{Name: "indexer", Check: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rec := httptest.NewRecorder()
	h.Readyz(rec, httptest.NewRequest("GET", "/readyz", nil).WithContext(ctx))

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestRegister_Routes(t *testing.T) {
	t.Parallel()
	mux := http.NewServeMux()
	New("echopanel", nil, Checker{Name: "indexer", Check: pass}).Register(mux)

	tests := []struct {
		path       string
		wantStatus int
	}{
		{"/", http.StatusOK},
		{"/healthz", http.StatusOK},
		{"/readyz", http.StatusOK},
		{"/health", http.StatusServiceUnavailable},
		{"/model-status", http.StatusServiceUnavailable},
		{"/nope", http.StatusNotFound},
	}
	for _, tc := range tests {
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, httptest.NewRequest("GET", tc.path, nil))
		if rec.Code != tc.wantStatus {
			t.Errorf("GET %s = %d, want %d", tc.path, rec.Code, tc.wantStatus)
		}
	}
}

type fakeModel struct{ h model.Health }

func (f fakeModel) Health() model.Health { return f.h }

func TestRoot_ReportsService(t *testing.T) {
	h := New("echopanel", nil)
	rec := httptest.NewRecorder()
	h.Root(rec, httptest.NewRequest("GET", "/", nil))

	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "echopanel" {
		t.Errorf("body = %v", body)
	}
}

func TestHealth_ModelStates(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		health     model.Health
		wantCode   int
		wantStatus string
		wantReason string
	}{
		{
			name:       "ready",
			health:     model.Health{State: model.Ready, Ready: true, Provider: "whisper-native", Model: "base.en", LoadTimeMs: 120},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name:       "loading",
			health:     model.Health{State: model.Loading, Provider: "whisper-native"},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "loading",
			wantReason: "model loading",
		},
		{
			name:       "uninitialized",
			health:     model.Health{State: model.Uninitialized},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "loading",
			wantReason: "model not initialized",
		},
		{
			name:       "error",
			health:     model.Health{State: model.Error, LastError: "model file missing"},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "error",
			wantReason: "model file missing",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := New("echopanel", fakeModel{tt.health})
			rec := httptest.NewRecorder()
			h.Health(rec, httptest.NewRequest("GET", "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}
			var body map[string]any
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode JSON: %v", err)
			}
			if body["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %q", body["status"], tt.wantStatus)
			}
			if tt.wantReason != "" && body["reason"] != tt.wantReason {
				t.Errorf("reason = %v, want %q", body["reason"], tt.wantReason)
			}
			if tt.wantCode == http.StatusOK {
				if body["model_ready"] != true || body["model"] != "base.en" || body["model_state"] != "ready" {
					t.Errorf("body = %v", body)
				}
			}
		})
	}
}

func TestModelStatus_IncludesStats(t *testing.T) {
	h := New("echopanel", fakeModel{model.Health{
		State: model.Ready,
		Ready: true,
		Stats: asr.Health{ChunksProcessed: 7},
	}})
	rec := httptest.NewRecorder()
	h.ModelStatus(rec, httptest.NewRequest("GET", "/model-status", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}
	var body struct {
		Status string          `json:"status"`
		Health json.RawMessage `json:"health"`
		Stats  asr.Health      `json:"stats"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	if body.Status != "ready" {
		t.Errorf("status = %q, want ready", body.Status)
	}
	if body.Stats.ChunksProcessed != 7 {
		t.Errorf("chunks_processed = %d, want 7", body.Stats.ChunksProcessed)
	}
	if len(body.Health) == 0 {
		t.Error("health missing")
	}
}

func TestModelChecker(t *testing.T) {
	ready := ModelChecker(fakeModel{model.Health{State: model.Ready, Ready: true}})
	if err := ready.Check(context.Background()); err != nil {
		t.Errorf("ready model: %v", err)
	}
	failed := ModelChecker(fakeModel{model.Health{State: model.Error, LastError: "boom"}})
	if err := failed.Check(context.Background()); err == nil || err.Error() != "boom" {
		t.Errorf("failed model: %v, want boom", err)
	}
}
