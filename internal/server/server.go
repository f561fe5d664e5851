// Package server exposes EchoPanel over HTTP: the health and capability
// routes, the Prometheus scrape endpoint, the model reload action and the
// /ws/live-listener streaming endpoint.
//
// When an auth token is configured, the live-listener endpoint and the
// operational routes (/capabilities, /model-status, /model/reload) require it.
// Liveness probes and /metrics stay open so orchestrators can reach them.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/capability"
	"github.com/MrWong99/echopanel/internal/concurrency"
	"github.com/MrWong99/echopanel/internal/config"
	"github.com/MrWong99/echopanel/internal/diarize"
	"github.com/MrWong99/echopanel/internal/health"
	"github.com/MrWong99/echopanel/internal/indexer"
	"github.com/MrWong99/echopanel/internal/observe"
	"github.com/MrWong99/echopanel/internal/session"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// ErrUnauthorized is reported when a request carries no valid token.
var ErrUnauthorized = errors.New("server: unauthorized")

// TokenHeader is the custom header a client may carry its token in.
const TokenHeader = "X-EchoPanel-Token"

// serviceName is reported by GET /.
const serviceName = "echopanel"

// Models is the model manager as seen by the server. [*model.Manager]
// satisfies it.
type Models interface {
	session.Models
	health.ModelReporter
	Reload(ctx context.Context, timeout time.Duration) (bool, error)
}

// Config tunes a [Server].
type Config struct {
	// AuthToken enables token auth when non-empty. It can be changed later
	// with [Server.SetAuthToken].
	AuthToken string

	// AdmissionTimeout is how long a new connection waits for a session
	// slot before it is turned away as busy. Zero rejects immediately.
	AdmissionTimeout time.Duration

	// ReloadTimeout bounds POST /model/reload. Default 120 s.
	ReloadTimeout time.Duration

	// OriginPatterns lists the browser origins allowed to open the
	// live-listener socket. Clients that send no Origin are always allowed.
	OriginPatterns []string

	// Session is the per-connection session configuration. It can be
	// changed later with [Server.SetSessionConfig].
	Session session.Config
}

// Deps holds the collaborators shared by every connection.
type Deps struct {
	Models Models
	Store  *asr.ConfigStore

	// Limiter admits sessions and gates inference. Defaults to a controller
	// with the package defaults.
	Limiter *concurrency.Controller

	NewAnalyzer func() analysis.Analyzer
	Diarizer    diarize.Diarizer
	Indexer     indexer.Indexer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Profile reports the host for /capabilities. Defaults to
	// [capability.Detect].
	Profile func() capability.Profile

	// Lookup reads the environment for /capabilities.
	Lookup capability.LookupFunc
}

// Server is the HTTP front of EchoPanel. Its [Server.Handler] is mounted on
// an [http.Server] by the caller.
type Server struct {
	cfg  Config
	deps Deps

	token   atomic.Pointer[string]
	sessCfg atomic.Pointer[session.Config]

	// base is cancelled by Shutdown; every live session derives from it.
	base     context.Context
	stop     context.CancelFunc
	sessions sync.WaitGroup

	handler http.Handler
}

// New returns a Server with its routes registered.
func New(cfg Config, deps Deps) *Server {
	if cfg.ReloadTimeout <= 0 {
		cfg.ReloadTimeout = 120 * time.Second
	}
	if deps.Limiter == nil {
		deps.Limiter = concurrency.NewController(0, 0)
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	if deps.Profile == nil {
		deps.Profile = capability.Detect
	}
	if deps.Lookup == nil {
		deps.Lookup = func(string) (string, bool) { return "", false }
	}

	s := &Server{cfg: cfg, deps: deps}
	s.base, s.stop = context.WithCancel(context.Background())
	s.SetAuthToken(cfg.AuthToken)
	s.SetSessionConfig(cfg.Session)

	mux := http.NewServeMux()
	health.New(serviceName, deps.Models, health.ModelChecker(deps.Models)).Register(mux)
	mux.Handle("GET /metrics", observe.MetricsHandler())
	mux.HandleFunc("GET /capabilities", s.capabilities)
	mux.HandleFunc("POST /model/reload", s.reload)
	mux.HandleFunc("GET /ws/live-listener", s.live)

	s.handler = observe.Middleware(deps.Metrics)(s.requireAuth(mux))
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// SetAuthToken replaces the shared token. An empty token disables auth.
// Connections already accepted are not affected.
func (s *Server) SetAuthToken(token string) {
	s.token.Store(&token)
}

// SetSessionConfig replaces the configuration used for new sessions.
func (s *Server) SetSessionConfig(cfg session.Config) {
	s.sessCfg.Store(&cfg)
}

// Shutdown cancels every live session and waits for them to release their
// resources or for ctx to end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stop()
	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// protectedPaths require the token on plain HTTP. The live-listener checks
// the token itself so it can answer over the socket.
var protectedPaths = map[string]bool{
	"/capabilities": true,
	"/model-status": true,
	"/model/reload": true,
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if protectedPaths[r.URL.Path] {
			if err := s.checkToken(r); err != nil {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"status": "error", "reason": "unauthorized"})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// checkToken compares the request's token with the configured one in
// constant time.
func (s *Server) checkToken(r *http.Request) error {
	want := *s.token.Load()
	if want == "" {
		return nil
	}
	got := requestToken(r)
	if subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// requestToken extracts the client token from, in order, the Authorization
// bearer, the X-EchoPanel-Token header and the token query parameter.
func requestToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, tok, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(tok)
		}
	}
	if tok := r.Header.Get(TokenHeader); tok != "" {
		return tok
	}
	return r.URL.Query().Get("token")
}

type capabilitiesResponse struct {
	Profile        capability.Profile        `json:"profile"`
	Recommendation capability.Recommendation `json:"recommendation"`
	EnvVars        map[string]string         `json:"env_vars"`
}

func (s *Server) capabilities(w http.ResponseWriter, _ *http.Request) {
	p := s.deps.Profile()
	writeJSON(w, http.StatusOK, capabilitiesResponse{
		Profile:        p,
		Recommendation: capability.Recommend(p, s.deps.Lookup),
		EnvVars:        capability.EnvReport(config.EnvVars, s.deps.Lookup),
	})
}

type reloadResponse struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// reload unloads the model and initializes it again. Sessions already
// streaming keep the provider they started with.
func (s *Server) reload(w http.ResponseWriter, r *http.Request) {
	log := observe.Logger(r.Context())
	log.Info("server: model reload requested")

	ok, err := s.deps.Models.Reload(r.Context(), s.cfg.ReloadTimeout)
	state := s.deps.Models.Health().State.String()
	if !ok {
		res := reloadResponse{Status: "error", State: state, Reason: "model did not become ready"}
		if err != nil {
			res.Reason = err.Error()
		}
		log.Warn("server: model reload failed", "state", state, "err", err)
		writeJSON(w, http.StatusServiceUnavailable, res)
		return
	}
	writeJSON(w, http.StatusOK, reloadResponse{Status: "ok", State: state})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
