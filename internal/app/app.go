// Package app wires all EchoPanel subsystems into a running server.
//
// The App struct owns the full lifecycle: New selects and registers the ASR
// provider chain, connects the indexer and builds the HTTP server, Run loads
// the model and serves until the context ends, and Shutdown tears everything
// down in order.
//
// For testing, inject doubles via functional options (WithIndexer,
// WithProfile, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/capability"
	"github.com/MrWong99/echopanel/internal/concurrency"
	"github.com/MrWong99/echopanel/internal/config"
	"github.com/MrWong99/echopanel/internal/diarize"
	"github.com/MrWong99/echopanel/internal/indexer"
	"github.com/MrWong99/echopanel/internal/model"
	"github.com/MrWong99/echopanel/internal/observe"
	"github.com/MrWong99/echopanel/internal/resilience"
	"github.com/MrWong99/echopanel/internal/server"
	"github.com/MrWong99/echopanel/internal/session"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/vadgate"
	"github.com/MrWong99/echopanel/pkg/provider/llm"
	"github.com/MrWong99/echopanel/pkg/provider/vad"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config
	reg *config.Registry

	// Injected or defaulted in New.
	profile  *capability.Profile
	lookup   capability.LookupFunc
	indexer  indexer.Indexer
	logLevel *slog.LevelVar
	metrics  *observe.Metrics

	selection Selection
	store     *asr.ConfigStore
	detector  *vad.Lazy
	manager   *model.Manager
	limiter   *concurrency.Controller
	server    *server.Server
	http      *http.Server

	// closers are called in order during Shutdown.
	closers []func(context.Context) error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithIndexer injects an indexer instead of creating one from config.
func WithIndexer(ix indexer.Indexer) Option {
	return func(a *App) { a.indexer = ix }
}

// WithProfile injects the host profile instead of detecting it.
func WithProfile(p capability.Profile) Option {
	return func(a *App) { a.profile = &p }
}

// WithLookup sets the environment lookup used by auto-selection and
// /capabilities. Defaults to reporting nothing set.
func WithLookup(l capability.LookupFunc) Option {
	return func(a *App) { a.lookup = l }
}

// WithLogLevel lets config reloads change the level of the process logger.
func WithLogLevel(v *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = v }
}

// WithMetrics injects the metric instruments. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Providers are
// constructed through reg. The model is not loaded until [App.Run] or
// [App.Initialize].
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, reg: reg}
	for _, o := range opts {
		o(a)
	}
	if a.profile == nil {
		p := capability.Detect()
		a.profile = &p
	}
	if a.lookup == nil {
		a.lookup = func(string) (string, bool) { return "", false }
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Provider selection ────────────────────────────────────────────
	a.selection = Select(cfg, *a.profile, a.lookup)
	if a.selection.Provider == "" {
		return nil, errors.New("app: no ASR provider selected")
	}
	a.store = asr.NewConfigStore(a.selection.Config)
	slog.Info("app: asr provider selected",
		"provider", a.selection.Provider,
		"model", a.selection.Config.ModelName,
		"chunk_seconds", a.selection.Config.ChunkSeconds,
		"vad", a.selection.Config.VADEnabled,
		"auto_selected", a.selection.Recommendation != nil && cfg.Providers.ASR.Name == "",
	)

	// ── 2. VAD detector ──────────────────────────────────────────────────
	vadEntry := cfg.Providers.VAD
	a.detector = vad.NewLazy(func() (vad.Engine, error) { return reg.CreateVAD(vadEntry) })

	// ── 3. Model manager ─────────────────────────────────────────────────
	cache := model.NewCache(a.buildProvider)
	a.manager = model.NewManager(a.selection.Provider, a.store, cache,
		model.WithWarmup(model.WarmupConfig{Level: model.WarmupLevel(cfg.ASR.WarmupLevel)}))
	a.closers = append(a.closers,
		func(context.Context) error { return a.manager.Unload() },
		func(context.Context) error { return cache.Close() },
	)

	// ── 4. Concurrency ───────────────────────────────────────────────────
	a.limiter = concurrency.NewController(cfg.Concurrency.MaxSessions, cfg.Concurrency.MaxInference)

	// ── 5. Indexer ───────────────────────────────────────────────────────
	if err := a.initIndexer(ctx); err != nil {
		return nil, fmt.Errorf("app: init indexer: %w", err)
	}

	// ── 6. HTTP server ───────────────────────────────────────────────────
	a.server = server.New(server.Config{
		AuthToken:        cfg.Server.AuthToken,
		AdmissionTimeout: cfg.Concurrency.AdmissionTimeout,
		ReloadTimeout:    cfg.ASR.InitTimeout,
		Session:          SessionConfig(cfg),
	}, server.Deps{
		Models:      a.manager,
		Store:       a.store,
		Limiter:     a.limiter,
		NewAnalyzer: a.analyzerFactory(),
		Diarizer:    diarize.NewSpeechDiarizer(diarize.WithDetector(a.detector)),
		Indexer:     a.indexer,
		Metrics:     a.metrics,
		Profile:     func() capability.Profile { return *a.profile },
		Lookup:      a.lookup,
	})
	a.http = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.server.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// buildProvider constructs the provider chain for key: the selected provider
// and the optional fallback, each behind the VAD gate, grouped for failover
// when a fallback exists.
func (a *App) buildProvider(key model.Key) (asr.Provider, error) {
	entry := a.cfg.Providers.ASR
	entry.Name = key.Provider
	primary, err := a.reg.CreateASR(entry, a.store)
	if err != nil {
		return nil, err
	}
	gated := vadgate.New(primary, a.store, vadgate.WithDetector(a.detector))

	fbEntry := a.cfg.Providers.ASRFallback
	if fbEntry.Name == "" {
		return gated, nil
	}
	fb, err := a.reg.CreateASR(fbEntry, a.store)
	if err != nil {
		slog.Warn("app: fallback provider unavailable, running without failover", "name", fbEntry.Name, "err", err)
		return gated, nil
	}
	group := resilience.NewASRFallback(gated, resilience.FallbackConfig{})
	group.AddFallback(vadgate.New(fb, a.store, vadgate.WithDetector(a.detector)))
	slog.Info("app: asr failover configured", "primary", key.Provider, "fallback", fbEntry.Name)
	return group, nil
}

// initIndexer connects the PostgreSQL indexer when configured. Indexer calls
// run behind a guard so a slow or failing database never blocks a session.
func (a *App) initIndexer(ctx context.Context) error {
	if a.indexer != nil {
		return nil // injected
	}
	dsn := a.cfg.Indexer.PostgresDSN
	if dsn == "" {
		a.indexer = indexer.Noop{}
		return nil
	}

	pg, err := indexer.NewPostgres(ctx, dsn)
	if err != nil {
		return err
	}
	guard := indexer.NewGuard(pg, indexer.WithQueueSize(a.cfg.Indexer.QueueSize))
	a.indexer = guard
	a.closers = append(a.closers, func(ctx context.Context) error {
		err := guard.Close(ctx)
		pg.Close()
		return err
	})
	slog.Info("app: indexer connected", "queue_size", a.cfg.Indexer.QueueSize)
	return nil
}

// analyzerFactory returns the per-session analysis hooks. With a summary LLM
// configured the rolling summary is written by the model; entities and cards
// always come from the rule-based extractor.
func (a *App) analyzerFactory() func() analysis.Analyzer {
	base := func() analysis.Analyzer { return analysis.NewExtractor() }

	entry := a.cfg.Providers.SummaryLLM
	if entry.Name == "" {
		return base
	}
	primary, err := a.reg.CreateLLM(entry)
	if err != nil {
		slog.Warn("app: summary llm unavailable, using rule-based summary", "name", entry.Name, "err", err)
		return base
	}

	group := resilience.NewLLMFallback(primary, entry.Name, resilience.FallbackConfig{})
	for _, spec := range strings.Split(config.OptString(entry.Options, "fallback"), ",") {
		name, mdl, _ := strings.Cut(strings.TrimSpace(spec), ":")
		if name == "" {
			continue
		}
		fb, err := a.reg.CreateLLM(config.ProviderEntry{Name: name, Model: mdl})
		if err != nil {
			slog.Warn("app: summary llm fallback unavailable", "name", name, "err", err)
			continue
		}
		group.AddFallback(name, fb)
	}

	var p llm.Provider = group
	slog.Info("app: summary llm configured", "name", entry.Name, "model", entry.Model)
	return func() analysis.Analyzer { return analysis.NewLLMSummariser(analysis.NewExtractor(), p) }
}

// SessionConfig maps the config file onto the per-connection session
// configuration.
func SessionConfig(cfg *config.Config) session.Config {
	s := cfg.Session
	return session.Config{
		FlushTimeout:          s.FlushTimeout,
		Diarization:           s.Diarization,
		DiarizationMaxSeconds: s.DiarizationMaxSeconds,
		ErrorStreak:           s.ErrorStreak,
		FailoverAfter:         s.FailoverAfter,
		EntityInterval:        s.EntityInterval,
		CardInterval:          s.CardInterval,
		MetricsInterval:       s.MetricsInterval,
		MicQueue:              cfg.Concurrency.MicQueue,
		SystemQueue:           cfg.Concurrency.SystemQueue,
	}
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Handler returns the HTTP handler of the server.
func (a *App) Handler() http.Handler { return a.server.Handler() }

// Selection returns the provider selection made by New.
func (a *App) Selection() Selection { return a.selection }

// Provider returns the ready provider chain.
func (a *App) Provider() (asr.Provider, error) { return a.manager.Provider() }

// Initialize loads and warms the model. It reports whether the model became
// ready within the configured timeout.
func (a *App) Initialize(ctx context.Context) bool {
	ok := a.manager.Initialize(ctx, a.cfg.ASR.InitTimeout)
	if !ok {
		slog.Error("app: model initialization failed", "err", a.manager.Health().Err())
	}
	return ok
}

// Run loads the model in the background and serves HTTP until ctx is
// cancelled or the listener fails. The server accepts connections while the
// model loads; /health reports 503 until it is ready.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.http.Addr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.http.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is [App.Run] on an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	go a.Initialize(ctx)

	errCh := make(chan error, 1)
	go func() {
		if t := a.cfg.Server.TLS; t != nil {
			a.http.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
			errCh <- a.http.ServeTLS(ln, t.CertFile, t.KeyFile)
			return
		}
		errCh <- a.http.Serve(ln)
	}()

	slog.Info("app: listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: serve: %w", err)
	}
}

// ApplyConfig applies a reloaded config. Log level, auth token and session
// tuning take effect immediately; other changes are logged as needing a
// restart.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.Empty() {
		return
	}
	if d.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(SlogLevel(d.NewLogLevel))
		slog.Info("app: log level changed", "level", d.NewLogLevel)
	}
	if d.AuthTokenChanged {
		a.server.SetAuthToken(new.Server.AuthToken)
		slog.Info("app: auth token changed", "enabled", new.Server.AuthToken != "")
	}
	if d.SessionChanged {
		a.server.SetSessionConfig(SessionConfig(new))
		slog.Info("app: session config changed; applies to new sessions")
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes require a restart", "sections", d.RestartRequired)
	}
}

// SlogLevel converts a config log level.
func SlogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops accepting connections, tears down live sessions and then
// runs the closers in order. It respects the context deadline: if ctx
// expires before all closers finish, remaining closers are skipped and the
// context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.http.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("sessions: %w", err))
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				errs = append(errs, ctx.Err())
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return errors.Join(errs...)
}
