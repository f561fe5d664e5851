// Package model owns the process-wide ASR provider instance and its
// lifecycle.
//
// The [Manager] moves through Uninitialized → Loading → WarmingUp → Ready or
// Error. Initialization is idempotent under concurrent callers: the first
// caller drives it and the others wait for the same outcome. Sessions obtain
// the provider through [Manager.Provider] once it is Ready.
package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// State is the manager's lifecycle state.
type State int

const (
	Uninitialized State = iota
	Loading
	WarmingUp
	Ready
	Error
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Loading:
		return "loading"
	case WarmingUp:
		return "warming_up"
	case Ready:
		return "ready"
	case Error:
		return "error"
	default:
		return "unknown"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

var (
	// ErrNotReady is returned when the provider is requested before the
	// manager is Ready.
	ErrNotReady = errors.New("model: not ready")

	// ErrInitTimeout is recorded when initialization exceeds its timeout.
	ErrInitTimeout = errors.New("model: initialization timed out")

	// ErrUnavailable is recorded when the constructed provider reports that
	// its runtime dependencies are missing.
	ErrUnavailable = errors.New("model: provider unavailable")
)

// WarmupLevel selects how much work initialization does before Ready.
type WarmupLevel int

const (
	// WarmupLoad only constructs the provider.
	WarmupLoad WarmupLevel = 1
	// WarmupSingle additionally runs one inference on silence.
	WarmupSingle WarmupLevel = 2
	// WarmupFull runs several inferences.
	WarmupFull WarmupLevel = 3
)

// WarmupConfig tunes the warmup tiers. Zero fields take the defaults.
type WarmupConfig struct {
	Level WarmupLevel

	// AudioSeconds is the length of the silent warmup buffer. Default 2.
	AudioSeconds float64
	// SingleFloor is the minimum wall time of a single-inference warmup.
	// Default 100 ms.
	SingleFloor time.Duration
	// FullRuns is the number of inferences of a full warmup. Default 3.
	FullRuns int
	// FullFloor is the minimum wall time of a full warmup. Default 1 s.
	FullFloor time.Duration
}

func (w WarmupConfig) withDefaults() WarmupConfig {
	if w.Level == 0 {
		w.Level = WarmupSingle
	}
	if w.AudioSeconds <= 0 {
		w.AudioSeconds = 2
	}
	if w.SingleFloor <= 0 {
		w.SingleFloor = 100 * time.Millisecond
	}
	if w.FullRuns <= 0 {
		w.FullRuns = 3
	}
	if w.FullFloor <= 0 {
		w.FullFloor = time.Second
	}
	return w
}

// Option configures a [Manager].
type Option func(*Manager)

// WithWarmup sets the warmup configuration.
func WithWarmup(w WarmupConfig) Option {
	return func(m *Manager) { m.warmup = w }
}

// Manager guards the active provider instance. It is safe for concurrent
// use.
type Manager struct {
	name   string
	store  *asr.ConfigStore
	cache  *Cache
	warmup WarmupConfig

	mu         sync.Mutex
	state      State
	provider   asr.Provider
	key        Key
	lastErr    error
	loadTime   time.Duration
	warmupTime time.Duration
	readyAt    time.Time
	gen        uint64
	// done is closed when the in-flight initialization settles.
	done chan struct{}
}

// NewManager returns an Uninitialized manager for the provider registered as
// name. The provider is built through cache with the configuration current
// in store at initialization time.
func NewManager(name string, store *asr.ConfigStore, cache *Cache, opts ...Option) *Manager {
	m := &Manager{name: name, store: store, cache: cache}
	for _, o := range opts {
		o(m)
	}
	m.warmup = m.warmup.withDefaults()
	return m
}

// ProviderName returns the configured provider name.
func (m *Manager) ProviderName() string { return m.name }

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize loads and warms the provider. It returns true once the manager
// is Ready and false when initialization failed or did not finish within
// timeout. Concurrent callers share one initialization. On timeout the
// manager moves to Error rather than staying mid-transition; a load that
// completes later is discarded.
func (m *Manager) Initialize(ctx context.Context, timeout time.Duration) bool {
	m.mu.Lock()
	switch {
	case m.state == Ready:
		m.mu.Unlock()
		return true
	case m.done == nil:
		m.gen++
		m.done = make(chan struct{})
		m.state = Loading
		m.lastErr = nil
		go m.run(m.gen, m.done)
	}
	done, gen := m.done, m.gen
	m.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		m.abandon(gen, ErrInitTimeout)
	case <-ctx.Done():
		// The caller gave up; initialization keeps running for others.
		return false
	}
	return m.State() == Ready
}

// abandon moves an initialization that is still in flight to Error.
func (m *Manager) abandon(gen uint64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen || m.done == nil {
		return
	}
	m.state = Error
	m.lastErr = err
	close(m.done)
	m.done = nil
	m.gen++
	slog.Error("model: initialization abandoned", "provider", m.name, "err", err)
}

// run performs one initialization. Results are discarded if gen is stale.
func (m *Manager) run(gen uint64, done chan struct{}) {
	cfg := m.store.Load()
	key := KeyFor(m.name, cfg)

	start := time.Now()
	p, err := m.cache.Get(key)
	if err == nil && !p.Available() {
		err = fmt.Errorf("%w: %s", ErrUnavailable, m.name)
		_ = m.cache.Release(p)
		_ = m.cache.Evict(key)
	}
	loadTime := time.Since(start)
	if err != nil {
		m.settle(gen, done, nil, key, err, loadTime, 0)
		return
	}

	if !m.advance(gen, WarmingUp) {
		return
	}
	start = time.Now()
	err = m.warm(p, cfg)
	m.settle(gen, done, p, key, err, loadTime, time.Since(start))
}

func (m *Manager) advance(gen uint64, s State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		return false
	}
	m.state = s
	return true
}

func (m *Manager) settle(gen uint64, done chan struct{}, p asr.Provider, key Key, err error, load, warm time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.gen != gen {
		// Timed out or unloaded meanwhile. A newer initialization may have
		// picked up the same instance; it keeps its own reference.
		if p != nil {
			evict := m.provider != p
			go func() {
				_ = m.cache.Release(p)
				if evict {
					_ = m.cache.Evict(key)
				}
			}()
		}
		return
	}
	m.loadTime, m.warmupTime = load, warm
	if err != nil {
		if p != nil {
			go func() { _ = m.cache.Release(p) }()
		}
		m.state = Error
		m.lastErr = err
		slog.Error("model: initialization failed", "provider", m.name, "key", key.String(), "err", err)
	} else {
		m.state = Ready
		m.provider = p
		m.key = key
		m.readyAt = time.Now()
		slog.Info("model: ready", "provider", m.name, "model", key.Model,
			"load_time", load, "warmup_time", warm, "warmup_level", int(m.warmup.Level))
	}
	close(done)
	m.done = nil
}

// warm runs the configured warmup tier against p.
func (m *Manager) warm(p asr.Provider, cfg asr.Config) error {
	w := m.warmup
	runs, floor := 0, time.Duration(0)
	switch {
	case w.Level >= WarmupFull:
		runs, floor = w.FullRuns, w.FullFloor
	case w.Level == WarmupSingle:
		runs, floor = 1, w.SingleFloor
	default:
		return nil
	}

	start := time.Now()
	secs := max(w.AudioSeconds, float64(cfg.ChunkSeconds))
	pcm := audio.Silence(audio.SampleRate, secs)
	for i := range runs {
		if err := warmOnce(p, pcm, i); err != nil {
			return fmt.Errorf("model: warmup run %d: %w", i+1, err)
		}
	}
	if rest := floor - time.Since(start); rest > 0 {
		time.Sleep(rest)
	}
	return nil
}

func warmOnce(p asr.Provider, pcm []byte, run int) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	sessionID := fmt.Sprintf("warmup-%d", run)
	if err := p.StartSession(ctx, sessionID); err != nil {
		return err
	}
	defer func() { _ = p.StopSession(ctx, sessionID) }()

	in := make(chan []byte, 1)
	in <- pcm
	close(in)
	var firstErr error
	for ev := range p.TranscribeStream(ctx, in, asr.StreamOptions{
		SessionID:  sessionID,
		Source:     audio.SourceMic,
		SampleRate: audio.SampleRate,
	}) {
		if ev.Err != nil && firstErr == nil {
			firstErr = ev.Err
		}
	}
	return firstErr
}

// Provider returns the active provider iff the manager is Ready.
func (m *Manager) Provider() (asr.Provider, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready || m.provider == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
	}
	return m.provider, nil
}

// WaitForReady blocks until the manager is Ready, the in-flight
// initialization fails, or timeout elapses. It does not start an
// initialization.
func (m *Manager) WaitForReady(ctx context.Context, timeout time.Duration) (asr.Provider, error) {
	if err := m.await(ctx, timeout); err != nil {
		return nil, err
	}
	return m.Provider()
}

// Acquire is [Manager.WaitForReady] for callers that keep using the provider:
// it stays loaded, even across [Manager.Unload] or [Manager.Reload], until
// the caller hands it back with [Manager.Release].
func (m *Manager) Acquire(ctx context.Context, timeout time.Duration) (asr.Provider, error) {
	if err := m.await(ctx, timeout); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready || m.provider == nil {
		return nil, fmt.Errorf("%w (state %s)", ErrNotReady, m.state)
	}
	if err := m.cache.Retain(m.provider); err != nil {
		return nil, err
	}
	return m.provider, nil
}

// Release returns a provider obtained from [Manager.Acquire]. A provider
// replaced by a reload is unloaded when its last holder releases it.
func (m *Manager) Release(p asr.Provider) {
	if err := m.cache.Release(p); err != nil {
		slog.Warn("model: unload of released provider failed", "provider", m.name, "err", err)
	}
}

func (m *Manager) await(ctx context.Context, timeout time.Duration) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// Unload releases the provider and returns the manager to Uninitialized. An
// in-flight initialization is abandoned. Sessions holding the provider
// through [Manager.Acquire] keep it until they release it.
func (m *Manager) Unload() error {
	m.mu.Lock()
	p, key := m.provider, m.key
	m.provider = nil
	m.state = Uninitialized
	m.lastErr = nil
	m.readyAt = time.Time{}
	m.gen++
	if m.done != nil {
		close(m.done)
		m.done = nil
	}
	m.mu.Unlock()

	if p == nil {
		return nil
	}
	slog.Info("model: unloading", "provider", m.name, "key", key.String())
	return errors.Join(m.cache.Evict(key), m.cache.Release(p))
}

// Reload unloads and initializes again.
func (m *Manager) Reload(ctx context.Context, timeout time.Duration) (bool, error) {
	if err := m.Unload(); err != nil {
		slog.Warn("model: unload before reload failed", "err", err)
	}
	if !m.Initialize(ctx, timeout) {
		return false, m.Health().Err()
	}
	return true, nil
}

// Health is the public snapshot of the manager.
type Health struct {
	State    State  `json:"state"`
	Provider string `json:"provider"`
	// Model is the model of the loaded instance, or the configured model
	// while nothing is loaded.
	Model           string     `json:"model"`
	ConfiguredModel string     `json:"configured_model"`
	Ready           bool       `json:"model_ready"`
	LoadTimeMs      float64    `json:"load_time_ms"`
	WarmupTimeMs    float64    `json:"warmup_time_ms"`
	WarmupLevel     int        `json:"warmup_level"`
	ReadyAt         time.Time  `json:"ready_at,omitzero"`
	LastError       string     `json:"last_error,omitempty"`
	Stats           asr.Health `json:"stats"`

	err error
}

// Err returns the error that moved the manager to Error, if any.
func (h Health) Err() error { return h.err }

// Health returns the current snapshot including the provider's runtime
// metrics when Ready.
func (m *Manager) Health() Health {
	m.mu.Lock()
	configured := m.store.Load().ModelName
	h := Health{
		State:           m.state,
		Provider:        m.name,
		Model:           configured,
		ConfiguredModel: configured,
		Ready:           m.state == Ready,
		LoadTimeMs:      float64(m.loadTime.Microseconds()) / 1000,
		WarmupTimeMs:    float64(m.warmupTime.Microseconds()) / 1000,
		WarmupLevel:     int(m.warmup.Level),
		ReadyAt:         m.readyAt,
		err:             m.lastErr,
	}
	if m.lastErr != nil {
		h.LastError = m.lastErr.Error()
	}
	if m.provider != nil {
		h.Model = m.key.Model
	}
	p := m.provider
	m.mu.Unlock()
	if p != nil {
		h.Stats = p.Health()
	}
	return h
}
