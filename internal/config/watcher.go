package config

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// Watcher polls the config file, and optionally a dotenv file, and calls
// onChange with the old and new config whenever the effective configuration
// changes and still validates. Invalid edits are logged and ignored.
//
// Values in the watched dotenv file take precedence over the lookup, so a
// rotated ECHOPANEL_WS_AUTH_TOKEN in .env reaches running servers.
type Watcher struct {
	path     string
	envPath  string
	lookup   Lookup
	interval time.Duration
	onChange func(old, new *Config)

	mu      sync.Mutex
	current *Config
	stamp   stamp

	done     chan struct{}
	stopOnce sync.Once
	stopped  sync.WaitGroup
}

// stamp identifies one observed state of the watched files.
type stamp struct {
	cfgMtime, envMtime time.Time
	hash               [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. The default is 5 seconds.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup sets the environment lookup applied on every load.
func WithLookup(l Lookup) WatcherOption {
	return func(w *Watcher) { w.lookup = l }
}

// WithEnvFile also watches a dotenv file. A missing file counts as empty.
func WithEnvFile(path string) WatcherOption {
	return func(w *Watcher) { w.envPath = path }
}

// NewWatcher loads the config immediately and starts polling.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.load()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current, w.stamp = cfg, st

	w.stopped.Add(1)
	go w.poll()
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop stops polling and waits for an in-flight check to finish.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
	w.stopped.Wait()
}

func (w *Watcher) poll() {
	defer w.stopped.Done()
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.check()
		}
	}
}

// check reloads when a watched file's mtime moved and the combined content
// differs from what was last applied.
func (w *Watcher) check() {
	cfgMtime, envMtime, err := w.mtimes()
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	prev := w.stamp
	w.mu.Unlock()
	if cfgMtime.Equal(prev.cfgMtime) && envMtime.Equal(prev.envMtime) {
		return
	}

	cfg, st, err := w.load()
	if err != nil {
		slog.Warn("config watcher: rejected edit, keeping previous config", "path", w.path, "err", err)
		return
	}

	w.mu.Lock()
	if st.hash == w.stamp.hash {
		w.stamp = st
		w.mu.Unlock()
		return
	}
	old := w.current
	w.current, w.stamp = cfg, st
	w.mu.Unlock()

	d := Diff(old, cfg)
	slog.Info("config watcher: configuration reloaded",
		"path", w.path,
		"log_level_changed", d.LogLevelChanged,
		"auth_token_changed", d.AuthTokenChanged,
		"session_changed", d.SessionChanged,
		"restart_required", d.RestartRequired,
	)

	// Outside the lock so the callback may call Current.
	if w.onChange != nil && !d.Empty() {
		w.onChange(old, cfg)
	}
}

func (w *Watcher) mtimes() (cfg, env time.Time, err error) {
	info, err := os.Stat(w.path)
	if err != nil {
		return cfg, env, err
	}
	cfg = info.ModTime()
	if w.envPath != "" {
		if info, err := os.Stat(w.envPath); err == nil {
			env = info.ModTime()
		}
	}
	return cfg, env, nil
}

// load reads both files and returns the validated config and the stamp it
// was built from.
func (w *Watcher) load() (*Config, stamp, error) {
	var st stamp
	cfgMtime, envMtime, err := w.mtimes()
	if err != nil {
		return nil, st, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, st, err
	}

	h := sha256.New()
	h.Write(data)
	lookup := w.lookup
	if w.envPath != "" {
		env, raw, err := readEnvFile(w.envPath)
		if err != nil {
			return nil, st, err
		}
		h.Write(raw)
		lookup = overlay(env, lookup)
	}

	cfg, err := LoadFromReader(bytes.NewReader(data), lookup)
	if err != nil {
		return nil, st, err
	}
	st.cfgMtime, st.envMtime = cfgMtime, envMtime
	copy(st.hash[:], h.Sum(nil))
	return cfg, st, nil
}

func readEnvFile(path string) (map[string]string, []byte, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, err
	}
	env, err := godotenv.UnmarshalBytes(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return env, raw, nil
}

// overlay returns a lookup that answers from env first, then from base.
func overlay(env map[string]string, base Lookup) Lookup {
	return func(key string) (string, bool) {
		if v, ok := env[key]; ok {
			return v, true
		}
		if base == nil {
			return "", false
		}
		return base(key)
	}
}
