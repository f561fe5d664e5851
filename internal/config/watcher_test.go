package config_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echopanel/internal/config"
)

const baseYAML = `
server:
  log_level: info
providers:
  asr:
    name: whisper-http
    base_url: http://127.0.0.1:8080
session:
  flush_timeout: 3s
`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %q: %v", path, err)
	}
}

// bump moves the mtime of path forward so the next poll notices it even on
// filesystems with coarse timestamps.
func bump(t *testing.T, path string, by time.Duration) {
	t.Helper()
	ts := time.Now().Add(by)
	if err := os.Chtimes(path, ts, ts); err != nil {
		t.Fatalf("chtimes %q: %v", path, err)
	}
}

// changes collects watcher callbacks.
type changes struct {
	mu    sync.Mutex
	pairs [][2]*config.Config
	ch    chan struct{}
}

func newChanges() *changes { return &changes{ch: make(chan struct{}, 16)} }

func (c *changes) record(old, new *config.Config) {
	c.mu.Lock()
	c.pairs = append(c.pairs, [2]*config.Config{old, new})
	c.mu.Unlock()
	c.ch <- struct{}{}
}

func (c *changes) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pairs)
}

func (c *changes) wait(t *testing.T) (old, new *config.Config) {
	t.Helper()
	select {
	case <-c.ch:
	case <-time.After(3 * time.Second):
		t.Fatal("callback was not invoked")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.pairs[len(c.pairs)-1]
	return p[0], p[1]
}

func startWatcher(t *testing.T, path string, c *changes, opts ...config.WatcherOption) *config.Watcher {
	t.Helper()
	opts = append([]config.WatcherOption{config.WithInterval(20 * time.Millisecond)}, opts...)
	w, err := config.NewWatcher(path, c.record, opts...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	t.Cleanup(w.Stop)
	return w
}

func TestWatcher_InitialLoad(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)

	w := startWatcher(t, path, newChanges())
	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo {
		t.Errorf("log_level = %q, want info", cfg.Server.LogLevel)
	}
	if cfg.Session.FlushTimeout != 3*time.Second {
		t.Errorf("flush_timeout = %v, want 3s", cfg.Session.FlushTimeout)
	}
}

func TestWatcher_LiveSessionEdit(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	c := newChanges()
	w := startWatcher(t, path, c)

	writeFile(t, path, `
server:
  log_level: debug
providers:
  asr:
    name: whisper-http
    base_url: http://127.0.0.1:8080
session:
  flush_timeout: 2s
`)
	bump(t, path, time.Second)

	old, new := c.wait(t)
	d := config.Diff(old, new)
	if !d.LogLevelChanged || !d.SessionChanged || len(d.RestartRequired) != 0 {
		t.Errorf("Diff = %+v, want live log level and session change only", d)
	}
	if new.Session.FlushTimeout != 2*time.Second {
		t.Errorf("new flush_timeout = %v, want 2s", new.Session.FlushTimeout)
	}
	if w.Current() != new {
		t.Error("Current() does not return the applied config")
	}
}

func TestWatcher_ProviderEditNeedsRestart(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	c := newChanges()
	startWatcher(t, path, c)

	writeFile(t, path, `
server:
  log_level: info
providers:
  asr:
    name: openai
session:
  flush_timeout: 3s
`)
	bump(t, path, time.Second)

	old, new := c.wait(t)
	d := config.Diff(old, new)
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "providers" {
		t.Errorf("RestartRequired = %v, want [providers]", d.RestartRequired)
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	c := newChanges()
	w := startWatcher(t, path, c)

	writeFile(t, path, "server:\n  log_level: bananas\n")
	bump(t, path, time.Second)
	time.Sleep(200 * time.Millisecond)

	if n := c.count(); n != 0 {
		t.Errorf("callback fired %d times for an invalid edit", n)
	}
	if got := w.Current().Server.LogLevel; got != config.LogInfo {
		t.Errorf("Current() log_level = %q, want info", got)
	}
}

func TestWatcher_CommentOnlyEditIsSilent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	c := newChanges()
	startWatcher(t, path, c)

	writeFile(t, path, "# tuned for the demo room\n"+baseYAML)
	bump(t, path, time.Second)
	time.Sleep(200 * time.Millisecond)

	if n := c.count(); n != 0 {
		t.Errorf("callback fired %d times for a comment edit", n)
	}
}

func TestWatcher_TouchWithoutContentChange(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)
	c := newChanges()
	startWatcher(t, path, c)

	bump(t, path, time.Second)
	time.Sleep(200 * time.Millisecond)

	if n := c.count(); n != 0 {
		t.Errorf("callback fired %d times for a touch", n)
	}
}

func TestWatcher_EnvFileRotatesToken(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	envPath := filepath.Join(dir, ".env")
	writeFile(t, path, baseYAML)
	writeFile(t, envPath, "ECHOPANEL_WS_AUTH_TOKEN=first\n")

	lookup := func(k string) (string, bool) {
		if k == config.EnvAuthToken {
			return "stale-process-value", true
		}
		return "", false
	}
	c := newChanges()
	w := startWatcher(t, path, c, config.WithEnvFile(envPath), config.WithLookup(lookup))
	if got := w.Current().Server.AuthToken; got != "first" {
		t.Fatalf("initial AuthToken = %q, want first", got)
	}

	writeFile(t, envPath, "ECHOPANEL_WS_AUTH_TOKEN=second\n")
	bump(t, envPath, time.Second)

	old, new := c.wait(t)
	if old.Server.AuthToken != "first" || new.Server.AuthToken != "second" {
		t.Errorf("token change = %q -> %q, want first -> second", old.Server.AuthToken, new.Server.AuthToken)
	}
	if !config.Diff(old, new).AuthTokenChanged {
		t.Error("Diff does not report the token change")
	}
}

func TestWatcher_MissingEnvFileIsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeFile(t, path, baseYAML)

	lookup := func(k string) (string, bool) {
		if k == config.EnvAuthToken {
			return "from-env", true
		}
		return "", false
	}
	w := startWatcher(t, path, newChanges(),
		config.WithEnvFile(filepath.Join(dir, "absent.env")),
		config.WithLookup(lookup),
	)
	if got := w.Current().Server.AuthToken; got != "from-env" {
		t.Errorf("AuthToken = %q, want from-env", got)
	}
}

func TestWatcher_InitialLoadFails(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher("/nonexistent/path.yaml", nil); err == nil {
		t.Fatal("expected error for a missing file")
	}
}

func TestWatcher_StopIsIdempotent(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeFile(t, path, baseYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(20*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	w.Stop()
	w.Stop()
}
