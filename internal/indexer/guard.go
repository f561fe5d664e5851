package indexer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultGuardQueue   = 256
	defaultGuardTimeout = 5 * time.Second
)

// job is one queued call.
type job struct {
	sessionID string
	entry     Entry
	end       bool
}

// Guard wraps an [Indexer] and makes it safe to call from the live session.
// Transcript and SessionEnd are queued and applied in order by a single
// worker; when the queue is full the call is dropped with a warning. Errors
// from the wrapped indexer are logged and mark the guard degraded until the
// next success.
//
// Guard implements [Indexer]. All methods are safe for concurrent use.
type Guard struct {
	inner   Indexer
	timeout time.Duration

	jobs chan job
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	degraded atomic.Bool
	dropped  atomic.Int64
}

var _ Indexer = (*Guard)(nil)

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithQueueSize sets the number of pending calls. Defaults to 256.
func WithQueueSize(n int) GuardOption {
	return func(g *Guard) {
		if n > 0 {
			g.jobs = make(chan job, n)
		}
	}
}

// WithCallTimeout bounds each call to the wrapped indexer. Defaults to 5 s.
func WithCallTimeout(d time.Duration) GuardOption {
	return func(g *Guard) { g.timeout = d }
}

// NewGuard starts the worker. Call Close to stop it.
func NewGuard(inner Indexer, opts ...GuardOption) *Guard {
	g := &Guard{
		inner:   inner,
		timeout: defaultGuardTimeout,
		jobs:    make(chan job, defaultGuardQueue),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(g)
	}
	go g.run()
	return g
}

func (g *Guard) run() {
	defer close(g.done)
	for j := range g.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		var err error
		if j.end {
			err = g.inner.SessionEnd(ctx, j.sessionID)
		} else {
			err = g.inner.Transcript(ctx, j.sessionID, j.entry)
		}
		cancel()
		g.observe(err, "session_id", j.sessionID, "end", j.end)
	}
}

func (g *Guard) observe(err error, attrs ...any) {
	if err != nil {
		g.degraded.Store(true)
		slog.Warn("indexer: call failed, continuing", append(attrs, "err", err)...)
		return
	}
	g.degraded.Store(false)
}

// SessionStart calls the wrapped indexer synchronously. On failure it logs,
// marks the guard degraded and returns a locally generated id so the session
// can proceed.
func (g *Guard) SessionStart(ctx context.Context, title, sourceApp string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	id, err := g.inner.SessionStart(ctx, title, sourceApp)
	g.observe(err, "title", title)
	if err != nil || id == "" {
		return uuid.NewString(), nil
	}
	return id, nil
}

// Transcript queues e. It never blocks and never fails.
func (g *Guard) Transcript(_ context.Context, sessionID string, e Entry) error {
	g.enqueue(job{sessionID: sessionID, entry: e})
	return nil
}

// SessionEnd queues the end marker behind the session's transcript lines.
func (g *Guard) SessionEnd(_ context.Context, sessionID string) error {
	g.enqueue(job{sessionID: sessionID, end: true})
	return nil
}

func (g *Guard) enqueue(j job) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		g.dropped.Add(1)
		return
	}
	select {
	case g.jobs <- j:
	default:
		g.dropped.Add(1)
		slog.Warn("indexer: queue full, dropping call", "session_id", j.sessionID)
	}
}

// IsDegraded reports whether the most recent call to the wrapped indexer
// failed.
func (g *Guard) IsDegraded() bool { return g.degraded.Load() }

// Dropped returns the number of calls dropped because the queue was full or
// closed.
func (g *Guard) Dropped() int64 { return g.dropped.Load() }

// Close stops accepting calls and waits until queued calls are applied or
// ctx expires.
func (g *Guard) Close(ctx context.Context) error {
	g.mu.Lock()
	if !g.closed {
		g.closed = true
		close(g.jobs)
	}
	g.mu.Unlock()
	select {
	case <-g.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
