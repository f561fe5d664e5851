package asr

import (
	"slices"
	"sync"
	"time"
)

// latencyWindow is the number of recent inference calls kept for
// percentile computation.
const latencyWindow = 128

// Tracker accumulates the runtime metrics a provider reports through
// [Provider.Health]. All methods are safe for concurrent use.
type Tracker struct {
	mu sync.Mutex

	latencies []time.Duration
	next      int

	lastRTF      float64
	chunks       int64
	dropped      int64
	consecutive  int
	lastErr      string
	loadedAt     time.Time
	sessions     int
	sessionStart time.Time
	backlog      int
	now          func() time.Time
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{now: time.Now}
}

// RecordInference records one successful inference over audioSeconds of
// audio and resets the consecutive error count.
func (t *Tracker) RecordInference(d time.Duration, audioSeconds float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.latencies) < latencyWindow {
		t.latencies = append(t.latencies, d)
	} else {
		t.latencies[t.next] = d
		t.next = (t.next + 1) % latencyWindow
	}
	if audioSeconds > 0 {
		t.lastRTF = d.Seconds() / audioSeconds
	}
	t.chunks++
	t.consecutive = 0
}

// RecordError records a failed inference.
func (t *Tracker) RecordError(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consecutive++
	if err != nil {
		t.lastErr = err.Error()
	}
}

// RecordDropped counts a window that was skipped without inference.
func (t *Tracker) RecordDropped() {
	t.mu.Lock()
	t.dropped++
	t.mu.Unlock()
}

// SetBacklog records the number of windows waiting for inference.
func (t *Tracker) SetBacklog(n int) {
	t.mu.Lock()
	t.backlog = n
	t.mu.Unlock()
}

// MarkLoaded records the model load time. A zero time marks the model as
// not resident.
func (t *Tracker) MarkLoaded(at time.Time) {
	t.mu.Lock()
	t.loadedAt = at
	t.mu.Unlock()
}

// SessionStarted increments the active session count.
func (t *Tracker) SessionStarted() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions == 0 {
		t.sessionStart = t.now()
	}
	t.sessions++
}

// SessionStopped decrements the active session count.
func (t *Tracker) SessionStopped() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.sessions > 0 {
		t.sessions--
	}
}

// Snapshot returns the current health values.
func (t *Tracker) Snapshot() Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := Health{
		RealtimeFactor:    t.lastRTF,
		BacklogEstimate:   t.backlog,
		DroppedChunks:     t.dropped,
		ModelResident:     !t.loadedAt.IsZero(),
		ModelLoadedAt:     t.loadedAt,
		LastError:         t.lastErr,
		ConsecutiveErrors: t.consecutive,
		SessionActive:     t.sessions > 0,
		ChunksProcessed:   t.chunks,
	}
	if t.sessions > 0 {
		h.SessionDurationS = t.now().Sub(t.sessionStart).Seconds()
	}
	if len(t.latencies) == 0 {
		return h
	}

	sorted := slices.Clone(t.latencies)
	slices.Sort(sorted)
	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}
	h.AvgInferMs = ms(sum) / float64(len(sorted))
	h.P95InferMs = ms(percentile(sorted, 0.95))
	h.P99InferMs = ms(percentile(sorted, 0.99))
	return h
}

// percentile returns the nearest-rank percentile of a sorted slice.
func percentile(sorted []time.Duration, p float64) time.Duration {
	idx := int(float64(len(sorted))*p+0.5) - 1
	idx = min(max(idx, 0), len(sorted)-1)
	return sorted[idx]
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
