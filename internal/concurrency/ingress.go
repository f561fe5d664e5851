package concurrency

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// Default per-source queue capacities, in chunks.
const (
	DefaultMicQueue    = 100
	DefaultSystemQueue = 50
)

const (
	fillWindow    = 10
	overloadAfter = 5 * time.Second
)

// Level is a backpressure level derived from the smoothed queue fill ratio.
type Level int

const (
	LevelNormal Level = iota
	LevelWarning
	LevelDegraded
	LevelCritical
	LevelOverloaded
)

func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelDegraded:
		return "degraded"
	case LevelCritical:
		return "critical"
	case LevelOverloaded:
		return "overloaded"
	default:
		return "unknown"
	}
}

func levelFor(fill float64) Level {
	switch {
	case fill >= 0.95:
		return LevelCritical
	case fill >= 0.85:
		return LevelDegraded
	case fill >= 0.70:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// chunkSecondsFor maps a smoothed fill ratio to the chunk size the ASR loop
// should use: larger chunks amortise per-inference overhead when behind.
func chunkSecondsFor(fill float64) int {
	switch {
	case fill < 0.5:
		return 2
	case fill < 0.8:
		return 4
	default:
		return 8
	}
}

// IngressConfig configures an [Ingress].
type IngressConfig struct {
	// Capacity is the queue size per source. Missing sources use the
	// defaults; a single override for every source can be set with
	// [UniformCapacity].
	Capacity map[audio.Source]int

	// Now is the clock used for backpressure persistence. Defaults to
	// time.Now.
	Now func() time.Time
}

// UniformCapacity returns a capacity map giving every source n slots.
func UniformCapacity(n int) map[audio.Source]int {
	m := make(map[audio.Source]int, len(audio.Sources))
	for _, s := range audio.Sources {
		m[s] = n
	}
	return m
}

// SubmitResult describes what happened to a submitted chunk.
type SubmitResult struct {
	// Accepted is false when the chunk was not queued: the ingress is
	// closed or the source is being shed under overload.
	Accepted bool
	// Dropped is true when a chunk was lost: the oldest queued chunk was
	// evicted, or the submitted chunk itself was shed.
	Dropped bool
	// FirstDrop is true only for the first drop of the ingress's lifetime.
	FirstDrop bool
}

// Ingress is a session's set of per-source audio queues. Producers call
// [Ingress.Submit]; the ASR loop pulls with [Ingress.Get] or
// [Ingress.Stream]. It is safe for concurrent use.
type Ingress struct {
	queues map[audio.Source]*queue
	now    func() time.Time
	seq    atomic.Uint64

	mu            sync.Mutex
	fills         [fillWindow]float64
	nfill         int
	fillIdx       int
	criticalSince time.Time
	shed          int64
	droppedTotal  int64
	droppedRecent int64
	warned        bool
}

// NewIngress returns an Ingress with one queue per known source.
func NewIngress(cfg IngressConfig) *Ingress {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	in := &Ingress{queues: make(map[audio.Source]*queue), now: now}
	for _, src := range audio.Sources {
		c := cfg.Capacity[src]
		if c <= 0 {
			c = DefaultSystemQueue
			if src == audio.SourceMic {
				c = DefaultMicQueue
			}
		}
		in.queues[src] = newQueue(c)
	}
	return in
}

// Submit enqueues data for src without blocking. When the source's queue is
// full the oldest chunk is evicted. Under [LevelOverloaded] system audio is
// shed before it reaches the queue.
func (in *Ingress) Submit(src audio.Source, data []byte) SubmitResult {
	q := in.queues[src]
	if q == nil {
		return SubmitResult{}
	}
	if in.ShouldDropSource(src) {
		return in.recordDrop(SubmitResult{Dropped: true}, true)
	}
	accepted, evicted := q.push(Chunk{
		Data:       data,
		Source:     src,
		EnqueuedAt: in.now(),
		Seq:        in.seq.Add(1),
		Priority:   src.Priority(),
	})
	res := SubmitResult{Accepted: accepted, Dropped: evicted}
	in.sample()
	if evicted {
		return in.recordDrop(res, false)
	}
	return res
}

func (in *Ingress) recordDrop(res SubmitResult, shed bool) SubmitResult {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.droppedTotal++
	in.droppedRecent++
	if shed {
		in.shed++
	}
	if !in.warned {
		in.warned = true
		res.FirstDrop = true
	}
	return res
}

// sample records the current worst fill ratio into the moving window.
func (in *Ingress) sample() {
	fill := in.instantFill()
	in.mu.Lock()
	defer in.mu.Unlock()
	in.fills[in.fillIdx] = fill
	in.fillIdx = (in.fillIdx + 1) % fillWindow
	in.nfill = min(in.nfill+1, fillWindow)

	if levelFor(in.smoothedLocked()) >= LevelCritical {
		if in.criticalSince.IsZero() {
			in.criticalSince = in.now()
		}
	} else {
		in.criticalSince = time.Time{}
	}
}

func (in *Ingress) instantFill() float64 {
	worst := 0.0
	for _, q := range in.queues {
		worst = max(worst, q.fill())
	}
	return worst
}

func (in *Ingress) smoothedLocked() float64 {
	if in.nfill == 0 {
		return 0
	}
	sum := 0.0
	for i := range in.nfill {
		sum += in.fills[i]
	}
	return sum / float64(in.nfill)
}

// FillRatio returns the moving average of the worst per-source fill ratio
// over the last samples.
func (in *Ingress) FillRatio() float64 {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.smoothedLocked()
}

// ChunkSeconds returns the chunk size suggested by the smoothed fill ratio.
func (in *Ingress) ChunkSeconds() int { return chunkSecondsFor(in.FillRatio()) }

// Level returns the current backpressure level. Critical turns into
// Overloaded once it has persisted for five seconds.
func (in *Ingress) Level() Level {
	in.mu.Lock()
	defer in.mu.Unlock()
	l := levelFor(in.smoothedLocked())
	if l == LevelCritical && !in.criticalSince.IsZero() && in.now().Sub(in.criticalSince) >= overloadAfter {
		return LevelOverloaded
	}
	return l
}

// ShouldDropSource reports whether chunks from src are shed before
// queueing. Only system audio is ever shed, and only while overloaded.
func (in *Ingress) ShouldDropSource(src audio.Source) bool {
	return src == audio.SourceSystem && in.Level() == LevelOverloaded
}

// Get returns the next chunk for src, blocking until one arrives. ok is false
// once the ingress is closed and the source's queue is drained, or when ctx
// ends.
func (in *Ingress) Get(ctx context.Context, src audio.Source) ([]byte, bool) {
	q := in.queues[src]
	if q == nil {
		return nil, false
	}
	c, ok := q.pop(ctx)
	if ok {
		in.sample()
	}
	return c.Data, ok
}

// Stream adapts src's queue to the channel a provider's transcribe stream
// consumes. The channel closes when the queue is closed and drained or ctx
// ends.
func (in *Ingress) Stream(ctx context.Context, src audio.Source) <-chan []byte {
	return in.StreamWith(ctx, src, nil)
}

// StreamWith is [Ingress.Stream] with a hook that sees every chunk as it is
// dequeued, before it is handed on. Chunks shed by backpressure never reach
// it.
func (in *Ingress) StreamWith(ctx context.Context, src audio.Source, dequeued func([]byte)) <-chan []byte {
	out := make(chan []byte)
	go func() {
		defer close(out)
		for {
			data, ok := in.Get(ctx, src)
			if !ok {
				return
			}
			if dequeued != nil {
				dequeued(data)
			}
			select {
			case out <- data:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Close stops accepting audio. Queued chunks remain available to Get so the
// ASR loop can drain them.
func (in *Ingress) Close() {
	for _, q := range in.queues {
		q.close()
	}
}

// Discard closes the ingress and drops all queued audio. It returns the
// number of discarded chunks.
func (in *Ingress) Discard() int {
	n := 0
	for _, q := range in.queues {
		n += q.discard()
	}
	return n
}

// Depth returns the queued chunk count and the queued payloads of src in
// dequeue order.
func (in *Ingress) Depth(src audio.Source) (int, [][]byte) {
	q := in.queues[src]
	if q == nil {
		return 0, nil
	}
	return q.snapshot()
}

// Metrics is a point-in-time backpressure report.
type Metrics struct {
	QueueFillRatio float64              `json:"queue_fill_ratio"`
	DroppedRecent  int64                `json:"dropped_recent"`
	DroppedTotal   int64                `json:"dropped_total"`
	Shed           int64                `json:"shed"`
	Level          Level                `json:"-"`
	ChunkSeconds   int                  `json:"chunk_seconds"`
	Depth          map[audio.Source]int `json:"depth"`
}

// TakeMetrics returns the current metrics and resets the recent drop
// counter.
func (in *Ingress) TakeMetrics() Metrics {
	depth := make(map[audio.Source]int, len(in.queues))
	for src, q := range in.queues {
		depth[src] = q.depth()
	}
	level := in.Level()
	in.mu.Lock()
	defer in.mu.Unlock()
	m := Metrics{
		QueueFillRatio: in.smoothedLocked(),
		DroppedRecent:  in.droppedRecent,
		DroppedTotal:   in.droppedTotal,
		Shed:           in.shed,
		Level:          level,
		Depth:          depth,
	}
	m.ChunkSeconds = chunkSecondsFor(m.QueueFillRatio)
	in.droppedRecent = 0
	return m
}
