// Package batch implements the chunked-batch ASR provider.
//
// The provider accumulates incoming PCM into fixed-size windows of
// chunk_seconds, runs one engine inference per window and emits final
// segments whose timestamps are derived from the number of samples already
// processed. The window size, model and drop mode are read from the stream's
// [asr.ConfigStore] at every window boundary, so runtime changes made by the
// degrade ladder take effect between windows and never mid-inference.
//
// Engines that are not safe for concurrent use are serialised behind a
// per-provider inference lock.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

const (
	// minFlushSeconds is the shortest residual buffer transcribed at end of
	// stream.
	minFlushSeconds = 0.5

	// minFlushRMS is the quietest residual buffer transcribed at end of
	// stream. Below it engines tend to hallucinate text on noise.
	minFlushRMS = 0.01

	// Final-flush segments below both limits are dropped.
	minFlushConfidence = 0.3
	minFlushWords      = 3

	defaultChunkSeconds = 2
	maxChunkSeconds     = 8

	// maxOverlap is how far a segment may start before the end of the
	// previous one.
	maxOverlap = 0.05
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithName overrides the registry name reported by Name. Defaults to the
// engine name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithCapabilities overrides the capability flags. Batch is always forced on
// and ConcurrentInference always follows the engine.
func WithCapabilities(c asr.Capabilities) Option {
	return func(p *Provider) { p.caps = c }
}

// Provider implements asr.Provider over a single-window Engine.
type Provider struct {
	name    string
	engine  Engine
	store   *asr.ConfigStore
	caps    asr.Capabilities
	tracker *asr.Tracker

	// inferMu serialises engine calls when the engine is not concurrent-safe.
	inferMu sync.Mutex

	// switchMu guards model switches.
	switchMu sync.Mutex
}

// New creates a Provider that reads its runtime configuration from store.
func New(engine Engine, store *asr.ConfigStore, opts ...Option) (*Provider, error) {
	if engine == nil {
		return nil, errors.New("batch: engine must not be nil")
	}
	if store == nil {
		return nil, errors.New("batch: config store must not be nil")
	}
	p := &Provider{
		name:    engine.Name(),
		engine:  engine,
		store:   store,
		tracker: asr.NewTracker(),
	}
	for _, o := range opts {
		o(p)
	}
	p.caps.Batch = true
	p.caps.ConcurrentInference = engine.ConcurrentSafe()
	p.tracker.MarkLoaded(time.Now())
	return p, nil
}

// Name returns the registry name.
func (p *Provider) Name() string { return p.name }

// Capabilities returns the capability flags.
func (p *Provider) Capabilities() asr.Capabilities { return p.caps }

// Available reports whether the engine's dependencies are reachable. Engines
// without a Checker are assumed available.
func (p *Provider) Available() bool {
	c, ok := p.engine.(Checker)
	if !ok {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return c.Check(ctx) == nil
}

// StartSession marks a session active.
func (p *Provider) StartSession(ctx context.Context, _ string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("batch: %w", err)
	}
	p.tracker.SessionStarted()
	return nil
}

// StopSession marks a session inactive.
func (p *Provider) StopSession(context.Context, string) error {
	p.tracker.SessionStopped()
	return nil
}

// Flush returns nil: residual audio is flushed when the input channel of
// TranscribeStream closes.
func (p *Provider) Flush(context.Context, audio.Source) ([]asr.Segment, error) {
	return nil, nil
}

// Health returns the provider's runtime metrics.
func (p *Provider) Health() asr.Health { return p.tracker.Snapshot() }

// Unload closes the engine.
func (p *Provider) Unload() error {
	p.tracker.MarkLoaded(time.Time{})
	if err := p.engine.Close(); err != nil {
		return fmt.Errorf("batch: close engine: %w", err)
	}
	return nil
}

// TranscribeStream starts the window loop. The returned channel is closed
// after the residual buffer has been flushed or ctx is cancelled.
func (p *Provider) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	out := make(chan asr.Event, 8)
	s := &stream{
		p:         p,
		opts:      opts,
		store:     opts.ConfigOr(p.store),
		out:       out,
		sr:        opts.SampleRate,
		processed: opts.StartSample,
	}
	if s.sr <= 0 {
		s.sr = audio.SampleRate
	}
	s.lastT0 = float64(s.processed) / float64(s.sr)
	s.lastT1 = s.lastT0
	go s.run(ctx, in)
	return out
}

// ---- stream -----------------------------------------------------------------

// stream is the per-call state of TranscribeStream. It is confined to the
// run goroutine.
type stream struct {
	p     *Provider
	opts  asr.StreamOptions
	store *asr.ConfigStore
	out   chan<- asr.Event
	sr    int

	buf       []byte
	processed int64
	lastT0    float64
	lastT1    float64
	index     int
}

func (s *stream) run(ctx context.Context, in <-chan []byte) {
	defer close(s.out)
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				s.flush(ctx)
				return
			}
			s.buf = append(s.buf, chunk...)
			for {
				cfg := s.store.Load()
				n := audio.ChunkBytes(s.sr, float64(s.chunkSeconds(cfg)))
				if len(s.buf) < n {
					break
				}
				window := make([]byte, n)
				copy(window, s.buf[:n])
				s.buf = append(s.buf[:0], s.buf[n:]...)
				if !s.emit(ctx, s.process(ctx, window, cfg, false)) {
					return
				}
			}
			s.p.tracker.SetBacklog(len(s.buf) / max(audio.ChunkBytes(s.sr, defaultChunkSeconds), 1))
		}
	}
}

// chunkSeconds picks the window length for the next chunk.
func (s *stream) chunkSeconds(cfg asr.Config) int {
	secs := cfg.ChunkSeconds
	if secs <= 0 {
		secs = defaultChunkSeconds
	}
	if s.opts.ChunkSecondsHint != nil {
		secs = max(secs, s.opts.ChunkSecondsHint())
	}
	return min(secs, maxChunkSeconds)
}

// flush transcribes the residual buffer if it passes the hallucination
// guard.
func (s *stream) flush(ctx context.Context) {
	pcm := s.buf
	s.buf = nil
	if len(pcm) == 0 {
		return
	}
	if audio.Seconds(pcm, s.sr) < minFlushSeconds || audio.RMS(pcm) < minFlushRMS {
		slog.Debug("batch: discarding residual audio",
			"provider", s.p.name, "source", s.opts.Source,
			"seconds", audio.Seconds(pcm, s.sr), "rms", audio.RMS(pcm))
		return
	}
	s.emit(ctx, s.process(ctx, pcm, s.store.Load(), true))
}

func (s *stream) emit(ctx context.Context, ev asr.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// process runs inference over one window and advances the sample counter.
func (s *stream) process(ctx context.Context, pcm []byte, cfg asr.Config, final bool) asr.Event {
	base := float64(s.processed) / float64(s.sr)
	seconds := audio.Seconds(pcm, s.sr)
	index := s.index
	s.index++
	s.processed += audio.Samples(pcm)

	ev := asr.Event{ProcessedSamples: s.processed, AudioSeconds: seconds}

	if cfg.DropAlternate && !final && index%2 == 1 {
		s.p.tracker.RecordDropped()
		ev.Skipped = true
		return ev
	}

	segs, dur, err := s.p.infer(ctx, Window{PCM: pcm, SampleRate: s.sr}, cfg, s.opts.Gate)
	ev.Inference = dur
	if err != nil {
		s.p.tracker.RecordError(err)
		var pe *asr.ProviderError
		if !errors.As(err, &pe) {
			err = asr.Transient(s.p.name, err)
		}
		ev.Err = err
		return ev
	}
	s.p.tracker.RecordInference(dur, seconds)

	for _, es := range segs {
		text := strings.TrimSpace(es.Text)
		if text == "" {
			continue
		}
		start := min(max(es.Start, 0), seconds)
		end := es.End
		if end <= 0 || end > seconds {
			end = seconds
		}
		t0 := max(base+start, s.lastT0, s.lastT1-maxOverlap)
		t1 := max(base+end, t0)
		seg := asr.Segment{
			Text:       text,
			T0:         t0,
			T1:         t1,
			Confidence: es.confidence(),
			Source:     s.opts.Source,
			Language:   es.Language,
		}
		if seg.Language == "" {
			seg.Language = cfg.Language
		}
		if final && seg.Confidence < minFlushConfidence && seg.WordCount() < minFlushWords {
			continue
		}
		s.lastT0 = t0
		s.lastT1 = max(s.lastT1, t1)
		ev.Segments = append(ev.Segments, seg)
	}
	return ev
}

// infer performs one engine call under the inference gate and, for
// non-concurrent engines, the provider lock.
func (p *Provider) infer(ctx context.Context, w Window, cfg asr.Config, gate asr.InferenceGate) ([]EngineSegment, time.Duration, error) {
	if err := p.switchModel(cfg.ModelName); err != nil {
		slog.Warn("batch: model switch failed, keeping current model",
			"provider", p.name, "model", cfg.ModelName, "err", err)
	}

	if gate != nil {
		if err := gate.AcquireInference(ctx); err != nil {
			return nil, 0, fmt.Errorf("batch: acquire inference slot: %w", err)
		}
		defer gate.ReleaseInference()
	}
	if !p.caps.ConcurrentInference {
		p.inferMu.Lock()
		defer p.inferMu.Unlock()
	}

	start := time.Now()
	segs, err := p.engine.Transcribe(ctx, w, cfg)
	return segs, time.Since(start), err
}

// switchModel changes the engine model when the configuration asks for a
// different one and the engine supports switching.
func (p *Provider) switchModel(name string) error {
	sw, ok := p.engine.(ModelSwitcher)
	if !ok || name == "" {
		return nil
	}
	p.switchMu.Lock()
	defer p.switchMu.Unlock()
	if sw.Model() == name {
		return nil
	}
	// Wait for in-flight inference on engines that cannot run concurrently.
	if !p.caps.ConcurrentInference {
		p.inferMu.Lock()
		defer p.inferMu.Unlock()
	}
	slog.Info("batch: switching model", "provider", p.name, "from", sw.Model(), "to", name)
	return sw.SwitchModel(name)
}
