// Package vadgate wraps an ASR provider with a voice-activity gate.
//
// When VAD is enabled in the stream's [asr.ConfigStore] the [Router] cuts the
// incoming PCM into windows of chunk_seconds, runs the detector on each one
// and only forwards windows that contain speech, each as its own single-window
// stream whose StartSample is the window's absolute offset. Silent windows
// are reported as skipped events so the stream timeline keeps advancing.
//
// When VAD is disabled (by configuration or by the degrade ladder) the Router
// forwards audio unchanged to one long-lived inner stream. The mode is
// re-evaluated at every chunk, so toggling VAD takes effect at the next
// boundary. A detector that fails to load or errors on a frame never causes
// audio to be dropped.
package vadgate

import (
	"context"
	"log/slog"
	"math"
	"sync/atomic"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/vad"
)

const (
	defaultThreshold     = 0.5
	defaultMinSpeechMs   = 250
	defaultMinSilenceMs  = 100
	defaultChunkSeconds  = 2
	maxChunkSeconds      = 8
	silenceThresholdGap  = 0.15
	passthroughQueueSize = 8
)

// Compile-time assertion that Router implements asr.Provider.
var _ asr.Provider = (*Router)(nil)

// Option is a functional option for configuring a Router.
type Option func(*Router)

// WithDetector sets the VAD engine loader. Defaults to [vad.Default].
func WithDetector(l *vad.Lazy) Option {
	return func(r *Router) { r.detector = l }
}

// WithThreshold sets the speech probability threshold. Defaults to 0.5.
func WithThreshold(p float64) Option {
	return func(r *Router) { r.threshold = p }
}

// WithMinSpeech sets the shortest speech run, in milliseconds, that makes a
// window worth transcribing. Values below 250 are raised to 250.
func WithMinSpeech(ms int) Option {
	return func(r *Router) { r.minSpeechMs = max(ms, defaultMinSpeechMs) }
}

// WithMinSilence sets the silence gap, in milliseconds, that ends a speech
// run. Values below 100 are raised to 100.
func WithMinSilence(ms int) Option {
	return func(r *Router) { r.minSilenceMs = max(ms, defaultMinSilenceMs) }
}

// Stats are the gate's cumulative counters.
type Stats struct {
	SkippedChunks    int64   `json:"skipped_chunks"`
	InferTimeSavedMs float64 `json:"infer_time_saved_ms"`
}

// Router is the VAD-gated provider. It reads vad_enabled and chunk_seconds
// from store at every chunk boundary.
type Router struct {
	inner    asr.Provider
	store    *asr.ConfigStore
	detector *vad.Lazy

	threshold    float64
	minSpeechMs  int
	minSilenceMs int

	skipped atomic.Int64
	savedUs atomic.Int64
}

// New wraps inner. The Router owns no model of its own; every other
// Provider method delegates to inner.
func New(inner asr.Provider, store *asr.ConfigStore, opts ...Option) *Router {
	r := &Router{
		inner:        inner,
		store:        store,
		detector:     vad.Default,
		threshold:    defaultThreshold,
		minSpeechMs:  defaultMinSpeechMs,
		minSilenceMs: defaultMinSilenceMs,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Inner returns the wrapped provider.
func (r *Router) Inner() asr.Provider { return r.inner }

// SetEnabled toggles VAD at runtime. The change applies from the next chunk
// boundary of every stream that reads the Router's own store.
func (r *Router) SetEnabled(enabled bool) {
	r.store.Update(func(c asr.Config) asr.Config {
		c.VADEnabled = enabled
		return c
	})
}

// Enabled reports whether VAD is currently switched on.
func (r *Router) Enabled() bool { return r.store.Load().VADEnabled }

// Stats returns the cumulative skip counters.
func (r *Router) Stats() Stats {
	return Stats{
		SkippedChunks:    r.skipped.Load(),
		InferTimeSavedMs: float64(r.savedUs.Load()) / 1000,
	}
}

// Name returns the inner provider's name.
func (r *Router) Name() string { return r.inner.Name() }

// Available delegates to the inner provider.
func (r *Router) Available() bool { return r.inner.Available() }

// Capabilities returns the inner flags with VAD set.
func (r *Router) Capabilities() asr.Capabilities {
	c := r.inner.Capabilities()
	c.VAD = true
	return c
}

// StartSession delegates to the inner provider.
func (r *Router) StartSession(ctx context.Context, id string) error {
	return r.inner.StartSession(ctx, id)
}

// StopSession delegates to the inner provider.
func (r *Router) StopSession(ctx context.Context, id string) error {
	return r.inner.StopSession(ctx, id)
}

// Flush delegates to the inner provider.
func (r *Router) Flush(ctx context.Context, source audio.Source) ([]asr.Segment, error) {
	return r.inner.Flush(ctx, source)
}

// Health returns the inner snapshot with skipped windows added to the
// dropped count.
func (r *Router) Health() asr.Health {
	h := r.inner.Health()
	h.DroppedChunks += r.skipped.Load()
	return h
}

// Unload delegates to the inner provider.
func (r *Router) Unload() error { return r.inner.Unload() }

func (r *Router) vadConfig(sr int) vad.Config {
	cfg := vad.DefaultConfig()
	cfg.SampleRate = sr
	cfg.SpeechThreshold = r.threshold
	cfg.SilenceThreshold = math.Max(r.threshold-silenceThresholdGap, 0)
	cfg.MinSilenceMs = r.minSilenceMs
	return cfg
}

// TranscribeStream routes in through the gate. See the package
// documentation for the two modes.
func (r *Router) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	out := make(chan asr.Event, 8)
	s := &stream{
		r:         r,
		opts:      opts,
		store:     opts.ConfigOr(r.store),
		out:       out,
		sr:        opts.SampleRate,
		processed: opts.StartSample,
	}
	if s.sr <= 0 {
		s.sr = audio.SampleRate
	}
	go s.run(ctx, in)
	return out
}

// ---- stream -----------------------------------------------------------------

// stream is the per-call state of TranscribeStream, confined to its run
// goroutine.
type stream struct {
	r     *Router
	opts  asr.StreamOptions
	store *asr.ConfigStore
	out   chan<- asr.Event
	sr    int

	// processed is the absolute sample offset of the next byte of input.
	processed int64
	buf       []byte

	sess     vad.SessionHandle
	vadCfg   vad.Config
	vadReady bool // false once the detector has failed for this stream

	pass *passthrough
}

// passthrough is an inner stream fed chunk by chunk while VAD is off.
type passthrough struct {
	in   chan []byte
	done chan struct{}
}

func (s *stream) run(ctx context.Context, in <-chan []byte) {
	defer close(s.out)
	defer func() {
		if s.sess != nil {
			_ = s.sess.Close()
		}
	}()
	s.openDetector()

	for {
		select {
		case <-ctx.Done():
			s.stopPassthrough(ctx)
			return
		case chunk, ok := <-in:
			if !ok {
				s.finish(ctx)
				return
			}
			cfg := s.store.Load()
			if !cfg.VADEnabled || !s.vadReady {
				if !s.forward(ctx, chunk) {
					return
				}
				continue
			}
			s.stopPassthrough(ctx)
			s.buf = append(s.buf, chunk...)
			for {
				n := audio.ChunkBytes(s.sr, float64(s.chunkSeconds(cfg)))
				if len(s.buf) < n {
					break
				}
				window := make([]byte, n)
				copy(window, s.buf[:n])
				s.buf = append(s.buf[:0], s.buf[n:]...)
				if !s.gate(ctx, window) {
					return
				}
			}
		}
	}
}

// openDetector loads the process-wide detector and opens a session for this
// stream. On failure the stream runs in passthrough.
func (s *stream) openDetector() {
	eng, err := s.r.detector.Get()
	if err != nil {
		slog.Warn("vadgate: detector unavailable, passing audio through", "err", err)
		return
	}
	s.vadCfg = s.r.vadConfig(s.sr)
	sess, err := eng.NewSession(s.vadCfg)
	if err != nil {
		slog.Warn("vadgate: cannot open VAD session, passing audio through", "err", err)
		return
	}
	s.sess = sess
	s.vadReady = true
}

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

// forward sends chunk to the passthrough stream, first handing over any
// audio still buffered from VAD mode.
func (s *stream) forward(ctx context.Context, chunk []byte) bool {
	if s.pass == nil {
		s.startPassthrough(ctx)
	}
	if len(s.buf) > 0 {
		pending := s.buf
		s.buf = nil
		if !s.send(ctx, pending) {
			return false
		}
	}
	return s.send(ctx, chunk)
}

func (s *stream) send(ctx context.Context, chunk []byte) bool {
	select {
	case s.pass.in <- chunk:
		s.processed += audio.Samples(chunk)
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *stream) startPassthrough(ctx context.Context) {
	opts := s.opts
	opts.StartSample = s.processed
	p := &passthrough{
		in:   make(chan []byte, passthroughQueueSize),
		done: make(chan struct{}),
	}
	events := s.r.inner.TranscribeStream(ctx, p.in, opts)
	go func() {
		defer close(p.done)
		for ev := range events {
			select {
			case s.out <- ev:
			case <-ctx.Done():
			}
		}
	}()
	s.pass = p
}

// stopPassthrough closes the passthrough input and waits for the inner
// stream to drain its events.
func (s *stream) stopPassthrough(ctx context.Context) {
	if s.pass == nil {
		return
	}
	close(s.pass.in)
	select {
	case <-s.pass.done:
	case <-ctx.Done():
	}
	s.pass = nil
}

// finish handles end of input in either mode.
func (s *stream) finish(ctx context.Context) {
	if s.pass != nil {
		if len(s.buf) > 0 {
			pending := s.buf
			s.buf = nil
			s.send(ctx, pending)
		}
		s.stopPassthrough(ctx)
		return
	}
	if len(s.buf) > 0 {
		pending := s.buf
		s.buf = nil
		s.gate(ctx, pending)
	}
}

// gate runs the detector over window and either skips it or transcribes it
// as a single-window inner stream.
func (s *stream) gate(ctx context.Context, window []byte) bool {
	speech, err := vad.SpeechWindow(s.sess, window, s.vadCfg, s.r.minSpeechMs)
	if err != nil {
		slog.Warn("vadgate: detector error, transcribing window", "source", s.opts.Source, "err", err)
		speech = true
	}
	if !speech {
		return s.skip(ctx, window)
	}

	opts := s.opts
	opts.StartSample = s.processed
	secs := int(math.Ceil(audio.Seconds(window, s.sr)))
	opts.ChunkSecondsHint = func() int { return secs }

	in := make(chan []byte, 1)
	in <- window
	close(in)
	for ev := range s.r.inner.TranscribeStream(ctx, in, opts) {
		select {
		case s.out <- ev:
		case <-ctx.Done():
			return false
		}
	}
	s.processed += audio.Samples(window)
	return ctx.Err() == nil
}

// skip reports window as skipped and credits the inference time it would
// have cost at the inner provider's current realtime factor.
func (s *stream) skip(ctx context.Context, window []byte) bool {
	secs := audio.Seconds(window, s.sr)
	s.processed += audio.Samples(window)
	rtf := s.r.inner.Health().RealtimeFactor
	if rtf <= 0 {
		rtf = 1
	}
	s.r.skipped.Add(1)
	s.r.savedUs.Add(int64(secs * rtf * 1e6))
	slog.Debug("vadgate: skipped silent window", "source", s.opts.Source, "seconds", secs)

	ev := asr.Event{
		ProcessedSamples: s.processed,
		AudioSeconds:     secs,
		Skipped:          true,
	}
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
