// Package session runs one live-listener connection from the first frame to
// the final summary.
//
// A [Session] reads client frames from its [Transport], feeds audio into a
// per-source [concurrency.Ingress], runs one transcription stream per source
// against the provider held by the model manager and emits every final
// segment as an asr_final frame. Analysis updates and diagnostics frames are
// sent on a cadence. On stop the session drains the ASR streams within a
// bounded time, optionally diarizes each source and emits exactly one
// final_summary.
//
// Within a source segments leave the session in non-decreasing start order;
// across sources they interleave in arrival order and are only sorted at
// finalisation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echopanel/internal/analysis"
	"github.com/MrWong99/echopanel/internal/caption"
	"github.com/MrWong99/echopanel/internal/concurrency"
	"github.com/MrWong99/echopanel/internal/degrade"
	"github.com/MrWong99/echopanel/internal/diarize"
	"github.com/MrWong99/echopanel/internal/indexer"
	"github.com/MrWong99/echopanel/internal/observe"
	"github.com/MrWong99/echopanel/internal/protocol"
	"github.com/MrWong99/echopanel/internal/transcript"
	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// sourceApp identifies this server to the indexer.
const sourceApp = "echopanel"

// stopTimeout caps provider StopSession calls.
const stopTimeout = 5 * time.Second

// ErrProviderFatal is returned by [Session.Run] when transcription cannot
// continue: the model never became ready, the provider failed fatally or a
// streak of chunk failures was reached.
var ErrProviderFatal = errors.New("session: provider failed")

// ErrInternal is returned by [Session.Run] when a worker panicked. The
// client received an error status carrying the id that was logged.
var ErrInternal = errors.New("session: internal error")

// Transport is the message connection a session talks over. Read and Send
// may be called from different goroutines; Send is never called
// concurrently with itself.
type Transport interface {
	// Read returns the next client frame. binary is true for binary frames.
	Read(ctx context.Context) (data []byte, binary bool, err error)

	// Send writes v as one JSON text frame.
	Send(ctx context.Context, v any) error
}

// Models hands out the active provider. [*model.Manager] satisfies it.
type Models interface {
	// Acquire waits for the provider and keeps it loaded until Release,
	// even when the model is reloaded meanwhile.
	Acquire(ctx context.Context, timeout time.Duration) (asr.Provider, error)
	Release(p asr.Provider)
}

// switcher is implemented by providers that can move onto a fallback.
type switcher interface {
	Failover(ctx context.Context) error
	Failback(ctx context.Context) error
}

// Config tunes a [Session]. Zero fields take the defaults.
type Config struct {
	// FlushTimeout bounds the drain after stop. Default 5 s.
	FlushTimeout time.Duration

	// ReadyTimeout bounds the wait for the model at start. Default 30 s.
	ReadyTimeout time.Duration

	// Diarization enables per-source PCM buffers and speaker labelling.
	Diarization bool

	// DiarizationMaxSeconds caps each per-source buffer. Default 1800.
	DiarizationMaxSeconds int

	// ErrorStreak is the number of consecutive failed chunks that ends the
	// session. Default 5.
	ErrorStreak int

	// FailoverAfter is the number of consecutive transient errors after
	// which the degrade ladder fails over. Default 3.
	FailoverAfter int

	// EntityInterval, CardInterval and MetricsInterval set the cadence of
	// entities_update, cards_update and metrics frames. Defaults 12 s, 28 s
	// and 1 s.
	EntityInterval  time.Duration
	CardInterval    time.Duration
	MetricsInterval time.Duration

	// AnalysisWindow is the transcript span, in seconds, covered by the
	// cadence updates. Default 600.
	AnalysisWindow float64

	// MicQueue and SystemQueue are the ingress capacities. Defaults 100 and 50.
	MicQueue    int
	SystemQueue int
}

func (c Config) withDefaults() Config {
	if c.FlushTimeout <= 0 {
		c.FlushTimeout = 5 * time.Second
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 30 * time.Second
	}
	if c.DiarizationMaxSeconds <= 0 {
		c.DiarizationMaxSeconds = diarize.DefaultMaxSeconds
	}
	if c.ErrorStreak <= 0 {
		c.ErrorStreak = 5
	}
	if c.FailoverAfter <= 0 {
		c.FailoverAfter = degrade.DefaultFailoverAfterErr
	}
	if c.EntityInterval <= 0 {
		c.EntityInterval = 12 * time.Second
	}
	if c.CardInterval <= 0 {
		c.CardInterval = 28 * time.Second
	}
	if c.MetricsInterval <= 0 {
		c.MetricsInterval = time.Second
	}
	if c.AnalysisWindow <= 0 {
		c.AnalysisWindow = 600
	}
	if c.MicQueue <= 0 {
		c.MicQueue = concurrency.DefaultMicQueue
	}
	if c.SystemQueue <= 0 {
		c.SystemQueue = concurrency.DefaultSystemQueue
	}
	return c
}

// Deps holds the collaborators of a [Session]. Models and Store are
// required.
type Deps struct {
	Models Models

	// Store seeds the session's private ASR config. The degrade ladder only
	// ever changes the private copy.
	Store *asr.ConfigStore

	// Limiter bounds inference across sessions. Nil disables the bound.
	Limiter *concurrency.Controller

	// NewAnalyzer returns the analysis hooks for one session. Defaults to
	// the rule-based extractor.
	NewAnalyzer func() analysis.Analyzer

	// Diarizer labels speakers at finalisation when diarization is enabled.
	Diarizer diarize.Diarizer

	// Indexer receives the transcript. Defaults to [indexer.Noop].
	Indexer indexer.Indexer

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics
}

// Session is the state of one connection. Create it with [New] and drive it
// with [Session.Run].
type Session struct {
	cfg  Config
	deps Deps
	t    Transport

	sendMu sync.Mutex

	// Set by start on the Run goroutine before any worker starts.
	started   bool
	sessionID string
	attemptID string
	archiveID string
	provider  asr.Provider
	store     *asr.ConfigStore
	ingress   *concurrency.Ingress
	ladder    *degrade.Ladder
	buffers   *diarize.Buffers
	analyzer  analysis.Analyzer
	log       transcript.Log
	workers   errgroup.Group
	asrCancel context.CancelFunc
	analyst   *analyst
	metricsWg sync.WaitGroup
	stopTick  chan struct{}
	span      trace.Span

	streak        atomic.Int32
	bytesReceived atomic.Int64

	capMu    sync.Mutex
	captions *caption.Writer

	failMu  sync.Mutex
	failErr error
	cancel  context.CancelFunc

	finalOnce sync.Once
	final     protocol.FinalSummary
}

// New returns a session over t.
func New(t Transport, cfg Config, deps Deps) *Session {
	if deps.NewAnalyzer == nil {
		deps.NewAnalyzer = func() analysis.Analyzer { return analysis.NewExtractor() }
	}
	if deps.Indexer == nil {
		deps.Indexer = indexer.Noop{}
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}
	return &Session{cfg: cfg.withDefaults(), deps: deps, t: t, stopTick: make(chan struct{})}
}

// ID returns the session id once started.
func (s *Session) ID() string { return s.sessionID }

// Run serves the connection until the client stops the session, the
// transport fails or ctx ends. It sends the connected status first. A nil
// return means the session was stopped and finalised; a transport error is
// returned wrapped; a fatal provider failure returns an error wrapping
// [ErrProviderFatal] after the error status was sent.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer cancel()

	s.send(ctx, protocol.NewStatus(protocol.StateConnected, ""))

	for {
		data, binary, err := s.t.Read(ctx)
		if err != nil {
			s.teardown()
			if ferr := s.failure(); ferr != nil {
				return ferr
			}
			return fmt.Errorf("session: read: %w", err)
		}

		done, err := s.handle(ctx, data, binary)
		if err != nil {
			s.teardown()
			return err
		}
		if done {
			return nil
		}
	}
}

// handle dispatches one client frame. done is true once the session has been
// finalised.
func (s *Session) handle(ctx context.Context, data []byte, binary bool) (done bool, err error) {
	var msg protocol.Inbound
	if binary {
		msg, err = protocol.DecodeBinary(data)
	} else {
		msg, err = protocol.Decode(data)
	}
	if err != nil {
		s.validationError(ctx, err)
		return false, nil
	}

	switch m := msg.(type) {
	case *protocol.Start:
		return false, s.start(ctx, m)
	case *protocol.Audio:
		s.audio(ctx, m)
	case *protocol.CaptionConfig:
		s.captionConfig(ctx, m)
	case *protocol.Stop:
		if !s.started {
			s.validationError(ctx, fmt.Errorf("%w: stop before start", protocol.ErrValidation))
			return false, nil
		}
		s.Finalize(ctx)
		return true, nil
	}
	return false, nil
}

func (s *Session) validationError(ctx context.Context, err error) {
	slog.Debug("session: rejected frame", "session_id", s.sessionID, "err", err)
	s.send(ctx, protocol.NewError(err.Error()))
}

// start opens the session: it waits for the model, registers with the
// indexer and starts the ASR, analysis and metrics workers.
func (s *Session) start(ctx context.Context, m *protocol.Start) error {
	if s.started {
		s.validationError(ctx, fmt.Errorf("%w: session already started", protocol.ErrValidation))
		return nil
	}
	if err := m.Validate(); err != nil {
		s.validationError(ctx, err)
		return nil
	}

	p, err := s.deps.Models.Acquire(ctx, s.cfg.ReadyTimeout)
	if err != nil {
		return s.fatal(ctx, fmt.Errorf("model not ready: %w", err))
	}

	archiveID, _ := s.deps.Indexer.SessionStart(ctx, m.SessionID, sourceApp)
	s.sessionID = m.SessionID
	if s.sessionID == "" {
		s.sessionID = archiveID
	}
	if s.sessionID == "" {
		s.sessionID = uuid.NewString()
	}
	s.archiveID = archiveID
	s.attemptID = m.AttemptID

	if err := p.StartSession(ctx, s.sessionID); err != nil {
		s.deps.Models.Release(p)
		return s.fatal(ctx, fmt.Errorf("start %s: %w", p.Name(), err))
	}
	s.provider = p
	_, s.span = observe.StartSession(ctx, s.sessionID, p.Name())

	s.ingress = concurrency.NewIngress(concurrency.IngressConfig{
		Capacity: map[audio.Source]int{
			audio.SourceMic:    s.cfg.MicQueue,
			audio.SourceSystem: s.cfg.SystemQueue,
		},
	})
	if s.cfg.Diarization {
		s.buffers = diarize.NewBuffers(audio.SampleRate, s.cfg.DiarizationMaxSeconds)
	}
	s.analyzer = s.deps.NewAnalyzer()
	s.store = asr.NewConfigStore(s.deps.Store.Load())
	s.ladder = s.newLadder(p)

	s.deps.Metrics.ActiveSessions.Add(ctx, 1)
	s.started = true

	// Workers outlive the frame that started them but not the connection.
	asrCtx, asrCancel := context.WithCancel(ctx)
	s.asrCancel = asrCancel
	for _, src := range audio.Sources {
		s.workers.Go(func() error {
			defer s.recoverWorker(ctx, "asr:"+string(src))
			s.runSource(asrCtx, p, src)
			return nil
		})
	}
	s.analyst = newAnalyst(s)
	s.analyst.start(ctx)
	s.metricsWg.Add(1)
	go s.metricsLoop(ctx)

	slog.Info("session: started",
		"session_id", s.sessionID,
		"attempt_id", s.attemptID,
		"provider", p.Name(),
		"diarization", s.cfg.Diarization,
	)
	s.send(ctx, protocol.NewStatus(protocol.StateStreaming, ""))
	return nil
}

func (s *Session) newLadder(p asr.Provider) *degrade.Ladder {
	opts := []degrade.Option{
		degrade.WithFailoverAfter(s.cfg.FailoverAfter),
		degrade.WithOnTransition(func(tr degrade.Transition) {
			s.deps.Metrics.RecordDegrade(context.Background(), tr.To.String())
			slog.Info("session: degrade transition",
				"session_id", s.sessionID,
				"from", tr.From.String(),
				"to", tr.To.String(),
				"rtf", tr.RTF,
				"action", tr.Action,
			)
		}),
	}
	if sw, ok := p.(switcher); ok {
		opts = append(opts, degrade.WithFailover(sw.Failover, sw.Failback))
	}
	return degrade.New(s.store, opts...)
}

// audio forwards one chunk to the ingress.
func (s *Session) audio(ctx context.Context, m *protocol.Audio) {
	if !s.started {
		s.validationError(ctx, fmt.Errorf("%w: audio before start", protocol.ErrValidation))
		return
	}
	s.bytesReceived.Add(int64(len(m.Data)))
	s.deps.Metrics.RecordAudio(ctx, string(m.Source), len(m.Data))

	res := s.ingress.Submit(m.Source, m.Data)
	if res.Dropped {
		s.deps.Metrics.RecordDropped(ctx, string(m.Source), 1)
	}
	if res.FirstDrop {
		slog.Warn("session: backpressure, dropping oldest audio", "session_id", s.sessionID, "source", m.Source)
		s.send(ctx, protocol.NewStatus(protocol.StateBackpressure, "audio queue full; dropping oldest chunks"))
	}
}

// captionConfig replaces the caption writer.
func (s *Session) captionConfig(ctx context.Context, m *protocol.CaptionConfig) {
	if err := m.Validate(); err != nil {
		s.validationError(ctx, err)
		return
	}
	var w *caption.Writer
	if m.Enable {
		var err error
		w, err = caption.New(caption.Config{
			Format:     m.Format,
			FileOutput: m.FileOutput,
			UDPHost:    m.UDPHost,
			UDPPort:    m.UDPPort,
		})
		if err != nil {
			s.validationError(ctx, fmt.Errorf("%w: %v", protocol.ErrValidation, err))
			return
		}
	}

	s.capMu.Lock()
	old := s.captions
	s.captions = w
	s.capMu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	format := ""
	if w != nil {
		format = w.Format()
	}
	s.send(ctx, protocol.NewCaptionStatus(w != nil, format))
}

// send serialises outbound frames. Send failures are left to the reader to
// notice.
func (s *Session) send(ctx context.Context, v any) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if err := s.t.Send(ctx, v); err != nil {
		slog.Debug("session: send failed", "session_id", s.sessionID, "err", err)
	}
}

// fatal reports err to the client and returns it wrapped in
// [ErrProviderFatal].
func (s *Session) fatal(ctx context.Context, err error) error {
	s.fail(ctx, err)
	return s.failure()
}

// fail sends one error status and cancels Run. Safe to call from any
// goroutine; only the first failure has an effect.
func (s *Session) fail(ctx context.Context, err error) {
	if s.abort(fmt.Errorf("%w: %w", ErrProviderFatal, err)) {
		slog.Error("session: fatal", "session_id", s.sessionID, "err", err)
		s.send(ctx, protocol.NewError(err.Error()))
		s.cancelRun()
	}
}

// recoverWorker is deferred by every worker goroutine. A panic ends the
// session with an opaque error id instead of taking the process down.
func (s *Session) recoverWorker(ctx context.Context, worker string) {
	v := recover()
	if v == nil {
		return
	}
	id := uuid.NewString()
	if !s.abort(fmt.Errorf("%w: %s worker: %v", ErrInternal, worker, v)) {
		return
	}
	slog.Error("session: worker panicked",
		"session_id", s.sessionID,
		"worker", worker,
		"error_id", id,
		"panic", v,
		"stack", string(debug.Stack()),
	)
	s.send(context.WithoutCancel(ctx), protocol.NewInternalError(id))
	s.cancelRun()
}

// abort records err as the session failure. It reports false when a
// failure was already recorded.
func (s *Session) abort(err error) bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if s.failErr != nil {
		return false
	}
	s.failErr = err
	return true
}

func (s *Session) cancelRun() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Session) failure() error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.failErr
}

// teardown releases everything after a disconnect or failure. Queued audio is
// discarded and no summary is produced.
func (s *Session) teardown() {
	if !s.started {
		return
	}
	s.finalOnce.Do(func() {
		n := s.ingress.Discard()
		s.asrCancel()
		_ = s.workers.Wait()
		s.stopBackground()
		s.ladder.Close()
		s.stopProvider()
		s.closeCaptions()
		_ = s.deps.Indexer.SessionEnd(context.Background(), s.archiveID)
		s.deps.Metrics.ActiveSessions.Add(context.Background(), -1)
		s.span.End()
		slog.Info("session: closed without stop",
			"session_id", s.sessionID,
			"discarded_chunks", n,
			"segments", s.log.Len(),
			"bytes_received", s.bytesReceived.Load(),
		)
	})
}

func (s *Session) stopBackground() {
	s.analyst.stop()
	close(s.stopTick)
	s.metricsWg.Wait()
}

func (s *Session) stopProvider() {
	ctx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	if err := s.provider.StopSession(ctx, s.sessionID); err != nil {
		slog.Warn("session: provider stop failed", "session_id", s.sessionID, "err", err)
	}
	s.deps.Models.Release(s.provider)
}

func (s *Session) closeCaptions() {
	s.capMu.Lock()
	w := s.captions
	s.captions = nil
	s.capMu.Unlock()
	if w != nil {
		_ = w.Close()
	}
}

// metricsLoop sends a metrics frame on every tick while the session streams.
func (s *Session) metricsLoop(ctx context.Context) {
	defer s.metricsWg.Done()
	defer s.recoverWorker(ctx, "metrics")
	ticker := time.NewTicker(s.cfg.MetricsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopTick:
			return
		case <-ticker.C:
			s.send(ctx, s.metricsFrame())
		}
	}
}

func (s *Session) metricsFrame() protocol.Metrics {
	m := s.ingress.TakeMetrics()
	h := s.provider.Health()
	return protocol.Metrics{
		Type:              protocol.TypeMetrics,
		QueueFillRatio:    m.QueueFillRatio,
		DroppedRecent:     m.DroppedRecent,
		DroppedTotal:      m.DroppedTotal,
		AvgInferMs:        h.AvgInferMs,
		RealtimeFactor:    h.RealtimeFactor,
		BackpressureLevel: m.Level.String(),
		Degrade:           s.ladder.Level().String(),
		ChunkSeconds:      s.store.Load().ChunkSeconds,
		Provider:          s.provider.Name(),
	}
}
