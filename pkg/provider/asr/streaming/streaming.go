// Package streaming implements an ASR provider over a resident child process
// that reads raw PCM16 16 kHz mono from stdin and prints transcriptions to
// stdout, such as whisper.cpp's stream example or voxtral realtime builds.
//
// Each transcription stream owns one child. [Provider.StartSession] spawns a
// warm child for the session so the model is loaded before audio arrives.
// A stream claims a child only when its first chunk arrives: the first
// stream with audio takes the warm child and further streams spawn their
// own. A child whose pipe breaks is restarted once transparently; later
// failures surface as transient provider errors.
package streaming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

const (
	defaultReadyTimeout = 120 * time.Second
	defaultStopTimeout  = 5 * time.Second
	defaultQueueSize    = 64
	defaultDelaySeconds = 1.0

	// streamConfidence is assigned to every segment; streaming engines
	// print no scores.
	streamConfidence = 0.8
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Config describes how to launch the child engine.
type Config struct {
	// Name is the registry name. Defaults to "streaming".
	Name string

	// Binary is the engine executable. Required.
	Binary string

	// ModelPath is passed as "-m <path>" when set.
	ModelPath string

	// DelaySeconds is the streaming delay passed as "-I <s>".
	DelaySeconds float64

	// SilenceFlag is appended when non-empty (e.g. "--keep-silence").
	SilenceFlag string

	// ExtraArgs are appended after the documented flags.
	ExtraArgs []string

	// ReadyTimeout bounds the wait for a readiness token. Defaults to 120 s.
	ReadyTimeout time.Duration

	// StopTimeout bounds the wait for the child to exit after stdin is
	// closed. Defaults to 5 s.
	StopTimeout time.Duration

	// QueueSize bounds the parsed-line queue. Defaults to 64.
	QueueSize int

	// Capabilities overrides the static flags. Streaming is always set.
	Capabilities asr.Capabilities
}

// Provider implements asr.Provider over resident child processes.
type Provider struct {
	cfg     Config
	caps    asr.Capabilities
	tracker *asr.Tracker

	mu    sync.Mutex
	warm  map[string]*process
	procs map[string][]*process
}

// New validates cfg and returns a Provider. No child is started until
// StartSession or TranscribeStream.
func New(cfg Config) (*Provider, error) {
	if cfg.Binary == "" {
		return nil, errors.New("streaming: binary must not be empty")
	}
	if cfg.Name == "" {
		cfg.Name = "streaming"
	}
	if cfg.DelaySeconds <= 0 {
		cfg.DelaySeconds = defaultDelaySeconds
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = defaultReadyTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	caps := cfg.Capabilities
	caps.Streaming = true
	caps.ConcurrentInference = true
	return &Provider{
		cfg:     cfg,
		caps:    caps,
		tracker: asr.NewTracker(),
		warm:    make(map[string]*process),
		procs:   make(map[string][]*process),
	}, nil
}

// Name returns the registry name.
func (p *Provider) Name() string { return p.cfg.Name }

// Capabilities returns the capability flags.
func (p *Provider) Capabilities() asr.Capabilities { return p.caps }

// Available reports whether the binary and model file exist.
func (p *Provider) Available() bool {
	if _, err := exec.LookPath(p.cfg.Binary); err != nil {
		return false
	}
	if p.cfg.ModelPath != "" {
		if _, err := os.Stat(p.cfg.ModelPath); err != nil {
			return false
		}
	}
	return true
}

// args builds the child's command line.
func (p *Provider) args() []string {
	args := []string{"--stdin", "-I", strconv.FormatFloat(p.cfg.DelaySeconds, 'f', -1, 64)}
	if p.cfg.SilenceFlag != "" {
		args = append(args, p.cfg.SilenceFlag)
	}
	if p.cfg.ModelPath != "" {
		args = append(args, "-m", p.cfg.ModelPath)
	}
	return append(args, p.cfg.ExtraArgs...)
}

func (p *Provider) spawn(ctx context.Context) (*process, error) {
	proc, err := spawn(ctx, p.cfg.Binary, p.args(), p.cfg.QueueSize, p.cfg.ReadyTimeout)
	if err != nil {
		p.tracker.RecordError(err)
		return nil, asr.Fatal(p.cfg.Name, err)
	}
	p.tracker.MarkLoaded(proc.startedAt)
	slog.Info("streaming: engine ready", "provider", p.cfg.Name, "pid", proc.cmd.Process.Pid,
		"startup", time.Since(proc.startedAt))
	return proc, nil
}

// StartSession spawns a warm child for the session and waits until it is
// ready.
func (p *Provider) StartSession(ctx context.Context, sessionID string) error {
	proc, err := p.spawn(ctx)
	if err != nil {
		return err
	}
	p.mu.Lock()
	if old := p.warm[sessionID]; old != nil {
		go old.stop(p.cfg.StopTimeout)
	}
	p.warm[sessionID] = proc
	p.procs[sessionID] = append(p.procs[sessionID], proc)
	p.mu.Unlock()
	p.tracker.SessionStarted()
	return nil
}

// StopSession stops every child of the session within the stop timeout.
func (p *Provider) StopSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	procs := p.procs[sessionID]
	_, hadWarm := p.warm[sessionID]
	delete(p.procs, sessionID)
	delete(p.warm, sessionID)
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			proc.stop(p.cfg.StopTimeout)
		}()
	}
	wg.Wait()
	if hadWarm || len(procs) > 0 {
		p.tracker.SessionStopped()
	}
	return nil
}

// claim returns the session's warm child or spawns a new one.
func (p *Provider) claim(ctx context.Context, sessionID string) (*process, error) {
	p.mu.Lock()
	if proc := p.warm[sessionID]; proc != nil && !proc.exited() {
		delete(p.warm, sessionID)
		p.mu.Unlock()
		return proc, nil
	}
	delete(p.warm, sessionID)
	p.mu.Unlock()

	proc, err := p.spawn(ctx)
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.procs[sessionID] = append(p.procs[sessionID], proc)
	p.mu.Unlock()
	return proc, nil
}

// Flush returns nil; lines are delivered as they are printed.
func (p *Provider) Flush(context.Context, audio.Source) ([]asr.Segment, error) {
	return nil, nil
}

// Health returns the provider's runtime metrics.
func (p *Provider) Health() asr.Health { return p.tracker.Snapshot() }

// Unload stops every child.
func (p *Provider) Unload() error {
	p.mu.Lock()
	var all []*process
	for _, procs := range p.procs {
		all = append(all, procs...)
	}
	p.procs = make(map[string][]*process)
	p.warm = make(map[string]*process)
	p.mu.Unlock()

	for _, proc := range all {
		proc.stop(p.cfg.StopTimeout)
	}
	p.tracker.MarkLoaded(time.Time{})
	return nil
}

// TranscribeStream writes every chunk to a child's stdin and relays its
// output as segments.
func (p *Provider) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	out := make(chan asr.Event, 8)
	go p.run(ctx, in, opts, out)
	return out
}

// ---- stream -----------------------------------------------------------------

type stream struct {
	p    *Provider
	opts asr.StreamOptions
	out  chan<- asr.Event
	sr   int

	processed int64
	base      float64 // stream time at which the current child started
	lastT0    float64
	lastT1    float64
}

func (p *Provider) run(ctx context.Context, in <-chan []byte, opts asr.StreamOptions, out chan<- asr.Event) {
	defer close(out)

	s := &stream{p: p, opts: opts, out: out, sr: opts.SampleRate, processed: opts.StartSample}
	if s.sr <= 0 {
		s.sr = audio.SampleRate
	}
	s.base = float64(s.processed) / float64(s.sr)
	s.lastT0, s.lastT1 = s.base, s.base

	// A source that never sends audio never gets a child.
	var first []byte
	select {
	case <-ctx.Done():
		return
	case chunk, ok := <-in:
		if !ok {
			return
		}
		first = chunk
	}

	proc, err := p.claim(ctx, opts.SessionID)
	if err != nil {
		s.emit(ctx, asr.Event{Err: err, ProcessedSamples: s.processed})
		return
	}
	defer func() { proc.stop(p.cfg.StopTimeout) }()

	restarted := false
	restart := func() bool {
		if restarted {
			return false
		}
		restarted = true
		slog.Warn("streaming: engine pipe broken, restarting", "provider", p.cfg.Name, "session_id", opts.SessionID)
		go proc.stop(p.cfg.StopTimeout)
		next, err := p.claim(ctx, opts.SessionID)
		if err != nil {
			s.emit(ctx, asr.Event{Err: err, ProcessedSamples: s.processed})
			return false
		}
		proc = next
		s.base = float64(s.processed) / float64(s.sr)
		return true
	}

	// write feeds one chunk to the child, restarting it once on a broken
	// pipe. It reports false when the stream must end.
	write := func(chunk []byte) bool {
		start := time.Now()
		err := proc.write(chunk)
		if err != nil && restart() {
			err = proc.write(chunk)
		}
		if err != nil {
			p.tracker.RecordError(err)
			return s.emit(ctx, asr.Event{Err: asr.Transient(p.cfg.Name, fmt.Errorf("write: %w", err)), ProcessedSamples: s.processed})
		}
		s.processed += audio.Samples(chunk)
		p.tracker.RecordInference(time.Since(start), audio.Seconds(chunk, s.sr))
		return true
	}
	if !write(first) {
		return
	}

	inCh := in
	var drain <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return

		case <-drain:
			slog.Warn("streaming: engine did not finish after input closed", "provider", p.cfg.Name)
			return

		case chunk, ok := <-inCh:
			if !ok {
				inCh = nil
				proc.closeStdin()
				drain = time.After(p.cfg.StopTimeout)
				continue
			}
			if !write(chunk) {
				return
			}

		case l, ok := <-proc.results:
			if !ok {
				if inCh == nil {
					return
				}
				// The child closed stdout while input is still flowing.
				if !restart() {
					s.emit(ctx, asr.Event{Err: asr.Transient(p.cfg.Name, errors.New("engine exited")), ProcessedSamples: s.processed})
					return
				}
				continue
			}
			if !s.emit(ctx, asr.Event{Segments: []asr.Segment{s.segment(l)}, ProcessedSamples: s.processed}) {
				return
			}
		}
	}
}

// segment converts a parsed line into an absolute segment.
func (s *stream) segment(l line) asr.Segment {
	t0, t1 := s.lastT1, float64(s.processed)/float64(s.sr)
	if l.timed {
		t0, t1 = s.base+l.t0, s.base+l.t1
	}
	t0 = max(t0, s.lastT0)
	t1 = max(t1, t0)
	s.lastT0, s.lastT1 = t0, t1
	return asr.Segment{
		Text:       l.text,
		T0:         t0,
		T1:         t1,
		Confidence: streamConfidence,
		Source:     s.opts.Source,
	}
}

func (s *stream) emit(ctx context.Context, ev asr.Event) bool {
	select {
	case s.out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
