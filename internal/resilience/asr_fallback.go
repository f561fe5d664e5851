package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// errStreamEnded reports an engine stream that closed while audio was still
// arriving.
var errStreamEnded = errors.New("stream ended before input closed")

// ASRFallback implements [asr.Provider] over an ordered group of ASR
// providers, exactly one of which is active at a time. Each provider has its
// own circuit breaker, fed by the outcome of every transcription event.
//
// Switching is explicit: the degrade ladder calls [ASRFallback.Failover] when
// the active provider keeps failing and [ASRFallback.Failback] once it has
// recovered. Running streams move to the new provider at the next chunk
// boundary; the old engine is drained first and the new stream continues the
// timeline from the last forwarded sample.
type ASRFallback struct {
	group *FallbackGroup[asr.Provider]

	// switchMu serialises Failover and Failback.
	switchMu sync.Mutex

	mu       sync.Mutex
	active   int
	notify   chan struct{}
	sessions map[string]map[int]bool
}

var _ asr.Provider = (*ASRFallback)(nil)

// NewASRFallback creates an [ASRFallback] with primary active.
func NewASRFallback(primary asr.Provider, cfg FallbackConfig) *ASRFallback {
	return &ASRFallback{
		group:    NewFallbackGroup(primary, primary.Name(), cfg),
		notify:   make(chan struct{}),
		sessions: make(map[string]map[int]bool),
	}
}

// AddFallback registers p after the existing providers. It must be called
// before the provider is used.
func (f *ASRFallback) AddFallback(p asr.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// current returns the active entry and the channel closed on the next switch.
func (f *ASRFallback) current() (int, Entry[asr.Provider], <-chan struct{}) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active, f.group.Entry(f.active), f.notify
}

// Active returns the index of the active provider; 0 is the primary.
func (f *ASRFallback) Active() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.active
}

// Breakers returns the breaker snapshot of every provider in order.
func (f *ASRFallback) Breakers() []BreakerStats { return f.group.Stats() }

// Name returns the name of the active provider.
func (f *ASRFallback) Name() string {
	_, e, _ := f.current()
	return e.Name
}

// Available reports whether any provider is available.
func (f *ASRFallback) Available() bool {
	for i := range f.group.Len() {
		if f.group.Entry(i).Value.Available() {
			return true
		}
	}
	return false
}

// Capabilities returns the active provider's capabilities.
func (f *ASRFallback) Capabilities() asr.Capabilities {
	_, e, _ := f.current()
	return e.Value.Capabilities()
}

// Health returns the active provider's health.
func (f *ASRFallback) Health() asr.Health {
	_, e, _ := f.current()
	return e.Value.Health()
}

// Flush delegates to the active provider.
func (f *ASRFallback) Flush(ctx context.Context, source audio.Source) ([]asr.Segment, error) {
	_, e, _ := f.current()
	return e.Value.Flush(ctx, source)
}

// StartSession starts the session on the active provider. If that fails the
// group fails over once and the session is started on the new provider.
func (f *ASRFallback) StartSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	f.sessions[sessionID] = make(map[int]bool)
	f.mu.Unlock()

	idx, _, _ := f.current()
	err := f.startOn(ctx, idx, sessionID)
	if err == nil {
		return nil
	}
	if ferr := f.Failover(ctx); ferr != nil {
		f.mu.Lock()
		delete(f.sessions, sessionID)
		f.mu.Unlock()
		return fmt.Errorf("resilience: start session: %w", errors.Join(err, ferr))
	}
	return nil
}

// startOn starts sessionID on entry idx through its breaker.
func (f *ASRFallback) startOn(ctx context.Context, idx int, sessionID string) error {
	e := f.group.Entry(idx)
	if err := e.Breaker.Execute(func() error { return e.Value.StartSession(ctx, sessionID) }); err != nil {
		return fmt.Errorf("%s: %w", e.Name, err)
	}
	f.mu.Lock()
	if started, ok := f.sessions[sessionID]; ok {
		started[idx] = true
	}
	f.mu.Unlock()
	return nil
}

// StopSession stops the session on every provider it was started on.
func (f *ASRFallback) StopSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	started := f.sessions[sessionID]
	delete(f.sessions, sessionID)
	f.mu.Unlock()

	var errs []error
	for idx := range started {
		e := f.group.Entry(idx)
		if err := e.Value.StopSession(ctx, sessionID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// Unload unloads every provider.
func (f *ASRFallback) Unload() error {
	var errs []error
	for i := range f.group.Len() {
		e := f.group.Entry(i)
		if err := e.Value.Unload(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.Name, err))
		}
	}
	return errors.Join(errs...)
}

// ---- switching --------------------------------------------------------------

// Failover activates the next provider after the active one whose breaker is
// not open, which reports itself available, and on which every open session
// starts. It returns an error wrapping [ErrAllFailed] when no candidate
// qualifies; the active provider is then unchanged.
func (f *ASRFallback) Failover(ctx context.Context) error {
	f.switchMu.Lock()
	defer f.switchMu.Unlock()

	from, fromEntry, _ := f.current()
	n := f.group.Len()
	var errs []error
	for step := 1; step < n; step++ {
		idx := (from + step) % n
		if err := f.prepare(ctx, idx); err != nil {
			errs = append(errs, err)
			continue
		}
		f.activate(idx)
		return nil
	}
	return fmt.Errorf("resilience: failover from %s: %w", fromEntry.Name, errors.Join(append([]error{ErrAllFailed}, errs...)...))
}

// Failback reactivates the primary. It is a no-op when the primary is
// already active.
func (f *ASRFallback) Failback(ctx context.Context) error {
	f.switchMu.Lock()
	defer f.switchMu.Unlock()

	if f.Active() == 0 {
		return nil
	}
	if err := f.prepare(ctx, 0); err != nil {
		return fmt.Errorf("resilience: failback: %w", err)
	}
	f.activate(0)
	return nil
}

// prepare checks entry idx and starts every open session on it.
func (f *ASRFallback) prepare(ctx context.Context, idx int) error {
	e := f.group.Entry(idx)
	if e.Breaker.State() == StateOpen {
		return fmt.Errorf("%s: %w", e.Name, ErrCircuitOpen)
	}
	if !e.Value.Available() {
		return fmt.Errorf("%s: %w", e.Name, asr.ErrUnavailable)
	}

	f.mu.Lock()
	var pending []string
	for id, started := range f.sessions {
		if !started[idx] {
			pending = append(pending, id)
		}
	}
	f.mu.Unlock()

	for _, id := range pending {
		if err := f.startOn(ctx, idx, id); err != nil {
			return err
		}
	}
	return nil
}

func (f *ASRFallback) activate(idx int) {
	f.mu.Lock()
	from := f.group.Entry(f.active).Name
	f.active = idx
	close(f.notify)
	f.notify = make(chan struct{})
	f.mu.Unlock()
	slog.Warn("resilience: asr provider switched", "from", from, "to", f.group.Entry(idx).Name)
}

// ---- streams ----------------------------------------------------------------

// TranscribeStream runs a stream on the active provider and moves it to the
// new active provider whenever the group switches. Events are relayed
// unchanged; their ProcessedSamples stay continuous across switches.
func (f *ASRFallback) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	out := make(chan asr.Event, 8)
	go f.run(ctx, in, opts, out)
	return out
}

// leg is the state carried between the engine streams of one logical stream.
type leg struct {
	forwarded   int64
	pending     []byte
	inputClosed bool
	switched    bool
}

func (f *ASRFallback) run(ctx context.Context, in <-chan []byte, opts asr.StreamOptions, out chan<- asr.Event) {
	defer close(out)

	var st leg
	for {
		// Engines start at chunk boundaries only, so a provider that keeps
		// dying is retried at most once per chunk.
		if st.pending == nil {
			select {
			case <-ctx.Done():
				return
			case chunk, ok := <-in:
				if !ok {
					return
				}
				st.pending = chunk
			}
		}

		idx, e, notify := f.current()
		sopts := opts
		sopts.StartSample = opts.StartSample + st.forwarded
		if !f.pump(ctx, e, in, sopts, notify, &st, out) {
			return
		}
		if st.inputClosed {
			return
		}
		if st.switched {
			st.switched = false
			continue
		}

		// The engine stream ended on its own. Drop the chunk it never took
		// so the timeline advances, and report the failure.
		err := asr.Transient(e.Name, errStreamEnded)
		e.Breaker.Record(false, err)
		slog.Warn("resilience: engine stream ended early", "provider", e.Name, "index", idx, "session_id", opts.SessionID, "source", opts.Source)
		if st.pending != nil {
			st.forwarded += audio.Samples(st.pending)
			st.pending = nil
		}
		select {
		case out <- asr.Event{Err: err, ProcessedSamples: opts.StartSample + st.forwarded}:
		case <-ctx.Done():
			return
		}
	}
}

// pump drives one engine stream until it closes. It returns false when ctx
// is cancelled.
func (f *ASRFallback) pump(ctx context.Context, e Entry[asr.Provider], in <-chan []byte, opts asr.StreamOptions,
	notify <-chan struct{}, st *leg, out chan<- asr.Event) bool {

	inner := make(chan []byte)
	innerOpen := true
	closeInner := func() {
		if innerOpen {
			close(inner)
			innerOpen = false
		}
	}
	defer closeInner()

	events := e.Value.TranscribeStream(ctx, inner, opts)
	probe, _ := e.Breaker.Allow()

	var inCh <-chan []byte
	var sendCh chan<- []byte
	if st.pending != nil {
		sendCh = inner
	} else {
		inCh = in
	}

	// switchOver stops feeding this engine and lets it drain. Any chunk not
	// yet taken goes to the next one.
	switchOver := func() {
		notify = nil
		st.switched = true
		inCh, sendCh = nil, nil
		closeInner()
	}

	for {
		// A pending switch wins over audio that is ready at the same time.
		select {
		case <-notify:
			switchOver()
		default:
		}

		select {
		case <-ctx.Done():
			return false

		case <-notify:
			switchOver()

		case chunk, ok := <-inCh:
			inCh = nil
			if !ok {
				st.inputClosed = true
				closeInner()
				continue
			}
			st.pending = chunk
			sendCh = inner

		case sendCh <- st.pending:
			st.forwarded += audio.Samples(st.pending)
			st.pending = nil
			sendCh = nil
			if !st.switched {
				inCh = in
			}

		case ev, ok := <-events:
			if !ok {
				return true
			}
			if !probe {
				probe, _ = e.Breaker.Allow()
			}
			switch {
			case ev.Err != nil:
				e.Breaker.Record(probe, ev.Err)
			case !ev.Skipped:
				e.Breaker.Record(probe, nil)
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return false
			}
		}
	}
}
