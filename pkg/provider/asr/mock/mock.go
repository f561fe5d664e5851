// Package mock provides a test double for the asr.Provider interface.
//
// The Provider treats every received chunk as one window: it calls OnChunk
// with the window's absolute start time and emits whatever segments the
// callback returns. All calls are recorded.
//
// Example:
//
//	p := &mock.Provider{
//	    OnChunk: func(i int, t0 float64, pcm []byte) ([]asr.Segment, error) {
//	        return []asr.Segment{{Text: "hello", T0: t0, T1: t0 + 1}}, nil
//	    },
//	}
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// ChunkFunc produces the segments for one chunk. index counts chunks within
// the stream; t0 is the chunk's absolute start in seconds.
type ChunkFunc func(index int, t0 float64, pcm []byte) ([]asr.Segment, error)

// Provider is a mock implementation of asr.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Caps is returned by Capabilities.
	Caps asr.Capabilities

	// Unavailable makes Available return false.
	Unavailable bool

	// OnChunk is called for every chunk. A nil OnChunk emits no segments.
	OnChunk ChunkFunc

	// InferenceDelay is slept per chunk and reported as inference time.
	InferenceDelay time.Duration

	// StartSessionErr, if non-nil, is returned by StartSession.
	StartSessionErr error

	// FlushSegments is returned by Flush.
	FlushSegments []asr.Segment

	// Recorded calls.
	StartSessionCalls []string
	StopSessionCalls  []string
	StreamCalls       []asr.StreamOptions
	Chunks            map[audio.Source][][]byte
	UnloadCalls       int
}

// Name returns ProviderName or "mock".
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Available returns !Unavailable.
func (p *Provider) Available() bool { return !p.Unavailable }

// Capabilities returns Caps.
func (p *Provider) Capabilities() asr.Capabilities { return p.Caps }

// StartSession records the call and returns StartSessionErr.
func (p *Provider) StartSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StartSessionCalls = append(p.StartSessionCalls, sessionID)
	return p.StartSessionErr
}

// StopSession records the call.
func (p *Provider) StopSession(_ context.Context, sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.StopSessionCalls = append(p.StopSessionCalls, sessionID)
	return nil
}

// TranscribeStream emits one event per chunk received on in.
func (p *Provider) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, opts)
	p.mu.Unlock()

	sr := opts.SampleRate
	if sr <= 0 {
		sr = audio.SampleRate
	}
	out := make(chan asr.Event, 16)
	go func() {
		defer close(out)
		processed := opts.StartSample
		index := 0
		for {
			var chunk []byte
			var ok bool
			select {
			case <-ctx.Done():
				return
			case chunk, ok = <-in:
				if !ok {
					return
				}
			}

			p.mu.Lock()
			if p.Chunks == nil {
				p.Chunks = make(map[audio.Source][][]byte)
			}
			p.Chunks[opts.Source] = append(p.Chunks[opts.Source], append([]byte(nil), chunk...))
			fn := p.OnChunk
			delay := p.InferenceDelay
			p.mu.Unlock()

			t0 := float64(processed) / float64(sr)
			if opts.Gate != nil {
				if err := opts.Gate.AcquireInference(ctx); err != nil {
					return
				}
			}
			if delay > 0 {
				time.Sleep(delay)
			}
			var segs []asr.Segment
			var err error
			if fn != nil {
				segs, err = fn(index, t0, chunk)
			}
			if opts.Gate != nil {
				opts.Gate.ReleaseInference()
			}
			for i := range segs {
				segs[i].Source = opts.Source
			}
			processed += audio.Samples(chunk)
			index++

			ev := asr.Event{
				Segments:         segs,
				ProcessedSamples: processed,
				AudioSeconds:     audio.Seconds(chunk, sr),
				Inference:        delay,
				Err:              err,
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// Flush returns FlushSegments.
func (p *Provider) Flush(context.Context, audio.Source) ([]asr.Segment, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.FlushSegments, nil
}

// Health returns an empty snapshot.
func (p *Provider) Health() asr.Health { return asr.Health{ModelResident: true} }

// Unload records the call.
func (p *Provider) Unload() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.UnloadCalls++
	return nil
}

// ChunkCount returns the number of chunks received for source.
func (p *Provider) ChunkCount(source audio.Source) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.Chunks[source])
}

// Ensure Provider implements asr.Provider at compile time.
var _ asr.Provider = (*Provider)(nil)
