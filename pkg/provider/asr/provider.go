// Package asr defines the Provider contract shared by every speech-recognition
// backend the server can drive.
//
// A provider turns a stream of PCM16 mono byte chunks into final transcript
// [Segment] values. Two families exist: chunked-batch providers, which
// accumulate fixed windows and run one inference per window, and streaming
// providers, which forward audio to a resident engine and relay its output.
// Both report timestamps as absolute seconds from the start of the provided
// stream, computed from the number of samples already transcribed rather
// than bytes received.
//
// Providers emit final segments only; speculative partials are never
// produced.
//
// Implementations must be safe for concurrent use. Providers that cannot run
// two inferences in parallel declare so via [Capabilities.ConcurrentInference]
// and serialise internally.
package asr

import (
	"context"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// InferenceGate bounds how many inference calls run at once across all
// sessions. Providers acquire it around each engine call.
type InferenceGate interface {
	AcquireInference(ctx context.Context) error
	ReleaseInference()
}

// StreamOptions describes one call to [Provider.TranscribeStream].
type StreamOptions struct {
	// SessionID identifies the owning session. Streaming providers key their
	// resident processes by it.
	SessionID string

	// Source tags every emitted segment.
	Source audio.Source

	// SampleRate of the incoming PCM. Zero means [audio.SampleRate].
	SampleRate int

	// StartSample offsets the stream timeline. A restarted stream passes the
	// processed sample count of its predecessor so timestamps stay monotonic.
	StartSample int64

	// Gate, when non-nil, wraps each inference call.
	Gate InferenceGate

	// ChunkSecondsHint, when non-nil, may raise the window size chosen by a
	// chunked-batch provider above the configured value.
	ChunkSecondsHint func() int

	// Config, when non-nil, replaces the provider's own store for this
	// stream. Sessions pass a private store so their degrade actions never
	// reach other sessions.
	Config *ConfigStore
}

// ConfigOr returns the per-stream store, or def when none was given.
func (o StreamOptions) ConfigOr(def *ConfigStore) *ConfigStore {
	if o.Config != nil {
		return o.Config
	}
	return def
}

// Event is one unit of output from a transcription stream. Chunked-batch
// providers emit one event per processed window; streaming providers emit one
// per recognised line.
type Event struct {
	// Segments are the final segments produced for this unit of audio, in
	// non-decreasing T0 order.
	Segments []Segment

	// ProcessedSamples is the stream's monotonic processed-sample counter
	// after this event.
	ProcessedSamples int64

	// AudioSeconds is the duration of audio covered by this event. Zero when
	// the provider cannot attribute audio to output.
	AudioSeconds float64

	// Inference is the wall time spent in the engine. Zero when unknown.
	Inference time.Duration

	// Skipped is true when the window was intentionally not transcribed (VAD
	// silence or chunk-drop mode).
	Skipped bool

	// Err is a per-chunk failure. The stream keeps running after an error
	// event unless the error is fatal.
	Err error
}

// RTF returns the realtime factor of the event, or 0 when it carries no
// timing information.
func (e Event) RTF() float64 {
	if e.AudioSeconds <= 0 || e.Inference <= 0 {
		return 0
	}
	return e.Inference.Seconds() / e.AudioSeconds
}

// Provider is the abstraction over any ASR backend.
type Provider interface {
	// Name returns the registry name of the provider (e.g. "whisper-native").
	Name() string

	// Available reports whether the provider's runtime dependencies (model
	// file, binary, remote endpoint) are present.
	Available() bool

	// Capabilities returns the static capability flags of the provider.
	Capabilities() Capabilities

	// StartSession prepares the provider for a session. Streaming providers
	// spawn their resident engine here.
	StartSession(ctx context.Context, sessionID string) error

	// StopSession releases per-session resources within a bounded time.
	StopSession(ctx context.Context, sessionID string) error

	// TranscribeStream consumes PCM chunks from in until it is closed or ctx
	// is cancelled and returns a channel of events. The returned channel is
	// closed once all buffered audio has been processed.
	TranscribeStream(ctx context.Context, in <-chan []byte, opts StreamOptions) <-chan Event

	// Flush returns segments for audio still buffered inside the provider for
	// the given source. Providers without internal buffering return nil.
	Flush(ctx context.Context, source audio.Source) ([]Segment, error)

	// Health returns a snapshot of the provider's runtime metrics.
	Health() Health

	// Unload releases model memory and any subprocess.
	Unload() error
}
