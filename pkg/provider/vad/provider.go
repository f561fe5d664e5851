// Package vad defines the Engine interface for Voice Activity Detection
// backends and ships an energy-based engine.
//
// An engine produces per-stream sessions that classify fixed-size PCM frames
// as speech or silence. [SpeechWindow] scans a whole chunk with a session and
// reports whether it contains a speech run long enough to be worth sending to
// an ASR engine.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle must not be shared across goroutines.
package vad

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz.
	SampleRate int

	// FrameSizeMs is the duration of each analysed frame in milliseconds.
	FrameSizeMs int

	// SpeechThreshold is the probability at or above which a frame is
	// classified as speech. Range: [0.0, 1.0]. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the probability below which a frame counts towards
	// ending an active speech run. Must be ≤ SpeechThreshold.
	SilenceThreshold float64

	// MinSilenceMs is the silence gap that ends a speech run.
	MinSilenceMs int
}

// DefaultConfig returns the defaults used by the ASR VAD wrapper.
func DefaultConfig() Config {
	return Config{
		SampleRate:       16000,
		FrameSizeMs:      30,
		SpeechThreshold:  0.5,
		SilenceThreshold: 0.35,
		MinSilenceMs:     100,
	}
}

// SessionHandle is an active VAD session for a single audio stream.
type SessionHandle interface {
	// ProcessFrame analyses a single frame of PCM16 audio sized according to
	// the session's Config.
	ProcessFrame(frame []byte) (Event, error)

	// Reset clears accumulated detection state without closing the session.
	Reset()

	// Close releases the session. Calling Close more than once is safe.
	Close() error
}

// Engine is the factory for VAD sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration.
	NewSession(cfg Config) (SessionHandle, error)
}
