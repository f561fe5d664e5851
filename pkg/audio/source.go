// Package audio holds the PCM primitives shared by the ingress path, the ASR
// providers and the diarization buffers: source tags, sample conversion,
// energy measurement and WAV framing.
//
// All PCM handled by the server is signed 16-bit little-endian, mono, at
// [SampleRate] Hz.
package audio

import (
	"fmt"
	"strings"
)

// Source identifies where an audio frame was captured.
type Source string

const (
	// SourceSystem is audio captured from the system output (remote speakers).
	SourceSystem Source = "system"

	// SourceMic is audio captured from the local microphone.
	SourceMic Source = "mic"
)

// Sources lists every known source in priority order.
var Sources = []Source{SourceMic, SourceSystem}

// ParseSource normalises a client-supplied source tag. "microphone" is
// accepted as an alias for [SourceMic]. An empty string maps to
// [SourceSystem], matching the legacy binary-frame path.
func ParseSource(s string) (Source, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "mic", "microphone":
		return SourceMic, nil
	case "system", "":
		return SourceSystem, nil
	default:
		return "", fmt.Errorf("audio: unknown source %q", s)
	}
}

// Priority returns the queue priority of the source. Smaller values win, so
// microphone audio is always preferred over system audio.
func (s Source) Priority() int {
	if s == SourceMic {
		return 1
	}
	return 2
}

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	return s == SourceMic || s == SourceSystem
}

func (s Source) String() string { return string(s) }
