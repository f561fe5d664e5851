package batch

import (
	"context"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Window is one fixed-size block of PCM16 mono audio handed to an engine.
type Window struct {
	PCM        []byte
	SampleRate int
}

// Samples converts the window to normalised float32 samples.
func (w Window) Samples() []float32 { return audio.PCMToFloat32(w.PCM) }

// Seconds returns the window duration.
func (w Window) Seconds() float64 { return audio.Seconds(w.PCM, w.SampleRate) }

// EngineSegment is a segment as returned by an engine, with times relative
// to the start of the window.
type EngineSegment struct {
	Start float64
	End   float64
	Text  string

	// AvgLogprob is the average token log-probability. Only meaningful when
	// HasLogprob is true.
	AvgLogprob float64
	HasLogprob bool

	// Confidence is used when the engine reports a direct score instead of a
	// log-probability. Zero means unknown.
	Confidence float64

	Language string
}

// confidence resolves the segment's normalised confidence.
func (s EngineSegment) confidence() float64 {
	switch {
	case s.HasLogprob:
		return asr.ConfidenceFromLogprob(s.AvgLogprob)
	case s.Confidence > 0:
		return min(s.Confidence, 1)
	default:
		return unknownConfidence
	}
}

// unknownConfidence is assigned to segments from engines that report no
// score at all.
const unknownConfidence = 0.8

// Engine runs a single inference over one window. Implementations that are
// not safe for concurrent calls must report so via ConcurrentSafe; the
// provider then serialises calls.
type Engine interface {
	Name() string
	Transcribe(ctx context.Context, w Window, cfg asr.Config) ([]EngineSegment, error)
	ConcurrentSafe() bool
	Close() error
}

// Checker is implemented by engines that can verify their runtime
// dependencies are reachable.
type Checker interface {
	Check(ctx context.Context) error
}

// ModelSwitcher is implemented by engines that can change model between
// windows, which the degrade ladder relies on to downgrade.
type ModelSwitcher interface {
	Model() string
	SwitchModel(name string) error
}
