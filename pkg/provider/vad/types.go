package vad

import "github.com/MrWong99/echopanel/pkg/audio"

// EventType is the classification of one frame relative to the current
// speech run.
type EventType int

const (
	SpeechStart EventType = iota
	SpeechContinue
	SpeechEnd
	Silence
)

var eventNames = [...]string{"speech_start", "speech_continue", "speech_end", "silence"}

func (t EventType) String() string {
	if t < 0 || int(t) >= len(eventNames) {
		return "unknown"
	}
	return eventNames[t]
}

// IsSpeech reports whether the frame belongs to a speech run. SpeechEnd is
// the first frame after the run and does not.
func (t EventType) IsSpeech() bool {
	return t == SpeechStart || t == SpeechContinue
}

// Event is the result of classifying a single frame.
type Event struct {
	Type EventType

	// Probability is the engine's speech score in [0, 1].
	Probability float64
}

// FrameBytes is the size of one PCM16 mono frame at the configured rate, or
// 0 when the rate or frame size is unset.
func (c Config) FrameBytes() int {
	if c.SampleRate <= 0 || c.FrameSizeMs <= 0 {
		return 0
	}
	return c.SampleRate * c.FrameSizeMs / 1000 * audio.BytesPerSample
}
