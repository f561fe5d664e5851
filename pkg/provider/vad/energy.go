package vad

import (
	"errors"
	"fmt"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// DefaultReferenceRMS is the frame RMS (normalised scale) that maps to a
// speech probability of 0.5.
const DefaultReferenceRMS = 0.02

// EnergyEngine is a dependency-free VAD engine that maps frame RMS energy to
// a speech probability. It is the fallback detector when no model-based
// engine is registered.
type EnergyEngine struct {
	// ReferenceRMS is the RMS that maps to probability 0.5. Zero means
	// [DefaultReferenceRMS].
	ReferenceRMS float64
}

var _ Engine = (*EnergyEngine)(nil)

// NewSession validates cfg and returns a new energy session.
func (e *EnergyEngine) NewSession(cfg Config) (SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, errors.New("vad: sample rate must be positive")
	}
	if cfg.FrameSizeMs <= 0 {
		return nil, errors.New("vad: frame size must be positive")
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("vad: speech threshold %v out of range", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, errors.New("vad: silence threshold must not exceed speech threshold")
	}
	ref := e.ReferenceRMS
	if ref <= 0 {
		ref = DefaultReferenceRMS
	}
	silenceFrames := max(cfg.MinSilenceMs/cfg.FrameSizeMs, 1)
	return &energySession{
		cfg:           cfg,
		ref:           ref,
		frameBytes:    cfg.FrameBytes(),
		silenceFrames: silenceFrames,
	}, nil
}

// energySession tracks hysteresis between speech and silence.
type energySession struct {
	cfg           Config
	ref           float64
	frameBytes    int
	silenceFrames int

	inSpeech bool
	quiet    int
	closed   bool
}

func (s *energySession) ProcessFrame(frame []byte) (Event, error) {
	if s.closed {
		return Event{}, errors.New("vad: session closed")
	}
	if len(frame) != s.frameBytes {
		return Event{}, fmt.Errorf("vad: frame is %d bytes, want %d", len(frame), s.frameBytes)
	}

	p := min(audio.RMS(frame)/(2*s.ref), 1)

	switch {
	case !s.inSpeech && p >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		s.quiet = 0
		return Event{Type: SpeechStart, Probability: p}, nil
	case !s.inSpeech:
		return Event{Type: Silence, Probability: p}, nil
	case p < s.cfg.SilenceThreshold:
		s.quiet++
		if s.quiet >= s.silenceFrames {
			s.inSpeech = false
			s.quiet = 0
			return Event{Type: SpeechEnd, Probability: p}, nil
		}
		return Event{Type: SpeechContinue, Probability: p}, nil
	default:
		s.quiet = 0
		return Event{Type: SpeechContinue, Probability: p}, nil
	}
}

func (s *energySession) Reset() {
	s.inSpeech = false
	s.quiet = 0
}

func (s *energySession) Close() error {
	s.closed = true
	return nil
}
