package diarize

import (
	"context"
	"fmt"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/vad"
)

var _ Diarizer = (*SpeechDiarizer)(nil)

// SpeechDiarizer is the built-in diarizer. It cannot tell voices apart; it
// finds speech runs with a VAD engine and attributes them to one speaker per
// source, which is what a two-party call captured as microphone plus system
// audio needs.
type SpeechDiarizer struct {
	detector *vad.Lazy
	cfg      vad.Config
	labels   map[audio.Source]string

	// minTurn drops speech runs shorter than this many seconds.
	minTurn float64
	// mergeGap joins runs separated by less than this many seconds.
	mergeGap float64
}

// SpeechOption configures a [SpeechDiarizer].
type SpeechOption func(*SpeechDiarizer)

// WithDetector sets the VAD engine. Defaults to [vad.Default].
func WithDetector(l *vad.Lazy) SpeechOption {
	return func(d *SpeechDiarizer) { d.detector = l }
}

// WithLabel sets the speaker label for a source.
func WithLabel(src audio.Source, label string) SpeechOption {
	return func(d *SpeechDiarizer) { d.labels[src] = label }
}

// NewSpeechDiarizer returns a SpeechDiarizer labelling microphone speech
// "Speaker 1" and system speech "Speaker 2" unless overridden.
func NewSpeechDiarizer(opts ...SpeechOption) *SpeechDiarizer {
	d := &SpeechDiarizer{
		detector: vad.Default,
		cfg:      vad.DefaultConfig(),
		labels: map[audio.Source]string{
			audio.SourceMic:    "Speaker 1",
			audio.SourceSystem: "Speaker 2",
		},
		minTurn:  0.25,
		mergeGap: 0.5,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Diarize implements [Diarizer].
func (d *SpeechDiarizer) Diarize(ctx context.Context, source audio.Source, pcm []byte, sampleRate int) ([]Turn, error) {
	eng, err := d.detector.Get()
	if err != nil {
		return nil, fmt.Errorf("diarize: load detector: %w", err)
	}
	cfg := d.cfg
	cfg.SampleRate = sampleRate
	sess, err := eng.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("diarize: new vad session: %w", err)
	}
	defer sess.Close()

	label := d.labels[source]
	if label == "" {
		label = string(source)
	}
	frameBytes := cfg.FrameBytes()
	if frameBytes <= 0 {
		return nil, fmt.Errorf("diarize: invalid frame size %d ms", cfg.FrameSizeMs)
	}
	frameSec := float64(cfg.FrameSizeMs) / 1000

	var (
		turns   []Turn
		inRun   bool
		runFrom float64
	)
	closeRun := func(end float64) {
		inRun = false
		if end-runFrom < d.minTurn {
			return
		}
		if n := len(turns); n > 0 && runFrom-turns[n-1].T1 < d.mergeGap {
			turns[n-1].T1 = end
			return
		}
		turns = append(turns, Turn{T0: runFrom, T1: end, Speaker: label})
	}

	for i, off := 0, 0; off+frameBytes <= len(pcm); i, off = i+1, off+frameBytes {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		ev, err := sess.ProcessFrame(pcm[off : off+frameBytes])
		if err != nil {
			return nil, fmt.Errorf("diarize: process frame: %w", err)
		}
		ts := float64(i) * frameSec
		switch {
		case ev.Type.IsSpeech() && !inRun:
			inRun, runFrom = true, ts
		case !ev.Type.IsSpeech() && inRun:
			closeRun(ts)
		}
	}
	if inRun {
		closeRun(audio.Seconds(pcm, sampleRate))
	}
	return turns, nil
}
