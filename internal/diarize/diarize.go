// Package diarize attaches speaker labels to a finished transcript.
//
// A [Diarizer] turns the buffered PCM of one audio source into speaker
// [Turn]s. [Merge] then labels every transcript segment of that same source
// with the speaker whose turn contains the segment's midpoint. Sources are
// never mixed: microphone turns only label microphone segments.
package diarize

import (
	"context"
	"fmt"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Turn is one contiguous stretch of audio attributed to a speaker, in
// seconds from the start of the source's stream.
type Turn struct {
	T0      float64 `json:"t0"`
	T1      float64 `json:"t1"`
	Speaker string  `json:"speaker"`
}

// Contains reports whether t falls inside the turn, both ends inclusive.
func (t Turn) Contains(ts float64) bool { return ts >= t.T0 && ts <= t.T1 }

// Diarizer produces speaker turns for the PCM of a single source.
// Implementations must be safe for concurrent use.
type Diarizer interface {
	Diarize(ctx context.Context, source audio.Source, pcm []byte, sampleRate int) ([]Turn, error)
}

// Func adapts a plain function to [Diarizer].
type Func func(ctx context.Context, source audio.Source, pcm []byte, sampleRate int) ([]Turn, error)

// Diarize calls f.
func (f Func) Diarize(ctx context.Context, source audio.Source, pcm []byte, sampleRate int) ([]Turn, error) {
	return f(ctx, source, pcm, sampleRate)
}

// SourceResult is the diarization outcome for one source as reported in the
// final summary.
type SourceResult struct {
	Source audio.Source `json:"source"`
	Turns  []Turn       `json:"segments"`
	Error  string       `json:"error,omitempty"`
}

// Merge labels the segments of segs whose source equals source with the
// speaker of the turn containing their midpoint. When several turns contain
// the midpoint the one starting earliest wins. Segments of other sources and
// segments outside every turn are left untouched. source accepts the
// "microphone" alias. segs is modified in place and returned.
func Merge(segs []asr.Segment, source string, turns []Turn) []asr.Segment {
	src, err := audio.ParseSource(source)
	if err != nil || len(turns) == 0 {
		return segs
	}
	for i := range segs {
		if segs[i].Source != src {
			continue
		}
		if speaker, ok := speakerAt(turns, segs[i].Midpoint()); ok {
			segs[i].Speaker = speaker
		}
	}
	return segs
}

func speakerAt(turns []Turn, ts float64) (string, bool) {
	best := -1
	for i, t := range turns {
		if !t.Contains(ts) {
			continue
		}
		if best < 0 || t.T0 < turns[best].T0 {
			best = i
		}
	}
	if best < 0 {
		return "", false
	}
	return turns[best].Speaker, true
}

// Run diarizes every non-empty buffered source and merges the result into
// segs. A failing source is reported in its SourceResult and leaves its
// segments unlabelled; the other sources are still processed.
func Run(ctx context.Context, d Diarizer, buffers *Buffers, segs []asr.Segment) []SourceResult {
	var results []SourceResult
	for _, src := range audio.Sources {
		pcm := buffers.Bytes(src)
		if len(pcm) == 0 {
			continue
		}
		res := SourceResult{Source: src, Turns: []Turn{}}
		turns, err := d.Diarize(ctx, src, pcm, buffers.SampleRate())
		if err != nil {
			res.Error = fmt.Sprintf("diarize %s: %v", src, err)
		} else if len(turns) > 0 {
			if off := buffers.OffsetSeconds(src); off > 0 {
				for i := range turns {
					turns[i].T0 += off
					turns[i].T1 += off
				}
			}
			res.Turns = turns
			Merge(segs, string(src), turns)
		}
		results = append(results, res)
	}
	return results
}
