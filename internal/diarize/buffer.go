package diarize

import (
	"sync"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// DefaultMaxSeconds bounds each source buffer when no limit is configured.
const DefaultMaxSeconds = 1800

// Buffers keeps the raw PCM of every source for diarization at session end.
// Each source is capped independently; appends past the cap trim the oldest
// audio. Buffers is safe for concurrent use.
type Buffers struct {
	sampleRate int
	maxBytes   int

	mu      sync.Mutex
	bufs    map[audio.Source][]byte
	trimmed map[audio.Source]int64
}

// NewBuffers returns per-source buffers holding at most maxSeconds of audio
// each. A non-positive maxSeconds uses [DefaultMaxSeconds].
func NewBuffers(sampleRate, maxSeconds int) *Buffers {
	if sampleRate <= 0 {
		sampleRate = audio.SampleRate
	}
	if maxSeconds <= 0 {
		maxSeconds = DefaultMaxSeconds
	}
	return &Buffers{
		sampleRate: sampleRate,
		maxBytes:   audio.ChunkBytes(sampleRate, float64(maxSeconds)),
		bufs:       make(map[audio.Source][]byte),
		trimmed:    make(map[audio.Source]int64),
	}
}

// SampleRate returns the sample rate of the buffered audio.
func (b *Buffers) SampleRate() int { return b.sampleRate }

// Append adds pcm to the source's buffer, trimming the head on overflow.
func (b *Buffers) Append(src audio.Source, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	buf := append(b.bufs[src], pcm...)
	if over := len(buf) - b.maxBytes; over > 0 {
		// Keep whole samples.
		over += over % audio.BytesPerSample
		b.trimmed[src] += int64(over)
		buf = append(buf[:0:0], buf[over:]...)
	}
	b.bufs[src] = buf
}

// Bytes returns a copy of the source's buffered audio.
func (b *Buffers) Bytes(src audio.Source) []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.bufs[src]...)
}

// Len returns the number of buffered bytes for src.
func (b *Buffers) Len(src audio.Source) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bufs[src])
}

// OffsetSeconds returns how much audio has been trimmed from the head of the
// source's buffer, i.e. the stream time of the first buffered sample.
func (b *Buffers) OffsetSeconds(src audio.Source) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return float64(b.trimmed[src]/audio.BytesPerSample) / float64(b.sampleRate)
}

// Reset discards all buffered audio.
func (b *Buffers) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.bufs)
	clear(b.trimmed)
}
