package audio

import (
	"encoding/binary"
	"math"
	"time"
)

const (
	// SampleRate is the only sample rate accepted at ingress.
	SampleRate = 16000

	// Channels is the only channel count accepted at ingress.
	Channels = 1

	// BytesPerSample is the width of one PCM16 sample.
	BytesPerSample = 2

	// Format is the wire name of the accepted sample format.
	Format = "pcm_s16le"
)

// PCMToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to [-1.0, 1.0) by dividing by 32768. Any trailing odd
// byte is ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / 2
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// RMS returns the root-mean-square energy of a PCM16 buffer on the
// normalised float scale (0.0 for silence, ~0.707 for a full-scale sine).
// Returns 0 for buffers shorter than one sample.
func RMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		v := float64(int16(binary.LittleEndian.Uint16(pcm[i*2:i*2+2]))) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}

// Samples returns the number of whole PCM16 mono samples in pcm.
func Samples(pcm []byte) int64 {
	return int64(len(pcm) / BytesPerSample)
}

// Seconds returns the duration of a PCM16 mono buffer in seconds.
func Seconds(pcm []byte, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(len(pcm)/BytesPerSample) / float64(sampleRate)
}

// Duration is [Seconds] expressed as a [time.Duration].
func Duration(pcm []byte, sampleRate int) time.Duration {
	return time.Duration(Seconds(pcm, sampleRate) * float64(time.Second))
}

// ChunkBytes returns the size in bytes of a window of the given length:
// sample_rate * seconds * 2.
func ChunkBytes(sampleRate int, seconds float64) int {
	n := int(float64(sampleRate) * seconds)
	return n * BytesPerSample
}

// Silence returns a zero-valued PCM16 buffer of the given duration.
func Silence(sampleRate int, seconds float64) []byte {
	return make([]byte, ChunkBytes(sampleRate, seconds))
}
