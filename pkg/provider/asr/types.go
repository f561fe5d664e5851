package asr

import (
	"math"
	"strings"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
)

// Segment is a final transcription result with absolute timestamps.
type Segment struct {
	// ID is the content-addressed segment identifier. Providers leave it
	// empty; the session assigns it.
	ID string `json:"segment_id,omitempty"`

	Text       string       `json:"text"`
	T0         float64      `json:"t0"`
	T1         float64      `json:"t1"`
	Confidence float64      `json:"confidence"`
	Source     audio.Source `json:"source"`
	Language   string       `json:"language,omitempty"`

	// Speaker is populated by the diarization merge at finalisation.
	Speaker string `json:"speaker,omitempty"`

	// AttemptID echoes the client's streaming attempt.
	AttemptID string `json:"attempt_id,omitempty"`
}

// WordCount returns the number of whitespace-separated words in the text.
func (s Segment) WordCount() int {
	return len(strings.Fields(s.Text))
}

// Midpoint returns (T0+T1)/2.
func (s Segment) Midpoint() float64 {
	return (s.T0 + s.T1) / 2
}

// Capabilities holds the static capability flags of a provider type.
type Capabilities struct {
	Streaming    bool `json:"streaming"`
	Batch        bool `json:"batch"`
	GPU          bool `json:"gpu"`
	Metal        bool `json:"metal"`
	CUDA         bool `json:"cuda"`
	VAD          bool `json:"vad"`
	Diarization  bool `json:"diarization"`
	Multilingual bool `json:"multilingual"`

	// ConcurrentInference is true when the engine may run several inference
	// calls in parallel against one instance.
	ConcurrentInference bool `json:"supports_concurrent_inference"`

	MinRAMGB         float64 `json:"min_ram_gb"`
	RecommendedRAMGB float64 `json:"recommended_ram_gb"`
}

// Health is the runtime snapshot reported by providers and the model manager.
type Health struct {
	RealtimeFactor    float64   `json:"realtime_factor"`
	AvgInferMs        float64   `json:"avg_infer_ms"`
	P95InferMs        float64   `json:"p95_infer_ms"`
	P99InferMs        float64   `json:"p99_infer_ms"`
	BacklogEstimate   int       `json:"backlog_estimate"`
	DroppedChunks     int64     `json:"dropped_chunks"`
	ModelResident     bool      `json:"model_resident"`
	ModelLoadedAt     time.Time `json:"model_loaded_at,omitzero"`
	LastError         string    `json:"last_error,omitempty"`
	ConsecutiveErrors int       `json:"consecutive_errors"`
	SessionActive     bool      `json:"session_active"`
	SessionDurationS  float64   `json:"session_duration_s"`
	ChunksProcessed   int64     `json:"chunks_processed"`
}

// ConfidenceFromLogprob normalises an average token log-probability into
// [0, 1] as clip(1 + avg_logprob/2, 0, 1).
func ConfidenceFromLogprob(avgLogprob float64) float64 {
	c := 1 + avgLogprob/2
	if math.IsNaN(c) {
		return 0
	}
	return min(max(c, 0), 1)
}
