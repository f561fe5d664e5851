package asr_test

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

func TestConfidenceFromLogprob(t *testing.T) {
	t.Parallel()

	tests := []struct {
		logprob float64
		want    float64
	}{
		{0, 1},
		{-0.5, 0.75},
		{-1, 0.5},
		{-2, 0},
		{-5, 0},
		{1, 1},
		{math.NaN(), 0},
	}
	for _, tt := range tests {
		if got := asr.ConfidenceFromLogprob(tt.logprob); got != tt.want {
			t.Errorf("ConfidenceFromLogprob(%v) = %v, want %v", tt.logprob, got, tt.want)
		}
	}
}

func TestDowngradeModel(t *testing.T) {
	t.Parallel()

	tests := []struct{ in, want string }{
		{"large-v3", "medium.en"},
		{"large-v3-turbo", "medium.en"},
		{"medium.en", "small.en"},
		{"medium", "small.en"},
		{"small.en", "base.en"},
		{"base.en", "tiny.en"},
		{"tiny.en", "tiny.en"},
		{"voxtral-mini", "voxtral-mini"},
	}
	for _, tt := range tests {
		if got := asr.DowngradeModel(tt.in); got != tt.want {
			t.Errorf("DowngradeModel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestConfigStore_ZeroValueIsDefault(t *testing.T) {
	t.Parallel()
	var s asr.ConfigStore
	if got, want := s.Load(), asr.DefaultConfig(); got != want {
		t.Errorf("Load() = %+v, want %+v", got, want)
	}
}

func TestConfigStore_ConcurrentUpdates(t *testing.T) {
	t.Parallel()

	s := asr.NewConfigStore(asr.Config{ChunkSeconds: 0})
	var wg sync.WaitGroup
	for range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Update(func(c asr.Config) asr.Config {
				c.ChunkSeconds++
				return c
			})
		}()
	}
	wg.Wait()
	if got := s.Load().ChunkSeconds; got != 50 {
		t.Errorf("ChunkSeconds = %d, want 50", got)
	}
}

func TestConfigStore_LoadReturnsCopy(t *testing.T) {
	t.Parallel()
	s := asr.NewConfigStore(asr.DefaultConfig())
	c := s.Load()
	c.ModelName = "mutated"
	if s.Load().ModelName == "mutated" {
		t.Error("mutating a loaded Config changed the store")
	}
}

func TestProviderError_Classification(t *testing.T) {
	t.Parallel()

	cause := errors.New("broken pipe")
	tr := fmt.Errorf("wrapped: %w", asr.Transient("streaming", cause))
	fa := asr.Fatal("streaming", cause)

	if !errors.Is(tr, asr.ErrTransient) || errors.Is(tr, asr.ErrFatal) {
		t.Errorf("transient error misclassified: %v", tr)
	}
	if !errors.Is(fa, asr.ErrFatal) || !asr.IsFatal(fa) {
		t.Errorf("fatal error misclassified: %v", fa)
	}
	if !errors.Is(tr, cause) {
		t.Error("transient error does not unwrap to its cause")
	}
	if !asr.IsTransient(cause) {
		t.Error("unclassified error should be treated as transient")
	}
	if asr.IsTransient(nil) {
		t.Error("nil error should not be transient")
	}

	var pe *asr.ProviderError
	if !errors.As(tr, &pe) || pe.Provider != "streaming" {
		t.Errorf("errors.As = %+v, want provider streaming", pe)
	}
}

func TestEvent_RTF(t *testing.T) {
	t.Parallel()

	ev := asr.Event{AudioSeconds: 2, Inference: time.Second}
	if got := ev.RTF(); got != 0.5 {
		t.Errorf("RTF() = %v, want 0.5", got)
	}
	if got := (asr.Event{Inference: time.Second}).RTF(); got != 0 {
		t.Errorf("RTF() without audio = %v, want 0", got)
	}
}

func TestTracker_Snapshot(t *testing.T) {
	t.Parallel()

	tr := asr.NewTracker()
	if h := tr.Snapshot(); h.ChunksProcessed != 0 || h.AvgInferMs != 0 || h.ModelResident {
		t.Errorf("empty snapshot = %+v", h)
	}

	for i := 1; i <= 100; i++ {
		tr.RecordInference(time.Duration(i)*time.Millisecond, 1)
	}
	tr.RecordError(errors.New("boom"))
	tr.RecordError(errors.New("boom again"))
	tr.RecordDropped()
	tr.MarkLoaded(time.Unix(100, 0))

	h := tr.Snapshot()
	if h.ChunksProcessed != 100 {
		t.Errorf("ChunksProcessed = %d, want 100", h.ChunksProcessed)
	}
	if h.AvgInferMs != 50.5 {
		t.Errorf("AvgInferMs = %v, want 50.5", h.AvgInferMs)
	}
	if h.P95InferMs != 95 {
		t.Errorf("P95InferMs = %v, want 95", h.P95InferMs)
	}
	if h.P99InferMs != 99 {
		t.Errorf("P99InferMs = %v, want 99", h.P99InferMs)
	}
	if h.RealtimeFactor != 0.1 {
		t.Errorf("RealtimeFactor = %v, want 0.1", h.RealtimeFactor)
	}
	if h.ConsecutiveErrors != 2 || h.LastError != "boom again" {
		t.Errorf("errors = (%d, %q), want (2, %q)", h.ConsecutiveErrors, h.LastError, "boom again")
	}
	if h.DroppedChunks != 1 {
		t.Errorf("DroppedChunks = %d, want 1", h.DroppedChunks)
	}
	if !h.ModelResident {
		t.Error("ModelResident = false after MarkLoaded")
	}

	tr.RecordInference(time.Millisecond, 1)
	if got := tr.Snapshot().ConsecutiveErrors; got != 0 {
		t.Errorf("ConsecutiveErrors after success = %d, want 0", got)
	}
}

func TestTracker_Sessions(t *testing.T) {
	t.Parallel()

	tr := asr.NewTracker()
	tr.SessionStarted()
	tr.SessionStarted()
	tr.SessionStopped()
	if !tr.Snapshot().SessionActive {
		t.Error("SessionActive = false with one session open")
	}
	tr.SessionStopped()
	tr.SessionStopped()
	if tr.Snapshot().SessionActive {
		t.Error("SessionActive = true after all sessions stopped")
	}
}
