package whisper_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/batch"
	"github.com/MrWong99/echopanel/pkg/provider/asr/whisper"
)

// ---- helpers ----------------------------------------------------------------

// newMockServer creates a test server that answers POST /inference with body
// and records the multipart form fields of the last request.
func newMockServer(t *testing.T, body any, fields *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/health":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/inference":
			if err := r.ParseMultipartForm(1 << 20); err != nil {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			if fields != nil {
				fields.Store(r.MultipartForm.Value)
			}
			f, _, err := r.FormFile("file")
			if err != nil {
				http.Error(w, "missing file", http.StatusBadRequest)
				return
			}
			data, _ := io.ReadAll(f)
			if string(data[0:4]) != "RIFF" {
				http.Error(w, "not a wav", http.StatusBadRequest)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		default:
			http.Error(w, "not found", http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func window(seconds float64) batch.Window {
	return batch.Window{PCM: audio.Silence(16000, seconds), SampleRate: 16000}
}

// ---- construction --------------------------------------------------------------

func TestNewHTTP_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	if _, err := whisper.NewHTTP(""); err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestHTTPEngine_Declarations(t *testing.T) {
	t.Parallel()
	e, err := whisper.NewHTTP("http://localhost:8080", whisper.WithModel("base.en"))
	if err != nil {
		t.Fatalf("NewHTTP: %v", err)
	}
	if e.ConcurrentSafe() {
		t.Error("ConcurrentSafe() = true, want false")
	}
	if e.Model() != "base.en" {
		t.Errorf("Model() = %q, want base.en", e.Model())
	}
	_ = e.SwitchModel("tiny.en")
	if e.Model() != "tiny.en" {
		t.Errorf("Model() after switch = %q, want tiny.en", e.Model())
	}
}

// ---- inference -------------------------------------------------------------------

func TestHTTPEngine_VerboseSegments(t *testing.T) {
	t.Parallel()

	var fields atomic.Value
	resp := map[string]any{
		"text":     "hello world. second.",
		"language": "en",
		"segments": []map[string]any{
			{"start": 0.0, "end": 1.2, "text": " hello world.", "avg_logprob": -0.4},
			{"start": 1.2, "end": 1.9, "text": " second."},
		},
	}
	srv := newMockServer(t, resp, &fields)
	e, _ := whisper.NewHTTP(srv.URL, whisper.WithModel("small.en"))

	segs, err := e.Transcribe(context.Background(), window(2), asr.Config{Language: "de"})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if !segs[0].HasLogprob || segs[0].AvgLogprob != -0.4 {
		t.Errorf("segment 0 logprob = (%v, %v), want (true, -0.4)", segs[0].HasLogprob, segs[0].AvgLogprob)
	}
	if segs[1].HasLogprob {
		t.Error("segment 1 should carry no logprob")
	}
	if segs[1].Start != 1.2 || segs[1].End != 1.9 {
		t.Errorf("segment 1 = [%v, %v], want [1.2, 1.9]", segs[1].Start, segs[1].End)
	}

	got := fields.Load().(map[string][]string)
	for k, want := range map[string]string{"response_format": "verbose_json", "language": "de", "model": "small.en"} {
		if v := got[k]; len(v) != 1 || v[0] != want {
			t.Errorf("form field %s = %v, want %q", k, v, want)
		}
	}
}

func TestHTTPEngine_TextOnlyResponse(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, map[string]string{"text": "  just text  "}, nil)
	e, _ := whisper.NewHTTP(srv.URL)

	segs, err := e.Transcribe(context.Background(), window(2), asr.Config{})
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if len(segs) != 1 || segs[0].Text != "just text" || segs[0].End != 2 {
		t.Errorf("segments = %+v, want one covering the window", segs)
	}
}

func TestHTTPEngine_EmptyResponse(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, map[string]string{"text": ""}, nil)
	e, _ := whisper.NewHTTP(srv.URL)
	segs, err := e.Transcribe(context.Background(), window(1), asr.Config{})
	if err != nil || len(segs) != 0 {
		t.Errorf("Transcribe = (%v, %v), want no segments", segs, err)
	}
}

func TestHTTPEngine_ServerErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	e, _ := whisper.NewHTTP(srv.URL)

	_, err := e.Transcribe(context.Background(), window(1), asr.Config{})
	if !errors.Is(err, asr.ErrTransient) {
		t.Errorf("error = %v, want transient", err)
	}
	if err := e.Check(context.Background()); err == nil {
		t.Error("Check() = nil, want error on 503")
	}
}

func TestHTTPEngine_CheckHealthy(t *testing.T) {
	t.Parallel()
	srv := newMockServer(t, nil, nil)
	e, _ := whisper.NewHTTP(srv.URL + "/")
	if err := e.Check(context.Background()); err != nil {
		t.Errorf("Check() = %v, want nil", err)
	}
}

// ---- batch provider integration ----------------------------------------------------

func TestHTTPEngine_ThroughBatchProvider(t *testing.T) {
	t.Parallel()
	resp := map[string]any{
		"segments": []map[string]any{{"start": 0.5, "end": 1.5, "text": "hello", "avg_logprob": 0.0}},
	}
	srv := newMockServer(t, resp, nil)
	e, _ := whisper.NewHTTP(srv.URL)
	p, err := batch.New(e, asr.NewConfigStore(asr.Config{ChunkSeconds: 2}), batch.WithName("whisper-http"))
	if err != nil {
		t.Fatalf("batch.New: %v", err)
	}
	if !p.Available() {
		t.Error("Available() = false with healthy server")
	}

	in := make(chan []byte, 2)
	in <- audio.Silence(16000, 2)
	in <- audio.Silence(16000, 2)
	close(in)
	var segs []asr.Segment
	for ev := range p.TranscribeStream(context.Background(), in, asr.StreamOptions{Source: audio.SourceSystem}) {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		segs = append(segs, ev.Segments...)
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	if segs[1].T0 != 2.5 || segs[1].T1 != 3.5 || segs[1].Confidence != 1 {
		t.Errorf("second segment = %+v, want [2.5, 3.5] conf 1", segs[1])
	}
}

// ---- native --------------------------------------------------------------------------

// testModelPath returns the path to a whisper model for integration tests.
// It reads from the WHISPER_MODEL_PATH environment variable. If unset the
// test is skipped.
func testModelPath(t *testing.T) string {
	t.Helper()
	p := os.Getenv("WHISPER_MODEL_PATH")
	if p == "" {
		t.Skip("WHISPER_MODEL_PATH not set; skipping native whisper test")
	}
	return p
}

func TestNewNative_EmptyPath_ReturnsError(t *testing.T) {
	if _, err := whisper.NewNative(""); err == nil {
		t.Fatal("expected error for empty model path, got nil")
	}
}

func TestNewNative_InvalidPath_IsFatal(t *testing.T) {
	_, err := whisper.NewNative("/nonexistent/path/to/model.bin")
	if !errors.Is(err, asr.ErrFatal) {
		t.Fatalf("error = %v, want fatal", err)
	}
}

func TestModelPath(t *testing.T) {
	t.Parallel()
	if got := whisper.ModelPath("/models", "base.en"); got != "/models/ggml-base.en.bin" {
		t.Errorf("ModelPath = %q", got)
	}
}

func TestNativeEngine_TranscribeSilence(t *testing.T) {
	e, err := whisper.NewNative(testModelPath(t), whisper.WithNativeLanguage("en"))
	if err != nil {
		t.Fatalf("NewNative: %v", err)
	}
	defer e.Close()

	if _, err := e.Transcribe(context.Background(), window(2), asr.Config{}); err != nil {
		t.Errorf("Transcribe: %v", err)
	}
	if e.Model() == "" {
		t.Error("Model() is empty")
	}
}
