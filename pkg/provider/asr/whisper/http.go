// Package whisper provides whisper.cpp engines for the chunked-batch ASR
// provider.
//
// [HTTPEngine] talks to a running whisper-server binary (POST /inference).
// [NativeEngine] links whisper.cpp through its cgo bindings and runs the model
// in-process. Neither engine is safe for concurrent inference: whisper-server
// processes one request at a time and a whisper.cpp context must not be
// shared across goroutines.
//
// Usage:
//
//	eng, err := whisper.NewHTTP("http://localhost:8080",
//	    whisper.WithModel("base.en"),
//	    whisper.WithLanguage("en"),
//	)
//	p, err := batch.New(eng, store, batch.WithName("whisper-http"))
package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/batch"
)

const defaultLanguage = "en"

var (
	_ batch.Engine        = (*HTTPEngine)(nil)
	_ batch.Checker       = (*HTTPEngine)(nil)
	_ batch.ModelSwitcher = (*HTTPEngine)(nil)
)

// Option is a functional option for configuring an HTTPEngine.
type Option func(*HTTPEngine)

// WithModel sets the model identifier forwarded to the whisper.cpp server
// (e.g., "base.en", "small"). When empty the server uses whichever model it
// was started with.
func WithModel(model string) Option {
	return func(e *HTTPEngine) { e.model = model }
}

// WithLanguage sets the default language code sent with each request when
// the runtime config carries none. Defaults to "en".
func WithLanguage(lang string) Option {
	return func(e *HTTPEngine) { e.language = lang }
}

// WithHTTPClient replaces the HTTP client. The default has a 30 s timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(e *HTTPEngine) { e.httpClient = c }
}

// HTTPEngine implements batch.Engine backed by a whisper.cpp HTTP server.
type HTTPEngine struct {
	serverURL  string
	language   string
	httpClient *http.Client

	mu    sync.Mutex
	model string
}

// NewHTTP creates an engine that connects to the whisper.cpp HTTP server at
// serverURL (e.g., "http://localhost:8080").
func NewHTTP(serverURL string, opts ...Option) (*HTTPEngine, error) {
	if serverURL == "" {
		return nil, errors.New("whisper: serverURL must not be empty")
	}
	e := &HTTPEngine{
		serverURL:  strings.TrimRight(serverURL, "/"),
		language:   defaultLanguage,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Name returns "whisper-http".
func (e *HTTPEngine) Name() string { return "whisper-http" }

// ConcurrentSafe returns false: whisper-server handles one request at a time.
func (e *HTTPEngine) ConcurrentSafe() bool { return false }

// Close is a no-op; the server owns the model.
func (e *HTTPEngine) Close() error { return nil }

// Model returns the model name sent with requests.
func (e *HTTPEngine) Model() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.model
}

// SwitchModel changes the model name sent with subsequent requests.
func (e *HTTPEngine) SwitchModel(name string) error {
	e.mu.Lock()
	e.model = name
	e.mu.Unlock()
	return nil
}

// Check probes the server's health endpoint.
func (e *HTTPEngine) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.serverURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("whisper: create request: %w", err)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("whisper: health check: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("whisper: health check returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// verboseResponse is the subset of whisper-server's verbose_json output the
// engine consumes.
type verboseResponse struct {
	Text     string `json:"text"`
	Language string `json:"language"`
	Segments []struct {
		Start      float64  `json:"start"`
		End        float64  `json:"end"`
		Text       string   `json:"text"`
		AvgLogprob *float64 `json:"avg_logprob"`
	} `json:"segments"`
}

// Transcribe encodes the window as WAV and POSTs it to /inference as
// multipart/form-data.
func (e *HTTPEngine) Transcribe(ctx context.Context, w batch.Window, cfg asr.Config) ([]batch.EngineSegment, error) {
	wav := audio.EncodeWAV(w.PCM, w.SampleRate, audio.Channels)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("whisper: create form file: %w", err)
	}
	if _, err := fw.Write(wav); err != nil {
		return nil, fmt.Errorf("whisper: write wav data: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	fields := map[string]string{
		"response_format": "verbose_json",
		"temperature":     "0.0",
		"language":        lang,
		"model":           e.Model(),
	}
	for _, k := range []string{"response_format", "temperature", "language", "model"} {
		if fields[k] == "" {
			continue
		}
		if err := mw.WriteField(k, fields[k]); err != nil {
			return nil, fmt.Errorf("whisper: write %s field: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("whisper: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.serverURL+"/inference", &body)
	if err != nil {
		return nil, fmt.Errorf("whisper: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, asr.Transient(e.Name(), fmt.Errorf("http request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, asr.Transient(e.Name(), fmt.Errorf("server returned HTTP %d", resp.StatusCode))
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("whisper: read response body: %w", err)
	}

	var result verboseResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("whisper: parse JSON response: %w", err)
	}

	if len(result.Segments) == 0 {
		text := strings.TrimSpace(result.Text)
		if text == "" {
			return nil, nil
		}
		return []batch.EngineSegment{{Start: 0, End: w.Seconds(), Text: text, Language: result.Language}}, nil
	}

	segs := make([]batch.EngineSegment, 0, len(result.Segments))
	for _, s := range result.Segments {
		seg := batch.EngineSegment{
			Start:    s.Start,
			End:      s.End,
			Text:     s.Text,
			Language: result.Language,
		}
		if s.AvgLogprob != nil {
			seg.AvgLogprob = *s.AvgLogprob
			seg.HasLogprob = true
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
