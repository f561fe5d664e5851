// Package openai provides a remote chunked-batch ASR engine backed by the
// OpenAI audio transcription API. It is the usual failover target when the
// local engine falls behind real time.
package openai

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/batch"
)

var _ batch.Engine = (*Engine)(nil)

// config holds optional configuration for the engine.
type config struct {
	baseURL    string
	timeout    time.Duration
	maxRetries int
	language   string
}

// Option is a functional option for Engine.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithMaxRetries sets the SDK retry count. Defaults to 1: a late transcript
// is worth less than a skipped window.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithLanguage sets the default ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(c *config) { c.language = lang }
}

// Engine implements batch.Engine using the OpenAI transcription endpoint.
type Engine struct {
	client   oai.Client
	model    string
	language string
}

// New constructs an Engine. model defaults to whisper-1.
func New(apiKey, model string, opts ...Option) (*Engine, error) {
	if apiKey == "" {
		return nil, errors.New("openai: apiKey must not be empty")
	}
	if model == "" {
		model = oai.AudioModelWhisper1
	}

	cfg := &config{maxRetries: 1}
	for _, o := range opts {
		o(cfg)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(cfg.maxRetries),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}

	return &Engine{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}, nil
}

// Name returns "openai".
func (e *Engine) Name() string { return "openai" }

// ConcurrentSafe returns true: requests are independent.
func (e *Engine) ConcurrentSafe() bool { return true }

// Close is a no-op.
func (e *Engine) Close() error { return nil }

// Transcribe uploads the window as WAV and returns the text as a single
// segment spanning the window.
func (e *Engine) Transcribe(ctx context.Context, w batch.Window, cfg asr.Config) ([]batch.EngineSegment, error) {
	wav := audio.EncodeWAV(w.PCM, w.SampleRate, audio.Channels)
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: oai.AudioModel(e.model),
	}
	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	if lang != "" {
		params.Language = oai.String(lang)
	}

	res, err := e.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return nil, asr.Transient(e.Name(), fmt.Errorf("transcribe: %w", err))
	}
	text := strings.TrimSpace(res.Text)
	if text == "" {
		return nil, nil
	}
	return []batch.EngineSegment{{
		Start:    0,
		End:      w.Seconds(),
		Text:     text,
		Language: lang,
	}}, nil
}
