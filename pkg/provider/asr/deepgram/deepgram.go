// Package deepgram provides a remote streaming ASR provider backed by the
// Deepgram live transcription WebSocket API.
//
// Every call to [Provider.TranscribeStream] opens its own WebSocket. Only
// final results are relayed; interim results are disabled on the wire.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

const (
	deepgramEndpoint = "wss://api.deepgram.com/v1/listen"
	defaultModel     = "nova-3"
	defaultLanguage  = "en"

	// closeGrace bounds the wait for trailing results after CloseStream.
	closeGrace = 5 * time.Second
)

// Compile-time assertion that Provider implements asr.Provider.
var _ asr.Provider = (*Provider)(nil)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithEndpoint overrides the WebSocket endpoint. Used by tests and
// self-hosted deployments.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements asr.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey   string
	model    string
	language string
	endpoint string

	tracker *asr.Tracker
}

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:   apiKey,
		model:    defaultModel,
		language: defaultLanguage,
		endpoint: deepgramEndpoint,
		tracker:  asr.NewTracker(),
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// Name returns "deepgram".
func (p *Provider) Name() string { return "deepgram" }

// Available reports true; reachability is only known once a stream dials.
func (p *Provider) Available() bool { return p.apiKey != "" }

// Capabilities returns the capability flags.
func (p *Provider) Capabilities() asr.Capabilities {
	return asr.Capabilities{
		Streaming:           true,
		ConcurrentInference: true,
	}
}

// StartSession is a no-op; connections are opened per stream.
func (p *Provider) StartSession(context.Context, string) error {
	p.tracker.SessionStarted()
	return nil
}

// StopSession is a no-op; streams close their own connections.
func (p *Provider) StopSession(context.Context, string) error {
	p.tracker.SessionStopped()
	return nil
}

// Flush returns nil; Deepgram flushes on CloseStream.
func (p *Provider) Flush(context.Context, audio.Source) ([]asr.Segment, error) {
	return nil, nil
}

// Health returns the provider's runtime metrics.
func (p *Provider) Health() asr.Health { return p.tracker.Snapshot() }

// Unload is a no-op.
func (p *Provider) Unload() error { return nil }

// buildURL constructs the Deepgram streaming endpoint URL for a stream.
func (p *Provider) buildURL(sampleRate int, language string) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}
	if language == "" {
		language = p.language
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", language)
	q.Set("punctuate", "true")
	q.Set("interim_results", "false")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", strconv.Itoa(audio.Channels))

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// TranscribeStream dials Deepgram, forwards every chunk as a binary frame and
// relays final results as segments. When in closes a CloseStream message is
// sent and trailing results are drained.
func (p *Provider) TranscribeStream(ctx context.Context, in <-chan []byte, opts asr.StreamOptions) <-chan asr.Event {
	out := make(chan asr.Event, 8)
	go p.run(ctx, in, opts, out)
	return out
}

// ---- stream ----

// deepgramResponse is the JSON structure returned by Deepgram for a Results event.
type deepgramResponse struct {
	Type     string  `json:"type"`
	IsFinal  bool    `json:"is_final"`
	Start    float64 `json:"start"`
	Duration float64 `json:"duration"`
	Channel  struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// result is one parsed final transcript, relative to the connection start.
type result struct {
	text       string
	confidence float64
	start      float64
	end        float64
}

func (p *Provider) run(ctx context.Context, in <-chan []byte, opts asr.StreamOptions, out chan<- asr.Event) {
	defer close(out)

	sr := opts.SampleRate
	if sr <= 0 {
		sr = audio.SampleRate
	}
	var processed atomic.Int64
	processed.Store(opts.StartSample)
	base := float64(opts.StartSample) / float64(sr)

	emit := func(ev asr.Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	wsURL, err := p.buildURL(sr, "")
	if err != nil {
		emit(asr.Event{Err: asr.Fatal(p.Name(), fmt.Errorf("build URL: %w", err)), ProcessedSamples: processed.Load()})
		return
	}
	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPHeader: headers})
	if err != nil {
		p.tracker.RecordError(err)
		emit(asr.Event{Err: asr.Transient(p.Name(), fmt.Errorf("dial: %w", err)), ProcessedSamples: processed.Load()})
		drainInput(ctx, in)
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 20)

	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		p.writeLoop(ctx, readCtx, conn, in, &processed, cancelRead)
	}()

	lastT0 := base
	for {
		_, msg, err := conn.Read(readCtx)
		if err != nil {
			if ctx.Err() == nil && !isNormalClose(err) && readCtx.Err() == nil {
				p.tracker.RecordError(err)
				emit(asr.Event{Err: asr.Transient(p.Name(), fmt.Errorf("read: %w", err)), ProcessedSamples: processed.Load()})
			}
			break
		}
		r, ok := parseDeepgramResponse(msg)
		if !ok {
			continue
		}
		t0 := max(base+r.start, lastT0)
		t1 := max(base+r.end, t0)
		lastT0 = t0
		p.tracker.RecordInference(0, r.end-r.start)
		seg := asr.Segment{
			Text:       r.text,
			T0:         t0,
			T1:         t1,
			Confidence: r.confidence,
			Source:     opts.Source,
		}
		if !emit(asr.Event{
			Segments:         []asr.Segment{seg},
			ProcessedSamples: processed.Load(),
			AudioSeconds:     r.end - r.start,
		}) {
			break
		}
	}
	cancelRead()
	wg.Wait()
	_ = conn.Close(websocket.StatusNormalClosure, "stream closed")
}

// writeLoop forwards audio until in closes, then asks Deepgram to flush and
// gives the reader a bounded grace period.
func (p *Provider) writeLoop(ctx, readCtx context.Context, conn *websocket.Conn, in <-chan []byte, processed *atomic.Int64, stopReader context.CancelFunc) {
	for {
		select {
		case <-ctx.Done():
			return
		case chunk, ok := <-in:
			if !ok {
				if err := conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`)); err != nil {
					slog.Debug("deepgram: close stream", "err", err)
					stopReader()
					return
				}
				timer := time.NewTimer(closeGrace)
				defer timer.Stop()
				select {
				case <-timer.C:
					slog.Warn("deepgram: no close after CloseStream", "grace", closeGrace)
					stopReader()
				case <-readCtx.Done():
				}
				return
			}
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				slog.Debug("deepgram: write", "err", err)
				drainInput(ctx, in)
				return
			}
			processed.Add(audio.Samples(chunk))
		}
	}
}

// drainInput consumes in so the sender never blocks on a dead stream.
func drainInput(ctx context.Context, in <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-in:
			if !ok {
				return
			}
		}
	}
}

func isNormalClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return true
	}
	return false
}

// parseDeepgramResponse parses a raw Deepgram WebSocket message. It returns
// false for anything other than a non-empty final Results message.
func parseDeepgramResponse(data []byte) (result, bool) {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return result{}, false
	}
	if resp.Type != "Results" || !resp.IsFinal {
		return result{}, false
	}
	if len(resp.Channel.Alternatives) == 0 {
		return result{}, false
	}
	alt := resp.Channel.Alternatives[0]
	text := strings.TrimSpace(alt.Transcript)
	if text == "" {
		return result{}, false
	}
	return result{
		text:       text,
		confidence: alt.Confidence,
		start:      resp.Start,
		end:        resp.Start + resp.Duration,
	}, true
}
