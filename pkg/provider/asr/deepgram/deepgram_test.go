package deepgram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// ---- URL / query-param tests ----

func TestBuildURL_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("test-key")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	rawURL, err := p.buildURL(16000, "")
	if err != nil {
		t.Fatalf("buildURL: %v", err)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("parse URL: %v", err)
	}
	q := u.Query()

	assertEqual(t, "model", "nova-3", q.Get("model"))
	assertEqual(t, "language", "en", q.Get("language"))
	assertEqual(t, "punctuate", "true", q.Get("punctuate"))
	assertEqual(t, "interim_results", "false", q.Get("interim_results"))
	assertEqual(t, "encoding", "linear16", q.Get("encoding"))
	assertEqual(t, "sample_rate", "16000", q.Get("sample_rate"))
	assertEqual(t, "channels", "1", q.Get("channels"))
}

func TestBuildURL_Options(t *testing.T) {
	t.Parallel()
	p, _ := New("key", WithModel("base"), WithLanguage("de-DE"))
	rawURL, _ := p.buildURL(16000, "")
	u, _ := url.Parse(rawURL)
	assertEqual(t, "model", "base", u.Query().Get("model"))
	assertEqual(t, "language", "de-DE", u.Query().Get("language"))

	rawURL, _ = p.buildURL(16000, "fr")
	u, _ = url.Parse(rawURL)
	assertEqual(t, "language override", "fr", u.Query().Get("language"))
}

func TestNew_EmptyAPIKey(t *testing.T) {
	t.Parallel()
	if _, err := New(""); err == nil {
		t.Fatal("expected error for empty api key")
	}
}

// ---- JSON parsing tests ----

func TestParseDeepgramResponse(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want result
		ok   bool
	}{
		{
			name: "final",
			raw:  `{"type":"Results","is_final":true,"start":1.5,"duration":2,"channel":{"alternatives":[{"transcript":" Hello world ","confidence":0.95}]}}`,
			want: result{text: "Hello world", confidence: 0.95, start: 1.5, end: 3.5},
			ok:   true,
		},
		{
			name: "interim",
			raw:  `{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"Hello"}]}}`,
		},
		{
			name: "empty transcript",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":""}]}}`,
		},
		{
			name: "metadata",
			raw:  `{"type":"Metadata","request_id":"abc"}`,
		},
		{
			name: "no alternatives",
			raw:  `{"type":"Results","is_final":true,"channel":{"alternatives":[]}}`,
		},
		{
			name: "invalid json",
			raw:  `{not json`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := parseDeepgramResponse([]byte(tt.raw))
			if ok != tt.ok || got != tt.want {
				t.Errorf("parseDeepgramResponse = (%+v, %v), want (%+v, %v)", got, ok, tt.want, tt.ok)
			}
		})
	}
}

// ---- stream tests ----

// fakeDeepgram answers every second of received audio with one final result
// and closes normally on CloseStream.
func fakeDeepgram(t *testing.T, authOK *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Token test-key" {
			authOK.Store(true)
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.CloseNow()
		ctx := r.Context()

		var received, sent int
		for {
			typ, msg, err := conn.Read(ctx)
			if err != nil {
				return
			}
			if typ == websocket.MessageText && strings.Contains(string(msg), "CloseStream") {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			received += len(msg)
			for received >= (sent+1)*32000 {
				_ = wsjson.Write(ctx, conn, map[string]any{
					"type":     "Results",
					"is_final": true,
					"start":    float64(sent),
					"duration": 1.0,
					"channel": map[string]any{
						"alternatives": []map[string]any{{"transcript": "second", "confidence": 0.9}},
					},
				})
				sent++
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestTranscribeStream_FinalResults(t *testing.T) {
	t.Parallel()

	var authOK atomic.Bool
	srv := fakeDeepgram(t, &authOK)
	p, _ := New("test-key", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := make(chan []byte, 2)
	in <- audio.Silence(16000, 1)
	in <- audio.Silence(16000, 1)
	close(in)

	opts := asr.StreamOptions{Source: audio.SourceSystem, StartSample: 16000 * 5}
	var segs []asr.Segment
	for ev := range p.TranscribeStream(ctx, in, opts) {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		segs = append(segs, ev.Segments...)
	}

	if !authOK.Load() {
		t.Error("Authorization header not sent")
	}
	if len(segs) != 2 {
		t.Fatalf("got %d segments, want 2", len(segs))
	}
	for i, s := range segs {
		wantT0 := 5 + float64(i)
		if s.T0 != wantT0 || s.T1 != wantT0+1 {
			t.Errorf("segment %d = [%v, %v], want [%v, %v]", i, s.T0, s.T1, wantT0, wantT0+1)
		}
		if s.Source != audio.SourceSystem || s.Confidence != 0.9 {
			t.Errorf("segment %d = %+v", i, s)
		}
	}
}

func TestTranscribeStream_DialErrorIsTransient(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)
	p, _ := New("bad", WithEndpoint("ws"+strings.TrimPrefix(srv.URL, "http")))

	in := make(chan []byte)
	close(in)
	var gotErr error
	for ev := range p.TranscribeStream(context.Background(), in, asr.StreamOptions{}) {
		if ev.Err != nil {
			gotErr = ev.Err
		}
	}
	if !errors.Is(gotErr, asr.ErrTransient) {
		t.Errorf("error = %v, want transient", gotErr)
	}
}

func assertEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: want %q, got %q", field, want, got)
	}
}
