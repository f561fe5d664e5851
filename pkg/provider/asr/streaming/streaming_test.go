package streaming

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/echopanel/pkg/audio"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// writeScript writes an executable shell script into a temp dir.
func writeScript(t *testing.T, body string) string {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	path := filepath.Join(t.TempDir(), "engine.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	return path
}

// echoEngine prints a readiness token, then one timed line per second of
// audio read from stdin.
const echoEngine = `echo "whisper_init_from_file: loading" >&2
echo "Model loaded." >&2
i=0
while true; do
  n=$(dd bs=32000 count=1 iflag=fullblock 2>/dev/null | wc -c)
  [ "$n" -eq 0 ] && break
  echo "[00:00:0$i.000 --> 00:00:0$((i+1)).000]  chunk $i"
  echo "[BLANK_AUDIO]"
  i=$((i+1))
done
`

func TestParseLine(t *testing.T) {
	t.Parallel()

	tests := []struct {
		raw  string
		want line
		ok   bool
	}{
		{"[00:00:01.000 --> 00:00:03.500]  hello world", line{text: "hello world", t0: 1, t1: 3.5, timed: true}, true},
		{"[01:02:03.250 --> 01:02:04.000] later", line{text: "later", t0: 3723.25, t1: 3724, timed: true}, true},
		{"\x1b[2K\rplain words", line{text: "plain words"}, true},
		{"[BLANK_AUDIO]", line{}, false},
		{"[00:00:00.000 --> 00:00:01.000]  (silence)", line{}, false},
		{"   ", line{}, false},
	}
	for _, tt := range tests {
		got, ok := parseLine(tt.raw)
		if ok != tt.ok || got != tt.want {
			t.Errorf("parseLine(%q) = (%+v, %v), want (%+v, %v)", tt.raw, got, ok, tt.want, tt.ok)
		}
	}
}

func TestNew_RequiresBinary(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty binary")
	}
}

func TestArgs(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{Binary: "stream", ModelPath: "/m.bin", DelaySeconds: 0.5, SilenceFlag: "--keep-silence", ExtraArgs: []string{"-t", "4"}})
	got := p.args()
	want := []string{"--stdin", "-I", "0.5", "--keep-silence", "-m", "/m.bin", "-t", "4"}
	if len(got) != len(want) {
		t.Fatalf("args = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("args[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestAvailable(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{Binary: "/nonexistent/stream"})
	if p.Available() {
		t.Error("Available() = true for missing binary")
	}
	p, _ = New(Config{Binary: writeScript(t, "exit 0\n"), ModelPath: "/nonexistent/model.bin"})
	if p.Available() {
		t.Error("Available() = true for missing model")
	}
}

func TestTranscribeStream_RelaysTimedLines(t *testing.T) {
	t.Parallel()

	p, err := New(Config{Binary: writeScript(t, echoEngine), ReadyTimeout: 5 * time.Second, StopTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}
	if !p.Health().SessionActive {
		t.Error("SessionActive = false after StartSession")
	}

	in := make(chan []byte, 3)
	for range 3 {
		in <- audio.Silence(16000, 1)
	}
	close(in)

	var segs []asr.Segment
	opts := asr.StreamOptions{SessionID: "s1", Source: audio.SourceMic, StartSample: 16000 * 10}
	for ev := range p.TranscribeStream(ctx, in, opts) {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		segs = append(segs, ev.Segments...)
	}
	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3", len(segs))
	}
	for i, s := range segs {
		wantT0 := 10 + float64(i)
		if s.T0 != wantT0 || s.T1 != wantT0+1 {
			t.Errorf("segment %d = [%v, %v], want [%v, %v]", i, s.T0, s.T1, wantT0, wantT0+1)
		}
		if s.Source != audio.SourceMic {
			t.Errorf("segment %d source = %q", i, s.Source)
		}
	}

	if err := p.StopSession(ctx, "s1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if p.Health().SessionActive {
		t.Error("SessionActive = true after StopSession")
	}
}

func TestStartSession_ReadyTimeoutIsFatal(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{Binary: writeScript(t, "sleep 30\n"), ReadyTimeout: 200 * time.Millisecond})

	start := time.Now()
	err := p.StartSession(context.Background(), "s1")
	if !errors.Is(err, asr.ErrFatal) {
		t.Fatalf("StartSession error = %v, want fatal", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("StartSession took %s, want bounded by ready timeout", time.Since(start))
	}
}

func TestStartSession_EarlyExitIsFatal(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{Binary: writeScript(t, "echo failing >&2\nexit 3\n"), ReadyTimeout: 5 * time.Second})
	if err := p.StartSession(context.Background(), "s1"); !errors.Is(err, asr.ErrFatal) {
		t.Fatalf("StartSession error = %v, want fatal", err)
	}
}

func TestStopSession_KillsUnresponsiveChild(t *testing.T) {
	t.Parallel()
	p, _ := New(Config{
		Binary:       writeScript(t, "echo Ready\ntrap '' TERM\nsleep 60\n"),
		ReadyTimeout: 5 * time.Second,
		StopTimeout:  100 * time.Millisecond,
	})
	if err := p.StartSession(context.Background(), "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	start := time.Now()
	if err := p.StopSession(context.Background(), "s1"); err != nil {
		t.Fatalf("StopSession: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("StopSession took %s, want it bounded", elapsed)
	}
}

// crashOnceEngine exits after its first chunk on the first run and behaves
// like echoEngine afterwards. Each restart appends a line to $0.restarts.
const crashOnceEngine = `if [ ! -e "$0.started" ]; then
  touch "$0.started"
  echo "Model loaded." >&2
  dd bs=32000 count=1 iflag=fullblock 2>/dev/null >/dev/null
  echo "[00:00:00.000 --> 00:00:01.000]  before crash"
  exit 1
fi
echo restarted >> "$0.restarts"
echo "Model loaded." >&2
i=0
while true; do
  n=$(dd bs=32000 count=1 iflag=fullblock 2>/dev/null | wc -c)
  [ "$n" -eq 0 ] && break
  echo "[00:00:0$i.000 --> 00:00:0$((i+1)).000]  after restart"
  i=$((i+1))
done
`

func TestTranscribeStream_RestartsOnceAfterCrash(t *testing.T) {
	t.Parallel()

	script := writeScript(t, crashOnceEngine)
	p, err := New(Config{Binary: script, ReadyTimeout: 5 * time.Second, StopTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := make(chan []byte)
	go func() {
		defer close(in)
		in <- audio.Silence(16000, 1)
		// Let the first child crash and be replaced before sending more.
		time.Sleep(300 * time.Millisecond)
		in <- audio.Silence(16000, 1)
		in <- audio.Silence(16000, 1)
	}()

	var segs []asr.Segment
	for ev := range p.TranscribeStream(ctx, in, asr.StreamOptions{SessionID: "s1", Source: audio.SourceSystem}) {
		if ev.Err != nil {
			t.Fatalf("event error: %v", ev.Err)
		}
		segs = append(segs, ev.Segments...)
	}
	_ = p.StopSession(ctx, "s1")

	if len(segs) != 3 {
		t.Fatalf("got %d segments, want 3: %+v", len(segs), segs)
	}
	if segs[0].Text != "before crash" || segs[1].Text != "after restart" {
		t.Errorf("texts = %q, %q", segs[0].Text, segs[1].Text)
	}
	// The replacement child's clock starts at the audio already consumed.
	for i, want := range []float64{0, 1, 2} {
		if segs[i].T0 != want {
			t.Errorf("segment %d t0 = %v, want %v", i, segs[i].T0, want)
		}
	}
	restarts, err := os.ReadFile(script + ".restarts")
	if err != nil {
		t.Fatalf("read restarts: %v", err)
	}
	if n := strings.Count(string(restarts), "restarted"); n != 1 {
		t.Errorf("engine restarted %d times, want 1", n)
	}
}

func TestTranscribeStream_SpawnsOnlyForSourcesWithAudio(t *testing.T) {
	t.Parallel()

	script := writeScript(t, `echo spawned >> "$0.spawns"
`+echoEngine)
	p, err := New(Config{Binary: script, ReadyTimeout: 5 * time.Second, StopTimeout: time.Second})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.StartSession(ctx, "s1"); err != nil {
		t.Fatalf("StartSession: %v", err)
	}

	mic := make(chan []byte, 1)
	mic <- audio.Silence(16000, 1)
	close(mic)
	system := make(chan []byte)
	close(system)

	micEvents := p.TranscribeStream(ctx, mic, asr.StreamOptions{SessionID: "s1", Source: audio.SourceMic})
	systemEvents := p.TranscribeStream(ctx, system, asr.StreamOptions{SessionID: "s1", Source: audio.SourceSystem})
	var segs int
	for ev := range micEvents {
		segs += len(ev.Segments)
	}
	for ev := range systemEvents {
		t.Errorf("system stream without audio emitted %+v", ev)
	}
	_ = p.StopSession(ctx, "s1")

	if segs != 1 {
		t.Errorf("mic segments = %d, want 1", segs)
	}
	spawns, err := os.ReadFile(script + ".spawns")
	if err != nil {
		t.Fatalf("read spawns: %v", err)
	}
	if n := strings.Count(string(spawns), "spawned"); n != 1 {
		t.Errorf("children spawned = %d, want 1", n)
	}
}
