package vad_test

import (
	"encoding/binary"
	"errors"
	"math"
	"testing"

	"github.com/MrWong99/echopanel/pkg/provider/vad"
)

// tone returns ms milliseconds of a 440 Hz sine at the given peak amplitude.
func tone(ms int, amplitude float64) []byte {
	n := 16000 * ms / 1000
	buf := make([]byte, n*2)
	for i := range n {
		v := int16(amplitude * 32767 * math.Sin(2*math.Pi*440*float64(i)/16000))
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(v))
	}
	return buf
}

func newSession(t *testing.T) (vad.SessionHandle, vad.Config) {
	t.Helper()
	cfg := vad.DefaultConfig()
	sess, err := (&vad.EnergyEngine{}).NewSession(cfg)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return sess, cfg
}

func TestEnergyEngine_InvalidConfig(t *testing.T) {
	t.Parallel()

	bad := []vad.Config{
		{SampleRate: 0, FrameSizeMs: 30, SpeechThreshold: 0.5},
		{SampleRate: 16000, FrameSizeMs: 0, SpeechThreshold: 0.5},
		{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 1.5},
		{SampleRate: 16000, FrameSizeMs: 30, SpeechThreshold: 0.3, SilenceThreshold: 0.6},
	}
	for i, cfg := range bad {
		if _, err := (&vad.EnergyEngine{}).NewSession(cfg); err == nil {
			t.Errorf("config %d: expected error, got nil", i)
		}
	}
}

func TestEnergySession_WrongFrameSize(t *testing.T) {
	t.Parallel()
	sess, _ := newSession(t)
	if _, err := sess.ProcessFrame(make([]byte, 10)); err == nil {
		t.Fatal("expected error for wrong frame size")
	}
}

func TestEnergySession_Transitions(t *testing.T) {
	t.Parallel()
	sess, _ := newSession(t)

	ev, _ := sess.ProcessFrame(tone(30, 0))
	if ev.Type != vad.Silence {
		t.Errorf("silent frame = %v, want Silence", ev.Type)
	}
	ev, _ = sess.ProcessFrame(tone(30, 0.5))
	if ev.Type != vad.SpeechStart {
		t.Errorf("loud frame = %v, want SpeechStart", ev.Type)
	}
	ev, _ = sess.ProcessFrame(tone(30, 0.5))
	if ev.Type != vad.SpeechContinue {
		t.Errorf("second loud frame = %v, want SpeechContinue", ev.Type)
	}
	// MinSilenceMs=100 at 30 ms frames needs 3 quiet frames.
	for i := range 2 {
		ev, _ = sess.ProcessFrame(tone(30, 0))
		if ev.Type != vad.SpeechContinue {
			t.Errorf("quiet frame %d = %v, want SpeechContinue", i, ev.Type)
		}
	}
	ev, _ = sess.ProcessFrame(tone(30, 0))
	if ev.Type != vad.SpeechEnd {
		t.Errorf("third quiet frame = %v, want SpeechEnd", ev.Type)
	}
}

func TestSpeechWindow(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		pcm  []byte
		want bool
	}{
		{"silence", tone(2000, 0), false},
		{"short blip", append(tone(900, 0), append(tone(90, 0.5), tone(1000, 0)...)...), false},
		{"speech", append(tone(500, 0), tone(600, 0.5)...), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sess, cfg := newSession(t)
			got, err := vad.SpeechWindow(sess, tt.pcm, cfg, 250)
			if err != nil {
				t.Fatalf("SpeechWindow: %v", err)
			}
			if got != tt.want {
				t.Errorf("SpeechWindow = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestLazy_LoadsOnce(t *testing.T) {
	t.Parallel()

	calls := 0
	wantErr := errors.New("no model")
	l := vad.NewLazy(func() (vad.Engine, error) {
		calls++
		return nil, wantErr
	})
	for range 3 {
		if _, err := l.Get(); !errors.Is(err, wantErr) {
			t.Errorf("Get() error = %v, want %v", err, wantErr)
		}
	}
	if calls != 1 {
		t.Errorf("load called %d times, want 1", calls)
	}

	eng, err := vad.Default.Get()
	if err != nil || eng == nil {
		t.Errorf("Default.Get() = (%v, %v), want energy engine", eng, err)
	}
}

func TestConfig_FrameBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  vad.Config
		want int
	}{
		{vad.DefaultConfig(), 960},
		{vad.Config{SampleRate: 8000, FrameSizeMs: 20}, 320},
		{vad.Config{SampleRate: 16000}, 0},
	}
	for _, tt := range tests {
		if got := tt.cfg.FrameBytes(); got != tt.want {
			t.Errorf("FrameBytes(%d Hz, %d ms) = %d, want %d", tt.cfg.SampleRate, tt.cfg.FrameSizeMs, got, tt.want)
		}
	}
}

func TestEventType_String(t *testing.T) {
	t.Parallel()
	if got := vad.SpeechEnd.String(); got != "speech_end" {
		t.Errorf("SpeechEnd = %q", got)
	}
	if got := vad.EventType(42).String(); got != "unknown" {
		t.Errorf("EventType(42) = %q, want unknown", got)
	}
	if vad.SpeechEnd.IsSpeech() || !vad.SpeechStart.IsSpeech() {
		t.Error("IsSpeech misclassifies run boundaries")
	}
}
