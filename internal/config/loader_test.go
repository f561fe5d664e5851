package config_test

import (
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/echopanel/internal/config"
)

func lookupMap(m map[string]string) config.Lookup {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func TestApplyEnv_Overrides(t *testing.T) {
	t.Parallel()
	yaml := `
providers:
  asr:
    name: whisper-http
  asr_fallback:
    name: openai
asr:
  chunk_seconds: 2
session:
  flush_timeout: 5s
`
	cfg, err := config.LoadFromReader(strings.NewReader(yaml), lookupMap(map[string]string{
		config.EnvAuthToken:         "secret",
		config.EnvASRProvider:       "deepgram",
		config.EnvWhisperModel:      "tiny.en",
		config.EnvWhisperLanguage:   "de",
		config.EnvChunkSeconds:      "4",
		config.EnvVAD:               "1",
		config.EnvFlushTimeout:      "1.5",
		config.EnvDiarization:       "true",
		config.EnvDiarizationMax:    "120",
		config.EnvQueueMax:          "7",
		config.EnvAutoSelectVoxtral: "1",
		config.EnvDebug:             "1",
		config.EnvSummaryLLM:        "ollama:llama3",
		config.EnvOpenAIKey:         "sk-env",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"auth token", cfg.Server.AuthToken, "secret"},
		{"log level", cfg.Server.LogLevel, config.LogDebug},
		{"provider", cfg.Providers.ASR.Name, "deepgram"},
		{"model", cfg.ASR.Model, "tiny.en"},
		{"language", cfg.ASR.Language, "de"},
		{"chunk", cfg.ASR.ChunkSeconds, 4},
		{"vad", cfg.ASR.VAD != nil && *cfg.ASR.VAD, true},
		{"flush", cfg.Session.FlushTimeout, 1500 * time.Millisecond},
		{"diarization", cfg.Session.Diarization, true},
		{"diarization max", cfg.Session.DiarizationMaxSeconds, 120},
		{"mic queue", cfg.Concurrency.MicQueue, 7},
		{"system queue", cfg.Concurrency.SystemQueue, 7},
		{"large", cfg.ASR.AutoSelectLarge, true},
		{"summary llm", cfg.Providers.SummaryLLM.Name, "ollama"},
		{"summary model", cfg.Providers.SummaryLLM.Model, "llama3"},
		{"fallback key", cfg.Providers.ASRFallback.APIKey, "sk-env"},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestApplyEnv_EmptyValuesIgnored(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Server: config.ServerConfig{AuthToken: "yaml"}}
	if err := config.ApplyEnv(cfg, lookupMap(map[string]string{config.EnvAuthToken: "  "})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.AuthToken != "yaml" {
		t.Errorf("AuthToken = %q, want yaml", cfg.Server.AuthToken)
	}
}

func TestApplyEnv_MalformedValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{}
	err := config.ApplyEnv(cfg, lookupMap(map[string]string{
		config.EnvChunkSeconds: "two",
		config.EnvVAD:          "maybe",
		config.EnvFlushTimeout: "-1",
		config.EnvMaxSessions:  "8",
	}))
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	for _, want := range []string{config.EnvChunkSeconds, config.EnvVAD, config.EnvFlushTimeout} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
	if cfg.Concurrency.MaxSessions != 8 {
		t.Errorf("well-formed MaxSessions not applied: %d", cfg.Concurrency.MaxSessions)
	}
}

func TestApplyEnv_VADOff(t *testing.T) {
	t.Parallel()
	on := true
	cfg := &config.Config{ASR: config.ASRConfig{VAD: &on}}
	if err := config.ApplyEnv(cfg, lookupMap(map[string]string{config.EnvVAD: "0"})); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.ASR.VAD == nil || *cfg.ASR.VAD {
		t.Errorf("VAD = %v, want false", cfg.ASR.VAD)
	}
}

func TestEnvVars_Unique(t *testing.T) {
	t.Parallel()
	seen := make(map[string]bool)
	for _, v := range config.EnvVars {
		if seen[v] {
			t.Errorf("duplicate env var %s", v)
		}
		seen[v] = true
	}
	if !seen[config.EnvAuthToken] || !seen[config.EnvAutoSelectVoxtral] {
		t.Error("EnvVars is missing documented variables")
	}
}
