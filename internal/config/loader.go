package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"asr": {"whisper-http", "whisper-native", "openai", "deepgram", "streaming"},
	"vad": {"energy"},
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
}

// Load reads the YAML configuration file at path, applies the environment
// overrides found through lookup and returns a validated [Config]. A missing
// file is not an error: the result then holds defaults and environment
// values only.
func Load(path string, lookup Lookup) (*Config, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		slog.Debug("config: file not found, using defaults", "path", path)
		return LoadFromReader(strings.NewReader(""), lookup)
	}
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f, lookup)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment
// overrides and defaults, and validates the result. A nil lookup skips the
// environment. Useful in tests where configs are constructed from string
// literals.
func LoadFromReader(r io.Reader, lookup Lookup) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg, lookup); err != nil {
		return nil, err
	}
	Defaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Unknown provider names only warn.
	validateProviderName("asr", cfg.Providers.ASR.Name)
	validateProviderName("asr", cfg.Providers.ASRFallback.Name)
	validateProviderName("vad", cfg.Providers.VAD.Name)
	validateProviderName("llm", cfg.Providers.SummaryLLM.Name)

	if fb := cfg.Providers.ASRFallback.Name; fb != "" && fb == cfg.Providers.ASR.Name {
		slog.Warn("providers.asr_fallback names the primary provider; failover will reuse it", "name", fb)
	}
	if cfg.Providers.ASR.Name == "" && !cfg.ASR.AutoSelectEnabled() {
		errs = append(errs, errors.New("providers.asr.name is required when asr.auto_select is false"))
	}

	// ASR
	a := cfg.ASR
	if a.ChunkSeconds < 0 || a.ChunkSeconds > 30 {
		errs = append(errs, fmt.Errorf("asr.chunk_seconds %d is out of range [0, 30]", a.ChunkSeconds))
	}
	if a.WarmupLevel < 1 || a.WarmupLevel > 3 {
		errs = append(errs, fmt.Errorf("asr.warmup_level %d is invalid; valid values: 1, 2, 3", a.WarmupLevel))
	}
	if a.MaxBufferSeconds < 1 {
		errs = append(errs, fmt.Errorf("asr.max_buffer_seconds %d must be positive", a.MaxBufferSeconds))
	}
	errs = appendPositive(errs, "asr.init_timeout", a.InitTimeout)

	// Concurrency
	c := cfg.Concurrency
	for name, v := range map[string]int{
		"concurrency.max_sessions":  c.MaxSessions,
		"concurrency.max_inference": c.MaxInference,
		"concurrency.mic_queue":     c.MicQueue,
		"concurrency.system_queue":  c.SystemQueue,
	} {
		if v < 1 {
			errs = append(errs, fmt.Errorf("%s %d must be at least 1", name, v))
		}
	}
	errs = appendPositive(errs, "concurrency.admission_timeout", c.AdmissionTimeout)

	// Session
	s := cfg.Session
	errs = appendPositive(errs, "session.flush_timeout", s.FlushTimeout)
	if s.FlushTimeout > time.Minute {
		errs = append(errs, fmt.Errorf("session.flush_timeout %s exceeds 1m", s.FlushTimeout))
	}
	if s.DiarizationMaxSeconds < 1 {
		errs = append(errs, fmt.Errorf("session.diarization_max_seconds %d must be positive", s.DiarizationMaxSeconds))
	}
	if s.ErrorStreak < 1 {
		errs = append(errs, fmt.Errorf("session.error_streak %d must be at least 1", s.ErrorStreak))
	}
	if s.FailoverAfter < 1 {
		errs = append(errs, fmt.Errorf("session.failover_after %d must be at least 1", s.FailoverAfter))
	}
	errs = appendPositive(errs, "session.entity_interval", s.EntityInterval)
	errs = appendPositive(errs, "session.card_interval", s.CardInterval)
	errs = appendPositive(errs, "session.metrics_interval", s.MetricsInterval)

	if cfg.Indexer.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("indexer.queue_size %d must be at least 1", cfg.Indexer.QueueSize))
	}

	slices.SortFunc(errs, func(a, b error) int { return strings.Compare(a.Error(), b.Error()) })
	return errors.Join(errs...)
}

func appendPositive(errs []error, name string, d time.Duration) []error {
	if d <= 0 {
		return append(errs, fmt.Errorf("%s %s must be positive", name, d))
	}
	return errs
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name; may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
