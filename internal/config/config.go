// Package config provides the configuration schema, loader, environment
// overrides and provider registry for the EchoPanel server.
package config

import "time"

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Config is the root configuration structure. It is loaded from YAML with
// [Load] or [LoadFromReader], filled with [Defaults] and overridden from the
// environment with [ApplyEnv].
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Providers   ProvidersConfig   `yaml:"providers"`
	ASR         ASRConfig         `yaml:"asr"`
	Concurrency ConcurrencyConfig `yaml:"concurrency"`
	Session     SessionConfig     `yaml:"session"`
	Indexer     IndexerConfig     `yaml:"indexer"`
}

// ServerConfig holds network, auth and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the server listens on (e.g., ":8000").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`

	// AuthToken enables token authentication on the WebSocket and the
	// mutating HTTP routes when non-empty.
	AuthToken string `yaml:"auth_token"`

	// TLS configures TLS for the server. When nil, the server runs plain HTTP.
	TLS *TLSConfig `yaml:"tls"`
}

// TLSConfig holds TLS certificate paths for enabling HTTPS.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// ProvidersConfig declares which implementation to use for each pluggable
// stage. Each field selects a named provider registered in the [Registry].
type ProvidersConfig struct {
	// ASR is the primary speech recognition provider. An empty name lets
	// startup auto-selection choose one for the host.
	ASR ProviderEntry `yaml:"asr"`

	// ASRFallback is the provider the degrade ladder fails over to.
	ASRFallback ProviderEntry `yaml:"asr_fallback"`

	// VAD is the voice activity detector used by the VAD gate.
	VAD ProviderEntry `yaml:"vad"`

	// SummaryLLM, when set, writes the rolling Markdown summary.
	SummaryLLM ProviderEntry `yaml:"summary_llm"`
}

// ProviderEntry is the common configuration block shared by all provider types.
// The Name field is used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation (e.g., "whisper-native", "deepgram").
	Name string `yaml:"name"`

	// APIKey is the authentication key for the provider's API if any.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider's default API endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects a specific model within the provider.
	Model string `yaml:"model"`

	// Options holds provider-specific configuration values not covered by the
	// standard fields above.
	Options map[string]any `yaml:"options"`
}

// ASRConfig is the initial runtime ASR configuration. The degrade ladder
// changes these values while sessions run.
type ASRConfig struct {
	Model        string `yaml:"model"`
	Device       string `yaml:"device"`
	ComputeType  string `yaml:"compute_type"`
	Language     string `yaml:"language"`
	ChunkSeconds int    `yaml:"chunk_seconds"`

	// VAD enables the VAD gate. Nil leaves the choice to auto-selection.
	VAD *bool `yaml:"vad"`

	// MaxBufferSeconds caps audio buffered inside chunked-batch providers.
	MaxBufferSeconds int `yaml:"max_buffer_seconds"`

	// AutoSelect fills unset provider and model fields from the hardware
	// profile. Nil means enabled.
	AutoSelect *bool `yaml:"auto_select"`

	// AutoSelectLarge allows auto-selection to pick very large streaming
	// engines.
	AutoSelectLarge bool `yaml:"auto_select_large"`

	// WarmupLevel is 1 (load only), 2 (one inference) or 3 (several).
	WarmupLevel int `yaml:"warmup_level"`

	// InitTimeout bounds model initialization at startup and on reload.
	InitTimeout time.Duration `yaml:"init_timeout"`
}

// AutoSelectEnabled reports whether auto-selection is on.
func (a ASRConfig) AutoSelectEnabled() bool {
	return a.AutoSelect == nil || *a.AutoSelect
}

// ConcurrencyConfig bounds sessions, inference and ingress queues.
type ConcurrencyConfig struct {
	MaxSessions  int `yaml:"max_sessions"`
	MaxInference int `yaml:"max_inference"`

	// MicQueue and SystemQueue are the per-source queue capacities.
	MicQueue    int `yaml:"mic_queue"`
	SystemQueue int `yaml:"system_queue"`

	// AdmissionTimeout bounds the wait for a session slot.
	AdmissionTimeout time.Duration `yaml:"admission_timeout"`
}

// SessionConfig tunes the per-connection orchestrator.
type SessionConfig struct {
	// FlushTimeout bounds the drain after stop.
	FlushTimeout time.Duration `yaml:"flush_timeout"`

	// Diarization enables per-source PCM buffers and speaker labelling.
	Diarization bool `yaml:"diarization"`

	// DiarizationMaxSeconds caps each per-source buffer.
	DiarizationMaxSeconds int `yaml:"diarization_max_seconds"`

	// ErrorStreak is the number of consecutive chunk failures that ends
	// the session.
	ErrorStreak int `yaml:"error_streak"`

	// FailoverAfter is the number of consecutive transient provider errors
	// after which the degrade ladder fails over.
	FailoverAfter int `yaml:"failover_after"`

	// EntityInterval, CardInterval and MetricsInterval set the analysis
	// and diagnostics cadence.
	EntityInterval  time.Duration `yaml:"entity_interval"`
	CardInterval    time.Duration `yaml:"card_interval"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`
}

// IndexerConfig configures the Brain-Dump indexer sink.
type IndexerConfig struct {
	// PostgresDSN enables the PostgreSQL indexer when non-empty.
	PostgresDSN string `yaml:"postgres_dsn"`

	// QueueSize bounds pending indexer calls.
	QueueSize int `yaml:"queue_size"`
}

// Defaults fills every zero field of cfg with its default value.
func Defaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8000"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Providers.VAD.Name == "" {
		cfg.Providers.VAD.Name = "energy"
	}

	a := &cfg.ASR
	if a.MaxBufferSeconds == 0 {
		a.MaxBufferSeconds = 30
	}
	if a.WarmupLevel == 0 {
		a.WarmupLevel = 2
	}
	if a.InitTimeout == 0 {
		a.InitTimeout = 5 * time.Minute
	}

	c := &cfg.Concurrency
	if c.MaxSessions == 0 {
		c.MaxSessions = 10
	}
	if c.MaxInference == 0 {
		c.MaxInference = 1
	}
	if c.MicQueue == 0 {
		c.MicQueue = 100
	}
	if c.SystemQueue == 0 {
		c.SystemQueue = 50
	}
	if c.AdmissionTimeout == 0 {
		c.AdmissionTimeout = 100 * time.Millisecond
	}

	s := &cfg.Session
	if s.FlushTimeout == 0 {
		s.FlushTimeout = 5 * time.Second
	}
	if s.DiarizationMaxSeconds == 0 {
		s.DiarizationMaxSeconds = 1800
	}
	if s.ErrorStreak == 0 {
		s.ErrorStreak = 5
	}
	if s.FailoverAfter == 0 {
		s.FailoverAfter = 3
	}
	if s.EntityInterval == 0 {
		s.EntityInterval = 12 * time.Second
	}
	if s.CardInterval == 0 {
		s.CardInterval = 28 * time.Second
	}
	if s.MetricsInterval == 0 {
		s.MetricsInterval = time.Second
	}

	if cfg.Indexer.QueueSize == 0 {
		cfg.Indexer.QueueSize = 256
	}
}
