package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Lookup reads an environment variable. [os.LookupEnv] satisfies it.
type Lookup func(key string) (string, bool)

// Recognised environment variables.
const (
	EnvAuthToken         = "ECHOPANEL_WS_AUTH_TOKEN"
	EnvListenAddr        = "ECHOPANEL_LISTEN_ADDR"
	EnvLogLevel          = "ECHOPANEL_LOG_LEVEL"
	EnvDebug             = "ECHOPANEL_DEBUG"
	EnvASRProvider       = "ECHOPANEL_ASR_PROVIDER"
	EnvFallbackProvider  = "ECHOPANEL_ASR_FALLBACK_PROVIDER"
	EnvWhisperModel      = "ECHOPANEL_WHISPER_MODEL"
	EnvWhisperDevice     = "ECHOPANEL_WHISPER_DEVICE"
	EnvWhisperCompute    = "ECHOPANEL_WHISPER_COMPUTE"
	EnvWhisperLanguage   = "ECHOPANEL_WHISPER_LANGUAGE"
	EnvChunkSeconds      = "ECHOPANEL_ASR_CHUNK_SECONDS"
	EnvVAD               = "ECHOPANEL_ASR_VAD"
	EnvFlushTimeout      = "ECHOPANEL_ASR_FLUSH_TIMEOUT"
	EnvDiarization       = "ECHOPANEL_DIARIZATION"
	EnvDiarizationMax    = "ECHOPANEL_DIARIZATION_MAX_SECONDS"
	EnvQueueMax          = "ECHOPANEL_AUDIO_QUEUE_MAX"
	EnvAutoSelectVoxtral = "ECHOPANEL_AUTO_SELECT_VOXTRAL"
	EnvMaxSessions       = "ECHOPANEL_MAX_SESSIONS"
	EnvMaxInference      = "ECHOPANEL_MAX_INFERENCE"
	EnvWarmupLevel       = "ECHOPANEL_WARMUP_LEVEL"
	EnvIndexerDSN        = "ECHOPANEL_INDEXER_DSN"
	EnvSummaryLLM        = "ECHOPANEL_SUMMARY_LLM"
	EnvOpenAIKey         = "OPENAI_API_KEY"
	EnvDeepgramKey       = "DEEPGRAM_API_KEY"
)

// EnvVars lists every variable [ApplyEnv] reads, in documentation order.
var EnvVars = []string{
	EnvAuthToken, EnvListenAddr, EnvLogLevel, EnvDebug,
	EnvASRProvider, EnvFallbackProvider,
	EnvWhisperModel, EnvWhisperDevice, EnvWhisperCompute, EnvWhisperLanguage,
	EnvChunkSeconds, EnvVAD, EnvFlushTimeout,
	EnvDiarization, EnvDiarizationMax, EnvQueueMax, EnvAutoSelectVoxtral,
	EnvMaxSessions, EnvMaxInference, EnvWarmupLevel,
	EnvIndexerDSN, EnvSummaryLLM, EnvOpenAIKey, EnvDeepgramKey,
}

// ApplyEnv overrides cfg with the recognised environment variables found
// through lookup. Malformed values are reported together; well-formed ones
// are still applied.
func ApplyEnv(cfg *Config, lookup Lookup) error {
	e := envReader{lookup: lookup}

	e.str(EnvAuthToken, &cfg.Server.AuthToken)
	e.str(EnvListenAddr, &cfg.Server.ListenAddr)
	if v, ok := e.get(EnvLogLevel); ok {
		cfg.Server.LogLevel = LogLevel(strings.ToLower(v))
	}
	var debug bool
	if e.boolean(EnvDebug, &debug); debug {
		cfg.Server.LogLevel = LogDebug
	}

	e.str(EnvASRProvider, &cfg.Providers.ASR.Name)
	e.str(EnvFallbackProvider, &cfg.Providers.ASRFallback.Name)
	e.str(EnvWhisperModel, &cfg.ASR.Model)
	e.str(EnvWhisperDevice, &cfg.ASR.Device)
	e.str(EnvWhisperCompute, &cfg.ASR.ComputeType)
	e.str(EnvWhisperLanguage, &cfg.ASR.Language)
	e.integer(EnvChunkSeconds, &cfg.ASR.ChunkSeconds)
	var vad bool
	if e.boolean(EnvVAD, &vad) {
		cfg.ASR.VAD = &vad
	}
	e.boolean(EnvAutoSelectVoxtral, &cfg.ASR.AutoSelectLarge)
	e.integer(EnvWarmupLevel, &cfg.ASR.WarmupLevel)
	e.seconds(EnvFlushTimeout, &cfg.Session.FlushTimeout)

	e.boolean(EnvDiarization, &cfg.Session.Diarization)
	e.integer(EnvDiarizationMax, &cfg.Session.DiarizationMaxSeconds)

	var queue int
	if e.integer(EnvQueueMax, &queue) {
		cfg.Concurrency.MicQueue = queue
		cfg.Concurrency.SystemQueue = queue
	}
	e.integer(EnvMaxSessions, &cfg.Concurrency.MaxSessions)
	e.integer(EnvMaxInference, &cfg.Concurrency.MaxInference)

	e.str(EnvIndexerDSN, &cfg.Indexer.PostgresDSN)
	if v, ok := e.get(EnvSummaryLLM); ok {
		name, model, _ := strings.Cut(v, ":")
		cfg.Providers.SummaryLLM.Name = name
		if model != "" {
			cfg.Providers.SummaryLLM.Model = model
		}
	}

	// Vendor keys fill entries that name the vendor but carry no key.
	if v, ok := e.get(EnvOpenAIKey); ok {
		fillKey(cfg, "openai", v)
	}
	if v, ok := e.get(EnvDeepgramKey); ok {
		fillKey(cfg, "deepgram", v)
	}

	return errors.Join(e.errs...)
}

func fillKey(cfg *Config, name, key string) {
	for _, p := range []*ProviderEntry{&cfg.Providers.ASR, &cfg.Providers.ASRFallback, &cfg.Providers.SummaryLLM} {
		if p.Name == name && p.APIKey == "" {
			p.APIKey = key
		}
	}
}

type envReader struct {
	lookup Lookup
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	if e.lookup == nil {
		return "", false
	}
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not an integer", key, v))
		return false
	}
	*dst = n
	return true
}

func (e *envReader) boolean(key string, dst *bool) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		*dst = true
	case "0", "false", "no", "off":
		*dst = false
	default:
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a boolean", key, v))
		return false
	}
	return true
}

func (e *envReader) seconds(key string, dst *time.Duration) bool {
	v, ok := e.get(key)
	if !ok {
		return false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		e.errs = append(e.errs, fmt.Errorf("config: %s=%q is not a number of seconds", key, v))
		return false
	}
	*dst = time.Duration(f * float64(time.Second))
	return true
}
