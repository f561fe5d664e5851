package asr

import (
	"strings"
	"sync/atomic"
)

// Config is the runtime ASR configuration. It is treated as an immutable
// value: writers replace the whole value through a [ConfigStore] and readers
// take a copy at each chunk boundary.
type Config struct {
	ModelName        string `json:"model_name"`
	Device           string `json:"device"`
	ComputeType      string `json:"compute_type"`
	Language         string `json:"language,omitempty"`
	ChunkSeconds     int    `json:"chunk_seconds"`
	VADEnabled       bool   `json:"vad_enabled"`
	MaxBufferSeconds int    `json:"max_buffer_seconds"`

	// DropAlternate enables the emergency mode in which every other window
	// is skipped without inference.
	DropAlternate bool `json:"drop_alternate"`
}

// DefaultConfig returns the configuration used when nothing else is set.
func DefaultConfig() Config {
	return Config{
		ModelName:        "base.en",
		Device:           "auto",
		ComputeType:      "int8",
		ChunkSeconds:     2,
		MaxBufferSeconds: 30,
	}
}

// ConfigStore publishes a [Config] value to concurrent readers. The zero
// value holds [DefaultConfig].
type ConfigStore struct {
	p atomic.Pointer[Config]
}

// NewConfigStore returns a store initialised with cfg.
func NewConfigStore(cfg Config) *ConfigStore {
	s := &ConfigStore{}
	s.Store(cfg)
	return s
}

// Load returns a copy of the current configuration.
func (s *ConfigStore) Load() Config {
	if c := s.p.Load(); c != nil {
		return *c
	}
	return DefaultConfig()
}

// Store replaces the configuration.
func (s *ConfigStore) Store(cfg Config) {
	s.p.Store(&cfg)
}

// Update applies fn to the current configuration and publishes the result
// atomically, retrying if another writer got there first. It returns the
// published value.
func (s *ConfigStore) Update(fn func(Config) Config) Config {
	for {
		old := s.p.Load()
		cur := DefaultConfig()
		if old != nil {
			cur = *old
		}
		next := fn(cur)
		if s.p.CompareAndSwap(old, &next) {
			return next
		}
	}
}

// modelChain is the downgrade order for whisper-family models.
var modelChain = []string{"medium.en", "small.en", "base.en", "tiny.en"}

// DowngradeModel returns the next smaller model along the chain
// large-* → medium.en → small.en → base.en → tiny.en. Models already at the
// bottom, or not on the chain, are returned unchanged.
func DowngradeModel(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if strings.HasPrefix(n, "large") {
		return modelChain[0]
	}
	base := strings.TrimSuffix(n, ".en")
	for i, m := range modelChain {
		if m == n || strings.TrimSuffix(m, ".en") == base {
			if i+1 < len(modelChain) {
				return modelChain[i+1]
			}
			return name
		}
	}
	return name
}
