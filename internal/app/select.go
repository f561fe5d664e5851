package app

import (
	"github.com/MrWong99/echopanel/internal/capability"
	"github.com/MrWong99/echopanel/internal/config"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Selection is the ASR provider and initial runtime configuration chosen at
// startup.
type Selection struct {
	Provider string
	Config   asr.Config

	// Recommendation is the hardware recommendation that filled unset
	// fields. Nil when auto-selection is disabled.
	Recommendation *capability.Recommendation
}

// Select resolves the provider and initial ASR configuration for the host.
// Explicit configuration always wins; auto-selection only fills the fields
// left unset.
func Select(cfg *config.Config, p capability.Profile, lookup capability.LookupFunc) Selection {
	a := cfg.ASR
	sel := Selection{Provider: cfg.Providers.ASR.Name, Config: asr.DefaultConfig()}
	sel.Config.MaxBufferSeconds = a.MaxBufferSeconds

	if a.AutoSelectEnabled() {
		rec := capability.Recommend(p, largeStreamingLookup(lookup, a.AutoSelectLarge))
		sel.Recommendation = &rec
		if sel.Provider == "" {
			sel.Provider = rec.Provider
		}
		sel.Config.ModelName = rec.Model
		sel.Config.ChunkSeconds = rec.ChunkSeconds
		sel.Config.Device = rec.Device
		sel.Config.ComputeType = rec.ComputeType
		sel.Config.VADEnabled = rec.VADEnabled
	}

	if a.Model != "" {
		sel.Config.ModelName = a.Model
	}
	if a.ChunkSeconds > 0 {
		sel.Config.ChunkSeconds = a.ChunkSeconds
	}
	if a.Device != "" {
		sel.Config.Device = a.Device
	}
	if a.ComputeType != "" {
		sel.Config.ComputeType = a.ComputeType
	}
	if a.Language != "" {
		sel.Config.Language = a.Language
	}
	if a.VAD != nil {
		sel.Config.VADEnabled = *a.VAD
	}
	return sel
}

// largeStreamingLookup reports the large-streaming gate as set when the
// config file enables it, so file and environment behave the same.
func largeStreamingLookup(lookup capability.LookupFunc, enabled bool) capability.LookupFunc {
	return func(key string) (string, bool) {
		if key == capability.EnvAutoSelectLarge && enabled {
			return "1", true
		}
		if lookup == nil {
			return "", false
		}
		return lookup(key)
	}
}
