// Package capability profiles the host hardware and recommends an ASR
// provider, model and chunk size for it. The recommendation drives startup
// auto-selection and is reported by GET /capabilities.
package capability

import (
	"math"
	"os"
	"os/exec"
	"runtime"
	"slices"
	"strings"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
)

// Profile describes the host.
type Profile struct {
	RAMGB    float64 `json:"ram_gb"`
	CPUCores int     `json:"cpu_cores"`
	OS       string  `json:"os"`
	Arch     string  `json:"arch"`
	HasMPS   bool    `json:"has_mps"`
	HasCUDA  bool    `json:"has_cuda"`
}

// Recommendation is the provider configuration suggested for a [Profile].
type Recommendation struct {
	Provider     string `json:"provider"`
	Model        string `json:"model"`
	ChunkSeconds int    `json:"chunk_seconds"`
	ComputeType  string `json:"compute_type"`
	Device       string `json:"device"`
	VADEnabled   bool   `json:"vad_enabled"`
	Reason       string `json:"reason"`

	// Fallback is the next smaller model, when one exists.
	Fallback *Fallback `json:"fallback,omitempty"`
}

// Fallback names the model to try when the recommended one cannot load.
type Fallback struct {
	Model        string `json:"model"`
	ChunkSeconds int    `json:"chunk_seconds"`
}

// LookupFunc reads an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// Environment variables consulted by [Recommend].
const (
	EnvProvider        = "ECHOPANEL_ASR_PROVIDER"
	EnvModel           = "ECHOPANEL_WHISPER_MODEL"
	EnvAutoSelectLarge = "ECHOPANEL_AUTO_SELECT_VOXTRAL"
)

// Provider names the recommendation may select.
const (
	ProviderNative    = "whisper-native"
	ProviderStreaming = "streaming"
)

// largeStreamingMinRAM is the memory a large streaming engine needs before
// auto-select will pick it.
const largeStreamingMinRAM = 32

// Detect profiles the running host.
func Detect() Profile {
	p := Profile{
		RAMGB:    roundGB(totalMemory()),
		CPUCores: runtime.NumCPU(),
		OS:       runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	p.HasMPS = p.OS == "darwin" && p.Arch == "arm64"
	p.HasCUDA = detectCUDA(os.LookupEnv, fileExists, hasExecutable)
	return p
}

func roundGB(bytes uint64) float64 {
	return math.Round(float64(bytes)/(1<<30)*10) / 10
}

func detectCUDA(lookup LookupFunc, exists func(string) bool, onPath func(string) bool) bool {
	if v, ok := lookup("CUDA_VISIBLE_DEVICES"); ok {
		v = strings.TrimSpace(v)
		if v != "" && v != "-1" {
			return true
		}
	}
	return exists("/dev/nvidia0") || onPath("nvidia-smi")
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func hasExecutable(name string) bool {
	_, err := exec.LookPath(name)
	return err == nil
}

// Recommend picks a provider configuration for p. Explicit provider or
// model settings found through lookup always win over the hardware tiers.
func Recommend(p Profile, lookup LookupFunc) Recommendation {
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}

	r := tier(p)
	if truthy(lookup, EnvAutoSelectLarge) && p.RAMGB >= largeStreamingMinRAM && (p.HasCUDA || p.HasMPS) {
		r.Provider = ProviderStreaming
		r.Model = "voxtral-mini"
		r.ChunkSeconds = 2
		r.VADEnabled = false
		r.Reason = "large streaming engine enabled and host has accelerator with >= 32 GB RAM"
	}

	if v, ok := lookup(EnvProvider); ok && strings.TrimSpace(v) != "" {
		r.Provider = strings.TrimSpace(v)
		r.Reason = "provider set by " + EnvProvider
	}
	if v, ok := lookup(EnvModel); ok && strings.TrimSpace(v) != "" {
		r.Model = strings.TrimSpace(v)
		r.Reason = "model set by " + EnvModel
	}

	if next := asr.DowngradeModel(r.Model); next != r.Model {
		r.Fallback = &Fallback{Model: next, ChunkSeconds: max(r.ChunkSeconds, 4)}
	}
	return r
}

func tier(p Profile) Recommendation {
	device, compute := "cpu", "int8"
	switch {
	case p.HasCUDA:
		device, compute = "cuda", "float16"
	case p.HasMPS:
		device = "metal"
	}

	switch {
	case p.RAMGB >= 16 && (p.HasMPS || p.HasCUDA):
		return Recommendation{
			Provider: ProviderNative, Model: "small.en", ChunkSeconds: 2,
			Device: device, ComputeType: compute,
			Reason: "accelerator with >= 16 GB RAM",
		}
	case p.RAMGB >= 8:
		return Recommendation{
			Provider: ProviderNative, Model: "base.en", ChunkSeconds: 2,
			Device: device, ComputeType: compute,
			Reason: ">= 8 GB RAM",
		}
	default:
		return Recommendation{
			Provider: ProviderNative, Model: "tiny.en", ChunkSeconds: 4,
			Device: device, ComputeType: compute, VADEnabled: true,
			Reason: "< 8 GB RAM; smallest model with VAD to save inference",
		}
	}
}

func truthy(lookup LookupFunc, key string) bool {
	v, ok := lookup(key)
	if !ok {
		return false
	}
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// secretVars are masked in [EnvReport].
var secretVars = []string{"ECHOPANEL_WS_AUTH_TOKEN", "ECHOPANEL_INDEXER_DSN", "OPENAI_API_KEY", "DEEPGRAM_API_KEY"}

// EnvReport returns the recognised variables that are set. Secrets are
// replaced by "***".
func EnvReport(names []string, lookup LookupFunc) map[string]string {
	out := make(map[string]string)
	for _, name := range names {
		v, ok := lookup(name)
		if !ok {
			continue
		}
		if slices.Contains(secretVars, name) && v != "" {
			v = "***"
		}
		out[name] = v
	}
	return out
}
