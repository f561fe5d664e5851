// Command echopanel is the main entry point for the EchoPanel live
// transcription server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/echopanel/internal/app"
	"github.com/MrWong99/echopanel/internal/config"
	"github.com/MrWong99/echopanel/internal/observe"
	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/batch"
	"github.com/MrWong99/echopanel/pkg/provider/asr/deepgram"
	oaasr "github.com/MrWong99/echopanel/pkg/provider/asr/openai"
	"github.com/MrWong99/echopanel/pkg/provider/asr/streaming"
	"github.com/MrWong99/echopanel/pkg/provider/asr/whisper"
	"github.com/MrWong99/echopanel/pkg/provider/llm"
	"github.com/MrWong99/echopanel/pkg/provider/llm/anyllm"
	"github.com/MrWong99/echopanel/pkg/provider/vad"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file (optional)")
	envPath := flag.String("env", ".env", "path to a dotenv file loaded before reading the environment")
	watch := flag.Duration("watch", 5*time.Second, "config file poll interval; 0 disables live reload")
	flag.Parse()

	// ── Environment ───────────────────────────────────────────────────────────
	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "echopanel: load %s: %v\n", *envPath, err)
		return 1
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath, os.LookupEnv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "echopanel: %v\n", err)
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(app.SlogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("echopanel starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"auth", cfg.Server.AuthToken != "",
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "echopanel",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Provider registry ─────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)

	application, err := app.New(ctx, cfg, reg,
		app.WithLookup(os.LookupEnv),
		app.WithLogLevel(level),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config watcher (optional) ─────────────────────────────────────────────
	if *watch > 0 {
		if _, statErr := os.Stat(*configPath); statErr == nil {
			w, err := config.NewWatcher(*configPath, application.ApplyConfig,
				config.WithInterval(*watch),
				config.WithLookup(os.LookupEnv),
				config.WithEnvFile(*envPath),
			)
			if err != nil {
				slog.Warn("config watcher disabled", "err", err)
			} else {
				defer w.Stop()
			}
		}
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("shutdown signal received, stopping")

	code := 0
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := otelShutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry) {
	// ── ASR ───────────────────────────────────────────────────────────────────

	reg.RegisterASR("whisper-http", func(entry config.ProviderEntry, store *asr.ConfigStore) (asr.Provider, error) {
		url := entry.BaseURL
		if url == "" {
			url = "http://127.0.0.1:8080"
		}
		opts := []whisper.Option{whisper.WithModel(store.Load().ModelName)}
		if lang := store.Load().Language; lang != "" {
			opts = append(opts, whisper.WithLanguage(lang))
		}
		engine, err := whisper.NewHTTP(url, opts...)
		if err != nil {
			return nil, err
		}
		p, err := batch.New(engine, store, batch.WithName("whisper-http"),
			batch.WithCapabilities(asr.Capabilities{Batch: true, Multilingual: true}))
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// whisper-native loads a ggml model file from options.model_path, or from
	// options.model_dir named after the selected model.
	reg.RegisterASR("whisper-native", func(entry config.ProviderEntry, store *asr.ConfigStore) (asr.Provider, error) {
		dir := config.OptString(entry.Options, "model_dir")
		if dir == "" {
			dir = "models"
		}
		path := config.OptString(entry.Options, "model_path")
		if path == "" {
			path = whisper.ModelPath(dir, store.Load().ModelName)
		}
		opts := []whisper.NativeOption{whisper.WithModelDir(dir)}
		if lang := store.Load().Language; lang != "" {
			opts = append(opts, whisper.WithNativeLanguage(lang))
		}
		engine, err := whisper.NewNative(path, opts...)
		if err != nil {
			return nil, err
		}
		dev := store.Load().Device
		p, err := batch.New(engine, store, batch.WithName("whisper-native"),
			batch.WithCapabilities(asr.Capabilities{
				Batch:        true,
				GPU:          dev == "cuda" || dev == "metal",
				Metal:        dev == "metal",
				CUDA:         dev == "cuda",
				Multilingual: true,
			}))
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterASR("openai", func(entry config.ProviderEntry, store *asr.ConfigStore) (asr.Provider, error) {
		model := entry.Model
		if model == "" {
			model = "whisper-1"
		}
		var opts []oaasr.Option
		if entry.BaseURL != "" {
			opts = append(opts, oaasr.WithBaseURL(entry.BaseURL))
		}
		if lang := store.Load().Language; lang != "" {
			opts = append(opts, oaasr.WithLanguage(lang))
		}
		engine, err := oaasr.New(entry.APIKey, model, opts...)
		if err != nil {
			return nil, err
		}
		p, err := batch.New(engine, store, batch.WithName("openai"),
			batch.WithCapabilities(asr.Capabilities{Batch: true, Multilingual: true, ConcurrentInference: true}))
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	reg.RegisterASR("deepgram", func(entry config.ProviderEntry, store *asr.ConfigStore) (asr.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := store.Load().Language; lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		p, err := deepgram.New(entry.APIKey, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// streaming launches a resident engine binary per session, e.g. the
	// whisper.cpp stream example or a voxtral runner.
	reg.RegisterASR("streaming", func(entry config.ProviderEntry, store *asr.ConfigStore) (asr.Provider, error) {
		cfg := streaming.Config{
			Name:        "streaming",
			Binary:      config.OptString(entry.Options, "binary"),
			ModelPath:   config.OptString(entry.Options, "model_path"),
			SilenceFlag: config.OptString(entry.Options, "silence_flag"),
		}
		if d, ok := config.OptFloat(entry.Options, "delay_seconds"); ok {
			cfg.DelaySeconds = d
		}
		if cfg.ModelPath == "" && entry.Model != "" {
			cfg.ModelPath = entry.Model
		}
		p, err := streaming.New(cfg)
		if err != nil {
			return nil, err
		}
		return p, nil
	})

	// ── VAD ───────────────────────────────────────────────────────────────────

	reg.RegisterVAD("energy", func(entry config.ProviderEntry) (vad.Engine, error) {
		e := &vad.EnergyEngine{}
		if rms, ok := config.OptFloat(entry.Options, "reference_rms"); ok {
			e.ReferenceRMS = rms
		}
		return e, nil
	})

	// ── LLM ───────────────────────────────────────────────────────────────────
	// openai, anthropic, gemini, deepseek, mistral, groq, llamacpp, llamafile
	// all share the same pattern: optional APIKey + optional BaseURL.
	for _, providerName := range []string{
		"openai", "anthropic", "gemini",
		"deepseek", "mistral", "groq", "llamacpp", "llamafile",
	} {
		reg.RegisterLLM(providerName, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			p, err := anyllm.New(providerName, entry.Model, opts...)
			if err != nil {
				return nil, err
			}
			return p, nil
		})
	}

	// ollama is a local server; it uses BaseURL for the address, not an API key.
	reg.RegisterLLM("ollama", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []anyllmlib.Option
		if entry.BaseURL != "" {
			opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
		}
		p, err := anyllm.New("ollama", entry.Model, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	})
}
