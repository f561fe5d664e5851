// This file contains the NativeEngine backed by the whisper.cpp cgo
// bindings. The whisper.cpp static library (libwhisper.a) and headers
// (whisper.h) must be available at link time via LIBRARY_PATH and
// C_INCLUDE_PATH.

package whisper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MrWong99/echopanel/pkg/provider/asr"
	"github.com/MrWong99/echopanel/pkg/provider/asr/batch"
	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

var (
	_ batch.Engine        = (*NativeEngine)(nil)
	_ batch.Checker       = (*NativeEngine)(nil)
	_ batch.ModelSwitcher = (*NativeEngine)(nil)
)

// NativeOption is a functional option for configuring a NativeEngine.
type NativeOption func(*NativeEngine)

// WithNativeLanguage sets the default language code. Defaults to "en".
func WithNativeLanguage(lang string) NativeOption {
	return func(e *NativeEngine) { e.language = lang }
}

// WithModelDir sets the directory searched when switching models by name.
// Model files are expected as ggml-<name>.bin. Defaults to the directory of
// the initial model.
func WithModelDir(dir string) NativeOption {
	return func(e *NativeEngine) { e.modelDir = dir }
}

// ModelPath returns the conventional ggml file path for a model name.
func ModelPath(dir, name string) string {
	return filepath.Join(dir, "ggml-"+name+".bin")
}

// NativeEngine implements batch.Engine using the whisper.cpp Go bindings.
// The model is loaded once and shared; each inference creates its own
// context.
type NativeEngine struct {
	language string
	modelDir string

	mu        sync.RWMutex
	model     whisperlib.Model
	modelName string
}

// NewNative loads the whisper.cpp model at modelPath.
func NewNative(modelPath string, opts ...NativeOption) (*NativeEngine, error) {
	if modelPath == "" {
		return nil, errors.New("whisper: modelPath must not be empty")
	}
	model, err := whisperlib.New(modelPath)
	if err != nil {
		return nil, asr.Fatal("whisper-native", fmt.Errorf("load model %q: %w", modelPath, err))
	}
	e := &NativeEngine{
		language:  defaultLanguage,
		modelDir:  filepath.Dir(modelPath),
		model:     model,
		modelName: modelNameFromPath(modelPath),
	}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// modelNameFromPath turns ".../ggml-base.en.bin" into "base.en".
func modelNameFromPath(p string) string {
	name := strings.TrimSuffix(filepath.Base(p), ".bin")
	return strings.TrimPrefix(name, "ggml-")
}

// Name returns "whisper-native".
func (e *NativeEngine) Name() string { return "whisper-native" }

// ConcurrentSafe returns false: a whisper.cpp context is not thread-safe.
func (e *NativeEngine) ConcurrentSafe() bool { return false }

// Check reports whether a model is loaded.
func (e *NativeEngine) Check(context.Context) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return errors.New("whisper: model not loaded")
	}
	return nil
}

// Model returns the name of the loaded model.
func (e *NativeEngine) Model() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.modelName
}

// SwitchModel loads ggml-<name>.bin from the model directory and replaces
// the current model. The old model is closed after the swap.
func (e *NativeEngine) SwitchModel(name string) error {
	path := ModelPath(e.modelDir, name)
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("whisper: model %q: %w", name, err)
	}
	model, err := whisperlib.New(path)
	if err != nil {
		return fmt.Errorf("whisper: load model %q: %w", path, err)
	}
	e.mu.Lock()
	old := e.model
	e.model = model
	e.modelName = name
	e.mu.Unlock()
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close releases the whisper model.
func (e *NativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.model == nil {
		return nil
	}
	err := e.model.Close()
	e.model = nil
	return err
}

// Transcribe runs one inference over the window.
func (e *NativeEngine) Transcribe(ctx context.Context, w batch.Window, cfg asr.Config) ([]batch.EngineSegment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.model == nil {
		return nil, asr.Fatal(e.Name(), errors.New("model unloaded"))
	}

	wctx, err := e.model.NewContext()
	if err != nil {
		return nil, fmt.Errorf("whisper: create context: %w", err)
	}

	lang := cfg.Language
	if lang == "" {
		lang = e.language
	}
	if err := wctx.SetLanguage(lang); err != nil {
		slog.Warn("whisper: failed to set language, using default", "language", lang, "err", err)
	}

	if err := wctx.Process(w.Samples(), nil, nil, nil); err != nil {
		return nil, asr.Transient(e.Name(), fmt.Errorf("process audio: %w", err))
	}

	var segs []batch.EngineSegment
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("whisper: read segment: %w", err)
		}
		seg := batch.EngineSegment{
			Start:    segment.Start.Seconds(),
			End:      segment.End.Seconds(),
			Text:     segment.Text,
			Language: lang,
		}
		if len(segment.Tokens) > 0 {
			var sum float64
			for _, tok := range segment.Tokens {
				sum += float64(tok.P)
			}
			seg.Confidence = sum / float64(len(segment.Tokens))
		}
		segs = append(segs, seg)
	}
	return segs, nil
}
