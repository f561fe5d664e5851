package anyllm

import (
	"context"
	"testing"

	anyllmlib "github.com/mozilla-ai/any-llm-go"

	"github.com/MrWong99/echopanel/pkg/provider/llm"
)

// ── buildParams ───────────────────────────────────────────────────────────────

func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "Summarise the meeting.",
		Messages:     []llm.Message{{Role: "user", Content: "transcript"}},
		Temperature:  0.2,
		MaxTokens:    512,
	})

	if params.Model != "gpt-4o-mini" {
		t.Errorf("Model = %q, want gpt-4o-mini", params.Model)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(params.Messages))
	}
	if params.Messages[0].Role != anyllmlib.RoleSystem || params.Messages[0].ContentString() != "Summarise the meeting." {
		t.Errorf("Messages[0] = %+v, want system prompt", params.Messages[0])
	}
	if params.Messages[1].Role != "user" || params.Messages[1].ContentString() != "transcript" {
		t.Errorf("Messages[1] = %+v, want user transcript", params.Messages[1])
	}
	if params.Temperature == nil || *params.Temperature != 0.2 {
		t.Errorf("Temperature = %v, want 0.2", params.Temperature)
	}
	if params.MaxTokens == nil || *params.MaxTokens != 512 {
		t.Errorf("MaxTokens = %v, want 512", params.MaxTokens)
	}
}

func TestBuildParams_ZeroValuesOmitted(t *testing.T) {
	p := &Provider{model: "llama3.1"}
	params := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{{Role: "user", Content: "hi"}},
	})
	if len(params.Messages) != 1 {
		t.Errorf("len(Messages) = %d, want 1", len(params.Messages))
	}
	if params.Temperature != nil {
		t.Errorf("Temperature = %v, want nil", *params.Temperature)
	}
	if params.MaxTokens != nil {
		t.Errorf("MaxTokens = %v, want nil", *params.MaxTokens)
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model   string
		context int
		output  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"GPT-4o", 128_000, 16_384},
		{"gpt-4-turbo", 128_000, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o3-mini", 200_000, 100_000},
		{"claude-3-5-haiku-latest", 200_000, 8_192},
		{"gemini-1.5-pro", 2_097_152, 8_192},
		{"gemini-2.0-flash", 1_048_576, 8_192},
		{"llama3.1", 128_000, 4_096},
		{"some-unknown-model", 8_192, 2_048},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			caps := modelCapabilities(tt.model)
			if caps.ContextWindow != tt.context {
				t.Errorf("ContextWindow = %d, want %d", caps.ContextWindow, tt.context)
			}
			if caps.MaxOutputTokens != tt.output {
				t.Errorf("MaxOutputTokens = %d, want %d", caps.MaxOutputTokens, tt.output)
			}
		})
	}
}

// ── Constructor ───────────────────────────────────────────────────────────────

func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty providerName")
	}
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
	if _, err := New("fakecloud", "some-model", anyllmlib.WithAPIKey("dummy")); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

func TestNew_OpenAI_MissingAPIKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	if _, err := NewOpenAI("gpt-4o-mini"); err == nil {
		t.Fatal("expected error for missing API key")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	tests := []struct {
		name string
		fn   func() (*Provider, error)
	}{
		{"NewOpenAI", func() (*Provider, error) { return NewOpenAI("gpt-4o-mini", anyllmlib.WithAPIKey("sk-test")) }},
		{"NewOllama", func() (*Provider, error) { return NewOllama("llama3.1") }},
		{"NewLlamaCpp", func() (*Provider, error) { return NewLlamaCpp("llama3.1") }},
		{"anthropic", func() (*Provider, error) {
			return New("anthropic", "claude-3-5-haiku-latest", anyllmlib.WithAPIKey("sk-ant-test"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := tt.fn()
			if err != nil {
				t.Fatalf("%s: unexpected error: %v", tt.name, err)
			}
			if p == nil {
				t.Fatalf("%s: expected non-nil provider", tt.name)
			}
		})
	}
}

// ── Complete / CountTokens ────────────────────────────────────────────────────

func TestComplete_RejectsEmptyRequest(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	if _, err := p.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected error for request without messages")
	}
}

func TestCountTokens(t *testing.T) {
	p := &Provider{model: "gpt-4o"}
	if n, _ := p.CountTokens(nil); n != 0 {
		t.Errorf("CountTokens(nil) = %d, want 0", n)
	}
	one, _ := p.CountTokens([]llm.Message{{Role: "user", Content: "Hello world"}})
	if one != 7 {
		t.Errorf("CountTokens(one) = %d, want 7", one)
	}
	two, _ := p.CountTokens([]llm.Message{
		{Role: "user", Content: "Hello world"},
		{Role: "assistant", Content: "Hi there, how can I help?"},
	})
	if two <= one {
		t.Errorf("CountTokens(two) = %d, want > %d", two, one)
	}
}
