package resilience

import (
	"context"

	"github.com/MrWong99/echopanel/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] over several LLM backends, used when
// the rolling summariser is configured with more than one model. Each call
// goes to the first backend whose breaker admits it.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional backend.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Complete returns the response of the first backend that succeeds.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CountTokens uses the primary's estimate; token counting is local and does
// not touch breaker state.
func (f *LLMFallback) CountTokens(messages []llm.Message) (int, error) {
	return f.group.Entry(0).Value.CountTokens(messages)
}

// Capabilities reports the smallest context window across backends so that
// a prompt trimmed for it fits whichever backend answers.
func (f *LLMFallback) Capabilities() llm.ModelCapabilities {
	caps := f.group.Entry(0).Value.Capabilities()
	for i := 1; i < f.group.Len(); i++ {
		c := f.group.Entry(i).Value.Capabilities()
		if c.ContextWindow > 0 && (caps.ContextWindow == 0 || c.ContextWindow < caps.ContextWindow) {
			caps.ContextWindow = c.ContextWindow
		}
	}
	return caps
}
