package resilience

import (
	"context"

	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/types"
)

// LLMFallback implements [llm.Provider] with automatic failover across the
// language-model backends behind the router's chosen model. Each backend has
// its own circuit breaker; when the primary fails or its breaker is open, the
// next healthy fallback answers the turn instead.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every registered backend.
func (f *LLMFallback) States() map[string]State {
	return f.group.States()
}

// Complete generates the full reply in one shot, failing over to the next
// healthy backend when the preferred one errors.
func (f *LLMFallback) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (*llm.CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// StreamCompletion opens the reply stream against the first healthy backend.
// Only opening the stream is covered by failover: once chunks are flowing the
// user may already be hearing synthesized speech, so a mid-stream error aborts
// the turn upstream rather than replaying the reply against another backend.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (<-chan llm.Chunk, error) {
		return p.StreamCompletion(ctx, req)
	})
}

// CountTokens delegates to the first healthy backend's token counter.
func (f *LLMFallback) CountTokens(messages []types.Message) (int, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (int, error) {
		return p.CountTokens(messages)
	})
}

// Capabilities returns the capabilities of the primary backend. Capabilities
// are static metadata, so they do not participate in failover.
func (f *LLMFallback) Capabilities() types.ModelCapabilities {
	if len(f.group.entries) > 0 {
		return f.group.entries[0].value.Capabilities()
	}
	return types.ModelCapabilities{}
}
