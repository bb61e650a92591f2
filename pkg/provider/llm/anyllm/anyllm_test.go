package anyllm

import (
	"testing"

	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/types"
)

// ── buildParams ───────────────────────────────────────────────────────────────

// TestBuildParams_SystemPromptFirst checks that the system prompt is prepended
// as the first message.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	params := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "You are helpful.",
		Messages:     []types.Message{{Role: "user", Content: "Hello!"}},
	})

	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].Role != "system" {
		t.Errorf("expected first message role system, got %q", params.Messages[0].Role)
	}
	if params.Messages[1].Role != "user" {
		t.Errorf("expected second message role user, got %q", params.Messages[1].Role)
	}
}

// TestBuildParams_ModelOverride checks that a per-request model takes
// precedence over the provider default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Model:    "claude-3-5-haiku-latest",
	})
	if params.Model != "claude-3-5-haiku-latest" {
		t.Errorf("expected overridden model, got %q", params.Model)
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if params.Model != "gpt-4o-mini" {
		t.Errorf("expected default model, got %q", params.Model)
	}
}

// TestBuildParams_OptionalFields checks Temperature and MaxTokens handling.
func TestBuildParams_OptionalFields(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}

	params := p.buildParams(llm.CompletionRequest{
		Messages:    []types.Message{{Role: "user", Content: "hi"}},
		Temperature: 0.7,
		MaxTokens:   128,
	})
	if params.Temperature == nil || *params.Temperature != 0.7 {
		t.Error("expected temperature 0.7 to be set")
	}
	if params.MaxTokens == nil || *params.MaxTokens != 128 {
		t.Error("expected max tokens 128 to be set")
	}

	params = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if params.Temperature != nil {
		t.Error("expected nil temperature for zero value")
	}
	if params.MaxTokens != nil {
		t.Error("expected nil max tokens for zero value")
	}
}

// ── modelCapabilities ─────────────────────────────────────────────────────────

// TestModelCapabilities checks capability metadata across model families.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
	}{
		{"gpt-4o-mini", 128_000},
		{"gpt-4", 8_192},
		{"claude-3-5-sonnet-latest", 200_000},
		{"gemini-1.5-pro", 2_097_152},
		{"gemini-2.0-flash", 1_048_576},
		{"some-unknown-model", 128_000},
	}

	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.wantContext {
			t.Errorf("%s: expected context window %d, got %d", tt.model, tt.wantContext, caps.ContextWindow)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: expected SupportsStreaming=true", tt.model)
		}
	}
}

// ── constructors ──────────────────────────────────────────────────────────────

// TestNew_EmptyProviderName checks validation of the provider name.
func TestNew_EmptyProviderName(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty provider name")
	}
}

// TestNew_EmptyModel checks validation of the model name.
func TestNew_EmptyModel(t *testing.T) {
	if _, err := New("openai", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// TestNew_UnsupportedProvider checks rejection of unknown backends.
func TestNew_UnsupportedProvider(t *testing.T) {
	if _, err := New("not-a-provider", "some-model"); err == nil {
		t.Error("expected error for unsupported provider")
	}
}

// TestCountTokens_Approximation checks the chars/4 heuristic.
func TestCountTokens_Approximation(t *testing.T) {
	p := &Provider{model: "gpt-4o-mini"}
	n, err := p.CountTokens([]types.Message{
		{Role: "user", Content: "abcd"},  // 1 token + 4 overhead
		{Role: "assistant", Content: ""}, // 0 tokens + 4 overhead
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 9 {
		t.Errorf("expected 9 tokens, got %d", n)
	}
}
