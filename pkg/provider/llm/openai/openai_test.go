package openai

import (
	"testing"

	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/types"
)

// TestConvertMessage_System checks that system role is converted correctly.
func TestConvertMessage_System(t *testing.T) {
	msg := types.Message{Role: "system", Content: "You are helpful."}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfSystem == nil {
		t.Fatal("expected OfSystem to be set")
	}
}

// TestConvertMessage_User checks that user role is converted correctly.
func TestConvertMessage_User(t *testing.T) {
	msg := types.Message{Role: "user", Content: "Hello!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfUser == nil {
		t.Fatal("expected OfUser to be set")
	}
}

// TestConvertMessage_Assistant checks that assistant role is converted.
func TestConvertMessage_Assistant(t *testing.T) {
	msg := types.Message{Role: "assistant", Content: "Hi there!"}
	param, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if param.OfAssistant == nil {
		t.Fatal("expected OfAssistant to be set")
	}
}

// TestConvertMessage_UnknownRole checks that unknown roles return an error.
func TestConvertMessage_UnknownRole(t *testing.T) {
	msg := types.Message{Role: "unknown", Content: "test"}
	_, err := convertMessage(msg)
	if err == nil {
		t.Fatal("expected error for unknown role, got nil")
	}
}

// TestBuildParams_ModelOverride checks that a per-request model takes
// precedence over the provider default.
func TestBuildParams_ModelOverride(t *testing.T) {
	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Model) != "gpt-4o" {
		t.Errorf("expected model gpt-4o, got %q", params.Model)
	}

	params, err = p.buildParams(llm.CompletionRequest{
		Messages: []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("expected default model gpt-4o-mini, got %q", params.Model)
	}
}

// TestBuildParams_SystemPromptFirst checks that the system prompt becomes the
// first message.
func TestBuildParams_SystemPromptFirst(t *testing.T) {
	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	params, err := p.buildParams(llm.CompletionRequest{
		SystemPrompt: "be brief",
		Messages:     []types.Message{{Role: "user", Content: "hi"}},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if len(params.Messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(params.Messages))
	}
	if params.Messages[0].OfSystem == nil {
		t.Error("expected first message to be the system prompt")
	}
}

// TestModelCapabilities checks capability metadata for known model families.
func TestModelCapabilities(t *testing.T) {
	tests := []struct {
		model       string
		wantContext int
		wantOutput  int
	}{
		{"gpt-4o-mini", 128_000, 16_384},
		{"gpt-4o", 128_000, 16_384},
		{"gpt-4", 8_192, 4_096},
		{"gpt-3.5-turbo", 16_385, 4_096},
		{"o1", 200_000, 100_000},
		{"o3-mini", 200_000, 100_000},
		{"unknown-model", 128_000, 4_096},
	}

	for _, tt := range tests {
		caps := modelCapabilities(tt.model)
		if caps.ContextWindow != tt.wantContext {
			t.Errorf("%s: expected context window %d, got %d", tt.model, tt.wantContext, caps.ContextWindow)
		}
		if caps.MaxOutputTokens != tt.wantOutput {
			t.Errorf("%s: expected max output %d, got %d", tt.model, tt.wantOutput, caps.MaxOutputTokens)
		}
		if !caps.SupportsStreaming {
			t.Errorf("%s: expected SupportsStreaming=true", tt.model)
		}
	}
}

// TestNew_Validation checks constructor argument validation.
func TestNew_Validation(t *testing.T) {
	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty API key")
	}
	if _, err := New("key", ""); err == nil {
		t.Error("expected error for empty model")
	}
}

// TestCountTokens_Approximation checks the chars/4 heuristic.
func TestCountTokens_Approximation(t *testing.T) {
	p, err := New("key", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	n, err := p.CountTokens([]types.Message{
		{Role: "user", Content: "hello world!"}, // 12 chars → 3 tokens + 4 overhead
	})
	if err != nil {
		t.Fatalf("CountTokens: %v", err)
	}
	if n != 7 {
		t.Errorf("expected 7 tokens, got %d", n)
	}
}
