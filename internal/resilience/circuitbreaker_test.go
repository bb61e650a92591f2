package resilience

import (
	"errors"
	"testing"
	"time"
)

// errProviderDown stands in for a speech or language adapter that times out
// or refuses connections.
var errProviderDown = errors.New("stt: upstream timed out")

func TestNewCircuitBreaker_Defaults(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "stt-whisper"})
	if cb.maxFailures != 5 {
		t.Errorf("maxFailures = %d, want 5", cb.maxFailures)
	}
	if cb.resetTimeout != 30*time.Second {
		t.Errorf("resetTimeout = %v, want 30s", cb.resetTimeout)
	}
	if cb.halfOpenMax != 3 {
		t.Errorf("halfOpenMax = %d, want 3", cb.halfOpenMax)
	}
	if cb.State() != StateClosed {
		t.Errorf("initial state = %v, want closed", cb.State())
	}
}

func TestCircuitBreaker_HealthyProviderPassesThrough(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "llm-primary", MaxFailures: 3})
	transcribed := false
	err := cb.Execute(func() error {
		transcribed = true
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !transcribed {
		t.Fatal("call never reached the provider")
	}
}

func TestCircuitBreaker_ProviderOutageOpensBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "tts-coqui",
		MaxFailures:  3,
		ResetTimeout: time.Hour, // long timeout so it stays open
	})

	// Three consecutive synthesis failures trip the breaker.
	for i := 0; i < 3; i++ {
		_ = cb.Execute(func() error { return errProviderDown })
	}

	if cb.State() != StateOpen {
		t.Fatalf("state = %v, want open after 3 failed synth calls", cb.State())
	}

	// Further turns are rejected without touching the dead provider.
	err := cb.Execute(func() error { return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreaker_SuccessfulTurnResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:        "stt-whisper",
		MaxFailures: 3,
	})

	// Two timeouts followed by a clean transcription keep the breaker closed.
	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return nil })

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed (success should reset counter)", cb.State())
	}

	// It now takes three fresh consecutive failures to open.
	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })
	if cb.State() != StateClosed {
		t.Fatal("should still be closed after 2 failures post-reset")
	}
}

func TestCircuitBreaker_OpenToHalfOpen(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm-primary",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	time.Sleep(15 * time.Millisecond)

	if cb.State() != StateHalfOpen {
		t.Fatalf("state = %v, want half-open after reset timeout", cb.State())
	}
}

func TestCircuitBreaker_RecoveredProviderClosesBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "llm-primary",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  2,
	})

	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })

	time.Sleep(15 * time.Millisecond)

	// The provider is back; trial completions succeed and the breaker closes.
	for i := 0; i < 2; i++ {
		if err := cb.Execute(func() error { return nil }); err != nil {
			t.Fatalf("trial call %d: unexpected error: %v", i, err)
		}
	}

	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after recovery", cb.State())
	}
}

func TestCircuitBreaker_StillDownProviderReopensBreaker(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "tts-coqui",
		MaxFailures:  2,
		ResetTimeout: 10 * time.Millisecond,
		HalfOpenMax:  3,
	})

	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })

	time.Sleep(15 * time.Millisecond)

	// The first trial call still fails, so the breaker re-opens.
	err := cb.Execute(func() error { return errProviderDown })
	if err == nil {
		t.Fatal("expected error from failing trial call")
	}

	// Open again, not half-open, since lastFailure was just refreshed.
	cb.mu.Lock()
	s := cb.state
	cb.mu.Unlock()
	if s != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", s)
	}
}

func TestCircuitBreaker_Reset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:         "stt-whisper",
		MaxFailures:  2,
		ResetTimeout: time.Hour,
	})

	_ = cb.Execute(func() error { return errProviderDown })
	_ = cb.Execute(func() error { return errProviderDown })
	if cb.State() != StateOpen {
		t.Fatal("expected open")
	}

	// An operator forces the breaker closed after restarting the provider.
	cb.Reset()
	if cb.State() != StateClosed {
		t.Fatalf("state = %v, want closed after reset", cb.State())
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateOpen, "open"},
		{StateHalfOpen, "half-open"},
		{State(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.state, got, tt.want)
		}
	}
}
