package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/calltide/calltide/pkg/provider/stt"
	sttmock "github.com/calltide/calltide/pkg/provider/stt/mock"
	"github.com/calltide/calltide/pkg/types"
)

func TestSTTFallback_Transcribe_PrimarySuccess(t *testing.T) {
	primary := &sttmock.Provider{
		Results: []stt.Result{
			{Transcript: types.Transcript{Text: "hello", IsFinal: true}},
		},
	}
	secondary := &sttmock.Provider{}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	results, err := fb.Transcribe(context.Background(), []byte("pcm"), stt.Config{SampleRate: 16000})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []stt.Result
	for r := range results {
		got = append(got, r)
	}
	if len(got) != 1 {
		t.Fatalf("got %d results, want 1", len(got))
	}
	if got[0].Transcript.Text != "hello" {
		t.Fatalf("text = %q, want hello", got[0].Transcript.Text)
	}
	if primary.TranscribeCallCount() != 1 {
		t.Fatalf("primary called %d times, want 1", primary.TranscribeCallCount())
	}
	if secondary.TranscribeCallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.TranscribeCallCount())
	}
}

func TestSTTFallback_Transcribe_Failover(t *testing.T) {
	primary := &sttmock.Provider{
		TranscribeErr: errors.New("primary down"),
	}
	secondary := &sttmock.Provider{
		Results: []stt.Result{
			{Transcript: types.Transcript{Text: "from secondary", IsFinal: true}},
		},
	}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	results, err := fb.Transcribe(context.Background(), []byte("pcm"), stt.Config{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var got []stt.Result
	for r := range results {
		got = append(got, r)
	}
	if len(got) != 1 || got[0].Transcript.Text != "from secondary" {
		t.Fatalf("unexpected results: %+v", got)
	}
}

func TestSTTFallback_Transcribe_AllFail(t *testing.T) {
	primary := &sttmock.Provider{TranscribeErr: errors.New("primary down")}
	secondary := &sttmock.Provider{TranscribeErr: errors.New("secondary down")}

	fb := NewSTTFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	_, err := fb.Transcribe(context.Background(), []byte("pcm"), stt.Config{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}
