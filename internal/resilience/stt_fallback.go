package resilience

import (
	"context"

	"github.com/calltide/calltide/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across multiple
// STT backends. Each backend has its own circuit breaker.
//
// Only the call that opens the transcription stream is covered by failover; a
// stream that fails mid-utterance reports its error through the result channel
// and is the caller's responsibility.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional STT provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// States reports the breaker state of every registered backend.
func (f *STTFallback) States() map[string]State {
	return f.group.States()
}

// Transcribe submits the utterance to the first healthy provider. If the
// primary fails to open a stream, subsequent fallbacks are tried.
func (f *STTFallback) Transcribe(ctx context.Context, audio []byte, cfg stt.Config) (<-chan stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (<-chan stt.Result, error) {
		return p.Transcribe(ctx, audio, cfg)
	})
}

// Name identifies the failover wrapper in logs.
func (f *STTFallback) Name() string { return "stt-failover" }
