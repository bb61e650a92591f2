// Package mock provides a test double for the stt.Provider interface.
//
// Use Provider to verify that the caller submits the expected audio and Config,
// and to feed controlled Transcript values without a live STT backend.
//
// Example:
//
//	p := &mock.Provider{
//	    Results: []stt.Result{
//	        {Transcript: types.Transcript{Text: "hel", IsFinal: false}},
//	        {Transcript: types.Transcript{Text: "hello", IsFinal: true}},
//	    },
//	}
//	results, _ := p.Transcribe(ctx, audio, cfg)
package mock

import (
	"context"
	"sync"

	"github.com/calltide/calltide/pkg/provider/stt"
)

// TranscribeCall records a single invocation of Transcribe.
type TranscribeCall struct {
	// Ctx is the context passed to Transcribe.
	Ctx context.Context
	// Audio is a copy of the utterance bytes passed to Transcribe.
	Audio []byte
	// Cfg is the Config passed to Transcribe.
	Cfg stt.Config
}

// Provider is a mock implementation of stt.Provider.
// Zero values for response fields cause methods to return zero values and nil
// errors. Set Err fields to inject errors.
type Provider struct {
	mu sync.Mutex

	// Results is the sequence of Result values emitted on the channel returned
	// by Transcribe. All results are sent before the channel is closed.
	Results []stt.Result

	// TranscribeErr, if non-nil, is returned as the error from Transcribe
	// instead of starting a channel.
	TranscribeErr error

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// TranscribeCalls records every invocation of Transcribe in order.
	TranscribeCalls []TranscribeCall
}

// Transcribe records the call and returns a channel that emits Results.
// If TranscribeErr is set, it returns nil, TranscribeErr without opening a
// channel.
func (p *Provider) Transcribe(ctx context.Context, audio []byte, cfg stt.Config) (<-chan stt.Result, error) {
	p.mu.Lock()
	cp := make([]byte, len(audio))
	copy(cp, audio)
	p.TranscribeCalls = append(p.TranscribeCalls, TranscribeCall{Ctx: ctx, Audio: cp, Cfg: cfg})
	if p.TranscribeErr != nil {
		err := p.TranscribeErr
		p.mu.Unlock()
		return nil, err
	}
	results := make([]stt.Result, len(p.Results))
	copy(results, p.Results)
	p.mu.Unlock()

	ch := make(chan stt.Result, len(results))
	go func() {
		defer close(ch)
		for _, r := range results {
			select {
			case <-ctx.Done():
				return
			case ch <- r:
			}
		}
	}()
	return ch, nil
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// TranscribeCallCount returns the number of Transcribe calls. Thread-safe.
func (p *Provider) TranscribeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.TranscribeCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.TranscribeCalls = nil
}

// Ensure Provider implements stt.Provider at compile time.
var _ stt.Provider = (*Provider)(nil)
