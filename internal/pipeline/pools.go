package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"

	"github.com/calltide/calltide/internal/config"
)

// Pools caps concurrent upstream calls per adapter kind across all sessions.
// One Pools instance is shared process-wide.
type Pools struct {
	stt *semaphore.Weighted
	llm *semaphore.Weighted
	tts *semaphore.Weighted
}

// NewPools builds the adapter semaphores from the configured sizes.
func NewPools(sizes config.AdapterPoolSizes) *Pools {
	return &Pools{
		stt: semaphore.NewWeighted(int64(sizes.STT)),
		llm: semaphore.NewWeighted(int64(sizes.LLM)),
		tts: semaphore.NewWeighted(int64(sizes.TTS)),
	}
}

// AcquireSTT blocks until an STT slot is free or ctx ends. A nil Pools never
// limits.
func (p *Pools) AcquireSTT(ctx context.Context) (release func(), err error) {
	if p == nil {
		return func() {}, nil
	}
	return acquire(ctx, p.stt)
}

// AcquireLLM blocks until an LLM slot is free or ctx ends.
func (p *Pools) AcquireLLM(ctx context.Context) (release func(), err error) {
	if p == nil {
		return func() {}, nil
	}
	return acquire(ctx, p.llm)
}

// AcquireTTS blocks until a TTS slot is free or ctx ends.
func (p *Pools) AcquireTTS(ctx context.Context) (release func(), err error) {
	if p == nil {
		return func() {}, nil
	}
	return acquire(ctx, p.tts)
}

func acquire(ctx context.Context, sem *semaphore.Weighted) (func(), error) {
	if sem == nil {
		return func() {}, nil
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { sem.Release(1) }, nil
}
