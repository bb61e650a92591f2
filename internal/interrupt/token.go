package interrupt

import (
	"context"
	"fmt"
	"sync"

	"github.com/calltide/calltide/internal/call"
)

// Outcome is the resolved fate of a turn token.
type Outcome int

const (
	// OutcomePending means the turn is still in flight.
	OutcomePending Outcome = iota

	// OutcomeCompleted means the turn ran to natural completion.
	OutcomeCompleted

	// OutcomeInterrupted means the turn was cut short.
	OutcomeInterrupted
)

// Interrupted is the cancellation cause carried by an interrupted token's
// context. Pipeline stages inspect it via [context.Cause] to distinguish an
// interrupt from a deadline or teardown.
type Interrupted struct {
	Kind call.InterruptKind
}

func (e *Interrupted) Error() string {
	return fmt.Sprintf("interrupt: turn interrupted (%s)", e.Kind)
}

// Token is the cancellation handle for one in-flight turn. The pipeline
// derives its stage contexts from [Token.Context]; the manager cancels the
// token when an interrupt fires. A token resolves exactly once: whichever of
// Complete and Interrupt runs first wins, the loser is a no-op.
type Token struct {
	ctx    context.Context
	cancel context.CancelCauseFunc

	mu      sync.Mutex
	outcome Outcome
	kind    call.InterruptKind
}

// NewToken returns a token whose context descends from parent.
func NewToken(parent context.Context) *Token {
	ctx, cancel := context.WithCancelCause(parent)
	return &Token{ctx: ctx, cancel: cancel}
}

// Context is the turn-scoped context. It is cancelled when the token is
// interrupted or the parent context ends.
func (t *Token) Context() context.Context {
	return t.ctx
}

// Complete marks the turn naturally finished. Returns false if the token was
// already resolved, in which case the earlier outcome stands.
func (t *Token) Complete() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.outcome != OutcomePending {
		return false
	}
	t.outcome = OutcomeCompleted
	return true
}

// Interrupt cancels the token with kind as the cause. Returns false if the
// token was already resolved; a cancellation racing natural completion is
// dropped.
func (t *Token) Interrupt(kind call.InterruptKind) bool {
	t.mu.Lock()
	if t.outcome != OutcomePending {
		t.mu.Unlock()
		return false
	}
	t.outcome = OutcomeInterrupted
	t.kind = kind
	t.mu.Unlock()

	t.cancel(&Interrupted{Kind: kind})
	return true
}

// Release cancels the token's context without resolving it as interrupted.
// Call it when the turn ends so the derived context does not leak.
func (t *Token) Release() {
	t.cancel(context.Canceled)
}

// Outcome returns the resolved outcome and, when interrupted, the kind.
func (t *Token) Outcome() (Outcome, call.InterruptKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.outcome, t.kind
}
