// Package policy implements the content filters applied to text entering and
// leaving the LLM.
//
// Two implementations are provided: [Passthrough], which allows everything,
// and [KidSafe], which blocks or rewrites disallowed terms and substitutes a
// canonical redirect reply when the user's utterance is rejected. Both are
// stateless across turns; the kid-safe output filter accumulates a small
// per-turn carry buffer so a disallowed word split across streaming chunks is
// still caught.
package policy

// Flags carries the per-session switches that influence filtering.
type Flags struct {
	// KidFriendly enables the strict term filter and redirect behaviour.
	KidFriendly bool

	// Language is the session language, reserved for language-specific
	// term lists.
	Language string
}

// Decision is the outcome of filtering inbound user text.
type Decision struct {
	// Allowed is false when the text was rejected. The turn still
	// proceeds: Text then holds the canonical redirect reply to speak
	// instead of calling the LLM.
	Allowed bool

	// Text is the (possibly rewritten) text to continue the turn with.
	Text string

	// Reason is set when Allowed is false (e.g. "blocked_term").
	Reason string
}

// Policy filters text at the LLM boundary. Implementations must be safe for
// concurrent use across sessions.
type Policy interface {
	// FilterIn inspects final user text before it reaches the LLM.
	FilterIn(text string, flags Flags) Decision

	// NewOutStream returns a per-turn filter for streamed LLM output.
	NewOutStream(flags Flags) OutStream
}

// OutStream filters one turn's streamed LLM output. Not safe for concurrent
// use; each turn gets its own instance.
type OutStream interface {
	// Filter processes one text chunk and returns the releasable portion.
	// It may hold back a trailing partial word until the next call.
	Filter(chunk string) string

	// Flush releases any held-back text at end of stream.
	Flush() string
}

// Passthrough is the no-op policy used when kid-friendly mode is off.
type Passthrough struct{}

var _ Policy = Passthrough{}

// FilterIn allows all text unchanged.
func (Passthrough) FilterIn(text string, _ Flags) Decision {
	return Decision{Allowed: true, Text: text}
}

// NewOutStream returns a stream that passes chunks through untouched.
func (Passthrough) NewOutStream(_ Flags) OutStream {
	return passthroughStream{}
}

type passthroughStream struct{}

func (passthroughStream) Filter(chunk string) string { return chunk }
func (passthroughStream) Flush() string              { return "" }
