package call

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures for the error taxonomy surfaced to clients
// and logged internally.
type ErrorKind string

const (
	// KindProtocol is a malformed client message or unsupported type.
	// Recoverable: the message is ignored and the session continues.
	KindProtocol ErrorKind = "protocol"

	// KindTransport is a dead socket or a stalled send. Session-fatal.
	KindTransport ErrorKind = "transport"

	// KindSTT is an STT adapter failure or timeout. Turn-fatal; the turn
	// is aborted.
	KindSTT ErrorKind = "stt"

	// KindLLM is an LLM adapter failure or timeout. Triggers one fallback
	// attempt; a second failure ends the turn as failed.
	KindLLM ErrorKind = "llm"

	// KindTTS is a TTS adapter failure or timeout. The turn degrades to a
	// text-only reply.
	KindTTS ErrorKind = "tts"

	// KindPolicyRejected means the content policy blocked the text. Not an
	// error from the client's view; the turn proceeds with a redirect.
	KindPolicyRejected ErrorKind = "policy_rejected"

	// KindPersist is a history write failure. Hidden from the live turn,
	// retried internally, surfaced via metrics.
	KindPersist ErrorKind = "persist"

	// KindOverloaded means outbound backpressure exceeded the send
	// timeout. Session-fatal.
	KindOverloaded ErrorKind = "overloaded"

	// KindConfig is an invalid startup configuration. Process-fatal.
	KindConfig ErrorKind = "config"
)

// Recoverable reports whether the session survives an error of this kind.
func (k ErrorKind) Recoverable() bool {
	switch k {
	case KindProtocol, KindSTT, KindLLM, KindTTS, KindPolicyRejected, KindPersist:
		return true
	}
	return false
}

// Error is a classified calltide error. The pipeline wraps adapter failures
// in an Error at the boundary so nothing provider-specific leaks to clients.
type Error struct {
	Kind ErrorKind
	Err  error
}

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// Errorf wraps a formatted message with the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

func (e *Error) Error() string {
	return string(e.Kind) + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the [ErrorKind] from err, unwrapping as needed. Unwrapped
// errors that carry no kind report KindTransport, the conservative
// session-fatal default.
func KindOf(err error) ErrorKind {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return KindTransport
}
