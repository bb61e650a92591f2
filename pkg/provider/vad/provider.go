// Package vad defines the Engine interface for Voice Activity Detection.
//
// A VAD engine wraps a frame-level speech detector and surfaces it as a
// stateful, per-stream session. Each session maintains its own internal state
// (energy history, smoothing counters) so that multiple concurrent audio
// streams can be processed independently.
//
// ProcessFrame is synchronous and returns a detection result immediately,
// which keeps it usable on the low-latency path that gates utterance
// segmentation. The server-side VAD is consulted only for audio
// chunks that arrive without a client silence hint; when the hint is present
// it is authoritative.
//
// Implementations must be safe for concurrent use across different sessions.
// A single SessionHandle should not be shared across goroutines unless the
// implementation explicitly documents thread safety for that type.
package vad

import "github.com/calltide/calltide/pkg/types"

// Config holds the parameters for a VAD session.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Must match the rate of the PCM
	// frames passed to ProcessFrame. Common values: 8000, 16000, 48000.
	SampleRate int

	// SpeechThreshold is the score above which a frame is classified as speech.
	// Range: [0.0, 1.0]. Higher values reduce false positives at the cost of
	// increased speech start latency. Typical: 0.5.
	SpeechThreshold float64

	// SilenceThreshold is the score below which a frame is classified as silence
	// and an active speech segment is considered ended. Must be ≤ SpeechThreshold.
	// Typical: 0.35.
	SilenceThreshold float64
}

// SessionHandle represents an active VAD session for a single audio stream.
// It is an interface so that test code can supply mock implementations without
// a live engine. Each session maintains its own detection state; Reset clears
// this state without closing the session.
type SessionHandle interface {
	// ProcessFrame analyses a single audio frame and returns the detection
	// result. The frame must be raw little-endian 16-bit PCM at the configured
	// SampleRate. Returns an error if the frame is malformed or if the engine
	// encounters an internal failure.
	//
	// This method is called synchronously in the audio ingest path; it must not
	// block.
	ProcessFrame(frame []byte) (types.VADEvent, error)

	// Reset clears all accumulated detection state without closing the session.
	// Use this after each utterance so stale state from the previous segment
	// does not affect subsequent frames.
	Reset()

	// Close releases all resources associated with the session. After Close,
	// ProcessFrame must return an error. Calling Close more than once is safe
	// and returns nil.
	Close() error
}

// Engine is the factory for VAD sessions.
//
// Implementations must be safe for concurrent use: multiple goroutines may
// call NewSession simultaneously to create independent sessions.
type Engine interface {
	// NewSession creates a new VAD session with the given configuration. The
	// session is immediately ready to accept audio frames.
	//
	// Returns an error if the configuration is invalid (e.g., unsupported sample
	// rate or threshold out of range).
	NewSession(cfg Config) (SessionHandle, error)
}
