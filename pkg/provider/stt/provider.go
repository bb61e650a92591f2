// Package stt defines the Provider interface for Speech-to-Text backends.
//
// An STT provider wraps a transcription service (e.g., Deepgram or a local
// whisper-server) and exposes a uniform per-utterance interface: the caller
// hands over one complete utterance of PCM audio and receives a finite stream
// of Transcript values, low-latency partials first and exactly one final last.
//
// Implementations must be safe for concurrent use. Multiple utterances may be
// transcribed simultaneously, one per active call session.
package stt

import (
	"context"

	"github.com/calltide/calltide/pkg/types"
)

// Config describes the audio format and recognition hints for a transcription
// request. All fields must be compatible with what the underlying provider
// supports; see each provider's documentation for valid ranges.
type Config struct {
	// SampleRate is the audio sample rate in Hz. Common values: 16000, 48000.
	SampleRate int

	// Channels is the number of audio channels. 1 = mono (required by most STT
	// providers). Implementors may downmix stereo internally.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US", "de-DE").
	// An empty string lets the provider auto-detect the language, if supported.
	Language string
}

// Result is a single item in the transcription stream. Exactly one of
// Transcript and Err is meaningful: a non-nil Err terminates the stream.
type Result struct {
	// Transcript is the recognition result for this item.
	Transcript types.Transcript

	// Err, if non-nil, reports a mid-stream provider failure. The results
	// channel is closed after an error item.
	Err error
}

// Provider is the abstraction over any STT backend.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Transcribe submits one complete utterance of raw PCM audio and returns a
	// read-only channel of Result values. Implementations may emit any number of
	// partial transcripts followed by exactly one final transcript, then close
	// the channel. Providers without partial support emit only the final.
	//
	// Callers must drain the channel to avoid goroutine leaks. The initial error
	// return is non-nil only for failures that prevent the request from starting
	// (e.g., authentication, ctx already cancelled); failures after that are
	// delivered as a Result with Err set, followed by channel close.
	//
	// The returned channel must never be nil when error is nil.
	Transcribe(ctx context.Context, audio []byte, cfg Config) (<-chan Result, error)

	// Name returns the provider's stable identifier (e.g., "deepgram").
	Name() string
}
