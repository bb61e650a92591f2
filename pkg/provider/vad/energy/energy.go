// Package energy provides a dependency-free VAD engine based on
// root-mean-square signal energy with hysteresis.
//
// It is not a substitute for a model-based detector, but it is cheap enough to
// run on every inbound audio chunk and accurate enough to gate utterance
// segmentation when the client supplies no silence hint.
package energy

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/calltide/calltide/pkg/provider/vad"
	"github.com/calltide/calltide/pkg/types"
)

const (
	// rmsKnee maps raw RMS energy (in 16-bit PCM units) onto a [0,1) score via
	// score = rms / (rms + rmsKnee). An RMS of 300, which is near-silence for
	// 16-bit audio, lands at 0.5 so the default thresholds behave sensibly.
	rmsKnee = 300.0

	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
)

// Engine implements [vad.Engine] using per-frame RMS energy.
// The zero value is ready to use.
type Engine struct{}

// Compile-time interface assertion.
var _ vad.Engine = (*Engine)(nil)

// New creates an energy-based VAD engine.
func New() *Engine { return &Engine{} }

// NewSession implements [vad.Engine]. Zero thresholds are replaced with
// defaults.
func (e *Engine) NewSession(cfg vad.Config) (vad.SessionHandle, error) {
	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("energy: sample rate must be positive, got %d", cfg.SampleRate)
	}
	if cfg.SpeechThreshold == 0 {
		cfg.SpeechThreshold = defaultSpeechThreshold
	}
	if cfg.SilenceThreshold == 0 {
		cfg.SilenceThreshold = defaultSilenceThreshold
	}
	if cfg.SpeechThreshold < 0 || cfg.SpeechThreshold > 1 {
		return nil, fmt.Errorf("energy: speech threshold %v out of range [0,1]", cfg.SpeechThreshold)
	}
	if cfg.SilenceThreshold < 0 || cfg.SilenceThreshold > cfg.SpeechThreshold {
		return nil, fmt.Errorf("energy: silence threshold %v must be in [0, %v]",
			cfg.SilenceThreshold, cfg.SpeechThreshold)
	}
	return &session{cfg: cfg}, nil
}

// session is a single-stream detector. Not safe for concurrent use.
type session struct {
	cfg      vad.Config
	inSpeech bool
	closed   bool
}

var _ vad.SessionHandle = (*session)(nil)

// ProcessFrame implements [vad.SessionHandle]. The frame must be little-endian
// 16-bit PCM; an odd-length frame is rejected.
func (s *session) ProcessFrame(frame []byte) (types.VADEvent, error) {
	if s.closed {
		return types.VADEvent{}, fmt.Errorf("energy: session is closed")
	}
	if len(frame)%2 != 0 {
		return types.VADEvent{}, fmt.Errorf("energy: frame length %d is not a whole number of 16-bit samples", len(frame))
	}

	score := scoreFrame(frame)
	ev := types.VADEvent{Probability: score}

	switch {
	case !s.inSpeech && score >= s.cfg.SpeechThreshold:
		s.inSpeech = true
		ev.Type = types.VADSpeechStart

	case s.inSpeech && score < s.cfg.SilenceThreshold:
		s.inSpeech = false
		ev.Type = types.VADSpeechEnd

	case s.inSpeech:
		ev.Type = types.VADSpeechContinue

	default:
		ev.Type = types.VADSilence
	}
	return ev, nil
}

// Reset implements [vad.SessionHandle].
func (s *session) Reset() {
	s.inSpeech = false
}

// Close implements [vad.SessionHandle].
func (s *session) Close() error {
	s.closed = true
	return nil
}

// scoreFrame computes the hysteresis score for one PCM frame.
func scoreFrame(frame []byte) float64 {
	rms := computeRMS(frame)
	return rms / (rms + rmsKnee)
}

// computeRMS returns the root-mean-square energy of a 16-bit signed
// little-endian PCM buffer. Returns 0 for buffers shorter than one sample.
// The result is expressed in the same units as PCM sample values (0–32 767).
func computeRMS(pcm []byte) float64 {
	n := len(pcm) / 2
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		v := float64(sample)
		sum += v * v
	}
	return math.Sqrt(sum / float64(n))
}
