package pipeline

import "github.com/calltide/calltide/pkg/audio"

// AudioBuffer accumulates the PCM bytes of one utterance. It is owned by a
// single engine and not safe for concurrent use; the engine serialises access
// under its own lock.
type AudioBuffer struct {
	data []byte
}

// Append adds a chunk to the buffer.
func (b *AudioBuffer) Append(chunk []byte) {
	b.data = append(b.data, chunk...)
}

// Len returns the buffered byte count.
func (b *AudioBuffer) Len() int {
	return len(b.data)
}

// DurationMs returns the buffered audio length in milliseconds, assuming
// little-endian 16-bit mono PCM at the given sample rate.
func (b *AudioBuffer) DurationMs(sampleRate int) int64 {
	return audio.DurationMs(len(b.data), sampleRate)
}

// Drain returns the buffered bytes and resets the buffer.
func (b *AudioBuffer) Drain() []byte {
	out := b.data
	b.data = nil
	return out
}

// Reset discards the buffered bytes.
func (b *AudioBuffer) Reset() {
	b.data = nil
}
