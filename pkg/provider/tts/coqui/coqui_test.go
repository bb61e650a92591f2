package coqui

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/calltide/calltide/pkg/types"
)

// ---- test helpers ----

// buildTestWAV constructs a minimal but valid RIFF/WAVE byte slice containing the
// supplied raw PCM samples. It writes a standard 44-byte header (RIFF + fmt + data)
// so that parseWAV can correctly locate the audio payload.
func buildTestWAV(pcm []byte) []byte {
	fmtSize := uint32(16)
	dataSize := uint32(len(pcm))
	fileSize := 4 + (8 + fmtSize) + (8 + dataSize) // WAVE + fmt chunk + data chunk

	buf := make([]byte, 0, 12+8+fmtSize+8+dataSize)
	le := binary.LittleEndian

	putU32 := func(v uint32) {
		var b [4]byte
		le.PutUint32(b[:], v)
		buf = append(buf, b[:]...)
	}
	putU16 := func(v uint16) {
		var b [2]byte
		le.PutUint16(b[:], v)
		buf = append(buf, b[:]...)
	}

	// RIFF chunk.
	buf = append(buf, []byte("RIFF")...)
	putU32(fileSize)
	buf = append(buf, []byte("WAVE")...)

	// fmt sub-chunk.
	buf = append(buf, []byte("fmt ")...)
	putU32(fmtSize)
	putU16(1)     // PCM format
	putU16(1)     // 1 channel (mono)
	putU32(16000) // sample rate
	putU32(32000) // byte rate
	putU16(2)     // block align
	putU16(16)    // bits per sample

	// data sub-chunk.
	buf = append(buf, []byte("data")...)
	putU32(dataSize)
	buf = append(buf, pcm...)

	return buf
}

// drainAudio reads all []byte chunks from the audio channel until it is closed
// and returns the concatenated PCM data.
func drainAudio(ch <-chan []byte) []byte {
	var out []byte
	for chunk := range ch {
		out = append(out, chunk...)
	}
	return out
}

// sendFragments sends the given text fragments on a freshly-created channel,
// then closes it. Returns the channel for passing to SynthesizeStream.
func sendFragments(fragments []string) <-chan string {
	ch := make(chan string, len(fragments))
	for _, f := range fragments {
		ch <- f
	}
	close(ch)
	return ch
}

// mustNew is a test helper that calls New and fails the test on error.
func mustNew(t *testing.T, serverURL string, opts ...Option) *Provider {
	t.Helper()
	p, err := New(serverURL, opts...)
	if err != nil {
		t.Fatalf("New(%q): unexpected error: %v", serverURL, err)
	}
	return p
}

// ---- Provider creation ----

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want %q", p.serverURL, "http://localhost:5002")
		}
		if p.language != defaultLanguage {
			t.Errorf("language = %q, want %q", p.language, defaultLanguage)
		}
		if p.httpClient.Timeout != defaultTimeout {
			t.Errorf("timeout = %v, want %v", p.httpClient.Timeout, defaultTimeout)
		}
	})

	t.Run("trims trailing slash", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002/")
		if p.serverURL != "http://localhost:5002" {
			t.Errorf("serverURL = %q, want trailing slash stripped", p.serverURL)
		}
	})

	t.Run("empty URL", func(t *testing.T) {
		if _, err := New(""); err == nil {
			t.Error("expected error for empty serverURL")
		}
	})

	t.Run("options", func(t *testing.T) {
		p := mustNew(t, "http://localhost:5002",
			WithLanguage("de"),
			WithTimeout(5*time.Second),
			WithOutputSampleRate(48000),
		)
		if p.language != "de" {
			t.Errorf("language = %q, want de", p.language)
		}
		if p.httpClient.Timeout != 5*time.Second {
			t.Errorf("timeout = %v, want 5s", p.httpClient.Timeout)
		}
		if p.outputRate != 48000 {
			t.Errorf("outputRate = %d, want 48000", p.outputRate)
		}
	})
}

// ---- sentence splitting ----

func TestFindSentenceBoundary(t *testing.T) {
	tests := []struct {
		in   string
		want int
	}{
		{"Hello there.", 11},
		{"Hello there. More text", 11},
		{"No boundary here", -1},
		{"Dr. Smith said hi", 2}, // "Dr." is followed by a space, so it counts as a boundary
		{"Version 3.14-beta shipped", -1},
		{"Pi is 3.14 exactly", -1},
		{"What? Yes!", 4},
		{"", -1},
	}
	for _, tt := range tests {
		if got := findSentenceBoundary(tt.in); got != tt.want {
			t.Errorf("findSentenceBoundary(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

// ---- WAV parsing ----

func TestParseWAV(t *testing.T) {
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := buildTestWAV(pcm)

	info, err := parseWAV(wav)
	if err != nil {
		t.Fatalf("parseWAV: %v", err)
	}
	if info.DataOffset != 44 {
		t.Errorf("DataOffset = %d, want 44", info.DataOffset)
	}
	if info.SampleRate != 16000 {
		t.Errorf("SampleRate = %d, want 16000", info.SampleRate)
	}
	if info.Channels != 1 {
		t.Errorf("Channels = %d, want 1", info.Channels)
	}
	if string(wav[info.DataOffset:]) != string(pcm) {
		t.Error("PCM payload does not start at DataOffset")
	}
}

func TestParseWAV_Invalid(t *testing.T) {
	if _, err := parseWAV([]byte("short")); err == nil {
		t.Error("expected error for truncated input")
	}
	if _, err := parseWAV([]byte("NOTRIFFxxWAVE")); err == nil {
		t.Error("expected error for missing RIFF header")
	}
	// Valid RIFF/WAVE but no data chunk.
	junk := append([]byte("RIFF"), 0, 0, 0, 0)
	junk = append(junk, []byte("WAVE")...)
	if _, err := parseWAV(junk); err == nil {
		t.Error("expected error for missing data chunk")
	}
}

// ---- resampling ----

func TestResampleMono16(t *testing.T) {
	// Two samples at 8 kHz resampled to 16 kHz should roughly double in count.
	pcm := make([]byte, 8) // 4 samples
	binary.LittleEndian.PutUint16(pcm[0:], 1000)
	binary.LittleEndian.PutUint16(pcm[2:], 2000)
	binary.LittleEndian.PutUint16(pcm[4:], 3000)
	binary.LittleEndian.PutUint16(pcm[6:], 4000)

	out := resampleMono16(pcm, 8000, 16000)
	if len(out) != 16 {
		t.Fatalf("len(out) = %d, want 16 (8 samples)", len(out))
	}
	// First sample is preserved exactly.
	if got := int16(binary.LittleEndian.Uint16(out[0:])); got != 1000 {
		t.Errorf("first sample = %d, want 1000", got)
	}

	// Same rate passes through unchanged.
	if got := resampleMono16(pcm, 16000, 16000); &got[0] != &pcm[0] {
		t.Error("same-rate resample should return input unchanged")
	}
}

// ---- SynthesizeStream ----

func TestSynthesizeStream_EndToEnd(t *testing.T) {
	var (
		mu       sync.Mutex
		requests []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != ttsEndpoint {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		text := r.URL.Query().Get("text")
		mu.Lock()
		requests = append(requests, text)
		mu.Unlock()
		w.Header().Set("Content-Type", "audio/wav")
		_, _ = w.Write(buildTestWAV([]byte(text)))
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)

	audioCh, err := p.SynthesizeStream(context.Background(),
		sendFragments([]string{"Hello ", "there. How are ", "you?"}),
		types.VoiceProfile{ID: "p225"})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	got := string(drainAudio(audioCh))
	// Sentences are synthesised separately but emitted in order.
	if got != "Hello there.How are you?" {
		t.Fatalf("PCM = %q, want ordered sentence payloads", got)
	}
	mu.Lock()
	n := len(requests)
	mu.Unlock()
	if n != 2 {
		t.Fatalf("server saw %d requests, want 2", n)
	}
}

func TestSynthesizeStream_ServerError_ClosesStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)

	audioCh, err := p.SynthesizeStream(context.Background(),
		sendFragments([]string{"Hello there."}),
		types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}
	if pcm := drainAudio(audioCh); len(pcm) != 0 {
		t.Fatalf("got %d bytes of audio, want none on server error", len(pcm))
	}
}

func TestSynthesizeStream_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := mustNew(t, "http://localhost:5002")

	textCh := make(chan string)
	audioCh, err := p.SynthesizeStream(ctx, textCh, types.VoiceProfile{})
	if err != nil {
		t.Fatalf("SynthesizeStream: %v", err)
	}

	select {
	case _, ok := <-audioCh:
		if ok {
			t.Fatal("expected closed channel, got audio")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("audio channel not closed after context cancellation")
	}
}

// ---- ListVoices ----

func TestListVoices_MultiSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != detailsEndpoint {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(detailsResponse{
			ModelName: "vits",
			Language:  "en",
			Speakers:  []string{"p226", "p225"},
		})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(voices))
	}
	// Sorted for deterministic output.
	if voices[0].ID != "p225" || voices[1].ID != "p226" {
		t.Fatalf("voices not sorted: %+v", voices)
	}
	if voices[0].Provider != "coqui" {
		t.Errorf("Provider = %q, want coqui", voices[0].Provider)
	}
	if voices[0].Metadata["model_name"] != "vits" {
		t.Errorf("model_name = %q, want vits", voices[0].Metadata["model_name"])
	}
}

func TestListVoices_SingleSpeaker(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(detailsResponse{ModelName: "jenny", Language: "en"})
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	voices, err := p.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(voices) != 1 {
		t.Fatalf("got %d voices, want 1", len(voices))
	}
	if voices[0].ID != "jenny" {
		t.Errorf("ID = %q, want jenny", voices[0].ID)
	}
	if voices[0].Metadata["type"] != "single-speaker" {
		t.Errorf("type = %q, want single-speaker", voices[0].Metadata["type"])
	}
}

func TestListVoices_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	p := mustNew(t, srv.URL)
	if _, err := p.ListVoices(context.Background()); err == nil {
		t.Error("expected error for non-200 response")
	}
}
