package whisper

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/calltide/calltide/pkg/provider/stt"
)

func cfg16k() stt.Config {
	return stt.Config{SampleRate: 16000, Channels: 1, Language: "en"}
}

// newMockServer creates a test server that responds to POST /inference with a
// JSON body containing the provided responseText. It increments *callCount on
// every matched request.
func newMockServer(t *testing.T, responseText string, callCount *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/inference" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		if callCount != nil {
			callCount.Add(1)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"text": responseText})
	}))
}

// ---- provider construction --------------------------------------------------

func TestNew_EmptyServerURL_ReturnsError(t *testing.T) {
	t.Parallel()
	_, err := New("")
	if err == nil {
		t.Fatal("expected error for empty serverURL, got nil")
	}
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p, err := New("http://localhost:8080")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.language != defaultLanguage {
		t.Errorf("language: want %q, got %q", defaultLanguage, p.language)
	}
	if p.sampleRate != defaultSampleRate {
		t.Errorf("sampleRate: want %d, got %d", defaultSampleRate, p.sampleRate)
	}
}

// ---- transcription ----------------------------------------------------------

func TestTranscribe_SingleFinal(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	srv := newMockServer(t, "hello there", &calls)
	defer srv.Close()

	p, err := New(srv.URL)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	pcm := make([]byte, 32000) // 1s of 16 kHz mono 16-bit silence
	results, err := p.Transcribe(context.Background(), pcm, cfg16k())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	var got []string
	for r := range results {
		if r.Err != nil {
			t.Fatalf("unexpected result error: %v", r.Err)
		}
		if !r.Transcript.IsFinal {
			t.Error("whisper results must all be final")
		}
		got = append(got, r.Transcript.Text)
	}
	if len(got) != 1 || got[0] != "hello there" {
		t.Fatalf("expected single final 'hello there', got %v", got)
	}
	if calls.Load() != 1 {
		t.Errorf("expected 1 inference request, got %d", calls.Load())
	}
}

func TestTranscribe_ServerError_SurfacesResultErr(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	p, _ := New(srv.URL)
	results, err := p.Transcribe(context.Background(), make([]byte, 320), cfg16k())
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}

	r, ok := <-results
	if !ok {
		t.Fatal("expected one result before close")
	}
	if r.Err == nil {
		t.Fatal("expected result error for HTTP 500")
	}
	if _, ok := <-results; ok {
		t.Error("expected channel closed after error result")
	}
}

func TestTranscribe_CancelledContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p, _ := New("http://localhost:1")
	if _, err := p.Transcribe(ctx, nil, cfg16k()); err == nil {
		t.Fatal("expected error when ctx is already cancelled")
	}
}

// ---- WAV encoding -----------------------------------------------------------

func TestEncodeWAV_Header(t *testing.T) {
	t.Parallel()
	pcm := []byte{0x01, 0x02, 0x03, 0x04}
	wav := encodeWAV(pcm, 16000, 1)

	if len(wav) != 44+len(pcm) {
		t.Fatalf("expected %d bytes, got %d", 44+len(pcm), len(wav))
	}
	if !bytes.Equal(wav[0:4], []byte("RIFF")) || !bytes.Equal(wav[8:12], []byte("WAVE")) {
		t.Error("missing RIFF/WAVE markers")
	}
	if sr := binary.LittleEndian.Uint32(wav[24:28]); sr != 16000 {
		t.Errorf("sample rate: want 16000, got %d", sr)
	}
	if ch := binary.LittleEndian.Uint16(wav[22:24]); ch != 1 {
		t.Errorf("channels: want 1, got %d", ch)
	}
	if ds := binary.LittleEndian.Uint32(wav[40:44]); int(ds) != len(pcm) {
		t.Errorf("data size: want %d, got %d", len(pcm), ds)
	}
	if !bytes.Equal(wav[44:], pcm) {
		t.Error("PCM payload mismatch")
	}
}

func TestPCMDuration(t *testing.T) {
	t.Parallel()
	// 16 kHz mono 16-bit: 32000 bytes per second.
	if d := pcmDuration(make([]byte, 32000), 16000, 1); d != time.Second {
		t.Errorf("want 1s, got %v", d)
	}
	if d := pcmDuration(nil, 0, 0); d != 0 {
		t.Errorf("want 0 for invalid input, got %v", d)
	}
}
