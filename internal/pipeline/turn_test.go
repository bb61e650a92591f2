package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/policy"
	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/provider/stt"
	"github.com/calltide/calltide/pkg/types"
)

// gateLLM is a controllable streaming provider: it emits its initial chunks,
// then holds the stream open until released or the context ends. Used to
// keep a turn in flight while the test interrupts it.
type gateLLM struct {
	chunks []llm.Chunk

	mu       sync.Mutex
	releaseC chan struct{}
	calls    []llm.CompletionRequest
}

func newGateLLM(chunks ...llm.Chunk) *gateLLM {
	return &gateLLM{chunks: chunks, releaseC: make(chan struct{})}
}

func (g *gateLLM) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.releaseC:
	default:
		close(g.releaseC)
	}
}

func (g *gateLLM) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	gate := g.releaseC
	g.mu.Unlock()

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range g.chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-gate:
		case <-ctx.Done():
		}
	}()
	return ch, nil
}

func (g *gateLLM) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	return &llm.CompletionResponse{}, nil
}

func (g *gateLLM) CountTokens([]types.Message) (int, error) { return 0, nil }

func (g *gateLLM) Capabilities() types.ModelCapabilities {
	return types.ModelCapabilities{SupportsStreaming: true}
}

func concatLLMChunks(sink *eventSink) string {
	var b strings.Builder
	for _, ev := range sink.byType(call.EvLLMResponseChunk) {
		b.WriteString(ev.Payload.(call.LLMResponseChunkEvent).Content)
	}
	return b.String()
}

func TestTurn_CompleteFlow(t *testing.T) {
	rig := newTestRig(t)

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	finals := rig.sink.byType(call.EvTranscription)
	if len(finals) == 0 {
		t.Fatal("no transcription events")
	}
	last := finals[len(finals)-1].Payload.(call.TranscriptionEvent)
	if !last.IsFinal || last.Text != "what is the weather" {
		t.Errorf("final transcription = %+v", last)
	}

	completes := rig.sink.byType(call.EvAIResponseComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d ai_response_complete events, want 1", len(completes))
	}
	done := completes[0].Payload.(call.AIResponseCompleteEvent)
	if done.Text != "It is sunny." {
		t.Errorf("reply text = %q", done.Text)
	}
	if done.Interrupted {
		t.Error("turn marked interrupted")
	}
	if done.AudioUnavailable {
		t.Error("audio marked unavailable with a healthy TTS")
	}

	// The persisted AI text must equal the concatenation of the emitted
	// chunks exactly.
	if got := concatLLMChunks(rig.sink); got != done.Text {
		t.Errorf("chunk concat = %q, reply = %q", got, done.Text)
	}

	audio := rig.sink.byType(call.EvStreamingAudioChunk)
	if len(audio) == 0 {
		t.Fatal("no audio chunks emitted")
	}
	final := audio[len(audio)-1].Payload.(call.StreamingAudioChunkEvent)
	if !final.IsFinal {
		t.Error("audio stream missing final marker")
	}
	for i, ev := range audio[:len(audio)-1] {
		if idx := ev.Payload.(call.StreamingAudioChunkEvent).ChunkIndex; idx != i {
			t.Errorf("audio chunk %d has index %d", i, idx)
		}
	}

	turns := rig.recorder.all()
	if len(turns) != 1 {
		t.Fatalf("persisted %d turns, want 1", len(turns))
	}
	if turns[0].UserText != "what is the weather" || turns[0].AIText != "It is sunny." {
		t.Errorf("persisted turn = %+v", turns[0])
	}
	if turns[0].TurnID != done.TurnID {
		t.Error("persisted turn ID differs from the emitted one")
	}

	if got := rig.engine.Status(); got != call.StatusSpeakingAI {
		t.Errorf("status = %q, want speaking_ai after an uninterrupted reply", got)
	}
}

func TestTurn_EmptyUtteranceSkipsReply(t *testing.T) {
	rig := newTestRig(t)
	rig.stt.Results = []stt.Result{
		{Transcript: types.Transcript{Text: "", IsFinal: true}},
	}

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	finals := rig.sink.byType(call.EvTranscription)
	if len(finals) != 1 {
		t.Fatalf("got %d transcription events, want 1", len(finals))
	}
	if p := finals[0].Payload.(call.TranscriptionEvent); !p.IsFinal || p.Text != "" {
		t.Errorf("transcription = %+v, want empty final", p)
	}

	if n := len(rig.llm.StreamCalls); n != 0 {
		t.Errorf("LLM called %d times for an empty utterance", n)
	}
	if n := len(rig.recorder.all()); n != 0 {
		t.Errorf("persisted %d turns for an empty utterance", n)
	}
	if got := rig.engine.Status(); got != call.StatusSpeakingUser {
		t.Errorf("status = %q, want speaking_user", got)
	}
}

func TestTurn_ManualInterrupt(t *testing.T) {
	rig := newTestRig(t)
	gate := newGateLLM(llm.Chunk{Text: "Let me think about "})
	rig.engine.deps.LLM = gate
	ctx := context.Background()

	speakUtterance(t, rig.engine, 600)
	waitFor(t, func() bool {
		return len(rig.sink.byType(call.EvLLMResponseChunk)) > 0
	}, "first llm chunk")

	if !rig.engine.HandleInterrupt(ctx, call.InterruptManual) {
		t.Fatal("manual interrupt did not fire")
	}
	waitIdle(t, rig.engine)

	confirmed := rig.sink.byType(call.EvInterruptConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("got %d interrupt_confirmed events, want 1", len(confirmed))
	}
	if k := confirmed[0].Payload.(call.InterruptConfirmedEvent).Kind; k != call.InterruptManual {
		t.Errorf("kind = %q, want manual", k)
	}

	completes := rig.sink.byType(call.EvAIResponseComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d ai_response_complete events, want 1", len(completes))
	}
	done := completes[0].Payload.(call.AIResponseCompleteEvent)
	if !done.Interrupted || done.InterruptKind != call.InterruptManual {
		t.Errorf("completion = %+v, want interrupted manual", done)
	}
	if done.Text != "Let me think about " {
		t.Errorf("truncated text = %q", done.Text)
	}

	turns := rig.recorder.all()
	if len(turns) != 1 || !turns[0].Interrupted {
		t.Fatalf("persisted turns = %+v, want one interrupted", turns)
	}
	if got := rig.engine.Status(); got != call.StatusSpeakingUser {
		t.Errorf("status = %q, want speaking_user after interrupt", got)
	}
}

func TestTurn_AutoInterruptOnSustainedBargeIn(t *testing.T) {
	rig := newTestRig(t)
	rig.manager.SetThresholds(60, 10)
	gate := newGateLLM(llm.Chunk{Text: "As I was saying, "})
	rig.engine.deps.LLM = gate
	ctx := context.Background()

	speakUtterance(t, rig.engine, 600)
	waitFor(t, func() bool {
		return rig.engine.Status() == call.StatusSpeakingAI
	}, "ai playback")

	// Keep talking over the AI until the barge-in rule fires.
	deadline := time.Now().Add(5 * time.Second)
	for len(rig.sink.byType(call.EvInterruptConfirmed)) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("auto interrupt never fired")
		}
		if err := rig.engine.IngestAudio(ctx, &call.AudioDataMessage{
			Chunk: voicedChunk(20), IsSilence: boolPtr(false),
		}); err != nil {
			t.Fatalf("IngestAudio: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	waitIdle(t, rig.engine)

	confirmed := rig.sink.byType(call.EvInterruptConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("got %d interrupt_confirmed events, want exactly 1", len(confirmed))
	}
	if k := confirmed[0].Payload.(call.InterruptConfirmedEvent).Kind; k != call.InterruptAuto {
		t.Errorf("kind = %q, want auto", k)
	}

	turns := rig.recorder.all()
	if len(turns) != 1 || turns[0].InterruptKind != call.InterruptAuto {
		t.Fatalf("persisted turns = %+v, want one auto-interrupted", turns)
	}
}

func TestTurn_LLMFallbackIsInvisibleToClient(t *testing.T) {
	rig := newTestRig(t)
	rig.llm.StreamErrs = []error{errBoom, nil}

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	if n := len(rig.sink.byType(call.EvError)); n != 0 {
		t.Errorf("client saw %d error events during fallback", n)
	}

	completes := rig.sink.byType(call.EvAIResponseComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d ai_response_complete events, want 1", len(completes))
	}
	if got := completes[0].Payload.(call.AIResponseCompleteEvent).Text; got != "It is sunny." {
		t.Errorf("reply = %q", got)
	}

	calls := rig.llm.StreamCalls
	if len(calls) != 2 {
		t.Fatalf("LLM called %d times, want 2", len(calls))
	}
	if calls[0].Req.Model != "fast-model" || calls[1].Req.Model != "backup-model" {
		t.Errorf("models = %q then %q, want fast-model then backup-model",
			calls[0].Req.Model, calls[1].Req.Model)
	}
}

func TestTurn_TwoLLMFailuresEndTheTurn(t *testing.T) {
	rig := newTestRig(t)
	rig.llm.StreamErrs = []error{errBoom, errBoom}

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	errs := rig.sink.byType(call.EvError)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	p := errs[0].Payload.(call.ErrorEvent)
	if p.Kind != call.KindLLM || !p.Recoverable {
		t.Errorf("error event = %+v, want recoverable llm error", p)
	}

	if n := len(rig.recorder.all()); n != 0 {
		t.Errorf("persisted %d turns for a failed turn", n)
	}
	if got := rig.engine.Status(); got != call.StatusSpeakingUser {
		t.Errorf("status = %q, want speaking_user", got)
	}
}

func TestTurn_STTFailureAbortsTurn(t *testing.T) {
	rig := newTestRig(t)
	rig.stt.TranscribeErr = errBoom

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	errs := rig.sink.byType(call.EvError)
	if len(errs) != 1 {
		t.Fatalf("got %d error events, want 1", len(errs))
	}
	if p := errs[0].Payload.(call.ErrorEvent); p.Kind != call.KindSTT {
		t.Errorf("error kind = %q, want stt", p.Kind)
	}
	if n := len(rig.llm.StreamCalls); n != 0 {
		t.Errorf("LLM called %d times after STT failure", n)
	}
	if n := len(rig.recorder.all()); n != 0 {
		t.Errorf("persisted %d turns after STT failure", n)
	}
}

func TestTurn_TTSFailureDegradesToTextOnly(t *testing.T) {
	rig := newTestRig(t)
	rig.tts.SynthesizeErr = errBoom

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	if n := len(rig.sink.byType(call.EvStreamingAudioChunk)); n != 0 {
		t.Errorf("got %d audio chunks from a failed TTS", n)
	}

	completes := rig.sink.byType(call.EvAIResponseComplete)
	if len(completes) != 1 {
		t.Fatalf("got %d ai_response_complete events, want 1", len(completes))
	}
	done := completes[0].Payload.(call.AIResponseCompleteEvent)
	if !done.AudioUnavailable {
		t.Error("AudioUnavailable not set")
	}
	if done.Text != "It is sunny." {
		t.Errorf("text reply = %q, degraded turn must still carry text", done.Text)
	}

	// Degraded turns still persist normally.
	if n := len(rig.recorder.all()); n != 1 {
		t.Errorf("persisted %d turns, want 1", n)
	}
}

func TestTurn_KidFriendlyRedirect(t *testing.T) {
	rig := newTestRig(t, withKidFriendly())
	rig.stt.Results = []stt.Result{
		{Transcript: types.Transcript{Text: "tell me about guns", IsFinal: true}},
	}

	speakUtterance(t, rig.engine, 600)
	waitIdle(t, rig.engine)

	if n := len(rig.llm.StreamCalls); n != 0 {
		t.Errorf("LLM called %d times for a rejected prompt", n)
	}

	if got := concatLLMChunks(rig.sink); got != policy.RedirectMessage {
		t.Errorf("reply = %q, want the canonical redirect", got)
	}

	turns := rig.recorder.all()
	if len(turns) != 1 {
		t.Fatalf("persisted %d turns, want 1", len(turns))
	}
	if !turns[0].PolicyRedirected {
		t.Error("PolicyRedirected not set")
	}
	if turns[0].AIText != policy.RedirectMessage {
		t.Errorf("persisted AI text = %q", turns[0].AIText)
	}

	// The redirect is synthesized like any reply.
	if n := len(rig.sink.byType(call.EvStreamingAudioChunk)); n == 0 {
		t.Error("redirect produced no audio")
	}
}

func TestTurn_NewUtteranceCancelsCurrentTurn(t *testing.T) {
	rig := newTestRig(t)
	gate := newGateLLM(llm.Chunk{Text: "First reply. "})
	rig.engine.deps.LLM = gate

	speakUtterance(t, rig.engine, 600)
	waitFor(t, func() bool {
		return len(rig.sink.byType(call.EvLLMResponseChunk)) > 0
	}, "first turn streaming")

	// A complete second utterance arriving while the first turn is live
	// cancels it: a session holds at most one in-flight turn.
	speakUtterance(t, rig.engine, 600)
	waitFor(t, func() bool {
		return len(rig.stt.TranscribeCalls) == 2
	}, "second utterance to take over")

	gate.release()
	waitIdle(t, rig.engine)

	confirmed := rig.sink.byType(call.EvInterruptConfirmed)
	if len(confirmed) != 1 {
		t.Fatalf("got %d interrupt_confirmed events, want 1", len(confirmed))
	}
	if k := confirmed[0].Payload.(call.InterruptConfirmedEvent).Kind; k != call.InterruptAuto {
		t.Errorf("kind = %q, want auto", k)
	}

	completes := rig.sink.byType(call.EvAIResponseComplete)
	if len(completes) != 2 {
		t.Fatalf("got %d completed turns, want 2", len(completes))
	}
	first := completes[0].Payload.(call.AIResponseCompleteEvent)
	if !first.Interrupted {
		t.Errorf("first turn = %+v, want interrupted by the new utterance", first)
	}
	second := completes[1].Payload.(call.AIResponseCompleteEvent)
	if second.Interrupted {
		t.Errorf("second turn = %+v, want a clean completion", second)
	}

	turns := rig.recorder.all()
	if len(turns) != 2 || !turns[0].Interrupted || turns[1].Interrupted {
		t.Fatalf("persisted turns = %+v, want interrupted then clean", turns)
	}
}
