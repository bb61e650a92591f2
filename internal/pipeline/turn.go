package pipeline

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/interrupt"
	"github.com/calltide/calltide/internal/observe"
	"github.com/calltide/calltide/internal/policy"
	"github.com/calltide/calltide/internal/router"
	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/provider/stt"
	"github.com/calltide/calltide/pkg/types"
)

// reply accumulates the outcome of the LLM and TTS stages.
type reply struct {
	text             string
	emitted          bool
	llmMs            int64
	ttsMs            int64
	audioChunks      int
	audioUnavailable bool
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}

// runTurn drives one utterance through transcribe, policy, generate, and
// synthesize, then finalizes and persists the turn. It runs in its own
// goroutine; exactly one runTurn is live per session.
func (e *Engine) runTurn(utterance []byte) {
	defer e.finishTurn()
	bg := context.WithoutCancel(e.ctx)

	bg, span := observe.TurnSpan(bg, e.session.SessionID)
	defer span.End()

	e.setStatus(call.StatusThinking)

	token := interrupt.NewToken(e.ctx)
	if err := e.deps.Interrupts.RegisterCancellable(e.session.SessionID, token); err != nil {
		e.log.Warn("turn dropped, session no longer tracked",
			"session_id", e.session.SessionID, "error", err)
		return
	}
	defer token.Release()

	turnCtx := token.Context()
	start := e.now()

	userText, sttMs, err := e.transcribe(turnCtx, utterance)
	if err != nil {
		e.abortTurn(bg, token, call.KindSTT, err)
		return
	}

	e.emit(call.EvTranscription, call.TranscriptionEvent{Text: userText, IsFinal: true})
	if strings.TrimSpace(userText) == "" {
		// An empty utterance produces no turn.
		token.Complete()
		e.metrics.RecordTurn(bg, "empty")
		e.setStatus(call.StatusSpeakingUser)
		return
	}

	turn := call.Turn{
		TurnID:    uuid.NewString(),
		SessionID: e.session.SessionID,
		UserText:  userText,
		StartedAt: start,
	}
	flags := policy.Flags{
		KidFriendly: e.session.KidFriendly,
		Language:    e.language(),
	}

	var r reply
	if decision := e.deps.Policy.FilterIn(userText, flags); !decision.Allowed {
		e.metrics.RecordPolicyRejection(bg)
		turn.PolicyRedirected = true
		e.speakText(turnCtx, start, decision.Text, &r)
	} else if err := e.generate(turnCtx, start, userText, flags, &r); err != nil {
		e.abortTurn(bg, token, call.KindLLM, err)
		return
	}

	turn.FinishedAt = e.now()
	turn.AIText = r.text
	turn.Timings = call.Timings{STTMs: sttMs, LLMMs: r.llmMs, TTSMs: r.ttsMs}

	outcome := "completed"
	if !token.Complete() {
		_, kind := token.Outcome()
		turn.Interrupted = true
		turn.InterruptKind = kind
		outcome = "interrupted"
		e.emit(call.EvInterruptConfirmed, call.InterruptConfirmedEvent{Kind: kind})
	}
	span.SetAttributes(
		attribute.String("turn_id", turn.TurnID),
		attribute.String("outcome", outcome),
	)

	e.emit(call.EvAIResponseComplete, call.AIResponseCompleteEvent{
		TurnID:           turn.TurnID,
		Text:             turn.AIText,
		Interrupted:      turn.Interrupted,
		InterruptKind:    turn.InterruptKind,
		Timings:          turn.Timings,
		AudioUnavailable: r.audioUnavailable,
	})

	// Persist failures stay server-side; the writer retries and the client
	// never sees them.
	if err := e.deps.Recorder.AppendTurn(bg, turn); err != nil {
		e.log.Warn("turn persist enqueue failed",
			"session_id", e.session.SessionID,
			"turn_id", turn.TurnID,
			"error", err)
	}
	e.metrics.RecordTurn(bg, outcome)

	if turn.Interrupted {
		e.setStatus(call.StatusSpeakingUser)
	}
}

// abortTurn closes a turn that never reached a final reply. An interrupt
// racing the failure wins: the client sees interrupt_confirmed, not an
// error. Nothing is persisted either way.
func (e *Engine) abortTurn(ctx context.Context, token *interrupt.Token, kind call.ErrorKind, err error) {
	if !token.Complete() {
		if _, ik := token.Outcome(); ik != "" {
			e.emit(call.EvInterruptConfirmed, call.InterruptConfirmedEvent{Kind: ik})
			e.metrics.RecordTurn(ctx, "interrupted")
			e.setStatus(call.StatusSpeakingUser)
			return
		}
	}

	e.log.Warn("turn failed",
		"session_id", e.session.SessionID,
		"stage", kind,
		"error", err)
	e.emitError(kind, err.Error())
	e.metrics.RecordTurn(ctx, "failed")
	e.setStatus(call.StatusSpeakingUser)
}

func (e *Engine) language() string {
	if e.session.Language != "" {
		return e.session.Language
	}
	return e.cfg.Pipeline.Language
}

// transcribe runs STT over the utterance, emitting partial transcription
// events as they arrive. The final transcript text is returned, not emitted;
// runTurn emits exactly one final transcription event per utterance.
func (e *Engine) transcribe(ctx context.Context, utterance []byte) (string, int64, error) {
	release, err := e.pools.AcquireSTT(ctx)
	if err != nil {
		return "", 0, err
	}
	defer release()

	sttCtx, cancel := context.WithTimeout(ctx, ms(e.cfg.Pipeline.STTTimeoutMs))
	defer cancel()

	start := e.now()
	results, err := e.deps.STT.Transcribe(sttCtx, utterance, stt.Config{
		SampleRate: e.cfg.Pipeline.SampleRate,
		Channels:   1,
		Language:   e.language(),
	})
	if err != nil {
		e.metrics.RecordProviderError(ctx, e.deps.STT.Name(), "stt")
		return "", 0, fmt.Errorf("pipeline: transcribe: %w", err)
	}

	var final string
	for {
		select {
		case <-sttCtx.Done():
			return "", 0, fmt.Errorf("pipeline: transcribe: %w", context.Cause(sttCtx))
		case res, ok := <-results:
			if !ok {
				elapsed := e.now().Sub(start)
				e.metrics.STTDuration.Record(ctx, elapsed.Seconds())
				e.metrics.RecordProviderRequest(ctx, e.deps.STT.Name(), "stt", "ok")
				return final, elapsed.Milliseconds(), nil
			}
			if res.Err != nil {
				e.metrics.RecordProviderError(ctx, e.deps.STT.Name(), "stt")
				return "", 0, fmt.Errorf("pipeline: transcribe: %w", res.Err)
			}
			if res.Transcript.IsFinal {
				final = res.Transcript.Text
			} else {
				e.emit(call.EvTranscription, call.TranscriptionEvent{
					Text:    res.Transcript.Text,
					IsFinal: false,
				})
			}
		}
	}
}

// generate streams the LLM reply through the policy output filter into both
// the client event stream and TTS synthesis. The default model gets one
// retry on the fallback model; a failure after reply text has already been
// emitted is final, since replayed text would break the chunk concatenation
// contract.
func (e *Engine) generate(ctx context.Context, turnStart time.Time, userText string, flags policy.Flags, r *reply) error {
	release, err := e.pools.AcquireLLM(ctx)
	if err != nil {
		return err
	}
	defer release()

	active, max := e.load()
	out := e.deps.Policy.NewOutStream(flags)

	synth := e.newSynth(ctx, turnStart)
	defer synth.finish(ctx, r)

	llmStart := e.now()
	defer func() {
		r.llmMs = e.now().Sub(llmStart).Milliseconds()
		e.metrics.LLMDuration.Record(context.WithoutCancel(ctx), e.now().Sub(llmStart).Seconds())
	}()

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		choice := e.deps.Router.Choose(router.Context{
			Prompt:         userText,
			Language:       flags.Language,
			KidFriendly:    flags.KidFriendly,
			ModelHint:      e.session.ModelHint,
			Attempt:        attempt,
			ActiveSessions: active,
			MaxSessions:    max,
		})

		llmCtx, cancel := context.WithTimeout(ctx, ms(int(choice.TimeoutMs)))
		chunks, err := e.deps.LLM.StreamCompletion(llmCtx, llm.CompletionRequest{
			Messages:     []types.Message{{Role: "user", Content: userText}},
			Model:        choice.ModelID,
			MaxTokens:    choice.MaxTokens,
			SystemPrompt: systemPrompt(flags),
		})
		if err == nil {
			err = e.consumeLLM(llmCtx, chunks, out, synth, r)
		}
		cancel()

		if err == nil {
			e.metrics.RecordProviderRequest(ctx, choice.ModelID, "llm", "ok")
			e.flushReply(ctx, out, synth, r)
			return nil
		}
		if ctx.Err() != nil {
			// Interrupted or torn down: finalize the partial reply.
			e.flushReply(ctx, out, synth, r)
			return nil
		}

		e.metrics.RecordProviderError(ctx, choice.ModelID, "llm")
		lastErr = err
		if r.emitted {
			// Text already reached the client; a retry would replay it.
			break
		}
	}
	return fmt.Errorf("pipeline: generate: %w", lastErr)
}

// flushReply drains the policy filter's held-back text and closes the reply
// stream with a final llm_response_chunk marker.
func (e *Engine) flushReply(ctx context.Context, out policy.OutStream, synth *synth, r *reply) {
	tail := out.Flush()
	if tail != "" {
		r.text += tail
		synth.push(ctx, tail)
	}
	e.emit(call.EvLLMResponseChunk, call.LLMResponseChunkEvent{Content: tail, IsFinal: true})
}

func (e *Engine) consumeLLM(ctx context.Context, chunks <-chan llm.Chunk, out policy.OutStream, synth *synth, r *reply) error {
	for {
		select {
		case <-ctx.Done():
			return context.Cause(ctx)
		case chunk, ok := <-chunks:
			if !ok {
				return nil
			}
			if chunk.FinishReason == "error" {
				return fmt.Errorf("stream error: %s", chunk.Text)
			}
			if chunk.Text == "" {
				continue
			}
			text := out.Filter(chunk.Text)
			if text == "" {
				continue
			}
			if !r.emitted {
				e.setStatus(call.StatusSpeakingAI)
			}
			e.emit(call.EvLLMResponseChunk, call.LLMResponseChunkEvent{Content: text})
			r.text += text
			r.emitted = true
			synth.push(ctx, text)
		}
	}
}

// speakText emits a fixed reply (the policy redirect) through the normal
// chunk and synthesis path so the client sees an ordinary turn.
func (e *Engine) speakText(ctx context.Context, turnStart time.Time, text string, r *reply) {
	synth := e.newSynth(ctx, turnStart)

	e.setStatus(call.StatusSpeakingAI)
	e.emit(call.EvLLMResponseChunk, call.LLMResponseChunkEvent{Content: text})
	r.text = text
	r.emitted = true
	synth.push(ctx, text)
	e.emit(call.EvLLMResponseChunk, call.LLMResponseChunkEvent{IsFinal: true})

	synth.finish(ctx, r)
}

// systemPrompt builds the conversational instruction for the session's
// flags.
func systemPrompt(flags policy.Flags) string {
	var b strings.Builder
	b.WriteString("You are a friendly voice assistant on a phone call. " +
		"Keep replies short and conversational; they will be spoken aloud.")
	if flags.KidFriendly {
		b.WriteString(" The caller is a child. Use simple words, stay cheerful," +
			" and never discuss violence, weapons, or other frightening topics.")
	}
	if flags.Language != "" && flags.Language != "en" {
		fmt.Fprintf(&b, " Reply in the language with BCP-47 tag %q.", flags.Language)
	}
	return b.String()
}

// synth feeds text fragments to TTS and relays the resulting audio chunks to
// the client. When TTS cannot start, the turn degrades to text only and the
// reply is flagged audio_unavailable.
type synth struct {
	e       *Engine
	textCh  chan string
	done    chan struct{}
	release func()

	enabled  bool
	closed   bool
	start    time.Time
	chunks   atomic.Int32
	failed   bool
	finished bool
}

// newSynth opens the TTS stream and starts the audio relay goroutine.
func (e *Engine) newSynth(ctx context.Context, turnStart time.Time) *synth {
	s := &synth{
		e:      e,
		textCh: make(chan string, 16),
		done:   make(chan struct{}),
		start:  e.now(),
	}

	release, err := e.pools.AcquireTTS(ctx)
	if err != nil {
		s.failed = true
		close(s.done)
		return s
	}
	s.release = release

	ttsCtx, cancel := context.WithTimeout(ctx, ms(e.cfg.Pipeline.TTSTimeoutMs))
	audio, err := e.deps.TTS.SynthesizeStream(ttsCtx, s.textCh, e.cfg.Voice)
	if err != nil {
		cancel()
		release()
		s.release = nil
		s.failed = true
		close(s.done)
		e.metrics.RecordProviderError(ctx, e.deps.TTS.Name(), "tts")
		e.log.Warn("tts unavailable, degrading to text only",
			"session_id", e.session.SessionID, "error", err)
		return s
	}

	s.enabled = true
	go func() {
		defer close(s.done)
		defer cancel()
		for chunk := range audio {
			index := int(s.chunks.Load())
			if index == 0 {
				latency := e.now().Sub(turnStart)
				e.metrics.FirstAudioLatency.Record(ttsCtx, latency.Seconds())
				if latency > ms(e.cfg.Pipeline.FirstAudioTargetMs) {
					e.log.Debug("first audio over target",
						"session_id", e.session.SessionID,
						"latency_ms", latency.Milliseconds())
				}
			}
			e.emit(call.EvStreamingAudioChunk, call.StreamingAudioChunkEvent{
				ChunkIndex: index,
				Audio:      chunk,
			})
			s.chunks.Add(1)
		}
	}()
	return s
}

// push offers one text fragment to synthesis. Dropped when TTS is down or
// the turn context has ended.
func (s *synth) push(ctx context.Context, text string) {
	if !s.enabled || s.closed {
		return
	}
	select {
	case s.textCh <- text:
	case <-ctx.Done():
	case <-s.done:
	}
}

// finish closes the text stream, waits for the audio relay to drain, and
// writes the synthesis outcome into r. Safe to call more than once.
func (s *synth) finish(ctx context.Context, r *reply) {
	if s.finished {
		return
	}
	s.finished = true

	if !s.closed {
		s.closed = true
		close(s.textCh)
	}
	select {
	case <-s.done:
	case <-time.After(ms(s.e.cfg.Pipeline.TTSTimeoutMs)):
	}
	if s.release != nil {
		s.release()
	}

	emitted := int(s.chunks.Load())
	r.ttsMs = s.e.now().Sub(s.start).Milliseconds()
	r.audioChunks = emitted
	r.audioUnavailable = s.failed || emitted == 0
	if s.enabled {
		s.e.metrics.TTSDuration.Record(context.WithoutCancel(ctx), s.e.now().Sub(s.start).Seconds())
		if emitted > 0 {
			s.e.emit(call.EvStreamingAudioChunk, call.StreamingAudioChunkEvent{
				ChunkIndex: emitted,
				IsFinal:    true,
			})
		}
	}
}
