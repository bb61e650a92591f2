// Package pipeline turns buffered caller audio into streamed speech replies.
//
// Each live session owns one Engine. The hub's reader goroutine feeds it
// client messages; the engine segments utterances with the client's silence
// hints (falling back to server-side VAD when a chunk carries none), then
// drives the transcribe, generate, synthesize sequence for one turn at a
// time in a dedicated goroutine. Events flow back to the client through the
// emit callback; the hub serialises them and assigns event sequence numbers.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/config"
	"github.com/calltide/calltide/internal/interrupt"
	"github.com/calltide/calltide/internal/observe"
	"github.com/calltide/calltide/internal/policy"
	"github.com/calltide/calltide/internal/router"
	"github.com/calltide/calltide/pkg/audio"
	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/provider/stt"
	"github.com/calltide/calltide/pkg/provider/tts"
	"github.com/calltide/calltide/pkg/provider/vad"
	"github.com/calltide/calltide/pkg/types"
)

// Recorder receives finalized turns for persistence. Satisfied by
// [github.com/calltide/calltide/internal/history.Writer].
type Recorder interface {
	AppendTurn(ctx context.Context, t call.Turn) error
}

// LoadFunc reports current and maximum session counts, for the router's
// escalation headroom check.
type LoadFunc func() (active, max int)

// Config holds the per-engine tunables.
type Config struct {
	Pipeline      config.PipelineConfig
	MaxChunkBytes int

	// Voice is the TTS voice profile for this session.
	Voice types.VoiceProfile
}

// Deps are the collaborators an engine needs. All fields are required.
type Deps struct {
	STT        stt.Provider
	LLM        llm.Provider
	TTS        tts.Provider
	Router     *router.Router
	Policy     policy.Policy
	Interrupts *interrupt.Manager
	Recorder   Recorder

	// Emit hands a finished event to the session's writer. It must not
	// block indefinitely; the hub's writer applies its own send timeout.
	Emit func(call.Event)
}

// Option configures an [Engine].
type Option func(*Engine)

// WithVADSession supplies a server-side VAD session consulted for audio
// chunks that carry no client silence hint.
func WithVADSession(s vad.SessionHandle) Option {
	return func(e *Engine) { e.vadSession = s }
}

// WithPools sets the shared adapter concurrency pools.
func WithPools(p *Pools) Option {
	return func(e *Engine) { e.pools = p }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLoad sets the session-load reporter used for escalation headroom.
func WithLoad(fn LoadFunc) Option {
	return func(e *Engine) { e.load = fn }
}

// Engine orchestrates the turn pipeline for one session.
type Engine struct {
	session call.Session
	cfg     Config
	deps    Deps

	ctx        context.Context
	vadSession vad.SessionHandle
	pools      *Pools
	metrics    *observe.Metrics
	log        *slog.Logger
	now        func() time.Time
	load       LoadFunc

	mu         sync.Mutex
	status     call.Status
	buf        AudioBuffer
	silenceMs  int64
	turnActive bool
	turnDone   chan struct{}
}

// NewEngine builds the engine for a session that has completed session_start.
// ctx scopes every turn the engine runs; cancelling it aborts in-flight work.
func NewEngine(ctx context.Context, sess call.Session, cfg Config, deps Deps, opts ...Option) *Engine {
	e := &Engine{
		session: sess,
		cfg:     cfg,
		deps:    deps,
		ctx:     ctx,
		metrics: observe.DefaultMetrics(),
		log:     slog.Default(),
		now:     time.Now,
		load:    func() (int, int) { return 0, 0 },
		status:  sess.Status,
	}
	for _, opt := range opts {
		opt(e)
	}

	deps.Interrupts.Track(sess.SessionID)
	deps.Interrupts.SetStatus(sess.SessionID, e.status)
	return e
}

// Status returns the session's current lifecycle status.
func (e *Engine) Status() call.Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// HandleMessage routes one inbound client message. session_start, ping and
// session_end are the hub's business and are rejected here.
func (e *Engine) HandleMessage(ctx context.Context, msg call.ClientMessage) error {
	switch msg.Type {
	case call.MsgAudioData:
		return e.IngestAudio(ctx, msg.AudioData)
	case call.MsgUserStopSpeaking:
		e.NotifyUserStopSpeaking(ctx)
		return nil
	case call.MsgInterrupt:
		e.HandleInterrupt(ctx, call.InterruptManual)
		return nil
	default:
		return call.Errorf(call.KindProtocol, "pipeline: unexpected message type %q", msg.Type)
	}
}

// IngestAudio appends one audio chunk, updates voice-activity state, and
// schedules a turn when the end-of-utterance silence window closes.
func (e *Engine) IngestAudio(ctx context.Context, msg *call.AudioDataMessage) error {
	if msg == nil {
		return call.Errorf(call.KindProtocol, "pipeline: audio_data without payload")
	}
	if len(msg.Chunk) > e.cfg.MaxChunkBytes {
		return call.Errorf(call.KindProtocol,
			"pipeline: audio chunk of %d bytes exceeds the %d byte limit",
			len(msg.Chunk), e.cfg.MaxChunkBytes)
	}

	silent := e.classify(msg)
	durMs := audio.DurationMs(len(msg.Chunk), e.cfg.Pipeline.SampleRate)

	if !silent {
		speaking := e.deps.Interrupts.AddVoice(ctx, e.session.SessionID, durMs)

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.status == call.StatusEnding || e.status == call.StatusEnded {
			return nil
		}
		e.buf.Append(msg.Chunk)
		e.silenceMs = 0
		if speaking && !e.turnActive &&
			(e.status == call.StatusConnected || e.status == call.StatusSpeakingAI) {
			e.setStatusLocked(call.StatusSpeakingUser)
		}
		return nil
	}

	e.deps.Interrupts.StopUserSpeaking(e.session.SessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() == 0 {
		// Leading silence carries no utterance.
		return nil
	}
	e.buf.Append(msg.Chunk)
	e.silenceMs += durMs
	e.maybeStartTurnLocked()
	return nil
}

// NotifyUserStopSpeaking short-circuits the silence window and starts the
// turn immediately if an utterance is buffered.
func (e *Engine) NotifyUserStopSpeaking(ctx context.Context) {
	e.deps.Interrupts.StopUserSpeaking(e.session.SessionID)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf.Len() == 0 {
		return
	}
	e.silenceMs = int64(e.cfg.Pipeline.EndOfUtteranceMs)
	e.maybeStartTurnLocked()
}

// HandleInterrupt requests cancellation of the in-flight turn. Returns true
// when an interrupt actually fired; false when no turn was cancellable.
func (e *Engine) HandleInterrupt(ctx context.Context, kind call.InterruptKind) bool {
	return e.deps.Interrupts.TriggerInterrupt(ctx, e.session.SessionID, kind)
}

// Shutdown finalizes the session: any in-flight turn is interrupted as
// system-initiated and the engine waits for it to settle or ctx to expire.
func (e *Engine) Shutdown(ctx context.Context) {
	e.mu.Lock()
	e.setStatusLocked(call.StatusEnding)
	done := e.turnDone
	e.mu.Unlock()

	e.deps.Interrupts.TriggerInterrupt(ctx, e.session.SessionID, call.InterruptSystem)
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	e.mu.Lock()
	e.setStatusLocked(call.StatusEnded)
	e.mu.Unlock()
}

// WaitIdle blocks until no turn is in flight or ctx expires.
func (e *Engine) WaitIdle(ctx context.Context) error {
	for {
		e.mu.Lock()
		done := e.turnDone
		active := e.turnActive
		e.mu.Unlock()
		if !active {
			return nil
		}
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// classify decides whether a chunk is silence. The client hint wins when
// present; otherwise the server VAD is consulted; with neither, the chunk
// counts as voice.
func (e *Engine) classify(msg *call.AudioDataMessage) bool {
	if msg.IsSilence != nil {
		return *msg.IsSilence
	}
	if e.vadSession == nil {
		return false
	}
	event, err := e.vadSession.ProcessFrame(msg.Chunk)
	if err != nil {
		e.log.Debug("vad frame rejected", "session_id", e.session.SessionID, "error", err)
		return false
	}
	return event.Type == types.VADSilence || event.Type == types.VADSpeechEnd
}

// maybeStartTurnLocked starts a turn once the end-of-utterance window has
// closed. A session has at most one in-flight turn: when the window closes
// while a turn is still running, that turn is cancelled and the buffered
// utterance starts from finishTurn once it settles. Callers hold e.mu.
func (e *Engine) maybeStartTurnLocked() {
	if e.buf.Len() == 0 {
		return
	}
	if e.status == call.StatusEnding || e.status == call.StatusEnded {
		return
	}
	if e.silenceMs < int64(e.cfg.Pipeline.EndOfUtteranceMs) {
		return
	}
	if e.turnActive {
		e.deps.Interrupts.TriggerInterrupt(e.ctx, e.session.SessionID, call.InterruptAuto)
		return
	}
	e.startTurnLocked(e.buf.Drain())
}

// startTurnLocked launches the turn goroutine. Callers hold e.mu.
func (e *Engine) startTurnLocked(utterance []byte) {
	// Short utterances can close before the speaking flag ever latched.
	// Either way the user has the floor when the turn starts.
	if e.status == call.StatusConnected || e.status == call.StatusSpeakingAI {
		e.setStatusLocked(call.StatusSpeakingUser)
	}
	e.silenceMs = 0
	e.turnActive = true
	e.turnDone = make(chan struct{})
	go e.runTurn(utterance)
}

// finishTurn clears the in-flight marker and starts the utterance that
// cancelled this turn, if one closed while it was running.
func (e *Engine) finishTurn() {
	e.mu.Lock()
	e.turnActive = false
	close(e.turnDone)
	e.maybeStartTurnLocked()
	e.mu.Unlock()
}

// setStatusLocked applies a status transition if legal. Callers hold e.mu.
func (e *Engine) setStatusLocked(next call.Status) bool {
	if e.status == next {
		return true
	}
	if !e.status.CanTransitionTo(next) {
		e.log.Debug("status transition rejected",
			"session_id", e.session.SessionID,
			"from", e.status,
			"to", next)
		return false
	}
	e.status = next
	e.deps.Interrupts.SetStatus(e.session.SessionID, next)
	return true
}

func (e *Engine) setStatus(next call.Status) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.setStatusLocked(next)
}

func (e *Engine) emit(typ call.EventType, payload any) {
	e.deps.Emit(call.Event{
		Type:      typ,
		SessionID: e.session.SessionID,
		Payload:   payload,
	})
}

func (e *Engine) emitError(kind call.ErrorKind, msg string) {
	e.emit(call.EvError, call.ErrorEvent{
		Kind:        kind,
		Message:     msg,
		Recoverable: kind.Recoverable(),
	})
}
