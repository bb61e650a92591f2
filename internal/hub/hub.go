// Package hub is the SessionHub: the WebSocket front door for live calls and
// the REST surface for history, search, and operations.
//
// Each accepted connection gets one session with a dedicated reader and
// writer goroutine. The reader parses frames and feeds the session's pipeline
// engine; the writer serialises outbound events, assigning each session a
// strictly increasing event_seq with no gaps. Backpressure is handled on both
// sides: a full inbound queue stops the socket read, and an outbound send
// that cannot complete within the configured timeout closes the session as
// overloaded.
package hub

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/config"
	"github.com/calltide/calltide/internal/history"
	"github.com/calltide/calltide/internal/interrupt"
	"github.com/calltide/calltide/internal/observe"
	"github.com/calltide/calltide/internal/pipeline"
	"github.com/calltide/calltide/internal/policy"
	"github.com/calltide/calltide/internal/router"
	"github.com/calltide/calltide/pkg/provider/llm"
	"github.com/calltide/calltide/pkg/provider/stt"
	"github.com/calltide/calltide/pkg/provider/tts"
	"github.com/calltide/calltide/pkg/provider/vad"
	"github.com/calltide/calltide/pkg/types"
)

// handshakeTimeout bounds how long a fresh connection may take to send
// session_start before the hub hangs up.
const handshakeTimeout = 10 * time.Second

// Providers holds the adapter implementations shared by every session. VAD
// may be nil; sessions then rely entirely on client silence hints.
type Providers struct {
	STT stt.Provider
	LLM llm.Provider
	TTS tts.Provider
	VAD vad.Engine
}

// Deps are the subsystems the hub wires into each session.
type Deps struct {
	Providers  Providers
	Interrupts *interrupt.Manager
	Recorder   *history.Writer
	Store      history.Store
	Pools      *pipeline.Pools
}

// Option configures a [Hub].
type Option func(*Hub)

// WithLogger sets the hub's logger.
func WithLogger(log *slog.Logger) Option {
	return func(h *Hub) { h.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub accepts call connections and owns the set of live sessions.
// All exported methods are safe for concurrent use.
type Hub struct {
	cfg     *config.Config
	deps    Deps
	log     *slog.Logger
	metrics *observe.Metrics

	// Hot-reloadable collaborators, guarded by swapMu. Sessions capture the
	// current values at handshake time; a swap affects new sessions only.
	swapMu  sync.RWMutex
	router  *router.Router
	kidSafe *policy.KidSafe

	mu       sync.Mutex
	sessions map[string]*session
	draining bool
}

// New creates a Hub. The router and kid-safe policy are built from cfg and
// can later be swapped by the config watcher.
func New(cfg *config.Config, deps Deps, opts ...Option) *Hub {
	h := &Hub{
		cfg:      cfg,
		deps:     deps,
		log:      slog.Default(),
		metrics:  observe.DefaultMetrics(),
		router:   router.New(cfg.Routing, cfg.Pipeline.LLMTimeoutMs),
		kidSafe:  policy.NewKidSafe(cfg.Policy.ExtraBlockedTerms),
		sessions: make(map[string]*session),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SwapRouter replaces the model router for sessions started from now on.
func (h *Hub) SwapRouter(r *router.Router) {
	h.swapMu.Lock()
	h.router = r
	h.swapMu.Unlock()
}

// SwapBlockedTerms rebuilds the kid-safe policy with a new extra-term list.
func (h *Hub) SwapBlockedTerms(extra []string) {
	h.swapMu.Lock()
	h.kidSafe = policy.NewKidSafe(extra)
	h.swapMu.Unlock()
}

// Load reports the current and maximum session counts.
func (h *Hub) Load() (active, max int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions), h.cfg.Concurrency.MaxSessions
}

// ActiveSessions returns a snapshot of every live session.
func (h *Hub) ActiveSessions() []call.Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]call.Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Interrupt fires an administrative interrupt against a live session. It
// reports false when the session does not exist or nothing was cancellable.
func (h *Hub) Interrupt(ctx context.Context, sessionID string) (found, fired bool) {
	h.mu.Lock()
	s, ok := h.sessions[sessionID]
	h.mu.Unlock()
	if !ok {
		return false, false
	}
	return true, s.engine.HandleInterrupt(ctx, call.InterruptManual)
}

// ServeWS upgrades the request to a WebSocket call connection and runs the
// session until the client hangs up or the server shuts down.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	if !h.admit() {
		http.Error(w, `{"kind":"overloaded","message":"session limit reached"}`,
			http.StatusServiceUnavailable)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debug("websocket accept failed", "error", err)
		return
	}

	sess, err := h.handshake(r, conn)
	if err != nil {
		h.log.Debug("session handshake failed", "error", err)
		conn.Close(websocket.StatusPolicyViolation, "session_start expected")
		return
	}

	h.runSession(r.Context(), sess)
}

// admit reports whether a new connection fits under the session cap.
func (h *Hub) admit() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.draining && len(h.sessions) < h.cfg.Concurrency.MaxSessions
}

// handshake waits for the opening session_start frame and builds the session
// with its pipeline engine.
func (h *Hub) handshake(r *http.Request, conn *websocket.Conn) (*session, error) {
	ctx, cancel := context.WithTimeout(r.Context(), handshakeTimeout)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		return nil, call.Errorf(call.KindTransport, "hub: handshake read: %w", err)
	}
	msg, err := call.ParseClientMessage(data)
	if err != nil {
		return nil, err
	}
	if msg.Type != call.MsgSessionStart {
		return nil, call.Errorf(call.KindProtocol,
			"hub: expected session_start, got %q", msg.Type)
	}
	start := msg.SessionStart

	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		userID = "anonymous"
	}
	language := start.Language
	if language == "" {
		language = h.cfg.Pipeline.Language
	}

	record := call.Session{
		SessionID:   uuid.NewString(),
		UserID:      userID,
		Language:    language,
		KidFriendly: start.KidFriendly || h.cfg.Policy.KidFriendlyDefault,
		ModelHint:   start.ModelHint,
		StartedAt:   time.Now().UTC(),
		Status:      call.StatusConnected,
	}

	s := h.newSession(record, conn)
	if start.SampleRate > 0 && start.SampleRate != h.cfg.Pipeline.SampleRate {
		s.inputRate = start.SampleRate
	}
	return s, nil
}

// newSession assembles the session goroutines' shared state and its engine.
func (h *Hub) newSession(record call.Session, conn *websocket.Conn) *session {
	s := &session{
		hub:         h,
		record:      record,
		conn:        conn,
		inbound:     make(chan call.ClientMessage, h.cfg.Server.InboundQueueSize),
		outbound:    make(chan call.Event, h.cfg.Server.OutboundQueueSize),
		done:        make(chan struct{}),
		stop:        make(chan struct{}),
		sendTimeout: time.Duration(h.cfg.Server.SendTimeoutMs) * time.Millisecond,
		log: h.log.With(
			"session_id", record.SessionID,
			"user_id", record.UserID),
	}

	h.swapMu.RLock()
	rt := h.router
	var pol policy.Policy = policy.Passthrough{}
	if record.KidFriendly {
		pol = h.kidSafe
	}
	h.swapMu.RUnlock()

	opts := []pipeline.Option{
		pipeline.WithPools(h.deps.Pools),
		pipeline.WithMetrics(h.metrics),
		pipeline.WithLogger(s.log),
		pipeline.WithLoad(h.Load),
	}
	if h.deps.Providers.VAD != nil {
		vadSess, err := h.deps.Providers.VAD.NewSession(vad.Config{
			SampleRate:       h.cfg.Pipeline.SampleRate,
			SpeechThreshold:  0.5,
			SilenceThreshold: 0.35,
		})
		if err != nil {
			s.log.Warn("vad session unavailable, relying on client hints", "error", err)
		} else {
			s.vadSession = vadSess
			opts = append(opts, pipeline.WithVADSession(vadSess))
		}
	}

	engineCtx, engineCancel := context.WithCancel(context.Background())
	s.cancelEngine = engineCancel
	s.engine = pipeline.NewEngine(engineCtx, record, pipeline.Config{
		Pipeline:      h.cfg.Pipeline,
		MaxChunkBytes: h.cfg.Server.MaxChunkBytes,
		Voice:         types.VoiceProfile{ID: h.cfg.Providers.TTS.Model},
	}, pipeline.Deps{
		STT:        h.deps.Providers.STT,
		LLM:        h.deps.Providers.LLM,
		TTS:        h.deps.Providers.TTS,
		Router:     rt,
		Policy:     pol,
		Interrupts: h.deps.Interrupts,
		Recorder:   h.deps.Recorder,
		Emit:       s.emit,
	}, opts...)

	return s
}

// runSession registers the session, runs its loops, and tears it down.
func (h *Hub) runSession(ctx context.Context, s *session) {
	h.mu.Lock()
	if h.draining {
		h.mu.Unlock()
		s.teardown(ctx, "shutdown")
		return
	}
	h.sessions[s.record.SessionID] = s
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(ctx, 1)

	if err := h.deps.Recorder.BeginSession(ctx, s.record); err != nil {
		s.log.Warn("begin session persist enqueue failed", "error", err)
	}
	s.log.Info("session started",
		"language", s.record.Language,
		"kid_friendly", s.record.KidFriendly)

	s.run(ctx)

	h.mu.Lock()
	delete(h.sessions, s.record.SessionID)
	h.mu.Unlock()
	h.metrics.ActiveSessions.Add(context.WithoutCancel(ctx), -1)
	h.deps.Interrupts.Untrack(s.record.SessionID)
	s.log.Info("session closed")
}

// Shutdown stops admitting connections and closes every live session with a
// shutdown notice. It returns once all sessions have torn down or ctx ends.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.draining = true
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	var eg errgroup.Group
	for _, s := range open {
		eg.Go(func() error {
			return s.close(ctx, "shutdown")
		})
	}
	if err := eg.Wait(); err != nil {
		h.log.Warn("some sessions did not close before the deadline", "error", err)
	}
}
