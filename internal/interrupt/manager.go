// Package interrupt arbitrates who holds the floor in a voice session and
// coordinates cancellation of in-flight turns.
//
// The Manager keeps one entry per live session, guarded by a per-entry lock
// so sessions never contend with each other. The pipeline feeds it voice
// activity and status changes; the manager decides when the user counts as
// speaking and when sustained barge-in over AI playback must auto-interrupt
// the current turn.
package interrupt

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/observe"
)

// ErrUnknownSession is returned when an operation names a session the
// manager is not tracking.
var ErrUnknownSession = errors.New("interrupt: unknown session")

// entry is the per-session speaking and cancellation state.
type entry struct {
	mu sync.Mutex

	status call.Status

	// onset is when the current contiguous run of voice began; zero while
	// the user is silent.
	onset time.Time

	// bargeStart is when the current voice run began overlapping AI
	// playback. Zero outside speaking_ai or while the user is silent; the
	// auto-interrupt window is measured from here, not from onset, so
	// speech during the thinking phase never counts toward barge-in.
	bargeStart time.Time

	// voicedMs is the accumulated voiced audio within the current run.
	voicedMs int64

	// speaking latches once voicedMs crosses the minimum speech duration
	// and resets when the run ends.
	speaking bool

	token *Token

	// autoFired guards the one-auto-interrupt-per-turn rule. Reset when a
	// new token is registered.
	autoFired bool

	lastRecord *call.InterruptRecord
}

// Option configures a [Manager].
type Option func(*Manager)

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the manager's logger.
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithMetrics sets the metrics sink.
func WithMetrics(metrics *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = metrics }
}

// Manager tracks user speaking state per session and owns the cancellation
// tokens of in-flight turns. Safe for concurrent use.
type Manager struct {
	log     *slog.Logger
	metrics *observe.Metrics
	now     func() time.Time

	mu      sync.RWMutex
	entries map[string]*entry

	cfgMu           sync.RWMutex
	autoInterruptMs int64
	minSpeechMs     int64
}

// NewManager returns a manager enforcing the given barge-in thresholds:
// an auto-interrupt fires after autoInterruptMs of continuous speech over AI
// playback, and the user only counts as speaking after minSpeechMs of voiced
// audio.
func NewManager(autoInterruptMs, minSpeechMs int, opts ...Option) *Manager {
	m := &Manager{
		log:             slog.Default(),
		metrics:         observe.DefaultMetrics(),
		now:             time.Now,
		entries:         make(map[string]*entry),
		autoInterruptMs: int64(autoInterruptMs),
		minSpeechMs:     int64(minSpeechMs),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetThresholds replaces the barge-in thresholds, for config hot reload.
func (m *Manager) SetThresholds(autoInterruptMs, minSpeechMs int) {
	m.cfgMu.Lock()
	m.autoInterruptMs = int64(autoInterruptMs)
	m.minSpeechMs = int64(minSpeechMs)
	m.cfgMu.Unlock()
}

func (m *Manager) thresholds() (autoMs, minMs int64) {
	m.cfgMu.RLock()
	defer m.cfgMu.RUnlock()
	return m.autoInterruptMs, m.minSpeechMs
}

// Track starts tracking a session. Idempotent.
func (m *Manager) Track(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[sessionID]; !ok {
		m.entries[sessionID] = &entry{status: call.StatusDialing}
	}
}

// Untrack drops a session's entry and releases its token if one is still
// registered.
func (m *Manager) Untrack(sessionID string) {
	m.mu.Lock()
	e, ok := m.entries[sessionID]
	delete(m.entries, sessionID)
	m.mu.Unlock()

	if !ok {
		return
	}

	e.mu.Lock()
	token := e.token
	e.token = nil
	e.mu.Unlock()

	if token != nil {
		token.Release()
	}
}

func (m *Manager) entryFor(sessionID string) (*entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[sessionID]
	return e, ok
}

// SetStatus records the session's current lifecycle status. The auto
// interrupt rule only evaluates while the status is speaking_ai.
func (m *Manager) SetStatus(sessionID string, status call.Status) {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.status = status
	if status == call.StatusSpeakingAI && !e.onset.IsZero() {
		e.bargeStart = m.now()
	} else {
		e.bargeStart = time.Time{}
	}
	e.mu.Unlock()
}

// StartUserSpeaking records voice onset for the session. A no-op if a run is
// already open.
func (m *Manager) StartUserSpeaking(sessionID string) {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.onset.IsZero() {
		e.onset = m.now()
		e.voicedMs = 0
		if e.status == call.StatusSpeakingAI {
			e.bargeStart = e.onset
		}
	}
	e.mu.Unlock()
}

// StopUserSpeaking closes the current voice run and clears the speaking
// flag.
func (m *Manager) StopUserSpeaking(sessionID string) {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return
	}

	e.mu.Lock()
	e.onset = time.Time{}
	e.bargeStart = time.Time{}
	e.voicedMs = 0
	e.speaking = false
	e.mu.Unlock()
}

// AddVoice accounts durMs milliseconds of voiced audio for the session and
// re-evaluates the speaking flag and the auto-interrupt rule. It returns
// true once the user counts as speaking. Opens a voice run implicitly if
// none is open.
func (m *Manager) AddVoice(ctx context.Context, sessionID string, durMs int64) bool {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return false
	}
	autoMs, minMs := m.thresholds()

	e.mu.Lock()
	if e.onset.IsZero() {
		e.onset = m.now()
		e.voicedMs = 0
		if e.status == call.StatusSpeakingAI {
			e.bargeStart = e.onset
		}
	}
	e.voicedMs += durMs
	if !e.speaking && e.voicedMs >= minMs {
		e.speaking = true
	}

	fireAuto := e.status == call.StatusSpeakingAI &&
		!e.autoFired &&
		e.speaking &&
		!e.bargeStart.IsZero() &&
		m.now().Sub(e.bargeStart).Milliseconds() >= autoMs
	speaking := e.speaking
	e.mu.Unlock()

	if fireAuto {
		m.TriggerInterrupt(ctx, sessionID, call.InterruptAuto)
	}
	return speaking
}

// IsUserSpeaking reports whether the session's user currently counts as
// speaking.
func (m *Manager) IsUserSpeaking(sessionID string) bool {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.speaking
}

// SpeechDurationMs returns how long the current contiguous voice run has
// lasted, zero when the user is silent.
func (m *Manager) SpeechDurationMs(sessionID string) int64 {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.onset.IsZero() {
		return 0
	}
	return m.now().Sub(e.onset).Milliseconds()
}

// RegisterCancellable installs the turn's cancellation token and re-arms the
// auto-interrupt rule for the new turn. Any previous token is released.
func (m *Manager) RegisterCancellable(sessionID string, token *Token) error {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return ErrUnknownSession
	}

	e.mu.Lock()
	prev := e.token
	e.token = token
	e.autoFired = false
	e.mu.Unlock()

	if prev != nil {
		prev.Release()
	}
	return nil
}

// TriggerInterrupt cancels the session's registered token. Returns true if
// the interrupt won, false if no token was registered or the turn had
// already resolved. At most one auto interrupt fires per registered token.
func (m *Manager) TriggerInterrupt(ctx context.Context, sessionID string, kind call.InterruptKind) bool {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return false
	}

	e.mu.Lock()
	if kind == call.InterruptAuto {
		if e.autoFired {
			e.mu.Unlock()
			return false
		}
		e.autoFired = true
	}
	token := e.token
	var speechMs int64
	if !e.onset.IsZero() {
		speechMs = m.now().Sub(e.onset).Milliseconds()
	}
	e.mu.Unlock()

	if token == nil || !token.Interrupt(kind) {
		return false
	}

	record := call.InterruptRecord{
		SessionID:            sessionID,
		Kind:                 kind,
		TriggeredAt:          m.now(),
		UserSpeechDurationMs: speechMs,
	}
	e.mu.Lock()
	e.lastRecord = &record
	e.mu.Unlock()

	m.metrics.RecordInterrupt(ctx, string(kind))
	m.log.Info("interrupt fired",
		"session_id", sessionID,
		"kind", kind,
		"user_speech_ms", speechMs)
	return true
}

// LastInterrupt returns the most recent interrupt record for the session.
func (m *Manager) LastInterrupt(sessionID string) (call.InterruptRecord, bool) {
	e, ok := m.entryFor(sessionID)
	if !ok {
		return call.InterruptRecord{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.lastRecord == nil {
		return call.InterruptRecord{}, false
	}
	return *e.lastRecord, true
}
