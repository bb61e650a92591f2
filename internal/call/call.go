// Package call defines the domain model for calltide voice sessions: the
// session status machine, turns, interrupts, model routing choices, and the
// wire protocol (client messages and server events) spoken over the phone
// stream WebSocket.
//
// The package holds only data types and pure transition logic. Components
// that act on these types (internal/hub, internal/pipeline,
// internal/interrupt, internal/history) communicate by session ID and value
// types defined here, never by sharing live object handles.
package call

import "time"

// Status is the lifecycle state of a session. Within a turn, transitions are
// monotonic: speaking_user, thinking, speaking_ai, then back to speaking_user
// or on to ending. An auto-interrupt moves speaking_ai directly back to
// speaking_user.
type Status string

const (
	// StatusDialing is the initial state after the WebSocket connects and
	// before session_start is processed.
	StatusDialing Status = "dialing"

	// StatusConnected means session_start succeeded and the session is
	// waiting for the first audio.
	StatusConnected Status = "connected"

	// StatusSpeakingUser means the user holds the floor.
	StatusSpeakingUser Status = "speaking_user"

	// StatusThinking means an utterance has closed and the STT/LLM stages
	// are running.
	StatusThinking Status = "thinking"

	// StatusSpeakingAI means synthesized audio is streaming to the client.
	StatusSpeakingAI Status = "speaking_ai"

	// StatusEnding means teardown has started; no new turns are accepted.
	StatusEnding Status = "ending"

	// StatusEnded is terminal.
	StatusEnded Status = "ended"
)

// validNext enumerates the allowed status transitions.
var validNext = map[Status][]Status{
	StatusDialing:      {StatusConnected, StatusEnding},
	StatusConnected:    {StatusSpeakingUser, StatusEnding},
	StatusSpeakingUser: {StatusThinking, StatusEnding},
	StatusThinking:     {StatusSpeakingAI, StatusSpeakingUser, StatusEnding},
	StatusSpeakingAI:   {StatusSpeakingUser, StatusEnding},
	StatusEnding:       {StatusEnded},
	StatusEnded:        {},
}

// CanTransitionTo reports whether moving from s to next is a legal status
// transition.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validNext[s] {
		if next == allowed {
			return true
		}
	}
	return false
}

// IsValid reports whether s is a recognised status value.
func (s Status) IsValid() bool {
	_, ok := validNext[s]
	return ok
}

// Terminal reports whether s admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusEnded
}

// InterruptKind distinguishes how an in-flight turn was cut short.
type InterruptKind string

const (
	// InterruptManual is an explicit client or administrative request.
	InterruptManual InterruptKind = "manual"

	// InterruptAuto fires when the user keeps speaking over the AI long
	// enough for the auto-interrupt rule to trigger.
	InterruptAuto InterruptKind = "auto"

	// InterruptSystem marks turns finalized by session teardown rather
	// than by the user.
	InterruptSystem InterruptKind = "system"
)

// IsValid reports whether k is a recognised interrupt kind.
func (k InterruptKind) IsValid() bool {
	switch k {
	case InterruptManual, InterruptAuto, InterruptSystem:
		return true
	}
	return false
}

// Session is the durable projection of one phone call.
type Session struct {
	SessionID   string    `json:"session_id"`
	UserID      string    `json:"user_id"`
	Language    string    `json:"language"`
	KidFriendly bool      `json:"kid_friendly"`
	ModelHint   string    `json:"model_hint,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at,omitzero"`
	Status      Status    `json:"status"`
}

// Timings records per-stage latency for a turn, in integer milliseconds.
// LLMMs covers all attempts when the router fell back to a second model.
type Timings struct {
	STTMs int64 `json:"stt_ms"`
	LLMMs int64 `json:"llm_ms"`
	TTSMs int64 `json:"tts_ms"`
}

// Turn is one user utterance and the AI reply it triggered, whether the
// reply completed or was interrupted. AIText is always the exact
// concatenation of the LLM chunks emitted to the client up to the completion
// or interrupt point.
type Turn struct {
	TurnID    string `json:"turn_id"`
	SessionID string `json:"session_id"`
	UserText  string `json:"user_text"`
	AIText    string `json:"ai_text"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Interrupted   bool          `json:"interrupted"`
	InterruptKind InterruptKind `json:"interrupt_kind,omitempty"`

	// PolicyRedirected marks turns whose reply was replaced by the content
	// policy's canonical redirect.
	PolicyRedirected bool `json:"policy_redirected,omitempty"`

	Timings Timings `json:"timings"`
}

// InterruptRecord captures an interrupt as it fired. It is transient; the
// durable trace lives on the affected [Turn].
type InterruptRecord struct {
	SessionID            string
	Kind                 InterruptKind
	TriggeredAt          time.Time
	UserSpeechDurationMs int64
}

// ChoiceReason explains why the model router picked a model.
type ChoiceReason string

const (
	// ReasonDefault means the fast default model was chosen.
	ReasonDefault ChoiceReason = "default"

	// ReasonComplexQuery means the complexity heuristic escalated to a
	// stronger model.
	ReasonComplexQuery ChoiceReason = "complex_query"

	// ReasonFallback means the previous attempt failed and the router
	// selected the fallback model.
	ReasonFallback ChoiceReason = "fallback"
)

// ModelChoice is the router's immutable per-turn decision.
type ModelChoice struct {
	ModelID   string       `json:"model_id"`
	Reason    ChoiceReason `json:"reason"`
	MaxTokens int          `json:"max_tokens"`
	TimeoutMs int64        `json:"timeout_ms"`
}
