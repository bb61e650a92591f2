// Package history provides append-only persistence for sessions and turns
// with query access for the REST surface.
//
// Two [Store] implementations exist: a PostgreSQL store ([NewPostgresStore])
// for production and an in-memory store ([NewMemStore]) for development and
// tests. The [Writer] wraps a Store with an async bounded queue so a slow or
// failing database never blocks the live pipeline beyond the persist SLO.
package history

import (
	"context"
	"errors"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/calltide/calltide/internal/call"
)

// ErrNotFound is returned by lookups when the requested row does not exist.
var ErrNotFound = errors.New("history: not found")

// SessionSummary is one row of a user's call history: the session plus basic
// turn statistics.
type SessionSummary struct {
	call.Session

	// TurnCount is the number of persisted turns in the session.
	TurnCount int `json:"turn_count"`

	// InterruptedCount is how many of those turns were interrupted.
	InterruptedCount int `json:"interrupted_count"`
}

// Store is the call-history persistence contract. All implementations must
// be safe for concurrent use. AppendTurn must be idempotent keyed by turn
// ID: replaying a turn produces exactly one row.
type Store interface {
	// BeginSession records a new session. Idempotent keyed by session ID.
	BeginSession(ctx context.Context, s call.Session) error

	// EndSession marks the session ended. Unknown sessions return
	// [ErrNotFound].
	EndSession(ctx context.Context, sessionID string, endedAt time.Time) error

	// AppendTurn persists one finalized turn. Turns are only written once
	// their text content is final (completed or interrupted).
	AppendTurn(ctx context.Context, t call.Turn) error

	// GetHistory returns the user's most recent sessions, newest first.
	GetHistory(ctx context.Context, userID string, limit int) ([]SessionSummary, error)

	// GetTurn returns one turn by ID, or [ErrNotFound].
	GetTurn(ctx context.Context, turnID string) (call.Turn, error)

	// SearchByText returns the user's turns whose user or AI text matches
	// the query, newest first.
	SearchByText(ctx context.Context, userID, query string) ([]call.Turn, error)

	// Prune deletes sessions (and their turns) that started before the
	// cutoff. Returns the number of sessions removed.
	Prune(ctx context.Context, olderThan time.Time) (int64, error)

	// Close releases the store's resources.
	Close()
}

// normalizeTurn returns t with its text fields in Unicode NFC, the canonical
// form for persisted text.
func normalizeTurn(t call.Turn) call.Turn {
	t.UserText = norm.NFC.String(t.UserText)
	t.AIText = norm.NFC.String(t.AIText)
	return t
}
