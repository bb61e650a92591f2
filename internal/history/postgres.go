package history

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/calltide/calltide/internal/call"
)

// Compile-time interface check.
var _ Store = (*PostgresStore)(nil)

const ddlSessions = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id    TEXT         PRIMARY KEY,
    user_id       TEXT         NOT NULL,
    language      TEXT         NOT NULL DEFAULT 'en',
    kid_friendly  BOOLEAN      NOT NULL DEFAULT false,
    model_hint    TEXT         NOT NULL DEFAULT '',
    started_at    TIMESTAMPTZ  NOT NULL,
    ended_at      TIMESTAMPTZ,
    status        TEXT         NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_sessions_user_id
    ON sessions (user_id);

CREATE INDEX IF NOT EXISTS idx_sessions_started_at
    ON sessions (started_at);
`

const ddlTurns = `
CREATE TABLE IF NOT EXISTS turns (
    turn_id           TEXT         PRIMARY KEY,
    session_id        TEXT         NOT NULL REFERENCES sessions (session_id) ON DELETE CASCADE,
    user_id           TEXT         NOT NULL,
    user_text         TEXT         NOT NULL,
    ai_text           TEXT         NOT NULL,
    started_at        TIMESTAMPTZ  NOT NULL,
    finished_at       TIMESTAMPTZ  NOT NULL,
    interrupted       BOOLEAN      NOT NULL DEFAULT false,
    interrupt_kind    TEXT         NOT NULL DEFAULT '',
    policy_redirected BOOLEAN      NOT NULL DEFAULT false,
    stt_ms            BIGINT       NOT NULL DEFAULT 0,
    llm_ms            BIGINT       NOT NULL DEFAULT 0,
    tts_ms            BIGINT       NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_turns_session_id
    ON turns (session_id);

CREATE INDEX IF NOT EXISTS idx_turns_user_id
    ON turns (user_id);

CREATE INDEX IF NOT EXISTS idx_turns_started_at
    ON turns (started_at);

CREATE INDEX IF NOT EXISTS idx_turns_fts
    ON turns USING GIN (to_tsvector('english', user_text || ' ' || ai_text));
`

// PostgresStore is the production [Store] backed by PostgreSQL. It holds a
// single [pgxpool.Pool]; all operations are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to the database at dsn and runs [Migrate] so all
// required tables and indexes exist.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// Migrate creates or ensures all required tables and indexes. It is
// idempotent and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	for _, stmt := range []string{ddlSessions, ddlTurns} {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("history migrate: %w", err)
		}
	}
	return nil
}

// Ping probes database connectivity, for readiness checks.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// BeginSession implements [Store.BeginSession].
func (s *PostgresStore) BeginSession(ctx context.Context, sess call.Session) error {
	const q = `
		INSERT INTO sessions
		    (session_id, user_id, language, kid_friendly, model_hint, started_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		sess.SessionID,
		sess.UserID,
		sess.Language,
		sess.KidFriendly,
		sess.ModelHint,
		sess.StartedAt,
		string(sess.Status),
	)
	if err != nil {
		return fmt.Errorf("history: begin session: %w", err)
	}
	return nil
}

// EndSession implements [Store.EndSession].
func (s *PostgresStore) EndSession(ctx context.Context, sessionID string, endedAt time.Time) error {
	const q = `
		UPDATE sessions
		SET    ended_at = $2, status = $3
		WHERE  session_id = $1`

	tag, err := s.pool.Exec(ctx, q, sessionID, endedAt, string(call.StatusEnded))
	if err != nil {
		return fmt.Errorf("history: end session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTurn implements [Store.AppendTurn]. The insert carries the session's
// user_id denormalized for query locality; ON CONFLICT DO NOTHING makes
// replays of the same turn ID a no-op.
func (s *PostgresStore) AppendTurn(ctx context.Context, t call.Turn) error {
	t = normalizeTurn(t)

	const q = `
		INSERT INTO turns
		    (turn_id, session_id, user_id, user_text, ai_text,
		     started_at, finished_at, interrupted, interrupt_kind,
		     policy_redirected, stt_ms, llm_ms, tts_ms)
		SELECT $1, $2, s.user_id, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		FROM   sessions s
		WHERE  s.session_id = $2
		ON CONFLICT (turn_id) DO NOTHING`

	tag, err := s.pool.Exec(ctx, q,
		t.TurnID,
		t.SessionID,
		t.UserText,
		t.AIText,
		t.StartedAt,
		t.FinishedAt,
		t.Interrupted,
		string(t.InterruptKind),
		t.PolicyRedirected,
		t.Timings.STTMs,
		t.Timings.LLMMs,
		t.Timings.TTSMs,
	)
	if err != nil {
		return fmt.Errorf("history: append turn: %w", err)
	}

	// Zero rows with no conflict means the parent session is missing.
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM turns WHERE turn_id = $1)`, t.TurnID,
		).Scan(&exists); err != nil {
			return fmt.Errorf("history: append turn verify: %w", err)
		}
		if !exists {
			return fmt.Errorf("history: append turn: session %q not found", t.SessionID)
		}
	}
	return nil
}

// GetHistory implements [Store.GetHistory].
func (s *PostgresStore) GetHistory(ctx context.Context, userID string, limit int) ([]SessionSummary, error) {
	const q = `
		SELECT s.session_id, s.user_id, s.language, s.kid_friendly, s.model_hint,
		       s.started_at, s.ended_at, s.status,
		       COUNT(t.turn_id),
		       COUNT(t.turn_id) FILTER (WHERE t.interrupted)
		FROM   sessions s
		LEFT JOIN turns t ON t.session_id = s.session_id
		WHERE  s.user_id = $1
		GROUP  BY s.session_id
		ORDER  BY s.started_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: get history: %w", err)
	}

	summaries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionSummary, error) {
		var (
			sum     SessionSummary
			endedAt *time.Time
			status  string
		)
		if err := row.Scan(
			&sum.SessionID, &sum.UserID, &sum.Language, &sum.KidFriendly,
			&sum.ModelHint, &sum.StartedAt, &endedAt, &status,
			&sum.TurnCount, &sum.InterruptedCount,
		); err != nil {
			return SessionSummary{}, err
		}
		if endedAt != nil {
			sum.EndedAt = *endedAt
		}
		sum.Status = call.Status(status)
		return sum, nil
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan history rows: %w", err)
	}
	if summaries == nil {
		summaries = []SessionSummary{}
	}
	return summaries, nil
}

// GetTurn implements [Store.GetTurn].
func (s *PostgresStore) GetTurn(ctx context.Context, turnID string) (call.Turn, error) {
	const q = `
		SELECT turn_id, session_id, user_text, ai_text, started_at, finished_at,
		       interrupted, interrupt_kind, policy_redirected, stt_ms, llm_ms, tts_ms
		FROM   turns
		WHERE  turn_id = $1`

	rows, err := s.pool.Query(ctx, q, turnID)
	if err != nil {
		return call.Turn{}, fmt.Errorf("history: get turn: %w", err)
	}

	t, err := pgx.CollectExactlyOneRow(rows, scanTurn)
	if errors.Is(err, pgx.ErrNoRows) {
		return call.Turn{}, ErrNotFound
	}
	if err != nil {
		return call.Turn{}, fmt.Errorf("history: scan turn: %w", err)
	}
	return t, nil
}

// SearchByText implements [Store.SearchByText] with PostgreSQL full-text
// search over the combined user and AI text. The query goes through
// plainto_tsquery so no operator syntax is required.
func (s *PostgresStore) SearchByText(ctx context.Context, userID, query string) ([]call.Turn, error) {
	const q = `
		SELECT turn_id, session_id, user_text, ai_text, started_at, finished_at,
		       interrupted, interrupt_kind, policy_redirected, stt_ms, llm_ms, tts_ms
		FROM   turns
		WHERE  user_id = $1
		  AND  to_tsvector('english', user_text || ' ' || ai_text)
		       @@ plainto_tsquery('english', $2)
		ORDER  BY started_at DESC`

	rows, err := s.pool.Query(ctx, q, userID, query)
	if err != nil {
		return nil, fmt.Errorf("history: search: %w", err)
	}

	turns, err := pgx.CollectRows(rows, scanTurn)
	if err != nil {
		return nil, fmt.Errorf("history: scan search rows: %w", err)
	}
	if turns == nil {
		turns = []call.Turn{}
	}
	return turns, nil
}

// Prune implements [Store.Prune]. Turns are removed by the ON DELETE CASCADE
// on their session reference.
func (s *PostgresStore) Prune(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM sessions WHERE started_at < $1`, olderThan)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close implements [Store.Close].
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// scanTurn scans one turns row.
func scanTurn(row pgx.CollectableRow) (call.Turn, error) {
	var (
		t    call.Turn
		kind string
	)
	if err := row.Scan(
		&t.TurnID, &t.SessionID, &t.UserText, &t.AIText,
		&t.StartedAt, &t.FinishedAt, &t.Interrupted, &kind,
		&t.PolicyRedirected, &t.Timings.STTMs, &t.Timings.LLMMs, &t.Timings.TTSMs,
	); err != nil {
		return call.Turn{}, err
	}
	t.InterruptKind = call.InterruptKind(kind)
	return t, nil
}
