package history

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/calltide/calltide/internal/call"
)

// Compile-time assertion that MemStore satisfies the Store interface.
var _ Store = (*MemStore)(nil)

// MemStore is a thread-safe, in-memory implementation of [Store]. Intended
// for development and tests; data is lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string]call.Session
	turns    map[string]call.Turn
}

// NewMemStore returns an initialised [MemStore].
func NewMemStore() *MemStore {
	return &MemStore{
		sessions: make(map[string]call.Session),
		turns:    make(map[string]call.Turn),
	}
}

// BeginSession implements [Store.BeginSession].
func (s *MemStore) BeginSession(_ context.Context, sess call.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.sessions[sess.SessionID]; exists {
		return nil
	}
	s.sessions[sess.SessionID] = sess
	return nil
}

// EndSession implements [Store.EndSession].
func (s *MemStore) EndSession(_ context.Context, sessionID string, endedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	sess.EndedAt = endedAt
	sess.Status = call.StatusEnded
	s.sessions[sessionID] = sess
	return nil
}

// AppendTurn implements [Store.AppendTurn]. Replays with a known turn ID are
// ignored.
func (s *MemStore) AppendTurn(_ context.Context, t call.Turn) error {
	t = normalizeTurn(t)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.turns[t.TurnID]; exists {
		return nil
	}
	s.turns[t.TurnID] = t
	return nil
}

// GetHistory implements [Store.GetHistory].
func (s *MemStore) GetHistory(_ context.Context, userID string, limit int) ([]SessionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	summaries := make([]SessionSummary, 0)
	for _, sess := range s.sessions {
		if sess.UserID != userID {
			continue
		}
		sum := SessionSummary{Session: sess}
		for _, t := range s.turns {
			if t.SessionID != sess.SessionID {
				continue
			}
			sum.TurnCount++
			if t.Interrupted {
				sum.InterruptedCount++
			}
		}
		summaries = append(summaries, sum)
	}

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].StartedAt.After(summaries[j].StartedAt)
	})
	if limit > 0 && len(summaries) > limit {
		summaries = summaries[:limit]
	}
	return summaries, nil
}

// GetTurn implements [Store.GetTurn].
func (s *MemStore) GetTurn(_ context.Context, turnID string) (call.Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.turns[turnID]
	if !ok {
		return call.Turn{}, ErrNotFound
	}
	return t, nil
}

// SearchByText implements [Store.SearchByText] with a case-insensitive
// substring match over user and AI text.
func (s *MemStore) SearchByText(_ context.Context, userID, query string) ([]call.Turn, error) {
	q := strings.ToLower(query)

	s.mu.RLock()
	defer s.mu.RUnlock()

	userSessions := make(map[string]struct{})
	for id, sess := range s.sessions {
		if sess.UserID == userID {
			userSessions[id] = struct{}{}
		}
	}

	matches := make([]call.Turn, 0)
	for _, t := range s.turns {
		if _, ok := userSessions[t.SessionID]; !ok {
			continue
		}
		if strings.Contains(strings.ToLower(t.UserText), q) ||
			strings.Contains(strings.ToLower(t.AIText), q) {
			matches = append(matches, t)
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].StartedAt.After(matches[j].StartedAt)
	})
	return matches, nil
}

// Prune implements [Store.Prune].
func (s *MemStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for id, sess := range s.sessions {
		if !sess.StartedAt.Before(olderThan) {
			continue
		}
		delete(s.sessions, id)
		removed++
		for turnID, t := range s.turns {
			if t.SessionID == id {
				delete(s.turns, turnID)
			}
		}
	}
	return removed, nil
}

// Close implements [Store.Close]. No resources to release.
func (s *MemStore) Close() {}
