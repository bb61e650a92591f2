package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/calltide/calltide/internal/call"
	"github.com/calltide/calltide/internal/history"
)

// defaultHistoryLimit applies when GET /history omits ?limit.
const defaultHistoryLimit = 20

// apiError is the JSON error body for the REST surface.
type apiError struct {
	Kind    call.ErrorKind `json:"kind"`
	Message string         `json:"message"`
}

// Register adds the WebSocket endpoint and the REST routes to mux. Health
// and metrics endpoints are registered separately by the caller.
func (h *Hub) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.ServeWS)
	mux.HandleFunc("GET /history/{user_id}", h.handleHistory)
	mux.HandleFunc("GET /call/{turn_id}", h.handleTurn)
	mux.HandleFunc("POST /search", h.handleSearch)
	mux.HandleFunc("GET /active-sessions", h.handleActiveSessions)
	mux.HandleFunc("POST /interrupt/{session_id}", h.handleInterrupt)
}

// handleHistory serves GET /history/{user_id}?limit=N.
func (h *Hub) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("user_id")

	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, call.KindProtocol, "limit must be a positive integer")
			return
		}
		limit = n
	}

	sessions, err := h.deps.Store.GetHistory(r.Context(), userID, limit)
	if err != nil {
		h.log.Error("history query failed", "user_id", userID, "error", err)
		writeError(w, http.StatusInternalServerError, call.KindPersist, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleTurn serves GET /call/{turn_id}.
func (h *Hub) handleTurn(w http.ResponseWriter, r *http.Request) {
	turnID := r.PathValue("turn_id")

	turn, err := h.deps.Store.GetTurn(r.Context(), turnID)
	if errors.Is(err, history.ErrNotFound) {
		writeError(w, http.StatusNotFound, call.KindProtocol, "unknown turn")
		return
	}
	if err != nil {
		h.log.Error("turn query failed", "turn_id", turnID, "error", err)
		writeError(w, http.StatusInternalServerError, call.KindPersist, "history unavailable")
		return
	}
	writeJSON(w, http.StatusOK, turn)
}

// handleSearch serves POST /search {user_id, query}.
func (h *Hub) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
		Query  string `json:"query"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, call.KindProtocol, "invalid search request")
		return
	}
	if req.UserID == "" || req.Query == "" {
		writeError(w, http.StatusBadRequest, call.KindProtocol, "user_id and query are required")
		return
	}

	turns, err := h.deps.Store.SearchByText(r.Context(), req.UserID, req.Query)
	if err != nil {
		h.log.Error("search query failed", "user_id", req.UserID, "error", err)
		writeError(w, http.StatusInternalServerError, call.KindPersist, "history unavailable")
		return
	}
	if turns == nil {
		turns = []call.Turn{}
	}
	writeJSON(w, http.StatusOK, turns)
}

// handleActiveSessions serves GET /active-sessions.
func (h *Hub) handleActiveSessions(w http.ResponseWriter, r *http.Request) {
	active, max := h.Load()
	writeJSON(w, http.StatusOK, struct {
		Active      int            `json:"active"`
		MaxSessions int            `json:"max_sessions"`
		Sessions    []call.Session `json:"sessions"`
	}{
		Active:      active,
		MaxSessions: max,
		Sessions:    h.ActiveSessions(),
	})
}

// handleInterrupt serves POST /interrupt/{session_id}, the administrative
// interrupt.
func (h *Hub) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	sessionID := r.PathValue("session_id")

	found, fired := h.Interrupt(r.Context(), sessionID)
	if !found {
		writeError(w, http.StatusNotFound, call.KindProtocol, "unknown session")
		return
	}
	writeJSON(w, http.StatusOK, struct {
		Fired bool `json:"fired"`
	}{Fired: fired})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"kind":"transport","message":"encoding failed"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, kind call.ErrorKind, msg string) {
	writeJSON(w, status, apiError{Kind: kind, Message: msg})
}
