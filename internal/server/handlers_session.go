package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/internal/storage"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// CreateSessionRequest represents the request body for creating a session.
type CreateSessionRequest struct {
	Location string `json:"location,omitempty"`
	Title    string `json:"title,omitempty"`
}

// UpdateSessionRequest represents the request body for renaming a session.
type UpdateSessionRequest struct {
	Title string `json:"title"`
}

// SessionEntry is one row of the session list.
type SessionEntry struct {
	types.IndexEntry
	Live    bool `json:"live"`
	Pending bool `json:"pending,omitempty"`
}

// decodeBody decodes an optional JSON body. An empty body leaves v untouched.
func decodeBody(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func liveEntry(s *session.Session) types.IndexEntry {
	return types.IndexEntry{
		SessionID:       s.ID(),
		Title:           s.Title(),
		LastMessageDate: s.LastActivity().UnixMilli(),
		IsEmpty:         s.IsEmpty(),
		IsImported:      s.IsImported(),
		InitialLocation: s.InitialLocation(),
	}
}

// listSessions handles GET /session
func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	seen := make(map[string]bool)
	entries := []SessionEntry{}

	for _, live := range s.orchestrator.Sessions().Live() {
		seen[live.ID()] = true
		entries = append(entries, SessionEntry{
			IndexEntry: liveEntry(live),
			Live:       true,
			Pending:    s.orchestrator.Pending(live.ID()),
		})
	}

	if s.store != nil {
		stored, err := s.store.List(r.Context())
		if err != nil {
			writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
			return
		}
		for _, e := range stored {
			if !seen[e.SessionID] {
				entries = append(entries, SessionEntry{IndexEntry: e})
			}
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastMessageDate > entries[j].LastMessageDate
	})
	writeJSON(w, http.StatusOK, entries)
}

// createSession handles POST /session
func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	sess := s.orchestrator.StartSession(req.Location)
	if req.Title != "" {
		sess.SetCustomTitle(req.Title)
	}
	writeJSON(w, http.StatusOK, sess.Export())
}

// getSession handles GET /session/{sessionID}
func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if live, ok := s.orchestrator.Sessions().Get(sessionID); ok {
		writeJSON(w, http.StatusOK, live.Export())
		return
	}
	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}

	snap, err := s.store.ReadSession(r.Context(), sessionID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if snap == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// updateSession handles PATCH /session/{sessionID}
func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	if err := s.orchestrator.SetTitle(r.Context(), sessionID, req.Title); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
			return
		}
		writeDispatchError(w, err)
		return
	}
	writeSuccess(w)
}

// clearSession handles DELETE /session/{sessionID}. A live session is
// stored (or dropped when empty) and disposed; a stored one is deleted.
func (s *Server) clearSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	if _, ok := s.orchestrator.Sessions().Get(sessionID); ok {
		if err := s.orchestrator.ClearSession(r.Context(), sessionID); err != nil {
			writeDispatchError(w, err)
			return
		}
		writeSuccess(w)
		return
	}

	if s.store == nil {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	index, err := s.store.GetIndex(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	if _, ok := index.Entries[sessionID]; !ok {
		writeError(w, http.StatusNotFound, ErrCodeNotFound, "Session not found")
		return
	}
	if err := s.store.DeleteSession(r.Context(), sessionID); err != nil {
		writeError(w, http.StatusInternalServerError, ErrCodeInternalError, err.Error())
		return
	}
	writeSuccess(w)
}
