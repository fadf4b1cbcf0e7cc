package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/opencode-ai/sessioncore/internal/dispatch"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// SendMessageRequest represents the request body for sending a message.
type SendMessageRequest struct {
	Text      string           `json:"text"`
	Variables []types.Variable `json:"variables,omitempty"`
	Mode      string           `json:"mode,omitempty"`
	AgentID   string           `json:"agentId,omitempty"`
	Location  string           `json:"location,omitempty"`
	// Wait holds the request open until the response is complete.
	Wait bool `json:"wait,omitempty"`
}

// ResendRequest represents the optional body of a resend.
type ResendRequest struct {
	Mode    string `json:"mode,omitempty"`
	AgentID string `json:"agentId,omitempty"`
	Wait    bool   `json:"wait,omitempty"`
}

// DispatchResponse describes an accepted dispatch.
type DispatchResponse struct {
	SessionID  string                  `json:"sessionId"`
	TurnID     string                  `json:"turnId"`
	ResponseID string                  `json:"responseId"`
	State      string                  `json:"state"`
	Response   *types.ResponseSnapshot `json:"response,omitempty"`
}

// CheckpointRequest selects the checkpoint turn. An empty turn id clears it.
type CheckpointRequest struct {
	TurnID string `json:"turnId"`
}

// CheckpointResponse lists what the checkpoint hides.
type CheckpointResponse struct {
	Checkpoint  string   `json:"checkpoint"`
	TurnIDs     []string `json:"turnIds"`
	ResponseIDs []string `json:"responseIds"`
}

// sendMessage handles POST /session/{sessionID}/message
func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req SendMessageRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	// restores a stored session on first use
	if _, err := s.orchestrator.LoadSession(r.Context(), sessionID); err != nil {
		writeDispatchError(w, err)
		return
	}

	d, err := s.orchestrator.Dispatch(r.Context(), sessionID,
		types.Input{Text: req.Text, Variables: req.Variables},
		dispatch.Options{Mode: req.Mode, AgentID: req.AgentID, Location: req.Location})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	s.writeDispatched(w, r, sessionID, d, req.Wait)
}

// resendTurn handles POST /session/{sessionID}/turn/{turnID}/resend
func (s *Server) resendTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turnID := chi.URLParam(r, "turnID")

	var req ResendRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}
	if _, err := s.orchestrator.LoadSession(r.Context(), sessionID); err != nil {
		writeDispatchError(w, err)
		return
	}

	d, err := s.orchestrator.Resend(r.Context(), sessionID, turnID, dispatch.Options{Mode: req.Mode, AgentID: req.AgentID})
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	s.writeDispatched(w, r, sessionID, d, req.Wait)
}

func (s *Server) writeDispatched(w http.ResponseWriter, r *http.Request, sessionID string, d *dispatch.Dispatched, wait bool) {
	if d == nil {
		writeErrorWithDetails(w, http.StatusConflict, ErrCodeConflict,
			"a request is already pending for this session",
			map[string]any{"sessionId": sessionID})
		return
	}

	var resp *response.Response
	select {
	case resp = <-d.Created:
	case <-r.Context().Done():
		return
	}

	if wait {
		if err := d.Wait(r.Context()); err != nil {
			return
		}
	}

	out := DispatchResponse{
		SessionID:  sessionID,
		TurnID:     resp.TurnID(),
		ResponseID: resp.ID(),
		State:      resp.State().String(),
	}
	if wait {
		out.Response = resp.Snapshot()
	}
	writeJSON(w, http.StatusOK, out)
}

// abortSession handles POST /session/{sessionID}/abort
func (s *Server) abortSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": s.orchestrator.Cancel(sessionID)})
}

// setCheckpoint handles POST /session/{sessionID}/checkpoint
func (s *Server) setCheckpoint(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	var req CheckpointRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, ErrCodeInvalidRequest, "Invalid JSON body")
		return
	}

	sess, err := s.orchestrator.LoadSession(r.Context(), sessionID)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	if req.TurnID != "" {
		if _, ok := sess.Turn(req.TurnID); !ok {
			writeError(w, http.StatusNotFound, ErrCodeNotFound, "Turn not found")
			return
		}
	}

	change := sess.SetCheckpoint(req.TurnID)
	writeJSON(w, http.StatusOK, CheckpointResponse{
		Checkpoint:  change.Checkpoint,
		TurnIDs:     change.TurnIDs,
		ResponseIDs: change.ResponseIDs,
	})
}

// removeTurn handles DELETE /session/{sessionID}/turn/{turnID}
func (s *Server) removeTurn(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	turnID := chi.URLParam(r, "turnID")

	if _, err := s.orchestrator.LoadSession(r.Context(), sessionID); err != nil {
		writeDispatchError(w, err)
		return
	}
	if err := s.orchestrator.RemoveTurn(sessionID, turnID); err != nil {
		writeDispatchError(w, err)
		return
	}
	writeSuccess(w)
}
