package session

import (
	"sync"
	"time"

	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// TurnOptions are the optional attributes of a new turn.
type TurnOptions struct {
	Attempt int
	Mode    string
	AgentID string
	// CompleteAdded marks an exchange imported already finished.
	CompleteAdded bool
}

// Turn is one user input and the response to it.
type Turn struct {
	ID            string
	Input         types.Input
	Attempt       int
	Mode          string
	AgentID       string
	Timestamp     time.Time
	CompleteAdded bool
	Response      *response.Response

	mu           sync.Mutex
	session      *Session
	blocked      bool
	removeOnSend *types.RemoveOnSend
}

// SessionID returns the id of the session currently owning the turn.
func (t *Turn) SessionID() string {
	if s := t.owner(); s != nil {
		return s.ID()
	}
	return ""
}

func (t *Turn) owner() *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

// Blocked reports whether the turn is hidden behind the session checkpoint.
func (t *Turn) Blocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

func (t *Turn) setBlocked(blocked bool) {
	t.mu.Lock()
	t.blocked = blocked
	t.mu.Unlock()
	if t.Response != nil {
		t.Response.SetBlocked(blocked)
	}
}

// RemoveOnSend returns the marker set by MarkRemoveOnSend, or nil.
func (t *Turn) RemoveOnSend() *types.RemoveOnSend {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeOnSend
}

func (t *Turn) setRemoveOnSend(m *types.RemoveOnSend) {
	t.mu.Lock()
	t.removeOnSend = m
	t.mu.Unlock()
	if t.Response != nil {
		t.Response.SetRemoveOnSend(m)
	}
}

// finalizeRemoveOnSend drops a marker deferred past an undo stop and makes
// the truncated response permanent.
func (t *Turn) finalizeRemoveOnSend() {
	t.mu.Lock()
	m := t.removeOnSend
	if m == nil || m.AfterUndoStop == "" {
		t.mu.Unlock()
		return
	}
	t.removeOnSend = nil
	t.mu.Unlock()

	if t.Response != nil {
		t.Response.FinalizeUndoState()
	}
}

// FinalizeUndoState is the exported form used by the dispatcher before a send.
func (t *Turn) FinalizeUndoState() {
	t.finalizeRemoveOnSend()
}

func (t *Turn) adoptTo(s *Session) {
	t.mu.Lock()
	t.session = s
	t.mu.Unlock()
}

func (t *Turn) responseListener(r *response.Response, c response.Change) {
	if s := t.owner(); s != nil {
		s.responseChanged(t, r, c)
	}
}

// Snapshot returns the persisted form of the turn.
func (t *Turn) Snapshot() types.TurnSnapshot {
	snap := types.TurnSnapshot{
		ID:                    t.ID,
		Input:                 t.Input,
		Attempt:               t.Attempt,
		Mode:                  t.Mode,
		AgentID:               t.AgentID,
		ShouldBeRemovedOnSend: t.RemoveOnSend(),
	}
	if !t.Timestamp.IsZero() {
		snap.Timestamp = t.Timestamp.UnixMilli()
	}
	if t.Response != nil {
		snap.Response = t.Response.Snapshot()
	}
	return snap
}
