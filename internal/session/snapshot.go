package session

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const legacyEditingLocation = "editing-session"

// Normalize upgrades a persisted snapshot of any known version to the
// current one. The input is not modified.
func Normalize(snap *types.SessionSnapshot, now time.Time) *types.SessionSnapshot {
	out := *snap
	lastYear := now.AddDate(-1, 0, 0).UnixMilli()

	if out.SessionID == "" {
		out.SessionID = ulid.Make().String()
	}
	if out.CreationDate == 0 {
		out.CreationDate = lastYear
	}
	if (out.Version == 2 || out.Version == 3) && out.LastMessageDate == 0 {
		out.LastMessageDate = lastYear
	}
	if out.InitialLocation == legacyEditingLocation {
		out.InitialLocation = LocationChat
	}

	switch out.Version {
	case 0:
		out.Version = types.SnapshotVersion
		out.LastMessageDate = out.CreationDate
		out.CustomTitle = nil
	case 2:
		out.Version = types.SnapshotVersion
		if out.ComputedTitle != "" {
			title := out.ComputedTitle
			out.CustomTitle = &title
		} else {
			out.CustomTitle = nil
		}
	}
	return &out
}

// Export returns the persisted projection of the session.
func (s *Session) Export() *types.SessionSnapshot {
	turns := s.Turns()

	s.mu.RLock()
	snap := &types.SessionSnapshot{
		Version:         types.SnapshotVersion,
		SessionID:       s.id,
		CreationDate:    s.createdAt.UnixMilli(),
		LastMessageDate: s.lastActivity.UnixMilli(),
		ComputedTitle:   s.titleLocked(),
		IsImported:      s.imported,
		InitialLocation: s.initialLocation,
		Checkpoint:      s.checkpoint,
		Turns:           make([]types.TurnSnapshot, 0, len(turns)),
	}
	if s.customTitle != nil {
		title := *s.customTitle
		snap.CustomTitle = &title
	}
	s.mu.RUnlock()

	for _, t := range turns {
		snap.Turns = append(snap.Turns, t.Snapshot())
	}
	return snap
}

// Import rebuilds a session from a snapshot after normalizing it. Responses
// keep their persisted content and state.
func Import(snap *types.SessionSnapshot, opts ...Option) *Session {
	s := New(opts...)
	data := Normalize(snap, s.now())

	s.id = data.SessionID
	s.createdAt = time.UnixMilli(data.CreationDate)
	s.lastActivity = s.createdAt
	if data.LastMessageDate != 0 {
		s.lastActivity = time.UnixMilli(data.LastMessageDate)
	}
	s.customTitle = data.CustomTitle
	s.imported = data.IsImported
	if data.InitialLocation != "" {
		s.initialLocation = data.InitialLocation
	}

	for _, ts := range data.Turns {
		s.turns = append(s.turns, s.importTurn(ts))
	}
	if data.Checkpoint != "" {
		s.setCheckpointLocked(data.Checkpoint)
	}
	return s
}

func (s *Session) importTurn(ts types.TurnSnapshot) *Turn {
	turn := &Turn{
		ID:           ts.ID,
		Input:        ts.Input,
		Attempt:      ts.Attempt,
		Mode:         ts.Mode,
		AgentID:      ts.AgentID,
		session:      s,
		removeOnSend: ts.ShouldBeRemovedOnSend,
	}
	if turn.ID == "" {
		turn.ID = ulid.Make().String()
	}
	if ts.Timestamp > 0 {
		turn.Timestamp = time.UnixMilli(ts.Timestamp)
	}

	rs := ts.Response
	if rs == nil {
		rs = &types.ResponseSnapshot{ID: ulid.Make().String(), State: types.ResponseComplete}
	}
	if rs.State == types.ResponsePending {
		// nothing can resume it after a reload
		cp := *rs
		cp.State = types.ResponseCancelled
		rs = &cp
	}
	respOpts := append([]response.ResponseOption{
		response.WithAgent(ts.AgentID),
		response.WithClock(s.now),
	}, s.respOpts...)
	turn.Response = response.FromSnapshot(turn.ID, rs, respOpts...)
	if ts.ShouldBeRemovedOnSend != nil {
		turn.Response.SetRemoveOnSend(ts.ShouldBeRemovedOnSend)
	}
	turn.Response.SetListener(turn.responseListener)
	return turn
}
