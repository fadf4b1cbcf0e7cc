package response

import (
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// ChangeReason tags a response change notification.
type ChangeReason string

const (
	ChangeContent   ChangeReason = "content"
	ChangeUndoStop  ChangeReason = "undoStop"
	ChangeCompleted ChangeReason = "completedRequest"
	ChangeOther     ChangeReason = "other"
)

// Change is delivered to the response listener.
type Change struct {
	Reason     ChangeReason
	UndoStopID string
}

// Listener observes a response. It is called outside the response lock.
type Listener func(r *Response, c Change)

// Response is the agent's answer to one turn.
type Response struct {
	mu sync.Mutex

	id      string
	turnID  string
	agentID string
	content *Accumulator

	state       types.ResponseState
	completedAt time.Time
	result      *types.Result
	followups   []types.Followup
	references  []types.ReferenceFragment
	citations   []types.CitationFragment
	usedContext *types.UsedContextFragment

	blocked      bool
	removeOnSend *types.RemoveOnSend
	disposed     bool

	listener Listener
	now      func() time.Time
}

// ResponseOption configures a Response.
type ResponseOption func(*Response)

// WithListener sets the change listener.
func WithListener(l Listener) ResponseOption {
	return func(r *Response) { r.listener = l }
}

// WithAgent records which agent produced the response.
func WithAgent(agentID string) ResponseOption {
	return func(r *Response) { r.agentID = agentID }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) ResponseOption {
	return func(r *Response) { r.now = now }
}

// WithContentOptions forwards options to the underlying Accumulator.
func WithContentOptions(opts ...Option) ResponseOption {
	return func(r *Response) {
		r.content = NewAccumulator(append(opts, WithOnChange(r.contentChanged))...)
	}
}

// New creates a pending response for a turn.
func New(turnID string, opts ...ResponseOption) *Response {
	r := &Response{
		id:     ulid.Make().String(),
		turnID: turnID,
		state:  types.ResponsePending,
		now:    time.Now,
	}
	r.content = NewAccumulator(WithOnChange(r.contentChanged))
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// FromSnapshot revives a persisted response without re-merging its content.
func FromSnapshot(turnID string, snap *types.ResponseSnapshot, opts ...ResponseOption) *Response {
	r := New(turnID, opts...)
	r.id = snap.ID
	r.state = snap.State
	if snap.CompletedAt > 0 {
		r.completedAt = time.UnixMilli(snap.CompletedAt)
	}
	r.result = snap.Result
	r.followups = snap.Followups
	r.references = snap.References
	r.citations = snap.Citations
	r.usedContext = snap.UsedContext
	if snap.AgentID != "" {
		r.agentID = snap.AgentID
	}
	r.content.load(snap.Fragments, snap.Citations)
	return r
}

func (r *Response) ID() string     { return r.id }
func (r *Response) TurnID() string { return r.turnID }

func (r *Response) AgentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.agentID
}

func (r *Response) State() types.ResponseState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// IsComplete reports whether the response reached a terminal state.
func (r *Response) IsComplete() bool {
	return r.State() != types.ResponsePending
}

func (r *Response) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt
}

// AcceptProgress applies one progress fragment. Progress on a terminal
// response is a caller bug and panics.
func (r *Response) AcceptProgress(f types.Fragment, quiet bool) {
	r.mu.Lock()
	if r.state != types.ResponsePending {
		r.mu.Unlock()
		panic("response: progress after completion")
	}

	switch p := f.(type) {
	case *types.UsedContextFragment:
		cp := *p
		r.usedContext = &cp
		r.mu.Unlock()
		return
	case *types.ReferenceFragment:
		r.references = append(r.references, *p)
		r.mu.Unlock()
		r.emit(Change{Reason: ChangeOther})
		return
	case *types.CitationFragment:
		r.citations = append(r.citations, *p)
		r.mu.Unlock()
		r.content.AddCitation(*p)
		return
	}
	r.mu.Unlock()

	switch p := f.(type) {
	case *types.UndoStopFragment:
		r.addUndoStop(p)
	case *types.CodeblockURIFragment:
		if p.IsEdit {
			r.addUndoStop(&types.UndoStopFragment{ID: ulid.Make().String()})
		}
		r.content.Append(p, quiet)
	default:
		r.content.Append(f, quiet)
	}
}

func (r *Response) addUndoStop(stop *types.UndoStopFragment) {
	r.emit(Change{Reason: ChangeUndoStop, UndoStopID: stop.ID})
	r.content.Append(stop, true)
}

// SetResult attaches the agent's result.
func (r *Response) SetResult(result *types.Result) {
	r.mu.Lock()
	r.result = result
	r.mu.Unlock()
	r.emit(Change{Reason: ChangeOther})
}

func (r *Response) Result() *types.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result
}

// Complete moves a pending response to Complete. A redacted result clears
// the content first. Calling it on a terminal response does nothing.
func (r *Response) Complete() {
	r.mu.Lock()
	if r.state != types.ResponsePending {
		r.mu.Unlock()
		return
	}
	redacted := r.result != nil && r.result.ErrorDetails != nil && r.result.ErrorDetails.ResponseIsRedacted
	r.state = types.ResponseComplete
	r.completedAt = r.now()
	r.mu.Unlock()

	r.content.Stop()
	if redacted {
		r.content.Clear()
	}
	r.emit(Change{Reason: ChangeCompleted})
}

// Cancel moves a pending response to Cancelled. Calling it on a terminal
// response does nothing.
func (r *Response) Cancel() {
	r.mu.Lock()
	if r.state != types.ResponsePending {
		r.mu.Unlock()
		return
	}
	r.state = types.ResponseCancelled
	r.completedAt = r.now()
	r.mu.Unlock()

	r.content.Stop()
	r.emit(Change{Reason: ChangeCompleted})
}

func (r *Response) SetFollowups(followups []types.Followup) {
	r.mu.Lock()
	r.followups = followups
	r.mu.Unlock()
	r.emit(Change{Reason: ChangeOther})
}

func (r *Response) Followups() []types.Followup {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.Followup(nil), r.followups...)
}

func (r *Response) References() []types.ReferenceFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.ReferenceFragment(nil), r.references...)
}

func (r *Response) Citations() []types.CitationFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.CitationFragment(nil), r.citations...)
}

func (r *Response) UsedContext() *types.UsedContextFragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.usedContext
}

// SetBlocked marks the response hidden behind a checkpoint.
func (r *Response) SetBlocked(blocked bool) {
	r.mu.Lock()
	r.blocked = blocked
	r.mu.Unlock()
}

func (r *Response) Blocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocked
}

// SetRemoveOnSend marks the response's turn for removal by the next send.
// With an undo stop, reads see the content as of that stop.
func (r *Response) SetRemoveOnSend(m *types.RemoveOnSend) {
	r.mu.Lock()
	r.removeOnSend = m
	r.mu.Unlock()
	r.emit(Change{Reason: ChangeOther})
}

func (r *Response) RemoveOnSend() *types.RemoveOnSend {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.removeOnSend
}

// FinalizeUndoState makes the undo-stop view permanent and drops the
// remove-on-send marker.
func (r *Response) FinalizeUndoState() {
	r.mu.Lock()
	marker := r.removeOnSend
	r.removeOnSend = nil
	r.mu.Unlock()

	if marker != nil && marker.AfterUndoStop != "" {
		r.content.truncate(r.content.View(marker.AfterUndoStop).Len())
	}
}

// Content exposes the accumulator.
func (r *Response) Content() *Accumulator { return r.content }

// Parts returns the visible fragments, honoring a pending undo-stop view.
func (r *Response) Parts() []types.Fragment {
	if v := r.undoView(); v != nil {
		return v.Parts()
	}
	return r.content.Parts()
}

// String returns the visible plain-text representation.
func (r *Response) String() string {
	if v := r.undoView(); v != nil {
		return v.String()
	}
	return r.content.String()
}

// Markdown returns the visible markdown projection.
func (r *Response) Markdown() string {
	if v := r.undoView(); v != nil {
		return v.Markdown()
	}
	return r.content.Markdown()
}

// View returns the content truncated at an undo stop.
func (r *Response) View(undoStopID string) *View {
	return r.content.View(undoStopID)
}

func (r *Response) undoView() *View {
	m := r.RemoveOnSend()
	if m == nil || m.AfterUndoStop == "" {
		return nil
	}
	return r.content.View(m.AfterUndoStop)
}

// Snapshot returns the persisted form. A still-pending response is written
// as cancelled since nothing can resume it after a reload.
func (r *Response) Snapshot() *types.ResponseSnapshot {
	parts := r.content.Parts()

	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &types.ResponseSnapshot{
		ID:          r.id,
		State:       r.state,
		Fragments:   types.FragmentList(parts),
		Result:      r.result,
		Followups:   r.followups,
		References:  r.references,
		Citations:   r.citations,
		UsedContext: r.usedContext,
		AgentID:     r.agentID,
	}
	if !r.completedAt.IsZero() {
		snap.CompletedAt = r.completedAt.UnixMilli()
	}
	if r.state == types.ResponsePending {
		snap.State = types.ResponseCancelled
		snap.CompletedAt = r.now().UnixMilli()
	}
	return snap
}

// SetListener replaces the change listener, e.g. when the turn moves to
// another session.
func (r *Response) SetListener(l Listener) {
	r.mu.Lock()
	r.listener = l
	r.mu.Unlock()
}

// Dispose detaches the listener. Further changes are not reported.
func (r *Response) Dispose() {
	r.mu.Lock()
	r.disposed = true
	r.mu.Unlock()
}

func (r *Response) contentChanged() {
	r.emit(Change{Reason: ChangeContent})
}

func (r *Response) emit(c Change) {
	r.mu.Lock()
	l := r.listener
	disposed := r.disposed
	r.mu.Unlock()

	if l != nil && !disposed {
		l(r, c)
	}
}
