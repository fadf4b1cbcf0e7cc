package session

import (
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/opencode-ai/sessioncore/internal/event"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const maxTitleLength = 200

// Location where a session was started.
const (
	LocationChat     = "chat"
	LocationTerminal = "terminal"
	LocationEditor   = "editor"
)

// RemovalReason tags why a turn left a session. It does not change how the
// removal happens.
type RemovalReason string

const (
	RemovalReasonRemoval  RemovalReason = "removal"
	RemovalReasonResend   RemovalReason = "resend"
	RemovalReasonAdoption RemovalReason = "adoption"
)

// ChangeKind identifies a local session change notification.
type ChangeKind string

const (
	ChangeTurnAdded   ChangeKind = "addTurn"
	ChangeTurnRemoved ChangeKind = "removeTurn"
	ChangeCheckpoint  ChangeKind = "setCheckpoint"
	ChangeHidden      ChangeKind = "setHidden"
	ChangeResponse    ChangeKind = "response"
	ChangeCompleted   ChangeKind = "completedTurn"
	ChangeTitle       ChangeKind = "setCustomTitle"
)

// Change is delivered to session observers registered with OnChange.
type Change struct {
	Kind           ChangeKind
	Turn           *Turn
	TurnID         string
	ResponseID     string
	Reason         RemovalReason
	ResponseReason response.ChangeReason
	UndoStopID     string
	Checkpoint     *CheckpointChange
	Title          string
}

// CheckpointChange lists the turns and responses hidden behind a checkpoint.
type CheckpointChange struct {
	Checkpoint  string
	TurnIDs     []string
	ResponseIDs []string
}

// Session is an ordered conversation of turns. All methods are safe for
// concurrent use; observers are called without the session lock held.
type Session struct {
	mu sync.RWMutex

	id              string
	createdAt       time.Time
	lastActivity    time.Time
	customTitle     *string
	turns           []*Turn
	checkpoint      string
	imported        bool
	initialLocation string
	disposed        bool

	bus       *event.Bus
	now       func() time.Time
	respOpts  []response.ResponseOption
	observers map[uint64]func(Change)
	nextObs   uint64
}

// Option configures a Session.
type Option func(*Session)

// WithID sets the session id instead of generating one.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}

// WithBus publishes session events on bus.
func WithBus(bus *event.Bus) Option {
	return func(s *Session) { s.bus = bus }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// WithInitialLocation records where the session was started.
func WithInitialLocation(location string) Option {
	return func(s *Session) { s.initialLocation = location }
}

// WithResponseOptions is applied to every response the session creates.
func WithResponseOptions(opts ...response.ResponseOption) Option {
	return func(s *Session) { s.respOpts = append(s.respOpts, opts...) }
}

// New creates an empty session.
func New(opts ...Option) *Session {
	s := &Session{
		now:             time.Now,
		initialLocation: LocationChat,
		observers:       make(map[uint64]func(Change)),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.id == "" {
		s.id = ulid.Make().String()
	}
	s.createdAt = s.now()
	s.lastActivity = s.createdAt
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) CreatedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.createdAt
}

// LastActivity is the time the last turn was added.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

func (s *Session) IsImported() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.imported
}

func (s *Session) InitialLocation() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialLocation
}

// CustomTitle returns the user-set title, if any.
func (s *Session) CustomTitle() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.customTitle == nil {
		return "", false
	}
	return *s.customTitle, true
}

// SetCustomTitle overrides the computed title.
func (s *Session) SetCustomTitle(title string) {
	s.mu.Lock()
	s.customTitle = &title
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeTitle, Title: title})
	s.publish(event.SessionTitle, event.SessionTitleData{SessionID: s.id, Title: title})
}

// Title returns the custom title or, failing that, the first line of the
// first turn's input.
func (s *Session) Title() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.titleLocked()
}

func (s *Session) titleLocked() string {
	if s.customTitle != nil && *s.customTitle != "" {
		return *s.customTitle
	}
	return defaultTitle(s.turns)
}

func defaultTitle(turns []*Turn) string {
	if len(turns) == 0 {
		return ""
	}
	line, _, _ := strings.Cut(turns[0].Input.Text, "\n")
	if r := []rune(line); len(r) > maxTitleLength {
		return string(r[:maxTitleLength])
	}
	return line
}

// IsEmpty reports whether the session has no turns.
func (s *Session) IsEmpty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns) == 0
}

// Turns returns the turns in order.
func (s *Session) Turns() []*Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Turn(nil), s.turns...)
}

// Turn looks a turn up by id.
func (s *Session) Turn(id string) (*Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := s.indexLocked(id)
	if idx == -1 {
		return nil, false
	}
	return s.turns[idx], true
}

// LastTurn returns the most recent turn.
func (s *Session) LastTurn() (*Turn, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.turns) == 0 {
		return nil, false
	}
	return s.turns[len(s.turns)-1], true
}

func (s *Session) indexLocked(id string) int {
	for i, t := range s.turns {
		if t.ID == id {
			return i
		}
	}
	return -1
}

// AddTurn appends a turn with a fresh pending response. Turns whose removal
// was deferred past an undo stop are finalized first.
func (s *Session) AddTurn(input types.Input, opts TurnOptions) *Turn {
	for _, t := range s.Turns() {
		t.finalizeRemoveOnSend()
	}

	turn := &Turn{
		ID:            ulid.Make().String(),
		Input:         input,
		Attempt:       opts.Attempt,
		Mode:          opts.Mode,
		AgentID:       opts.AgentID,
		CompleteAdded: opts.CompleteAdded,
		session:       s,
	}

	s.mu.Lock()
	turn.Timestamp = s.now()
	respOpts := append([]response.ResponseOption{
		response.WithAgent(opts.AgentID),
		response.WithClock(s.now),
		response.WithListener(turn.responseListener),
	}, s.respOpts...)
	turn.Response = response.New(turn.ID, respOpts...)
	s.turns = append(s.turns, turn)
	s.lastActivity = turn.Timestamp
	index := len(s.turns) - 1
	s.mu.Unlock()

	s.notify(Change{Kind: ChangeTurnAdded, Turn: turn, TurnID: turn.ID, ResponseID: turn.Response.ID()})
	s.publish(event.TurnAdded, event.TurnAddedData{
		SessionID:  s.id,
		TurnID:     turn.ID,
		ResponseID: turn.Response.ID(),
		Index:      index,
	})
	return turn
}

// Checkpoint returns the id of the checkpoint turn, or "".
func (s *Session) Checkpoint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkpoint
}

// SetCheckpoint blocks turnID and every later turn. An empty turnID clears
// the checkpoint. An unknown id changes nothing and returns a zero change.
// Blocking only restricts the view; no turn is deleted.
func (s *Session) SetCheckpoint(turnID string) CheckpointChange {
	s.mu.Lock()
	change, ok := s.setCheckpointLocked(turnID)
	s.mu.Unlock()
	if !ok {
		return CheckpointChange{}
	}

	s.notify(Change{Kind: ChangeCheckpoint, Checkpoint: &change})
	s.publish(event.CheckpointChanged, event.CheckpointChangedData{
		SessionID:   s.id,
		Checkpoint:  change.Checkpoint,
		TurnIDs:     change.TurnIDs,
		ResponseIDs: change.ResponseIDs,
	})
	return change
}

func (s *Session) setCheckpointLocked(turnID string) (CheckpointChange, bool) {
	idx := -1
	if turnID != "" {
		idx = s.indexLocked(turnID)
		if idx == -1 {
			return CheckpointChange{}, false
		}
	}

	change := CheckpointChange{Checkpoint: turnID, TurnIDs: []string{}, ResponseIDs: []string{}}
	for i, t := range s.turns {
		blocked := idx != -1 && i >= idx
		t.setBlocked(blocked)
		if blocked {
			change.TurnIDs = append(change.TurnIDs, t.ID)
			if t.Response != nil {
				change.ResponseIDs = append(change.ResponseIDs, t.Response.ID())
			}
		}
	}
	s.checkpoint = turnID
	return change, true
}

// MarkRemoveOnSend replaces the remove-on-send markers of all turns. Turns
// missing from markers are unmarked.
func (s *Session) MarkRemoveOnSend(markers map[string]*types.RemoveOnSend) {
	for _, t := range s.Turns() {
		t.setRemoveOnSend(markers[t.ID])
	}
	s.notify(Change{Kind: ChangeHidden})
}

// RemoveTurn deletes a turn and disposes its response. It reports whether
// the turn existed.
func (s *Session) RemoveTurn(id string, reason RemovalReason) bool {
	s.mu.Lock()
	idx := s.indexLocked(id)
	if idx == -1 {
		s.mu.Unlock()
		return false
	}
	turn := s.turns[idx]
	s.turns = append(s.turns[:idx:idx], s.turns[idx+1:]...)
	if s.checkpoint == id {
		s.checkpoint = ""
	}
	s.mu.Unlock()

	s.turnRemoved(turn, reason)
	if turn.Response != nil {
		turn.Response.Dispose()
	}
	return true
}

func (s *Session) turnRemoved(turn *Turn, reason RemovalReason) {
	c := Change{Kind: ChangeTurnRemoved, Turn: turn, TurnID: turn.ID, Reason: reason}
	if turn.Response != nil {
		c.ResponseID = turn.Response.ID()
	}
	s.notify(c)
	s.publish(event.TurnRemoved, event.TurnRemovedData{SessionID: s.id, TurnID: turn.ID, Reason: string(reason)})
}

// AdoptTurn moves a turn, with its response, from another session into this
// one. Nothing is copied; the source reports a removal with reason
// adoption. It reports whether the turn was found.
func (s *Session) AdoptTurn(from *Session, turnID string) bool {
	if from == s {
		return false
	}

	from.mu.Lock()
	idx := from.indexLocked(turnID)
	if idx == -1 {
		from.mu.Unlock()
		return false
	}
	turn := from.turns[idx]
	from.turns = append(from.turns[:idx:idx], from.turns[idx+1:]...)
	if from.checkpoint == turnID {
		from.checkpoint = ""
	}
	from.mu.Unlock()

	turn.adoptTo(s)

	s.mu.Lock()
	s.turns = append(s.turns, turn)
	index := len(s.turns) - 1
	s.mu.Unlock()

	from.turnRemoved(turn, RemovalReasonAdoption)

	c := Change{Kind: ChangeTurnAdded, Turn: turn, TurnID: turn.ID}
	data := event.TurnAddedData{SessionID: s.id, TurnID: turn.ID, Index: index}
	if turn.Response != nil {
		c.ResponseID = turn.Response.ID()
		data.ResponseID = c.ResponseID
	}
	s.notify(c)
	s.publish(event.TurnAdded, data)
	return true
}

// OnChange registers an observer and returns a function removing it.
func (s *Session) OnChange(fn func(Change)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextObs++
	id := s.nextObs
	s.observers[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// Dispose disposes every response and drops observers.
func (s *Session) Dispose() {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return
	}
	s.disposed = true
	turns := append([]*Turn(nil), s.turns...)
	s.observers = make(map[uint64]func(Change))
	s.mu.Unlock()

	for _, t := range turns {
		if t.Response != nil {
			t.Response.Dispose()
		}
	}
}

func (s *Session) responseChanged(turn *Turn, r *response.Response, c response.Change) {
	if c.Reason == response.ChangeCompleted {
		s.notify(Change{Kind: ChangeCompleted, Turn: turn, TurnID: turn.ID, ResponseID: r.ID(), ResponseReason: c.Reason})
		data := event.ResponseCompletedData{
			SessionID:  s.id,
			TurnID:     turn.ID,
			ResponseID: r.ID(),
			State:      r.State().String(),
		}
		if res := r.Result(); res != nil && res.ErrorDetails != nil {
			data.Error = res.ErrorDetails.Message
		}
		s.publish(event.ResponseCompleted, data)
		return
	}

	s.notify(Change{
		Kind:           ChangeResponse,
		Turn:           turn,
		TurnID:         turn.ID,
		ResponseID:     r.ID(),
		ResponseReason: c.Reason,
		UndoStopID:     c.UndoStopID,
	})
	s.publish(event.ResponseChanged, event.ResponseChangedData{
		SessionID:  s.id,
		TurnID:     turn.ID,
		ResponseID: r.ID(),
		Reason:     string(c.Reason),
		UndoStopID: c.UndoStopID,
	})
}

func (s *Session) notify(c Change) {
	s.mu.RLock()
	if s.disposed {
		s.mu.RUnlock()
		return
	}
	ids := make([]uint64, 0, len(s.observers))
	for id := range s.observers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	fns := make([]func(Change), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.observers[id])
	}
	s.mu.RUnlock()

	for _, fn := range fns {
		fn(c)
	}
}

func (s *Session) publish(t event.EventType, data any) {
	if s.bus == nil {
		return
	}
	s.bus.PublishSync(event.Event{Type: t, SessionID: s.id, Data: data})
}
