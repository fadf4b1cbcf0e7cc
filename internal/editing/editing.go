// Package editing tracks the resource edits an agent makes during a session
// and lets a client roll them back to any turn or undo stop.
//
// Resources are opaque URIs with in-memory contents: either text or a list of
// notebook cells. An EditSession records a timeline of checkpoints holding a
// copy of every resource, one before each turn and one at each undo stop.
package editing

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/internal/session"
)

// ErrNoCheckpoint is returned when a turn/stop pair has no checkpoint.
var ErrNoCheckpoint = errors.New("editing: no checkpoint")

// Coordinator owns the edit sessions of all live sessions, at most one each.
type Coordinator struct {
	mu    sync.Mutex
	bound map[string]*EditSession
	now   func() time.Time
}

// NewCoordinator creates an empty coordinator.
func NewCoordinator() *Coordinator {
	return &Coordinator{
		bound: make(map[string]*EditSession),
		now:   time.Now,
	}
}

// Bind starts an edit session for s. Binding the same session twice is a
// programming error and panics.
func (c *Coordinator) Bind(s *session.Session) *EditSession {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.bound[s.ID()]; ok {
		panic(fmt.Sprintf("editing: session %s already bound", s.ID()))
	}

	es := &EditSession{
		sessionID: s.ID(),
		resources: make(map[string]*resource),
		now:       c.now,
		log:       logging.Component("editing").With().Str("session", s.ID()).Logger(),
	}
	es.unsubscribe = s.OnChange(es.onSessionChange)
	c.bound[s.ID()] = es
	return es
}

// Get returns the edit session bound to sessionID.
func (c *Coordinator) Get(sessionID string) (*EditSession, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	es, ok := c.bound[sessionID]
	return es, ok
}

// Unbind stops observing the session and forgets its edit session.
func (c *Coordinator) Unbind(sessionID string) {
	c.mu.Lock()
	es, ok := c.bound[sessionID]
	delete(c.bound, sessionID)
	c.mu.Unlock()

	if ok {
		es.unsubscribe()
	}
}

type resource struct {
	text     string
	cells    []string
	notebook bool
}

func (r *resource) clone() *resource {
	cp := *r
	cp.cells = append([]string(nil), r.cells...)
	return &cp
}

// Checkpoint is one point on the edit timeline.
type Checkpoint struct {
	ID         string
	TurnID     string
	StopID     string
	ResponseID string
	Label      string
	CreatedAt  time.Time

	contents map[string]*resource
}

// Resources lists the resources captured by the checkpoint.
func (cp *Checkpoint) Resources() []string {
	out := make([]string, 0, len(cp.contents))
	for uri := range cp.contents {
		out = append(out, uri)
	}
	sort.Strings(out)
	return out
}

// EditSession is the edit timeline of one session.
type EditSession struct {
	mu sync.Mutex

	sessionID   string
	resources   map[string]*resource
	checkpoints []*Checkpoint
	unsubscribe func()

	now func() time.Time
	log zerolog.Logger
}

func (es *EditSession) SessionID() string { return es.sessionID }

// SetText sets the contents of a text resource.
func (es *EditSession) SetText(uri, text string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.resources[uri] = &resource{text: text}
}

// SetCells sets the contents of a notebook resource.
func (es *EditSession) SetCells(uri string, cells []string) {
	es.mu.Lock()
	defer es.mu.Unlock()
	es.resources[uri] = &resource{cells: append([]string(nil), cells...), notebook: true}
}

// Text returns the contents of a text resource.
func (es *EditSession) Text(uri string) (string, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	r, ok := es.resources[uri]
	if !ok || r.notebook {
		return "", false
	}
	return r.text, true
}

// Cells returns the cells of a notebook resource.
func (es *EditSession) Cells(uri string) ([]string, bool) {
	es.mu.Lock()
	defer es.mu.Unlock()
	r, ok := es.resources[uri]
	if !ok || !r.notebook {
		return nil, false
	}
	return append([]string(nil), r.cells...), true
}

func checkpointLabel(turnID, stopID string) string {
	return fmt.Sprintf("Request %s - Stop %s", turnID, stopID)
}

// CreateSnapshot records a checkpoint of every resource for a turn and undo
// stop. An empty stopID marks the state before the turn's edits. A repeated
// turn/stop pair replaces the earlier checkpoint.
func (es *EditSession) CreateSnapshot(turnID, stopID string) *Checkpoint {
	es.mu.Lock()
	defer es.mu.Unlock()

	cp := es.captureLocked()
	cp.TurnID = turnID
	cp.StopID = stopID
	cp.Label = checkpointLabel(turnID, stopID)

	for i, existing := range es.checkpoints {
		if existing.TurnID == turnID && existing.StopID == stopID && existing.ResponseID == "" {
			es.checkpoints[i] = cp
			return cp
		}
	}
	es.checkpoints = append(es.checkpoints, cp)
	es.log.Debug().Str("label", cp.Label).Int("resources", len(cp.contents)).Msg("checkpoint")
	return cp
}

func (es *EditSession) captureLocked() *Checkpoint {
	cp := &Checkpoint{
		ID:        ulid.Make().String(),
		CreatedAt: es.now(),
		contents:  make(map[string]*resource, len(es.resources)),
	}
	for uri, r := range es.resources {
		cp.contents[uri] = r.clone()
	}
	return cp
}

// Checkpoints returns the timeline in creation order.
func (es *EditSession) Checkpoints() []*Checkpoint {
	es.mu.Lock()
	defer es.mu.Unlock()
	return append([]*Checkpoint(nil), es.checkpoints...)
}

func (es *EditSession) findLocked(turnID, stopID string) *Checkpoint {
	for i := len(es.checkpoints) - 1; i >= 0; i-- {
		cp := es.checkpoints[i]
		if cp.TurnID == turnID && cp.StopID == stopID && cp.ResponseID == "" {
			return cp
		}
	}
	return nil
}

func (es *EditSession) byIDLocked(id string) *Checkpoint {
	for _, cp := range es.checkpoints {
		if cp.ID == id {
			return cp
		}
	}
	return nil
}

// RestoreSnapshot resets every resource to the checkpoint of a turn and stop.
// Resources created after the checkpoint are dropped.
func (es *EditSession) RestoreSnapshot(turnID, stopID string) error {
	es.mu.Lock()
	defer es.mu.Unlock()

	cp := es.findLocked(turnID, stopID)
	if cp == nil {
		return fmt.Errorf("%w: %s", ErrNoCheckpoint, checkpointLabel(turnID, stopID))
	}

	es.resources = make(map[string]*resource, len(cp.contents))
	for uri, r := range cp.contents {
		es.resources[uri] = r.clone()
	}
	es.log.Info().Str("label", cp.Label).Msg("restored checkpoint")
	return nil
}

// Diff compares a resource between two checkpoints by id. An empty toID
// compares against the current contents. Notebook cells are compared as
// their concatenation.
func (es *EditSession) Diff(uri, fromID, toID string) (DiffInfo, error) {
	es.mu.Lock()
	defer es.mu.Unlock()

	from := es.byIDLocked(fromID)
	if from == nil {
		return DiffInfo{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, fromID)
	}
	before := flatten(from.contents[uri])

	var after string
	if toID == "" {
		after = flatten(es.resources[uri])
	} else {
		to := es.byIDLocked(toID)
		if to == nil {
			return DiffInfo{}, fmt.Errorf("%w: %s", ErrNoCheckpoint, toID)
		}
		after = flatten(to.contents[uri])
	}
	return buildDiff(uri, before, after), nil
}

func flatten(r *resource) string {
	if r == nil {
		return ""
	}
	if !r.notebook {
		return r.text
	}
	if len(r.cells) == 0 {
		return ""
	}
	return strings.Join(r.cells, "\n") + "\n"
}

func (es *EditSession) onSessionChange(c session.Change) {
	switch c.Kind {
	case session.ChangeTurnAdded:
		es.CreateSnapshot(c.TurnID, "")
	case session.ChangeResponse:
		if c.ResponseReason == response.ChangeUndoStop && c.UndoStopID != "" {
			es.CreateSnapshot(c.TurnID, c.UndoStopID)
		}
	}
}
