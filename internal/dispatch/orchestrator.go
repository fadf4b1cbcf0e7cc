// Package dispatch runs agent requests against sessions.
//
// The Orchestrator allows at most one in-flight request per session. Each
// dispatch adds a turn, streams the agent's progress into its response and
// always ends with the response Complete or Cancelled. Followups and the
// session title are produced afterwards in the background.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/editing"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/internal/sessionstore"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

var (
	ErrEmptyMessage   = errors.New("dispatch: empty message")
	ErrUnknownSession = errors.New("dispatch: unknown session")
	ErrUnknownTurn    = errors.New("dispatch: unknown turn")
	ErrNoStore        = errors.New("dispatch: no session store configured")
	ErrSessionBusy    = errors.New("dispatch: session has a pending request")
)

const (
	nullResponseMessage = "Provider returned null response"
	titleTimeout        = 30 * time.Second
)

// Options are the optional parameters of a dispatch.
type Options struct {
	Attempt int
	Mode    string
	AgentID string
	// Location defaults to the session's initial location.
	Location string
	// FollowCaller cancels the request when the dispatching context ends.
	// By default a request outlives its caller and only Cancel, RemoveTurn,
	// Resend or Close end it.
	FollowCaller bool
}

// Dispatched reports the progress of an accepted dispatch. Created delivers
// the new turn's response and is then closed. Done is closed once the
// response reached a terminal state.
type Dispatched struct {
	Created <-chan *response.Response
	Done    <-chan struct{}
}

// Wait blocks until the dispatch finished or ctx ends.
func (d *Dispatched) Wait(ctx context.Context) error {
	select {
	case <-d.Done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type pendingRequest struct {
	// written with both Orchestrator.mu and mu held
	sessionID string

	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	mu          sync.Mutex
	turnID      string
	agentID     string
	location    string
	attempt     int
	resp        *response.Response
	cancelled   bool
	finished    bool // the run owns the terminal transition
	gotProgress bool
	undoStop    string
	edits       map[string]*editing.StreamingHandle
}

// Orchestrator dispatches requests to an Agent.
type Orchestrator struct {
	mu             sync.Mutex
	pending        map[string]*pendingRequest
	followupCancel map[string]context.CancelFunc
	closed         bool

	sessions  *session.Registry
	agent     Agent
	store     *sessionstore.Store
	followups FollowupProvider
	titles    TitleGenerator
	telemetry Telemetry
	editing   *editing.Coordinator

	now func() time.Time
	log zerolog.Logger
	wg  sync.WaitGroup
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithStore persists sessions on SaveState and ClearSession.
func WithStore(store *sessionstore.Store) Option {
	return func(o *Orchestrator) { o.store = store }
}

// WithFollowups requests followup suggestions after successful turns.
func WithFollowups(f FollowupProvider) Option {
	return func(o *Orchestrator) { o.followups = f }
}

// WithTitleGenerator names sessions after their first turn.
func WithTitleGenerator(g TitleGenerator) Option {
	return func(o *Orchestrator) { o.titles = g }
}

// WithTelemetry replaces the default log-based telemetry.
func WithTelemetry(t Telemetry) Option {
	return func(o *Orchestrator) { o.telemetry = t }
}

// WithEditing streams text and notebook edits into the edit sessions of c.
func WithEditing(c *editing.Coordinator) Option {
	return func(o *Orchestrator) { o.editing = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an orchestrator for the sessions of registry.
func New(registry *session.Registry, agent Agent, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		pending:        make(map[string]*pendingRequest),
		followupCancel: make(map[string]context.CancelFunc),
		sessions:       registry,
		agent:          agent,
		now:            time.Now,
		log:            logging.Component("dispatch"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.telemetry == nil {
		o.telemetry = LogTelemetry{Log: o.log}
	}
	if o.editing != nil {
		registry.OnWillDispose(func(s *session.Session) { o.editing.Unbind(s.ID()) })
	}
	return o
}

// Sessions returns the registry the orchestrator works on.
func (o *Orchestrator) Sessions() *session.Registry { return o.sessions }

// StartSession creates a live session. Chat sessions get an edit session
// when editing is enabled.
func (o *Orchestrator) StartSession(location string) *session.Session {
	if location == "" {
		location = session.LocationChat
	}
	s := o.sessions.Start(session.WithInitialLocation(location))
	o.bindEditing(s)
	o.log.Debug().Str("session", s.ID()).Str("location", location).Msg("session started")
	return s
}

func (o *Orchestrator) bindEditing(s *session.Session) {
	if o.editing == nil || s.InitialLocation() != session.LocationChat {
		return
	}
	if _, ok := o.editing.Get(s.ID()); !ok {
		o.editing.Bind(s)
	}
}

// LoadSession returns a live session, restoring it from the store if
// needed. It returns ErrUnknownSession when neither has it.
func (o *Orchestrator) LoadSession(ctx context.Context, sessionID string) (*session.Session, error) {
	if s, ok := o.sessions.Get(sessionID); ok {
		return s, nil
	}
	if o.store == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	snap, err := o.store.ReadSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("restore session %s: %w", sessionID, err)
	}
	if snap == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	s := o.sessions.Load(snap)
	o.bindEditing(s)
	return s, nil
}

func (o *Orchestrator) session(sessionID string) (*session.Session, error) {
	s, ok := o.sessions.Get(sessionID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return s, nil
}

// Pending reports whether a request is in flight for the session.
func (o *Orchestrator) Pending(sessionID string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.pending[sessionID]
	return ok
}

// reserve claims the session's single request slot. It returns nil when a
// request is already pending.
func (o *Orchestrator) reserve(ctx context.Context, sessionID string, opts Options) *pendingRequest {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return nil
	}
	if _, busy := o.pending[sessionID]; busy {
		return nil
	}
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &pendingRequest{
		sessionID: sessionID,
		ctx:       reqCtx,
		cancel:    cancel,
		start:     o.now(),
	}
	if opts.FollowCaller {
		stop := context.AfterFunc(ctx, func() { o.cancelRequest(p) })
		p.cancel = func() {
			stop()
			cancel()
		}
	}
	o.pending[sessionID] = p
	return p
}

// Dispatch sends input to the agent as a new turn of the session. It
// returns immediately; the returned Dispatched tracks the request. While
// another request of the session is pending the call does nothing and
// returns nil, nil.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionID string, input types.Input, opts Options) (*Dispatched, error) {
	if strings.TrimSpace(input.Text) == "" && opts.AgentID == "" {
		o.log.Debug().Str("session", sessionID).Msg("rejected empty message")
		return nil, ErrEmptyMessage
	}
	s, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}

	p := o.reserve(ctx, sessionID, opts)
	if p == nil {
		o.log.Debug().Str("session", sessionID).Msg("session already has a pending request")
		return nil, nil
	}

	turns := s.Turns()
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		marker := t.RemoveOnSend()
		if marker == nil {
			continue
		}
		if marker.AfterUndoStop != "" {
			t.FinalizeUndoState()
		} else {
			s.RemoveTurn(t.ID, session.RemovalReasonRemoval)
		}
	}

	return o.send(s, p, input, opts), nil
}

// Resend cancels any pending request of the session, removes the turn and
// dispatches its input again with the next attempt number.
func (o *Orchestrator) Resend(ctx context.Context, sessionID, turnID string, opts Options) (*Dispatched, error) {
	s, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}
	turn, ok := s.Turn(turnID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}

	if o.release(sessionID) {
		o.log.Debug().Str("session", sessionID).Msg("cancelled pending request before resend")
	}

	if opts.Attempt <= turn.Attempt {
		opts.Attempt = turn.Attempt + 1
	}
	if opts.AgentID == "" {
		opts.AgentID = turn.AgentID
	}
	if opts.Mode == "" {
		opts.Mode = turn.Mode
	}
	s.RemoveTurn(turnID, session.RemovalReasonResend)

	p := o.reserve(ctx, sessionID, opts)
	if p == nil {
		return nil, nil
	}
	return o.send(s, p, turn.Input, opts), nil
}

func (o *Orchestrator) send(s *session.Session, p *pendingRequest, input types.Input, opts Options) *Dispatched {
	location := opts.Location
	if location == "" {
		location = s.InitialLocation()
	}
	followupCtx := o.refreshFollowupContext(s.ID())
	history := historyOf(s)

	turn := s.AddTurn(input, session.TurnOptions{
		Attempt: opts.Attempt,
		Mode:    opts.Mode,
		AgentID: opts.AgentID,
	})

	p.mu.Lock()
	p.turnID = turn.ID
	p.agentID = opts.AgentID
	p.location = location
	p.attempt = opts.Attempt
	p.resp = turn.Response
	cancelledEarly := p.cancelled
	p.mu.Unlock()
	if cancelledEarly {
		turn.Response.Cancel()
	}

	created := make(chan *response.Response, 1)
	created <- turn.Response
	close(created)
	done := make(chan struct{})

	req := Request{
		SessionID:  s.ID(),
		TurnID:     turn.ID,
		ResponseID: turn.Response.ID(),
		Input:      input,
		Attempt:    opts.Attempt,
		Mode:       opts.Mode,
		AgentID:    opts.AgentID,
		Location:   location,
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer close(done)
		defer o.finish(p)
		o.run(p, turn, req, history, followupCtx)
	}()

	return &Dispatched{Created: created, Done: done}
}

// historyOf returns the visible exchanges of the session.
func historyOf(s *session.Session) []HistoryTurn {
	var history []HistoryTurn
	for _, t := range s.Turns() {
		if t.Response == nil || t.Blocked() {
			continue
		}
		history = append(history, HistoryTurn{Input: t.Input, Response: t.Response.Markdown()})
	}
	return history
}

func (o *Orchestrator) run(p *pendingRequest, turn *session.Turn, req Request, history []HistoryTurn, followupCtx context.Context) {
	log := o.log.With().Str("session", req.SessionID).Str("turn", req.TurnID).Logger()

	progress := func(batch []types.Fragment) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.cancelled || p.ctx.Err() != nil || turn.Response.IsComplete() {
			return
		}
		p.gotProgress = true
		for i, f := range batch {
			o.routeEdit(p, turn, f)
			turn.Response.AcceptProgress(f, i != len(batch)-1)
		}
	}

	result, err := o.invoke(p.ctx, req, progress, history)

	p.mu.Lock()
	cancelled := p.cancelled
	gotProgress := p.gotProgress
	p.finished = !cancelled
	p.mu.Unlock()
	if cancelled {
		log.Debug().Msg("request was cancelled")
		return
	}

	if err != nil {
		log.Error().Err(err).Msg("error while handling request")
		o.telemetry.RequestCompleted(RequestRecord{
			SessionID: req.SessionID,
			TurnID:    req.TurnID,
			AgentID:   req.AgentID,
			Location:  req.Location,
			Attempt:   req.Attempt,
			Outcome:   OutcomeError,
		})
		o.completeEdits(p)
		turn.Response.SetResult(&types.Result{ErrorDetails: &types.ErrorDetails{Message: err.Error()}})
		turn.Response.Complete()
		return
	}

	if result == nil {
		log.Debug().Msg("agent returned no result")
		result = &types.Result{ErrorDetails: &types.ErrorDetails{Message: nullResponseMessage}}
	}

	outcome := classify(result, gotProgress)
	rec := RequestRecord{
		SessionID: req.SessionID,
		TurnID:    req.TurnID,
		AgentID:   req.AgentID,
		Location:  req.Location,
		Attempt:   req.Attempt,
		Outcome:   outcome,
	}
	if result.Timings != nil {
		rec.TimeToFirstProgress = result.Timings.FirstProgress
		rec.TotalTime = result.Timings.TotalElapsed
	}
	o.telemetry.RequestCompleted(rec)

	o.completeEdits(p)
	turn.Response.SetResult(result)
	turn.Response.Complete()
	log.Debug().Str("outcome", string(outcome)).Msg("request completed")

	if result.ErrorDetails != nil {
		return
	}
	o.requestFollowups(followupCtx, turn, req)
	o.requestTitle(turn, req)
}

// invoke calls the agent, turning a panic into an error so the response
// still reaches a terminal state.
func (o *Orchestrator) invoke(ctx context.Context, req Request, progress func([]types.Fragment), history []HistoryTurn) (result *types.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("agent panicked: %v", r)
		}
	}()
	return o.agent.Invoke(ctx, req, progress, history)
}

func (o *Orchestrator) finish(p *pendingRequest) {
	o.mu.Lock()
	if o.pending[p.sessionID] == p {
		delete(o.pending, p.sessionID)
	}
	o.mu.Unlock()
	p.cancel()
}

// Cancel cancels the session's pending request. It reports whether there
// was one.
func (o *Orchestrator) Cancel(sessionID string) bool {
	o.mu.Lock()
	p, ok := o.pending[sessionID]
	o.mu.Unlock()

	if !ok {
		return false
	}
	return o.cancelRequest(p)
}

// release frees the session's slot and cancels the request holding it
// unless that request is already finishing. It reports whether a request
// was cancelled.
func (o *Orchestrator) release(sessionID string) bool {
	o.mu.Lock()
	p, ok := o.pending[sessionID]
	delete(o.pending, sessionID)
	o.mu.Unlock()
	if !ok {
		return false
	}
	return o.cancelPending(p)
}

// cancelRequest cancels p and frees its session slot. It reports false when
// p already completed or was cancelled.
func (o *Orchestrator) cancelRequest(p *pendingRequest) bool {
	if !o.cancelPending(p) {
		return false
	}
	o.mu.Lock()
	if o.pending[p.sessionID] == p {
		delete(o.pending, p.sessionID)
	}
	o.mu.Unlock()
	return true
}

func (o *Orchestrator) cancelPending(p *pendingRequest) bool {
	p.mu.Lock()
	if p.cancelled || p.finished {
		p.mu.Unlock()
		return false
	}
	p.cancelled = true
	resp := p.resp
	rec := RequestRecord{
		SessionID:           p.sessionID,
		TurnID:              p.turnID,
		AgentID:             p.agentID,
		Location:            p.location,
		Attempt:             p.attempt,
		Outcome:             OutcomeCancelled,
		ElapsedBeforeCancel: o.now().Sub(p.start).Milliseconds(),
	}
	p.mu.Unlock()

	p.cancel()
	if resp == nil {
		return true
	}
	o.telemetry.RequestCompleted(rec)
	o.completeEdits(p)
	resp.Cancel()
	return true
}

// RemoveTurn removes a turn, cancelling it first if it is the pending one.
func (o *Orchestrator) RemoveTurn(sessionID, turnID string) error {
	s, err := o.session(sessionID)
	if err != nil {
		return err
	}

	o.mu.Lock()
	p, ok := o.pending[sessionID]
	if ok {
		p.mu.Lock()
		ok = p.turnID == turnID
		p.mu.Unlock()
	}
	if ok {
		delete(o.pending, sessionID)
	}
	o.mu.Unlock()
	if ok {
		o.cancelPending(p)
	}

	if !s.RemoveTurn(turnID, session.RemovalReasonRemoval) {
		return fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	return nil
}

// AdoptTurn moves a turn between sessions. A request still running for the
// turn moves with it, so cancelling the target session cancels it. Moving a
// running turn into a session with its own pending request fails with
// ErrSessionBusy.
func (o *Orchestrator) AdoptTurn(ctx context.Context, fromID, toID, turnID string) error {
	from, err := o.session(fromID)
	if err != nil {
		return err
	}
	to, err := o.session(toID)
	if err != nil {
		return err
	}
	if _, ok := from.Turn(turnID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}

	moved, err := o.movePending(fromID, toID, turnID)
	if err != nil {
		return err
	}
	if !to.AdoptTurn(from, turnID) {
		if moved != nil {
			o.mu.Lock()
			o.retag(moved, toID, fromID)
			o.mu.Unlock()
		}
		return fmt.Errorf("%w: %s", ErrUnknownTurn, turnID)
	}
	o.log.Debug().Str("from", fromID).Str("to", toID).Str("turn", turnID).Msg("turn adopted")
	return nil
}

// movePending hands the request running turnID over to session toID.
func (o *Orchestrator) movePending(fromID, toID, turnID string) (*pendingRequest, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	p, ok := o.pending[fromID]
	if !ok {
		return nil, nil
	}
	p.mu.Lock()
	owns := p.turnID == turnID && !p.cancelled && !p.finished
	p.mu.Unlock()
	if !owns {
		return nil, nil
	}
	if _, busy := o.pending[toID]; busy {
		return nil, fmt.Errorf("%w: %s", ErrSessionBusy, toID)
	}
	o.retag(p, fromID, toID)
	return p, nil
}

// retag moves p between session slots. o.mu must be held.
func (o *Orchestrator) retag(p *pendingRequest, fromID, toID string) {
	if o.pending[fromID] == p {
		delete(o.pending, fromID)
	}
	p.mu.Lock()
	p.sessionID = toID
	p.mu.Unlock()
	o.pending[toID] = p
}

// CompleteExchange is a finished response to import with AddCompleteTurn.
type CompleteExchange struct {
	Fragments []types.Fragment
	Result    *types.Result
	Followups []types.Followup
}

// AddCompleteTurn appends an already finished exchange to the session
// without calling the agent.
func (o *Orchestrator) AddCompleteTurn(sessionID string, input types.Input, attempt int, exchange CompleteExchange) (*session.Turn, error) {
	s, err := o.session(sessionID)
	if err != nil {
		return nil, err
	}

	turn := s.AddTurn(input, session.TurnOptions{Attempt: attempt, CompleteAdded: true})
	for _, f := range exchange.Fragments {
		turn.Response.AcceptProgress(f, true)
	}
	result := exchange.Result
	if result == nil {
		result = &types.Result{}
	}
	turn.Response.SetResult(result)
	if exchange.Followups != nil {
		turn.Response.SetFollowups(exchange.Followups)
	}
	turn.Response.Complete()
	return turn, nil
}

// ClearSession persists or deletes a chat session, then disposes it and
// cancels its pending request. Empty sessions without a custom title are
// deleted from the store instead of saved.
func (o *Orchestrator) ClearSession(ctx context.Context, sessionID string) error {
	s, err := o.session(sessionID)
	if err != nil {
		return err
	}

	if o.store != nil && s.InitialLocation() == session.LocationChat {
		_, hasTitle := s.CustomTitle()
		if s.IsEmpty() && !hasTitle {
			err = o.store.DeleteSession(ctx, sessionID)
		} else {
			err = o.store.StoreSessions(ctx, []types.SessionSnapshot{*s.Export()})
		}
		if err != nil {
			return fmt.Errorf("persist cleared session: %w", err)
		}
	}

	o.sessions.Dispose(sessionID, "cleared")
	o.Cancel(sessionID)
	o.stopFollowups(sessionID)
	return nil
}

// SaveState persists every live chat session.
func (o *Orchestrator) SaveState(ctx context.Context) error {
	if o.store == nil {
		return ErrNoStore
	}
	var snaps []types.SessionSnapshot
	for _, s := range o.sessions.Live() {
		if s.InitialLocation() != session.LocationChat {
			continue
		}
		snaps = append(snaps, *s.Export())
	}
	if len(snaps) == 0 {
		return nil
	}
	return o.store.StoreSessions(ctx, snaps)
}

// Autosave calls SaveState every interval until ctx ends, then once more.
func (o *Orchestrator) Autosave(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := o.SaveState(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, ErrNoStore) {
				o.log.Error().Err(err).Msg("final save failed")
			}
			return
		case <-ticker.C:
			if err := o.SaveState(ctx); err != nil && !errors.Is(err, ErrNoStore) {
				o.log.Warn().Err(err).Msg("autosave failed")
			}
		}
	}
}

// Migrate imports legacy sessions into the store before its first use.
func (o *Orchestrator) Migrate(ctx context.Context, legacy sessionstore.LegacySource) error {
	if o.store == nil {
		return ErrNoStore
	}
	return o.store.Migrate(ctx, legacy)
}

// SetTitle renames a session. A live chat session is stored again with its
// new title; otherwise only the store index is updated.
func (o *Orchestrator) SetTitle(ctx context.Context, sessionID, title string) error {
	if s, ok := o.sessions.Get(sessionID); ok {
		s.SetCustomTitle(title)
		if o.store == nil || s.InitialLocation() != session.LocationChat {
			return nil
		}
		return o.store.StoreSessions(ctx, []types.SessionSnapshot{*s.Export()})
	}
	if o.store == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return o.store.SetSessionTitle(ctx, sessionID, title)
}

// Close cancels every pending request and waits for background work.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	pending := o.pending
	o.pending = make(map[string]*pendingRequest)
	for id, cancel := range o.followupCancel {
		cancel()
		delete(o.followupCancel, id)
	}
	o.mu.Unlock()

	for _, p := range pending {
		o.cancelPending(p)
	}
	o.wg.Wait()
}
