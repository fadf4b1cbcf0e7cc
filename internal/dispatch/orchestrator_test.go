package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessioncore/internal/editing"
	"github.com/opencode-ai/sessioncore/internal/response"
	"github.com/opencode-ai/sessioncore/internal/session"
	"github.com/opencode-ai/sessioncore/internal/sessionstore"
	"github.com/opencode-ai/sessioncore/internal/storage"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

type recordingTelemetry struct {
	mu        sync.Mutex
	records   []RequestRecord
	followups []int
}

func (t *recordingTelemetry) RequestCompleted(rec RequestRecord) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records = append(t.records, rec)
}

func (t *recordingTelemetry) FollowupsRetrieved(_ string, count int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.followups = append(t.followups, count)
}

func (t *recordingTelemetry) all() []RequestRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]RequestRecord(nil), t.records...)
}

// blockingAgent reports one batch and then waits for release or
// cancellation.
type blockingAgent struct {
	started chan Request
	release chan *types.Result
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{started: make(chan Request, 4), release: make(chan *types.Result, 4)}
}

func (a *blockingAgent) Invoke(ctx context.Context, req Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
	progress([]types.Fragment{types.Markdown("working")})
	a.started <- req
	select {
	case res := <-a.release:
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func reply(text string) Agent {
	return AgentFunc(func(_ context.Context, _ Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
		progress([]types.Fragment{types.Markdown(text)})
		return &types.Result{}, nil
	})
}

func dispatchAndWait(t *testing.T, o *Orchestrator, sessionID, text string) *response.Response {
	t.Helper()
	d, err := o.Dispatch(context.Background(), sessionID, types.Input{Text: text}, Options{})
	require.NoError(t, err)
	require.NotNil(t, d)
	resp := <-d.Created
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Wait(ctx))
	return resp
}

func newOrchestrator(agent Agent, opts ...Option) *Orchestrator {
	return New(session.NewRegistry(nil), agent, opts...)
}

func TestDispatch_RejectsEmptyMessage(t *testing.T) {
	o := newOrchestrator(reply("x"))
	defer o.Close()
	s := o.StartSession("")

	_, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "  "}, Options{})
	assert.ErrorIs(t, err, ErrEmptyMessage)
	assert.Empty(t, s.Turns())
}

func TestDispatch_UnknownSession(t *testing.T) {
	o := newOrchestrator(reply("x"))
	defer o.Close()

	_, err := o.Dispatch(context.Background(), "nope", types.Input{Text: "hi"}, Options{})
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestDispatch_CompletesResponse(t *testing.T) {
	tel := &recordingTelemetry{}
	o := newOrchestrator(reply("hello there"), WithTelemetry(tel))
	defer o.Close()
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hi")

	assert.Equal(t, types.ResponseComplete, resp.State())
	assert.Equal(t, "hello there", resp.Markdown())
	assert.False(t, o.Pending(s.ID()))
	require.Len(t, tel.all(), 1)
	assert.Equal(t, OutcomeSuccess, tel.all()[0].Outcome)
}

func TestDispatch_SecondDispatchWhilePendingIsIgnored(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	first, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "one"}, Options{})
	require.NoError(t, err)
	<-agent.started

	second, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "two"}, Options{})
	assert.NoError(t, err)
	assert.Nil(t, second)
	assert.Len(t, s.Turns(), 1)

	agent.release <- &types.Result{}
	require.NoError(t, first.Wait(context.Background()))
}

func TestDispatch_BatchMarksAllButLastQuiet(t *testing.T) {
	agent := AgentFunc(func(_ context.Context, _ Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
		progress([]types.Fragment{types.Markdown("a"), types.Markdown("b"), types.Markdown("c")})
		return &types.Result{}, nil
	})
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	var loud int
	s.OnChange(func(c session.Change) {
		if c.Kind == session.ChangeResponse && c.ResponseReason == response.ChangeContent {
			loud++
		}
	})

	resp := dispatchAndWait(t, o, s.ID(), "hi")
	assert.Equal(t, "abc", resp.Markdown())
	assert.Equal(t, 1, loud)
}

func TestDispatch_NilResultBecomesError(t *testing.T) {
	tel := &recordingTelemetry{}
	agent := AgentFunc(func(context.Context, Request, func([]types.Fragment), []HistoryTurn) (*types.Result, error) {
		return nil, nil
	})
	o := newOrchestrator(agent, WithTelemetry(tel))
	defer o.Close()
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hi")
	require.NotNil(t, resp.Result())
	require.NotNil(t, resp.Result().ErrorDetails)
	assert.Equal(t, nullResponseMessage, resp.Result().ErrorDetails.Message)
	assert.Equal(t, types.ResponseComplete, resp.State())
	assert.Equal(t, OutcomeError, tel.all()[0].Outcome)
}

func TestDispatch_AgentErrorCompletesWithDetails(t *testing.T) {
	agent := AgentFunc(func(_ context.Context, _ Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
		progress([]types.Fragment{types.Markdown("partial")})
		return nil, errors.New("rate limited")
	})
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hi")
	assert.Equal(t, types.ResponseComplete, resp.State())
	assert.Equal(t, "rate limited", resp.Result().ErrorDetails.Message)
	assert.Equal(t, "partial", resp.Markdown())
}

func TestDispatch_AgentPanicCompletesWithDetails(t *testing.T) {
	agent := AgentFunc(func(context.Context, Request, func([]types.Fragment), []HistoryTurn) (*types.Result, error) {
		panic("boom")
	})
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hi")
	assert.Equal(t, types.ResponseComplete, resp.State())
	assert.Contains(t, resp.Result().ErrorDetails.Message, "boom")
}

func TestDispatch_ClassifiesOutcomes(t *testing.T) {
	assert.Equal(t, OutcomeSuccess, classify(&types.Result{}, true))
	assert.Equal(t, OutcomeFiltered, classify(&types.Result{ErrorDetails: &types.ErrorDetails{ResponseIsFiltered: true}}, true))
	assert.Equal(t, OutcomeErrorWithOutput, classify(&types.Result{ErrorDetails: &types.ErrorDetails{}}, true))
	assert.Equal(t, OutcomeError, classify(&types.Result{ErrorDetails: &types.ErrorDetails{}}, false))
}

func TestCancel_CancelsResponseAndRecordsWait(t *testing.T) {
	tel := &recordingTelemetry{}
	agent := newBlockingAgent()
	now := time.Unix(1000, 0)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}
	o := newOrchestrator(agent, WithTelemetry(tel), WithClock(clock))
	defer o.Close()
	s := o.StartSession("")

	d, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "hi"}, Options{AgentID: "coder"})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	clockMu.Lock()
	now = now.Add(1500 * time.Millisecond)
	clockMu.Unlock()

	assert.True(t, o.Cancel(s.ID()))
	require.NoError(t, d.Wait(context.Background()))

	assert.Equal(t, types.ResponseCancelled, resp.State())
	assert.Nil(t, resp.Result())
	recs := tel.all()
	require.Len(t, recs, 1)
	assert.Equal(t, OutcomeCancelled, recs[0].Outcome)
	assert.Equal(t, int64(1500), recs[0].ElapsedBeforeCancel)
	assert.Equal(t, "coder", recs[0].AgentID)

	assert.False(t, o.Cancel(s.ID()))
}

func TestDispatch_RemoveOnSend(t *testing.T) {
	o := newOrchestrator(reply("ok"))
	defer o.Close()
	s := o.StartSession("")

	dispatchAndWait(t, o, s.ID(), "keep")
	dispatchAndWait(t, o, s.ID(), "drop")
	dispatchAndWait(t, o, s.ID(), "finalize")
	turns := s.Turns()
	require.Len(t, turns, 3)

	s.MarkRemoveOnSend(map[string]*types.RemoveOnSend{
		turns[1].ID: {},
		turns[2].ID: {AfterUndoStop: "stop-1"},
	})

	dispatchAndWait(t, o, s.ID(), "next")

	got := s.Turns()
	require.Len(t, got, 3)
	assert.Equal(t, "keep", got[0].Input.Text)
	assert.Equal(t, "finalize", got[1].Input.Text)
	assert.Nil(t, got[1].RemoveOnSend())
	assert.Equal(t, "next", got[2].Input.Text)
}

func TestDispatch_HistorySkipsBlockedTurns(t *testing.T) {
	var mu sync.Mutex
	var seen []HistoryTurn
	agent := AgentFunc(func(_ context.Context, req Request, progress func([]types.Fragment), history []HistoryTurn) (*types.Result, error) {
		mu.Lock()
		seen = history
		mu.Unlock()
		progress([]types.Fragment{types.Markdown("re: " + req.Input.Text)})
		return &types.Result{}, nil
	})
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	dispatchAndWait(t, o, s.ID(), "one")
	dispatchAndWait(t, o, s.ID(), "two")
	s.SetCheckpoint(s.Turns()[1].ID)
	dispatchAndWait(t, o, s.ID(), "three")

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 1)
	assert.Equal(t, "one", seen[0].Input.Text)
	assert.Equal(t, "re: one", seen[0].Response)
}

func TestResend_BumpsAttemptAndReplacesTurn(t *testing.T) {
	var mu sync.Mutex
	var attempts []int
	agent := AgentFunc(func(_ context.Context, req Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
		mu.Lock()
		attempts = append(attempts, req.Attempt)
		mu.Unlock()
		progress([]types.Fragment{types.Markdown("ok")})
		return &types.Result{}, nil
	})
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	dispatchAndWait(t, o, s.ID(), "again")
	first := s.Turns()[0]

	d, err := o.Resend(context.Background(), s.ID(), first.ID, Options{})
	require.NoError(t, err)
	require.NoError(t, d.Wait(context.Background()))

	turns := s.Turns()
	require.Len(t, turns, 1)
	assert.NotEqual(t, first.ID, turns[0].ID)
	assert.Equal(t, 1, turns[0].Attempt)
	assert.Equal(t, "again", turns[0].Input.Text)
	mu.Lock()
	assert.Equal(t, []int{0, 1}, attempts)
	mu.Unlock()

	_, err = o.Resend(context.Background(), s.ID(), "missing", Options{})
	assert.ErrorIs(t, err, ErrUnknownTurn)
}

func TestRemoveTurn_CancelsPendingRequest(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	d, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "hi"}, Options{})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	turnID := s.Turns()[0].ID
	require.NoError(t, o.RemoveTurn(s.ID(), turnID))
	require.NoError(t, d.Wait(context.Background()))

	assert.Equal(t, types.ResponseCancelled, resp.State())
	assert.Empty(t, s.Turns())
	assert.False(t, o.Pending(s.ID()))
	assert.ErrorIs(t, o.RemoveTurn(s.ID(), turnID), ErrUnknownTurn)
}

func TestAdoptTurn_MovesPendingRequest(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	from := o.StartSession("")
	to := o.StartSession("")

	d, err := o.Dispatch(context.Background(), from.ID(), types.Input{Text: "hi"}, Options{})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	turnID := from.Turns()[0].ID
	require.NoError(t, o.AdoptTurn(context.Background(), from.ID(), to.ID(), turnID))

	assert.Empty(t, from.Turns())
	require.Len(t, to.Turns(), 1)
	assert.False(t, o.Pending(from.ID()))
	assert.True(t, o.Pending(to.ID()))

	assert.True(t, o.Cancel(to.ID()))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, types.ResponseCancelled, resp.State())
}

func TestAdoptTurn_BusyTarget(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	from := o.StartSession("")
	to := o.StartSession("")

	dFrom, err := o.Dispatch(context.Background(), from.ID(), types.Input{Text: "first"}, Options{})
	require.NoError(t, err)
	<-dFrom.Created
	<-agent.started
	dTo, err := o.Dispatch(context.Background(), to.ID(), types.Input{Text: "second"}, Options{})
	require.NoError(t, err)
	toResp := <-dTo.Created
	<-agent.started

	turnID := from.Turns()[0].ID
	assert.ErrorIs(t, o.AdoptTurn(context.Background(), from.ID(), to.ID(), turnID), ErrSessionBusy)
	require.Len(t, from.Turns(), 1)
	require.Len(t, to.Turns(), 1)
	assert.True(t, o.Pending(from.ID()))
	assert.True(t, o.Pending(to.ID()))

	assert.True(t, o.Cancel(to.ID()))
	require.NoError(t, dTo.Wait(context.Background()))
	assert.Equal(t, types.ResponseCancelled, toResp.State())
	assert.True(t, o.Pending(from.ID()))
}

func TestAdoptTurn_CompletedTurnKeepsPendingRequest(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	from := o.StartSession("")
	to := o.StartSession("")

	agent.release <- &types.Result{}
	done, err := o.Dispatch(context.Background(), from.ID(), types.Input{Text: "done"}, Options{})
	require.NoError(t, err)
	<-agent.started
	require.NoError(t, done.Wait(context.Background()))

	d, err := o.Dispatch(context.Background(), from.ID(), types.Input{Text: "running"}, Options{})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	finished := from.Turns()[0].ID
	require.NoError(t, o.AdoptTurn(context.Background(), from.ID(), to.ID(), finished))
	assert.True(t, o.Pending(from.ID()))
	assert.False(t, o.Pending(to.ID()))

	assert.True(t, o.Cancel(from.ID()))
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, types.ResponseCancelled, resp.State())
}

func TestCancel_RacingCompletionRecordsOneOutcome(t *testing.T) {
	tel := &recordingTelemetry{}
	o := newOrchestrator(reply("quick"), WithTelemetry(tel))
	defer o.Close()
	s := o.StartSession("")

	const rounds = 50
	for i := 0; i < rounds; i++ {
		d, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "go"}, Options{})
		require.NoError(t, err)
		require.NotNil(t, d)
		resp := <-d.Created
		cancelled := o.Cancel(s.ID())
		require.NoError(t, d.Wait(context.Background()))

		if cancelled {
			assert.Equal(t, types.ResponseCancelled, resp.State())
		} else {
			assert.Equal(t, types.ResponseComplete, resp.State())
		}
		assert.False(t, o.Pending(s.ID()))
	}

	recs := tel.all()
	assert.Len(t, recs, rounds)
}

func TestDispatch_FollowCaller(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	ctx, cancel := context.WithCancel(context.Background())
	d, err := o.Dispatch(ctx, s.ID(), types.Input{Text: "hi"}, Options{FollowCaller: true})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	cancel()
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, types.ResponseCancelled, resp.State())
	assert.False(t, o.Pending(s.ID()))
}

func TestDispatch_OutlivesCallerByDefault(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	defer o.Close()
	s := o.StartSession("")

	ctx, cancel := context.WithCancel(context.Background())
	d, err := o.Dispatch(ctx, s.ID(), types.Input{Text: "hi"}, Options{})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started
	cancel()

	agent.release <- &types.Result{}
	require.NoError(t, d.Wait(context.Background()))
	assert.Equal(t, types.ResponseComplete, resp.State())
}

func TestAddCompleteTurn(t *testing.T) {
	o := newOrchestrator(reply("x"))
	defer o.Close()
	s := o.StartSession("")

	turn, err := o.AddCompleteTurn(s.ID(), types.Input{Text: "imported"}, 2, CompleteExchange{
		Fragments: []types.Fragment{types.Markdown("answer "), types.Markdown("text")},
		Followups: []types.Followup{{Message: "more?"}},
	})
	require.NoError(t, err)

	assert.True(t, turn.CompleteAdded)
	assert.Equal(t, 2, turn.Attempt)
	assert.Equal(t, types.ResponseComplete, turn.Response.State())
	assert.Equal(t, "answer text", turn.Response.Markdown())
	assert.Equal(t, []types.Followup{{Message: "more?"}}, turn.Response.Followups())
	assert.False(t, o.Pending(s.ID()))
}

type staticFollowups struct{ items []types.Followup }

func (f staticFollowups) ProvideFollowups(context.Context, Request, string) ([]types.Followup, error) {
	return f.items, nil
}

type staticTitle string

func (s staticTitle) Title(context.Context, string) (string, error) { return string(s), nil }

func TestDispatch_BackgroundFollowupsAndTitle(t *testing.T) {
	tel := &recordingTelemetry{}
	o := newOrchestrator(reply("ok"),
		WithTelemetry(tel),
		WithFollowups(staticFollowups{items: []types.Followup{{Message: "and then?"}}}),
		WithTitleGenerator(staticTitle("Greeting")),
	)
	defer o.Close()
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hello")

	assert.Eventually(t, func() bool { return len(resp.Followups()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return s.Title() == "Greeting" }, time.Second, 5*time.Millisecond)

	s.SetCustomTitle("Mine")
	dispatchAndWait(t, o, s.ID(), "second")
	o.Close()
	assert.Equal(t, "Mine", s.Title())
}

func TestDispatch_NoFollowupsAfterError(t *testing.T) {
	agent := AgentFunc(func(context.Context, Request, func([]types.Fragment), []HistoryTurn) (*types.Result, error) {
		return &types.Result{ErrorDetails: &types.ErrorDetails{Message: "no"}}, nil
	})
	o := newOrchestrator(agent, WithFollowups(staticFollowups{items: []types.Followup{{Message: "x"}}}))
	s := o.StartSession("")

	resp := dispatchAndWait(t, o, s.ID(), "hello")
	o.Close()
	assert.Nil(t, resp.Followups())
}

func TestDispatch_StreamsEditsIntoEditSession(t *testing.T) {
	coord := editing.NewCoordinator()
	agent := AgentFunc(func(_ context.Context, _ Request, progress func([]types.Fragment), _ []HistoryTurn) (*types.Result, error) {
		progress([]types.Fragment{
			&types.UndoStopFragment{ID: "stop-1"},
			&types.TextEditFragment{URI: "file:///a.txt", Edits: []types.TextEdit{{NewText: "hello"}}},
		})
		progress([]types.Fragment{
			&types.TextEditFragment{URI: "file:///a.txt", Edits: []types.TextEdit{{NewText: "hello world"}}, Done: true},
			&types.NotebookEditFragment{URI: "file:///nb.ipynb", Edits: []types.NotebookEdit{{Index: 0, Cells: []string{"print(1)"}}}},
		})
		return &types.Result{}, nil
	})
	o := newOrchestrator(agent, WithEditing(coord))
	defer o.Close()
	s := o.StartSession("")

	dispatchAndWait(t, o, s.ID(), "edit it")

	es, ok := coord.Get(s.ID())
	require.True(t, ok)
	text, ok := es.Text("file:///a.txt")
	require.True(t, ok)
	assert.Equal(t, "hello world", text)
	cells, ok := es.Cells("file:///nb.ipynb")
	require.True(t, ok)
	assert.Equal(t, []string{"print(1)"}, cells)

	var stops []string
	for _, cp := range es.Checkpoints() {
		if cp.ResponseID != "" {
			stops = append(stops, cp.StopID)
		}
	}
	assert.Equal(t, []string{"stop-1", "stop-1"}, stops)

	require.NoError(t, o.ClearSession(context.Background(), s.ID()))
	_, ok = coord.Get(s.ID())
	assert.False(t, ok)
}

func TestClearSession_DeletesEmptyAndStoresRest(t *testing.T) {
	store := sessionstore.New(storage.NewMemoryBackend())
	defer store.Close()
	o := newOrchestrator(reply("ok"), WithStore(store))
	defer o.Close()
	ctx := context.Background()

	empty := o.StartSession("")
	require.NoError(t, o.ClearSession(ctx, empty.ID()))
	has, err := store.HasSessions(ctx)
	require.NoError(t, err)
	assert.False(t, has)

	used := o.StartSession("")
	dispatchAndWait(t, o, used.ID(), "remember me")
	require.NoError(t, o.ClearSession(ctx, used.ID()))

	_, live := o.Sessions().Get(used.ID())
	assert.False(t, live)
	snap, err := store.ReadSession(ctx, used.ID())
	require.NoError(t, err)
	require.NotNil(t, snap)
	require.Len(t, snap.Turns, 1)
	assert.Equal(t, "remember me", snap.Turns[0].Input.Text)

	restored, err := o.LoadSession(ctx, used.ID())
	require.NoError(t, err)
	assert.Len(t, restored.Turns(), 1)

	_, err = o.LoadSession(ctx, "never-stored")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestSaveState_StoresChatSessionsOnly(t *testing.T) {
	store := sessionstore.New(storage.NewMemoryBackend())
	defer store.Close()
	o := newOrchestrator(reply("ok"), WithStore(store))
	defer o.Close()
	ctx := context.Background()

	chat := o.StartSession("")
	dispatchAndWait(t, o, chat.ID(), "chat")
	inline := o.StartSession("editor")
	dispatchAndWait(t, o, inline.ID(), "inline")

	require.NoError(t, o.SaveState(ctx))

	index, err := store.GetIndex(ctx)
	require.NoError(t, err)
	assert.Contains(t, index.Entries, chat.ID())
	assert.NotContains(t, index.Entries, inline.ID())

	require.NoError(t, o.SetTitle(ctx, chat.ID(), "Renamed"))
	index, err = store.GetIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", index.Entries[chat.ID()].Title)
}

func TestSaveState_WithoutStore(t *testing.T) {
	o := newOrchestrator(reply("ok"))
	defer o.Close()
	assert.ErrorIs(t, o.SaveState(context.Background()), ErrNoStore)
}

func TestClose_CancelsPending(t *testing.T) {
	agent := newBlockingAgent()
	o := newOrchestrator(agent)
	s := o.StartSession("")

	d, err := o.Dispatch(context.Background(), s.ID(), types.Input{Text: "hi"}, Options{})
	require.NoError(t, err)
	resp := <-d.Created
	<-agent.started

	o.Close()
	assert.Equal(t, types.ResponseCancelled, resp.State())

	d, err = o.Dispatch(context.Background(), s.ID(), types.Input{Text: "again"}, Options{})
	assert.NoError(t, err)
	assert.Nil(t, d)
}
