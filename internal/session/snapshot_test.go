package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

var fixedNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func lastYear() int64 {
	return fixedNow.AddDate(-1, 0, 0).UnixMilli()
}

func TestNormalize(t *testing.T) {
	computed := "Computed"
	custom := "Custom"

	tests := []struct {
		name  string
		in    types.SessionSnapshot
		check func(t *testing.T, out *types.SessionSnapshot)
	}{
		{
			name: "unversioned",
			in:   types.SessionSnapshot{SessionID: "s", CreationDate: 1000, LastMessageDate: 5000, CustomTitle: &custom},
			check: func(t *testing.T, out *types.SessionSnapshot) {
				assert.Equal(t, 3, out.Version)
				assert.Equal(t, int64(1000), out.LastMessageDate)
				assert.Nil(t, out.CustomTitle)
			},
		},
		{
			name: "v2 takes computed title",
			in:   types.SessionSnapshot{Version: 2, SessionID: "s", CreationDate: 1000, LastMessageDate: 2000, ComputedTitle: computed},
			check: func(t *testing.T, out *types.SessionSnapshot) {
				assert.Equal(t, 3, out.Version)
				require.NotNil(t, out.CustomTitle)
				assert.Equal(t, computed, *out.CustomTitle)
				assert.Equal(t, int64(2000), out.LastMessageDate)
			},
		},
		{
			name: "v3 missing last message date",
			in:   types.SessionSnapshot{Version: 3, SessionID: "s", CreationDate: 1000},
			check: func(t *testing.T, out *types.SessionSnapshot) {
				assert.Equal(t, lastYear(), out.LastMessageDate)
			},
		},
		{
			name: "missing id and creation date",
			in:   types.SessionSnapshot{Version: 3, LastMessageDate: 10},
			check: func(t *testing.T, out *types.SessionSnapshot) {
				assert.NotEmpty(t, out.SessionID)
				assert.Equal(t, lastYear(), out.CreationDate)
			},
		},
		{
			name: "legacy editing location",
			in:   types.SessionSnapshot{Version: 3, SessionID: "s", CreationDate: 1, LastMessageDate: 1, InitialLocation: "editing-session"},
			check: func(t *testing.T, out *types.SessionSnapshot) {
				assert.Equal(t, LocationChat, out.InitialLocation)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.in
			out := Normalize(&in, fixedNow)
			tt.check(t, out)
		})
	}
}

func TestNormalize_DoesNotModifyInput(t *testing.T) {
	in := types.SessionSnapshot{InitialLocation: "editing-session"}
	Normalize(&in, fixedNow)
	assert.Empty(t, in.SessionID)
	assert.Equal(t, "editing-session", in.InitialLocation)
}

func TestExportImportRoundTrip(t *testing.T) {
	s := New(WithClock(func() time.Time { return fixedNow }))
	turns := addTurns(s, "first question", "second")
	turns[0].Response.AcceptProgress(types.Markdown("answer"), false)
	turns[0].Response.Complete()
	turns[1].Response.AcceptProgress(types.Markdown("partial"), false)
	s.SetCheckpoint(turns[1].ID)
	s.SetCustomTitle("Named")

	raw, err := json.Marshal(s.Export())
	require.NoError(t, err)

	var snap types.SessionSnapshot
	require.NoError(t, json.Unmarshal(raw, &snap))
	assert.Equal(t, 3, snap.Version)
	assert.Equal(t, "Named", snap.ComputedTitle)

	restored := Import(&snap)
	assert.Equal(t, s.ID(), restored.ID())
	assert.Equal(t, "Named", restored.Title())
	assert.Equal(t, fixedNow.UnixMilli(), restored.CreatedAt().UnixMilli())
	assert.Equal(t, turns[1].ID, restored.Checkpoint())

	got := restored.Turns()
	require.Len(t, got, 2)
	assert.Equal(t, "answer", got[0].Response.String())
	assert.Equal(t, types.ResponseComplete, got[0].Response.State())
	assert.Equal(t, types.ResponseCancelled, got[1].Response.State(), "pending is persisted as cancelled")
	assert.True(t, got[1].Blocked())
	assert.Equal(t, restored.ID(), got[1].SessionID())
}

func TestImport_LegacyV2(t *testing.T) {
	raw := `{
		"version": 2,
		"sessionId": "legacy",
		"creationDate": 1000,
		"computedTitle": "Old title",
		"initialLocation": "editing-session",
		"turns": [{"id": "t1", "input": {"text": "hi"}, "timestamp": 1500}]
	}`
	var snap types.SessionSnapshot
	require.NoError(t, json.Unmarshal([]byte(raw), &snap))

	s := Import(&snap, WithClock(func() time.Time { return fixedNow }))

	assert.Equal(t, "legacy", s.ID())
	assert.Equal(t, "Old title", s.Title())
	assert.Equal(t, LocationChat, s.InitialLocation())
	assert.Equal(t, lastYear(), s.LastActivity().UnixMilli())

	turns := s.Turns()
	require.Len(t, turns, 1)
	require.NotNil(t, turns[0].Response)
	assert.True(t, turns[0].Response.IsComplete())
}

func TestImport_RemoveOnSendMarkerKept(t *testing.T) {
	snap := &types.SessionSnapshot{
		Version:         3,
		SessionID:       "s",
		CreationDate:    1,
		LastMessageDate: 2,
		Turns: []types.TurnSnapshot{{
			ID:                    "t1",
			Input:                 types.Input{Text: "x"},
			ShouldBeRemovedOnSend: &types.RemoveOnSend{},
			Response:              &types.ResponseSnapshot{ID: "r1", State: types.ResponseComplete},
		}},
	}

	s := Import(snap)
	turn, ok := s.Turn("t1")
	require.True(t, ok)
	assert.NotNil(t, turn.RemoveOnSend())
	assert.Equal(t, "r1", turn.Response.ID())
}
