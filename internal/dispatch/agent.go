package dispatch

import (
	"context"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

// Request is one invocation of an agent for a turn.
type Request struct {
	SessionID  string
	TurnID     string
	ResponseID string
	Input      types.Input
	Attempt    int
	Mode       string
	AgentID    string
	Location   string
}

// HistoryTurn is a completed exchange handed to the agent as context.
type HistoryTurn struct {
	Input    types.Input
	Response string
}

// Agent produces the response of a turn. Fragments are reported through
// progress in batches as they are produced. A nil result with a nil error
// means the agent ended without answering.
type Agent interface {
	Invoke(ctx context.Context, req Request, progress func([]types.Fragment), history []HistoryTurn) (*types.Result, error)
}

// AgentFunc adapts a function to Agent.
type AgentFunc func(ctx context.Context, req Request, progress func([]types.Fragment), history []HistoryTurn) (*types.Result, error)

func (f AgentFunc) Invoke(ctx context.Context, req Request, progress func([]types.Fragment), history []HistoryTurn) (*types.Result, error) {
	return f(ctx, req, progress, history)
}

// FollowupProvider suggests next messages after a successful turn.
type FollowupProvider interface {
	ProvideFollowups(ctx context.Context, req Request, responseText string) ([]types.Followup, error)
}

// TitleGenerator names a session from its first message.
type TitleGenerator interface {
	Title(ctx context.Context, input string) (string, error)
}
