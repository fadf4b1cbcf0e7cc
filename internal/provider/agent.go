package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/dispatch"
	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const defaultSystemPrompt = `You are a helpful coding assistant. Answer in markdown.`

// Agent answers turns by streaming a chat completion.
type Agent struct {
	provider  Provider
	system    string
	maxTokens int
	now       func() time.Time
	log       zerolog.Logger
}

// AgentOption configures an Agent.
type AgentOption func(*Agent)

// WithSystemPrompt replaces the default system prompt.
func WithSystemPrompt(prompt string) AgentOption {
	return func(a *Agent) { a.system = prompt }
}

// WithMaxTokens caps the completion length.
func WithMaxTokens(n int) AgentOption {
	return func(a *Agent) { a.maxTokens = n }
}

// NewAgent creates an agent backed by p.
func NewAgent(p Provider, opts ...AgentOption) *Agent {
	a := &Agent{
		provider: p,
		system:   defaultSystemPrompt,
		now:      time.Now,
		log:      logging.Component("agent").With().Str("provider", p.ID()).Logger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

var _ dispatch.Agent = (*Agent)(nil)

// Invoke implements dispatch.Agent. Every stream chunk becomes one progress
// batch. An empty stream yields a nil result.
func (a *Agent) Invoke(ctx context.Context, req dispatch.Request, progress func([]types.Fragment), history []dispatch.HistoryTurn) (*types.Result, error) {
	start := a.now()

	stream, err := a.provider.CreateCompletion(ctx, &CompletionRequest{
		Messages:  a.messages(req, history),
		MaxTokens: a.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("create completion: %w", err)
	}
	defer stream.Close()

	var (
		firstProgress int64
		produced      bool
		finishReason  string
		usage         *schema.TokenUsage
		seenTools     = make(map[string]bool)
	)

	for {
		msg, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("stream completion: %w", err)
		}

		batch := chunkFragments(msg, seenTools)
		if len(batch) > 0 {
			if !produced {
				firstProgress = a.now().Sub(start).Milliseconds()
				produced = true
			}
			progress(batch)
		}

		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.Usage != nil {
				usage = msg.ResponseMeta.Usage
			}
			if msg.ResponseMeta.FinishReason != "" {
				finishReason = msg.ResponseMeta.FinishReason
			}
		}
	}

	if !produced {
		a.log.Debug().Str("turn", req.TurnID).Msg("completion stream was empty")
		return nil, nil
	}
	if usage != nil {
		progress([]types.Fragment{&types.UsageFragment{
			PromptTokens:     usage.PromptTokens,
			CompletionTokens: usage.CompletionTokens,
		}})
	}

	result := &types.Result{
		Timings: &types.Timings{
			FirstProgress: firstProgress,
			TotalElapsed:  a.now().Sub(start).Milliseconds(),
		},
		Metadata: map[string]any{
			"provider": a.provider.ID(),
			"model":    a.provider.Model(),
		},
	}
	if finishReason != "" {
		result.Metadata["finishReason"] = finishReason
	}
	switch finishReason {
	case "content_filter":
		result.ErrorDetails = &types.ErrorDetails{
			Message:            "The response was filtered.",
			Code:               "filtered",
			ResponseIsFiltered: true,
		}
	case "length", "max_tokens":
		result.ErrorDetails = &types.ErrorDetails{
			Message:              "The response hit the length limit.",
			Code:                 "length",
			ResponseIsIncomplete: true,
		}
	}
	return result, nil
}

func (a *Agent) messages(req dispatch.Request, history []dispatch.HistoryTurn) []*schema.Message {
	msgs := make([]*schema.Message, 0, 2*len(history)+2)
	if a.system != "" {
		msgs = append(msgs, schema.SystemMessage(a.system))
	}
	for _, h := range history {
		msgs = append(msgs, schema.UserMessage(h.Input.Text))
		if h.Response != "" {
			msgs = append(msgs, schema.AssistantMessage(h.Response, nil))
		}
	}
	return append(msgs, schema.UserMessage(req.Input.Text))
}

// chunkFragments converts one stream chunk. Tool calls are reported once,
// on the chunk that introduces their id.
func chunkFragments(msg *schema.Message, seenTools map[string]bool) []types.Fragment {
	var out []types.Fragment
	if msg.ReasoningContent != "" {
		out = append(out, &types.ThinkingFragment{Value: msg.ReasoningContent})
	}
	if msg.Content != "" {
		out = append(out, types.Markdown(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		if tc.ID == "" || seenTools[tc.ID] {
			continue
		}
		seenTools[tc.ID] = true
		out = append(out, &types.ToolInvocationFragment{
			ToolCallID:        tc.ID,
			ToolID:            tc.Function.Name,
			InvocationMessage: "Using " + tc.Function.Name,
		})
	}
	return out
}
