package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-ai/sessioncore/internal/dispatch"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

const titleSystemPrompt = `You are a title generator. You output ONLY a thread title. Nothing else.

Generate a brief title that would help the user find this conversation later.

Rules:
- A single line, ≤50 characters
- No explanations
- Use -ing verbs for actions (Debugging, Implementing, Analyzing)
- Keep exact: technical terms, numbers, filenames
- Remove: the, this, my, a, an
- Always output something meaningful

Examples:
"debug 500 errors in production" → Debugging production 500 errors
"refactor user service" → Refactoring user service
"implement rate limiting" → Implementing rate limiting`

const followupSystemPrompt = `You suggest what the user might ask next.

Given the user's message and the assistant's answer, output a JSON array of at
most 3 objects of the form {"message": "...", "title": "..."}. "message" is the
next question the user could send, "title" a short label. Output only JSON.`

const maxTitleLength = 100

// Utility runs short single-shot prompts against a provider: session titles,
// followup suggestions and output classification.
type Utility struct {
	provider Provider
}

// NewUtility creates a Utility backed by p, usually the registry's small
// provider.
func NewUtility(p Provider) *Utility {
	return &Utility{provider: p}
}

var _ dispatch.TitleGenerator = (*Utility)(nil)
var _ dispatch.FollowupProvider = (*Utility)(nil)

func (u *Utility) complete(ctx context.Context, system, user string, maxTokens int) (string, error) {
	msgs := []*schema.Message{schema.UserMessage(user)}
	if system != "" {
		msgs = append([]*schema.Message{schema.SystemMessage(system)}, msgs...)
	}
	stream, err := u.provider.CreateCompletion(ctx, &CompletionRequest{
		Messages:  msgs,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return "", err
	}
	return stream.Collect()
}

// Title implements dispatch.TitleGenerator.
func (u *Utility) Title(ctx context.Context, input string) (string, error) {
	raw, err := u.complete(ctx, titleSystemPrompt, "Generate a title for this conversation:\n\n"+input, 50)
	if err != nil {
		return "", fmt.Errorf("generate title: %w", err)
	}
	return cleanTitle(raw), nil
}

// cleanTitle keeps the first non-empty line, unquoted and capped.
func cleanTitle(raw string) string {
	title := ""
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			title = line
			break
		}
	}
	title = strings.Trim(title, "\"'`")
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength-3]) + "..."
	}
	return title
}

// ProvideFollowups implements dispatch.FollowupProvider.
func (u *Utility) ProvideFollowups(ctx context.Context, req dispatch.Request, responseText string) ([]types.Followup, error) {
	prompt := fmt.Sprintf("User:\n%s\n\nAssistant:\n%s", req.Input.Text, responseText)
	raw, err := u.complete(ctx, followupSystemPrompt, prompt, 300)
	if err != nil {
		return nil, fmt.Errorf("generate followups: %w", err)
	}
	return parseFollowups(raw), nil
}

// parseFollowups extracts the JSON array from raw, tolerating prose or code
// fences around it. Malformed output yields no followups.
func parseFollowups(raw string) []types.Followup {
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start == -1 || end <= start {
		return nil
	}
	var followups []types.Followup
	if err := json.Unmarshal([]byte(raw[start:end+1]), &followups); err != nil {
		return nil
	}
	out := followups[:0]
	for _, f := range followups {
		if strings.TrimSpace(f.Message) != "" {
			out = append(out, f)
		}
	}
	if len(out) > 3 {
		out = out[:3]
	}
	return out
}

// Classify sends prompt as a single user message and returns the answer.
// It satisfies the output monitor's classifier contract.
func (u *Utility) Classify(ctx context.Context, prompt string) (string, error) {
	out, err := u.complete(ctx, "", prompt, 500)
	if err != nil {
		return "", fmt.Errorf("classify: %w", err)
	}
	return strings.TrimSpace(out), nil
}
