package monitor

import (
	"context"
	"sync"
)

// Prompt is a question shown to the user. Result delivers at most one
// answer and is closed afterwards; a prompt dismissed without an answer
// closes Result without a value.
type Prompt[T any] struct {
	result   chan T
	once     sync.Once
	hideOnce sync.Once
	onHide   func()
	hidden   chan struct{}
}

// NewPrompt creates an unanswered prompt. onHide, if set, is called once
// when the prompt is hidden.
func NewPrompt[T any](onHide func()) *Prompt[T] {
	return &Prompt[T]{
		result: make(chan T, 1),
		onHide: onHide,
		hidden: make(chan struct{}),
	}
}

// Resolve answers the prompt. Only the first answer or dismissal counts.
func (p *Prompt[T]) Resolve(v T) {
	p.once.Do(func() {
		p.result <- v
		close(p.result)
	})
}

// Dismiss closes the prompt without an answer.
func (p *Prompt[T]) Dismiss() {
	p.once.Do(func() { close(p.result) })
}

func (p *Prompt[T]) Result() <-chan T { return p.result }

// Hide removes the prompt from view. It is safe to call more than once.
func (p *Prompt[T]) Hide() {
	p.hideOnce.Do(func() {
		close(p.hidden)
		if p.onHide != nil {
			p.onHide()
		}
	})
}

// Hidden is closed once the prompt is hidden.
func (p *Prompt[T]) Hidden() <-chan struct{} { return p.hidden }

// OptionRequest asks the user to confirm sending an answer to a prompt.
type OptionRequest struct {
	Command      string
	Prompt       string
	Suggested    string
	Description  string
	Alternatives []string
}

// OptionAnswer is the user's reply to an OptionRequest. FocusTerminal means
// the user will answer in the process directly.
type OptionAnswer struct {
	Option        string
	FocusTerminal bool
}

// Elicitor surfaces monitor questions to the user.
type Elicitor interface {
	// ConfirmContinue asks whether to keep waiting for a slow command.
	ConfirmContinue(ctx context.Context, command string) *Prompt[bool]
	// ConfirmOption asks whether to send an answer to the process.
	ConfirmOption(ctx context.Context, req OptionRequest) *Prompt[OptionAnswer]
	// FreeForm tells the user the process awaits typed input. true means
	// the user chose to type it into the process.
	FreeForm(ctx context.Context, prompt string) *Prompt[bool]
}

type hider interface{ Hide() }
