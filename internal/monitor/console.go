package monitor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Typer types text into a process as the user would.
type Typer interface {
	Type(text string) error
}

// ConsoleElicitor asks monitor questions on a terminal. Answers are read a
// line at a time from in; text the user types for the process is forwarded
// through typer.
type ConsoleElicitor struct {
	in    io.Reader
	out   io.Writer
	typer Typer

	once  sync.Once
	lines chan string
	mu    sync.Mutex // serializes questions
}

func NewConsoleElicitor(in io.Reader, out io.Writer, typer Typer) *ConsoleElicitor {
	return &ConsoleElicitor{in: in, out: out, typer: typer}
}

func (c *ConsoleElicitor) start() {
	c.once.Do(func() {
		c.lines = make(chan string)
		go func() {
			defer close(c.lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				c.lines <- strings.TrimRight(scanner.Text(), "\r")
			}
		}()
	})
}

// ask prints question and waits for one line. ok is false when the prompt
// was hidden, ctx ended or input is exhausted.
func (c *ConsoleElicitor) ask(ctx context.Context, hidden <-chan struct{}, question string) (string, bool) {
	c.start()
	c.mu.Lock()
	defer c.mu.Unlock()

	fmt.Fprint(c.out, question)
	select {
	case line, ok := <-c.lines:
		return strings.TrimSpace(line), ok
	case <-hidden:
		fmt.Fprintln(c.out)
		return "", false
	case <-ctx.Done():
		return "", false
	}
}

// forward types the next console line into the process, followed by Enter.
func (c *ConsoleElicitor) forward(ctx context.Context, hidden <-chan struct{}, question string) {
	line, ok := c.ask(ctx, hidden, question)
	if !ok || c.typer == nil {
		return
	}
	if line != "" {
		if err := c.typer.Type(line); err != nil {
			fmt.Fprintf(c.out, "input not delivered: %v\n", err)
			return
		}
	}
	_ = c.typer.Type("\n")
}

func yes(answer string) bool {
	switch strings.ToLower(answer) {
	case "", "y", "yes":
		return true
	}
	return false
}

func (c *ConsoleElicitor) ConfirmContinue(ctx context.Context, command string) *Prompt[bool] {
	p := NewPrompt[bool](nil)
	go func() {
		line, ok := c.ask(ctx, p.Hidden(), fmt.Sprintf("%q is still running. Keep waiting? [Y/n] ", command))
		if !ok {
			p.Dismiss()
			return
		}
		p.Resolve(yes(line))
	}()
	return p
}

func (c *ConsoleElicitor) ConfirmOption(ctx context.Context, req OptionRequest) *Prompt[OptionAnswer] {
	p := NewPrompt[OptionAnswer](nil)

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", req.Prompt)
	fmt.Fprintf(&b, "Send %q", req.Suggested)
	if req.Description != "" {
		fmt.Fprintf(&b, " (%s)", req.Description)
	}
	if len(req.Alternatives) > 0 {
		fmt.Fprintf(&b, "? Other answers: %s", strings.Join(req.Alternatives, ", "))
	}
	b.WriteString(" [Y/n/t=type it yourself/<answer>] ")

	go func() {
		line, ok := c.ask(ctx, p.Hidden(), b.String())
		if !ok {
			p.Dismiss()
			return
		}
		switch {
		case yes(line):
			p.Resolve(OptionAnswer{Option: req.Suggested})
		case strings.EqualFold(line, "n") || strings.EqualFold(line, "no"):
			p.Dismiss()
		case strings.EqualFold(line, "t"):
			p.Resolve(OptionAnswer{FocusTerminal: true})
			c.forward(ctx, p.Hidden(), "> ")
		default:
			p.Resolve(OptionAnswer{Option: line})
		}
	}()
	return p
}

func (c *ConsoleElicitor) FreeForm(ctx context.Context, prompt string) *Prompt[bool] {
	p := NewPrompt[bool](nil)
	go func() {
		line, ok := c.ask(ctx, p.Hidden(), fmt.Sprintf("The process is waiting for input: %s\nAnswer (empty to stop): ", prompt))
		if !ok || line == "" {
			p.Dismiss()
			return
		}
		p.Resolve(true)
		if c.typer == nil {
			return
		}
		if err := c.typer.Type(line); err == nil {
			_ = c.typer.Type("\n")
		}
	}()
	return p
}
