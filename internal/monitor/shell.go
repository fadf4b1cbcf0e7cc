package monitor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// ErrExited is returned by Send once the script has finished.
var ErrExited = errors.New("monitor: process exited")

// inputPipe is a non-blocking stdin: writes are buffered until the script
// reads them.
type inputPipe struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    bytes.Buffer
	closed bool
}

func newInputPipe() *inputPipe {
	p := &inputPipe{}
	p.cond = sync.NewCond(&p.mu)
	return p
}

func (p *inputPipe) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for p.buf.Len() == 0 && !p.closed {
		p.cond.Wait()
	}
	if p.buf.Len() == 0 {
		return 0, io.EOF
	}
	return p.buf.Read(b)
}

func (p *inputPipe) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	p.buf.Write(b)
	p.cond.Broadcast()
	return len(b), nil
}

func (p *inputPipe) Close() error {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
	return nil
}

// ShellExecution runs a shell script in-process with the mvdan.cc/sh
// interpreter.
type ShellExecution struct {
	out   outputBuffer
	input listeners
	stdin *inputPipe

	done chan struct{}
	mu   sync.Mutex
	err  error
}

// ShellOption configures a ShellExecution.
type ShellOption func(*shellOptions)

type shellOptions struct {
	dir string
	env []string
}

// InDir sets the working directory of the script.
func InDir(dir string) ShellOption { return func(o *shellOptions) { o.dir = dir } }

// WithEnv adds KEY=VALUE pairs to the environment.
func WithEnv(pairs ...string) ShellOption {
	return func(o *shellOptions) { o.env = append(o.env, pairs...) }
}

// StartShell parses script and starts running it. ctx bounds the run.
func StartShell(ctx context.Context, script string, opts ...ShellOption) (*ShellExecution, error) {
	o := shellOptions{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("working directory: %w", err)
		}
		o.dir = wd
	}

	prog, err := syntax.NewParser(syntax.Variant(syntax.LangBash)).Parse(strings.NewReader(script), "")
	if err != nil {
		return nil, fmt.Errorf("parse script: %w", err)
	}

	e := &ShellExecution{stdin: newInputPipe(), done: make(chan struct{})}
	runner, err := interp.New(
		interp.StdIO(e.stdin, &e.out, &e.out),
		interp.Env(expand.ListEnviron(append(os.Environ(), o.env...)...)),
		interp.Dir(o.dir),
	)
	if err != nil {
		return nil, fmt.Errorf("create runner: %w", err)
	}

	go func() {
		err := runner.Run(ctx, prog)
		e.mu.Lock()
		e.err = err
		e.mu.Unlock()
		e.stdin.Close()
		close(e.done)
	}()
	return e, nil
}

func (e *ShellExecution) Output() string { return e.out.String() }

func (e *ShellExecution) OnData(fn func(string)) func() { return e.out.data.add(fn) }

func (e *ShellExecution) OnInput(fn func(string)) func() { return e.input.add(fn) }

func (e *ShellExecution) Send(text string, addNewline bool) error {
	if addNewline {
		text += "\n"
	}
	if _, err := e.stdin.Write([]byte(text)); err != nil {
		return ErrExited
	}
	return nil
}

// Type sends text as if the user typed it into the process.
func (e *ShellExecution) Type(text string) error {
	if err := e.Send(text, false); err != nil {
		return err
	}
	e.input.emit(text)
	return nil
}

// IsActive reports whether the script is still running.
func (e *ShellExecution) IsActive(context.Context) (bool, error) {
	select {
	case <-e.done:
		return false, nil
	default:
		return true, nil
	}
}

// Wait blocks until the script finished and returns its error. A non-zero
// exit status is reported as an interp.ExitStatus.
func (e *ShellExecution) Wait(ctx context.Context) error {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed when the script finished.
func (e *ShellExecution) Done() <-chan struct{} { return e.done }
