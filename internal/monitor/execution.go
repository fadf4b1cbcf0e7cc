package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNoInput is returned by Send on executions that cannot take input.
var ErrNoInput = errors.New("monitor: execution does not accept input")

// Execution is the external process being watched.
type Execution interface {
	// Output returns everything the process printed so far.
	Output() string
	// OnData registers fn for new output and returns its unsubscribe func.
	OnData(fn func(data string)) func()
	// OnInput registers fn for input typed into the process by the user.
	OnInput(fn func(data string)) func()
	// Send writes text to the process.
	Send(text string, addNewline bool) error
}

// ActiveChecker is implemented by executions that can tell whether the
// process is still doing work.
type ActiveChecker interface {
	IsActive(ctx context.Context) (bool, error)
}

type listeners struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(string)
}

func (l *listeners) add(fn func(string)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(string))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners) emit(data string) {
	l.mu.Lock()
	fns := make([]func(string), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(data)
	}
}

// outputBuffer collects process output and fans it out to listeners. It is
// an io.Writer.
type outputBuffer struct {
	mu   sync.Mutex
	buf  strings.Builder
	data listeners
}

func (b *outputBuffer) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	b.mu.Lock()
	b.buf.Write(p)
	b.mu.Unlock()
	b.data.emit(string(p))
	return len(p), nil
}

func (b *outputBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
