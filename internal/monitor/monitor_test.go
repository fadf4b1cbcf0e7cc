package monitor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencode-ai/sessioncore/pkg/types"
)

func testConfig() Config {
	return Config{
		MinPollInterval:  2 * time.Millisecond,
		MaxPollInterval:  8 * time.Millisecond,
		FirstPassMax:     60 * time.Millisecond,
		ExtendedPassMax:  150 * time.Millisecond,
		MinIdleEvents:    2,
		TailLines:        15,
		InputSettleDelay: time.Millisecond,
	}
}

type fakeExec struct {
	out   outputBuffer
	input listeners

	mu     sync.Mutex
	sent   []string
	active bool
}

func (e *fakeExec) Output() string { return e.out.String() }
func (e *fakeExec) OnData(fn func(string)) func() { return e.out.data.add(fn) }
func (e *fakeExec) OnInput(fn func(string)) func() { return e.input.add(fn) }
func (e *fakeExec) print(s string) { e.out.Write([]byte(s)) }
func (e *fakeExec) IsActive(context.Context) (bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.active, nil
}

func (e *fakeExec) Send(text string, addNewline bool) error {
	if addNewline {
		text += "\n"
	}
	e.mu.Lock()
	e.sent = append(e.sent, text)
	e.mu.Unlock()
	e.print(text)
	return nil
}

func (e *fakeExec) sentText() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.sent...)
}

// chatter prints every millisecond until stop is closed.
func (e *fakeExec) chatter(stop <-chan struct{}) {
	go func() {
		tick := time.NewTicker(time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-stop:
				return
			case <-tick.C:
				e.print(".")
			}
		}
	}()
}

type fakeElicitor struct {
	onContinue func(p *Prompt[bool])
	onOption   func(req OptionRequest, p *Prompt[OptionAnswer])
	onFreeForm func(p *Prompt[bool])

	hidden atomic.Int32
	mu     sync.Mutex
	asked  []OptionRequest
}

func (f *fakeElicitor) hide() { f.hidden.Add(1) }

func (f *fakeElicitor) ConfirmContinue(_ context.Context, _ string) *Prompt[bool] {
	p := NewPrompt[bool](f.hide)
	if f.onContinue != nil {
		go f.onContinue(p)
	}
	return p
}

func (f *fakeElicitor) ConfirmOption(_ context.Context, req OptionRequest) *Prompt[OptionAnswer] {
	f.mu.Lock()
	f.asked = append(f.asked, req)
	f.mu.Unlock()
	p := NewPrompt[OptionAnswer](f.hide)
	if f.onOption != nil {
		go f.onOption(req, p)
	}
	return p
}

func (f *fakeElicitor) FreeForm(_ context.Context, _ string) *Prompt[bool] {
	p := NewPrompt[bool](f.hide)
	if f.onFreeForm != nil {
		go f.onFreeForm(p)
	}
	return p
}

// scriptedClassifier answers prompt detection with detect, option
// selection with option and error assessment with "no errors".
func scriptedClassifier(detect func() string, option string) Classifier {
	return ClassifierFunc(func(_ context.Context, q string) (string, error) {
		switch {
		case strings.HasPrefix(q, "Analyze"):
			return detect(), nil
		case strings.HasPrefix(q, "Given"):
			return option, nil
		default:
			return "no errors", nil
		}
	})
}

func TestMonitor_QuietInactiveProcessGoesIdle(t *testing.T) {
	exec := &fakeExec{}
	m := New(exec, WithConfig(testConfig()))

	res := m.Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Less(t, res.PollDuration, testConfig().FirstPassMax)
	assert.Equal(t, "No models available", res.ModelOutputEval)
}

func TestMonitor_ActiveProcessTimesOutWithoutElicitor(t *testing.T) {
	exec := &fakeExec{active: true}
	m := New(exec, WithConfig(testConfig()))

	res := m.Run(context.Background())

	assert.Equal(t, Timeout, res.State)
	assert.GreaterOrEqual(t, res.PollDuration, testConfig().FirstPassMax+testConfig().ExtendedPassMax)
}

func TestMonitor_KeepWaitingAfterTimeout(t *testing.T) {
	exec := &fakeExec{}
	stop := make(chan struct{})
	exec.chatter(stop)
	defer func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	}()

	el := &fakeElicitor{onContinue: func(p *Prompt[bool]) {
		p.Resolve(true)
		close(stop)
	}}
	m := New(exec, WithConfig(testConfig()), WithElicitor(el), WithCommand("npm install"))

	res := m.Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Zero(t, res.Telemetry.ManualShownCount, "continue prompt is not an input prompt")
	assert.GreaterOrEqual(t, el.hidden.Load(), int32(1))
	assert.Contains(t, res.Output, "...")
}

func TestMonitor_StopWaitingCancels(t *testing.T) {
	exec := &fakeExec{}
	stop := make(chan struct{})
	defer close(stop)
	exec.chatter(stop)

	el := &fakeElicitor{onContinue: func(p *Prompt[bool]) { p.Resolve(false) }}
	m := New(exec, WithConfig(testConfig()), WithElicitor(el))

	res := m.Run(context.Background())
	assert.Equal(t, Cancelled, res.State)
}

func TestMonitor_DismissedContinuePromptCancels(t *testing.T) {
	exec := &fakeExec{}
	stop := make(chan struct{})
	defer close(stop)
	exec.chatter(stop)

	el := &fakeElicitor{onContinue: func(p *Prompt[bool]) { p.Dismiss() }}
	res := New(exec, WithConfig(testConfig()), WithElicitor(el)).Run(context.Background())
	assert.Equal(t, Cancelled, res.State)
}

func TestMonitor_BackgroundPollPreemptsPrompt(t *testing.T) {
	exec := &fakeExec{}
	stop := make(chan struct{})
	exec.chatter(stop)

	el := &fakeElicitor{onContinue: func(*Prompt[bool]) { close(stop) }}
	m := New(exec, WithConfig(testConfig()), WithElicitor(el))

	res := m.Run(context.Background())
	assert.Equal(t, Idle, res.State)
	assert.Equal(t, int32(1), el.hidden.Load())
}

func TestMonitor_AutoReplyToPrompt(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Overwrite config.json? (y/n) ")

	var detections atomic.Int32
	detect := func() string {
		detections.Add(1)
		return `{"prompt": "Overwrite config.json?", "options": ["y", "n"], "freeFormInput": false}`
	}
	cfg := testConfig()
	cfg.AutoReply = true
	m := New(exec, WithConfig(cfg), WithClassifier(scriptedClassifier(detect, "y")))

	res := m.Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Equal(t, []string{"y\n"}, exec.sentText())
	assert.Equal(t, 1, res.Telemetry.AutoAcceptCount)
	assert.Equal(t, 1, res.Telemetry.AutoChars)
	assert.Equal(t, "no errors", res.ModelOutputEval)
	assert.Equal(t, int32(2), detections.Load(), "repeated prompt is ignored")
}

func TestMonitor_ConfirmOptionWithUser(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Confirm: [Y] Yes  [N] No ")

	answered := false
	detect := func() string {
		if answered {
			return "null"
		}
		answered = true
		return `{"prompt": "Confirm", "options": {"Y": "Yes", "N": "No"}, "freeFormInput": false}`
	}
	el := &fakeElicitor{onOption: func(req OptionRequest, p *Prompt[OptionAnswer]) {
		p.Resolve(OptionAnswer{Option: "N (No)"})
	}}
	m := New(exec, WithConfig(testConfig()), WithClassifier(scriptedClassifier(detect, "Y")), WithElicitor(el))

	res := m.Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Equal(t, []string{"N\n"}, exec.sentText())
	assert.Equal(t, 1, res.Telemetry.ManualAcceptCount)
	assert.Equal(t, 1, res.Telemetry.ManualChars)
	assert.Equal(t, 1, res.Telemetry.ManualShownCount)

	el.mu.Lock()
	defer el.mu.Unlock()
	require.Len(t, el.asked, 1)
	assert.Equal(t, "Y", el.asked[0].Suggested)
	assert.Equal(t, "Yes", el.asked[0].Description)
	assert.Equal(t, []string{"N (No)"}, el.asked[0].Alternatives)
}

func TestMonitor_DeclinedOptionStops(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Delete everything? (y/n) ")

	detect := func() string {
		return `{"prompt": "Delete everything?", "options": ["y", "n"], "freeFormInput": false}`
	}
	el := &fakeElicitor{onOption: func(_ OptionRequest, p *Prompt[OptionAnswer]) { p.Dismiss() }}
	m := New(exec, WithConfig(testConfig()), WithClassifier(scriptedClassifier(detect, "n")), WithElicitor(el))

	res := m.Run(context.Background())
	assert.Equal(t, Idle, res.State)
	assert.Empty(t, exec.sentText())
	assert.Empty(t, res.ModelOutputEval)
}

func TestMonitor_UserTypesInsteadOfConfirming(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Continue? (y/n) ")

	var calls atomic.Int32
	detect := func() string {
		if calls.Add(1) > 1 {
			return "null"
		}
		return `{"prompt": "Continue?", "options": ["y", "n"], "freeFormInput": false}`
	}
	el := &fakeElicitor{onOption: func(_ OptionRequest, _ *Prompt[OptionAnswer]) {
		exec.input.emit("y")
	}}
	m := New(exec, WithConfig(testConfig()), WithClassifier(scriptedClassifier(detect, "y")), WithElicitor(el))

	res := m.Run(context.Background())
	assert.Equal(t, Idle, res.State)
	assert.Empty(t, exec.sentText())
	assert.Equal(t, int32(1), el.hidden.Load())
}

func TestMonitor_FreeFormInput(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Password:")

	var calls atomic.Int32
	detect := func() string {
		if calls.Add(1) > 1 {
			return "null"
		}
		return `{"prompt": "Password:", "options": [], "freeFormInput": true}`
	}
	el := &fakeElicitor{onFreeForm: func(p *Prompt[bool]) {
		p.Resolve(true)
		exec.input.emit("hunter2")
		exec.input.emit("\r")
	}}
	m := New(exec, WithConfig(testConfig()), WithClassifier(scriptedClassifier(detect, "")), WithElicitor(el))

	res := m.Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Equal(t, 1, res.Telemetry.FreeFormShownCount)
	assert.Equal(t, 1, res.Telemetry.FreeFormInputCount)
}

func TestMonitor_FreeFormDismissedStops(t *testing.T) {
	exec := &fakeExec{}
	exec.print("Username:")

	detect := func() string { return `{"prompt": "Username:", "options": [], "freeFormInput": true}` }
	el := &fakeElicitor{onFreeForm: func(p *Prompt[bool]) { p.Dismiss() }}
	res := New(exec, WithConfig(testConfig()), WithClassifier(scriptedClassifier(detect, "")), WithElicitor(el)).
		Run(context.Background())

	assert.Equal(t, Idle, res.State)
	assert.Equal(t, 0, res.Telemetry.FreeFormInputCount)
}

func TestMonitor_CancelHidesPrompt(t *testing.T) {
	exec := &fakeExec{}
	stop := make(chan struct{})
	defer close(stop)
	exec.chatter(stop)

	ctx, cancel := context.WithCancel(context.Background())
	el := &fakeElicitor{onContinue: func(*Prompt[bool]) { cancel() }}
	res := New(exec, WithConfig(testConfig()), WithElicitor(el)).Run(ctx)

	assert.Equal(t, Cancelled, res.State)
	assert.Equal(t, "Cancelled", res.ModelOutputEval)
	assert.Equal(t, int32(1), el.hidden.Load())
}

func TestMonitor_ClassifierErrorDegrades(t *testing.T) {
	exec := &fakeExec{}
	exec.print("all done")
	classifier := ClassifierFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model unavailable")
	})

	res := New(exec, WithConfig(testConfig()), WithClassifier(classifier)).Run(context.Background())
	assert.Equal(t, Idle, res.State)
	assert.Equal(t, "Error occurred model unavailable", res.ModelOutputEval)
}

func TestMonitor_PollFuncOverridesOutput(t *testing.T) {
	exec := &fakeExec{}
	exec.print("raw")
	poll := func(context.Context, Execution) (*PollOverride, error) {
		return &PollOverride{Output: "summarized", Resources: []string{"file:///log.txt"}}, nil
	}

	res := New(exec, WithConfig(testConfig()), WithPollFunc(poll)).Run(context.Background())
	assert.Equal(t, "summarized", res.Output)
	assert.Equal(t, []string{"file:///log.txt"}, res.Resources)
}

func TestMonitor_Start(t *testing.T) {
	exec := &fakeExec{}
	m := New(exec, WithConfig(testConfig()))

	select {
	case res := <-m.Start(context.Background()):
		require.NotNil(t, res)
		assert.Equal(t, Idle, res.State)
		assert.Equal(t, Idle, m.State())
	case <-time.After(time.Second):
		t.Fatal("monitor did not finish")
	}
}

func TestPollBackoffDoublesToCap(t *testing.T) {
	m := New(&fakeExec{}, WithConfig(Config{MinPollInterval: 500 * time.Millisecond, MaxPollInterval: 2 * time.Second}))
	b := m.pollBackoff()

	var got []time.Duration
	for i := 0; i < 5; i++ {
		got = append(got, b.NextBackOff())
	}
	assert.Equal(t, []time.Duration{
		500 * time.Millisecond,
		time.Second,
		2 * time.Second,
		2 * time.Second,
		2 * time.Second,
	}, got)
}

func TestConfigFrom(t *testing.T) {
	assert.Equal(t, DefaultConfig(), ConfigFrom(nil))

	cfg := ConfigFrom(&types.MonitorConfig{FirstPassMaxMs: 1500, MinIdleEvents: 3, AutoReply: true})
	assert.Equal(t, 1500*time.Millisecond, cfg.FirstPassMax)
	assert.Equal(t, 3, cfg.MinIdleEvents)
	assert.True(t, cfg.AutoReply)
	assert.Equal(t, DefaultConfig().MaxPollInterval, cfg.MaxPollInterval)
}

func TestConfigFrom_PromptPatterns(t *testing.T) {
	cfg := ConfigFrom(&types.MonitorConfig{TailLines: 40, PromptPatterns: []string{`deploy\?\s*$`, `([unclosed`}})
	assert.Equal(t, 40, cfg.TailLines)
	require.Len(t, cfg.PromptPatterns, 1)
	assert.True(t, matchesAny(cfg.PromptPatterns, "Really deploy? "))
	assert.False(t, matchesAny(cfg.PromptPatterns, "Password:"))

	m := New(nil, WithConfig(DefaultConfig()))
	assert.Equal(t, DefaultPromptPatterns, m.cfg.PromptPatterns)
}
