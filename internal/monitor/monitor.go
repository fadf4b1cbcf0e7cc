// Package monitor watches the output of an external process and decides
// when it finished, timed out or is waiting for input.
//
// A Monitor polls until the output goes quiet. On idle it asks a Classifier
// whether the output ends in an unanswered prompt and, through an Elicitor,
// lets the user (or auto-reply) answer it before polling again. The first
// timeout races a second, longer polling pass against asking the user
// whether to keep waiting.
package monitor

import (
	"context"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/opencode-ai/sessioncore/internal/logging"
	"github.com/opencode-ai/sessioncore/pkg/types"
)

// State is the monitor's position in its state machine.
type State int

const (
	PollingForIdle State = iota
	Idle
	Timeout
	Cancelled
)

func (s State) String() string {
	switch s {
	case PollingForIdle:
		return "pollingForIdle"
	case Idle:
		return "idle"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Classifier answers free-text questions about output. Answers are best
// effort.
type Classifier interface {
	Classify(ctx context.Context, prompt string) (string, error)
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, prompt string) (string, error)

func (f ClassifierFunc) Classify(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Config holds the polling parameters.
type Config struct {
	MinPollInterval time.Duration
	MaxPollInterval time.Duration
	FirstPassMax    time.Duration
	ExtendedPassMax time.Duration
	// MinIdleEvents is how many consecutive quiet polls make the process idle.
	MinIdleEvents int
	// TailLines is how much output the prompt classifier sees.
	TailLines int
	// AutoReply sends the suggested answer without asking.
	AutoReply        bool
	InputSettleDelay time.Duration
	// PromptPatterns decide when quiet output is worth asking the classifier
	// about. Empty means DefaultPromptPatterns.
	PromptPatterns []*regexp.Regexp
}

func DefaultConfig() Config {
	return Config{
		MinPollInterval:  500 * time.Millisecond,
		MaxPollInterval:  2 * time.Second,
		FirstPassMax:     20 * time.Second,
		ExtendedPassMax:  120 * time.Second,
		MinIdleEvents:    2,
		TailLines:        15,
		InputSettleDelay: 200 * time.Millisecond,
	}
}

// ConfigFrom overlays the non-zero settings of s onto DefaultConfig.
func ConfigFrom(s *types.MonitorConfig) Config {
	cfg := DefaultConfig()
	if s == nil {
		return cfg
	}
	ms := func(v int, d *time.Duration) {
		if v > 0 {
			*d = time.Duration(v) * time.Millisecond
		}
	}
	ms(s.MinPollIntervalMs, &cfg.MinPollInterval)
	ms(s.MaxPollIntervalMs, &cfg.MaxPollInterval)
	ms(s.FirstPassMaxMs, &cfg.FirstPassMax)
	ms(s.ExtendedPassMaxMs, &cfg.ExtendedPassMax)
	if s.MinIdleEvents > 0 {
		cfg.MinIdleEvents = s.MinIdleEvents
	}
	if s.TailLines > 0 {
		cfg.TailLines = s.TailLines
	}
	cfg.AutoReply = s.AutoReply
	for _, expr := range s.PromptPatterns {
		re, err := regexp.Compile(expr)
		if err != nil {
			logging.Warn().Err(err).Str("pattern", expr).Msg("ignoring invalid prompt pattern")
			continue
		}
		cfg.PromptPatterns = append(cfg.PromptPatterns, re)
	}
	return cfg
}

// Counters are the input telemetry of one monitor run.
type Counters struct {
	ManualAcceptCount  int `json:"inputToolManualAcceptCount"`
	ManualRejectCount  int `json:"inputToolManualRejectCount"`
	ManualChars        int `json:"inputToolManualChars"`
	AutoAcceptCount    int `json:"inputToolAutoAcceptCount"`
	AutoChars          int `json:"inputToolAutoChars"`
	ManualShownCount   int `json:"inputToolManualShownCount"`
	FreeFormShownCount int `json:"inputToolFreeFormInputShownCount"`
	FreeFormInputCount int `json:"inputToolFreeFormInputCount"`
}

// PollOverride lets a custom poller replace the output and report resources.
type PollOverride struct {
	Output    string
	Resources []string
}

// PollFunc runs once when the process went idle without a prompt.
type PollFunc func(ctx context.Context, exec Execution) (*PollOverride, error)

// Result is the outcome of a monitor run.
type Result struct {
	State           State
	Output          string
	ModelOutputEval string
	PollDuration    time.Duration
	Resources       []string
	Telemetry       Counters
}

// Monitor watches one execution. A Monitor runs once.
type Monitor struct {
	exec       Execution
	classifier Classifier
	elicitor   Elicitor
	pollFn     PollFunc
	cfg        Config
	command    string
	now        func() time.Time
	log        zerolog.Logger

	mu           sync.Mutex
	state        State
	counters     Counters
	lastPrompt   string
	promptMarker int
	shown        hider
}

type Option func(*Monitor)

func WithClassifier(c Classifier) Option { return func(m *Monitor) { m.classifier = c } }
func WithElicitor(e Elicitor) Option     { return func(m *Monitor) { m.elicitor = e } }
func WithPollFunc(fn PollFunc) Option    { return func(m *Monitor) { m.pollFn = fn } }
func WithConfig(cfg Config) Option       { return func(m *Monitor) { m.cfg = cfg } }

// WithCommand names the command in user prompts.
func WithCommand(command string) Option { return func(m *Monitor) { m.command = command } }

func WithClock(now func() time.Time) Option { return func(m *Monitor) { m.now = now } }

func New(exec Execution, opts ...Option) *Monitor {
	m := &Monitor{
		exec:  exec,
		cfg:   DefaultConfig(),
		now:   time.Now,
		log:   logging.Component("monitor"),
		state: PollingForIdle,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.cfg.MinIdleEvents <= 0 {
		m.cfg.MinIdleEvents = 1
	}
	if m.cfg.TailLines <= 0 {
		m.cfg.TailLines = DefaultConfig().TailLines
	}
	if len(m.cfg.PromptPatterns) == 0 {
		m.cfg.PromptPatterns = DefaultPromptPatterns
	}
	return m
}

func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Monitor) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
}

// Counters returns a copy of the telemetry counters.
func (m *Monitor) Counters() Counters {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters
}

func (m *Monitor) count(fn func(c *Counters)) {
	m.mu.Lock()
	fn(&m.counters)
	m.mu.Unlock()
}

// Start runs the monitor in the background. The channel receives the
// result and is closed.
func (m *Monitor) Start(ctx context.Context) <-chan *Result {
	out := make(chan *Result, 1)
	go func() {
		defer close(out)
		out <- m.Run(ctx)
	}()
	return out
}

// Run monitors until the process is idle, timed out or ctx ends.
func (m *Monitor) Run(ctx context.Context) (res *Result) {
	start := m.now()
	var (
		eval      string
		output    string
		resources []string
		extended  bool
	)

	defer func() {
		m.hideShown()
		state := m.State()
		if ctx.Err() != nil {
			state = Cancelled
			m.setState(state)
			eval = "Cancelled"
		}
		if output == "" {
			output = m.exec.Output()
		}
		res = &Result{
			State:           state,
			Output:          output,
			ModelOutputEval: eval,
			PollDuration:    m.now().Sub(start),
			Resources:       resources,
			Telemetry:       m.Counters(),
		}
		m.log.Debug().
			Str("state", state.String()).
			Dur("duration", res.PollDuration).
			Interface("telemetry", res.Telemetry).
			Msg("monitor finished")
	}()

	for ctx.Err() == nil {
		switch m.State() {
		case PollingForIdle:
			m.setState(m.waitForIdle(ctx, extended))

		case Timeout:
			if extended {
				return
			}
			extended = true
			next, stop := m.handleTimeout(ctx)
			m.setState(next)
			if stop {
				return
			}

		case Idle:
			idle := m.handleIdle(ctx)
			if idle.continuePolling {
				m.setState(PollingForIdle)
				continue
			}
			eval, output, resources = idle.eval, idle.output, idle.resources
			return

		case Cancelled:
			return
		}
	}
	return
}

// handleTimeout asks the user whether to keep waiting while a second,
// longer pass polls in the background. It returns the next state and
// whether monitoring ends.
func (m *Monitor) handleTimeout(ctx context.Context) (State, bool) {
	pollCtx, cancelPoll := context.WithCancel(ctx)
	defer cancelPoll()

	polled := make(chan State, 1)
	go func() { polled <- m.waitForIdle(pollCtx, true) }()

	var decision <-chan bool
	if m.elicitor != nil {
		p := m.elicitor.ConfirmContinue(ctx, m.command)
		m.track(p)
		defer p.Hide()
		decision = p.Result()
	}

	select {
	case keep, ok := <-decision:
		if !ok || !keep {
			m.log.Debug().Msg("user stopped waiting")
			return Cancelled, true
		}
		cancelPoll()
		<-polled
		return PollingForIdle, false
	case s := <-polled:
		if s == Idle {
			return Idle, false
		}
		return s, true
	case <-ctx.Done():
		return Cancelled, true
	}
}

// show tracks an input prompt and counts it as shown to the user.
func (m *Monitor) show(h hider) {
	m.track(h)
	m.count(func(c *Counters) { c.ManualShownCount++ })
}

// track makes h the prompt hidden when output resumes.
func (m *Monitor) track(h hider) {
	m.mu.Lock()
	m.shown = h
	m.mu.Unlock()
}

func (m *Monitor) hideShown() {
	m.mu.Lock()
	h := m.shown
	m.shown = nil
	m.mu.Unlock()
	if h != nil {
		h.Hide()
	}
}
