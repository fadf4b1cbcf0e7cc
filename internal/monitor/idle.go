package monitor

import (
	"context"
	"strings"
	"time"
)

type idleResult struct {
	continuePolling bool
	eval            string
	output          string
	resources       []string
}

// recentOutput is the output printed since the last prompt was answered.
func (m *Monitor) recentOutput() string {
	out := m.exec.Output()
	m.mu.Lock()
	marker := m.promptMarker
	m.mu.Unlock()
	if marker > len(out) {
		return out
	}
	return out[marker:]
}

func (m *Monitor) markPrompt(prompt string) {
	out := m.exec.Output()
	m.mu.Lock()
	m.promptMarker = len(out)
	m.lastPrompt = prompt
	m.mu.Unlock()
}

// handleIdle deals with a quiet process: it answers a pending prompt and
// keeps polling, or evaluates the final output.
func (m *Monitor) handleIdle(ctx context.Context) idleResult {
	c := m.detectPrompt(ctx)

	if c != nil && c.FreeForm {
		m.count(func(c *Counters) { c.FreeFormShownCount++ })
		if m.requestFreeFormInput(ctx, c) {
			m.settle(ctx)
			return idleResult{continuePolling: true}
		}
		return idleResult{}
	}

	if c != nil && len(c.Options) > 0 {
		suggestion, suggested, sent := m.selectOption(ctx, c)
		if sent {
			return idleResult{continuePolling: true}
		}
		if !suggested {
			suggestion = c.suggestion(0)
		}
		if m.confirmOption(ctx, c, suggestion) {
			return idleResult{continuePolling: true}
		}
		return idleResult{}
	}

	var res idleResult
	if m.pollFn != nil {
		override, err := m.pollFn(ctx, m.exec)
		if err != nil {
			m.log.Warn().Err(err).Msg("custom poll failed")
		} else if override != nil {
			res.output = override.Output
			res.resources = override.Resources
		}
	}
	res.eval = m.assessOutput(ctx, m.exec.Output())
	return res
}

// detectPrompt asks the classifier whether the output tail holds an
// unanswered prompt. A prompt identical to the last answered one is
// ignored.
func (m *Monitor) detectPrompt(ctx context.Context) *Confirmation {
	if m.classifier == nil || ctx.Err() != nil {
		return nil
	}
	answer, err := m.classifier.Classify(ctx, detectPromptQuery(tail(m.recentOutput(), m.cfg.TailLines)))
	if err != nil {
		m.log.Debug().Err(err).Msg("prompt detection failed")
		return nil
	}
	c := ParseConfirmation(answer)
	if c == nil {
		return nil
	}
	m.mu.Lock()
	repeated := c.Prompt == m.lastPrompt
	m.mu.Unlock()
	if repeated {
		return nil
	}
	return c
}

// selectOption asks the classifier for the default option. With AutoReply
// the option is sent right away.
func (m *Monitor) selectOption(ctx context.Context, c *Confirmation) (s Suggestion, ok, sent bool) {
	m.markPrompt(c.Prompt)

	answer, err := m.classifier.Classify(ctx, defaultOptionQuery(c))
	if err != nil {
		m.log.Debug().Err(err).Msg("option selection failed")
		return Suggestion{}, false, false
	}
	s, ok = matchOption(answer, c)
	if !ok {
		return Suggestion{}, false, false
	}

	if m.cfg.AutoReply {
		if err := m.exec.Send(s.Option, true); err != nil {
			m.log.Warn().Err(err).Msg("auto reply failed")
			return s, true, false
		}
		m.count(func(cn *Counters) {
			cn.AutoAcceptCount++
			cn.AutoChars += len(s.Option)
		})
		m.log.Debug().Str("option", s.Option).Msg("auto replied to prompt")
		sent = true
	}
	return s, true, sent
}

// confirmOption asks the user whether to send the suggested option. Input
// typed into the process directly also counts as an answer.
func (m *Monitor) confirmOption(ctx context.Context, c *Confirmation, s Suggestion) bool {
	if m.elicitor == nil {
		return false
	}
	option := s.Option
	if option == "any key" {
		option = "a"
	}

	input := make(chan struct{}, 1)
	unsubscribe := m.exec.OnInput(func(string) {
		select {
		case input <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	p := m.elicitor.ConfirmOption(ctx, OptionRequest{
		Command:      m.command,
		Prompt:       c.Prompt,
		Suggested:    option,
		Description:  s.Description,
		Alternatives: c.alternatives(s.Option),
	})
	m.show(p)
	defer p.Hide()

	select {
	case ans, ok := <-p.Result():
		if !ok {
			return false
		}
		if ans.FocusTerminal {
			m.count(func(cn *Counters) { cn.ManualRejectCount++ })
			return m.awaitInput(ctx, input)
		}
		chosen := ans.Option
		if chosen == "" {
			chosen = option
		}
		// alternatives carry their description as "opt (desc)"
		chosen, _, _ = strings.Cut(chosen, " (")
		m.count(func(cn *Counters) {
			cn.ManualAcceptCount++
			cn.ManualChars += len(chosen)
		})
		if err := m.exec.Send(chosen, true); err != nil {
			m.log.Warn().Err(err).Msg("sending answer failed")
			return false
		}
		return true
	case <-input:
		return true
	case <-ctx.Done():
		return false
	}
}

// requestFreeFormInput waits for the user to type an answer into the
// process. It reports false when the prompt was dismissed.
func (m *Monitor) requestFreeFormInput(ctx context.Context, c *Confirmation) bool {
	if m.elicitor == nil {
		return false
	}

	entered := make(chan struct{}, 1)
	unsubscribe := m.exec.OnInput(func(data string) {
		if data == "" || data == "\r" || data == "\n" || data == "\r\n" {
			select {
			case entered <- struct{}{}:
			default:
			}
		}
	})
	defer unsubscribe()

	p := m.elicitor.FreeForm(ctx, c.Prompt)
	m.show(p)
	defer p.Hide()

	select {
	case focus, ok := <-p.Result():
		if !ok || !focus {
			return false
		}
		if !m.awaitInput(ctx, entered) {
			return false
		}
	case <-entered:
	case <-ctx.Done():
		return false
	}
	m.count(func(cn *Counters) { cn.FreeFormInputCount++ })
	m.markPrompt(c.Prompt)
	return true
}

func (m *Monitor) awaitInput(ctx context.Context, input <-chan struct{}) bool {
	select {
	case <-input:
		return true
	case <-ctx.Done():
		return false
	}
}

func (m *Monitor) settle(ctx context.Context) {
	if m.cfg.InputSettleDelay <= 0 {
		return
	}
	t := time.NewTimer(m.cfg.InputSettleDelay)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// assessOutput asks the classifier whether the output shows errors.
func (m *Monitor) assessOutput(ctx context.Context, output string) string {
	if m.classifier == nil {
		return "No models available"
	}
	answer, err := m.classifier.Classify(ctx, assessErrorsQuery(output))
	if err != nil {
		return "Error occurred " + err.Error()
	}
	return answer
}
