package monitor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// pollBackoff doubles the poll interval from MinPollInterval up to
// MaxPollInterval without jitter.
func (m *Monitor) pollBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.MinPollInterval
	b.MaxInterval = m.cfg.MaxPollInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// waitForIdle runs one bounded polling pass. It returns Idle once the
// output looks like a prompt, or once MinIdleEvents consecutive polls saw
// no data and the process does not report itself active. It returns
// Timeout when the pass runs out and Cancelled when ctx ends.
func (m *Monitor) waitForIdle(ctx context.Context, extended bool) State {
	maxWait := m.cfg.FirstPassMax
	if extended {
		maxWait = m.cfg.ExtendedPassMax
	}

	var gotData atomic.Bool
	unsubscribe := m.exec.OnData(func(string) { gotData.Store(true) })
	defer unsubscribe()

	checker, _ := m.exec.(ActiveChecker)
	b := m.pollBackoff()
	var waited time.Duration
	quiet := 0

	for waited < maxWait {
		wait := min(b.NextBackOff(), maxWait-waited)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Cancelled
		case <-timer.C:
		}
		waited += wait

		if matchesAny(m.cfg.PromptPatterns, m.recentOutput()) {
			m.log.Debug().Dur("waited", waited).Msg("output looks like a prompt")
			return Idle
		}

		if gotData.Swap(false) {
			quiet = 0
		} else {
			quiet++
		}
		recentlyIdle := quiet >= m.cfg.MinIdleEvents

		active := false
		if checker != nil && recentlyIdle {
			var err error
			active, err = checker.IsActive(ctx)
			if err != nil {
				m.log.Debug().Err(err).Msg("activity check failed")
				active = false
			}
		}
		m.log.Trace().
			Dur("waited", waited).
			Bool("recentlyIdle", recentlyIdle).
			Bool("active", active).
			Msg("idle check")
		if recentlyIdle && !active {
			return Idle
		}
	}

	if ctx.Err() != nil {
		return Cancelled
	}
	return Timeout
}
