package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/drblury/eventbus/internal/runtime/dispatch"
	"github.com/drblury/eventbus/internal/runtime/logging"
)

const (
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 100 * time.Millisecond
	DefaultMaxInterval     = 10 * time.Second
	DefaultMultiplier      = 2.0
)

// BackoffConfig tunes the Backoff policy. Zero values fall back to the
// package defaults.
type BackoffConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// MaxElapsedTime bounds the whole retry sequence; zero means unbounded.
	MaxElapsedTime time.Duration
	// RetryIf decides whether a handler error permits another attempt.
	// Defaults to IsRetryable.
	RetryIf func(error) bool
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = DefaultInitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = DefaultMaxInterval
	}
	if c.Multiplier <= 1 {
		c.Multiplier = DefaultMultiplier
	}
	if c.RetryIf == nil {
		c.RetryIf = IsRetryable
	}
	return c
}

type backoffPolicy struct {
	cfg    BackoffConfig
	logger logging.ServiceLogger
}

// Backoff re-runs the whole dispatch with exponential backoff while the
// outcomes contain an unresolved handler failure. Every registration matching
// the record is invoked again on each attempt. Retrying stops early when a
// handler error asks for dead-lettering or RetryIf refuses it, and when ctx
// is cancelled.
func Backoff(cfg BackoffConfig, logger logging.ServiceLogger) Policy {
	if logger == nil {
		logger = logging.Nop()
	}
	return &backoffPolicy{cfg: cfg.withDefaults(), logger: logger}
}

func (p *backoffPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.cfg.InitialInterval
	exp.MaxInterval = p.cfg.MaxInterval
	exp.Multiplier = p.cfg.Multiplier
	exp.MaxElapsedTime = p.cfg.MaxElapsedTime
	exp.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(p.cfg.MaxRetries)), ctx)
}

func (p *backoffPolicy) Run(ctx context.Context, work Work) dispatch.Outcomes {
	bo := p.newBackOff(ctx)
	state := State{}

	for {
		state.Attempt++
		out := work(withState(ctx, state))
		failed, ok := firstUnresolved(out)
		if !ok {
			return out
		}

		delay, retry := p.nextDelay(out, bo)
		fields := logging.LogFields{
			"attempt":    state.Attempt,
			"handler":    failed.Handler,
			"event_type": failed.EventType,
		}
		if !retry {
			p.logger.Debug("Giving up on record", fields)
			return out
		}

		state.LastFailure = failed.Err
		fields["delay"] = delay.String()
		p.logger.Info("Retrying record after handler failure", fields)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return out
		case <-timer.C:
		}
	}
}

// nextDelay consults every unresolved failure: any dead-letter request or
// refused error stops retrying, and the longest RetryAfter delay wins over
// the computed backoff.
func (p *backoffPolicy) nextDelay(out dispatch.Outcomes, bo backoff.BackOff) (time.Duration, bool) {
	var requested time.Duration
	for _, o := range out {
		if !o.Unresolved() {
			continue
		}
		decision, d := Classify(o.Err)
		if decision == DecisionDeadLetter || !p.cfg.RetryIf(o.Err) {
			return 0, false
		}
		if decision == DecisionRetryAfter && d > requested {
			requested = d
		}
	}

	next := bo.NextBackOff()
	if next == backoff.Stop {
		return 0, false
	}
	if requested > 0 {
		return requested, true
	}
	return next, true
}
