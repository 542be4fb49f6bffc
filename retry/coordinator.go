package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/throttle"
)

var attemptCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cargo_rank",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total number of request attempts by service and outcome.",
	},
	[]string{"service", "outcome"},
)

var exhaustedCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cargo_rank",
		Subsystem: "retry",
		Name:      "exhausted_total",
		Help:      "Total number of resources that ran out of retries.",
	},
	[]string{"service"},
)

type State int

const (
	Idle State = iota
	InFlight
	BackoffWait
	Done
	Exhausted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case InFlight:
		return "in_flight"
	case BackoffWait:
		return "backoff_wait"
	case Done:
		return "done"
	case Exhausted:
		return "exhausted"
	}
	return "unknown"
}

type Policy struct {
	// MaxRetries bounds retries of transient failures. Rate limits do not count.
	MaxRetries      int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// DefaultPause is the first pause applied when a rate limit carries no hint.
	// It doubles on each consecutive unhinted rate limit, up to MaxPause.
	DefaultPause time.Duration
	MaxPause     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:      4,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		DefaultPause:    10 * time.Second,
		MaxPause:        15 * time.Minute,
	}
}

// Coordinator runs requests against one service, holding a throttler permit
// for each attempt and deciding what happens after it.
type Coordinator struct {
	throttler *throttle.Throttler
	policy    Policy

	// OnTransition, when set, observes every state change.
	OnTransition func(resource string, from, to State)
}

func NewCoordinator(t *throttle.Throttler, p Policy) *Coordinator {
	d := DefaultPolicy()
	if p.InitialInterval <= 0 {
		p.InitialInterval = d.InitialInterval
	}
	if p.MaxInterval <= 0 {
		p.MaxInterval = d.MaxInterval
	}
	if p.DefaultPause <= 0 {
		p.DefaultPause = d.DefaultPause
	}
	if p.MaxPause <= 0 {
		p.MaxPause = d.MaxPause
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	return &Coordinator{throttler: t, policy: p}
}

func (c *Coordinator) Throttler() *throttle.Throttler {
	return c.throttler
}

func (c *Coordinator) Service() string {
	return c.throttler.Service()
}

// Do runs fn until it succeeds, fails permanently, or exhausts its budget.
// The returned error is nil, a *PermanentError, a context error, or wraps ErrExhausted.
func (c *Coordinator) Do(ctx context.Context, resource string, fn func(ctx context.Context) error) error {
	run := &attempt{
		c:        c,
		resource: resource,
		fn:       fn,
		backoff:  c.newBackOff(),
	}
	return run.execute(ctx)
}

// Run is Do for calls that produce a value.
func Run[T any](ctx context.Context, c *Coordinator, resource string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := c.Do(ctx, resource, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

func (c *Coordinator) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.policy.InitialInterval
	b.MaxInterval = c.policy.MaxInterval
	b.RandomizationFactor = 0.5
	b.Multiplier = 2
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(c.policy.MaxRetries))
}

// attempt is the state of one resource fetch.
type attempt struct {
	c        *Coordinator
	resource string
	fn       func(ctx context.Context) error
	backoff  backoff.BackOff

	state      State
	tries      int
	rateLimits int
	lastErr    error
	wait       func(ctx context.Context) error
}

func (a *attempt) execute(ctx context.Context) error {
	a.transition(InFlight)
	for {
		switch a.state {
		case InFlight:
			a.inFlight(ctx)
		case BackoffWait:
			if err := a.wait(ctx); err != nil {
				return err
			}
			a.transition(InFlight)
		case Done:
			return a.lastErr
		case Exhausted:
			exhaustedCounter.WithLabelValues(a.c.Service()).Inc()
			return fmt.Errorf("%s %s: %w after %d attempts: %w", a.c.Service(), a.resource, ErrExhausted, a.tries, a.lastErr)
		}
	}
}

func (a *attempt) inFlight(ctx context.Context) {
	permit, err := a.c.throttler.Acquire(ctx)
	if err != nil {
		a.lastErr = err
		a.transition(Done)
		return
	}
	a.tries++
	err = a.fn(ctx)
	permit.Release()

	class := Classify(err)
	attemptCounter.WithLabelValues(a.c.Service(), class.String()).Inc()
	a.lastErr = err

	switch class {
	case ClassNone, ClassPermanent, ClassCanceled:
		a.transition(Done)

	case ClassRateLimit:
		pause := a.pauseFor(err)
		a.c.throttler.Pause(pause)
		log.Debug().Str("service", a.c.Service()).Str("resource", a.resource).Dur("pause", pause).Msg("rate limited")
		a.wait = a.c.throttler.WaitResumed
		a.transition(BackoffWait)

	case ClassTransient:
		delay := a.backoff.NextBackOff()
		if delay == backoff.Stop {
			a.transition(Exhausted)
			return
		}
		log.Debug().Err(err).Str("service", a.c.Service()).Str("resource", a.resource).Dur("delay", delay).Msg("retrying")
		a.wait = func(ctx context.Context) error {
			return sleep(ctx, delay)
		}
		a.transition(BackoffWait)
	}
}

func (a *attempt) pauseFor(err error) time.Duration {
	p := a.c.policy
	var rl *RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > 0 {
		a.rateLimits = 0
		return min(rl.RetryAfter, p.MaxPause)
	}
	d := p.DefaultPause << a.rateLimits
	if d <= 0 || d > p.MaxPause {
		d = p.MaxPause
	}
	a.rateLimits++
	return d
}

func (a *attempt) transition(to State) {
	from := a.state
	a.state = to
	if a.c.OnTransition != nil {
		a.c.OnTransition(a.resource, from, to)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
