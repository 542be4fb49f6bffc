package throttle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

var pauseCounter = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "cargo_rank",
		Subsystem: "throttle",
		Name:      "pauses_total",
		Help:      "Total number of pauses requested per service.",
	},
	[]string{"service"},
)

type Config struct {
	// MaxConcurrency is the number of permits. Values below 1 are treated as 1.
	MaxConcurrency int
	// RequestsPerSecond paces permit grants when positive.
	RequestsPerSecond float64
}

// Throttler bounds the number of concurrent requests to one service and lets
// any holder pause new grants when the service pushes back.
type Throttler struct {
	service  string
	max      int64
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	inFlight atomic.Int64

	mu          sync.Mutex
	pausedUntil time.Time
	resumed     chan struct{}
	timer       *time.Timer
}

func New(service string, cfg Config) *Throttler {
	limit := int64(cfg.MaxConcurrency)
	if limit < 1 {
		limit = 1
	}
	t := &Throttler{
		service: service,
		max:     limit,
		sem:     semaphore.NewWeighted(limit),
		resumed: closedChan(),
	}
	if cfg.RequestsPerSecond > 0 {
		t.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	return t
}

func (t *Throttler) Service() string {
	return t.service
}

func (t *Throttler) MaxConcurrency() int {
	return int(t.max)
}

func (t *Throttler) InFlight() int {
	return int(t.inFlight.Load())
}

// Permit is a held concurrency slot.
type Permit struct {
	t        *Throttler
	released atomic.Bool
}

// Release returns the slot. Calling it more than once is a no-op.
func (p *Permit) Release() {
	if p == nil || !p.released.CompareAndSwap(false, true) {
		return
	}
	p.t.inFlight.Add(-1)
	p.t.sem.Release(1)
}

// Acquire blocks until no pause is active and a slot is free.
// Waiters on the slot queue are served in order, so none starves.
func (t *Throttler) Acquire(ctx context.Context) (*Permit, error) {
	for {
		if err := t.WaitResumed(ctx); err != nil {
			return nil, err
		}
		if err := t.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		// a pause may have started while queued for the slot
		if t.Paused() {
			t.sem.Release(1)
			continue
		}
		if t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				t.sem.Release(1)
				return nil, err
			}
			// or while waiting for the pacing token
			if t.Paused() {
				t.sem.Release(1)
				continue
			}
		}
		t.inFlight.Add(1)
		return &Permit{t: t}, nil
	}
}

// Pause stops new grants for d. Overlapping pauses keep the latest deadline.
// Held permits stay valid.
func (t *Throttler) Pause(d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	t.mu.Lock()
	defer t.mu.Unlock()

	if !until.After(t.pausedUntil) {
		return
	}
	select {
	case <-t.resumed:
		t.resumed = make(chan struct{})
	default:
	}
	t.pausedUntil = until
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(d, t.expire)

	pauseCounter.WithLabelValues(t.service).Inc()
	log.Debug().Str("service", t.service).Dur("duration", d).Msg("pausing requests")
}

// Resume ends any active pause immediately.
func (t *Throttler) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.resumeLocked()
}

// PausedUntil returns the end of the active pause, or the zero time.
func (t *Throttler) PausedUntil() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pausedUntil.IsZero() || !time.Now().Before(t.pausedUntil) {
		return time.Time{}
	}
	return t.pausedUntil
}

func (t *Throttler) Paused() bool {
	return !t.PausedUntil().IsZero()
}

// WaitResumed blocks until no pause is active.
func (t *Throttler) WaitResumed(ctx context.Context) error {
	for {
		t.mu.Lock()
		ch := t.resumed
		t.mu.Unlock()

		select {
		case <-ch:
			if !t.Paused() {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (t *Throttler) expire() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if time.Now().Before(t.pausedUntil) {
		// extended after this timer fired
		return
	}
	t.resumeLocked()
}

func (t *Throttler) resumeLocked() {
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if !t.pausedUntil.IsZero() {
		log.Debug().Str("service", t.service).Msg("resuming requests")
	}
	t.pausedUntil = time.Time{}
	select {
	case <-t.resumed:
	default:
		close(t.resumed)
	}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
