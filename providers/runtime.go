package providers

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/geeknoid/cargo-rank/cache"
	"github.com/geeknoid/cargo-rank/retry"
	"github.com/geeknoid/cargo-rank/throttle"
)

type Status int

const (
	StatusFound Status = iota
	// StatusNegative means the resource is known to be absent or unusable.
	StatusNegative
	// StatusUnavailable means the resource could not be fetched in this run.
	StatusUnavailable
)

func (s Status) String() string {
	switch s {
	case StatusFound:
		return "found"
	case StatusNegative:
		return "negative"
	default:
		return "unavailable"
	}
}

// Outcome is the terminal result of fetching one resource.
type Outcome[T any] struct {
	Value     T
	Status    Status
	Reason    cache.Reason
	Err       error
	FromCache bool
}

func (o Outcome[T]) Found() bool {
	return o.Status == StatusFound
}

// Describe renders why an outcome carries no value.
func (o Outcome[T]) Describe() string {
	switch o.Status {
	case StatusFound:
		return ""
	case StatusNegative:
		return string(o.Reason)
	}
	if o.Err != nil {
		return "unavailable: " + o.Err.Error()
	}
	return "unavailable"
}

// Unavailable builds an outcome for a resource that could not be attempted.
func Unavailable[T any](err error) Outcome[T] {
	return Outcome[T]{Status: StatusUnavailable, Err: err}
}

type RuntimeConfig struct {
	Cache     *cache.Cache
	Throttles *throttle.Registry
	Policies  map[Service]retry.Policy
	// TTLs is the freshness of positive entries per service. Zero means permanent.
	TTLs map[Service]time.Duration
	// NegativeTTL bounds how long "not found" and unversioned negative entries are trusted.
	NegativeTTL time.Duration
}

// Runtime is the shared plumbing every provider runs on: one cache, and one
// retry coordinator per service bound to that service's throttler.
type Runtime struct {
	cache       *cache.Cache
	throttles   *throttle.Registry
	policies    map[Service]retry.Policy
	ttls        map[Service]time.Duration
	negativeTTL time.Duration

	mu           sync.Mutex
	coordinators map[Service]*retry.Coordinator
}

func NewRuntime(cfg RuntimeConfig) *Runtime {
	if cfg.Throttles == nil {
		cfg.Throttles = throttle.NewRegistry(throttle.Config{MaxConcurrency: 1})
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = 24 * time.Hour
	}
	return &Runtime{
		cache:        cfg.Cache,
		throttles:    cfg.Throttles,
		policies:     cfg.Policies,
		ttls:         cfg.TTLs,
		negativeTTL:  cfg.NegativeTTL,
		coordinators: make(map[Service]*retry.Coordinator),
	}
}

func (r *Runtime) Coordinator(s Service) *retry.Coordinator {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[s]
	if !ok {
		policy, ok := r.policies[s]
		if !ok {
			policy = retry.DefaultPolicy()
		}
		c = retry.NewCoordinator(r.throttles.For(string(s)), policy)
		r.coordinators[s] = c
	}
	return c
}

func (r *Runtime) Throttler(s Service) *throttle.Throttler {
	return r.throttles.For(string(s))
}

// Call runs one remote request for service s under its retry coordinator.
func (r *Runtime) Call(ctx context.Context, s Service, resource string, fn func(ctx context.Context) error) error {
	return r.Coordinator(s).Do(ctx, resource, fn)
}

func (r *Runtime) TTL(s Service) time.Duration {
	return r.ttls[s]
}

func (r *Runtime) Now() time.Time {
	if r.cache != nil {
		return r.cache.Now()
	}
	return time.Now()
}

// Fetch resolves one cached resource. A cache hit short-circuits the network;
// otherwise fetch runs (its requests going through Call) and its terminal
// result is cached: values positively, permanent failures negatively.
// Exhausted and cancelled fetches are not cached.
func Fetch[T any](ctx context.Context, r *Runtime, key cache.Key, ttl time.Duration, fetch func(ctx context.Context) (T, error)) Outcome[T] {
	logger := log.With().Str("service", key.Service).Str("resource", key.String()).Logger()

	if r.cache != nil {
		lookup := r.cache.Get(key)
		switch lookup.Status {
		case cache.Hit:
			var v T
			if err := lookup.Decode(&v); err == nil {
				return Outcome[T]{Value: v, Status: StatusFound, FromCache: true}
			}
			logger.Debug().Msg("cached payload does not decode, refetching")
		case cache.NegativeHit:
			return Outcome[T]{
				Status:    StatusNegative,
				Reason:    lookup.Reason(),
				Err:       errors.New(lookup.Entry.Negative.Detail),
				FromCache: true,
			}
		}
	}

	v, err := fetch(ctx)
	if err == nil {
		if r.cache != nil {
			if perr := r.cache.PutValue(key, v, ttl); perr != nil {
				logger.Warn().Err(perr).Msg("failed to cache result")
			}
		}
		return Outcome[T]{Value: v, Status: StatusFound}
	}

	var perm *retry.PermanentError
	if !errors.As(err, &perm) {
		if errors.Is(err, retry.ErrExhausted) {
			logger.Warn().Err(err).Msg("giving up for this run")
		} else {
			logger.Debug().Err(err).Msg("fetch did not complete")
		}
		return Outcome[T]{Status: StatusUnavailable, Err: err}
	}

	if perm.Reason == cache.ReasonParseError {
		logger.Warn().Err(err).Msg("malformed response")
	} else {
		logger.Debug().Err(err).Msg("resource not available")
	}
	if r.cache != nil {
		if perr := r.cache.PutNegative(key, perm.Reason, err.Error(), r.negativeTTLFor(key, perm.Reason)); perr != nil {
			logger.Warn().Err(perr).Msg("failed to cache negative result")
		}
	}
	return Outcome[T]{Status: StatusNegative, Reason: perm.Reason, Err: err}
}

// negativeTTLFor keeps "not found" time-boxed; other reasons are permanent
// for immutable version-scoped resources.
func (r *Runtime) negativeTTLFor(key cache.Key, reason cache.Reason) time.Duration {
	if reason == cache.ReasonNotFound || key.Version == "" {
		return r.negativeTTL
	}
	return 0
}
