package throttle

import (
	"sort"
	"sync"
)

// Registry owns one Throttler per service. Services share no state with each other.
type Registry struct {
	mu         sync.Mutex
	throttlers map[string]*Throttler
	defaults   Config
}

func NewRegistry(defaults Config) *Registry {
	return &Registry{
		throttlers: make(map[string]*Throttler),
		defaults:   defaults,
	}
}

// Register installs a throttler for service, replacing any previous one.
func (r *Registry) Register(service string, cfg Config) *Throttler {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := New(service, cfg)
	r.throttlers[service] = t
	return t
}

// For returns the throttler of service, creating one from the defaults if needed.
func (r *Registry) For(service string) *Throttler {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.throttlers[service]
	if !ok {
		t = New(service, r.defaults)
		r.throttlers[service] = t
	}
	return t
}

func (r *Registry) Services() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.throttlers))
	for name := range r.throttlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
