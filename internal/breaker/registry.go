package breaker

import "sync"

// Registry hands out one breaker per named target, creating them on
// first use with a shared config.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg Config) *Registry {
	return &Registry{
		cfg:      cfg,
		breakers: make(map[string]*Breaker),
	}
}

// For returns the breaker for the target, creating it if needed.
func (r *Registry) For(target string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[target]
	if !ok {
		b = New(target, r.cfg)
		r.breakers[target] = b
	}
	return b
}

// Execute runs fn under the target's breaker.
func (r *Registry) Execute(target string, fn func() error) error {
	return r.For(target).Execute(fn)
}

// Snapshots reports every known breaker, keyed by target.
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Snapshot, len(r.breakers))
	for name, b := range r.breakers {
		out[name] = b.Snapshot()
	}
	return out
}
