package circuitbreaker

import (
	"sync"
)

// Registry hands out one breaker per resource name. Breakers are created on
// first use and shared by every caller that uses the same name.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*CircuitBreaker
	defaults  Config
	overrides map[string]Config
	opts      options
}

func NewRegistry(defaults Config, opts ...Option) *Registry {
	return &Registry{
		breakers:  make(map[string]*CircuitBreaker),
		defaults:  defaults.withDefaults(),
		overrides: make(map[string]Config),
		opts:      buildOptions(opts),
	}
}

// Configure sets the thresholds used when the named breaker is created.
// Breakers that already exist keep their settings.
func (r *Registry) Configure(resource string, cfg Config) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.overrides[resource] = cfg
}

func (r *Registry) GetBreaker(resource string) *CircuitBreaker {
	r.mutex.RLock()
	cb, exists := r.breakers[resource]
	r.mutex.RUnlock()

	if exists {
		return cb
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	// Double-check: another goroutine may have created it
	if cb, exists = r.breakers[resource]; exists {
		return cb
	}

	cfg := r.defaults
	if override, ok := r.overrides[resource]; ok {
		cfg = override
	}

	cb = newNamedBreaker(resource, cfg, r.opts)
	r.breakers[resource] = cb
	return cb
}

func (r *Registry) Allow(resource string) bool {
	return r.GetBreaker(resource).Allow()
}

func (r *Registry) RecordSuccess(resource string) {
	r.GetBreaker(resource).RecordSuccess()
}

func (r *Registry) RecordFailure(resource string) {
	r.GetBreaker(resource).RecordFailure()
}

func (r *Registry) ReleaseTrial(resource string) {
	r.GetBreaker(resource).ReleaseTrial()
}

// Reset closes every breaker and clears its failure count. Breakers keep
// their configured thresholds.
func (r *Registry) Reset() {
	r.mutex.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mutex.RUnlock()

	for _, cb := range breakers {
		cb.RecordSuccess()
	}
}

func (r *Registry) Stats() map[string]Stats {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	stats := make(map[string]Stats, len(r.breakers))
	for name, cb := range r.breakers {
		stats[name] = cb.Stats()
	}
	return stats
}
