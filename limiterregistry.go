package flowmesh

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// LimiterRegistry is the process-global table of per-limitKey bulkhead
// limiters described in spec.md §5: "Process-global, keyed by limitKey;
// reconfigured when a new config version arrives (lazy, idempotent)."
//
// It is modeled on the teacher's CircuitBreaker generation/mutex bookkeeping
// but tracks a
// *collection* of limiters rebuilt together per configVersion rather than a
// single processor's open/closed state.
type LimiterRegistry struct {
	mu            sync.Mutex
	configVersion uint64
	generation    uint64
	limiters      map[string]*Limiter
	clock         clockz.Clock
}

// NewLimiterRegistry builds an empty registry. clock defaults to
// clockz.RealClock when nil.
func NewLimiterRegistry(clock clockz.Clock) *LimiterRegistry {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &LimiterRegistry{limiters: make(map[string]*Limiter), clock: clock}
}

// EnsureVersion lazily rebuilds the registry's limiters for configVersion
// using the capacity-per-limitKey map derived from the active patch. It is
// idempotent: concurrent callers observing the same new configVersion race
// harmlessly under the mutex, and a call for a configVersion already
// current is a no-op. Limiters whose capacity is unchanged across a rebuild
// are kept as-is (same *Limiter, same semaphore channel) so in-flight
// leases acquired under the previous version are never invalidated —
// exactly the "never blocking earlier requests' in-flight leases"
// requirement.
func (r *LimiterRegistry) EnsureVersion(ctx context.Context, configVersion uint64, capacities map[string]int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.limiters != nil && len(r.limiters) > 0 && configVersion == r.configVersion {
		return
	}
	if configVersion < r.configVersion {
		// A newer version already won the race; never regress.
		return
	}

	rebuilt := make(map[string]*Limiter, len(capacities))
	for key, capacity := range capacities {
		if existing, ok := r.limiters[key]; ok && existing.Capacity() == capacity {
			rebuilt[key] = existing
			continue
		}
		rebuilt[key] = NewLimiter(key, capacity, r.clock)
	}

	r.limiters = rebuilt
	r.configVersion = configVersion
	r.generation++

	capitan.Info(ctx, SignalLimiterRebuilt,
		FieldConfigVer.Field(int(configVersion)),
		FieldGeneration.Field(int(r.generation)),
	)
}

// Get returns the limiter for limitKey, or nil if no capacity was ever
// configured for it (callers treat a nil limiter as "unbounded": the
// fanout algorithm only consults a limiter when limitKey resolves to a
// configured module type).
func (r *LimiterRegistry) Get(limitKey string) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limiters[limitKey]
}

// Generation reports the number of rebuilds this registry has performed,
// exposed for tests asserting idempotency under concurrent first
// observation.
func (r *LimiterRegistry) Generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.generation
}

// ConfigVersion reports the configVersion the registry is currently built
// for.
func (r *LimiterRegistry) ConfigVersion() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.configVersion
}
