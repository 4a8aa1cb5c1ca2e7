package flowmesh

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/clockz"
)

// Limiter is a non-blocking concurrency bulkhead keyed by limitKey (default
// moduleType, spec.md §4.5 step 4, §5). Unlike the teacher's WorkerPool —
// which blocks callers until a semaphore slot frees up — a flowmesh limiter
// never blocks: a full limiter fails fast with BULKHEAD_REJECTED so a
// single saturated module type cannot stall a stage fanout.
type Limiter struct {
	key      string
	capacity int
	sem      chan struct{}
	clock    clockz.Clock
}

// NewLimiter builds a limiter with the given capacity. capacity <= 0 is
// treated as 1, mirroring the teacher's WorkerPool default.
func NewLimiter(key string, capacity int, clock clockz.Clock) *Limiter {
	if capacity <= 0 {
		capacity = 1
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	return &Limiter{key: key, capacity: capacity, sem: make(chan struct{}, capacity), clock: clock}
}

// Key returns the limitKey this limiter was built for.
func (l *Limiter) Key() string { return l.key }

// Capacity returns the limiter's configured concurrency bound.
func (l *Limiter) Capacity() int { return l.capacity }

// InFlight returns the number of currently held leases.
func (l *Limiter) InFlight() int { return len(l.sem) }

// Lease represents one held slot; Release must be called exactly once.
type Lease struct {
	sem      chan struct{}
	released bool
	mu       sync.Mutex
}

// TryAcquire attempts to take one slot without blocking. ok is false when
// the limiter is already at capacity — the caller records
// Skipped(BULKHEAD_REJECTED) and moves on.
func (l *Limiter) TryAcquire(ctx context.Context) (lease *Lease, ok bool) {
	select {
	case l.sem <- struct{}{}:
		capitan.Info(ctx, SignalLimiterAcquired,
			FieldLimitKey.Field(l.key),
			FieldCapacity.Field(l.capacity),
			FieldInFlight.Field(len(l.sem)),
		)
		return &Lease{sem: l.sem}, true
	default:
		capitan.Warn(ctx, SignalLimiterRejected,
			FieldLimitKey.Field(l.key),
			FieldCapacity.Field(l.capacity),
			FieldInFlight.Field(len(l.sem)),
		)
		return nil, false
	}
}

// Release frees the held slot. Safe to call multiple times; only the first
// call has an effect, matching a "release on every exit path" call site
// that might otherwise double-release under a panic-recovery defer.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true
	<-l.sem
}

// elapsedSince is a small helper kept for callers that want to log
// lease-hold duration without importing time directly.
func elapsedSince(clock clockz.Clock, start time.Time) time.Duration {
	return clock.Now().Sub(start)
}
