package flowmesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for selector dispatch.
const (
	SelectorEvaluatedTotal = metricz.Key("selector.evaluated.total")
	SelectorAllowedTotal   = metricz.Key("selector.allowed.total")
	SelectorDeniedTotal    = metricz.Key("selector.denied.total")
	SelectorFaultTotal     = metricz.Key("selector.fault.total")

	SelectorEvaluateSpan = tracez.Key("selector.evaluate")

	SelectorTagName   = tracez.Tag("selector.name")
	SelectorTagResult = tracez.Tag("selector.result")

	SelectorEventEvaluated = hookz.Key("selector.evaluated")
)

// SelectorEvent is emitted via hookz after every named-selector dispatch,
// letting a host observe gate decisions without coupling to capitan.
type SelectorEvent struct {
	Name      Name
	Allowed   bool
	Err       error
	Duration  time.Duration
	Timestamp time.Time
}

// SelectorRequest is what a named selector receives: the request-scoped
// attributes a gate evaluates against, plus the optional literal args the
// gate leaf supplied alongside the selector name.
type SelectorRequest struct {
	UserID   string
	Variants map[string]string
	Attrs    map[string]any
	Args     map[string]any
}

// SelectorFunc is a pluggable boolean predicate named inside gate
// expressions. A selector never panics to signal failure — it returns an
// error, which the gate evaluator turns into allowed=false with a
// selector-identifying code, per spec.md §4.2.
type SelectorFunc func(ctx context.Context, req SelectorRequest) (bool, error)

// SelectorRegistry is a process-global, mutex-protected name → SelectorFunc
// table that gate evaluation dispatches through — the named-selector
// analogue of the teacher's Switch route table, minus per-route Chainable
// composition (a selector only ever returns bool, never transforms data).
type SelectorRegistry struct {
	mu        sync.RWMutex
	selectors map[Name]SelectorFunc

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[SelectorEvent]
}

// NewSelectorRegistry builds an empty registry with observability wired in.
func NewSelectorRegistry() *SelectorRegistry {
	metrics := metricz.New()
	metrics.Counter(SelectorEvaluatedTotal)
	metrics.Counter(SelectorAllowedTotal)
	metrics.Counter(SelectorDeniedTotal)
	metrics.Counter(SelectorFaultTotal)

	return &SelectorRegistry{
		selectors: make(map[Name]SelectorFunc),
		metrics:   metrics,
		tracer:    tracez.New(),
		hooks:     hookz.New[SelectorEvent](),
	}
}

// Register adds or replaces a named selector. Safe for concurrent use;
// intended to be called during host startup before any request reaches the
// gate evaluator.
func (r *SelectorRegistry) Register(name Name, fn SelectorFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selectors[name] = fn
}

// Has reports whether a selector is registered under name.
func (r *SelectorRegistry) Has(name Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.selectors[name]
	return ok
}

// Evaluate dispatches to the named selector. A selector named in a gate but
// not registered is itself a fault, returned alongside allowed=false so the
// gate evaluator can attach the GATE_SELECTOR_NOT_FOUND code.
func (r *SelectorRegistry) Evaluate(ctx context.Context, name Name, req SelectorRequest) (allowed bool, err error) {
	r.mu.RLock()
	fn, ok := r.selectors[name]
	r.mu.RUnlock()

	r.metrics.Counter(SelectorEvaluatedTotal).Inc()
	_, span := r.tracer.StartSpan(ctx, SelectorEvaluateSpan)
	span.SetTag(SelectorTagName, name)
	defer span.Finish()

	if !ok {
		err = fmt.Errorf("flowmesh: selector %q is not registered", name)
		r.metrics.Counter(SelectorFaultTotal).Inc()
		span.SetTag(SelectorTagResult, "fault")
		r.emit(ctx, name, false, err, 0)
		return false, err
	}

	start := time.Now()
	allowed, err = fn(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		r.metrics.Counter(SelectorFaultTotal).Inc()
		span.SetTag(SelectorTagResult, "fault")
	} else if allowed {
		r.metrics.Counter(SelectorAllowedTotal).Inc()
		span.SetTag(SelectorTagResult, "allowed")
	} else {
		r.metrics.Counter(SelectorDeniedTotal).Inc()
		span.SetTag(SelectorTagResult, "denied")
	}

	r.emit(ctx, name, allowed, err, elapsed)
	return allowed, err
}

func (r *SelectorRegistry) emit(ctx context.Context, name Name, allowed bool, err error, d time.Duration) {
	_ = r.hooks.Emit(ctx, SelectorEventEvaluated, SelectorEvent{ //nolint:errcheck
		Name:      name,
		Allowed:   allowed,
		Err:       err,
		Duration:  d,
		Timestamp: time.Now(),
	})
}

// OnEvaluated registers a handler called asynchronously after every
// selector dispatch.
func (r *SelectorRegistry) OnEvaluated(handler func(context.Context, SelectorEvent) error) error {
	_, err := r.hooks.Hook(SelectorEventEvaluated, handler)
	return err
}

// Metrics returns the registry's metric set.
func (r *SelectorRegistry) Metrics() *metricz.Registry { return r.metrics }

// Tracer returns the registry's tracer.
func (r *SelectorRegistry) Tracer() *tracez.Tracer { return r.tracer }

// Close shuts down observability components.
func (r *SelectorRegistry) Close() error {
	if r.tracer != nil {
		r.tracer.Close()
	}
	r.hooks.Close()
	return nil
}
