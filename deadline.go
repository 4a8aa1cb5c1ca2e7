package flowmesh

import (
	"context"
	"time"

	"github.com/zoobzio/clockz"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for deadline/cancellation boundary checks.
const (
	DeadlineCheckedTotal    = metricz.Key("deadline.checked.total")
	DeadlineExceededTotal   = metricz.Key("deadline.exceeded.total")
	DeadlineCanceledTotal   = metricz.Key("deadline.canceled.total")
	DeadlineNearMissesTotal = metricz.Key("deadline.near_miss.total")

	DeadlineCheckSpan = tracez.Key("deadline.check")

	DeadlineTagExceeded = tracez.Tag("deadline.exceeded")
	DeadlineTagCanceled = tracez.Tag("deadline.canceled")

	DeadlineEventNearMiss hookz.Key = "deadline.near_miss"
)

// DeadlineEvent is emitted when a node boundary check finds the request
// has used more than 80% of its budget but has not yet expired —
// the flowmesh analogue of the teacher Timeout connector's NearTimeout
// event, generalized from "one wrapped call" to "every node boundary".
type DeadlineEvent struct {
	FlowName    Name
	NodeName    Name
	Remaining   time.Duration
	Budget      time.Duration
	PercentUsed float64
	Timestamp   time.Time
}

// DeadlineCheck is the result of a single boundary check: at most one of
// Exceeded/Canceled is true.
type DeadlineCheck struct {
	Exceeded bool
	Canceled bool
}

// Allowed reports whether the request may proceed past this boundary.
func (c DeadlineCheck) Allowed() bool { return !c.Exceeded && !c.Canceled }

// CheckDeadline performs the engine's "deadline-check / cancel-check" step
// (spec.md §4.4), shared by engine.go and fanout.go so every boundary in
// the plan uses identical semantics. Cancellation is checked first since a
// canceled context whose deadline also passed should still report
// cancellation only when the cancellation, not the clock, triggered it —
// ctx.Err() disambiguates this for us.
func CheckDeadline(ctx context.Context, clock clockz.Clock, deadline time.Time) DeadlineCheck {
	select {
	case <-ctx.Done():
		if ctx.Err() == context.DeadlineExceeded {
			return DeadlineCheck{Exceeded: true}
		}
		return DeadlineCheck{Canceled: true}
	default:
	}
	if clock == nil {
		clock = clockz.RealClock
	}
	if !deadline.IsZero() && !clock.Now().Before(deadline) {
		return DeadlineCheck{Exceeded: true}
	}
	return DeadlineCheck{}
}

// DeadlineObserver wraps CheckDeadline with the metrics/trace/hook
// envelope spec.md §4.6 expects at every boundary.
type DeadlineObserver struct {
	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[DeadlineEvent]
}

// NewDeadlineObserver builds an observer with its own metric/trace/hook
// set, matching the one-registry-per-concern convention the teacher uses
// per connector.
func NewDeadlineObserver() *DeadlineObserver {
	metrics := metricz.New()
	metrics.Counter(DeadlineCheckedTotal)
	metrics.Counter(DeadlineExceededTotal)
	metrics.Counter(DeadlineCanceledTotal)
	metrics.Counter(DeadlineNearMissesTotal)

	return &DeadlineObserver{
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[DeadlineEvent](),
	}
}

// Check performs the boundary check, records metrics/trace, and — when the
// request is still within budget but has burned more than 80% of it —
// emits a DeadlineEvent on DeadlineEventNearMiss.
func (o *DeadlineObserver) Check(ctx context.Context, clock clockz.Clock, flowName, nodeName Name, deadline time.Time, budget time.Duration) DeadlineCheck {
	_, span := o.tracer.StartSpan(ctx, DeadlineCheckSpan)
	defer span.Finish()

	o.metrics.Counter(DeadlineCheckedTotal).Inc()
	result := CheckDeadline(ctx, clock, deadline)

	span.SetTag(DeadlineTagExceeded, boolString(result.Exceeded))
	span.SetTag(DeadlineTagCanceled, boolString(result.Canceled))

	switch {
	case result.Exceeded:
		o.metrics.Counter(DeadlineExceededTotal).Inc()
	case result.Canceled:
		o.metrics.Counter(DeadlineCanceledTotal).Inc()
	default:
		if !deadline.IsZero() && budget > 0 {
			if clock == nil {
				clock = clockz.RealClock
			}
			remaining := deadline.Sub(clock.Now())
			used := budget - remaining
			percent := float64(used) / float64(budget) * 100
			if percent > 80 {
				o.metrics.Counter(DeadlineNearMissesTotal).Inc()
				_ = o.hooks.Emit(ctx, DeadlineEventNearMiss, DeadlineEvent{ //nolint:errcheck
					FlowName:    flowName,
					NodeName:    nodeName,
					Remaining:   remaining,
					Budget:      budget,
					PercentUsed: percent,
					Timestamp:   clock.Now(),
				})
			}
		}
	}
	return result
}

// OnNearMiss registers a handler called when a request burns more than 80%
// of its deadline budget without yet exceeding it.
func (o *DeadlineObserver) OnNearMiss(handler func(context.Context, DeadlineEvent) error) error {
	_, err := o.hooks.Hook(DeadlineEventNearMiss, handler)
	return err
}

// Metrics returns the observer's metric set.
func (o *DeadlineObserver) Metrics() *metricz.Registry { return o.metrics }

// Tracer returns the observer's tracer.
func (o *DeadlineObserver) Tracer() *tracez.Tracer { return o.tracer }

// Close shuts down observability components.
func (o *DeadlineObserver) Close() error {
	if o.tracer != nil {
		o.tracer.Close()
	}
	o.hooks.Close()
	return nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
