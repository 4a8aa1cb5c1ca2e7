package flowmesh

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Observability constants for the explain collector, grounded on the
// teacher's Handle connector's hookz-event pattern: rather than the
// connector observing its own error path, ExplainCollector observes the
// whole request's decision trail and exposes it both as a structured record
// and as typed hook events for external subscribers.
const (
	ExplainRecordsTotal = metricz.Key("explain.records.total")

	ExplainSpan = tracez.Key("explain.collect")

	ExplainEventGateDecision hookz.Key = "explain.gate_decision"
	ExplainEventFanoutTrim   hookz.Key = "explain.fanout_trim"
)

// NodeExplain is one plan node's recorded decision: what kind of node it
// was, what it settled into, and whether a test override bypassed the
// catalog.
type NodeExplain struct {
	Name        Name
	Kind        NodeKind
	OutcomeKind Kind
	OutcomeCode string
	IsOverride  bool
	RecordedAt  time.Time
}

// StageModuleExplain is one fanout candidate's recorded decision within a
// stage — primary or shadow — carrying enough detail to answer "why did (or
// didn't) this module run" without re-deriving it from the patch.
type StageModuleExplain struct {
	StageName    Name
	ModuleID     Name
	ModuleType   Name
	IsShadow     bool
	OutcomeKind  Kind
	OutcomeCode  string
	GateCode     string
	SelectorName Name
	Memoized     bool
	RecordedAt   time.Time
}

// ExecExplainRecord is the full per-request decision trail: which overlays
// applied, what every node settled into, and what every fanout candidate
// (primary and shadow) did. Built incrementally by ExplainCollector and
// finalized once the engine returns.
type ExecExplainRecord struct {
	ID              string
	FlowName        Name
	PlanHash        string
	ConfigVersion   uint64
	OverlaysApplied []OverlaySource
	Nodes           []NodeExplain
	StageModules    []StageModuleExplain
	StartedAt       time.Time
	FinishedAt      time.Time
}

// ExplainCollector accumulates one request's explain trail. It is optional:
// a FlowContext with a nil Explain collector runs exactly the same, just
// without the audit trail — RecordNode, RecordStageModule, Finalize and
// Close are no-ops on a nil collector.
type ExplainCollector struct {
	mu     sync.Mutex
	record ExecExplainRecord

	metrics *metricz.Registry
	tracer  *tracez.Tracer
	hooks   *hookz.Hooks[GateEvent]
}

// NewExplainCollector builds a collector seeded with the request's static
// identity (flow name, plan hash, config version, overlays applied) —
// everything known before the engine starts walking nodes.
func NewExplainCollector(flowName Name, planHash string, configVersion uint64, overlays []OverlaySource, startedAt time.Time) *ExplainCollector {
	metrics := metricz.New()
	metrics.Counter(ExplainRecordsTotal)

	return &ExplainCollector{
		record: ExecExplainRecord{
			ID: uuid.NewString(), FlowName: flowName, PlanHash: planHash,
			ConfigVersion: configVersion, OverlaysApplied: overlays, StartedAt: startedAt,
		},
		metrics: metrics,
		tracer:  tracez.New(),
		hooks:   hookz.New[GateEvent](),
	}
}

// RecordNode appends a node decision to the trail.
func (c *ExplainCollector) RecordNode(n NodeExplain) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.Nodes = append(c.record.Nodes, n)
}

// RecordStageModule appends a fanout candidate's decision to the trail and,
// for a trimmed module, fires ExplainEventFanoutTrim so a subscriber can
// alert on unexpectedly aggressive trimming without polling the record.
func (c *ExplainCollector) RecordStageModule(ctx context.Context, m StageModuleExplain) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.record.StageModules = append(c.record.StageModules, m)
	c.mu.Unlock()

	if m.OutcomeCode == CodeFanoutTrim {
		_ = c.hooks.Emit(ctx, ExplainEventFanoutTrim, GateEvent{ //nolint:errcheck
			Allowed: false, Code: m.OutcomeCode, SelectorName: m.SelectorName, Timestamp: time.Now(),
		})
	}
	if m.GateCode != "" && m.GateCode != CodeGateAllowed {
		_ = c.hooks.Emit(ctx, ExplainEventGateDecision, GateEvent{ //nolint:errcheck
			Allowed: false, Code: m.GateCode, SelectorName: m.SelectorName, Timestamp: time.Now(),
		})
	}
}

// OnFanoutTrim registers a handler called whenever a fanout candidate is
// trimmed.
func (c *ExplainCollector) OnFanoutTrim(handler func(context.Context, GateEvent) error) error {
	_, err := c.hooks.Hook(ExplainEventFanoutTrim, handler)
	return err
}

// OnGateDecision registers a handler called whenever a gate denies a
// candidate.
func (c *ExplainCollector) OnGateDecision(handler func(context.Context, GateEvent) error) error {
	_, err := c.hooks.Hook(ExplainEventGateDecision, handler)
	return err
}

// Finalize stamps the finish time and returns a copy of the accumulated
// record. Safe to call once the engine has returned; calling it earlier
// just yields a partial trail.
func (c *ExplainCollector) Finalize(finishedAt time.Time) ExecExplainRecord {
	if c == nil {
		return ExecExplainRecord{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.record.FinishedAt = finishedAt
	c.metrics.Counter(ExplainRecordsTotal).Inc()
	return c.record
}

// Metrics returns the collector's metric set.
func (c *ExplainCollector) Metrics() *metricz.Registry { return c.metrics }

// Close shuts down observability components.
func (c *ExplainCollector) Close() error {
	if c == nil {
		return nil
	}
	if c.tracer != nil {
		c.tracer.Close()
	}
	c.hooks.Close()
	return nil
}
