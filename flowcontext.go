package flowmesh

import (
	"context"
	"sync"
	"time"

	"github.com/zoobzio/clockz"
)

// nodeSlot is one entry of the flow context's dense node-outcome slab
// (spec.md §3): filled in as the engine walks the plan, indexed by node
// index and addressable by name for late binds (joins reading an earlier
// stage by name rather than index).
type nodeSlot struct {
	set   bool
	kind  Kind
	code  string
	value any
	err   error
}

// StageFanoutSnapshot is the per-stage audit record fanout.go produces:
// which module ids ran, which were skipped and why, recorded so a
// downstream join or the explain collector can inspect the full decision
// trail without re-deriving it.
type StageFanoutSnapshot struct {
	StageName   Name
	Ran         []Name
	Skipped     map[Name]string // moduleId -> reserved skip code
	ShadowRan   []Name
	ShadowSkip  map[Name]string
	RecordedAt  time.Time
	FanoutMax   int
	CandidateN  int
}

// FlowContext is the per-request mutable carrier the engine threads through
// every node and fanout call (spec.md §3). It is created once per request,
// mutated only by the engine/fanout machinery, and released when the final
// outcome returns — flowmesh never persists it across requests (Non-goal:
// no cross-request persistence of execution state).
type FlowContext struct {
	ctx context.Context

	FlowName Name
	Plan     *PlanTemplate
	Request  any

	Deadline     time.Time
	Clock        clockz.Clock
	UserID       string
	Variants     map[string]string
	Attrs        map[string]any
	QoSTier      string
	ConfigSnap   ConfigSnapshot
	PatchEval    *FlowPatchEvaluation

	mu          sync.Mutex
	slab        []nodeSlot
	nameIndex   map[Name]int
	moduleSlots map[Name]nodeSlot // fanout-produced outcomes, addressed by moduleId only
	fanoutByStg map[Name]*StageFanoutSnapshot

	memo *MemoTable

	Explain *ExplainCollector

	// Overrides, when non-nil, is consulted before the catalog for a given
	// node name — the external test-override provider boundary (spec.md
	// §3's "test-override provider handle"), letting a harness substitute a
	// canned Outcome for one node without rebuilding the whole plan.
	Overrides map[Name]func() (any, error)
}

// NewFlowContext builds a fresh per-request context bound to plan and the
// already-evaluated patch. deadline is the absolute instant the request
// must complete by; a zero deadline means "no deadline" (engine treats it
// as never-exceeded).
func NewFlowContext(ctx context.Context, plan *PlanTemplate, request any, patch *FlowPatchEvaluation, snap ConfigSnapshot, attrs RequestAttrs, qosTier string, deadline time.Time, clock clockz.Clock) *FlowContext {
	if clock == nil {
		clock = clockz.RealClock
	}
	return &FlowContext{
		ctx:         ctx,
		FlowName:    plan.FlowName,
		Plan:        plan,
		Request:     request,
		Deadline:    deadline,
		Clock:       clock,
		UserID:      attrs.UserID,
		Variants:    attrs.Variants,
		Attrs:       attrs.Attrs,
		QoSTier:     qosTier,
		ConfigSnap:  snap,
		PatchEval:   patch,
		slab:        make([]nodeSlot, len(plan.Nodes)),
		nameIndex:   plan.NameIndex,
		moduleSlots: make(map[Name]nodeSlot),
		fanoutByStg: make(map[Name]*StageFanoutSnapshot),
		memo:        NewMemoTable(),
	}
}

// Context returns the request's Go context (cancellation/deadline),
// embedded rather than duplicated so the engine and fanout.go can pass it
// straight through to ModuleContext and errgroup.
func (fc *FlowContext) Context() context.Context { return fc.ctx }

// RecordOutcome stores a node's outcome under both its index and name.
// The engine calls it for the node at which a deadline or cancellation
// check stops the walk; fanout module outcomes go through
// RecordModuleOutcome instead.
func (fc *FlowContext) RecordOutcome(index int, name Name, kind Kind, code string, value any, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.slab[index] = nodeSlot{set: true, kind: kind, code: code, value: value, err: err}
	if fc.nameIndex == nil {
		fc.nameIndex = map[Name]int{}
	}
	fc.nameIndex[name] = index
}

// OutcomeByIndex returns the recorded outcome fields for a node index; ok
// is false if nothing has been recorded there yet.
func (fc *FlowContext) OutcomeByIndex(index int) (kind Kind, code string, value any, err error, ok bool) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if index < 0 || index >= len(fc.slab) || !fc.slab[index].set {
		return KindUnspecified, "", nil, nil, false
	}
	s := fc.slab[index]
	return s.kind, s.code, s.value, s.err, true
}

// RecordModuleOutcome stores a stage-fanout module's outcome under its
// moduleId. Unlike RecordOutcome, fanout modules are not addressed by plan
// node index — a moduleId introduced only by an experiment overlay may have
// no corresponding PlanNode at all — so these live in a name-only table.
func (fc *FlowContext) RecordModuleOutcome(moduleID Name, kind Kind, code string, value any, err error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.moduleSlots[moduleID] = nodeSlot{set: true, kind: kind, code: code, value: value, err: err}
}

// OutcomeByName resolves a node or module id to its recorded outcome, the
// late-bind path joins use to read an earlier stage's per-module outcomes.
// Plan-node outcomes (recorded via RecordOutcome) are checked first, then
// fanout module outcomes (recorded via RecordModuleOutcome).
func (fc *FlowContext) OutcomeByName(name Name) (kind Kind, code string, value any, err error, ok bool) {
	fc.mu.Lock()
	idx, exists := fc.nameIndex[name]
	if exists {
		fc.mu.Unlock()
		return fc.OutcomeByIndex(idx)
	}
	slot, found := fc.moduleSlots[name]
	fc.mu.Unlock()
	if !found {
		return KindUnspecified, "", nil, nil, false
	}
	return slot.kind, slot.code, slot.value, slot.err, true
}

// RecordFanout stores the stage fanout snapshot produced by fanout.go.
func (fc *FlowContext) RecordFanout(snapshot *StageFanoutSnapshot) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.fanoutByStg[snapshot.StageName] = snapshot
}

// FanoutSnapshot returns the recorded fanout audit for a stage, or nil if
// that stage has not yet run (or the patch had no entry for it).
func (fc *FlowContext) FanoutSnapshot(stageName Name) *StageFanoutSnapshot {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.fanoutByStg[stageName]
}

// Memo returns the request-scoped memo table (spec.md §4.5 step 5).
func (fc *FlowContext) Memo() *MemoTable { return fc.memo }

// Override returns the test-override function registered for a node name,
// if any.
func (fc *FlowContext) Override(name Name) (func() (any, error), bool) {
	fn, ok := fc.Overrides[name]
	return fn, ok
}

// RequestAttrsView rebuilds the RequestAttrs this context was created from,
// for callers (gate evaluation, shadow sampling) that want the bundled
// shape rather than individual fields.
func (fc *FlowContext) RequestAttrsView() RequestAttrs {
	return RequestAttrs{UserID: fc.UserID, Variants: fc.Variants, Attrs: fc.Attrs}
}
