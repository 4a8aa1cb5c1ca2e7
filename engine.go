package flowmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Engine lifecycle signals, alongside the ones already declared in
// signals.go.
const (
	SignalSequenceCompleted capitan.Signal = "engine.execution-completed"
)

// Observability constants for the execution engine (spec.md §4.4, §4.6).
const (
	EngineNodesTotal      = metricz.Key("engine.nodes.total")
	EngineDeadlineExceeded = metricz.Key("engine.deadline_exceeded.total")
	EngineCanceledTotal   = metricz.Key("engine.canceled.total")
	EngineFaultsTotal     = metricz.Key("engine.faults.total")
	EngineDurationMs      = metricz.Key("engine.duration.ms")

	EngineFlowSpan = tracez.Key("flow")
	EngineStepSpan = tracez.Key("step")
	EngineJoinSpan = tracez.Key("join")

	EngineTagFlow        = tracez.Tag("flow_name")
	EngineTagNode        = tracez.Tag("node_name")
	EngineTagOutcomeKind = tracez.Tag("outcome_kind")
	EngineTagOutcomeCode = tracez.Tag("outcome_code")
	EngineTagOverride    = tracez.Tag("is_override")
)

// EngineDeps bundles the process-global collaborators a running Engine
// needs: the module catalog and its services (to invoke Step nodes via the
// same type-erased path fanout.go uses), the fanout dependencies (to run
// stage fanout on stage transitions), and a shared deadline observer.
type EngineDeps struct {
	Catalog   *Catalog
	Services  Services
	Fanout    *FanoutDeps
	Deadlines *DeadlineObserver

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewEngineDeps wires the collaborators together with their own metric/
// trace set, following the teacher's one-registry-per-concern convention.
func NewEngineDeps(catalog *Catalog, services Services, fanout *FanoutDeps, deadlines *DeadlineObserver) *EngineDeps {
	metrics := metricz.New()
	metrics.Counter(EngineNodesTotal)
	metrics.Counter(EngineDeadlineExceeded)
	metrics.Counter(EngineCanceledTotal)
	metrics.Counter(EngineFaultsTotal)
	metrics.Gauge(EngineDurationMs)

	return &EngineDeps{
		Catalog: catalog, Services: services, Fanout: fanout, Deadlines: deadlines,
		metrics: metrics, tracer: tracez.New(),
	}
}

// Engine is flowmesh's single entry point: execute(planTemplate, request,
// context) → Outcome<Resp> (spec.md §4.4), here split into construction
// (NewFlowContext, carrying the compiled plan and typed request) and
// Execute, which walks the plan's state machine:
//
//	enter → deadline-check → cancel-check → execute → record outcome → advance
type Engine struct {
	deps *EngineDeps
}

// NewEngine builds an Engine bound to deps.
func NewEngine(deps *EngineDeps) *Engine {
	return &Engine{deps: deps}
}

// Execute runs fc's plan to completion and returns the final node's
// outcome, type-erased to Outcome[any] — callers with a concrete Resp type
// convert via fromAnyOutcome[Resp] (exported as ExecuteTyped below).
func (e *Engine) Execute(ctx context.Context, fc *FlowContext) Outcome[any] {
	start := fc.Clock.Now()
	budget := time.Duration(0)
	if !fc.Deadline.IsZero() {
		budget = fc.Deadline.Sub(start)
	}

	_, flowSpan := e.deps.tracer.StartSpan(ctx, EngineFlowSpan)
	flowSpan.SetTag(EngineTagFlow, fc.FlowName)
	defer flowSpan.Finish()

	plan := fc.Plan
	currentStage := ""
	var final Outcome[any]

	for i, node := range plan.Nodes {
		e.deps.metrics.Counter(EngineNodesTotal).Inc()

		check := e.deps.Deadlines.Check(ctx, fc.Clock, fc.FlowName, node.Name, fc.Deadline, budget)
		if !check.Allowed() {
			if check.Exceeded {
				e.deps.metrics.Counter(EngineDeadlineExceeded).Inc()
				final = Timeout[any](CodeDeadlineExceeded)
			} else {
				e.deps.metrics.Counter(EngineCanceledTotal).Inc()
				final = Canceled[any](CodeUpstreamCanceled)
			}
			fc.RecordOutcome(i, node.Name, final.Kind(), final.Code(), nil, nil)
			capitan.Warn(ctx, SignalDeadlineExceeded,
				FieldFlow.Field(fc.FlowName), FieldNodeName.Field(node.Name), FieldOutcomeCode.Field(final.Code()),
			)
			return final
		}

		// Stage transition: fire fanout once per newly-entered stage, before
		// that stage's first node executes (spec.md §4.4 "Stage transition").
		if node.StageName != "" && node.StageName != currentStage {
			currentStage = node.StageName
			capitan.Info(ctx, SignalStageEntered, FieldFlow.Field(fc.FlowName), FieldStage.Field(node.StageName))
			if err := RunStageFanout(ctx, fc, e.deps.Fanout, node.StageName); err != nil {
				return Error[any](CodeUnhandledException, err)
			}
		}

		out, isOverride := e.runNode(ctx, fc, node)
		fc.mu.Lock()
		fc.slab[i] = nodeSlot{set: true, kind: out.Kind(), code: out.Code(), value: mustAny(out), err: out.Cause()}
		if fc.nameIndex == nil {
			fc.nameIndex = map[Name]int{}
		}
		fc.nameIndex[node.Name] = i
		fc.mu.Unlock()

		if isOverride {
			capitan.Info(ctx, SignalModuleInvoked,
				FieldFlow.Field(fc.FlowName), FieldNodeName.Field(node.Name), FieldOutcomeKind.Field(string(out.Kind())),
			)
		}
		fc.Explain.RecordNode(NodeExplain{
			Name: node.Name, Kind: node.Kind, OutcomeKind: out.Kind(), OutcomeCode: out.Code(),
			IsOverride: isOverride, RecordedAt: fc.Clock.Now(),
		})

		if out.Kind() == KindError {
			e.deps.metrics.Counter(EngineFaultsTotal).Inc()
			capitan.Error(ctx, SignalUnhandledFault,
				FieldFlow.Field(fc.FlowName), FieldNodeName.Field(node.Name), FieldOutcomeCode.Field(out.Code()),
			)
		}

		if out.IsTerminal() {
			return out
		}
		final = out
	}

	e.deps.metrics.Gauge(EngineDurationMs).Set(float64(fc.Clock.Now().Sub(start).Milliseconds()))
	capitan.Info(ctx, SignalSequenceCompleted,
		FieldFlow.Field(fc.FlowName), FieldPlanHash.Field(plan.PlanHash), FieldDurationMS.Field(float64(fc.Clock.Now().Sub(start).Milliseconds())),
	)
	return final
}

// runNode executes a single Step or Join node, honoring test overrides
// (spec.md §4.4 "Test overrides") and translating faults per §4.4/§4.5's
// shared rule: cancellation-with-deadline-passed → Timeout, plain
// cancellation → Canceled, any other handlable fault → Error.
func (e *Engine) runNode(ctx context.Context, fc *FlowContext, node PlanNode) (out Outcome[any], isOverride bool) {
	if override, ok := fc.Override(node.Name); ok {
		v, err := override()
		if err != nil {
			return translateFault(ctx, fc, err), true
		}
		return Ok[any](v), true
	}

	switch node.Kind {
	case NodeStep:
		if node.StageName != "" {
			// A stage-scoped Step node is a sequencing marker, not an
			// invocation: RunStageFanout already ran every module the
			// resolved patch selected for this stage (recorded individually
			// via fc.RecordModuleOutcome, readable by name), so there is
			// nothing left for this node itself to invoke.
			return Ok[any](nil), false
		}
		return e.runStep(ctx, fc, node), false
	case NodeJoin:
		return e.runJoin(ctx, fc, node), false
	default:
		return Error[any](CodeUnhandledException, fmt.Errorf("flowmesh: unknown node kind %q", node.Kind)), false
	}
}

func (e *Engine) runStep(ctx context.Context, fc *FlowContext, node PlanNode) Outcome[any] {
	_, span := e.deps.tracer.StartSpan(ctx, EngineStepSpan)
	span.SetTag(EngineTagNode, node.Name)
	defer span.Finish()

	raw, err := node.BindArgs(fc.Request)
	if err != nil {
		return Error[any](CodeUnhandledException, err)
	}

	dc := DynModuleContext{
		Ctx: ctx, FlowName: fc.FlowName, StageName: node.StageName,
		ModuleID: node.Name, ModuleType: node.ModuleType, IsShadow: false,
	}
	out, err := e.deps.Catalog.Invoke(dc, e.deps.Services, raw)
	if err != nil {
		return translateFault(ctx, fc, err)
	}
	span.SetTag(EngineTagOutcomeKind, string(out.Kind()))
	span.SetTag(EngineTagOutcomeCode, out.Code())
	return out
}

func (e *Engine) runJoin(ctx context.Context, fc *FlowContext, node PlanNode) Outcome[any] {
	_, span := e.deps.tracer.StartSpan(ctx, EngineJoinSpan)
	span.SetTag(EngineTagNode, node.Name)
	defer span.Finish()

	out := node.RunJoin(fc)
	span.SetTag(EngineTagOutcomeKind, string(out.Kind()))
	span.SetTag(EngineTagOutcomeCode, out.Code())
	return out
}

// translateFault implements the shared cancellation/deadline fault
// translation rule from spec.md §4.4: a context already past its deadline
// reports Timeout, a context merely canceled reports Canceled, anything
// else is an Error(UNHANDLED_EXCEPTION).
func translateFault(ctx context.Context, fc *FlowContext, err error) Outcome[any] {
	check := CheckDeadline(ctx, fc.Clock, fc.Deadline)
	switch {
	case check.Exceeded:
		return Timeout[any](CodeDeadlineExceeded)
	case check.Canceled:
		return Canceled[any](CodeUpstreamCanceled)
	default:
		return Error[any](CodeUnhandledException, err)
	}
}

// mustAny extracts the carried value for slab storage, nil for outcomes
// that carry none.
func mustAny(o Outcome[any]) any {
	v, _ := o.Value()
	return v
}

// ExecuteTyped runs fc to completion and converts the final outcome to
// Outcome[TResp], the typed facade a flow's public entry point exposes
// instead of working with Outcome[any] directly.
func ExecuteTyped[TResp any](e *Engine, ctx context.Context, fc *FlowContext) Outcome[TResp] {
	return fromAnyOutcome[TResp](e.Execute(ctx, fc))
}
