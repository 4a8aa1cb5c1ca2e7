package flowmesh

import (
	"context"
	"sort"
	"sync"

	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
	"golang.org/x/sync/errgroup"
)

// Observability constants for the primary stage fanout (spec.md §4.5,
// §4.6). Shadow fanout's own constants live in shadow.go since it has a
// distinct skip-reason surface (sampling, not gating/trimming/bulkheading).
const (
	FanoutModulesTotal  = metricz.Key("fanout.modules.total")
	FanoutRanTotal      = metricz.Key("fanout.ran.total")
	FanoutSkippedTotal  = metricz.Key("fanout.skipped.total")
	FanoutTrimmedTotal  = metricz.Key("fanout.trimmed.total")
	FanoutDurationMs    = metricz.Key("fanout.duration.ms")

	FanoutStageSpan = tracez.Key("stage_fanout")
	FanoutModuleSpan = tracez.Key("stage_fanout_module")

	FanoutTagStage          = tracez.Tag("stage_name")
	FanoutTagModuleType     = tracez.Tag("module_type")
	FanoutTagOutcomeKind    = tracez.Tag("outcome_kind")
	FanoutTagOutcomeCode    = tracez.Tag("outcome_code")
	FanoutTagExecutionPath  = tracez.Tag("execution_path")
)

// FanoutDeps bundles the process-global collaborators stage fanout needs:
// the module catalog, the gate's selector registry, the bulkhead limiter
// registry, and the observability set. One FanoutDeps is built at host
// startup and shared across every request.
type FanoutDeps struct {
	Catalog   *Catalog
	Services  Services
	Selectors *SelectorRegistry
	Limiters  *LimiterRegistry
	Deadlines *DeadlineObserver

	metrics *metricz.Registry
	tracer  *tracez.Tracer
}

// NewFanoutDeps wires the four collaborators into a ready-to-use FanoutDeps
// with its own metric/trace set, following the teacher's one-registry-per-
// concern convention.
func NewFanoutDeps(catalog *Catalog, services Services, selectors *SelectorRegistry, limiters *LimiterRegistry, deadlines *DeadlineObserver) *FanoutDeps {
	metrics := metricz.New()
	metrics.Counter(FanoutModulesTotal)
	metrics.Counter(FanoutRanTotal)
	metrics.Counter(FanoutSkippedTotal)
	metrics.Counter(FanoutTrimmedTotal)
	metrics.Gauge(FanoutDurationMs)

	return &FanoutDeps{
		Catalog: catalog, Services: services, Selectors: selectors, Limiters: limiters, Deadlines: deadlines,
		metrics: metrics, tracer: tracez.New(),
	}
}

// candidate is one stage module carried through the fanout pipeline
// alongside its original declaration index, needed for the trim
// tie-break ("lowest-priority / highest-index ones trimmed first", spec.md
// Testable Property #5).
type candidate struct {
	mod   StageModulePatch
	index int
}

// RunStageFanout executes one stage's fanout (spec.md §4.5): gate/enable
// pre-filter, priority sort, fanout trim, bulkhead acquisition, memo
// lookup, concurrent invoke, release, record. It mutates fc by recording
// one outcome per primary module id and a StageFanoutSnapshot audit
// record. A stage absent from the patch evaluation is a no-op.
func RunStageFanout(ctx context.Context, fc *FlowContext, deps *FanoutDeps, stageName Name) error {
	stage := fc.PatchEval.StageByName(stageName)
	if stage == nil {
		return nil
	}

	start := fc.Clock.Now()
	_, span := deps.tracer.StartSpan(ctx, FanoutStageSpan)
	span.SetTag(FanoutTagStage, stageName)
	defer span.Finish()

	skip := make(map[Name]string)
	var candidates []candidate

	// Step 1: gate & enable pre-filter.
	req := SelectorRequest{UserID: fc.UserID, Variants: fc.Variants, Attrs: fc.Attrs}
	for i, m := range stage.Modules {
		deps.metrics.Counter(FanoutModulesTotal).Inc()
		if !m.Enabled {
			skip[m.ModuleID] = CodeDisabled
			continue
		}
		result := EvaluateGate(ctx, m.Gate, deps.Selectors, req, deps.Selectors.Metrics(), deps.Selectors.Tracer(), nil)
		if !result.Allowed {
			skip[m.ModuleID] = CodeGateFalse
			continue
		}
		candidates = append(candidates, candidate{mod: m, index: i})
	}

	// Step 2: stable priority sort, descending; ties broken by original
	// index ascending.
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].mod.Priority != candidates[j].mod.Priority {
			return candidates[i].mod.Priority > candidates[j].mod.Priority
		}
		return candidates[i].index < candidates[j].index
	})

	// Step 3: fanout trim. fanoutMax == 0 with HasFanoutMax means "no
	// candidates run" (an explicit, valid configuration); no fanoutMax
	// means unbounded.
	selected := candidates
	if stage.HasFanoutMax && len(candidates) > stage.FanoutMax {
		selected = candidates[:stage.FanoutMax]
		for _, c := range candidates[stage.FanoutMax:] {
			skip[c.mod.ModuleID] = CodeFanoutTrim
			deps.metrics.Counter(FanoutTrimmedTotal).Inc()
		}
	}

	// Steps 4-6: bulkhead acquisition, memo lookup, concurrent invoke —
	// bounded by errgroup, each goroutine owning exactly one module.
	g, gctx := errgroup.WithContext(ctx)
	outcomes := make(map[Name]Outcome[any], len(selected))
	didRunByID := make(map[Name]bool, len(selected))
	var outcomesMu sync.Mutex

	for _, c := range selected {
		c := c
		g.Go(func() error {
			outcome, didRun := runOneModule(gctx, fc, deps, stageName, c.mod, false)
			outcomesMu.Lock()
			outcomes[c.mod.ModuleID] = outcome
			didRunByID[c.mod.ModuleID] = didRun
			if !didRun && outcome.Kind() == KindSkipped {
				skip[c.mod.ModuleID] = outcome.Code()
			}
			outcomesMu.Unlock()
			return nil
		})
	}
	_ = g.Wait() // per-module faults are already captured as Outcomes, never propagated as errors

	// Ran is recorded in selected's declaration/priority order, not
	// goroutine-completion order, so downstream joins see a
	// deterministic snapshot regardless of scheduling (spec.md §5).
	var ran []Name
	for _, c := range selected {
		if didRunByID[c.mod.ModuleID] {
			ran = append(ran, c.mod.ModuleID)
		}
	}

	for id, out := range outcomes {
		v, _ := out.Value()
		fc.RecordModuleOutcome(id, out.Kind(), out.Code(), v, out.Cause())
	}

	for _, c := range candidates {
		code := skip[c.mod.ModuleID]
		out, hasOutcome := outcomes[c.mod.ModuleID]
		kind := KindSkipped
		if hasOutcome {
			kind, code = out.Kind(), out.Code()
		}
		fc.Explain.RecordStageModule(ctx, StageModuleExplain{
			StageName: stageName, ModuleID: c.mod.ModuleID, ModuleType: c.mod.ModuleType,
			OutcomeKind: kind, OutcomeCode: code, Memoized: c.mod.MemoKey != "" && hasOutcome,
			RecordedAt: fc.Clock.Now(),
		})
	}
	for id, code := range skip {
		if _, alreadyCandidate := outcomes[id]; alreadyCandidate {
			continue
		}
		found := false
		for _, c := range candidates {
			if c.mod.ModuleID == id {
				found = true
				break
			}
		}
		if found {
			continue
		}
		fc.Explain.RecordStageModule(ctx, StageModuleExplain{
			StageName: stageName, ModuleID: id, OutcomeKind: KindSkipped, OutcomeCode: code, RecordedAt: fc.Clock.Now(),
		})
	}

	deps.metrics.Counter(FanoutRanTotal).Add(len(ran))
	deps.metrics.Counter(FanoutSkippedTotal).Add(len(skip))
	deps.metrics.Gauge(FanoutDurationMs).Set(float64(fc.Clock.Now().Sub(start).Milliseconds()))

	fc.RecordFanout(&StageFanoutSnapshot{
		StageName: stageName, Ran: ran, Skipped: skip,
		RecordedAt: fc.Clock.Now(), FanoutMax: stage.FanoutMax, CandidateN: len(candidates),
	})

	// Shadow fanout runs after primary completion, fire-and-forget, never
	// feeding the join (spec.md §4.5 "Shadow fanout").
	RunShadowFanout(ctx, fc, deps, stage)

	return nil
}

// runOneModule performs steps 4-6 for a single candidate: bulkhead
// acquisition, memo lookup, and (on a genuine miss) the catalog invocation.
// didRun is false only for a bulkhead rejection; a memoized module reports
// true whether this call computed the result or shared another caller's.
func runOneModule(ctx context.Context, fc *FlowContext, deps *FanoutDeps, stageName Name, mod StageModulePatch, isShadow bool) (out Outcome[any], didRun bool) {
	limitKey := mod.LimitKey
	if limitKey == "" {
		limitKey = mod.ModuleType
	}
	limiter := deps.Limiters.Get(limitKey)

	var lease *Lease
	if limiter != nil {
		var ok bool
		lease, ok = limiter.TryAcquire(ctx)
		if !ok {
			return Skipped[any](CodeBulkheadRejected), false
		}
		defer lease.Release()
	}

	invoke := func() Outcome[any] {
		dc := DynModuleContext{
			Ctx: ctx, FlowName: fc.FlowName, StageName: stageName,
			ModuleID: mod.ModuleID, ModuleType: mod.ModuleType, IsShadow: isShadow,
		}
		result, err := deps.Catalog.Invoke(dc, deps.Services, mod.Args)
		if err != nil {
			return Error[any](CodeUnhandledException, err)
		}
		return result
	}

	if mod.MemoKey == "" {
		return invoke(), true
	}

	_, outputType, _, _ := deps.Catalog.TryGetSignature(mod.ModuleType)
	signature := memoSignatureDyn(mod.ModuleType, mod.MemoKey, outputType, isShadow)
	result, _ := fc.Memo().Resolve(signature, invoke)
	return result, true
}

