package flowmesh

import (
	"context"
	"hash/fnv"
	"math/rand"

	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// shadowBuckets is the sampling resolution spec.md §4.5 specifies:
// shadowSampleBps is hundredths of a percent, 0..10000.
const shadowBuckets = 10000

// Observability constants for shadow fanout, distinct from primary
// fanout's (shadow has its own skip-reason surface: sampling, not
// gating/trimming/bulkheading).
const (
	ShadowSampledTotal    = metricz.Key("shadow.sampled.total")
	ShadowNotSampledTotal = metricz.Key("shadow.not_sampled.total")
	ShadowRanTotal        = metricz.Key("shadow.ran.total")

	ShadowFanoutSpan = tracez.Key("stage_fanout_module")

	ShadowTagModuleID = tracez.Tag("module_id")
	ShadowTagSampled  = tracez.Tag("shadow.sampled")
)

// shadowBucket computes the deterministic 0..9999 bucket for (userId,
// moduleId) via FNV-1a(userId + "\x00" + moduleId), matching spec.md §4.5's
// "compute a 10000-bucket value from FNV-1a(userId + \0 + moduleId)".
// Deterministic sampling is only possible when a userId is present; when it
// is empty, ShouldSample falls back to per-call uniform random sampling —
// the explicit §9 Open Question decision (documented, not silently chosen):
// the source has two different shadow-bucketing semantics depending on
// userId presence, and flowmesh keeps determinism whenever it can, falling
// back to randomness only when there is no stable identity to hash.
func shadowBucket(userID, moduleID Name) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write([]byte(moduleID))
	return int(h.Sum32() % shadowBuckets)
}

// ShouldSample reports whether a shadow module with the given sampleBps
// should run for this request. See shadowBucket's doc for the determinism
// vs. random-fallback rule.
func ShouldSample(userID, moduleID Name, sampleBps int) bool {
	if sampleBps <= 0 {
		return false
	}
	if sampleBps >= shadowBuckets {
		return true
	}
	if userID != "" {
		return shadowBucket(userID, moduleID) < sampleBps
	}
	return rand.Intn(shadowBuckets) < sampleBps //nolint:gosec // sampling decision, not a security boundary
}

// RunShadowFanout runs a stage's shadow modules after primary completion,
// under the same gate/bulkhead rules as primary fanout but subject to
// deterministic sampling first (spec.md §4.5 "Shadow fanout"). It is
// fire-and-forget: the outer request does not wait for shadow modules to
// finish, and their outcomes never reach a join — only metrics/explain
// observe them, mirroring the teacher's Scaffold connector's
// context.WithoutCancel isolation (the source this is grounded on), here
// applied per-module instead of per-connector.
func RunShadowFanout(ctx context.Context, fc *FlowContext, deps *FanoutDeps, stage *StagePatch) {
	if len(stage.ShadowModules) == 0 {
		return
	}

	req := SelectorRequest{UserID: fc.UserID, Variants: fc.Variants, Attrs: fc.Attrs}
	bgCtx := context.WithoutCancel(ctx)

	ranIDs := make([]Name, 0, len(stage.ShadowModules))
	skipIDs := make(map[Name]string, len(stage.ShadowModules))

	for _, m := range stage.ShadowModules {
		if !m.Enabled {
			skipIDs[m.ModuleID] = CodeDisabled
			fc.Explain.RecordStageModule(bgCtx, StageModuleExplain{
				StageName: stage.StageName, ModuleID: m.ModuleID, ModuleType: m.ModuleType, IsShadow: true,
				OutcomeKind: KindSkipped, OutcomeCode: CodeDisabled, RecordedAt: fc.Clock.Now(),
			})
			continue
		}
		result := EvaluateGate(bgCtx, m.Gate, deps.Selectors, req, deps.Selectors.Metrics(), deps.Selectors.Tracer(), nil)
		if !result.Allowed {
			skipIDs[m.ModuleID] = CodeGateFalse
			fc.Explain.RecordStageModule(bgCtx, StageModuleExplain{
				StageName: stage.StageName, ModuleID: m.ModuleID, ModuleType: m.ModuleType, IsShadow: true,
				OutcomeKind: KindSkipped, OutcomeCode: CodeGateFalse, GateCode: result.Code,
				SelectorName: result.SelectorName, RecordedAt: fc.Clock.Now(),
			})
			continue
		}

		sampled := ShouldSample(fc.UserID, m.ModuleID, m.ShadowSampleBps)
		if !sampled {
			skipIDs[m.ModuleID] = CodeShadowNotSampled
			deps.metrics.Counter(ShadowNotSampledTotal).Inc()
			capitan.Info(bgCtx, SignalShadowNotSampled,
				FieldStage.Field(stage.StageName), FieldModuleID.Field(m.ModuleID),
				FieldShadowSampleBps.Field(m.ShadowSampleBps),
			)
			fc.Explain.RecordStageModule(bgCtx, StageModuleExplain{
				StageName: stage.StageName, ModuleID: m.ModuleID, ModuleType: m.ModuleType, IsShadow: true,
				OutcomeKind: KindSkipped, OutcomeCode: CodeShadowNotSampled, RecordedAt: fc.Clock.Now(),
			})
			continue
		}

		deps.metrics.Counter(ShadowSampledTotal).Inc()
		capitan.Info(bgCtx, SignalShadowSampled,
			FieldStage.Field(stage.StageName), FieldModuleID.Field(m.ModuleID),
			FieldShadowSampleBps.Field(m.ShadowSampleBps),
		)
		ranIDs = append(ranIDs, m.ModuleID)

		mod := m
		go func() {
			_, span := deps.tracer.StartSpan(bgCtx, ShadowFanoutSpan)
			span.SetTag(ShadowTagModuleID, mod.ModuleID)
			span.SetTag(FanoutTagExecutionPath, "shadow")
			defer span.Finish()

			out, _ := runOneModule(bgCtx, fc, deps, stage.StageName, mod, true)
			deps.metrics.Counter(ShadowRanTotal).Inc()
			span.SetTag(FanoutTagOutcomeKind, string(out.Kind()))
			span.SetTag(FanoutTagOutcomeCode, out.Code())

			capitan.Info(bgCtx, SignalShadowCompleted,
				FieldStage.Field(stage.StageName), FieldModuleID.Field(mod.ModuleID),
				FieldOutcomeKind.Field(string(out.Kind())), FieldOutcomeCode.Field(out.Code()),
			)
			fc.Explain.RecordStageModule(bgCtx, StageModuleExplain{
				StageName: stage.StageName, ModuleID: mod.ModuleID, ModuleType: mod.ModuleType, IsShadow: true,
				OutcomeKind: out.Kind(), OutcomeCode: out.Code(), Memoized: mod.MemoKey != "", RecordedAt: fc.Clock.Now(),
			})
		}()
	}

	fc.mu.Lock()
	if snap, ok := fc.fanoutByStg[stage.StageName]; ok {
		snap.ShadowRan = ranIDs
		snap.ShadowSkip = skipIDs
	}
	fc.mu.Unlock()
}
