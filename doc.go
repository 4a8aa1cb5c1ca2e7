// Package flowmesh is a configuration-driven request orchestrator.
//
// # Overview
//
// Given a named flow — a pre-declared sequence of stages, each containing
// polymorphic modules — and a per-request context, flowmesh applies a
// layered JSON patch (base, matched experiments, emergency override) to
// produce a concrete per-request execution plan, then walks that plan under
// a shared deadline. At each stage boundary it fans out the stage's
// modules: priority-ordered, gated, bulkheaded, memoized, and optionally
// shadow-mirrored for observability only.
//
// # Core pieces
//
//   - Outcome[T]: the closed, tagged result every module and join returns.
//     Never an error — a value.
//   - Gate / Selector: a small boolean expression tree over named selectors,
//     evaluated against the request and FlowContext.
//   - Validate: structural and semantic validation of a raw patch document
//     against a flow/module registry, producing a ValidationReport.
//   - Evaluate: composes base, matched-experiment and emergency overlays
//     into a FlowPatchEvaluation — the immutable per-request plan.
//   - Execute: walks a compiled PlanTemplate node by node, invoking stage
//     fanout (fanout.go) at stage boundaries and shadow fanout (shadow.go)
//     after primary completion.
//
// flowmesh never talks to a config store itself — the flow-registration
// DSL, the host façade, LKG config persistence, and the QoS tier provider
// are external collaborators. catalog.go and registry.go hold minimal
// in-process module catalog and flow registry implementations (Compile
// turns a FlowBlueprint into a PlanTemplate), and config.go defines the
// consumed config provider interface.
//
// # Observability
//
// Every layer emits structured signals through github.com/zoobzio/capitan,
// records metrics through github.com/zoobzio/metricz, opens spans through
// github.com/zoobzio/tracez, and fires typed events through
// github.com/zoobzio/hookz. Deadline checks and recorded timestamps read
// time through github.com/zoobzio/clockz so tests never need a real sleep;
// shadow bucketing does not read time at all.
//
// # Example
//
//	eval, err := flowmesh.Evaluate("rank", patchJSON, flowmesh.RequestAttrs{
//	    UserID:   "u-1",
//	    Variants: map[string]string{"layerA": "v2"},
//	}, "standard", 42)
//	if err != nil {
//	    // malformed patch JSON or missing use/with under a referenced id
//	}
//
//	fc := flowmesh.NewFlowContext(ctx, plan, request, eval, snapshot, attrs, "standard", deadline, nil)
//	outcome := flowmesh.ExecuteTyped[RankResponse](engine, ctx, fc)
package flowmesh
