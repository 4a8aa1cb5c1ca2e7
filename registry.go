package flowmesh

import (
	"fmt"
	"sync"
)

// ExperimentLayerOwnership optionally restricts which params paths and
// module ids an experiment layer is allowed to touch (spec.md §4.1's
// "experiment-layer ownership contract"). A nil contract means no
// restriction is enforced for that flow.
type ExperimentLayerOwnership struct {
	// OwnedModuleIDs maps layer name -> set of module ids that layer may
	// introduce or override.
	OwnedModuleIDs map[string]map[Name]bool
	// OwnedParamsPaths maps layer name -> set of params JSONPaths that
	// layer may set.
	OwnedParamsPaths map[string]map[string]bool
}

// flowRegistration is one compiled flow plus the registry metadata the
// validator needs about it.
type flowRegistration struct {
	plan       *PlanTemplate
	stageNames map[Name]bool
	ownership  *ExperimentLayerOwnership
}

// FlowRegistry is flowmesh's concrete implementation of the "flow
// registry" external collaborator (spec.md §1/§6): a process-global,
// host-populated table of compiled flows. Like Catalog, the spec treats
// this as consumed-only; this type is the minimal in-process registry a
// runnable repo needs behind that contract.
type FlowRegistry struct {
	mu    sync.RWMutex
	flows map[Name]flowRegistration
}

// NewFlowRegistry builds an empty registry.
func NewFlowRegistry() *FlowRegistry {
	return &FlowRegistry{flows: make(map[Name]flowRegistration)}
}

// RegisterFlow compiles bp and records it under bp.FlowName, along with an
// optional experiment-layer ownership contract. Returns the PlanMismatchError
// from Compile unchanged if bp is invalid — callers (typically host startup
// code) are expected to treat that as fatal, per spec.md §7.
func (r *FlowRegistry) RegisterFlow(bp FlowBlueprint, ownership *ExperimentLayerOwnership) (*PlanTemplate, error) {
	plan, err := Compile(bp)
	if err != nil {
		return nil, err
	}
	r.store(bp.FlowName, plan, ownership)
	return plan, nil
}

// RegisterFlowWithCatalog behaves like RegisterFlow but additionally checks
// every standalone Step node's declared (args, output) types against
// catalog's registered module signatures, catching a flow/catalog drift at
// startup instead of at the first request that reaches the mismatched
// module.
func (r *FlowRegistry) RegisterFlowWithCatalog(bp FlowBlueprint, ownership *ExperimentLayerOwnership, catalog *Catalog) (*PlanTemplate, error) {
	plan, err := Compile(bp, catalog)
	if err != nil {
		return nil, err
	}
	r.store(bp.FlowName, plan, ownership)
	return plan, nil
}

func (r *FlowRegistry) store(flowName Name, plan *PlanTemplate, ownership *ExperimentLayerOwnership) {
	stageNames := make(map[Name]bool, len(plan.StageNames()))
	for _, s := range plan.StageNames() {
		stageNames[s] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[flowName] = flowRegistration{plan: plan, stageNames: stageNames, ownership: ownership}
}

// TryGetStageNameSetAndPatchType implements the flow registry contract's
// tryGetStageNameSetAndPatchType(flowName) → (string[], paramsType?,
// experimentLayerOwnershipContract?). flowmesh does not bind `params` to a
// Go struct itself (spec.md §4.1's paramsType binding is a host-side
// concern layered on top of the opaque-args model this core uses for
// module `with` payloads), so this method returns no paramsType: it
// returns the stage names, the ownership contract and whether the flow
// was found.
func (r *FlowRegistry) TryGetStageNameSetAndPatchType(flowName Name) (stageNames []Name, ownership *ExperimentLayerOwnership, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, found := r.flows[flowName]
	if !found {
		return nil, nil, false
	}
	names := make([]Name, 0, len(reg.stageNames))
	for n := range reg.stageNames {
		names = append(names, n)
	}
	return names, reg.ownership, true
}

// Get implements the flow registry contract's get<TReq,TResp>(flowName) →
// FlowBlueprint, returning the compiled PlanTemplate (flowmesh works
// against the compiled form rather than re-exposing the raw blueprint,
// since every consumer — engine.go, fanout.go — needs the compiled
// NameIndex/PlanHash, not the pre-compile shape).
func (r *FlowRegistry) Get(flowName Name) (*PlanTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.flows[flowName]
	if !ok {
		return nil, fmt.Errorf("flowmesh: flow registry: unknown flow %q", flowName)
	}
	return reg.plan, nil
}

// HasStage reports whether flowName declares stageName, used by the
// validator's CFG_STAGE_UNKNOWN check.
func (r *FlowRegistry) HasStage(flowName, stageName Name) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.flows[flowName]
	if !ok {
		return false
	}
	return reg.stageNames[stageName]
}
