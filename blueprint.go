package flowmesh

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"reflect"
	"strings"
)

// JoinFunc is a pre-registered pure reduction over previously recorded node
// outcomes (spec.md §4.4 "Join execution"), closing over whatever earlier
// node names it needs to read via fc.OutcomeByIndex/OutcomeByName.
type JoinFunc func(fc *FlowContext) Outcome[any]

// ArgsBinder produces a Step node's opaque args from the flow's typed
// request, used only by Step nodes that sit outside stage fanout (fanout
// modules get their args from the resolved StageModulePatch instead).
type ArgsBinder func(request any) (json.RawMessage, error)

// NodeKind distinguishes the two plan-node shapes a flow blueprint can
// declare.
type NodeKind string

const (
	// NodeStep is a single module invocation.
	NodeStep NodeKind = "Step"
	// NodeJoin is a pure reduction over previously recorded outcomes.
	NodeJoin NodeKind = "Join"
)

// PlanNode is one entry in a flow blueprint's ordered node list. Each node
// has a name unique within the flow, a frozen index, and — for fanout
// purposes — an optional stage name. Exactly one of the Step/Join-specific
// fields is meaningful, selected by Kind.
type PlanNode struct {
	Name       Name
	Index      int
	Kind       NodeKind
	StageName  Name // empty when the node does not participate in fanout
	ArgsType   reflect.Type
	OutputType reflect.Type
	ModuleType Name // Step only

	// BindArgs is set only for Step nodes outside stage fanout: it produces
	// the module's args from the flow's typed request. Step nodes that only
	// ever run as part of a stage's fanout (never standalone) leave this
	// nil; fanout.go supplies args from the patch instead.
	BindArgs ArgsBinder
	// RunJoin is set only for Join nodes: the pre-registered pure reduction
	// spec.md §4.4 describes.
	RunJoin JoinFunc
}

// FlowBlueprint is the pre-declared, ordered sequence of plan nodes
// producing a typed response from a typed request (spec.md §3). It is
// built by the external flow-registration DSL (out of scope here, spec.md
// §1) and handed to Compile to produce a PlanTemplate.
type FlowBlueprint struct {
	FlowName     Name
	Nodes        []PlanNode
	RequestType  reflect.Type
	ResponseType reflect.Type
}

// PlanTemplate is the compiled, reflection-free form of a blueprint shared
// across requests; it carries a stable planHash derived from the node
// sequence so two compiles of an unchanged blueprint always agree, and two
// different blueprints essentially never collide.
type PlanTemplate struct {
	FlowName     Name
	Nodes        []PlanNode
	NameIndex    map[Name]int
	RequestType  reflect.Type
	ResponseType reflect.Type
	PlanHash     string
}

// Compile validates a blueprint's invariants and produces its PlanTemplate.
// Every failure here is a PlanMismatchError — a fatal, programmer-error
// class (spec.md §7) raised once at startup, never per-request and never
// converted into an Outcome. When catalog is supplied (see
// FlowRegistry.RegisterFlowWithCatalog), every Step node outside stage
// fanout has its declared ArgsType/OutputType checked against the catalog's
// registered signature for that module type, using compileSignatureCache
// so the check runs at most once per distinct (moduleType, argsType,
// outputType) triple across every flow compiled in the process.
func Compile(bp FlowBlueprint, catalog ...*Catalog) (*PlanTemplate, error) {
	if len(bp.Nodes) == 0 {
		return nil, newPlanMismatchError(bp.FlowName, "blueprint has no nodes")
	}

	last := bp.Nodes[len(bp.Nodes)-1]
	if last.Kind != NodeJoin {
		return nil, newPlanMismatchError(bp.FlowName, "final node must be a Join, got "+string(last.Kind))
	}
	if last.OutputType != bp.ResponseType {
		return nil, newPlanMismatchError(bp.FlowName,
			"final join output type "+typeLabel(last.OutputType)+" does not match declared response type "+typeLabel(bp.ResponseType))
	}

	nameIndex := make(map[Name]int, len(bp.Nodes))
	currentStage := ""
	seenStages := make(map[Name]bool)
	for i, node := range bp.Nodes {
		if node.Index != i {
			return nil, newPlanMismatchError(bp.FlowName, "node "+node.Name+" has non-contiguous index")
		}
		if _, dup := nameIndex[node.Name]; dup {
			return nil, newPlanMismatchError(bp.FlowName, "duplicate node name "+node.Name)
		}
		nameIndex[node.Name] = i

		if node.Kind == NodeStep && node.ModuleType == "" {
			return nil, newPlanMismatchError(bp.FlowName, "step node "+node.Name+" has no registered module type")
		}
		if node.Kind == NodeJoin && node.RunJoin == nil {
			return nil, newPlanMismatchError(bp.FlowName, "join node "+node.Name+" has no registered join function")
		}
		if node.Kind == NodeStep && node.StageName == "" && node.BindArgs == nil {
			return nil, newPlanMismatchError(bp.FlowName, "step node "+node.Name+" is outside stage fanout but has no args binder")
		}
		// Stage-fanout Step nodes are pure sequencing markers (engine.go):
		// their args come from the resolved StageModulePatch at runtime, not
		// from a compile-time ArgsType, so only a standalone Step node's
		// declared types can be checked against the catalog here.
		if node.Kind == NodeStep && node.StageName == "" && len(catalog) > 0 && catalog[0] != nil {
			key := dispatchKeyForTypes(string(node.ModuleType), node.ArgsType, node.OutputType)
			if !compileSignatureCache.seen(key) {
				argsType, outputType, _, ok := catalog[0].TryGetSignature(node.ModuleType)
				if !ok {
					return nil, newPlanMismatchError(bp.FlowName, "step node "+node.Name+" module type "+node.ModuleType+" is not registered in the catalog")
				}
				if argsType != node.ArgsType || outputType != node.OutputType {
					return nil, newPlanMismatchError(bp.FlowName,
						"step node "+node.Name+" declared types "+typeLabel(node.ArgsType)+"/"+typeLabel(node.OutputType)+
							" do not match catalog signature "+typeLabel(argsType)+"/"+typeLabel(outputType)+" for module type "+node.ModuleType)
				}
			}
		}

		if node.StageName != currentStage {
			if node.StageName != "" && seenStages[node.StageName] {
				return nil, newPlanMismatchError(bp.FlowName,
					"stage name "+node.StageName+" reappears after a non-contiguous run")
			}
			currentStage = node.StageName
			if currentStage != "" {
				seenStages[currentStage] = true
			}
		}
	}

	return &PlanTemplate{
		FlowName:     bp.FlowName,
		Nodes:        bp.Nodes,
		NameIndex:    nameIndex,
		RequestType:  bp.RequestType,
		ResponseType: bp.ResponseType,
		PlanHash:     planHash(bp),
	}, nil
}

// planHash derives a stable hash from a blueprint's node sequence: name,
// kind, stage, module type, and declared types of every node. Two compiles
// of the same blueprint always agree; any change to topology changes the
// hash, useful for the explain record and for the plan-template cache key.
func planHash(bp FlowBlueprint) string {
	var b strings.Builder
	b.WriteString(bp.FlowName)
	b.WriteByte('|')
	for _, n := range bp.Nodes {
		b.WriteString(n.Name)
		b.WriteByte(':')
		b.WriteString(string(n.Kind))
		b.WriteByte(':')
		b.WriteString(n.StageName)
		b.WriteByte(':')
		b.WriteString(n.ModuleType)
		b.WriteByte(':')
		b.WriteString(typeLabel(n.ArgsType))
		b.WriteByte(':')
		b.WriteString(typeLabel(n.OutputType))
		b.WriteByte(';')
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:8])
}

// StageNames returns the distinct stage names in first-appearance order,
// used by the Config Validator to check that patch stage keys refer to
// declared stages.
func (t *PlanTemplate) StageNames() []Name {
	var names []Name
	seen := make(map[Name]bool)
	for _, n := range t.Nodes {
		if n.StageName == "" || seen[n.StageName] {
			continue
		}
		seen[n.StageName] = true
		names = append(names, n.StageName)
	}
	return names
}
