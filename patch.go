package flowmesh

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

// RequestAttrs carries the per-request identity/context the patch evaluator
// and gate evaluator both consult: the experiment variant map, the
// requesting user (for deterministic shadow sampling), and free-form
// request attributes gates may inspect via selectors (spec.md §4.3, §4.2).
type RequestAttrs struct {
	UserID   string
	Variants map[string]string
	Attrs    map[string]any
}

// StageModulePatch is one module entry on a resolved stage — the
// per-request, fully-merged view of a ModulePatch after overlay
// composition (spec.md §3).
type StageModulePatch struct {
	ModuleID            Name
	ModuleType          Name
	Args                json.RawMessage // opaque; bound by the catalog against the module's declared args type
	Enabled             bool
	Priority            int
	Gate                *Gate
	LimitKey            string
	MemoKey             string
	ShadowSampleBps     int
	DisabledByEmergency bool
}

// StagePatch is one stage's resolved module set: disjoint primary and
// shadow lists, plus an optional fanout cap (spec.md §3).
type StagePatch struct {
	StageName     Name
	HasFanoutMax  bool
	FanoutMax     int
	Modules       []StageModulePatch
	ShadowModules []StageModulePatch
}

// OverlaySource records one entry of the audit trail spec.md §4.3 requires:
// always a leading Base, then zero or more matched Experiments in array
// order, then an optional Emergency.
type OverlaySource struct {
	Kind    string // "Base", "Experiment", "Emergency"
	Layer   string // Experiment only
	Variant string // Experiment only
}

// FlowPatchEvaluation is the immutable, per-request output of Evaluate: the
// concrete stage/module plan the engine executes against (spec.md §3).
type FlowPatchEvaluation struct {
	FlowName        Name
	ConfigVersion   uint64
	Stages          []StagePatch
	OverlaysApplied []OverlaySource
}

// StageByName returns the resolved stage patch for name, or nil if the
// patch evaluation has no entry for it — the fanout algorithm treats a
// missing stage as a no-op (spec.md §4.4).
func (e *FlowPatchEvaluation) StageByName(name Name) *StagePatch {
	for i := range e.Stages {
		if e.Stages[i].StageName == name {
			return &e.Stages[i]
		}
	}
	return nil
}

// builderStage is the evaluator's mutable working copy of one stage while
// overlays are composed; it tracks module order separately from the
// modulesByID map so "module order follows first appearance across
// overlays" (spec.md §4.3) survives replace-by-id updates.
type builderStage struct {
	name         Name
	hasFanoutMax bool
	fanoutMax    int
	moduleOrder  []Name
	modulesByID  map[Name]*StageModulePatch
}

// Evaluate composes the base, matched experiment, and audit-valid emergency
// overlays for flowName into an immutable FlowPatchEvaluation (spec.md
// §4.3). It is a pure function of its inputs: identical arguments always
// produce an identical result (Testable Property #6).
//
// Evaluate does not re-derive the full CFG_* validation surface — that is
// validate.go's job, run once per config version before a patch is ever
// handed here — but it still refuses to silently accept structurally
// broken JSON, returning a *FormatError with a JSONPath for anything it
// cannot parse.
func Evaluate(flowName Name, patchJSON []byte, attrs RequestAttrs, qosTier string, configVersion uint64) (*FlowPatchEvaluation, error) {
	if !gjson.ValidBytes(patchJSON) {
		return nil, newFormatError("$", "patch document is not valid JSON")
	}
	root := gjson.ParseBytes(patchJSON)

	flowPath := "$.flows." + flowName
	flow := root.Get("flows." + flowName)

	eval := &FlowPatchEvaluation{FlowName: flowName, ConfigVersion: configVersion}
	eval.OverlaysApplied = append(eval.OverlaysApplied, OverlaySource{Kind: "Base"})

	stages := map[Name]*builderStage{}
	var stageOrder []Name

	stageOf := func(name Name) *builderStage {
		s, ok := stages[name]
		if !ok {
			s = &builderStage{name: name, modulesByID: map[Name]*StageModulePatch{}}
			stages[name] = s
			stageOrder = append(stageOrder, name)
		}
		return s
	}

	if flow.Exists() {
		if err := applyFlowPatch(flowPath+".stages", flow.Get("stages"), stageOf, false); err != nil {
			return nil, err
		}
	}

	if qosTier != "best_effort" {
		var applyErr error
		idx := 0
		flow.Get("experiments").ForEach(func(_, exp gjson.Result) bool {
			path := flowPath + ".experiments[" + strconv.Itoa(idx) + "]"
			idx++
			layer := exp.Get("layer").String()
			variant := exp.Get("variant").String()
			if layer == "" || variant == "" {
				applyErr = newFormatError(path, "experiment entry requires non-empty layer and variant")
				return false
			}
			if attrs.Variants[layer] != variant {
				return true
			}
			if err := applyFlowPatch(path+".patch.stages", exp.Get("patch").Get("stages"), stageOf, true); err != nil {
				applyErr = err
				return false
			}
			eval.OverlaysApplied = append(eval.OverlaysApplied, OverlaySource{Kind: "Experiment", Layer: layer, Variant: variant})
			return true
		})
		if applyErr != nil {
			return nil, applyErr
		}
	}

	if emergency := flow.Get("emergency"); emergency.Exists() {
		if err := applyEmergencyPatch(flowPath+".emergency", emergency, stageOf); err != nil {
			return nil, err
		}
		eval.OverlaysApplied = append(eval.OverlaysApplied, OverlaySource{Kind: "Emergency"})
	}

	for _, name := range stageOrder {
		b := stages[name]
		sp := StagePatch{StageName: name, HasFanoutMax: b.hasFanoutMax, FanoutMax: b.fanoutMax}
		for _, id := range b.moduleOrder {
			m := *b.modulesByID[id]
			if m.ShadowSampleBps > 0 {
				sp.ShadowModules = append(sp.ShadowModules, m)
			} else {
				sp.Modules = append(sp.Modules, m)
			}
		}
		eval.Stages = append(eval.Stages, sp)
	}

	return eval, nil
}

// applyFlowPatch merges one FlowPatch's `stages` object into the
// in-progress builder stages. isOverlay selects whole-module-replace
// carryover semantics (experiment overlays) versus first-write semantics
// (the base overlay, where every module is necessarily new).
func applyFlowPatch(path string, stagesObj gjson.Result, stageOf func(Name) *builderStage, isOverlay bool) error {
	if !stagesObj.Exists() {
		return nil
	}
	var mergeErr error
	stagesObj.ForEach(func(key, value gjson.Result) bool {
		stageName := key.String()
		stagePath := path + "." + stageName
		s := stageOf(stageName)

		if fm := value.Get("fanoutMax"); fm.Exists() {
			if !fm.IsNumber() || fm.Float() < 0 || fm.Float() > 8 || fm.Float() != float64(int(fm.Float())) {
				mergeErr = newFormatError(stagePath+".fanoutMax", "fanoutMax must be an integer in 0..8")
				return false
			}
			s.hasFanoutMax = true
			s.fanoutMax = int(fm.Int())
		}

		modules := value.Get("modules")
		if !modules.Exists() {
			return true
		}
		idx := 0
		modules.ForEach(func(_, mod gjson.Result) bool {
			modPath := stagePath + ".modules[" + strconv.Itoa(idx) + "]"
			idx++
			m, err := parseModulePatch(modPath, mod, s.modulesByID, isOverlay)
			if err != nil {
				mergeErr = err
				return false
			}
			if _, existed := s.modulesByID[m.ModuleID]; !existed {
				s.moduleOrder = append(s.moduleOrder, m.ModuleID)
			}
			s.modulesByID[m.ModuleID] = m
			return true
		})
		return mergeErr == nil
	})
	return mergeErr
}

// parseModulePatch parses one ModulePatch entry. When isOverlay is true and
// a prior entry for the same moduleId exists, an absent enabled/priority/
// gate/limitKey/memoKey/shadowSampleBps field carries its value over from
// that prior entry — "missing ... carry over from the preceding overlay's
// value for the same module id" (spec.md §4.3). use/with are always
// required: overlays reintroduce the module under a new implementation,
// they never partially patch `with`.
func parseModulePatch(path string, raw gjson.Result, existing map[Name]*StageModulePatch, isOverlay bool) (*StageModulePatch, error) {
	id := raw.Get("id").String()
	if id == "" {
		return nil, newFormatError(path+".id", "module id is required")
	}
	use := raw.Get("use")
	if !use.Exists() || use.String() == "" {
		return nil, newFormatError(path+".use", "use is required")
	}
	with := raw.Get("with")
	if !with.Exists() {
		return nil, newFormatError(path+".with", "with is required")
	}

	var prev *StageModulePatch
	if isOverlay {
		prev = existing[id]
	}

	m := &StageModulePatch{
		ModuleID:   id,
		ModuleType: use.String(),
		Args:       json.RawMessage(with.Raw),
		Enabled:    true,
	}

	if prev != nil {
		m.Enabled = prev.Enabled
		m.Priority = prev.Priority
		m.Gate = prev.Gate
		m.LimitKey = prev.LimitKey
		m.MemoKey = prev.MemoKey
		m.ShadowSampleBps = prev.ShadowSampleBps
	}

	if en := raw.Get("enabled"); en.Exists() {
		m.Enabled = en.Bool()
	}
	if pr := raw.Get("priority"); pr.Exists() {
		m.Priority = int(pr.Int())
	}
	if gate := raw.Get("gate"); gate.Exists() {
		g, err := ParseGate(path+".gate", gate)
		if err != nil {
			return nil, err
		}
		m.Gate = g
	}
	if lk := raw.Get("limitKey"); lk.Exists() {
		m.LimitKey = lk.String()
	}
	if mk := raw.Get("memoKey"); mk.Exists() {
		m.MemoKey = mk.String()
	}
	if sb := raw.Get("shadowSampleBps"); sb.Exists() {
		m.ShadowSampleBps = int(sb.Int())
	}
	if m.LimitKey == "" {
		m.LimitKey = m.ModuleType
	}

	return m, nil
}

// applyEmergencyPatch applies the restricted emergency overlay: fanoutMax
// per stage, and enabled=false/disabledByEmergency=true for listed module
// ids. Emergency never adds modules (spec.md §4.3) — an id not already
// present on the stage is ignored rather than inserted.
func applyEmergencyPatch(path string, emergency gjson.Result, stageOf func(Name) *builderStage) error {
	if emergency.Get("reason").String() == "" || emergency.Get("operator").String() == "" {
		return newFormatError(path, "emergency overlay requires non-empty reason and operator")
	}
	if ttl := emergency.Get("ttl_minutes"); !ttl.Exists() || ttl.Int() <= 0 {
		return newFormatError(path+".ttl_minutes", "ttl_minutes must be a positive integer")
	}

	stagesObj := emergency.Get("patch").Get("stages")
	if !stagesObj.Exists() {
		return nil
	}
	var applyErr error
	stagesObj.ForEach(func(key, value gjson.Result) bool {
		stageName := key.String()
		stagePath := path + ".patch.stages." + stageName
		s := stageOf(stageName)

		if fm := value.Get("fanoutMax"); fm.Exists() {
			if !fm.IsNumber() || fm.Float() < 0 || fm.Float() > 8 || fm.Float() != float64(int(fm.Float())) {
				applyErr = newFormatError(stagePath+".fanoutMax", "fanoutMax must be an integer in 0..8")
				return false
			}
			s.hasFanoutMax = true
			s.fanoutMax = int(fm.Int())
		}

		idx := 0
		value.Get("modules").ForEach(func(_, mod gjson.Result) bool {
			modPath := stagePath + ".modules[" + strconv.Itoa(idx) + "]"
			idx++
			id := mod.Get("id").String()
			if id == "" {
				applyErr = newFormatError(modPath+".id", "module id is required")
				return false
			}
			if en := mod.Get("enabled"); en.Exists() && en.Bool() {
				applyErr = newFormatError(modPath+".enabled", "emergency overlay may only disable modules")
				return false
			}
			existing, ok := s.modulesByID[id]
			if !ok {
				return true // emergency never adds modules
			}
			m := *existing
			m.Enabled = false
			m.DisabledByEmergency = true
			s.modulesByID[id] = &m
			return true
		})
		return applyErr == nil
	})
	return applyErr
}

// OverlayChange describes one difference between two patch evaluations of
// the same flow — a supplemented convenience for audit/debugging tooling
// that wants to know what a config rollout actually changed, beyond the
// raw overlaysApplied trail.
type OverlayChange struct {
	StageName Name
	ModuleID  Name
	Field     string
	Before    string
	After     string
}

// Diff compares two evaluations of the same flow and reports field-level
// changes to enabled/priority/fanoutMax between them. It is a read-only
// supplement to Evaluate, not part of the execution path.
func Diff(prev, next *FlowPatchEvaluation) []OverlayChange {
	var changes []OverlayChange
	prevStages := map[Name]*StagePatch{}
	for i := range prev.Stages {
		prevStages[prev.Stages[i].StageName] = &prev.Stages[i]
	}
	for i := range next.Stages {
		ns := &next.Stages[i]
		ps, ok := prevStages[ns.StageName]
		if !ok {
			continue
		}
		if ps.HasFanoutMax != ns.HasFanoutMax || ps.FanoutMax != ns.FanoutMax {
			changes = append(changes, OverlayChange{
				StageName: ns.StageName, Field: "fanoutMax",
				Before: strconv.Itoa(ps.FanoutMax), After: strconv.Itoa(ns.FanoutMax),
			})
		}
		prevMods := map[Name]*StageModulePatch{}
		for j := range ps.Modules {
			prevMods[ps.Modules[j].ModuleID] = &ps.Modules[j]
		}
		for j := range ns.Modules {
			nm := &ns.Modules[j]
			pm, ok := prevMods[nm.ModuleID]
			if !ok {
				changes = append(changes, OverlayChange{StageName: ns.StageName, ModuleID: nm.ModuleID, Field: "added"})
				continue
			}
			if pm.Enabled != nm.Enabled {
				changes = append(changes, OverlayChange{
					StageName: ns.StageName, ModuleID: nm.ModuleID, Field: "enabled",
					Before: boolString(pm.Enabled), After: boolString(nm.Enabled),
				})
			}
			if pm.Priority != nm.Priority {
				changes = append(changes, OverlayChange{
					StageName: ns.StageName, ModuleID: nm.ModuleID, Field: "priority",
					Before: strconv.Itoa(pm.Priority), After: strconv.Itoa(nm.Priority),
				})
			}
		}
	}
	return changes
}

