package flowmesh

import (
	"context"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/tidwall/gjson"
	"github.com/zoobzio/capitan"
	"github.com/zoobzio/metricz"
)

// Metrics for the Config Validator.
const (
	ValidateRunsTotal    = metricz.Key("validate.runs.total")
	ValidateFindingsTotal = metricz.Key("validate.findings.total")
)

// Severity is a ValidationReport finding's level (spec.md §3).
type Severity string

const (
	SeverityError Severity = "Error"
	SeverityWarn  Severity = "Warn"
	SeverityInfo  Severity = "Info"
)

// Finding is one entry of a ValidationReport.
type Finding struct {
	Severity Severity
	Code     string
	Path     string
	Message  string
}

// ValidationReport is the ordered sequence of findings validate produces
// (spec.md §3). A report with no Error-severity finding means the patch is
// safe to evaluate.
type ValidationReport struct {
	Findings []Finding
}

// HasErrors reports whether the report contains any Error-severity finding.
func (r ValidationReport) HasErrors() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Config Validator reserved codes (spec.md §4.1, "CFG_*").
const (
	CFGParseError             = "CFG_PARSE_ERROR"
	CFGUnknownField           = "CFG_UNKNOWN_FIELD"
	CFGFlowNotRegistered      = "CFG_FLOW_NOT_REGISTERED"
	CFGParamsBindFailed       = "CFG_PARAMS_BIND_FAILED"
	CFGStageUnknown           = "CFG_STAGE_UNKNOWN"
	CFGFanoutMaxInvalid       = "CFG_FANOUT_MAX_INVALID"
	CFGFanoutTrimLikely       = "CFG_FANOUT_TRIM_LIKELY"
	CFGModuleIDInvalid        = "CFG_MODULE_ID_INVALID"
	CFGModuleIDDuplicate      = "CFG_MODULE_ID_DUPLICATE"
	CFGModuleTypeUnknown      = "CFG_MODULE_TYPE_UNKNOWN"
	CFGModuleWithMissing      = "CFG_MODULE_WITH_MISSING"
	CFGModuleWithBindFailed   = "CFG_MODULE_WITH_BIND_FAILED"
	CFGModulePriorityRange    = "CFG_MODULE_PRIORITY_RANGE"
	CFGShadowSampleBpsRange   = "CFG_SHADOW_SAMPLE_BPS_RANGE"
	CFGGateParseError         = "CFG_GATE_PARSE_ERROR"
	CFGExperimentDuplicate    = "CFG_EXPERIMENT_DUPLICATE"
	CFGExperimentForbidden    = "CFG_EXPERIMENT_FORBIDDEN_FIELD"
	CFGLayerParamLeak         = "CFG_LAYER_PARAM_LEAK"
	CFGLayerConflict          = "CFG_LAYER_CONFLICT"
	CFGEmergencyMissingField  = "CFG_EMERGENCY_MISSING_FIELD"
	CFGEmergencyOverrideForbidden = "CFG_EMERGENCY_OVERRIDE_FORBIDDEN"
)

var moduleIDPattern = regexp.MustCompile(`^[a-z0-9_]+$`)

// moduleIDOccurrences tracks, within one flow, the path of each module id's
// first-seen occurrence and whether that first occurrence has already had a
// CFG_MODULE_ID_DUPLICATE finding back-annotated onto it. A duplicated id
// with N total occurrences produces N findings — one at the first occurrence
// (emitted once, the moment a second occurrence is found) and one at every
// occurrence after the first.
type moduleIDOccurrences struct {
	firstPath     map[string]string
	firstReported map[string]bool
}

func newModuleIDOccurrences() *moduleIDOccurrences {
	return &moduleIDOccurrences{firstPath: make(map[string]string), firstReported: make(map[string]bool)}
}

// rangeCheck is the small struct go-playground/validator binds range
// constraints against — SPEC_FULL.md §11's chosen substitute for
// hand-written numeric range checks scattered through the validator.
type rangeCheck struct {
	Priority        int `validate:"gte=-1000,lte=1000"`
	FanoutMax       int `validate:"gte=0,lte=8"`
	ShadowSampleBps int `validate:"gte=0,lte=10000"`
}

var structValidator = validator.New()

// Validate implements the Config Validator (spec.md §4.1): a pure function
// from raw patch JSON to a ValidationReport, never throwing for well-formed
// JSON. registry supplies the flow/stage/module-type facts needed for
// semantic checks; a nil registry degrades semantic checks to structural
// ones only (every flow looks "not registered").
func Validate(patchJSON []byte, registry *FlowRegistry, catalog *Catalog) ValidationReport {
	var findings []Finding
	add := func(sev Severity, code, path, msg string) {
		findings = append(findings, Finding{Severity: sev, Code: code, Path: path, Message: msg})
	}

	if !gjson.ValidBytes(patchJSON) {
		return ValidationReport{Findings: []Finding{{Severity: SeverityError, Code: CFGParseError, Path: "$", Message: "patch is not valid JSON"}}}
	}
	root := gjson.ParseBytes(patchJSON)
	if !root.IsObject() {
		return ValidationReport{Findings: []Finding{{Severity: SeverityError, Code: CFGParseError, Path: "$", Message: "patch root must be an object"}}}
	}

	if v := root.Get("schemaVersion"); !v.Exists() || v.String() != "v1" {
		add(SeverityError, CFGUnknownField, "$.schemaVersion", "schemaVersion must be the literal string \"v1\"")
	}
	root.ForEach(func(key, _ gjson.Result) bool {
		if key.String() != "schemaVersion" && key.String() != "flows" {
			add(SeverityError, CFGUnknownField, "$."+key.String(), "unrecognized root field")
		}
		return true
	})

	flows := root.Get("flows")
	if flows.Exists() && flows.IsObject() {
		flows.ForEach(func(flowKey, flowVal gjson.Result) bool {
			validateFlow(flowKey.String(), flowVal, registry, catalog, add)
			return true
		})
	}

	return ValidationReport{Findings: findings}
}

func validateFlow(flowName string, flow gjson.Result, registry *FlowRegistry, catalog *Catalog, add func(Severity, string, string, string)) {
	path := "$.flows." + flowName
	var stageNames map[Name]bool
	var ownership *ExperimentLayerOwnership
	registered := false
	if registry != nil {
		if names, own, ok := registry.TryGetStageNameSetAndPatchType(Name(flowName)); ok {
			registered = true
			ownership = own
			stageNames = make(map[Name]bool, len(names))
			for _, n := range names {
				stageNames[n] = true
			}
		}
	}
	if !registered {
		add(SeverityError, CFGFlowNotRegistered, path, fmt.Sprintf("flow %q is not registered", flowName))
	}

	flow.ForEach(func(key, _ gjson.Result) bool {
		switch key.String() {
		case "params", "stages", "experiments", "emergency":
		default:
			add(SeverityError, CFGUnknownField, path+"."+key.String(), "unrecognized flow field")
		}
		return true
	})

	// params binding is host-defined (the patch-type lives outside this
	// core, per registry.go's doc comment); this validator only rejects an
	// explicit null, the one universally-illegal shape.
	if p := flow.Get("params"); p.Exists() && p.Type == gjson.Null {
		add(SeverityError, CFGParamsBindFailed, path+".params", "params must not be null")
	}

	moduleIDs := newModuleIDOccurrences()
	stageOrder := []string{}
	moduleCountByStage := make(map[string]int)
	fanoutMaxByStage := make(map[string]int)
	hasFanoutMaxByStage := make(map[string]bool)

	if stages := flow.Get("stages"); stages.Exists() && stages.IsObject() {
		stages.ForEach(func(stageKey, stageVal gjson.Result) bool {
			stageName := stageKey.String()
			stagePath := path + ".stages." + stageName
			stageOrder = append(stageOrder, stageName)
			if registered && !stageNames[Name(stageName)] {
				add(SeverityError, CFGStageUnknown, stagePath, fmt.Sprintf("stage %q is not declared by flow %q", stageName, flowName))
			}
			if fm := stageVal.Get("fanoutMax"); fm.Exists() {
				n := int(fm.Int())
				hasFanoutMaxByStage[stageName] = true
				fanoutMaxByStage[stageName] = n
				if err := structValidator.Struct(rangeCheck{FanoutMax: n}); err != nil {
					add(SeverityError, CFGFanoutMaxInvalid, stagePath+".fanoutMax", "fanoutMax must be in 0..8")
				}
			}
			enabledCount := 0
			if mods := stageVal.Get("modules"); mods.Exists() && mods.IsArray() {
				idx := 0
				mods.ForEach(func(_, mod gjson.Result) bool {
					modPath := fmt.Sprintf("%s.modules[%d]", stagePath, idx)
					idx++
					if validateModule(flowName, stageName, modPath, mod, catalog, moduleIDs, add) {
						enabledCount++
					}
					return true
				})
			}
			moduleCountByStage[stageName] = enabledCount
			return true
		})
	}

	for _, stageName := range stageOrder {
		if hasFanoutMaxByStage[stageName] && moduleCountByStage[stageName] > fanoutMaxByStage[stageName] {
			add(SeverityWarn, CFGFanoutTrimLikely, path+".stages."+stageName,
				fmt.Sprintf("stage %q has %d enabled modules but fanoutMax=%d; trim is likely", stageName, moduleCountByStage[stageName], fanoutMaxByStage[stageName]))
		}
	}

	if experiments := flow.Get("experiments"); experiments.Exists() && experiments.IsArray() {
		validateExperiments(path, experiments, ownership, catalog, moduleIDs, add)
	}

	if emergency := flow.Get("emergency"); emergency.Exists() {
		validateEmergency(path, emergency, add)
	}
}

// validateModule validates one module entry, returning true if it resolves
// to an enabled candidate (used for fanout-trim prediction).
func validateModule(flowName, stageName, modPath string, mod gjson.Result, catalog *Catalog, occurrences *moduleIDOccurrences, add func(Severity, string, string, string)) bool {
	id := mod.Get("id").String()
	if !moduleIDPattern.MatchString(id) || len(id) > 64 {
		add(SeverityError, CFGModuleIDInvalid, modPath+".id", "id must match [a-z0-9_]+ and be at most 64 bytes")
	} else if firstPath, dup := occurrences.firstPath[id]; dup {
		add(SeverityError, CFGModuleIDDuplicate, modPath+".id", fmt.Sprintf("module id %q is duplicated within flow %q", id, flowName))
		if !occurrences.firstReported[id] {
			add(SeverityError, CFGModuleIDDuplicate, firstPath+".id", fmt.Sprintf("module id %q is duplicated within flow %q", id, flowName))
			occurrences.firstReported[id] = true
		}
	} else {
		occurrences.firstPath[id] = modPath
	}

	useType := mod.Get("use").String()
	if useType == "" {
		add(SeverityError, CFGUnknownField, modPath+".use", "use is required")
	} else if catalog != nil && !catalog.Has(Name(useType)) {
		add(SeverityError, CFGModuleTypeUnknown, modPath+".use", fmt.Sprintf("module type %q is not registered", useType))
	}

	if with := mod.Get("with"); !with.Exists() {
		add(SeverityError, CFGModuleWithMissing, modPath+".with", "with is required")
	}

	enabled := true
	if e := mod.Get("enabled"); e.Exists() {
		enabled = e.Bool()
	}

	if p := mod.Get("priority"); p.Exists() {
		priority := int(p.Int())
		if err := structValidator.Struct(rangeCheck{Priority: priority}); err != nil {
			add(SeverityWarn, CFGModulePriorityRange, modPath+".priority", "priority outside -1000..1000")
		}
	}

	if sb := mod.Get("shadowSampleBps"); sb.Exists() {
		bps := int(sb.Int())
		if err := structValidator.Struct(rangeCheck{ShadowSampleBps: bps}); err != nil {
			add(SeverityError, CFGShadowSampleBpsRange, modPath+".shadowSampleBps", "shadowSampleBps must be in 0..10000")
		}
	}

	if gate := mod.Get("gate"); gate.Exists() {
		if _, err := ParseGate(modPath+".gate", gate); err != nil {
			add(SeverityError, CFGGateParseError, modPath+".gate", err.Error())
		}
	}

	return enabled
}

func validateExperiments(flowPath string, experiments gjson.Result, ownership *ExperimentLayerOwnership, catalog *Catalog, occurrences *moduleIDOccurrences, add func(Severity, string, string, string)) {
	seenLayerVariant := make(map[string]bool)
	touchedByLayer := make(map[string]map[string]bool)

	idx := 0
	experiments.ForEach(func(_, exp gjson.Result) bool {
		expPath := fmt.Sprintf("%s.experiments[%d]", flowPath, idx)
		idx++

		layer := exp.Get("layer").String()
		variant := exp.Get("variant").String()
		key := layer + "\x00" + variant
		if seenLayerVariant[key] {
			add(SeverityError, CFGExperimentDuplicate, expPath, fmt.Sprintf("duplicate (layer=%s, variant=%s)", layer, variant))
		}
		seenLayerVariant[key] = true

		patch := exp.Get("patch")
		if patch.Exists() {
			if patch.Get("experiments").Exists() || patch.Get("emergency").Exists() {
				add(SeverityError, CFGExperimentForbidden, expPath+".patch", "experiment patch must not contain experiments or emergency")
			}
			if stages := patch.Get("stages"); stages.Exists() && stages.IsObject() {
				if touchedByLayer[layer] == nil {
					touchedByLayer[layer] = make(map[string]bool)
				}
				stages.ForEach(func(stageKey, stageVal gjson.Result) bool {
					if mods := stageVal.Get("modules"); mods.Exists() && mods.IsArray() {
						mods.ForEach(func(_, mod gjson.Result) bool {
							id := mod.Get("id").String()
							touchedByLayer[layer][id] = true
							if ownership != nil {
								owned := ownership.OwnedModuleIDs[layer]
								if owned != nil && !owned[Name(id)] {
									add(SeverityError, CFGLayerParamLeak, expPath+".patch.stages."+stageKey.String(),
										fmt.Sprintf("layer %q is not permitted to touch module id %q", layer, id))
								}
							}
							return true
						})
					}
					return true
				})
			}
		}
		return true
	})

	reportedConflict := make(map[string]bool)
	for layerA, idsA := range touchedByLayer {
		for layerB, idsB := range touchedByLayer {
			if layerA >= layerB {
				continue
			}
			for id := range idsA {
				if idsB[id] {
					ck := layerA + "|" + layerB + "|" + id
					if reportedConflict[ck] {
						continue
					}
					reportedConflict[ck] = true
					add(SeverityError, CFGLayerConflict, flowPath+".experiments",
						fmt.Sprintf("layers %q and %q both touch module id %q", layerA, layerB, id))
				}
			}
		}
	}
}

var emergencyAllowedStageFields = map[string]bool{"fanoutMax": true, "modules": true}

func validateEmergency(flowPath string, emergency gjson.Result, add func(Severity, string, string, string)) {
	path := flowPath + ".emergency"

	if r := emergency.Get("reason"); !r.Exists() || r.String() == "" {
		add(SeverityError, CFGEmergencyMissingField, path+".reason", "reason is required and must be non-empty")
	}
	if o := emergency.Get("operator"); !o.Exists() || o.String() == "" {
		add(SeverityError, CFGEmergencyMissingField, path+".operator", "operator is required and must be non-empty")
	}
	if t := emergency.Get("ttl_minutes"); !t.Exists() || t.Int() <= 0 {
		add(SeverityError, CFGEmergencyMissingField, path+".ttl_minutes", "ttl_minutes is required and must be positive")
	}

	patch := emergency.Get("patch")
	if !patch.Exists() {
		return
	}
	patch.ForEach(func(key, _ gjson.Result) bool {
		if key.String() != "stages" {
			add(SeverityError, CFGEmergencyOverrideForbidden, path+".patch."+key.String(), "emergency patch may only set stages")
		}
		return true
	})
	if stages := patch.Get("stages"); stages.Exists() && stages.IsObject() {
		stages.ForEach(func(stageKey, stageVal gjson.Result) bool {
			stagePath := path + ".patch.stages." + stageKey.String()
			stageVal.ForEach(func(fieldKey, fieldVal gjson.Result) bool {
				if !emergencyAllowedStageFields[fieldKey.String()] {
					add(SeverityError, CFGEmergencyOverrideForbidden, stagePath+"."+fieldKey.String(), "emergency stage patch may only set fanoutMax or modules")
					return true
				}
				if fieldKey.String() == "modules" && fieldVal.IsArray() {
					fieldVal.ForEach(func(_, mod gjson.Result) bool {
						mod.ForEach(func(mk, _ gjson.Result) bool {
							if mk.String() != "id" && mk.String() != "enabled" {
								add(SeverityError, CFGEmergencyOverrideForbidden, stagePath+".modules", "emergency module entries may only set id and enabled")
							}
							return true
						})
						if e := mod.Get("enabled"); e.Exists() && e.Bool() {
							add(SeverityError, CFGEmergencyOverrideForbidden, stagePath+".modules", "emergency modules may only disable (enabled:false), never enable")
						}
						return true
					})
				}
				return true
			})
			return true
		})
	}
}

// ValidateAndLog runs Validate and emits a capitan signal summarizing the
// result, for a host invoking validation as part of a config-push
// pipeline. The cmd/flowmeshd "validate" subcommand calls Validate
// directly instead.
func ValidateAndLog(ctx context.Context, patchJSON []byte, registry *FlowRegistry, catalog *Catalog, metrics *metricz.Registry) ValidationReport {
	report := Validate(patchJSON, registry, catalog)
	if metrics != nil {
		metrics.Counter(ValidateRunsTotal).Inc()
		metrics.Counter(ValidateFindingsTotal).Add(len(report.Findings))
	}
	capitan.Info(ctx, SignalValidationCompleted,
		FieldFindingsCount.Field(len(report.Findings)),
	)
	return report
}
