package flowmesh

import (
	"context"
	"testing"

	"github.com/zoobzio/metricz"
)

func hasFinding(report ValidationReport, code string) bool {
	for _, f := range report.Findings {
		if f.Code == code {
			return true
		}
	}
	return false
}

func TestValidateRejectsMissingSchemaVersion(t *testing.T) {
	report := Validate([]byte(`{"flows":{}}`), nil, nil)
	if !hasFinding(report, CFGUnknownField) {
		t.Fatalf("expected a missing schemaVersion to be flagged, got %+v", report.Findings)
	}
	if !report.HasErrors() {
		t.Fatal("expected HasErrors to be true")
	}
}

func TestValidateRejectsUnrecognizedRootField(t *testing.T) {
	report := Validate([]byte(`{"schemaVersion":"v1","flows":{},"bogus":1}`), nil, nil)
	if !hasFinding(report, CFGUnknownField) {
		t.Fatalf("expected an unrecognized root field to be flagged, got %+v", report.Findings)
	}
}

func TestValidateMalformedJSON(t *testing.T) {
	report := Validate([]byte("not json"), nil, nil)
	if len(report.Findings) != 1 || report.Findings[0].Code != CFGParseError {
		t.Fatalf("expected a single CFG_PARSE_ERROR finding, got %+v", report.Findings)
	}
}

func TestValidateUnregisteredFlow(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{}}}}`
	report := Validate([]byte(doc), nil, nil)
	if !hasFinding(report, CFGFlowNotRegistered) {
		t.Fatalf("expected an unregistered flow (nil registry) to be flagged, got %+v", report.Findings)
	}
}

func validateTestRegistry(t *testing.T) *FlowRegistry {
	t.Helper()
	r := NewFlowRegistry()
	if _, err := r.RegisterFlow(registryTestBlueprint("rank"), nil); err != nil {
		t.Fatalf("unexpected error registering test flow: %v", err)
	}
	return r
}

func TestValidateUnknownStage(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"not_a_real_stage":{"modules":[]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGStageUnknown) {
		t.Fatalf("expected an undeclared stage to be flagged, got %+v", report.Findings)
	}
}

func TestValidateFanoutMaxOutOfRange(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"fanoutMax":99,"modules":[]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGFanoutMaxInvalid) {
		t.Fatalf("expected fanoutMax=99 to be flagged, got %+v", report.Findings)
	}
}

func TestValidateFanoutTrimLikelyWarning(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"fanoutMax":1,"modules":[
		{"id":"a","use":"rank.echo","with":{}},
		{"id":"b","use":"rank.echo","with":{}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGFanoutTrimLikely) {
		t.Fatalf("expected a fanout-trim-likely warning, got %+v", report.Findings)
	}
}

func TestValidateDuplicateModuleID(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{}},
		{"id":"a","use":"rank.echo","with":{}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGModuleIDDuplicate) {
		t.Fatalf("expected a duplicate module id to be flagged, got %+v", report.Findings)
	}

	count := 0
	for _, f := range report.Findings {
		if f.Code == CFGModuleIDDuplicate {
			count++
		}
	}
	if count != 2 {
		t.Fatalf("expected one finding per occurrence (2 occurrences, including the back-annotated first one), got %d: %+v", count, report.Findings)
	}
}

func TestValidateDuplicateModuleIDThreeOccurrencesYieldsThreeFindings(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{}},
		{"id":"a","use":"rank.echo","with":{}},
		{"id":"a","use":"rank.echo","with":{}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)

	count := 0
	for _, f := range report.Findings {
		if f.Code == CFGModuleIDDuplicate {
			count++
		}
	}
	if count != 3 {
		t.Fatalf("expected 3 findings for 3 occurrences of a duplicated id, got %d: %+v", count, report.Findings)
	}
}

func TestValidateInvalidModuleID(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"Not-Valid!","use":"rank.echo","with":{}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGModuleIDInvalid) {
		t.Fatalf("expected an invalid module id to be flagged, got %+v", report.Findings)
	}
}

func TestValidateUnknownModuleType(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"not.registered","with":{}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), NewCatalog())
	if !hasFinding(report, CFGModuleTypeUnknown) {
		t.Fatalf("expected an unknown module type to be flagged, got %+v", report.Findings)
	}
}

func TestValidateMissingWith(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo"}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGModuleWithMissing) {
		t.Fatalf("expected a missing with to be flagged, got %+v", report.Findings)
	}
}

func TestValidatePriorityOutOfRangeIsWarning(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{},"priority":5000}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	found := false
	for _, f := range report.Findings {
		if f.Code == CFGModulePriorityRange && f.Severity == SeverityWarn {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an out-of-range priority to be a Warn-severity finding, got %+v", report.Findings)
	}
}

func TestValidateShadowSampleBpsOutOfRange(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{},"shadowSampleBps":20000}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGShadowSampleBpsRange) {
		t.Fatalf("expected an out-of-range shadowSampleBps to be flagged, got %+v", report.Findings)
	}
}

func TestValidateMalformedGate(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{},"gate":{"bogus":true}}
	]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGGateParseError) {
		t.Fatalf("expected a malformed gate expression to be flagged, got %+v", report.Findings)
	}
}

func TestValidateDuplicateExperimentLayerVariant(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"experiments":[
			{"layer":"layerA","variant":"v2","patch":{"stages":{}}},
			{"layer":"layerA","variant":"v2","patch":{"stages":{}}}
		]}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGExperimentDuplicate) {
		t.Fatalf("expected a duplicate (layer,variant) pair to be flagged, got %+v", report.Findings)
	}
}

func TestValidateExperimentPatchForbidsNestedEmergency(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"experiments":[{"layer":"layerA","variant":"v2","patch":{"stages":{},"emergency":{}}}]}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGExperimentForbidden) {
		t.Fatalf("expected a nested emergency inside an experiment patch to be flagged, got %+v", report.Findings)
	}
}

func TestValidateLayerConflict(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"experiments":[
			{"layer":"layerA","variant":"v2","patch":{"stages":{"candidate_gen":{"modules":[{"id":"a","use":"x","with":{}}]}}}},
			{"layer":"layerB","variant":"v3","patch":{"stages":{"candidate_gen":{"modules":[{"id":"a","use":"y","with":{}}]}}}}
		]}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGLayerConflict) {
		t.Fatalf("expected two layers touching the same module id to be flagged, got %+v", report.Findings)
	}
}

func TestValidateLayerParamLeak(t *testing.T) {
	ownership := &ExperimentLayerOwnership{OwnedModuleIDs: map[string]map[Name]bool{"layerA": {"a": true}}}
	r := NewFlowRegistry()
	if _, err := r.RegisterFlow(registryTestBlueprint("rank"), ownership); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"experiments":[{"layer":"layerA","variant":"v2","patch":{"stages":{"candidate_gen":{"modules":[{"id":"not-owned","use":"x","with":{}}]}}}}]}}}`
	report := Validate([]byte(doc), r, nil)
	if !hasFinding(report, CFGLayerParamLeak) {
		t.Fatalf("expected a layer touching an unowned module id to be flagged, got %+v", report.Findings)
	}
}

func TestValidateEmergencyMissingFields(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"emergency":{"reason":"","operator":"","ttl_minutes":0}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	count := 0
	for _, f := range report.Findings {
		if f.Code == CFGEmergencyMissingField {
			count++
		}
	}
	if count != 3 {
		t.Fatalf("expected three missing-field findings (reason, operator, ttl_minutes), got %d: %+v", count, report.Findings)
	}
}

func TestValidateEmergencyCannotEnable(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"emergency":{"reason":"r","operator":"op","ttl_minutes":5,
			"patch":{"stages":{"candidate_gen":{"modules":[{"id":"a","enabled":true}]}}}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGEmergencyOverrideForbidden) {
		t.Fatalf("expected an emergency enabling a module to be flagged, got %+v", report.Findings)
	}
}

func TestValidateEmergencyForbidsExtraStageFields(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"stages":{"candidate_gen":{"modules":[]}},
		"emergency":{"reason":"r","operator":"op","ttl_minutes":5,
			"patch":{"stages":{"candidate_gen":{"priority":1}}}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGEmergencyOverrideForbidden) {
		t.Fatalf("expected an emergency stage patch setting a disallowed field to be flagged, got %+v", report.Findings)
	}
}

func TestValidateAndLogRunsWithoutPanicking(t *testing.T) {
	report := ValidateAndLog(context.Background(), []byte(`{"schemaVersion":"v1","flows":{}}`), nil, nil, nil)
	if report.HasErrors() {
		t.Fatalf("expected a minimal valid document to pass, got %+v", report.Findings)
	}
}

func TestValidateAndLogWithMetricsRegistryDoesNotPanic(t *testing.T) {
	metrics := metricz.New()
	report := ValidateAndLog(context.Background(), []byte("not json"), nil, nil, metrics)
	if !report.HasErrors() {
		t.Fatal("expected the malformed document to still be reported")
	}
}

func TestValidateParamsExplicitNullIsRejected(t *testing.T) {
	doc := `{"schemaVersion":"v1","flows":{"rank":{"params":null,"stages":{"candidate_gen":{"modules":[]}}}}}`
	report := Validate([]byte(doc), validateTestRegistry(t), nil)
	if !hasFinding(report, CFGParamsBindFailed) {
		t.Fatalf("expected an explicit null params to be flagged, got %+v", report.Findings)
	}
}

func TestValidationReportHasErrorsFalseForWarningsOnly(t *testing.T) {
	report := ValidationReport{Findings: []Finding{{Severity: SeverityWarn, Code: CFGFanoutTrimLikely}}}
	if report.HasErrors() {
		t.Fatal("expected HasErrors to be false when only Warn-severity findings are present")
	}
}
