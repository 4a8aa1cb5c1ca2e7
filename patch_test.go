package flowmesh

import (
	"errors"
	"testing"
)

const patchTestBase = `{
  "flows": {
    "rank": {
      "stages": {
        "candidate_gen": {
          "modules": [
            {"id":"a","use":"rank.echo","with":{},"priority":1},
            {"id":"b","use":"rank.echo","with":{},"priority":2}
          ]
        }
      }
    }
  }
}`

func findModule(t *testing.T, stage *StagePatch, id Name) StageModulePatch {
	t.Helper()
	for _, m := range stage.Modules {
		if m.ModuleID == id {
			return m
		}
	}
	t.Fatalf("module %q not found in stage %q", id, stage.StageName)
	return StageModulePatch{}
}

func TestEvaluateBaseOnly(t *testing.T) {
	eval, err := Evaluate("rank", []byte(patchTestBase), RequestAttrs{}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eval.Stages) != 1 || len(eval.Stages[0].Modules) != 2 {
		t.Fatalf("expected one stage with two modules, got %+v", eval.Stages)
	}
	if len(eval.OverlaysApplied) != 1 || eval.OverlaysApplied[0].Kind != "Base" {
		t.Fatalf("expected a single Base overlay entry, got %+v", eval.OverlaysApplied)
	}
	a := findModule(t, &eval.Stages[0], "a")
	if a.ModuleType != "rank.echo" || a.Priority != 1 || !a.Enabled {
		t.Fatalf("unexpected base module a: %+v", a)
	}
}

func TestEvaluateAbsentFlowProducesEmptyPatch(t *testing.T) {
	eval, err := Evaluate("unknown-flow", []byte(patchTestBase), RequestAttrs{}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eval.Stages) != 0 {
		t.Fatalf("expected no stages for a flow absent from the patch, got %+v", eval.Stages)
	}
}

func TestEvaluateMalformedJSON(t *testing.T) {
	_, err := Evaluate("rank", []byte("not json"), RequestAttrs{}, "standard", 1)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a *FormatError, got %T: %v", err, err)
	}
}

func patchTestWithExperiment(variant string) string {
	return `{
  "flows": {
    "rank": {
      "stages": {
        "candidate_gen": {
          "modules": [
            {"id":"a","use":"rank.echo","with":{},"priority":1},
            {"id":"b","use":"rank.echo","with":{},"priority":2}
          ]
        }
      },
      "experiments": [
        {"layer":"layerA","variant":"` + variant + `","patch":{"stages":{"candidate_gen":{"modules":[
          {"id":"a","use":"rank.echo.v2","with":{}}
        ]}}}}
      ]
    }
  }
}`
}

func TestEvaluateMatchedExperimentOverlayCarriesOverFields(t *testing.T) {
	doc := patchTestWithExperiment("v2")
	eval, err := Evaluate("rank", []byte(doc), RequestAttrs{Variants: map[string]string{"layerA": "v2"}}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := findModule(t, &eval.Stages[0], "a")
	if a.ModuleType != "rank.echo.v2" {
		t.Fatalf("expected the experiment overlay to replace module a's type, got %q", a.ModuleType)
	}
	if a.Priority != 1 {
		t.Fatalf("expected priority to carry over from the base entry, got %d", a.Priority)
	}
	if len(eval.OverlaysApplied) != 2 || eval.OverlaysApplied[1].Kind != "Experiment" ||
		eval.OverlaysApplied[1].Layer != "layerA" || eval.OverlaysApplied[1].Variant != "v2" {
		t.Fatalf("expected a recorded Experiment overlay entry, got %+v", eval.OverlaysApplied)
	}
}

func TestEvaluateUnmatchedExperimentVariantIsIgnored(t *testing.T) {
	doc := patchTestWithExperiment("v2")
	eval, err := Evaluate("rank", []byte(doc), RequestAttrs{Variants: map[string]string{"layerA": "v1"}}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := findModule(t, &eval.Stages[0], "a")
	if a.ModuleType != "rank.echo" {
		t.Fatalf("expected base module type to survive an unmatched variant, got %q", a.ModuleType)
	}
	if len(eval.OverlaysApplied) != 1 {
		t.Fatalf("expected no Experiment overlay entry for an unmatched variant, got %+v", eval.OverlaysApplied)
	}
}

func TestEvaluateBestEffortTierSkipsExperimentsEvenOnMatch(t *testing.T) {
	doc := patchTestWithExperiment("v2")
	eval, err := Evaluate("rank", []byte(doc), RequestAttrs{Variants: map[string]string{"layerA": "v2"}}, "best_effort", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	a := findModule(t, &eval.Stages[0], "a")
	if a.ModuleType != "rank.echo" {
		t.Fatalf("expected best_effort to skip a matching experiment, got %q", a.ModuleType)
	}
}

const patchTestEmergencyDisable = `{
  "flows": {
    "rank": {
      "stages": {
        "candidate_gen": {
          "modules": [
            {"id":"a","use":"rank.echo","with":{}},
            {"id":"b","use":"rank.echo","with":{}}
          ]
        }
      },
      "emergency": {
        "reason":"incident-123","operator":"oncall","ttl_minutes":30,
        "patch":{"stages":{"candidate_gen":{"modules":[{"id":"b"}]}}}
      }
    }
  }
}`

func TestEvaluateEmergencyDisablesListedModule(t *testing.T) {
	eval, err := Evaluate("rank", []byte(patchTestEmergencyDisable), RequestAttrs{}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	b := findModule(t, &eval.Stages[0], "b")
	if b.Enabled || !b.DisabledByEmergency {
		t.Fatalf("expected module b disabled by emergency, got %+v", b)
	}
	a := findModule(t, &eval.Stages[0], "a")
	if !a.Enabled {
		t.Fatal("expected module a to be unaffected by an emergency overlay naming only b")
	}
	last := eval.OverlaysApplied[len(eval.OverlaysApplied)-1]
	if last.Kind != "Emergency" {
		t.Fatalf("expected the final overlay entry to be Emergency, got %+v", last)
	}
}

func TestEvaluateEmergencyCannotEnableAModule(t *testing.T) {
	doc := `{"flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{},"enabled":false}
	]}},"emergency":{"reason":"r","operator":"op","ttl_minutes":5,
		"patch":{"stages":{"candidate_gen":{"modules":[{"id":"a","enabled":true}]}}}}}}}`
	_, err := Evaluate("rank", []byte(doc), RequestAttrs{}, "standard", 1)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected emergency re-enabling a module to be rejected with a *FormatError, got %T: %v", err, err)
	}
}

func TestEvaluateEmergencyIgnoresUnknownModuleID(t *testing.T) {
	doc := `{"flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{}}
	]}},"emergency":{"reason":"r","operator":"op","ttl_minutes":5,
		"patch":{"stages":{"candidate_gen":{"modules":[{"id":"never-existed"}]}}}}}}}`
	eval, err := Evaluate("rank", []byte(doc), RequestAttrs{}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(eval.Stages[0].Modules) != 1 {
		t.Fatalf("expected emergency to never introduce a new module, got %+v", eval.Stages[0].Modules)
	}
}

func TestEvaluateMissingEmergencyReasonIsRejected(t *testing.T) {
	doc := `{"flows":{"rank":{"stages":{"candidate_gen":{"modules":[
		{"id":"a","use":"rank.echo","with":{}}
	]}},"emergency":{"reason":"","operator":"op","ttl_minutes":5,
		"patch":{"stages":{"candidate_gen":{"modules":[{"id":"a"}]}}}}}}}`
	_, err := Evaluate("rank", []byte(doc), RequestAttrs{}, "standard", 1)
	var fe *FormatError
	if !errors.As(err, &fe) {
		t.Fatalf("expected a missing emergency reason to be rejected with a *FormatError, got %T: %v", err, err)
	}
}

func TestDiffReportsEnabledChange(t *testing.T) {
	prev, err := Evaluate("rank", []byte(patchTestBase), RequestAttrs{}, "standard", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	next, err := Evaluate("rank", []byte(patchTestEmergencyDisable), RequestAttrs{}, "standard", 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	changes := Diff(prev, next)
	found := false
	for _, c := range changes {
		if c.ModuleID == "b" && c.Field == "enabled" && c.Before == "true" && c.After == "false" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a reported enabled=true->false change for module b, got %+v", changes)
	}
}
