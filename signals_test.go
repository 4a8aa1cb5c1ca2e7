package flowmesh

import "testing"

func TestSignalsAreUnique(t *testing.T) {
	seen := map[string]bool{}
	for _, s := range []string{
		string(SignalStageEntered), string(SignalDeadlineExceeded), string(SignalCanceled),
		string(SignalUnhandledFault), string(SignalModuleSkipped), string(SignalModuleInvoked),
		string(SignalFanoutCompleted), string(SignalShadowSampled), string(SignalShadowNotSampled),
		string(SignalShadowCompleted), string(SignalLimiterAcquired), string(SignalLimiterRejected),
		string(SignalLimiterReleased), string(SignalLimiterRebuilt), string(SignalMemoHit),
		string(SignalMemoMiss), string(SignalGateAllowed), string(SignalGateDenied),
		string(SignalGateFault), string(SignalOverlayApplied), string(SignalEmergencyApplied),
		string(SignalEvaluationCompleted), string(SignalValidationCompleted),
	} {
		if seen[s] {
			t.Errorf("duplicate signal name: %q", s)
		}
		seen[s] = true
	}
}

func TestFieldKeysAreDistinctNames(t *testing.T) {
	// The wire names below are a hand-kept copy of the field keys declared
	// in signals.go; a duplicate key in this map literal fails compilation,
	// so the check covers the copy, not the key declarations themselves.
	names := map[string]int{
		"flow": 1, "stage": 1, "node_name": 1, "node_kind": 1, "module_id": 1,
		"module_type": 1, "outcome_kind": 1, "outcome_code": 1, "plan_hash": 1,
		"config_version": 1, "qos_tier": 1, "limit_key": 1, "capacity": 1,
		"in_flight": 1, "generation": 1, "memo_key": 1, "gate_code": 1,
		"selector_name": 1, "layer": 1, "variant": 1, "overlays_count": 1,
		"emergency_reason": 1, "is_shadow": 1, "shadow_sample_bps": 1,
		"findings_count": 1, "duration_ms": 1, "error": 1,
	}
	if len(names) != 27 {
		t.Fatalf("expected 27 distinct field names in this check, got %d", len(names))
	}
}
