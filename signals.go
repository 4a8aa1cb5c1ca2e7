package flowmesh

import "github.com/zoobzio/capitan"

// Signal constants for flowmesh lifecycle events.
// Signals follow the pattern: <component>.<event>.
const (
	// Engine signals.
	SignalStageEntered    capitan.Signal = "engine.stage-entered"
	SignalDeadlineExceeded capitan.Signal = "engine.deadline-exceeded"
	SignalCanceled        capitan.Signal = "engine.canceled"
	SignalUnhandledFault  capitan.Signal = "engine.unhandled-fault"

	// Fanout signals.
	SignalModuleSkipped   capitan.Signal = "fanout.module-skipped"
	SignalModuleInvoked   capitan.Signal = "fanout.module-invoked"
	SignalFanoutCompleted capitan.Signal = "fanout.completed"

	// Shadow fanout signals.
	SignalShadowSampled    capitan.Signal = "shadow.sampled"
	SignalShadowNotSampled capitan.Signal = "shadow.not-sampled"
	SignalShadowCompleted  capitan.Signal = "shadow.completed"

	// Limiter (bulkhead) signals.
	SignalLimiterAcquired  capitan.Signal = "limiter.acquired"
	SignalLimiterRejected  capitan.Signal = "limiter.rejected"
	SignalLimiterReleased  capitan.Signal = "limiter.released"
	SignalLimiterRebuilt   capitan.Signal = "limiter.registry-rebuilt"

	// Memo signals.
	SignalMemoHit  capitan.Signal = "memo.hit"
	SignalMemoMiss capitan.Signal = "memo.miss"

	// Gate signals.
	SignalGateAllowed capitan.Signal = "gate.allowed"
	SignalGateDenied  capitan.Signal = "gate.denied"
	SignalGateFault   capitan.Signal = "gate.fault"

	// Patch evaluator signals.
	SignalOverlayApplied      capitan.Signal = "evaluator.overlay-applied"
	SignalEmergencyApplied    capitan.Signal = "evaluator.emergency-applied"
	SignalEvaluationCompleted capitan.Signal = "evaluator.completed"

	// Validator signals.
	SignalValidationCompleted capitan.Signal = "validator.completed"
)

// Common field keys using capitan primitive types, mirroring the teacher's
// convention of one NewXKey per dimension rather than custom struct
// serialization.
var (
	FieldFlow        = capitan.NewStringKey("flow")
	FieldStage       = capitan.NewStringKey("stage")
	FieldNodeName    = capitan.NewStringKey("node_name")
	FieldNodeKind    = capitan.NewStringKey("node_kind")
	FieldModuleID    = capitan.NewStringKey("module_id")
	FieldModuleType  = capitan.NewStringKey("module_type")
	FieldOutcomeKind = capitan.NewStringKey("outcome_kind")
	FieldOutcomeCode = capitan.NewStringKey("outcome_code")
	FieldPlanHash    = capitan.NewStringKey("plan_hash")
	FieldConfigVer   = capitan.NewIntKey("config_version")
	FieldQoSTier     = capitan.NewStringKey("qos_tier")

	FieldLimitKey    = capitan.NewStringKey("limit_key")
	FieldCapacity    = capitan.NewIntKey("capacity")
	FieldInFlight    = capitan.NewIntKey("in_flight")
	FieldGeneration  = capitan.NewIntKey("generation")

	FieldMemoKey = capitan.NewStringKey("memo_key")

	FieldGateCode     = capitan.NewStringKey("gate_code")
	FieldSelectorName = capitan.NewStringKey("selector_name")

	FieldLayer          = capitan.NewStringKey("layer")
	FieldVariant        = capitan.NewStringKey("variant")
	FieldOverlaysCount  = capitan.NewIntKey("overlays_count")
	FieldEmergencyReason = capitan.NewStringKey("emergency_reason")

	// is_shadow is carried as an int (0/1): the teacher's capitan package
	// only exposes string/int/float64 key constructors in this pack.
	FieldShadow          = capitan.NewIntKey("is_shadow")
	FieldShadowSampleBps = capitan.NewIntKey("shadow_sample_bps")

	FieldFindingsCount = capitan.NewIntKey("findings_count")

	FieldDurationMS = capitan.NewFloat64Key("duration_ms")
	FieldError      = capitan.NewStringKey("error")
)
