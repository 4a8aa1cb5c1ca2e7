package flowmesh

import (
	"fmt"
	"time"
)

// EngineError is the fatal, programmer/configuration-error class from
// spec.md §7 — plan mismatches and defensive evaluator failures discovered
// at startup or against a validator-approved-but-still-broken document.
// It is modeled on the teacher's Error[T], minus the per-request input
// payload (EngineError is raised before or outside any per-request outcome,
// never substituted for one): it carries a path for debugging, a
// timestamp, and the underlying cause. Like FormatError and
// PlanMismatchError below, it is returned as a Go error rather than an
// Outcome.
type EngineError struct {
	Timestamp time.Time
	Path      []string
	Err       error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e == nil {
		return "<nil>"
	}
	path := "unknown"
	if len(e.Path) > 0 {
		path = joinPath(e.Path)
	}
	return fmt.Sprintf("flowmesh: %s: %v", path, e.Err)
}

// Unwrap supports errors.Is/errors.As against the underlying cause.
func (e *EngineError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func joinPath(path []string) string {
	out := path[0]
	for _, p := range path[1:] {
		out += " -> " + p
	}
	return out
}

// newEngineError builds an EngineError with the given path and cause,
// timestamped with time.Now.
func newEngineError(path []string, cause error) *EngineError {
	return &EngineError{Timestamp: time.Now(), Path: path, Err: cause}
}

// FormatError is raised by the Patch Evaluator (see patch.go) when handed
// structurally broken patch JSON, or a referenced id missing its required
// use/with fields — defensive failures the validator should have already
// rejected. It is distinct from EngineError because the evaluator is a
// pure function with its own narrower fault surface (malformed input, not
// blueprint/plan mismatches).
type FormatError struct {
	Path    string
	Message string
}

// Error implements the error interface.
func (e *FormatError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Path == "" {
		return fmt.Sprintf("flowmesh: patch format error: %s", e.Message)
	}
	return fmt.Sprintf("flowmesh: patch format error at %s: %s", e.Path, e.Message)
}

func newFormatError(path, message string) *FormatError {
	return &FormatError{Path: path, Message: message}
}

// PlanMismatchError is a fatal, never-caught programmer error raised when a
// blueprint fails its own invariants against a declared response type:
// empty node list, final node not a join, output-type mismatch, or an
// unregistered module type referenced by a Step. These are raised once,
// at plan-template compile time, and are never converted into an Outcome.
type PlanMismatchError struct {
	FlowName string
	Reason   string
}

func (e *PlanMismatchError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("flowmesh: flow %q: invalid plan: %s", e.FlowName, e.Reason)
}

func newPlanMismatchError(flowName, reason string) *PlanMismatchError {
	return &PlanMismatchError{FlowName: flowName, Reason: reason}
}
