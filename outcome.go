package flowmesh

import (
	"context"
	"fmt"
)

// Kind is the closed set of result shapes a module, join, or stage-fanout
// slot can settle into. Kind is never an error value itself — Outcome[T]
// carries Kind plus a stable Code, and is returned, not raised.
type Kind string

const (
	// KindOk means the computation produced a value.
	KindOk Kind = "Ok"
	// KindError means the computation failed; Code names the failure class.
	KindError Kind = "Error"
	// KindTimeout means the shared deadline was exceeded.
	KindTimeout Kind = "Timeout"
	// KindSkipped means a fanout candidate never ran (disabled, gated off,
	// trimmed, bulkhead-rejected, or not sampled for shadow).
	KindSkipped Kind = "Skipped"
	// KindFallback means a best-effort computation degraded instead of
	// failing the surrounding plan; Value is still populated.
	KindFallback Kind = "Fallback"
	// KindCanceled means upstream cancellation was observed.
	KindCanceled Kind = "Canceled"
	// KindUnspecified is the zero value of Outcome[T]; a recorded node
	// outcome equal to KindUnspecified after the engine finishes is a bug.
	KindUnspecified Kind = "Unspecified"
)

// Reserved engine codes. These are produced exclusively by the engine,
// fanout, and shadow-fanout machinery — module authors should mint their
// own codes for anything else.
const (
	CodeDeadlineExceeded   = "DEADLINE_EXCEEDED"
	CodeUpstreamCanceled   = "UPSTREAM_CANCELED"
	CodeUnhandledException = "UNHANDLED_EXCEPTION"
	CodeDisabled           = "DISABLED"
	CodeGateFalse          = "GATE_FALSE"
	CodeFanoutTrim         = "FANOUT_TRIM"
	CodeShadowNotSampled   = "SHADOW_NOT_SAMPLED"
	CodeBulkheadRejected   = "BULKHEAD_REJECTED"
)

// Name identifies a plan node, module id, or selector by a plain string.
// flowmesh does not carry a separate identity/schema layer on top of this —
// uniqueness within a scope (node names within a flow, module ids within a
// flow's resolved patch) is an invariant enforced by the blueprint compiler
// and the patch evaluator, not by Name itself.
type Name = string

// Outcome is the closed, tagged result every module, join, and fanout slot
// produces. It is a value, never an error: the engine, fanout, and shadow
// code all return Outcome[T] by assignment, never by panic or a (T, error)
// pair.
type Outcome[T any] struct {
	kind  Kind
	code  string
	value T
	err   error
}

// Ok builds a successful outcome carrying value.
func Ok[T any](value T) Outcome[T] {
	return Outcome[T]{kind: KindOk, value: value}
}

// Error builds a failed outcome. code should be a short, stable, ALL-CAPS
// identifier; see Reserved engine codes for the ones the engine itself
// produces.
func Error[T any](code string, cause error) Outcome[T] {
	return Outcome[T]{kind: KindError, code: code, err: cause}
}

// Timeout builds a deadline-exceeded outcome.
func Timeout[T any](code string) Outcome[T] {
	return Outcome[T]{kind: KindTimeout, code: code}
}

// Skipped builds an outcome for a fanout candidate that never ran.
func Skipped[T any](code string) Outcome[T] {
	return Outcome[T]{kind: KindSkipped, code: code}
}

// Fallback builds a degraded-but-present outcome: value is usable, code
// records why the primary path was not taken.
func Fallback[T any](value T, code string) Outcome[T] {
	return Outcome[T]{kind: KindFallback, code: code, value: value}
}

// Canceled builds an upstream-cancellation outcome.
func Canceled[T any](code string) Outcome[T] {
	return Outcome[T]{kind: KindCanceled, code: code}
}

// Unspecified returns the zero outcome, used only as the initial value of a
// node-outcome slab slot before the node at that index has run.
func Unspecified[T any]() Outcome[T] {
	return Outcome[T]{kind: KindUnspecified}
}

// Kind reports the outcome's tag.
func (o Outcome[T]) Kind() Kind { return o.kind }

// Code reports the outcome's stable short code. Empty for KindOk unless the
// caller chose to annotate a success path.
func (o Outcome[T]) Code() string { return o.code }

// Value returns the carried value and whether one is present. A value is
// present for KindOk and KindFallback.
func (o Outcome[T]) Value() (T, bool) {
	if o.kind == KindOk || o.kind == KindFallback {
		return o.value, true
	}
	var zero T
	return zero, false
}

// MustValue returns the carried value, panicking if none is present. Meant
// for join code that has already branched on Kind.
func (o Outcome[T]) MustValue() T {
	v, ok := o.Value()
	if !ok {
		panic(fmt.Sprintf("flowmesh: MustValue called on %s outcome (code=%s)", o.kind, o.code))
	}
	return v
}

// Cause returns the underlying error, if any, for KindError outcomes.
func (o Outcome[T]) Cause() error { return o.err }

// IsOk reports whether the outcome succeeded.
func (o Outcome[T]) IsOk() bool { return o.kind == KindOk }

// IsTerminal reports whether this outcome stops the surrounding plan from
// advancing (Timeout/Canceled returned from the engine are terminal;
// Skipped/Fallback inside a stage are not — the stage continues with the
// remaining candidates).
func (o Outcome[T]) IsTerminal() bool {
	return o.kind == KindTimeout || o.kind == KindCanceled
}

func (o Outcome[T]) String() string {
	if o.kind == KindOk {
		return fmt.Sprintf("Ok(%v)", o.value)
	}
	if o.err != nil {
		return fmt.Sprintf("%s(%s: %v)", o.kind, o.code, o.err)
	}
	return fmt.Sprintf("%s(%s)", o.kind, o.code)
}

// validCode reports whether code is a legal outcome code: non-empty,
// ALL-CAPS with digits/underscore allowed, at most 64 bytes.
func validCode(code string) bool {
	if code == "" || len(code) > 64 {
		return false
	}
	for _, r := range code {
		switch {
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '_':
		default:
			return false
		}
	}
	return true
}

// Module is the consumed execution contract every registered moduleType
// implements: given a ModuleContext carrying its bound args, produce an
// Outcome. Modules must respect mc.Done() and mc.Deadline().
type Module[TArgs any, TOut any] interface {
	Execute(mc ModuleContext[TArgs]) Outcome[TOut]
}

// ModuleFunc adapts a plain function to the Module interface, mirroring the
// teacher's Processor[T] adapter pattern: a function type plus a thin
// method satisfying the interface, so module authors never need to declare
// a named type.
type ModuleFunc[TArgs any, TOut any] func(mc ModuleContext[TArgs]) Outcome[TOut]

// Execute implements Module.
func (f ModuleFunc[TArgs, TOut]) Execute(mc ModuleContext[TArgs]) Outcome[TOut] {
	return f(mc)
}

// ModuleContext is the read-mostly facade a module receives: its bound
// args, the request's cancellation signal and deadline (via the embedded
// context.Context), and identity information useful for logging without
// giving the module write access to the engine's own state.
type ModuleContext[TArgs any] struct {
	context.Context
	Args       TArgs
	FlowName   Name
	StageName  Name
	ModuleID   Name
	ModuleType Name
	IsShadow   bool
}
