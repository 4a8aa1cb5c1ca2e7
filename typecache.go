package flowmesh

import (
	"fmt"
	"reflect"
	"sync"
)

// typeName returns the cached string representation of type T, used for
// plan-mismatch diagnostics and memo-key signatures. The result is cached
// after the first call per unique type.
func typeName[T any]() string {
	var zero T
	typ := reflect.TypeOf(zero)

	cacheMu.RLock()
	if name, ok := typeCache[typ]; ok {
		cacheMu.RUnlock()
		return name
	}
	cacheMu.RUnlock()

	cacheMu.Lock()
	defer cacheMu.Unlock()
	if name, ok := typeCache[typ]; ok {
		return name
	}
	name := typeLabel(typ)
	typeCache[typ] = name
	return name
}

func typeLabel(typ reflect.Type) string {
	if typ == nil {
		return "<nil>"
	}
	return typ.String()
}

var (
	typeCache = make(map[reflect.Type]string)
	cacheMu   sync.RWMutex
)

// memoSignature returns a unique key for a per-request memo entry,
// combining the module type, the caller-supplied memoKey, the requesting
// output type's identity, and whether the call is a shadow invocation, so
// two modules that happen to share a memoKey string but produce different
// output shapes never alias (spec.md §9 design note: "Keys include
// output-type identity to prevent aliasing between distinct output shapes
// sharing a string key") and so a shadow invocation never collapses onto
// (or pollutes) a primary invocation's memo entry even when every other
// part of the signature collides.
func memoSignature[TOut any](moduleType, memoKey string, isShadow bool) string {
	return fmt.Sprintf("%s:%s:%s:%t", moduleType, memoKey, typeName[TOut](), isShadow)
}

// dispatchKey identifies a registered executor by the Go types it was
// built for. Compile uses this, once per distinct (moduleType, argsType,
// outputType) triple it encounters across every flow it compiles, to
// validate a standalone Step node's declared signature against the
// catalog's TryGetSignature before the node is allowed into a PlanTemplate.
//
// This is the one reflection touchpoint in flowmesh's dispatch path: the
// actual per-request invocation goes through Catalog's generic
// RegisterModule/Create closures, a zero-reflection compile-time-typed
// path once a module is registered; the teacher's runtime reflection cache
// is collapsed into this compile-time-once signature check instead of
// being repeated per request.
type dispatchKey struct {
	moduleType string
	argsType   reflect.Type
	outputType reflect.Type
}

// dispatchRegistry is a mutex-guarded set recording which
// (moduleType, argsType, outputType) triples have already been validated
// against the catalog, so a flow registry compiling many flows that reuse
// the same module types does not repeat catalog.tryGetSignature calls.
// Entries are never evicted — the domain is bounded by the number of
// registered module types, same invariant the teacher states for its own
// dispatch cache.
type dispatchRegistry struct {
	mu      sync.Mutex
	entries map[dispatchKey]struct{}
}

func newDispatchRegistry() *dispatchRegistry {
	return &dispatchRegistry{entries: make(map[dispatchKey]struct{})}
}

// seen reports whether this triple was already validated, recording it if
// not. Every call takes the registry's mutex.
func (r *dispatchRegistry) seen(key dispatchKey) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[key]; ok {
		return true
	}
	r.entries[key] = struct{}{}
	return false
}

// memoSignatureDyn is memoSignature's type-erased counterpart, used by
// fanout.go where the output type is only known at runtime via the
// catalog's registered signature rather than a caller-supplied type
// parameter. isShadow must match runOneModule's own isShadow so a shadow
// invocation's memo entry never aliases a primary invocation's.
func memoSignatureDyn(moduleType, memoKey string, outputType reflect.Type, isShadow bool) string {
	return fmt.Sprintf("%s:%s:%s:%t", moduleType, memoKey, typeLabel(outputType), isShadow)
}

func dispatchKeyFor[TArgs any, TOut any](moduleType string) dispatchKey {
	return dispatchKey{
		moduleType: moduleType,
		argsType:   reflect.TypeOf((*TArgs)(nil)).Elem(),
		outputType: reflect.TypeOf((*TOut)(nil)).Elem(),
	}
}

// dispatchKeyForTypes is dispatchKeyFor's reflect.Type-keyed counterpart,
// used by Compile where a PlanNode's ArgsType/OutputType are already
// erased to reflect.Type rather than carried as type parameters.
func dispatchKeyForTypes(moduleType string, argsType, outputType reflect.Type) dispatchKey {
	return dispatchKey{moduleType: moduleType, argsType: argsType, outputType: outputType}
}

// compileSignatureCache is the shared dispatchRegistry Compile consults
// when a catalog is supplied, so registering many flows that reuse the
// same module types only pays catalog.TryGetSignature once per distinct
// triple.
var compileSignatureCache = newDispatchRegistry()
