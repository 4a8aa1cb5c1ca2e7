package flowmesh

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
)

// Services is the opaque bag of dependencies a module factory receives when
// constructing a module instance — database handles, HTTP clients, whatever
// the host wires up. flowmesh never looks inside it; it exists purely so
// Catalog's create(moduleType, services) matches the consumed contract in
// spec.md §6.
type Services map[string]any

// ArgsValidator optionally checks a bound args value beyond what struct
// tags already enforce. The catalog stores it per moduleType and returns it
// from TryGetSignature; neither Validate nor Invoke calls it.
type ArgsValidator func(args any) error

// DynModuleContext is the type-erased counterpart of ModuleContext[TArgs]:
// everything fanout.go and engine.go know about an invocation before the
// catalog unmarshals the opaque per-request args into the registered
// module's declared TArgs type. This is the one runtime type-erasure
// boundary flowmesh has — the compile-time-generic Module[TArgs,TOut]
// interface that modules actually implement never sees it; RegisterModule
// closes over TArgs/TOut once at registration time so every later Invoke
// call decodes straight into the right concrete type with no reflection
// beyond encoding/json's own.
type DynModuleContext struct {
	Ctx        context.Context
	FlowName   Name
	StageName  Name
	ModuleID   Name
	ModuleType Name
	IsShadow   bool
}

// dynModule is the type-erased invocation closure a registered module type
// resolves to, built once by RegisterModule.
type dynModule func(dc DynModuleContext, rawArgs json.RawMessage) Outcome[any]

// signature is what the catalog records per registered module type.
type signature struct {
	argsType      reflect.Type
	outputType    reflect.Type
	argsValidator ArgsValidator
	build         func(services Services) dynModule
}

// Catalog is flowmesh's concrete implementation of the "module catalog"
// external collaborator named in spec.md §1/§6 — the spec treats it as
// consumed-only, but a runnable repo needs *some* in-process registry
// behind that contract. Module instances are built lazily, once per
// moduleType (the first Invoke call supplies the Services that construction
// uses); flowmesh assumes a single Services value per moduleType for the
// life of the catalog, matching how every module constructor in the pack is
// wired once at startup.
type Catalog struct {
	mu    sync.RWMutex
	sig   map[Name]signature
	built map[Name]dynModule
}

// NewCatalog builds an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{sig: make(map[Name]signature), built: make(map[Name]dynModule)}
}

// RegisterModule records a module type's declared args/output types,
// optional extra args validator, and a factory producing a fresh
// Module[TArgs,TOut]. TArgs/TOut are fixed by the caller's type parameters,
// giving the blueprint compiler (via typecache.go's dispatchRegistry) a
// compile-time-checked binding the moment a flow references this moduleType,
// while Invoke itself stays fully generic-free at the call site.
func RegisterModule[TArgs, TOut any](c *Catalog, moduleType Name, validator ArgsValidator, factory func(services Services) Module[TArgs, TOut]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sig[moduleType] = signature{
		argsType:      reflect.TypeOf((*TArgs)(nil)).Elem(),
		outputType:    reflect.TypeOf((*TOut)(nil)).Elem(),
		argsValidator: validator,
		build: func(services Services) dynModule {
			mod := factory(services)
			return func(dc DynModuleContext, rawArgs json.RawMessage) Outcome[any] {
				var args TArgs
				if len(rawArgs) > 0 {
					if err := json.Unmarshal(rawArgs, &args); err != nil {
						return Error[any](CodeUnhandledException, fmt.Errorf("flowmesh: bind args for module type %q: %w", moduleType, err))
					}
				}
				mc := ModuleContext[TArgs]{
					Context: dc.Ctx, Args: args,
					FlowName: dc.FlowName, StageName: dc.StageName,
					ModuleID: dc.ModuleID, ModuleType: dc.ModuleType, IsShadow: dc.IsShadow,
				}
				return toAnyOutcome(mod.Execute(mc))
			}
		},
	}
}

// toAnyOutcome erases an Outcome[TOut] to Outcome[any] via its public
// accessors, the one conversion fanout.go/engine.go need to carry results
// generically through the node slab and memo table.
func toAnyOutcome[T any](o Outcome[T]) Outcome[any] {
	switch o.Kind() {
	case KindOk:
		v, _ := o.Value()
		return Ok[any](v)
	case KindFallback:
		v, _ := o.Value()
		return Fallback[any](v, o.Code())
	case KindError:
		return Error[any](o.Code(), o.Cause())
	case KindTimeout:
		return Timeout[any](o.Code())
	case KindSkipped:
		return Skipped[any](o.Code())
	case KindCanceled:
		return Canceled[any](o.Code())
	default:
		return Unspecified[any]()
	}
}

// TryGetSignature implements the catalog contract's
// tryGetSignature(moduleType) → (argsType, outputType, argsValidator?).
func (c *Catalog) TryGetSignature(moduleType Name) (argsType, outputType reflect.Type, validator ArgsValidator, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, found := c.sig[moduleType]
	if !found {
		return nil, nil, nil, false
	}
	return s.argsType, s.outputType, s.argsValidator, true
}

// Has reports whether moduleType is registered, used by the validator to
// raise CFG_MODULE_TYPE_UNKNOWN without constructing anything.
func (c *Catalog) Has(moduleType Name) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.sig[moduleType]
	return ok
}

// Invoke resolves moduleType to its built dynModule (constructing it on
// first use with services) and calls it with rawArgs. It is the only path
// fanout.go/engine.go use to run a Step — neither ever references
// Module[TArgs,TOut] directly, since the concrete type varies per
// moduleType and is only known inside RegisterModule's closure.
func (c *Catalog) Invoke(dc DynModuleContext, services Services, rawArgs json.RawMessage) (Outcome[any], error) {
	c.mu.RLock()
	s, ok := c.sig[dc.ModuleType]
	mod, built := c.built[dc.ModuleType]
	c.mu.RUnlock()
	if !ok {
		return Outcome[any]{}, fmt.Errorf("flowmesh: catalog: unregistered module type %q", dc.ModuleType)
	}
	if !built {
		c.mu.Lock()
		if mod, built = c.built[dc.ModuleType]; !built {
			mod = s.build(services)
			c.built[dc.ModuleType] = mod
		}
		c.mu.Unlock()
	}
	return mod(dc, rawArgs), nil
}

// Create returns a typed Module[TArgs,TOut] for moduleType, for callers
// (join functions, tests) that want direct typed access rather than going
// through the erased Invoke path. Panics on an unregistered moduleType or a
// type-parameter mismatch — both are programmer errors the blueprint
// compiler's dispatch registry is meant to have already ruled out.
func Create[TArgs, TOut any](c *Catalog, moduleType Name, services Services) Module[TArgs, TOut] {
	c.mu.RLock()
	s, ok := c.sig[moduleType]
	c.mu.RUnlock()
	if !ok {
		panic(fmt.Sprintf("flowmesh: catalog: unregistered module type %q", moduleType))
	}
	wantArgs := reflect.TypeOf((*TArgs)(nil)).Elem()
	wantOut := reflect.TypeOf((*TOut)(nil)).Elem()
	if s.argsType != wantArgs || s.outputType != wantOut {
		panic(fmt.Sprintf("flowmesh: catalog: module type %q registered as (%s,%s), requested as (%s,%s)",
			moduleType, s.argsType, s.outputType, wantArgs, wantOut))
	}
	return typedModuleAdapter[TArgs, TOut]{moduleType: moduleType, services: services, catalog: c}
}

// typedModuleAdapter lets Create hand back something satisfying
// Module[TArgs,TOut] while still routing through the catalog's single
// lazily-built dynModule, so there is exactly one constructed instance per
// moduleType regardless of whether callers use Invoke or Create.
type typedModuleAdapter[TArgs, TOut any] struct {
	moduleType Name
	services   Services
	catalog    *Catalog
}

func (a typedModuleAdapter[TArgs, TOut]) Execute(mc ModuleContext[TArgs]) Outcome[TOut] {
	raw, err := json.Marshal(mc.Args)
	if err != nil {
		return Error[TOut](CodeUnhandledException, err)
	}
	out, err := a.catalog.Invoke(DynModuleContext{
		Ctx: mc.Context, FlowName: mc.FlowName, StageName: mc.StageName,
		ModuleID: mc.ModuleID, ModuleType: a.moduleType, IsShadow: mc.IsShadow,
	}, a.services, raw)
	if err != nil {
		return Error[TOut](CodeUnhandledException, err)
	}
	return fromAnyOutcome[TOut](out)
}

// fromAnyOutcome converts an erased Outcome[any] back to Outcome[TOut],
// used only by typedModuleAdapter so Create's typed facade stays consistent
// with Invoke's result.
func fromAnyOutcome[TOut any](o Outcome[any]) Outcome[TOut] {
	switch o.Kind() {
	case KindOk:
		v, _ := o.Value()
		tv, _ := v.(TOut)
		return Ok(tv)
	case KindFallback:
		v, _ := o.Value()
		tv, _ := v.(TOut)
		return Fallback(tv, o.Code())
	case KindError:
		return Error[TOut](o.Code(), o.Cause())
	case KindTimeout:
		return Timeout[TOut](o.Code())
	case KindSkipped:
		return Skipped[TOut](o.Code())
	case KindCanceled:
		return Canceled[TOut](o.Code())
	default:
		return Unspecified[TOut]()
	}
}
