package flowmesh

import (
	"context"
	"fmt"
	"time"

	"github.com/tidwall/gjson"
	"github.com/zoobzio/hookz"
	"github.com/zoobzio/metricz"
	"github.com/zoobzio/tracez"
)

// Gate reserved codes (spec.md §4.2, §7 — "GATE_*").
const (
	CodeGateParseError      = "GATE_PARSE_ERROR"
	CodeGateSelectorMissing = "GATE_SELECTOR_NOT_FOUND"
	CodeGateSelectorFault   = "GATE_SELECTOR_FAULT"
	CodeGateAllowed         = "GATE_ALLOWED"
)

// Metric keys for gate evaluation.
const (
	GateEvaluatedTotal = metricz.Key("gate.evaluated.total")
	GateAllowedTotal   = metricz.Key("gate.allowed.total")
	GateDeniedTotal    = metricz.Key("gate.denied.total")
)

// Span/tag/hook keys for gate evaluation.
const (
	GateEvaluateSpan = tracez.Key("gate.evaluate")
	GateTagAllowed   = tracez.Tag("gate.allowed")
	GateTagCode      = tracez.Tag("gate.code")

	GateEventEvaluated = hookz.Key("gate.evaluated")
)

// GateEvent is emitted after every gate evaluation.
type GateEvent struct {
	Allowed      bool
	Code         string
	SelectorName string
	Duration     time.Duration
	Timestamp    time.Time
}

// gateNodeKind distinguishes the gate expression tree's node shapes.
type gateNodeKind int

const (
	gateLiteral gateNodeKind = iota
	gateSelector
	gateAll
	gateAny
	gateNot
)

// Gate is a small boolean expression tree: leaves are either a named
// selector invocation or a literal true/false; inner nodes are all/any/not.
// A nil *Gate means "absent gate", which evaluates as allowed.
type Gate struct {
	kind         gateNodeKind
	literal      bool
	selectorName Name
	selectorArgs map[string]any
	children     []*Gate
}

// GateResult is what gate evaluation produces: whether the request is
// allowed through, a stable code (GATE_ALLOWED on success, a GATE_* fault
// code otherwise), and, for selector leaves, which selector decided it.
type GateResult struct {
	Allowed      bool
	Code         string
	SelectorName Name
}

// ParseGate parses a gate expression from its JSON representation (the
// `gate` field of a ModulePatch, spec.md §6). An empty/absent expression
// returns a nil *Gate (meaning "allow"), never an error. Malformed
// expressions return a *FormatError carrying the offending JSONPath;
// validate.go calls ParseGate on the same input and reports any error as a
// CFG_GATE_PARSE_ERROR finding carrying the error's message.
func ParseGate(path string, raw gjson.Result) (*Gate, error) {
	if !raw.Exists() || raw.Type == gjson.Null {
		return nil, nil
	}
	return parseGateNode(path, raw)
}

func parseGateNode(path string, raw gjson.Result) (*Gate, error) {
	switch raw.Type {
	case gjson.True, gjson.False:
		return &Gate{kind: gateLiteral, literal: raw.Bool()}, nil
	case gjson.JSON:
		if raw.IsArray() {
			return nil, newFormatError(path, "gate expression must be an object, not an array")
		}
		return parseGateObject(path, raw)
	default:
		return nil, newFormatError(path, "gate expression must be an object or boolean literal")
	}
}

func parseGateObject(path string, raw gjson.Result) (*Gate, error) {
	if sel := raw.Get("selector"); sel.Exists() {
		if sel.Type != gjson.String || sel.String() == "" {
			return nil, newFormatError(path+".selector", "selector must be a non-empty string")
		}
		g := &Gate{kind: gateSelector, selectorName: sel.String()}
		if args := raw.Get("args"); args.Exists() {
			if !args.IsObject() {
				return nil, newFormatError(path+".args", "selector args must be an object")
			}
			g.selectorArgs = map[string]any{}
			args.ForEach(func(key, value gjson.Result) bool {
				g.selectorArgs[key.String()] = value.Value()
				return true
			})
		}
		return g, nil
	}

	for _, combinator := range []struct {
		field string
		kind  gateNodeKind
	}{
		{"all", gateAll}, {"any", gateAny}, {"not", gateNot},
	} {
		field := raw.Get(combinator.field)
		if !field.Exists() {
			continue
		}
		if combinator.kind == gateNot {
			child, err := parseGateNode(path+".not", field)
			if err != nil {
				return nil, err
			}
			return &Gate{kind: gateNot, children: []*Gate{child}}, nil
		}
		if !field.IsArray() {
			return nil, newFormatError(path+"."+combinator.field, combinator.field+" must be an array of gate expressions")
		}
		var children []*Gate
		var parseErr error
		idx := 0
		field.ForEach(func(_, elem gjson.Result) bool {
			child, err := parseGateNode(fmt.Sprintf("%s.%s[%d]", path, combinator.field, idx), elem)
			if err != nil {
				parseErr = err
				return false
			}
			children = append(children, child)
			idx++
			return true
		})
		if parseErr != nil {
			return nil, parseErr
		}
		return &Gate{kind: combinator.kind, children: children}, nil
	}

	return nil, newFormatError(path, "gate expression must have one of selector, all, any, not")
}

// Evaluate walks the gate expression against the registry and request,
// never throwing: selector faults (missing registration, selector error)
// are reported as allowed=false with a selector-identifying code, exactly
// as spec.md §4.2 requires. A nil gate is absent ≡ allow.
func (g *Gate) Evaluate(ctx context.Context, registry *SelectorRegistry, req SelectorRequest) GateResult {
	if g == nil {
		return GateResult{Allowed: true, Code: CodeGateAllowed}
	}
	return g.evaluate(ctx, registry, req)
}

func (g *Gate) evaluate(ctx context.Context, registry *SelectorRegistry, req SelectorRequest) GateResult {
	switch g.kind {
	case gateLiteral:
		if g.literal {
			return GateResult{Allowed: true, Code: CodeGateAllowed}
		}
		return GateResult{Allowed: false, Code: CodeGateFalse}

	case gateSelector:
		leafReq := req
		if g.selectorArgs != nil {
			leafReq.Args = g.selectorArgs
		}
		allowed, err := registry.Evaluate(ctx, g.selectorName, leafReq)
		if err != nil {
			code := CodeGateSelectorFault
			if !registry.Has(g.selectorName) {
				code = CodeGateSelectorMissing
			}
			return GateResult{Allowed: false, Code: code, SelectorName: g.selectorName}
		}
		if !allowed {
			return GateResult{Allowed: false, Code: CodeGateFalse, SelectorName: g.selectorName}
		}
		return GateResult{Allowed: true, Code: CodeGateAllowed, SelectorName: g.selectorName}

	case gateAll:
		for _, child := range g.children {
			r := child.evaluate(ctx, registry, req)
			if !r.Allowed {
				return r
			}
		}
		return GateResult{Allowed: true, Code: CodeGateAllowed}

	case gateAny:
		var last GateResult = GateResult{Allowed: false, Code: CodeGateFalse}
		for _, child := range g.children {
			r := child.evaluate(ctx, registry, req)
			if r.Allowed {
				return r
			}
			last = r
		}
		return last

	case gateNot:
		r := g.children[0].evaluate(ctx, registry, req)
		if r.Allowed {
			return GateResult{Allowed: false, Code: CodeGateFalse}
		}
		return GateResult{Allowed: true, Code: CodeGateAllowed}

	default:
		return GateResult{Allowed: false, Code: CodeGateParseError}
	}
}

// EvaluateGate is a package-level convenience wrapping Evaluate plus the
// metrics/tracing/hook envelope described in spec.md §4.6 — used by the
// fanout algorithm's gate pre-filter step so the per-module gate decision
// is observable the same way every other flowmesh decision is.
func EvaluateGate(ctx context.Context, g *Gate, registry *SelectorRegistry, req SelectorRequest, metrics *metricz.Registry, tracer *tracez.Tracer, hooks *hookz.Hooks[GateEvent]) GateResult {
	start := time.Now()
	_, span := tracer.StartSpan(ctx, GateEvaluateSpan)
	defer span.Finish()

	result := g.Evaluate(ctx, registry, req)

	metrics.Counter(GateEvaluatedTotal).Inc()
	if result.Allowed {
		metrics.Counter(GateAllowedTotal).Inc()
	} else {
		metrics.Counter(GateDeniedTotal).Inc()
	}
	span.SetTag(GateTagAllowed, fmt.Sprintf("%t", result.Allowed))
	span.SetTag(GateTagCode, result.Code)

	if hooks != nil {
		_ = hooks.Emit(ctx, GateEventEvaluated, GateEvent{ //nolint:errcheck
			Allowed:      result.Allowed,
			Code:         result.Code,
			SelectorName: result.SelectorName,
			Duration:     time.Since(start),
			Timestamp:    time.Now(),
		})
	}
	return result
}
