package flowmesh

// ApplyModule builds a Module from a function that transforms args into an
// output and may fail. Apply is the workhorse adapter — use it for module
// logic that can fail due to validation, parsing, external calls, or
// business-rule violations.
//
// The function receives a ModuleContext, whose embedded context.Context
// carries the request's deadline and cancellation signal; long-running
// module logic should check Err() periodically. On error the outcome is
// Error(code, err), even when err is the context's own cancellation or
// deadline error; the engine records the module's outcome as returned and
// applies translateFault only to a failed catalog invocation.
//
// For transformations that cannot fail, use TransformModule. For
// transformations that should degrade instead of fail, use EnrichModule.
//
// Example:
//
//	RegisterModule[RankArgs, RankResult](cat, "candidate.apply", nil,
//	    func(services Services) Module[RankArgs, RankResult] {
//	        return ApplyModule(func(mc ModuleContext[RankArgs]) (RankResult, error) {
//	            return scoreCandidates(mc, mc.Args)
//	        }, "CANDIDATE_APPLY_FAILED")
//	    })
func ApplyModule[TArgs, TOut any](fn func(mc ModuleContext[TArgs]) (TOut, error), failureCode string) Module[TArgs, TOut] {
	return ModuleFunc[TArgs, TOut](func(mc ModuleContext[TArgs]) Outcome[TOut] {
		result, err := fn(mc)
		if err != nil {
			return Error[TOut](failureCode, err)
		}
		return Ok(result)
	})
}
