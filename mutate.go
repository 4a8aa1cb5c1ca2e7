package flowmesh

// MutateModule builds a Module that conditionally transforms args based on
// a predicate, passing args through unchanged when the predicate is false.
// The condition and transformer are kept as separate functions for
// testability — this reads better than embedding an if-statement inside a
// TransformModule, and makes the condition itself independently testable.
//
// Use MutateModule for feature-flagged module variants, A/B branches inside
// a single module, or any conditional formatting that always succeeds. The
// transformer cannot fail — use ApplyModule with conditional logic inside
// if you need error handling.
//
// Example:
//
//	RegisterModule[Candidate, Candidate](cat, "candidate.premium_boost", nil,
//	    func(services Services) Module[Candidate, Candidate] {
//	        return MutateModule(
//	            func(mc ModuleContext[Candidate]) bool { return mc.Args.Tier == "premium" },
//	            func(mc ModuleContext[Candidate]) Candidate {
//	                c := mc.Args
//	                c.Score *= 1.1
//	                return c
//	            },
//	        )
//	    })
func MutateModule[TArgs any](condition func(mc ModuleContext[TArgs]) bool, transformer func(mc ModuleContext[TArgs]) TArgs) Module[TArgs, TArgs] {
	return ModuleFunc[TArgs, TArgs](func(mc ModuleContext[TArgs]) Outcome[TArgs] {
		if !condition(mc) {
			return Ok(mc.Args)
		}
		return Ok(transformer(mc))
	})
}
