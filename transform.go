package flowmesh

// TransformModule builds a Module from a pure function that always
// succeeds. Use it when module logic always produces a value predictably —
// formatting, field mapping, computed-field addition — with no failure mode
// worth modeling.
//
// If the transformation might fail, use ApplyModule. If it should run only
// conditionally, use MutateModule.
//
// Example:
//
//	RegisterModule[Candidate, ScoredCandidate](cat, "candidate.normalize_score", nil,
//	    func(services Services) Module[Candidate, ScoredCandidate] {
//	        return TransformModule(func(mc ModuleContext[Candidate]) ScoredCandidate {
//	            return ScoredCandidate{ID: mc.Args.ID, Score: mc.Args.RawScore / 100}
//	        })
//	    })
func TransformModule[TArgs, TOut any](fn func(mc ModuleContext[TArgs]) TOut) Module[TArgs, TOut] {
	return ModuleFunc[TArgs, TOut](func(mc ModuleContext[TArgs]) Outcome[TOut] {
		return Ok(fn(mc))
	})
}
