package flowmesh

// CodeEnrichDegraded is the code an EnrichModule outcome carries when its
// enrichment function failed and the module fell back to the original args.
const CodeEnrichDegraded = "ENRICH_DEGRADED"

// EnrichModule builds a Module that attempts to enhance args with
// additional information. EnrichModule is the one adapter that turns a
// function error into Outcome's Fallback kind rather than Error: the
// surrounding stage fanout continues to treat the module as having run,
// carrying the pre-enrichment args, rather than treating it as a failure.
//
// Use EnrichModule when the extra data is "nice to have" — a cache lookup,
// a geocode, a price refresh — but not required for the stage to proceed.
// If the data is mandatory, use ApplyModule instead.
//
// Example:
//
//	RegisterModule[Candidate, Candidate](cat, "candidate.enrich_price", nil,
//	    func(services Services) Module[Candidate, Candidate] {
//	        return EnrichModule(func(mc ModuleContext[Candidate]) (Candidate, error) {
//	            return priceService.Attach(mc, mc.Args)
//	        })
//	    })
func EnrichModule[TArgs any](fn func(mc ModuleContext[TArgs]) (TArgs, error)) Module[TArgs, TArgs] {
	return ModuleFunc[TArgs, TArgs](func(mc ModuleContext[TArgs]) Outcome[TArgs] {
		enriched, err := fn(mc)
		if err != nil {
			return Fallback(mc.Args, CodeEnrichDegraded)
		}
		return Ok(enriched)
	})
}
