package flowmesh

// EffectModule builds a Module that performs a side effect without changing
// the args it received. Use it for module logic whose purpose is logging,
// metrics, notifications, or audit trails rather than producing a new
// value — the bound args pass through as the output unchanged.
//
// Unlike ApplyModule, EffectModule cannot transform data. Unlike
// TransformModule, it can fail: a non-nil error becomes Error(code, err)
// and the args never reach the output.
//
// Example:
//
//	RegisterModule[AuditArgs, AuditArgs](cat, "audit.record", nil,
//	    func(services Services) Module[AuditArgs, AuditArgs] {
//	        return EffectModule(func(mc ModuleContext[AuditArgs]) error {
//	            return auditLog.Write(mc, mc.Args)
//	        }, "AUDIT_WRITE_FAILED")
//	    })
func EffectModule[TArgs any](fn func(mc ModuleContext[TArgs]) error, failureCode string) Module[TArgs, TArgs] {
	return ModuleFunc[TArgs, TArgs](func(mc ModuleContext[TArgs]) Outcome[TArgs] {
		if err := fn(mc); err != nil {
			return Error[TArgs](failureCode, err)
		}
		return Ok(mc.Args)
	})
}
