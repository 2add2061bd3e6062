package flow

// Decision is a Policy's verdict on a proposed TOOL node invocation.
type Decision struct {
	Allow bool
	// Reason explains a deny; the executor includes it in the error it
	// returns for a denied call and ignores it on an allow.
	Reason string
	// Timeout is carried on the decision but the executor does not read
	// it: an allowed TOOL node always runs under its own Timeout.
	Timeout int64
}

// Policy is consulted by the executor before a TOOL node runs, letting a
// deployment deny or constrain specific calls (e.g. by tool name, input
// shape, or session) without changing the graph itself. It is an
// interface, not a concrete engine: callers supply whatever guardrails
// their deployment needs.
type Policy interface {
	Evaluate(ctx *NodeContext, toolName string, input any) Decision
}

// AllowAllPolicy allows every tool invocation unconstrained. It is the
// Executor's default when no Policy is configured.
type AllowAllPolicy struct{}

// Evaluate implements Policy.
func (AllowAllPolicy) Evaluate(_ *NodeContext, _ string, _ any) Decision {
	return Decision{Allow: true}
}
