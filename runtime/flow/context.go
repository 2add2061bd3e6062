package flow

import (
	"context"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
	"github.com/flowcore/flowcore/runtime/telemetry"
	"github.com/flowcore/flowcore/runtime/toolpipeline"
)

// Emitter is the subset of dispatch.Emitter node handlers use to stream
// their own envelopes (e.g. an LLM handler emitting chat/delta).
type Emitter interface {
	Emit(envelope events.Envelope) bool
}

// NodeContext is passed to every node Handler. It exposes the pieces of
// the engine a handler is allowed to touch: its own execution id, the
// tracker, a way to emit envelopes, and a cancellation signal derived
// from the enclosing flow (and, for a node-level timeout, from that node
// alone).
type NodeContext struct {
	Context     context.Context
	ExecutionID string
	FlowID      string
	NodeID      string
	Tracker     *execid.Tracker
	Emitter     Emitter
	Pipeline    *toolpipeline.Pipeline
	Logger      telemetry.Logger

	// Executor is the enclosing Executor, exposed so handlers that need
	// to recurse (SUBFLOW) can call back into it without a package cycle.
	Executor *Executor
}

// Cancelled reports whether the context's cancellation signal has
// fired.
func (c *NodeContext) Cancelled() bool {
	select {
	case <-c.Context.Done():
		return true
	default:
		return false
	}
}
