package flow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
	"github.com/flowcore/flowcore/runtime/telemetry"
	"github.com/flowcore/flowcore/runtime/toolpipeline"
)

// ErrCancelled is returned by a node (or the flow it belongs to) once its
// run has been cancelled; no further node handlers are started after it
// is observed.
var ErrCancelled = errors.New("flow: execution cancelled")

// Result is what Execute returns: the flow's execution id, its terminal
// status, the value produced at every OUTPUT node reached, and the error
// that caused a FAILED or CANCELLED status, if any.
type Result struct {
	FlowID  string
	Status  execid.Status
	Outputs map[string]any
	Error   error
}

// Executor runs Graphs. One Executor can run many flows
// concurrently; each call to Execute tracks its own cancellation scope.
type Executor struct {
	tracker  *execid.Tracker
	pipeline *toolpipeline.Pipeline
	registry *Registry
	tools    map[string]*toolpipeline.Descriptor
	subflows map[string]*Graph
	policy   Policy
	log      telemetry.Logger
	metrics  telemetry.Metrics
	tracer   telemetry.Tracer

	mu   sync.Mutex
	runs map[string]*runContext
}

// Option configures an Executor.
type Option func(*Executor)

// WithPolicy attaches a Policy consulted before every TOOL node
// invocation. Defaults to AllowAllPolicy.
func WithPolicy(p Policy) Option { return func(e *Executor) { e.policy = p } }

// WithTool registers the descriptor a TOOL node's config "tool" field
// must name to be invocable.
func WithTool(d *toolpipeline.Descriptor) Option {
	return func(e *Executor) { e.tools[d.Name] = d }
}

// WithSubflow registers a graph a SUBFLOW node's config "workflow" field
// can reference. name is independent of the graph's own ID.
func WithSubflow(name string, g *Graph) Option {
	return func(e *Executor) { e.subflows[name] = g }
}

// WithLogger attaches a structured logger. Defaults to a no-op logger.
func WithLogger(l telemetry.Logger) Option { return func(e *Executor) { e.log = l } }

// WithMetrics attaches a metrics recorder. Defaults to a no-op recorder.
func WithMetrics(m telemetry.Metrics) Option { return func(e *Executor) { e.metrics = m } }

// WithTracer attaches a tracer. Defaults to a no-op tracer.
func WithTracer(t telemetry.Tracer) Option { return func(e *Executor) { e.tracer = t } }

// New constructs an Executor. tracker and pipeline are required;
// registry, if nil, defaults to NewBuiltinRegistry().
func New(tracker *execid.Tracker, pipeline *toolpipeline.Pipeline, registry *Registry, opts ...Option) *Executor {
	if registry == nil {
		registry = NewBuiltinRegistry()
	}
	e := &Executor{
		tracker:  tracker,
		pipeline: pipeline,
		registry: registry,
		tools:    make(map[string]*toolpipeline.Descriptor),
		subflows: make(map[string]*Graph),
		policy:   AllowAllPolicy{},
		log:      telemetry.NewNoopLogger(),
		metrics:  telemetry.NewNoopMetrics(),
		tracer:   telemetry.NewNoopTracer(),
		runs:     make(map[string]*runContext),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// runContext holds the per-execution state threaded through one
// Execute call: its cancellation scope, the graph being run, the
// in-flight join barriers, and the accumulated OUTPUT values.
type runContext struct {
	ctx    context.Context
	cancel context.CancelFunc
	graph  *Graph
	flowID string

	joinsMu sync.Mutex
	joins   map[string]*joinState

	outputsMu sync.Mutex
	outputs   map[string]any

	subflowChain map[string]bool
}

type joinState struct {
	need int
	got  map[string]any
}

func (rc *runContext) cancelled() bool {
	select {
	case <-rc.ctx.Done():
		return true
	default:
		return false
	}
}

// Execute validates g against the executor's registry, then runs it to
// completion (or cancellation/failure), starting a new root FLOW
// execution id. emitter receives every envelope the run emits. Graphs
// that fail validation are rejected with a ValidationError before any
// execution id is allocated.
func (e *Executor) Execute(ctx context.Context, g *Graph, input any, emitter Emitter) (*Result, error) {
	return e.execute(ctx, g, input, emitter, "", map[string]bool{})
}

// Cancel requests prompt cancellation of the run rooted at flowID. It
// returns once the cancellation signal has been delivered; in-flight
// node handlers are expected to observe it and stop promptly, but Cancel
// itself does not block on their completion.
func (e *Executor) Cancel(flowID string) error {
	e.mu.Lock()
	rc, ok := e.runs[flowID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("flow: unknown execution %q", flowID)
	}
	rc.cancel()
	return nil
}

func (e *Executor) execute(ctx context.Context, g *Graph, input any, emitter Emitter, parentExecID string, subflowChain map[string]bool) (*Result, error) {
	if err := g.Validate(parentExecID != "", e.registry.checkType); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	if g.Config != nil && g.Config.Timeout > 0 {
		timedCtx, timedCancel := context.WithTimeout(runCtx, g.Config.Timeout)
		runCtx = timedCtx
		inner := cancel
		cancel = func() {
			timedCancel()
			inner()
		}
	}

	var flowID execid.ID
	var err error
	meta := map[string]any{"graph": g.ID, "name": g.Name}
	if parentExecID == "" {
		flowID = e.tracker.StartRoot(execid.KindFlow, meta)
	} else {
		flowID, err = e.tracker.StartChild(parentExecID, execid.KindFlow, meta)
		if err != nil {
			cancel()
			return nil, err
		}
	}

	rc := &runContext{
		ctx:          runCtx,
		cancel:       cancel,
		graph:        g,
		flowID:       flowID.String(),
		joins:        make(map[string]*joinState),
		outputs:      make(map[string]any),
		subflowChain: subflowChain,
	}
	e.mu.Lock()
	e.runs[rc.flowID] = rc
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.runs, rc.flowID)
		e.mu.Unlock()
		cancel()
	}()

	start := time.Now()
	emitter.Emit(events.NewAuditFlowStart(g.ID, rc.flowID))

	_, runErr := e.execNode(rc, emitter, g.InputID(), rc.flowID, input)

	status := execid.StatusSucceeded
	switch {
	case errors.Is(runErr, ErrCancelled):
		status = execid.StatusCancelled
		_, _ = e.tracker.Cancel(rc.flowID)
	case runErr != nil:
		status = execid.StatusFailed
		_, _ = e.tracker.Fail(rc.flowID, runErr.Error())
	default:
		_, _ = e.tracker.Succeed(rc.flowID, rc.outputs)
	}
	emitter.Emit(events.NewAuditFlowEnd(rc.flowID, string(status), time.Since(start).Milliseconds()))
	e.metrics.IncCounter("flow_total", 1, "status", string(status))
	e.metrics.RecordTimer("flow_duration", time.Since(start), "graph", g.ID, "status", string(status))

	rc.outputsMu.Lock()
	outputs := rc.outputs
	rc.outputsMu.Unlock()

	return &Result{FlowID: rc.flowID, Status: status, Outputs: outputs, Error: runErr}, nil
}

// execNode runs one node and, on success, routes its output to every
// downstream node reachable from it.
func (e *Executor) execNode(rc *runContext, emitter Emitter, nodeID, parentExecID string, input any) (any, error) {
	if rc.cancelled() {
		return nil, ErrCancelled
	}
	node, ok := rc.graph.Node(nodeID)
	if !ok {
		return nil, fmt.Errorf("flow: unknown node %q", nodeID)
	}

	switch node.Type {
	case NodeTool:
		return e.execTool(rc, emitter, node, parentExecID, input)
	case NodeSubflow:
		return e.execSubflow(rc, emitter, node, parentExecID, input)
	}

	kind := execid.KindNode
	if node.Type == NodeParallel {
		kind = execid.KindParallel
	}
	if node.Type == NodeLLM {
		kind = execid.KindLLM
	}

	// Each retry attempt is a fresh child execution id; failed attempts
	// remain in the tracker for forensic visibility.
	policy := e.retryPolicyFor(node, rc.graph)
	emitAudit := node.Type != NodeLLM

	var execID string
	var output any
	var branchKey *string
	var lastErr error
	for try := 1; try <= policy.Attempts; try++ {
		if rc.cancelled() {
			return nil, ErrCancelled
		}
		id, err := e.tracker.StartChild(parentExecID, kind, map[string]any{"node": node.ID, "type": string(node.Type), "attempt": try})
		if err != nil {
			return nil, err
		}
		execID = id.String()

		if emitAudit {
			emitter.Emit(events.NewAuditNodeStart(node.ID, execID))
		}
		spanCtx, span := e.tracer.Start(rc.ctx, "flow.node."+string(node.Type))
		span.AddEvent("node", "node_id", node.ID, "execution_id", execID)
		nodeStart := time.Now()

		attemptCtx := spanCtx
		var cancelAttempt context.CancelFunc
		if node.Timeout > 0 {
			attemptCtx, cancelAttempt = context.WithTimeout(spanCtx, node.Timeout)
		}
		nctx := &NodeContext{
			Context:     attemptCtx,
			ExecutionID: execID,
			FlowID:      rc.flowID,
			NodeID:      node.ID,
			Tracker:     e.tracker,
			Emitter:     emitter,
			Pipeline:    e.pipeline,
			Logger:      e.log,
			Executor:    e,
		}

		branchKey = nil
		output, lastErr = func() (any, error) {
			if node.Type == NodeCondition {
				key, err := evaluateCondition(node.Config, input)
				if err != nil {
					return nil, err
				}
				branchKey = &key
				return input, nil
			}
			h, ok := e.registry.Lookup(node.Type)
			if !ok {
				return nil, fmt.Errorf("flow: no handler registered for node type %q", node.Type)
			}
			return h.Execute(nctx, node.Config, input)
		}()
		if cancelAttempt != nil {
			cancelAttempt()
		}

		if lastErr == nil {
			span.SetStatus(codes.Ok, "")
			span.End()
			e.metrics.RecordTimer("flow_node_duration", time.Since(nodeStart), "node_type", string(node.Type), "status", "succeeded")
			_, _ = e.tracker.Succeed(execID, output)
			if emitAudit {
				emitter.Emit(events.NewAuditNodeEnd(node.ID, execID, string(execid.StatusSucceeded)))
			}
			break
		}

		span.RecordError(lastErr)
		span.SetStatus(codes.Error, lastErr.Error())
		span.End()
		e.metrics.RecordTimer("flow_node_duration", time.Since(nodeStart), "node_type", string(node.Type), "status", "failed")
		if errors.Is(lastErr, ErrCancelled) {
			_, _ = e.tracker.Cancel(execID)
			if emitAudit {
				emitter.Emit(events.NewAuditNodeEnd(node.ID, execID, string(execid.StatusCancelled)))
			}
			return nil, lastErr
		}
		_, _ = e.tracker.Fail(execID, lastErr.Error())
		if emitAudit {
			emitter.Emit(events.NewAuditNodeEnd(node.ID, execID, string(execid.StatusFailed)))
		}
		if try == policy.Attempts {
			break
		}
		if d := policy.delay(try); d > 0 {
			select {
			case <-time.After(d):
			case <-rc.ctx.Done():
				return nil, ErrCancelled
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	if node.Type == NodeOutput {
		rc.outputsMu.Lock()
		rc.outputs[node.ID] = output
		rc.outputsMu.Unlock()
		return output, nil
	}

	return output, e.advance(rc, emitter, node, execID, output, branchKey)
}

func (e *Executor) retryPolicyFor(node *Node, g *Graph) RetryPolicy {
	if node.RetryPolicy != nil {
		return node.RetryPolicy.normalized()
	}
	if g.Config != nil && g.Config.RetryPolicy != nil {
		return g.Config.RetryPolicy.normalized()
	}
	return DefaultRetryPolicy.normalized()
}

// execTool delegates a TOOL node straight to the tool-invocation
// pipeline: the pipeline's own KindTool child is this node's sole
// execution id, so no wrapping NODE id or audit node-start/node-end is
// allocated here. tool/start and tool/result already carry this node's
// lifecycle.
func (e *Executor) execTool(rc *runContext, emitter Emitter, node *Node, parentExecID string, input any) (any, error) {
	toolName, _ := node.Config["tool"].(string)
	descriptor, ok := e.tools[toolName]
	if !ok {
		return nil, fmt.Errorf("flow: node %q: no tool registered as %q", node.ID, toolName)
	}

	probe := &NodeContext{
		Context: rc.ctx, ExecutionID: parentExecID, FlowID: rc.flowID, NodeID: node.ID,
		Tracker: e.tracker, Emitter: emitter, Pipeline: e.pipeline, Logger: e.log, Executor: e,
	}
	decision := e.policy.Evaluate(probe, toolName, input)
	if !decision.Allow {
		return nil, fmt.Errorf("flow: node %q: policy denied tool %q: %s", node.ID, toolName, decision.Reason)
	}

	policy := e.retryPolicyFor(node, rc.graph)
	var output any
	var lastErr error
	for try := 1; try <= policy.Attempts; try++ {
		if rc.cancelled() {
			return nil, ErrCancelled
		}
		callCtx := rc.ctx
		var cancel context.CancelFunc
		if node.Timeout > 0 {
			callCtx, cancel = context.WithTimeout(rc.ctx, node.Timeout)
		}
		output, lastErr = e.pipeline.Invoke(callCtx, parentExecID, descriptor, input)
		if cancel != nil {
			cancel()
		}
		if lastErr == nil {
			break
		}
		var toolErr *toolpipeline.ToolError
		if errors.As(lastErr, &toolErr) && !toolErr.Hint.Retriable() {
			break
		}
		if try == policy.Attempts {
			break
		}
		d := policy.delay(try)
		if d > 0 {
			select {
			case <-time.After(d):
			case <-rc.ctx.Done():
				return nil, ErrCancelled
			}
		}
	}
	if lastErr != nil {
		return nil, lastErr
	}

	return output, e.advance(rc, emitter, node, parentExecID, output, nil)
}

// execSubflow recurses into the graph named by the SUBFLOW node's
// "workflow" config, parenting the nested FLOW execution id directly
// under parentExecID (no wrapping NODE id: the nested run's own
// audit/flow-start and audit/flow-end serve as this node's lifecycle).
func (e *Executor) execSubflow(rc *runContext, emitter Emitter, node *Node, parentExecID string, input any) (any, error) {
	name, _ := node.Config["workflow"].(string)
	sub, ok := e.subflows[name]
	if !ok {
		return nil, fmt.Errorf("flow: node %q: no subflow registered as %q", node.ID, name)
	}
	if rc.subflowChain[name] {
		return nil, fmt.Errorf("flow: node %q: cyclic subflow reference to %q", node.ID, name)
	}
	chain := make(map[string]bool, len(rc.subflowChain)+1)
	for k := range rc.subflowChain {
		chain[k] = true
	}
	chain[name] = true

	result, err := e.execute(rc.ctx, sub, input, emitter, parentExecID, chain)
	if err != nil {
		return nil, err
	}
	if result.Error != nil {
		return nil, fmt.Errorf("flow: node %q: subflow %q: %w", node.ID, name, result.Error)
	}

	var output any = result.Outputs
	if len(result.Outputs) == 1 {
		for _, v := range result.Outputs {
			output = v
		}
	}
	return output, e.advance(rc, emitter, node, parentExecID, output, nil)
}

// advance routes a node's output to its outgoing edges: a CONDITION node
// selects exactly the edge matching branchKey; any other node with more
// than one outgoing edge fans out to all of them concurrently (this is
// what gives a PARALLEL node its concurrency, and is equally correct for
// any node declared with multiple unconditional edges).
func (e *Executor) advance(rc *runContext, emitter Emitter, node *Node, parentExecID string, output any, branchKey *string) error {
	edges := rc.graph.Outgoing(node.ID)
	if len(edges) == 0 {
		return nil
	}
	if branchKey != nil {
		edge, err := selectEdge(node.ID, edges, *branchKey)
		if err != nil {
			return err
		}
		return e.deliver(rc, emitter, edge, parentExecID, output)
	}
	if len(edges) == 1 {
		return e.deliver(rc, emitter, edges[0], parentExecID, output)
	}
	g, _ := errgroup.WithContext(rc.ctx)
	for _, edge := range edges {
		edge := edge
		g.Go(func() error { return e.deliver(rc, emitter, edge, parentExecID, output) })
	}
	return g.Wait()
}

// deliver sends value along edge. If the edge's target has more than one
// incoming edge, value is held in a join barrier keyed by edge.Label (or
// edge.Source) until every incoming branch has contributed; the last
// arrival runs the target with the merged map. This generalizes
// PARALLEL-then-join without requiring a dedicated JOIN node type: any
// node with multiple incoming edges is a join point.
func (e *Executor) deliver(rc *runContext, emitter Emitter, edge Edge, parentExecID string, value any) error {
	incoming := rc.graph.Incoming(edge.Target)
	if len(incoming) <= 1 {
		_, err := e.execNode(rc, emitter, edge.Target, parentExecID, value)
		return err
	}

	key := edge.Label
	if key == "" {
		key = edge.Source
	}

	rc.joinsMu.Lock()
	js, ok := rc.joins[edge.Target]
	if !ok {
		js = &joinState{need: len(incoming), got: make(map[string]any)}
		rc.joins[edge.Target] = js
	}
	js.got[key] = value
	ready := len(js.got) >= js.need
	var merged map[string]any
	if ready {
		delete(rc.joins, edge.Target)
		merged = make(map[string]any, len(js.got))
		for k, v := range js.got {
			merged[k] = v
		}
	}
	rc.joinsMu.Unlock()

	if !ready {
		return nil
	}
	_, err := e.execNode(rc, emitter, edge.Target, parentExecID, merged)
	return err
}
