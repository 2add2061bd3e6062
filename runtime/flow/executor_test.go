package flow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
	"github.com/flowcore/flowcore/runtime/toolpipeline"
)

type recordingEmitter struct {
	mu   sync.Mutex
	envs []events.Envelope
}

func (e *recordingEmitter) Emit(env events.Envelope) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.envs = append(e.envs, env)
	return true
}

func (e *recordingEmitter) byType(domain events.Domain, typ string) []events.Envelope {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []events.Envelope
	for _, env := range e.envs {
		if env.Header.Domain == domain && env.Header.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func newTestExecutor(t *testing.T, opts ...Option) (*Executor, *execid.Tracker) {
	t.Helper()
	tracker := execid.New(time.Hour)
	pipeline := toolpipeline.New(tracker, &recordingEmitter{}, nil)
	return New(tracker, pipeline, NewBuiltinRegistry(), opts...), tracker
}

// A linear three-node flow emits flow-start, node-start
// x3, node-end x3, flow-end, and produces the transformed output.
func TestExecuteLinearFlow(t *testing.T) {
	e, _ := newTestExecutor(t)
	g := linearGraph()
	require.NoError(t, g.Validate(false, nil))

	emitter := &recordingEmitter{}
	result, err := e.Execute(context.Background(), g, "hello", emitter)
	require.NoError(t, err)
	assert.Equal(t, execid.StatusSucceeded, result.Status)
	assert.Equal(t, "HELLO", result.Outputs["out"])

	assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditFlowStart), 1)
	assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditFlowEnd), 1)
	assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditNodeStart), 3)
	assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditNodeEnd), 3)
}

func TestExecuteRejectsInvalidGraph(t *testing.T) {
	e, _ := newTestExecutor(t)
	g := &Graph{
		ID:      "bad",
		Version: "1",
		Nodes:   []Node{{ID: "in", Type: NodeInput}},
	}

	_, err := e.Execute(context.Background(), g, nil, &recordingEmitter{})
	require.Error(t, err)
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

// INPUT -> PARALLEL -> {toolA, toolB, toolC} -> join ->
// OUTPUT. All three tools run concurrently and their results merge into
// a single map keyed by edge label at the join node.
func TestExecuteParallelFanOutJoins(t *testing.T) {
	tracker := execid.New(time.Hour)
	toolEmitter := &recordingEmitter{}
	pipeline := toolpipeline.New(tracker, toolEmitter, nil)

	mkTool := func(name string) *toolpipeline.Descriptor {
		return &toolpipeline.Descriptor{
			Name: name,
			Handler: func(_ context.Context, _ any) (any, error) {
				return name, nil
			},
		}
	}

	e := New(tracker, pipeline, NewBuiltinRegistry(),
		WithTool(mkTool("toolA")), WithTool(mkTool("toolB")), WithTool(mkTool("toolC")))

	g := &Graph{
		ID:      "fanout",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "par", Type: NodeParallel},
			{ID: "a", Type: NodeTool, Config: map[string]any{"tool": "toolA"}},
			{ID: "b", Type: NodeTool, Config: map[string]any{"tool": "toolB"}},
			{ID: "c", Type: NodeTool, Config: map[string]any{"tool": "toolC"}},
			{ID: "join", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "par"},
			{Source: "par", Target: "a"},
			{Source: "par", Target: "b"},
			{Source: "par", Target: "c"},
			{Source: "a", Target: "join", Label: "a"},
			{Source: "b", Target: "join", Label: "b"},
			{Source: "c", Target: "join", Label: "c"},
		},
	}
	require.NoError(t, g.Validate(false, nil))

	emitter := &recordingEmitter{}
	result, err := e.Execute(context.Background(), g, map[string]any{"n": 3}, emitter)
	require.NoError(t, err)
	assert.Equal(t, execid.StatusSucceeded, result.Status)

	merged, ok := result.Outputs["join"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, map[string]any{"a": "toolA", "b": "toolB", "c": "toolC"}, merged)

	starts := toolEmitter.byType(events.DomainTool, events.TypeToolStart)
	assert.Len(t, starts, 3)

	record, ok := tracker.Get(result.FlowID)
	require.True(t, ok)
	assert.Equal(t, execid.StatusSucceeded, record.Status)
}

// A CONDITION node routes to the branch whose rule
// matches, skipping the other branch entirely.
func TestExecuteConditionSelectsMatchingBranch(t *testing.T) {
	e, _ := newTestExecutor(t)
	g := &Graph{
		ID:      "branch",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "cond", Type: NodeCondition, Config: map[string]any{
				"field": "n",
				"rules": []any{map[string]any{"op": ">", "value": 5.0, "then": "big"}},
				"default": "small",
			}},
			{ID: "big", Type: NodeOutput},
			{ID: "small", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "cond"},
			{Source: "cond", Target: "big", Condition: "big"},
			{Source: "cond", Target: "small", Condition: "small"},
		},
	}
	require.NoError(t, g.Validate(false, nil))

	emitter := &recordingEmitter{}
	result, err := e.Execute(context.Background(), g, map[string]any{"n": 10.0}, emitter)
	require.NoError(t, err)
	assert.Contains(t, result.Outputs, "big")
	assert.NotContains(t, result.Outputs, "small")

	emitter2 := &recordingEmitter{}
	result2, err := e.Execute(context.Background(), g, map[string]any{"n": 1.0}, emitter2)
	require.NoError(t, err)
	assert.Contains(t, result2.Outputs, "small")
	assert.NotContains(t, result2.Outputs, "big")
}

func TestExecuteCancelStopsNewNodes(t *testing.T) {
	e, _ := newTestExecutor(t)
	g := linearGraph()
	require.NoError(t, g.Validate(false, nil))

	emitter := &recordingEmitter{}
	// Cancel before the run even starts: every node should observe the
	// already-cancelled context and no node handler should start.
	result, err := func() (*Result, error) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		return e.Execute(ctx, g, "hello", emitter)
	}()
	require.NoError(t, err)
	assert.Equal(t, execid.StatusCancelled, result.Status)
	assert.Empty(t, emitter.byType(events.DomainAudit, events.TypeAuditNodeStart))
}

func TestCancelStopsRunningFlow(t *testing.T) {
	started := make(chan struct{})
	reg := NewBuiltinRegistry()
	reg.Register(NodeType("CUSTOM:block"), HandlerFunc(func(ctx *NodeContext, _ map[string]any, _ any) (any, error) {
		close(started)
		<-ctx.Context.Done()
		return nil, ErrCancelled
	}))
	tracker := execid.New(time.Hour)
	pipeline := toolpipeline.New(tracker, &recordingEmitter{}, nil)
	e := New(tracker, pipeline, reg)

	g := &Graph{
		ID:      "blocked",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "block", Type: NodeType("CUSTOM:block")},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "block"},
			{Source: "block", Target: "out"},
		},
	}
	require.NoError(t, g.Validate(false, nil))

	emitter := &recordingEmitter{}
	type execOutcome struct {
		result *Result
		err    error
	}
	done := make(chan execOutcome, 1)
	go func() {
		result, err := e.Execute(context.Background(), g, "x", emitter)
		done <- execOutcome{result, err}
	}()

	<-started
	starts := emitter.byType(events.DomainAudit, events.TypeAuditFlowStart)
	require.Len(t, starts, 1)
	flowID := starts[0].Data.(events.AuditFlowStartData).ExecutionID
	require.NoError(t, e.Cancel(flowID))

	select {
	case out := <-done:
		require.NoError(t, out.err)
		assert.Equal(t, execid.StatusCancelled, out.result.Status)
		assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditFlowEnd), 1)
	case <-time.After(2 * time.Second):
		t.Fatal("flow did not terminate after Cancel")
	}

	assert.Error(t, e.Cancel(flowID), "a finished flow is no longer cancellable")
}

func TestExecuteSubflowRunsNestedGraphAndRejectsRecursion(t *testing.T) {
	sub := linearGraph()
	require.NoError(t, sub.Validate(true, nil))

	outer := &Graph{
		ID:      "outer",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "call", Type: NodeSubflow, Config: map[string]any{"workflow": "shout"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "call"},
			{Source: "call", Target: "out"},
		},
	}
	require.NoError(t, outer.Validate(false, nil))

	tracker := execid.New(time.Hour)
	pipeline := toolpipeline.New(tracker, &recordingEmitter{}, nil)
	e := New(tracker, pipeline, NewBuiltinRegistry(), WithSubflow("shout", sub))

	emitter := &recordingEmitter{}
	result, err := e.Execute(context.Background(), outer, "hello", emitter)
	require.NoError(t, err)
	assert.Equal(t, execid.StatusSucceeded, result.Status)
	assert.Equal(t, "HELLO", result.Outputs["out"])

	// The nested run emits its own flow-start/flow-end pair.
	assert.Len(t, emitter.byType(events.DomainAudit, events.TypeAuditFlowStart), 2)

	// A subflow that names itself is rejected instead of recursing.
	recursive := &Graph{
		ID:      "self",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "again", Type: NodeSubflow, Config: map[string]any{"workflow": "self"}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "again"},
			{Source: "again", Target: "out"},
		},
	}
	require.NoError(t, recursive.Validate(false, nil))
	e2 := New(tracker, pipeline, NewBuiltinRegistry())
	e2.subflows["self"] = recursive

	result2, err := e2.Execute(context.Background(), recursive, "x", &recordingEmitter{})
	require.NoError(t, err)
	assert.Equal(t, execid.StatusFailed, result2.Status)
	assert.ErrorContains(t, result2.Error, "cyclic subflow")
}

func TestExecuteRetriesFailingNode(t *testing.T) {
	var attempts int
	reg := NewBuiltinRegistry()
	reg.Register(NodeType("CUSTOM:flaky"), HandlerFunc(func(_ *NodeContext, _ map[string]any, input any) (any, error) {
		attempts++
		if attempts < 2 {
			return nil, assertErr{}
		}
		return input, nil
	}))
	tracker := execid.New(time.Hour)
	pipeline := toolpipeline.New(tracker, &recordingEmitter{}, nil)
	e2 := New(tracker, pipeline, reg)

	g := &Graph{
		ID:      "retry",
		Version: "1",
		Nodes: []Node{
			{ID: "in", Type: NodeInput},
			{ID: "flaky", Type: NodeType("CUSTOM:flaky"), RetryPolicy: &RetryPolicy{Attempts: 3, Backoff: BackoffNone}},
			{ID: "out", Type: NodeOutput},
		},
		Edges: []Edge{
			{Source: "in", Target: "flaky"},
			{Source: "flaky", Target: "out"},
		},
	}
	require.NoError(t, g.Validate(false, reg.checkType))

	emitter := &recordingEmitter{}
	result, err := e2.Execute(context.Background(), g, "x", emitter)
	require.NoError(t, err)
	assert.Equal(t, execid.StatusSucceeded, result.Status)
	assert.Equal(t, "x", result.Outputs["out"])
	assert.Equal(t, 2, attempts)
}
