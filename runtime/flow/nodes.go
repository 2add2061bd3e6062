package flow

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/flowcore/flowcore/runtime/events"
	"github.com/flowcore/flowcore/runtime/execid"
)

// NewBuiltinRegistry returns a Registry with a Handler registered for
// every built-in node type. TRANSFORM, RETRIEVE, LOOP, and LLM run real
// (if intentionally simple) logic; INPUT, OUTPUT, and PARALLEL register
// an identity passthrough handler that the executor calls; CONDITION and
// SUBFLOW register marker handlers used only for config-schema
// validation: the executor implements the control-flow semantics of all
// five directly, since fan-out, branch selection, and subflow
// recursion need access to the run's graph and join state that the
// Handler contract intentionally does not expose. TOOL likewise
// registers a marker: the executor delegates tool-like nodes straight to
// the tool-invocation pipeline rather than through this registry, so the
// pipeline's own execution id (not a wrapping NODE id) is the one
// tracked and streamed.
func NewBuiltinRegistry() *Registry {
	r := NewRegistry()
	r.Register(NodeInput, passthroughHandler{})
	r.Register(NodeOutput, passthroughHandler{})
	r.Register(NodeCondition, conditionMarker{})
	r.Register(NodeParallel, passthroughHandler{})
	r.Register(NodeSubflow, subflowMarker{})
	r.Register(NodeTool, toolMarker{})
	r.Register(NodeTransform, transformHandler{})
	r.Register(NodeRetrieve, retrieveHandler{})
	r.Register(NodeLLM, llmHandler{})
	r.Register(NodeLoop, loopHandler{})
	return r
}

// passthroughHandler forwards its input unchanged. Used for INPUT,
// OUTPUT, and PARALLEL, whose own "computation" is the identity; their
// interesting behavior is entirely in how the executor routes edges
// around them.
type passthroughHandler struct{}

func (passthroughHandler) Execute(_ *NodeContext, _ map[string]any, input any) (any, error) {
	return input, nil
}

// conditionMarker declares CONDITION's config schema for validation; its
// Execute is never called by the executor, which evaluates rules
// directly (see evaluateCondition) so it can thread the selected branch
// key back into the edge-selection step without forcing that decision
// through a generic (output any) return value.
type conditionMarker struct{}

func (conditionMarker) Execute(_ *NodeContext, _ map[string]any, input any) (any, error) {
	return input, nil
}

func (conditionMarker) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"rules"},
		"properties": map[string]any{
			"field":   map[string]any{"type": "string"},
			"rules":   map[string]any{"type": "array"},
			"default": map[string]any{},
		},
	}
}

type subflowMarker struct{}

func (subflowMarker) Execute(_ *NodeContext, _ map[string]any, input any) (any, error) {
	return input, nil
}

func (subflowMarker) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"workflow"},
		"properties": map[string]any{
			"workflow": map[string]any{"type": "string"},
		},
	}
}

type toolMarker struct{}

func (toolMarker) Execute(_ *NodeContext, _ map[string]any, input any) (any, error) {
	return input, nil
}

func (toolMarker) ConfigSchema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"tool"},
		"properties": map[string]any{
			"tool": map[string]any{"type": "string"},
		},
	}
}

// evaluateCondition runs a CONDITION node's declarative rule list
// against input and returns the selected branch key, matching the first
// rule in order, falling back to Config["default"].
func evaluateCondition(config map[string]any, input any) (string, error) {
	field, _ := config["field"].(string)
	subject := input
	if field != "" {
		m, ok := input.(map[string]any)
		if !ok {
			return "", fmt.Errorf("flow: condition field %q requires a map input", field)
		}
		subject = m[field]
	}

	rawRules, _ := config["rules"].([]any)
	for _, raw := range rawRules {
		rm, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		op, _ := rm["op"].(string)
		then, _ := rm["then"].(string)
		if matchRule(op, subject, rm["value"]) {
			return then, nil
		}
	}
	if def, ok := config["default"].(string); ok && def != "" {
		return def, nil
	}
	return "", fmt.Errorf("flow: condition did not match any rule and has no default")
}

func matchRule(op string, subject, value any) bool {
	switch op {
	case "==":
		return fmt.Sprint(subject) == fmt.Sprint(value)
	case "!=":
		return fmt.Sprint(subject) != fmt.Sprint(value)
	case "contains":
		return strings.Contains(fmt.Sprint(subject), fmt.Sprint(value))
	case ">", ">=", "<", "<=":
		a, aok := toFloat(subject)
		b, bok := toFloat(value)
		if !aok || !bok {
			return false
		}
		switch op {
		case ">":
			return a > b
		case ">=":
			return a >= b
		case "<":
			return a < b
		default:
			return a <= b
		}
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// selectEdge returns the outgoing edge whose Condition matches key,
// falling back to an edge with an empty Condition (an explicit default
// branch) if present.
func selectEdge(nodeID string, edges []Edge, key string) (Edge, error) {
	for _, e := range edges {
		if e.Condition == key {
			return e, nil
		}
	}
	for _, e := range edges {
		if e.Condition == "" {
			return e, nil
		}
	}
	return Edge{}, fmt.Errorf("flow: node %q: no outgoing edge for branch %q", nodeID, key)
}

// transformHandler applies a small, named, pure operation to its input.
// Config: {"op": "...", "field": "...", "by": ...}. "field" selects a
// key out of a map input to operate on; when empty the whole input is
// the operand. LOOP reuses this vocabulary per-item (see loopHandler).
type transformHandler struct{}

func (transformHandler) Execute(_ *NodeContext, config map[string]any, input any) (any, error) {
	return applyTransform(config, input)
}

func applyTransform(config map[string]any, input any) (any, error) {
	op, _ := config["op"].(string)
	field, _ := config["field"].(string)

	operand := input
	if field != "" {
		m, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flow: transform field %q requires a map input", field)
		}
		operand = m[field]
	}

	var result any
	switch op {
	case "", "identity":
		result = operand
	case "multiply":
		f, ok := toFloat(operand)
		if !ok {
			return nil, fmt.Errorf("flow: transform multiply requires a numeric operand")
		}
		by, _ := toFloat(config["by"])
		result = f * by
	case "add":
		f, ok := toFloat(operand)
		if !ok {
			return nil, fmt.Errorf("flow: transform add requires a numeric operand")
		}
		by, _ := toFloat(config["by"])
		result = f + by
	case "uppercase":
		s, _ := operand.(string)
		result = strings.ToUpper(s)
	case "lowercase":
		s, _ := operand.(string)
		result = strings.ToLower(s)
	case "merge":
		result = input
	default:
		return nil, fmt.Errorf("flow: unknown transform op %q", op)
	}

	if field == "" {
		return result, nil
	}
	out := map[string]any{"out": result}
	return out, nil
}

// retrieveHandler is a stub retrieval node: retrieval backends are out
// of the engine's concern, so it returns its config's static payload
// as-is, letting a graph exercise the RETRIEVE node type end to end
// without a real vector store behind it.
type retrieveHandler struct{}

func (retrieveHandler) Execute(_ *NodeContext, config map[string]any, _ any) (any, error) {
	return config["payload"], nil
}

// llmHandler is a stub LLM node: it emits chat/start, one chat/delta per
// configured chunk (chunks concatenate to the full text), chat/message
// with the full text, and chat/end, returning the full text as the
// node's output. Config: {"chunks": ["...", "..."]} or
// {"response": "full text"} (split into word chunks).
type llmHandler struct{}

func (llmHandler) Execute(ctx *NodeContext, config map[string]any, _ any) (any, error) {
	chunks := chunksFromConfig(config)
	ctx.Emitter.Emit(events.NewChatStart())
	var sb strings.Builder
	for _, c := range chunks {
		sb.WriteString(c)
		ctx.Emitter.Emit(events.NewChatDelta(c))
		if ctx.Cancelled() {
			ctx.Emitter.Emit(events.NewChatEnd())
			return nil, ErrCancelled
		}
	}
	full := sb.String()
	ctx.Emitter.Emit(events.NewChatMessage(full, "assistant"))
	ctx.Emitter.Emit(events.NewChatEnd())
	return full, nil
}

func chunksFromConfig(config map[string]any) []string {
	if raw, ok := config["chunks"].([]any); ok {
		out := make([]string, 0, len(raw))
		for _, c := range raw {
			out = append(out, fmt.Sprint(c))
		}
		return out
	}
	if resp, ok := config["response"].(string); ok && resp != "" {
		return strings.SplitAfter(resp, " ")
	}
	return nil
}

// loopHandler iterates over a collection and applies a named transform
// op (the same vocabulary as TRANSFORM) to each item, allocating one
// tracker child per iteration so each is independently visible for
// tracing, collecting the per-item results into a slice. Config:
// {"over": "fieldName", "op": "...", "by": ..., "maxIterations": n}.
// "over" names a field of the input holding a []any; an empty "over"
// iterates the input itself if it is already a []any.
type loopHandler struct{}

func (loopHandler) Execute(ctx *NodeContext, config map[string]any, input any) (any, error) {
	items, err := loopItems(config, input)
	if err != nil {
		return nil, err
	}
	maxIter := len(items)
	if m, ok := config["maxIterations"]; ok {
		if f, ok := toFloat(m); ok && int(f) < maxIter {
			maxIter = int(f)
		}
	}

	results := make([]any, 0, maxIter)
	for i := 0; i < maxIter; i++ {
		if ctx.Cancelled() {
			return nil, ErrCancelled
		}
		childID, err := ctx.Tracker.StartChild(ctx.ExecutionID, execid.KindNode, map[string]any{"iteration": i})
		if err != nil {
			return nil, err
		}
		out, err := applyTransform(config, items[i])
		if err != nil {
			_, _ = ctx.Tracker.Fail(childID.String(), err.Error())
			return nil, fmt.Errorf("flow: loop iteration %d: %w", i, err)
		}
		_, _ = ctx.Tracker.Succeed(childID.String(), out)
		results = append(results, out)
	}
	return results, nil
}

func loopItems(config map[string]any, input any) ([]any, error) {
	over, _ := config["over"].(string)
	var source any = input
	if over != "" {
		m, ok := input.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("flow: loop field %q requires a map input", over)
		}
		source = m[over]
	}
	items, ok := source.([]any)
	if !ok {
		return nil, fmt.Errorf("flow: loop requires a list to iterate")
	}
	return items, nil
}
