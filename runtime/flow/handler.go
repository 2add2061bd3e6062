package flow

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler implements one node type's behavior: given the node's config
// bag and its input value, produce an output or an error. ctx exposes
// the execution id, tracker, emitter, and cancellation signal.
type Handler interface {
	Execute(ctx *NodeContext, config map[string]any, input any) (any, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx *NodeContext, config map[string]any, input any) (any, error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx *NodeContext, config map[string]any, input any) (any, error) {
	return f(ctx, config, input)
}

// SchemaHandler is implemented by handlers that want their node's config
// bag type-checked against a JSON-schema-shaped map at graph load/execute
// time.
type SchemaHandler interface {
	Handler
	ConfigSchema() map[string]any
}

// Registry maps node types to the handler that implements them, and
// rejects unknown node types at graph-load time.
type Registry struct {
	mu       sync.RWMutex
	handlers map[NodeType]Handler
	compiled map[NodeType]*jsonschema.Schema
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[NodeType]Handler), compiled: make(map[NodeType]*jsonschema.Schema)}
}

// Register binds t to h, overwriting any previous handler for t. This is
// how CUSTOM:* node types, and overrides of the built-ins, are added.
func (r *Registry) Register(t NodeType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Lookup returns the handler registered for t.
func (r *Registry) Lookup(t NodeType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[t]
	return h, ok
}

// checkType is a TypeChecker: it rejects node types with no registered
// handler and, for SchemaHandler implementations, validates the node's
// config bag against the declared schema.
func (r *Registry) checkType(t NodeType, config map[string]any) error {
	h, ok := r.Lookup(t)
	if !ok {
		return fmt.Errorf("unknown node type %q", t)
	}
	sh, ok := h.(SchemaHandler)
	if !ok {
		return nil
	}
	schema := sh.ConfigSchema()
	if len(schema) == 0 {
		return nil
	}
	compiled, err := r.compile(t, schema)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return fmt.Errorf("unmarshal config: %w", err)
	}
	if err := compiled.Validate(decoded); err != nil {
		return fmt.Errorf("config failed schema validation: %w", err)
	}
	return nil
}

func (r *Registry) compile(t NodeType, schema map[string]any) (*jsonschema.Schema, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.compiled[t]; ok {
		return c, nil
	}
	raw, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("marshal schema for %s: %w", t, err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse schema for %s: %w", t, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "mem://flow/nodes/" + string(t) + ".json"
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource for %s: %w", t, err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema for %s: %w", t, err)
	}
	r.compiled[t] = compiled
	return compiled, nil
}
