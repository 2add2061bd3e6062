package flow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

type retryPolicyWire struct {
	Attempts     int    `yaml:"attempts,omitempty" json:"attempts,omitempty"`
	Backoff      string `yaml:"backoff,omitempty" json:"backoff,omitempty"`
	BackoffMs    int64  `yaml:"backoffMs,omitempty" json:"backoffMs,omitempty"`
	BackoffCapMs int64  `yaml:"backoffCapMs,omitempty" json:"backoffCapMs,omitempty"`
}

func (w *retryPolicyWire) toPolicy() *RetryPolicy {
	if w == nil {
		return nil
	}
	return &RetryPolicy{
		Attempts: w.Attempts,
		Backoff:  BackoffKind(w.Backoff),
		Base:     time.Duration(w.BackoffMs) * time.Millisecond,
		Cap:      time.Duration(w.BackoffCapMs) * time.Millisecond,
	}
}

func fromPolicy(p *RetryPolicy) *retryPolicyWire {
	if p == nil {
		return nil
	}
	return &retryPolicyWire{
		Attempts:     p.Attempts,
		Backoff:      string(p.Backoff),
		BackoffMs:    p.Base.Milliseconds(),
		BackoffCapMs: p.Cap.Milliseconds(),
	}
}

type nodeWire struct {
	ID          string           `yaml:"id" json:"id"`
	Type        string           `yaml:"type" json:"type"`
	Config      map[string]any   `yaml:"config,omitempty" json:"config,omitempty"`
	Timeout     string           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryPolicy *retryPolicyWire `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
}

type edgeWire struct {
	Source    string `yaml:"source" json:"source"`
	Target    string `yaml:"target" json:"target"`
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`
	Label     string `yaml:"label,omitempty" json:"label,omitempty"`
}

type configWire struct {
	Timeout       string           `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	RetryPolicy   *retryPolicyWire `yaml:"retryPolicy,omitempty" json:"retryPolicy,omitempty"`
	MaxConcurrent int              `yaml:"maxConcurrent,omitempty" json:"maxConcurrent,omitempty"`
}

type graphWire struct {
	ID          string      `yaml:"id" json:"id"`
	Name        string      `yaml:"name" json:"name"`
	Description string      `yaml:"description,omitempty" json:"description,omitempty"`
	Version     string      `yaml:"version" json:"version"`
	Nodes       []nodeWire  `yaml:"nodes" json:"nodes"`
	Edges       []edgeWire  `yaml:"edges" json:"edges"`
	Config      *configWire `yaml:"config,omitempty" json:"config,omitempty"`
}

func toWire(g *Graph) (*graphWire, error) {
	w := &graphWire{
		ID:          g.ID,
		Name:        g.Name,
		Description: g.Description,
		Version:     g.Version,
		Nodes:       make([]nodeWire, len(g.Nodes)),
		Edges:       make([]edgeWire, len(g.Edges)),
	}
	for i, n := range g.Nodes {
		nw := nodeWire{ID: n.ID, Type: string(n.Type), Config: n.Config, RetryPolicy: fromPolicy(n.RetryPolicy)}
		if n.Timeout > 0 {
			nw.Timeout = n.Timeout.String()
		}
		w.Nodes[i] = nw
	}
	for i, e := range g.Edges {
		w.Edges[i] = edgeWire{Source: e.Source, Target: e.Target, Condition: e.Condition, Label: e.Label}
	}
	if g.Config != nil {
		cw := &configWire{MaxConcurrent: g.Config.MaxConcurrent, RetryPolicy: fromPolicy(g.Config.RetryPolicy)}
		if g.Config.Timeout > 0 {
			cw.Timeout = g.Config.Timeout.String()
		}
		w.Config = cw
	}
	return w, nil
}

func fromWire(w *graphWire) (*Graph, error) {
	g := &Graph{
		ID:          w.ID,
		Name:        w.Name,
		Description: w.Description,
		Version:     w.Version,
		Nodes:       make([]Node, len(w.Nodes)),
		Edges:       make([]Edge, len(w.Edges)),
	}
	for i, nw := range w.Nodes {
		n := Node{ID: nw.ID, Type: NodeType(nw.Type), Config: nw.Config, RetryPolicy: nw.RetryPolicy.toPolicy()}
		if nw.Timeout != "" {
			d, err := time.ParseDuration(nw.Timeout)
			if err != nil {
				return nil, fmt.Errorf("flow: node %q: parse timeout: %w", nw.ID, err)
			}
			n.Timeout = d
		}
		g.Nodes[i] = n
	}
	for i, ew := range w.Edges {
		g.Edges[i] = Edge{Source: ew.Source, Target: ew.Target, Condition: ew.Condition, Label: ew.Label}
	}
	if w.Config != nil {
		cfg := &Config{MaxConcurrent: w.Config.MaxConcurrent, RetryPolicy: w.Config.RetryPolicy.toPolicy()}
		if w.Config.Timeout != "" {
			d, err := time.ParseDuration(w.Config.Timeout)
			if err != nil {
				return nil, fmt.Errorf("flow: parse graph timeout: %w", err)
			}
			cfg.Timeout = d
		}
		g.Config = cfg
	}
	g.index()
	return g, nil
}

// EncodeYAML renders g in the persisted wire shape as YAML.
func EncodeYAML(g *Graph) ([]byte, error) {
	w, err := toWire(g)
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(w)
}

// DecodeYAML parses the persisted wire shape from YAML. It does not validate
// graph invariants or reject unknown node types; call Graph.Validate (or
// LoadYAML) for that.
func DecodeYAML(data []byte) (*Graph, error) {
	var w graphWire
	if err := yaml.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("flow: parse yaml: %w", err)
	}
	return fromWire(&w)
}

// EncodeJSON renders g in the persisted wire shape as JSON.
func EncodeJSON(g *Graph) ([]byte, error) {
	w, err := toWire(g)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// DecodeJSON parses the persisted wire shape from JSON. Like DecodeYAML, it
// performs no invariant or node-type validation.
func DecodeJSON(data []byte) (*Graph, error) {
	var w graphWire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("flow: parse json: %w", err)
	}
	return fromWire(&w)
}

// LoadYAML decodes a graph from YAML and validates it against reg,
// rejecting unknown node types at load time.
func LoadYAML(data []byte, reg *Registry, asSubflow bool) (*Graph, error) {
	g, err := DecodeYAML(data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(asSubflow, reg.checkType); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadJSON is LoadYAML's JSON counterpart.
func LoadJSON(data []byte, reg *Registry, asSubflow bool) (*Graph, error) {
	g, err := DecodeJSON(data)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(asSubflow, reg.checkType); err != nil {
		return nil, err
	}
	return g, nil
}
