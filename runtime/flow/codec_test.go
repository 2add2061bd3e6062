package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestYAMLRoundTripPreservesGraph(t *testing.T) {
	g := linearGraph()
	g.Nodes[1].Timeout = 2 * time.Second
	g.Nodes[1].RetryPolicy = &RetryPolicy{Attempts: 3, Backoff: BackoffFixed, Base: 50 * time.Millisecond}
	g.Config = &Config{Timeout: time.Minute, MaxConcurrent: 4}

	data, err := EncodeYAML(g)
	require.NoError(t, err)

	back, err := DecodeYAML(data)
	require.NoError(t, err)

	assert.Equal(t, g.ID, back.ID)
	assert.Equal(t, g.Nodes[1].Timeout, back.Nodes[1].Timeout)
	require.NotNil(t, back.Nodes[1].RetryPolicy)
	assert.Equal(t, g.Nodes[1].RetryPolicy.Attempts, back.Nodes[1].RetryPolicy.Attempts)
	require.NotNil(t, back.Config)
	assert.Equal(t, g.Config.MaxConcurrent, back.Config.MaxConcurrent)
}

func TestJSONRoundTripPreservesGraph(t *testing.T) {
	g := linearGraph()
	data, err := EncodeJSON(g)
	require.NoError(t, err)

	back, err := DecodeJSON(data)
	require.NoError(t, err)
	assert.Equal(t, len(g.Nodes), len(back.Nodes))
	assert.Equal(t, len(g.Edges), len(back.Edges))
}

func TestLoadYAMLRejectsUnknownNodeType(t *testing.T) {
	yamlSrc := []byte(`
id: bad
version: "1"
nodes:
  - id: in
    type: INPUT
  - id: weird
    type: CUSTOM:nonexistent
  - id: out
    type: OUTPUT
edges:
  - source: in
    target: weird
  - source: weird
    target: out
`)
	reg := NewBuiltinRegistry()
	_, err := LoadYAML(yamlSrc, reg, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}

func TestLoadYAMLAcceptsWellFormedGraph(t *testing.T) {
	yamlSrc := []byte(`
id: greet
version: "1"
nodes:
  - id: in
    type: INPUT
  - id: shout
    type: TRANSFORM
    config:
      op: uppercase
  - id: out
    type: OUTPUT
edges:
  - source: in
    target: shout
  - source: shout
    target: out
`)
	reg := NewBuiltinRegistry()
	g, err := LoadYAML(yamlSrc, reg, false)
	require.NoError(t, err)
	assert.Equal(t, "greet", g.ID)
}
