package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnvelopeMarshalTwoKeyShape(t *testing.T) {
	env := NewToolStart("weather-lookup", map[string]any{"city": "Paris"}, "tool_123", "node_456").
		WithMeta("evt_1", 1700000000000)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var generic map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Len(t, generic, 2)
	assert.Contains(t, generic, "envelope")
	assert.Contains(t, generic, "data")
}

func TestEnvelopeRoundTripToolStart(t *testing.T) {
	env := NewToolStart("weather-lookup", map[string]any{"city": "Paris"}, "tool_123", "node_456").
		WithMeta("evt_1", 1700000000000)

	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, DomainTool, decoded.Header.Domain)
	assert.Equal(t, TypeToolStart, decoded.Header.Type)
	assert.Equal(t, "evt_1", decoded.Header.ID)
	assert.Equal(t, int64(1700000000000), decoded.Header.Timestamp)

	payload, ok := decoded.Data.(*ToolStartData)
	require.True(t, ok)
	assert.Equal(t, "weather-lookup", payload.ToolName)
	assert.Equal(t, "tool_123", payload.ExecutionID)
	assert.Equal(t, "node_456", payload.ParentID)
}

func TestEnvelopeWithNoPayloadFields(t *testing.T) {
	env := NewChatStart().WithMeta("evt_2", 1700000000001)
	raw, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, DomainChat, decoded.Header.Domain)
	assert.Equal(t, TypeChatStart, decoded.Header.Type)
}

func TestDroppability(t *testing.T) {
	assert.True(t, NewChatDelta("hi").Header.Droppable())
	assert.True(t, NewSystemHeartbeat().Header.Droppable())
	assert.False(t, NewChatMessage("hi", "assistant").Header.Droppable())
	assert.False(t, NewToolResult("t", nil, 5, false).Header.Droppable())
	assert.False(t, NewAuditLog("info", "hello").Header.Droppable())
	assert.False(t, NewInteractionCancel().Header.Droppable())
}

func TestUnknownDomainTypeDecodesAsMap(t *testing.T) {
	raw := []byte(`{"envelope":{"domain":"bogus","type":"weird","id":"e1","timestamp":1},"data":{"foo":"bar"}}`)
	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	m, ok := decoded.Data.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "bar", m["foo"])
}
