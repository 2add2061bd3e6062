// Package events defines the streamed event envelope and the six event
// domains (chat, thinking, tool, audit, interaction, system) delivered to
// clients over a push channel. An envelope is an immutable value with a
// header (domain, type, id, timestamp) and a domain-specific payload; on
// the wire it has exactly two top-level keys, "envelope" and "data".
package events

import (
	"encoding/json"
	"fmt"
)

// Domain tags which of the six event categories an envelope belongs to.
type Domain string

const (
	DomainChat        Domain = "chat"
	DomainThinking    Domain = "thinking"
	DomainTool        Domain = "tool"
	DomainAudit       Domain = "audit"
	DomainInteraction Domain = "interaction"
	DomainSystem      Domain = "system"
)

// Header carries envelope metadata common to every event.
type Header struct {
	Domain    Domain `json:"domain"`
	Type      string `json:"type"`
	ID        string `json:"id"`
	Timestamp int64  `json:"timestamp"`
}

// Envelope is the two-key wire object {envelope, data}. Data holds a
// domain-specific payload struct (or nil for types with no payload fields,
// e.g. chat/start). Construct Envelope values with the New* helpers below;
// the emitter assigns ID and Timestamp when it accepts the event, so
// envelopes built by node handlers typically leave those fields zero.
type Envelope struct {
	Header Header
	Data   any
}

type wireEnvelope struct {
	Envelope Header          `json:"envelope"`
	Data     json.RawMessage `json:"data"`
}

// MarshalJSON renders the envelope as {"envelope": {...}, "data": {...}}.
func (e Envelope) MarshalJSON() ([]byte, error) {
	data := e.Data
	if data == nil {
		data = struct{}{}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("events: marshal data for %s/%s: %w", e.Header.Domain, e.Header.Type, err)
	}
	return json.Marshal(wireEnvelope{Envelope: e.Header, Data: raw})
}

// UnmarshalJSON parses the two-key wire shape. Data is decoded into the
// typed payload struct for the header's domain/type; unrecognized
// domain/type pairs decode Data as a map[string]any.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var wire wireEnvelope
	if err := json.Unmarshal(b, &wire); err != nil {
		return fmt.Errorf("events: unmarshal envelope: %w", err)
	}
	e.Header = wire.Envelope

	target := payloadFor(wire.Envelope.Domain, wire.Envelope.Type)
	if target == nil {
		var m map[string]any
		if len(wire.Data) > 0 {
			if err := json.Unmarshal(wire.Data, &m); err != nil {
				return fmt.Errorf("events: unmarshal data: %w", err)
			}
		}
		e.Data = m
		return nil
	}
	if len(wire.Data) > 0 {
		if err := json.Unmarshal(wire.Data, target); err != nil {
			return fmt.Errorf("events: unmarshal data for %s/%s: %w", wire.Envelope.Domain, wire.Envelope.Type, err)
		}
	}
	e.Data = target
	return nil
}

// WithMeta returns a copy of e with ID and Timestamp set. Emitters call
// this once, immediately before accepting an envelope into the outbound
// queue, so ids are unique per emitter and timestamps reflect send order.
func (e Envelope) WithMeta(id string, timestampMillis int64) Envelope {
	e.Header.ID = id
	e.Header.Timestamp = timestampMillis
	return e
}
