package models

import "encoding/json"

// Message is the envelope carried over the gateway tunnel.
// Requests carry the device id in From, responses carry it in To.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      string          `json:"type"`
	From      string          `json:"from,omitempty"`
	To        string          `json:"to,omitempty"`
	Timestamp int64           `json:"timestamp"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// DecodePayload unmarshals the payload into v.
func (m Message) DecodePayload(v any) error {
	return json.Unmarshal(m.Payload, v)
}
