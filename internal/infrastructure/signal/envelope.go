package signal

import (
	"encoding/json"

	"callcore/internal/core/domain"
)

const (
	// TypeAck answers a request envelope with the same id.
	TypeAck domain.EventType = "ack"
	// TypeError reports a rejected envelope that carried no id.
	TypeError domain.EventType = "error"
)

// Envelope is the wire frame exchanged with the signaling hub. Requests set
// ID and are answered by an ack carrying the same ID with either Payload or
// Error.
type Envelope struct {
	Type    domain.EventType `json:"type"`
	ID      string           `json:"id,omitempty"`
	CallID  domain.CallID    `json:"call_id,omitempty"`
	From    domain.PeerID    `json:"from,omitempty"`
	Payload json.RawMessage  `json:"payload,omitempty"`
	Error   string           `json:"error,omitempty"`
}

func newEnvelope(event domain.EventType, id string, payload any) (*Envelope, error) {
	env := &Envelope{Type: event, ID: id}
	if payload == nil {
		return env, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	env.Payload = raw

	var ref domain.CallRef
	if json.Unmarshal(raw, &ref) == nil {
		env.CallID = ref.CallID
	}
	return env, nil
}
