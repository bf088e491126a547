package domain

import "encoding/json"

// Outbound message types a pool delivers to its connections.
const (
	MessageNext     = "next"
	MessageError    = "error"
	MessageComplete = "complete"
)

// Message is a protocol frame addressed to one subscription on one connection.
type Message struct {
	ID      string          `json:"id" cbor:"1,keyasint"`
	Type    string          `json:"type" cbor:"2,keyasint"`
	Payload json.RawMessage `json:"payload,omitempty" cbor:"3,keyasint,omitempty"`
}

// Delivery pairs a message with the connection it is addressed to.
type Delivery struct {
	ConnectionID string  `json:"connectionId" cbor:"1,keyasint"`
	Message      Message `json:"message" cbor:"2,keyasint"`
}

// Batch is the unit a pool accepts in one publish request.
type Batch []Delivery

// ConnectionIDs returns the distinct connection ids of the batch in first-seen order.
func (b Batch) ConnectionIDs() []string {
	seen := make(map[string]struct{}, len(b))
	ids := make([]string, 0, len(b))
	for _, d := range b {
		if _, ok := seen[d.ConnectionID]; ok {
			continue
		}
		seen[d.ConnectionID] = struct{}{}
		ids = append(ids, d.ConnectionID)
	}
	return ids
}
