package domain

import "time"

// Filter is a structural containment predicate over event payloads.
// A nil Filter matches every payload of its topic.
type Filter map[string]any

// Descriptor is what a subscriber wants executed against each matching event.
// It is opaque to the fan-out path and handed verbatim to the Executor.
type Descriptor struct {
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables,omitempty"`
	OperationName string         `json:"operationName,omitempty"`
}

// Subscription is one persisted "who wants what" row.
// (PoolID, ConnectionID, ID) is unique; ID is only unique within a connection.
type Subscription struct {
	ID           string
	PoolID       string
	ConnectionID string
	Topic        string
	Filter       Filter
	Descriptor   Descriptor
	CreatedAt    time.Time
}

// Event is one publish request.
type Event struct {
	Topic   string         `json:"topic"`
	Payload map[string]any `json:"payload,omitempty"`
}
