package domain

import "errors"

var (
	// ErrValidation marks input the caller must fix: a missing topic, a malformed frame,
	// a subscribe document that does not name a registered subscription field.
	ErrValidation = errors.New("validation failed")

	// ErrStore marks a failure of the subscription storage collaborator.
	ErrStore = errors.New("subscription store unavailable")

	// ErrExecution marks a failed resolution of one subscription against one payload.
	ErrExecution = errors.New("subscription execution failed")

	// ErrDelivery marks a failed write to a live connection.
	ErrDelivery = errors.New("delivery failed")

	// ErrProtocol marks a malformed pool delivery batch.
	ErrProtocol = errors.New("malformed delivery batch")

	ErrSubscriptionExists = errors.New("subscription already exists")
	ErrPoolNotFound       = errors.New("pool not found")
	ErrConnectionRejected = errors.New("connection rejected")
)
