package domain

import "context"

// Target is the static routing declaration of a subscription field,
// with the filter already computed from the subscribe arguments.
type Target struct {
	Field  string
	Topic  string
	Filter Filter
}

// ResultError is one entry of an execution result's errors list.
type ResultError struct {
	Message string `json:"message"`
	Path    []any  `json:"path,omitempty"`
}

// ExecutionResult is the payload of a "next" message.
type ExecutionResult struct {
	Data   any           `json:"data"`
	Errors []ResultError `json:"errors,omitempty"`
}

// SubscriptionResolver reads the static topic/filter declaration for a subscribe
// operation. It runs once per subscribe, never at publish time.
type SubscriptionResolver interface {
	ResolveSubscription(ctx context.Context, desc Descriptor) (Target, error)
}

// Executor resolves a stored descriptor with an event payload as the root value.
type Executor interface {
	Execute(ctx context.Context, desc Descriptor, root map[string]any) (ExecutionResult, error)
}
