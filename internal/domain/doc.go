// Package domain defines the core domain types and interfaces.
//
// Concept-oriented files (subscription.go, message.go, store.go, execution.go, errors.go)
// hold the shared types and the contracts between the fan-out path, the pools and the
// storage and execution collaborators. No implementation code, just contracts.
package domain
