// Package graphql is the subscription execution engine: it reads the static
// topic/filter declaration of a subscription field when a client subscribes, and
// projects published payloads through the subscriber's selection set at publish time.
//
// Declarations live in a registry keyed by root field name, so the routing
// metadata never runs as an executable resolver.
package graphql

import (
	"context"
	"sync"

	"github.com/pscheid92/subpool/internal/domain"
)

// FilterFunc computes a subscription filter from the subscribe arguments.
type FilterFunc func(ctx context.Context, args map[string]any) (domain.Filter, error)

// ResolveFunc produces the root field value for one subscriber from the event payload.
type ResolveFunc func(ctx context.Context, root map[string]any, args map[string]any) (any, error)

// Field declares a subscription root field.
// Filter and FilterFunc are mutually exclusive; FilterFunc wins when both are set.
// Without Resolve the field value is root[<field name>].
type Field struct {
	Topic      string
	Filter     domain.Filter
	FilterFunc FilterFunc
	Resolve    ResolveFunc
}

// Schema is the registry of subscription root fields.
type Schema struct {
	mu     sync.RWMutex
	fields map[string]Field
}

func NewSchema() *Schema {
	return &Schema{fields: make(map[string]Field)}
}

// Subscribe registers (or replaces) the declaration for a subscription root field.
func (s *Schema) Subscribe(name string, field Field) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fields[name] = field
}

// Topics returns the distinct topics of all declared fields.
func (s *Schema) Topics() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{}, len(s.fields))
	topics := make([]string, 0, len(s.fields))
	for _, f := range s.fields {
		if _, ok := seen[f.Topic]; ok {
			continue
		}
		seen[f.Topic] = struct{}{}
		topics = append(topics, f.Topic)
	}
	return topics
}

func (s *Schema) lookup(name string) (Field, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.fields[name]
	return f, ok
}
