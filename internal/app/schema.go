package app

import (
	"context"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/pscheid92/subpool/internal/graphql"
)

// GreetingsTopic is the topic of the demo subscription field.
const GreetingsTopic = "GREETINGS"

// DemoSchema declares `greetings(greeting: String)` on GREETINGS. With a greeting
// argument the subscriber only receives events whose payload greeting equals it.
func DemoSchema() *graphql.Schema {
	s := graphql.NewSchema()
	s.Subscribe("greetings", graphql.Field{
		Topic:      GreetingsTopic,
		FilterFunc: greetingFilter,
	})
	return s
}

func greetingFilter(_ context.Context, args map[string]any) (domain.Filter, error) {
	greeting, ok := args["greeting"].(string)
	if !ok || greeting == "" {
		return nil, nil
	}
	return domain.Filter{"greetings": map[string]any{"greeting": greeting}}, nil
}
