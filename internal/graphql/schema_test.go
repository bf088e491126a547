package graphql

import (
	"context"
	"errors"
	"testing"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const greetingsQuery = `subscription OnGreeting($greeting: String) {
	greetings(greeting: $greeting) { greeting }
}`

func greetingsSchema() *Schema {
	s := NewSchema()
	s.Subscribe("greetings", Field{
		Topic: "GREETINGS",
		FilterFunc: func(_ context.Context, args map[string]any) (domain.Filter, error) {
			if g, ok := args["greeting"].(string); ok && g != "" {
				return domain.Filter{"greetings": map[string]any{"greeting": g}}, nil
			}
			return domain.Filter{}, nil
		},
	})
	return s
}

func TestResolveSubscription_FilterFromArguments(t *testing.T) {
	s := greetingsSchema()

	target, err := s.ResolveSubscription(context.Background(), domain.Descriptor{
		Query:     greetingsQuery,
		Variables: map[string]any{"greeting": "hi"},
	})

	require.NoError(t, err)
	assert.Equal(t, "greetings", target.Field)
	assert.Equal(t, "GREETINGS", target.Topic)
	assert.Equal(t, domain.Filter{"greetings": map[string]any{"greeting": "hi"}}, target.Filter)
}

func TestResolveSubscription_EmptyFilterIsNil(t *testing.T) {
	s := greetingsSchema()

	target, err := s.ResolveSubscription(context.Background(), domain.Descriptor{Query: greetingsQuery})

	require.NoError(t, err)
	assert.Nil(t, target.Filter)
}

func TestResolveSubscription_StaticFilter(t *testing.T) {
	s := NewSchema()
	s.Subscribe("alerts", Field{Topic: "ALERTS", Filter: domain.Filter{"level": "critical"}})

	target, err := s.ResolveSubscription(context.Background(), domain.Descriptor{
		Query: `subscription { alerts { message } }`,
	})

	require.NoError(t, err)
	assert.Equal(t, "ALERTS", target.Topic)
	assert.Equal(t, domain.Filter{"level": "critical"}, target.Filter)
}

func TestResolveSubscription_FragmentAndDefaultVariable(t *testing.T) {
	s := greetingsSchema()

	target, err := s.ResolveSubscription(context.Background(), domain.Descriptor{
		Query: `subscription Sub($greeting: String = "hey") { ...G }
fragment G on Subscription { greetings(greeting: $greeting) { greeting } }`,
	})

	require.NoError(t, err)
	assert.Equal(t, domain.Filter{"greetings": map[string]any{"greeting": "hey"}}, target.Filter)
}

func TestResolveSubscription_Errors(t *testing.T) {
	s := greetingsSchema()
	s.Subscribe("broken", Field{
		Topic: "BROKEN",
		FilterFunc: func(context.Context, map[string]any) (domain.Filter, error) {
			return nil, errors.New("boom")
		},
	})

	tests := []struct {
		name string
		desc domain.Descriptor
	}{
		{"empty query", domain.Descriptor{}},
		{"syntax error", domain.Descriptor{Query: "subscription {"}},
		{"not a subscription", domain.Descriptor{Query: "query { greetings { greeting } }"}},
		{"unknown field", domain.Descriptor{Query: "subscription { farewells { text } }"}},
		{"unknown operation name", domain.Descriptor{Query: greetingsQuery, OperationName: "Other"}},
		{"ambiguous operation", domain.Descriptor{Query: "subscription A { greetings { greeting } } subscription B { greetings { greeting } }"}},
		{"missing required variable", domain.Descriptor{Query: "subscription ($g: String!) { greetings(greeting: $g) { greeting } }"}},
		{"filter function fails", domain.Descriptor{Query: "subscription { broken { x } }"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.ResolveSubscription(context.Background(), tt.desc)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}
}

func TestExecute_ProjectsSelection(t *testing.T) {
	s := greetingsSchema()
	root := map[string]any{
		"greetings": map[string]any{"greeting": "hi", "secret": "x"},
		"other":     true,
	}

	result, err := s.Execute(context.Background(), domain.Descriptor{Query: greetingsQuery}, root)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greetings": map[string]any{"greeting": "hi"}}, result.Data)
}

func TestExecute_AliasesListsAndTypename(t *testing.T) {
	s := NewSchema()
	s.Subscribe("messages", Field{Topic: "MESSAGES"})
	root := map[string]any{
		"messages": []any{
			map[string]any{"text": "a", "author": map[string]any{"name": "x", "id": 1}},
			map[string]any{"text": "b", "author": nil},
		},
	}

	result, err := s.Execute(context.Background(), domain.Descriptor{
		Query: `subscription { feed: messages { __typename body: text author { name } } }`,
	}, root)

	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"feed": []any{
			map[string]any{"body": "a", "author": map[string]any{"name": "x"}},
			map[string]any{"body": "b", "author": nil},
		},
	}, result.Data)
}

type greeting struct {
	Greeting string `json:"greeting"`
	Internal string `json:"internal"`
}

func TestExecute_CustomResolve(t *testing.T) {
	s := NewSchema()
	s.Subscribe("greetings", Field{
		Topic: "GREETINGS",
		Resolve: func(_ context.Context, root map[string]any, args map[string]any) (any, error) {
			return greeting{Greeting: root["text"].(string) + " " + args["suffix"].(string), Internal: "no"}, nil
		},
	})

	result, err := s.Execute(context.Background(), domain.Descriptor{
		Query: `subscription { greetings(suffix: "there") { greeting } }`,
	}, map[string]any{"text": "hi"})

	require.NoError(t, err)
	assert.Equal(t, map[string]any{"greetings": map[string]any{"greeting": "hi there"}}, result.Data)
}

func TestExecute_ResolveErrorIsExecutionError(t *testing.T) {
	s := NewSchema()
	s.Subscribe("greetings", Field{
		Topic: "GREETINGS",
		Resolve: func(context.Context, map[string]any, map[string]any) (any, error) {
			return nil, errors.New("resolver exploded")
		},
	})

	_, err := s.Execute(context.Background(), domain.Descriptor{Query: `subscription { greetings { greeting } }`}, nil)

	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExecution)
	assert.Contains(t, err.Error(), "resolver exploded")
}

func TestSchema_Topics(t *testing.T) {
	s := greetingsSchema()
	s.Subscribe("farewells", Field{Topic: "GREETINGS"})
	s.Subscribe("alerts", Field{Topic: "ALERTS"})

	assert.ElementsMatch(t, []string{"GREETINGS", "ALERTS"}, s.Topics())
}
