package graphql

import (
	"context"
	"fmt"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/vektah/gqlparser/v2/ast"
)

// ResolveSubscription reads the topic and filter declared for the subscribed root field.
// The filter function, when declared, is evaluated here once with the subscribe arguments.
func (s *Schema) ResolveSubscription(ctx context.Context, desc domain.Descriptor) (domain.Target, error) {
	op, err := parseOperation(desc)
	if err != nil {
		return domain.Target{}, err
	}

	if op.def.Operation != ast.Subscription {
		return domain.Target{}, fmt.Errorf("%w: expected a subscription operation, got %s", domain.ErrValidation, op.def.Operation)
	}

	field, err := op.rootField()
	if err != nil {
		return domain.Target{}, err
	}

	decl, ok := s.lookup(field.Name)
	if !ok {
		return domain.Target{}, fmt.Errorf("%w: unknown subscription field %q", domain.ErrValidation, field.Name)
	}

	filter := decl.Filter
	if decl.FilterFunc != nil {
		args, err := op.arguments(field)
		if err != nil {
			return domain.Target{}, err
		}
		filter, err = decl.FilterFunc(ctx, args)
		if err != nil {
			return domain.Target{}, fmt.Errorf("%w: filter for %s: %s", domain.ErrValidation, field.Name, err.Error())
		}
	}
	if len(filter) == 0 {
		filter = nil
	}

	return domain.Target{Field: field.Name, Topic: decl.Topic, Filter: filter}, nil
}
