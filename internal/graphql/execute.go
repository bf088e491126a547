package graphql

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/vektah/gqlparser/v2/ast"
)

const typenameField = "__typename"

// Execute resolves the descriptor's root field against the event payload and shapes
// the value by the selection set. Nested selections over objects and lists keep only
// the selected keys, under their aliases.
func (s *Schema) Execute(ctx context.Context, desc domain.Descriptor, root map[string]any) (domain.ExecutionResult, error) {
	op, err := parseOperation(desc)
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}

	field, err := op.rootField()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}

	value, err := s.resolveRoot(ctx, op, field, root)
	if err != nil {
		return domain.ExecutionResult{}, err
	}

	data := map[string]any{field.Alias: op.project(value, field.SelectionSet)}
	return domain.ExecutionResult{Data: data}, nil
}

func (s *Schema) resolveRoot(ctx context.Context, op *operation, field *ast.Field, root map[string]any) (any, error) {
	decl, ok := s.lookup(field.Name)
	if !ok || decl.Resolve == nil {
		return root[field.Name], nil
	}

	args, err := op.arguments(field)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrExecution, err)
	}

	value, err := decl.Resolve(ctx, root, args)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %s: %w", domain.ErrExecution, field.Name, err)
	}
	return value, nil
}

func (o *operation) project(value any, set ast.SelectionSet) any {
	if len(set) == 0 || value == nil {
		return value
	}

	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(set))
		for _, f := range o.collectFields(set) {
			if f.Name == typenameField {
				continue
			}
			out[f.Alias] = o.project(v[f.Name], f.SelectionSet)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = o.project(item, set)
		}
		return out
	default:
		generic, ok := toGeneric(v)
		if !ok {
			return nil
		}
		return o.project(generic, set)
	}
}

// toGeneric turns structs and typed maps or slices into map[string]any / []any.
func toGeneric(v any) (any, bool) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, false
	}
	switch out.(type) {
	case map[string]any, []any:
		return out, true
	default:
		return nil, false
	}
}
