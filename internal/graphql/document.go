package graphql

import (
	"fmt"

	"github.com/pscheid92/subpool/internal/domain"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/parser"
)

// operation is a parsed descriptor narrowed to the selected operation.
type operation struct {
	doc  *ast.QueryDocument
	def  *ast.OperationDefinition
	vars map[string]any
}

func parseOperation(desc domain.Descriptor) (*operation, error) {
	if desc.Query == "" {
		return nil, fmt.Errorf("%w: empty query", domain.ErrValidation)
	}

	doc, err := parser.ParseQuery(&ast.Source{Input: desc.Query})
	if err != nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrValidation, err.Error())
	}

	def := doc.Operations.ForName(desc.OperationName)
	if def == nil {
		if desc.OperationName == "" {
			return nil, fmt.Errorf("%w: operation name required when the document has %d operations", domain.ErrValidation, len(doc.Operations))
		}
		return nil, fmt.Errorf("%w: unknown operation %q", domain.ErrValidation, desc.OperationName)
	}

	vars, err := variableValues(def, desc.Variables)
	if err != nil {
		return nil, err
	}

	return &operation{doc: doc, def: def, vars: vars}, nil
}

// variableValues merges the supplied variables over the declared defaults.
func variableValues(def *ast.OperationDefinition, supplied map[string]any) (map[string]any, error) {
	vars := make(map[string]any, len(def.VariableDefinitions))
	for _, v := range def.VariableDefinitions {
		if val, ok := supplied[v.Variable]; ok {
			vars[v.Variable] = val
			continue
		}
		if v.DefaultValue != nil {
			val, err := v.DefaultValue.Value(nil)
			if err != nil {
				return nil, fmt.Errorf("%w: default of $%s: %s", domain.ErrValidation, v.Variable, err.Error())
			}
			vars[v.Variable] = val
			continue
		}
		if v.Type != nil && v.Type.NonNull {
			return nil, fmt.Errorf("%w: variable $%s is required", domain.ErrValidation, v.Variable)
		}
	}
	return vars, nil
}

// rootField returns the first field of the operation, looking through fragments.
func (o *operation) rootField() (*ast.Field, error) {
	fields := o.collectFields(o.def.SelectionSet)
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: operation selects no field", domain.ErrValidation)
	}
	return fields[0], nil
}

// collectFields flattens fragment spreads and inline fragments into their fields.
func (o *operation) collectFields(set ast.SelectionSet) []*ast.Field {
	var fields []*ast.Field
	for _, sel := range set {
		switch s := sel.(type) {
		case *ast.Field:
			fields = append(fields, s)
		case *ast.InlineFragment:
			fields = append(fields, o.collectFields(s.SelectionSet)...)
		case *ast.FragmentSpread:
			if frag := o.doc.Fragments.ForName(s.Name); frag != nil {
				fields = append(fields, o.collectFields(frag.SelectionSet)...)
			}
		}
	}
	return fields
}

func (o *operation) arguments(field *ast.Field) (map[string]any, error) {
	args := make(map[string]any, len(field.Arguments))
	for _, arg := range field.Arguments {
		val, err := arg.Value.Value(o.vars)
		if err != nil {
			return nil, fmt.Errorf("%w: argument %s: %s", domain.ErrValidation, arg.Name, err.Error())
		}
		args[arg.Name] = val
	}
	return args, nil
}
