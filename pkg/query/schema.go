package query

import (
	"fmt"
	"strings"
)

// PropertyKind is the declared type of a schema property.
type PropertyKind string

const (
	PropertyString PropertyKind = "string"
	PropertyNumber PropertyKind = "number"
	PropertyBool   PropertyKind = "bool"
	PropertyList   PropertyKind = "list"
	PropertyDict   PropertyKind = "dict"
)

// PropertySchema declares one property. Dict-typed properties may carry
// a nested schema, which is what allows dotted paths to resolve through
// them.
type PropertySchema struct {
	Kind   PropertyKind               `yaml:"kind" json:"kind"`
	Nested map[string]*PropertySchema `yaml:"nested,omitempty" json:"nested,omitempty"`
}

// EntitySchema declares the properties of one entity type.
type EntitySchema struct {
	Properties map[string]*PropertySchema `yaml:"properties" json:"properties"`
}

// Schema is the active graph schema a query is validated against.
// Lookups are case-insensitive on type names.
type Schema struct {
	Entities  map[string]*EntitySchema `yaml:"entities" json:"entities"`
	Relations map[string]struct{}      `yaml:"-" json:"-"`
}

// NewSchema creates an empty schema.
func NewSchema() *Schema {
	return &Schema{
		Entities:  make(map[string]*EntitySchema),
		Relations: make(map[string]struct{}),
	}
}

// AddEntityType declares an entity type with its properties.
func (s *Schema) AddEntityType(name string, properties map[string]*PropertySchema) {
	s.Entities[strings.ToLower(name)] = &EntitySchema{Properties: properties}
}

// AddRelationType declares a relation type.
func (s *Schema) AddRelationType(name string) {
	s.Relations[strings.ToLower(name)] = struct{}{}
}

// EntityType looks up an entity type, case-insensitively.
func (s *Schema) EntityType(name string) (*EntitySchema, bool) {
	es, ok := s.Entities[strings.ToLower(name)]
	return es, ok
}

// HasRelationType reports whether the relation type is declared.
func (s *Schema) HasRelationType(name string) bool {
	_, ok := s.Relations[strings.ToLower(name)]
	return ok
}

// Validator checks a parsed query against a schema.
type Validator struct {
	schema *Schema
}

// NewValidator creates a validator for the given schema.
func NewValidator(schema *Schema) *Validator {
	return &Validator{schema: schema}
}

// Validate checks the query and returns every violation found. An empty
// result means the query is valid.
//
// Checks performed:
//   - the Find entity type and every FOLLOWS relation type exist
//   - traversal directions are incoming, outgoing or both
//   - comparison operators are known and carry a value of the right
//     shape (IN needs a list, CONTAINS needs a string)
//   - dotted property paths resolve segment by segment through declared
//     dict-typed properties; the diagnostic names the exact segment that
//     failed
func (v *Validator) Validate(q *QueryNode) []ParseError {
	var errs []ParseError

	if q == nil || q.Find == nil {
		return []ParseError{{Line: 1, Column: 1, Message: "empty query"}}
	}

	entitySchema, ok := v.schema.EntityType(q.Find.EntityType)
	if !ok {
		errs = append(errs, ParseError{
			Line:    q.Find.Line,
			Column:  q.Find.Column,
			Message: fmt.Sprintf("unknown entity type %q", q.Find.EntityType),
		})
	}

	if q.Find.Where != nil {
		errs = append(errs, v.validateExpr(q.Find.Where, entitySchema)...)
	}

	for _, t := range q.Traversals {
		if !v.schema.HasRelationType(t.RelationType) {
			errs = append(errs, ParseError{
				Line:    t.Line,
				Column:  t.Column,
				Message: fmt.Sprintf("unknown relation type %q", t.RelationType),
			})
		}
		switch t.Direction {
		case "incoming", "outgoing", "both":
		default:
			errs = append(errs, ParseError{
				Line:    t.Line,
				Column:  t.Column,
				Message: fmt.Sprintf("invalid traversal direction %q", t.Direction),
			})
		}
	}
	return errs
}

func (v *Validator) validateExpr(expr Expr, entitySchema *EntitySchema) []ParseError {
	var errs []ParseError

	switch node := expr.(type) {
	case *LogicalNode:
		switch node.Op {
		case OpAnd, OpOr, OpNot:
		default:
			errs = append(errs, ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("unknown logical operator %q", node.Op),
			})
		}
		if len(node.Operands) == 0 {
			errs = append(errs, ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("%s requires at least one operand", node.Op),
			})
		}
		for _, op := range node.Operands {
			if op == nil {
				continue
			}
			errs = append(errs, v.validateExpr(op, entitySchema)...)
		}

	case *ComparisonNode:
		switch node.Op {
		case OpEq, OpNeq, OpGt, OpGte, OpLt, OpLte, OpIn, OpContains:
		case "":
			// The parser already reported the missing operator.
		default:
			errs = append(errs, ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("unknown comparison operator %q", node.Op),
			})
		}

		if node.Op == OpIn {
			if _, ok := node.Value.([]any); !ok {
				errs = append(errs, ParseError{
					Line: node.Line, Column: node.Column,
					Message: fmt.Sprintf("IN requires a list value for %q", node.PathString()),
				})
			}
		}
		if node.Op == OpContains {
			if _, ok := node.Value.(string); !ok {
				errs = append(errs, ParseError{
					Line: node.Line, Column: node.Column,
					Message: fmt.Sprintf("CONTAINS requires a string value for %q", node.PathString()),
				})
			}
		}

		if entitySchema != nil {
			if perr := v.validatePath(node, entitySchema); perr != nil {
				errs = append(errs, *perr)
			}
		}
	}
	return errs
}

// validatePath resolves the dotted path through the entity schema and
// pinpoints the failing segment.
func (v *Validator) validatePath(node *ComparisonNode, entitySchema *EntitySchema) *ParseError {
	properties := entitySchema.Properties

	for i, segment := range node.Path {
		prop, ok := properties[segment]
		if !ok {
			return &ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("unknown property %q in path %q", segment, node.PathString()),
			}
		}

		last := i == len(node.Path)-1
		if last {
			return nil
		}

		if prop.Kind != PropertyDict {
			return &ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("property %q in path %q is not a nested object", segment, node.PathString()),
			}
		}
		if prop.Nested == nil {
			return &ParseError{
				Line: node.Line, Column: node.Column,
				Message: fmt.Sprintf("property %q in path %q has no declared nested schema", segment, node.PathString()),
			}
		}
		properties = prop.Nested
	}
	return nil
}
