package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func personSchema() *Schema {
	s := NewSchema()
	s.AddEntityType("Person", map[string]*PropertySchema{
		"name": {Kind: PropertyString},
		"age":  {Kind: PropertyNumber},
		"tags": {Kind: PropertyList},
		"address": {
			Kind: PropertyDict,
			Nested: map[string]*PropertySchema{
				"city": {Kind: PropertyString},
			},
		},
		"blob": {Kind: PropertyDict},
	})
	s.AddRelationType("KNOWS")
	return s
}

func validateText(t *testing.T, s *Schema, text string) []ParseError {
	t.Helper()
	q, errs := NewParser().Parse(text)
	require.Empty(t, errs, "parse must succeed before validation")
	return NewValidator(s).Validate(q)
}

func TestValidator(t *testing.T) {
	s := personSchema()

	t.Run("valid_query", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE age > 30 AND address.city == "Oslo" FOLLOWS KNOWS`)
		assert.Empty(t, errs)
	})

	t.Run("type_lookup_case_insensitive", func(t *testing.T) {
		errs := validateText(t, s, `Find(person)`)
		assert.Empty(t, errs)
	})

	t.Run("unknown_entity_type", func(t *testing.T) {
		errs := validateText(t, s, `Find(Robot)`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, `unknown entity type "Robot"`)
	})

	t.Run("unknown_relation_type", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) FOLLOWS DISLIKES`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, `unknown relation type "DISLIKES"`)
	})

	t.Run("unknown_property_names_segment", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE height > 180`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, `unknown property "height"`)
	})

	t.Run("path_through_non_dict", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE age.years > 3`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, `is not a nested object`)
	})

	t.Run("path_through_undeclared_nested", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE blob.key == 1`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "no declared nested schema")
	})

	t.Run("nested_path_unknown_leaf", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE address.zip == "0150"`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, `unknown property "zip"`)
	})

	t.Run("in_requires_list", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE name IN "alice"`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "IN requires a list")
	})

	t.Run("contains_requires_string", func(t *testing.T) {
		errs := validateText(t, s, `Find(Person) WHERE name CONTAINS 42`)
		require.Len(t, errs, 1)
		assert.Contains(t, errs[0].Message, "CONTAINS requires a string")
	})

	t.Run("errors_accumulate", func(t *testing.T) {
		errs := validateText(t, s, `Find(Robot) WHERE height > 1 FOLLOWS DISLIKES`)
		// Unknown type, plus unknown relation. The property check is
		// skipped when the entity type itself is unknown.
		assert.Len(t, errs, 2)
	})
}
