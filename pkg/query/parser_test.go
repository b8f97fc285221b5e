package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFind(t *testing.T) {
	p := NewParser()

	t.Run("bare_find", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person)`)
		require.Empty(t, errs)
		assert.Equal(t, "Person", q.Find.EntityType)
		assert.Empty(t, q.Find.EntityName)
		assert.Nil(t, q.Find.Where)
	})

	t.Run("named_entity", func(t *testing.T) {
		q, errs := p.Parse("Find(Person[`Ada Lovelace`])")
		require.Empty(t, errs)
		assert.Equal(t, "Ada Lovelace", q.Find.EntityName)
	})

	t.Run("keyword_case_insensitive", func(t *testing.T) {
		q, errs := p.Parse(`FIND(Person) where age > 30`)
		require.Empty(t, errs)
		require.NotNil(t, q.Find.Where)
	})
}

func TestParseWhere(t *testing.T) {
	p := NewParser()

	t.Run("comparison_operators", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE age >= 21`)
		require.Empty(t, errs)

		cmp, ok := q.Find.Where.(*ComparisonNode)
		require.True(t, ok)
		assert.Equal(t, OpGte, cmp.Op)
		assert.Equal(t, []string{"age"}, cmp.Path)
		assert.Equal(t, float64(21), cmp.Value)
	})

	t.Run("dotted_path", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE address.city == "Oslo"`)
		require.Empty(t, errs)

		cmp := q.Find.Where.(*ComparisonNode)
		assert.Equal(t, []string{"address", "city"}, cmp.Path)
		assert.Equal(t, "address.city", cmp.PathString())
		assert.Equal(t, "Oslo", cmp.Value)
	})

	t.Run("and_chain_flattens", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE age > 18 AND age < 65 AND name == "x"`)
		require.Empty(t, errs)

		logical, ok := q.Find.Where.(*LogicalNode)
		require.True(t, ok)
		assert.Equal(t, OpAnd, logical.Op)
		assert.Len(t, logical.Operands, 3)
	})

	t.Run("or_binds_looser_than_and", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE a == 1 AND b == 2 OR c == 3`)
		require.Empty(t, errs)

		or := q.Find.Where.(*LogicalNode)
		require.Equal(t, OpOr, or.Op)
		require.Len(t, or.Operands, 2)
		assert.Equal(t, OpAnd, or.Operands[0].(*LogicalNode).Op)
	})

	t.Run("parentheses_override_precedence", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE a == 1 AND (b == 2 OR c == 3)`)
		require.Empty(t, errs)

		and := q.Find.Where.(*LogicalNode)
		require.Equal(t, OpAnd, and.Op)
		assert.Equal(t, OpOr, and.Operands[1].(*LogicalNode).Op)
	})

	t.Run("not", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE NOT active == true`)
		require.Empty(t, errs)

		not := q.Find.Where.(*LogicalNode)
		assert.Equal(t, OpNot, not.Op)
		require.Len(t, not.Operands, 1)
	})

	t.Run("in_with_list", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE role IN ["admin", "owner"]`)
		require.Empty(t, errs)

		cmp := q.Find.Where.(*ComparisonNode)
		assert.Equal(t, OpIn, cmp.Op)
		assert.Equal(t, []any{"admin", "owner"}, cmp.Value)
	})

	t.Run("contains", func(t *testing.T) {
		q, errs := p.Parse(`Find(Doc) WHERE title CONTAINS "draft"`)
		require.Empty(t, errs)
		assert.Equal(t, OpContains, q.Find.Where.(*ComparisonNode).Op)
	})
}

func TestParseTraversals(t *testing.T) {
	p := NewParser()

	t.Run("default_direction_outgoing", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) FOLLOWS KNOWS`)
		require.Empty(t, errs)
		require.Len(t, q.Traversals, 1)
		assert.Equal(t, "KNOWS", q.Traversals[0].RelationType)
		assert.Equal(t, "outgoing", q.Traversals[0].Direction)
	})

	t.Run("explicit_directions", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) FOLLOWS KNOWS INCOMING FOLLOWS WORKS_AT BOTH`)
		require.Empty(t, errs)
		require.Len(t, q.Traversals, 2)
		assert.Equal(t, "incoming", q.Traversals[0].Direction)
		assert.Equal(t, "both", q.Traversals[1].Direction)
	})

	t.Run("where_then_follows", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE age > 30 FOLLOWS KNOWS`)
		require.Empty(t, errs)
		require.NotNil(t, q.Find.Where)
		require.Len(t, q.Traversals, 1)
	})
}

func TestParseDiagnostics(t *testing.T) {
	p := NewParser()

	t.Run("nil_node_on_error", func(t *testing.T) {
		q, errs := p.Parse(`Find(`)
		assert.Nil(t, q)
		assert.NotEmpty(t, errs)
	})

	t.Run("missing_find", func(t *testing.T) {
		_, errs := p.Parse(`WHERE age > 30`)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0].Message, "must begin with Find")
	})

	t.Run("positions_reported", func(t *testing.T) {
		_, errs := p.Parse("Find(Person)\nWHERE age >")
		require.NotEmpty(t, errs)
		assert.Equal(t, 2, errs[0].Line)
		assert.Greater(t, errs[0].Column, 1)
	})

	t.Run("multiple_errors_collected", func(t *testing.T) {
		_, errs := p.Parse(`Find(Person) WHERE age > AND name ==`)
		assert.GreaterOrEqual(t, len(errs), 2)
	})

	t.Run("unterminated_string", func(t *testing.T) {
		_, errs := p.Parse(`Find(Person) WHERE name == "oops`)
		require.NotEmpty(t, errs)
	})

	t.Run("trailing_garbage", func(t *testing.T) {
		_, errs := p.Parse(`Find(Person) extra`)
		require.NotEmpty(t, errs)
		assert.Contains(t, errs[0].Message, "unexpected")
	})
}
