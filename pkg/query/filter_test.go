package query

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToFilterDict(t *testing.T) {
	p := NewParser()

	t.Run("nil_where_matches_everything", func(t *testing.T) {
		assert.Empty(t, ToFilterDict(nil))
	})

	t.Run("comparison", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE age > 30`)
		require.Empty(t, errs)

		filter := ToFilterDict(q.Find.Where)
		assert.Equal(t, map[string]any{"age": map[string]any{"$gt": float64(30)}}, filter)
	})

	t.Run("logical_tree", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE age > 30 AND NOT name == "x"`)
		require.Empty(t, errs)

		filter := ToFilterDict(q.Find.Where)
		subs, ok := filter["$and"].([]any)
		require.True(t, ok)
		require.Len(t, subs, 2)
		assert.Contains(t, subs[1].(map[string]any), "$not")
	})

	t.Run("dotted_path_joins", func(t *testing.T) {
		q, errs := p.Parse(`Find(Person) WHERE address.city == "Oslo"`)
		require.Empty(t, errs)

		filter := ToFilterDict(q.Find.Where)
		assert.Contains(t, filter, "address.city")
	})
}

func TestMatchesFilter(t *testing.T) {
	props := map[string]any{
		"name": "Alice",
		"age":  float64(30),
		"tags": []any{"admin", "ops"},
		"address": map[string]any{
			"city": "Oslo",
		},
	}

	t.Run("empty_filter_matches", func(t *testing.T) {
		assert.True(t, MatchesFilter(nil, props))
		assert.True(t, MatchesFilter(map[string]any{}, props))
	})

	t.Run("bare_literal_is_eq", func(t *testing.T) {
		assert.True(t, MatchesFilter(map[string]any{"name": "Alice"}, props))
		assert.False(t, MatchesFilter(map[string]any{"name": "Bob"}, props))
	})

	t.Run("numeric_coercion", func(t *testing.T) {
		// int literal vs float64 stored by JSON round-trips.
		assert.True(t, MatchesFilter(map[string]any{"age": 30}, props))
		assert.True(t, MatchesFilter(map[string]any{"age": map[string]any{"$gte": 30}}, props))
	})

	t.Run("range_operators", func(t *testing.T) {
		assert.True(t, MatchesFilter(map[string]any{"age": map[string]any{"$gt": 18, "$lt": 65}}, props))
		assert.False(t, MatchesFilter(map[string]any{"age": map[string]any{"$gt": 30}}, props))
	})

	t.Run("ne_matches_absent_property", func(t *testing.T) {
		assert.True(t, MatchesFilter(map[string]any{"ghost": map[string]any{"$ne": "x"}}, props))
	})

	t.Run("gt_rejects_absent_property", func(t *testing.T) {
		assert.False(t, MatchesFilter(map[string]any{"ghost": map[string]any{"$gt": 1}}, props))
	})

	t.Run("in", func(t *testing.T) {
		filter := map[string]any{"name": map[string]any{"$in": []any{"Alice", "Bob"}}}
		assert.True(t, MatchesFilter(filter, props))

		filter = map[string]any{"name": map[string]any{"$in": []any{"Carol"}}}
		assert.False(t, MatchesFilter(filter, props))
	})

	t.Run("contains_string_case_insensitive", func(t *testing.T) {
		filter := map[string]any{"name": map[string]any{"$contains": "ali"}}
		assert.True(t, MatchesFilter(filter, props))
	})

	t.Run("contains_list_membership", func(t *testing.T) {
		filter := map[string]any{"tags": map[string]any{"$contains": "admin"}}
		assert.True(t, MatchesFilter(filter, props))
	})

	t.Run("dotted_path", func(t *testing.T) {
		filter := map[string]any{"address.city": "Oslo"}
		assert.True(t, MatchesFilter(filter, props))

		filter = map[string]any{"address.country": "Norway"}
		assert.False(t, MatchesFilter(filter, props))
	})

	t.Run("and_or_not", func(t *testing.T) {
		filter := map[string]any{
			"$and": []any{
				map[string]any{"age": map[string]any{"$gte": 18}},
				map[string]any{"$or": []any{
					map[string]any{"name": "Alice"},
					map[string]any{"name": "Bob"},
				}},
			},
		}
		assert.True(t, MatchesFilter(filter, props))

		filter["$not"] = map[string]any{"name": "Alice"}
		assert.False(t, MatchesFilter(filter, props))
	})

	t.Run("unknown_operator_never_matches", func(t *testing.T) {
		assert.False(t, MatchesFilter(map[string]any{"age": map[string]any{"$regex": ".*"}}, props))
	})
}
