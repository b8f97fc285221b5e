package reason

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

func seedStore(t *testing.T, relations []*graph.Relation) storage.Store {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	t.Cleanup(func() { s.Close() })

	ids := map[graph.EntityID]struct{}{}
	for _, r := range relations {
		ids[r.SourceID] = struct{}{}
		ids[r.TargetID] = struct{}{}
	}
	for id := range ids {
		require.NoError(t, s.AddEntity(ctx, nil, &graph.Entity{ID: id, Type: "Node"}))
	}
	for _, r := range relations {
		require.NoError(t, s.AddRelation(ctx, nil, r))
	}
	return s
}

func transitiveRule(decay float64) *graph.InferenceRule {
	return &graph.InferenceRule{
		ID:              "part-of-transitive",
		Kind:            graph.RuleTransitive,
		RelationType:    "PART_OF",
		ConfidenceDecay: decay,
		Enabled:         true,
	}
}

func TestRuleManagement(t *testing.T) {
	e := NewEngine(EngineOptions{})

	t.Run("add_and_get", func(t *testing.T) {
		require.NoError(t, e.AddRule(transitiveRule(0.1)))
		rule, ok := e.Rule("part-of-transitive")
		require.True(t, ok)
		assert.Equal(t, graph.RuleTransitive, rule.Kind)
	})

	t.Run("invalid_rule_rejected", func(t *testing.T) {
		err := e.AddRule(&graph.InferenceRule{ID: "bad", Kind: "MAGIC", RelationType: "X"})
		assert.ErrorIs(t, err, graph.ErrInvalidData)

		err = e.AddRule(&graph.InferenceRule{
			ID: "bad-decay", Kind: graph.RuleTransitive, RelationType: "X", ConfidenceDecay: 1.5,
		})
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})

	t.Run("rules_sorted_by_id", func(t *testing.T) {
		require.NoError(t, e.AddRule(&graph.InferenceRule{
			ID: "a-first", Kind: graph.RuleSymmetric, RelationType: "Y", Enabled: true,
		}))
		rules := e.Rules()
		require.Len(t, rules, 2)
		assert.Equal(t, "a-first", rules[0].ID)
	})

	t.Run("remove", func(t *testing.T) {
		e.RemoveRule("a-first")
		_, ok := e.Rule("a-first")
		assert.False(t, ok)
	})
}

func TestTransitiveInference(t *testing.T) {
	ctx := context.Background()

	t.Run("derives_a_to_c", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF", Confidence: 0.9},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF", Confidence: 0.8},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0.1)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{})
		require.NoError(t, err)
		require.Len(t, result.Inferred, 1)

		inferred := result.Inferred[0]
		assert.Equal(t, graph.EntityID("a"), inferred.SourceID)
		assert.Equal(t, graph.EntityID("c"), inferred.TargetID)
		assert.True(t, inferred.Inferred)
		// 0.9 * 0.8 * (1 - 0.1)
		assert.InDelta(t, 0.648, inferred.Confidence, 1e-9)

		require.Len(t, result.Steps, 1)
		assert.Equal(t, []graph.RelationID{"r1", "r2"}, result.Steps[0].SourceRelations)
	})

	t.Run("chains_across_rounds", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
			{ID: "r3", SourceID: "c", TargetID: "d", Type: "PART_OF"},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{MaxSteps: 3})
		require.NoError(t, err)

		derived := map[string]bool{}
		for _, rel := range result.Inferred {
			derived[string(rel.SourceID)+">"+string(rel.TargetID)] = true
		}
		assert.True(t, derived["a>c"])
		assert.True(t, derived["b>d"])
		assert.True(t, derived["a>d"], "second round closes the 3-hop chain")
	})

	t.Run("max_steps_bounds_chaining", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
			{ID: "r3", SourceID: "c", TargetID: "d", Type: "PART_OF"},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{MaxSteps: 1})
		require.NoError(t, err)

		for _, rel := range result.Inferred {
			assert.False(t, rel.SourceID == "a" && rel.TargetID == "d",
				"a>d needs a second round")
		}
	})

	t.Run("no_self_loops_and_no_duplicates", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "a", Type: "PART_OF"},
			{ID: "r3", SourceID: "a", TargetID: "b", Type: "OTHER"},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{})
		require.NoError(t, err)
		assert.Empty(t, result.Inferred, "a>b and b>a already exist; a>a and b>b are self-loops")
	})

	t.Run("source_scoped", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
			{ID: "r3", SourceID: "x", TargetID: "b", Type: "PART_OF"},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{SourceID: "a"})
		require.NoError(t, err)
		for _, rel := range result.Inferred {
			assert.Equal(t, graph.EntityID("a"), rel.SourceID)
		}
	})
}

func TestSymmetricInference(t *testing.T) {
	ctx := context.Background()

	s := seedStore(t, []*graph.Relation{
		{ID: "r1", SourceID: "a", TargetID: "b", Type: "MARRIED_TO", Confidence: 0.9},
	})
	e := NewEngine(EngineOptions{})
	require.NoError(t, e.AddRule(&graph.InferenceRule{
		ID: "married-symmetric", Kind: graph.RuleSymmetric,
		RelationType: "MARRIED_TO", ConfidenceDecay: 0.05, Enabled: true,
	}))

	result, err := e.InferRelations(ctx, s, nil, "MARRIED_TO", InferOptions{})
	require.NoError(t, err)
	require.Len(t, result.Inferred, 1)

	inferred := result.Inferred[0]
	assert.Equal(t, graph.EntityID("b"), inferred.SourceID)
	assert.Equal(t, graph.EntityID("a"), inferred.TargetID)
	// 0.9 * (1 - 0.05)
	assert.InDelta(t, 0.855, inferred.Confidence, 1e-9)
	assert.True(t, inferred.Inferred)
}

func TestInverseInference(t *testing.T) {
	ctx := context.Background()

	s := seedStore(t, []*graph.Relation{
		{ID: "r1", SourceID: "acme", TargetID: "alice", Type: "EMPLOYS", Confidence: 1.0},
	})
	e := NewEngine(EngineOptions{})
	require.NoError(t, e.AddRule(&graph.InferenceRule{
		ID: "employs-inverse", Kind: graph.RuleInverse,
		RelationType: "EMPLOYS", InverseType: "WORKS_FOR", Enabled: true,
	}))

	result, err := e.InferRelations(ctx, s, nil, "EMPLOYS", InferOptions{})
	require.NoError(t, err)
	require.Len(t, result.Inferred, 1)
	assert.Equal(t, "WORKS_FOR", result.Inferred[0].Type)
	assert.Equal(t, graph.EntityID("alice"), result.Inferred[0].SourceID)
}

func TestInferenceMisc(t *testing.T) {
	ctx := context.Background()

	t.Run("no_rule_yields_message", func(t *testing.T) {
		s := seedStore(t, nil)
		e := NewEngine(EngineOptions{})

		result, err := e.InferRelations(ctx, s, nil, "UNKNOWN", InferOptions{})
		require.NoError(t, err)
		assert.Empty(t, result.Inferred)
		assert.Contains(t, result.Message, `no enabled rule targets relation type "UNKNOWN"`)
	})

	t.Run("disabled_rule_never_fires", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
		})
		e := NewEngine(EngineOptions{})
		rule := transitiveRule(0)
		rule.Enabled = false
		require.NoError(t, e.AddRule(rule))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{})
		require.NoError(t, err)
		assert.Empty(t, result.Inferred)
	})

	t.Run("empty_relation_type_rejected", func(t *testing.T) {
		s := seedStore(t, nil)
		e := NewEngine(EngineOptions{})
		_, err := e.InferRelations(ctx, s, nil, "", InferOptions{})
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})

	t.Run("trace_renders_steps", func(t *testing.T) {
		s := seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
		})
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{})
		require.NoError(t, err)

		lines := Trace(result)
		require.Len(t, lines, 1)
		assert.Contains(t, lines[0], "part-of-transitive")
		assert.Contains(t, lines[0], "imply")
	})
}

// countingStore wraps a store to count AllRelations calls, proving cache
// hits skip recomputation.
type countingStore struct {
	storage.Store
	allRelationsCalls int
}

func (c *countingStore) AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error) {
	c.allRelationsCalls++
	return c.Store.AllRelations(ctx, tenant)
}

func TestInferenceCache(t *testing.T) {
	ctx := context.Background()

	newFixture := func(t *testing.T) (*countingStore, *Engine) {
		s := &countingStore{Store: seedStore(t, []*graph.Relation{
			{ID: "r1", SourceID: "a", TargetID: "b", Type: "PART_OF"},
			{ID: "r2", SourceID: "b", TargetID: "c", Type: "PART_OF"},
		})}
		e := NewEngine(EngineOptions{})
		require.NoError(t, e.AddRule(transitiveRule(0)))
		return s, e
	}

	t.Run("cached_run_skips_recompute", func(t *testing.T) {
		s, e := newFixture(t)

		first, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)
		second, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)

		assert.Equal(t, 1, s.allRelationsCalls)
		assert.Equal(t, first, second)

		hits, misses, size := e.CacheStats()
		assert.Equal(t, uint64(1), hits)
		assert.Equal(t, uint64(1), misses)
		assert.Equal(t, 1, size)
	})

	t.Run("uncached_run_spends_no_cache_slot", func(t *testing.T) {
		s, e := newFixture(t)

		_, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{})
		require.NoError(t, err)

		_, _, size := e.CacheStats()
		assert.Equal(t, 0, size)

		// The uncached run left nothing behind for a cached run to hit.
		_, err = e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)
		assert.Equal(t, 2, s.allRelationsCalls)
	})

	t.Run("invalidate_forces_recompute", func(t *testing.T) {
		s, e := newFixture(t)

		_, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)

		e.InvalidateCache()

		_, err = e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)
		assert.Equal(t, 2, s.allRelationsCalls)
	})

	t.Run("adding_rule_clears_cache", func(t *testing.T) {
		s, e := newFixture(t)

		_, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)

		require.NoError(t, e.AddRule(&graph.InferenceRule{
			ID: "part-of-symmetric", Kind: graph.RuleSymmetric,
			RelationType: "PART_OF", Enabled: true,
		}))

		result, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)
		assert.Equal(t, 2, s.allRelationsCalls)
		assert.Greater(t, len(result.Inferred), 1, "symmetric derivations join the transitive ones")
	})

	t.Run("scoped_runs_cached_separately", func(t *testing.T) {
		s, e := newFixture(t)

		_, err := e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true})
		require.NoError(t, err)
		_, err = e.InferRelations(ctx, s, nil, "PART_OF", InferOptions{UseCache: true, SourceID: "a"})
		require.NoError(t, err)
		assert.Equal(t, 2, s.allRelationsCalls)
	})
}
