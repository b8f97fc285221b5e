package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lookupStep(id, entityType string, cost float64, filter map[string]any) *Step {
	return &Step{
		ID:            id,
		Operation:     OpLookup,
		EntityType:    entityType,
		Query:         filter,
		EstimatedCost: cost,
	}
}

func TestRedundantElimination(t *testing.T) {
	opt := NewOptimizer(nil)

	t.Run("identical_steps_collapse", func(t *testing.T) {
		filter := map[string]any{"age": map[string]any{"$gt": float64(30)}}
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, filter),
			lookupStep("s2", "Person", 100, filter),
			{ID: "s3", Operation: OpTraverse, EntityType: "KNOWS", DependsOn: []string{"s2"}, EstimatedCost: 10},
		}}

		optimized, result := opt.Optimize(plan)
		require.Contains(t, result.RulesApplied, RuleRedundantElimination)
		require.Len(t, optimized.Steps, 2)

		// The dependent step is re-pointed at the survivor.
		assert.Equal(t, []string{"s1"}, optimized.Steps[1].DependsOn)
		assert.NoError(t, optimized.Validate())
		assert.InDelta(t, 100.0, result.EstimatedCostReduction, 0.001)
	})

	t.Run("chained_traversals_kept", func(t *testing.T) {
		// A two-hop chain over the same relation type: each hop consumes
		// a different frontier, so neither is redundant.
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, nil),
			{ID: "t1", Operation: OpTraverse, EntityType: "KNOWS",
				Query: map[string]any{"direction": "outgoing"}, DependsOn: []string{"s1"}, EstimatedCost: 10},
			{ID: "t2", Operation: OpTraverse, EntityType: "KNOWS",
				Query: map[string]any{"direction": "outgoing"}, DependsOn: []string{"t1"}, EstimatedCost: 10},
		}}

		optimized, result := opt.Optimize(plan)
		assert.NotContains(t, result.RulesApplied, RuleRedundantElimination)
		require.Len(t, optimized.Steps, 3)
		assert.Equal(t, []string{"t1"}, optimized.Steps[2].DependsOn)
		assert.Zero(t, result.EstimatedCostReduction)
	})

	t.Run("same_frontier_traversals_collapse", func(t *testing.T) {
		// After the duplicate lookups collapse, both traversals consume
		// the surviving frontier and become genuinely redundant.
		filter := map[string]any{"age": map[string]any{"$gt": float64(30)}}
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, filter),
			lookupStep("s2", "Person", 100, filter),
			{ID: "t1", Operation: OpTraverse, EntityType: "KNOWS", DependsOn: []string{"s1"}, EstimatedCost: 10},
			{ID: "t2", Operation: OpTraverse, EntityType: "KNOWS", DependsOn: []string{"s2"}, EstimatedCost: 10},
		}}

		optimized, result := opt.Optimize(plan)
		require.Contains(t, result.RulesApplied, RuleRedundantElimination)
		require.Len(t, optimized.Steps, 2)
		assert.NoError(t, optimized.Validate())
		assert.InDelta(t, 110.0, result.EstimatedCostReduction, 0.001)
	})

	t.Run("different_filters_kept", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, map[string]any{"age": float64(1)}),
			lookupStep("s2", "Person", 100, map[string]any{"age": float64(2)}),
		}}

		optimized, result := opt.Optimize(plan)
		assert.Len(t, optimized.Steps, 2)
		assert.Empty(t, result.RulesApplied)
	})

	t.Run("input_plan_untouched", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, nil),
			lookupStep("s2", "Person", 100, nil),
		}}
		opt.Optimize(plan)
		assert.Len(t, plan.Steps, 2)
	})
}

func TestJoinReordering(t *testing.T) {
	stats := NewCardinalityStats()
	stats.Set("Document", 8000)
	stats.Set("Person", 1500)
	stats.Set("Project", 500)
	opt := NewOptimizer(stats)

	t.Run("least_common_type_first", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("docs", "Document", 8000, nil),
			lookupStep("people", "Person", 1500, nil),
			lookupStep("projects", "Project", 500, nil),
		}}

		optimized, result := opt.Optimize(plan)
		require.Contains(t, result.RulesApplied, RuleJoinReordering)

		order := []string{}
		for _, s := range optimized.Steps {
			order = append(order, s.EntityType)
		}
		assert.Equal(t, []string{"Project", "Person", "Document"}, order)
	})

	t.Run("unknown_cardinality_sorts_last", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("m", "Mystery", 100, nil),
			lookupStep("p", "Project", 500, nil),
		}}

		optimized, _ := opt.Optimize(plan)
		assert.Equal(t, "Project", optimized.Steps[0].EntityType)
		assert.Equal(t, "Mystery", optimized.Steps[1].EntityType)
	})

	t.Run("dependent_steps_not_reordered", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("docs", "Document", 8000, nil),
			{ID: "t", Operation: OpTraverse, EntityType: "KNOWS", DependsOn: []string{"docs"}, EstimatedCost: 10},
			lookupStep("projects", "Project", 500, nil),
		}}

		optimized, result := opt.Optimize(plan)
		assert.NotContains(t, result.RulesApplied, RuleJoinReordering)
		assert.Equal(t, "Document", optimized.Steps[0].EntityType)
	})

	t.Run("idempotent", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("docs", "Document", 8000, nil),
			lookupStep("projects", "Project", 500, nil),
		}}

		once, result1 := opt.Optimize(plan)
		require.Contains(t, result1.RulesApplied, RuleJoinReordering)

		twice, result2 := opt.Optimize(once)
		assert.Empty(t, result2.RulesApplied)
		for i := range once.Steps {
			assert.Equal(t, once.Steps[i].ID, twice.Steps[i].ID)
		}
	})
}

func TestOptimizeCostGuard(t *testing.T) {
	opt := NewOptimizer(nil)

	t.Run("optimized_cost_never_exceeds_tolerance", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "Person", 100, nil),
			lookupStep("s2", "Person", 100, nil),
		}}
		original := plan.TotalCost()

		optimized, _ := opt.Optimize(plan)
		assert.LessOrEqual(t, optimized.TotalCost(), original*costTolerance)
	})

	t.Run("empty_plan", func(t *testing.T) {
		optimized, result := opt.Optimize(&Plan{})
		assert.Empty(t, optimized.Steps)
		assert.Empty(t, result.RulesApplied)
	})

	t.Run("nil_plan", func(t *testing.T) {
		optimized, result := opt.Optimize(nil)
		assert.Nil(t, optimized)
		assert.Empty(t, result.RulesApplied)
	})
}

func TestPlanValidate(t *testing.T) {
	t.Run("duplicate_ids", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			lookupStep("s1", "A", 1, nil),
			lookupStep("s1", "B", 1, nil),
		}}
		assert.Error(t, plan.Validate())
	})

	t.Run("unknown_dependency", func(t *testing.T) {
		plan := &Plan{Steps: []*Step{
			{ID: "s1", Operation: OpTraverse, DependsOn: []string{"ghost"}},
		}}
		assert.Error(t, plan.Validate())
	})
}
