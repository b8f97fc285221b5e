package planner

import (
	"sort"
	"strings"
	"sync"
)

// costTolerance caps how much an "optimization" may regress the plan:
// if the rewritten plan costs more than 110% of the original, the
// original is returned untouched.
const costTolerance = 1.10

// Rule names reported in Result.RulesApplied.
const (
	RuleRedundantElimination = "redundant_elimination"
	RuleJoinReordering       = "join_reordering"
)

// CardinalityStats tracks per-entity-type counts used for join
// reordering. Safe for concurrent use.
type CardinalityStats struct {
	mu     sync.RWMutex
	counts map[string]int64
}

// NewCardinalityStats creates empty statistics.
func NewCardinalityStats() *CardinalityStats {
	return &CardinalityStats{counts: make(map[string]int64)}
}

// Set records the cardinality of an entity type.
func (s *CardinalityStats) Set(entityType string, count int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[strings.ToLower(entityType)] = count
}

// Count returns the recorded cardinality, or -1 when unknown.
func (s *CardinalityStats) Count(entityType string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if count, ok := s.counts[strings.ToLower(entityType)]; ok {
		return count
	}
	return -1
}

// Result describes what the optimizer did.
type Result struct {
	RulesApplied           []string `json:"rules_applied"`
	EstimatedCostReduction float64  `json:"estimated_cost_reduction"`
}

// Optimizer rewrites query plans with cost-based rules:
//
//   - redundant elimination: steps with identical operation+query
//     collapse to one, with dependents re-pointed at the survivor
//   - join reordering: independent lookup steps run most-selective
//     (lowest cardinality) first
//
// Each rule is a single pass over the steps, so optimization time grows
// linearly with plan size, and re-optimizing an already-optimized plan
// is a no-op.
type Optimizer struct {
	stats *CardinalityStats
}

// NewOptimizer creates an optimizer. stats may be nil, which disables
// join reordering.
func NewOptimizer(stats *CardinalityStats) *Optimizer {
	return &Optimizer{stats: stats}
}

// Optimize returns a rewritten copy of the plan. The input plan is
// never mutated.
func (o *Optimizer) Optimize(plan *Plan) (*Plan, *Result) {
	result := &Result{}
	if plan == nil || len(plan.Steps) == 0 {
		return plan, result
	}

	originalCost := plan.TotalCost()
	optimized := plan.Clone()

	if changed := o.eliminateRedundant(optimized); changed {
		result.RulesApplied = append(result.RulesApplied, RuleRedundantElimination)
	}
	if changed := o.reorderJoins(optimized); changed {
		result.RulesApplied = append(result.RulesApplied, RuleJoinReordering)
	}

	if optimized.TotalCost() > originalCost*costTolerance {
		return plan, &Result{}
	}

	result.EstimatedCostReduction = originalCost - optimized.TotalCost()
	return optimized, result
}

// eliminateRedundant collapses steps with identical signatures,
// re-pointing dependents at the surviving step. Dependencies are
// resolved against earlier collapses before a step's signature is
// taken, so two steps consuming the same surviving frontier still
// collapse, while steps consuming different frontiers never do.
func (o *Optimizer) eliminateRedundant(plan *Plan) bool {
	survivors := make(map[string]string, len(plan.Steps)) // signature -> surviving id
	renames := make(map[string]string)                    // dropped id -> surviving id

	kept := plan.Steps[:0]
	for _, step := range plan.Steps {
		for i, dep := range step.DependsOn {
			if renamed, ok := renames[dep]; ok {
				step.DependsOn[i] = renamed
			}
		}
		sig := step.signature()
		if survivor, dup := survivors[sig]; dup {
			renames[step.ID] = survivor
			continue
		}
		survivors[sig] = step.ID
		kept = append(kept, step)
	}
	if len(renames) == 0 {
		return false
	}

	plan.Steps = kept
	// Second pass for forward references: a dependency on a step that
	// appeared later in the list than its dependent.
	for _, step := range plan.Steps {
		for i, dep := range step.DependsOn {
			if renamed, ok := renames[dep]; ok {
				step.DependsOn[i] = renamed
			}
		}
	}
	return true
}

// reorderJoins sorts the leading run of independent lookup steps by
// ascending cardinality, so the most selective lookup executes first.
// Dependent steps and steps past the first dependency keep their order.
func (o *Optimizer) reorderJoins(plan *Plan) bool {
	if o.stats == nil {
		return false
	}

	// The reorderable window is the prefix of independent lookups.
	end := 0
	for end < len(plan.Steps) {
		step := plan.Steps[end]
		if step.Operation != OpLookup || len(step.DependsOn) > 0 {
			break
		}
		end++
	}
	if end < 2 {
		return false
	}

	window := plan.Steps[:end]
	before := make([]string, end)
	for i, step := range window {
		before[i] = step.ID
	}

	sort.SliceStable(window, func(i, j int) bool {
		ci := o.stats.Count(window[i].EntityType)
		cj := o.stats.Count(window[j].EntityType)
		// Unknown cardinalities sort last, preserving relative order.
		if ci < 0 {
			return false
		}
		if cj < 0 {
			return true
		}
		return ci < cj
	})

	for i, step := range window {
		if step.ID != before[i] {
			return true
		}
	}
	return false
}
