package reason

import (
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/muninndb/muninn/pkg/graph"
)

// Synthesis methods.
const (
	MethodWeightedAverage = "weighted_average"
	MethodMax             = "max"
	MethodVoting          = "voting"
)

// SourceSynthesis marks evidence produced by merging other evidence.
const SourceSynthesis = "synthesis"

// agreementBoost is the per-extra-source confidence bonus applied to
// synthesized evidence, capped at confidenceCeiling. Multi-source
// agreement must score strictly above any single source.
const (
	agreementBoost    = 0.05
	confidenceCeiling = 0.99
)

// Synthesizer merges, ranks and sanity-checks evidence lists.
type Synthesizer struct {
	// ContradictionThreshold is the confidence spread above which
	// evidence about one entity counts as contradictory. Defaults to
	// 0.5.
	ContradictionThreshold float64
}

// NewSynthesizer creates a synthesizer with default thresholds.
func NewSynthesizer() *Synthesizer {
	return &Synthesizer{ContradictionThreshold: 0.5}
}

// FilterByConfidence keeps evidence at or above threshold, preserving
// order.
func (s *Synthesizer) FilterByConfidence(evidence []*graph.Evidence, threshold float64) []*graph.Evidence {
	kept := make([]*graph.Evidence, 0, len(evidence))
	for _, ev := range evidence {
		if ev.Confidence >= threshold {
			kept = append(kept, ev)
		}
	}
	return kept
}

// Synthesize merges evidence sharing at least one entity into combined
// Evidence whose confidence reflects multi-source agreement; evidence
// overlapping nothing passes through untouched. method is one of
// MethodWeightedAverage, MethodMax, MethodVoting.
func (s *Synthesizer) Synthesize(evidence []*graph.Evidence, method string) ([]*graph.Evidence, error) {
	switch method {
	case MethodWeightedAverage, MethodMax, MethodVoting:
	default:
		return nil, graph.NewValidationError("method", "unknown synthesis method %q", method)
	}

	groups := groupBySharedEntity(evidence)

	var out []*graph.Evidence
	for _, group := range groups {
		if len(group) == 1 {
			out = append(out, group[0])
			continue
		}
		out = append(out, s.combine(group, method))
	}
	return out, nil
}

// groupBySharedEntity partitions evidence into connected groups: two
// pieces land in the same group when any chain of shared entities links
// them. Group order follows first appearance.
func groupBySharedEntity(evidence []*graph.Evidence) [][]*graph.Evidence {
	parent := make([]int, len(evidence))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra != rb {
			parent[rb] = ra
		}
	}

	byEntity := make(map[graph.EntityID]int)
	for i, ev := range evidence {
		for _, id := range ev.EntityIDs {
			if j, ok := byEntity[id]; ok {
				union(j, i)
			} else {
				byEntity[id] = i
			}
		}
	}

	order := []int{}
	groups := make(map[int][]*graph.Evidence)
	for i, ev := range evidence {
		root := find(i)
		if _, seen := groups[root]; !seen {
			order = append(order, root)
		}
		groups[root] = append(groups[root], ev)
	}

	out := make([][]*graph.Evidence, 0, len(order))
	for _, root := range order {
		out = append(out, groups[root])
	}
	return out
}

// combine merges one agreeing group into a single Evidence.
func (s *Synthesizer) combine(group []*graph.Evidence, method string) *graph.Evidence {
	var (
		maxConf      float64
		weightedSum  float64
		weightTotal  float64
		relevanceSum float64
		votes        float64
	)
	entitySet := map[graph.EntityID]struct{}{}
	relationSet := map[graph.RelationID]struct{}{}

	for _, ev := range group {
		if ev.Confidence > maxConf {
			maxConf = ev.Confidence
		}
		weight := ev.Relevance
		if weight <= 0 {
			weight = 1.0
		}
		weightedSum += ev.Confidence * weight
		weightTotal += weight
		relevanceSum += ev.Relevance
		if ev.Confidence >= 0.5 {
			votes++
		}
		for _, id := range ev.EntityIDs {
			entitySet[id] = struct{}{}
		}
		for _, id := range ev.RelationIDs {
			relationSet[id] = struct{}{}
		}
	}

	var base float64
	switch method {
	case MethodWeightedAverage:
		base = weightedSum / weightTotal
	case MethodMax:
		base = maxConf
	case MethodVoting:
		base = votes / float64(len(group))
	}
	// Agreement must beat the strongest single source regardless of
	// method, so the boost applies on top of the max.
	if base < maxConf {
		base = maxConf
	}
	confidence := base + agreementBoost*float64(len(group)-1)
	if confidence > confidenceCeiling {
		confidence = confidenceCeiling
	}

	entityIDs := make([]graph.EntityID, 0, len(entitySet))
	for id := range entitySet {
		entityIDs = append(entityIDs, id)
	}
	sort.Slice(entityIDs, func(i, j int) bool { return entityIDs[i] < entityIDs[j] })

	relationIDs := make([]graph.RelationID, 0, len(relationSet))
	for id := range relationSet {
		relationIDs = append(relationIDs, id)
	}
	sort.Slice(relationIDs, func(i, j int) bool { return relationIDs[i] < relationIDs[j] })

	return &graph.Evidence{
		ID:          uuid.NewString(),
		Kind:        group[0].Kind,
		EntityIDs:   entityIDs,
		RelationIDs: relationIDs,
		Confidence:  confidence,
		Relevance:   relevanceSum / float64(len(group)),
		Explanation: fmt.Sprintf("synthesized from %d agreeing sources (%s)", len(group), method),
		Source:      SourceSynthesis,
		Metadata: map[string]any{
			"source_count": len(group),
			"method":       method,
		},
	}
}

// EstimateOverallConfidence blends mean confidence with source
// diversity: many distinct sources raise the estimate even when
// individual confidences are middling.
func (s *Synthesizer) EstimateOverallConfidence(evidence []*graph.Evidence) float64 {
	if len(evidence) == 0 {
		return 0
	}

	var sum float64
	sources := map[string]struct{}{}
	for _, ev := range evidence {
		sum += ev.Confidence
		if ev.Source != "" {
			sources[ev.Source] = struct{}{}
		}
	}
	mean := sum / float64(len(evidence))

	diversity := float64(len(sources)) / 5.0
	if diversity > 1 {
		diversity = 1
	}
	return 0.8*mean + 0.2*diversity
}

// Contradiction flags an entity whose evidence confidences diverge.
type Contradiction struct {
	EntityID      graph.EntityID `json:"entity_id"`
	MinConfidence float64        `json:"min_confidence"`
	MaxConfidence float64        `json:"max_confidence"`
	EvidenceIDs   []string       `json:"evidence_ids"`
}

// DetectContradictions flags entities whose associated evidence spreads
// wider than the contradiction threshold.
func (s *Synthesizer) DetectContradictions(evidence []*graph.Evidence) []Contradiction {
	threshold := s.ContradictionThreshold
	if threshold <= 0 {
		threshold = 0.5
	}

	type span struct {
		min, max float64
		ids      []string
	}
	byEntity := map[graph.EntityID]*span{}
	var order []graph.EntityID

	for _, ev := range evidence {
		for _, id := range ev.EntityIDs {
			sp, ok := byEntity[id]
			if !ok {
				sp = &span{min: ev.Confidence, max: ev.Confidence}
				byEntity[id] = sp
				order = append(order, id)
			}
			if ev.Confidence < sp.min {
				sp.min = ev.Confidence
			}
			if ev.Confidence > sp.max {
				sp.max = ev.Confidence
			}
			sp.ids = append(sp.ids, ev.ID)
		}
	}

	var contradictions []Contradiction
	for _, id := range order {
		sp := byEntity[id]
		if sp.max-sp.min > threshold {
			contradictions = append(contradictions, Contradiction{
				EntityID:      id,
				MinConfidence: sp.min,
				MaxConfidence: sp.max,
				EvidenceIDs:   sp.ids,
			})
		}
	}
	return contradictions
}

// RankByReliability sorts evidence descending by a blend of confidence
// and relevance, with bonuses for synthesized and multi-element
// evidence.
func (s *Synthesizer) RankByReliability(evidence []*graph.Evidence) []*graph.Evidence {
	ranked := append([]*graph.Evidence(nil), evidence...)
	sort.SliceStable(ranked, func(i, j int) bool {
		return reliabilityScore(ranked[i]) > reliabilityScore(ranked[j])
	})
	return ranked
}

func reliabilityScore(ev *graph.Evidence) float64 {
	score := 0.7*ev.Confidence + 0.3*ev.Relevance
	if ev.Source == SourceSynthesis {
		score += 0.05
	}
	if len(ev.EntityIDs)+len(ev.RelationIDs) > 1 {
		score += 0.05
	}
	return score
}
