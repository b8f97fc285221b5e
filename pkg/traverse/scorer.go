package traverse

import (
	"sort"
	"strings"

	"github.com/muninndb/muninn/pkg/graph"
)

// ScoreFunc maps a path to a score. Higher is better.
type ScoreFunc func(*graph.Path) float64

// ScoredPath pairs a path with its score.
type ScoredPath struct {
	Path  *graph.Path `json:"path"`
	Score float64     `json:"score"`
}

// ByLength scores by hop count. preferShorter gives 1/(1+hops), so a
// direct edge scores 0.5 and longer paths approach 0; otherwise longer
// paths score higher via hops/(1+hops).
func ByLength(preferShorter bool) ScoreFunc {
	return func(p *graph.Path) float64 {
		hops := float64(p.Len())
		if preferShorter {
			return 1.0 / (1.0 + hops)
		}
		return hops / (1.0 + hops)
	}
}

// ByWeight scores by mean edge weight.
func ByWeight() ScoreFunc {
	return func(p *graph.Path) float64 {
		return p.MeanWeight()
	}
}

// ByRelationTypes scores by the fraction of edges whose type is in the
// preferred set; each non-preferred edge multiplies the score by
// penalty (in [0,1], 1 disables the penalty).
func ByRelationTypes(preferred []string, penalty float64) ScoreFunc {
	if penalty < 0 || penalty > 1 {
		penalty = 1
	}
	prefSet := make(map[string]struct{}, len(preferred))
	for _, t := range preferred {
		prefSet[strings.ToLower(t)] = struct{}{}
	}

	return func(p *graph.Path) float64 {
		if len(p.Edges) == 0 {
			return 0
		}
		matched := 0
		score := 1.0
		for _, edge := range p.Edges {
			if _, ok := prefSet[strings.ToLower(edge.Type)]; ok {
				matched++
			} else {
				score *= penalty
			}
		}
		return score * float64(matched) / float64(len(p.Edges))
	}
}

// ByFunc adapts an arbitrary scoring function.
func ByFunc(fn func(*graph.Path) float64) ScoreFunc {
	return fn
}

// Score applies fn to every path.
func Score(paths []*graph.Path, fn ScoreFunc) []ScoredPath {
	scored := make([]ScoredPath, len(paths))
	for i, p := range paths {
		scored[i] = ScoredPath{Path: p, Score: fn(p)}
	}
	return scored
}

// Rank sorts descending by score (stable), drops entries below
// minScore, and truncates to topK (<= 0 keeps all).
func Rank(scored []ScoredPath, topK int, minScore float64) []ScoredPath {
	ranked := make([]ScoredPath, 0, len(scored))
	for _, sp := range scored {
		if sp.Score >= minScore {
			ranked = append(ranked, sp)
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].Score > ranked[j].Score })
	if topK > 0 && len(ranked) > topK {
		ranked = ranked[:topK]
	}
	return ranked
}
