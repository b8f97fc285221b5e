package reason

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muninndb/muninn/pkg/graph"
)

func ev(id string, entities []string, confidence, relevance float64, source string) *graph.Evidence {
	ids := make([]graph.EntityID, len(entities))
	for i, e := range entities {
		ids[i] = graph.EntityID(e)
	}
	return &graph.Evidence{
		ID:         id,
		Kind:       graph.EvidenceEntity,
		EntityIDs:  ids,
		Confidence: confidence,
		Relevance:  relevance,
		Source:     source,
	}
}

func TestFilterByConfidence(t *testing.T) {
	s := NewSynthesizer()
	evidence := []*graph.Evidence{
		ev("e1", []string{"a"}, 0.9, 1, "s1"),
		ev("e2", []string{"b"}, 0.4, 1, "s2"),
		ev("e3", []string{"c"}, 0.7, 1, "s3"),
	}

	kept := s.FilterByConfidence(evidence, 0.7)
	require.Len(t, kept, 2)
	assert.Equal(t, "e1", kept[0].ID)
	assert.Equal(t, "e3", kept[1].ID)
}

func TestSynthesize(t *testing.T) {
	s := NewSynthesizer()

	t.Run("unknown_method_rejected", func(t *testing.T) {
		_, err := s.Synthesize(nil, "median")
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})

	t.Run("disjoint_evidence_passes_through", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.9, 1, "s1"),
			ev("e2", []string{"b"}, 0.8, 1, "s2"),
		}
		out, err := s.Synthesize(evidence, MethodMax)
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Same(t, evidence[0], out[0])
		assert.Same(t, evidence[1], out[1])
	})

	t.Run("agreement_beats_strongest_single_source", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.8, 1, "s1"),
			ev("e2", []string{"a"}, 0.6, 1, "s2"),
			ev("e3", []string{"a"}, 0.7, 1, "s3"),
		}
		for _, method := range []string{MethodWeightedAverage, MethodMax, MethodVoting} {
			out, err := s.Synthesize(evidence, method)
			require.NoError(t, err)
			require.Len(t, out, 1, method)
			assert.Greater(t, out[0].Confidence, 0.8, method)
			assert.LessOrEqual(t, out[0].Confidence, 0.99, method)
		}
	})

	t.Run("max_method_boost", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.8, 1, "s1"),
			ev("e2", []string{"a"}, 0.6, 1, "s2"),
		}
		out, err := s.Synthesize(evidence, MethodMax)
		require.NoError(t, err)
		require.Len(t, out, 1)
		// max 0.8 + one extra source * 0.05
		assert.InDelta(t, 0.85, out[0].Confidence, 1e-9)
	})

	t.Run("confidence_ceiling", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.97, 1, "s1"),
			ev("e2", []string{"a"}, 0.97, 1, "s2"),
		}
		out, err := s.Synthesize(evidence, MethodMax)
		require.NoError(t, err)
		assert.InDelta(t, 0.99, out[0].Confidence, 1e-9)
	})

	t.Run("transitive_grouping", func(t *testing.T) {
		// e1 and e3 share nothing directly but chain through e2.
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.8, 1, "s1"),
			ev("e2", []string{"a", "b"}, 0.7, 1, "s2"),
			ev("e3", []string{"b"}, 0.6, 1, "s3"),
		}
		out, err := s.Synthesize(evidence, MethodWeightedAverage)
		require.NoError(t, err)
		require.Len(t, out, 1)

		merged := out[0]
		assert.Equal(t, []graph.EntityID{"a", "b"}, merged.EntityIDs)
		assert.Equal(t, SourceSynthesis, merged.Source)
		assert.Equal(t, 3, merged.Metadata["source_count"])
	})
}

func TestEstimateOverallConfidence(t *testing.T) {
	s := NewSynthesizer()

	t.Run("empty_is_zero", func(t *testing.T) {
		assert.Zero(t, s.EstimateOverallConfidence(nil))
	})

	t.Run("blends_mean_and_diversity", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.5, 1, "s1"),
			ev("e2", []string{"b"}, 0.5, 1, "s2"),
		}
		// 0.8*0.5 + 0.2*(2/5)
		assert.InDelta(t, 0.48, s.EstimateOverallConfidence(evidence), 1e-9)
	})

	t.Run("diversity_capped", func(t *testing.T) {
		var evidence []*graph.Evidence
		for i := 0; i < 8; i++ {
			evidence = append(evidence, ev(string(rune('a'+i)), []string{"x"}, 1.0, 1, string(rune('A'+i))))
		}
		assert.InDelta(t, 1.0, s.EstimateOverallConfidence(evidence), 1e-9)
	})
}

func TestDetectContradictions(t *testing.T) {
	s := NewSynthesizer()

	t.Run("wide_spread_flagged", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("hi", []string{"a"}, 0.95, 1, "s1"),
			ev("lo", []string{"a"}, 0.2, 1, "s2"),
			ev("ok", []string{"b"}, 0.8, 1, "s3"),
		}
		contradictions := s.DetectContradictions(evidence)
		require.Len(t, contradictions, 1)
		assert.Equal(t, graph.EntityID("a"), contradictions[0].EntityID)
		assert.InDelta(t, 0.2, contradictions[0].MinConfidence, 1e-9)
		assert.InDelta(t, 0.95, contradictions[0].MaxConfidence, 1e-9)
		assert.ElementsMatch(t, []string{"hi", "lo"}, contradictions[0].EvidenceIDs)
	})

	t.Run("narrow_spread_ok", func(t *testing.T) {
		evidence := []*graph.Evidence{
			ev("e1", []string{"a"}, 0.9, 1, "s1"),
			ev("e2", []string{"a"}, 0.7, 1, "s2"),
		}
		assert.Empty(t, s.DetectContradictions(evidence))
	})
}

func TestRankByReliability(t *testing.T) {
	s := NewSynthesizer()

	synthesized := ev("syn", []string{"a", "b"}, 0.8, 0.8, SourceSynthesis)
	plain := ev("plain", []string{"c"}, 0.8, 0.8, "query")
	weak := ev("weak", []string{"d"}, 0.3, 0.2, "query")

	ranked := s.RankByReliability([]*graph.Evidence{weak, plain, synthesized})
	require.Len(t, ranked, 3)
	assert.Equal(t, "syn", ranked[0].ID, "synthesis and multi-element bonuses win the tie")
	assert.Equal(t, "plain", ranked[1].ID)
	assert.Equal(t, "weak", ranked[2].ID)
}

func TestAnswerTagging(t *testing.T) {
	t.Run("ok_answer", func(t *testing.T) {
		a := Ok([]*graph.Evidence{ev("e1", []string{"a"}, 0.9, 1, "query")}, 0.9, []string{"step"})
		assert.False(t, a.FellBack)
		assert.Empty(t, a.FallbackReason)
	})

	t.Run("fallback_stamps_evidence", func(t *testing.T) {
		evidence := []*graph.Evidence{ev("e1", []string{"a"}, 0.5, 1, "traversal")}
		a := FellBack(evidence, 0.4, "planned query produced no evidence")
		assert.True(t, a.FellBack)
		assert.Equal(t, "planned query produced no evidence", a.FallbackReason)
		assert.Equal(t, SourceFallbackTraversal, evidence[0].Source)
	})
}
