package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntityName(t *testing.T) {
	named := &Entity{ID: "e1", Properties: map[string]any{"name": "Alice"}}
	assert.Equal(t, "Alice", named.Name())

	unnamed := &Entity{ID: "e2"}
	assert.Equal(t, "e2", unnamed.Name())

	blank := &Entity{ID: "e3", Properties: map[string]any{"name": ""}}
	assert.Equal(t, "e3", blank.Name())
}

func TestEntityClone(t *testing.T) {
	original := &Entity{
		ID:         "e1",
		Type:       "Person",
		Properties: map[string]any{"name": "Alice"},
		Embedding:  []float32{1, 2, 3},
	}

	copied := original.Clone()
	copied.Properties["name"] = "Mallory"
	copied.Embedding[0] = 9

	assert.Equal(t, "Alice", original.Properties["name"])
	assert.Equal(t, float32(1), original.Embedding[0])

	var nilEntity *Entity
	assert.Nil(t, nilEntity.Clone())
}

func TestDirectionValid(t *testing.T) {
	assert.True(t, DirectionOutgoing.Valid())
	assert.True(t, DirectionIncoming.Valid())
	assert.True(t, DirectionBoth.Valid())
	assert.False(t, Direction("sideways").Valid())
	assert.False(t, Direction("").Valid())
}

func TestPath(t *testing.T) {
	node := func(id string) *Entity { return &Entity{ID: EntityID(id), Type: "Node"} }
	edge := func(id, src, dst string, weight float64) *Relation {
		return &Relation{ID: RelationID(id), SourceID: EntityID(src), TargetID: EntityID(dst), Type: "L", Weight: weight}
	}

	t.Run("validate", func(t *testing.T) {
		good := &Path{
			Nodes: []*Entity{node("a"), node("b"), node("c")},
			Edges: []*Relation{edge("r1", "a", "b", 1), edge("r2", "c", "b", 1)},
		}
		require.NoError(t, good.Validate(), "reverse-direction edges still connect")

		empty := &Path{}
		assert.ErrorIs(t, empty.Validate(), ErrInvalidData)

		lopsided := &Path{Nodes: []*Entity{node("a"), node("b")}}
		assert.ErrorIs(t, lopsided.Validate(), ErrInvalidData)

		disconnected := &Path{
			Nodes: []*Entity{node("a"), node("b")},
			Edges: []*Relation{edge("r1", "a", "z", 1)},
		}
		assert.ErrorIs(t, disconnected.Validate(), ErrInvalidData)
	})

	t.Run("mean_weight", func(t *testing.T) {
		p := &Path{
			Nodes: []*Entity{node("a"), node("b"), node("c")},
			Edges: []*Relation{edge("r1", "a", "b", 0.5), edge("r2", "b", "c", 0)},
		}
		// Unset weight counts as the 1.0 default.
		assert.InDelta(t, 0.75, p.MeanWeight(), 1e-9)
		assert.Equal(t, 2, p.Len())

		single := &Path{Nodes: []*Entity{node("a")}}
		assert.InDelta(t, 1.0, single.MeanWeight(), 1e-9)
	})
}

func TestEvidence(t *testing.T) {
	a := &Evidence{ID: "a", EntityIDs: []EntityID{"x", "y"}, Confidence: 0.8, Relevance: 0.5}
	b := &Evidence{ID: "b", EntityIDs: []EntityID{"y"}}
	c := &Evidence{ID: "c", EntityIDs: []EntityID{"z"}}

	assert.InDelta(t, 0.4, a.CombinedScore(), 1e-9)
	assert.True(t, a.SharesEntity(b))
	assert.False(t, a.SharesEntity(c))
}

func TestInferenceRuleValidate(t *testing.T) {
	valid := &InferenceRule{ID: "r", Kind: RuleTransitive, RelationType: "PART_OF", ConfidenceDecay: 0.1}
	require.NoError(t, valid.Validate())

	cases := []struct {
		name string
		rule InferenceRule
	}{
		{"missing_id", InferenceRule{Kind: RuleTransitive, RelationType: "X"}},
		{"missing_relation_type", InferenceRule{ID: "r", Kind: RuleTransitive}},
		{"decay_out_of_range", InferenceRule{ID: "r", Kind: RuleTransitive, RelationType: "X", ConfidenceDecay: 1.5}},
		{"unknown_kind", InferenceRule{ID: "r", Kind: "REFLEXIVE", RelationType: "X"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.ErrorIs(t, tc.rule.Validate(), ErrInvalidData)
		})
	}

	t.Run("applies_to", func(t *testing.T) {
		enabled := &InferenceRule{ID: "r", Kind: RuleTransitive, RelationType: "PART_OF", Enabled: true}
		assert.True(t, enabled.AppliesTo("PART_OF"))
		assert.False(t, enabled.AppliesTo("KNOWS"))

		disabled := *enabled
		disabled.Enabled = false
		assert.False(t, disabled.AppliesTo("PART_OF"))
	})
}

func TestTenantNamespace(t *testing.T) {
	var nilTenant *TenantContext
	assert.Empty(t, nilTenant.Namespace())
	assert.Empty(t, (&TenantContext{}).Namespace())
	assert.Equal(t, "acme", (&TenantContext{Tenant: "acme"}).Namespace())
}
