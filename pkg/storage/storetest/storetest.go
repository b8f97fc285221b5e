// Package storetest provides the backend conformance suite. Every
// backend must pass Run with only the Tier 1 contract implemented; the
// suite exercises the Tier 2 helpers through their generic fallbacks as
// well as any native capability the backend advertises.
package storetest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

// Factory builds a fresh, empty store for one subtest. Cleanup is the
// caller's job (use t.Cleanup).
type Factory func(t *testing.T) storage.Store

// Tier1Only wraps a store so only the Tier 1 contract is visible,
// forcing every Tier 2 helper through its generic fallback.
type Tier1Only struct {
	Inner storage.Store
}

func (w *Tier1Only) AddEntity(ctx context.Context, tenant *graph.TenantContext, e *graph.Entity) error {
	return w.Inner.AddEntity(ctx, tenant, e)
}
func (w *Tier1Only) GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error) {
	return w.Inner.GetEntity(ctx, tenant, id)
}
func (w *Tier1Only) UpdateEntity(ctx context.Context, tenant *graph.TenantContext, e *graph.Entity) error {
	return w.Inner.UpdateEntity(ctx, tenant, e)
}
func (w *Tier1Only) DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error {
	return w.Inner.DeleteEntity(ctx, tenant, id)
}
func (w *Tier1Only) AddRelation(ctx context.Context, tenant *graph.TenantContext, r *graph.Relation) error {
	return w.Inner.AddRelation(ctx, tenant, r)
}
func (w *Tier1Only) GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error) {
	return w.Inner.GetRelation(ctx, tenant, id)
}
func (w *Tier1Only) DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error {
	return w.Inner.DeleteRelation(ctx, tenant, id)
}
func (w *Tier1Only) Neighbors(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID,
	relationType string, direction graph.Direction) ([]*graph.Entity, []*graph.Relation, error) {
	return w.Inner.Neighbors(ctx, tenant, id, relationType, direction)
}
func (w *Tier1Only) AllEntities(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Entity, error) {
	return w.Inner.AllEntities(ctx, tenant)
}
func (w *Tier1Only) AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error) {
	return w.Inner.AllRelations(ctx, tenant)
}
func (w *Tier1Only) EntityCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	return w.Inner.EntityCount(ctx, tenant)
}
func (w *Tier1Only) RelationCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	return w.Inner.RelationCount(ctx, tenant)
}
func (w *Tier1Only) Close() error { return w.Inner.Close() }

var _ storage.Store = (*Tier1Only)(nil)

// Run executes the full conformance suite against stores built by the
// factory.
func Run(t *testing.T, factory Factory) {
	t.Run("entity_crud", func(t *testing.T) { testEntityCRUD(t, factory(t)) })
	t.Run("relation_crud", func(t *testing.T) { testRelationCRUD(t, factory(t)) })
	t.Run("neighbors", func(t *testing.T) { testNeighbors(t, factory(t)) })
	t.Run("tenant_isolation", func(t *testing.T) { testTenantIsolation(t, factory(t)) })
	t.Run("counts", func(t *testing.T) { testCounts(t, factory(t)) })
	t.Run("find_paths", func(t *testing.T) { testFindPaths(t, factory(t)) })
	t.Run("traverse", func(t *testing.T) { testTraverse(t, factory(t)) })
	t.Run("subgraph", func(t *testing.T) { testSubgraph(t, factory(t)) })
	t.Run("vector_search", func(t *testing.T) { testVectorSearch(t, factory(t)) })
	t.Run("execute_query", func(t *testing.T) { testExecuteQuery(t, factory(t)) })
	t.Run("list_entities", func(t *testing.T) { testListEntities(t, factory(t)) })
	t.Run("text_search", func(t *testing.T) { testTextSearch(t, factory(t)) })
}

func entity(id, entityType string, props map[string]any) *graph.Entity {
	return &graph.Entity{ID: graph.EntityID(id), Type: entityType, Properties: props}
}

func relation(id, source, target, relType string) *graph.Relation {
	return &graph.Relation{
		ID:       graph.RelationID(id),
		SourceID: graph.EntityID(source),
		TargetID: graph.EntityID(target),
		Type:     relType,
	}
}

func testEntityCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()

	e := entity("alice", "Person", map[string]any{"name": "Alice", "age": float64(30)})
	require.NoError(t, s.AddEntity(ctx, nil, e))

	t.Run("get_returns_stored_entity", func(t *testing.T) {
		got, err := s.GetEntity(ctx, nil, "alice")
		require.NoError(t, err)
		assert.Equal(t, e.ID, got.ID)
		assert.Equal(t, "Person", got.Type)
		assert.Equal(t, "Alice", got.Properties["name"])
	})

	t.Run("duplicate_add_conflicts", func(t *testing.T) {
		err := s.AddEntity(ctx, nil, entity("alice", "Person", nil))
		assert.ErrorIs(t, err, graph.ErrAlreadyExists)
	})

	t.Run("missing_entity_not_found", func(t *testing.T) {
		_, err := s.GetEntity(ctx, nil, "nobody")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("update_replaces", func(t *testing.T) {
		updated := entity("alice", "Person", map[string]any{"name": "Alice", "age": float64(31)})
		require.NoError(t, s.UpdateEntity(ctx, nil, updated))

		got, err := s.GetEntity(ctx, nil, "alice")
		require.NoError(t, err)
		assert.Equal(t, float64(31), got.Properties["age"])
	})

	t.Run("update_missing_not_found", func(t *testing.T) {
		err := s.UpdateEntity(ctx, nil, entity("nobody", "Person", nil))
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("delete_removes", func(t *testing.T) {
		require.NoError(t, s.DeleteEntity(ctx, nil, "alice"))
		_, err := s.GetEntity(ctx, nil, "alice")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("stored_state_isolated_from_caller", func(t *testing.T) {
		props := map[string]any{"name": "Bob"}
		require.NoError(t, s.AddEntity(ctx, nil, entity("bob", "Person", props)))
		props["name"] = "mutated"

		got, err := s.GetEntity(ctx, nil, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Bob", got.Properties["name"])
	})
}

func testRelationCRUD(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AddEntity(ctx, nil, entity("a", "Node", nil)))
	require.NoError(t, s.AddEntity(ctx, nil, entity("b", "Node", nil)))

	t.Run("add_and_get", func(t *testing.T) {
		require.NoError(t, s.AddRelation(ctx, nil, relation("r1", "a", "b", "LINKS")))

		got, err := s.GetRelation(ctx, nil, "r1")
		require.NoError(t, err)
		assert.Equal(t, graph.EntityID("a"), got.SourceID)
		assert.Equal(t, graph.EntityID("b"), got.TargetID)
		assert.Equal(t, 1.0, got.Weight, "weight defaults to 1.0")
	})

	t.Run("duplicate_add_conflicts", func(t *testing.T) {
		err := s.AddRelation(ctx, nil, relation("r1", "a", "b", "LINKS"))
		assert.ErrorIs(t, err, graph.ErrAlreadyExists)
	})

	t.Run("missing_endpoint_not_found", func(t *testing.T) {
		err := s.AddRelation(ctx, nil, relation("r2", "a", "ghost", "LINKS"))
		assert.ErrorIs(t, err, graph.ErrNotFound)

		err = s.AddRelation(ctx, nil, relation("r3", "ghost", "b", "LINKS"))
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("delete_entity_cascades_relations", func(t *testing.T) {
		require.NoError(t, s.DeleteEntity(ctx, nil, "b"))
		_, err := s.GetRelation(ctx, nil, "r1")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func testNeighbors(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for _, id := range []string{"hub", "n1", "n2", "n3"} {
		require.NoError(t, s.AddEntity(ctx, nil, entity(id, "Node", nil)))
	}
	require.NoError(t, s.AddRelation(ctx, nil, relation("out1", "hub", "n1", "KNOWS")))
	require.NoError(t, s.AddRelation(ctx, nil, relation("out2", "hub", "n2", "WORKS_WITH")))
	require.NoError(t, s.AddRelation(ctx, nil, relation("in1", "n3", "hub", "KNOWS")))

	t.Run("outgoing", func(t *testing.T) {
		entities, relations, err := s.Neighbors(ctx, nil, "hub", "", graph.DirectionOutgoing)
		require.NoError(t, err)
		require.Len(t, entities, 2)
		require.Len(t, relations, 2)
	})

	t.Run("incoming", func(t *testing.T) {
		entities, _, err := s.Neighbors(ctx, nil, "hub", "", graph.DirectionIncoming)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, graph.EntityID("n3"), entities[0].ID)
	})

	t.Run("both", func(t *testing.T) {
		entities, _, err := s.Neighbors(ctx, nil, "hub", "", graph.DirectionBoth)
		require.NoError(t, err)
		assert.Len(t, entities, 3)
	})

	t.Run("type_filter", func(t *testing.T) {
		entities, relations, err := s.Neighbors(ctx, nil, "hub", "KNOWS", graph.DirectionOutgoing)
		require.NoError(t, err)
		require.Len(t, entities, 1)
		assert.Equal(t, "KNOWS", relations[0].Type)
	})

	t.Run("pairs_align", func(t *testing.T) {
		entities, relations, err := s.Neighbors(ctx, nil, "hub", "", graph.DirectionOutgoing)
		require.NoError(t, err)
		for i := range entities {
			assert.Equal(t, entities[i].ID, relations[i].TargetID)
		}
	})

	t.Run("missing_entity_not_found", func(t *testing.T) {
		_, _, err := s.Neighbors(ctx, nil, "ghost", "", graph.DirectionBoth)
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("bad_direction_validation", func(t *testing.T) {
		_, _, err := s.Neighbors(ctx, nil, "hub", "", graph.Direction("sideways"))
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})
}

func testTenantIsolation(t *testing.T, s storage.Store) {
	ctx := context.Background()
	acme := &graph.TenantContext{Tenant: "acme", Isolation: graph.IsolationStrict}
	globex := &graph.TenantContext{Tenant: "globex", Isolation: graph.IsolationStrict}

	require.NoError(t, s.AddEntity(ctx, acme, entity("shared-id", "Person", map[string]any{"name": "Acme Alice"})))
	require.NoError(t, s.AddEntity(ctx, globex, entity("shared-id", "Person", map[string]any{"name": "Globex Alice"})))

	t.Run("same_id_different_tenants", func(t *testing.T) {
		a, err := s.GetEntity(ctx, acme, "shared-id")
		require.NoError(t, err)
		g, err := s.GetEntity(ctx, globex, "shared-id")
		require.NoError(t, err)
		assert.NotEqual(t, a.Properties["name"], g.Properties["name"])
	})

	t.Run("enumeration_is_scoped", func(t *testing.T) {
		require.NoError(t, s.AddEntity(ctx, acme, entity("acme-only", "Person", nil)))

		acmeAll, err := s.AllEntities(ctx, acme)
		require.NoError(t, err)
		globexAll, err := s.AllEntities(ctx, globex)
		require.NoError(t, err)

		assert.Len(t, acmeAll, 2)
		assert.Len(t, globexAll, 1)
	})

	t.Run("default_namespace_separate", func(t *testing.T) {
		_, err := s.GetEntity(ctx, nil, "shared-id")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func testCounts(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.AddEntity(ctx, nil, entity(fmt.Sprintf("e%d", i), "Node", nil)))
	}
	require.NoError(t, s.AddRelation(ctx, nil, relation("r0", "e0", "e1", "LINKS")))

	entities, err := s.EntityCount(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(5), entities)

	relations, err := s.RelationCount(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), relations)
}

// chain builds a -> b -> c -> d plus a shortcut a -> c.
func chain(t *testing.T, s storage.Store) {
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.AddEntity(ctx, nil, entity(id, "Node", nil)))
	}
	require.NoError(t, s.AddRelation(ctx, nil, relation("ab", "a", "b", "KNOWS")))
	require.NoError(t, s.AddRelation(ctx, nil, relation("bc", "b", "c", "KNOWS")))
	require.NoError(t, s.AddRelation(ctx, nil, relation("cd", "c", "d", "KNOWS")))
	require.NoError(t, s.AddRelation(ctx, nil, relation("ac", "a", "c", "SHORTCUT")))
}

func testFindPaths(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chain(t, s)

	t.Run("finds_both_routes", func(t *testing.T) {
		paths, err := storage.FindPaths(ctx, s, nil, "a", "c", 3, 10)
		require.NoError(t, err)
		require.Len(t, paths, 2)
		for _, p := range paths {
			require.NoError(t, p.Validate())
			assert.Equal(t, graph.EntityID("a"), p.Nodes[0].ID)
			assert.Equal(t, graph.EntityID("c"), p.Nodes[len(p.Nodes)-1].ID)
		}
	})

	t.Run("depth_bound_respected", func(t *testing.T) {
		paths, err := storage.FindPaths(ctx, s, nil, "a", "d", 2, 10)
		require.NoError(t, err)
		require.Len(t, paths, 1, "only the shortcut route fits in 2 hops")
		assert.Equal(t, 2, paths[0].Len())
	})

	t.Run("missing_start_not_found", func(t *testing.T) {
		_, err := storage.FindPaths(ctx, s, nil, "ghost", "c", 3, 10)
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func testTraverse(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chain(t, s)

	t.Run("reaches_entities_within_depth", func(t *testing.T) {
		paths, err := storage.Traverse(ctx, s, nil, "a", "", 2)
		require.NoError(t, err)
		reached := map[graph.EntityID]bool{}
		for _, p := range paths {
			reached[p.Nodes[len(p.Nodes)-1].ID] = true
		}
		assert.True(t, reached["b"])
		assert.True(t, reached["c"])
		assert.True(t, reached["d"], "via the shortcut a->c->d")
	})

	t.Run("relation_type_filter", func(t *testing.T) {
		paths, err := storage.Traverse(ctx, s, nil, "a", "SHORTCUT", 2)
		require.NoError(t, err)
		require.Len(t, paths, 1)
		assert.Equal(t, graph.EntityID("c"), paths[0].Nodes[1].ID)
	})
}

func testSubgraph(t *testing.T, s storage.Store) {
	ctx := context.Background()
	chain(t, s)

	sub, err := storage.SubgraphQuery(ctx, s, nil, "b", 1)
	require.NoError(t, err)

	ids := map[graph.EntityID]bool{}
	for _, e := range sub.Entities {
		ids[e.ID] = true
	}
	assert.True(t, ids["a"] && ids["b"] && ids["c"], "radius 1 around b spans a, b, c")
	assert.False(t, ids["d"])

	for _, r := range sub.Relations {
		assert.True(t, ids[r.SourceID], "relation endpoints stay inside the subgraph")
		assert.True(t, ids[r.TargetID])
	}
}

func testVectorSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()

	e1 := entity("v1", "Doc", nil)
	e1.Embedding = []float32{1, 0, 0}
	e2 := entity("v2", "Doc", nil)
	e2.Embedding = []float32{0.7, 0.7, 0}
	noEmb := entity("v3", "Doc", nil)

	require.NoError(t, s.AddEntity(ctx, nil, e1))
	require.NoError(t, s.AddEntity(ctx, nil, e2))
	require.NoError(t, s.AddEntity(ctx, nil, noEmb))

	t.Run("identical_embedding_ranks_first", func(t *testing.T) {
		matches, err := storage.VectorSearch(ctx, s, nil, []float32{1, 0, 0}, storage.VectorSearchOptions{})
		require.NoError(t, err)
		require.Len(t, matches, 2, "entity without embedding is excluded")
		assert.Equal(t, graph.EntityID("v1"), matches[0].Entity.ID)
		assert.InDelta(t, 1.0, matches[0].Score, 1e-9)
		assert.Greater(t, matches[0].Score, matches[1].Score)
	})

	t.Run("threshold_filters", func(t *testing.T) {
		matches, err := storage.VectorSearch(ctx, s, nil, []float32{1, 0, 0},
			storage.VectorSearchOptions{ScoreThreshold: 0.9})
		require.NoError(t, err)
		require.Len(t, matches, 1)
	})

	t.Run("empty_query_validation", func(t *testing.T) {
		_, err := storage.VectorSearch(ctx, s, nil, nil, storage.VectorSearchOptions{})
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})
}

func testExecuteQuery(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AddEntity(ctx, nil, entity("p1", "Person", map[string]any{"age": float64(25)})))
	require.NoError(t, s.AddEntity(ctx, nil, entity("p2", "Person", map[string]any{"age": float64(40)})))
	require.NoError(t, s.AddEntity(ctx, nil, entity("c1", "Company", map[string]any{"age": float64(99)})))

	results, err := storage.ExecuteQuery(ctx, s, nil, storage.EntityQuery{
		EntityType: "Person",
		Filter:     map[string]any{"age": map[string]any{"$gt": float64(30)}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, graph.EntityID("p2"), results[0].ID)
}

func testListEntities(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := 0; i < 9; i++ {
		require.NoError(t, s.AddEntity(ctx, nil, entity(fmt.Sprintf("e%d", i), "Node", nil)))
	}
	require.NoError(t, s.AddEntity(ctx, nil, entity("other", "Widget", nil)))

	t.Run("stable_order_and_limit", func(t *testing.T) {
		page1, err := storage.ListEntities(ctx, s, nil, storage.ListOptions{EntityType: "Node", Limit: 4})
		require.NoError(t, err)
		require.Len(t, page1, 4)

		page2, err := storage.ListEntities(ctx, s, nil, storage.ListOptions{
			EntityType: "Node", AfterID: page1[len(page1)-1].ID, Limit: 4,
		})
		require.NoError(t, err)
		require.Len(t, page2, 4)
		assert.Greater(t, string(page2[0].ID), string(page1[3].ID))
	})

	t.Run("offset", func(t *testing.T) {
		rest, err := storage.ListEntities(ctx, s, nil, storage.ListOptions{EntityType: "Node", Offset: 7})
		require.NoError(t, err)
		assert.Len(t, rest, 2)
	})

	t.Run("type_filter", func(t *testing.T) {
		widgets, err := storage.ListEntities(ctx, s, nil, storage.ListOptions{EntityType: "widget"})
		require.NoError(t, err)
		require.Len(t, widgets, 1, "type filter is case-insensitive")
	})
}

func testTextSearch(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.AddEntity(ctx, nil, entity("doc-go", "Doc", map[string]any{"title": "Learning Go"})))
	require.NoError(t, s.AddEntity(ctx, nil, entity("doc-rust", "Doc", map[string]any{"title": "Learning Rust"})))

	t.Run("matches_property_substring", func(t *testing.T) {
		results, err := storage.TextSearch(ctx, s, nil, "learning go", 10)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, graph.EntityID("doc-go"), results[0].ID)
	})

	t.Run("matches_id_substring", func(t *testing.T) {
		results, err := storage.TextSearch(ctx, s, nil, "doc-", 10)
		require.NoError(t, err)
		assert.Len(t, results, 2)
	})

	t.Run("empty_text_validation", func(t *testing.T) {
		_, err := storage.TextSearch(ctx, s, nil, "", 10)
		assert.ErrorIs(t, err, graph.ErrInvalidData)
	})
}
