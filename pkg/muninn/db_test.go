package muninn_test

import (
	"bytes"
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/muninndb/muninn/pkg/config"
	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/muninn"
	"github.com/muninndb/muninn/pkg/pagination"
	"github.com/muninndb/muninn/pkg/reason"
)

func openDB(t *testing.T) *muninn.DB {
	t.Helper()
	db, err := muninn.Open(config.Default(), muninn.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func person(id, name string, age float64) *graph.Entity {
	return &graph.Entity{
		ID:   graph.EntityID(id),
		Type: "Person",
		Properties: map[string]any{
			"name": name,
			"age":  age,
		},
	}
}

// seedSocial builds a small social graph:
//
//	alice -KNOWS-> bob -KNOWS-> carol
func seedSocial(t *testing.T, db *muninn.DB) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, db.AddEntity(ctx, nil, person("alice", "Alice", 34)))
	require.NoError(t, db.AddEntity(ctx, nil, person("bob", "Bob", 28)))
	require.NoError(t, db.AddEntity(ctx, nil, person("carol", "Carol", 41)))

	require.NoError(t, db.AddRelation(ctx, nil, &graph.Relation{
		ID: "r1", SourceID: "alice", TargetID: "bob", Type: "KNOWS", Confidence: 1,
	}))
	require.NoError(t, db.AddRelation(ctx, nil, &graph.Relation{
		ID: "r2", SourceID: "bob", TargetID: "carol", Type: "KNOWS", Confidence: 1,
	}))
}

func TestOpen(t *testing.T) {
	t.Run("memory_backend", func(t *testing.T) {
		db := openDB(t)
		assert.NotNil(t, db.Store())
		assert.Nil(t, db.Semantic(), "no embedding provider configured")
	})

	t.Run("nil_config_uses_defaults", func(t *testing.T) {
		db, err := muninn.Open(nil, muninn.Options{})
		require.NoError(t, err)
		db.Close()
	})

	t.Run("invalid_config_rejected", func(t *testing.T) {
		cfg := config.Default()
		cfg.Storage.Backend = "etcd"
		_, err := muninn.Open(cfg, muninn.Options{})
		assert.Error(t, err)
	})
}

func TestEntityLifecycle(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedSocial(t, db)

	t.Run("get_reads_through_cache", func(t *testing.T) {
		got, err := db.GetEntity(ctx, nil, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", got.Properties["name"])

		// Cached values are cloned; mutating a result must not leak.
		got.Properties["name"] = "Mallory"
		again, err := db.GetEntity(ctx, nil, "alice")
		require.NoError(t, err)
		assert.Equal(t, "Alice", again.Properties["name"])
	})

	t.Run("update_invalidates_cache", func(t *testing.T) {
		_, err := db.GetEntity(ctx, nil, "bob") // warm the cache
		require.NoError(t, err)

		updated := person("bob", "Robert", 29)
		require.NoError(t, db.UpdateEntity(ctx, nil, updated))

		got, err := db.GetEntity(ctx, nil, "bob")
		require.NoError(t, err)
		assert.Equal(t, "Robert", got.Properties["name"])
	})

	t.Run("add_indexes_aliases", func(t *testing.T) {
		entry, ok := db.Aliases().Lookup("carol")
		require.True(t, ok)
		assert.Equal(t, graph.EntityID("carol"), entry.EntityID)
	})

	t.Run("delete_removes_aliases", func(t *testing.T) {
		require.NoError(t, db.AddEntity(ctx, nil, person("dave", "Dave", 50)))
		require.NoError(t, db.DeleteEntity(ctx, nil, "dave"))

		_, err := db.GetEntity(ctx, nil, "dave")
		assert.ErrorIs(t, err, graph.ErrNotFound)
		_, ok := db.Aliases().Lookup("Dave")
		assert.False(t, ok)
	})

	t.Run("delete_relation", func(t *testing.T) {
		require.NoError(t, db.AddRelation(ctx, nil, &graph.Relation{
			ID: "tmp", SourceID: "alice", TargetID: "carol", Type: "KNOWS",
		}))
		require.NoError(t, db.DeleteRelation(ctx, nil, "tmp"))
		_, err := db.GetRelation(ctx, nil, "tmp")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func TestMergeEntities(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)

	require.NoError(t, db.AddEntity(ctx, nil, &graph.Entity{
		ID: "acme-1", Type: "Company",
		Properties: map[string]any{"name": "Acme Corp"},
	}))
	require.NoError(t, db.AddEntity(ctx, nil, &graph.Entity{
		ID: "acme-2", Type: "Company",
		Properties: map[string]any{"name": "Acme Corporation", "aliases": []string{"Acme Inc"}},
	}))

	moved, err := db.MergeEntities(ctx, nil, "acme-1", "acme-2")
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	t.Run("source_deleted", func(t *testing.T) {
		_, err := db.GetEntity(ctx, nil, "acme-2")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})

	t.Run("source_names_resolve_to_target", func(t *testing.T) {
		for _, name := range []string{"Acme Corporation", "acme inc"} {
			entry, ok := db.Aliases().Lookup(name)
			require.True(t, ok, "lookup %q", name)
			assert.Equal(t, graph.EntityID("acme-1"), entry.EntityID)
		}
	})

	t.Run("merged_aliases_recorded", func(t *testing.T) {
		target, err := db.GetEntity(ctx, nil, "acme-1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"Acme Corporation", "Acme Inc"},
			target.Properties["merged_aliases"])
	})

	t.Run("missing_source", func(t *testing.T) {
		_, err := db.MergeEntities(ctx, nil, "acme-1", "ghost")
		assert.ErrorIs(t, err, graph.ErrNotFound)
	})
}

func TestQuery(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedSocial(t, db)

	t.Run("filtered_lookup", func(t *testing.T) {
		res, err := db.Query(ctx, nil, "Find(Person) WHERE age > 30")
		require.NoError(t, err)
		require.Len(t, res.Entities, 2)
		ids := []graph.EntityID{res.Entities[0].ID, res.Entities[1].ID}
		assert.ElementsMatch(t, []graph.EntityID{"alice", "carol"}, ids)
		assert.Empty(t, res.Paths)
	})

	t.Run("named_anchor_with_traversal", func(t *testing.T) {
		res, err := db.Query(ctx, nil, "Find(Person[`Alice`]) FOLLOWS KNOWS")
		require.NoError(t, err)
		require.Len(t, res.Entities, 1)
		assert.Equal(t, graph.EntityID("bob"), res.Entities[0].ID)
		require.Len(t, res.Paths, 1)
		assert.Equal(t, 1, res.Paths[0].Len())
	})

	t.Run("two_hop_traversal", func(t *testing.T) {
		res, err := db.Query(ctx, nil, "Find(Person[`Alice`]) FOLLOWS KNOWS FOLLOWS KNOWS")
		require.NoError(t, err)
		require.Len(t, res.Entities, 1)
		assert.Equal(t, graph.EntityID("carol"), res.Entities[0].ID)
	})

	t.Run("parse_errors_surface", func(t *testing.T) {
		_, err := db.Query(ctx, nil, "WHERE age > 30")
		require.Error(t, err)
		assert.ErrorIs(t, err, graph.ErrInvalidData)

		var qerrs *muninn.QueryErrors
		require.ErrorAs(t, err, &qerrs)
		assert.NotEmpty(t, qerrs.Errors)
	})

	t.Run("cached_results_are_cloned", func(t *testing.T) {
		res, err := db.Query(ctx, nil, "Find(Person) WHERE age < 30")
		require.NoError(t, err)
		require.Len(t, res.Entities, 1)

		// Mutating a result must not poison subsequent cache hits.
		res.Entities[0].Properties["name"] = "Mallory"

		again, err := db.Query(ctx, nil, "Find(Person) WHERE age < 30")
		require.NoError(t, err)
		require.Len(t, again.Entities, 1)
		assert.Equal(t, "Bob", again.Entities[0].Properties["name"])
	})

	t.Run("plan_attached", func(t *testing.T) {
		res, err := db.Query(ctx, nil, "Find(Person) WHERE age > 30")
		require.NoError(t, err)
		assert.NotNil(t, res.Plan)
	})
}

func TestAnswer(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedSocial(t, db)

	t.Run("confident_answer", func(t *testing.T) {
		a, err := db.Answer(ctx, nil, "Find(Person) WHERE age > 30")
		require.NoError(t, err)
		assert.False(t, a.FellBack)
		assert.Len(t, a.Evidence, 2)
		assert.Greater(t, a.Confidence, 0.0)
	})

	t.Run("falls_back_to_traversal", func(t *testing.T) {
		// No MANAGES edges exist, but Alice is a known anchor, so the
		// naive traversal kicks in.
		a, err := db.Answer(ctx, nil, "Find(Person[`Alice`]) FOLLOWS MANAGES")
		require.NoError(t, err)
		assert.True(t, a.FellBack)
		assert.NotEmpty(t, a.FallbackReason)
		require.NotEmpty(t, a.Evidence)
		for _, ev := range a.Evidence {
			assert.Equal(t, reason.SourceFallbackTraversal, ev.Source)
		}
	})

	t.Run("no_anchor_no_evidence", func(t *testing.T) {
		a, err := db.Answer(ctx, nil, "Find(Person) WHERE age > 100")
		require.NoError(t, err)
		assert.True(t, a.FellBack)
		assert.Empty(t, a.Evidence)
	})
}

func TestInfer(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	seedSocial(t, db)

	require.NoError(t, db.Reasoner().AddRule(&graph.InferenceRule{
		ID:              "knows-transitive",
		Kind:            graph.RuleTransitive,
		RelationType:    "KNOWS",
		ConfidenceDecay: 0.1,
		Enabled:         true,
	}))

	result, err := db.Infer(ctx, nil, "KNOWS", reason.InferOptions{})
	require.NoError(t, err)
	require.Len(t, result.Inferred, 1)
	assert.Equal(t, graph.EntityID("alice"), result.Inferred[0].SourceID)
	assert.Equal(t, graph.EntityID("carol"), result.Inferred[0].TargetID)
	assert.InDelta(t, 0.9, result.Inferred[0].Confidence, 1e-9)
}

func TestPaginate(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	for i := 0; i < 12; i++ {
		id := fmt.Sprintf("p%02d", i)
		require.NoError(t, db.AddEntity(ctx, nil, person(id, id, 30)))
	}

	page, err := db.Paginate(ctx, nil, pagination.Options{PageSize: 5})
	require.NoError(t, err)
	assert.Len(t, page.Entities, 5)
	assert.True(t, page.PageInfo.HasNext)

	offsetPage, err := db.PaginateOffset(ctx, nil, 3, 5, "")
	require.NoError(t, err)
	assert.Len(t, offsetPage.Entities, 2)
	assert.Equal(t, 12, offsetPage.TotalCount)
}

func TestExportImport(t *testing.T) {
	ctx := context.Background()
	src := openDB(t)
	seedSocial(t, src)

	var buf bytes.Buffer
	exported, err := src.Export(ctx, nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, exported.Entities)
	assert.Equal(t, 2, exported.Relations)

	dst := openDB(t)
	imported, err := dst.Import(ctx, nil, &buf)
	require.NoError(t, err)
	assert.Equal(t, 3, imported.Entities)
	assert.Equal(t, 2, imported.Relations)

	res, err := dst.Query(ctx, nil, "Find(Person) WHERE age > 30")
	require.NoError(t, err)
	assert.Len(t, res.Entities, 2)
}
