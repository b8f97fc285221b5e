// Package muninn is the embedding-friendly facade over the engine: one
// DB value wiring a storage backend, the read cache, the alias index,
// the query pipeline, and the reasoning engine together.
//
// Example:
//
//	db, err := muninn.Open(config.Default(), muninn.Options{})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	err = db.AddEntity(ctx, nil, &graph.Entity{ID: "alice", Type: "Person"})
//	res, err := db.Query(ctx, nil, "Find(Person) WHERE age > 30")
package muninn

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/muninndb/muninn/pkg/alias"
	"github.com/muninndb/muninn/pkg/cache"
	"github.com/muninndb/muninn/pkg/config"
	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/pagination"
	"github.com/muninndb/muninn/pkg/planner"
	"github.com/muninndb/muninn/pkg/query"
	"github.com/muninndb/muninn/pkg/reason"
	"github.com/muninndb/muninn/pkg/storage"
	"github.com/muninndb/muninn/pkg/stream"
)

// Options carries the collaborators a Config cannot describe.
type Options struct {
	// Store overrides the backend the config would select. Used by the
	// server (which constructs its own) and by tests.
	Store storage.Store

	// EmbeddingProvider powers the semantic name matcher. Nil disables
	// semantic matching regardless of config.
	EmbeddingProvider alias.EmbeddingProvider

	// Schema validates parsed queries. Nil skips schema validation.
	Schema *query.Schema
}

// DB is an opened Muninn engine instance. Every piece of state lives on
// the DB value; multiple isolated instances can coexist in one process.
type DB struct {
	cfg   *config.Config
	store storage.Store

	cache   *cache.Cache
	parser  *query.Parser
	schema  *query.Schema
	stats   *planner.CardinalityStats
	opt     *planner.Optimizer
	reason  *reason.Engine
	synth   *reason.Synthesizer
	matcher *alias.Matcher
	sem     *alias.SemanticMatcher
}

// Open constructs a DB from configuration.
func Open(cfg *config.Config, opts Options) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		var err error
		store, err = openStore(cfg)
		if err != nil {
			return nil, err
		}
	}

	var readCache *cache.Cache
	if cfg.Cache.Enabled {
		readCache = cache.New(cache.Options{
			MaxEntries: cfg.Cache.MaxEntries,
			MaxBytes:   cfg.Cache.MaxBytes,
			TTL:        cfg.Cache.TTL,
		})
	}

	stats := planner.NewCardinalityStats()

	db := &DB{
		cfg:     cfg,
		store:   store,
		cache:   readCache,
		parser:  query.NewParser(),
		schema:  opts.Schema,
		stats:   stats,
		opt:     planner.NewOptimizer(stats),
		synth:   reason.NewSynthesizer(),
		matcher: alias.NewMatcher(alias.NewIndex(alias.IndexOptions{})),
	}
	db.reason = reason.NewEngine(reason.EngineOptions{
		CacheSize: cfg.Inference.CacheSize,
		CacheTTL:  cfg.Inference.CacheTTL,
	})
	if opts.EmbeddingProvider != nil {
		db.sem = alias.NewSemanticMatcher(opts.EmbeddingProvider, alias.SemanticOptions{
			SimilarityThreshold: cfg.Semantic.SimilarityThreshold,
			CacheSize:           cfg.Semantic.CacheSize,
			Disabled:            !cfg.Semantic.Enabled,
		})
	}
	return db, nil
}

func openStore(cfg *config.Config) (storage.Store, error) {
	switch cfg.Storage.Backend {
	case config.BackendMemory:
		return storage.NewMemoryStore(), nil
	case config.BackendBadger:
		return storage.NewBadgerStore(storage.BadgerOptions{
			DataDir:    cfg.Storage.DataDir,
			SyncWrites: cfg.Storage.SyncWrites,
		})
	case config.BackendRemote:
		return storage.NewRemoteStore(storage.RemoteOptions{
			BaseURL: cfg.Storage.RemoteURL,
			Timeout: cfg.Storage.RemoteTimeout,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Store exposes the underlying backend.
func (db *DB) Store() storage.Store { return db.store }

// Aliases exposes the alias matcher.
func (db *DB) Aliases() *alias.Matcher { return db.matcher }

// Semantic exposes the semantic matcher, or nil when no embedding
// provider was configured.
func (db *DB) Semantic() *alias.SemanticMatcher { return db.sem }

// Reasoner exposes the inference engine.
func (db *DB) Reasoner() *reason.Engine { return db.reason }

// Synthesizer exposes the evidence synthesizer.
func (db *DB) Synthesizer() *reason.Synthesizer { return db.synth }

// Close releases the backend.
func (db *DB) Close() error {
	return db.store.Close()
}

// AddEntity stores an entity, indexes its aliases, and invalidates any
// cached reads derived from its id.
func (db *DB) AddEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if err := db.store.AddEntity(ctx, tenant, entity); err != nil {
		return err
	}
	if err := db.matcher.IndexEntity(entity); err != nil {
		return err
	}
	db.invalidateEntity(entity.ID)
	return nil
}

// GetEntity reads through the cache.
func (db *DB) GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error) {
	if db.cache == nil {
		return db.store.GetEntity(ctx, tenant, id)
	}
	key := cache.Key("get_entity", tenant.Namespace(), id)
	value, err := db.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) (any, error) {
		return db.store.GetEntity(ctx, tenant, id)
	})
	if err != nil {
		return nil, err
	}
	// Clone so cached values stay immutable across callers.
	return value.(*graph.Entity).Clone(), nil
}

// UpdateEntity replaces an entity and invalidates derived cache keys.
func (db *DB) UpdateEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if err := db.store.UpdateEntity(ctx, tenant, entity); err != nil {
		return err
	}
	db.invalidateEntity(entity.ID)
	return nil
}

// DeleteEntity removes an entity, its aliases, and derived cache keys.
func (db *DB) DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error {
	if err := db.store.DeleteEntity(ctx, tenant, id); err != nil {
		return err
	}
	if _, err := db.matcher.Index().RemoveEntityAliases(id); err != nil {
		return err
	}
	db.invalidateEntity(id)
	return nil
}

// AddRelation stores a relation and invalidates inference results that
// may now be stale.
func (db *DB) AddRelation(ctx context.Context, tenant *graph.TenantContext, relation *graph.Relation) error {
	if err := db.store.AddRelation(ctx, tenant, relation); err != nil {
		return err
	}
	db.invalidateRelation(relation)
	return nil
}

// GetRelation reads a relation.
func (db *DB) GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error) {
	return db.store.GetRelation(ctx, tenant, id)
}

// DeleteRelation removes a relation.
func (db *DB) DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error {
	rel, err := db.store.GetRelation(ctx, tenant, id)
	if err != nil {
		return err
	}
	if err := db.store.DeleteRelation(ctx, tenant, id); err != nil {
		return err
	}
	db.invalidateRelation(rel)
	return nil
}

func (db *DB) invalidateEntity(id graph.EntityID) {
	if db.cache != nil {
		db.cache.InvalidateEntity(string(id))
	}
	db.reason.InvalidateCache()
}

func (db *DB) invalidateRelation(rel *graph.Relation) {
	if db.cache != nil {
		db.cache.InvalidateRelation(string(rel.ID))
		db.cache.InvalidateEntity(string(rel.SourceID))
		db.cache.InvalidateEntity(string(rel.TargetID))
	}
	db.reason.InvalidateCache()
}

// MergeEntities folds source into target: source's aliases re-point to
// target atomically, merged alias names land on the target's
// merged_aliases property, and source is deleted.
func (db *DB) MergeEntities(ctx context.Context, tenant *graph.TenantContext,
	targetID, sourceID graph.EntityID) (int, error) {

	target, err := db.store.GetEntity(ctx, tenant, targetID)
	if err != nil {
		return 0, err
	}
	source, err := db.store.GetEntity(ctx, tenant, sourceID)
	if err != nil {
		return 0, err
	}

	added := db.matcher.MergeAliases(target, source)
	if len(added) > 0 {
		if target.Properties == nil {
			target.Properties = map[string]any{}
		}
		merged := append([]string{}, aliasStrings(target.Properties["merged_aliases"])...)
		merged = append(merged, added...)
		target.Properties["merged_aliases"] = merged
		if err := db.store.UpdateEntity(ctx, tenant, target); err != nil {
			return 0, err
		}
	}

	moved, err := db.matcher.PropagateAliases(sourceID, targetID)
	if err != nil {
		return 0, err
	}

	if err := db.store.DeleteEntity(ctx, tenant, sourceID); err != nil {
		return moved, err
	}
	db.invalidateEntity(sourceID)
	db.invalidateEntity(targetID)
	return moved, nil
}

func aliasStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// Infer runs the inference engine over the store.
func (db *DB) Infer(ctx context.Context, tenant *graph.TenantContext,
	relationType string, opts reason.InferOptions) (*reason.Result, error) {
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = db.cfg.Inference.MaxSteps
	}
	return db.reason.InferRelations(ctx, db.store, tenant, relationType, opts)
}

// RefreshStats recomputes per-type cardinalities for the optimizer.
func (db *DB) RefreshStats(ctx context.Context, tenant *graph.TenantContext) error {
	entities, err := db.store.AllEntities(ctx, tenant)
	if err != nil {
		return err
	}
	counts := map[string]int64{}
	for _, e := range entities {
		counts[strings.ToLower(e.Type)]++
	}
	for entityType, count := range counts {
		db.stats.Set(entityType, count)
	}
	return nil
}

// Paginate returns one cursor-paginated page of entities.
func (db *DB) Paginate(ctx context.Context, tenant *graph.TenantContext,
	opts pagination.Options) (*pagination.Page, error) {
	return pagination.Entities(ctx, db.store, tenant, opts)
}

// PaginateOffset returns one offset-paginated page of entities.
func (db *DB) PaginateOffset(ctx context.Context, tenant *graph.TenantContext,
	page, pageSize int, entityType string) (*pagination.Page, error) {
	return pagination.EntitiesOffset(ctx, db.store, tenant, page, pageSize, entityType)
}

// Export streams the tenant's graph to w.
func (db *DB) Export(ctx context.Context, tenant *graph.TenantContext, w io.Writer) (*stream.Report, error) {
	return stream.Export(ctx, db.store, tenant, w, stream.ExportOptions{
		BatchSize: db.cfg.Stream.BatchSize,
		Gzip:      db.cfg.Stream.Gzip,
	})
}

// Import loads records from r into the tenant's graph.
func (db *DB) Import(ctx context.Context, tenant *graph.TenantContext, r io.Reader) (*stream.Report, error) {
	report, err := stream.Import(ctx, db.store, tenant, r, stream.ImportOptions{})
	if err != nil {
		return report, err
	}
	if db.cache != nil {
		db.cache.Clear()
	}
	db.reason.InvalidateCache()
	return report, nil
}
