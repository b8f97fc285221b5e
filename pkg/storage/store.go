// Package storage provides the storage abstraction and backend
// implementations for Muninn.
//
// The contract is split into two tiers:
//
//   - Tier 1 (the Store interface): the operations every backend must
//     implement — lifecycle, entity/relation CRUD, neighbor lookup, and
//     plain enumeration.
//   - Tier 2 (capability interfaces): optional operations — path finding,
//     traversal, subgraph extraction, vector search, filtered query
//     execution, paginated listing, text search. Each has a generic
//     default built purely from Tier 1, so a new backend gains full
//     functionality by implementing only the Store interface and opts
//     into optimized paths incrementally.
//
// Callers should go through the package-level helpers (FindPaths,
// VectorSearch, ListEntities, ...) which probe for the capability first
// and fall back to the generic implementation otherwise.
//
// Tenant scoping: every call accepts an optional *graph.TenantContext.
// When present, reads and writes are confined to that tenant's namespace;
// entities created under one tenant are invisible to reads issued under
// another. A nil tenant selects the default namespace.
//
// Implementations:
//   - MemoryStore: in-memory storage for testing and small datasets
//   - BadgerStore: embedded persistent storage on BadgerDB
//   - RemoteStore: HTTP client for a server-hosted store
package storage

import (
	"context"

	"github.com/muninndb/muninn/pkg/graph"
)

// Store is the Tier 1 backend contract.
//
// All implementations MUST be:
//   - Thread-safe: safe for concurrent use from multiple goroutines
//   - Validating: duplicate IDs on add fail with graph.ErrAlreadyExists;
//     relations whose endpoints do not exist fail with graph.ErrNotFound
//   - Isolating: deep copies in and out, so callers can't mutate stored state
type Store interface {
	// Entity operations
	AddEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error
	GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error)
	UpdateEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error
	DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error

	// Relation operations
	AddRelation(ctx context.Context, tenant *graph.TenantContext, relation *graph.Relation) error
	GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error)
	DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error

	// Neighbors returns the entities adjacent to id together with the
	// connecting relations. relationType == "" matches every type.
	Neighbors(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID,
		relationType string, direction graph.Direction) ([]*graph.Entity, []*graph.Relation, error)

	// Enumeration. Results are unordered; use ListEntities for stable,
	// paginated listing.
	AllEntities(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Entity, error)
	AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error)

	// Stats
	EntityCount(ctx context.Context, tenant *graph.TenantContext) (int64, error)
	RelationCount(ctx context.Context, tenant *graph.TenantContext) (int64, error)

	// Lifecycle
	Close() error
}

// ListOptions controls ListEntities.
type ListOptions struct {
	// EntityType filters results to one type. Empty matches all.
	EntityType string

	// AfterID restricts results to IDs strictly greater than this value
	// (cursor pagination). Empty starts at the beginning.
	AfterID graph.EntityID

	// Offset skips this many matching entities (offset pagination).
	Offset int

	// Limit bounds the page size. 0 means no limit.
	Limit int
}

// VectorSearchOptions controls VectorSearch.
type VectorSearchOptions struct {
	// EntityType filters candidates to one type. Empty matches all.
	EntityType string

	// ScoreThreshold drops matches scoring below it.
	ScoreThreshold float64

	// Limit bounds the result count. 0 means 10.
	Limit int
}

// VectorMatch is one scored vector-search result.
type VectorMatch struct {
	Entity *graph.Entity `json:"entity"`
	Score  float64       `json:"score"`
}

// EntityQuery is the backend-neutral query descriptor executed by
// ExecuteQuery. Filter is a predicate tree in the pkg/query filter-dict
// form ($eq, $gt, $and, ...).
type EntityQuery struct {
	EntityType string         `json:"entity_type,omitempty"`
	Filter     map[string]any `json:"filter,omitempty"`
	Limit      int            `json:"limit,omitempty"`
}

// Subgraph is the result of a subgraph query: every entity within the
// requested radius of the center, plus the relations among them.
type Subgraph struct {
	Center    graph.EntityID    `json:"center"`
	Entities  []*graph.Entity   `json:"entities"`
	Relations []*graph.Relation `json:"relations"`
}

// Tier 2 capability interfaces. A backend advertises an optimized
// implementation by satisfying the interface; otherwise the package-level
// helper runs the generic fallback over Tier 1.

// PathFinder finds paths between two entities.
type PathFinder interface {
	FindPaths(ctx context.Context, tenant *graph.TenantContext,
		from, to graph.EntityID, maxDepth, maxPaths int) ([]*graph.Path, error)
}

// GraphTraverser expands outward from a start entity.
type GraphTraverser interface {
	Traverse(ctx context.Context, tenant *graph.TenantContext,
		start graph.EntityID, relationType string, maxDepth int) ([]*graph.Path, error)
}

// SubgraphQuerier extracts the neighborhood around a center entity.
type SubgraphQuerier interface {
	SubgraphQuery(ctx context.Context, tenant *graph.TenantContext,
		center graph.EntityID, radius int) (*Subgraph, error)
}

// VectorSearcher ranks entities by embedding similarity.
type VectorSearcher interface {
	VectorSearch(ctx context.Context, tenant *graph.TenantContext,
		query []float32, opts VectorSearchOptions) ([]VectorMatch, error)
}

// QueryExecutor runs a filter-dict query.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, tenant *graph.TenantContext,
		q EntityQuery) ([]*graph.Entity, error)
}

// EntityLister returns stable, paginated, filterable entity listings.
type EntityLister interface {
	ListEntities(ctx context.Context, tenant *graph.TenantContext,
		opts ListOptions) ([]*graph.Entity, error)
}

// TextSearcher matches entities by substring over name-like properties.
type TextSearcher interface {
	TextSearch(ctx context.Context, tenant *graph.TenantContext,
		text string, limit int) ([]*graph.Entity, error)
}
