package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/muninndb/muninn/pkg/graph"
)

// MemoryStore is a thread-safe in-memory backend.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - Small datasets that fit entirely in RAM
//   - Development and prototyping
//
// Features:
//   - Thread-safe: all operations use an RWMutex
//   - Indexed: per-tenant type and adjacency indexes for fast lookups
//   - Deep copies: returns copies to prevent external mutation
//
// Performance Characteristics:
//   - Entity lookup by ID: O(1)
//   - Entity lookup by type: O(k) where k = entities of that type
//   - Neighbor lookup: O(degree)
//
// Example:
//
//	store := storage.NewMemoryStore()
//	defer store.Close()
//
//	store.AddEntity(ctx, nil, &graph.Entity{ID: "n1", Type: "Person"})
//	store.AddEntity(ctx, nil, &graph.Entity{ID: "n2", Type: "Person"})
//	store.AddRelation(ctx, nil, &graph.Relation{
//		ID: "e1", SourceID: "n1", TargetID: "n2", Type: "KNOWS",
//	})
type MemoryStore struct {
	mu      sync.RWMutex
	tenants map[string]*tenantShard
	closed  bool
}

// tenantShard holds one tenant's entities, relations and indexes.
type tenantShard struct {
	entities  map[graph.EntityID]*graph.Entity
	relations map[graph.RelationID]*graph.Relation

	byType   map[string]map[graph.EntityID]struct{}
	outgoing map[graph.EntityID]map[graph.RelationID]struct{}
	incoming map[graph.EntityID]map[graph.RelationID]struct{}
}

func newTenantShard() *tenantShard {
	return &tenantShard{
		entities:  make(map[graph.EntityID]*graph.Entity),
		relations: make(map[graph.RelationID]*graph.Relation),
		byType:    make(map[string]map[graph.EntityID]struct{}),
		outgoing:  make(map[graph.EntityID]map[graph.RelationID]struct{}),
		incoming:  make(map[graph.EntityID]map[graph.RelationID]struct{}),
	}
}

// NewMemoryStore creates an empty in-memory store ready for concurrent use.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tenants: make(map[string]*tenantShard)}
}

// shard returns the shard for the tenant, creating it if needed.
// Caller must hold the write lock.
func (m *MemoryStore) shard(tenant *graph.TenantContext) *tenantShard {
	ns := tenant.Namespace()
	s, ok := m.tenants[ns]
	if !ok {
		s = newTenantShard()
		m.tenants[ns] = s
	}
	return s
}

// shardRead returns the shard for the tenant, or nil if the namespace has
// never been written. Caller must hold at least the read lock.
func (m *MemoryStore) shardRead(tenant *graph.TenantContext) *tenantShard {
	return m.tenants[tenant.Namespace()]
}

// AddEntity stores a new entity. Duplicate IDs fail with graph.ErrAlreadyExists.
func (m *MemoryStore) AddEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return graph.ErrStoreClosed
	}

	s := m.shard(tenant)
	if _, exists := s.entities[entity.ID]; exists {
		return graph.ErrAlreadyExists
	}

	stored := entity.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.entities[entity.ID] = stored

	typeKey := strings.ToLower(entity.Type)
	if s.byType[typeKey] == nil {
		s.byType[typeKey] = make(map[graph.EntityID]struct{})
	}
	s.byType[typeKey][entity.ID] = struct{}{}

	return nil
}

// GetEntity retrieves an entity by ID, returning a deep copy.
func (m *MemoryStore) GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return nil, graph.ErrNotFound
	}
	entity, exists := s.entities[id]
	if !exists {
		return nil, graph.ErrNotFound
	}
	return entity.Clone(), nil
}

// UpdateEntity replaces an existing entity. Missing IDs fail with graph.ErrNotFound.
func (m *MemoryStore) UpdateEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return graph.ErrNotFound
	}
	existing, exists := s.entities[entity.ID]
	if !exists {
		return graph.ErrNotFound
	}

	// Re-index if the type changed.
	oldKey, newKey := strings.ToLower(existing.Type), strings.ToLower(entity.Type)
	if oldKey != newKey {
		if s.byType[oldKey] != nil {
			delete(s.byType[oldKey], entity.ID)
		}
		if s.byType[newKey] == nil {
			s.byType[newKey] = make(map[graph.EntityID]struct{})
		}
		s.byType[newKey][entity.ID] = struct{}{}
	}

	stored := entity.Clone()
	stored.CreatedAt = existing.CreatedAt
	stored.UpdatedAt = time.Now()
	s.entities[entity.ID] = stored
	return nil
}

// DeleteEntity removes an entity and every relation touching it.
func (m *MemoryStore) DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error {
	if id == "" {
		return graph.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return graph.ErrNotFound
	}
	entity, exists := s.entities[id]
	if !exists {
		return graph.ErrNotFound
	}

	if idx := s.byType[strings.ToLower(entity.Type)]; idx != nil {
		delete(idx, id)
	}

	for relID := range s.outgoing[id] {
		if rel := s.relations[relID]; rel != nil {
			if in := s.incoming[rel.TargetID]; in != nil {
				delete(in, relID)
			}
		}
		delete(s.relations, relID)
	}
	delete(s.outgoing, id)

	for relID := range s.incoming[id] {
		if rel := s.relations[relID]; rel != nil {
			if out := s.outgoing[rel.SourceID]; out != nil {
				delete(out, relID)
			}
		}
		delete(s.relations, relID)
	}
	delete(s.incoming, id)

	delete(s.entities, id)
	return nil
}

// AddRelation stores a new relation. Both endpoints must already exist.
func (m *MemoryStore) AddRelation(ctx context.Context, tenant *graph.TenantContext, relation *graph.Relation) error {
	if relation == nil {
		return graph.ErrInvalidData
	}
	if relation.ID == "" {
		return graph.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return graph.ErrStoreClosed
	}

	s := m.shard(tenant)
	if _, exists := s.relations[relation.ID]; exists {
		return graph.ErrAlreadyExists
	}
	if _, exists := s.entities[relation.SourceID]; !exists {
		return graph.ErrNotFound
	}
	if _, exists := s.entities[relation.TargetID]; !exists {
		return graph.ErrNotFound
	}

	stored := relation.Clone()
	if stored.Weight == 0 {
		stored.Weight = 1.0
	}
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}
	s.relations[relation.ID] = stored

	if s.outgoing[relation.SourceID] == nil {
		s.outgoing[relation.SourceID] = make(map[graph.RelationID]struct{})
	}
	s.outgoing[relation.SourceID][relation.ID] = struct{}{}

	if s.incoming[relation.TargetID] == nil {
		s.incoming[relation.TargetID] = make(map[graph.RelationID]struct{})
	}
	s.incoming[relation.TargetID][relation.ID] = struct{}{}

	return nil
}

// GetRelation retrieves a relation by ID, returning a deep copy.
func (m *MemoryStore) GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return nil, graph.ErrNotFound
	}
	relation, exists := s.relations[id]
	if !exists {
		return nil, graph.ErrNotFound
	}
	return relation.Clone(), nil
}

// DeleteRelation removes a relation.
func (m *MemoryStore) DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error {
	if id == "" {
		return graph.ErrInvalidID
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return graph.ErrNotFound
	}
	relation, exists := s.relations[id]
	if !exists {
		return graph.ErrNotFound
	}

	if out := s.outgoing[relation.SourceID]; out != nil {
		delete(out, id)
	}
	if in := s.incoming[relation.TargetID]; in != nil {
		delete(in, id)
	}
	delete(s.relations, id)
	return nil
}

// Neighbors returns adjacent entities and the connecting relations.
// neighbors[i] is the far endpoint of relations[i].
func (m *MemoryStore) Neighbors(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID,
	relationType string, direction graph.Direction) ([]*graph.Entity, []*graph.Relation, error) {

	if id == "" {
		return nil, nil, graph.ErrInvalidID
	}
	if direction == "" {
		direction = graph.DirectionBoth
	}
	if !direction.Valid() {
		return nil, nil, graph.NewValidationError("direction", "unknown direction %q", direction)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return nil, nil, graph.ErrNotFound
	}
	if _, exists := s.entities[id]; !exists {
		return nil, nil, graph.ErrNotFound
	}

	var entities []*graph.Entity
	var relations []*graph.Relation

	collect := func(relIDs map[graph.RelationID]struct{}, outbound bool) {
		// Deterministic order keeps traversal results stable across runs.
		sorted := make([]graph.RelationID, 0, len(relIDs))
		for relID := range relIDs {
			sorted = append(sorted, relID)
		}
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		for _, relID := range sorted {
			rel := s.relations[relID]
			if rel == nil {
				continue
			}
			if relationType != "" && rel.Type != relationType {
				continue
			}
			farID := rel.TargetID
			if !outbound {
				farID = rel.SourceID
			}
			far := s.entities[farID]
			if far == nil {
				continue
			}
			entities = append(entities, far.Clone())
			relations = append(relations, rel.Clone())
		}
	}

	if direction == graph.DirectionOutgoing || direction == graph.DirectionBoth {
		collect(s.outgoing[id], true)
	}
	if direction == graph.DirectionIncoming || direction == graph.DirectionBoth {
		collect(s.incoming[id], false)
	}

	return entities, relations, nil
}

// AllEntities returns deep copies of every entity in the tenant namespace.
func (m *MemoryStore) AllEntities(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return []*graph.Entity{}, nil
	}
	entities := make([]*graph.Entity, 0, len(s.entities))
	for _, e := range s.entities {
		entities = append(entities, e.Clone())
	}
	return entities, nil
}

// AllRelations returns deep copies of every relation in the tenant namespace.
func (m *MemoryStore) AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return []*graph.Relation{}, nil
	}
	relations := make([]*graph.Relation, 0, len(s.relations))
	for _, r := range s.relations {
		relations = append(relations, r.Clone())
	}
	return relations, nil
}

// ListEntities is the MemoryStore's native Tier 2 listing: it walks the
// type index instead of scanning every entity when a type filter is set.
func (m *MemoryStore) ListEntities(ctx context.Context, tenant *graph.TenantContext, opts ListOptions) ([]*graph.Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, graph.ErrStoreClosed
	}

	s := m.shardRead(tenant)
	if s == nil {
		return []*graph.Entity{}, nil
	}

	var ids []graph.EntityID
	if opts.EntityType != "" {
		for id := range s.byType[strings.ToLower(opts.EntityType)] {
			ids = append(ids, id)
		}
	} else {
		for id := range s.entities {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	results := make([]*graph.Entity, 0)
	skipped := 0
	for _, id := range ids {
		if opts.AfterID != "" && id <= opts.AfterID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		if e := s.entities[id]; e != nil {
			results = append(results, e.Clone())
		}
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// EntityCount returns the number of entities in the tenant namespace.
func (m *MemoryStore) EntityCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, graph.ErrStoreClosed
	}
	s := m.shardRead(tenant)
	if s == nil {
		return 0, nil
	}
	return int64(len(s.entities)), nil
}

// RelationCount returns the number of relations in the tenant namespace.
func (m *MemoryStore) RelationCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, graph.ErrStoreClosed
	}
	s := m.shardRead(tenant)
	if s == nil {
		return 0, nil
	}
	return int64(len(s.relations)), nil
}

// Close releases all memory. Subsequent operations return graph.ErrStoreClosed.
// Idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.tenants = nil
	return nil
}

// Interface checks.
var (
	_ Store        = (*MemoryStore)(nil)
	_ EntityLister = (*MemoryStore)(nil)
)
