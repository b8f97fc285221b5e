package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/muninndb/muninn/pkg/graph"
)

// Key prefixes for BadgerDB storage organization.
// Single-byte prefixes keep keys compact; the tenant namespace and the
// record ID are separated by a 0x00 byte.
const (
	prefixEntity        = byte(0x01) // 0x01 + tenant + 0x00 + entityID -> JSON(storedEntity)
	prefixRelation      = byte(0x02) // 0x02 + tenant + 0x00 + relationID -> JSON(storedRelation)
	prefixTypeIndex     = byte(0x03) // 0x03 + tenant + 0x00 + type + 0x00 + entityID -> empty
	prefixOutgoingIndex = byte(0x04) // 0x04 + tenant + 0x00 + entityID + 0x00 + relationID -> empty
	prefixIncomingIndex = byte(0x05) // 0x05 + tenant + 0x00 + entityID + 0x00 + relationID -> empty
)

// BadgerStore is the embedded persistent backend on BadgerDB.
//
// Features:
//   - ACID transactions for all operations
//   - Secondary indexes for type and adjacency lookups
//   - Thread-safe concurrent access
//   - Automatic crash recovery (BadgerDB WAL)
//
// Example:
//
//	store, err := storage.NewBadgerStore(storage.BadgerOptions{DataDir: "./data"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer store.Close()
type BadgerStore struct {
	db     *badger.DB
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB backend.
type BadgerOptions struct {
	// DataDir is the directory for data files. Required unless InMemory.
	DataDir string

	// InMemory runs BadgerDB without persistence. Useful for tests.
	InMemory bool

	// SyncWrites forces fsync after each write. Slower but more durable.
	SyncWrites bool
}

// storedEntity is the on-disk JSON form of an entity, including the
// timestamps the wire form omits.
type storedEntity struct {
	Entity    *graph.Entity `json:"entity"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at,omitempty"`
}

type storedRelation struct {
	Relation  *graph.Relation `json:"relation"`
	CreatedAt time.Time       `json:"created_at"`
}

// NewBadgerStore opens (or creates) a BadgerDB-backed store.
func NewBadgerStore(opts BadgerOptions) (*BadgerStore, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, fmt.Errorf("%w: badger data dir is required", graph.ErrInvalidData)
	}

	badgerOpts := badger.DefaultOptions(opts.DataDir).
		WithInMemory(opts.InMemory).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)
	if opts.InMemory {
		badgerOpts = badgerOpts.WithDir("").WithValueDir("")
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", opts.DataDir, err)
	}
	return &BadgerStore{db: db}, nil
}

// Key builders. Tenant and ID segments are joined with 0x00 so prefix
// scans never bleed across namespaces.

func entityKey(ns string, id graph.EntityID) []byte {
	return buildKey(prefixEntity, ns, string(id))
}

func relationKey(ns string, id graph.RelationID) []byte {
	return buildKey(prefixRelation, ns, string(id))
}

func typeIndexKey(ns, entityType string, id graph.EntityID) []byte {
	return buildKey(prefixTypeIndex, ns, strings.ToLower(entityType), string(id))
}

func adjacencyKey(prefix byte, ns string, entityID graph.EntityID, relID graph.RelationID) []byte {
	return buildKey(prefix, ns, string(entityID), string(relID))
}

func buildKey(prefix byte, segments ...string) []byte {
	var buf bytes.Buffer
	buf.WriteByte(prefix)
	for i, seg := range segments {
		if i > 0 {
			buf.WriteByte(0x00)
		}
		buf.WriteString(seg)
	}
	return buf.Bytes()
}

// lastSegment returns the portion of key after the final 0x00 separator.
func lastSegment(key []byte) string {
	idx := bytes.LastIndexByte(key, 0x00)
	if idx < 0 {
		return string(key[1:])
	}
	return string(key[idx+1:])
}

func (b *BadgerStore) guard() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return graph.ErrStoreClosed
	}
	return nil
}

// AddEntity stores a new entity. Duplicate IDs fail with graph.ErrAlreadyExists.
func (b *BadgerStore) AddEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	ns := tenant.Namespace()
	return b.db.Update(func(txn *badger.Txn) error {
		key := entityKey(ns, entity.ID)
		if _, err := txn.Get(key); err == nil {
			return graph.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		stored := storedEntity{Entity: entity.Clone(), CreatedAt: time.Now()}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal entity %s: %w", entity.ID, err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(typeIndexKey(ns, entity.Type, entity.ID), nil)
	})
}

// GetEntity retrieves an entity by ID.
func (b *BadgerStore) GetEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) (*graph.Entity, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var entity *graph.Entity
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(entityKey(tenant.Namespace(), id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var stored storedEntity
			if err := json.Unmarshal(val, &stored); err != nil {
				return fmt.Errorf("unmarshal entity %s: %w", id, err)
			}
			entity = stored.Entity
			entity.CreatedAt = stored.CreatedAt
			entity.UpdatedAt = stored.UpdatedAt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return entity, nil
}

// UpdateEntity replaces an existing entity, maintaining the type index.
func (b *BadgerStore) UpdateEntity(ctx context.Context, tenant *graph.TenantContext, entity *graph.Entity) error {
	if entity == nil {
		return graph.ErrInvalidData
	}
	if entity.ID == "" {
		return graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	ns := tenant.Namespace()
	return b.db.Update(func(txn *badger.Txn) error {
		key := entityKey(ns, entity.ID)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		} else if err != nil {
			return err
		}

		var prior storedEntity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &prior)
		}); err != nil {
			return err
		}

		if !strings.EqualFold(prior.Entity.Type, entity.Type) {
			if err := txn.Delete(typeIndexKey(ns, prior.Entity.Type, entity.ID)); err != nil {
				return err
			}
			if err := txn.Set(typeIndexKey(ns, entity.Type, entity.ID), nil); err != nil {
				return err
			}
		}

		stored := storedEntity{
			Entity:    entity.Clone(),
			CreatedAt: prior.CreatedAt,
			UpdatedAt: time.Now(),
		}
		data, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("marshal entity %s: %w", entity.ID, err)
		}
		return txn.Set(key, data)
	})
}

// DeleteEntity removes an entity, its index entries, and every relation
// touching it.
func (b *BadgerStore) DeleteEntity(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID) error {
	if id == "" {
		return graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	ns := tenant.Namespace()
	return b.db.Update(func(txn *badger.Txn) error {
		key := entityKey(ns, id)
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		} else if err != nil {
			return err
		}

		var stored storedEntity
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &stored)
		}); err != nil {
			return err
		}

		if err := txn.Delete(typeIndexKey(ns, stored.Entity.Type, id)); err != nil {
			return err
		}
		if err := b.deleteAdjacent(txn, ns, prefixOutgoingIndex, id); err != nil {
			return err
		}
		if err := b.deleteAdjacent(txn, ns, prefixIncomingIndex, id); err != nil {
			return err
		}
		return txn.Delete(key)
	})
}

// deleteAdjacent removes every relation referenced by one adjacency index
// of the entity, along with both ends' index entries.
func (b *BadgerStore) deleteAdjacent(txn *badger.Txn, ns string, prefix byte, id graph.EntityID) error {
	scanPrefix := append(buildKey(prefix, ns, string(id)), 0x00)

	var relIDs []graph.RelationID
	it := txn.NewIterator(badger.IteratorOptions{Prefix: scanPrefix})
	for it.Rewind(); it.Valid(); it.Next() {
		relIDs = append(relIDs, graph.RelationID(lastSegment(it.Item().Key())))
	}
	it.Close()

	for _, relID := range relIDs {
		if err := b.deleteRelationInTxn(txn, ns, relID); err != nil && !errors.Is(err, graph.ErrNotFound) {
			return err
		}
	}
	return nil
}

// AddRelation stores a new relation after verifying both endpoints exist.
func (b *BadgerStore) AddRelation(ctx context.Context, tenant *graph.TenantContext, relation *graph.Relation) error {
	if relation == nil {
		return graph.ErrInvalidData
	}
	if relation.ID == "" {
		return graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	ns := tenant.Namespace()
	return b.db.Update(func(txn *badger.Txn) error {
		key := relationKey(ns, relation.ID)
		if _, err := txn.Get(key); err == nil {
			return graph.ErrAlreadyExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}

		for _, endpoint := range []graph.EntityID{relation.SourceID, relation.TargetID} {
			if _, err := txn.Get(entityKey(ns, endpoint)); errors.Is(err, badger.ErrKeyNotFound) {
				return fmt.Errorf("%w: relation endpoint %s", graph.ErrNotFound, endpoint)
			} else if err != nil {
				return err
			}
		}

		toStore := relation.Clone()
		if toStore.Weight == 0 {
			toStore.Weight = 1.0
		}
		data, err := json.Marshal(storedRelation{Relation: toStore, CreatedAt: time.Now()})
		if err != nil {
			return fmt.Errorf("marshal relation %s: %w", relation.ID, err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		if err := txn.Set(adjacencyKey(prefixOutgoingIndex, ns, relation.SourceID, relation.ID), nil); err != nil {
			return err
		}
		return txn.Set(adjacencyKey(prefixIncomingIndex, ns, relation.TargetID, relation.ID), nil)
	})
}

// GetRelation retrieves a relation by ID.
func (b *BadgerStore) GetRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) (*graph.Relation, error) {
	if id == "" {
		return nil, graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return nil, err
	}

	var relation *graph.Relation
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(relationKey(tenant.Namespace(), id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		} else if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var stored storedRelation
			if err := json.Unmarshal(val, &stored); err != nil {
				return fmt.Errorf("unmarshal relation %s: %w", id, err)
			}
			relation = stored.Relation
			relation.CreatedAt = stored.CreatedAt
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return relation, nil
}

// DeleteRelation removes a relation and its adjacency index entries.
func (b *BadgerStore) DeleteRelation(ctx context.Context, tenant *graph.TenantContext, id graph.RelationID) error {
	if id == "" {
		return graph.ErrInvalidID
	}
	if err := b.guard(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badger.Txn) error {
		return b.deleteRelationInTxn(txn, tenant.Namespace(), id)
	})
}

func (b *BadgerStore) deleteRelationInTxn(txn *badger.Txn, ns string, id graph.RelationID) error {
	key := relationKey(ns, id)
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return graph.ErrNotFound
	} else if err != nil {
		return err
	}

	var stored storedRelation
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &stored)
	}); err != nil {
		return err
	}

	if err := txn.Delete(adjacencyKey(prefixOutgoingIndex, ns, stored.Relation.SourceID, id)); err != nil {
		return err
	}
	if err := txn.Delete(adjacencyKey(prefixIncomingIndex, ns, stored.Relation.TargetID, id)); err != nil {
		return err
	}
	return txn.Delete(key)
}

// Neighbors returns adjacent entities and connecting relations by walking
// the adjacency indexes.
func (b *BadgerStore) Neighbors(ctx context.Context, tenant *graph.TenantContext, id graph.EntityID,
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
	if err := b.guard(); err != nil {
		return nil, nil, err
	}

	ns := tenant.Namespace()
	var entities []*graph.Entity
	var relations []*graph.Relation

	err := b.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(entityKey(ns, id)); errors.Is(err, badger.ErrKeyNotFound) {
			return graph.ErrNotFound
		} else if err != nil {
			return err
		}

		collect := func(prefix byte, outbound bool) error {
			relIDs, err := b.adjacentRelationIDs(txn, ns, prefix, id)
			if err != nil {
				return err
			}
			for _, relID := range relIDs {
				rel, err := b.relationInTxn(txn, ns, relID)
				if err != nil {
					if errors.Is(err, graph.ErrNotFound) {
						continue
					}
					return err
				}
				if relationType != "" && rel.Type != relationType {
					continue
				}
				farID := rel.TargetID
				if !outbound {
					farID = rel.SourceID
				}
				far, err := b.entityInTxn(txn, ns, farID)
				if err != nil {
					if errors.Is(err, graph.ErrNotFound) {
						continue
					}
					return err
				}
				entities = append(entities, far)
				relations = append(relations, rel)
			}
			return nil
		}

		if direction == graph.DirectionOutgoing || direction == graph.DirectionBoth {
			if err := collect(prefixOutgoingIndex, true); err != nil {
				return err
			}
		}
		if direction == graph.DirectionIncoming || direction == graph.DirectionBoth {
			if err := collect(prefixIncomingIndex, false); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return entities, relations, nil
}

func (b *BadgerStore) adjacentRelationIDs(txn *badger.Txn, ns string, prefix byte, id graph.EntityID) ([]graph.RelationID, error) {
	scanPrefix := append(buildKey(prefix, ns, string(id)), 0x00)

	var relIDs []graph.RelationID
	it := txn.NewIterator(badger.IteratorOptions{Prefix: scanPrefix})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		relIDs = append(relIDs, graph.RelationID(lastSegment(it.Item().Key())))
	}
	sort.Slice(relIDs, func(i, j int) bool { return relIDs[i] < relIDs[j] })
	return relIDs, nil
}

func (b *BadgerStore) entityInTxn(txn *badger.Txn, ns string, id graph.EntityID) (*graph.Entity, error) {
	item, err := txn.Get(entityKey(ns, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graph.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var entity *graph.Entity
	err = item.Value(func(val []byte) error {
		var stored storedEntity
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		entity = stored.Entity
		entity.CreatedAt = stored.CreatedAt
		entity.UpdatedAt = stored.UpdatedAt
		return nil
	})
	return entity, err
}

func (b *BadgerStore) relationInTxn(txn *badger.Txn, ns string, id graph.RelationID) (*graph.Relation, error) {
	item, err := txn.Get(relationKey(ns, id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, graph.ErrNotFound
	} else if err != nil {
		return nil, err
	}
	var relation *graph.Relation
	err = item.Value(func(val []byte) error {
		var stored storedRelation
		if err := json.Unmarshal(val, &stored); err != nil {
			return err
		}
		relation = stored.Relation
		relation.CreatedAt = stored.CreatedAt
		return nil
	})
	return relation, err
}

// AllEntities scans the tenant's entity keyspace.
func (b *BadgerStore) AllEntities(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Entity, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	ns := tenant.Namespace()
	scanPrefix := append(buildKey(prefixEntity, ns), 0x00)

	entities := []*graph.Entity{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scanPrefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var stored storedEntity
				if err := json.Unmarshal(val, &stored); err != nil {
					return err
				}
				stored.Entity.CreatedAt = stored.CreatedAt
				stored.Entity.UpdatedAt = stored.UpdatedAt
				entities = append(entities, stored.Entity)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return entities, err
}

// AllRelations scans the tenant's relation keyspace.
func (b *BadgerStore) AllRelations(ctx context.Context, tenant *graph.TenantContext) ([]*graph.Relation, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	ns := tenant.Namespace()
	scanPrefix := append(buildKey(prefixRelation, ns), 0x00)

	relations := []*graph.Relation{}
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: scanPrefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var stored storedRelation
				if err := json.Unmarshal(val, &stored); err != nil {
					return err
				}
				stored.Relation.CreatedAt = stored.CreatedAt
				relations = append(relations, stored.Relation)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	return relations, err
}

// ListEntities walks the type index when a type filter is set, the entity
// keyspace otherwise. Keys are scanned in order, so listings are stable.
func (b *BadgerStore) ListEntities(ctx context.Context, tenant *graph.TenantContext, opts ListOptions) ([]*graph.Entity, error) {
	if err := b.guard(); err != nil {
		return nil, err
	}

	ns := tenant.Namespace()
	results := []*graph.Entity{}
	skipped := 0

	err := b.db.View(func(txn *badger.Txn) error {
		appendEntity := func(id graph.EntityID) (done bool, err error) {
			if opts.AfterID != "" && id <= opts.AfterID {
				return false, nil
			}
			if skipped < opts.Offset {
				skipped++
				return false, nil
			}
			entity, err := b.entityInTxn(txn, ns, id)
			if err != nil {
				if errors.Is(err, graph.ErrNotFound) {
					return false, nil
				}
				return false, err
			}
			results = append(results, entity)
			return opts.Limit > 0 && len(results) >= opts.Limit, nil
		}

		var scanPrefix []byte
		if opts.EntityType != "" {
			scanPrefix = append(buildKey(prefixTypeIndex, ns, strings.ToLower(opts.EntityType)), 0x00)
		} else {
			scanPrefix = append(buildKey(prefixEntity, ns), 0x00)
		}

		it := txn.NewIterator(badger.IteratorOptions{Prefix: scanPrefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id := graph.EntityID(lastSegment(it.Item().Key()))
			done, err := appendEntity(id)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		return nil
	})
	return results, err
}

// EntityCount counts entities in the tenant namespace.
func (b *BadgerStore) EntityCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	return b.countPrefix(append(buildKey(prefixEntity, tenant.Namespace()), 0x00))
}

// RelationCount counts relations in the tenant namespace.
func (b *BadgerStore) RelationCount(ctx context.Context, tenant *graph.TenantContext) (int64, error) {
	return b.countPrefix(append(buildKey(prefixRelation, tenant.Namespace()), 0x00))
}

func (b *BadgerStore) countPrefix(prefix []byte) (int64, error) {
	if err := b.guard(); err != nil {
		return 0, err
	}

	var count int64
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})
	return count, err
}

// Close flushes and closes the underlying BadgerDB. Idempotent.
func (b *BadgerStore) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}

// Interface checks.
var (
	_ Store        = (*BadgerStore)(nil)
	_ EntityLister = (*BadgerStore)(nil)
)
