// Package cache provides the read-through TTL cache that sits in front
// of expensive storage reads and recomputation.
//
// Features:
// - GetOrCompute with per-call TTL
// - Deterministic key derivation from operation name + ordered arguments
// - Pattern invalidation by entity/relation id
// - LRU eviction bounded by entry count and byte budget
// - Thread-safe operations
// - Cache hit/miss statistics
//
// Usage:
//
//	c := cache.New(cache.Options{MaxEntries: 1000, TTL: 5 * time.Minute})
//
//	key := cache.Key("neighbors", entityID, "KNOWS", "outgoing")
//	result, err := c.GetOrCompute(ctx, key, 0, func(ctx context.Context) (any, error) {
//		return store.Neighbors(ctx, tenant, entityID, "KNOWS", graph.DirectionOutgoing)
//	})
//	...
//	c.InvalidateEntity(entityID) // drops every key derived from entityID
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// keySeparator joins the operation name and arguments in a derived key.
// Invalidation splits on it to recover the referenced ids.
const keySeparator = "|"

// Key derives a cache key from an operation name and its ordered
// arguments. Identical calls collide on the same key; any argument that
// is an entity/relation id appears as its own segment, which is what
// makes InvalidateEntity/InvalidateRelation work.
func Key(operation string, args ...any) string {
	var sb strings.Builder
	sb.WriteString(operation)
	for _, arg := range args {
		sb.WriteString(keySeparator)
		sb.WriteString(fmt.Sprintf("%v", arg))
	}
	return sb.String()
}

// Options configures a Cache.
type Options struct {
	// MaxEntries bounds the entry count. 0 means 1000.
	MaxEntries int

	// MaxBytes bounds the approximate total value size. 0 means no
	// byte budget.
	MaxBytes int64

	// TTL is the default entry lifetime. 0 means no expiration.
	TTL time.Duration

	// Backend overrides the storage. Nil uses the in-process LRU.
	Backend Backend
}

// Cache is the TTL cache fronting storage reads.
type Cache struct {
	backend    Backend
	defaultTTL time.Duration

	hits     atomic.Uint64
	misses   atomic.Uint64
	computes atomic.Uint64
}

// New creates a cache. See Options for defaults.
func New(opts Options) *Cache {
	backend := opts.Backend
	if backend == nil {
		backend = NewMemoryBackend(opts.MaxEntries, opts.MaxBytes)
	}
	return &Cache{
		backend:    backend,
		defaultTTL: opts.TTL,
	}
}

// GetOrCompute returns the cached value for key, or runs compute and
// caches its result. ttl == 0 uses the cache default. Nil and empty
// results (empty string/slice/map) are returned but never cached, so
// transient "no data" outcomes don't mask later writes.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration,
	compute func(ctx context.Context) (any, error)) (any, error) {

	if value, ok := c.backend.Get(key); ok {
		c.hits.Add(1)
		return value, nil
	}
	c.misses.Add(1)

	c.computes.Add(1)
	value, err := compute(ctx)
	if err != nil {
		return nil, err
	}
	if isEmptyValue(value) {
		return value, nil
	}

	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.backend.Set(key, value, estimateSize(value), ttl)
	return value, nil
}

// Get returns the cached value without computing on miss.
func (c *Cache) Get(key string) (any, bool) {
	value, ok := c.backend.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return value, ok
}

// Put stores a value under the default TTL. Empty values are ignored.
func (c *Cache) Put(key string, value any) {
	if isEmptyValue(value) {
		return
	}
	c.backend.Set(key, value, estimateSize(value), c.defaultTTL)
}

// Invalidate removes one exact key.
func (c *Cache) Invalidate(key string) {
	c.backend.Delete(key)
}

// InvalidateEntity removes every key whose derivation referenced the
// entity id.
func (c *Cache) InvalidateEntity(id string) int {
	return c.invalidateSegment(id)
}

// InvalidateRelation removes every key whose derivation referenced the
// relation id.
func (c *Cache) InvalidateRelation(id string) int {
	return c.invalidateSegment(id)
}

func (c *Cache) invalidateSegment(id string) int {
	if id == "" {
		return 0
	}
	return c.backend.DeleteFunc(func(key string) bool {
		for _, segment := range strings.Split(key, keySeparator) {
			if segment == id {
				return true
			}
		}
		return false
	})
}

// Clear drops every entry.
func (c *Cache) Clear() {
	c.backend.Clear()
}

// Stats reports cache performance counters.
func (c *Cache) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()

	total := hits + misses
	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Entries:  c.backend.Len(),
		Bytes:    c.backend.SizeBytes(),
		Hits:     hits,
		Misses:   misses,
		Computes: c.computes.Load(),
		HitRate:  hitRate,
	}
}

// Stats holds cache performance statistics.
type Stats struct {
	Entries  int     // current number of entries
	Bytes    int64   // approximate cached value bytes
	Hits     uint64  // number of cache hits
	Misses   uint64  // number of cache misses
	Computes uint64  // number of compute invocations
	HitRate  float64 // hit rate percentage (0-100)
}

// isEmptyValue reports whether a computed result should bypass caching.
func isEmptyValue(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Ptr, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// estimateSize approximates the value's memory footprint for the byte
// budget. JSON length is a good-enough proxy for the map/slice/struct
// values this cache holds.
func estimateSize(value any) int {
	data, err := json.Marshal(value)
	if err != nil {
		return 64
	}
	return len(data)
}

// Backend is the pluggable storage under a Cache. Implementations must
// be safe for concurrent use.
type Backend interface {
	Get(key string) (any, bool)
	Set(key string, value any, size int, ttl time.Duration)
	Delete(key string)
	// DeleteFunc removes every key the predicate matches and returns
	// the count removed.
	DeleteFunc(match func(key string) bool) int
	Len() int
	SizeBytes() int64
	Clear()
}

// MemoryBackend is the in-process Backend: an LRU bounded by entry
// count and an optional byte budget, with per-entry TTL.
type MemoryBackend struct {
	mu sync.RWMutex

	maxEntries int
	maxBytes   int64

	entries map[string]*memEntry
	order   []string // insertion/recency order, oldest first
	bytes   int64
}

type memEntry struct {
	value     any
	size      int
	expiresAt time.Time
}

// NewMemoryBackend creates the in-process backend. maxEntries <= 0
// means 1000; maxBytes <= 0 means no byte budget.
func NewMemoryBackend(maxEntries int, maxBytes int64) *MemoryBackend {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	return &MemoryBackend{
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		entries:    make(map[string]*memEntry, maxEntries),
	}
}

// Get holds the write lock for the whole lookup: the expiry check and
// the recency touch must see the same entry a concurrent Delete or
// DeleteFunc may be removing.
func (m *MemoryBackend) Get(key string) (any, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		m.removeLocked(key)
		return nil, false
	}
	m.touchLocked(key)
	return entry.value, true
}

func (m *MemoryBackend) Set(key string, value any, size int, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if prior, ok := m.entries[key]; ok {
		m.bytes -= int64(prior.size)
		m.removeOrderLocked(key)
	}

	entry := &memEntry{value: value, size: size}
	if ttl > 0 {
		entry.expiresAt = time.Now().Add(ttl)
	}
	m.entries[key] = entry
	m.order = append(m.order, key)
	m.bytes += int64(size)

	for len(m.entries) > m.maxEntries || (m.maxBytes > 0 && m.bytes > m.maxBytes) {
		if len(m.order) == 0 {
			break
		}
		oldest := m.order[0]
		if _, ok := m.entries[oldest]; !ok {
			// Stale order slot with no backing entry: drop it so the
			// loop always makes progress.
			m.order = m.order[1:]
			continue
		}
		m.removeLocked(oldest)
	}
}

func (m *MemoryBackend) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeLocked(key)
}

func (m *MemoryBackend) DeleteFunc(match func(key string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	var doomed []string
	for key := range m.entries {
		if match(key) {
			doomed = append(doomed, key)
		}
	}
	for _, key := range doomed {
		m.removeLocked(key)
	}
	return len(doomed)
}

func (m *MemoryBackend) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *MemoryBackend) SizeBytes() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.bytes
}

func (m *MemoryBackend) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memEntry, m.maxEntries)
	m.order = nil
	m.bytes = 0
}

// touchLocked moves key to the most-recent end. A key with no backing
// entry is never re-appended: doing so would leave a stale order slot
// the eviction loop cannot remove.
func (m *MemoryBackend) touchLocked(key string) {
	if _, ok := m.entries[key]; !ok {
		return
	}
	m.removeOrderLocked(key)
	m.order = append(m.order, key)
}

func (m *MemoryBackend) removeOrderLocked(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

func (m *MemoryBackend) removeLocked(key string) {
	entry, ok := m.entries[key]
	if !ok {
		return
	}
	m.bytes -= int64(entry.size)
	delete(m.entries, key)
	m.removeOrderLocked(key)
}

var _ Backend = (*MemoryBackend)(nil)
