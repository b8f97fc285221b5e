// Package alias provides the alias index and entity-fusion matchers:
// a transactional alias -> entity mapping, an exact matcher that builds
// and maintains the index, and a semantic matcher that scores candidate
// names by embedding similarity.
package alias

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/muninndb/muninn/pkg/graph"
)

// MatchType says how an alias relates to its entity.
type MatchType string

const (
	// MatchExact marks the entity's own canonical name.
	MatchExact MatchType = "exact"
	// MatchAlias marks an alternate name.
	MatchAlias MatchType = "alias"
)

// Entry is the value an alias resolves to.
type Entry struct {
	EntityID  graph.EntityID `json:"entity_id"`
	MatchType MatchType      `json:"match_type"`
}

// Backend stores the normalized-alias -> Entry mapping. Implementations
// need not be thread-safe; Index serializes all access.
type Backend interface {
	Get(alias string) (Entry, bool)
	Set(alias string, entry Entry)
	Delete(alias string)
	Len() int
	// ForEach visits every mapping. Mutation during iteration is
	// undefined.
	ForEach(fn func(alias string, entry Entry))
}

// MapBackend is the default in-memory Backend.
type MapBackend struct {
	entries map[string]Entry
}

// NewMapBackend creates an empty in-memory backend.
func NewMapBackend() *MapBackend {
	return &MapBackend{entries: make(map[string]Entry)}
}

func (m *MapBackend) Get(alias string) (Entry, bool) {
	e, ok := m.entries[alias]
	return e, ok
}

func (m *MapBackend) Set(alias string, entry Entry) { m.entries[alias] = entry }
func (m *MapBackend) Delete(alias string)           { delete(m.entries, alias) }
func (m *MapBackend) Len() int                      { return len(m.entries) }

func (m *MapBackend) ForEach(fn func(string, Entry)) {
	for alias, entry := range m.entries {
		fn(alias, entry)
	}
}

// DefaultSwitchThreshold is the alias count above which the index
// migrates to the large backend, when one is configured.
const DefaultSwitchThreshold = 100_000

// IndexOptions configures an Index.
type IndexOptions struct {
	// Backend is the initial storage. Nil uses an in-memory map.
	Backend Backend

	// LargeBackend, when set, takes over once the alias count exceeds
	// SwitchThreshold. Lookups stay O(1) across the switch.
	LargeBackend Backend

	// SwitchThreshold defaults to DefaultSwitchThreshold.
	SwitchThreshold int
}

// Index is the case-insensitive alias -> entity index.
//
// Mutations are exposed only through transactions (WithTransaction or
// the convenience wrappers built on it): a transaction's set/delete
// operations either all commit, or on any error the journal is replayed
// backwards so post-rollback state is identical to pre-transaction
// state. Transactions against one Index are serialized; plain reads
// proceed concurrently.
type Index struct {
	txMu sync.Mutex   // serializes transactions
	mu   sync.RWMutex // guards backend and reverse index

	backend  Backend
	large    Backend
	switchAt int

	// byEntity is the reverse index for O(1) per-entity alias listing.
	byEntity map[graph.EntityID]map[string]struct{}
}

// NewIndex creates an alias index.
func NewIndex(opts IndexOptions) *Index {
	backend := opts.Backend
	if backend == nil {
		backend = NewMapBackend()
	}
	switchAt := opts.SwitchThreshold
	if switchAt <= 0 {
		switchAt = DefaultSwitchThreshold
	}
	return &Index{
		backend:  backend,
		large:    opts.LargeBackend,
		switchAt: switchAt,
		byEntity: make(map[graph.EntityID]map[string]struct{}),
	}
}

// Normalize canonicalizes an alias for lookup.
func Normalize(alias string) string {
	return strings.ToLower(strings.TrimSpace(alias))
}

// Lookup resolves an alias, case-insensitively.
func (ix *Index) Lookup(alias string) (Entry, bool) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.backend.Get(Normalize(alias))
}

// Len returns the number of aliases in the index.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.backend.Len()
}

// EntityAliases returns the (normalized, sorted) aliases resolving to
// an entity.
func (ix *Index) EntityAliases(id graph.EntityID) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	aliases := make([]string, 0, len(ix.byEntity[id]))
	for alias := range ix.byEntity[id] {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)
	return aliases
}

// journalOp is one undo record. Replaying the journal in reverse
// restores the exact pre-transaction state.
type journalOp struct {
	alias   string
	prior   Entry
	existed bool
}

// Tx is an open transaction. Use only inside WithTransaction.
type Tx struct {
	ix      *Index
	journal []journalOp
}

// Get reads through the transaction (sees its own uncommitted writes,
// since mutations apply eagerly and roll back on error).
func (tx *Tx) Get(alias string) (Entry, bool) {
	return tx.ix.backend.Get(Normalize(alias))
}

// Set maps an alias to an entry.
func (tx *Tx) Set(alias string, entry Entry) error {
	normalized := Normalize(alias)
	if normalized == "" {
		return graph.NewValidationError("alias", "empty alias")
	}
	if entry.EntityID == "" {
		return graph.NewValidationError("entity_id", "alias %q has no entity id", alias)
	}

	prior, existed := tx.ix.backend.Get(normalized)
	tx.journal = append(tx.journal, journalOp{alias: normalized, prior: prior, existed: existed})
	tx.ix.applySet(normalized, entry)
	return nil
}

// Delete removes an alias. Deleting a missing alias is a no-op.
func (tx *Tx) Delete(alias string) {
	normalized := Normalize(alias)
	prior, existed := tx.ix.backend.Get(normalized)
	if !existed {
		return
	}
	tx.journal = append(tx.journal, journalOp{alias: normalized, prior: prior, existed: true})
	tx.ix.applyDelete(normalized)
}

// WithTransaction runs fn inside a serialized transaction. If fn
// returns an error (or panics), every mutation is rolled back before
// the error propagates.
func (ix *Index) WithTransaction(fn func(tx *Tx) error) (err error) {
	ix.txMu.Lock()
	defer ix.txMu.Unlock()

	tx := &Tx{ix: ix}

	defer func() {
		if r := recover(); r != nil {
			ix.rollback(tx)
			panic(r)
		}
		if err != nil {
			ix.rollback(tx)
		}
	}()

	err = fn(tx)
	return err
}

// rollback replays the journal in reverse under the write lock.
func (ix *Index) rollback(tx *Tx) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	for i := len(tx.journal) - 1; i >= 0; i-- {
		op := tx.journal[i]
		if op.existed {
			ix.setLocked(op.alias, op.prior)
		} else {
			ix.deleteLocked(op.alias)
		}
	}
}

func (ix *Index) applySet(alias string, entry Entry) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.setLocked(alias, entry)
	ix.maybeSwitchLocked()
}

func (ix *Index) applyDelete(alias string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.deleteLocked(alias)
}

func (ix *Index) setLocked(alias string, entry Entry) {
	if prior, ok := ix.backend.Get(alias); ok {
		ix.unlinkLocked(prior.EntityID, alias)
	}
	ix.backend.Set(alias, entry)
	if ix.byEntity[entry.EntityID] == nil {
		ix.byEntity[entry.EntityID] = make(map[string]struct{})
	}
	ix.byEntity[entry.EntityID][alias] = struct{}{}
}

func (ix *Index) deleteLocked(alias string) {
	prior, ok := ix.backend.Get(alias)
	if !ok {
		return
	}
	ix.backend.Delete(alias)
	ix.unlinkLocked(prior.EntityID, alias)
}

func (ix *Index) unlinkLocked(id graph.EntityID, alias string) {
	if set := ix.byEntity[id]; set != nil {
		delete(set, alias)
		if len(set) == 0 {
			delete(ix.byEntity, id)
		}
	}
}

// maybeSwitchLocked migrates to the large backend once the alias count
// crosses the threshold.
func (ix *Index) maybeSwitchLocked() {
	if ix.large == nil || ix.backend.Len() <= ix.switchAt {
		return
	}
	ix.backend.ForEach(func(alias string, entry Entry) {
		ix.large.Set(alias, entry)
	})
	ix.backend = ix.large
	ix.large = nil
}

// AddAlias maps one alias to an entity in its own transaction.
func (ix *Index) AddAlias(alias string, id graph.EntityID, matchType MatchType) error {
	return ix.WithTransaction(func(tx *Tx) error {
		return tx.Set(alias, Entry{EntityID: id, MatchType: matchType})
	})
}

// RemoveAlias deletes one alias in its own transaction.
func (ix *Index) RemoveAlias(alias string) error {
	return ix.WithTransaction(func(tx *Tx) error {
		tx.Delete(alias)
		return nil
	})
}

// RemoveEntityAliases deletes every alias of an entity and returns the
// count removed.
func (ix *Index) RemoveEntityAliases(id graph.EntityID) (int, error) {
	aliases := ix.EntityAliases(id)
	err := ix.WithTransaction(func(tx *Tx) error {
		for _, alias := range aliases {
			tx.Delete(alias)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(aliases), nil
}

// BatchLoad inserts many aliases as one transaction: either the whole
// batch lands or none of it does.
func (ix *Index) BatchLoad(entries map[string]Entry) error {
	// Deterministic order so a mid-batch failure is reproducible.
	aliases := make([]string, 0, len(entries))
	for alias := range entries {
		aliases = append(aliases, alias)
	}
	sort.Strings(aliases)

	return ix.WithTransaction(func(tx *Tx) error {
		for _, alias := range aliases {
			if err := tx.Set(alias, entries[alias]); err != nil {
				return fmt.Errorf("batch load %q: %w", alias, err)
			}
		}
		return nil
	})
}
