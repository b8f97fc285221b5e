package alias

import (
	"fmt"
	"strings"

	"github.com/muninndb/muninn/pkg/graph"
)

// Property keys the matcher reads off an entity when indexing.
const (
	propAliases       = "aliases"
	propMergedAliases = "merged_aliases"
)

// Matcher builds and maintains the alias index from entities and
// answers exact (case-insensitive) name lookups. It is the ingestion
// side of entity fusion: deduplication merges call PropagateAliases and
// MergeAliases to move one entity's names onto another atomically.
type Matcher struct {
	index *Index
}

// NewMatcher creates a matcher over an index.
func NewMatcher(index *Index) *Matcher {
	return &Matcher{index: index}
}

// Index exposes the underlying alias index.
func (m *Matcher) Index() *Index { return m.index }

// IndexEntity registers an entity's name plus its declared and
// historically merged aliases. The whole registration is one
// transaction.
func (m *Matcher) IndexEntity(entity *graph.Entity) error {
	if entity == nil || entity.ID == "" {
		return graph.ErrInvalidData
	}

	return m.index.WithTransaction(func(tx *Tx) error {
		if name := entity.Name(); name != "" {
			if err := tx.Set(name, Entry{EntityID: entity.ID, MatchType: MatchExact}); err != nil {
				return err
			}
		}
		for _, alias := range stringList(entity.Properties[propAliases]) {
			if err := tx.Set(alias, Entry{EntityID: entity.ID, MatchType: MatchAlias}); err != nil {
				return err
			}
		}
		for _, alias := range stringList(entity.Properties[propMergedAliases]) {
			if err := tx.Set(alias, Entry{EntityID: entity.ID, MatchType: MatchAlias}); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lookup resolves a name case-insensitively.
func (m *Matcher) Lookup(name string) (Entry, bool) {
	return m.index.Lookup(name)
}

// PropagateAliases re-points every alias of source onto target and
// returns the count moved. Used when source is merged into target:
// afterwards, any of source's names resolve to target. Atomic.
func (m *Matcher) PropagateAliases(sourceID, targetID graph.EntityID) (int, error) {
	if sourceID == "" || targetID == "" {
		return 0, graph.ErrInvalidID
	}

	aliases := m.index.EntityAliases(sourceID)
	err := m.index.WithTransaction(func(tx *Tx) error {
		for _, alias := range aliases {
			entry, ok := tx.Get(alias)
			if !ok {
				continue
			}
			tx.Delete(alias)
			entry.EntityID = targetID
			// The moved name is an alias of the target now, even if it
			// was the source's canonical name.
			entry.MatchType = MatchAlias
			if err := tx.Set(alias, entry); err != nil {
				return fmt.Errorf("propagate alias %q: %w", alias, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(aliases), nil
}

// MergeAliases computes the alias strings source contributes to target:
// source's name and aliases, minus target's own name (case-insensitive)
// and anything target already carries. Pure; it does not mutate the
// index or either entity.
func (m *Matcher) MergeAliases(target, source *graph.Entity) []string {
	if target == nil || source == nil {
		return nil
	}

	existing := map[string]struct{}{}
	if name := Normalize(target.Name()); name != "" {
		existing[name] = struct{}{}
	}
	for _, alias := range stringList(target.Properties[propAliases]) {
		existing[Normalize(alias)] = struct{}{}
	}
	for _, alias := range stringList(target.Properties[propMergedAliases]) {
		existing[Normalize(alias)] = struct{}{}
	}

	var candidates []string
	if name := source.Name(); name != "" {
		candidates = append(candidates, name)
	}
	candidates = append(candidates, stringList(source.Properties[propAliases])...)
	candidates = append(candidates, stringList(source.Properties[propMergedAliases])...)

	var merged []string
	for _, candidate := range candidates {
		normalized := Normalize(candidate)
		if normalized == "" {
			continue
		}
		if _, dup := existing[normalized]; dup {
			continue
		}
		existing[normalized] = struct{}{}
		merged = append(merged, candidate)
	}
	return merged
}

// stringList coerces a property value into a string slice. Accepts
// []string, []any of strings, or a comma-separated string.
func stringList(v any) []string {
	switch list := v.(type) {
	case nil:
		return nil
	case []string:
		return list
	case []any:
		var out []string
		for _, item := range list {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		var out []string
		for _, part := range strings.Split(list, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
		return out
	}
	return nil
}
