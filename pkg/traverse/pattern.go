// Package traverse provides pattern-constrained graph traversal, cycle
// detection, and path scoring on top of the storage layer.
package traverse

import (
	"context"
	"strings"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

// Pattern constrains a traversal.
type Pattern struct {
	// MaxDepth bounds the hop count. <= 0 means 3.
	MaxDepth int

	// RelationTypes whitelists the relation types any hop may use.
	// Empty allows all. Ignored when RequiredRelationSequence is set.
	RelationTypes []string

	// RequiredRelationSequence forces the k-th hop to use the k-th
	// listed relation type; paths are capped at its length.
	RequiredRelationSequence []string

	// AllowedEntityTypes whitelists the entity types a path may visit
	// (the start entity is exempt). Empty allows all.
	AllowedEntityTypes []string

	// ExcludedEntityTypes blacklists entity types.
	ExcludedEntityTypes []string

	// ExcludedEntityIDs blacklists specific entities.
	ExcludedEntityIDs []graph.EntityID

	// MinPathLength drops returned paths shorter than this many hops.
	MinPathLength int

	// AllowCycles permits revisiting entities within one path.
	AllowCycles bool
}

// maxDepth resolves the effective depth bound.
func (p *Pattern) maxDepth() int {
	depth := p.MaxDepth
	if depth <= 0 {
		depth = 3
	}
	if len(p.RequiredRelationSequence) > 0 && depth > len(p.RequiredRelationSequence) {
		depth = len(p.RequiredRelationSequence)
	}
	return depth
}

// ShouldContinue reports whether expansion may proceed past the given
// depth.
func (p *Pattern) ShouldContinue(currentDepth int) bool {
	return currentDepth < p.maxDepth()
}

// relationAllowed checks the hop's relation type at the given depth
// (0-based hop index).
func (p *Pattern) relationAllowed(hop int, relationType string) bool {
	if len(p.RequiredRelationSequence) > 0 {
		if hop >= len(p.RequiredRelationSequence) {
			return false
		}
		return strings.EqualFold(p.RequiredRelationSequence[hop], relationType)
	}
	if len(p.RelationTypes) == 0 {
		return true
	}
	for _, t := range p.RelationTypes {
		if strings.EqualFold(t, relationType) {
			return true
		}
	}
	return false
}

// entityAllowed checks a candidate entity against the type and id
// constraints.
func (p *Pattern) entityAllowed(e *graph.Entity) bool {
	for _, id := range p.ExcludedEntityIDs {
		if e.ID == id {
			return false
		}
	}
	for _, t := range p.ExcludedEntityTypes {
		if strings.EqualFold(e.Type, t) {
			return false
		}
	}
	if len(p.AllowedEntityTypes) > 0 {
		for _, t := range p.AllowedEntityTypes {
			if strings.EqualFold(e.Type, t) {
				return true
			}
		}
		return false
	}
	return true
}

// WithPattern explores the store from start honoring the pattern and
// returns at most maxResults paths (<= 0 means 100), every one anchored
// at start and within the pattern's depth bound.
func WithPattern(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	start graph.EntityID, pattern *Pattern, maxResults int) ([]*graph.Path, error) {

	if pattern == nil {
		pattern = &Pattern{}
	}
	if maxResults <= 0 {
		maxResults = 100
	}

	root, err := store.GetEntity(ctx, tenant, start)
	if err != nil {
		return nil, err
	}

	type frontier struct {
		path *graph.Path
		seen map[graph.EntityID]struct{}
	}

	queue := []frontier{{
		path: &graph.Path{Nodes: []*graph.Entity{root}},
		seen: map[graph.EntityID]struct{}{start: {}},
	}}

	var results []*graph.Path
	for len(queue) > 0 && len(results) < maxResults {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]

		depth := current.path.Len()
		if depth >= pattern.MinPathLength && depth > 0 {
			results = append(results, current.path)
			if len(results) >= maxResults {
				break
			}
		}
		if !pattern.ShouldContinue(depth) {
			continue
		}

		tail := current.path.Nodes[len(current.path.Nodes)-1]
		neighbors, rels, err := store.Neighbors(ctx, tenant, tail.ID, "", graph.DirectionOutgoing)
		if err != nil {
			return nil, err
		}

		for i, neighbor := range neighbors {
			if !pattern.relationAllowed(depth, rels[i].Type) {
				continue
			}
			if !pattern.entityAllowed(neighbor) {
				continue
			}
			if !pattern.AllowCycles {
				if _, visited := current.seen[neighbor.ID]; visited {
					continue
				}
			}

			next := frontier{
				path: &graph.Path{
					Nodes: append(append([]*graph.Entity{}, current.path.Nodes...), neighbor),
					Edges: append(append([]*graph.Relation{}, current.path.Edges...), rels[i]),
				},
				seen: make(map[graph.EntityID]struct{}, len(current.seen)+1),
			}
			for id := range current.seen {
				next.seen[id] = struct{}{}
			}
			next.seen[neighbor.ID] = struct{}{}
			next.path.Weight = next.path.MeanWeight()
			queue = append(queue, next)
		}
	}

	return results, nil
}

// HasCycle reports whether any entity id repeats along the path.
func HasCycle(path *graph.Path) bool {
	seen := make(map[graph.EntityID]struct{}, len(path.Nodes))
	for _, node := range path.Nodes {
		if _, dup := seen[node.ID]; dup {
			return true
		}
		seen[node.ID] = struct{}{}
	}
	return false
}

// FilterCyclic drops cyclic paths, preserving the order of the rest.
func FilterCyclic(paths []*graph.Path) []*graph.Path {
	acyclic := make([]*graph.Path, 0, len(paths))
	for _, p := range paths {
		if !HasCycle(p) {
			acyclic = append(acyclic, p)
		}
	}
	return acyclic
}
