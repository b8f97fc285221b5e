package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/query"
	"github.com/muninndb/muninn/pkg/vector"
)

// This file provides the generic Tier 2 implementations, expressed purely
// in terms of the Tier 1 Store contract. Every package-level helper probes
// for the matching capability interface first, so backends with native
// implementations (indexes, server-side execution) are used when present.

// checkCtx maps context expiry onto the engine error taxonomy between
// hops/batches of long-running fallbacks.
func checkCtx(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: %v", graph.ErrTimeout, err)
		}
		return err
	}
	return nil
}

// FindPaths returns up to maxPaths acyclic paths from from to to, each at
// most maxDepth hops long. Uses the backend's PathFinder when available,
// otherwise a bounded breadth-first search over Neighbors.
func FindPaths(ctx context.Context, s Store, tenant *graph.TenantContext,
	from, to graph.EntityID, maxDepth, maxPaths int) ([]*graph.Path, error) {

	if pf, ok := s.(PathFinder); ok {
		return pf.FindPaths(ctx, tenant, from, to, maxDepth, maxPaths)
	}

	if maxDepth <= 0 {
		maxDepth = 3
	}
	if maxPaths <= 0 {
		maxPaths = 10
	}

	start, err := s.GetEntity(ctx, tenant, from)
	if err != nil {
		return nil, err
	}

	type frontier struct {
		path *graph.Path
		seen map[graph.EntityID]struct{}
	}

	queue := []frontier{{
		path: &graph.Path{Nodes: []*graph.Entity{start}},
		seen: map[graph.EntityID]struct{}{from: {}},
	}}

	var found []*graph.Path
	for len(queue) > 0 && len(found) < maxPaths {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]

		tail := current.path.Nodes[len(current.path.Nodes)-1]
		if tail.ID == to && current.path.Len() > 0 {
			current.path.Weight = current.path.MeanWeight()
			found = append(found, current.path)
			continue
		}
		if current.path.Len() >= maxDepth {
			continue
		}

		neighbors, rels, err := s.Neighbors(ctx, tenant, tail.ID, "", graph.DirectionOutgoing)
		if err != nil {
			return nil, err
		}
		for i, neighbor := range neighbors {
			if _, visited := current.seen[neighbor.ID]; visited {
				continue
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
			queue = append(queue, next)
		}
	}

	return found, nil
}

// Traverse expands breadth-first from start, following relations of
// relationType (empty matches all) up to maxDepth hops, and returns one
// path per reached entity.
func Traverse(ctx context.Context, s Store, tenant *graph.TenantContext,
	start graph.EntityID, relationType string, maxDepth int) ([]*graph.Path, error) {

	if t, ok := s.(GraphTraverser); ok {
		return t.Traverse(ctx, tenant, start, relationType, maxDepth)
	}

	if maxDepth <= 0 {
		maxDepth = 2
	}

	root, err := s.GetEntity(ctx, tenant, start)
	if err != nil {
		return nil, err
	}

	visited := map[graph.EntityID]struct{}{start: {}}
	queue := []*graph.Path{{Nodes: []*graph.Entity{root}}}
	var paths []*graph.Path

	for len(queue) > 0 {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}

		current := queue[0]
		queue = queue[1:]
		if current.Len() >= maxDepth {
			continue
		}

		tail := current.Nodes[len(current.Nodes)-1]
		neighbors, rels, err := s.Neighbors(ctx, tenant, tail.ID, relationType, graph.DirectionOutgoing)
		if err != nil {
			return nil, err
		}
		for i, neighbor := range neighbors {
			if _, seen := visited[neighbor.ID]; seen {
				continue
			}
			visited[neighbor.ID] = struct{}{}
			next := &graph.Path{
				Nodes: append(append([]*graph.Entity{}, current.Nodes...), neighbor),
				Edges: append(append([]*graph.Relation{}, current.Edges...), rels[i]),
			}
			next.Weight = next.MeanWeight()
			paths = append(paths, next)
			queue = append(queue, next)
		}
	}

	return paths, nil
}

// SubgraphQuery returns every entity within radius hops of center (in
// either direction) plus all relations among the collected entities.
func SubgraphQuery(ctx context.Context, s Store, tenant *graph.TenantContext,
	center graph.EntityID, radius int) (*Subgraph, error) {

	if sq, ok := s.(SubgraphQuerier); ok {
		return sq.SubgraphQuery(ctx, tenant, center, radius)
	}

	if radius <= 0 {
		radius = 1
	}

	root, err := s.GetEntity(ctx, tenant, center)
	if err != nil {
		return nil, err
	}

	collected := map[graph.EntityID]*graph.Entity{center: root}
	relations := map[graph.RelationID]*graph.Relation{}

	level := []graph.EntityID{center}
	for depth := 0; depth < radius; depth++ {
		if err := checkCtx(ctx); err != nil {
			return nil, err
		}

		var next []graph.EntityID
		for _, id := range level {
			neighbors, rels, err := s.Neighbors(ctx, tenant, id, "", graph.DirectionBoth)
			if err != nil {
				return nil, err
			}
			for i, neighbor := range neighbors {
				relations[rels[i].ID] = rels[i]
				if _, seen := collected[neighbor.ID]; !seen {
					collected[neighbor.ID] = neighbor
					next = append(next, neighbor.ID)
				}
			}
		}
		level = next
	}

	sub := &Subgraph{Center: center}
	for _, e := range collected {
		sub.Entities = append(sub.Entities, e)
	}
	for _, r := range relations {
		// Keep only relations whose both endpoints made it into the subgraph.
		if _, ok := collected[r.SourceID]; !ok {
			continue
		}
		if _, ok := collected[r.TargetID]; !ok {
			continue
		}
		sub.Relations = append(sub.Relations, r)
	}
	sort.Slice(sub.Entities, func(i, j int) bool { return sub.Entities[i].ID < sub.Entities[j].ID })
	sort.Slice(sub.Relations, func(i, j int) bool { return sub.Relations[i].ID < sub.Relations[j].ID })
	return sub, nil
}

// VectorSearch ranks entities by cosine similarity against the query
// embedding, descending. Entities without an embedding are skipped.
func VectorSearch(ctx context.Context, s Store, tenant *graph.TenantContext,
	queryVec []float32, opts VectorSearchOptions) ([]VectorMatch, error) {

	if vs, ok := s.(VectorSearcher); ok {
		return vs.VectorSearch(ctx, tenant, queryVec, opts)
	}

	if len(queryVec) == 0 {
		return nil, graph.NewValidationError("query", "empty query embedding")
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 10
	}

	entities, err := s.AllEntities(ctx, tenant)
	if err != nil {
		return nil, err
	}

	matches := make([]VectorMatch, 0, limit)
	for _, e := range entities {
		if len(e.Embedding) == 0 {
			continue
		}
		if opts.EntityType != "" && !strings.EqualFold(e.Type, opts.EntityType) {
			continue
		}
		score := vector.CosineSimilarity(queryVec, e.Embedding)
		if score < opts.ScoreThreshold {
			continue
		}
		matches = append(matches, VectorMatch{Entity: e, Score: score})
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Score > matches[j].Score })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// ExecuteQuery runs a filter-dict query against the store.
func ExecuteQuery(ctx context.Context, s Store, tenant *graph.TenantContext,
	q EntityQuery) ([]*graph.Entity, error) {

	if qe, ok := s.(QueryExecutor); ok {
		return qe.ExecuteQuery(ctx, tenant, q)
	}

	entities, err := ListEntities(ctx, s, tenant, ListOptions{EntityType: q.EntityType})
	if err != nil {
		return nil, err
	}

	var results []*graph.Entity
	for _, e := range entities {
		if q.Filter != nil && !query.MatchesFilter(q.Filter, e.Properties) {
			continue
		}
		results = append(results, e)
		if q.Limit > 0 && len(results) >= q.Limit {
			break
		}
	}
	return results, nil
}

// ListEntities returns a stable (ID-ordered) listing with optional type
// filter, cursor position, offset and limit.
func ListEntities(ctx context.Context, s Store, tenant *graph.TenantContext,
	opts ListOptions) ([]*graph.Entity, error) {

	if l, ok := s.(EntityLister); ok {
		return l.ListEntities(ctx, tenant, opts)
	}

	entities, err := s.AllEntities(ctx, tenant)
	if err != nil {
		return nil, err
	}
	sort.Slice(entities, func(i, j int) bool { return entities[i].ID < entities[j].ID })

	results := make([]*graph.Entity, 0, len(entities))
	skipped := 0
	for _, e := range entities {
		if opts.EntityType != "" && !strings.EqualFold(e.Type, opts.EntityType) {
			continue
		}
		if opts.AfterID != "" && e.ID <= opts.AfterID {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		results = append(results, e)
		if opts.Limit > 0 && len(results) >= opts.Limit {
			break
		}
	}
	return results, nil
}

// TextSearch matches entities whose ID or string properties contain the
// given text, case-insensitively.
func TextSearch(ctx context.Context, s Store, tenant *graph.TenantContext,
	text string, limit int) ([]*graph.Entity, error) {

	if ts, ok := s.(TextSearcher); ok {
		return ts.TextSearch(ctx, tenant, text, limit)
	}

	if text == "" {
		return nil, graph.NewValidationError("text", "empty search text")
	}
	if limit <= 0 {
		limit = 20
	}
	needle := strings.ToLower(text)

	entities, err := ListEntities(ctx, s, tenant, ListOptions{})
	if err != nil {
		return nil, err
	}

	var results []*graph.Entity
	for _, e := range entities {
		if entityMatchesText(e, needle) {
			results = append(results, e)
			if len(results) >= limit {
				break
			}
		}
	}
	return results, nil
}

func entityMatchesText(e *graph.Entity, needle string) bool {
	if strings.Contains(strings.ToLower(string(e.ID)), needle) {
		return true
	}
	for _, v := range e.Properties {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), needle) {
			return true
		}
	}
	return false
}
