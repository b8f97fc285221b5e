package muninn

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/muninndb/muninn/pkg/cache"
	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/planner"
	"github.com/muninndb/muninn/pkg/query"
	"github.com/muninndb/muninn/pkg/reason"
	"github.com/muninndb/muninn/pkg/storage"
	"github.com/muninndb/muninn/pkg/traverse"
)

// QueryResult is the outcome of executing query-language text.
type QueryResult struct {
	// Entities the final clause resolved to.
	Entities []*graph.Entity `json:"entities"`

	// Paths traversed when the query had FOLLOWS clauses.
	Paths []*graph.Path `json:"paths,omitempty"`

	// Plan describes what the optimizer did.
	Plan *planner.Result `json:"plan,omitempty"`
}

// QueryErrors wraps the diagnostics from parsing or validation.
type QueryErrors struct {
	Errors []query.ParseError `json:"errors"`
}

func (e *QueryErrors) Error() string {
	if len(e.Errors) == 1 {
		return fmt.Sprintf("query error: %s", e.Errors[0].Error())
	}
	return fmt.Sprintf("query failed with %d errors (first: %s)", len(e.Errors), e.Errors[0].Error())
}

// Unwrap ties QueryErrors into the validation taxonomy.
func (e *QueryErrors) Unwrap() error { return graph.ErrInvalidData }

// Query parses, validates, plans, optimizes and executes
// query-language text. Parse or validation failures return a
// *QueryErrors carrying every diagnostic.
func (db *DB) Query(ctx context.Context, tenant *graph.TenantContext, text string) (*QueryResult, error) {
	ast, perrs := db.parser.Parse(text)
	if len(perrs) > 0 {
		return nil, &QueryErrors{Errors: perrs}
	}

	if db.schema != nil {
		if verrs := query.NewValidator(db.schema).Validate(ast); len(verrs) > 0 {
			return nil, &QueryErrors{Errors: verrs}
		}
	}

	plan := db.buildPlan(ast)
	optimized, planResult := db.opt.Optimize(plan)

	result, err := db.executePlan(ctx, tenant, ast, optimized)
	if err != nil {
		return nil, err
	}
	result.Plan = planResult
	return result, nil
}

// buildPlan lowers the AST to a QueryPlan: one lookup step for the Find
// clause, then one traverse step per FOLLOWS hop.
func (db *DB) buildPlan(ast *query.QueryNode) *planner.Plan {
	plan := &planner.Plan{}

	lookup := &planner.Step{
		ID:            uuid.NewString(),
		Operation:     planner.OpLookup,
		EntityType:    ast.Find.EntityType,
		Query:         query.ToFilterDict(ast.Find.Where),
		EstimatedCost: db.lookupCost(ast.Find.EntityType),
	}
	plan.Steps = append(plan.Steps, lookup)

	prev := lookup.ID
	for _, hop := range ast.Traversals {
		step := &planner.Step{
			ID:            uuid.NewString(),
			Operation:     planner.OpTraverse,
			EntityType:    hop.RelationType,
			Query:         map[string]any{"direction": hop.Direction},
			DependsOn:     []string{prev},
			EstimatedCost: 10,
		}
		plan.Steps = append(plan.Steps, step)
		prev = step.ID
	}
	return plan
}

// lookupCost estimates a lookup step's cost from cardinality stats.
func (db *DB) lookupCost(entityType string) float64 {
	if count := db.stats.Count(entityType); count >= 0 {
		return float64(count)
	}
	return 100
}

// executePlan runs the optimized plan. The AST rides along for the
// entity-name anchor and traversal directions.
func (db *DB) executePlan(ctx context.Context, tenant *graph.TenantContext,
	ast *query.QueryNode, plan *planner.Plan) (*QueryResult, error) {

	filter := query.ToFilterDict(ast.Find.Where)

	frontier, err := db.lookupEntities(ctx, tenant, ast.Find, filter)
	if err != nil {
		return nil, err
	}

	result := &QueryResult{}
	if len(ast.Traversals) == 0 {
		result.Entities = frontier
		return result, nil
	}

	// Seed one zero-hop path per matched entity, then expand hop by hop.
	paths := make([]*graph.Path, 0, len(frontier))
	for _, e := range frontier {
		paths = append(paths, &graph.Path{Nodes: []*graph.Entity{e}})
	}

	for _, hop := range ast.Traversals {
		var expanded []*graph.Path
		for _, p := range paths {
			tail := p.Nodes[len(p.Nodes)-1]
			neighbors, rels, err := db.store.Neighbors(ctx, tenant, tail.ID,
				hop.RelationType, graph.Direction(hop.Direction))
			if err != nil {
				return nil, err
			}
			for i, neighbor := range neighbors {
				next := &graph.Path{
					Nodes: append(append([]*graph.Entity{}, p.Nodes...), neighbor),
					Edges: append(append([]*graph.Relation{}, p.Edges...), rels[i]),
				}
				next.Weight = next.MeanWeight()
				expanded = append(expanded, next)
			}
		}
		paths = expanded
		if len(paths) == 0 {
			break
		}
	}

	result.Paths = paths
	seen := map[graph.EntityID]struct{}{}
	for _, p := range paths {
		tail := p.Nodes[len(p.Nodes)-1]
		if _, dup := seen[tail.ID]; dup {
			continue
		}
		seen[tail.ID] = struct{}{}
		result.Entities = append(result.Entities, tail)
	}
	return result, nil
}

// lookupEntities resolves the Find clause: by alias-indexed name when
// one is given, otherwise a filtered type scan (cache-checked).
func (db *DB) lookupEntities(ctx context.Context, tenant *graph.TenantContext,
	find *query.FindNode, filter map[string]any) ([]*graph.Entity, error) {

	if find.EntityName != "" {
		if entry, ok := db.matcher.Lookup(find.EntityName); ok {
			entity, err := db.store.GetEntity(ctx, tenant, entry.EntityID)
			if err != nil {
				return nil, err
			}
			return []*graph.Entity{entity}, nil
		}
		// Fall back to a name-property scan for unindexed entities.
		filter = map[string]any{
			query.FilterAnd: []any{
				filter,
				map[string]any{"name": map[string]any{query.FilterEq: find.EntityName}},
			},
		}
	}

	eq := storage.EntityQuery{EntityType: find.EntityType, Filter: filter}
	if db.cache == nil {
		return storage.ExecuteQuery(ctx, db.store, tenant, eq)
	}

	key := cache.Key("execute_query", tenant.Namespace(), find.EntityType, fmt.Sprintf("%v", filter))
	value, err := db.cache.GetOrCompute(ctx, key, 0, func(ctx context.Context) (any, error) {
		return storage.ExecuteQuery(ctx, db.store, tenant, eq)
	})
	if err != nil {
		return nil, err
	}
	// Clone so cached slices stay immutable across callers.
	cached := value.([]*graph.Entity)
	entities := make([]*graph.Entity, len(cached))
	for i, e := range cached {
		entities[i] = e.Clone()
	}
	return entities, nil
}

// Answer executes query text and wraps the outcome as evidence. When
// the planned query finds nothing, it falls back to naive traversal
// from the named entity and tags the answer as best-effort.
func (db *DB) Answer(ctx context.Context, tenant *graph.TenantContext, text string) (*reason.Answer, error) {
	result, err := db.Query(ctx, tenant, text)
	if err != nil {
		return nil, err
	}

	evidence := evidenceFromResult(result)
	if len(evidence) > 0 {
		confidence := db.synth.EstimateOverallConfidence(evidence)
		return reason.Ok(evidence, confidence, nil), nil
	}

	// Planned query produced nothing: try naive traversal from the
	// anchor entity, explicitly tagged.
	ast, _ := db.parser.Parse(text)
	if ast == nil || ast.Find == nil || ast.Find.EntityName == "" {
		return reason.FellBack(nil, 0, "query matched no entities and no anchor to traverse from"), nil
	}
	entry, ok := db.matcher.Lookup(ast.Find.EntityName)
	if !ok {
		return reason.FellBack(nil, 0,
			fmt.Sprintf("query matched nothing and %q is not a known entity", ast.Find.EntityName)), nil
	}

	paths, err := traverse.WithPattern(ctx, db.store, tenant, entry.EntityID,
		&traverse.Pattern{MaxDepth: 2}, 25)
	if err != nil {
		return nil, err
	}

	fallback := make([]*graph.Evidence, 0, len(paths))
	for _, p := range paths {
		fallback = append(fallback, evidenceFromPath(p, 0.5))
	}
	confidence := db.synth.EstimateOverallConfidence(fallback)
	return reason.FellBack(fallback, confidence, "planned query produced no evidence; used naive traversal"), nil
}

func evidenceFromResult(result *QueryResult) []*graph.Evidence {
	var evidence []*graph.Evidence
	if len(result.Paths) > 0 {
		for _, p := range result.Paths {
			evidence = append(evidence, evidenceFromPath(p, 0.9))
		}
		return evidence
	}
	for _, e := range result.Entities {
		evidence = append(evidence, &graph.Evidence{
			ID:          uuid.NewString(),
			Kind:        graph.EvidenceEntity,
			EntityIDs:   []graph.EntityID{e.ID},
			Confidence:  0.9,
			Relevance:   1.0,
			Explanation: fmt.Sprintf("entity %s matched the query", e.ID),
			Source:      "query",
		})
	}
	return evidence
}

func evidenceFromPath(p *graph.Path, confidence float64) *graph.Evidence {
	entityIDs := make([]graph.EntityID, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		entityIDs = append(entityIDs, n.ID)
	}
	relationIDs := make([]graph.RelationID, 0, len(p.Edges))
	for _, e := range p.Edges {
		relationIDs = append(relationIDs, e.ID)
	}
	return &graph.Evidence{
		ID:          uuid.NewString(),
		Kind:        graph.EvidencePath,
		EntityIDs:   entityIDs,
		RelationIDs: relationIDs,
		Confidence:  confidence,
		Relevance:   p.MeanWeight(),
		Explanation: fmt.Sprintf("path of %d hops from %s", p.Len(), entityIDs[0]),
		Source:      "traversal",
	}
}
