// Package reason provides rule-based inference over the graph
// (transitive and symmetric closure with confidence decay), an
// inference result cache, and evidence synthesis for ranked,
// explainable answers.
package reason

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/muninndb/muninn/pkg/graph"
	"github.com/muninndb/muninn/pkg/storage"
)

// Step records one inference derivation for explainability.
type Step struct {
	RuleID          string             `json:"rule_id"`
	SourceRelations []graph.RelationID `json:"source_relations"`
	Inferred        *graph.Relation    `json:"inferred"`
	Confidence      float64            `json:"confidence"`
	Explanation     string             `json:"explanation"`
}

// Result is the outcome of one inference run.
type Result struct {
	RelationType string            `json:"relation_type"`
	Inferred     []*graph.Relation `json:"inferred"`
	Steps        []Step            `json:"steps"`

	// Message explains an empty result (e.g. no rule targets the
	// relation type). Not an error.
	Message string `json:"message,omitempty"`
}

// InferOptions bounds one inference run.
type InferOptions struct {
	// MaxSteps bounds transitive chaining rounds. <= 0 means 3.
	MaxSteps int

	// UseCache returns a previously computed Result for the same
	// relation type (+ source) unchanged.
	UseCache bool

	// SourceID restricts inference to chains starting at one entity.
	SourceID graph.EntityID
}

// Engine owns a named rule set and an inference cache. Engines are
// independent; construct one per store/tenant pairing that needs its
// own rules.
type Engine struct {
	mu    sync.RWMutex
	rules map[string]*graph.InferenceRule
	cache *resultCache
}

// EngineOptions configures an Engine.
type EngineOptions struct {
	// CacheSize bounds the inference cache. <= 0 means 100.
	CacheSize int

	// CacheTTL expires cached results. 0 means no expiration.
	CacheTTL time.Duration
}

// NewEngine creates an inference engine.
func NewEngine(opts EngineOptions) *Engine {
	size := opts.CacheSize
	if size <= 0 {
		size = 100
	}
	return &Engine{
		rules: make(map[string]*graph.InferenceRule),
		cache: newResultCache(size, opts.CacheTTL),
	}
}

// AddRule registers (or replaces) a rule by id.
func (e *Engine) AddRule(rule *graph.InferenceRule) error {
	if rule == nil {
		return graph.ErrInvalidData
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.ID] = rule
	e.cache.clear()
	return nil
}

// RemoveRule deletes a rule by id.
func (e *Engine) RemoveRule(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.rules, id)
	e.cache.clear()
}

// Rule returns a rule by id.
func (e *Engine) Rule(id string) (*graph.InferenceRule, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.rules[id]
	return r, ok
}

// Rules returns every registered rule, sorted by id.
func (e *Engine) Rules() []*graph.InferenceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rules := make([]*graph.InferenceRule, 0, len(e.rules))
	for _, r := range e.rules {
		rules = append(rules, r)
	}
	sort.Slice(rules, func(i, j int) bool { return rules[i].ID < rules[j].ID })
	return rules
}

// rulesFor collects the enabled rules targeting a relation type.
func (e *Engine) rulesFor(relationType string) []*graph.InferenceRule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var matched []*graph.InferenceRule
	for _, r := range e.rules {
		if r.Enabled && strings.EqualFold(r.RelationType, relationType) {
			matched = append(matched, r)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return matched
}

// InferRelations applies every enabled rule targeting relationType to
// the relations in the store and returns the derived relations, tagged
// inferred=true, without writing them back. The caller decides whether
// to persist.
func (e *Engine) InferRelations(ctx context.Context, store storage.Store, tenant *graph.TenantContext,
	relationType string, opts InferOptions) (*Result, error) {

	if relationType == "" {
		return nil, graph.NewValidationError("relation_type", "empty relation type")
	}
	maxSteps := opts.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 3
	}

	cacheKey := relationType + "\x00" + string(opts.SourceID)
	if opts.UseCache {
		if cached, ok := e.cache.get(cacheKey); ok {
			return cached, nil
		}
	}

	rules := e.rulesFor(relationType)
	if len(rules) == 0 {
		return &Result{
			RelationType: relationType,
			Message:      fmt.Sprintf("no enabled rule targets relation type %q", relationType),
		}, nil
	}

	all, err := store.AllRelations(ctx, tenant)
	if err != nil {
		return nil, err
	}
	var existing []*graph.Relation
	for _, rel := range all {
		if strings.EqualFold(rel.Type, relationType) {
			existing = append(existing, rel)
		}
	}

	result := &Result{RelationType: relationType}
	for _, rule := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch rule.Kind {
		case graph.RuleTransitive:
			e.applyTransitive(rule, existing, maxSteps, opts.SourceID, result)
		case graph.RuleSymmetric:
			e.applySymmetric(rule, existing, opts.SourceID, result)
		case graph.RuleInverse:
			e.applyInverse(rule, existing, opts.SourceID, result)
		}
	}

	if opts.UseCache {
		e.cache.put(cacheKey, result)
	}
	return result, nil
}

// pairKey identifies a directed (source, target) pair.
type pairKey struct {
	source, target graph.EntityID
}

// applyTransitive derives A->C from chains A->B->C, chaining up to
// maxSteps rounds so longer chains close incrementally. Each
// (source, target) pair is derived at most once per run.
func (e *Engine) applyTransitive(rule *graph.InferenceRule, existing []*graph.Relation,
	maxSteps int, sourceID graph.EntityID, result *Result) {

	decay := 1.0 - rule.ConfidenceDecay

	// Pairs already present never get re-derived.
	visited := make(map[pairKey]struct{}, len(existing))
	bySource := make(map[graph.EntityID][]*graph.Relation)
	for _, rel := range existing {
		visited[pairKey{rel.SourceID, rel.TargetID}] = struct{}{}
		bySource[rel.SourceID] = append(bySource[rel.SourceID], rel)
	}

	working := existing
	for step := 0; step < maxSteps; step++ {
		var derived []*graph.Relation
		for _, first := range working {
			if sourceID != "" && first.SourceID != sourceID {
				continue
			}
			for _, second := range bySource[first.TargetID] {
				key := pairKey{first.SourceID, second.TargetID}
				if first.SourceID == second.TargetID {
					continue // no self-loops from closure
				}
				if _, seen := visited[key]; seen {
					continue
				}
				visited[key] = struct{}{}

				confidence := relConfidence(first) * relConfidence(second) * decay
				inferred := &graph.Relation{
					ID:         graph.RelationID(uuid.NewString()),
					SourceID:   first.SourceID,
					TargetID:   second.TargetID,
					Type:       first.Type,
					Weight:     1.0,
					Confidence: confidence,
					Inferred:   true,
				}
				derived = append(derived, inferred)
				result.Inferred = append(result.Inferred, inferred)
				result.Steps = append(result.Steps, Step{
					RuleID:          rule.ID,
					SourceRelations: []graph.RelationID{first.ID, second.ID},
					Inferred:        inferred,
					Confidence:      confidence,
					Explanation: fmt.Sprintf("%s -%s-> %s and %s -%s-> %s imply %s -%s-> %s (confidence %.3f)",
						first.SourceID, first.Type, first.TargetID,
						second.SourceID, second.Type, second.TargetID,
						inferred.SourceID, inferred.Type, inferred.TargetID, confidence),
				})
			}
		}
		if len(derived) == 0 {
			break
		}
		for _, rel := range derived {
			bySource[rel.SourceID] = append(bySource[rel.SourceID], rel)
		}
		working = derived
	}
}

// applySymmetric derives B->A from each A->B.
func (e *Engine) applySymmetric(rule *graph.InferenceRule, existing []*graph.Relation,
	sourceID graph.EntityID, result *Result) {

	decay := 1.0 - rule.ConfidenceDecay

	visited := make(map[pairKey]struct{}, len(existing))
	for _, rel := range existing {
		visited[pairKey{rel.SourceID, rel.TargetID}] = struct{}{}
	}

	for _, rel := range existing {
		if sourceID != "" && rel.SourceID != sourceID {
			continue
		}
		key := pairKey{rel.TargetID, rel.SourceID}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		confidence := relConfidence(rel) * decay
		inferred := &graph.Relation{
			ID:         graph.RelationID(uuid.NewString()),
			SourceID:   rel.TargetID,
			TargetID:   rel.SourceID,
			Type:       rel.Type,
			Weight:     rel.Weight,
			Confidence: confidence,
			Inferred:   true,
		}
		result.Inferred = append(result.Inferred, inferred)
		result.Steps = append(result.Steps, Step{
			RuleID:          rule.ID,
			SourceRelations: []graph.RelationID{rel.ID},
			Inferred:        inferred,
			Confidence:      confidence,
			Explanation: fmt.Sprintf("%s -%s-> %s is symmetric, so %s -%s-> %s (confidence %.3f)",
				rel.SourceID, rel.Type, rel.TargetID,
				inferred.SourceID, inferred.Type, inferred.TargetID, confidence),
		})
	}
}

// applyInverse derives B -inverse-> A from each A->B, using the rule's
// declared inverse relation type.
func (e *Engine) applyInverse(rule *graph.InferenceRule, existing []*graph.Relation,
	sourceID graph.EntityID, result *Result) {

	if rule.InverseType == "" {
		return
	}
	decay := 1.0 - rule.ConfidenceDecay

	visited := make(map[pairKey]struct{}, len(existing))
	for _, rel := range existing {
		if sourceID != "" && rel.SourceID != sourceID {
			continue
		}
		key := pairKey{rel.TargetID, rel.SourceID}
		if _, seen := visited[key]; seen {
			continue
		}
		visited[key] = struct{}{}

		confidence := relConfidence(rel) * decay
		inferred := &graph.Relation{
			ID:         graph.RelationID(uuid.NewString()),
			SourceID:   rel.TargetID,
			TargetID:   rel.SourceID,
			Type:       rule.InverseType,
			Weight:     rel.Weight,
			Confidence: confidence,
			Inferred:   true,
		}
		result.Inferred = append(result.Inferred, inferred)
		result.Steps = append(result.Steps, Step{
			RuleID:          rule.ID,
			SourceRelations: []graph.RelationID{rel.ID},
			Inferred:        inferred,
			Confidence:      confidence,
			Explanation: fmt.Sprintf("%s -%s-> %s implies %s -%s-> %s (confidence %.3f)",
				rel.SourceID, rel.Type, rel.TargetID,
				inferred.SourceID, inferred.Type, inferred.TargetID, confidence),
		})
	}
}

// relConfidence treats an unset confidence as full confidence.
func relConfidence(rel *graph.Relation) float64 {
	if rel.Confidence <= 0 {
		return 1.0
	}
	return rel.Confidence
}

// Trace renders a flat, human-readable list of the inference steps.
func Trace(result *Result) []string {
	if result == nil {
		return nil
	}
	lines := make([]string, 0, len(result.Steps)+1)
	if result.Message != "" {
		lines = append(lines, result.Message)
	}
	for i, step := range result.Steps {
		lines = append(lines, fmt.Sprintf("%d. [%s] %s", i+1, step.RuleID, step.Explanation))
	}
	return lines
}

// CacheStats reports inference-cache counters.
func (e *Engine) CacheStats() (hits, misses uint64, size int) {
	return e.cache.counters()
}

// InvalidateCache drops all cached inference results. Call after
// mutating relations the cached runs were derived from.
func (e *Engine) InvalidateCache() {
	e.cache.clear()
}
