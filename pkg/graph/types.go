// Package graph defines the core data model shared by every Muninn
// component: entities, relations, paths, evidence, inference rules,
// tenant scoping, and the common error taxonomy.
//
// Design Principles:
//   - JSONL export/import compatibility (see pkg/stream)
//   - Strongly-typed identifiers to keep entity and relation IDs apart
//   - Value types carry no locks; storage engines handle concurrency
//
// Example Usage:
//
//	entity := &graph.Entity{
//		ID:   graph.EntityID("user-123"),
//		Type: "Person",
//		Properties: map[string]any{
//			"name":  "Alice",
//			"email": "alice@example.com",
//		},
//	}
//
//	rel := &graph.Relation{
//		ID:       graph.RelationID("knows-1"),
//		SourceID: "user-123",
//		TargetID: "user-456",
//		Type:     "KNOWS",
//		Weight:   1.0,
//	}
package graph

import (
	"fmt"
	"time"
)

// EntityID is a strongly-typed unique identifier for entities.
//
// Using a custom type provides:
//   - Type safety (can't accidentally use a RelationID where an EntityID is expected)
//   - Clear API semantics
type EntityID string

// RelationID is a strongly-typed unique identifier for relations.
type RelationID string

// Entity represents a node in the knowledge graph.
//
// Core Fields:
//   - ID: Unique identifier within a store+tenant namespace
//   - Type: Open-vocabulary entity type ("Person", "Document", "Concept")
//   - Properties: Key-value data (any JSON-serializable types)
//
// Optional Fields:
//   - Embedding: Fixed-length vector for semantic similarity search
//   - Weight: Caller-defined importance score
//
// Example:
//
//	entity := &graph.Entity{
//		ID:   "doc-readme",
//		Type: "Document",
//		Properties: map[string]any{
//			"title": "README.md",
//			"path":  "./README.md",
//		},
//		Embedding: embedder.Embed("README contents"),
//	}
//
// Thread Safety:
//
//	Entity structs are NOT thread-safe. Storage engines return deep copies
//	and handle concurrency internally.
type Entity struct {
	ID         EntityID       `json:"id"`
	Type       string         `json:"entity_type"`
	Properties map[string]any `json:"properties"`
	Embedding  []float32      `json:"embedding,omitempty"`
	Weight     float64        `json:"weight,omitempty"`

	CreatedAt time.Time `json:"-"`
	UpdatedAt time.Time `json:"-"`
}

// Name returns the entity's "name" property, or the ID when absent.
// Alias indexing and semantic matching key off this value.
func (e *Entity) Name() string {
	if e.Properties != nil {
		if name, ok := e.Properties["name"].(string); ok && name != "" {
			return name
		}
	}
	return string(e.ID)
}

// Clone returns a deep copy of the entity.
func (e *Entity) Clone() *Entity {
	if e == nil {
		return nil
	}
	copied := &Entity{
		ID:        e.ID,
		Type:      e.Type,
		Weight:    e.Weight,
		CreatedAt: e.CreatedAt,
		UpdatedAt: e.UpdatedAt,
	}
	if e.Properties != nil {
		copied.Properties = make(map[string]any, len(e.Properties))
		for k, v := range e.Properties {
			copied.Properties[k] = v
		}
	}
	if e.Embedding != nil {
		copied.Embedding = make([]float32, len(e.Embedding))
		copy(copied.Embedding, e.Embedding)
	}
	return copied
}

// Relation represents a directed edge between two entities.
//
// Both endpoints must reference existing entities at write time; storage
// backends reject the write otherwise rather than creating stubs.
//
// Fields:
//   - Weight: Edge strength, defaults to 1.0 when unset
//   - Confidence: How certain the relation is (0.0-1.0); inference-produced
//     relations carry decayed confidence
//   - Inferred: True when created by the reasoning engine, false for
//     explicitly written relations
type Relation struct {
	ID         RelationID     `json:"id"`
	SourceID   EntityID       `json:"source_id"`
	TargetID   EntityID       `json:"target_id"`
	Type       string         `json:"relation_type"`
	Properties map[string]any `json:"properties,omitempty"`
	Weight     float64        `json:"weight"`
	Confidence float64        `json:"confidence,omitempty"`
	Inferred   bool           `json:"inferred,omitempty"`

	CreatedAt time.Time `json:"-"`
}

// Clone returns a deep copy of the relation.
func (r *Relation) Clone() *Relation {
	if r == nil {
		return nil
	}
	copied := &Relation{
		ID:         r.ID,
		SourceID:   r.SourceID,
		TargetID:   r.TargetID,
		Type:       r.Type,
		Weight:     r.Weight,
		Confidence: r.Confidence,
		Inferred:   r.Inferred,
		CreatedAt:  r.CreatedAt,
	}
	if r.Properties != nil {
		copied.Properties = make(map[string]any, len(r.Properties))
		for k, v := range r.Properties {
			copied.Properties[k] = v
		}
	}
	return copied
}

// Direction selects which edges of an entity a neighbor lookup follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

// Valid reports whether d is one of the three known directions.
func (d Direction) Valid() bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	}
	return false
}

// Path is an ordered walk through the graph: len(Nodes) == len(Edges)+1.
//
// Weight is an aggregate of edge weights (arithmetic mean; see MeanWeight).
type Path struct {
	Nodes  []*Entity   `json:"nodes"`
	Edges  []*Relation `json:"edges"`
	Weight float64     `json:"weight"`
}

// Validate checks the node/edge length invariant and edge connectivity.
func (p *Path) Validate() error {
	if len(p.Nodes) == 0 {
		return fmt.Errorf("%w: path has no nodes", ErrInvalidData)
	}
	if len(p.Nodes) != len(p.Edges)+1 {
		return fmt.Errorf("%w: path has %d nodes and %d edges, want nodes == edges+1",
			ErrInvalidData, len(p.Nodes), len(p.Edges))
	}
	for i, edge := range p.Edges {
		from, to := p.Nodes[i].ID, p.Nodes[i+1].ID
		forward := edge.SourceID == from && edge.TargetID == to
		reverse := edge.SourceID == to && edge.TargetID == from
		if !forward && !reverse {
			return fmt.Errorf("%w: edge %s does not connect %s and %s",
				ErrInvalidData, edge.ID, from, to)
		}
	}
	return nil
}

// Len returns the number of hops (edges) in the path.
func (p *Path) Len() int { return len(p.Edges) }

// MeanWeight returns the arithmetic mean of edge weights, treating an
// unset weight (0) as the default 1.0. A zero-hop path has weight 1.0.
func (p *Path) MeanWeight() float64 {
	if len(p.Edges) == 0 {
		return 1.0
	}
	var sum float64
	for _, e := range p.Edges {
		w := e.Weight
		if w == 0 {
			w = 1.0
		}
		sum += w
	}
	return sum / float64(len(p.Edges))
}

// EvidenceKind distinguishes what a piece of evidence points at.
type EvidenceKind string

const (
	EvidenceEntity   EvidenceKind = "ENTITY"
	EvidenceRelation EvidenceKind = "RELATION"
	EvidencePath     EvidenceKind = "PATH"
)

// Evidence is a scored, explainable unit of support for a reasoning answer.
//
// Confidence and Relevance are both in [0,1]. CombinedScore multiplies them.
type Evidence struct {
	ID          string         `json:"evidence_id"`
	Kind        EvidenceKind   `json:"evidence_type"`
	EntityIDs   []EntityID     `json:"entity_ids,omitempty"`
	RelationIDs []RelationID   `json:"relation_ids,omitempty"`
	Confidence  float64        `json:"confidence"`
	Relevance   float64        `json:"relevance_score"`
	Explanation string         `json:"explanation,omitempty"`
	Source      string         `json:"source,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// CombinedScore returns confidence * relevance.
func (e *Evidence) CombinedScore() float64 {
	return e.Confidence * e.Relevance
}

// SharesEntity reports whether two pieces of evidence reference at least
// one common entity. Used by the synthesizer to group agreeing evidence.
func (e *Evidence) SharesEntity(other *Evidence) bool {
	for _, a := range e.EntityIDs {
		for _, b := range other.EntityIDs {
			if a == b {
				return true
			}
		}
	}
	return false
}

// RuleKind is the category of an inference rule.
type RuleKind string

const (
	RuleTransitive RuleKind = "TRANSITIVE"
	RuleSymmetric  RuleKind = "SYMMETRIC"
	RuleInverse    RuleKind = "INVERSE"
)

// InferenceRule describes one reasoning rule over a single relation type.
//
// ConfidenceDecay in [0,1] is the multiplicative penalty applied per
// inference hop: inferred confidence = combined * (1 - ConfidenceDecay).
type InferenceRule struct {
	ID              string   `json:"rule_id"`
	Kind            RuleKind `json:"rule_type"`
	RelationType    string   `json:"relation_type"`
	ConfidenceDecay float64  `json:"confidence_decay"`
	Enabled         bool     `json:"enabled"`

	// For INVERSE rules: the relation type of the derived reverse edge.
	InverseType string `json:"inverse_type,omitempty"`
}

// AppliesTo reports whether the rule can fire for the given relation type.
// Disabled rules never apply.
func (r *InferenceRule) AppliesTo(relationType string) bool {
	return r.Enabled && r.RelationType == relationType
}

// Validate checks rule fields.
func (r *InferenceRule) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("%w: rule_id is required", ErrInvalidData)
	}
	if r.RelationType == "" {
		return fmt.Errorf("%w: rule %s has no relation_type", ErrInvalidData, r.ID)
	}
	if r.ConfidenceDecay < 0 || r.ConfidenceDecay > 1 {
		return fmt.Errorf("%w: rule %s confidence_decay %.2f outside [0,1]",
			ErrInvalidData, r.ID, r.ConfidenceDecay)
	}
	switch r.Kind {
	case RuleTransitive, RuleSymmetric, RuleInverse:
	default:
		return fmt.Errorf("%w: rule %s has unknown kind %q", ErrInvalidData, r.ID, r.Kind)
	}
	return nil
}

// IsolationMode controls how strictly a tenant's data is separated.
type IsolationMode string

const (
	IsolationStrict IsolationMode = "strict"
	IsolationShared IsolationMode = "shared"
)

// TenantContext qualifies every storage call with a logical namespace.
//
// A nil *TenantContext means the default (unscoped) namespace. Entities
// created under one tenant are invisible to reads issued under another.
type TenantContext struct {
	Tenant    string        `json:"tenant"`
	Isolation IsolationMode `json:"isolation,omitempty"`
}

// Namespace returns the storage key prefix for this tenant.
// Safe to call on a nil receiver.
func (t *TenantContext) Namespace() string {
	if t == nil || t.Tenant == "" {
		return ""
	}
	return t.Tenant
}
