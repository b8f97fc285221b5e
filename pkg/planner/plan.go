// Package planner provides query plans and the cost-based optimizer
// that rewrites them before execution.
package planner

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Step operations.
const (
	OpLookup   = "lookup"   // fetch entities of one type, optionally filtered
	OpTraverse = "traverse" // expand relations from a prior step's results
	OpFilter   = "filter"   // post-filter a prior step's results
)

// Step is one unit of work in a plan.
type Step struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`

	// EntityType the step touches (lookup steps) or relation type it
	// follows (traverse steps).
	EntityType string `json:"entity_type,omitempty"`

	// Query is the backend-neutral descriptor (filter dict, limits).
	Query map[string]any `json:"query,omitempty"`

	// DependsOn lists step IDs whose results this step consumes. A
	// step with no dependencies is independent and may be reordered.
	DependsOn []string `json:"depends_on,omitempty"`

	EstimatedCost float64 `json:"estimated_cost"`
}

// Clone deep-copies the step.
func (s *Step) Clone() *Step {
	out := *s
	out.DependsOn = append([]string(nil), s.DependsOn...)
	if s.Query != nil {
		out.Query = make(map[string]any, len(s.Query))
		for k, v := range s.Query {
			out.Query[k] = v
		}
	}
	return &out
}

// signature identifies operationally identical steps for redundancy
// elimination. Two steps with equal signatures produce equal results,
// which requires matching inputs as well: a traverse step consuming one
// frontier is not interchangeable with the same traverse over another,
// so the (sorted) dependency set is part of the signature.
func (s *Step) signature() string {
	query := ""
	if len(s.Query) > 0 {
		// Canonical form: sorted keys via json.Marshal of a sorted slice.
		keys := make([]string, 0, len(s.Query))
		for k := range s.Query {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]any, 0, len(keys)*2)
		for _, k := range keys {
			parts = append(parts, k, s.Query[k])
		}
		if data, err := json.Marshal(parts); err == nil {
			query = string(data)
		}
	}
	deps := ""
	if len(s.DependsOn) > 0 {
		sorted := append([]string(nil), s.DependsOn...)
		sort.Strings(sorted)
		deps = strings.Join(sorted, ",")
	}
	return fmt.Sprintf("%s/%s/%s/%s", s.Operation, s.EntityType, deps, query)
}

// Plan is an ordered sequence of steps.
type Plan struct {
	Steps []*Step `json:"steps"`
}

// TotalCost sums the step costs.
func (p *Plan) TotalCost() float64 {
	var total float64
	for _, s := range p.Steps {
		total += s.EstimatedCost
	}
	return total
}

// Clone deep-copies the plan.
func (p *Plan) Clone() *Plan {
	out := &Plan{Steps: make([]*Step, len(p.Steps))}
	for i, s := range p.Steps {
		out.Steps[i] = s.Clone()
	}
	return out
}

// Validate checks step IDs are unique and dependencies resolve.
func (p *Plan) Validate() error {
	seen := make(map[string]struct{}, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return fmt.Errorf("plan step with empty id")
		}
		if _, dup := seen[s.ID]; dup {
			return fmt.Errorf("duplicate plan step id %q", s.ID)
		}
		seen[s.ID] = struct{}{}
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := seen[dep]; !ok {
				return fmt.Errorf("step %q depends on unknown step %q", s.ID, dep)
			}
		}
	}
	return nil
}
