package query

import (
	"strings"
)

// Filter-dict operators. A filter dict is a backend-neutral predicate
// tree: property paths map to operator objects, and $and/$or/$not
// combine sub-filters.
//
//	{"age": {"$gt": 30}, "$or": [{"name": {"$eq": "a"}}, ...]}
const (
	FilterEq       = "$eq"
	FilterNeq      = "$ne"
	FilterGt       = "$gt"
	FilterGte      = "$gte"
	FilterLt       = "$lt"
	FilterLte      = "$lte"
	FilterIn       = "$in"
	FilterContains = "$contains"
	FilterAnd      = "$and"
	FilterOr       = "$or"
	FilterNot      = "$not"
)

// ToFilterDict lowers a validated WHERE expression to a filter dict.
// A nil expression lowers to an empty (match-everything) filter.
func ToFilterDict(expr Expr) map[string]any {
	if expr == nil {
		return map[string]any{}
	}

	switch node := expr.(type) {
	case *ComparisonNode:
		return map[string]any{
			node.PathString(): map[string]any{comparisonOpToFilter(node.Op): node.Value},
		}

	case *LogicalNode:
		switch node.Op {
		case OpNot:
			if len(node.Operands) == 0 || node.Operands[0] == nil {
				return map[string]any{}
			}
			return map[string]any{FilterNot: ToFilterDict(node.Operands[0])}
		case OpAnd, OpOr:
			key := FilterAnd
			if node.Op == OpOr {
				key = FilterOr
			}
			subs := make([]any, 0, len(node.Operands))
			for _, op := range node.Operands {
				if op == nil {
					continue
				}
				subs = append(subs, ToFilterDict(op))
			}
			return map[string]any{key: subs}
		}
	}
	return map[string]any{}
}

func comparisonOpToFilter(op string) string {
	switch op {
	case OpNeq:
		return FilterNeq
	case OpGt:
		return FilterGt
	case OpGte:
		return FilterGte
	case OpLt:
		return FilterLt
	case OpLte:
		return FilterLte
	case OpIn:
		return FilterIn
	case OpContains:
		return FilterContains
	default:
		return FilterEq
	}
}

// MatchesFilter evaluates a filter dict against a property map. An empty
// or nil filter matches everything. Dotted keys resolve through nested
// maps.
func MatchesFilter(filter map[string]any, props map[string]any) bool {
	for key, condition := range filter {
		switch key {
		case FilterAnd:
			for _, sub := range toFilterList(condition) {
				if !MatchesFilter(sub, props) {
					return false
				}
			}
		case FilterOr:
			subs := toFilterList(condition)
			if len(subs) == 0 {
				continue
			}
			matched := false
			for _, sub := range subs {
				if MatchesFilter(sub, props) {
					matched = true
					break
				}
			}
			if !matched {
				return false
			}
		case FilterNot:
			if sub, ok := condition.(map[string]any); ok && MatchesFilter(sub, props) {
				return false
			}
		default:
			value, present := resolvePath(props, key)
			if !matchesCondition(value, present, condition) {
				return false
			}
		}
	}
	return true
}

func toFilterList(v any) []map[string]any {
	var subs []map[string]any
	switch list := v.(type) {
	case []any:
		for _, item := range list {
			if m, ok := item.(map[string]any); ok {
				subs = append(subs, m)
			}
		}
	case []map[string]any:
		subs = list
	}
	return subs
}

// resolvePath walks a dotted path through nested property maps.
func resolvePath(props map[string]any, path string) (any, bool) {
	segments := strings.Split(path, ".")
	current := any(props)
	for _, segment := range segments {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// matchesCondition applies one operator object ({"$gt": 30}) or a bare
// literal (shorthand for $eq) to the resolved property value.
func matchesCondition(value any, present bool, condition any) bool {
	ops, ok := condition.(map[string]any)
	if !ok {
		return present && looseEqual(value, condition)
	}

	for op, operand := range ops {
		if !applyOperator(value, present, op, operand) {
			return false
		}
	}
	return true
}

func applyOperator(value any, present bool, op string, operand any) bool {
	switch op {
	case FilterEq:
		return present && looseEqual(value, operand)
	case FilterNeq:
		return !present || !looseEqual(value, operand)
	case FilterGt, FilterGte, FilterLt, FilterLte:
		if !present {
			return false
		}
		cmp, ok := compareValues(value, operand)
		if !ok {
			return false
		}
		switch op {
		case FilterGt:
			return cmp > 0
		case FilterGte:
			return cmp >= 0
		case FilterLt:
			return cmp < 0
		default:
			return cmp <= 0
		}
	case FilterIn:
		if !present {
			return false
		}
		list, ok := operand.([]any)
		if !ok {
			return false
		}
		for _, item := range list {
			if looseEqual(value, item) {
				return true
			}
		}
		return false
	case FilterContains:
		if !present {
			return false
		}
		needle, ok := operand.(string)
		if !ok {
			return false
		}
		switch v := value.(type) {
		case string:
			return strings.Contains(strings.ToLower(v), strings.ToLower(needle))
		case []any:
			for _, item := range v {
				if looseEqual(item, needle) {
					return true
				}
			}
		}
		return false
	default:
		// Unknown operator: treat as non-matching rather than panic.
		return false
	}
}

// looseEqual compares with numeric coercion, so int 30 and float64 30
// from JSON round-trips compare equal.
func looseEqual(a, b any) bool {
	if na, ok := toFloat(a); ok {
		if nb, ok := toFloat(b); ok {
			return na == nb
		}
		return false
	}
	return a == b
}

// compareValues orders two values. Numbers compare numerically, strings
// lexically. Returns ok=false for incomparable types.
func compareValues(a, b any) (int, bool) {
	if na, ok := toFloat(a); ok {
		nb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case na < nb:
			return -1, true
		case na > nb:
			return 1, true
		default:
			return 0, true
		}
	}
	sa, ok := a.(string)
	if !ok {
		return 0, false
	}
	sb, ok := b.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(sa, sb), true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
