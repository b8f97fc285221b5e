package query

import "fmt"

// ParseError is one diagnostic with its source position. Parsing and
// validation return lists of these instead of stopping at the first
// problem.
type ParseError struct {
	Line    int    `json:"line"`
	Column  int    `json:"column"`
	Message string `json:"message"`
}

func (e ParseError) Error() string {
	return fmt.Sprintf("%d:%d: %s", e.Line, e.Column, e.Message)
}

// QueryNode is the root of a parsed query: one Find clause plus zero or
// more traversal hops.
type QueryNode struct {
	Find       *FindNode
	Traversals []*TraversalNode
}

// FindNode is the Find(...) clause.
type FindNode struct {
	EntityType string
	EntityName string // backtick-quoted name, empty when absent
	Where      Expr   // nil when no WHERE clause
	Line       int
	Column     int
}

// TraversalNode is one FOLLOWS hop.
type TraversalNode struct {
	RelationType string
	Direction    string // "outgoing", "incoming" or "both"
	Line         int
	Column       int
}

// Expr is a node of the WHERE expression tree.
type Expr interface {
	exprNode()
	Pos() (line, column int)
}

// Comparison operators.
const (
	OpEq       = "=="
	OpNeq      = "!="
	OpGt       = ">"
	OpGte      = ">="
	OpLt       = "<"
	OpLte      = "<="
	OpIn       = "IN"
	OpContains = "CONTAINS"
)

// Logical operators.
const (
	OpAnd = "AND"
	OpOr  = "OR"
	OpNot = "NOT"
)

// ComparisonNode compares a dotted property path against a literal.
type ComparisonNode struct {
	Path   []string // e.g. ["address", "city"]
	Op     string
	Value  any // string, float64, bool, or []any for IN
	Line   int
	Column int
}

func (n *ComparisonNode) exprNode()              {}
func (n *ComparisonNode) Pos() (int, int)        { return n.Line, n.Column }
func (n *ComparisonNode) PathString() string {
	s := ""
	for i, seg := range n.Path {
		if i > 0 {
			s += "."
		}
		s += seg
	}
	return s
}

// LogicalNode combines sub-expressions with AND/OR/NOT. NOT carries
// exactly one operand.
type LogicalNode struct {
	Op       string
	Operands []Expr
	Line     int
	Column   int
}

func (n *LogicalNode) exprNode()       {}
func (n *LogicalNode) Pos() (int, int) { return n.Line, n.Column }
