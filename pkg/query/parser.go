package query

import (
	"fmt"
	"strconv"
)

// Parser parses query-language text into an AST.
type Parser struct{}

// NewParser creates a new query parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses the input. On failure it returns every diagnostic found,
// each with line and column, rather than stopping at the first error.
// The returned QueryNode is nil whenever errors are present.
func (p *Parser) Parse(input string) (*QueryNode, []ParseError) {
	tokens, errs := lex(input)

	s := &parseState{tokens: tokens, errs: errs}
	queryNode := s.parseQuery()
	if len(s.errs) > 0 {
		return nil, s.errs
	}
	return queryNode, nil
}

type parseState struct {
	tokens []Token
	pos    int
	errs   []ParseError
}

func (s *parseState) peek() Token {
	if s.pos >= len(s.tokens) {
		return s.tokens[len(s.tokens)-1] // EOF token
	}
	return s.tokens[s.pos]
}

func (s *parseState) advance() Token {
	tok := s.peek()
	if s.pos < len(s.tokens)-1 {
		s.pos++
	}
	return tok
}

func (s *parseState) errorAt(tok Token, format string, args ...any) {
	s.errs = append(s.errs, ParseError{
		Line:    tok.Line,
		Column:  tok.Column,
		Message: fmt.Sprintf(format, args...),
	})
}

// expect consumes a token of the given kind or records a diagnostic.
func (s *parseState) expect(kind TokenKind, context string) (Token, bool) {
	tok := s.peek()
	if tok.Kind != kind {
		s.errorAt(tok, "expected %s in %s, got %s", kind, context, describe(tok))
		return tok, false
	}
	return s.advance(), true
}

func describe(tok Token) string {
	if tok.Kind == TokenIdent || tok.Kind == TokenInvalid {
		return fmt.Sprintf("%q", tok.Text)
	}
	return tok.Kind.String()
}

func (s *parseState) parseQuery() *QueryNode {
	queryNode := &QueryNode{}

	queryNode.Find = s.parseFind()

	for s.peek().Keyword("FOLLOWS") {
		queryNode.Traversals = append(queryNode.Traversals, s.parseTraversal())
	}

	if tok := s.peek(); tok.Kind != TokenEOF {
		s.errorAt(tok, "unexpected %s after query", describe(tok))
	}
	return queryNode
}

func (s *parseState) parseFind() *FindNode {
	start := s.peek()
	if !start.Keyword("Find") {
		s.errorAt(start, "query must begin with Find, got %s", describe(start))
		return nil
	}
	s.advance()

	node := &FindNode{Line: start.Line, Column: start.Column}

	if _, ok := s.expect(TokenLParen, "Find clause"); !ok {
		return node
	}

	typeTok, ok := s.expect(TokenIdent, "Find clause")
	if !ok {
		return node
	}
	node.EntityType = typeTok.Text

	if s.peek().Kind == TokenLBrack {
		s.advance()
		nameTok, ok := s.expect(TokenName, "entity name")
		if ok {
			node.EntityName = nameTok.Text
		}
		s.expect(TokenRBrack, "entity name")
	}

	s.expect(TokenRParen, "Find clause")

	if s.peek().Keyword("WHERE") {
		s.advance()
		node.Where = s.parseExpr()
	}
	return node
}

func (s *parseState) parseTraversal() *TraversalNode {
	start := s.advance() // FOLLOWS

	node := &TraversalNode{Direction: "outgoing", Line: start.Line, Column: start.Column}

	relTok, ok := s.expect(TokenIdent, "FOLLOWS clause")
	if !ok {
		return node
	}
	node.RelationType = relTok.Text

	if tok := s.peek(); tok.Keyword("INCOMING") {
		s.advance()
		node.Direction = "incoming"
	} else if tok.Keyword("OUTGOING") {
		s.advance()
		node.Direction = "outgoing"
	} else if tok.Keyword("BOTH") {
		s.advance()
		node.Direction = "both"
	}
	return node
}

// parseExpr parses an OR-level boolean expression.
func (s *parseState) parseExpr() Expr {
	left := s.parseAnd()
	for s.peek().Keyword("OR") {
		opTok := s.advance()
		right := s.parseAnd()
		left = mergeLogical(OpOr, left, right, opTok)
	}
	return left
}

func (s *parseState) parseAnd() Expr {
	left := s.parseUnary()
	for s.peek().Keyword("AND") {
		opTok := s.advance()
		right := s.parseUnary()
		left = mergeLogical(OpAnd, left, right, opTok)
	}
	return left
}

// mergeLogical flattens chains of the same operator into one node, so
// "a AND b AND c" is a single AND with three operands.
func mergeLogical(op string, left, right Expr, tok Token) Expr {
	if ln, ok := left.(*LogicalNode); ok && ln.Op == op {
		ln.Operands = append(ln.Operands, right)
		return ln
	}
	return &LogicalNode{Op: op, Operands: []Expr{left, right}, Line: tok.Line, Column: tok.Column}
}

func (s *parseState) parseUnary() Expr {
	if tok := s.peek(); tok.Keyword("NOT") {
		s.advance()
		operand := s.parseUnary()
		return &LogicalNode{Op: OpNot, Operands: []Expr{operand}, Line: tok.Line, Column: tok.Column}
	}
	return s.parsePrimary()
}

func (s *parseState) parsePrimary() Expr {
	if s.peek().Kind == TokenLParen {
		s.advance()
		expr := s.parseExpr()
		s.expect(TokenRParen, "parenthesized expression")
		return expr
	}
	return s.parseComparison()
}

func (s *parseState) parseComparison() Expr {
	pathTok, ok := s.expect(TokenIdent, "expression")
	if !ok {
		s.advance() // skip the offending token to make progress
		return nil
	}

	node := &ComparisonNode{
		Path:   []string{pathTok.Text},
		Line:   pathTok.Line,
		Column: pathTok.Column,
	}
	for s.peek().Kind == TokenDot {
		s.advance()
		segTok, ok := s.expect(TokenIdent, "property path")
		if !ok {
			return node
		}
		node.Path = append(node.Path, segTok.Text)
	}

	opTok := s.peek()
	switch {
	case opTok.Kind == TokenEq:
		node.Op = OpEq
	case opTok.Kind == TokenNeq:
		node.Op = OpNeq
	case opTok.Kind == TokenGt:
		node.Op = OpGt
	case opTok.Kind == TokenGte:
		node.Op = OpGte
	case opTok.Kind == TokenLt:
		node.Op = OpLt
	case opTok.Kind == TokenLte:
		node.Op = OpLte
	case opTok.Keyword("IN"):
		node.Op = OpIn
	case opTok.Keyword("CONTAINS"):
		node.Op = OpContains
	default:
		s.errorAt(opTok, "expected comparison operator after %q, got %s", node.PathString(), describe(opTok))
		return node
	}
	s.advance()

	node.Value = s.parseValue()
	return node
}

func (s *parseState) parseValue() any {
	tok := s.peek()
	switch tok.Kind {
	case TokenString:
		s.advance()
		return tok.Text
	case TokenNumber:
		s.advance()
		num, err := strconv.ParseFloat(tok.Text, 64)
		if err != nil {
			s.errorAt(tok, "malformed number %q", tok.Text)
			return nil
		}
		return num
	case TokenIdent:
		if tok.Keyword("true") {
			s.advance()
			return true
		}
		if tok.Keyword("false") {
			s.advance()
			return false
		}
		if tok.Keyword("null") {
			s.advance()
			return nil
		}
		s.errorAt(tok, "expected literal value, got %q", tok.Text)
		s.advance()
		return nil
	case TokenLBrack:
		return s.parseList()
	default:
		s.errorAt(tok, "expected literal value, got %s", describe(tok))
		s.advance()
		return nil
	}
}

func (s *parseState) parseList() any {
	s.advance() // [

	list := []any{}
	if s.peek().Kind == TokenRBrack {
		s.advance()
		return list
	}
	for {
		list = append(list, s.parseValue())
		if s.peek().Kind == TokenComma {
			s.advance()
			continue
		}
		break
	}
	s.expect(TokenRBrack, "list literal")
	return list
}
