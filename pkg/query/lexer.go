// Package query provides the Muninn query language: lexer, parser, AST,
// schema-aware validation, and lowering to backend-neutral filter
// predicates.
//
// Syntax:
//
//	Find(Person[`Alice`]) WHERE age > 30 AND address.city == "Oslo"
//	    FOLLOWS KNOWS OUTGOING
//	    FOLLOWS WORKS_AT
//
// The Find clause names an entity type and an optional backtick-quoted
// entity name. WHERE takes a boolean expression over dotted property
// paths. Each FOLLOWS clause adds one traversal hop with an optional
// INCOMING/OUTGOING direction (default outgoing).
package query

import (
	"fmt"
	"strings"
	"unicode"
)

// TokenKind classifies a lexed token.
type TokenKind int

const (
	TokenEOF TokenKind = iota
	TokenIdent
	TokenString  // "..." or '...'
	TokenName    // `...` (backtick-quoted entity name)
	TokenNumber  // 42, 3.14, -7
	TokenLParen  // (
	TokenRParen  // )
	TokenLBrack  // [
	TokenRBrack  // ]
	TokenComma   // ,
	TokenDot     // .
	TokenEq      // ==
	TokenNeq     // !=
	TokenGt      // >
	TokenGte     // >=
	TokenLt      // <
	TokenLte     // <=
	TokenInvalid // anything the lexer cannot classify
)

func (k TokenKind) String() string {
	switch k {
	case TokenEOF:
		return "end of input"
	case TokenIdent:
		return "identifier"
	case TokenString:
		return "string"
	case TokenName:
		return "quoted name"
	case TokenNumber:
		return "number"
	case TokenLParen:
		return "'('"
	case TokenRParen:
		return "')'"
	case TokenLBrack:
		return "'['"
	case TokenRBrack:
		return "']'"
	case TokenComma:
		return "','"
	case TokenDot:
		return "'.'"
	case TokenEq:
		return "'=='"
	case TokenNeq:
		return "'!='"
	case TokenGt:
		return "'>'"
	case TokenGte:
		return "'>='"
	case TokenLt:
		return "'<'"
	case TokenLte:
		return "'<='"
	default:
		return "invalid token"
	}
}

// Token is one lexed unit with its source position (1-based).
type Token struct {
	Kind   TokenKind
	Text   string
	Line   int
	Column int
}

// Keyword checks whether the token is the given keyword,
// case-insensitively. Keywords lex as plain identifiers.
func (t Token) Keyword(kw string) bool {
	return t.Kind == TokenIdent && strings.EqualFold(t.Text, kw)
}

type lexer struct {
	input  []rune
	pos    int
	line   int
	column int
	errs   []ParseError
}

// lex tokenizes the input. Lexical errors (unterminated strings, stray
// characters) are collected, not thrown; the bad spot becomes a
// TokenInvalid so the parser can keep going.
func lex(input string) ([]Token, []ParseError) {
	l := &lexer{input: []rune(input), line: 1, column: 1}

	var tokens []Token
	for {
		tok := l.next()
		tokens = append(tokens, tok)
		if tok.Kind == TokenEOF {
			break
		}
	}
	return tokens, l.errs
}

func (l *lexer) peek() rune {
	if l.pos >= len(l.input) {
		return 0
	}
	return l.input[l.pos]
}

func (l *lexer) advance() rune {
	r := l.input[l.pos]
	l.pos++
	if r == '\n' {
		l.line++
		l.column = 1
	} else {
		l.column++
	}
	return r
}

func (l *lexer) errorf(line, column int, format string, args ...any) {
	l.errs = append(l.errs, ParseError{
		Line:    line,
		Column:  column,
		Message: fmt.Sprintf(format, args...),
	})
}

func (l *lexer) next() Token {
	for l.pos < len(l.input) && unicode.IsSpace(l.peek()) {
		l.advance()
	}

	line, column := l.line, l.column
	if l.pos >= len(l.input) {
		return Token{Kind: TokenEOF, Line: line, Column: column}
	}

	r := l.peek()
	switch {
	case r == '(':
		l.advance()
		return Token{Kind: TokenLParen, Text: "(", Line: line, Column: column}
	case r == ')':
		l.advance()
		return Token{Kind: TokenRParen, Text: ")", Line: line, Column: column}
	case r == '[':
		l.advance()
		return Token{Kind: TokenLBrack, Text: "[", Line: line, Column: column}
	case r == ']':
		l.advance()
		return Token{Kind: TokenRBrack, Text: "]", Line: line, Column: column}
	case r == ',':
		l.advance()
		return Token{Kind: TokenComma, Text: ",", Line: line, Column: column}
	case r == '.':
		l.advance()
		return Token{Kind: TokenDot, Text: ".", Line: line, Column: column}
	case r == '=':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return Token{Kind: TokenEq, Text: "==", Line: line, Column: column}
		}
		l.errorf(line, column, "unexpected '='; did you mean '=='?")
		return Token{Kind: TokenInvalid, Text: "=", Line: line, Column: column}
	case r == '!':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return Token{Kind: TokenNeq, Text: "!=", Line: line, Column: column}
		}
		l.errorf(line, column, "unexpected '!'; did you mean '!='?")
		return Token{Kind: TokenInvalid, Text: "!", Line: line, Column: column}
	case r == '>':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return Token{Kind: TokenGte, Text: ">=", Line: line, Column: column}
		}
		return Token{Kind: TokenGt, Text: ">", Line: line, Column: column}
	case r == '<':
		l.advance()
		if l.peek() == '=' {
			l.advance()
			return Token{Kind: TokenLte, Text: "<=", Line: line, Column: column}
		}
		return Token{Kind: TokenLt, Text: "<", Line: line, Column: column}
	case r == '"' || r == '\'':
		return l.lexString(r)
	case r == '`':
		return l.lexQuotedName()
	case r == '-' || unicode.IsDigit(r):
		return l.lexNumber()
	case r == '_' || unicode.IsLetter(r):
		return l.lexIdent()
	default:
		l.advance()
		l.errorf(line, column, "unexpected character %q", r)
		return Token{Kind: TokenInvalid, Text: string(r), Line: line, Column: column}
	}
}

func (l *lexer) lexString(quote rune) Token {
	line, column := l.line, l.column
	l.advance() // opening quote

	var sb strings.Builder
	for l.pos < len(l.input) {
		r := l.advance()
		if r == quote {
			return Token{Kind: TokenString, Text: sb.String(), Line: line, Column: column}
		}
		if r == '\\' && l.pos < len(l.input) {
			r = l.advance()
			switch r {
			case 'n':
				r = '\n'
			case 't':
				r = '\t'
			}
		}
		sb.WriteRune(r)
	}
	l.errorf(line, column, "unterminated string literal")
	return Token{Kind: TokenInvalid, Text: sb.String(), Line: line, Column: column}
}

func (l *lexer) lexQuotedName() Token {
	line, column := l.line, l.column
	l.advance() // opening backtick

	var sb strings.Builder
	for l.pos < len(l.input) {
		r := l.advance()
		if r == '`' {
			return Token{Kind: TokenName, Text: sb.String(), Line: line, Column: column}
		}
		sb.WriteRune(r)
	}
	l.errorf(line, column, "unterminated backtick-quoted name")
	return Token{Kind: TokenInvalid, Text: sb.String(), Line: line, Column: column}
}

func (l *lexer) lexNumber() Token {
	line, column := l.line, l.column

	var sb strings.Builder
	if l.peek() == '-' {
		sb.WriteRune(l.advance())
	}
	sawDigit := false
	for l.pos < len(l.input) && (unicode.IsDigit(l.peek()) || l.peek() == '.') {
		// A dot not followed by a digit ends the number (so trailing
		// punctuation is not swallowed).
		if l.peek() == '.' {
			if l.pos+1 >= len(l.input) || !unicode.IsDigit(l.input[l.pos+1]) {
				break
			}
		} else {
			sawDigit = true
		}
		sb.WriteRune(l.advance())
	}
	if !sawDigit {
		l.errorf(line, column, "malformed number %q", sb.String())
		return Token{Kind: TokenInvalid, Text: sb.String(), Line: line, Column: column}
	}
	return Token{Kind: TokenNumber, Text: sb.String(), Line: line, Column: column}
}

func (l *lexer) lexIdent() Token {
	line, column := l.line, l.column

	var sb strings.Builder
	for l.pos < len(l.input) {
		r := l.peek()
		if r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(l.advance())
			continue
		}
		break
	}
	return Token{Kind: TokenIdent, Text: sb.String(), Line: line, Column: column}
}
