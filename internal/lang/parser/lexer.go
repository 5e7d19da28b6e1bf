// Package parser turns workflow source text into the internal/lang/ast tree
// the VM executes. It implements the small, deliberately arithmetic-free
// grammar the VM's evaluator supports: literals, objects/lists, member and
// call expressions, the short-circuiting &&/||/?? operators, a ternary, and
// the control-flow statements in internal/lang/ast.
package parser

import (
	"fmt"
	"strings"
)

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokNumber
	tokString
	tokKeyword
	tokPunct
)

type token struct {
	kind  tokenKind
	text  string
	num   float64
	start int
	end   int
}

var keywords = map[string]bool{
	"let": true, "const": true, "if": true, "else": true, "while": true,
	"for": true, "in": true, "of": true, "return": true, "try": true,
	"catch": true, "break": true, "continue": true, "true": true,
	"false": true, "null": true, "await": true,
}

type lexer struct {
	src    string
	pos    int
	tokens []token
}

func lex(src string) ([]token, error) {
	l := &lexer{src: src}
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		l.tokens = append(l.tokens, tok)
		if tok.kind == tokEOF {
			break
		}
	}
	return l.tokens, nil
}

func (l *lexer) skipTrivia() {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.pos++
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.pos++
			}
		case c == '/' && l.pos+1 < len(l.src) && l.src[l.pos+1] == '*':
			l.pos += 2
			for l.pos+1 < len(l.src) && !(l.src[l.pos] == '*' && l.src[l.pos+1] == '/') {
				l.pos++
			}
			l.pos += 2
			if l.pos > len(l.src) {
				l.pos = len(l.src)
			}
		default:
			return
		}
	}
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentCont(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func (l *lexer) next() (token, error) {
	l.skipTrivia()
	start := l.pos
	if l.pos >= len(l.src) {
		return token{kind: tokEOF, start: start, end: start}, nil
	}
	c := l.src[l.pos]

	if isIdentStart(c) {
		for l.pos < len(l.src) && isIdentCont(l.src[l.pos]) {
			l.pos++
		}
		text := l.src[start:l.pos]
		kind := tokIdent
		if keywords[text] {
			kind = tokKeyword
		}
		return token{kind: kind, text: text, start: start, end: l.pos}, nil
	}

	if isDigit(c) || (c == '.' && l.pos+1 < len(l.src) && isDigit(l.src[l.pos+1])) {
		for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
			l.pos++
		}
		if l.pos < len(l.src) && l.src[l.pos] == '.' {
			l.pos++
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
		if l.pos < len(l.src) && (l.src[l.pos] == 'e' || l.src[l.pos] == 'E') {
			l.pos++
			if l.pos < len(l.src) && (l.src[l.pos] == '+' || l.src[l.pos] == '-') {
				l.pos++
			}
			for l.pos < len(l.src) && isDigit(l.src[l.pos]) {
				l.pos++
			}
		}
		text := l.src[start:l.pos]
		var n float64
		if _, err := fmt.Sscanf(text, "%g", &n); err != nil {
			return token{}, fmt.Errorf("parser: invalid number %q at %d", text, start)
		}
		return token{kind: tokNumber, text: text, num: n, start: start, end: l.pos}, nil
	}

	if c == '"' || c == '\'' {
		quote := c
		l.pos++
		var sb strings.Builder
		for l.pos < len(l.src) && l.src[l.pos] != quote {
			ch := l.src[l.pos]
			if ch == '\\' && l.pos+1 < len(l.src) {
				l.pos++
				switch l.src[l.pos] {
				case 'n':
					sb.WriteByte('\n')
				case 't':
					sb.WriteByte('\t')
				case 'r':
					sb.WriteByte('\r')
				case '\\':
					sb.WriteByte('\\')
				case '"':
					sb.WriteByte('"')
				case '\'':
					sb.WriteByte('\'')
				default:
					sb.WriteByte(l.src[l.pos])
				}
				l.pos++
				continue
			}
			sb.WriteByte(ch)
			l.pos++
		}
		if l.pos >= len(l.src) {
			return token{}, fmt.Errorf("parser: unterminated string starting at %d", start)
		}
		l.pos++ // closing quote
		return token{kind: tokString, text: sb.String(), start: start, end: l.pos}, nil
	}

	// Multi-character punctuation, longest match first.
	two := ""
	if l.pos+1 < len(l.src) {
		two = l.src[l.pos : l.pos+2]
	}
	switch two {
	case "?.", "??", "&&", "||", "==":
		l.pos += 2
		return token{kind: tokPunct, text: two, start: start, end: l.pos}, nil
	}

	switch c {
	case '{', '}', '(', ')', '[', ']', ',', ':', ';', '.', '=', '?', '-':
		l.pos++
		return token{kind: tokPunct, text: string(c), start: start, end: l.pos}, nil
	}

	return token{}, fmt.Errorf("parser: unexpected character %q at %d", string(c), start)
}
