package parser

import (
	"fmt"

	"github.com/rhythmrun/engine/internal/lang/ast"
)

type parser struct {
	toks []token
	pos  int
}

// Parse lexes and parses workflow source into a statement tree, then
// validates it (rejecting nested await, per the VM's evaluation contract)
// before returning it. The result is exactly the tree shape vm.New/vm.Restore
// expect as a workflow body.
func Parse(src string) ([]ast.Stmt, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	var body []ast.Stmt
	for !p.atEOF() {
		stmt, err := p.parseStmt()
		if err != nil {
			return nil, err
		}
		body = append(body, stmt)
	}
	if err := Validate(body); err != nil {
		return nil, err
	}
	return body, nil
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) atEOF() bool { return p.cur().kind == tokEOF }

func (p *parser) advance() token {
	t := p.toks[p.pos]
	if p.pos < len(p.toks)-1 {
		p.pos++
	}
	return t
}

func (p *parser) isPunct(s string) bool {
	t := p.cur()
	return t.kind == tokPunct && t.text == s
}

func (p *parser) isKeyword(s string) bool {
	t := p.cur()
	return t.kind == tokKeyword && t.text == s
}

func (p *parser) expectPunct(s string) (token, error) {
	if !p.isPunct(s) {
		return token{}, p.errorf("expected %q", s)
	}
	return p.advance(), nil
}

func (p *parser) expectKeyword(s string) (token, error) {
	if !p.isKeyword(s) {
		return token{}, p.errorf("expected keyword %q", s)
	}
	return p.advance(), nil
}

func (p *parser) expectIdent() (token, error) {
	if p.cur().kind != tokIdent {
		return token{}, p.errorf("expected identifier")
	}
	return p.advance(), nil
}

func (p *parser) errorf(format string, args ...any) error {
	t := p.cur()
	return fmt.Errorf("parser: %s at offset %d (near %q)", fmt.Sprintf(format, args...), t.start, t.text)
}

func span(a, b token) ast.Span { return ast.Span{Start: a.start, End: b.end} }

// parseStmt parses exactly one statement.
func (p *parser) parseStmt() (ast.Stmt, error) {
	switch {
	case p.isPunct("{"):
		return p.parseBlock()
	case p.isKeyword("let") || p.isKeyword("const"):
		return p.parseDeclare()
	case p.isKeyword("if"):
		return p.parseIf()
	case p.isKeyword("while"):
		return p.parseWhile()
	case p.isKeyword("for"):
		return p.parseFor()
	case p.isKeyword("return"):
		return p.parseReturn()
	case p.isKeyword("try"):
		return p.parseTry()
	case p.isKeyword("break"):
		start := p.advance()
		end, err := p.consumeSemi()
		if err != nil {
			return nil, err
		}
		return ast.NewBreak(span(start, end)), nil
	case p.isKeyword("continue"):
		start := p.advance()
		end, err := p.consumeSemi()
		if err != nil {
			return nil, err
		}
		return ast.NewContinue(span(start, end)), nil
	default:
		return p.parseAssignOrExprStmt()
	}
}

// consumeSemi consumes an optional trailing ';' and returns the token whose
// end marks the statement's end (the ';' if present, else the token already
// consumed before calling this).
func (p *parser) consumeSemi() (token, error) {
	if p.isPunct(";") {
		return p.advance(), nil
	}
	return p.toks[p.pos-1], nil
}

func (p *parser) parseBlock() (ast.BlockStmt, error) {
	open, err := p.expectPunct("{")
	if err != nil {
		return ast.BlockStmt{}, err
	}
	var body []ast.Stmt
	for !p.isPunct("}") {
		if p.atEOF() {
			return ast.BlockStmt{}, p.errorf("unterminated block")
		}
		stmt, err := p.parseStmt()
		if err != nil {
			return ast.BlockStmt{}, err
		}
		body = append(body, stmt)
	}
	close, err := p.expectPunct("}")
	if err != nil {
		return ast.BlockStmt{}, err
	}
	return ast.NewBlock(span(open, close), body), nil
}

// parseBody parses a brace-delimited statement list, the only body shape the
// control-flow statements accept.
func (p *parser) parseBody() ([]ast.Stmt, error) {
	blk, err := p.parseBlock()
	if err != nil {
		return nil, err
	}
	return blk.Body, nil
}

func (p *parser) parseDeclare() (ast.Stmt, error) {
	kindTok := p.advance()
	kind := ast.VarLet
	if kindTok.text == "const" {
		kind = ast.VarConst
	}

	target, err := p.parseDeclareTarget()
	if err != nil {
		return nil, err
	}

	var init ast.Expr
	if p.isPunct("=") {
		p.advance()
		init, err = p.parseExpr(true)
		if err != nil {
			return nil, err
		}
	}
	endTok, err := p.consumeSemi()
	if err != nil {
		return nil, err
	}
	return ast.NewDeclare(span(kindTok, endTok), kind, target, init), nil
}

func (p *parser) parseDeclareTarget() (ast.DeclareTarget, error) {
	switch {
	case p.cur().kind == tokIdent:
		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		return ast.SimpleTarget{Name: name.text}, nil

	case p.isPunct("["):
		p.advance()
		var names []string
		for !p.isPunct("]") {
			id, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			names = append(names, id.text)
			if p.isPunct(",") {
				p.advance()
			}
		}
		if _, err := p.expectPunct("]"); err != nil {
			return nil, err
		}
		return ast.DestructureTarget{Kind: ast.DestructureArray, Names: names}, nil

	case p.isPunct("{"):
		p.advance()
		var names, keys []string
		for !p.isPunct("}") {
			key, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			name := key.text
			if p.isPunct(":") {
				p.advance()
				alias, err := p.expectIdent()
				if err != nil {
					return nil, err
				}
				name = alias.text
			}
			names = append(names, name)
			keys = append(keys, key.text)
			if p.isPunct(",") {
				p.advance()
			}
		}
		if _, err := p.expectPunct("}"); err != nil {
			return nil, err
		}
		return ast.DestructureTarget{Kind: ast.DestructureObject, Names: names, Keys: keys}, nil

	default:
		return nil, p.errorf("expected a binding target")
	}
}

func (p *parser) parseIf() (ast.Stmt, error) {
	start := p.advance() // 'if'
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	test, err := p.parseExpr(true)
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	then, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	var els []ast.Stmt
	endTok := p.toks[p.pos-1]
	if p.isKeyword("else") {
		p.advance()
		if p.isKeyword("if") {
			nested, err := p.parseIf()
			if err != nil {
				return nil, err
			}
			els = []ast.Stmt{nested}
			endTok = p.toks[p.pos-1]
		} else {
			els, err = p.parseBody()
			if err != nil {
				return nil, err
			}
			endTok = p.toks[p.pos-1]
		}
	}
	return ast.NewIf(span(start, endTok), test, then, els), nil
}

func (p *parser) parseWhile() (ast.Stmt, error) {
	start := p.advance()
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	test, err := p.parseExpr(true)
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return ast.NewWhile(span(start, p.toks[p.pos-1]), test, body), nil
}

func (p *parser) parseFor() (ast.Stmt, error) {
	start := p.advance()
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	if !p.isKeyword("let") && !p.isKeyword("const") {
		return nil, p.errorf("expected 'let' or 'const' in for-loop binding")
	}
	p.advance()
	varTok, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	var kind ast.ForLoopKind
	switch {
	case p.isKeyword("of"):
		kind = ast.ForOf
	case p.isKeyword("in"):
		kind = ast.ForIn
	default:
		return nil, p.errorf("expected 'of' or 'in'")
	}
	p.advance()
	iterable, err := p.parseExpr(true)
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return ast.NewForLoop(span(start, p.toks[p.pos-1]), kind, varTok.text, iterable, body), nil
}

func (p *parser) parseReturn() (ast.Stmt, error) {
	start := p.advance()
	var value ast.Expr
	if !p.isPunct(";") && !p.isPunct("}") {
		var err error
		value, err = p.parseExpr(true)
		if err != nil {
			return nil, err
		}
	}
	end, err := p.consumeSemi()
	if err != nil {
		return nil, err
	}
	return ast.NewReturn(span(start, end), value), nil
}

func (p *parser) parseTry() (ast.Stmt, error) {
	start := p.advance()
	body, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectKeyword("catch"); err != nil {
		return nil, err
	}
	if _, err := p.expectPunct("("); err != nil {
		return nil, err
	}
	catchVar, err := p.expectIdent()
	if err != nil {
		return nil, err
	}
	if _, err := p.expectPunct(")"); err != nil {
		return nil, err
	}
	catchBody, err := p.parseBody()
	if err != nil {
		return nil, err
	}
	return ast.NewTry(span(start, p.toks[p.pos-1]), body, catchVar.text, catchBody), nil
}

// parseAssignOrExprStmt speculatively parses a left-hand-side expression; if
// it's immediately followed by '=' and is a valid assignment target (a bare
// identifier optionally followed by a non-optional member path), it becomes
// an AssignStmt, otherwise it's an ExprStmt.
func (p *parser) parseAssignOrExprStmt() (ast.Stmt, error) {
	startPos := p.pos
	expr, err := p.parseExpr(true)
	if err != nil {
		return nil, err
	}
	if p.isPunct("=") {
		target, path, ok := splitAssignTarget(expr)
		if !ok {
			return nil, p.errorf("invalid assignment target")
		}
		p.advance()
		rhs, err := p.parseExpr(true)
		if err != nil {
			return nil, err
		}
		end, err := p.consumeSemi()
		if err != nil {
			return nil, err
		}
		return ast.NewAssign(span(p.toks[startPos], end), target, path, rhs), nil
	}
	end, err := p.consumeSemi()
	if err != nil {
		return nil, err
	}
	return ast.NewExprStmt(span(p.toks[startPos], end), expr), nil
}

// splitAssignTarget decomposes expr into (root identifier, member path) when
// expr is a valid assignment target.
func splitAssignTarget(expr ast.Expr) (string, []ast.MemberAccess, bool) {
	var path []ast.MemberAccess
	for {
		switch e := expr.(type) {
		case ast.Ident:
			// prepend accumulated path (built innermost-out)
			reversed := make([]ast.MemberAccess, len(path))
			for i, seg := range path {
				reversed[len(path)-1-i] = seg
			}
			return e.Name, reversed, true
		case ast.MemberExpr:
			if a, ok := e.Access.(ast.PropAccess); ok && a.Optional {
				return "", nil, false
			}
			if a, ok := e.Access.(ast.IndexAccess); ok && a.Optional {
				return "", nil, false
			}
			path = append(path, e.Access)
			expr = e.Object
		default:
			return "", nil, false
		}
	}
}

// --- Expressions ---
//
// Precedence, low to high: ternary > nullish (??) > or (||) > and (&&) >
// postfix (member/call) > primary. There is no arithmetic or comparison
// operator in this language; side effects and control flow are expressed
// through Task.run/Workflow.run/Signal.next and the statement forms above.

func (p *parser) parseExpr(top bool) (ast.Expr, error) {
	return p.parseTernary(top)
}

func (p *parser) parseTernary(top bool) (ast.Expr, error) {
	test, err := p.parseNullish(top)
	if err != nil {
		return nil, err
	}
	if p.isPunct("?") {
		p.advance()
		then, err := p.parseTernary(false)
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(":"); err != nil {
			return nil, err
		}
		els, err := p.parseTernary(false)
		if err != nil {
			return nil, err
		}
		return ast.NewTernary(test.Span().Merge(els.Span()), test, then, els), nil
	}
	return test, nil
}

func (p *parser) parseNullish(top bool) (ast.Expr, error) {
	left, err := p.parseOr(top)
	if err != nil {
		return nil, err
	}
	for p.isPunct("??") {
		p.advance()
		right, err := p.parseOr(false)
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(left.Span().Merge(right.Span()), ast.OpNullish, left, right)
	}
	return left, nil
}

func (p *parser) parseOr(top bool) (ast.Expr, error) {
	left, err := p.parseAnd(top)
	if err != nil {
		return nil, err
	}
	for p.isPunct("||") {
		p.advance()
		right, err := p.parseAnd(false)
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(left.Span().Merge(right.Span()), ast.OpOr, left, right)
	}
	return left, nil
}

func (p *parser) parseAnd(top bool) (ast.Expr, error) {
	left, err := p.parseUnary(top)
	if err != nil {
		return nil, err
	}
	for p.isPunct("&&") {
		p.advance()
		right, err := p.parseUnary(false)
		if err != nil {
			return nil, err
		}
		left = ast.NewBinary(left.Span().Merge(right.Span()), ast.OpAnd, left, right)
	}
	return left, nil
}

// parseUnary handles the `await` prefix operator (only meaningful when top;
// Validate rejects it anywhere else). Numeric negation is folded directly
// into the literal by parsePrimary, since the language has no general
// unary-minus expression node.
func (p *parser) parseUnary(top bool) (ast.Expr, error) {
	if p.isKeyword("await") {
		start := p.advance()
		inner, err := p.parsePostfix()
		if err != nil {
			return nil, err
		}
		return ast.NewAwait(span(start, p.toks[p.pos-1]), inner), nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (ast.Expr, error) {
	expr, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.isPunct("."):
			p.advance()
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			expr = ast.NewMember(expr.Span().Merge(span(name, name)), expr, ast.PropAccess{Name: name.text})
		case p.isPunct("?."):
			p.advance()
			if p.isPunct("[") {
				p.advance()
				idx, err := p.parseExpr(false)
				if err != nil {
					return nil, err
				}
				close, err := p.expectPunct("]")
				if err != nil {
					return nil, err
				}
				expr = ast.NewMember(expr.Span().Merge(span(close, close)), expr, ast.IndexAccess{Index: idx, Optional: true})
				continue
			}
			name, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			expr = ast.NewMember(expr.Span().Merge(span(name, name)), expr, ast.PropAccess{Name: name.text, Optional: true})
		case p.isPunct("["):
			p.advance()
			idx, err := p.parseExpr(false)
			if err != nil {
				return nil, err
			}
			close, err := p.expectPunct("]")
			if err != nil {
				return nil, err
			}
			expr = ast.NewMember(expr.Span().Merge(span(close, close)), expr, ast.IndexAccess{Index: idx})
		case p.isPunct("("):
			p.advance()
			var args []ast.Expr
			for !p.isPunct(")") {
				arg, err := p.parseExpr(false)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.isPunct(",") {
					p.advance()
				}
			}
			close, err := p.expectPunct(")")
			if err != nil {
				return nil, err
			}
			expr = ast.NewCall(expr.Span().Merge(span(close, close)), expr, args)
		default:
			return expr, nil
		}
	}
}

func (p *parser) parsePrimary() (ast.Expr, error) {
	t := p.cur()
	switch {
	case t.kind == tokNumber:
		p.advance()
		return ast.NewNum(span(t, t), t.num), nil

	case t.kind == tokPunct && t.text == "-":
		p.advance()
		num := p.cur()
		if num.kind != tokNumber {
			return nil, p.errorf("expected a number after '-'")
		}
		p.advance()
		return ast.NewNum(span(t, num), -num.num), nil

	case t.kind == tokString:
		p.advance()
		return ast.NewStr(span(t, t), t.text), nil

	case t.kind == tokKeyword && t.text == "true":
		p.advance()
		return ast.NewBool(span(t, t), true), nil
	case t.kind == tokKeyword && t.text == "false":
		p.advance()
		return ast.NewBool(span(t, t), false), nil
	case t.kind == tokKeyword && t.text == "null":
		p.advance()
		return ast.NewNull(span(t, t)), nil

	case t.kind == tokIdent:
		p.advance()
		return ast.NewIdent(span(t, t), t.text), nil

	case t.kind == tokPunct && t.text == "(":
		p.advance()
		inner, err := p.parseExpr(false)
		if err != nil {
			return nil, err
		}
		if _, err := p.expectPunct(")"); err != nil {
			return nil, err
		}
		return inner, nil

	case t.kind == tokPunct && t.text == "[":
		return p.parseListLit()

	case t.kind == tokPunct && t.text == "{":
		return p.parseObjLit()

	default:
		return nil, p.errorf("unexpected token")
	}
}

func (p *parser) parseListLit() (ast.Expr, error) {
	open, err := p.expectPunct("[")
	if err != nil {
		return nil, err
	}
	var items []ast.Expr
	for !p.isPunct("]") {
		item, err := p.parseExpr(false)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
		if p.isPunct(",") {
			p.advance()
		}
	}
	close, err := p.expectPunct("]")
	if err != nil {
		return nil, err
	}
	return ast.NewList(span(open, close), items), nil
}

func (p *parser) parseObjLit() (ast.Expr, error) {
	open, err := p.expectPunct("{")
	if err != nil {
		return nil, err
	}
	var keys []string
	var values []ast.Expr
	for !p.isPunct("}") {
		var keyTok token
		switch {
		case p.cur().kind == tokIdent || p.cur().kind == tokKeyword:
			keyTok = p.advance()
		case p.cur().kind == tokString:
			keyTok = p.advance()
		default:
			return nil, p.errorf("expected an object key")
		}
		key := keyTok.text
		var val ast.Expr
		if p.isPunct(":") {
			p.advance()
			val, err = p.parseExpr(false)
			if err != nil {
				return nil, err
			}
		} else {
			val = ast.NewIdent(span(keyTok, keyTok), key)
		}
		keys = append(keys, key)
		values = append(values, val)
		if p.isPunct(",") {
			p.advance()
		}
	}
	close, err := p.expectPunct("}")
	if err != nil {
		return nil, err
	}
	return ast.NewObj(span(open, close), keys, values), nil
}
