package thunk

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Parse parses src into an unbound expression tree. Relative path literals
// are resolved against basePath.
func Parse(filename, src, basePath string) (Expr, error) {
	p := &parser{
		lex:      newLexer(filename, src),
		basePath: basePath,
	}
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.tok.kind != tEOF {
		return nil, p.unexpected()
	}
	return e, nil
}

type parser struct {
	lex      *lexer
	tok      token
	basePath string
}

func (p *parser) advance() error {
	tok, err := p.lex.next()
	if err != nil {
		return err
	}
	p.tok = tok
	return nil
}

func (p *parser) unexpected() error {
	return newError(ErrParse, p.tok.loc, "syntax error, unexpected %s", p.tok)
}

func (p *parser) errorf(loc *SourceLocation, format string, args ...any) error {
	return newError(ErrParse, loc, format, args...)
}

func (p *parser) isPunct(text string) bool { return p.tok.is(tPunct, text) }

func (p *parser) isKeyword(text string) bool { return p.tok.is(tKeyword, text) }

func (p *parser) expectPunct(text string) error {
	if !p.isPunct(text) {
		return newError(ErrParse, p.tok.loc, "syntax error, unexpected %s, expecting '%s'", p.tok, text)
	}
	return p.advance()
}

func (p *parser) expectKeyword(text string) error {
	if !p.isKeyword(text) {
		return newError(ErrParse, p.tok.loc, "syntax error, unexpected %s, expecting '%s'", p.tok, text)
	}
	return p.advance()
}

// peekTokens lexes up to n tokens after the current one without consuming
// them.
func (p *parser) peekTokens(n int) []token {
	state := p.lex.save()
	defer p.lex.restore(state)
	var toks []token
	for i := 0; i < n; i++ {
		tok, err := p.lex.next()
		if err != nil {
			break
		}
		toks = append(toks, tok)
		if tok.kind == tEOF {
			break
		}
	}
	return toks
}

func (p *parser) parseExpr() (Expr, error) {
	loc := p.tok.loc

	switch {
	case p.tok.kind == tID:
		if next := p.peekTokens(1); len(next) == 1 {
			switch {
			case next[0].is(tPunct, ":"):
				name := p.tok.text
				if err := p.advance(); err != nil {
					return nil, err
				}
				return p.parseLambdaBody(loc, name, nil)
			case next[0].is(tPunct, "@"):
				name := p.tok.text
				if err := p.advance(); err != nil {
					return nil, err
				}
				if err := p.advance(); err != nil {
					return nil, err
				}
				formals, err := p.parseFormals()
				if err != nil {
					return nil, err
				}
				return p.parseLambdaBody(loc, name, formals)
			}
		}

	case p.isPunct("{") && p.looksLikeFormals():
		formals, err := p.parseFormals()
		if err != nil {
			return nil, err
		}
		name := ""
		if p.isPunct("@") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if p.tok.kind != tID {
				return nil, p.unexpected()
			}
			name = p.tok.text
			if err := p.advance(); err != nil {
				return nil, err
			}
		}
		return p.parseLambdaBody(loc, name, formals)

	case p.isKeyword("assert"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ExprAssert{Cond: cond, Body: body, Loc: loc}, nil

	case p.isKeyword("with"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		attrs, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectPunct(";"); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ExprWith{Attrs: attrs, Body: body, Loc: loc}, nil

	case p.isKeyword("let"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		attrs := &ExprAttrs{Recursive: true, Loc: loc}
		if err := p.parseBinds(attrs, "in"); err != nil {
			return nil, err
		}
		if len(attrs.DynamicAttrs) > 0 {
			return nil, p.errorf(attrs.DynamicAttrs[0].Loc, "dynamic attributes not allowed in let")
		}
		if err := p.expectKeyword("in"); err != nil {
			return nil, err
		}
		body, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ExprLet{Attrs: attrs, Body: body, Loc: loc}, nil

	case p.isKeyword("if"):
		if err := p.advance(); err != nil {
			return nil, err
		}
		cond, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("then"); err != nil {
			return nil, err
		}
		then, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		if err := p.expectKeyword("else"); err != nil {
			return nil, err
		}
		els, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		return &ExprIf{Cond: cond, Then: then, Else: els, Loc: loc}, nil
	}

	return p.parseImpl()
}

// looksLikeFormals decides whether the '{' at the current token opens a
// function's formals rather than an attribute set.
func (p *parser) looksLikeFormals() bool {
	toks := p.peekTokens(2)
	if len(toks) == 0 {
		return false
	}
	first := toks[0]
	switch {
	case first.is(tPunct, "..."):
		return true
	case first.is(tPunct, "}"):
		// {}: body or {}@args: body
		return len(toks) > 1 && (toks[1].is(tPunct, ":") || toks[1].is(tPunct, "@"))
	case first.kind == tID:
		if len(toks) < 2 {
			return false
		}
		second := toks[1]
		if second.is(tPunct, ",") || second.is(tPunct, "?") {
			return true
		}
		if second.is(tPunct, "}") {
			// { a }: body
			after := p.peekTokens(3)
			return len(after) == 3 && (after[2].is(tPunct, ":") || after[2].is(tPunct, "@"))
		}
	}
	return false
}

func (p *parser) parseFormals() (*Formals, error) {
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	formals := &Formals{}
	seen := map[string]bool{}
	for !p.isPunct("}") {
		if p.isPunct("...") {
			formals.Ellipsis = true
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.isPunct("}") {
				return nil, p.unexpected()
			}
			break
		}
		if p.tok.kind != tID {
			return nil, p.unexpected()
		}
		formal := Formal{Name: p.tok.text, Loc: p.tok.loc}
		if seen[formal.Name] {
			return nil, p.errorf(p.tok.loc, "duplicate formal function argument '%s'", formal.Name)
		}
		seen[formal.Name] = true
		if err := p.advance(); err != nil {
			return nil, err
		}
		if p.isPunct("?") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			def, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			formal.Def = def
		}
		formals.Formals = append(formals.Formals, formal)
		if p.isPunct(",") {
			if err := p.advance(); err != nil {
				return nil, err
			}
			continue
		}
		if !p.isPunct("}") {
			return nil, p.unexpected()
		}
	}
	if err := p.expectPunct("}"); err != nil {
		return nil, err
	}
	sort.Slice(formals.Formals, func(i, j int) bool {
		return formals.Formals[i].Name < formals.Formals[j].Name
	})
	return formals, nil
}

func (p *parser) parseLambdaBody(loc *SourceLocation, arg string, formals *Formals) (Expr, error) {
	if formals != nil && arg != "" && formals.Has(arg) {
		return nil, p.errorf(loc, "duplicate formal function argument '%s'", arg)
	}
	if err := p.expectPunct(":"); err != nil {
		return nil, err
	}
	body, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return &ExprLambda{Arg: arg, Formals: formals, Body: body, Loc: loc}, nil
}

func call(name string, loc *SourceLocation, args ...Expr) Expr {
	return &ExprCall{Fun: &ExprVar{Name: name, Loc: loc}, Args: args, Loc: loc}
}

func (p *parser) parseImpl() (Expr, error) {
	l, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.isPunct("->") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseImpl()
		if err != nil {
			return nil, err
		}
		return &ExprBinOp{Op: OpImpl, L: l, R: r, Loc: loc}, nil
	}
	return l, nil
}

// parseLeftAssoc parses operand (op operand)* for the given operators.
func (p *parser) parseLeftAssoc(operand func() (Expr, error), combine func(op string, l, r Expr, loc *SourceLocation) Expr, ops ...string) (Expr, error) {
	l, err := operand()
	if err != nil {
		return nil, err
	}
	for {
		matched := ""
		for _, op := range ops {
			if p.isPunct(op) {
				matched = op
				break
			}
		}
		if matched == "" {
			return l, nil
		}
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := operand()
		if err != nil {
			return nil, err
		}
		l = combine(matched, l, r, loc)
	}
}

func (p *parser) parseOr() (Expr, error) {
	return p.parseLeftAssoc(p.parseAnd, func(_ string, l, r Expr, loc *SourceLocation) Expr {
		return &ExprBinOp{Op: OpOr, L: l, R: r, Loc: loc}
	}, "||")
}

func (p *parser) parseAnd() (Expr, error) {
	return p.parseLeftAssoc(p.parseEq, func(_ string, l, r Expr, loc *SourceLocation) Expr {
		return &ExprBinOp{Op: OpAnd, L: l, R: r, Loc: loc}
	}, "&&")
}

func (p *parser) parseEq() (Expr, error) {
	l, err := p.parseCmp()
	if err != nil {
		return nil, err
	}
	if p.isPunct("==") || p.isPunct("!=") {
		op := OpEq
		if p.tok.text == "!=" {
			op = OpNEq
		}
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseCmp()
		if err != nil {
			return nil, err
		}
		return &ExprBinOp{Op: op, L: l, R: r, Loc: loc}, nil
	}
	return l, nil
}

// parseCmp desugars comparisons to __lessThan.
func (p *parser) parseCmp() (Expr, error) {
	l, err := p.parseUpdate()
	if err != nil {
		return nil, err
	}
	if !(p.isPunct("<") || p.isPunct(">") || p.isPunct("<=") || p.isPunct(">=")) {
		return l, nil
	}
	op, loc := p.tok.text, p.tok.loc
	if err := p.advance(); err != nil {
		return nil, err
	}
	r, err := p.parseUpdate()
	if err != nil {
		return nil, err
	}
	switch op {
	case "<":
		return call("__lessThan", loc, l, r), nil
	case ">":
		return call("__lessThan", loc, r, l), nil
	case "<=":
		return &ExprOpNot{E: call("__lessThan", loc, r, l), Loc: loc}, nil
	default:
		return &ExprOpNot{E: call("__lessThan", loc, l, r), Loc: loc}, nil
	}
}

func (p *parser) parseUpdate() (Expr, error) {
	l, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	if p.isPunct("//") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseUpdate()
		if err != nil {
			return nil, err
		}
		return &ExprBinOp{Op: OpUpdate, L: l, R: r, Loc: loc}, nil
	}
	return l, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.isPunct("!") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &ExprOpNot{E: e, Loc: loc}, nil
	}
	return p.parseAdd()
}

func (p *parser) parseAdd() (Expr, error) {
	return p.parseLeftAssoc(p.parseMul, func(op string, l, r Expr, loc *SourceLocation) Expr {
		if op == "+" {
			return &ExprConcatStrings{Parts: []Expr{l, r}, Loc: loc}
		}
		return call("__sub", loc, l, r)
	}, "+", "-")
}

func (p *parser) parseMul() (Expr, error) {
	return p.parseLeftAssoc(p.parseConcat, func(op string, l, r Expr, loc *SourceLocation) Expr {
		if op == "*" {
			return call("__mul", loc, l, r)
		}
		return call("__div", loc, l, r)
	}, "*", "/")
}

func (p *parser) parseConcat() (Expr, error) {
	l, err := p.parseHasAttr()
	if err != nil {
		return nil, err
	}
	if p.isPunct("++") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		r, err := p.parseConcat()
		if err != nil {
			return nil, err
		}
		return &ExprBinOp{Op: OpConcatLists, L: l, R: r, Loc: loc}, nil
	}
	return l, nil
}

func (p *parser) parseHasAttr() (Expr, error) {
	e, err := p.parseNeg()
	if err != nil {
		return nil, err
	}
	if p.isPunct("?") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		path, err := p.parseAttrPath()
		if err != nil {
			return nil, err
		}
		return &ExprOpHasAttr{E: e, AttrPath: path, Loc: loc}, nil
	}
	return e, nil
}

func (p *parser) parseNeg() (Expr, error) {
	if p.isPunct("-") {
		loc := p.tok.loc
		if err := p.advance(); err != nil {
			return nil, err
		}
		e, err := p.parseNeg()
		if err != nil {
			return nil, err
		}
		return call("__sub", loc, NewExprInt(0, loc), e), nil
	}
	return p.parseApp()
}

func (p *parser) startsSimple() bool {
	switch p.tok.kind {
	case tID, tInt, tFloat, tPath, tHomePath, tSearchPath, tStringOpen, tIndStringOpen:
		return true
	case tKeyword:
		return p.tok.text == "rec"
	case tPunct:
		return p.tok.text == "(" || p.tok.text == "{" || p.tok.text == "["
	}
	return false
}

func (p *parser) parseApp() (Expr, error) {
	loc := p.tok.loc
	fun, err := p.parseSelect()
	if err != nil {
		return nil, err
	}
	var args []Expr
	for p.startsSimple() {
		arg, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
	}
	if len(args) == 0 {
		return fun, nil
	}
	return &ExprCall{Fun: fun, Args: args, Loc: loc}, nil
}

func (p *parser) parseSelect() (Expr, error) {
	e, err := p.parseSimple()
	if err != nil {
		return nil, err
	}
	if !p.isPunct(".") {
		return e, nil
	}
	loc := p.tok.loc
	if err := p.advance(); err != nil {
		return nil, err
	}
	path, err := p.parseAttrPath()
	if err != nil {
		return nil, err
	}
	sel := &ExprSelect{E: e, AttrPath: path, Loc: loc}
	if p.isKeyword("or") {
		if err := p.advance(); err != nil {
			return nil, err
		}
		def, err := p.parseSelect()
		if err != nil {
			return nil, err
		}
		sel.Def = def
	}
	return sel, nil
}

func (p *parser) parseAttrPath() ([]AttrName, error) {
	var path []AttrName
	for {
		name, err := p.parseAttrName()
		if err != nil {
			return nil, err
		}
		path = append(path, name)
		if !p.isPunct(".") {
			return path, nil
		}
		if err := p.advance(); err != nil {
			return nil, err
		}
	}
}

func (p *parser) parseAttrName() (AttrName, error) {
	switch {
	case p.tok.kind == tID, p.isKeyword("or"):
		name := p.tok.text
		return AttrName{Name: name}, p.advance()

	case p.tok.kind == tStringOpen:
		e, err := p.parseString()
		if err != nil {
			return AttrName{}, err
		}
		if s, ok := e.(*ExprString); ok {
			return AttrName{Name: s.S}, nil
		}
		return AttrName{Expr: e}, nil

	case p.tok.kind == tInterpOpen:
		e, err := p.parseInterpolation()
		if err != nil {
			return AttrName{}, err
		}
		return AttrName{Expr: e}, p.advance()
	}
	return AttrName{}, p.unexpected()
}

// parseInterpolation parses the expression of a ${ ... } whose opening
// token is current, and leaves the closing brace as the current token
// without lexing past it.
func (p *parser) parseInterpolation() (Expr, error) {
	if err := p.advance(); err != nil {
		return nil, err
	}
	e, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if !p.isPunct("}") {
		return nil, p.unexpected()
	}
	return e, nil
}

func (p *parser) parseSimple() (Expr, error) {
	tok := p.tok
	loc := tok.loc

	switch tok.kind {
	case tID:
		return &ExprVar{Name: tok.text, Loc: loc}, p.advance()

	case tInt:
		n, err := strconv.ParseInt(tok.text, 10, 64)
		if err != nil {
			return nil, p.errorf(loc, "invalid integer '%s'", tok.text)
		}
		return NewExprInt(n, loc), p.advance()

	case tFloat:
		f, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return nil, p.errorf(loc, "invalid float '%s'", tok.text)
		}
		return NewExprFloat(f, loc), p.advance()

	case tPath:
		path := tok.text
		if !filepath.IsAbs(path) {
			path = filepath.Join(p.basePath, path)
		}
		return NewExprPath(canonPath(path), loc), p.advance()

	case tHomePath:
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, p.errorf(loc, "cannot resolve '%s': %s", tok.text, err)
		}
		return NewExprPath(canonPath(home+tok.text[1:]), loc), p.advance()

	case tSearchPath:
		name := tok.text[1 : len(tok.text)-1]
		return call("__findFile", loc, &ExprVar{Name: "__searchPath", Loc: loc}, NewExprString(name, loc)), p.advance()

	case tStringOpen:
		return p.parseString()

	case tIndStringOpen:
		return p.parseIndString()

	case tKeyword:
		if tok.text == "rec" {
			if err := p.advance(); err != nil {
				return nil, err
			}
			if !p.isPunct("{") {
				return nil, p.unexpected()
			}
			return p.parseAttrs(true)
		}

	case tPunct:
		switch tok.text {
		case "(":
			if err := p.advance(); err != nil {
				return nil, err
			}
			e, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			return e, p.expectPunct(")")
		case "{":
			return p.parseAttrs(false)
		case "[":
			if err := p.advance(); err != nil {
				return nil, err
			}
			list := &ExprList{Loc: loc}
			for !p.isPunct("]") {
				elem, err := p.parseSelect()
				if err != nil {
					return nil, err
				}
				list.Elems = append(list.Elems, elem)
			}
			return list, p.advance()
		}
	}

	return nil, p.unexpected()
}

func (p *parser) parseAttrs(recursive bool) (Expr, error) {
	attrs := &ExprAttrs{Recursive: recursive, Loc: p.tok.loc}
	if err := p.expectPunct("{"); err != nil {
		return nil, err
	}
	if err := p.parseBinds(attrs, "}"); err != nil {
		return nil, err
	}
	return attrs, p.expectPunct("}")
}

// parseBinds parses bindings into attrs until the terminator (a '}' or the
// keyword in).
func (p *parser) parseBinds(attrs *ExprAttrs, terminator string) error {
	for !(p.isPunct(terminator) || p.isKeyword(terminator)) {
		if p.tok.kind == tEOF {
			return p.unexpected()
		}

		if p.isKeyword("inherit") {
			if err := p.parseInherit(attrs); err != nil {
				return err
			}
			continue
		}

		loc := p.tok.loc
		path, err := p.parseAttrPath()
		if err != nil {
			return err
		}
		if err := p.expectPunct("="); err != nil {
			return err
		}
		e, err := p.parseExpr()
		if err != nil {
			return err
		}
		if err := p.expectPunct(";"); err != nil {
			return err
		}
		if err := p.addAttr(attrs, path, e, loc); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) parseInherit(attrs *ExprAttrs) error {
	if err := p.advance(); err != nil {
		return err
	}

	var from Expr
	if p.isPunct("(") {
		if err := p.advance(); err != nil {
			return err
		}
		e, err := p.parseExpr()
		if err != nil {
			return err
		}
		if err := p.expectPunct(")"); err != nil {
			return err
		}
		from = e
	}

	for !p.isPunct(";") {
		loc := p.tok.loc
		name, err := p.parseAttrName()
		if err != nil {
			return err
		}
		if name.Expr != nil {
			return p.errorf(loc, "dynamic attributes not allowed in inherit")
		}
		if prev, ok := attrs.Get(name.Name); ok {
			return p.errorf(loc, "attribute '%s' already defined at %s", name.Name, prev.Loc)
		}
		if from == nil {
			attrs.Attrs = append(attrs.Attrs, AttrDef{
				Name:      name.Name,
				E:         &ExprVar{Name: name.Name, Loc: loc},
				Loc:       loc,
				Inherited: true,
			})
		} else {
			attrs.Attrs = append(attrs.Attrs, AttrDef{
				Name: name.Name,
				E:    &ExprSelect{E: from, AttrPath: []AttrName{{Name: name.Name}}, Loc: loc},
				Loc:  loc,
			})
		}
	}
	return p.advance()
}

// addAttr binds path to e in attrs, creating or extending nested sets for
// the intermediate components.
func (p *parser) addAttr(attrs *ExprAttrs, path []AttrName, e Expr, loc *SourceLocation) error {
	for i, name := range path[:len(path)-1] {
		if name.Expr != nil {
			nested := &ExprAttrs{Loc: loc}
			attrs.DynamicAttrs = append(attrs.DynamicAttrs, DynamicAttrDef{Name: name.Expr, Value: nested, Loc: loc})
			return p.addAttr(nested, path[i+1:], e, loc)
		}
		if def, ok := attrs.Get(name.Name); ok {
			nested, isAttrs := def.E.(*ExprAttrs)
			if def.Inherited || !isAttrs {
				return p.errorf(loc, "attribute '%s' already defined at %s", showAttrPath(path[:i+1]), def.Loc)
			}
			attrs = nested
			continue
		}
		nested := &ExprAttrs{Loc: loc}
		attrs.Attrs = append(attrs.Attrs, AttrDef{Name: name.Name, E: nested, Loc: loc})
		attrs = nested
	}

	last := path[len(path)-1]
	if last.Expr != nil {
		attrs.DynamicAttrs = append(attrs.DynamicAttrs, DynamicAttrDef{Name: last.Expr, Value: e, Loc: loc})
		return nil
	}
	if def, ok := attrs.Get(last.Name); ok {
		return p.errorf(loc, "attribute '%s' already defined at %s", showAttrPath(path), def.Loc)
	}
	if lambda, ok := e.(*ExprLambda); ok && lambda.Name == "" {
		lambda.Name = last.Name
	}
	attrs.Attrs = append(attrs.Attrs, AttrDef{Name: last.Name, E: e, Loc: loc})
	return nil
}

// parseString parses a double-quoted string whose opening quote is the
// current token. On return the token after the closing quote is current.
func (p *parser) parseString() (Expr, error) {
	loc := p.tok.loc
	l := p.lex
	var (
		parts []Expr
		buf   strings.Builder
	)
	flush := func() {
		if buf.Len() > 0 {
			parts = append(parts, NewExprString(buf.String(), loc))
			buf.Reset()
		}
	}

	for {
		if l.eof() {
			return nil, p.errorf(loc, "unterminated string")
		}
		c := l.peek(0)
		switch {
		case c == '"':
			l.advance(1)
			if err := p.advance(); err != nil {
				return nil, err
			}
			return stringExpr(parts, buf.String(), loc), nil

		case c == '\\':
			if l.pos+1 >= len(l.src) {
				return nil, p.errorf(loc, "unterminated string")
			}
			switch esc := l.peek(1); esc {
			case 'n':
				buf.WriteByte('\n')
			case 't':
				buf.WriteByte('\t')
			case 'r':
				buf.WriteByte('\r')
			default:
				buf.WriteByte(esc)
			}
			l.advance(2)

		case c == '$' && l.peek(1) == '{':
			flush()
			tok, err := l.next()
			if err != nil {
				return nil, err
			}
			p.tok = tok
			e, err := p.parseInterpolation()
			if err != nil {
				return nil, err
			}
			parts = append(parts, e)

		default:
			buf.WriteByte(c)
			l.advance(1)
		}
	}
}

func stringExpr(parts []Expr, tail string, loc *SourceLocation) Expr {
	if tail != "" {
		parts = append(parts, NewExprString(tail, loc))
	}
	switch len(parts) {
	case 0:
		return NewExprString("", loc)
	case 1:
		if s, ok := parts[0].(*ExprString); ok {
			return s
		}
	}
	return &ExprConcatStrings{ForceString: true, Parts: parts, Loc: loc}
}

// indPart is a piece of an indented string: literal text, escaped text
// (never treated as indentation) or an interpolation.
type indPart struct {
	text    string
	escaped bool
	expr    Expr
}

// parseIndString parses an indented ''...'' string whose opening token is
// current, stripping the common indentation.
func (p *parser) parseIndString() (Expr, error) {
	loc := p.tok.loc
	l := p.lex
	var parts []indPart

	for {
		if l.eof() {
			return nil, p.errorf(loc, "unterminated indented string")
		}
		rest := l.src[l.pos:]
		switch {
		case strings.HasPrefix(rest, "'''"):
			parts = append(parts, indPart{text: "''", escaped: true})
			l.advance(3)
		case strings.HasPrefix(rest, "''$"):
			parts = append(parts, indPart{text: "$", escaped: true})
			l.advance(3)
		case strings.HasPrefix(rest, `''\`) && len(rest) > 3:
			esc := rest[3]
			text := string(esc)
			switch esc {
			case 'n':
				text = "\n"
			case 't':
				text = "\t"
			case 'r':
				text = "\r"
			}
			parts = append(parts, indPart{text: text, escaped: true})
			l.advance(4)
		case strings.HasPrefix(rest, "''"):
			l.advance(2)
			if err := p.advance(); err != nil {
				return nil, err
			}
			return stripIndentation(parts, loc), nil
		case strings.HasPrefix(rest, "${"):
			tok, err := l.next()
			if err != nil {
				return nil, err
			}
			p.tok = tok
			e, err := p.parseInterpolation()
			if err != nil {
				return nil, err
			}
			parts = append(parts, indPart{expr: e})
		default:
			parts = append(parts, indPart{text: rest[:1]})
			l.advance(1)
		}
	}
}

func stripIndentation(parts []indPart, loc *SourceLocation) Expr {
	// minimum indentation of lines with content
	minIndent := -1
	atStart, cur := true, 0
	for _, part := range parts {
		if part.expr != nil || part.escaped {
			if atStart && (minIndent == -1 || cur < minIndent) {
				minIndent = cur
			}
			atStart = false
			continue
		}
		for _, c := range part.text {
			switch {
			case atStart && c == ' ':
				cur++
			case c == '\n':
				atStart, cur = true, 0
			default:
				if atStart && (minIndent == -1 || cur < minIndent) {
					minIndent = cur
				}
				atStart = false
			}
		}
	}
	if minIndent == -1 {
		minIndent = 0
	}

	var (
		exprs   []Expr
		buf     strings.Builder
		dropped int
	)
	atStart = true
	first := true
	for _, part := range parts {
		if part.expr != nil {
			if buf.Len() > 0 {
				exprs = append(exprs, NewExprString(buf.String(), loc))
				buf.Reset()
			}
			exprs = append(exprs, part.expr)
			atStart, first = false, false
			continue
		}
		if part.escaped {
			buf.WriteString(part.text)
			atStart, first = false, false
			continue
		}
		for _, c := range part.text {
			switch {
			case atStart && c == ' ' && dropped < minIndent:
				dropped++
			case c == '\n':
				// a blank first line is dropped
				if first && strings.TrimLeft(buf.String(), " ") == "" && len(exprs) == 0 {
					buf.Reset()
				} else {
					buf.WriteRune(c)
				}
				atStart, dropped, first = true, 0, false
			default:
				buf.WriteRune(c)
				atStart = false
			}
		}
	}

	tail := buf.String()
	// a last line of only spaces is dropped
	if i := strings.LastIndexByte(tail, '\n'); i >= 0 && strings.TrimLeft(tail[i+1:], " ") == "" {
		tail = tail[:i+1]
	} else if i < 0 && len(exprs) == 0 && strings.TrimLeft(tail, " ") == "" {
		tail = ""
	}

	return stringExpr(exprs, tail, loc)
}
