package thunk

import (
	"context"
	"strings"
)

// ExprVar is a variable reference. After binding it either addresses a slot
// Level frames up at Displ, or, when FromWith is set, names the nearest
// with-frame Level frames up where the lookup by name starts.
type ExprVar struct {
	Name string
	Loc  *SourceLocation

	FromWith bool
	Level    int
	Displ    int
}

func (e *ExprVar) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprVar) bindVars(se *StaticEnv) error {
	withLevel := -1
	level := 0
	for cur := se; cur != nil; cur = cur.Up {
		if cur.IsWith {
			if withLevel == -1 {
				withLevel = level
			}
		} else if displ, ok := cur.Vars[e.Name]; ok {
			e.FromWith = false
			e.Level = level
			e.Displ = displ
			return nil
		}
		level++
	}

	if withLevel == -1 {
		return newError(ErrUndefinedVar, e.Loc, "undefined variable '%s'", e.Name)
	}
	e.FromWith = true
	e.Level = withLevel
	return nil
}

func (e *ExprVar) maybeThunk(st *EvalState, env *Env) *Value {
	if e.FromWith {
		return nil
	}
	for l := e.Level; l > 0; l-- {
		env = env.Up
	}
	return env.Values[e.Displ]
}

func (e *ExprVar) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	val, err := st.lookupVar(ctx, env, e)
	if err != nil {
		return err
	}
	if err := st.ForceValue(ctx, val, e.Loc); err != nil {
		return err
	}
	*v = *val
	return nil
}

// AttrName is one component of an attribute path: either a static name or
// an interpolated expression.
type AttrName struct {
	Name string
	Expr Expr
}

func (st *EvalState) attrName(ctx context.Context, env *Env, name AttrName, pos *SourceLocation) (string, error) {
	if name.Expr == nil {
		return name.Name, nil
	}
	v, err := st.evalTo(ctx, env, name.Expr)
	if err != nil {
		return "", err
	}
	return st.ForceStringNoContext(ctx, v, pos)
}

func showAttrPath(path []AttrName) string {
	parts := make([]string, len(path))
	for i, name := range path {
		if name.Expr == nil {
			parts[i] = name.Name
		} else {
			parts[i] = `"${...}"`
		}
	}
	return strings.Join(parts, ".")
}

func bindAttrPath(path []AttrName, se *StaticEnv) error {
	for _, name := range path {
		if name.Expr == nil {
			continue
		}
		if err := name.Expr.bindVars(se); err != nil {
			return err
		}
	}
	return nil
}

// ExprSelect is e.a.b, optionally with a fallback: e.a.b or def.
type ExprSelect struct {
	E        Expr
	AttrPath []AttrName
	Def      Expr
	Loc      *SourceLocation
}

func (e *ExprSelect) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprSelect) bindVars(se *StaticEnv) error {
	if err := e.E.bindVars(se); err != nil {
		return err
	}
	if e.Def != nil {
		if err := e.Def.bindVars(se); err != nil {
			return err
		}
	}
	return bindAttrPath(e.AttrPath, se)
}

func (e *ExprSelect) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	cur, err := st.evalTo(ctx, env, e.E)
	if err != nil {
		return err
	}

	for _, name := range e.AttrPath {
		n, err := st.attrName(ctx, env, name, e.Loc)
		if err != nil {
			return err
		}
		if e.Def != nil {
			if err := st.ForceValue(ctx, cur, e.Loc); err != nil {
				return err
			}
			if cur.kind != KindAttrs {
				return e.Def.Eval(ctx, st, env, v)
			}
			a, ok := cur.attrs.Get(n)
			if !ok {
				return e.Def.Eval(ctx, st, env, v)
			}
			cur = a.Value
			continue
		}
		if err := st.ForceAttrs(ctx, cur, e.Loc); err != nil {
			return err
		}
		a, ok := cur.attrs.Get(n)
		if !ok {
			return newError(ErrMissingAttr, e.Loc, "attribute '%s' missing", n)
		}
		cur = a.Value
	}

	if err := st.ForceValue(ctx, cur, e.Loc); err != nil {
		return err
	}
	*v = *cur
	return nil
}

// ExprOpHasAttr is e ? a.b.
type ExprOpHasAttr struct {
	E        Expr
	AttrPath []AttrName
	Loc      *SourceLocation
}

func (e *ExprOpHasAttr) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprOpHasAttr) bindVars(se *StaticEnv) error {
	if err := e.E.bindVars(se); err != nil {
		return err
	}
	return bindAttrPath(e.AttrPath, se)
}

func (e *ExprOpHasAttr) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	cur, err := st.evalTo(ctx, env, e.E)
	if err != nil {
		return err
	}
	for _, name := range e.AttrPath {
		if err := st.ForceValue(ctx, cur, e.Loc); err != nil {
			return err
		}
		n, err := st.attrName(ctx, env, name, e.Loc)
		if err != nil {
			return err
		}
		if cur.kind != KindAttrs {
			v.MkBool(false)
			return nil
		}
		a, ok := cur.attrs.Get(n)
		if !ok {
			v.MkBool(false)
			return nil
		}
		cur = a.Value
	}
	v.MkBool(true)
	return nil
}

type ExprCall struct {
	Fun  Expr
	Args []Expr
	Loc  *SourceLocation
}

func (e *ExprCall) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprCall) bindVars(se *StaticEnv) error {
	if err := e.Fun.bindVars(se); err != nil {
		return err
	}
	for _, arg := range e.Args {
		if err := arg.bindVars(se); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExprCall) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	fun, err := st.evalTo(ctx, env, e.Fun)
	if err != nil {
		return err
	}
	args := make([]*Value, len(e.Args))
	for i, arg := range e.Args {
		args[i] = st.maybeThunk(env, arg)
	}
	return st.CallFunction(ctx, fun, args, v, e.Loc)
}

// ExprLet evaluates Body in a frame holding the (mutually recursive)
// bindings of Attrs.
type ExprLet struct {
	Attrs *ExprAttrs
	Body  Expr
	Loc   *SourceLocation
}

func (e *ExprLet) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprLet) bindVars(se *StaticEnv) error {
	newEnv := NewStaticEnv(false, se)
	for i, def := range e.Attrs.Attrs {
		newEnv.Vars[def.Name] = i
	}
	for _, def := range e.Attrs.Attrs {
		scope := newEnv
		if def.Inherited {
			scope = se
		}
		if err := def.E.bindVars(scope); err != nil {
			return err
		}
	}
	return e.Body.bindVars(newEnv)
}

func (e *ExprLet) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	env2 := st.AllocEnv(len(e.Attrs.Attrs))
	env2.Up = env
	for i, def := range e.Attrs.Attrs {
		scope := env2
		if def.Inherited {
			scope = env
		}
		env2.Values[i] = st.maybeThunk(scope, def.E)
	}
	return e.Body.Eval(ctx, st, env2, v)
}

// ExprWith is with Attrs; Body. PrevWith is the distance from the with
// frame to the next enclosing with frame, or 0.
type ExprWith struct {
	Attrs Expr
	Body  Expr
	Loc   *SourceLocation

	PrevWith int
}

func (e *ExprWith) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprWith) bindVars(se *StaticEnv) error {
	e.PrevWith = 0
	level := 1
	for cur := se; cur != nil; cur = cur.Up {
		if cur.IsWith {
			e.PrevWith = level
			break
		}
		level++
	}
	if err := e.Attrs.bindVars(se); err != nil {
		return err
	}
	return e.Body.bindVars(NewStaticEnv(true, se))
}

func (e *ExprWith) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	env2 := st.AllocEnv(1)
	env2.Up = env
	env2.PrevWith = e.PrevWith
	env2.HasWithAttrs = true
	env2.Values[0] = st.maybeThunk(env, e.Attrs)
	return e.Body.Eval(ctx, st, env2, v)
}

type ExprIf struct {
	Cond, Then, Else Expr
	Loc              *SourceLocation
}

func (e *ExprIf) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprIf) bindVars(se *StaticEnv) error {
	for _, sub := range []Expr{e.Cond, e.Then, e.Else} {
		if err := sub.bindVars(se); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExprIf) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	cond, err := st.EvalBool(ctx, env, e.Cond)
	if err != nil {
		return err
	}
	if cond {
		return e.Then.Eval(ctx, st, env, v)
	}
	return e.Else.Eval(ctx, st, env, v)
}

type ExprAssert struct {
	Cond Expr
	Body Expr
	Loc  *SourceLocation
}

func (e *ExprAssert) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprAssert) bindVars(se *StaticEnv) error {
	if err := e.Cond.bindVars(se); err != nil {
		return err
	}
	return e.Body.bindVars(se)
}

func (e *ExprAssert) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	ok, err := st.EvalBool(ctx, env, e.Cond)
	if err != nil {
		return err
	}
	if !ok {
		return newError(ErrAssertion, e.Loc, "assertion failed")
	}
	return e.Body.Eval(ctx, st, env, v)
}

// exprConstOp computes an impure constant. It is only ever the body of a
// base-frame thunk, so the constant is dispatched the first time it is
// forced and shared afterwards.
type exprConstOp struct {
	op *PrimOp
}

func (e *exprConstOp) GetSourceLocation() *SourceLocation { return nil }

func (e *exprConstOp) bindVars(*StaticEnv) error { return nil }

func (e *exprConstOp) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	return st.callPrimOp(ctx, e.op, nil, v, nil)
}
