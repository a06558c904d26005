package thunk

import (
	"context"
)

type ExprInt struct {
	N   int64
	Loc *SourceLocation

	v Value
}

func NewExprInt(n int64, loc *SourceLocation) *ExprInt {
	e := &ExprInt{N: n, Loc: loc}
	e.v.MkInt(n)
	return e
}

func (e *ExprInt) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprInt) bindVars(*StaticEnv) error { return nil }

func (e *ExprInt) maybeThunk(*EvalState, *Env) *Value { return &e.v }

func (e *ExprInt) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	*v = e.v
	return nil
}

type ExprFloat struct {
	F   float64
	Loc *SourceLocation

	v Value
}

func NewExprFloat(f float64, loc *SourceLocation) *ExprFloat {
	e := &ExprFloat{F: f, Loc: loc}
	e.v.MkFloat(f)
	return e
}

func (e *ExprFloat) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprFloat) bindVars(*StaticEnv) error { return nil }

func (e *ExprFloat) maybeThunk(*EvalState, *Env) *Value { return &e.v }

func (e *ExprFloat) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	*v = e.v
	return nil
}

// ExprString is a string literal without interpolation.
type ExprString struct {
	S   string
	Loc *SourceLocation

	v Value
}

func NewExprString(s string, loc *SourceLocation) *ExprString {
	e := &ExprString{S: s, Loc: loc}
	e.v.MkString(s, nil)
	return e
}

func (e *ExprString) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprString) bindVars(*StaticEnv) error { return nil }

func (e *ExprString) maybeThunk(*EvalState, *Env) *Value { return &e.v }

func (e *ExprString) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	*v = e.v
	return nil
}

// ExprPath is a path literal, already made absolute by the parser.
type ExprPath struct {
	Path string
	Loc  *SourceLocation

	v Value
}

func NewExprPath(p string, loc *SourceLocation) *ExprPath {
	e := &ExprPath{Path: p, Loc: loc}
	e.v.MkPath(p)
	return e
}

func (e *ExprPath) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprPath) bindVars(*StaticEnv) error { return nil }

func (e *ExprPath) maybeThunk(*EvalState, *Env) *Value { return &e.v }

func (e *ExprPath) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	*v = e.v
	return nil
}

type ExprList struct {
	Elems []Expr
	Loc   *SourceLocation
}

func (e *ExprList) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprList) bindVars(se *StaticEnv) error {
	for _, elem := range e.Elems {
		if err := elem.bindVars(se); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExprList) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	var res Value
	st.MkList(&res, len(e.Elems))
	for i, elem := range e.Elems {
		res.list[i] = st.maybeThunk(env, elem)
	}
	*v = res
	return nil
}

// AttrDef is a statically named binding of an attribute set or let block.
type AttrDef struct {
	Name string
	E    Expr
	Loc  *SourceLocation

	// Inherited bindings are evaluated in the enclosing scope even inside
	// a recursive set.
	Inherited bool
}

// DynamicAttrDef is a binding whose name is computed, as in
// { ${name} = value; }.
type DynamicAttrDef struct {
	Name  Expr
	Value Expr
	Loc   *SourceLocation
}

type ExprAttrs struct {
	Recursive    bool
	Attrs        []AttrDef
	DynamicAttrs []DynamicAttrDef
	Loc          *SourceLocation
}

func (e *ExprAttrs) GetSourceLocation() *SourceLocation { return e.Loc }

// Get returns the static binding named name.
func (e *ExprAttrs) Get(name string) (*AttrDef, bool) {
	for i := range e.Attrs {
		if e.Attrs[i].Name == name {
			return &e.Attrs[i], true
		}
	}
	return nil, false
}

func (e *ExprAttrs) bindVars(se *StaticEnv) error {
	dynEnv := se
	if e.Recursive {
		newEnv := NewStaticEnv(false, se)
		for i, def := range e.Attrs {
			newEnv.Vars[def.Name] = i
		}
		for _, def := range e.Attrs {
			scope := newEnv
			if def.Inherited {
				scope = se
			}
			if err := def.E.bindVars(scope); err != nil {
				return err
			}
		}
		dynEnv = newEnv
	} else {
		for _, def := range e.Attrs {
			if err := def.E.bindVars(se); err != nil {
				return err
			}
		}
	}
	for _, def := range e.DynamicAttrs {
		if err := def.Name.bindVars(dynEnv); err != nil {
			return err
		}
		if err := def.Value.bindVars(dynEnv); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExprAttrs) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	var res Value
	st.MkAttrs(&res, len(e.Attrs)+len(e.DynamicAttrs))

	dynEnv := env
	if e.Recursive {
		// The frame's slots follow the order of Attrs; every slot is filled
		// before anything in the set can be forced.
		env2 := st.AllocEnv(len(e.Attrs))
		env2.Up = env
		dynEnv = env2
		for i, def := range e.Attrs {
			scope := env2
			if def.Inherited {
				scope = env
			}
			val := st.maybeThunk(scope, def.E)
			env2.Values[i] = val
			res.attrs.Push(Attr{Name: def.Name, Value: val, Pos: def.Loc})
		}
	} else {
		for _, def := range e.Attrs {
			res.attrs.Push(Attr{Name: def.Name, Value: st.maybeThunk(env, def.E), Pos: def.Loc})
		}
	}
	res.attrs.Sort()

	for _, def := range e.DynamicAttrs {
		nameVal, err := st.evalTo(ctx, dynEnv, def.Name)
		if err != nil {
			return err
		}
		if nameVal.kind == KindNull {
			continue
		}
		name, err := st.ForceStringNoContext(ctx, nameVal, def.Loc)
		if err != nil {
			return err
		}
		if prev, ok := res.attrs.Get(name); ok {
			return newError(ErrType, def.Loc, "dynamic attribute '%s' already defined at %s", name, prev.Pos)
		}
		res.attrs.Push(Attr{Name: name, Value: st.maybeThunk(dynEnv, def.Value), Pos: def.Loc})
		res.attrs.Sort()
	}

	*v = res
	return nil
}

// ExprLambda is a function literal. Size is the number of slots of the
// frame allocated for each call.
type ExprLambda struct {
	// Arg is the plain argument name, or the name bound by args@{...}.
	Arg string

	// Formals is nil for functions of the form x: body.
	Formals *Formals

	Body Expr
	Loc  *SourceLocation

	// Name is the attribute the function was bound to, if any.
	Name string

	Size int
}

type Formal struct {
	Name string
	Def  Expr
	Loc  *SourceLocation
}

type Formals struct {
	// Formals are sorted by name.
	Formals  []Formal
	Ellipsis bool
}

func (f *Formals) Has(name string) bool {
	for _, formal := range f.Formals {
		if formal.Name == name {
			return true
		}
	}
	return false
}

func (e *ExprLambda) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprLambda) HasFormals() bool { return e.Formals != nil }

func (e *ExprLambda) ShowName() string {
	if e.Name == "" {
		return "anonymous function"
	}
	return "function '" + e.Name + "'"
}

func (e *ExprLambda) bindVars(se *StaticEnv) error {
	newEnv := NewStaticEnv(false, se)
	displ := 0
	if e.Arg != "" {
		newEnv.Vars[e.Arg] = displ
		displ++
	}
	if e.Formals != nil {
		for _, f := range e.Formals.Formals {
			newEnv.Vars[f.Name] = displ
			displ++
		}
		for _, f := range e.Formals.Formals {
			if f.Def == nil {
				continue
			}
			if err := f.Def.bindVars(newEnv); err != nil {
				return err
			}
		}
	}
	e.Size = displ
	return e.Body.bindVars(newEnv)
}

func (e *ExprLambda) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	v.mkLambda(env, e)
	return nil
}
