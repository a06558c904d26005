package thunk

import (
	"context"
	"maps"
	"slices"
	"sort"
)

// Kind is the tag of a Value cell.
type Kind uint8

const (
	KindUninit Kind = iota
	KindThunk
	KindBlackhole
	KindApp
	KindInt
	KindFloat
	KindBool
	KindNull
	KindString
	KindPath
	KindList
	KindAttrs
	KindLambda
	KindPrimOp
	KindPrimOpApp
)

// Value is a mutable cell holding one runtime value. Thunks, blackholes and
// delayed applications are overwritten in place when forced, so every holder
// of the same *Value observes the result.
type Value struct {
	kind Kind

	i   int64
	f   float64
	b   bool
	s   string
	ctx PathSet

	list  []*Value
	attrs *Bindings

	// thunk and lambda closure
	env    *Env
	expr   Expr
	lambda *ExprLambda

	primOp *PrimOp

	// App and PrimOpApp
	left, right *Value

	// set on a blackhole whose evaluation failed
	err error
}

func (v *Value) Kind() Kind { return v.kind }

func (v *Value) Int() int64          { return v.i }
func (v *Value) Float() float64      { return v.f }
func (v *Value) Bool() bool          { return v.b }
func (v *Value) Str() string         { return v.s }
func (v *Value) Path() string        { return v.s }
func (v *Value) Context() PathSet    { return v.ctx }
func (v *Value) List() []*Value      { return v.list }
func (v *Value) Attrs() *Bindings    { return v.attrs }
func (v *Value) Lambda() *ExprLambda { return v.lambda }
func (v *Value) PrimOp() *PrimOp     { return v.primOp }

// IsConcrete reports whether forcing v would be a no-op.
func (v *Value) IsConcrete() bool {
	switch v.kind {
	case KindUninit, KindThunk, KindBlackhole, KindApp:
		return false
	}
	return true
}

func (v *Value) MkInt(n int64) {
	*v = Value{kind: KindInt, i: n}
}

func (v *Value) MkFloat(f float64) {
	*v = Value{kind: KindFloat, f: f}
}

func (v *Value) MkBool(b bool) {
	*v = Value{kind: KindBool, b: b}
}

func (v *Value) MkNull() {
	*v = Value{kind: KindNull}
}

// MkString sets v to a string carrying a copy of pathCtx.
func (v *Value) MkString(s string, pathCtx PathSet) {
	var c PathSet
	if len(pathCtx) > 0 {
		c = maps.Clone(pathCtx)
	}
	*v = Value{kind: KindString, s: s, ctx: c}
}

func (v *Value) MkPath(p string) {
	*v = Value{kind: KindPath, s: p}
}

func (v *Value) mkThunk(env *Env, e Expr) {
	*v = Value{kind: KindThunk, env: env, expr: e}
}

func (v *Value) mkApp(f, arg *Value) {
	*v = Value{kind: KindApp, left: f, right: arg}
}

func (v *Value) mkLambda(env *Env, e *ExprLambda) {
	*v = Value{kind: KindLambda, env: env, lambda: e}
}

func (v *Value) mkPrimOp(p *PrimOp) {
	*v = Value{kind: KindPrimOp, primOp: p}
}

func (v *Value) mkPrimOpApp(f, arg *Value) {
	*v = Value{kind: KindPrimOpApp, left: f, right: arg}
}

// ShowType describes the type of v for error messages.
func ShowType(v *Value) string {
	switch v.kind {
	case KindInt:
		return "an integer"
	case KindFloat:
		return "a float"
	case KindBool:
		return "a Boolean"
	case KindString:
		if len(v.ctx) > 0 {
			return "a string with context"
		}
		return "a string"
	case KindPath:
		return "a path"
	case KindNull:
		return "null"
	case KindAttrs:
		return "a set"
	case KindList:
		return "a list"
	case KindThunk:
		return "a thunk"
	case KindApp:
		return "a function application"
	case KindLambda:
		return "a function"
	case KindBlackhole:
		return "a black hole"
	case KindPrimOp:
		return "a built-in function"
	case KindPrimOpApp:
		return "a partially applied built-in function"
	}
	return "an uninitialized value"
}

// TypeOf returns the language-level type name of a forced value.
func TypeOf(v *Value) string {
	switch v.kind {
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindString:
		return "string"
	case KindPath:
		return "path"
	case KindNull:
		return "null"
	case KindAttrs:
		return "set"
	case KindList:
		return "list"
	case KindLambda, KindPrimOp, KindPrimOpApp:
		return "lambda"
	}
	return "unknown"
}

// PathSet is a string or path's provenance: the store identifiers it
// depends on.
type PathSet map[string]struct{}

func NewPathSet(paths ...string) PathSet {
	ps := PathSet{}
	for _, p := range paths {
		ps[p] = struct{}{}
	}
	return ps
}

func (ps PathSet) Add(p string) {
	ps[p] = struct{}{}
}

func (ps PathSet) Has(p string) bool {
	_, ok := ps[p]
	return ok
}

// Merge adds every path in other to ps.
func (ps PathSet) Merge(other PathSet) {
	for p := range other {
		ps[p] = struct{}{}
	}
}

// Sorted returns the paths in lexical order.
func (ps PathSet) Sorted() []string {
	return slices.Sorted(maps.Keys(ps))
}

// Attr is one binding of an attribute set.
type Attr struct {
	Name  string
	Value *Value
	Pos   *SourceLocation
}

// Bindings is the backing array of an attribute set, kept sorted by name
// once construction finishes.
type Bindings struct {
	attrs []Attr
}

func (b *Bindings) Len() int {
	if b == nil {
		return 0
	}
	return len(b.attrs)
}

// Push appends an attribute during construction. Call Sort when done.
func (b *Bindings) Push(a Attr) {
	b.attrs = append(b.attrs, a)
}

func (b *Bindings) Sort() {
	sort.SliceStable(b.attrs, func(i, j int) bool {
		return b.attrs[i].Name < b.attrs[j].Name
	})
}

// Get finds an attribute by name.
func (b *Bindings) Get(name string) (*Attr, bool) {
	if b == nil {
		return nil, false
	}
	i := sort.Search(len(b.attrs), func(i int) bool {
		return b.attrs[i].Name >= name
	})
	if i < len(b.attrs) && b.attrs[i].Name == name {
		return &b.attrs[i], true
	}
	return nil, false
}

// All returns the attributes in name order.
func (b *Bindings) All() []Attr {
	if b == nil {
		return nil
	}
	return b.attrs
}

func (b *Bindings) Names() []string {
	names := make([]string, 0, b.Len())
	for _, a := range b.All() {
		names = append(names, a.Name)
	}
	return names
}

// PrimOpFunc is the implementation of a builtin. args holds exactly Arity
// values, which may still be unforced.
type PrimOpFunc func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error

// PrimOp describes a builtin registered in the base environment. It is
// immutable once registered.
type PrimOp struct {
	Name  string
	Arity int
	Fun   PrimOpFunc
}
