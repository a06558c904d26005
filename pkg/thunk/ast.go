package thunk

import (
	"context"
)

// Expr is a node of the resolved expression tree. Every variable in the
// tree has been given a static address by bindVars before evaluation.
type Expr interface {
	// Eval evaluates the node in env and writes the result into v.
	Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error

	GetSourceLocation() *SourceLocation

	bindVars(se *StaticEnv) error
}

// StaticEnv mirrors a runtime frame during resolution, mapping names to
// slots.
type StaticEnv struct {
	IsWith bool
	Up     *StaticEnv
	Vars   map[string]int
}

func NewStaticEnv(isWith bool, up *StaticEnv) *StaticEnv {
	return &StaticEnv{
		IsWith: isWith,
		Up:     up,
		Vars:   map[string]int{},
	}
}

// Bind resolves every variable in e against se.
func Bind(e Expr, se *StaticEnv) error {
	return e.bindVars(se)
}

// thunkable is implemented by nodes that can hand out a value without
// allocating a thunk for it.
type thunkable interface {
	maybeThunk(st *EvalState, env *Env) *Value
}

// maybeThunk returns a lazy value for e in env. Variables and constants
// are shared instead of wrapped.
func (st *EvalState) maybeThunk(env *Env, e Expr) *Value {
	if t, ok := e.(thunkable); ok {
		if v := t.maybeThunk(st, env); v != nil {
			st.stats.NrAvoided++
			return v
		}
	}
	return st.mkThunk(env, e)
}

// evalTo evaluates e to weak head normal form. Variables are forced in
// place rather than copied.
func (st *EvalState) evalTo(ctx context.Context, env *Env, e Expr) (*Value, error) {
	if ev, ok := e.(*ExprVar); ok {
		val, err := st.lookupVar(ctx, env, ev)
		if err != nil {
			return nil, err
		}
		return val, st.ForceValue(ctx, val, ev.Loc)
	}
	v := st.allocValue()
	if err := e.Eval(ctx, st, env, v); err != nil {
		return nil, err
	}
	return v, nil
}
