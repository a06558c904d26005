package thunk

import (
	"context"
)

// Env is one lexical frame: a fixed-size slot array linked to the frame of
// the enclosing block. Frames chain up to the base frame holding builtins.
type Env struct {
	Up *Env

	// PrevWith is the number of levels up to the next with-frame, or 0 if
	// there is none.
	PrevWith int

	// HasWithAttrs marks a frame introduced by `with`; its only slot holds
	// the (lazy) attribute set.
	HasWithAttrs bool

	Values []*Value
}

// Size is the number of slots, fixed at allocation.
func (e *Env) Size() int { return len(e.Values) }

// AllocEnv allocates a frame with exactly size slots.
func (st *EvalState) AllocEnv(size int) *Env {
	return st.heap.allocEnv(size)
}

func (st *EvalState) allocValue() *Value {
	return st.heap.allocValue()
}

// NewValue allocates a fresh, uninitialized value cell.
func (st *EvalState) NewValue() *Value {
	return st.heap.allocValue()
}

func (st *EvalState) mkThunk(env *Env, e Expr) *Value {
	v := st.allocValue()
	v.mkThunk(env, e)
	st.stats.NrThunks++
	return v
}

// MkList sets v to a list of n uninitialized slots.
func (st *EvalState) MkList(v *Value, n int) {
	*v = Value{kind: KindList, list: st.heap.allocList(n)}
}

// MkAttrs sets v to an empty attribute set with room for capacity bindings.
func (st *EvalState) MkAttrs(v *Value, capacity int) {
	*v = Value{kind: KindAttrs, attrs: st.heap.allocBindings(capacity)}
}

// AllocAttr allocates a value and binds it to name in the set v.
func (st *EvalState) AllocAttr(v *Value, name string) *Value {
	attr := st.allocValue()
	v.attrs.Push(Attr{Name: name, Value: attr})
	return attr
}

// lookupVar resolves a variable by its static address or, for with-bound
// variables, by searching the with-frames nearest first.
func (st *EvalState) lookupVar(ctx context.Context, env *Env, v *ExprVar) (*Value, error) {
	for l := v.Level; l > 0; l-- {
		env = env.Up
	}

	if !v.FromWith {
		return env.Values[v.Displ], nil
	}

	for {
		attrs := env.Values[0]
		if err := st.ForceAttrs(ctx, attrs, v.Loc); err != nil {
			return nil, err
		}
		if a, ok := attrs.attrs.Get(v.Name); ok {
			return a.Value, nil
		}
		if env.PrevWith == 0 {
			return nil, newError(ErrUndefinedVar, v.Loc, "undefined variable '%s'", v.Name)
		}
		for l := env.PrevWith; l > 0; l-- {
			env = env.Up
		}
	}
}
