package thunk

import (
	"context"
	"strings"
)

type ExprOpNot struct {
	E   Expr
	Loc *SourceLocation
}

func (e *ExprOpNot) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprOpNot) bindVars(se *StaticEnv) error { return e.E.bindVars(se) }

func (e *ExprOpNot) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	b, err := st.EvalBool(ctx, env, e.E)
	if err != nil {
		return err
	}
	v.MkBool(!b)
	return nil
}

type BinOp int

const (
	OpEq BinOp = iota
	OpNEq
	OpAnd
	OpOr
	OpImpl
	OpUpdate
	OpConcatLists
)

var binOpNames = map[BinOp]string{
	OpEq:          "==",
	OpNEq:         "!=",
	OpAnd:         "&&",
	OpOr:          "||",
	OpImpl:        "->",
	OpUpdate:      "//",
	OpConcatLists: "++",
}

func (op BinOp) String() string { return binOpNames[op] }

// ExprBinOp covers the binary operators that are not desugared into
// builtin calls by the parser.
type ExprBinOp struct {
	Op   BinOp
	L, R Expr
	Loc  *SourceLocation
}

func (e *ExprBinOp) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprBinOp) bindVars(se *StaticEnv) error {
	if err := e.L.bindVars(se); err != nil {
		return err
	}
	return e.R.bindVars(se)
}

func (e *ExprBinOp) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	switch e.Op {
	case OpEq, OpNEq:
		l, err := st.evalTo(ctx, env, e.L)
		if err != nil {
			return err
		}
		r, err := st.evalTo(ctx, env, e.R)
		if err != nil {
			return err
		}
		eq, err := st.EqValues(ctx, l, r, e.Loc)
		if err != nil {
			return err
		}
		v.MkBool(eq == (e.Op == OpEq))
		return nil

	case OpAnd, OpOr, OpImpl:
		l, err := st.EvalBool(ctx, env, e.L)
		if err != nil {
			return err
		}
		switch {
		case e.Op == OpAnd && !l:
			v.MkBool(false)
			return nil
		case e.Op == OpOr && l:
			v.MkBool(true)
			return nil
		case e.Op == OpImpl && !l:
			v.MkBool(true)
			return nil
		}
		r, err := st.EvalBool(ctx, env, e.R)
		if err != nil {
			return err
		}
		v.MkBool(r)
		return nil

	case OpUpdate:
		l, err := st.evalTo(ctx, env, e.L)
		if err != nil {
			return err
		}
		r, err := st.evalTo(ctx, env, e.R)
		if err != nil {
			return err
		}
		return st.UpdateAttrs(ctx, l, r, v, e.Loc)

	case OpConcatLists:
		l, err := st.evalTo(ctx, env, e.L)
		if err != nil {
			return err
		}
		r, err := st.evalTo(ctx, env, e.R)
		if err != nil {
			return err
		}
		return st.ConcatLists(ctx, v, []*Value{l, r}, e.Loc)
	}
	return newError(ErrType, e.Loc, "unknown operator %d", e.Op)
}

// ExprConcatStrings is string interpolation and the + operator. With
// ForceString unset the type of the first operand decides the result:
// numbers add, paths append and strings concatenate.
type ExprConcatStrings struct {
	ForceString bool
	Parts       []Expr
	Loc         *SourceLocation
}

func (e *ExprConcatStrings) GetSourceLocation() *SourceLocation { return e.Loc }

func (e *ExprConcatStrings) bindVars(se *StaticEnv) error {
	for _, part := range e.Parts {
		if err := part.bindVars(se); err != nil {
			return err
		}
	}
	return nil
}

func (e *ExprConcatStrings) Eval(ctx context.Context, st *EvalState, env *Env, v *Value) error {
	var (
		pathCtx   = PathSet{}
		s         strings.Builder
		n         int64
		nf        float64
		firstType = KindString
	)

	for i, part := range e.Parts {
		tmp, err := st.evalTo(ctx, env, part)
		if err != nil {
			return err
		}

		if i == 0 && !e.ForceString {
			firstType = tmp.kind
		}

		switch firstType {
		case KindInt:
			switch tmp.kind {
			case KindInt:
				n += tmp.i
			case KindFloat:
				firstType = KindFloat
				nf = float64(n) + tmp.f
			default:
				return typeError(e.Loc, "cannot add %s to an integer", ShowType(tmp))
			}
		case KindFloat:
			switch tmp.kind {
			case KindInt:
				nf += float64(tmp.i)
			case KindFloat:
				nf += tmp.f
			default:
				return typeError(e.Loc, "cannot add %s to a float", ShowType(tmp))
			}
		default:
			str, err := st.CoerceToString(ctx, e.Loc, tmp, pathCtx, false, firstType == KindString)
			if err != nil {
				return err
			}
			s.WriteString(str)
		}
	}

	switch firstType {
	case KindInt:
		v.MkInt(n)
	case KindFloat:
		v.MkFloat(nf)
	case KindPath:
		if len(pathCtx) > 0 {
			return typeError(e.Loc, "a string that refers to a store path cannot be appended to a path")
		}
		v.MkPath(canonPath(s.String()))
	default:
		v.MkString(s.String(), pathCtx)
	}
	return nil
}
