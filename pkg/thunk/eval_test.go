package thunk

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/dagger/testctx"
	"github.com/dagger/testctx/oteltest"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	os.Exit(oteltest.Main(m))
}

type EvalSuite struct{}

func TestEval(tT *testing.T) {
	testctx.New(tT,
		oteltest.WithTracing[*testing.T](),
		oteltest.WithLogging[*testing.T](),
	).RunTests(EvalSuite{})
}

func newTestState(ctx context.Context, t *testctx.T, opts Options) *EvalState {
	st, err := NewEvalState(ctx, opts)
	require.NoError(t, err)
	return st
}

// evalSrc parses, binds and evaluates src, then forces the result deeply.
func evalSrc(ctx context.Context, st *EvalState, src string) (*Value, error) {
	e, err := st.ParseExprFromString(src, "/")
	if err != nil {
		return nil, err
	}
	v, err := st.Eval(ctx, e)
	if err != nil {
		return nil, err
	}
	if err := st.ForceValueDeep(ctx, v); err != nil {
		return nil, err
	}
	return v, nil
}

func render(ctx context.Context, t *testctx.T, st *EvalState, v *Value) string {
	s, err := st.ParameterValue(ctx, v, nil)
	require.NoError(t, err)
	return s
}

func (EvalSuite) TestExpressions(ctx context.Context, t *testctx.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"int addition", "1 + 2", "3"},
		{"precedence", "2 * 3 - 1", "5"},
		{"integer division", "7 / 2", "3"},
		{"float promotion", "1.5 + 1", "2.5"},
		{"negation", "-3", "-3"},
		{"string concatenation", `"a" + "b"`, `"ab"`},
		{"less than", "1 < 2", "true"},
		{"less or equal", "2 <= 1", "false"},
		{"greater or equal", "2 >= 2", "true"},
		{"equality", `{ a = [ 1 ]; } == { a = [ 1 ]; }`, "true"},
		{"inequality", "1 != 2", "true"},
		{"boolean operators", "true && !false || false", "true"},
		{"implication", "false -> false", "true"},
		{"list concatenation", "[ 1 2 ] ++ [ 3 ]", "[ 1 2 3 ]"},
		{"update", "{ a = 1; b = 1; } // { b = 2; }", "{ a = 1; b = 2; }"},
		{"nested attribute paths", "{ a.b = 1; a.c = 2; }", "{ a = { b = 1; c = 2; }; }"},
		{"dynamic attribute", `let n = "x"; in { ${n} = 1; "y" = 2; }`, "{ x = 1; y = 2; }"},
		{"null dynamic attribute", "{ ${null} = 1; }", "{ }"},
		{"recursive set", "rec { a = 1; b = a + 1; }.b", "2"},
		{"let", "let x = 1; y = x + 1; in y", "2"},
		{"with", "with { a = 1; }; a", "1"},
		{"let shadows with", "let a = 2; in with { a = 1; }; a", "2"},
		{"inner with wins", "with { a = 1; }; with { a = 2; }; a", "2"},
		{"if", `if 1 < 2 then "yes" else "no"`, `"yes"`},
		{"assert", "assert true; 1", "1"},
		{"has attribute", "{ a.b = 1; } ? a.b", "true"},
		{"select default", "{ a = 1; }.b or 5", "5"},
		{"lambda", "(x: x + 1) 1", "2"},
		{"curried lambda", "(x: y: x * y) 3 4", "12"},
		{"formals with default", "let f = { x, y ? 2 }: x + y; in f { x = 1; }", "3"},
		{"formals default sees other formals", "({ x, y ? x * 2 }: y) { x = 3; }", "6"},
		{"formals with ellipsis and at", "(args@{ a, ... }: args.b) { a = 1; b = 2; }", "2"},
		{"inherit", "let x = 1; in { inherit x; }", "{ x = 1; }"},
		{"inherit from", "let inherit (builtins) head; in head [ 1 2 ]", "1"},
		{"interpolation", `"x${toString 1}y"`, `"x1y"`},
		{"escapes", `"a\nb\"c\${d}"`, `"a\nb\"c${d}"`},
		{"indented string", "let x = \"w\"; in ''\n  hello ${x}\n    there\n''", `"hello w\n  there\n"`},
		{"indented string escapes", "''a'''b''${c}''", `"a''b${c}"`},
		{"builtins set", "builtins.length [ 1 2 3 ]", "3"},
		{"map", "map (x: x * 2) [ 1 2 ]", "[ 2 4 ]"},
		{"filter", "builtins.filter (x: x > 1) [ 1 2 3 ]", "[ 2 3 ]"},
		{"foldl", "builtins.foldl' (a: b: a + b) 0 [ 1 2 3 ]", "6"},
		{"attrNames", "builtins.attrNames { b = 1; a = 2; }", `[ "a" "b" ]`},
		{"listToAttrs first wins", `builtins.listToAttrs [ { name = "a"; value = 1; } { name = "a"; value = 2; } ]`, "{ a = 1; }"},
		{"removeAttrs", `removeAttrs { a = 1; b = 2; } [ "a" ]`, "{ b = 2; }"},
		{"typeOf", "builtins.typeOf 1.0", `"float"`},
		{"partial application", "let add1 = builtins.add 1; in add1 2", "3"},
		{"functor", "let f = { __functor = self: x: x + self.n; n = 10; }; in f 1", "11"},
		{"toString list", "toString [ 1 [ ] 2 ]", `"1 2"`},
		{"substring", `builtins.substring 1 2 "hello"`, `"el"`},
		{"substring past the end", `builtins.substring 1 9223372036854775807 "hello"`, `"ello"`},
		{"substring negative length", `builtins.substring 2 (-1) "hello"`, `"llo"`},
		{"concatStringsSep", `builtins.concatStringsSep ", " [ "a" "b" ]`, `"a, b"`},
		{"baseNameOf", `baseNameOf "/a/b/c"`, `"c"`},
		{"path literal", "/a/../b", "/b"},
		{"relative path", "./x", "/x"},
		{"comments", "/* block */ 1 # line\n", "1"},
		{"unused lazy error", `let x = throw "no"; in 1`, "1"},
		{"lambda renders", "[ (x: x) builtins.add (builtins.add 1) ]", "[ <LAMBDA> <PRIMOP> <PRIMOP-APP> ]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(ctx context.Context, t *testctx.T) {
			st := newTestState(ctx, t, Options{})
			v, err := evalSrc(ctx, st, tt.input)
			require.NoError(t, err)
			require.Equal(t, tt.expected, render(ctx, t, st, v))
		})
	}
}

func (EvalSuite) TestErrors(ctx context.Context, t *testctx.T) {
	tests := []struct {
		name  string
		input string
		kind  ErrorKind
	}{
		{"throw", `throw "boom"`, ErrThrown},
		{"abort", `abort "stop"`, ErrAbort},
		{"undefined variable", "x", ErrUndefinedVar},
		{"undefined variable under with", "with { }; x", ErrUndefinedVar},
		{"missing attribute", "{ }.a", ErrMissingAttr},
		{"type error", `1 + "a"`, ErrType},
		{"not a function", "1 2", ErrType},
		{"failed assertion", "assert 1 == 2; 1", ErrAssertion},
		{"self reference", "let x = x + 1; in x", ErrInfiniteRecursion},
		{"missing argument", "({ a }: a) { }", ErrArity},
		{"unexpected argument", "({ a }: a) { a = 1; b = 2; }", ErrArity},
		{"parse error", "1 +", ErrParse},
		{"duplicate attribute", "{ a = 1; a = 2; }", ErrParse},
		{"duplicate formal", "{ a, a }: a", ErrParse},
		{"dynamic attribute in let", `let ${"a"} = 1; in a`, ErrParse},
		{"duplicate dynamic attribute", `{ a = 1; ${"a"} = 2; }`, ErrType},
		{"division by zero", "1 / 0", ErrType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(ctx context.Context, t *testctx.T) {
			st := newTestState(ctx, t, Options{})
			_, err := evalSrc(ctx, st, tt.input)
			require.Error(t, err)
			require.ErrorIs(t, err, tt.kind)
		})
	}
}

func (EvalSuite) TestInfiniteRecursionMessage(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	_, err := evalSrc(ctx, st, "let x = x; in x")
	require.ErrorContains(t, err, "infinite recursion encountered")
}

func (EvalSuite) TestStackOverflow(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{MaxCallDepth: 100})
	_, err := evalSrc(ctx, st, "let f = x: f x; in f 1")
	require.ErrorIs(t, err, ErrStackOverflow)
}

func (EvalSuite) TestBuiltinNameCollisions(ctx context.Context, t *testctx.T) {
	noop := func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
		v.MkNull()
		return nil
	}

	for _, def := range []BuiltinDef{
		Builtin("true").Arity(1).Global().Impl(noop),
		Builtin("null").Arity(1).Global().Impl(noop),
		Builtin("searchPath").Arity(1).Impl(noop),
		Builtin("builtins").Arity(1).Global().Impl(noop),
		Builtin("__head").Arity(1).Impl(noop),
	} {
		t.Run(def.Name, func(ctx context.Context, t *testctx.T) {
			_, err := NewEvalState(ctx, Options{Builtins: []BuiltinDef{def}})
			require.ErrorContains(t, err, "already bound")
		})
	}

	st := newTestState(ctx, t, Options{Builtins: []BuiltinDef{Builtin("head").Arity(1).Impl(noop)}})
	v, err := evalSrc(ctx, st, "builtins.head 1")
	require.NoError(t, err)
	require.Equal(t, "null", render(ctx, t, st, v))
}

func (EvalSuite) TestMemoization(ctx context.Context, t *testctx.T) {
	calls := 0
	count := Builtin("count").Arity(1).Global().Impl(
		func(ctx context.Context, st *EvalState, pos *SourceLocation, args []*Value, v *Value) error {
			calls++
			n, err := st.ForceInt(ctx, args[0], pos)
			if err != nil {
				return err
			}
			v.MkInt(n)
			return nil
		})

	st := newTestState(ctx, t, Options{Builtins: []BuiltinDef{count}})
	v, err := evalSrc(ctx, st, "let x = count 1; in [ x x { y = x; } ]")
	require.NoError(t, err)
	require.Equal(t, "[ 1 1 { y = 1; } ]", render(ctx, t, st, v))
	require.Equal(t, 1, calls)
}

func (EvalSuite) TestFailedThunkKeepsError(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	e, err := st.ParseExprFromString(`let x = throw "boom"; in { a = x; b = x; }`, "/")
	require.NoError(t, err)
	v, err := st.Eval(ctx, e)
	require.NoError(t, err)

	a, ok := v.Attrs().Get("a")
	require.True(t, ok)
	b, ok := v.Attrs().Get("b")
	require.True(t, ok)

	errA := st.ForceValue(ctx, a.Value, nil)
	require.ErrorIs(t, errA, ErrThrown)
	errB := st.ForceValue(ctx, b.Value, nil)
	require.Equal(t, errA, errB)
	require.Equal(t, KindBlackhole, b.Value.Kind())
}

func (EvalSuite) TestStats(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{CountCalls: true})
	_, err := evalSrc(ctx, st, "let f = x: x; in [ (f 1) (builtins.add 1 2) ]")
	require.NoError(t, err)

	stats := st.Stats()
	require.EqualValues(t, 1, stats.NrFunctionCalls)
	require.EqualValues(t, 1, stats.PrimOpCalls["add"])
	require.NotZero(t, stats.NrValues)
	require.NotZero(t, stats.NrAvoided)

	_, err = evalSrc(ctx, st, "builtins.add 3 4")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.PrimOpCalls["add"])
	require.EqualValues(t, 2, st.Stats().PrimOpCalls["add"])
}

func (EvalSuite) TestCallFunctionFromGo(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	fun, err := evalSrc(ctx, st, "a: b: a - b")
	require.NoError(t, err)

	a, b := st.NewValue(), st.NewValue()
	a.MkInt(10)
	b.MkInt(4)
	res := st.NewValue()
	require.NoError(t, st.CallFunction(ctx, fun, []*Value{a, b}, res, nil))
	require.Equal(t, int64(6), res.Int())
}

func (EvalSuite) TestAutoCallFunction(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	fun, err := evalSrc(ctx, st, "{ x ? 1, y }: x + y")
	require.NoError(t, err)

	args := st.NewValue()
	st.MkAttrs(args, 1)
	st.AllocAttr(args, "y").MkInt(2)
	args.Attrs().Sort()

	res := st.NewValue()
	require.NoError(t, st.AutoCallFunction(ctx, args.Attrs(), fun, res))
	require.NoError(t, st.ForceValue(ctx, res, nil))
	require.Equal(t, int64(3), res.Int())
}

func (EvalSuite) TestEvalErrorLocation(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	_, err := evalSrc(ctx, st, "let\n  x = { };\nin x.missing")

	var evalErr *EvalError
	require.True(t, errors.As(err, &evalErr))
	require.Equal(t, ErrMissingAttr, evalErr.Kind)
	require.NotNil(t, evalErr.Location)
	require.Equal(t, 3, evalErr.Location.Line)
}
