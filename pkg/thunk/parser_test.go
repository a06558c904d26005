package thunk

import (
	"context"
	"errors"
	"testing"

	"github.com/dagger/testctx"
	"github.com/dagger/testctx/oteltest"
	"github.com/stretchr/testify/require"
)

type ParserSuite struct{}

func TestParser(tT *testing.T) {
	testctx.New(tT,
		oteltest.WithTracing[*testing.T](),
		oteltest.WithLogging[*testing.T](),
	).RunTests(ParserSuite{})
}

func (ParserSuite) TestFormalsOrAttrs(ctx context.Context, t *testctx.T) {
	tests := []struct {
		input  string
		lambda bool
	}{
		{"{ a }: a", true},
		{"{ a, b }: a", true},
		{"{ a ? 1 }: a", true},
		{"{ ... }: 1", true},
		{"{ }: 1", true},
		{"{ }@args: 1", true},
		{"{ a, ... }@args: a", true},
		{"{ a = 1; }", false},
		{"{ }", false},
		{"{ inherit a; }", false},
		{`{ "a" = 1; }`, false},
		{"{ a.b = 1; }", false},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(ctx context.Context, t *testctx.T) {
			e, err := Parse("test", tt.input, "/")
			require.NoError(t, err)
			_, isLambda := e.(*ExprLambda)
			require.Equal(t, tt.lambda, isLambda)
		})
	}
}

func (ParserSuite) TestFormalsAreSorted(ctx context.Context, t *testctx.T) {
	e, err := Parse("test", "{ c, a, b ? 1 }: a", "/")
	require.NoError(t, err)
	lambda := e.(*ExprLambda)
	var names []string
	for _, f := range lambda.Formals.Formals {
		names = append(names, f.Name)
	}
	require.Equal(t, []string{"a", "b", "c"}, names)
}

func (ParserSuite) TestLambdaNames(ctx context.Context, t *testctx.T) {
	e, err := Parse("test", "{ f = x: x; g.h = y: y; }", "/")
	require.NoError(t, err)
	attrs := e.(*ExprAttrs)

	f, ok := attrs.Get("f")
	require.True(t, ok)
	require.Equal(t, "f", f.E.(*ExprLambda).Name)

	g, ok := attrs.Get("g")
	require.True(t, ok)
	h, ok := g.E.(*ExprAttrs).Get("h")
	require.True(t, ok)
	require.Equal(t, "h", h.E.(*ExprLambda).Name)
}

func (ParserSuite) TestOperatorDesugaring(ctx context.Context, t *testctx.T) {
	e, err := Parse("test", "a > b", "/")
	require.NoError(t, err)
	call := e.(*ExprCall)
	require.Equal(t, "__lessThan", call.Fun.(*ExprVar).Name)
	require.Equal(t, "b", call.Args[0].(*ExprVar).Name)
	require.Equal(t, "a", call.Args[1].(*ExprVar).Name)

	e, err = Parse("test", "<pkgs/lib>", "/")
	require.NoError(t, err)
	call = e.(*ExprCall)
	require.Equal(t, "__findFile", call.Fun.(*ExprVar).Name)
	require.Equal(t, "__searchPath", call.Args[0].(*ExprVar).Name)
	require.Equal(t, "pkgs/lib", call.Args[1].(*ExprString).S)
}

func (ParserSuite) TestRightAssociativity(ctx context.Context, t *testctx.T) {
	e, err := Parse("test", "a // b // c", "/")
	require.NoError(t, err)
	update := e.(*ExprBinOp)
	require.Equal(t, OpUpdate, update.Op)
	require.IsType(t, &ExprVar{}, update.L)
	require.IsType(t, &ExprBinOp{}, update.R)
}

func (ParserSuite) TestErrorLocations(ctx context.Context, t *testctx.T) {
	tests := []struct {
		input  string
		line   int
		column int
	}{
		{"1 +", 1, 4},
		{"let\n  x = 1\nin x", 3, 1},
		{`"unterminated`, 1, 1},
		{"{ a = 1; a = 2; }", 1, 10},
		{"1 $", 1, 3},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(ctx context.Context, t *testctx.T) {
			_, err := Parse("test", tt.input, "/")
			var evalErr *EvalError
			require.True(t, errors.As(err, &evalErr), "expected an EvalError, got %v", err)
			require.Equal(t, ErrParse, evalErr.Kind)
			require.Equal(t, tt.line, evalErr.Location.Line)
			require.Equal(t, tt.column, evalErr.Location.Column)
		})
	}
}
