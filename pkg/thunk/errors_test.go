package thunk

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/dagger/testctx"
	"github.com/stretchr/testify/require"
)

func (EvalSuite) TestSourceErrorExcerpt(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.thunk")
	writeFiles(t, dir, map[string]string{"bad.thunk": "let\n  x = 1;\nin x + \"a\"\n"})

	st := newTestState(ctx, t, Options{})
	_, err := st.EvalFile(ctx, path, nil)
	require.ErrorIs(t, err, ErrType)

	var srcErr *SourceError
	require.True(t, errors.As(WithSource(err), &srcErr))
	require.ErrorIs(t, srcErr, ErrType)

	plain := srcErr.Error()
	require.Contains(t, plain, "error[type error]: ")
	require.Contains(t, plain, "--> "+path+":3:")
	require.Contains(t, plain, "3 | in x + \"a\"\n")
	require.Contains(t, plain, "^")
	require.NotContains(t, plain, "\033[")

	require.Contains(t, srcErr.Format(true), "\033[31m")
}

func (EvalSuite) TestSourceErrorWithoutFile(ctx context.Context, t *testctx.T) {
	st := newTestState(ctx, t, Options{})
	_, err := evalSrc(ctx, st, `1 + "a"`)
	require.Error(t, err)

	var srcErr *SourceError
	if errors.As(WithSource(err), &srcErr) {
		require.Equal(t, err.Error(), srcErr.Error())
	}
}

func (EvalSuite) TestUnderline(ctx context.Context, t *testctx.T) {
	require.Equal(t, "       ^^", underline("\tab cd", &SourceLocation{Column: 5, Length: 2}))
	require.Equal(t, "  ^", underline("abc", &SourceLocation{Column: 3, Length: 10}))
	require.Equal(t, "^", underline("", &SourceLocation{Column: 9}))
}
