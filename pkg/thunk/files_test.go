package thunk

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/dagger/testctx"
	"github.com/dagger/testctx/oteltest"
	"github.com/stretchr/testify/require"
)

type FilesSuite struct{}

func TestFiles(tT *testing.T) {
	testctx.New(tT,
		oteltest.WithTracing[*testing.T](),
		oteltest.WithLogging[*testing.T](),
	).RunTests(FilesSuite{})
}

func writeFiles(t *testctx.T, dir string, files map[string]string) {
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	}
}

func (FilesSuite) TestFindFile(ctx context.Context, t *testctx.T) {
	first, second, prefixed := t.TempDir(), t.TempDir(), t.TempDir()
	writeFiles(t, first, map[string]string{"a.thunk": ""})
	writeFiles(t, second, map[string]string{
		"a.thunk":         "",
		"b.thunk":         "",
		"pkgs/lib.thunk":  "",
		"pkgsextra.thunk": "",
	})
	writeFiles(t, prefixed, map[string]string{"other.thunk": ""})

	sp := SearchPath{
		{Path: first},
		{Prefix: "pkgs", Path: prefixed},
		{Path: second},
	}

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"first entry wins", "a.thunk", filepath.Join(first, "a.thunk")},
		{"falls through missing entries", "b.thunk", filepath.Join(second, "b.thunk")},
		{"prefix match", "pkgs/other.thunk", filepath.Join(prefixed, "other.thunk")},
		{"prefix alone", "pkgs", prefixed},
		{"prefixed entry without the file falls through", "pkgs/lib.thunk", filepath.Join(second, "pkgs/lib.thunk")},
		{"prefix is matched by component", "pkgsextra.thunk", filepath.Join(second, "pkgsextra.thunk")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(ctx context.Context, t *testctx.T) {
			found, err := FindFile(sp, tt.path, nil)
			require.NoError(t, err)
			require.Equal(t, tt.expected, found)
		})
	}

	_, err := FindFile(sp, "missing", nil)
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorContains(t, err, "file 'missing' was not found in the search path [")
	require.ErrorContains(t, err, "(add it using $THUNK_PATH or -I)")
}

func (FilesSuite) TestParseSearchPathElem(ctx context.Context, t *testctx.T) {
	elem, err := ParseSearchPathElem("pkgs=/a/b/../c")
	require.NoError(t, err)
	require.Equal(t, SearchPathElem{Prefix: "pkgs", Path: "/a/c"}, elem)

	elem, err = ParseSearchPathElem("/x")
	require.NoError(t, err)
	require.Equal(t, SearchPathElem{Path: "/x"}, elem)

	_, err = ParseSearchPathElem("pkgs=")
	require.Error(t, err)

	require.Equal(t, "/x:pkgs=/a/c", SearchPath{{Path: "/x"}, {Prefix: "pkgs", Path: "/a/c"}}.String())
}

func (FilesSuite) TestSearchPathSyntax(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"lib/default.thunk": "{ x = 1; }"})

	st := newTestState(ctx, t, Options{SearchPath: []string{"pkgs=" + dir}})
	v, err := evalSrc(ctx, st, "(import <pkgs/lib>).x")
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int())

	_, err = evalSrc(ctx, st, "<nope>")
	require.ErrorIs(t, err, ErrNotFound)
}

func (FilesSuite) TestImport(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"default.thunk": "{ lib = import ./lib.thunk; n = (import ./lib.thunk).double 2; }",
		"lib.thunk":     "{ double = x: x * 2; }",
	})

	st := newTestState(ctx, t, Options{})
	v, err := st.EvalFile(ctx, dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.ForceValueDeep(ctx, v))

	n, ok := v.Attrs().Get("n")
	require.True(t, ok)
	require.Equal(t, int64(4), n.Value.Int())

	again, err := st.EvalFile(ctx, filepath.Join(dir, DefaultFile), nil)
	require.NoError(t, err)
	require.Same(t, v, again)
}

func (FilesSuite) TestImportEvaluatesOnce(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"default.thunk": "[ (import ./a.thunk) (import ./b.thunk) (import ./lib.thunk) ]",
		"a.thunk":       "import ./lib.thunk",
		"b.thunk":       "import ./lib.thunk",
		"lib.thunk":     "count 7",
	})

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

	st := newTestState(ctx, t, Options{CountCalls: true, Builtins: []BuiltinDef{count}})
	v, err := st.EvalFile(ctx, dir, nil)
	require.NoError(t, err)
	require.NoError(t, st.ForceValueDeep(ctx, v))
	require.Equal(t, "[ 7 7 7 ]", render(ctx, t, st, v))

	require.Equal(t, 1, calls)
	// default, a, b and lib
	require.EqualValues(t, 4, st.Stats().PrimOpCalls["__readSource"])
}

func (FilesSuite) TestResetFileCache(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.thunk")
	writeFiles(t, dir, map[string]string{"lib.thunk": "1"})

	st := newTestState(ctx, t, Options{})
	v, err := st.EvalFile(ctx, lib, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int())

	writeFiles(t, dir, map[string]string{"lib.thunk": "2"})
	cached, err := st.EvalFile(ctx, lib, nil)
	require.NoError(t, err)
	require.Same(t, v, cached)
	require.Equal(t, int64(1), cached.Int())

	st.ResetFileCache()
	fresh, err := st.EvalFile(ctx, lib, nil)
	require.NoError(t, err)
	require.NotSame(t, v, fresh)
	require.Equal(t, int64(2), fresh.Int())
}

func (FilesSuite) TestParseWithoutRecording(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	lib := filepath.Join(dir, "lib.thunk")
	writeFiles(t, dir, map[string]string{"lib.thunk": "1 + 1"})

	st := newTestState(ctx, t, Options{Mode: ModeRecord})
	_, err := st.ParseExprFromFileWithoutRecording(lib)
	require.NoError(t, err)
	require.Equal(t, 0, st.Recording().Len())

	_, err = st.ParseExprFromFile(ctx, lib)
	require.NoError(t, err)
	require.Equal(t, 1, st.Recording().Len())
	_, ok := st.Recording().Lookup(RecordKey{Op: "__readSource", Args: []string{lib}})
	require.True(t, ok)
}

func (FilesSuite) TestImportCycle(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{"self.thunk": "import ./self.thunk"})

	st := newTestState(ctx, t, Options{})
	_, err := st.EvalFile(ctx, filepath.Join(dir, "self.thunk"), nil)
	require.ErrorIs(t, err, ErrInfiniteRecursion)
}

func (FilesSuite) TestImportPlayback(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"default.thunk": "{ x = import ./lib.thunk; }",
		"lib.thunk":     "1 + 1",
	})
	src := "(import <pkgs>).x"

	st := newTestState(ctx, t, Options{Mode: ModeRecord, SearchPath: []string{"pkgs=" + dir}})
	v, err := evalSrc(ctx, st, src)
	require.NoError(t, err)
	a, err := st.FinalizeRecording(ctx, v)
	require.NoError(t, err)

	require.NoError(t, os.RemoveAll(dir))

	playback := newTestState(ctx, t, Options{Mode: ModePlayback, Recording: a})
	v, err = evalSrc(ctx, playback, src)
	require.NoError(t, err)
	require.Equal(t, int64(2), v.Int())
}

func (FilesSuite) TestRestricted(ctx context.Context, t *testctx.T) {
	allowed, forbidden := t.TempDir(), t.TempDir()
	writeFiles(t, allowed, map[string]string{"ok.thunk": "1"})
	writeFiles(t, forbidden, map[string]string{"secret": "x"})

	st := newTestState(ctx, t, Options{Restricted: true, SearchPath: []string{allowed}})
	v, err := st.EvalFile(ctx, filepath.Join(allowed, "ok.thunk"), nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), v.Int())

	_, err = evalSrc(ctx, st, `builtins.readFile "`+filepath.Join(forbidden, "secret")+`"`)
	require.ErrorIs(t, err, ErrRestricted)
}

func (FilesSuite) TestReadFileAndFriends(ctx context.Context, t *testctx.T) {
	dir := t.TempDir()
	writeFiles(t, dir, map[string]string{
		"hello.txt": "hello",
		"sub/x.txt": "",
	})
	st := newTestState(ctx, t, Options{})

	v, err := evalSrc(ctx, st, `builtins.readFile "`+filepath.Join(dir, "hello.txt")+`"`)
	require.NoError(t, err)
	require.Equal(t, "hello", v.Str())

	v, err = evalSrc(ctx, st, `builtins.readDir "`+dir+`"`)
	require.NoError(t, err)
	require.Equal(t, `{ hello.txt = "regular"; sub = "directory"; }`, render(ctx, t, st, v))

	v, err = evalSrc(ctx, st, `builtins.pathExists "`+filepath.Join(dir, "nope")+`"`)
	require.NoError(t, err)
	require.False(t, v.Bool())

	v, err = evalSrc(ctx, st, `builtins.hashFile "sha256" "`+filepath.Join(dir, "hello.txt")+`"`)
	require.NoError(t, err)
	require.Equal(t, "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824", v.Str())
}
