package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/vito/thunk/pkg/ioctx"
)

// inProject moves into a fresh directory that FindProjectConfig will not
// escape from, with no THUNK_* overrides.
func inProject(t *testing.T) string {
	for _, name := range []string{"THUNK_PATH", "THUNK_MODE", "THUNK_RECORDING", "THUNK_STORE_DIR", "THUNK_SEARCH_PATH"} {
		t.Setenv(name, "")
	}
	dir := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(dir, ".git"), 0o755))
	t.Chdir(dir)
	return dir
}

func execute(t *testing.T, cmd *cobra.Command, args ...string) (string, error) {
	var stdout, stderr bytes.Buffer
	ctx := ioctx.StdoutToContext(context.Background(), &stdout)
	ctx = ioctx.StderrToContext(ctx, &stderr)
	cmd.SetArgs(args)
	cmd.SetOut(&stderr)
	cmd.SetErr(&stderr)
	err := cmd.ExecuteContext(ctx)
	return stdout.String(), err
}

func TestEvalExpr(t *testing.T) {
	dir := inProject(t)
	out, err := execute(t, evalCmd(), "--store-dir", filepath.Join(dir, "store"), "-E", "1 + 2")
	require.NoError(t, err)
	require.Equal(t, "3\n", out)
}

func TestEvalPublishesStats(t *testing.T) {
	dir := inProject(t)
	_, err := execute(t, evalCmd(), "--store-dir", filepath.Join(dir, "store"), "--stats", "-E", "builtins.add 1 2")
	require.NoError(t, err)

	snapshot := lastStats.Load()
	require.NotNil(t, snapshot)
	require.EqualValues(t, 1, snapshot.PrimOpCalls["add"])
	require.Contains(t, evalStats.Get("stats").String(), `"primOpCallsByName":{"add":1}`)
	require.Equal(t, `"normal"`, evalStats.Get("mode").String())
}

func TestEvalNeedsInput(t *testing.T) {
	inProject(t)
	_, err := execute(t, evalCmd())
	require.EqualError(t, err, "expected a file to evaluate or --expr")
}

func TestEvalAutoCall(t *testing.T) {
	dir := inProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fn.thunk"), []byte(`{ n, s, unused ? 0 }: "${s}${toString n}"`), 0o644))

	out, err := execute(t, evalCmd(),
		"--store-dir", filepath.Join(dir, "store"),
		"--arg", "n=1 + 2",
		"--argstr", "s=x",
		"fn.thunk")
	require.NoError(t, err)
	require.Equal(t, "\"x3\"\n", out)
}

func TestRecordThenPlayback(t *testing.T) {
	dir := inProject(t)
	storeDir := filepath.Join(dir, "store")
	rec := filepath.Join(dir, "rec.cbor")
	hello := filepath.Join(dir, "hello.txt")
	require.NoError(t, os.WriteFile(hello, []byte("hello"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.thunk"), []byte(`builtins.readFile ./hello.txt`), 0o644))

	out, err := execute(t, evalCmd(), "--store-dir", storeDir, "--mode", "record", "--recording", rec, "main.thunk")
	require.NoError(t, err)
	require.Equal(t, "\"hello\"\n", out)

	require.NoError(t, os.Remove(hello))

	out, err = execute(t, evalCmd(), "--store-dir", storeDir, "--mode", "playback", "--recording", rec, "main.thunk")
	require.NoError(t, err)
	require.Equal(t, "\"hello\"\n", out)

	out, err = execute(t, recordingCmd(), "show", rec)
	require.NoError(t, err)
	require.Contains(t, out, "version 1\n")
	require.Contains(t, out, "result \"hello\"\n")
}

func TestRecordNeedsDestination(t *testing.T) {
	dir := inProject(t)
	_, err := execute(t, evalCmd(), "--store-dir", filepath.Join(dir, "store"), "--mode", "record", "-E", "1")
	require.EqualError(t, err, "record mode needs --recording or --into-store")
}

func TestFlagsOverrideProjectConfig(t *testing.T) {
	dir := inProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "thunk.toml"), []byte(`
mode = "playback"
max-call-depth = 5
`), 0o644))

	cmd := &cobra.Command{Use: "test"}
	var f sessionFlags
	f.register(cmd)
	require.NoError(t, cmd.Flags().Parse([]string{"--mode", "normal", "-I", "a=/x"}))

	config, err := loadConfig(cmd, &f)
	require.NoError(t, err)
	require.Equal(t, "normal", config.Mode)
	require.Equal(t, 5, config.MaxCallDepth)
	require.Equal(t, []string{"a=/x"}, config.SearchPath)
	require.NotEmpty(t, config.StoreDir)
}

func TestFindFile(t *testing.T) {
	dir := inProject(t)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkgs", "lib"), 0o755))

	out, err := execute(t, findFileCmd(), "-I", "pkgs="+filepath.Join(dir, "pkgs"), "pkgs/lib")
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "pkgs", "lib")+"\n", out)
}
