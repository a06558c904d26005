package thunk

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFile is the file evaluated when a directory is imported.
const DefaultFile = "default.thunk"

// SearchPathElem maps the module names starting with Prefix to Path. An
// empty prefix matches every name.
type SearchPathElem struct {
	Prefix string
	Path   string
}

type SearchPath []SearchPathElem

func (sp SearchPath) String() string {
	entries := make([]string, len(sp))
	for i, elem := range sp {
		if elem.Prefix == "" {
			entries[i] = elem.Path
		} else {
			entries[i] = elem.Prefix + "=" + elem.Path
		}
	}
	return strings.Join(entries, ":")
}

// ParseSearchPathElem parses "prefix=path" or "path".
func ParseSearchPathElem(s string) (SearchPathElem, error) {
	prefix, path, ok := strings.Cut(s, "=")
	if !ok {
		prefix, path = "", s
	}
	if path == "" {
		return SearchPathElem{}, fmt.Errorf("invalid search path entry %q", s)
	}
	return SearchPathElem{Prefix: prefix, Path: canonPath(path)}, nil
}

// AddToSearchPath appends an entry in "prefix=path" or "path" form.
func (st *EvalState) AddToSearchPath(s string) error {
	elem, err := ParseSearchPathElem(s)
	if err != nil {
		return err
	}
	st.searchPath = append(st.searchPath, elem)
	return nil
}

func (st *EvalState) SearchPath() SearchPath { return st.searchPath }

// FindFile resolves a module name like "pkgs/lib" against searchPath. The
// first entry whose resolution exists on disk wins.
func FindFile(searchPath SearchPath, path string, pos *SourceLocation) (string, error) {
	for _, elem := range searchPath {
		var res string
		if elem.Prefix == "" {
			res = filepath.Join(elem.Path, path)
		} else {
			if !strings.HasPrefix(path, elem.Prefix) ||
				(len(path) > len(elem.Prefix) && path[len(elem.Prefix)] != '/') {
				continue
			}
			res = elem.Path
			if len(path) > len(elem.Prefix) {
				res = filepath.Join(elem.Path, path[len(elem.Prefix)+1:])
			}
		}
		if _, err := os.Lstat(res); err == nil {
			return canonPath(res), nil
		}
	}
	return "", newError(ErrNotFound, pos, "file '%s' was not found in the search path [%s] (add it using $%sPATH or -I)", path, searchPath, EnvPrefix)
}

// ResolveExprPath maps a directory to its default file. The lookup goes
// through the recorded __resolveExprPath builtin so playback does not need
// the filesystem.
func (st *EvalState) ResolveExprPath(ctx context.Context, path string) (string, error) {
	arg := st.allocValue()
	arg.MkPath(canonPath(path))
	res, err := st.callBuiltin(ctx, "__resolveExprPath", nil, arg)
	if err != nil {
		return "", err
	}
	return res.s, nil
}

func resolveExprPath(path string) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", newError(ErrNotFound, nil, "getting status of '%s': %s", path, err)
	}
	if info.IsDir() {
		return filepath.Join(path, DefaultFile), nil
	}
	return path, nil
}

// ParseExprFromFile parses and binds the file at path once per session.
// The source is read through the recorded __readSource builtin, so a
// recording replays imports without the files being present.
func (st *EvalState) ParseExprFromFile(ctx context.Context, path string) (Expr, error) {
	path = canonPath(path)
	if e, ok := st.fileParseCache[path]; ok {
		return e, nil
	}

	arg := st.allocValue()
	arg.MkPath(path)
	src, err := st.callBuiltin(ctx, "__readSource", nil, arg)
	if err != nil {
		return nil, err
	}

	e, err := st.parseAndBind(src.s, path, filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	st.fileParseCache[path] = e
	return e, nil
}

// ParseExprFromFileWithoutRecording reads and parses path directly. Nothing
// is cached and nothing is recorded.
func (st *EvalState) ParseExprFromFileWithoutRecording(path string) (Expr, error) {
	path = canonPath(path)
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, newError(ErrNotFound, nil, "reading '%s': %s", path, err)
	}
	return st.parseAndBind(string(src), path, filepath.Dir(path))
}

// ParseExprFromString parses src, resolving relative paths against
// basePath.
func (st *EvalState) ParseExprFromString(src, basePath string) (Expr, error) {
	return st.parseAndBind(src, "«string»", canonPath(basePath))
}

func (st *EvalState) parseAndBind(src, filename, basePath string) (Expr, error) {
	e, err := Parse(filename, src, basePath)
	if err != nil {
		return nil, err
	}
	if err := Bind(e, st.staticBaseEnv); err != nil {
		return nil, err
	}
	return e, nil
}

// EvalFile evaluates the file at path (or its default file, for a
// directory) to weak head normal form. Each file is evaluated at most once
// per session; later calls return the same value.
func (st *EvalState) EvalFile(ctx context.Context, path string, pos *SourceLocation) (*Value, error) {
	path = canonPath(path)
	if v, ok := st.fileEvalCache[path]; ok {
		slog.Debug("file evaluation cache hit", "path", path)
		return v, st.ForceValue(ctx, v, pos)
	}

	resolved, err := st.ResolveExprPath(ctx, path)
	if err != nil {
		return nil, err
	}
	if v, ok := st.fileEvalCache[resolved]; ok {
		st.fileEvalCache[path] = v
		return v, st.ForceValue(ctx, v, pos)
	}

	checked, err := st.CheckSourcePath(resolved, pos)
	if err != nil {
		return nil, err
	}

	slog.Debug("evaluating file", "path", checked)

	e, err := st.ParseExprFromFile(ctx, checked)
	if err != nil {
		return nil, err
	}

	// Cached before forcing so a file importing itself is detected as
	// infinite recursion.
	v := st.mkThunk(st.baseEnv, e)
	st.fileEvalCache[resolved] = v
	st.fileEvalCache[path] = v

	return v, st.ForceValue(ctx, v, pos)
}

// ResetFileCache forgets every evaluated and parsed file.
func (st *EvalState) ResetFileCache() {
	clear(st.fileEvalCache)
	clear(st.fileParseCache)
}
