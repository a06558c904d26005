package thunk

import (
	"context"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
)

// CoerceToString converts v to text, accumulating the store paths the text
// depends on in pathCtx. Strings contribute their own context. Paths are
// copied into the store when copyToStore is set. Derivations and sets with
// outPath coerce through their output path, and sets with __toString
// through that function. With coerceMore, null, Booleans, numbers and lists
// are converted as well.
func (st *EvalState) CoerceToString(ctx context.Context, pos *SourceLocation, v *Value, pathCtx PathSet, coerceMore, copyToStore bool) (string, error) {
	if err := st.ForceValue(ctx, v, pos); err != nil {
		return "", err
	}

	switch v.kind {
	case KindString:
		pathCtx.Merge(v.ctx)
		return v.s, nil

	case KindPath:
		path := canonPath(v.s)
		if !copyToStore {
			return path, nil
		}
		return st.CopyPathToStore(ctx, pathCtx, path, pos)

	case KindAttrs:
		if toString, ok := v.attrs.Get("__toString"); ok {
			res := st.allocValue()
			if err := st.CallFunction(ctx, toString.Value, []*Value{v}, res, pos); err != nil {
				return "", err
			}
			return st.CoerceToString(ctx, pos, res, pathCtx, coerceMore, copyToStore)
		}
		out, ok := v.attrs.Get("outPath")
		if !ok {
			return "", typeError(pos, "cannot coerce a set to a string")
		}
		s, err := st.CoerceToString(ctx, pos, out.Value, pathCtx, coerceMore, copyToStore)
		if err != nil {
			return "", err
		}
		isDrv, err := st.IsDerivation(ctx, v)
		if err != nil {
			return "", err
		}
		if isDrv {
			pathCtx.Add(s)
		}
		return s, nil
	}

	if coerceMore {
		switch v.kind {
		case KindNull:
			return "", nil
		case KindBool:
			if v.b {
				return "1", nil
			}
			return "", nil
		case KindInt:
			return strconv.FormatInt(v.i, 10), nil
		case KindFloat:
			return strconv.FormatFloat(v.f, 'f', 6, 64), nil
		case KindList:
			var sb strings.Builder
			for i, elem := range v.list {
				s, err := st.CoerceToString(ctx, pos, elem, pathCtx, coerceMore, copyToStore)
				if err != nil {
					return "", err
				}
				sb.WriteString(s)
				if i < len(v.list)-1 && (elem.kind != KindList || len(elem.list) != 0) {
					sb.WriteString(" ")
				}
			}
			return sb.String(), nil
		}
	}

	return "", typeError(pos, "cannot coerce %s to a string", ShowType(v))
}

// CopyPathToStore copies the source at path into the store at most once
// per session and adds the resulting store path to pathCtx. In playback
// modes a registered substitution for path is used instead of the file.
func (st *EvalState) CopyPathToStore(ctx context.Context, pathCtx PathSet, path string, pos *SourceLocation) (string, error) {
	if st.mode.playsBack() {
		if dst, ok := st.srcToStoreForPlayback[path]; ok {
			pathCtx.Add(dst)
			return dst, nil
		}
	}

	if st.store != nil && isStorePath(st.store.StoreDir(), path) {
		pathCtx.Add(path)
		return path, nil
	}

	dst, ok := st.srcToStore[path]
	if !ok {
		if st.store == nil {
			return "", newError(ErrStore, pos, "cannot copy '%s' to the store: no store configured", path)
		}
		src, err := st.CheckSourcePath(path, pos)
		if err != nil {
			return "", err
		}
		dst, err = st.store.AddToStore(ctx, baseNameOf(src), src, nil)
		if err != nil {
			return "", newError(ErrStore, pos, "copying '%s' to the store: %s", path, err)
		}
		st.srcToStore[path] = dst
		st.stats.NrStoreCopies++
		slog.Debug("copied source to the store", "path", path, "storePath", dst)
	}

	pathCtx.Add(dst)
	return dst, nil
}

// CoerceToPath is CoerceToString without store copies, restricted to
// absolute paths.
func (st *EvalState) CoerceToPath(ctx context.Context, pos *SourceLocation, v *Value, pathCtx PathSet) (string, error) {
	s, err := st.CoerceToString(ctx, pos, v, pathCtx, false, false)
	if err != nil {
		return "", err
	}
	if s == "" || s[0] != '/' {
		return "", typeError(pos, "string '%s' doesn't represent an absolute path", s)
	}
	return s, nil
}

// RealiseContext makes sure every store path in pathCtx is valid before it
// is read from.
func (st *EvalState) RealiseContext(ctx context.Context, pathCtx PathSet, pos *SourceLocation) error {
	if len(pathCtx) == 0 {
		return nil
	}
	if st.store == nil {
		return newError(ErrStore, pos, "cannot realise %s: no store configured", strings.Join(pathCtx.Sorted(), ", "))
	}
	if err := st.store.Realize(ctx, pathCtx.Sorted()); err != nil {
		return newError(ErrStore, pos, "cannot realise context: %s", err)
	}
	return nil
}

// CheckSourcePath returns path unchanged, or an error if the session is
// restricted and path lies outside every search path entry.
func (st *EvalState) CheckSourcePath(path string, pos *SourceLocation) (string, error) {
	if !st.restricted {
		return path, nil
	}
	abs := canonPath(path)
	for _, elem := range st.searchPath {
		if isInDir(abs, elem.Path) {
			return abs, nil
		}
	}
	return "", newError(ErrRestricted, pos, "access to path '%s' is forbidden in restricted mode", path)
}

// canonPath makes p absolute and lexically clean. Symlinks are not
// resolved, so the result does not depend on the filesystem.
func canonPath(p string) string {
	if !filepath.IsAbs(p) {
		if abs, err := filepath.Abs(p); err == nil {
			p = abs
		}
	}
	return filepath.Clean(p)
}

func isInDir(path, dir string) bool {
	dir = canonPath(dir)
	return path == dir || strings.HasPrefix(path, strings.TrimSuffix(dir, "/")+"/")
}

func baseNameOf(p string) string {
	p = strings.TrimSuffix(p, "/")
	if i := strings.LastIndexByte(p, '/'); i >= 0 {
		return p[i+1:]
	}
	return p
}

func dirOf(p string) string {
	i := strings.LastIndexByte(p, '/')
	switch {
	case i < 0:
		return "."
	case i == 0:
		return "/"
	}
	return p[:i]
}

// isStorePath reports whether path is an entry directly under storeDir.
func isStorePath(storeDir, path string) bool {
	rel, err := filepath.Rel(storeDir, path)
	return err == nil && rel != "." && !strings.HasPrefix(rel, "..") && !strings.Contains(rel, "/")
}
