package store

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
)

// include applies filter to an entry below the root. The root itself is
// always included.
func include(filter Filter, path string, info fs.FileInfo) (bool, error) {
	if filter == nil {
		return true, nil
	}
	return filter(path, info)
}

// readDirSorted lists dir by name so the hash visits entries in a stable
// order.
func readDirSorted(dir string) ([]fs.DirEntry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })
	return entries, nil
}

// copyTree copies the tree at src to dst and writes a canonical description
// of what it copied to w. Only the file type, the executable bit, contents
// and symlink targets are significant. filter is consulted exactly once per
// entry, so the hash always describes the copy. Files become read-only.
func copyTree(w io.Writer, src, dst string, filter Filter) error {
	info, err := os.Lstat(src)
	if err != nil {
		return err
	}

	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(src)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "symlink\x00%d\x00%s", len(target), target)
		return os.Symlink(target, dst)

	case info.IsDir():
		if err := os.Mkdir(dst, 0755); err != nil {
			return err
		}
		entries, err := readDirSorted(src)
		if err != nil {
			return err
		}
		fmt.Fprint(w, "dir\x00")
		for _, entry := range entries {
			child := filepath.Join(src, entry.Name())
			childInfo, err := os.Lstat(child)
			if err != nil {
				return err
			}
			ok, err := include(filter, child, childInfo)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			fmt.Fprintf(w, "entry\x00%d\x00%s", len(entry.Name()), entry.Name())
			if err := copyTree(w, child, filepath.Join(dst, entry.Name()), filter); err != nil {
				return err
			}
		}
		fmt.Fprint(w, "end\x00")
		return nil

	case info.Mode().IsRegular():
		exec := info.Mode()&0111 != 0
		mode := fs.FileMode(0444)
		if exec {
			mode = 0555
		}
		in, err := os.Open(src)
		if err != nil {
			return err
		}
		defer in.Close()
		out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, mode)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "file\x00%t\x00%d\x00", exec, info.Size())
		n, err := io.Copy(io.MultiWriter(out, w), in)
		if err != nil {
			out.Close()
			return err
		}
		if n != info.Size() {
			out.Close()
			return errors.Errorf("%s changed while copying", src)
		}
		return out.Close()
	}

	return errors.Errorf("unsupported file type %s at %s", info.Mode().Type(), src)
}
