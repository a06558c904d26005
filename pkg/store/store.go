// Package store implements a local content-addressed store. Objects live in
// a single directory under names derived from their content, and a SQLite
// database records which of them are valid and what they refer to.
package store

import (
	"context"
	_ "crypto/sha256"
	"database/sql"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	_ "modernc.org/sqlite"
)

// hashLen is the number of digest characters used in a store path.
const hashLen = 32

// Config configures a local store.
type Config struct {
	// Dir holds the store objects, the database and the lock file.
	Dir string
}

// Filter decides whether a file below the root of an added tree is
// included. Excluding a directory excludes everything under it.
type Filter func(path string, info fs.FileInfo) (bool, error)

// Local is a store on the local filesystem. It is safe for concurrent use,
// and writers in separate processes are serialized by a lock file.
type Local struct {
	dir      string
	storeDir string
	db       *sql.DB
	lockPath string

	mu sync.Mutex
}

const schema = `
CREATE TABLE IF NOT EXISTS ValidPaths (
	path              TEXT PRIMARY KEY,
	hash              TEXT NOT NULL,
	registration_time INTEGER NOT NULL,
	deriver           TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS Refs (
	referrer  TEXT NOT NULL,
	reference TEXT NOT NULL,
	PRIMARY KEY (referrer, reference)
);
`

// Open opens the store rooted at cfg.Dir, creating it if needed.
func Open(ctx context.Context, cfg Config) (*Local, error) {
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, errors.Wrap(err, "resolve store directory")
	}

	s := &Local{
		dir:      dir,
		storeDir: filepath.Join(dir, "store"),
		lockPath: filepath.Join(dir, "lock"),
	}
	if err := os.MkdirAll(s.storeDir, 0755); err != nil {
		return nil, errors.Wrap(err, "create store directory")
	}

	db, err := sql.Open("sqlite", filepath.Join(dir, "db.sqlite"))
	if err != nil {
		return nil, errors.Wrap(err, "open store database")
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set busy timeout")
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "create store schema")
	}
	s.db = db

	slog.Debug("opened store", "dir", dir)
	return s, nil
}

// Close releases the database.
func (s *Local) Close() error {
	return s.db.Close()
}

// StoreDir returns the directory store paths live in.
func (s *Local) StoreDir() string {
	return s.storeDir
}

func (s *Local) storePath(dgst digest.Digest, name string) string {
	return filepath.Join(s.storeDir, dgst.Encoded()[:hashLen]+"-"+name)
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, "/\x00") {
		return errors.Errorf("invalid store path name %q", name)
	}
	return nil
}

// AddToStore copies the file tree at srcPath into the store under name and
// returns its store path. Files below the root are included only if filter
// (when non-nil) accepts them. filter runs without any store lock held, so
// it may itself add to the store. Adding identical content again returns
// the existing path.
func (s *Local) AddToStore(ctx context.Context, name, srcPath string, filter Filter) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	tmp, err := os.MkdirTemp(s.storeDir, ".tmp-")
	if err != nil {
		return "", errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(tmp)

	digester := digest.Canonical.Digester()
	fmt.Fprintf(digester.Hash(), "source\x00%s\x00", name)
	obj := filepath.Join(tmp, "obj")
	if err := copyTree(digester.Hash(), srcPath, obj, filter); err != nil {
		return "", errors.Wrapf(err, "copy %s", srcPath)
	}
	dgst := digester.Digest()
	dst := s.storePath(dgst, name)

	if err := s.register(ctx, dst, dgst, nil, obj); err != nil {
		return "", errors.Wrapf(err, "add %s to store", srcPath)
	}
	return dst, nil
}

// AddTextToStore writes text into the store as a file named name that
// refers to the store paths in refs.
func (s *Local) AddTextToStore(ctx context.Context, name, text string, refs []string) (string, error) {
	if err := checkName(name); err != nil {
		return "", err
	}

	refs = append([]string(nil), refs...)
	sort.Strings(refs)

	digester := digest.Canonical.Digester()
	fmt.Fprintf(digester.Hash(), "text\x00%s\x00", name)
	for _, ref := range refs {
		fmt.Fprintf(digester.Hash(), "ref\x00%s\x00", ref)
	}
	io.WriteString(digester.Hash(), text)
	dgst := digester.Digest()
	dst := s.storePath(dgst, name)

	tmp, err := os.MkdirTemp(s.storeDir, ".tmp-")
	if err != nil {
		return "", errors.Wrap(err, "create temp dir")
	}
	defer os.RemoveAll(tmp)

	obj := filepath.Join(tmp, "obj")
	if err := os.WriteFile(obj, []byte(text), 0444); err != nil {
		return "", errors.Wrapf(err, "write text %s", name)
	}
	if err := s.register(ctx, dst, dgst, refs, obj); err != nil {
		return "", errors.Wrapf(err, "add text %s to store", name)
	}
	return dst, nil
}

// register moves the prepared object obj to dst unless dst is already
// valid, then records it and its references. Only this step holds the
// store locks.
func (s *Local) register(ctx context.Context, dst string, dgst digest.Digest, refs []string, obj string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := lockFile(s.lockPath)
	if err != nil {
		return errors.Wrap(err, "lock store")
	}
	defer unlock()

	valid, err := s.IsValidPath(ctx, dst)
	if err != nil {
		return err
	}
	if valid {
		return nil
	}

	// leftovers of an interrupted write
	if err := os.RemoveAll(dst); err != nil {
		return errors.Wrap(err, "remove stale path")
	}
	if err := os.Rename(obj, dst); err != nil {
		return errors.Wrap(err, "move into store")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin")
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO ValidPaths (path, hash, registration_time) VALUES (?, ?, ?)`,
		dst, dgst.String(), time.Now().Unix(),
	); err != nil {
		return errors.Wrap(err, "register path")
	}
	for _, ref := range refs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO Refs (referrer, reference) VALUES (?, ?)`,
			dst, ref,
		); err != nil {
			return errors.Wrap(err, "register reference")
		}
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "commit")
	}

	slog.Debug("registered store path", "path", dst, "refs", len(refs))
	return nil
}

// IsValidPath reports whether path is registered and present on disk.
func (s *Local) IsValidPath(ctx context.Context, path string) (bool, error) {
	var hash string
	err := s.db.QueryRowContext(ctx, `SELECT hash FROM ValidPaths WHERE path = ?`, path).Scan(&hash)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "query %s", path)
	}
	if _, err := os.Lstat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errors.Wrapf(err, "stat %s", path)
	}
	return true, nil
}

// Realize ensures every path is valid. The local store cannot build
// anything, so it fails naming the first path (in the given order) that
// is not.
func (s *Local) Realize(ctx context.Context, paths []string) error {
	valid := make([]bool, len(paths))

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(8)
	for i, path := range paths {
		eg.Go(func() error {
			ok, err := s.IsValidPath(gctx, path)
			valid[i] = ok
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return err
	}

	for i, ok := range valid {
		if !ok {
			return errors.Errorf("path '%s' is not valid", paths[i])
		}
	}
	return nil
}

// QueryReferences returns the store paths path refers to, sorted.
func (s *Local) QueryReferences(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT reference FROM Refs WHERE referrer = ? ORDER BY reference`, path)
	if err != nil {
		return nil, errors.Wrapf(err, "query references of %s", path)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, errors.Wrap(err, "scan reference")
		}
		refs = append(refs, ref)
	}
	return refs, errors.Wrap(rows.Err(), "read references")
}
