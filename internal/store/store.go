// Package store implements the persistent knowledge graph container: an
// embedded, single-file SQLite database holding concepts (nodes), typed
// relations (edges), and an append-only timeline, with schema migrations
// and a single-writer locking discipline.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"

	"github.com/megamemory/core/internal/lockfile"
)

// Store is a handle on one project's knowledge graph file.
type Store struct {
	db   *sql.DB
	path string
	lock *os.File
	log  *slog.Logger
}

// Option configures Open.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open opens (creating if necessary) the SQLite file at path, applies any
// pending migrations, and takes an exclusive advisory lock on a sibling
// ".lock" file for the lifetime of the returned Store. Only one writable
// Store may be open on a given path at a time; a second Open call on a
// locked path returns lockfile.ErrLockBusy.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	o := &options{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}

	lockPath := path + ".lock"
	lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644) // #nosec G304 -- path is the project-local store path
	if err != nil {
		return nil, fmt.Errorf("opening lock file: %w", err)
	}
	if err := lockfile.FlockExclusiveNonBlock(lockFile); err != nil {
		_ = lockFile.Close()
		return nil, fmt.Errorf("acquiring store lock: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		_ = lockfile.FlockUnlock(lockFile)
		_ = lockFile.Close()
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			_ = lockfile.FlockUnlock(lockFile)
			_ = lockFile.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if err := runMigrations(db); err != nil {
		_ = db.Close()
		_ = lockfile.FlockUnlock(lockFile)
		_ = lockFile.Close()
		return nil, err
	}

	o.logger.Info("store opened", "path", path)

	return &Store{db: db, path: path, lock: lockFile, log: o.logger}, nil
}

// Close releases the store's database handle and file lock.
func (s *Store) Close() error {
	dbErr := s.db.Close()
	lockErr := lockfile.FlockUnlock(s.lock)
	closeErr := s.lock.Close()
	if dbErr != nil {
		return dbErr
	}
	if lockErr != nil {
		return lockErr
	}
	return closeErr
}

// Path returns the filesystem path of the underlying database file.
func (s *Store) Path() string { return s.path }
