// Package db wraps the embedded key-value engine behind the fixed set of
// record tables the rest of the server works with. All persistent state
// lives here; there is no second store.
package db

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/citadel-dev/citadel/internal/exitcodes"
	"github.com/citadel-dev/citadel/internal/logger"
)

// DB is the process-wide store handle. Safe for concurrent use.
type DB struct {
	db   *badger.DB
	path string

	// FatalHook runs when the engine reports an unrecoverable error. The
	// default logs and exits the process; tests replace it.
	FatalHook func(err error)
}

// Open opens (creating if needed) the store under dir/data.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "data")
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	opts := badger.DefaultOptions(path).
		WithLogger(badgerLogger{}).
		WithNumVersionsToKeep(1)

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open database at %s: %w", path, err)
	}

	logger.Info("database opened", "path", path)
	return &DB{db: bdb, path: path, FatalHook: defaultFatal}, nil
}

// OpenInMemory opens a store that lives only for the life of the process.
// Used by tests.
func OpenInMemory() (*DB, error) {
	opts := badger.DefaultOptions("").
		WithInMemory(true).
		WithLogger(badgerLogger{})

	bdb, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open in-memory database: %w", err)
	}
	return &DB{db: bdb, FatalHook: defaultFatal}, nil
}

// Close flushes and closes the store.
func (d *DB) Close() error {
	logger.Info("closing database")
	return d.db.Close()
}

// Maintain is the once-per-minute checkpoint: sync to disk and give the
// value log one garbage-collection pass.
func (d *DB) Maintain() {
	if d.db.Opts().InMemory {
		return
	}
	start := time.Now()
	if err := d.db.Sync(); err != nil {
		d.fatal(fmt.Errorf("database sync: %w", err))
		return
	}
	err := d.db.RunValueLogGC(0.5)
	if err != nil && err != badger.ErrNoRewrite {
		logger.Warn("value log gc", logger.Err(err))
	}
	logger.Debug("database checkpoint", "duration_ms", logger.Duration(start))
}

// Compact rewrites the store into its most compact form. Called from the
// scheduled purger when enabled; expensive.
func (d *DB) Compact() error {
	if d.db.Opts().InMemory {
		return nil
	}
	if err := d.db.Flatten(4); err != nil {
		return fmt.Errorf("flatten: %w", err)
	}
	for {
		err := d.db.RunValueLogGC(0.5)
		if err == badger.ErrNoRewrite {
			return nil
		}
		if err != nil {
			return fmt.Errorf("value log gc: %w", err)
		}
	}
}

// Truncate removes every record in the given table.
func (d *DB) Truncate(t Table) error {
	if !t.Valid() {
		return fmt.Errorf("truncate: invalid table %d", t)
	}
	if err := d.db.DropPrefix(t.prefix()); err != nil {
		return fmt.Errorf("truncate %s: %w", t, err)
	}
	logger.Info("table truncated", logger.Table(t.String()))
	return nil
}

func (d *DB) fatal(err error) {
	hook := d.FatalHook
	if hook == nil {
		hook = defaultFatal
	}
	hook(err)
}

func defaultFatal(err error) {
	logger.Error("fatal database error", logger.Err(err))
	os.Exit(exitcodes.DBFailure)
}

// badgerLogger routes engine logs into the server log at appropriate levels.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...any) {
	logger.Error("storage engine: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Warningf(format string, args ...any) {
	logger.Warn("storage engine: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Infof(format string, args ...any) {
	logger.Debug("storage engine: " + fmt.Sprintf(format, args...))
}

func (badgerLogger) Debugf(format string, args ...any) {
	logger.Debug("storage engine: " + fmt.Sprintf(format, args...))
}
