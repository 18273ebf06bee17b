package store

import (
	"fmt"
	"path/filepath"
	"time"
)

// Backend names accepted by Open.
const (
	BackendFile     = "file"
	BackendSQLite   = DriverSQLite
	BackendSQLite3  = DriverSQLite3
	BackendPostgres = DriverPostgres
)

// Options selects and configures a store backend.
type Options struct {
	// Backend is one of file, sqlite, sqlite3 or postgres.
	Backend string
	// Root is the hive state directory. The file backend keeps its
	// namespaces here and the SQLite backends default their database to it.
	Root string
	// DSN overrides the database location for SQL backends.
	DSN string
	// LockStale bounds how long a file-store record lock may be held.
	LockStale time.Duration
}

// DBPath returns the default SQLite database path under root.
func DBPath(root string) string {
	return filepath.Join(root, "hive.db")
}

// Open opens the configured backend.
func Open(opts Options) (Store, error) {
	switch opts.Backend {
	case "", BackendFile:
		return OpenFileStore(opts.Root, WithLockStale(opts.LockStale))
	case BackendSQLite, BackendSQLite3:
		dsn := opts.DSN
		if dsn == "" {
			dsn = DBPath(opts.Root)
		}
		return OpenSQL(opts.Backend, dsn)
	case BackendPostgres:
		if opts.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a dsn")
		}
		return OpenSQL(DriverPostgres, opts.DSN)
	default:
		return nil, fmt.Errorf("unknown store backend %q", opts.Backend)
	}
}
