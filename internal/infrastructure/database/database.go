package database

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

const (
	dirPermissions  = 0o750
	filePermissions = 0o600

	pingTimeout     = 5 * time.Second
	connMaxIdleTime = 30 * time.Minute
	connMaxLifetime = time.Hour
)

// MemoryPath opens a private in-memory database. Used by tests and by
// hubs started without persistence.
const MemoryPath = ":memory:"

// DB is the SQLite handle shared by the device store, the user store and
// the audit trail. The embedded *sql.DB is used directly for queries.
type DB struct {
	*sql.DB
	path string
}

// Config selects the database file and its journaling.
type Config struct {
	Path        string // file path, or MemoryPath; parent directories are created
	WALMode     bool   // ignored for MemoryPath
	BusyTimeout int    // seconds to wait on a locked database
}

// Open opens (creating if needed) the SQLite database at cfg.Path.
//
// Foreign keys are always on; WAL journaling and the busy timeout follow
// cfg. A single pooled connection serialises writers and, for MemoryPath,
// keeps the in-memory database alive for the lifetime of the DB. The
// connection is verified with a ping before Open returns.
//
// Parameters:
//   - cfg: Database configuration
//
// Returns:
//   - *DB: Connected database
//   - error: If the directory, file or connection cannot be set up
func Open(cfg Config) (*DB, error) {
	memory := cfg.Path == MemoryPath
	if !memory {
		if err := os.MkdirAll(filepath.Dir(cfg.Path), dirPermissions); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite3", dataSourceName(cfg))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	if !memory {
		sqlDB.SetConnMaxLifetime(connMaxLifetime)
		sqlDB.SetConnMaxIdleTime(connMaxIdleTime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("verifying database connection: %w", err)
	}

	if !memory {
		_ = os.Chmod(cfg.Path, filePermissions) //nolint:errcheck // the file may only appear on first write
	}
	return &DB{DB: sqlDB, path: cfg.Path}, nil
}

// dataSourceName builds the go-sqlite3 DSN for cfg.
func dataSourceName(cfg Config) string {
	q := url.Values{}
	q.Set("_foreign_keys", "on")
	q.Set("_busy_timeout", strconv.Itoa(cfg.BusyTimeout*int(time.Second/time.Millisecond)))
	if cfg.Path == MemoryPath {
		return "file::memory:?" + q.Encode()
	}
	if cfg.WALMode {
		q.Set("_journal_mode", "WAL")
		q.Set("_synchronous", "NORMAL")
	}
	return "file:" + cfg.Path + "?" + q.Encode()
}

// Close releases the connection. It is safe on a zero DB.
func (db *DB) Close() error {
	if db.DB == nil {
		return nil
	}
	if err := db.DB.Close(); err != nil {
		return fmt.Errorf("closing database: %w", err)
	}
	return nil
}

// Path returns cfg.Path as given to Open.
func (db *DB) Path() string {
	return db.path
}

// HealthCheck runs a trivial query; the /health endpoint reports its error.
func (db *DB) HealthCheck(ctx context.Context) error {
	var one int
	if err := db.QueryRowContext(ctx, "SELECT 1").Scan(&one); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	return nil
}

// BeginTx wraps sql.DB.BeginTx, annotating the error.
func (db *DB) BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error) {
	tx, err := db.DB.BeginTx(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("starting transaction: %w", err)
	}
	return tx, nil
}
