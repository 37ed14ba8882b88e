package database

import (
	"cmp"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// Migration errors.
var (
	// ErrUnknownMigration is returned when an applied version has no files.
	ErrUnknownMigration = errors.New("database: applied migration has no files")

	// ErrIrreversible is returned when rolling back a migration without a
	// .down.sql file.
	ErrIrreversible = errors.New("database: migration has no down script")
)

// MigrationsFS holds the migration files. The hivehub migrations package
// sets it from an embedded filesystem in its init function; tests may set
// any fs.FS (for example fstest.MapFS).
//
//	import _ "github.com/nerrad567/hivehub/migrations"
var MigrationsFS fs.FS

// MigrationsDir is the directory of MigrationsFS holding the files.
var MigrationsDir = "migrations"

// Migration is one schema step loaded from a pair of files:
// 20261019_120000_initial_schema.up.sql and its optional .down.sql.
type Migration struct {
	Version string // 20261019_120000
	Name    string // initial_schema
	Up      string
	Down    string
}

// MigrationStatus reports one known migration and whether it is applied.
type MigrationStatus struct {
	Version   string
	Name      string
	Applied   bool
	AppliedAt time.Time // zero when not applied
}

// Migrate applies every pending migration in version order.
//
// Each migration runs in its own transaction together with its
// schema_migrations row, so a failure leaves earlier migrations applied and
// a later Migrate resumes at the failed one.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//
// Returns:
//   - error: The first migration failure, naming the version
func (db *DB) Migrate(ctx context.Context) error {
	known, applied, err := db.migrationState(ctx)
	if err != nil {
		return err
	}
	for _, m := range known {
		if _, done := applied[m.Version]; done {
			continue
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339),
			)
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s_%s: %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// Rollback reverts the latest applied migrations, newest first.
//
// Parameters:
//   - ctx: Context for timeout/cancellation
//   - steps: Number of migrations to revert; fewer are reverted when fewer
//     are applied
//
// Returns:
//   - []string: Versions reverted, in the order they were reverted
//   - error: ErrUnknownMigration, ErrIrreversible or a SQL failure
func (db *DB) Rollback(ctx context.Context, steps int) ([]string, error) {
	if steps <= 0 {
		return nil, nil
	}
	known, applied, err := db.migrationState(ctx)
	if err != nil {
		return nil, err
	}

	versions := make([]string, 0, len(applied))
	for v := range applied {
		versions = append(versions, v)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	var reverted []string
	for _, v := range versions[:min(steps, len(versions))] {
		i, found := slices.BinarySearchFunc(known, v, func(m Migration, v string) int {
			return cmp.Compare(m.Version, v)
		})
		if !found {
			return reverted, fmt.Errorf("%w: %s", ErrUnknownMigration, v)
		}
		m := known[i]
		if strings.TrimSpace(m.Down) == "" {
			return reverted, fmt.Errorf("%w: %s_%s", ErrIrreversible, m.Version, m.Name)
		}

		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Down); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
			return err
		})
		if err != nil {
			return reverted, fmt.Errorf("reverting migration %s_%s: %w", m.Version, m.Name, err)
		}
		reverted = append(reverted, m.Version)
	}
	return reverted, nil
}

// Status lists every known migration in version order with its state.
// Applied versions that no longer have files are listed too, with an empty
// name.
func (db *DB) Status(ctx context.Context) ([]MigrationStatus, error) {
	known, applied, err := db.migrationState(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationStatus, 0, len(known))
	seen := make(map[string]bool, len(known))
	for _, m := range known {
		at, ok := applied[m.Version]
		out = append(out, MigrationStatus{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: at})
		seen[m.Version] = true
	}
	for v, at := range applied {
		if !seen[v] {
			out = append(out, MigrationStatus{Version: v, Applied: true, AppliedAt: at})
		}
	}
	slices.SortFunc(out, func(a, b MigrationStatus) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// migrationState loads the migration files and the applied versions with
// their application time, creating the bookkeeping table if needed.
func (db *DB) migrationState(ctx context.Context) ([]Migration, map[string]time.Time, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	known, err := loadMigrations(MigrationsFS, MigrationsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("querying applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, nil, fmt.Errorf("scanning applied migration: %w", err)
		}
		applied[version], _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterating applied migrations: %w", err)
	}
	return known, applied, nil
}

// inTx runs fn in a transaction, committing when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations reads the migration files in dir of fsys, sorted by
// version. A nil fsys or a missing dir means no migrations.
func loadMigrations(fsys fs.FS, dir string) ([]Migration, error) {
	if fsys == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(fsys, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		f, ok := parseMigrationFile(e.Name())
		if !ok {
			continue
		}
		body, err := fs.ReadFile(fsys, path.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}

		m := byVersion[f.version]
		if m == nil {
			m = &Migration{Version: f.version}
			byVersion[f.version] = m
		}
		if f.up {
			m.Name, m.Up = f.name, string(body)
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.Up == "" {
			return nil, fmt.Errorf("migration %s has a down script but no up script", m.Version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}

// migrationFile is a parsed migration filename.
type migrationFile struct {
	version string
	name    string
	up      bool
}

// parseMigrationFile parses YYYYMMDD_HHMMSS_name.{up,down}.sql.
func parseMigrationFile(filename string) (migrationFile, bool) {
	var f migrationFile
	base, ok := strings.CutSuffix(filename, ".sql")
	if !ok {
		return f, false
	}
	if base, ok = strings.CutSuffix(base, ".up"); ok {
		f.up = true
	} else if base, ok = strings.CutSuffix(base, ".down"); !ok {
		return f, false
	}

	date, rest, ok := strings.Cut(base, "_")
	if !ok || date == "" {
		return f, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if clock == "" {
		return f, false
	}
	f.version = date + "_" + clock
	f.name = name
	return f, true
}
