// Package database provides SQLite connectivity for the hub store.
//
// This package manages:
//   - Database connection with WAL mode and foreign keys enabled
//   - Schema migrations embedded by the migrations package
//   - Connection lifecycle and health checks
//
// Migrations are named YYYYMMDD_HHMMSS_description.up.sql with a matching
// .down.sql, applied in version order inside one transaction each and
// recorded in the schema_migrations table.
//
// Usage:
//
//	import _ "github.com/nerrad567/hivehub/migrations"
//
//	db, err := database.Open(database.Config{Path: cfg.Database.Path, WALMode: true})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    return err
//	}
package database
