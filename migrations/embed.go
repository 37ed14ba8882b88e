// Package migrations embeds the hub's SQL schema migrations into the binary.
//
// Importing this package (usually with a blank import) registers the files
// with the database package so that DB.Migrate can apply them.
package migrations

import (
	"embed"

	"github.com/nerrad567/hivehub/internal/infrastructure/database"
)

//go:embed *.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
