package db

import (
	"database/sql"
	"embed"
	"fmt"

	migrate "github.com/rubenv/sql-migrate"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrate applies every pending migration embedded under migrations/
// (the blocks/storage/metadata schema), using sql-migrate so reruns are
// no-ops, matching the rest of the pipeline's idempotent-insert
// posture.
func Migrate(conn *sql.DB) error {
	src := &migrate.EmbedFileSystemMigrationSource{
		FileSystem: migrationFS,
		Root:       "migrations",
	}
	n, err := migrate.Exec(conn, "postgres", src, migrate.Up)
	if err != nil {
		return fmt.Errorf("db: migrate: %w", err)
	}
	_ = n
	return nil
}
