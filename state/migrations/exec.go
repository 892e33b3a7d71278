package migrations

import (
	"embed"

	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
)

//go:embed 20250716093042_pickle_group_sessions.go
var migrationsFS embed.FS

// Exec brings the database up to the latest migration version. Tables create
// themselves in their constructors, so migrations only ever evolve the schema
// of an existing install; a fresh database no-ops through all of them.
func Exec(db *sqlx.DB) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.Up(db.DB, ".")
}
