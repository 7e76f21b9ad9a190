// Package migrations embeds the goose migration sets for both durable
// backends and exposes a small runner used by cmd/migrate and by
// integration tests that want a migrated-but-empty database.
package migrations

import (
	"database/sql"
	"embed"

	"github.com/pressly/goose/v3"
)

//go:embed sqlite/*.sql
var sqliteFS embed.FS

//go:embed postgres/*.sql
var postgresFS embed.FS

// Dialect names the goose dialect to apply migrations with.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite3"
	DialectPostgres Dialect = "postgres"
)

// Up applies all pending migrations for the given dialect against db.
func Up(db *sql.DB, dialect Dialect) error {
	goose.SetBaseFS(fsFor(dialect))
	if err := goose.SetDialect(string(dialect)); err != nil {
		return err
	}
	return goose.Up(db, dirFor(dialect))
}

// Down reverts the most recently applied migration for the given dialect.
func Down(db *sql.DB, dialect Dialect) error {
	goose.SetBaseFS(fsFor(dialect))
	if err := goose.SetDialect(string(dialect)); err != nil {
		return err
	}
	return goose.Down(db, dirFor(dialect))
}

// Status reports the current migration version for the given dialect.
func Status(db *sql.DB, dialect Dialect) error {
	goose.SetBaseFS(fsFor(dialect))
	if err := goose.SetDialect(string(dialect)); err != nil {
		return err
	}
	return goose.Status(db, dirFor(dialect))
}

func fsFor(dialect Dialect) embed.FS {
	if dialect == DialectPostgres {
		return postgresFS
	}
	return sqliteFS
}

func dirFor(dialect Dialect) string {
	if dialect == DialectPostgres {
		return "postgres"
	}
	return "sqlite"
}
