// Command migrate applies or reverts the durable schema
// against whichever backend the loaded config selects.
package main

import (
	"database/sql"
	"fmt"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"github.com/kodewave/goatsync/internal/config"
	"github.com/kodewave/goatsync/internal/storage/migrations"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or revert the goatsync durable schema",
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config.yaml")

	root.AddCommand(
		&cobra.Command{Use: "up", Short: "Apply all pending migrations", RunE: runMigrate(migrations.Up)},
		&cobra.Command{Use: "down", Short: "Revert the most recent migration", RunE: runMigrate(migrations.Down)},
		&cobra.Command{Use: "status", Short: "Print the current migration status", RunE: runMigrate(migrations.Status)},
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runMigrate(action func(*sql.DB, migrations.Dialect) error) func(*cobra.Command, []string) error {
	return func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("migrate: load config: %w", err)
		}

		var driver string
		var dsn string
		var dialect migrations.Dialect
		switch cfg.Profile {
		case config.ProfileLite:
			driver, dsn, dialect = "sqlite", cfg.Storage.SQLitePath, migrations.DialectSQLite
		case config.ProfileStandard:
			driver, dsn, dialect = "pgx", cfg.Storage.PostgresDSN, migrations.DialectPostgres
		default:
			return fmt.Errorf("migrate: unknown profile %q", cfg.Profile)
		}

		db, err := sql.Open(driver, dsn)
		if err != nil {
			return fmt.Errorf("migrate: open %s: %w", driver, err)
		}
		defer db.Close()

		return action(db, dialect)
	}
}
