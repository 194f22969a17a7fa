package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rakunlabs/muz"

	"github.com/cipher982/zerg/internal/config"
)

//go:embed migrations/sqlite3/* migrations/postgres/*
var migrationFS embed.FS

func migrateSQLite(ctx context.Context, cfg *config.Migrate, tablePrefix string) error {
	if cfg.Datasource == "" {
		return errors.New("migrate datasource is required")
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return fmt.Errorf("open sqlite connection for migration: %w", err)
	}
	defer db.Close()

	m := muz.Migrate{
		Path:      "migrations/sqlite3",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    migrateValues(cfg, tablePrefix),
	}

	driver := muz.NewSQLiteDriver(db, migrateTable(cfg, tablePrefix), slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func migratePostgres(ctx context.Context, cfg *config.Migrate, tablePrefix string, db *sql.DB) error {
	if db == nil {
		return errors.New("migrate database connection is nil")
	}

	m := muz.Migrate{
		Path:      "migrations/postgres",
		FS:        migrationFS,
		Extension: ".sql",
		Values:    migrateValues(cfg, tablePrefix),
	}

	driver := muz.NewPostgresDriver(db, migrateTable(cfg, tablePrefix), slog.Default())

	if err := m.Migrate(ctx, driver); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func migrateTable(cfg *config.Migrate, tablePrefix string) string {
	table := cfg.Table
	if table == "" {
		table = "migrations"
	}

	return tablePrefix + table
}

func migrateValues(cfg *config.Migrate, tablePrefix string) map[string]string {
	values := make(map[string]string, len(cfg.Values)+1)
	for k, v := range cfg.Values {
		values[k] = v
	}
	values["TABLE_PREFIX"] = tablePrefix

	return values
}
