// Package sqlstore implements the persistence layer on SQLite and
// PostgreSQL through one goqu-based query body. The dialect and driver
// differ; every query is shared.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/crypto"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/doug-martin/goqu/v9/exp"
)

var DefaultTablePrefix = "zerg_"

// sentAtFormat is a fixed-width UTC timestamp so lexicographic order
// equals chronological order for message sent_at values.
const sentAtFormat = "2006-01-02T15:04:05.000000Z"

// SQLStore implements store.Storer over a SQL database.
type SQLStore struct {
	db      *sql.DB
	goqu    *goqu.Database
	dialect string

	tableOwners      exp.IdentifierExpression
	tableAgents      exp.IdentifierExpression
	tableThreads     exp.IdentifierExpression
	tableMessages    exp.IdentifierExpression
	tableRuns        exp.IdentifierExpression
	tableTriggers    exp.IdentifierExpression
	tableConnectors  exp.IdentifierExpression
	tableAccountCreds exp.IdentifierExpression
	tableAgentCreds  exp.IdentifierExpression
	tableWorkflows   exp.IdentifierExpression
	tableNodeStates  exp.IdentifierExpression
	tableCheckpoints exp.IdentifierExpression

	// cipher seals credential values, trigger secrets, and connector
	// refresh tokens at rest.
	cipher *crypto.Cipher

	// sentAtMu serializes message appends so sent_at stays strictly
	// monotonic per thread even under concurrent writers.
	sentAtMu sync.Mutex
}

// NewSQLite opens (and migrates) a SQLite-backed store.
func NewSQLite(ctx context.Context, cfg *config.StoreSQLite, cipher *crypto.Cipher) (*SQLStore, error) {
	if cfg == nil {
		return nil, errors.New("sqlite configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("sqlite datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	migrate := cfg.Migrate
	if migrate.Datasource == "" {
		migrate.Datasource = cfg.Datasource
	}
	if err := migrateSQLite(ctx, &migrate, tablePrefix); err != nil {
		return nil, fmt.Errorf("migrate store sqlite: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open sqlite connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL for concurrent readers; single writer connection.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()

		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		db.Close()

		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	slog.Info("connected to store sqlite")

	return newStore(db, "sqlite3", tablePrefix, cipher), nil
}

// NewPostgres opens (and migrates) a PostgreSQL-backed store via pgx.
func NewPostgres(ctx context.Context, cfg *config.StorePostgres, cipher *crypto.Cipher) (*SQLStore, error) {
	if cfg == nil {
		return nil, errors.New("postgres configuration is nil")
	}
	if cfg.Datasource == "" {
		return nil, errors.New("postgres datasource is required")
	}

	tablePrefix := DefaultTablePrefix
	if cfg.TablePrefix != nil {
		tablePrefix = *cfg.TablePrefix
	}

	db, err := sql.Open("pgx", cfg.Datasource)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}

	if cfg.ConnMaxLifetime != nil {
		db.SetConnMaxLifetime(*cfg.ConnMaxLifetime)
	}
	if cfg.MaxIdleConns != nil {
		db.SetMaxIdleConns(*cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns != nil {
		db.SetMaxOpenConns(*cfg.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()

		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	migrate := cfg.Migrate
	if err := migratePostgres(ctx, &migrate, tablePrefix, db); err != nil {
		db.Close()

		return nil, fmt.Errorf("migrate store postgres: %w", err)
	}

	slog.Info("connected to store postgres")

	return newStore(db, "postgres", tablePrefix, cipher), nil
}

func newStore(db *sql.DB, dialect, tablePrefix string, cipher *crypto.Cipher) *SQLStore {
	if cipher == nil {
		cipher = crypto.Disabled()
	}

	return &SQLStore{
		db:                db,
		goqu:              goqu.New(dialect, db),
		dialect:           dialect,
		tableOwners:       goqu.T(tablePrefix + "owners"),
		tableAgents:       goqu.T(tablePrefix + "agents"),
		tableThreads:      goqu.T(tablePrefix + "threads"),
		tableMessages:     goqu.T(tablePrefix + "messages"),
		tableRuns:         goqu.T(tablePrefix + "runs"),
		tableTriggers:     goqu.T(tablePrefix + "triggers"),
		tableConnectors:   goqu.T(tablePrefix + "connectors"),
		tableAccountCreds: goqu.T(tablePrefix + "account_credentials"),
		tableAgentCreds:   goqu.T(tablePrefix + "agent_credential_overrides"),
		tableWorkflows:    goqu.T(tablePrefix + "workflows"),
		tableNodeStates:   goqu.T(tablePrefix + "node_execution_states"),
		tableCheckpoints:  goqu.T(tablePrefix + "checkpoints"),
		cipher:            cipher,
	}
}

func (s *SQLStore) Close() {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			slog.Error("close store connection", "error", err)
		}
	}
}

// newID mints a prefixed ULID (e.g. "agt_01J...").
func newID(prefix string) string {
	return prefix + "_" + ulid.Make().String()
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}
