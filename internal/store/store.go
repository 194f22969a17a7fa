// Package store selects and constructs the persistence backend.
package store

import (
	"context"
	"errors"

	"github.com/cipher982/zerg/internal/config"
	"github.com/cipher982/zerg/internal/crypto"
	"github.com/cipher982/zerg/internal/service"
	"github.com/cipher982/zerg/internal/store/sqlstore"
)

// Storer combines every persistence interface the core uses, plus Close.
type Storer interface {
	service.OwnerStorer
	service.AgentStorer
	service.ThreadStorer
	service.RunStorer
	service.TriggerStorer
	service.ConnectorStorer
	service.CredentialStorer
	service.WorkflowStorer
	service.NodeStateStorer
	service.CheckpointStorer
	Close()
}

// New creates a Storer from configuration. Exactly one backend must be
// configured; SQLite wins when both are set (development convenience).
func New(ctx context.Context, cfg config.Store, cipher *crypto.Cipher) (Storer, error) {
	switch {
	case cfg.SQLite != nil:
		return sqlstore.NewSQLite(ctx, cfg.SQLite, cipher)
	case cfg.Postgres != nil:
		return sqlstore.NewPostgres(ctx, cfg.Postgres, cipher)
	}

	return nil, errors.New("no store configured")
}
