package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Connector CRUD ───

var connectorColumns = []any{
	"id", "owner_id", "type", "provider", "credential", "config",
	"created_at", "updated_at",
}

func (s *SQLStore) scanConnector(scan func(...any) error) (*service.Connector, error) {
	var c service.Connector
	var credential, configJSON string
	if err := scan(&c.ID, &c.OwnerID, &c.Type, &c.Provider, &credential,
		&configJSON, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}

	// Credential stays encrypted in the record; callers decrypt with the
	// process key only at the moment of use.
	c.Credential = credential

	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &c.Config); err != nil {
			return nil, fmt.Errorf("unmarshal connector config for %q: %w", c.ID, err)
		}
	}

	return &c, nil
}

func (s *SQLStore) ListConnectors(ctx context.Context, ownerID string) ([]service.Connector, error) {
	query, _, err := s.goqu.From(s.tableConnectors).
		Select(connectorColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list connectors query: %w", err)
	}

	return s.queryConnectors(ctx, query)
}

func (s *SQLStore) queryConnectors(ctx context.Context, query string) ([]service.Connector, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list connectors: %w", err)
	}
	defer rows.Close()

	var result []service.Connector
	for rows.Next() {
		c, err := s.scanConnector(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan connector row: %w", err)
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetConnector(ctx context.Context, id string) (*service.Connector, error) {
	return s.getConnectorWhere(ctx, goqu.I("id").Eq(id))
}

func (s *SQLStore) GetConnectorByKey(ctx context.Context, ownerID, typ, provider string) (*service.Connector, error) {
	return s.getConnectorWhere(ctx,
		goqu.I("owner_id").Eq(ownerID),
		goqu.I("type").Eq(typ),
		goqu.I("provider").Eq(provider),
	)
}

func (s *SQLStore) getConnectorWhere(ctx context.Context, where ...goqu.Expression) (*service.Connector, error) {
	query, _, err := s.goqu.From(s.tableConnectors).
		Select(connectorColumns...).
		Where(where...).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get connector query: %w", err)
	}

	c, err := s.scanConnector(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get connector: %w", err)
	}

	return c, nil
}

// GetConnectorByEmail finds the connector whose config carries the given
// email_address. The address lives in the JSON config blob, so matching
// happens after decode.
func (s *SQLStore) GetConnectorByEmail(ctx context.Context, email string) (*service.Connector, error) {
	query, _, err := s.goqu.From(s.tableConnectors).
		Select(connectorColumns...).
		Where(goqu.I("type").Eq("email")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get connector by email query: %w", err)
	}

	all, err := s.queryConnectors(ctx, query)
	if err != nil {
		return nil, err
	}

	for i := range all {
		if addr, _ := all[i].Config["email_address"].(string); addr == email {
			return &all[i], nil
		}
	}

	return nil, nil
}

func (s *SQLStore) CreateConnector(ctx context.Context, c service.Connector) (*service.Connector, error) {
	if c.ID == "" {
		c.ID = newID("con")
	}
	now := nowRFC3339()
	c.CreatedAt = now
	c.UpdatedAt = now

	configJSON, err := json.Marshal(c.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal connector config: %w", err)
	}

	credential, err := s.cipher.Seal(c.Credential)
	if err != nil {
		return nil, fmt.Errorf("seal connector credential: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableConnectors).Rows(
		goqu.Record{
			"id":         c.ID,
			"owner_id":   c.OwnerID,
			"type":       c.Type,
			"provider":   c.Provider,
			"credential": credential,
			"config":     string(configJSON),
			"created_at": c.CreatedAt,
			"updated_at": c.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert connector query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create connector: %w", err)
	}

	c.Credential = credential

	return &c, nil
}

func (s *SQLStore) UpdateConnectorConfig(ctx context.Context, id string, config map[string]any) error {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal connector config: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableConnectors).Set(
		goqu.Record{
			"config":     string(configJSON),
			"updated_at": nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update connector config query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update connector config %q: %w", id, err)
	}

	return nil
}

func (s *SQLStore) DeleteConnector(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableConnectors).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete connector query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete connector %q: %w", id, err)
	}

	return nil
}

// ListExpiringWatches returns email connectors whose watch_expiry falls
// before the given RFC3339 instant.
func (s *SQLStore) ListExpiringWatches(ctx context.Context, before string) ([]service.Connector, error) {
	query, _, err := s.goqu.From(s.tableConnectors).
		Select(connectorColumns...).
		Where(goqu.I("type").Eq("email")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list expiring watches query: %w", err)
	}

	all, err := s.queryConnectors(ctx, query)
	if err != nil {
		return nil, err
	}

	var result []service.Connector
	for _, c := range all {
		expiry, _ := c.Config["watch_expiry"].(string)
		if expiry != "" && expiry < before {
			result = append(result, c)
		}
	}

	return result, nil
}
