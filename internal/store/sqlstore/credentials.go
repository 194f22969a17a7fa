package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Account credentials ───
//
// Values are encrypted on write and returned encrypted; the per-request
// credential resolver decrypts at the moment of use.

var accountCredColumns = []any{
	"id", "owner_id", "connector_type", "value", "display_name",
	"test_status", "disabled", "created_at", "updated_at",
}

func scanAccountCred(scan func(...any) error) (*service.AccountCredential, error) {
	var c service.AccountCredential
	var status string
	var disabled int
	if err := scan(&c.ID, &c.OwnerID, &c.ConnectorType, &c.Value, &c.DisplayName,
		&status, &disabled, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.TestStatus = service.TestStatus(status)
	c.Disabled = disabled != 0

	return &c, nil
}

func (s *SQLStore) ListAccountCredentials(ctx context.Context, ownerID string) ([]service.AccountCredential, error) {
	query, _, err := s.goqu.From(s.tableAccountCreds).
		Select(accountCredColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("connector_type").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list account credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list account credentials: %w", err)
	}
	defer rows.Close()

	var result []service.AccountCredential
	for rows.Next() {
		c, err := scanAccountCred(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan account credential row: %w", err)
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetAccountCredential(ctx context.Context, ownerID, connectorType string) (*service.AccountCredential, error) {
	query, _, err := s.goqu.From(s.tableAccountCreds).
		Select(accountCredColumns...).
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.I("connector_type").Eq(connectorType),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get account credential query: %w", err)
	}

	c, err := scanAccountCred(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account credential: %w", err)
	}

	return c, nil
}

func (s *SQLStore) UpsertAccountCredential(ctx context.Context, c service.AccountCredential) (*service.AccountCredential, error) {
	sealed, err := s.cipher.Seal(c.Value)
	if err != nil {
		return nil, fmt.Errorf("seal account credential: %w", err)
	}

	existing, err := s.GetAccountCredential(ctx, c.OwnerID, c.ConnectorType)
	if err != nil {
		return nil, err
	}

	now := nowRFC3339()

	if existing != nil {
		query, _, err := s.goqu.Update(s.tableAccountCreds).Set(
			goqu.Record{
				"value":        sealed,
				"display_name": c.DisplayName,
				"test_status":  string(service.TestUntested),
				"updated_at":   now,
			},
		).Where(goqu.I("id").Eq(existing.ID)).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build update account credential query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("update account credential: %w", err)
		}

		return s.GetAccountCredential(ctx, c.OwnerID, c.ConnectorType)
	}

	if c.ID == "" {
		c.ID = newID("cred")
	}
	if c.TestStatus == "" {
		c.TestStatus = service.TestUntested
	}

	disabled := 0
	if c.Disabled {
		disabled = 1
	}

	query, _, err := s.goqu.Insert(s.tableAccountCreds).Rows(
		goqu.Record{
			"id":             c.ID,
			"owner_id":       c.OwnerID,
			"connector_type": c.ConnectorType,
			"value":          sealed,
			"display_name":   c.DisplayName,
			"test_status":    string(c.TestStatus),
			"disabled":       disabled,
			"created_at":     now,
			"updated_at":     now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert account credential query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create account credential: %w", err)
	}

	c.Value = sealed
	c.CreatedAt = now
	c.UpdatedAt = now

	return &c, nil
}

// SetAccountCredentialDisabled flips the admin disable flag for an
// owner's connector type.
func (s *SQLStore) SetAccountCredentialDisabled(ctx context.Context, ownerID, connectorType string, disabled bool) error {
	flag := 0
	if disabled {
		flag = 1
	}

	query, _, err := s.goqu.Update(s.tableAccountCreds).Set(
		goqu.Record{
			"disabled":   flag,
			"updated_at": nowRFC3339(),
		},
	).Where(
		goqu.I("owner_id").Eq(ownerID),
		goqu.I("connector_type").Eq(connectorType),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build set credential disabled query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("set credential disabled: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("no %q credential for owner %q", connectorType, ownerID)
	}

	return nil
}

func (s *SQLStore) UpdateAccountCredentialStatus(ctx context.Context, id string, status service.TestStatus) error {
	query, _, err := s.goqu.Update(s.tableAccountCreds).Set(
		goqu.Record{
			"test_status": string(status),
			"updated_at":  nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update credential status query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update credential status %q: %w", id, err)
	}

	return nil
}

func (s *SQLStore) DeleteAccountCredential(ctx context.Context, ownerID, connectorType string) error {
	query, _, err := s.goqu.Delete(s.tableAccountCreds).
		Where(
			goqu.I("owner_id").Eq(ownerID),
			goqu.I("connector_type").Eq(connectorType),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete account credential query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete account credential: %w", err)
	}

	return nil
}

// ─── Agent credential overrides ───

var agentCredColumns = []any{
	"id", "agent_id", "owner_id", "connector_type", "value",
	"display_name", "test_status", "created_at", "updated_at",
}

func scanAgentCred(scan func(...any) error) (*service.AgentCredential, error) {
	var c service.AgentCredential
	var status string
	if err := scan(&c.ID, &c.AgentID, &c.OwnerID, &c.ConnectorType, &c.Value,
		&c.DisplayName, &status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	c.TestStatus = service.TestStatus(status)

	return &c, nil
}

func (s *SQLStore) ListAgentCredentials(ctx context.Context, agentID string) ([]service.AgentCredential, error) {
	query, _, err := s.goqu.From(s.tableAgentCreds).
		Select(agentCredColumns...).
		Where(goqu.I("agent_id").Eq(agentID)).
		Order(goqu.I("connector_type").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list agent credentials query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agent credentials: %w", err)
	}
	defer rows.Close()

	var result []service.AgentCredential
	for rows.Next() {
		c, err := scanAgentCred(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent credential row: %w", err)
		}
		result = append(result, *c)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetAgentCredential(ctx context.Context, agentID, connectorType string) (*service.AgentCredential, error) {
	query, _, err := s.goqu.From(s.tableAgentCreds).
		Select(agentCredColumns...).
		Where(
			goqu.I("agent_id").Eq(agentID),
			goqu.I("connector_type").Eq(connectorType),
		).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get agent credential query: %w", err)
	}

	c, err := scanAgentCred(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent credential: %w", err)
	}

	return c, nil
}

func (s *SQLStore) UpsertAgentCredential(ctx context.Context, c service.AgentCredential) (*service.AgentCredential, error) {
	sealed, err := s.cipher.Seal(c.Value)
	if err != nil {
		return nil, fmt.Errorf("seal agent credential: %w", err)
	}

	existing, err := s.GetAgentCredential(ctx, c.AgentID, c.ConnectorType)
	if err != nil {
		return nil, err
	}

	now := nowRFC3339()

	if existing != nil {
		query, _, err := s.goqu.Update(s.tableAgentCreds).Set(
			goqu.Record{
				"value":        sealed,
				"display_name": c.DisplayName,
				"test_status":  string(service.TestUntested),
				"updated_at":   now,
			},
		).Where(goqu.I("id").Eq(existing.ID)).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build update agent credential query: %w", err)
		}
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("update agent credential: %w", err)
		}

		return s.GetAgentCredential(ctx, c.AgentID, c.ConnectorType)
	}

	if c.ID == "" {
		c.ID = newID("cred")
	}
	if c.TestStatus == "" {
		c.TestStatus = service.TestUntested
	}

	query, _, err := s.goqu.Insert(s.tableAgentCreds).Rows(
		goqu.Record{
			"id":             c.ID,
			"agent_id":       c.AgentID,
			"owner_id":       c.OwnerID,
			"connector_type": c.ConnectorType,
			"value":          sealed,
			"display_name":   c.DisplayName,
			"test_status":    string(c.TestStatus),
			"created_at":     now,
			"updated_at":     now,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert agent credential query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create agent credential: %w", err)
	}

	c.Value = sealed
	c.CreatedAt = now
	c.UpdatedAt = now

	return &c, nil
}

func (s *SQLStore) DeleteAgentCredential(ctx context.Context, agentID, connectorType string) error {
	query, _, err := s.goqu.Delete(s.tableAgentCreds).
		Where(
			goqu.I("agent_id").Eq(agentID),
			goqu.I("connector_type").Eq(connectorType),
		).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete agent credential query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete agent credential: %w", err)
	}

	return nil
}
