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

// ─── Trigger CRUD ───

var triggerColumns = []any{
	"id", "owner_id", "agent_id", "type", "secret", "config",
	"created_at", "updated_at",
}

func (s *SQLStore) scanTrigger(scan func(...any) error) (*service.Trigger, error) {
	var t service.Trigger
	var typ, secret, configJSON string
	if err := scan(&t.ID, &t.OwnerID, &t.AgentID, &typ, &secret, &configJSON,
		&t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Type = service.TriggerType(typ)

	if secret != "" {
		plain, err := s.cipher.Open(secret)
		if err != nil {
			return nil, fmt.Errorf("open trigger secret for %q: %w", t.ID, err)
		}
		t.Secret = plain
	}

	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &t.Config); err != nil {
			return nil, fmt.Errorf("unmarshal trigger config for %q: %w", t.ID, err)
		}
	}

	return &t, nil
}

func (s *SQLStore) queryTriggers(ctx context.Context, query string) ([]service.Trigger, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list triggers: %w", err)
	}
	defer rows.Close()

	var result []service.Trigger
	for rows.Next() {
		t, err := s.scanTrigger(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan trigger row: %w", err)
		}
		result = append(result, *t)
	}

	return result, rows.Err()
}

func (s *SQLStore) ListTriggers(ctx context.Context, ownerID string) ([]service.Trigger, error) {
	query, _, err := s.goqu.From(s.tableTriggers).
		Select(triggerColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list triggers query: %w", err)
	}

	return s.queryTriggers(ctx, query)
}

func (s *SQLStore) ListTriggersByAgent(ctx context.Context, agentID string) ([]service.Trigger, error) {
	query, _, err := s.goqu.From(s.tableTriggers).
		Select(triggerColumns...).
		Where(goqu.I("agent_id").Eq(agentID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list triggers by agent query: %w", err)
	}

	return s.queryTriggers(ctx, query)
}

// ListEmailTriggers returns email triggers whose config references the
// given connector. The connector id lives inside the JSON config blob,
// so the filter happens after decode.
func (s *SQLStore) ListEmailTriggers(ctx context.Context, connectorID string) ([]service.Trigger, error) {
	query, _, err := s.goqu.From(s.tableTriggers).
		Select(triggerColumns...).
		Where(goqu.I("type").Eq(string(service.TriggerEmail))).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list email triggers query: %w", err)
	}

	all, err := s.queryTriggers(ctx, query)
	if err != nil {
		return nil, err
	}

	var result []service.Trigger
	for _, t := range all {
		if ref, _ := t.Config["connector_id"].(string); ref == connectorID {
			result = append(result, t)
		}
	}

	return result, nil
}

func (s *SQLStore) GetTrigger(ctx context.Context, id string) (*service.Trigger, error) {
	query, _, err := s.goqu.From(s.tableTriggers).
		Select(triggerColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get trigger query: %w", err)
	}

	t, err := s.scanTrigger(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get trigger %q: %w", id, err)
	}

	return t, nil
}

func (s *SQLStore) CreateTrigger(ctx context.Context, t service.Trigger) (*service.Trigger, error) {
	if t.ID == "" {
		t.ID = newID("trg")
	}
	now := nowRFC3339()
	t.CreatedAt = now
	t.UpdatedAt = now

	configJSON, err := json.Marshal(t.Config)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger config: %w", err)
	}

	secret, err := s.cipher.Seal(t.Secret)
	if err != nil {
		return nil, fmt.Errorf("seal trigger secret: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableTriggers).Rows(
		goqu.Record{
			"id":         t.ID,
			"owner_id":   t.OwnerID,
			"agent_id":   t.AgentID,
			"type":       string(t.Type),
			"secret":     secret,
			"config":     string(configJSON),
			"created_at": t.CreatedAt,
			"updated_at": t.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert trigger query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create trigger: %w", err)
	}

	return &t, nil
}

func (s *SQLStore) DeleteTrigger(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableTriggers).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete trigger query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete trigger %q: %w", id, err)
	}

	return nil
}
