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

// ─── Agent CRUD ───

type agentRow struct {
	ID                 string
	OwnerID            string
	Name               string
	Model              string
	SystemInstructions string
	TaskInstructions   string
	AllowedTools       string
	CronSchedule       string
	Status             string
	CreatedAt          string
	UpdatedAt          string
}

var agentColumns = []any{
	"id", "owner_id", "name", "model", "system_instructions",
	"task_instructions", "allowed_tools", "cron_schedule", "status",
	"created_at", "updated_at",
}

func scanAgent(scan func(...any) error) (*service.Agent, error) {
	var row agentRow
	if err := scan(&row.ID, &row.OwnerID, &row.Name, &row.Model, &row.SystemInstructions,
		&row.TaskInstructions, &row.AllowedTools, &row.CronSchedule, &row.Status,
		&row.CreatedAt, &row.UpdatedAt); err != nil {
		return nil, err
	}

	a := service.Agent{
		ID:                 row.ID,
		OwnerID:            row.OwnerID,
		Name:               row.Name,
		Model:              row.Model,
		SystemInstructions: row.SystemInstructions,
		TaskInstructions:   row.TaskInstructions,
		CronSchedule:       row.CronSchedule,
		Status:             service.AgentStatus(row.Status),
		CreatedAt:          row.CreatedAt,
		UpdatedAt:          row.UpdatedAt,
	}
	if row.AllowedTools != "" {
		if err := json.Unmarshal([]byte(row.AllowedTools), &a.AllowedTools); err != nil {
			return nil, fmt.Errorf("unmarshal allowed_tools for %q: %w", row.ID, err)
		}
	}

	return &a, nil
}

func (s *SQLStore) ListAgents(ctx context.Context, ownerID string) ([]service.Agent, error) {
	query, _, err := s.goqu.From(s.tableAgents).
		Select(agentColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list agents query: %w", err)
	}

	return s.queryAgents(ctx, query)
}

func (s *SQLStore) ListScheduledAgents(ctx context.Context) ([]service.Agent, error) {
	query, _, err := s.goqu.From(s.tableAgents).
		Select(agentColumns...).
		Where(goqu.I("cron_schedule").Neq("")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list scheduled agents query: %w", err)
	}

	return s.queryAgents(ctx, query)
}

func (s *SQLStore) queryAgents(ctx context.Context, query string) ([]service.Agent, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var result []service.Agent
	for rows.Next() {
		a, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent row: %w", err)
		}
		result = append(result, *a)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetAgent(ctx context.Context, id string) (*service.Agent, error) {
	query, _, err := s.goqu.From(s.tableAgents).
		Select(agentColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get agent query: %w", err)
	}

	a, err := scanAgent(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %q: %w", id, err)
	}

	return a, nil
}

func (s *SQLStore) CreateAgent(ctx context.Context, a service.Agent) (*service.Agent, error) {
	if a.ID == "" {
		a.ID = newID("agt")
	}
	if a.Status == "" {
		a.Status = service.AgentIdle
	}
	now := nowRFC3339()
	a.CreatedAt = now
	a.UpdatedAt = now

	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableAgents).Rows(
		goqu.Record{
			"id":                  a.ID,
			"owner_id":            a.OwnerID,
			"name":                a.Name,
			"model":               a.Model,
			"system_instructions": a.SystemInstructions,
			"task_instructions":   a.TaskInstructions,
			"allowed_tools":       string(tools),
			"cron_schedule":       a.CronSchedule,
			"status":              string(a.Status),
			"created_at":          a.CreatedAt,
			"updated_at":          a.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert agent query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create agent: %w", err)
	}

	return &a, nil
}

func (s *SQLStore) UpdateAgent(ctx context.Context, id string, a service.Agent) (*service.Agent, error) {
	tools, err := json.Marshal(a.AllowedTools)
	if err != nil {
		return nil, fmt.Errorf("marshal allowed_tools: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableAgents).Set(
		goqu.Record{
			"name":                a.Name,
			"model":               a.Model,
			"system_instructions": a.SystemInstructions,
			"task_instructions":   a.TaskInstructions,
			"allowed_tools":       string(tools),
			"cron_schedule":       a.CronSchedule,
			"updated_at":          nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update agent query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update agent %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return s.GetAgent(ctx, id)
}

func (s *SQLStore) UpdateAgentStatus(ctx context.Context, id string, status service.AgentStatus) error {
	query, _, err := s.goqu.Update(s.tableAgents).Set(
		goqu.Record{
			"status":     string(status),
			"updated_at": nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return fmt.Errorf("build update agent status query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("update agent status %q: %w", id, err)
	}

	return nil
}

func (s *SQLStore) DeleteAgent(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableAgents).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete agent query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete agent %q: %w", id, err)
	}

	return nil
}
