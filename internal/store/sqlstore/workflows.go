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

// ─── Workflow CRUD ───

var workflowColumns = []any{
	"id", "owner_id", "name", "description", "graph", "created_at", "updated_at",
}

func scanWorkflow(scan func(...any) error) (*service.Workflow, error) {
	var w service.Workflow
	var graphJSON string
	if err := scan(&w.ID, &w.OwnerID, &w.Name, &w.Description, &graphJSON,
		&w.CreatedAt, &w.UpdatedAt); err != nil {
		return nil, err
	}

	if graphJSON != "" {
		if err := json.Unmarshal([]byte(graphJSON), &w.Graph); err != nil {
			return nil, fmt.Errorf("unmarshal workflow graph for %q: %w", w.ID, err)
		}
	}

	return &w, nil
}

func (s *SQLStore) ListWorkflows(ctx context.Context, ownerID string) ([]service.Workflow, error) {
	query, _, err := s.goqu.From(s.tableWorkflows).
		Select(workflowColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("created_at").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list workflows query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list workflows: %w", err)
	}
	defer rows.Close()

	var result []service.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan workflow row: %w", err)
		}
		result = append(result, *w)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetWorkflow(ctx context.Context, id string) (*service.Workflow, error) {
	query, _, err := s.goqu.From(s.tableWorkflows).
		Select(workflowColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get workflow query: %w", err)
	}

	w, err := scanWorkflow(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow %q: %w", id, err)
	}

	return w, nil
}

func (s *SQLStore) CreateWorkflow(ctx context.Context, w service.Workflow) (*service.Workflow, error) {
	if w.ID == "" {
		w.ID = newID("wf")
	}
	now := nowRFC3339()
	w.CreatedAt = now
	w.UpdatedAt = now

	graphJSON, err := json.Marshal(w.Graph)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow graph: %w", err)
	}

	query, _, err := s.goqu.Insert(s.tableWorkflows).Rows(
		goqu.Record{
			"id":          w.ID,
			"owner_id":    w.OwnerID,
			"name":        w.Name,
			"description": w.Description,
			"graph":       string(graphJSON),
			"created_at":  w.CreatedAt,
			"updated_at":  w.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert workflow query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create workflow: %w", err)
	}

	return &w, nil
}

func (s *SQLStore) UpdateWorkflow(ctx context.Context, id string, w service.Workflow) (*service.Workflow, error) {
	graphJSON, err := json.Marshal(w.Graph)
	if err != nil {
		return nil, fmt.Errorf("marshal workflow graph: %w", err)
	}

	query, _, err := s.goqu.Update(s.tableWorkflows).Set(
		goqu.Record{
			"name":        w.Name,
			"description": w.Description,
			"graph":       string(graphJSON),
			"updated_at":  nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update workflow query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update workflow %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return s.GetWorkflow(ctx, id)
}

func (s *SQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableWorkflows).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete workflow query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete workflow %q: %w", id, err)
	}

	return nil
}
