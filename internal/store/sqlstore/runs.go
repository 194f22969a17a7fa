package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/worldline-go/types"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Run CRUD ───

var runColumns = []any{
	"id", "owner_id", "agent_id", "workflow_id", "thread_id", "status",
	"trigger_source", "started_at", "finished_at", "duration_ms",
	"total_tokens", "total_cost_usd", "summary", "error",
}

func scanRun(scan func(...any) error) (*service.Run, error) {
	var r service.Run
	var status, source string
	var finishedAt sql.NullString
	var durationMS, totalTokens sql.NullInt64
	var totalCost sql.NullFloat64

	if err := scan(&r.ID, &r.OwnerID, &r.AgentID, &r.WorkflowID, &r.ThreadID,
		&status, &source, &r.StartedAt, &finishedAt, &durationMS,
		&totalTokens, &totalCost, &r.Summary, &r.Error); err != nil {
		return nil, err
	}

	r.Status = service.RunStatus(status)
	r.TriggerSource = service.TriggerSource(source)

	if finishedAt.Valid {
		if t, err := time.Parse(time.RFC3339, finishedAt.String); err == nil {
			r.FinishedAt = types.NewTimeNull(t)
		}
	}
	if durationMS.Valid {
		r.DurationMS = types.Null[int64]{V: durationMS.Int64, Valid: true}
	}
	if totalTokens.Valid {
		r.TotalTokens = types.Null[int64]{V: totalTokens.Int64, Valid: true}
	}
	if totalCost.Valid {
		r.TotalCostUSD = types.Null[float64]{V: totalCost.Float64, Valid: true}
	}

	return &r, nil
}

func (s *SQLStore) ListRuns(ctx context.Context, ownerID string, limit int) ([]service.Run, error) {
	ds := s.goqu.From(s.tableRuns).
		Select(runColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("started_at").Desc())
	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list runs query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var result []service.Run
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run row: %w", err)
		}
		result = append(result, *r)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetRun(ctx context.Context, id string) (*service.Run, error) {
	query, _, err := s.goqu.From(s.tableRuns).
		Select(runColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get run query: %w", err)
	}

	r, err := scanRun(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run %q: %w", id, err)
	}

	return r, nil
}

func (s *SQLStore) CreateRun(ctx context.Context, r service.Run) (*service.Run, error) {
	if r.ID == "" {
		r.ID = newID("run")
	}
	if r.Status == "" {
		r.Status = service.RunQueued
	}
	if r.StartedAt == "" {
		r.StartedAt = nowRFC3339()
	}

	query, _, err := s.goqu.Insert(s.tableRuns).Rows(
		goqu.Record{
			"id":             r.ID,
			"owner_id":       r.OwnerID,
			"agent_id":       r.AgentID,
			"workflow_id":    r.WorkflowID,
			"thread_id":      r.ThreadID,
			"status":         string(r.Status),
			"trigger_source": string(r.TriggerSource),
			"started_at":     r.StartedAt,
			"finished_at":    nil,
			"duration_ms":    nil,
			"total_tokens":   nil,
			"total_cost_usd": nil,
			"summary":        "",
			"error":          "",
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert run query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	return &r, nil
}

func (s *SQLStore) MarkRunRunning(ctx context.Context, id string) error {
	query, _, err := s.goqu.Update(s.tableRuns).Set(
		goqu.Record{"status": string(service.RunRunning)},
	).Where(
		goqu.I("id").Eq(id),
		goqu.I("status").Eq(string(service.RunQueued)),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build mark running query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("mark run running %q: %w", id, err)
	}

	return nil
}

// FinishRun writes the terminal status and totals. Terminal rows are
// immutable: the WHERE clause only matches non-terminal statuses, and a
// zero-row update is reported as a conflict.
func (s *SQLStore) FinishRun(ctx context.Context, id string, status service.RunStatus, totals service.RunTotals) error {
	if !status.IsTerminal() {
		return fmt.Errorf("finish run %q: status %q is not terminal", id, status)
	}

	record := goqu.Record{
		"status":      string(status),
		"finished_at": nowRFC3339(),
		"duration_ms": totals.DurationMS,
		"summary":     totals.Summary,
		"error":       totals.Error,
	}
	if totals.TotalTokens.Valid {
		record["total_tokens"] = totals.TotalTokens.V
	}
	if totals.TotalCostUSD.Valid {
		record["total_cost_usd"] = totals.TotalCostUSD.V
	}

	query, _, err := s.goqu.Update(s.tableRuns).Set(record).Where(
		goqu.I("id").Eq(id),
		goqu.I("status").In(string(service.RunQueued), string(service.RunRunning)),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build finish run query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return fmt.Errorf("finish run %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("finish run %q: run missing or already terminal", id)
	}

	return nil
}

func (s *SQLStore) CountRunsStartedToday(ctx context.Context, ownerID string) (int, error) {
	ds := s.goqu.From(s.tableRuns).
		Select(goqu.COUNT("*")).
		Where(goqu.I("started_at").Gte(startOfDayUTC()))
	if ownerID != "" {
		ds = ds.Where(goqu.I("owner_id").Eq(ownerID))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build count runs query: %w", err)
	}

	var count int
	if err := s.db.QueryRowContext(ctx, query).Scan(&count); err != nil {
		return 0, fmt.Errorf("count runs: %w", err)
	}

	return count, nil
}

func (s *SQLStore) SumCostToday(ctx context.Context, ownerID string) (float64, error) {
	ds := s.goqu.From(s.tableRuns).
		Select(goqu.COALESCE(goqu.SUM("total_cost_usd"), 0)).
		Where(goqu.I("started_at").Gte(startOfDayUTC()))
	if ownerID != "" {
		ds = ds.Where(goqu.I("owner_id").Eq(ownerID))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build sum cost query: %w", err)
	}

	var sum float64
	if err := s.db.QueryRowContext(ctx, query).Scan(&sum); err != nil {
		return 0, fmt.Errorf("sum cost: %w", err)
	}

	return sum, nil
}

func startOfDayUTC() string {
	now := time.Now().UTC()

	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Format(time.RFC3339)
}
