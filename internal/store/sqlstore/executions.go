package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Node execution states ───

var nodeStateColumns = []any{
	"run_id", "node_id", "phase", "output_envelope", "error",
	"started_at", "finished_at",
}

func (s *SQLStore) ListNodeStates(ctx context.Context, runID string) ([]service.NodeExecutionState, error) {
	query, _, err := s.goqu.From(s.tableNodeStates).
		Select(nodeStateColumns...).
		Where(goqu.I("run_id").Eq(runID)).
		Order(goqu.I("node_id").Asc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list node states query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list node states: %w", err)
	}
	defer rows.Close()

	var result []service.NodeExecutionState
	for rows.Next() {
		var st service.NodeExecutionState
		var phase string
		if err := rows.Scan(&st.RunID, &st.NodeID, &phase, &st.OutputEnvelope,
			&st.Error, &st.StartedAt, &st.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan node state row: %w", err)
		}
		st.Phase = service.NodePhase(phase)
		result = append(result, st)
	}

	return result, rows.Err()
}

// UpsertNodeState writes one (run, node) record, replacing any earlier
// phase. Phase transitions are enforced by the engine; the store only
// persists.
func (s *SQLStore) UpsertNodeState(ctx context.Context, st service.NodeExecutionState) error {
	deleteQuery, _, err := s.goqu.Delete(s.tableNodeStates).Where(
		goqu.I("run_id").Eq(st.RunID),
		goqu.I("node_id").Eq(st.NodeID),
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete node state query: %w", err)
	}

	insertQuery, _, err := s.goqu.Insert(s.tableNodeStates).Rows(
		goqu.Record{
			"run_id":          st.RunID,
			"node_id":         st.NodeID,
			"phase":           string(st.Phase),
			"output_envelope": st.OutputEnvelope,
			"error":           st.Error,
			"started_at":      st.StartedAt,
			"finished_at":     st.FinishedAt,
		},
	).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert node state query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin node state transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("replace node state: %w", err)
	}
	if _, err := tx.ExecContext(ctx, insertQuery); err != nil {
		return fmt.Errorf("insert node state: %w", err)
	}

	return tx.Commit()
}

// ─── Checkpoints ───

func (s *SQLStore) SaveCheckpoint(ctx context.Context, threadID string, state []byte) error {
	deleteQuery, _, err := s.goqu.Delete(s.tableCheckpoints).
		Where(goqu.I("thread_id").Eq(threadID)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete checkpoint query: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin checkpoint transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, deleteQuery); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	insertQuery, args, err := s.goqu.Insert(s.tableCheckpoints).Rows(
		goqu.Record{
			"thread_id":  threadID,
			"state":      state,
			"updated_at": nowRFC3339(),
		},
	).Prepared(true).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert checkpoint query: %w", err)
	}

	if _, err := tx.ExecContext(ctx, insertQuery, args...); err != nil {
		return fmt.Errorf("insert checkpoint: %w", err)
	}

	return tx.Commit()
}

func (s *SQLStore) LoadCheckpoint(ctx context.Context, threadID string) ([]byte, error) {
	query, args, err := s.goqu.From(s.tableCheckpoints).
		Select("state").
		Where(goqu.I("thread_id").Eq(threadID)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build load checkpoint query: %w", err)
	}

	var state []byte
	err = s.db.QueryRowContext(ctx, query, args...).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %q: %w", threadID, err)
	}

	return state, nil
}
