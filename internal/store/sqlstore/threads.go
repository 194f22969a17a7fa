package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Thread CRUD ───

var threadColumns = []any{
	"id", "owner_id", "agent_id", "title", "kind", "agent_state",
	"memory_strategy", "wake_condition", "created_at", "updated_at",
}

func scanThread(scan func(...any) error) (*service.Thread, error) {
	var t service.Thread
	var kind string
	if err := scan(&t.ID, &t.OwnerID, &t.AgentID, &t.Title, &kind, &t.AgentState,
		&t.MemoryStrategy, &t.WakeCondition, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Kind = service.ThreadKind(kind)

	return &t, nil
}

func (s *SQLStore) ListThreads(ctx context.Context, ownerID string) ([]service.Thread, error) {
	query, _, err := s.goqu.From(s.tableThreads).
		Select(threadColumns...).
		Where(goqu.I("owner_id").Eq(ownerID)).
		Order(goqu.I("updated_at").Desc()).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list threads query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	var result []service.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}
		result = append(result, *t)
	}

	return result, rows.Err()
}

func (s *SQLStore) GetThread(ctx context.Context, id string) (*service.Thread, error) {
	query, _, err := s.goqu.From(s.tableThreads).
		Select(threadColumns...).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get thread query: %w", err)
	}

	t, err := scanThread(s.db.QueryRowContext(ctx, query).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread %q: %w", id, err)
	}

	return t, nil
}

func (s *SQLStore) CreateThread(ctx context.Context, t service.Thread) (*service.Thread, error) {
	if t.ID == "" {
		t.ID = newID("thr")
	}
	if t.Kind == "" {
		t.Kind = service.ThreadChat
	}
	now := nowRFC3339()
	t.CreatedAt = now
	t.UpdatedAt = now

	query, _, err := s.goqu.Insert(s.tableThreads).Rows(
		goqu.Record{
			"id":              t.ID,
			"owner_id":        t.OwnerID,
			"agent_id":        t.AgentID,
			"title":           t.Title,
			"kind":            string(t.Kind),
			"agent_state":     t.AgentState,
			"memory_strategy": t.MemoryStrategy,
			"wake_condition":  t.WakeCondition,
			"created_at":      t.CreatedAt,
			"updated_at":      t.UpdatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert thread query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}

	return &t, nil
}

func (s *SQLStore) UpdateThread(ctx context.Context, id string, t service.Thread) (*service.Thread, error) {
	query, _, err := s.goqu.Update(s.tableThreads).Set(
		goqu.Record{
			"title":           t.Title,
			"agent_state":     t.AgentState,
			"memory_strategy": t.MemoryStrategy,
			"wake_condition":  t.WakeCondition,
			"updated_at":      nowRFC3339(),
		},
	).Where(goqu.I("id").Eq(id)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build update thread query: %w", err)
	}

	res, err := s.db.ExecContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("update thread %q: %w", id, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil
	}

	return s.GetThread(ctx, id)
}

// DeleteThread cascades to the thread's messages (FK ON DELETE CASCADE).
func (s *SQLStore) DeleteThread(ctx context.Context, id string) error {
	query, _, err := s.goqu.Delete(s.tableThreads).
		Where(goqu.I("id").Eq(id)).
		ToSQL()
	if err != nil {
		return fmt.Errorf("build delete thread query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("delete thread %q: %w", id, err)
	}

	return nil
}

// ListDueWakes scans threads with a time-based wake condition whose
// wake_at is at or before now.
func (s *SQLStore) ListDueWakes(ctx context.Context, now string) ([]service.Thread, error) {
	query, _, err := s.goqu.From(s.tableThreads).
		Select(threadColumns...).
		Where(goqu.I("wake_condition").Neq("")).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list due wakes query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list due wakes: %w", err)
	}
	defer rows.Close()

	var result []service.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan thread row: %w", err)
		}

		var wake struct {
			Type   string `json:"type"`
			WakeAt string `json:"wake_at"`
		}
		if err := json.Unmarshal([]byte(t.WakeCondition), &wake); err != nil {
			continue
		}
		if wake.Type == "time" && wake.WakeAt != "" && wake.WakeAt <= now {
			result = append(result, *t)
		}
	}

	return result, rows.Err()
}

// ─── Messages ───

var messageColumns = []any{
	"id", "thread_id", "role", "content", "tool_calls", "tool_call_id",
	"name", "parent_id", "sent_at",
}

func scanMessage(scan func(...any) error) (*service.StoredMessage, error) {
	var m service.StoredMessage
	var role, toolCalls string
	if err := scan(&m.ID, &m.ThreadID, &role, &m.Content, &toolCalls,
		&m.ToolCallID, &m.Name, &m.ParentID, &m.SentAt); err != nil {
		return nil, err
	}
	m.Role = service.MessageRole(role)

	if toolCalls != "" {
		if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("unmarshal tool_calls for %q: %w", m.ID, err)
		}
	}

	return &m, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, threadID string, limit, offset int) ([]service.StoredMessage, error) {
	ds := s.goqu.From(s.tableMessages).
		Select(messageColumns...).
		Where(goqu.I("thread_id").Eq(threadID)).
		Order(goqu.I("sent_at").Asc(), goqu.I("id").Asc())

	if limit > 0 {
		ds = ds.Limit(uint(limit))
	}
	if offset > 0 {
		ds = ds.Offset(uint(offset))
	}

	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build list messages query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var result []service.StoredMessage
	for rows.Next() {
		m, err := scanMessage(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		result = append(result, *m)
	}

	return result, rows.Err()
}

// AppendMessages inserts the batch in order inside one transaction,
// assigning strictly monotonic sent_at values per thread.
func (s *SQLStore) AppendMessages(ctx context.Context, threadID string, msgs []service.StoredMessage) ([]service.StoredMessage, error) {
	if len(msgs) == 0 {
		return nil, nil
	}

	s.sentAtMu.Lock()
	defer s.sentAtMu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin append transaction: %w", err)
	}
	defer tx.Rollback()

	// Find the latest sent_at so the new batch sorts strictly after it.
	maxQuery, _, err := s.goqu.From(s.tableMessages).
		Select(goqu.MAX("sent_at")).
		Where(goqu.I("thread_id").Eq(threadID)).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build max sent_at query: %w", err)
	}

	var lastSentAt sql.NullString
	if err := tx.QueryRowContext(ctx, maxQuery).Scan(&lastSentAt); err != nil {
		return nil, fmt.Errorf("query max sent_at: %w", err)
	}

	cursor := time.Now().UTC()
	if lastSentAt.Valid {
		if prev, err := time.Parse(sentAtFormat, strings.TrimSpace(lastSentAt.String)); err == nil && !cursor.After(prev) {
			cursor = prev.Add(time.Microsecond)
		}
	}

	out := make([]service.StoredMessage, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			m.ID = newID("msg")
		}
		m.ThreadID = threadID
		m.SentAt = cursor.Format(sentAtFormat)
		cursor = cursor.Add(time.Microsecond)

		toolCalls := ""
		if len(m.ToolCalls) > 0 {
			data, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return nil, fmt.Errorf("marshal tool_calls: %w", err)
			}
			toolCalls = string(data)
		}

		query, _, err := s.goqu.Insert(s.tableMessages).Rows(
			goqu.Record{
				"id":           m.ID,
				"thread_id":    m.ThreadID,
				"role":         string(m.Role),
				"content":      m.Content,
				"tool_calls":   toolCalls,
				"tool_call_id": m.ToolCallID,
				"name":         m.Name,
				"parent_id":    m.ParentID,
				"sent_at":      m.SentAt,
			},
		).ToSQL()
		if err != nil {
			return nil, fmt.Errorf("build insert message query: %w", err)
		}

		if _, err := tx.ExecContext(ctx, query); err != nil {
			return nil, fmt.Errorf("insert message: %w", err)
		}

		out = append(out, m)
	}

	touchQuery, _, err := s.goqu.Update(s.tableThreads).Set(
		goqu.Record{"updated_at": nowRFC3339()},
	).Where(goqu.I("id").Eq(threadID)).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build touch thread query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, touchQuery); err != nil {
		return nil, fmt.Errorf("touch thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit append transaction: %w", err)
	}

	return out, nil
}
