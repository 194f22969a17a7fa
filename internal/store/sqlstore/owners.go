package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/doug-martin/goqu/v9"

	"github.com/cipher982/zerg/internal/service"
)

// ─── Owner CRUD ───

var ownerColumns = []any{"id", "email", "role", "created_at"}

func (s *SQLStore) GetOwner(ctx context.Context, id string) (*service.Owner, error) {
	return s.getOwnerWhere(ctx, goqu.I("id").Eq(id))
}

func (s *SQLStore) GetOwnerByEmail(ctx context.Context, email string) (*service.Owner, error) {
	return s.getOwnerWhere(ctx, goqu.I("email").Eq(email))
}

func (s *SQLStore) getOwnerWhere(ctx context.Context, where goqu.Expression) (*service.Owner, error) {
	query, _, err := s.goqu.From(s.tableOwners).
		Select(ownerColumns...).
		Where(where).
		ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build get owner query: %w", err)
	}

	var o service.Owner
	var role string
	err = s.db.QueryRowContext(ctx, query).Scan(&o.ID, &o.Email, &role, &o.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get owner: %w", err)
	}
	o.Role = service.Role(role)

	return &o, nil
}

func (s *SQLStore) CreateOwner(ctx context.Context, o service.Owner) (*service.Owner, error) {
	if o.ID == "" {
		o.ID = newID("own")
	}
	if o.Role == "" {
		o.Role = service.RoleUser
	}
	o.CreatedAt = nowRFC3339()

	query, _, err := s.goqu.Insert(s.tableOwners).Rows(
		goqu.Record{
			"id":         o.ID,
			"email":      o.Email,
			"role":       string(o.Role),
			"created_at": o.CreatedAt,
		},
	).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build insert owner query: %w", err)
	}

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}

	return &o, nil
}
