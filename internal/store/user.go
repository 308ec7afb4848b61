package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
)

// UpsertUser records a user seen through the identity boundary. The display
// name and role are refreshed on every call.
func (s *Store) UpsertUser(ctx context.Context, u model.User) error {
	if u.Role == "" {
		u.Role = model.RoleLearner
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, display_name, role, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   display_name = CASE WHEN excluded.display_name = '' THEN users.display_name ELSE excluded.display_name END,
		   role = excluded.role`,
		u.ID, u.DisplayName, u.Role, s.now().UTC(),
	)
	if err != nil {
		slog.Error("failed to upsert user", "user_id", u.ID, "error", err)
		return apperr.Persistence("upsert user", err)
	}
	return nil
}

// GetUser returns a user by ID, or nil if unknown.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	err := s.db.QueryRowContext(ctx,
		`SELECT id, display_name, role, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.DisplayName, &u.Role, &u.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("get user", err)
	}
	return &u, nil
}

// ListUsers returns all users ordered by ID.
func (s *Store) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, display_name, role, created_at FROM users ORDER BY id`)
	if err != nil {
		return nil, apperr.Persistence("list users", err)
	}
	defer rows.Close()
	var users []model.User
	for rows.Next() {
		var u model.User
		if err := rows.Scan(&u.ID, &u.DisplayName, &u.Role, &u.CreatedAt); err != nil {
			return nil, apperr.Persistence("list users", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
