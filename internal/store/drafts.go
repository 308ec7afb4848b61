package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
)

// Drafts is the local draft cache backed by the drafts table.
type Drafts struct {
	s *Store
}

// Drafts returns the draft cache sharing this store's database.
func (s *Store) Drafts() *Drafts {
	return &Drafts{s: s}
}

// Save stores the latest local copy of a draft, replacing any previous one.
func (d *Drafts) Save(ctx context.Context, userID string, t model.ExerciseType, data []byte) error {
	_, err := d.s.db.ExecContext(ctx,
		`INSERT INTO drafts (user_id, exercise_type, data, saved_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, exercise_type) DO UPDATE SET data = excluded.data, saved_at = excluded.saved_at`,
		userID, t, string(data), d.s.now().UTC(),
	)
	if err != nil {
		return apperr.Persistence("save draft", err)
	}
	return nil
}

// Load returns the cached draft and when it was saved. data is nil if none.
func (d *Drafts) Load(ctx context.Context, userID string, t model.ExerciseType) ([]byte, time.Time, error) {
	var (
		data    string
		savedAt time.Time
	)
	err := d.s.db.QueryRowContext(ctx,
		`SELECT data, saved_at FROM drafts WHERE user_id = ? AND exercise_type = ?`, userID, t,
	).Scan(&data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, time.Time{}, nil
	}
	if err != nil {
		return nil, time.Time{}, apperr.Persistence("load draft", err)
	}
	return []byte(data), savedAt, nil
}

// Delete drops the cached draft, if any.
func (d *Drafts) Delete(ctx context.Context, userID string, t model.ExerciseType) error {
	_, err := d.s.db.ExecContext(ctx,
		`DELETE FROM drafts WHERE user_id = ? AND exercise_type = ?`, userID, t)
	if err != nil {
		return apperr.Persistence("delete draft", err)
	}
	return nil
}
