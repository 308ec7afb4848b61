package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/live"

	_ "modernc.org/sqlite"
)

// Publisher receives every committed document change.
type Publisher interface {
	Publish(ctx context.Context, c live.Change) error
}

// Document is a stored JSON document addressed by path.
type Document struct {
	Path      string
	UserID    string
	Data      json.RawMessage
	Version   int64
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Store is a small document store over SQLite. Writes to a document are
// serialized and published in commit order.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	pub Publisher
	now func() time.Time
}

func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One connection: keeps ":memory:" databases shared and writes serialized.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetPublisher registers the receiver of committed changes.
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	s.pub = p
	s.mu.Unlock()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		path TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		data TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS documents_user_id ON documents(user_id);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'learner',
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS drafts (
		user_id TEXT NOT NULL,
		exercise_type TEXT NOT NULL,
		data TEXT NOT NULL,
		saved_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, exercise_type)
	);

	CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetDocument returns the document at path, or nil if it does not exist.
func (s *Store) GetDocument(ctx context.Context, path string) (*Document, error) {
	d, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT path, user_id, data, version, created_at, updated_at FROM documents WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Persistence("get document", err)
	}
	return d, nil
}

// CreateDocument inserts data at path unless a document already exists there.
// It returns the stored document and whether this call created it.
func (s *Store) CreateDocument(ctx context.Context, path, userID string, data map[string]any) (*Document, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	fields := make(map[string]json.RawMessage, len(data)+3)
	if err := mergeFields(fields, data); err != nil {
		return nil, false, err
	}
	if err := stamp(fields, 1, now); err != nil {
		return nil, false, err
	}
	fields["createdAt"], _ = json.Marshal(now)
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, false, fmt.Errorf("marshal document: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (path, user_id, data, version, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT(path) DO NOTHING`,
		path, userID, string(raw), now, now,
	)
	if err != nil {
		return nil, false, apperr.Persistence("create document", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, false, apperr.Persistence("create document", err)
	}

	d, err := s.GetDocument(ctx, path)
	if err != nil {
		return nil, false, err
	}
	if d == nil {
		return nil, false, &apperr.NotFoundError{Path: path}
	}
	if n == 1 {
		s.publish(ctx, live.Change{Key: path, Event: live.EventCreated, Version: d.Version, Data: d.Data})
	}
	return d, n == 1, nil
}

// MergeDocument overwrites the given top-level fields of the document at path.
// Nil values are skipped, never stored. updatedAt and version are always
// refreshed.
func (s *Store) MergeDocument(ctx context.Context, path string, data map[string]any) (*Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, apperr.Persistence("merge document", err)
	}
	defer tx.Rollback()

	cur, err := scanDocument(tx.QueryRowContext(ctx,
		`SELECT path, user_id, data, version, created_at, updated_at FROM documents WHERE path = ?`, path))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Path: path}
	}
	if err != nil {
		return nil, apperr.Persistence("merge document", err)
	}

	fields := make(map[string]json.RawMessage)
	if err := json.Unmarshal(cur.Data, &fields); err != nil {
		return nil, fmt.Errorf("decode stored document %s: %w", path, err)
	}
	if err := mergeFields(fields, data); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	version := cur.Version + 1
	if err := stamp(fields, version, now); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("marshal document: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = ?, updated_at = ? WHERE path = ?`,
		string(raw), version, now, path,
	); err != nil {
		return nil, apperr.Persistence("merge document", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Persistence("merge document", err)
	}

	d := &Document{
		Path:      path,
		UserID:    cur.UserID,
		Data:      raw,
		Version:   version,
		CreatedAt: cur.CreatedAt,
		UpdatedAt: now,
	}
	s.publish(ctx, live.Change{Key: path, Event: live.EventUpdated, Version: version, Data: raw})
	return d, nil
}

// ListDocuments returns every document, ordered by path.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT path, user_id, data, version, created_at, updated_at FROM documents ORDER BY path`)
	if err != nil {
		return nil, apperr.Persistence("list documents", err)
	}
	defer rows.Close()
	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, apperr.Persistence("list documents", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// DeleteUser removes a user record together with all of their documents and
// drafts, then publishes a user.deleted change.
func (s *Store) DeleteUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence("delete user", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return apperr.Persistence("delete user", err)
	}
	users, _ := res.RowsAffected()
	res, err = tx.ExecContext(ctx, `DELETE FROM documents WHERE user_id = ?`, userID)
	if err != nil {
		return apperr.Persistence("delete user documents", err)
	}
	docs, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM drafts WHERE user_id = ?`, userID); err != nil {
		return apperr.Persistence("delete user drafts", err)
	}
	if users == 0 && docs == 0 {
		return &apperr.NotFoundError{Path: "users/" + userID}
	}
	if err := tx.Commit(); err != nil {
		return apperr.Persistence("delete user", err)
	}

	slog.Info("deleted user", "user_id", userID, "documents", docs)
	s.publish(ctx, live.Change{Key: "users/" + userID, Event: live.EventUserDeleted})
	return nil
}

// publish must be called with s.mu held so that changes leave in commit order.
func (s *Store) publish(ctx context.Context, c live.Change) {
	if s.pub == nil {
		return
	}
	if err := s.pub.Publish(ctx, c); err != nil {
		slog.Warn("publish change failed", "key", c.Key, "error", err)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var (
		d    Document
		data string
	)
	if err := row.Scan(&d.Path, &d.UserID, &data, &d.Version, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Data = json.RawMessage(data)
	return &d, nil
}

func mergeFields(dst map[string]json.RawMessage, src map[string]any) error {
	for k, v := range src {
		if v == nil {
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal field %s: %w", k, err)
		}
		dst[k] = raw
	}
	return nil
}

func stamp(fields map[string]json.RawMessage, version int64, now time.Time) error {
	v, err := json.Marshal(version)
	if err != nil {
		return err
	}
	t, err := json.Marshal(now)
	if err != nil {
		return err
	}
	fields["version"] = v
	fields["updatedAt"] = t
	return nil
}
