package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/live"
	"github.com/pavelanni/salesdrill/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	if err != nil {
		t.Fatalf("newTestStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

type recorder struct {
	mu      sync.Mutex
	changes []live.Change
}

func (r *recorder) Publish(_ context.Context, c live.Change) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
	return nil
}

func (r *recorder) all() []live.Change {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]live.Change(nil), r.changes...)
}

func decodeFields(t *testing.T, d *Document) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(d.Data, &m); err != nil {
		t.Fatalf("decode document: %v", err)
	}
	return m
}

func TestCreateDocumentIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	s.SetPublisher(rec)
	ctx := context.Background()
	path := model.DocumentPath("u1", model.TypeCDAB)

	d, created, err := s.CreateDocument(ctx, path, "u1", map[string]any{"status": "not_started"})
	if err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if !created || d.Version != 1 {
		t.Fatalf("created=%v version=%d, want true 1", created, d.Version)
	}

	d2, created, err := s.CreateDocument(ctx, path, "u1", map[string]any{"status": "submitted"})
	if err != nil {
		t.Fatalf("second CreateDocument: %v", err)
	}
	if created {
		t.Error("second CreateDocument reported created")
	}
	if got := decodeFields(t, d2)["status"]; got != "not_started" {
		t.Errorf("status = %v, want existing not_started", got)
	}
	if n := len(rec.all()); n != 1 {
		t.Errorf("published %d changes, want 1", n)
	}
}

func TestGetDocumentMissing(t *testing.T) {
	s := newTestStore(t)
	d, err := s.GetDocument(context.Background(), "users/nobody/exercises/cdab")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if d != nil {
		t.Fatalf("expected nil document, got %+v", d)
	}
}

func TestMergeDocument(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	s.SetPublisher(rec)
	ctx := context.Background()
	path := model.DocumentPath("u1", model.TypePresentation)

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return base }
	if _, _, err := s.CreateDocument(ctx, path, "u1", map[string]any{
		"status":  "in_progress",
		"content": map[string]any{"text": "hello"},
	}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	s.now = func() time.Time { return base.Add(time.Minute) }
	d, err := s.MergeDocument(ctx, path, map[string]any{
		"status":     "submitted",
		"evaluation": nil,
	})
	if err != nil {
		t.Fatalf("MergeDocument: %v", err)
	}
	if d.Version != 2 {
		t.Errorf("version = %d, want 2", d.Version)
	}
	m := decodeFields(t, d)
	if m["status"] != "submitted" {
		t.Errorf("status = %v", m["status"])
	}
	if _, ok := m["evaluation"]; ok {
		t.Error("nil field was persisted")
	}
	if content, _ := m["content"].(map[string]any); content["text"] != "hello" {
		t.Errorf("untouched field lost: %v", m["content"])
	}
	if m["updatedAt"] != base.Add(time.Minute).Format(time.RFC3339) {
		t.Errorf("updatedAt = %v", m["updatedAt"])
	}

	got, err := s.GetDocument(ctx, path)
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if got.Version != 2 || string(got.Data) != string(d.Data) {
		t.Errorf("stored document differs from returned one")
	}

	changes := rec.all()
	if len(changes) != 2 {
		t.Fatalf("published %d changes, want 2", len(changes))
	}
	if changes[1].Event != live.EventUpdated || changes[1].Version != 2 {
		t.Errorf("second change = %+v", changes[1])
	}
}

func TestMergeDocumentNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.MergeDocument(context.Background(), "users/x/exercises/cdab", map[string]any{"status": "x"})
	var nf *apperr.NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
}

func TestConcurrentMergesKeepVersionOrder(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	s.SetPublisher(rec)
	ctx := context.Background()
	path := model.DocumentPath("u1", model.TypeGoalkeeper)
	if _, _, err := s.CreateDocument(ctx, path, "u1", nil); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := s.MergeDocument(ctx, path, map[string]any{"n": i}); err != nil {
				t.Errorf("MergeDocument: %v", err)
			}
		}(i)
	}
	wg.Wait()

	changes := rec.all()
	for i, c := range changes {
		if c.Version != int64(i+1) {
			t.Fatalf("change %d has version %d", i, c.Version)
		}
	}
}

func TestDeleteUserCascades(t *testing.T) {
	s := newTestStore(t)
	rec := &recorder{}
	s.SetPublisher(rec)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, model.User{ID: "u1", DisplayName: "Ana"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	for _, typ := range []model.ExerciseType{model.TypeCDAB, model.TypePresentation} {
		if _, _, err := s.CreateDocument(ctx, model.DocumentPath("u1", typ), "u1", nil); err != nil {
			t.Fatalf("CreateDocument: %v", err)
		}
	}
	if _, _, err := s.CreateDocument(ctx, model.DocumentPath("u2", model.TypeCDAB), "u2", nil); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}
	if err := s.Drafts().Save(ctx, "u1", model.TypeCDAB, []byte(`{}`)); err != nil {
		t.Fatalf("Save draft: %v", err)
	}

	if err := s.DeleteUser(ctx, "u1"); err != nil {
		t.Fatalf("DeleteUser: %v", err)
	}

	docs, err := s.ListDocuments(ctx)
	if err != nil {
		t.Fatalf("ListDocuments: %v", err)
	}
	if len(docs) != 1 || docs[0].UserID != "u2" {
		t.Errorf("remaining documents = %+v", docs)
	}
	if u, _ := s.GetUser(ctx, "u1"); u != nil {
		t.Error("user record survived")
	}
	if data, _, _ := s.Drafts().Load(ctx, "u1", model.TypeCDAB); data != nil {
		t.Error("draft survived")
	}
	changes := rec.all()
	last := changes[len(changes)-1]
	if last.Event != live.EventUserDeleted || last.Key != "users/u1" {
		t.Errorf("last change = %+v", last)
	}

	var nf *apperr.NotFoundError
	if err := s.DeleteUser(ctx, "u1"); !errors.As(err, &nf) {
		t.Errorf("second DeleteUser: expected NotFoundError, got %v", err)
	}
}

func TestUsers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, model.User{ID: "t1", DisplayName: "Trainer", Role: model.RoleTrainer}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	// An empty display name keeps the stored one.
	if err := s.UpsertUser(ctx, model.User{ID: "t1", Role: model.RoleAdmin}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, err := s.GetUser(ctx, "t1")
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.DisplayName != "Trainer" || u.Role != model.RoleAdmin {
		t.Errorf("user = %+v", u)
	}

	if err := s.UpsertUser(ctx, model.User{ID: "l1"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(users) != 2 || users[0].ID != "l1" || users[0].Role != model.RoleLearner {
		t.Errorf("users = %+v", users)
	}
}

func TestDrafts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := s.Drafts()

	data, _, err := d.Load(ctx, "u1", model.TypePresentation)
	if err != nil || data != nil {
		t.Fatalf("Load empty: %q, %v", data, err)
	}
	if err := d.Save(ctx, "u1", model.TypePresentation, []byte(`{"text":"a"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := d.Save(ctx, "u1", model.TypePresentation, []byte(`{"text":"ab"}`)); err != nil {
		t.Fatalf("Save: %v", err)
	}
	data, _, err = d.Load(ctx, "u1", model.TypePresentation)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if string(data) != `{"text":"ab"}` {
		t.Errorf("data = %s", data)
	}
	if err := d.Delete(ctx, "u1", model.TypePresentation); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if data, _, _ := d.Load(ctx, "u1", model.TypePresentation); data != nil {
		t.Errorf("draft survived delete: %s", data)
	}
}

func TestMetadata(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	v, err := s.GetMetadata(ctx, MetaCohort)
	if err != nil || v != "" {
		t.Fatalf("GetMetadata missing = %q, %v", v, err)
	}
	if err := s.SetMetadata(ctx, MetaCohort, "spring"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if err := s.SetMetadata(ctx, MetaCohort, "autumn"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	if v, _ := s.GetMetadata(ctx, MetaCohort); v != "autumn" {
		t.Errorf("cohort = %q", v)
	}
}

func TestExportAll(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.UpsertUser(ctx, model.User{ID: "u1", DisplayName: "Ana"}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	if err := s.SetMetadata(ctx, MetaCohort, "2026-A"); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	ev := &model.Evaluation{TotalScore: 12, MaxTotal: 20, ScaledScore: 12, ScaleTarget: 20}
	if _, _, err := s.CreateDocument(ctx, model.DocumentPath("u1", model.TypePresentation), "u1", map[string]any{
		"userId":      "u1",
		"type":        model.TypePresentation,
		"status":      model.StatusEvaluated,
		"evaluation":  ev,
		"evaluatedBy": "t1",
	}); err != nil {
		t.Fatalf("CreateDocument: %v", err)
	}

	exp, err := s.ExportAll(ctx)
	if err != nil {
		t.Fatalf("ExportAll: %v", err)
	}
	if exp.Cohort != "2026-A" || exp.Count != 1 {
		t.Fatalf("export = %+v", exp)
	}
	r := exp.Results[0]
	if r.DisplayName != "Ana" || r.TotalScore != 12 || r.ScaledScore != 12 || r.EvaluatedBy != "t1" {
		t.Errorf("result = %+v", r)
	}
}
