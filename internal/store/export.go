package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pavelanni/salesdrill/internal/model"
)

// ExportAll builds export-ready learner results from every stored exercise.
func (s *Store) ExportAll(ctx context.Context) (*model.ExerciseExport, error) {
	docs, err := s.ListDocuments(ctx)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	users, err := s.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	names := make(map[string]string, len(users))
	for _, u := range users {
		names[u.ID] = u.DisplayName
	}
	cohort, err := s.GetMetadata(ctx, MetaCohort)
	if err != nil {
		return nil, err
	}

	results := []model.LearnerResult{}
	for _, d := range docs {
		if _, _, ok := model.ParseDocumentPath(d.Path); !ok {
			continue
		}
		var ex model.Exercise
		if err := json.Unmarshal(d.Data, &ex); err != nil {
			return nil, fmt.Errorf("decode %s: %w", d.Path, err)
		}
		r := model.LearnerResult{
			UserID:      ex.UserID,
			DisplayName: names[ex.UserID],
			Type:        ex.Type,
			Status:      ex.Status,
			EvaluatedBy: ex.EvaluatedBy,
			EvaluatedAt: ex.EvaluatedAt,
			UpdatedAt:   ex.UpdatedAt,
		}
		if ev := ex.Evaluation; ev != nil {
			r.TotalScore = ev.TotalScore
			r.MaxTotal = ev.MaxTotal
			r.ScaledScore = ev.ScaledScore
		}
		results = append(results, r)
	}

	return &model.ExerciseExport{
		GeneratedAt: s.now().UTC(),
		Cohort:      cohort,
		Count:       len(results),
		Results:     results,
	}, nil
}
