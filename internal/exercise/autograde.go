package exercise

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/scoring"
)

// Evaluator scores an exercise against a rubric. The returned evaluation is
// already joined to the rubric.
type Evaluator interface {
	Evaluate(ctx context.Context, ex *model.Exercise, rubric *model.Evaluation) (*model.Evaluation, error)
}

// AutoGrader pre-scores submitted exercises with an AI evaluator. Nothing is
// written unless the evaluator succeeds.
type AutoGrader struct {
	repos     Set
	evaluator Evaluator
	logger    *slog.Logger
}

func NewAutoGrader(repos Set, evaluator Evaluator) *AutoGrader {
	return &AutoGrader{
		repos:     repos,
		evaluator: evaluator,
		logger:    slog.With("component", "autograder"),
	}
}

// Grade evaluates the user's exercise of type t. A complete result moves the
// exercise to evaluated with the AI marker; a partial one only fills the
// sub-criteria still unscored in the draft evaluation, for a trainer to finish.
func (g *AutoGrader) Grade(ctx context.Context, userID string, t model.ExerciseType) (*model.Exercise, error) {
	repo, err := g.repos.Lookup(t)
	if err != nil {
		return nil, err
	}
	ex, err := repo.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if ex.Status != model.StatusSubmitted {
		return nil, apperr.Invalid("NotSubmitted", "only submitted exercises can be sent for AI evaluation")
	}

	v, _ := model.LookupVariant(t)
	rubric := v.NewEvaluation()
	g.logger.Info("requesting AI evaluation", "user_id", userID, "type", t)
	ev, err := g.evaluator.Evaluate(ctx, ex, rubric)
	if err != nil {
		g.logger.Error("AI evaluation failed", "user_id", userID, "type", t, "error", err)
		return nil, fmt.Errorf("ai evaluation: %w", err)
	}

	if !scoring.Scored(ev) {
		g.logger.Error("AI evaluation scored nothing", "user_id", userID, "type", t)
		return nil, fmt.Errorf("ai evaluation: %w", &apperr.InvalidAIResponseError{Err: errors.New("no sub-criterion scored")})
	}

	if scoring.Complete(ev) {
		return repo.Evaluate(ctx, model.AIActor, userID, ev)
	}
	// Scores a trainer has already drafted win over a partial AI answer.
	merged := scoring.FillUnscored(ex.Evaluation, ev)
	g.logger.Warn("AI evaluation incomplete, stored as draft", "user_id", userID, "type", t)
	return repo.Update(ctx, model.AIActor, userID, Patch{Evaluation: merged})
}
