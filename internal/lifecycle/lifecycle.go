// Package lifecycle governs exercise status transitions and what each actor may
// do at every stage.
package lifecycle

import (
	"time"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/scoring"
)

// edges lists every permitted transition. Reset is the only backward edge.
var edges = map[model.Status][]model.Status{
	model.StatusNotStarted: {model.StatusInProgress},
	model.StatusInProgress: {model.StatusSubmitted},
	model.StatusSubmitted:  {model.StatusEvaluated},
	model.StatusEvaluated:  {model.StatusPublished, model.StatusSubmitted},
	model.StatusPublished:  {model.StatusSubmitted},
}

// Allowed reports whether the lifecycle has an edge from -> to.
func Allowed(from, to model.Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsReset reports whether from -> to is the reset edge.
func IsReset(from, to model.Status) bool {
	return from.Locked() && to == model.StatusSubmitted
}

// CanEditContent reports whether actor may change the learner content of ex.
func CanEditContent(ex *model.Exercise, actor model.Actor) error {
	if ex.Status.Locked() {
		return apperr.Invalid("ContentLocked", "exercise is %s; content is read-only until reset", ex.Status)
	}
	if actor.ID != ex.UserID && actor.Role != model.RoleAdmin {
		return apperr.Invalid("NotOwner", "only the learner can edit this exercise")
	}
	return nil
}

// CanEditEvaluation reports whether actor may change the evaluation of ex.
func CanEditEvaluation(ex *model.Exercise, actor model.Actor) error {
	if !actor.Role.CanGrade() {
		return apperr.Invalid("Forbidden", "only trainers can score exercises")
	}
	if ex.Status.Rank() < model.StatusSubmitted.Rank() {
		return apperr.Invalid("NotSubmitted", "exercise has not been submitted")
	}
	return nil
}

// Transition moves ex to status to on behalf of actor, stamping timestamps.
// ex is left untouched when a guard rejects the transition.
func Transition(ex *model.Exercise, to model.Status, actor model.Actor, now time.Time) error {
	from := ex.Status
	if from == model.StatusNotStarted && to == model.StatusSubmitted {
		// Nothing has been written yet; report that rather than the missing edge.
		if actor.ID != ex.UserID {
			return apperr.Invalid("NotOwner", "only the learner can submit this exercise")
		}
		if ex.Content == nil || ex.Content.IsEmpty() {
			return apperr.Invalid("EmptyContent", "nothing to submit yet")
		}
	}
	if !Allowed(from, to) {
		return apperr.Invalid("InvalidTransition", "cannot move exercise from %s to %s", from, to)
	}
	if err := guard(ex, from, to, actor); err != nil {
		return err
	}

	ex.Status = to
	ex.UpdatedAt = now
	if to == model.StatusEvaluated || to == model.StatusPublished {
		t := now
		ex.EvaluatedAt = &t
		ex.EvaluatedBy = actor.ID
	}
	return nil
}

func guard(ex *model.Exercise, from, to model.Status, actor model.Actor) error {
	switch {
	case to == model.StatusInProgress:
		return CanEditContent(ex, actor)

	case IsReset(from, to):
		if !actor.Role.CanGrade() {
			return apperr.Invalid("Forbidden", "only trainers can reset an evaluation")
		}

	case to == model.StatusSubmitted:
		if actor.ID != ex.UserID {
			return apperr.Invalid("NotOwner", "only the learner can submit this exercise")
		}
		if ex.Content == nil || ex.Content.IsEmpty() {
			return apperr.Invalid("EmptyContent", "nothing to submit yet")
		}

	case to == model.StatusEvaluated:
		if !actor.Role.CanGrade() {
			return apperr.Invalid("Forbidden", "only trainers can evaluate exercises")
		}
		if !scoring.Complete(ex.Evaluation) {
			return apperr.Invalid("EvaluationIncomplete", "every criterion must be scored before evaluating")
		}

	case to == model.StatusPublished:
		if !actor.Role.CanGrade() {
			return apperr.Invalid("Forbidden", "only trainers can publish evaluations")
		}
		v, _ := model.LookupVariant(ex.Type)
		if !v.PublishStep {
			return apperr.Invalid("NoPublishStep", "%s exercises are final once evaluated", ex.Type)
		}
	}
	return nil
}
