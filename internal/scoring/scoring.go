// Package scoring aggregates rubric scores. It is the single source of truth
// for criterion scores, totals and scaled scores.
package scoring

import (
	"errors"
	"math"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
)

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func validatorInstance() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	return validate
}

// CriterionScore sums the awarded sub-criterion scores of c.
func CriterionScore(c model.Criterion) float64 {
	var sum float64
	for _, s := range c.SubCriteria {
		sum += s.Points()
	}
	return sum
}

// CriterionMax sums the sub-criterion caps of c.
func CriterionMax(c model.Criterion) float64 {
	var sum float64
	for _, s := range c.SubCriteria {
		sum += s.MaxPoints
	}
	return sum
}

// TotalScore sums every criterion score of ev.
func TotalScore(ev *model.Evaluation) float64 {
	if ev == nil {
		return 0
	}
	var sum float64
	for _, c := range ev.Criteria {
		sum += CriterionScore(c)
	}
	return sum
}

// MaxTotal sums every sub-criterion cap of ev.
func MaxTotal(ev *model.Evaluation) float64 {
	if ev == nil {
		return 0
	}
	var sum float64
	for _, c := range ev.Criteria {
		sum += CriterionMax(c)
	}
	return sum
}

// ScaledScore projects total onto a scale of target points, rounded to one
// decimal. A zero or negative maxTotal yields 0.
func ScaledScore(total, maxTotal, target float64) float64 {
	if maxTotal <= 0 {
		return 0
	}
	return math.Round(total/maxTotal*target*10) / 10
}

// Recompute refreshes every derived field of ev from its sub-criteria.
func Recompute(ev *model.Evaluation) {
	if ev == nil {
		return
	}
	if ev.ScaleTarget <= 0 {
		ev.ScaleTarget = model.DefaultScaleTarget
	}
	for i := range ev.Criteria {
		ev.Criteria[i].Score = CriterionScore(ev.Criteria[i])
	}
	ev.TotalScore = TotalScore(ev)
	ev.MaxTotal = MaxTotal(ev)
	ev.ScaledScore = ScaledScore(ev.TotalScore, ev.MaxTotal, ev.ScaleTarget)
}

// Check validates the shape of ev and that every awarded score lies within
// [0, maxPoints].
func Check(ev *model.Evaluation) error {
	if ev == nil {
		return apperr.Invalid("EvaluationMissing", "evaluation is required")
	}
	if err := validatorInstance().Struct(ev); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return apperr.Invalid("EvaluationInvalid", "invalid evaluation field %s (%s)", verrs[0].Namespace(), verrs[0].Tag())
		}
		return apperr.Invalid("EvaluationInvalid", "invalid evaluation: %v", err)
	}
	for _, c := range ev.Criteria {
		for _, s := range c.SubCriteria {
			if s.Score != nil && (*s.Score < 0 || *s.Score > s.MaxPoints) {
				return apperr.Invalid("ScoreOutOfRange", "score %.2f for %q/%q is outside [0, %.2f]", *s.Score, c.Name, s.Name, s.MaxPoints)
			}
		}
	}
	return nil
}

// Complete reports whether every sub-criterion of a non-empty rubric is scored.
func Complete(ev *model.Evaluation) bool {
	if ev == nil || len(ev.Criteria) == 0 {
		return false
	}
	for _, c := range ev.Criteria {
		if len(c.SubCriteria) == 0 {
			return false
		}
		for _, s := range c.SubCriteria {
			if !s.Scored() {
				return false
			}
		}
	}
	return true
}

// SetScore awards score to one sub-criterion, rejecting values outside
// [0, maxPoints], and recomputes the derived totals.
func SetScore(ev *model.Evaluation, criterion, subCriterion string, score float64) error {
	if ev == nil {
		return apperr.Invalid("EvaluationMissing", "evaluation is required")
	}
	for i := range ev.Criteria {
		if ev.Criteria[i].Name != criterion {
			continue
		}
		for j := range ev.Criteria[i].SubCriteria {
			s := &ev.Criteria[i].SubCriteria[j]
			if s.Name != subCriterion {
				continue
			}
			if score < 0 || score > s.MaxPoints {
				return apperr.Invalid("ScoreOutOfRange", "score %.2f for %q/%q is outside [0, %.2f]", score, criterion, subCriterion, s.MaxPoints)
			}
			s.Score = model.Float(score)
			Recompute(ev)
			return nil
		}
	}
	return apperr.Invalid("UnknownCriterion", "no sub-criterion %q/%q in rubric", criterion, subCriterion)
}

// Clamp bounds score to [0, max].
func Clamp(score, max float64) float64 {
	switch {
	case math.IsNaN(score) || score < 0:
		return 0
	case score > max:
		return max
	}
	return score
}

// Conform joins in onto rubric by criterion and sub-criterion name. The rubric
// is authoritative for structure and caps: entries of in that do not match a
// rubric name are dropped, unmatched rubric entries stay unscored. When clamp
// is set, scores are bounded to the rubric caps instead of being kept as given.
func Conform(rubric *model.Evaluation, in *model.Evaluation, clamp bool) *model.Evaluation {
	out := rubric.Clone()
	if out == nil {
		out = &model.Evaluation{}
	}
	if in == nil {
		Recompute(out)
		return out
	}
	byName := make(map[string]model.Criterion, len(in.Criteria))
	for _, c := range in.Criteria {
		byName[c.Name] = c
	}
	for i := range out.Criteria {
		src, ok := byName[out.Criteria[i].Name]
		if !ok {
			continue
		}
		out.Criteria[i].Feedback = src.Feedback
		subs := make(map[string]model.SubCriterion, len(src.SubCriteria))
		for _, s := range src.SubCriteria {
			subs[s.Name] = s
		}
		for j := range out.Criteria[i].SubCriteria {
			dst := &out.Criteria[i].SubCriteria[j]
			s, ok := subs[dst.Name]
			if !ok {
				continue
			}
			dst.Feedback = s.Feedback
			if s.Score != nil {
				v := *s.Score
				if clamp {
					v = Clamp(v, dst.MaxPoints)
				}
				dst.Score = &v
			}
		}
	}
	out.Comment = in.Comment
	if in.LineFeedback != nil {
		out.LineFeedback = make(map[int]string, len(in.LineFeedback))
		for k, v := range in.LineFeedback {
			out.LineFeedback[k] = v
		}
	}
	Recompute(out)
	return out
}

// Scored reports whether any sub-criterion of ev has a score.
func Scored(ev *model.Evaluation) bool {
	if ev == nil {
		return false
	}
	for _, c := range ev.Criteria {
		for _, s := range c.SubCriteria {
			if s.Scored() {
				return true
			}
		}
	}
	return false
}

// FillUnscored returns a copy of base where every unscored sub-criterion takes
// the score and feedback of the same-named entry in extra. Scores already in
// base are kept. A nil base yields a copy of extra.
func FillUnscored(base, extra *model.Evaluation) *model.Evaluation {
	if base == nil {
		out := extra.Clone()
		Recompute(out)
		return out
	}
	out := base.Clone()
	if extra == nil {
		Recompute(out)
		return out
	}
	type key struct{ criterion, sub string }
	fill := make(map[key]model.SubCriterion)
	feedback := make(map[string]string)
	for _, c := range extra.Criteria {
		feedback[c.Name] = c.Feedback
		for _, s := range c.SubCriteria {
			if s.Scored() {
				fill[key{c.Name, s.Name}] = s
			}
		}
	}
	for i := range out.Criteria {
		c := &out.Criteria[i]
		if c.Feedback == "" {
			c.Feedback = feedback[c.Name]
		}
		for j := range c.SubCriteria {
			s := &c.SubCriteria[j]
			if s.Scored() {
				continue
			}
			src, ok := fill[key{c.Name, s.Name}]
			if !ok {
				continue
			}
			v := *src.Score
			s.Score = &v
			s.Feedback = src.Feedback
		}
	}
	if len(out.LineFeedback) == 0 && len(extra.LineFeedback) > 0 {
		out.LineFeedback = make(map[int]string, len(extra.LineFeedback))
		for k, v := range extra.LineFeedback {
			out.LineFeedback[k] = v
		}
	}
	Recompute(out)
	return out
}
