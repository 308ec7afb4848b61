package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
	"github.com/pavelanni/salesdrill/internal/scoring"
)

// aiResponse is the JSON object the evaluator must answer with.
type aiResponse struct {
	Evaluation   *aiEvaluation  `json:"evaluation" validate:"required"`
	LineFeedback map[int]string `json:"lineFeedback,omitempty"`
}

type aiEvaluation struct {
	Criteria []aiCriterion `json:"criteria" validate:"required,dive"`
}

type aiCriterion struct {
	Name      string   `json:"name" validate:"required"`
	Score     *float64 `json:"score" validate:"required"`
	MaxPoints float64  `json:"maxPoints"`
	Feedback  string   `json:"feedback"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseResponse decodes an evaluator answer and joins it to rubric.
//
// A surrounding markdown code fence is removed first. Anything else that is
// not exactly one well-formed response object fails with
// InvalidAIResponseError; nothing is guessed. Entries are matched to rubric
// sub-criteria, or criteria for feedback, by exact name. Unmatched entries
// are ignored, but an answer that scores no sub-criterion at all is invalid.
// Scores already present in rubric are discarded and AI scores are clamped to
// the rubric caps.
func ParseResponse(raw string, rubric *model.Evaluation) (*model.Evaluation, error) {
	body := stripMarkdownCodeFences(raw)

	dec := json.NewDecoder(bytes.NewReader([]byte(body)))
	var resp aiResponse
	if err := dec.Decode(&resp); err != nil {
		return nil, &apperr.InvalidAIResponseError{Raw: raw, Err: err}
	}
	if dec.More() {
		return nil, &apperr.InvalidAIResponseError{Raw: raw, Err: errors.New("trailing data after JSON object")}
	}
	if err := validate.Struct(resp); err != nil {
		return nil, &apperr.InvalidAIResponseError{Raw: raw, Err: err}
	}

	byName := make(map[string]aiCriterion, len(resp.Evaluation.Criteria))
	for _, c := range resp.Evaluation.Criteria {
		byName[c.Name] = c
	}

	in := rubric.Clone()
	if in == nil {
		in = &model.Evaluation{}
	}
	in.Comment = ""
	matched := 0
	for i := range in.Criteria {
		in.Criteria[i].Feedback = ""
		if c, ok := byName[in.Criteria[i].Name]; ok {
			in.Criteria[i].Feedback = c.Feedback
		}
		for j := range in.Criteria[i].SubCriteria {
			s := &in.Criteria[i].SubCriteria[j]
			s.Score, s.Feedback = nil, ""
			c, ok := byName[s.Name]
			if !ok {
				continue
			}
			v := *c.Score
			s.Score = &v
			s.Feedback = c.Feedback
			matched++
		}
	}
	if matched == 0 {
		return nil, &apperr.InvalidAIResponseError{Raw: raw, Err: errors.New("no criterion matches the rubric")}
	}
	in.LineFeedback = resp.LineFeedback

	// in already carries the cleared rubric, so it is its own structure.
	return scoring.Conform(in, in, true), nil
}

func stripMarkdownCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	lines := strings.Split(s, "\n")
	if len(lines) < 2 {
		return s
	}
	// Drop the opening fence (``` or ```json) and the closing one if present.
	if strings.TrimSpace(lines[len(lines)-1]) == "```" {
		return strings.TrimSpace(strings.Join(lines[1:len(lines)-1], "\n"))
	}
	return strings.TrimSpace(strings.Join(lines[1:], "\n"))
}
