package llm

import (
	"errors"
	"testing"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
)

func presentationRubric() *model.Evaluation {
	v, _ := model.LookupVariant(model.TypePresentation)
	return v.NewEvaluation()
}

func subScore(t *testing.T, ev *model.Evaluation, name string) *float64 {
	t.Helper()
	for _, c := range ev.Criteria {
		for _, s := range c.SubCriteria {
			if s.Name == name {
				return s.Score
			}
		}
	}
	t.Fatalf("no sub-criterion %q", name)
	return nil
}

func TestParseResponseFenced(t *testing.T) {
	raw := "```json\n" + `{"evaluation":{"criteria":[
		{"name":"Introduction","score":2,"maxPoints":3,"feedback":"clear"},
		{"name":"Arguments","score":4,"maxPoints":5,"feedback":"good"}
	]}}` + "\n```"

	ev, err := ParseResponse(raw, presentationRubric())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if s := subScore(t, ev, "Introduction"); s == nil || *s != 2 {
		t.Errorf("Introduction = %v", s)
	}
	if s := subScore(t, ev, "Conclusion"); s != nil {
		t.Errorf("unmentioned sub-criterion scored: %v", *s)
	}
	if ev.TotalScore != 6 || ev.MaxTotal != 20 {
		t.Errorf("total = %v / %v", ev.TotalScore, ev.MaxTotal)
	}
}

func TestParseResponseJoin(t *testing.T) {
	raw := `{"evaluation":{"criteria":[
		{"name":"Call to action","score":9,"maxPoints":10},
		{"name":"Development","score":-1,"maxPoints":4},
		{"name":"Humor","score":5,"maxPoints":5},
		{"name":"Structure","score":0,"feedback":"well organised"}
	]},"lineFeedback":{"0":"ignored for presentations"}}`

	ev, err := ParseResponse(raw, presentationRubric())
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if s := subScore(t, ev, "Call to action"); s == nil || *s != 5 {
		t.Errorf("Call to action = %v, want clamped to local cap 5", s)
	}
	if s := subScore(t, ev, "Development"); s == nil || *s != 0 {
		t.Errorf("Development = %v, want clamped to 0", s)
	}
	for _, c := range ev.Criteria {
		if c.Name == "Humor" {
			t.Error("unmatched AI criterion added to the rubric")
		}
		if c.Name == "Structure" && c.Feedback != "well organised" {
			t.Errorf("criterion feedback = %q", c.Feedback)
		}
	}
	if ev.LineFeedback[0] != "ignored for presentations" {
		t.Errorf("lineFeedback = %v", ev.LineFeedback)
	}
}

func TestParseResponseIgnoresPriorScores(t *testing.T) {
	rubric := presentationRubric()
	rubric.Criteria[0].SubCriteria[0].Score = model.Float(3)
	rubric.Criteria[1].SubCriteria[1].Score = model.Float(5)
	ev, err := ParseResponse(`{"evaluation":{"criteria":[{"name":"Arguments","score":4}]}}`, rubric)
	if err != nil {
		t.Fatalf("ParseResponse: %v", err)
	}
	if s := subScore(t, ev, "Introduction"); s != nil {
		t.Errorf("prior Introduction score kept: %v", *s)
	}
	if s := subScore(t, ev, "Call to action"); s != nil {
		t.Errorf("prior Call to action score kept: %v", *s)
	}
	if ev.TotalScore != 4 {
		t.Errorf("total = %v, want 4", ev.TotalScore)
	}
}

func TestParseResponseInvalid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"empty", ""},
		{"prose", "The learner did well, 15/20."},
		{"truncated", `{"evaluation":{"criteria":[{"name":"Arguments","score":4`},
		{"fenced garbage", "```json\nnot json\n```"},
		{"missing evaluation", `{"lineFeedback":{}}`},
		{"missing score", `{"evaluation":{"criteria":[{"name":"Arguments"}]}}`},
		{"missing name", `{"evaluation":{"criteria":[{"score":1}]}}`},
		{"trailing object", `{"evaluation":{"criteria":[]}} {"evaluation":{"criteria":[]}}`},
		{"no criteria", `{"evaluation":{"criteria":[]}}`},
		{"renamed criteria", `{"evaluation":{"criteria":[{"name":"Renamed","score":3}]}}`},
		{"criterion feedback only", `{"evaluation":{"criteria":[{"name":"Structure","score":0,"feedback":"ok"}]}}`},
		{"string score", `{"evaluation":{"criteria":[{"name":"Arguments","score":"4"}]}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseResponse(tt.raw, presentationRubric())
			var inv *apperr.InvalidAIResponseError
			if !errors.As(err, &inv) {
				t.Fatalf("expected InvalidAIResponseError, got %v", err)
			}
			if inv.Raw != tt.raw {
				t.Errorf("Raw = %q", inv.Raw)
			}
		})
	}
}

func TestStripMarkdownCodeFences(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}", `{"a":1}`},
		{"```", "```"},
	}
	for _, tt := range tests {
		if got := stripMarkdownCodeFences(tt.in); got != tt.want {
			t.Errorf("stripMarkdownCodeFences(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
