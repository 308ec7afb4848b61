package model

import "sort"

// DefaultScaleTarget is the "out of 20" display scale.
const DefaultScaleTarget = 20

// Variant describes the per-type behavior of an exercise: its default rubric,
// display scale and whether a separate publish step follows evaluation.
type Variant struct {
	Type        ExerciseType
	Title       string
	ScaleTarget float64
	PublishStep bool
	Rubric      []Criterion
}

// NewEvaluation returns an unscored evaluation built from the rubric.
func (v Variant) NewEvaluation() *Evaluation {
	ev := &Evaluation{Criteria: v.Rubric, ScaleTarget: v.ScaleTarget}
	return ev.Clone()
}

// NewContent returns the empty content of the variant.
func (v Variant) NewContent() Content {
	c, _ := NewContent(v.Type)
	return c
}

func sub(name string, max float64) SubCriterion {
	return SubCriterion{Name: name, MaxPoints: max}
}

var variants = map[ExerciseType]Variant{
	TypeGoalkeeper: {
		Type:        TypeGoalkeeper,
		Title:       "Goalkeeper call",
		ScaleTarget: DefaultScaleTarget,
		PublishStep: true,
		Rubric: []Criterion{
			{Name: "Opening", SubCriteria: []SubCriterion{sub("Greeting", 2), sub("Introduction", 3)}},
			{Name: "Getting through", SubCriteria: []SubCriterion{sub("Reason for the call", 3), sub("Objection handling", 5)}},
			{Name: "Closing", SubCriteria: []SubCriterion{sub("Contact obtained", 5), sub("Courtesy", 2)}},
		},
	},
	TypeCDAB: {
		Type:        TypeCDAB,
		Title:       "CDAB matrix",
		ScaleTarget: DefaultScaleTarget,
		PublishStep: true,
		Rubric: []Criterion{
			{Name: "Characteristics", SubCriteria: []SubCriterion{sub("Relevance", 3), sub("Definition accuracy", 2)}},
			{Name: "Advantages", SubCriteria: []SubCriterion{sub("Link to characteristic", 5)}},
			{Name: "Benefits", SubCriteria: []SubCriterion{sub("Customer orientation", 5), sub("Wording", 5)}},
		},
	},
	TypePresentation: {
		Type:        TypePresentation,
		Title:       "Company presentation",
		ScaleTarget: DefaultScaleTarget,
		Rubric: []Criterion{
			{Name: "Structure", SubCriteria: []SubCriterion{sub("Introduction", 3), sub("Development", 4), sub("Conclusion", 3)}},
			{Name: "Persuasion", SubCriteria: []SubCriterion{sub("Arguments", 5), sub("Call to action", 5)}},
		},
	},
	TypeOutilsCDAB: {
		Type:        TypeOutilsCDAB,
		Title:       "CDAB tools",
		ScaleTarget: DefaultScaleTarget,
		Rubric: []Criterion{
			{Name: "Synthesis", SubCriteria: []SubCriterion{sub("Completeness", 10), sub("Consistency", 10)}},
		},
	},
}

// LookupVariant returns the variant of an exercise type.
func LookupVariant(t ExerciseType) (Variant, bool) {
	v, ok := variants[t]
	return v, ok
}

// Variants returns all exercise variants sorted by type.
func Variants() []Variant {
	out := make([]Variant, 0, len(variants))
	for _, v := range variants {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}
