package model

// SubCriterion is the smallest scored rubric entry.
type SubCriterion struct {
	Name      string   `json:"name" validate:"required"`
	MaxPoints float64  `json:"maxPoints" validate:"gt=0"`
	Score     *float64 `json:"score,omitempty" validate:"omitempty,gte=0"`
	Feedback  string   `json:"feedback,omitempty"`
}

// Scored reports whether a score has been awarded.
func (s SubCriterion) Scored() bool { return s.Score != nil }

// Points returns the awarded score, 0 when unscored.
func (s SubCriterion) Points() float64 {
	if s.Score == nil {
		return 0
	}
	return *s.Score
}

// Criterion groups sub-criteria. Score is derived from them.
type Criterion struct {
	Name        string         `json:"name" validate:"required"`
	Score       float64        `json:"score"`
	Feedback    string         `json:"feedback,omitempty"`
	SubCriteria []SubCriterion `json:"subCriteria" validate:"required,min=1,dive"`
}

// Evaluation is a scored rubric. TotalScore, MaxTotal and ScaledScore are derived
// and recomputed on every write.
type Evaluation struct {
	Criteria     []Criterion    `json:"criteria" validate:"dive"`
	TotalScore   float64        `json:"totalScore"`
	MaxTotal     float64        `json:"maxTotal"`
	ScaledScore  float64        `json:"scaledScore"`
	ScaleTarget  float64        `json:"scaleTarget"`
	Comment      string         `json:"comment,omitempty"`
	LineFeedback map[int]string `json:"lineFeedback,omitempty"`
}

// Clone returns a deep copy.
func (e *Evaluation) Clone() *Evaluation {
	if e == nil {
		return nil
	}
	c := *e
	c.Criteria = make([]Criterion, len(e.Criteria))
	for i, cr := range e.Criteria {
		c.Criteria[i] = cr
		c.Criteria[i].SubCriteria = make([]SubCriterion, len(cr.SubCriteria))
		for j, sc := range cr.SubCriteria {
			if sc.Score != nil {
				v := *sc.Score
				sc.Score = &v
			}
			c.Criteria[i].SubCriteria[j] = sc
		}
	}
	if e.LineFeedback != nil {
		c.LineFeedback = make(map[int]string, len(e.LineFeedback))
		for k, v := range e.LineFeedback {
			c.LineFeedback[k] = v
		}
	}
	return &c
}

// Float returns a pointer to v, for literal scores.
func Float(v float64) *float64 { return &v }
