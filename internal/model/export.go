package model

import "time"

// ExerciseExport is the top-level JSON structure for exercise result export.
type ExerciseExport struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Cohort      string          `json:"cohort,omitempty"`
	Count       int             `json:"count"`
	Results     []LearnerResult `json:"results"`
}

// LearnerResult holds one learner's exercise for export.
type LearnerResult struct {
	UserID      string       `json:"user_id"`
	DisplayName string       `json:"display_name,omitempty"`
	Type        ExerciseType `json:"type"`
	Status      Status       `json:"status"`
	TotalScore  float64      `json:"total_score"`
	MaxTotal    float64      `json:"max_total"`
	ScaledScore float64      `json:"scaled_score"`
	EvaluatedBy string       `json:"evaluated_by,omitempty"`
	EvaluatedAt *time.Time   `json:"evaluated_at,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// User is a learner or staff record mirrored from the identity provider.
type User struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	Role        Role      `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}
