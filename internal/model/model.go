package model

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Role represents a user's access level as resolved by the identity provider.
type Role string

const (
	// RoleLearner completes exercises.
	RoleLearner Role = "learner"
	// RoleTrainer reviews and scores exercises.
	RoleTrainer Role = "trainer"
	// RoleAdmin can do everything a trainer can, plus user management.
	RoleAdmin Role = "admin"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleLearner, RoleTrainer, RoleAdmin:
		return true
	}
	return false
}

// CanGrade reports whether the role may evaluate, publish or reset exercises.
func (r Role) CanGrade() bool {
	return r == RoleTrainer || r == RoleAdmin
}

// AIEvaluator is the evaluatedBy marker stamped on evaluations produced by the AI agent.
const AIEvaluator = "AI"

// Actor is the already-authenticated caller of an operation.
type Actor struct {
	ID   string
	Role Role
}

// AIActor is the actor used when persisting AI-produced evaluations.
var AIActor = Actor{ID: AIEvaluator, Role: RoleTrainer}

// SystemActor is used by internal components that write derived data.
var SystemActor = Actor{ID: "system", Role: RoleAdmin}

type actorCtxKey struct{}

// ContextWithActor stores the caller in the request context.
func ContextWithActor(ctx context.Context, a Actor) context.Context {
	return context.WithValue(ctx, actorCtxKey{}, a)
}

// ActorFromContext retrieves the caller from context. ok is false if none was set.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	a, ok := ctx.Value(actorCtxKey{}).(Actor)
	return a, ok
}

// Status represents the lifecycle stage of an exercise.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusSubmitted  Status = "submitted"
	StatusEvaluated  Status = "evaluated"
	StatusPublished  Status = "published"
)

// Rank orders statuses along the forward lifecycle. Unknown statuses rank -1.
func (s Status) Rank() int {
	switch s {
	case StatusNotStarted:
		return 0
	case StatusInProgress:
		return 1
	case StatusSubmitted:
		return 2
	case StatusEvaluated:
		return 3
	case StatusPublished:
		return 4
	}
	return -1
}

// Locked reports whether learner content is frozen in this status.
func (s Status) Locked() bool {
	return s == StatusEvaluated || s == StatusPublished
}

// ExerciseType identifies one kind of training module.
type ExerciseType string

const (
	TypeGoalkeeper   ExerciseType = "goalkeeper"
	TypeCDAB         ExerciseType = "cdab"
	TypePresentation ExerciseType = "presentation"
	TypeOutilsCDAB   ExerciseType = "outils_cdab"
)

// DocumentPath returns the document store key of a user's exercise.
func DocumentPath(userID string, t ExerciseType) string {
	return fmt.Sprintf("users/%s/exercises/%s", userID, t)
}

// UserPath returns the document store key of a user record.
func UserPath(userID string) string {
	return "users/" + userID
}

// ParseDocumentPath splits an exercise document path. ok is false for any other key.
func ParseDocumentPath(path string) (userID string, t ExerciseType, ok bool) {
	parts := strings.Split(path, "/")
	if len(parts) != 4 || parts[0] != "users" || parts[2] != "exercises" {
		return "", "", false
	}
	return parts[1], ExerciseType(parts[3]), true
}

// Exercise is one learner's attempt at one training module.
type Exercise struct {
	UserID      string       `json:"userId"`
	Type        ExerciseType `json:"type"`
	Status      Status       `json:"status"`
	Content     Content      `json:"-"`
	Evaluation  *Evaluation  `json:"evaluation,omitempty"`
	EvaluatedBy string       `json:"evaluatedBy,omitempty"`
	EvaluatedAt *time.Time   `json:"evaluatedAt,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	Version     int64        `json:"version"`
}

type exerciseJSON struct {
	UserID      string          `json:"userId"`
	Type        ExerciseType    `json:"type"`
	Status      Status          `json:"status"`
	Content     json.RawMessage `json:"content,omitempty"`
	Evaluation  *Evaluation     `json:"evaluation,omitempty"`
	EvaluatedBy string          `json:"evaluatedBy,omitempty"`
	EvaluatedAt *time.Time      `json:"evaluatedAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
	Version     int64           `json:"version"`
}

// MarshalJSON encodes the content variant inline under "content".
func (e Exercise) MarshalJSON() ([]byte, error) {
	out := exerciseJSON{
		UserID:      e.UserID,
		Type:        e.Type,
		Status:      e.Status,
		Evaluation:  e.Evaluation,
		EvaluatedBy: e.EvaluatedBy,
		EvaluatedAt: e.EvaluatedAt,
		CreatedAt:   e.CreatedAt,
		UpdatedAt:   e.UpdatedAt,
		Version:     e.Version,
	}
	if e.Content != nil {
		raw, err := json.Marshal(e.Content)
		if err != nil {
			return nil, fmt.Errorf("marshal content: %w", err)
		}
		out.Content = raw
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the content according to the exercise type.
func (e *Exercise) UnmarshalJSON(data []byte) error {
	var in exerciseJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	content, err := DecodeContent(in.Type, in.Content)
	if err != nil {
		return err
	}
	*e = Exercise{
		UserID:      in.UserID,
		Type:        in.Type,
		Status:      in.Status,
		Content:     content,
		Evaluation:  in.Evaluation,
		EvaluatedBy: in.EvaluatedBy,
		EvaluatedAt: in.EvaluatedAt,
		CreatedAt:   in.CreatedAt,
		UpdatedAt:   in.UpdatedAt,
		Version:     in.Version,
	}
	return nil
}

// Clone returns a deep copy of the exercise.
func (e *Exercise) Clone() *Exercise {
	if e == nil {
		return nil
	}
	c := *e
	if e.Content != nil {
		c.Content = e.Content.Clone()
	}
	c.Evaluation = e.Evaluation.Clone()
	if e.EvaluatedAt != nil {
		t := *e.EvaluatedAt
		c.EvaluatedAt = &t
	}
	return &c
}

// Config holds runtime parameters set via CLI flags.
type Config struct {
	Lang         string
	Debounce     time.Duration // quiet period before a draft is flushed
	FlushTimeout time.Duration // upper bound on a single draft flush
	ScaleTarget  float64       // 0 keeps each exercise type's own target
}
