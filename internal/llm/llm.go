// Package llm connects the exercise workflow to external AI evaluators.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/salesdrill/internal/model"
)

// Evaluator scores an exercise against a rubric. The result is joined to the
// rubric: local caps and names are authoritative.
type Evaluator interface {
	Evaluate(ctx context.Context, ex *model.Exercise, rubric *model.Evaluation) (*model.Evaluation, error)
}

// Backend names accepted by New.
const (
	BackendAgent  = "agent"
	BackendOpenAI = "openai"
	BackendNone   = "none"
)

// Config selects and configures an evaluator.
type Config struct {
	Backend string
	BaseURL string
	APIKey  string
	AgentID string
	Model   string
	Timeout time.Duration
}

// New builds the evaluator named by cfg.Backend. It returns nil, nil for
// BackendNone.
func New(cfg Config) (Evaluator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case BackendAgent:
		return NewAgentClient(cfg)
	case BackendOpenAI:
		return NewChatClient(cfg), nil
	case BackendNone, "":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown AI backend %q", cfg.Backend)
}
