package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/llm/prompts"
	"github.com/pavelanni/salesdrill/internal/model"
)

const maxErrorBody = 4 << 10

// AgentClient talks to a hosted evaluation agent: it opens a thread, posts
// the prompt as one message and parses the reply.
type AgentClient struct {
	baseURL    string
	apiKey     string
	agentID    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewAgentClient validates cfg and returns a client. A zero Timeout leaves
// the transport default in place.
func NewAgentClient(cfg Config) (*AgentClient, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("missing AI agent URL")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse AI agent URL: %w", err)
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("missing AI agent id")
	}
	return &AgentClient{
		baseURL:    base,
		apiKey:     cfg.APIKey,
		agentID:    cfg.AgentID,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.With("component", "ai-agent"),
	}, nil
}

type createThreadRequest struct {
	AgentID string `json:"agent_id"`
}

type createThreadResponse struct {
	ID       string `json:"id"`
	ThreadID string `json:"thread_id"`
}

type postMessageRequest struct {
	Message string `json:"message"`
}

// Evaluate sends ex to the agent and returns its evaluation joined to rubric.
func (c *AgentClient) Evaluate(ctx context.Context, ex *model.Exercise, rubric *model.Evaluation) (*model.Evaluation, error) {
	prompt, err := prompts.Build(ex, rubric)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	body, err := c.post(ctx, "/threads", createThreadRequest{AgentID: c.agentID})
	if err != nil {
		return nil, err
	}
	var thread createThreadResponse
	if err := json.Unmarshal(body, &thread); err != nil {
		return nil, &apperr.AIServiceError{Status: http.StatusOK, Body: truncate(string(body)), Err: fmt.Errorf("decode thread: %w", err)}
	}
	id := thread.ID
	if id == "" {
		id = thread.ThreadID
	}
	if id == "" {
		return nil, &apperr.AIServiceError{Status: http.StatusOK, Body: truncate(string(body)), Err: fmt.Errorf("thread id missing")}
	}
	c.logger.Debug("thread created", "thread_id", id, "user_id", ex.UserID, "type", ex.Type)

	reply, err := c.post(ctx, "/threads/"+url.PathEscape(id)+"/messages", postMessageRequest{Message: prompt})
	if err != nil {
		return nil, err
	}
	c.logger.Debug("agent response", "thread_id", id, "raw", string(reply))
	return ParseResponse(string(reply), rubric)
}

func (c *AgentClient) post(ctx context.Context, path string, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &apperr.AIServiceError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &apperr.AIServiceError{Status: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &apperr.AIServiceError{Status: resp.StatusCode, Body: truncate(string(body))}
	}
	return body, nil
}

func truncate(s string) string {
	if len(s) > maxErrorBody {
		return s[:maxErrorBody]
	}
	return s
}
