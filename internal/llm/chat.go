package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/llm/prompts"
	"github.com/pavelanni/salesdrill/internal/model"
)

// ChatClient evaluates through an OpenAI-compatible chat completion API.
type ChatClient struct {
	api   *openai.Client
	model string
}

// NewChatClient creates a chat client. An empty BaseURL targets OpenAI and a
// zero Timeout leaves requests bounded by the caller's context only.
func NewChatClient(cfg Config) *ChatClient {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	if cfg.Timeout > 0 {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	name := cfg.Model
	if name == "" {
		name = openai.GPT4oMini
	}
	return &ChatClient{
		api:   openai.NewClientWithConfig(config),
		model: name,
	}
}

// Evaluate asks the model for a JSON evaluation of ex.
func (c *ChatClient) Evaluate(ctx context.Context, ex *model.Exercise, rubric *model.Evaluation) (*model.Evaluation, error) {
	prompt, err := prompts.Build(ex, rubric)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: prompt},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, serviceError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, &apperr.AIServiceError{Err: errors.New("LLM returned no choices")}
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "raw", raw)
	return ParseResponse(raw, rubric)
}

func serviceError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &apperr.AIServiceError{Status: apiErr.HTTPStatusCode, Body: apiErr.Message, Err: err}
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return &apperr.AIServiceError{Status: reqErr.HTTPStatusCode, Body: reqErr.Error(), Err: err}
	}
	return &apperr.AIServiceError{Err: fmt.Errorf("LLM API call: %w", err)}
}
