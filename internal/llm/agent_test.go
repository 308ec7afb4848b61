package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/salesdrill/internal/apperr"
	"github.com/pavelanni/salesdrill/internal/model"
)

func presentationExercise() *model.Exercise {
	return &model.Exercise{
		UserID:  "u1",
		Type:    model.TypePresentation,
		Status:  model.StatusSubmitted,
		Content: model.PresentationContent{Text: "Acme helps SMEs sell more."},
	}
}

func newAgentServer(t *testing.T, reply string, replyStatus int) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /threads", func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer secret" {
			t.Errorf("Authorization = %q", got)
		}
		var req createThreadRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.AgentID != "agent-7" {
			t.Errorf("thread request = %+v, %v", req, err)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"th_1"}`))
	})
	mux.HandleFunc("POST /threads/th_1/messages", func(w http.ResponseWriter, r *http.Request) {
		var req postMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode message: %v", err)
		}
		if !strings.Contains(req.Message, "Acme helps SMEs sell more.") {
			t.Errorf("prompt does not carry the learner content")
		}
		w.WriteHeader(replyStatus)
		_, _ = w.Write([]byte(reply))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAgentClientEvaluate(t *testing.T) {
	reply := "```json\n{\"evaluation\":{\"criteria\":[{\"name\":\"Arguments\",\"score\":4,\"maxPoints\":5}]}}\n```"
	srv := newAgentServer(t, reply, http.StatusOK)

	c, err := NewAgentClient(Config{BaseURL: srv.URL + "/", APIKey: "secret", AgentID: "agent-7"})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	ev, err := c.Evaluate(context.Background(), presentationExercise(), presentationRubric())
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if ev.TotalScore != 4 {
		t.Errorf("total = %v, want 4", ev.TotalScore)
	}
}

func TestAgentClientServiceError(t *testing.T) {
	srv := newAgentServer(t, `{"error":"rate limited"}`, http.StatusTooManyRequests)
	c, err := NewAgentClient(Config{BaseURL: srv.URL, APIKey: "secret", AgentID: "agent-7"})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	_, err = c.Evaluate(context.Background(), presentationExercise(), presentationRubric())
	var svc *apperr.AIServiceError
	if !errors.As(err, &svc) {
		t.Fatalf("expected AIServiceError, got %v", err)
	}
	if svc.Status != http.StatusTooManyRequests || !strings.Contains(svc.Body, "rate limited") {
		t.Errorf("error = %+v", svc)
	}
}

func TestAgentClientMalformedReply(t *testing.T) {
	srv := newAgentServer(t, "I think this deserves 15/20", http.StatusOK)
	c, err := NewAgentClient(Config{BaseURL: srv.URL, APIKey: "secret", AgentID: "agent-7"})
	if err != nil {
		t.Fatalf("NewAgentClient: %v", err)
	}
	_, err = c.Evaluate(context.Background(), presentationExercise(), presentationRubric())
	var inv *apperr.InvalidAIResponseError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidAIResponseError, got %v", err)
	}
}

func TestNewAgentClientConfig(t *testing.T) {
	if _, err := NewAgentClient(Config{AgentID: "a"}); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := NewAgentClient(Config{BaseURL: "http://x"}); err == nil {
		t.Error("expected error without agent id")
	}
}

func TestNewBackend(t *testing.T) {
	ev, err := New(Config{Backend: "none"})
	if err != nil || ev != nil {
		t.Errorf("none backend = %v, %v", ev, err)
	}
	if _, err := New(Config{Backend: "oracle"}); err == nil {
		t.Error("expected error for unknown backend")
	}
	ev, err = New(Config{Backend: "openai", APIKey: "k"})
	if err != nil {
		t.Fatalf("openai backend: %v", err)
	}
	if _, ok := ev.(*ChatClient); !ok {
		t.Errorf("openai backend = %T", ev)
	}
}
