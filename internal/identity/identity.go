// Package identity mirrors user deletions to the hosted identity provider.
package identity

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pavelanni/salesdrill/internal/live"
)

// Client deletes accounts through the identity provider's admin API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("missing identity provider URL")
	}
	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

// DeleteAccount removes the account of userID. An account that is already
// gone counts as deleted.
func (c *Client) DeleteAccount(ctx context.Context, userID string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/accounts/"+url.PathEscape(userID), nil)
	if err != nil {
		return err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound || (resp.StatusCode >= 200 && resp.StatusCode < 300) {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("delete account: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
}

// AccountDeleter is the provider call the Listener makes.
type AccountDeleter interface {
	DeleteAccount(ctx context.Context, userID string) error
}

// Source is where user.deleted changes come from.
type Source interface {
	SubscribeAll(fn func(live.Change)) *live.Subscription
}

// Listener reacts to user.deleted changes. The provider call is best effort:
// a failure is logged and never retried.
type Listener struct {
	deleter AccountDeleter
	hooks   []func(userID string)
	logger  *slog.Logger
}

// NewListener returns a listener. deleter may be nil when no provider is
// configured; hooks run for every deleted user either way.
func NewListener(deleter AccountDeleter, hooks ...func(userID string)) *Listener {
	return &Listener{
		deleter: deleter,
		hooks:   hooks,
		logger:  slog.With("component", "identity"),
	}
}

// Start follows src until the returned func is called.
func (l *Listener) Start(src Source) func() {
	sub := src.SubscribeAll(l.handle)
	return sub.Close
}

func (l *Listener) handle(c live.Change) {
	if c.Event != live.EventUserDeleted {
		return
	}
	userID, ok := strings.CutPrefix(c.Key, "users/")
	if !ok || userID == "" || strings.Contains(userID, "/") {
		return
	}
	for _, h := range l.hooks {
		h(userID)
	}
	if l.deleter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := l.deleter.DeleteAccount(ctx, userID); err != nil {
		l.logger.Error("identity account deletion failed", "user_id", userID, "error", err)
		return
	}
	l.logger.Info("identity account deleted", "user_id", userID)
}
