package live

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func recvChange(t *testing.T, ch <-chan Change, timeout time.Duration) Change {
	t.Helper()
	select {
	case c := <-ch:
		return c
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for change")
	}
	return Change{}
}

func TestHubDeliversInPublishOrder(t *testing.T) {
	hub := NewHub()
	got := make(chan Change, 100)
	sub := hub.Subscribe("users/u1/exercises/cdab", func(c Change) { got <- c })
	defer sub.Close()

	for i := int64(1); i <= 50; i++ {
		if err := hub.Publish(context.Background(), Change{Key: "users/u1/exercises/cdab", Event: EventUpdated, Version: i}); err != nil {
			t.Fatalf("Publish: %v", err)
		}
	}
	for i := int64(1); i <= 50; i++ {
		c := recvChange(t, got, time.Second)
		if c.Version != i {
			t.Fatalf("change %d delivered out of order: version %d", i, c.Version)
		}
	}
}

func TestHubKeysAreIsolated(t *testing.T) {
	hub := NewHub()
	a := make(chan Change, 4)
	b := make(chan Change, 4)
	subA := hub.Subscribe("users/a/exercises/cdab", func(c Change) { a <- c })
	subB := hub.Subscribe("users/b/exercises/cdab", func(c Change) { b <- c })
	defer subA.Close()
	defer subB.Close()

	_ = hub.Publish(context.Background(), Change{Key: "users/a/exercises/cdab", Version: 1})

	recvChange(t, a, time.Second)
	select {
	case c := <-b:
		t.Fatalf("subscriber b received change for another key: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeAllAndClose(t *testing.T) {
	hub := NewHub()
	all := make(chan Change, 4)
	sub := hub.SubscribeAll(func(c Change) { all <- c })

	_ = hub.Publish(context.Background(), Change{Key: "users/u1", Event: EventUserDeleted})
	if c := recvChange(t, all, time.Second); c.Event != EventUserDeleted {
		t.Fatalf("event = %s", c.Event)
	}

	sub.Close()
	sub.Close()
	_ = hub.Publish(context.Background(), Change{Key: "users/u2", Event: EventUserDeleted})
	select {
	case c := <-all:
		t.Fatalf("closed subscription received %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeReleasesKey(t *testing.T) {
	hub := NewHub()
	key := "users/u1/exercises/goalkeeper"
	s1 := hub.Subscribe(key, func(Change) {})
	s2 := hub.Subscribe(key, func(Change) {})
	if n := hub.SubscriberCount(key); n != 2 {
		t.Fatalf("SubscriberCount = %d, want 2", n)
	}
	s1.Close()
	s2.Close()
	if n := hub.SubscriberCount(key); n != 0 {
		t.Fatalf("SubscriberCount after close = %d, want 0", n)
	}
}

func TestCloseFromCallback(t *testing.T) {
	hub := NewHub()
	done := make(chan struct{})
	var sub *Subscription
	sub = hub.Subscribe("k", func(Change) {
		sub.Close()
		close(done)
	})
	_ = hub.Publish(context.Background(), Change{Key: "k"})
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("callback not invoked")
	}
}

func TestServeSSE(t *testing.T) {
	hub := NewHub()
	key := "users/u1/exercises/presentation"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.ServeSSE(w, r, []string{key})
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("Content-Type = %q", ct)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.SubscriberCount(key) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("SSE handler never subscribed")
		}
		time.Sleep(5 * time.Millisecond)
	}
	_ = hub.Publish(context.Background(), Change{Key: key, Event: EventUpdated, Version: 7})

	sc := bufio.NewScanner(resp.Body)
	var eventLine, dataLine string
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(line, "event: ") {
			eventLine = line
		}
		if strings.HasPrefix(line, "data: ") {
			dataLine = line
			break
		}
	}
	if eventLine != "event: "+EventUpdated {
		t.Errorf("event line = %q", eventLine)
	}
	if !strings.Contains(dataLine, `"version":7`) {
		t.Errorf("data line = %q", dataLine)
	}
}
