// Package live pushes committed document changes to subscribers.
package live

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Event names carried by a Change.
const (
	EventCreated     = "exercise.created"
	EventUpdated     = "exercise.updated"
	EventUserDeleted = "user.deleted"
)

// Change is one committed write to a document.
type Change struct {
	Key     string          `json:"key"`
	Event   string          `json:"event"`
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Hub fans changes out to subscribers keyed by document path. Delivery to a
// single subscriber follows publish order; subscribers never block publishers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[string]map[uuid.UUID]*Subscription
	all    map[uuid.UUID]*Subscription
	bus    Bus
	logger *slog.Logger
}

// NewHub creates an in-process hub.
func NewHub() *Hub {
	return &Hub{
		subs:   make(map[string]map[uuid.UUID]*Subscription),
		all:    make(map[uuid.UUID]*Subscription),
		logger: slog.With("component", "live"),
	}
}

// UseBus routes publishes through b so that every instance sharing the bus
// receives them. Local delivery then happens when the bus echoes the change.
func (h *Hub) UseBus(ctx context.Context, b Bus) error {
	if err := b.StartForwarder(ctx, h.broadcast); err != nil {
		return err
	}
	h.mu.Lock()
	h.bus = b
	h.mu.Unlock()
	return nil
}

// Publish delivers c to every subscriber of c.Key and to wildcard subscribers.
func (h *Hub) Publish(ctx context.Context, c Change) error {
	h.mu.RLock()
	b := h.bus
	h.mu.RUnlock()

	if b != nil {
		err := b.Publish(ctx, c)
		if err == nil {
			return nil
		}
		h.logger.Warn("bus publish failed, delivering locally", "key", c.Key, "error", err)
	}
	h.broadcast(c)
	return nil
}

func (h *Hub) broadcast(c Change) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, s := range h.subs[c.Key] {
		s.Push(c)
	}
	for _, s := range h.all {
		s.Push(c)
	}
}

// Subscribe registers fn for changes to key. The caller must Close the
// returned subscription on teardown.
func (h *Hub) Subscribe(key string, fn func(Change)) *Subscription {
	s := newSubscription(h, key, fn)
	h.mu.Lock()
	m, ok := h.subs[key]
	if !ok {
		m = make(map[uuid.UUID]*Subscription)
		h.subs[key] = m
	}
	m[s.ID] = s
	h.mu.Unlock()
	h.logger.Debug("subscribed", "key", key, "subscription", s.ID)
	go s.run()
	return s
}

// SubscribeAll registers fn for every change published on the hub.
func (h *Hub) SubscribeAll(fn func(Change)) *Subscription {
	s := newSubscription(h, "", fn)
	h.mu.Lock()
	h.all[s.ID] = s
	h.mu.Unlock()
	go s.run()
	return s
}

// SubscriberCount returns the number of live subscriptions on key.
func (h *Hub) SubscriberCount(key string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[key])
}

func (h *Hub) remove(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.Key == "" {
		delete(h.all, s.ID)
		return
	}
	if m, ok := h.subs[s.Key]; ok {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.subs, s.Key)
		}
	}
	h.logger.Debug("unsubscribed", "key", s.Key, "subscription", s.ID)
}

// Subscription is a registered callback with its own ordered, unbounded queue.
type Subscription struct {
	ID  uuid.UUID
	Key string

	hub  *Hub
	fn   func(Change)
	mu   sync.Mutex
	q    []Change
	wake chan struct{}
	done chan struct{}
	once sync.Once
}

func newSubscription(h *Hub, key string, fn func(Change)) *Subscription {
	return &Subscription{
		ID:   uuid.New(),
		Key:  key,
		hub:  h,
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Push queues c for delivery on this subscription only.
func (s *Subscription) Push(c Change) {
	select {
	case <-s.done:
		return
	default:
	}
	s.mu.Lock()
	s.q = append(s.q, c)
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close stops delivery and unregisters the subscription. It is safe to call
// more than once and from within the callback.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.remove(s)
	})
}

func (s *Subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		for {
			s.mu.Lock()
			if len(s.q) == 0 {
				s.mu.Unlock()
				break
			}
			c := s.q[0]
			s.q = s.q[1:]
			s.mu.Unlock()

			select {
			case <-s.done:
				return
			default:
			}
			s.fn(c)
		}
	}
}
