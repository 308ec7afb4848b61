package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/pavelanni/salesdrill/internal/exercise"
	"github.com/pavelanni/salesdrill/internal/model"
)

type bufferKey struct {
	userID string
	typ    model.ExerciseType
}

// Manager owns one Buffer per learner exercise being edited.
type Manager struct {
	repos        exercise.Set
	cache        Cache
	debounce     time.Duration
	flushTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	buffers map[bufferKey]*Buffer
	errs    map[bufferKey]error
	closed  bool
}

func NewManager(repos exercise.Set, cache Cache, debounce, flushTimeout time.Duration) *Manager {
	return &Manager{
		repos:        repos,
		cache:        cache,
		debounce:     debounce,
		flushTimeout: flushTimeout,
		logger:       slog.With("component", "drafts"),
		buffers:      make(map[bufferKey]*Buffer),
		errs:         make(map[bufferKey]error),
	}
}

// Edit stages content as the user's draft of exercise type t and returns the
// buffer holding it.
func (m *Manager) Edit(ctx context.Context, actor model.Actor, userID string, t model.ExerciseType, c model.Content) (*Buffer, error) {
	b, err := m.buffer(ctx, actor, userID, t)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.errs, bufferKey{userID, t})
	m.mu.Unlock()
	err = b.Edit(ctx, actor, c)
	if errors.Is(err, ErrClosed) {
		// Evicted between lookup and edit; open a fresh one.
		if b, err = m.buffer(ctx, actor, userID, t); err != nil {
			return nil, err
		}
		err = b.Edit(ctx, actor, c)
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

// LastError returns the most recent flush failure of a draft since its last
// edit, or nil.
func (m *Manager) LastError(userID string, t model.ExerciseType) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.errs[bufferKey{userID, t}]
}

func (m *Manager) buffer(ctx context.Context, actor model.Actor, userID string, t model.ExerciseType) (*Buffer, error) {
	key := bufferKey{userID, t}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, fmt.Errorf("draft manager closed")
	}
	if b, ok := m.buffers[key]; ok {
		m.mu.Unlock()
		return b, nil
	}
	m.mu.Unlock()

	repo, err := m.repos.Lookup(t)
	if err != nil {
		return nil, err
	}
	b, err := Open(ctx, repo, m.cache, actor, userID, Options{
		Debounce:     m.debounce,
		FlushTimeout: m.flushTimeout,
		OnError: func(err error) {
			m.logger.Warn("draft write failed", "user_id", userID, "type", t, "error", err)
			m.mu.Lock()
			m.errs[key] = err
			m.mu.Unlock()
		},
	})
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.buffers[key]; ok {
		// Lost a race with a concurrent open.
		b.Close()
		return existing, nil
	}
	if m.closed {
		b.Close()
		return nil, fmt.Errorf("draft manager closed")
	}
	m.buffers[key] = b
	return b, nil
}

// Flush writes a pending edit of one exercise now, if a buffer is open.
func (m *Manager) Flush(userID string, t model.ExerciseType) {
	m.mu.Lock()
	b, ok := m.buffers[bufferKey{userID, t}]
	m.mu.Unlock()
	if ok {
		b.Flush()
	}
}

// Drop closes the buffer of one exercise, if open.
func (m *Manager) Drop(userID string, t model.ExerciseType) {
	key := bufferKey{userID, t}
	m.mu.Lock()
	b, ok := m.buffers[key]
	delete(m.buffers, key)
	delete(m.errs, key)
	m.mu.Unlock()
	if ok {
		b.Close()
	}
}

// DropUser closes every buffer of a user.
func (m *Manager) DropUser(userID string) {
	for _, v := range model.Variants() {
		m.Drop(userID, v.Type)
	}
}

// DefaultIdle is how long a written draft stays open without edits.
const DefaultIdle = 10 * time.Minute

// EvictIdle closes buffers that have nothing left to write and have seen no
// edit or write for idle. It returns how many were closed.
func (m *Manager) EvictIdle(idle time.Duration) int {
	return m.evictIdle(time.Now(), idle)
}

func (m *Manager) evictIdle(now time.Time, idle time.Duration) int {
	var evicted []*Buffer
	m.mu.Lock()
	for key, b := range m.buffers {
		if b.idle(now, idle) {
			delete(m.buffers, key)
			delete(m.errs, key)
			evicted = append(evicted, b)
		}
	}
	m.mu.Unlock()

	for _, b := range evicted {
		b.Close()
	}
	if len(evicted) > 0 {
		m.logger.Debug("idle draft buffers closed", "count", len(evicted))
	}
	return len(evicted)
}

// Run evicts idle buffers every interval until ctx is done.
func (m *Manager) Run(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.EvictIdle(idle)
		}
	}
}

// Close cancels every pending write and releases all subscriptions.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	buffers := m.buffers
	m.buffers = make(map[bufferKey]*Buffer)
	m.mu.Unlock()

	for _, b := range buffers {
		b.Close()
	}
	m.logger.Info("draft buffers closed", "count", len(buffers))
}
