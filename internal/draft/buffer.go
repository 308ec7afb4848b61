package draft

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/pavelanni/salesdrill/internal/exercise"
	"github.com/pavelanni/salesdrill/internal/model"
)

// Remote is the part of an exercise repository a buffer writes through.
type Remote interface {
	Type() model.ExerciseType
	Get(ctx context.Context, userID string) (*model.Exercise, error)
	Subscribe(ctx context.Context, userID string, fn func(*model.Exercise)) (func(), error)
	Update(ctx context.Context, actor model.Actor, userID string, p exercise.Patch) (*model.Exercise, error)
}

// Cache keeps the latest local copy of a draft across restarts.
type Cache interface {
	Save(ctx context.Context, userID string, t model.ExerciseType, data []byte) error
	Load(ctx context.Context, userID string, t model.ExerciseType) ([]byte, time.Time, error)
	Delete(ctx context.Context, userID string, t model.ExerciseType) error
}

// Options configure a Buffer.
type Options struct {
	Debounce     time.Duration
	FlushTimeout time.Duration
	Scheduler    Scheduler
	// OnError receives flush and cache failures. The buffer has already
	// reverted to the last confirmed content when a flush fails.
	OnError func(error)
	// OnChange receives the content after a remote change is adopted.
	OnChange func(model.Content)
}

const (
	DefaultDebounce     = time.Second
	DefaultFlushTimeout = 10 * time.Second
)

// ErrClosed is returned by Edit once the buffer has been closed.
var ErrClosed = errors.New("draft buffer closed")

// Buffer holds the optimistic content of one exercise. Edits are visible at
// once, saved to the cache at once and written to the repository after
// Debounce without further edits.
type Buffer struct {
	remote Remote
	cache  Cache
	userID string
	opts   Options
	logger *slog.Logger

	mu      sync.Mutex
	actor   model.Actor
	state   model.Content // what the learner sees
	known   model.Content // last content confirmed by the repository
	status  model.Status
	pending bool
	closed  bool
	active  time.Time // last edit or write
	unsub   func()
}

// Open loads the exercise, restores an unflushed local draft if the cache
// holds one newer than the stored exercise, and follows remote changes.
func Open(ctx context.Context, remote Remote, cache Cache, actor model.Actor, userID string, opts Options) (*Buffer, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.FlushTimeout <= 0 {
		opts.FlushTimeout = DefaultFlushTimeout
	}
	if opts.Scheduler == nil {
		opts.Scheduler = NewTimerScheduler()
	}
	b := &Buffer{
		remote: remote,
		cache:  cache,
		userID: userID,
		opts:   opts,
		actor:  actor,
		active: time.Now(),
		logger: slog.With("component", "draft", "user_id", userID, "type", remote.Type()),
	}

	ex, err := remote.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	b.state = ex.Content
	b.known = ex.Content
	b.status = ex.Status

	if cache != nil && !ex.Status.Locked() {
		if err := b.restore(ctx, ex); err != nil {
			b.logger.Warn("ignoring unreadable local draft", "error", err)
		}
	}

	unsub, err := remote.Subscribe(ctx, userID, b.onRemote)
	if err != nil {
		b.opts.Scheduler.Cancel()
		return nil, err
	}
	b.mu.Lock()
	b.unsub = unsub
	b.mu.Unlock()
	return b, nil
}

func (b *Buffer) restore(ctx context.Context, ex *model.Exercise) error {
	data, savedAt, err := b.cache.Load(ctx, b.userID, b.remote.Type())
	if err != nil || data == nil {
		return err
	}
	if !savedAt.After(ex.UpdatedAt) {
		return b.cache.Delete(ctx, b.userID, b.remote.Type())
	}
	c, err := model.DecodeContent(b.remote.Type(), data)
	if err != nil {
		return fmt.Errorf("decode cached draft: %w", err)
	}
	if reflect.DeepEqual(c, b.known) {
		return nil
	}
	b.logger.Info("restored local draft", "saved_at", savedAt)
	b.mu.Lock()
	b.state = c
	b.pending = true
	b.mu.Unlock()
	b.opts.Scheduler.Arm(b.opts.Debounce, b.flush)
	return nil
}

// Content returns the optimistic content.
func (b *Buffer) Content() model.Content {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.Clone()
}

// Status returns the last known status of the exercise.
func (b *Buffer) Status() model.Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Pending reports whether an edit is waiting to be written.
func (b *Buffer) Pending() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pending
}

// idle reports whether nothing is left to write and the buffer has seen no
// edit or write for at least d.
func (b *Buffer) idle(now time.Time, d time.Duration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.pending && now.Sub(b.active) >= d
}

// Edit replaces the draft content on behalf of actor and restarts the
// debounce window.
func (b *Buffer) Edit(ctx context.Context, actor model.Actor, c model.Content) error {
	if c == nil || c.ExerciseType() != b.remote.Type() {
		return fmt.Errorf("draft for %s exercise cannot hold %T", b.remote.Type(), c)
	}
	c = c.Normalize()

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.actor = actor
	b.state = c
	b.pending = true
	b.active = time.Now()
	b.mu.Unlock()

	if b.cache != nil {
		if data, err := json.Marshal(c); err != nil {
			b.report(fmt.Errorf("marshal draft: %w", err))
		} else if err := b.cache.Save(ctx, b.userID, b.remote.Type(), data); err != nil {
			b.report(err)
		}
	}
	b.opts.Scheduler.Arm(b.opts.Debounce, b.flush)
	return nil
}

// flush writes the current draft once. It is the scheduler callback.
func (b *Buffer) flush() {
	b.mu.Lock()
	if !b.pending || b.closed {
		b.mu.Unlock()
		return
	}
	snapshot := b.state
	actor := b.actor
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.opts.FlushTimeout)
	defer cancel()
	ex, err := b.remote.Update(ctx, actor, b.userID, exercise.Patch{Content: snapshot})

	b.mu.Lock()
	b.active = time.Now()
	if err != nil {
		// Edits made during the failed write stay pending for the next flush.
		if reflect.DeepEqual(b.state, snapshot) {
			b.state = b.known
			b.pending = false
		}
		b.mu.Unlock()
		b.logger.Warn("draft flush failed", "error", err)
		b.report(err)
		return
	}
	b.known = ex.Content
	b.status = ex.Status
	newer := !reflect.DeepEqual(b.state, snapshot)
	if !newer {
		b.pending = false
	}
	b.mu.Unlock()

	b.logger.Debug("draft flushed", "version", ex.Version)
	if !newer && b.cache != nil {
		if err := b.cache.Delete(ctx, b.userID, b.remote.Type()); err != nil {
			b.report(err)
		}
	}
}

// onRemote adopts a committed change unless it is an echo of what the buffer
// already holds, or a local edit is still waiting to be written.
func (b *Buffer) onRemote(ex *model.Exercise) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.status = ex.Status
	if reflect.DeepEqual(ex.Content, b.state) || reflect.DeepEqual(ex.Content, b.known) {
		b.known = ex.Content
		b.mu.Unlock()
		return
	}
	b.known = ex.Content
	if b.pending {
		b.mu.Unlock()
		return
	}
	b.state = ex.Content
	b.mu.Unlock()

	if b.opts.OnChange != nil {
		b.opts.OnChange(ex.Content.Clone())
	}
}

func (b *Buffer) report(err error) {
	if b.opts.OnError != nil {
		b.opts.OnError(err)
	}
}

// Flush writes a pending edit now instead of waiting for the debounce.
func (b *Buffer) Flush() {
	b.opts.Scheduler.Flush()
}

// Close cancels a pending write and stops following remote changes. The
// local cache keeps any unwritten edit for the next Open.
func (b *Buffer) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	unsub := b.unsub
	b.mu.Unlock()

	b.opts.Scheduler.Cancel()
	if unsub != nil {
		unsub()
	}
}
