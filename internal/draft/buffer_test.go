package draft

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pavelanni/salesdrill/internal/exercise"
	"github.com/pavelanni/salesdrill/internal/model"
)

// manualScheduler runs the armed callback only when the test calls Flush.
type manualScheduler struct {
	mu    sync.Mutex
	fn    func()
	arms  int
	limit time.Duration
}

func (s *manualScheduler) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = fn
	s.arms++
	s.limit = d
}

func (s *manualScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fn = nil
}

func (s *manualScheduler) Flush() {
	s.mu.Lock()
	fn := s.fn
	s.fn = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *manualScheduler) armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fn != nil
}

type fakeRemote struct {
	mu      sync.Mutex
	ex      *model.Exercise
	writes  []model.Content
	failErr error
	notify  func(*model.Exercise)
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{ex: &model.Exercise{
		UserID:    "u1",
		Type:      model.TypePresentation,
		Status:    model.StatusInProgress,
		Content:   model.PresentationContent{Text: "start"},
		UpdatedAt: time.Now(),
		Version:   1,
	}}
}

func (f *fakeRemote) Type() model.ExerciseType { return model.TypePresentation }

func (f *fakeRemote) Get(context.Context, string) (*model.Exercise, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ex.Clone(), nil
}

func (f *fakeRemote) Subscribe(_ context.Context, _ string, fn func(*model.Exercise)) (func(), error) {
	f.mu.Lock()
	f.notify = fn
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		f.notify = nil
		f.mu.Unlock()
	}, nil
}

func (f *fakeRemote) Update(_ context.Context, _ model.Actor, _ string, p exercise.Patch) (*model.Exercise, error) {
	f.mu.Lock()
	if f.failErr != nil {
		err := f.failErr
		f.mu.Unlock()
		return nil, err
	}
	f.writes = append(f.writes, p.Content)
	f.ex.Content = p.Content
	f.ex.Version++
	f.ex.UpdatedAt = time.Now()
	out := f.ex.Clone()
	fn := f.notify
	f.mu.Unlock()
	if fn != nil {
		fn(out.Clone())
	}
	return out, nil
}

// push simulates a change committed by another writer.
func (f *fakeRemote) push(c model.Content) {
	f.mu.Lock()
	f.ex.Content = c
	f.ex.Version++
	out := f.ex.Clone()
	fn := f.notify
	f.mu.Unlock()
	if fn != nil {
		fn(out)
	}
}

func (f *fakeRemote) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.writes)
}

type memCache struct {
	mu      sync.Mutex
	data    map[model.ExerciseType][]byte
	savedAt time.Time
	saves   int
}

func (c *memCache) Save(_ context.Context, _ string, t model.ExerciseType, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.data == nil {
		c.data = make(map[model.ExerciseType][]byte)
	}
	c.data[t] = append([]byte(nil), data...)
	c.savedAt = time.Now()
	c.saves++
	return nil
}

func (c *memCache) Load(_ context.Context, _ string, t model.ExerciseType) ([]byte, time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[t], c.savedAt, nil
}

func (c *memCache) Delete(_ context.Context, _ string, t model.ExerciseType) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, t)
	return nil
}

var learner = model.Actor{ID: "u1", Role: model.RoleLearner}

func openTestBuffer(t *testing.T, remote *fakeRemote, cache Cache, opts Options) (*Buffer, *manualScheduler) {
	t.Helper()
	sched := &manualScheduler{}
	opts.Scheduler = sched
	b, err := Open(context.Background(), remote, cache, learner, "u1", opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(b.Close)
	return b, sched
}

func text(c model.Content) string {
	return c.(model.PresentationContent).Text
}

func TestEditsInOneWindowWriteOnce(t *testing.T) {
	remote := newFakeRemote()
	cache := &memCache{}
	b, sched := openTestBuffer(t, remote, cache, Options{Debounce: 500 * time.Millisecond})
	ctx := context.Background()

	for _, s := range []string{"a", "ab", "abc", "abcd"} {
		if err := b.Edit(ctx, learner, model.PresentationContent{Text: s}); err != nil {
			t.Fatalf("Edit: %v", err)
		}
		if got := text(b.Content()); got != s {
			t.Fatalf("optimistic content = %q, want %q", got, s)
		}
	}
	if n := remote.writeCount(); n != 0 {
		t.Fatalf("%d writes before the window closed", n)
	}
	if cache.saves != 4 {
		t.Errorf("cache saves = %d, want 4", cache.saves)
	}
	if sched.limit != 500*time.Millisecond {
		t.Errorf("armed with %v", sched.limit)
	}

	sched.Flush()
	if n := remote.writeCount(); n != 1 {
		t.Fatalf("writes = %d, want 1", n)
	}
	if got := text(remote.writes[0]); got != "abcd" {
		t.Errorf("written content = %q, want abcd", got)
	}
	if b.Pending() {
		t.Error("buffer still pending after successful flush")
	}
	if data, _, _ := cache.Load(ctx, "u1", model.TypePresentation); data != nil {
		t.Errorf("cache not cleared after flush: %s", data)
	}
}

func TestFlushFailureReverts(t *testing.T) {
	remote := newFakeRemote()
	remote.failErr = errors.New("store unavailable")
	var reported error
	b, sched := openTestBuffer(t, remote, &memCache{}, Options{OnError: func(err error) { reported = err }})

	if err := b.Edit(context.Background(), learner, model.PresentationContent{Text: "lost?"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	sched.Flush()

	if !errors.Is(reported, remote.failErr) {
		t.Errorf("OnError got %v", reported)
	}
	if got := text(b.Content()); got != "start" {
		t.Errorf("content after failed flush = %q, want start", got)
	}
	if b.Pending() {
		t.Error("reverted buffer still pending")
	}
}

func TestRemoteEchoIgnored(t *testing.T) {
	remote := newFakeRemote()
	changes := 0
	b, sched := openTestBuffer(t, remote, nil, Options{OnChange: func(model.Content) { changes++ }})

	if err := b.Edit(context.Background(), learner, model.PresentationContent{Text: "mine"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	sched.Flush()
	if changes != 0 {
		t.Errorf("own write echoed back as a change %d times", changes)
	}

	remote.push(model.PresentationContent{Text: "mine"})
	if changes != 0 {
		t.Errorf("identical remote state treated as a change")
	}

	remote.push(model.PresentationContent{Text: "theirs"})
	if changes != 1 || text(b.Content()) != "theirs" {
		t.Errorf("changes=%d content=%q", changes, text(b.Content()))
	}
}

func TestRemoteChangeDoesNotClobberPendingEdit(t *testing.T) {
	remote := newFakeRemote()
	b, _ := openTestBuffer(t, remote, nil, Options{})

	if err := b.Edit(context.Background(), learner, model.PresentationContent{Text: "typing"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	remote.push(model.PresentationContent{Text: "elsewhere"})
	if got := text(b.Content()); got != "typing" {
		t.Errorf("content = %q, want the pending local edit", got)
	}
}

func TestCloseCancelsPendingWrite(t *testing.T) {
	remote := newFakeRemote()
	cache := &memCache{}
	b, sched := openTestBuffer(t, remote, cache, Options{})

	if err := b.Edit(context.Background(), learner, model.PresentationContent{Text: "unsaved"}); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	b.Close()
	if sched.armed() {
		t.Error("timer still armed after Close")
	}
	sched.Flush()
	if n := remote.writeCount(); n != 0 {
		t.Errorf("writes after Close = %d", n)
	}
	if err := b.Edit(context.Background(), learner, model.PresentationContent{Text: "x"}); err == nil {
		t.Error("Edit on closed buffer succeeded")
	}

	// The unwritten edit comes back on the next open.
	reopened, sched2 := openTestBuffer(t, remote, cache, Options{})
	if got := text(reopened.Content()); got != "unsaved" {
		t.Errorf("restored content = %q", got)
	}
	if !reopened.Pending() || !sched2.armed() {
		t.Error("restored draft not scheduled for writing")
	}
}

func TestEditRejectsWrongType(t *testing.T) {
	b, _ := openTestBuffer(t, newFakeRemote(), nil, Options{})
	if err := b.Edit(context.Background(), learner, model.CDABContent{}); err == nil {
		t.Error("expected error for cdab content in presentation draft")
	}
}

func TestTimerSchedulerDebounces(t *testing.T) {
	s := NewTimerScheduler()
	var mu sync.Mutex
	var calls []int
	for i := 1; i <= 3; i++ {
		i := i
		s.Arm(20*time.Millisecond, func() {
			mu.Lock()
			calls = append(calls, i)
			mu.Unlock()
		})
	}
	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if len(calls) != 1 || calls[0] != 3 {
		t.Errorf("calls = %v, want [3]", calls)
	}
}

func TestTimerSchedulerCancelAndFlush(t *testing.T) {
	s := NewTimerScheduler()
	fired := make(chan struct{}, 2)
	s.Arm(20*time.Millisecond, func() { fired <- struct{}{} })
	s.Cancel()
	s.Flush()
	select {
	case <-fired:
		t.Fatal("cancelled callback ran")
	case <-time.After(60 * time.Millisecond):
	}

	s.Arm(time.Hour, func() { fired <- struct{}{} })
	s.Flush()
	select {
	case <-fired:
	default:
		t.Fatal("Flush did not run the pending callback")
	}
}
