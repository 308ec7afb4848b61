// Package draft buffers learner edits locally and writes them to the exercise
// repository once the learner pauses typing.
package draft

import (
	"sync"
	"time"
)

// Scheduler runs at most one pending callback after a quiet period.
type Scheduler interface {
	// Arm replaces any pending callback with fn, due after d.
	Arm(d time.Duration, fn func())
	// Cancel drops the pending callback without running it.
	Cancel()
	// Flush runs the pending callback now, if any.
	Flush()
}

// TimerScheduler is a Scheduler over time.AfterFunc.
type TimerScheduler struct {
	mu    sync.Mutex
	timer *time.Timer
	fn    func()
	gen   uint64
}

func NewTimerScheduler() *TimerScheduler {
	return &TimerScheduler{}
}

func (s *TimerScheduler) Arm(d time.Duration, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.fn = fn
	s.timer = time.AfterFunc(d, func() { s.fire(gen) })
}

func (s *TimerScheduler) fire(gen uint64) {
	s.mu.Lock()
	// A stale timer that fired while being re-armed.
	if gen != s.gen || s.fn == nil {
		s.mu.Unlock()
		return
	}
	fn := s.fn
	s.fn = nil
	s.timer = nil
	s.mu.Unlock()
	fn()
}

func (s *TimerScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	s.timer = nil
	s.fn = nil
}

func (s *TimerScheduler) Flush() {
	s.mu.Lock()
	fn := s.fn
	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	s.timer = nil
	s.fn = nil
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}
