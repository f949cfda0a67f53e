// Package clock abstracts time sourcing so every timestamp in the core
// (task creation, audit entries, circuit breaker windows, scheduled task
// triggers) comes from one injected dependency instead of scattered
// time.Now() calls, making the whole system deterministic under test.
package clock

import (
	"sync"
	"time"
)

// Clock is the sole source of time for the reasoning core.
type Clock interface {
	Now() time.Time
	Since(t time.Time) time.Duration
	Sleep(d time.Duration)
	After(d time.Duration) <-chan time.Time
	NewTimer(d time.Duration) Timer
}

// Timer mirrors the subset of time.Timer the core needs, so FakeClock can
// substitute a controllable channel for it.
type Timer interface {
	C() <-chan time.Time
	Stop() bool
	Reset(d time.Duration) bool
}

// SystemClock is the production Clock, a thin pass-through to the time
// package.
type SystemClock struct{}

// NewSystemClock returns the production Clock.
func NewSystemClock() SystemClock { return SystemClock{} }

func (SystemClock) Now() time.Time                     { return time.Now() }
func (SystemClock) Since(t time.Time) time.Duration    { return time.Since(t) }
func (SystemClock) Sleep(d time.Duration)               { time.Sleep(d) }
func (SystemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

func (SystemClock) NewTimer(d time.Duration) Timer {
	return &systemTimer{t: time.NewTimer(d)}
}

type systemTimer struct{ t *time.Timer }

func (s *systemTimer) C() <-chan time.Time         { return s.t.C }
func (s *systemTimer) Stop() bool                  { return s.t.Stop() }
func (s *systemTimer) Reset(d time.Duration) bool { return s.t.Reset(d) }

// FakeClock is a manually-advanced Clock for deterministic tests: audit
// chain ordering, circuit breaker window expiry, and scheduled task due
// times can all be exercised without a real sleep.
type FakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	deadline time.Time
	ch       chan time.Time
}

// NewFakeClock starts a FakeClock at the given instant.
func NewFakeClock(start time.Time) *FakeClock {
	return &FakeClock{now: start}
}

func (f *FakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *FakeClock) Since(t time.Time) time.Duration {
	return f.Now().Sub(t)
}

// Sleep blocks the caller until Advance moves the clock past now+d. Intended
// for use from a goroutine under test, not the test's own goroutine.
func (f *FakeClock) Sleep(d time.Duration) {
	<-f.After(d)
}

func (f *FakeClock) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	deadline := f.now.Add(d)
	if !deadline.After(f.now) {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{deadline: deadline, ch: ch})
	return ch
}

func (f *FakeClock) NewTimer(d time.Duration) Timer {
	return &fakeTimer{clock: f, ch: f.After(d)}
}

// Advance moves the clock forward by d, firing any waiters whose deadline
// has been reached.
func (f *FakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	now := f.now
	remaining := f.waiters[:0]
	fired := make([]fakeWaiter, 0, len(f.waiters))
	for _, w := range f.waiters {
		if !w.deadline.After(now) {
			fired = append(fired, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	f.waiters = remaining
	f.mu.Unlock()

	for _, w := range fired {
		w.ch <- now
	}
}

type fakeTimer struct {
	clock *FakeClock
	ch    <-chan time.Time
}

func (t *fakeTimer) C() <-chan time.Time { return t.ch }
func (t *fakeTimer) Stop() bool          { return true }
func (t *fakeTimer) Reset(d time.Duration) bool {
	t.ch = t.clock.After(d)
	return true
}
