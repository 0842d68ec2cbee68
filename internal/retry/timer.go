package retry

import (
	"sync"
	"time"
)

// Timer holds at most one scheduled retry.
//
// Cancel after the callback has fired is a no-op, and a callback that lost the
// race against Cancel or Fire never runs.
type Timer struct {
	mu  sync.Mutex
	t   *time.Timer
	fn  func()
	seq uint64
}

// Schedule runs fn after d. It fails with ErrTimerPending if a retry is already scheduled.
func (t *Timer) Schedule(d time.Duration, fn func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		return ErrTimerPending
	}
	t.seq++
	seq := t.seq
	t.fn = fn
	t.t = time.AfterFunc(d, func() {
		if f := t.take(seq); f != nil {
			f()
		}
	})
	return nil
}

// take clears the pending retry if it is still the one identified by seq.
func (t *Timer) take(seq uint64) func() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil || t.seq != seq {
		return nil
	}
	f := t.fn
	t.t = nil
	t.fn = nil
	return f
}

// Cancel drops the pending retry. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	t.fn = nil
	t.seq++
	return true
}

// Fire runs the pending retry now, on the caller's goroutine.
// It reports whether one was pending.
func (t *Timer) Fire() bool {
	t.mu.Lock()
	if t.t == nil {
		t.mu.Unlock()
		return false
	}
	t.t.Stop()
	f := t.fn
	t.t = nil
	t.fn = nil
	t.seq++
	t.mu.Unlock()

	if f != nil {
		f()
	}
	return true
}

// Pending reports whether a retry is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}
