package retry

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestDecide(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name    string
		err     error
		expired bool
		want    Policy
	}{
		{"nil", nil, false, Never},
		{"unclassified", base, false, AfterDefaultPeriod},
		{"transient", Transient(base), false, AfterDefaultPeriod},
		{"permanent", Permanent(base), false, Never},
		{"immediate", Immediate(base), false, Immediately},
		{"auth", AuthRequired(base), false, WhenAuthenticated},
		{"wrapped", fmt.Errorf("send: %w", Immediate(base)), false, Immediately},
		{"canceled", context.Canceled, false, Never},
		{"expired wins", AuthRequired(base), true, Never},
		{"expired transient", Transient(base), true, Never},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Decide(tt.err, tt.expired); got != tt.want {
				t.Fatalf("Decide=%v want %v", got, tt.want)
			}
		})
	}
}

func TestClassifiedUnwraps(t *testing.T) {
	base := errors.New("boom")
	err := Permanent(base)
	if !errors.Is(err, base) {
		t.Fatalf("classified error should wrap the cause")
	}
	if p, ok := PolicyOf(err); !ok || p != Never {
		t.Fatalf("PolicyOf=%v,%v", p, ok)
	}
	if _, ok := PolicyOf(base); ok {
		t.Fatalf("plain error should be unclassified")
	}
	if Permanent(nil) != nil {
		t.Fatalf("classifying nil should stay nil")
	}
}

func TestPeriods(t *testing.T) {
	if d := SenderPeriods(true).Delay(AfterDefaultPeriod); d != 30*time.Second {
		t.Fatalf("dev sender period=%v", d)
	}
	if d := ReceiverPeriods(true).Delay(AfterDefaultPeriod); d != time.Minute {
		t.Fatalf("dev receiver period=%v", d)
	}
	if d := SenderPeriods(false).Delay(AfterDefaultPeriod); d != 5*time.Minute {
		t.Fatalf("prod period=%v", d)
	}
	if d := SenderPeriods(false).Delay(WhenAuthenticated); d != DefaultAuthWait {
		t.Fatalf("auth wait=%v", d)
	}
	if d := SenderPeriods(false).Delay(Immediately); d != 0 {
		t.Fatalf("immediate delay=%v", d)
	}
}

func TestTimerSingleSchedule(t *testing.T) {
	var tm Timer
	fired := make(chan struct{}, 1)
	if err := tm.Schedule(10*time.Millisecond, func() { fired <- struct{}{} }); err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if err := tm.Schedule(time.Hour, func() {}); !errors.Is(err, ErrTimerPending) {
		t.Fatalf("second Schedule err=%v want ErrTimerPending", err)
	}
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatalf("timer did not fire")
	}
	if tm.Pending() {
		t.Fatalf("timer should not be pending after firing")
	}
	if tm.Cancel() {
		t.Fatalf("cancel after fire should be a no-op")
	}
}

func TestTimerCancelPreventsCallback(t *testing.T) {
	var tm Timer
	var calls atomic.Int32
	_ = tm.Schedule(20*time.Millisecond, func() { calls.Add(1) })
	if !tm.Cancel() {
		t.Fatalf("cancel should report a pending retry")
	}
	time.Sleep(50 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("cancelled callback ran")
	}
}

func TestTimerFireRunsNow(t *testing.T) {
	var tm Timer
	var calls atomic.Int32
	_ = tm.Schedule(time.Hour, func() { calls.Add(1) })
	if !tm.Fire() {
		t.Fatalf("Fire should report a pending retry")
	}
	if calls.Load() != 1 {
		t.Fatalf("calls=%d", calls.Load())
	}
	if tm.Fire() {
		t.Fatalf("second Fire should be a no-op")
	}
}
