package retry

import (
	"errors"
	"fmt"
)

// ErrTimerPending is returned when a retry is scheduled while another one is still pending.
var ErrTimerPending = errors.New("retry already scheduled")

// Permanent marks err as terminal; the step is never retried.
//
// Example:
//
//	return retry.Permanent(fmt.Errorf("send rejected: %s", status))
func Permanent(err error) error { return classify(err, Never) }

// Transient marks err as retryable after the default period.
func Transient(err error) error { return classify(err, AfterDefaultPeriod) }

// Immediate marks err as retryable right away, e.g. after dropping stale credentials.
func Immediate(err error) error { return classify(err, Immediately) }

// AuthRequired marks err as needing an interactive re-authentication before retrying.
func AuthRequired(err error) error { return classify(err, WhenAuthenticated) }

// PolicyOf returns the policy err was classified with and whether it was classified at all.
func PolicyOf(err error) (Policy, bool) {
	var c classified
	if errors.As(err, &c) {
		return c.policy, true
	}
	return Never, false
}

func classify(err error, p Policy) error {
	if err == nil {
		return nil
	}
	return classified{err: err, policy: p}
}

type classified struct {
	err    error
	policy Policy
}

func (e classified) Error() string { return fmt.Sprintf("%s: %v", e.policy, e.err) }
func (e classified) Unwrap() error { return e.err }
