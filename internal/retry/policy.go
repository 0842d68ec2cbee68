// Package retry decides how a failed delivery step is retried and provides the
// cancellable timer senders and receivers schedule retries on.
package retry

import (
	"context"
	"errors"
	"time"
)

// Policy is the retry decision for a failed step.
type Policy int

const (
	Never Policy = iota
	Immediately
	AfterDefaultPeriod
	WhenAuthenticated
)

func (p Policy) String() string {
	switch p {
	case Never:
		return "never"
	case Immediately:
		return "immediately"
	case AfterDefaultPeriod:
		return "after_default_period"
	case WhenAuthenticated:
		return "when_authenticated"
	default:
		return "unknown"
	}
}

// Periods are the delays attached to the policies.
type Periods struct {
	Default  time.Duration // AfterDefaultPeriod
	AuthWait time.Duration // WhenAuthenticated; expected to be cut short by an explicit trigger
}

const (
	SenderPeriodDevelopment   = 30 * time.Second
	ReceiverPeriodDevelopment = time.Minute
	PeriodProduction          = 5 * time.Minute
	DefaultAuthWait           = 30 * 24 * time.Hour
)

// SenderPeriods returns the sender delays for a development or production build.
func SenderPeriods(development bool) Periods {
	if development {
		return Periods{Default: SenderPeriodDevelopment, AuthWait: DefaultAuthWait}
	}
	return Periods{Default: PeriodProduction, AuthWait: DefaultAuthWait}
}

// ReceiverPeriods returns the receiver delays for a development or production build.
func ReceiverPeriods(development bool) Periods {
	if development {
		return Periods{Default: ReceiverPeriodDevelopment, AuthWait: DefaultAuthWait}
	}
	return Periods{Default: PeriodProduction, AuthWait: DefaultAuthWait}
}

// Delay returns the wait before the next attempt under p.
func (ps Periods) Delay(p Policy) time.Duration {
	switch p {
	case AfterDefaultPeriod:
		return ps.Default
	case WhenAuthenticated:
		return ps.AuthWait
	default:
		return 0
	}
}

// Decide maps a failure reported by a connection to a policy.
//
// An expired message is never retried, whatever the failure asked for.
// Cancellation is terminal. Unclassified errors are treated as transient.
func Decide(err error, expired bool) Policy {
	if err == nil || expired || errors.Is(err, context.Canceled) {
		return Never
	}
	var c classified
	if errors.As(err, &c) {
		return c.policy
	}
	return AfterDefaultPeriod
}

// Silent reports whether err should not be surfaced to the message owner
// (caller-initiated cancellation).
func Silent(err error) bool { return errors.Is(err, context.Canceled) }
