// Package clock provides an abstraction around time handling so that
// the heartbeat checker, ticket sweeper, and topN loop can be driven
// deterministically in tests, mirroring buildbarn-bb-storage's pkg/clock.
package clock

import (
	"context"
	"time"
)

// Clock is an interface around the subset of the standard library's
// time handling facilities used by the worker's background loops.
type Clock interface {
	// Now returns the current time of day. Equivalent to time.Now().
	Now() time.Time

	// NewContextWithTimeout is equivalent to context.WithTimeout().
	NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc)

	// NewTicker creates a channel that publishes the time of day at a
	// regular interval. Equivalent to time.NewTicker(), exposed as an
	// interface to allow deterministic tests.
	NewTicker(d time.Duration) (Ticker, <-chan time.Time)
}

// Ticker is an interface around time.Ticker.
type Ticker interface {
	Stop()
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

func (systemClock) NewTicker(d time.Duration) (Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

// SystemClock is a Clock that corresponds to the current time of day,
// as reported by the operating system.
var SystemClock Clock = systemClock{}
