package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
)

type fakeDisk struct{ healthy bool }

func (f fakeDisk) IsHealthy() bool { return f.healthy }

type fakeHybrid struct{ healthy bool }

func (f fakeHybrid) IsHealthy() bool { return f.healthy }

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }
func (c *fakeClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}
func (c *fakeClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}

func TestIsHealthyFalseWhenAnyDiskUnhealthy(t *testing.T) {
	a := New(Config{}, &fakeClock{now: time.Unix(0, 0)}, []DiskHealth{fakeDisk{healthy: false}}, fakeHybrid{healthy: true}, nil, nil, nil)
	require.False(t, a.IsHealthy())
}

func TestIsHealthyFalseWhenAliveAppCountExceedsLimit(t *testing.T) {
	a := New(Config{AliveAppCountLimit: 1}, &fakeClock{now: time.Unix(0, 0)}, nil, fakeHybrid{healthy: true}, func() int { return 2 }, nil, nil)
	require.False(t, a.IsHealthy())
}

func TestStuckMemoryTripsStickyFlagAfterWindow(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	usedSampler := func() int64 { return 1 }

	a := New(Config{StuckWindow: time.Second}, fc, nil, fakeHybrid{healthy: true}, nil, nil, usedSampler)

	require.True(t, a.IsHealthy()) // first sample, no elapsed time yet

	fc.now = fc.now.Add(2 * time.Second)
	require.False(t, a.IsHealthy())

	// Even after used drops back to zero, the sticky flag must remain tripped.
	a.usedSampler = func() int64 { return 0 }
	require.False(t, a.IsHealthy())
}
