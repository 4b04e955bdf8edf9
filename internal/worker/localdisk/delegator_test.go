package localdisk

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/ioscheduler"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

func newTestDelegator(t *testing.T, probe CapacityProbe) *Delegator {
	t.Helper()
	root := t.TempDir()
	sched := ioscheduler.New(root, ioscheduler.Config{
		BandwidthBytesPerSec: 1 << 20,
		ReadRatio:            0.4,
		AppendRatio:          0.4,
		SharedRatio:          0.8,
	})
	return New(Config{
		Root:                 root,
		HighWatermark:        0.9,
		LowWatermark:         0.5,
		HealthyCheckInterval: 10 * time.Millisecond,
	}, sched, clock.SystemClock, probe)
}

func TestAppendThenReadRoundTrips(t *testing.T) {
	d := newTestDelegator(t, func(string) (uint64, uint64, error) { return 100, 90, nil })
	ctx := context.Background()

	require.NoError(t, d.Append(ctx, "shuffle/0/data", []byte("hello ")))
	require.NoError(t, d.Append(ctx, "shuffle/0/data", []byte("world")))

	got, err := d.Read(ctx, "shuffle/0/data", 0, -1)
	require.NoError(t, err)
	require.Equal(t, "hello world", string(got))
}

func TestAppendRejectedOnceCorrupted(t *testing.T) {
	d := newTestDelegator(t, func(string) (uint64, uint64, error) { return 100, 90, nil })
	d.corrupted.Store(true)

	err := d.Append(context.Background(), "p/data", []byte("x"))
	require.ErrorIs(t, err, workererr.DiskCorrupted)
}

func TestCapacityCheckHysteresis(t *testing.T) {
	available := uint64(90)
	d := newTestDelegator(t, func(string) (uint64, uint64, error) { return 100, available, nil })
	require.True(t, d.IsHealthy())

	available = 5 // used_ratio = 0.95 > high_watermark(0.9)
	d.capacityCheck()
	require.False(t, d.IsHealthy())

	available = 60 // used_ratio = 0.4, still above nothing; below low_watermark(0.5)
	d.capacityCheck()
	require.True(t, d.IsHealthy())
}

func TestCapacityCheckDoesNotFlipInsideHysteresisBand(t *testing.T) {
	available := uint64(90)
	d := newTestDelegator(t, func(string) (uint64, uint64, error) { return 100, available, nil })

	available = 45 // used_ratio = 0.55, inside (low=0.5, high=0.9): no transition while healthy
	d.capacityCheck()
	require.True(t, d.IsHealthy())
}

func TestWriteReadCheckPassesOnIntactDisk(t *testing.T) {
	d := newTestDelegator(t, func(string) (uint64, uint64, error) { return 100, 90, nil })
	require.True(t, d.writeReadCheck())
}
