package ioscheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAcquireClampsToLargestPoolWhenRequestExceedsCapacity(t *testing.T) {
	s := New("disk0", Config{
		BandwidthBytesPerSec: 10,
		ReadRatio:            0.4,
		AppendRatio:          0.4,
		SharedRatio:          0.8,
	})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	permit, err := s.Acquire(ctx, Read, 100)
	require.NoError(t, err)
	require.Equal(t, int64(8), permit.Bytes())
	permit.Release()

	permit2, err := s.Acquire(ctx, Read, 6)
	require.NoError(t, err)
	require.Equal(t, int64(6), permit2.Bytes())
	permit2.Release()
}

func TestAcquirePrefersExclusivePoolWhenRequestFits(t *testing.T) {
	s := New("disk0", Config{
		BandwidthBytesPerSec: 100,
		ReadRatio:            0.4,
		AppendRatio:          0.4,
		SharedRatio:          0.8,
	})

	ctx := context.Background()
	permit, err := s.Acquire(ctx, Read, 10)
	require.NoError(t, err)
	require.Equal(t, int64(10), permit.Bytes())
	defer permit.Release()

	require.Equal(t, int64(40-10), s.available(Read.String(), s.exclusiveReadCap))
}

func TestAcquireFallsBackToSharedWhenExclusiveExhausted(t *testing.T) {
	s := New("disk0", Config{
		BandwidthBytesPerSec: 100,
		ReadRatio:            0.2,
		AppendRatio:          0.2,
		SharedRatio:          0.8,
	})

	ctx := context.Background()
	p1, err := s.Acquire(ctx, Read, 20) // exhausts the 20-byte exclusive read pool
	require.NoError(t, err)
	defer p1.Release()

	p2, err := s.Acquire(ctx, Read, 10)
	require.NoError(t, err)
	defer p2.Release()
	require.Equal(t, int64(10), p2.Bytes())
}

func TestAcquireCancellationReleasesNoPartialClaim(t *testing.T) {
	s := New("disk0", Config{
		BandwidthBytesPerSec: 10,
		ReadRatio:            1,
		AppendRatio:          1,
		SharedRatio:          1,
	})

	ctx := context.Background()
	held, err := s.Acquire(ctx, Read, 10)
	require.NoError(t, err)
	defer held.Release()

	cancelCtx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.Acquire(cancelCtx, Read, 10)
	require.Error(t, err)

	require.Equal(t, int64(0), s.available(Read.String(), s.exclusiveReadCap))
}
