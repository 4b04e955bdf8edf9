package membuffer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

func newTestStore(capacity int64) *Store {
	return New(Config{
		CapacityBytes: capacity,
		TicketTimeout: time.Minute,
		HighWatermark: 0.8,
		LowWatermark:  0.2,
	}, clock.SystemClock)
}

func TestRequireBufferFailsWhenOverCapacity(t *testing.T) {
	s := newTestStore(20)
	_, err := s.RequireBuffer("p0", 25)
	require.ErrorIs(t, err, workererr.NoEnoughMemory)
}

func TestInsertAfterRequireBufferUpdatesCounters(t *testing.T) {
	s := newTestStore(100)
	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)
	require.Equal(t, int64(20), s.Allocated())

	require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: 1, Data: []byte("0123456789"), Length: 20}))
	require.Equal(t, int64(20), s.Used())
	require.Equal(t, int64(20), s.Allocated())
}

func TestInsertWithUnknownTicketFails(t *testing.T) {
	s := newTestStore(100)
	err := s.Insert("bogus", "p0", Block{BlockID: 1, Length: 1})
	require.ErrorIs(t, err, workererr.TicketNotFound)
}

func TestReleaseTicketReturnsAllocatedBudget(t *testing.T) {
	s := newTestStore(100)
	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)

	require.NoError(t, s.ReleaseTicket(ticket.ID))
	require.Equal(t, int64(0), s.Allocated())
}

func TestReadReturnsContiguousPrefixWithinMaxBytes(t *testing.T) {
	s := newTestStore(1000)
	for i, size := range []int{10, 10, 10} {
		ticket, err := s.RequireBuffer("p0", int64(size))
		require.NoError(t, err)
		require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: int64(i), Data: make([]byte, size), Length: size}))
	}

	blocks, err := s.Read("p0", -1, 15, Normal)
	require.NoError(t, err)
	require.Len(t, blocks, 1)
	require.Equal(t, int64(0), blocks[0].BlockID)
}

func TestReadAfterLastBlockIDSkipsAlreadyRead(t *testing.T) {
	s := newTestStore(1000)
	for i, size := range []int{10, 10, 10} {
		ticket, err := s.RequireBuffer("p0", int64(size))
		require.NoError(t, err)
		require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: int64(i), Data: make([]byte, size), Length: size}))
	}

	blocks, err := s.Read("p0", 0, 1000, LocalOrder)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
	require.Equal(t, int64(1), blocks[0].BlockID)
	require.Equal(t, int64(2), blocks[1].BlockID)
}

func TestSweepExpiredTicketsReclaimsAllocated(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	s := New(Config{CapacityBytes: 100, TicketTimeout: time.Second}, fc)
	_, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)

	fc.now = fc.now.Add(2 * time.Second)
	reclaimed := s.SweepExpiredTickets()
	require.Equal(t, 1, reclaimed)
	require.Equal(t, int64(0), s.Allocated())
}

func TestBeginSpillKeepsBlocksReadableUntilCommit(t *testing.T) {
	s := newTestStore(100)
	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: 0, Data: make([]byte, 20), Length: 20}))

	blocks, ok := s.BeginSpill("p0")
	require.True(t, ok)
	require.Len(t, blocks, 1)

	// Counters still reflect the blocks as resident: the budget isn't
	// freed until the disk write is acknowledged.
	require.Equal(t, int64(20), s.Used())
	require.Equal(t, int64(20), s.Allocated())

	// A concurrent reader must still see the in-flight blocks.
	read, err := s.Read("p0", -1, 1000, Normal)
	require.NoError(t, err)
	require.Len(t, read, 1)

	s.CommitSpill("p0")
	require.Equal(t, int64(0), s.Used())
	require.Equal(t, int64(0), s.Allocated())

	read, err = s.Read("p0", -1, 1000, Normal)
	require.NoError(t, err)
	require.Empty(t, read)
}

func TestBeginSpillReturnsFalseWhenAlreadyInFlightOrEmpty(t *testing.T) {
	s := newTestStore(100)
	_, ok := s.BeginSpill("p0")
	require.False(t, ok, "nothing staged yet")

	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: 0, Data: make([]byte, 20), Length: 20}))

	_, ok = s.BeginSpill("p0")
	require.True(t, ok)
	_, ok = s.BeginSpill("p0")
	require.False(t, ok, "a spill is already in flight")
}

func TestAbortSpillRestoresBlocksAheadOfNewInserts(t *testing.T) {
	s := newTestStore(100)
	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: 0, Data: make([]byte, 20), Length: 20}))

	_, ok := s.BeginSpill("p0")
	require.True(t, ok)

	// A write landing while the spill is in flight must survive the abort.
	ticket2, err := s.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket2.ID, "p0", Block{BlockID: 1, Data: make([]byte, 10), Length: 10}))

	s.AbortSpill("p0")

	require.Equal(t, int64(30), s.Used())
	require.Equal(t, int64(30), s.Allocated())

	read, err := s.Read("p0", -1, 1000, Normal)
	require.NoError(t, err)
	require.Len(t, read, 2)
	require.Equal(t, int64(0), read[0].BlockID)
	require.Equal(t, int64(1), read[1].BlockID)
}

func TestPurgeReclaimsResidentBytes(t *testing.T) {
	s := newTestStore(100)
	ticket, err := s.RequireBuffer("p0", 20)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", Block{BlockID: 0, Data: make([]byte, 20), Length: 20}))

	reclaimed := s.Purge("p0")
	require.Equal(t, int64(20), reclaimed)
	require.Equal(t, int64(0), s.Used())
	require.Equal(t, int64(0), s.Allocated())
}

// fakeClock is a deterministic clock.Clock used to exercise ticket
// expiry without a real sleep, matching the pkg/clock fake pattern used in buildbarn-bb-storage.
type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) NewContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, timeout)
}

func (c *fakeClock) NewTicker(d time.Duration) (clock.Ticker, <-chan time.Time) {
	t := time.NewTicker(d)
	return t, t.C
}
