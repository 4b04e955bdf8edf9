package hybridstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/eviction"
	"github.com/riffle-io/riffle-worker/internal/worker/ioscheduler"
	"github.com/riffle-io/riffle-worker/internal/worker/localdisk"
	"github.com/riffle-io/riffle-worker/internal/worker/membuffer"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// newTestStoreNoWorkers builds a Store without starting its background
// spillWorker goroutines, so tests can call doSpill directly and
// observe its effects deterministically.
func newTestStoreNoWorkers(mem *membuffer.Store, disks []*localdisk.Delegator) *Store {
	return &Store{
		mem:        mem,
		disks:      disks,
		meta:       make(map[string]*partitionMeta),
		candidates: eviction.NewMetricsSet[string](eviction.NewSizeRankedSet[string](), "spill_candidates"),
		spillQueue: make(chan string, 1024),
	}
}

func newTestDisk(t *testing.T) *localdisk.Delegator {
	t.Helper()
	root := t.TempDir()
	sched := ioscheduler.New(root, ioscheduler.Config{
		BandwidthBytesPerSec: 1 << 20, ReadRatio: 0.4, AppendRatio: 0.4, SharedRatio: 0.8,
	})
	d := localdisk.New(localdisk.Config{
		Root: root, HighWatermark: 0.9, LowWatermark: 0.5, HealthyCheckInterval: time.Hour,
	}, sched, clock.SystemClock, func(string) (uint64, uint64, error) { return 100, 50, nil })
	d.StartHealthLoop(context.Background())
	return d
}

func TestInsertAdvancesStateFromEmptyToMemOnly(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := New(Config{SpillWorkers: 1}, mem, []*localdisk.Delegator{newTestDisk(t)})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	require.Equal(t, StateMemOnly, s.State("p0"))
}

func TestSelectReturnsMemorySegmentsWhenSufficient(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := New(Config{SpillWorkers: 1}, mem, []*localdisk.Delegator{newTestDisk(t)})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	result, err := s.Select(context.Background(), "p0", -1, 1000, membuffer.Normal)
	require.NoError(t, err)
	require.Len(t, result.MemorySegments, 1)
}

func TestPurgeReclaimsBytesAndResetsState(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := New(Config{SpillWorkers: 1}, mem, []*localdisk.Delegator{newTestDisk(t)})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	reclaimed, err := s.Purge(context.Background(), "p0")
	require.NoError(t, err)
	require.Equal(t, int64(10), reclaimed)
	require.Equal(t, StateEmpty, s.State("p0"))
}

func TestDoSpillMovesBlocksToDiskOnSuccess(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := newTestStoreNoWorkers(mem, []*localdisk.Delegator{newTestDisk(t)})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	s.doSpill(context.Background(), "p0")

	require.Equal(t, StateDiskOnly, s.State("p0"))
	require.Equal(t, int64(0), mem.Used(), "spilled bytes must be released from the memory budget")

	result, err := s.Select(context.Background(), "p0", -1, 1000, membuffer.Normal)
	require.NoError(t, err)
	require.Empty(t, result.MemorySegments)
	require.Equal(t, 1, len(result.LocalIndex))
}

func TestDoSpillRestoresBlocksOnAppendFailure(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	disk := newTestDisk(t)
	s := newTestStoreNoWorkers(mem, []*localdisk.Delegator{disk})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	// Pre-create the data path as a directory so disk.Append's
	// O_CREATE|O_WRONLY open against it fails every attempt.
	require.NoError(t, os.MkdirAll(filepath.Join(disk.Root(), dataPath("p0")), 0o755))

	s.doSpill(context.Background(), "p0")

	// First attempt fails and re-enqueues once; drain the retry
	// synchronously since no background worker is running.
	select {
	case key := <-s.spillQueue:
		s.doSpill(context.Background(), key)
	default:
		t.Fatal("expected a retry to be enqueued after the first failed append")
	}

	// Blocks must have been restored to staging, not lost, and the
	// partition must remain readable from memory.
	require.Equal(t, int64(10), mem.Used())
	read, err := mem.Read("p0", -1, 1000, membuffer.Normal)
	require.NoError(t, err)
	require.Len(t, read, 1)

	require.Equal(t, StateMemOnly, s.State("p0"))

	// The partition must be eligible for a future spill cycle again.
	s.candMu.Lock()
	_, queued := s.candidates.Peek()
	s.candMu.Unlock()
	require.True(t, queued)
}

func TestSelectOnUnregisteredPartitionReturnsNotFound(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := New(Config{SpillWorkers: 1}, mem, []*localdisk.Delegator{newTestDisk(t)})

	_, err := s.Select(context.Background(), "never-written", -1, 1000, membuffer.Normal)
	require.ErrorIs(t, err, workererr.PartitionNotFound)
}

func TestSelectAfterPurgeReturnsNotFound(t *testing.T) {
	mem := membuffer.New(membuffer.Config{CapacityBytes: 1000, TicketTimeout: time.Minute, HighWatermark: 0.8, LowWatermark: 0.2}, clock.SystemClock)
	s := New(Config{SpillWorkers: 1}, mem, []*localdisk.Delegator{newTestDisk(t)})

	ticket, err := mem.RequireBuffer("p0", 10)
	require.NoError(t, err)
	require.NoError(t, s.Insert(ticket.ID, "p0", membuffer.Block{BlockID: 0, Data: []byte("0123456789"), Length: 10}))

	_, err = s.Purge(context.Background(), "p0")
	require.NoError(t, err)

	_, err = s.Select(context.Background(), "p0", -1, 1000, membuffer.Normal)
	require.ErrorIs(t, err, workererr.PartitionNotFound)
	require.Equal(t, StateEmpty, s.State("p0"))
}

func TestIndexRecordRoundTrip(t *testing.T) {
	records := []IndexRecord{
		{BlockID: 1, Offset: 0, Length: 10, UncompressedLength: 10, CRC: 42, TaskAttemptID: 7},
		{BlockID: 2, Offset: 10, Length: 20, UncompressedLength: 20, CRC: 43, TaskAttemptID: 7},
	}
	encoded := EncodeIndexRecords(records)
	decoded, err := DecodeIndexRecords(encoded)
	require.NoError(t, err)
	require.Equal(t, records, decoded)
}

func TestComposedBytesLenAndFreeze(t *testing.T) {
	c := NewComposedBytes()
	c.Put([]byte("hello "))
	c.Put([]byte("world"))
	require.Equal(t, 11, c.Len())
	require.Equal(t, "hello world", string(c.Freeze()))
}
