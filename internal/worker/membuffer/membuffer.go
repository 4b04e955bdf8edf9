// Package membuffer implements the memory buffer store described in
// spec component C4: a global capacity budget tracked as three
// counters (capacity, allocated, used), ticket-based admission, and
// per-partition staging lists read back in insertion order, which is
// the same for both data distributions.
//
// Grounded on spec.md §4.4 and original_source/src/app.rs
// (AppConfigOptions.data_distribution, ticket timeout).
package membuffer

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// DataDistribution controls the ordering guarantee of memory reads,
// mirroring AppConfigOptions.data_distribution in the original source.
type DataDistribution int

const (
	// Normal preserves only per-partition grouping.
	Normal DataDistribution = iota
	// LocalOrder preserves insertion order within a single writer.
	LocalOrder
)

// Block is one atomic payload staged in memory for a partition.
type Block struct {
	BlockID  int64
	Data     []byte
	Length   int
}

// Ticket is reserved-but-unconsumed memory capacity minted by
// RequireBuffer.
type Ticket struct {
	ID        string
	PartitionKey string
	Size      int64
	ExpiresAt time.Time
}

// partitionBuffer holds one partition's staged blocks. flight holds
// blocks that have been pulled out of blocks by BeginSpill but not yet
// committed: they remain readable (Read sees flight then blocks) until
// CommitSpill drops them, and are spliced back onto blocks by
// AbortSpill if the disk write never lands.
type partitionBuffer struct {
	mu         sync.Mutex
	blocks     []Block
	used       int64
	flight     []Block
	flightUsed int64
}

// Store is the global memory admission budget plus per-partition
// staging lists.
type Store struct {
	capacity  int64
	allocated int64 // atomic
	used      int64 // atomic

	ticketTimeout time.Duration
	clock         clock.Clock

	mu       sync.RWMutex
	tickets  map[string]*Ticket
	buffers  map[string]*partitionBuffer

	highWatermark float64
	lowWatermark  float64
}

// Config carries the tunables from spec §4.4/§6.
type Config struct {
	CapacityBytes int64
	TicketTimeout time.Duration
	HighWatermark float64
	LowWatermark  float64
}

// New creates an empty Store.
func New(cfg Config, clk clock.Clock) *Store {
	registerMetricsOnce()
	return &Store{
		capacity:      cfg.CapacityBytes,
		ticketTimeout: cfg.TicketTimeout,
		clock:         clk,
		tickets:       make(map[string]*Ticket),
		buffers:       make(map[string]*partitionBuffer),
		highWatermark: cfg.HighWatermark,
		lowWatermark:  cfg.LowWatermark,
	}
}

// Capacity, Allocated, and Used report the three budget counters.
func (s *Store) Capacity() int64  { return s.capacity }
func (s *Store) Allocated() int64 { return atomic.LoadInt64(&s.allocated) }
func (s *Store) Used() int64      { return atomic.LoadInt64(&s.used) }

// UsedRatio is used/capacity, the value the spill trigger compares
// against the watermarks.
func (s *Store) UsedRatio() float64 {
	if s.capacity == 0 {
		return 0
	}
	return float64(s.Used()) / float64(s.capacity)
}

// RequireBuffer mints a ticket reserving size bytes for
// partitionKey, or fails with NoEnoughMemory if doing so would exceed
// capacity (spec §4.4 "require_buffer").
func (s *Store) RequireBuffer(partitionKey string, size int64) (*Ticket, error) {
	for {
		current := atomic.LoadInt64(&s.allocated)
		if current+size > s.capacity {
			return nil, workererr.NoEnoughMemory
		}
		if atomic.CompareAndSwapInt64(&s.allocated, current, current+size) {
			break
		}
	}

	ticket := &Ticket{
		ID:           uuid.NewString(),
		PartitionKey: partitionKey,
		Size:         size,
		ExpiresAt:    s.clock.Now().Add(s.ticketTimeout),
	}
	s.mu.Lock()
	s.tickets[ticket.ID] = ticket
	s.mu.Unlock()

	allocatedBytesGauge.Set(float64(atomic.LoadInt64(&s.allocated)))
	return ticket, nil
}

// ReleaseTicket cancels a ticket before it is consumed by an insert,
// returning its bytes to the allocated budget (spec §4.5
// "release_ticket").
func (s *Store) ReleaseTicket(ticketID string) error {
	s.mu.Lock()
	ticket, ok := s.tickets[ticketID]
	if ok {
		delete(s.tickets, ticketID)
	}
	s.mu.Unlock()
	if !ok {
		return workererr.TicketNotFound
	}
	atomic.AddInt64(&s.allocated, -ticket.Size)
	allocatedBytesGauge.Set(float64(atomic.LoadInt64(&s.allocated)))
	return nil
}

// Insert consumes ticketID and appends block to partitionKey's
// staging list, incrementing used by the block's length (spec §4.4
// "Insert must carry the ticket implicitly").
func (s *Store) Insert(ticketID, partitionKey string, block Block) error {
	s.mu.Lock()
	ticket, ok := s.tickets[ticketID]
	if ok {
		delete(s.tickets, ticketID)
	}
	s.mu.Unlock()
	if !ok {
		return workererr.TicketNotFound
	}

	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	buf.blocks = append(buf.blocks, block)
	buf.used += int64(block.Length)
	buf.mu.Unlock()

	atomic.AddInt64(&s.used, int64(block.Length))
	usedBytesGauge.Set(float64(atomic.LoadInt64(&s.used)))

	return nil
}

func (s *Store) bufferFor(partitionKey string) *partitionBuffer {
	s.mu.RLock()
	buf, ok := s.buffers[partitionKey]
	s.mu.RUnlock()
	if ok {
		return buf
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if buf, ok := s.buffers[partitionKey]; ok {
		return buf
	}
	buf = &partitionBuffer{}
	s.buffers[partitionKey] = buf
	return buf
}

// Read returns the contiguous prefix of blocks staged after
// lastBlockID whose cumulative length does not exceed maxBytes, in
// insertion order (spec §4.4 "Read from memory"). dist is accepted
// for interface symmetry with NORMAL/LOCAL_ORDER semantics; both
// distributions are satisfied by in-order per-partition storage, so
// no distinct codepath is required here.
func (s *Store) Read(partitionKey string, lastBlockID int64, maxBytes int64, dist DataDistribution) ([]Block, error) {
	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	combined := make([]Block, 0, len(buf.flight)+len(buf.blocks))
	combined = append(combined, buf.flight...)
	combined = append(combined, buf.blocks...)

	start := 0
	if lastBlockID >= 0 {
		for i, b := range combined {
			if b.BlockID == lastBlockID {
				start = i + 1
				break
			}
		}
	}

	var result []Block
	var total int64
	for _, b := range combined[start:] {
		if total+int64(b.Length) > maxBytes && len(result) > 0 {
			break
		}
		result = append(result, b)
		total += int64(b.Length)
	}
	return result, nil
}

// ResidentSize returns the bytes currently held (not merely reserved)
// for partitionKey, including blocks pulled out by an in-flight spill,
// used by the spiller's descending-size ordering.
func (s *Store) ResidentSize(partitionKey string) int64 {
	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	defer buf.mu.Unlock()
	return buf.used + buf.flightUsed
}

// BeginSpill pulls all staged blocks for partitionKey out of the
// staging list and into the flight set, where Read still sees them.
// It reports false if another spill is already in flight or there is
// nothing to spill. Capacity counters are left untouched: the bytes
// are still resident, just not in the staging list.
func (s *Store) BeginSpill(partitionKey string) ([]Block, bool) {
	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.flight != nil || len(buf.blocks) == 0 {
		return nil, false
	}
	buf.flight = buf.blocks
	buf.flightUsed = buf.used
	buf.blocks = nil
	buf.used = 0
	return buf.flight, true
}

// CommitSpill drops the flight set for partitionKey once its bytes
// have been durably written to disk, reclaiming the capacity budget
// they held. Called by the hybrid store's spiller after a successful
// C3.append.
func (s *Store) CommitSpill(partitionKey string) int64 {
	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	flushed := buf.flightUsed
	buf.flight = nil
	buf.flightUsed = 0
	buf.mu.Unlock()

	atomic.AddInt64(&s.used, -flushed)
	atomic.AddInt64(&s.allocated, -flushed)
	usedBytesGauge.Set(float64(atomic.LoadInt64(&s.used)))
	allocatedBytesGauge.Set(float64(atomic.LoadInt64(&s.allocated)))
	return flushed
}

// AbortSpill splices the flight set back onto the front of the
// staging list, undoing BeginSpill after a failed disk append. Blocks
// inserted while the spill attempt was in flight are preserved after
// the restored ones.
func (s *Store) AbortSpill(partitionKey string) {
	buf := s.bufferFor(partitionKey)
	buf.mu.Lock()
	defer buf.mu.Unlock()

	if buf.flight == nil {
		return
	}
	buf.blocks = append(buf.flight, buf.blocks...)
	buf.used += buf.flightUsed
	buf.flight = nil
	buf.flightUsed = 0
}

// Purge discards all staged state for partitionKey without writing it
// anywhere, returning the bytes reclaimed. Used by app/shuffle purge.
func (s *Store) Purge(partitionKey string) int64 {
	s.mu.Lock()
	buf, ok := s.buffers[partitionKey]
	delete(s.buffers, partitionKey)
	s.mu.Unlock()
	if !ok {
		return 0
	}

	buf.mu.Lock()
	reclaimed := buf.used + buf.flightUsed
	buf.mu.Unlock()

	atomic.AddInt64(&s.used, -reclaimed)
	atomic.AddInt64(&s.allocated, -reclaimed)
	usedBytesGauge.Set(float64(atomic.LoadInt64(&s.used)))
	allocatedBytesGauge.Set(float64(atomic.LoadInt64(&s.allocated)))
	return reclaimed
}

// SweepExpiredTickets reclaims allocated budget for tickets whose
// expiry has passed without a matching insert (spec §4.4 "A periodic
// sweeper reclaims allocated..."). It should be called on a timer
// driven by the owning component.
func (s *Store) SweepExpiredTickets() int {
	now := s.clock.Now()
	var expired []*Ticket

	s.mu.Lock()
	for id, t := range s.tickets {
		if now.After(t.ExpiresAt) {
			expired = append(expired, t)
			delete(s.tickets, id)
		}
	}
	s.mu.Unlock()

	for _, t := range expired {
		atomic.AddInt64(&s.allocated, -t.Size)
	}
	if len(expired) > 0 {
		allocatedBytesGauge.Set(float64(atomic.LoadInt64(&s.allocated)))
		ticketsExpiredTotal.Add(float64(len(expired)))
	}
	return len(expired)
}
