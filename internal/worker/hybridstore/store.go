package hybridstore

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/riffle-io/riffle-worker/internal/worker/eviction"
	"github.com/riffle-io/riffle-worker/internal/worker/localdisk"
	"github.com/riffle-io/riffle-worker/internal/worker/membuffer"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// partitionMeta tracks on-disk placement for one partition, keyed by
// "appID/shuffleID/partitionID".
type partitionMeta struct {
	mu          sync.RWMutex
	state       PartitionState
	dataFileLen int64
	retries     int
}

func dataPath(key string) string  { return fmt.Sprintf("%s/data", key) }
func indexPath(key string) string { return fmt.Sprintf("%s/index", key) }

// ReadResult is the typed response of Select, distinguishing memory
// bytes from disk bytes the way spec §4.5 requires ("callers receive
// a typed response distinguishing local from memory bytes").
type ReadResult struct {
	MemorySegments []membuffer.Block
	LocalData      *ComposedBytes
	LocalIndex     []IndexRecord
}

// Store composes the memory buffer store and a set of local disks
// into the tiered placement/spill/read engine of spec component C5.
type Store struct {
	mem   *membuffer.Store
	disks []*localdisk.Delegator

	metaMu sync.RWMutex
	meta   map[string]*partitionMeta

	candidates eviction.Set[string]
	candMu     sync.Mutex

	spillQueue chan string
	spillWG    sync.WaitGroup
}

// Config carries the spiller concurrency tunable from spec §13.
type Config struct {
	SpillWorkers int
}

// New creates a Store over mem and disks.
func New(cfg Config, mem *membuffer.Store, disks []*localdisk.Delegator) *Store {
	if cfg.SpillWorkers <= 0 {
		cfg.SpillWorkers = 4
	}
	s := &Store{
		mem:        mem,
		disks:      disks,
		meta:       make(map[string]*partitionMeta),
		candidates: eviction.NewMetricsSet[string](eviction.NewSizeRankedSet[string](), "spill_candidates"),
		spillQueue: make(chan string, 1024),
	}
	for i := 0; i < cfg.SpillWorkers; i++ {
		s.spillWG.Add(1)
		go s.spillWorker()
	}
	return s
}

func (s *Store) metaFor(key string) *partitionMeta {
	s.metaMu.RLock()
	m, ok := s.meta[key]
	s.metaMu.RUnlock()
	if ok {
		return m
	}
	s.metaMu.Lock()
	defer s.metaMu.Unlock()
	if m, ok := s.meta[key]; ok {
		return m
	}
	m = &partitionMeta{state: StateEmpty}
	s.meta[key] = m
	return m
}

// metaLookup is metaFor without the auto-create: it reports whether
// key was ever registered by Insert and has not since been purged, so
// callers like Select/State can tell "never written" apart from
// "empty".
func (s *Store) metaLookup(key string) (*partitionMeta, bool) {
	s.metaMu.RLock()
	defer s.metaMu.RUnlock()
	m, ok := s.meta[key]
	return m, ok
}

// Insert stages block in memory for partitionKey, consuming ticketID,
// and advances the partition's placement state machine.
func (s *Store) Insert(ticketID, partitionKey string, block membuffer.Block) error {
	if err := s.mem.Insert(ticketID, partitionKey, block); err != nil {
		return err
	}
	m := s.metaFor(partitionKey)
	m.mu.Lock()
	m.state = m.state.onInsert()
	m.mu.Unlock()

	s.candMu.Lock()
	s.candidates.Insert(partitionKey, s.mem.ResidentSize(partitionKey))
	s.candMu.Unlock()
	return nil
}

// ReleaseTicket cancels a reservation before it is consumed (spec §4.5
// "release_ticket path").
func (s *Store) ReleaseTicket(ticketID string) error {
	return s.mem.ReleaseTicket(ticketID)
}

// MaybeTriggerSpill enqueues spill requests for resident partitions
// in descending size order while the memory store's used ratio is at
// or above highWatermark, down to lowWatermark (spec §4.4 "Spill").
func (s *Store) MaybeTriggerSpill(highWatermark, lowWatermark float64) {
	if s.mem.UsedRatio() < highWatermark {
		return
	}
	for s.mem.UsedRatio() > lowWatermark {
		s.candMu.Lock()
		key, ok := s.candidates.Peek()
		if ok {
			s.candidates.Remove(key)
		}
		s.candMu.Unlock()
		if !ok {
			return
		}
		select {
		case s.spillQueue <- key:
		default:
			log.Printf("hybridstore: spill queue full, dropping spill request for %s", key)
		}
	}
}

func (s *Store) spillWorker() {
	defer s.spillWG.Done()
	for key := range s.spillQueue {
		s.doSpill(context.Background(), key)
	}
}

// pickTargetDisk chooses the least-loaded healthy, uncorrupted disk
// (spec §4.5 "target disk is chosen by least-loaded used-ratio among
// healthy disks").
func (s *Store) pickTargetDisk() (*localdisk.Delegator, error) {
	var best *localdisk.Delegator
	bestRatio := -1.0
	for _, d := range s.disks {
		if !d.IsHealthy() || d.IsCorrupted() {
			continue
		}
		r := d.UsedRatio()
		if best == nil || r < bestRatio {
			best, bestRatio = d, r
		}
	}
	if best == nil {
		return nil, workererr.DiskCorrupted
	}
	return best, nil
}

// doSpill writes a partition's staged blocks through the target disk.
// Blocks are pulled into the memory store's flight set by BeginSpill,
// where Select still sees them, and are only dropped by CommitSpill
// once the disk append is acknowledged; a failed append restores them
// to staging via AbortSpill, so no write ever observes a gap between
// "drained from memory" and "durable on disk" (spec §3/§4.4/§8). If no
// healthy disk exists, or the append fails, the attempt retries once
// (spec §7 "failed spill attempts re-enqueue once, then fail the
// ticket") before giving up and leaving the partition resident.
func (s *Store) doSpill(ctx context.Context, key string) {
	m := s.metaFor(key)

	disk, err := s.pickTargetDisk()
	if err != nil {
		s.retryOrGiveUp(key, m)
		return
	}

	blocks, ok := s.mem.BeginSpill(key)
	if !ok {
		return
	}

	payload := NewComposedBytes()
	m.mu.Lock()
	baseOffset := m.dataFileLen
	m.mu.Unlock()

	records := make([]IndexRecord, 0, len(blocks))
	offset := baseOffset
	for _, b := range blocks {
		payload.Put(b.Data)
		records = append(records, IndexRecord{
			BlockID:            b.BlockID,
			Offset:             offset,
			Length:             int32(len(b.Data)),
			UncompressedLength: int32(b.Length),
		})
		offset += int64(len(b.Data))
	}

	if err := disk.Append(ctx, dataPath(key), payload.Freeze()); err != nil {
		log.Printf("hybridstore: spill append failed for %s: %s", key, err)
		s.mem.AbortSpill(key)
		s.retryOrGiveUp(key, m)
		return
	}
	if err := disk.Append(ctx, indexPath(key), EncodeIndexRecords(records)); err != nil {
		log.Printf("hybridstore: spill index append failed for %s: %s", key, err)
		s.mem.AbortSpill(key)
		s.retryOrGiveUp(key, m)
		return
	}

	s.mem.CommitSpill(key)

	m.mu.Lock()
	m.dataFileLen = offset
	m.retries = 0
	m.state = onSpillComplete(s.mem.ResidentSize(key))
	m.mu.Unlock()
}

// retryOrGiveUp re-enqueues key once after a failed spill attempt
// (spec §7 "failed spill attempts re-enqueue once, then fail the
// ticket"). Once the retry is exhausted it reinserts key into the
// candidate set so the partition stays eligible for a later spill
// cycle rather than being silently dropped from consideration.
func (s *Store) retryOrGiveUp(key string, m *partitionMeta) {
	m.mu.Lock()
	m.retries++
	retry := m.retries <= 1
	m.mu.Unlock()

	if retry {
		s.spillQueue <- key
		return
	}
	log.Printf("hybridstore: spill failed for %s: giving up after retry", key)
	s.candMu.Lock()
	s.candidates.Insert(key, s.mem.ResidentSize(key))
	s.candMu.Unlock()
}

// Select reads a partition's data, consulting memory then disk tiers
// in order and returning a typed result distinguishing the two (spec
// §4.5 "Reads consult tiers in order MEM -> DISK -> REMOTE").
func (s *Store) Select(ctx context.Context, key string, lastBlockID int64, maxBytes int64, dist membuffer.DataDistribution) (*ReadResult, error) {
	m, ok := s.metaLookup(key)
	if !ok {
		return nil, workererr.PartitionNotFound
	}

	segments, err := s.mem.Read(key, lastBlockID, maxBytes, dist)
	if err != nil {
		return nil, err
	}

	var memBytes int64
	for _, b := range segments {
		memBytes += int64(b.Length)
	}
	if memBytes >= maxBytes {
		return &ReadResult{MemorySegments: segments}, nil
	}

	m.mu.RLock()
	state := m.state
	m.mu.RUnlock()

	if state != StateMemDisk && state != StateDiskOnly {
		return &ReadResult{MemorySegments: segments}, nil
	}

	disk, err := s.pickTargetDisk()
	if err != nil {
		return &ReadResult{MemorySegments: segments}, nil
	}

	indexBytes, err := disk.Read(ctx, indexPath(key), 0, -1)
	if err != nil {
		return &ReadResult{MemorySegments: segments}, nil
	}
	records, err := DecodeIndexRecords(indexBytes)
	if err != nil {
		return nil, err
	}

	remaining := maxBytes - memBytes
	local := NewComposedBytes()
	var usedRecords []IndexRecord
	for _, r := range records {
		if r.BlockID <= lastBlockID {
			continue
		}
		if int64(local.Len())+int64(r.Length) > remaining && local.Len() > 0 {
			break
		}
		data, readErr := disk.Read(ctx, dataPath(key), r.Offset, int64(r.Length))
		if readErr != nil {
			return nil, readErr
		}
		local.Put(data)
		usedRecords = append(usedRecords, r)
	}

	return &ReadResult{MemorySegments: segments, LocalData: local, LocalIndex: usedRecords}, nil
}

// Purge removes all state for key: resident memory, disk data, and
// index files, returning the total bytes reclaimed (spec §4.5
// "purge(app, shuffle?)").
func (s *Store) Purge(ctx context.Context, key string) (int64, error) {
	reclaimed := s.mem.Purge(key)

	s.metaMu.Lock()
	m, ok := s.meta[key]
	delete(s.meta, key)
	s.metaMu.Unlock()

	var dataLen int64
	if ok {
		m.mu.RLock()
		dataLen = m.dataFileLen
		m.mu.RUnlock()
	}

	s.candMu.Lock()
	s.candidates.Remove(key)
	s.candMu.Unlock()

	for _, d := range s.disks {
		_ = d.Delete(ctx, dataPath(key))
		_ = d.Delete(ctx, indexPath(key))
	}
	return reclaimed + dataLen, nil
}

// State reports a partition's current placement state, used by health
// and admin reporting. An unregistered or purged key reports
// StateEmpty without registering it.
func (s *Store) State(key string) PartitionState {
	m, ok := s.metaLookup(key)
	if !ok {
		return StateEmpty
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// IsHealthy reports whether the store can still place a spill, i.e. at
// least one configured disk is healthy and uncorrupted. Satisfies the
// health package's HybridStoreHealth interface.
func (s *Store) IsHealthy() bool {
	if len(s.disks) == 0 {
		return true
	}
	for _, d := range s.disks {
		if d.IsHealthy() && !d.IsCorrupted() {
			return true
		}
	}
	return false
}
