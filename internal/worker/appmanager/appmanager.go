// Package appmanager implements the app & partition manager described
// in spec component C6: a sharded concurrent map of apps, heartbeat
// tracking, huge-partition detection, topN statistics, and a single
// consumer loop for ordered purge events.
//
// The sharded map follows the mutex-guarded shard pattern used by
// buildbarn-bb-storage/pkg/blobstore/local/hashing_key_location_map.go,
// since no pack repo imports a third-party concurrent map.
package appmanager

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/hybridstore"
	"github.com/riffle-io/riffle-worker/internal/worker/membuffer"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

const shardCount = 32

// PartitionKey identifies one partition within one shuffle within one
// app.
type PartitionKey struct {
	AppID       string
	ShuffleID   int64
	PartitionID int64
}

func (k PartitionKey) String() string {
	return k.AppID + "/" + strconv.FormatInt(k.ShuffleID, 10) + "/" + strconv.FormatInt(k.PartitionID, 10)
}

// partition tracks one partition's size/huge-partition bookkeeping.
type partition struct {
	mu           sync.RWMutex
	totalSize    int64
	totalResident int64
	isHuge       bool
}

// App tracks one registered application.
type App struct {
	ID              string
	mu              sync.RWMutex
	latestHeartbeat time.Time
	totalReceived   int64
	totalResident   int64

	partitionsMu sync.RWMutex
	partitions   map[string]*partition
}

type shard struct {
	mu   sync.RWMutex
	apps map[string]*App
}

// PurgeEventKind enumerates the purge events of spec §4.6.
type PurgeEventKind int

const (
	HeartbeatTimeout PurgeEventKind = iota
	ExplicitAppPurge
	ShufflePurge
)

// PurgeEvent is one entry in the ordered purge queue.
type PurgeEvent struct {
	Kind      PurgeEventKind
	AppID     string
	ShuffleID int64
}

// Config carries the tunables from spec §4.6/§6.
type Config struct {
	HeartbeatTimeout                 time.Duration
	HugePartitionMarkedThresholdBytes int64
	HugePartitionMemoryLimitPercent  float64
	MemCapacityBytes                 int64
	AliveAppCountLimit               int
}

// Manager is the app & partition registry.
type Manager struct {
	shards [shardCount]*shard
	cfg    Config
	clock  clock.Clock
	hybrid *hybridstore.Store
	mem    *membuffer.Store

	purgeEvents chan PurgeEvent
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// New creates an empty Manager.
func New(cfg Config, clk clock.Clock, hybrid *hybridstore.Store, mem *membuffer.Store) *Manager {
	m := &Manager{cfg: cfg, clock: clk, hybrid: hybrid, mem: mem, purgeEvents: make(chan PurgeEvent, 1024), stopCh: make(chan struct{})}
	for i := range m.shards {
		m.shards[i] = &shard{apps: make(map[string]*App)}
	}
	registerMetricsOnce()
	return m
}

func (m *Manager) shardFor(appID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(appID))
	return m.shards[h.Sum32()%shardCount]
}

// RegisterShuffle registers shuffleID under appID, creating the app if
// necessary. Idempotent for concurrent callers (spec §13 open
// question decision).
func (m *Manager) RegisterShuffle(appID string, shuffleID int64) {
	app := m.getOrCreateApp(appID)
	app.mu.Lock()
	app.latestHeartbeat = m.clock.Now()
	app.mu.Unlock()
	aliveAppsGauge.Set(float64(m.AliveAppCount()))
}

func (m *Manager) getOrCreateApp(appID string) *App {
	sh := m.shardFor(appID)
	sh.mu.RLock()
	app, ok := sh.apps[appID]
	sh.mu.RUnlock()
	if ok {
		return app
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if app, ok := sh.apps[appID]; ok {
		return app
	}
	app = &App{ID: appID, latestHeartbeat: m.clock.Now(), partitions: make(map[string]*partition)}
	sh.apps[appID] = app
	return app
}

// App returns the app, or (nil, false) if it is not registered. The
// shard lock is held only for the lookup itself: holding the returned
// reference does not delay a concurrent purge of the app, so an insert
// that looked the app up can still complete after the purge removed it.
func (m *Manager) App(appID string) (*App, bool) {
	sh := m.shardFor(appID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	app, ok := sh.apps[appID]
	return app, ok
}

// AliveAppCount reports the number of currently registered apps.
func (m *Manager) AliveAppCount() int {
	total := 0
	for _, sh := range m.shards {
		sh.mu.RLock()
		total += len(sh.apps)
		sh.mu.RUnlock()
	}
	return total
}

// Heartbeat records an implicit or explicit heartbeat for appID.
func (m *Manager) Heartbeat(appID string) error {
	app, ok := m.App(appID)
	if !ok {
		return workererr.PartitionNotFound
	}
	app.mu.Lock()
	app.latestHeartbeat = m.clock.Now()
	app.mu.Unlock()
	return nil
}

func (app *App) partitionFor(key PartitionKey) *partition {
	k := key.String()
	app.partitionsMu.RLock()
	p, ok := app.partitions[k]
	app.partitionsMu.RUnlock()
	if ok {
		return p
	}
	app.partitionsMu.Lock()
	defer app.partitionsMu.Unlock()
	if p, ok := app.partitions[k]; ok {
		return p
	}
	p = &partition{}
	app.partitions[k] = p
	return p
}

// RecordInsert updates receive/resident counters and huge-partition
// detection for key's partition (spec §4.6 "Huge-partition
// detection").
func (m *Manager) RecordInsert(key PartitionKey, size int64) error {
	if err := m.Heartbeat(key.AppID); err != nil {
		return err
	}
	app, ok := m.App(key.AppID)
	if !ok {
		return workererr.PartitionNotFound
	}

	p := app.partitionFor(key)
	p.mu.Lock()
	p.totalSize += size
	p.totalResident += size
	if !p.isHuge && p.totalSize > m.cfg.HugePartitionMarkedThresholdBytes {
		p.isHuge = true
	}
	p.mu.Unlock()

	app.mu.Lock()
	app.totalReceived += size
	app.totalResident += size
	app.mu.Unlock()

	return nil
}

// RecordRelease decreases resident counters after a flush-and-release
// or a purge (spec §8 "Monotone resident").
func (m *Manager) RecordRelease(key PartitionKey, size int64) {
	app, ok := m.App(key.AppID)
	if !ok {
		return
	}
	p := app.partitionFor(key)
	p.mu.Lock()
	p.totalResident -= size
	p.mu.Unlock()

	app.mu.Lock()
	app.totalResident -= size
	app.mu.Unlock()
}

// IsHugePartition reports whether key's partition has ever crossed the
// huge-partition threshold; the flag is sticky until purge (spec §8
// "Sticky flags").
func (m *Manager) IsHugePartition(key PartitionKey) bool {
	app, ok := m.App(key.AppID)
	if !ok {
		return false
	}
	p := app.partitionFor(key)
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.isHuge
}

// CheckRequireBuffer enforces the huge-partition memory ceiling:
// require_buffer fails with MemoryUsageLimitedByHugePartition whenever
// the huge partition's current in-memory footprint already exceeds
// limit_percent x capacity (spec §4.6).
func (m *Manager) CheckRequireBuffer(key PartitionKey) error {
	if !m.IsHugePartition(key) {
		return nil
	}
	app, ok := m.App(key.AppID)
	if !ok {
		return workererr.PartitionNotFound
	}
	p := app.partitionFor(key)
	p.mu.RLock()
	resident := p.totalResident
	p.mu.RUnlock()

	limit := m.cfg.HugePartitionMemoryLimitPercent * float64(m.cfg.MemCapacityBytes)
	if float64(resident) > limit {
		return workererr.MemoryUsageLimitedByHugePartition
	}
	return nil
}

// EnqueuePurge pushes an event onto the ordered purge queue.
func (m *Manager) EnqueuePurge(ev PurgeEvent) {
	select {
	case m.purgeEvents <- ev:
	default:
	}
}
