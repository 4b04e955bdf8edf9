// Package health implements the composite health aggregator described
// in spec component C7: a conjunction of disk health, hybrid-store
// health, alive-app-count ceiling, an optional allocator-footprint
// ceiling, and a sticky stuck-memory probe.
//
// Grounded on original_source/src/health_service.rs (HealthService,
// HealthStat, MemUsedSizeStat, sticky is_marked_unhealthy).
package health

import (
	"log"
	"sync/atomic"
	"time"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
)

// DiskHealth is the subset of localdisk.Delegator the aggregator
// needs, kept as an interface so tests can fake disk health without
// a real filesystem.
type DiskHealth interface {
	IsHealthy() bool
}

// HybridStoreHealth reports whether the hybrid store considers itself
// healthy. hybridstore.Store reports healthy when it has no disks or at
// least one healthy, uncorrupted disk to spill to; it does not track
// spill durations, so a stuck spill does not make it unhealthy.
type HybridStoreHealth interface {
	IsHealthy() bool
}

// UsedSampler reports the memory store's current resident byte count,
// used by the stuck-memory probe.
type UsedSampler func() int64

// Config carries the tunables from spec §4.7.
type Config struct {
	AliveAppCountLimit           int
	AllocatorFootprintCeiling    int64 // 0 disables the optional check
	StuckWindow                  time.Duration
}

// Aggregator computes the worker's overall healthy/unhealthy state.
type Aggregator struct {
	cfg    Config
	clock  clock.Clock
	disks  []DiskHealth
	hybrid HybridStoreHealth
	aliveAppCount func() int
	allocatorFootprint func() int64
	usedSampler UsedSampler

	markedUnhealthy atomic.Bool // sticky stuck-memory flag

	prevUsed      int64
	prevTimestamp time.Time
	haveSample    bool
}

// New constructs an Aggregator.
func New(cfg Config, clk clock.Clock, disks []DiskHealth, hybrid HybridStoreHealth, aliveAppCount func() int, allocatorFootprint func() int64, usedSampler UsedSampler) *Aggregator {
	registerMetricsOnce()
	return &Aggregator{
		cfg:                cfg,
		clock:              clk,
		disks:              disks,
		hybrid:             hybrid,
		aliveAppCount:      aliveAppCount,
		allocatorFootprint: allocatorFootprint,
		usedSampler:        usedSampler,
	}
}

// IsHealthy evaluates every check in order, exactly as
// HealthService::is_healthy does, logging the transition responsible
// for an unhealthy verdict.
func (a *Aggregator) IsHealthy() bool {
	for _, d := range a.disks {
		if !d.IsHealthy() {
			log.Printf("health: unhealthy due to disk")
			return false
		}
	}

	if a.hybrid != nil && !a.hybrid.IsHealthy() {
		log.Printf("health: unhealthy due to hybrid store")
		return false
	}

	if a.aliveAppCount != nil && a.cfg.AliveAppCountLimit > 0 && a.aliveAppCount() > a.cfg.AliveAppCountLimit {
		log.Printf("health: unhealthy due to alive app count exceeding limit")
		return false
	}

	if a.allocatorFootprint != nil && a.cfg.AllocatorFootprintCeiling > 0 && a.allocatorFootprint() > a.cfg.AllocatorFootprintCeiling {
		log.Printf("health: unhealthy due to allocator footprint")
		return false
	}

	a.checkStuckMemory()
	if a.markedUnhealthy.Load() {
		log.Printf("health: unhealthy due to sticky stuck-memory flag")
		return false
	}

	return true
}

// checkStuckMemory trips the sticky flag if used has been strictly
// equal to its previous non-zero sample for longer than
// cfg.StuckWindow (spec §4.7/§8 "Stuck-memory health").
func (a *Aggregator) checkStuckMemory() {
	if a.usedSampler == nil || a.cfg.StuckWindow <= 0 {
		return
	}
	used := a.usedSampler()
	now := a.clock.Now()

	if !a.haveSample {
		a.prevUsed, a.prevTimestamp, a.haveSample = used, now, true
		return
	}

	if used == 0 || used != a.prevUsed {
		a.prevUsed, a.prevTimestamp = used, now
		return
	}

	if now.Sub(a.prevTimestamp) > a.cfg.StuckWindow {
		if !a.markedUnhealthy.Swap(true) {
			stuckMemoryTrippedTotal.Inc()
		}
	}
}
