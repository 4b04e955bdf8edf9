// Package localdisk implements the local-disk delegator described in
// spec component C3: append/read/stat/delete against one disk root,
// gated by an IO scheduler permit, dispatched onto dedicated read/
// append worker pools, bounded by a wall-clock deadline, and guarded
// by a health loop that probes capacity and write/read correctness.
//
// Grounded on original_source/src/store/local/delegator.rs.
package localdisk

import (
	"bytes"
	"context"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/riffle-io/riffle-worker/internal/worker/clock"
	"github.com/riffle-io/riffle-worker/internal/worker/ioscheduler"
	"github.com/riffle-io/riffle-worker/internal/worker/workererr"
)

// ioDurationThreshold bounds a single IO dispatch; exceeding it
// surfaces workererr.IoTimeout (spec §4.3 step 3).
const ioDurationThreshold = 20 * time.Minute

// corruptionCheckPayload is the fixed sentinel written and read back
// by the health loop's write/read probe. Preserved verbatim from
// delegator.rs::write_read_check.
var corruptionCheckPayload = []byte("hello world")

const corruptionCheckFile = "corruption_check.file"

// Config carries the per-disk tunables from spec §4.3/§6.
type Config struct {
	Root                   string
	HighWatermark          float64 // used_ratio above which a healthy disk is marked unhealthy
	LowWatermark           float64 // used_ratio below which an unhealthy disk is marked healthy
	HealthyCheckInterval   time.Duration
	ReadWorkers            int
	AppendWorkers          int
}

// CapacityProbe reports total and available bytes for the disk
// backing root. cmd/shuffle-worker passes GopsutilCapacityProbe;
// StatfsCapacityProbe is a syscall.Statfs alternative that a caller
// must pass explicitly (nothing falls back to it). Tests substitute a
// fake probe, mirroring the capacity_ref/available_ref test seams in
// delegator.rs.
type CapacityProbe func(root string) (capacityBytes, availableBytes uint64, err error)

// Delegator owns one disk root.
type Delegator struct {
	root      string
	cfg       Config
	scheduler *ioscheduler.Scheduler
	clock     clock.Clock
	probe     CapacityProbe

	readPool   *workerPool
	appendPool *workerPool

	healthy       atomic.Bool
	corrupted     atomic.Bool
	lastUsedRatio atomic.Uint64 // math.Float64bits, updated by capacityCheck

	stopHealthLoop context.CancelFunc
}

// New constructs a Delegator for cfg.Root, starting in the healthy,
// uncorrupted state.
func New(cfg Config, sched *ioscheduler.Scheduler, clk clock.Clock, probe CapacityProbe) *Delegator {
	if cfg.ReadWorkers <= 0 {
		cfg.ReadWorkers = 4
	}
	if cfg.AppendWorkers <= 0 {
		cfg.AppendWorkers = 4
	}
	d := &Delegator{
		root:       cfg.Root,
		cfg:        cfg,
		scheduler:  sched,
		clock:      clk,
		probe:      probe,
		readPool:   newWorkerPool(cfg.ReadWorkers),
		appendPool: newWorkerPool(cfg.AppendWorkers),
	}
	d.healthy.Store(true)
	registerMetricsOnce()
	return d
}

// Root returns the disk's root directory.
func (d *Delegator) Root() string { return d.root }

// IsHealthy reports the disk's current hysteresis-gated health state.
func (d *Delegator) IsHealthy() bool { return d.healthy.Load() }

// IsCorrupted reports whether the write/read probe has ever detected
// corruption; this flag is sticky for the Delegator's lifetime.
func (d *Delegator) IsCorrupted() bool { return d.corrupted.Load() }

// UsedRatio returns the most recently sampled used_ratio, consulted
// by the hybrid store's spiller to pick the least-loaded healthy
// disk.
func (d *Delegator) UsedRatio() float64 {
	return math.Float64frombits(d.lastUsedRatio.Load())
}

// dispatch runs fn on pool, enforcing ioDurationThreshold and
// returning workererr.IoTimeout on expiry, workererr.Cancelled if ctx
// is done first.
func dispatch(ctx context.Context, pool *workerPool, fn func() error) error {
	deadline, cancel := context.WithTimeout(ctx, ioDurationThreshold)
	defer cancel()

	done := make(chan error, 1)
	pool.submit(func() {
		done <- fn()
	})

	select {
	case err := <-done:
		return err
	case <-deadline.Done():
		if deadline.Err() == context.DeadlineExceeded {
			return workererr.IoTimeout
		}
		return workererr.Cancelled
	}
}

// Append writes data to the end of the file at relPath (relative to
// the disk root), creating it if necessary. Fails with DiskCorrupted
// once the disk has failed its write/read probe (spec §4.3: "rejects
// all new appends").
func (d *Delegator) Append(ctx context.Context, relPath string, data []byte) error {
	if d.corrupted.Load() {
		return workererr.DiskCorrupted
	}

	permit, err := d.scheduler.Acquire(ctx, ioscheduler.Append, int64(len(data)))
	if err != nil {
		return err
	}
	defer permit.Release()

	start := d.clock.Now()
	err = dispatch(ctx, d.appendPool, func() error {
		path := filepath.Join(d.root, relPath)
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o755); mkErr != nil {
			return workererr.IoFailure(mkErr)
		}
		f, openErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if openErr != nil {
			return workererr.IoFailure(openErr)
		}
		defer f.Close()
		if _, writeErr := f.Write(data); writeErr != nil {
			return workererr.IoFailure(writeErr)
		}
		return nil
	})
	appendDurationSeconds.WithLabelValues(d.root).Observe(d.clock.Now().Sub(start).Seconds())
	return err
}

// Read returns length bytes starting at offset from relPath. If
// length < 0, the estimatedReadBytes fixed estimate is used to size
// the IO scheduler permit (spec §4.3 step 1: "reads use a fixed
// estimate if length is unbounded").
const estimatedReadBytes = 64 * 1024

func (d *Delegator) Read(ctx context.Context, relPath string, offset int64, length int64) ([]byte, error) {
	permitSize := length
	if permitSize < 0 {
		permitSize = estimatedReadBytes
	}
	permit, err := d.scheduler.Acquire(ctx, ioscheduler.Read, permitSize)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	var result []byte
	start := d.clock.Now()
	err = dispatch(ctx, d.readPool, func() error {
		path := filepath.Join(d.root, relPath)
		f, openErr := os.Open(path)
		if openErr != nil {
			return workererr.IoFailure(openErr)
		}
		defer f.Close()

		toRead := length
		if toRead < 0 {
			info, statErr := f.Stat()
			if statErr != nil {
				return workererr.IoFailure(statErr)
			}
			toRead = info.Size() - offset
		}
		buf := make([]byte, toRead)
		n, readErr := f.ReadAt(buf, offset)
		if readErr != nil && n == 0 {
			return workererr.IoFailure(readErr)
		}
		result = buf[:n]
		return nil
	})
	readDurationSeconds.WithLabelValues(d.root).Observe(d.clock.Now().Sub(start).Seconds())
	return result, err
}

// Delete removes relPath. Deletes are not gated by the scheduler;
// they are metadata operations, not bulk byte transfers.
func (d *Delegator) Delete(ctx context.Context, relPath string) error {
	return dispatch(ctx, d.appendPool, func() error {
		path := filepath.Join(d.root, relPath)
		if rmErr := os.RemoveAll(path); rmErr != nil {
			return workererr.IoFailure(rmErr)
		}
		return nil
	})
}

// FileStat returns the size in bytes of relPath.
func (d *Delegator) FileStat(ctx context.Context, relPath string) (int64, error) {
	var size int64
	err := dispatch(ctx, d.readPool, func() error {
		info, statErr := os.Stat(filepath.Join(d.root, relPath))
		if statErr != nil {
			return workererr.IoFailure(statErr)
		}
		size = info.Size()
		return nil
	})
	return size, err
}

// CreateDir ensures relDir exists under the disk root.
func (d *Delegator) CreateDir(ctx context.Context, relDir string) error {
	return dispatch(ctx, d.appendPool, func() error {
		if mkErr := os.MkdirAll(filepath.Join(d.root, relDir), 0o755); mkErr != nil {
			return workererr.IoFailure(mkErr)
		}
		return nil
	})
}

// writeReadCheck writes corruptionCheckPayload to the sentinel file
// and reads it back, returning true if the round trip matches.
func (d *Delegator) writeReadCheck() bool {
	path := filepath.Join(d.root, corruptionCheckFile)
	if err := os.WriteFile(path, corruptionCheckPayload, 0o644); err != nil {
		return false
	}
	got, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	return bytes.Equal(got, corruptionCheckPayload)
}

// capacityCheck applies the hysteresis transition of spec §4.3.
func (d *Delegator) capacityCheck() {
	capacity, available, err := d.probe(d.root)
	if err != nil || capacity == 0 {
		return
	}
	usedRatio := float64(capacity-available) / float64(capacity)
	diskUsedRatioGauge.WithLabelValues(d.root).Set(usedRatio)
	d.lastUsedRatio.Store(math.Float64bits(usedRatio))

	wasHealthy := d.healthy.Load()
	if wasHealthy && usedRatio > d.cfg.HighWatermark {
		d.healthy.Store(false)
		diskHealthTransitionsTotal.WithLabelValues(d.root, "unhealthy").Inc()
	} else if !wasHealthy && usedRatio < d.cfg.LowWatermark {
		d.healthy.Store(true)
		diskHealthTransitionsTotal.WithLabelValues(d.root, "healthy").Inc()
	}
}

// StartHealthLoop runs the capacity and write/read probes once per
// HealthyCheckInterval until ctx is cancelled.
func (d *Delegator) StartHealthLoop(ctx context.Context) {
	ticker, ch := d.clock.NewTicker(d.cfg.HealthyCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				d.capacityCheck()
				if !d.writeReadCheck() {
					if !d.corrupted.Swap(true) {
						diskHealthTransitionsTotal.WithLabelValues(d.root, "corrupted").Inc()
					}
				}
			}
		}
	}()
}
