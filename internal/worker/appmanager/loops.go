package appmanager

import (
	"context"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/riffle-io/riffle-worker/internal/worker/hybridstore"
)

const (
	heartbeatCheckInterval = 10 * time.Second
	topNInterval           = 10 * time.Second
	topNCount              = 10
)

// StartHeartbeatChecker runs every 10s, enqueuing HeartbeatTimeout for
// any app whose latest heartbeat is older than the configured timeout
// (spec §4.6 "Heartbeat checker").
func (m *Manager) StartHeartbeatChecker(ctx context.Context) {
	ticker, ch := m.clock.NewTicker(heartbeatCheckInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				m.checkHeartbeats()
			}
		}
	}()
}

func (m *Manager) checkHeartbeats() {
	now := m.clock.Now()
	for _, sh := range m.shards {
		sh.mu.RLock()
		stale := make([]string, 0)
		for id, app := range sh.apps {
			app.mu.RLock()
			if now.Sub(app.latestHeartbeat) > m.cfg.HeartbeatTimeout {
				stale = append(stale, id)
			}
			app.mu.RUnlock()
		}
		sh.mu.RUnlock()
		for _, id := range stale {
			m.EnqueuePurge(PurgeEvent{Kind: HeartbeatTimeout, AppID: id})
		}
	}
}

// StartTopNLoop runs every 10s, ranking apps by total_resident
// descending and emitting the top 10 as gauges (spec §4.6 "TopN
// statistics").
func (m *Manager) StartTopNLoop(ctx context.Context) {
	ticker, ch := m.clock.NewTicker(topNInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ch:
				m.publishTopN()
			}
		}
	}()
}

type appResident struct {
	id       string
	resident int64
}

func (m *Manager) publishTopN() {
	var all []appResident
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id, app := range sh.apps {
			app.mu.RLock()
			all = append(all, appResident{id: id, resident: app.totalResident})
			app.mu.RUnlock()
		}
		sh.mu.RUnlock()
	}
	sort.Slice(all, func(i, j int) bool { return all[i].resident > all[j].resident })

	topResidentBytesGauge.Reset()
	n := topNCount
	if len(all) < n {
		n = len(all)
	}
	for i := 0; i < n; i++ {
		topResidentBytesGauge.WithLabelValues(all[i].id, strconv.Itoa(i)).Set(float64(all[i].resident))
	}
}

// StartPurgeConsumer runs the single consumer loop for the ordered
// purge queue (spec §4.6 "Purge handler"). App-scope purge removes
// the app and delegates to the hybrid store's purge for every
// partition it owns; shuffle-scope purge scopes the delete without
// removing the app.
func (m *Manager) StartPurgeConsumer(ctx context.Context, hybrid *hybridstore.Store) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-m.purgeEvents:
				m.handlePurge(ctx, ev, hybrid)
			}
		}
	}()
}

func (m *Manager) handlePurge(ctx context.Context, ev PurgeEvent, hybrid *hybridstore.Store) {
	switch ev.Kind {
	case HeartbeatTimeout, ExplicitAppPurge:
		purgeEventsTotal.WithLabelValues(kindLabel(ev.Kind)).Inc()
		sh := m.shardFor(ev.AppID)
		sh.mu.Lock()
		app, ok := sh.apps[ev.AppID]
		delete(sh.apps, ev.AppID)
		sh.mu.Unlock()
		if !ok {
			return
		}
		app.partitionsMu.RLock()
		keys := make([]string, 0, len(app.partitions))
		for k := range app.partitions {
			keys = append(keys, k)
		}
		app.partitionsMu.RUnlock()
		for _, k := range keys {
			if _, err := hybrid.Purge(ctx, k); err != nil {
				log.Printf("appmanager: purge failed for %s: %s", k, err)
			}
		}
		aliveAppsGauge.Set(float64(m.AliveAppCount()))

	case ShufflePurge:
		purgeEventsTotal.WithLabelValues(kindLabel(ev.Kind)).Inc()
		app, ok := m.App(ev.AppID)
		if !ok {
			return
		}
		prefix := ev.AppID + "/" + strconv.FormatInt(ev.ShuffleID, 10) + "/"
		app.partitionsMu.Lock()
		matched := make([]string, 0, len(app.partitions))
		for k := range app.partitions {
			if hasPrefix(k, prefix) {
				matched = append(matched, k)
				delete(app.partitions, k)
			}
		}
		app.partitionsMu.Unlock()
		for _, k := range matched {
			if _, err := hybrid.Purge(ctx, k); err != nil {
				log.Printf("appmanager: shuffle purge failed for %s: %s", k, err)
			}
		}
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func kindLabel(k PurgeEventKind) string {
	switch k {
	case HeartbeatTimeout:
		return "heartbeat_timeout"
	case ExplicitAppPurge:
		return "explicit_app_purge"
	case ShufflePurge:
		return "shuffle_purge"
	default:
		return "unknown"
	}
}
