package health

import (
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/types"
)

// Monitor tracks per-stream health state fed by transcoder heartbeats.
// Heartbeats are partial: a reporter may send only the fields it knows, and
// the monitor merges them into the stored record without disturbing the
// rest. Records mutate copy-on-write under a per-key compute, so readers
// always see a consistent snapshot and concurrent heartbeats for the same
// stream serialize without a global lock.
//
// A background sweep marks streams offline when their last heartbeat is
// older than the configured timeout. The sweep only ever flips online to
// offline; coming back online requires a fresh heartbeat, never the passage
// of time.
type Monitor struct {
	cfg        *config.Config
	records    *xsync.MapOf[string, *types.StreamHealthRecord]
	workerPool *ants.Pool
	stopChan   chan struct{}
	stopOnce   sync.Once

	// now is the clock used for staleness decisions; injectable for tests.
	now func() time.Time
}

// NewMonitor constructs a Monitor with an empty record set.
func NewMonitor(cfg *config.Config, workerPool *ants.Pool) *Monitor {
	logger.Debug("{health/monitor - NewMonitor} Monitor initialized (timeout: %s, freshness: %s, optimistic: %v)",
		cfg.HealthTimeout, cfg.FreshnessWindow, cfg.OptimisticLive)

	return &Monitor{
		cfg:        cfg,
		records:    xsync.NewMapOf[string, *types.StreamHealthRecord](),
		workerPool: workerPool,
		stopChan:   make(chan struct{}),
		now:        time.Now,
	}
}

// UpdateStreamHealth merges a heartbeat into the stream's record. Only the
// fields the heartbeat carries are updated; everything else keeps its last
// reported value. A heartbeat always marks the stream online and refreshes
// its last-update timestamp, creating the record on first contact.
func (m *Monitor) UpdateStreamHealth(streamID string, hb types.HealthMetrics) {
	now := m.now()
	var created, wasOffline bool

	m.records.Compute(streamID, func(cur *types.StreamHealthRecord, loaded bool) (*types.StreamHealthRecord, bool) {
		var next *types.StreamHealthRecord
		if !loaded {
			created = true
			next = &types.StreamHealthRecord{
				StreamID:      streamID,
				SegmentCounts: make(map[string]uint64),
			}
		} else {
			wasOffline = !cur.IsOnline
			next = cur.Clone()
		}

		if hb.Bitrate != nil {
			next.Bitrate = *hb.Bitrate
		}
		if hb.FrameRate != nil {
			next.FrameRate = *hb.FrameRate
		}
		if hb.Resolution != nil {
			next.Resolution = *hb.Resolution
		}
		if hb.DroppedFrames != nil {
			next.DroppedFrames = *hb.DroppedFrames
		}
		if hb.TotalFrames != nil {
			next.TotalFrames = *hb.TotalFrames
		}
		if hb.ViewerCount != nil {
			next.ViewerCount = *hb.ViewerCount
		}

		next.IsOnline = true
		next.LastUpdate = now
		return next, false
	})

	if created || wasOffline {
		metrics.StreamsOnline.Inc()
		logger.Info("{health/monitor - UpdateStreamHealth} Stream %s is online", streamID)
	}
}

// InitializeStream seeds a health record when a delivery starts, before the
// transcoder has sent its first heartbeat. Under the optimistic policy the
// record is born online so playback is not gated on heartbeat latency; under
// the pessimistic policy it waits offline for the first heartbeat. An
// existing record is left alone.
func (m *Monitor) InitializeStream(streamID string) {
	var created bool

	m.records.Compute(streamID, func(cur *types.StreamHealthRecord, loaded bool) (*types.StreamHealthRecord, bool) {
		if loaded {
			return cur, false
		}
		created = true
		return &types.StreamHealthRecord{
			StreamID:      streamID,
			SegmentCounts: make(map[string]uint64),
			IsOnline:      m.cfg.OptimisticLive,
			LastUpdate:    m.now(),
		}, false
	})

	if created && m.cfg.OptimisticLive {
		metrics.StreamsOnline.Inc()
		logger.Debug("{health/monitor - InitializeStream} Stream %s seeded online pending first heartbeat", streamID)
	}
}

// RecordSegment bumps the per-quality packaged-segment counter on the
// stream's health record, creating the record if the packager outran the
// first heartbeat.
func (m *Monitor) RecordSegment(streamID, quality string) {
	m.records.Compute(streamID, func(cur *types.StreamHealthRecord, loaded bool) (*types.StreamHealthRecord, bool) {
		var next *types.StreamHealthRecord
		if !loaded {
			next = &types.StreamHealthRecord{
				StreamID:      streamID,
				SegmentCounts: make(map[string]uint64),
			}
		} else {
			next = cur.Clone()
		}
		next.SegmentCounts[quality]++
		return next, false
	})
}

// StreamHealth returns a snapshot of the stream's health record, or nil when
// the stream has never reported.
func (m *Monitor) StreamHealth(streamID string) *types.StreamHealthRecord {
	rec, ok := m.records.Load(streamID)
	if !ok {
		return nil
	}
	return rec
}

// IsStreamLive reports whether playback should treat the stream as live.
// The gate is stricter than the sweep: the stream must be online AND its
// last heartbeat must fall strictly inside the freshness window, which is at
// most the sweep timeout. A stream can therefore fail the liveness gate
// before the sweep has gotten around to marking it offline, and a heartbeat
// aged exactly one window is already stale.
//
// Streams with no record at all answer the configured optimistic default, so
// a monitor restart does not black out streams that are in fact healthy.
func (m *Monitor) IsStreamLive(streamID string) bool {
	rec, ok := m.records.Load(streamID)
	if !ok {
		return m.cfg.OptimisticLive
	}
	if !rec.IsOnline {
		return false
	}
	return m.now().Sub(rec.LastUpdate) < m.cfg.FreshnessWindow
}

// PerformHealthCheck sweeps every record and marks streams offline when
// their last heartbeat is older than the health timeout. The flip is applied
// inside a per-key compute with the staleness recheck, so a heartbeat racing
// the sweep wins. Per-stream work fans out over the worker pool; a panic in
// one item is recovered and the sweep continues.
func (m *Monitor) PerformHealthCheck() int {
	start := m.now()
	var flipped int64
	var mu sync.Mutex
	var wg sync.WaitGroup

	m.records.Range(func(id string, rec *types.StreamHealthRecord) bool {
		if !rec.IsOnline || start.Sub(rec.LastUpdate) <= m.cfg.HealthTimeout {
			return true
		}

		streamID := id
		task := func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("{health/monitor - PerformHealthCheck} Recovered while checking stream %s: %v", streamID, rec)
				}
			}()
			if m.markOffline(streamID, start) {
				mu.Lock()
				flipped++
				mu.Unlock()
			}
		}

		wg.Add(1)
		if m.workerPool == nil || m.workerPool.Submit(task) != nil {
			task()
		}
		return true
	})

	wg.Wait()
	metrics.HealthSweepDuration.Observe(time.Since(start).Seconds())

	if flipped > 0 {
		logger.Info("{health/monitor - PerformHealthCheck} Marked %d stream(s) offline", flipped)
	}
	return int(flipped)
}

// markOffline flips one stream to offline if it is still stale at apply
// time. Returns false when a concurrent heartbeat refreshed the record
// between the sweep's snapshot and this call.
func (m *Monitor) markOffline(streamID string, sweepStart time.Time) bool {
	var changed bool
	m.records.Compute(streamID, func(cur *types.StreamHealthRecord, loaded bool) (*types.StreamHealthRecord, bool) {
		if !loaded {
			return nil, true
		}
		if !cur.IsOnline || sweepStart.Sub(cur.LastUpdate) <= m.cfg.HealthTimeout {
			return cur, false
		}
		next := cur.Clone()
		next.IsOnline = false
		changed = true
		return next, false
	})

	if changed {
		metrics.StreamsOnline.Dec()
		logger.Warn("{health/monitor - markOffline} Stream %s marked offline (no heartbeat within %s)",
			streamID, m.cfg.HealthTimeout)
	}
	return changed
}

// Remove drops the stream's health record entirely, used when delivery stops
// and the stream should no longer count toward online totals.
func (m *Monitor) Remove(streamID string) {
	if rec, ok := m.records.LoadAndDelete(streamID); ok && rec.IsOnline {
		metrics.StreamsOnline.Dec()
	}
}

// OnlineStreamCount reports how many tracked streams are currently online.
func (m *Monitor) OnlineStreamCount() int {
	count := 0
	m.records.Range(func(_ string, rec *types.StreamHealthRecord) bool {
		if rec.IsOnline {
			count++
		}
		return true
	})
	return count
}

// StartHealthCheckLoop runs the staleness sweep on the configured interval
// until StopHealthCheckLoop is called. Intended to be launched as a
// goroutine from main.
func (m *Monitor) StartHealthCheckLoop() {
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()

	logger.Info("{health/monitor - StartHealthCheckLoop} Health sweep every %s", m.cfg.HealthCheckInterval)

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.PerformHealthCheck()
		}
	}
}

// StopHealthCheckLoop terminates the background sweep. Safe to call more
// than once.
func (m *Monitor) StopHealthCheckLoop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
	})
}
