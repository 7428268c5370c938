package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
	"streamgate/work/types"
)

func testMonitorConfig() *config.Config {
	return &config.Config{
		HealthCheckInterval: 30 * time.Second,
		HealthTimeout:       60 * time.Second,
		FreshnessWindow:     30 * time.Second,
		OptimisticLive:      true,
	}
}

// newTestMonitor returns a monitor on a controllable clock. Moving the
// returned pointer moves the monitor's idea of now.
func newTestMonitor(t *testing.T) (*Monitor, *time.Time) {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m := NewMonitor(testMonitorConfig(), nil)
	m.now = func() time.Time { return now }
	return m, &now
}

func int64p(v int64) *int64       { return &v }
func float64p(v float64) *float64 { return &v }
func stringp(v string) *string    { return &v }

func TestUpdateStreamHealthMergesFields(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.UpdateStreamHealth("s1", types.HealthMetrics{
		Bitrate:    int64p(4500),
		Resolution: stringp("1920x1080"),
	})

	rec := m.StreamHealth("s1")
	require.NotNil(t, rec)
	assert.True(t, rec.IsOnline)
	assert.Equal(t, int64(4500), rec.Bitrate)
	assert.Equal(t, "1920x1080", rec.Resolution)
	assert.Zero(t, rec.FrameRate)

	// a partial heartbeat updates only what it carries
	m.UpdateStreamHealth("s1", types.HealthMetrics{
		FrameRate:   float64p(29.97),
		ViewerCount: int64p(120),
	})

	rec = m.StreamHealth("s1")
	assert.Equal(t, int64(4500), rec.Bitrate)
	assert.Equal(t, "1920x1080", rec.Resolution)
	assert.Equal(t, 29.97, rec.FrameRate)
	assert.Equal(t, int64(120), rec.ViewerCount)
}

func TestInitializeStreamSeedsRecord(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.InitializeStream("s1")
	rec := m.StreamHealth("s1")
	require.NotNil(t, rec)
	assert.True(t, rec.IsOnline)
	assert.True(t, m.IsStreamLive("s1"))

	// a record that already exists is not reset
	m.UpdateStreamHealth("s1", types.HealthMetrics{Bitrate: int64p(4500)})
	m.InitializeStream("s1")
	assert.Equal(t, int64(4500), m.StreamHealth("s1").Bitrate)
}

func TestInitializeStreamPessimistic(t *testing.T) {
	cfg := testMonitorConfig()
	cfg.OptimisticLive = false
	m := NewMonitor(cfg, nil)

	m.InitializeStream("s1")
	rec := m.StreamHealth("s1")
	require.NotNil(t, rec)
	assert.False(t, rec.IsOnline)
	assert.False(t, m.IsStreamLive("s1"))

	// the first heartbeat brings it online
	m.UpdateStreamHealth("s1", types.HealthMetrics{})
	assert.True(t, m.IsStreamLive("s1"))
}

func TestHealthCheckFlipsStaleStreamsOffline(t *testing.T) {
	m, now := newTestMonitor(t)

	m.UpdateStreamHealth("stale", types.HealthMetrics{})
	*now = now.Add(30 * time.Second)
	m.UpdateStreamHealth("fresh", types.HealthMetrics{})

	// 61s after the first heartbeat: "stale" exceeds the 60s timeout,
	// "fresh" is 31s old and stays online
	*now = now.Add(31 * time.Second)
	assert.Equal(t, 1, m.PerformHealthCheck())

	assert.False(t, m.StreamHealth("stale").IsOnline)
	assert.True(t, m.StreamHealth("fresh").IsOnline)

	// the sweep never deletes records
	require.NotNil(t, m.StreamHealth("stale"))

	// a second sweep finds nothing new to flip
	assert.Equal(t, 0, m.PerformHealthCheck())
}

func TestHeartbeatBringsStreamBackOnline(t *testing.T) {
	m, now := newTestMonitor(t)

	m.UpdateStreamHealth("s1", types.HealthMetrics{})
	*now = now.Add(2 * time.Minute)
	require.Equal(t, 1, m.PerformHealthCheck())
	require.False(t, m.StreamHealth("s1").IsOnline)

	// time alone never revives a stream; a heartbeat does
	assert.Equal(t, 0, m.PerformHealthCheck())
	assert.False(t, m.IsStreamLive("s1"))

	m.UpdateStreamHealth("s1", types.HealthMetrics{})
	assert.True(t, m.StreamHealth("s1").IsOnline)
	assert.True(t, m.IsStreamLive("s1"))
}

func TestIsStreamLiveFreshnessGate(t *testing.T) {
	m, now := newTestMonitor(t)

	m.UpdateStreamHealth("s1", types.HealthMetrics{})
	assert.True(t, m.IsStreamLive("s1"))

	// one instant short of the 30s window is still fresh
	*now = now.Add(30*time.Second - time.Nanosecond)
	assert.True(t, m.IsStreamLive("s1"))

	// exactly one window old is already stale; the bound is strict
	*now = now.Add(time.Nanosecond)
	assert.False(t, m.IsStreamLive("s1"))

	// 40s old: inside the 60s sweep timeout but past the 30s freshness
	// window, so playback admission fails while the record is still online
	*now = now.Add(10 * time.Second)
	assert.False(t, m.IsStreamLive("s1"))
	assert.True(t, m.StreamHealth("s1").IsOnline)
	assert.Equal(t, 0, m.PerformHealthCheck())
}

func TestIsStreamLiveUnknownStream(t *testing.T) {
	m, _ := newTestMonitor(t)
	assert.True(t, m.IsStreamLive("never-seen"), "optimistic default treats unknown streams as live")

	pessimistic := testMonitorConfig()
	pessimistic.OptimisticLive = false
	m2 := NewMonitor(pessimistic, nil)
	assert.False(t, m2.IsStreamLive("never-seen"))
}

func TestRecordSegmentCounts(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.RecordSegment("s1", "720p")
	m.RecordSegment("s1", "720p")
	m.RecordSegment("s1", "1080p")

	rec := m.StreamHealth("s1")
	require.NotNil(t, rec)
	assert.Equal(t, uint64(2), rec.SegmentCounts["720p"])
	assert.Equal(t, uint64(1), rec.SegmentCounts["1080p"])

	// segment counters alone do not mark the stream online
	assert.False(t, rec.IsOnline)
}

func TestRemoveDropsRecord(t *testing.T) {
	m, _ := newTestMonitor(t)

	m.UpdateStreamHealth("s1", types.HealthMetrics{})
	require.Equal(t, 1, m.OnlineStreamCount())

	m.Remove("s1")
	assert.Nil(t, m.StreamHealth("s1"))
	assert.Equal(t, 0, m.OnlineStreamCount())

	// removing an unknown stream is harmless
	m.Remove("s1")
}
