package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GrantsIssued counts successfully issued signed-URL grants per video.
// This metric is a counter and only increases.
var GrantsIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_grants_issued_total",
	Help: "Number of signed-URL access grants issued",
}, []string{"video", "tier"})

// GrantErrors counts failed grant and refresh operations, labelled by the
// taxonomy code so dashboards can separate tier denials from token replays.
var GrantErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_grant_errors_total",
	Help: "Number of failed grant/refresh operations",
}, []string{"video", "reason"})

// SessionsRevoked counts sessions terminated by explicit revocation or by
// the expiry sweep. The "cause" label distinguishes the two paths.
var SessionsRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_sessions_revoked_total",
	Help: "Number of access sessions terminated",
}, []string{"cause"})

// ActiveSessions tracks the number of live (non-revoked, non-expired)
// access sessions. Gauge; moves both directions.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamgate_active_sessions",
	Help: "Number of live access sessions",
})

// SegmentsPackaged counts media segments appended to per-quality playlists.
var SegmentsPackaged = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_segments_packaged_total",
	Help: "Number of HLS segments appended to media playlists",
}, []string{"stream", "quality"})

// PlaylistRequests counts playlist/segment lookups served from this core,
// labelled by outcome (hit/miss).
var PlaylistRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "streamgate_playlist_requests_total",
	Help: "Number of playlist lookups",
}, []string{"outcome"})

// StreamsOnline tracks how many tracked streams are currently flagged
// online by the health monitor.
var StreamsOnline = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "streamgate_streams_online",
	Help: "Number of tracked streams currently online",
})

// HealthSweepDuration observes the wall time of each staleness sweep.
var HealthSweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name:    "streamgate_health_sweep_duration_seconds",
	Help:    "Duration of stream health sweeps",
	Buckets: prometheus.DefBuckets,
})
