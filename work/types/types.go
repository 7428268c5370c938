package types

import (
	"time"
)

// Tier represents a subscription level used for access control decisions.
// Tiers are ordered: a caller may play any asset whose required tier is at
// or below their own. The zero value is not a valid tier; use ParseTier to
// construct one from external input.
type Tier string

// Subscription tier constants in ascending order of privilege.
const (
	TierBasic   Tier = "basic"
	TierPremium Tier = "premium"
	TierPro     Tier = "pro"
)

// Ordinal returns the numeric rank of the tier for ordinal comparison
// (basic < premium < pro). Unknown tiers rank below basic so that a
// malformed claim can never satisfy a requirement.
func (t Tier) Ordinal() int {
	switch t {
	case TierBasic:
		return 0
	case TierPremium:
		return 1
	case TierPro:
		return 2
	default:
		return -1
	}
}

// AtLeast reports whether the tier satisfies the given requirement.
func (t Tier) AtLeast(required Tier) bool {
	return t.Ordinal() >= 0 && t.Ordinal() >= required.Ordinal()
}

// ParseTier normalizes a tier claim from an external auth layer. The second
// return value is false when the claim names no known tier.
func ParseTier(s string) (Tier, bool) {
	switch Tier(s) {
	case TierBasic, TierPremium, TierPro:
		return Tier(s), true
	default:
		return "", false
	}
}

// VideoAsset describes an on-demand video object as owned by the external
// catalog. The control plane only reads these: the storage key feeds URL
// signing and the required tier feeds the grant decision. Assets are
// immutable from this core's point of view.
type VideoAsset struct {
	ID           string // Unique asset identifier
	StorageKey   string // Locator of the underlying storage object
	RequiredTier Tier   // Minimum subscription tier allowed to play the asset
	Visibility   string // External visibility flag (public/unlisted/private), informational here
}

// AccessSession is a time-boxed, cryptographically-bound grant to play one
// video asset. It is created by grant issuance, mutated only by refresh
// (token rotation + expiry extension) and by revocation/cleanup sweeps, and
// is terminal once revoked. The refresh token is single-use: every refresh
// rotates it and the prior token is permanently invalid.
type AccessSession struct {
	SessionID    string    // Cryptographically random session identifier
	VideoID      string    // Asset this grant applies to
	UserID       string    // Owner of the grant; refreshes by any other user fail
	Tier         Tier      // Tier the grant was issued under (for analytics)
	IssuedAt     time.Time // When the session was created
	ExpiresAt    time.Time // Hard expiry; always after IssuedAt
	RefreshToken string    // Current single-use refresh token
	AccessCount  int64     // Number of successful issue/refresh operations on this session
	Revoked      bool      // Terminal flag; a revoked session can never be refreshed
	RevokedAt    time.Time // When revocation happened (zero if not revoked)
	RevokeReason string    // Why the session was terminated (revoked/expired)
}

// Expired reports whether the session's expiry window has elapsed at the
// given instant. Revocation is tracked separately via Revoked.
func (s *AccessSession) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a shallow copy of the session. The session store mutates via
// copy-on-write so concurrent readers never observe a half-updated record.
func (s *AccessSession) Clone() *AccessSession {
	c := *s
	return &c
}

// StreamQualityVariant is the static per-stream configuration of one
// adaptive-bitrate rendition: its label, bandwidth and display properties.
// Variants never change while a stream is live.
type StreamQualityVariant struct {
	Quality     string  // Quality label: 480p, 720p, 1080p, 4K
	BitrateKbps uint32  // Nominal bitrate in kilobits per second
	Resolution  string  // Video resolution in "WIDTHxHEIGHT" form
	FrameRate   float64 // Video frame rate
}

// DefaultVariant returns the preset variant configuration for a quality
// label, mirroring the renditions the transcoding pipeline produces.
// The second return value is false for unknown labels.
func DefaultVariant(quality string) (StreamQualityVariant, bool) {
	switch quality {
	case "480p":
		return StreamQualityVariant{Quality: "480p", BitrateKbps: 1400, Resolution: "854x480", FrameRate: 30}, true
	case "720p":
		return StreamQualityVariant{Quality: "720p", BitrateKbps: 2800, Resolution: "1280x720", FrameRate: 30}, true
	case "1080p":
		return StreamQualityVariant{Quality: "1080p", BitrateKbps: 5000, Resolution: "1920x1080", FrameRate: 30}, true
	case "4K":
		return StreamQualityVariant{Quality: "4K", BitrateKbps: 14000, Resolution: "3840x2160", FrameRate: 30}, true
	default:
		return StreamQualityVariant{}, false
	}
}

// LiveStream is the external description of a live channel handed to the
// manifest builder at initialization time: an identifier plus the configured
// quality ladder.
type LiveStream struct {
	ID        string                 // Unique stream identifier
	Name      string                 // Human-readable display name
	Qualities []StreamQualityVariant // Configured rendition ladder
}

// SegmentRecord describes a single transcoded HLS media segment as announced
// by the external pipeline's segment-ready event.
type SegmentRecord struct {
	Filename string  // Segment file name relative to the quality directory
	Duration float64 // Segment duration in seconds
	Sequence uint64  // Monotonic sequence number assigned by the pipeline
}

// DeliveryState tracks the lifecycle of HLS delivery for a live stream.
// Transitions only move forward: Uninitialized -> Initializing -> Live ->
// Stopped, and Stopped is terminal.
type DeliveryState int32

// Delivery lifecycle states.
const (
	DeliveryUninitialized DeliveryState = iota // No delivery has been requested for the stream
	DeliveryInitializing                       // Master/media playlists being constructed
	DeliveryLive                               // Playlists served, segments flowing
	DeliveryStopped                            // Terminal; all cached state purged
)

// String returns the lowercase state name for logs and the admin API.
func (s DeliveryState) String() string {
	switch s {
	case DeliveryUninitialized:
		return "uninitialized"
	case DeliveryInitializing:
		return "initializing"
	case DeliveryLive:
		return "live"
	case DeliveryStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// HealthMetrics is a partial heartbeat payload from the transcoding
// pipeline. Every field is optional; nil fields leave the corresponding
// stored value untouched so concurrent heartbeats for different qualities
// never clobber each other's fields.
type HealthMetrics struct {
	Bitrate       *int64   `json:"bitrate,omitempty"`       // Measured bitrate in kbps
	FrameRate     *float64 `json:"frameRate,omitempty"`     // Measured frame rate
	Resolution    *string  `json:"resolution,omitempty"`    // Active output resolution
	DroppedFrames *int64   `json:"droppedFrames,omitempty"` // Frames dropped since stream start
	TotalFrames   *int64   `json:"totalFrames,omitempty"`   // Frames processed since stream start
	ViewerCount   *int64   `json:"viewerCount,omitempty"`   // Concurrent viewers as seen by the edge
}

// StreamHealthRecord is the tracked liveness state of one live stream.
// Records are created on stream init, merged field-by-field on every
// heartbeat, flagged offline (never deleted) by the staleness sweep, and
// discarded only when the stream stops.
type StreamHealthRecord struct {
	StreamID      string            // Stream this record tracks
	IsOnline      bool              // False only via the staleness sweep; true only via heartbeat/init
	Bitrate       int64             // Last reported bitrate in kbps
	FrameRate     float64           // Last reported frame rate
	Resolution    string            // Last reported resolution
	DroppedFrames int64             // Last reported dropped-frame count
	TotalFrames   int64             // Last reported total-frame count
	ViewerCount   int64             // Last reported viewer count
	LastUpdate    time.Time         // Timestamp of the most recent heartbeat
	SegmentCounts map[string]uint64 // Segments packaged so far, per quality label
}

// Clone returns a deep copy of the record, including the per-quality
// counters. Health state mutates via copy-on-write under a per-key compute
// so readers always see a consistent snapshot.
func (r *StreamHealthRecord) Clone() *StreamHealthRecord {
	c := *r
	c.SegmentCounts = make(map[string]uint64, len(r.SegmentCounts))
	for q, n := range r.SegmentCounts {
		c.SegmentCounts[q] = n
	}
	return &c
}

// AccessAnalyticsSummary is the derived per-video access report. It is
// computed on demand from session history and counters, never stored.
type AccessAnalyticsSummary struct {
	VideoID        string           `json:"videoId"`
	TotalAccesses  int64            `json:"totalAccesses"`
	UniqueUsers    int              `json:"uniqueUsers"`
	AccessesByTier map[string]int64 `json:"accessesByTier"`
	ErrorRate      float64          `json:"errorRate"`
	LastAccessedAt *time.Time       `json:"lastAccessedAt,omitempty"`
}
