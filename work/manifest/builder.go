package manifest

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
	"github.com/maypok86/otter/v2"
	"github.com/puzpuzpuz/xsync/v3"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/types"
)

// playlistPathRe is the grammar for playlist request paths, anchored and
// matched in full:
//
//	hls/<streamID>/master.m3u8
//	hls/<streamID>/<quality>/playlist.m3u8
//
// with an optional leading slash. Stream ids are limited to URL-safe
// characters so a path can never escape into another stream's namespace.
var playlistPathRe = regexp.MustCompile(`^/?hls/([A-Za-z0-9_-]+)/(?:master\.m3u8|([A-Za-z0-9]+)/playlist\.m3u8)$`)

// baselineCodecs is the codec string advertised for every variant: H.264
// high profile video with AAC-LC audio, matching the transcoder output.
const baselineCodecs = "avc1.64001f,mp4a.40.2"

// delivery is the per-stream packaging state: the master playlist, one
// sliding media playlist per rendition, and the lifecycle state. The grafov
// playlists are not safe for concurrent mutation, so every access goes
// through the delivery mutex; request paths normally hit the rendered-text
// cache and never contend here.
type delivery struct {
	mu     sync.Mutex
	stream types.LiveStream
	state  types.DeliveryState
	master *m3u8.MasterPlaylist
	media  map[string]*m3u8.MediaPlaylist
}

// Rendered is a cached playlist rendering: the manifest text plus the
// instant it was generated, which the HTTP surface exposes as Last-Modified.
type Rendered struct {
	Content      string
	LastModified time.Time
}

// Builder assembles and serves HLS master and media playlists for live
// streams. Media playlists keep a bounded sliding window of segments; as
// segments slide out, the playlist's media sequence number advances so
// players track the live edge correctly.
//
// Rendered playlist text is cached with a short TTL so a popular stream
// serves thousands of players from one render. Every mutation (new segment,
// stop) invalidates the affected cache entries, so staleness is bounded by
// the TTL only between mutations, and never survives one.
type Builder struct {
	cfg        *config.Config
	deliveries *xsync.MapOf[string, *delivery]
	rendered   *otter.Cache[string, Rendered]
}

// NewBuilder constructs a Builder with an empty delivery registry and a
// rendered-playlist cache sized from configuration.
func NewBuilder(cfg *config.Config) *Builder {
	rendered := otter.Must(&otter.Options[string, Rendered]{
		MaximumSize:      cfg.PlaylistCacheSize,
		ExpiryCalculator: otter.ExpiryWriting[string, Rendered](cfg.PlaylistCacheTTL),
	})

	logger.Debug("{manifest/builder - NewBuilder} Builder initialized (window: %d segments, cache TTL: %s)",
		cfg.SegmentWindowSize, cfg.PlaylistCacheTTL)

	return &Builder{
		cfg:        cfg,
		deliveries: xsync.NewMapOf[string, *delivery](),
		rendered:   rendered,
	}
}

// InitializeDelivery creates the packaging state for a live stream: a master
// playlist referencing one media playlist per configured rendition, variants
// ordered by ascending bandwidth. Under the optimistic policy the delivery
// is live immediately; otherwise it starts initializing and goes live when
// the first segment arrives.
//
// Initializing a stream that is already initializing or live fails with
// ErrDeliveryExists; a stopped stream may be initialized again, which
// replaces the old state entirely.
func (b *Builder) InitializeDelivery(stream types.LiveStream) error {
	if stream.ID == "" {
		return fmt.Errorf("stream id is empty: %w", ErrBadPlaylistPath)
	}
	if len(stream.Qualities) == 0 {
		return fmt.Errorf("stream %s has no quality variants", stream.ID)
	}

	variants := make([]types.StreamQualityVariant, len(stream.Qualities))
	copy(variants, stream.Qualities)
	sort.Slice(variants, func(a, z int) bool {
		return variants[a].BitrateKbps < variants[z].BitrateKbps
	})
	stream.Qualities = variants

	// the optimistic policy trusts the transcoder to deliver: the stream is
	// live the moment packaging starts. Pessimistic deployments hold the
	// delivery in initializing until the first segment proves the pipeline.
	state := types.DeliveryInitializing
	if b.cfg.OptimisticLive {
		state = types.DeliveryLive
	}

	d := &delivery{
		stream: stream,
		state:  state,
		master: m3u8.NewMasterPlaylist(),
		media:  make(map[string]*m3u8.MediaPlaylist, len(variants)),
	}

	window := uint(b.cfg.SegmentWindowSize)
	for _, v := range variants {
		media, err := m3u8.NewMediaPlaylist(window, window)
		if err != nil {
			return fmt.Errorf("media playlist for %s/%s: %w", stream.ID, v.Quality, err)
		}
		media.TargetDuration = b.cfg.TargetSegmentDuration.Seconds()
		d.media[v.Quality] = media

		d.master.Append(v.Quality+"/playlist.m3u8", media, m3u8.VariantParams{
			Bandwidth:  v.BitrateKbps * 1000,
			Resolution: v.Resolution,
			FrameRate:  v.FrameRate,
			Codecs:     baselineCodecs,
			Name:       v.Quality,
		})
	}

	var replaced bool
	var conflict error
	b.deliveries.Compute(stream.ID, func(cur *delivery, loaded bool) (*delivery, bool) {
		if loaded && cur.state != types.DeliveryStopped {
			conflict = fmt.Errorf("stream %s is %s: %w", stream.ID, cur.state, ErrDeliveryExists)
			return cur, false
		}
		replaced = loaded
		return d, false
	})
	if conflict != nil {
		return conflict
	}

	if replaced {
		b.invalidateStream(stream.ID, stream.Qualities)
	}

	logger.Info("{manifest/builder - InitializeDelivery} Initialized delivery for stream %s (%d renditions)",
		stream.ID, len(variants))
	return nil
}

// UpdateMediaPlaylist appends a freshly packaged segment to the rendition's
// sliding window. Once the window is full the oldest segment is evicted and
// the media sequence number advances. The first segment for any rendition
// moves the delivery from initializing to live.
func (b *Builder) UpdateMediaPlaylist(streamID, quality string, seg types.SegmentRecord) error {
	d, ok := b.deliveries.Load(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == types.DeliveryStopped {
		return fmt.Errorf("stream %s: %w", streamID, ErrDeliveryStopped)
	}

	media, ok := d.media[quality]
	if !ok {
		return fmt.Errorf("stream %s quality %s: %w", streamID, quality, ErrUnknownQuality)
	}

	// a pipeline resuming mid-stream announces a nonzero starting sequence;
	// seed the playlist from it so EXT-X-MEDIA-SEQUENCE keeps tracking the
	// oldest retained segment
	if media.Count() == 0 {
		media.SeqNo = seg.Sequence
	}
	media.Slide(seg.Filename, seg.Duration, "")

	if d.state == types.DeliveryInitializing {
		d.state = types.DeliveryLive
		logger.Info("{manifest/builder - UpdateMediaPlaylist} Stream %s is live (first segment: %s/%s)",
			streamID, quality, seg.Filename)
	}

	b.rendered.Invalidate(mediaCacheKey(streamID, quality))
	metrics.SegmentsPackaged.WithLabelValues(streamID, quality).Inc()

	if logger.DebugEnabled() {
		logger.Debug("{manifest/builder - UpdateMediaPlaylist} Appended %s to %s/%s (seq now %d, window %d)",
			seg.Filename, streamID, quality, media.SeqNo, media.Count())
	}
	return nil
}

// MasterPlaylist renders the master playlist for a stream. Served from the
// rendered cache when fresh.
func (b *Builder) MasterPlaylist(streamID string) (Rendered, error) {
	key := masterCacheKey(streamID)
	if r, ok := b.rendered.GetIfPresent(key); ok {
		metrics.PlaylistRequests.WithLabelValues("cache_hit").Inc()
		return r, nil
	}

	d, ok := b.deliveries.Load(streamID)
	if !ok {
		metrics.PlaylistRequests.WithLabelValues("not_found").Inc()
		return Rendered{}, fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == types.DeliveryStopped {
		metrics.PlaylistRequests.WithLabelValues("not_found").Inc()
		return Rendered{}, fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	// the Set must happen under the delivery mutex: StopDelivery flips the
	// state under this mutex before purging the cache, so a racing render
	// either observes the stopped state or lands its entry before the purge
	r := Rendered{Content: d.master.Encode().String(), LastModified: time.Now()}
	b.rendered.Set(key, r)
	metrics.PlaylistRequests.WithLabelValues("rendered").Inc()
	return r, nil
}

// MediaPlaylist renders the sliding-window media playlist for one rendition.
// Before the first segment arrives the rendition has nothing to play and the
// call fails with ErrNotReady.
func (b *Builder) MediaPlaylist(streamID, quality string) (Rendered, error) {
	key := mediaCacheKey(streamID, quality)
	if r, ok := b.rendered.GetIfPresent(key); ok {
		metrics.PlaylistRequests.WithLabelValues("cache_hit").Inc()
		return r, nil
	}

	d, ok := b.deliveries.Load(streamID)
	if !ok {
		metrics.PlaylistRequests.WithLabelValues("not_found").Inc()
		return Rendered{}, fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state == types.DeliveryStopped {
		metrics.PlaylistRequests.WithLabelValues("not_found").Inc()
		return Rendered{}, fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	media, ok := d.media[quality]
	if !ok {
		metrics.PlaylistRequests.WithLabelValues("not_found").Inc()
		return Rendered{}, fmt.Errorf("stream %s quality %s: %w", streamID, quality, ErrUnknownQuality)
	}
	if media.Count() == 0 {
		metrics.PlaylistRequests.WithLabelValues("not_ready").Inc()
		return Rendered{}, fmt.Errorf("stream %s quality %s: %w", streamID, quality, ErrNotReady)
	}

	r := Rendered{Content: media.Encode().String(), LastModified: time.Now()}
	b.rendered.Set(key, r)
	metrics.PlaylistRequests.WithLabelValues("rendered").Inc()
	return r, nil
}

// Playlist resolves a request path against the playlist grammar and serves
// the master or media playlist it names.
func (b *Builder) Playlist(path string) (Rendered, error) {
	m := playlistPathRe.FindStringSubmatch(path)
	if m == nil {
		metrics.PlaylistRequests.WithLabelValues("bad_path").Inc()
		return Rendered{}, fmt.Errorf("path %q: %w", path, ErrBadPlaylistPath)
	}
	streamID, quality := m[1], m[2]
	if quality == "" {
		return b.MasterPlaylist(streamID)
	}
	return b.MediaPlaylist(streamID, quality)
}

// StopDelivery ends packaging for a stream: each media playlist is closed
// with an end-of-stream marker, the state becomes stopped, and every cached
// rendering is invalidated so the very next playlist request misses the
// cache. The stopped delivery is dropped from the registry; subsequent
// requests see ErrDeliveryNotFound.
func (b *Builder) StopDelivery(streamID string) error {
	d, ok := b.deliveries.Load(streamID)
	if !ok {
		return fmt.Errorf("stream %s: %w", streamID, ErrDeliveryNotFound)
	}

	d.mu.Lock()
	if d.state == types.DeliveryStopped {
		d.mu.Unlock()
		return fmt.Errorf("stream %s: %w", streamID, ErrDeliveryStopped)
	}
	d.state = types.DeliveryStopped
	for _, media := range d.media {
		media.Close()
	}
	qualities := d.stream.Qualities
	d.mu.Unlock()

	b.deliveries.Delete(streamID)
	b.invalidateStream(streamID, qualities)

	logger.Info("{manifest/builder - StopDelivery} Stopped delivery for stream %s", streamID)
	return nil
}

// State reports the delivery lifecycle state of a stream. Streams not in the
// registry (never initialized, or stopped and purged) are uninitialized.
func (b *Builder) State(streamID string) types.DeliveryState {
	d, ok := b.deliveries.Load(streamID)
	if !ok {
		return types.DeliveryUninitialized
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// ActiveDeliveryCount reports how many streams are currently initializing or
// live, for the admin stats surface.
func (b *Builder) ActiveDeliveryCount() int {
	return b.deliveries.Size()
}

// invalidateStream drops every cached rendering belonging to a stream.
func (b *Builder) invalidateStream(streamID string, qualities []types.StreamQualityVariant) {
	b.rendered.Invalidate(masterCacheKey(streamID))
	for _, v := range qualities {
		b.rendered.Invalidate(mediaCacheKey(streamID, v.Quality))
	}
}

func masterCacheKey(streamID string) string {
	return streamID + "/master"
}

func mediaCacheKey(streamID, quality string) string {
	return streamID + "/" + quality
}

// TargetSegmentDuration exposes the configured nominal segment duration for
// callers that schedule around the packaging cadence.
func (b *Builder) TargetSegmentDuration() time.Duration {
	return b.cfg.TargetSegmentDuration
}
