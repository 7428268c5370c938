package manifest

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
	"streamgate/work/types"
)

func testBuilderConfig() *config.Config {
	return &config.Config{
		SegmentWindowSize:     3,
		TargetSegmentDuration: 6 * time.Second,
		PlaylistCacheSize:     128,
		PlaylistCacheTTL:      2 * time.Second,
	}
}

func testStream(id string, qualities ...string) types.LiveStream {
	stream := types.LiveStream{ID: id, Name: "Test " + id}
	for _, q := range qualities {
		variant, ok := types.DefaultVariant(q)
		if !ok {
			panic("unknown test quality " + q)
		}
		stream.Qualities = append(stream.Qualities, variant)
	}
	return stream
}

func TestInitializeDeliveryMasterPlaylist(t *testing.T) {
	b := NewBuilder(testBuilderConfig())

	// deliberately out of order; the master must sort by bandwidth
	require.NoError(t, b.InitializeDelivery(testStream("s1", "1080p", "480p", "720p")))
	assert.Equal(t, types.DeliveryInitializing, b.State("s1"))

	rendered, err := b.MasterPlaylist("s1")
	require.NoError(t, err)
	text := rendered.Content
	assert.False(t, rendered.LastModified.IsZero())

	assert.True(t, strings.HasPrefix(text, "#EXTM3U"))
	assert.Contains(t, text, "RESOLUTION=854x480")
	assert.Contains(t, text, "RESOLUTION=1280x720")
	assert.Contains(t, text, "RESOLUTION=1920x1080")
	assert.Contains(t, text, "480p/playlist.m3u8")
	assert.Contains(t, text, "720p/playlist.m3u8")
	assert.Contains(t, text, "1080p/playlist.m3u8")

	// ascending bandwidth order
	i480 := strings.Index(text, "BANDWIDTH=1400000")
	i720 := strings.Index(text, "BANDWIDTH=2800000")
	i1080 := strings.Index(text, "BANDWIDTH=5000000")
	require.True(t, i480 >= 0 && i720 >= 0 && i1080 >= 0)
	assert.Less(t, i480, i720)
	assert.Less(t, i720, i1080)
}

func TestInitializeDeliveryValidation(t *testing.T) {
	b := NewBuilder(testBuilderConfig())

	assert.Error(t, b.InitializeDelivery(types.LiveStream{ID: "s1"}))

	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
	err := b.InitializeDelivery(testStream("s1", "720p"))
	assert.True(t, errors.Is(err, ErrDeliveryExists))

	// a stopped stream can be initialized again
	require.NoError(t, b.StopDelivery("s1"))
	assert.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
}

func TestFirstSegmentGoesLive(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))

	_, err := b.MediaPlaylist("s1", "720p")
	assert.True(t, errors.Is(err, ErrNotReady))

	seg := types.SegmentRecord{Filename: "seg0.ts", Duration: 6.0, Sequence: 0}
	require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", seg))
	assert.Equal(t, types.DeliveryLive, b.State("s1"))

	rendered, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)
	assert.Contains(t, rendered.Content, "seg0.ts")
	assert.Contains(t, rendered.Content, "#EXT-X-MEDIA-SEQUENCE:0")
}

func TestOptimisticDeliveryIsLiveAtInit(t *testing.T) {
	cfg := testBuilderConfig()
	cfg.OptimisticLive = true
	b := NewBuilder(cfg)

	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
	assert.Equal(t, types.DeliveryLive, b.State("s1"))

	// the master serves immediately; media still waits for a segment
	_, err := b.MasterPlaylist("s1")
	assert.NoError(t, err)
	_, err = b.MediaPlaylist("s1", "720p")
	assert.True(t, errors.Is(err, ErrNotReady))
}

func TestFirstSegmentSeedsMediaSequence(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))

	// a packager resuming mid-stream announces a nonzero starting sequence
	for n := 7; n < 12; n++ {
		seg := types.SegmentRecord{
			Filename: fmt.Sprintf("seg%d.ts", n),
			Duration: 6.0,
			Sequence: uint64(n),
		}
		require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", seg))
	}

	rendered, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)
	// seeded at 7, two evictions through the window of three
	assert.Contains(t, rendered.Content, "#EXT-X-MEDIA-SEQUENCE:9")
	assert.Contains(t, rendered.Content, "seg9.ts")
	assert.NotContains(t, rendered.Content, "seg8.ts")
}

func TestWindowSlidesAndSequenceAdvances(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))

	// five segments through a window of three
	for n := 0; n < 5; n++ {
		seg := types.SegmentRecord{
			Filename: fmt.Sprintf("seg%d.ts", n),
			Duration: 6.0,
			Sequence: uint64(n),
		}
		require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", seg))
	}

	rendered, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)
	text := rendered.Content

	assert.NotContains(t, text, "seg0.ts")
	assert.NotContains(t, text, "seg1.ts")
	assert.Contains(t, text, "seg2.ts")
	assert.Contains(t, text, "seg3.ts")
	assert.Contains(t, text, "seg4.ts")
	// two evictions advance the media sequence to 2
	assert.Contains(t, text, "#EXT-X-MEDIA-SEQUENCE:2")
	assert.NotContains(t, text, "#EXT-X-ENDLIST")
}

func TestSegmentUpdateInvalidatesCache(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))

	require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", types.SegmentRecord{Filename: "seg0.ts", Duration: 6.0}))
	first, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)

	// within the cache TTL, a new segment must still show up immediately
	require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", types.SegmentRecord{Filename: "seg1.ts", Duration: 6.0, Sequence: 1}))
	second, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)

	assert.NotEqual(t, first.Content, second.Content)
	assert.Contains(t, second.Content, "seg1.ts")
}

func TestUpdateErrors(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	seg := types.SegmentRecord{Filename: "seg0.ts", Duration: 6.0}

	err := b.UpdateMediaPlaylist("nope", "720p", seg)
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))

	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
	err = b.UpdateMediaPlaylist("s1", "4K", seg)
	assert.True(t, errors.Is(err, ErrUnknownQuality))
}

func TestStopDeliveryPurgesImmediately(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
	require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", types.SegmentRecord{Filename: "seg0.ts", Duration: 6.0}))

	// warm the cache
	_, err := b.MediaPlaylist("s1", "720p")
	require.NoError(t, err)
	_, err = b.MasterPlaylist("s1")
	require.NoError(t, err)

	require.NoError(t, b.StopDelivery("s1"))
	assert.Equal(t, types.DeliveryUninitialized, b.State("s1"))

	// cached copies must not outlive the delivery, even inside the TTL
	_, err = b.MediaPlaylist("s1", "720p")
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))
	_, err = b.MasterPlaylist("s1")
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))

	// segment updates after stop are rejected
	err = b.UpdateMediaPlaylist("s1", "720p", types.SegmentRecord{Filename: "seg1.ts", Duration: 6.0})
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))

	// stopping twice reports the delivery as gone
	err = b.StopDelivery("s1")
	assert.True(t, errors.Is(err, ErrDeliveryNotFound))
}

func TestStopVsRenderNeverRevivesCache(t *testing.T) {
	b := NewBuilder(testBuilderConfig())

	// hammer the stop/render interleaving: once StopDelivery has returned,
	// no render that raced it may have left the stream behind in the cache
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("s%d", i)
		require.NoError(t, b.InitializeDelivery(testStream(id, "720p")))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.MasterPlaylist(id)
		}()
		require.NoError(t, b.StopDelivery(id))
		wg.Wait()

		_, err := b.MasterPlaylist(id)
		assert.True(t, errors.Is(err, ErrDeliveryNotFound), "iteration %d", i)
	}
}

func TestPlaylistPathGrammar(t *testing.T) {
	b := NewBuilder(testBuilderConfig())
	require.NoError(t, b.InitializeDelivery(testStream("s1", "720p")))
	require.NoError(t, b.UpdateMediaPlaylist("s1", "720p", types.SegmentRecord{Filename: "seg0.ts", Duration: 6.0}))

	master, err := b.Playlist("/hls/s1/master.m3u8")
	require.NoError(t, err)
	assert.Contains(t, master.Content, "#EXT-X-STREAM-INF")

	media, err := b.Playlist("hls/s1/720p/playlist.m3u8")
	require.NoError(t, err)
	assert.Contains(t, media.Content, "seg0.ts")

	for _, bad := range []string{
		"/hls/s1/master.m3u8/extra",
		"/hls/../s1/master.m3u8",
		"/hls/s1/720p/seg0.ts",
		"/other/s1/master.m3u8",
		"/hls/s1/720p/../480p/playlist.m3u8",
	} {
		_, err := b.Playlist(bad)
		assert.True(t, errors.Is(err, ErrBadPlaylistPath), "path %q", bad)
	}
}
