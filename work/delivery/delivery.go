package delivery

import (
	"context"
	"sync/atomic"
	"time"

	"streamgate/work/access"
	"streamgate/work/health"
	"streamgate/work/logger"
	"streamgate/work/manifest"
	"streamgate/work/transcode"
	"streamgate/work/types"
)

// Facade is the single entry point the HTTP surface talks to. It composes
// the grant issuer, manifest builder, health monitor and transcoder
// controller, and owns the cross-component choreography: starting the
// rendition ladder alongside delivery, feeding segment events into both the
// playlists and the health counters, and purging health state on stop.
type Facade struct {
	Issuer     *access.Issuer
	Builder    *manifest.Builder
	Monitor    *health.Monitor
	Transcoder transcode.Controller
}

// NewFacade wires the facade from its components. A facade is immutable
// after construction; replacing components means building a new facade and
// publishing it through a Handle.
func NewFacade(issuer *access.Issuer, builder *manifest.Builder, monitor *health.Monitor, transcoder transcode.Controller) *Facade {
	return &Facade{
		Issuer:     issuer,
		Builder:    builder,
		Monitor:    monitor,
		Transcoder: transcoder,
	}
}

// Handle is a swappable reference to the active facade. A graceful restart
// builds a fresh facade and publishes it here; request handlers load the
// current one at the top of each request, so the swap needs no lock on the
// hot path.
type Handle struct {
	ptr atomic.Pointer[Facade]
}

// NewHandle wraps the initial facade.
func NewHandle(f *Facade) *Handle {
	h := &Handle{}
	h.ptr.Store(f)
	return h
}

// Facade returns the currently active facade.
func (h *Handle) Facade() *Facade {
	return h.ptr.Load()
}

// Swap publishes a new facade; every subsequent request sees it.
func (h *Handle) Swap(f *Facade) {
	h.ptr.Store(f)
}

// GrantResponse is the JSON body returned for issue and refresh requests.
// Expiry is serialized as ISO-8601 / RFC 3339 text.
type GrantResponse struct {
	SignedURL    string `json:"signedUrl"`
	ExpiresAt    string `json:"expiresAt"`
	SessionID    string `json:"sessionId"`
	RefreshToken string `json:"refreshToken"`
}

func grantResponse(g *access.Grant) *GrantResponse {
	return &GrantResponse{
		SignedURL:    g.SignedURL,
		ExpiresAt:    g.ExpiresAt.UTC().Format(time.RFC3339),
		SessionID:    g.SessionID,
		RefreshToken: g.RefreshToken,
	}
}

// IssueAccess issues a new signed-URL session for the video.
func (f *Facade) IssueAccess(ctx context.Context, videoID, userID string, tier types.Tier) (*GrantResponse, error) {
	grant, err := f.Issuer.GenerateSignedURL(ctx, videoID, userID, tier)
	if err != nil {
		return nil, err
	}
	return grantResponse(grant), nil
}

// RefreshAccess rotates a session's refresh token and re-signs its URL.
func (f *Facade) RefreshAccess(ctx context.Context, sessionID, userID, refreshToken string) (*GrantResponse, error) {
	grant, err := f.Issuer.RefreshSignedURL(ctx, sessionID, userID, refreshToken)
	if err != nil {
		return nil, err
	}
	return grantResponse(grant), nil
}

// StartDelivery initializes HLS packaging for a live stream and asks the
// transcoder to start its rendition ladder. Ladder startup failure rolls the
// delivery back so the operation is all-or-nothing.
func (f *Facade) StartDelivery(ctx context.Context, stream types.LiveStream) error {
	if err := f.Builder.InitializeDelivery(stream); err != nil {
		return err
	}
	if err := f.Transcoder.StartLadder(ctx, stream); err != nil {
		if stopErr := f.Builder.StopDelivery(stream.ID); stopErr != nil {
			logger.Warn("{delivery - StartDelivery} Rollback of %s failed: %v", stream.ID, stopErr)
		}
		return err
	}
	f.Monitor.InitializeStream(stream.ID)
	return nil
}

// SegmentReady records a freshly packaged segment: it enters the rendition's
// sliding window and bumps the stream's health counters.
func (f *Facade) SegmentReady(streamID, quality string, seg types.SegmentRecord) error {
	if err := f.Builder.UpdateMediaPlaylist(streamID, quality, seg); err != nil {
		return err
	}
	f.Monitor.RecordSegment(streamID, quality)
	return nil
}

// StopDelivery tears down packaging, the transcoder ladder, and the stream's
// health record. Transcoder teardown failure is logged, not surfaced: the
// delivery is already stopped and the ladder will die with its input.
func (f *Facade) StopDelivery(ctx context.Context, streamID string) error {
	if err := f.Builder.StopDelivery(streamID); err != nil {
		return err
	}
	if err := f.Transcoder.StopLadder(ctx, streamID); err != nil {
		logger.Warn("{delivery - StopDelivery} Transcoder teardown for %s failed: %v", streamID, err)
	}
	f.Monitor.Remove(streamID)
	return nil
}

// StreamStatus is the combined delivery/health view of one stream served by
// the status endpoint.
type StreamStatus struct {
	StreamID      string                   `json:"streamId"`
	DeliveryState string                   `json:"deliveryState"`
	Live          bool                     `json:"live"`
	Health        *types.StreamHealthRecord `json:"health,omitempty"`
}

// StreamStatus merges the delivery lifecycle state with the health snapshot.
// The Live flag is the strict playback gate: delivery must be live AND the
// health monitor must consider the stream fresh.
func (f *Facade) StreamStatus(streamID string) *StreamStatus {
	state := f.Builder.State(streamID)
	return &StreamStatus{
		StreamID:      streamID,
		DeliveryState: state.String(),
		Live:          state == types.DeliveryLive && f.Monitor.IsStreamLive(streamID),
		Health:        f.Monitor.StreamHealth(streamID),
	}
}
