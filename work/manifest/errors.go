package manifest

import "errors"

// Sentinel errors for the HLS delivery lifecycle. Handlers map these onto
// HTTP status codes; callers match with errors.Is.
var (
	// ErrDeliveryNotFound means no delivery has ever been initialized for
	// the stream, or it was stopped and purged.
	ErrDeliveryNotFound = errors.New("delivery not found")

	// ErrDeliveryExists rejects initializing a stream whose delivery is
	// already initializing or live.
	ErrDeliveryExists = errors.New("delivery already active")

	// ErrUnknownQuality means the quality label is not part of the stream's
	// configured rendition ladder.
	ErrUnknownQuality = errors.New("unknown quality variant")

	// ErrDeliveryStopped rejects segment updates after StopDelivery.
	ErrDeliveryStopped = errors.New("delivery stopped")

	// ErrNotReady means the playlist cannot be served yet because no
	// segment has been packaged for the rendition.
	ErrNotReady = errors.New("delivery not ready")

	// ErrBadPlaylistPath means the request path does not match the HLS
	// playlist grammar.
	ErrBadPlaylistPath = errors.New("malformed playlist path")
)
