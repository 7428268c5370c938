package access

import "errors"

// Error taxonomy for the access-grant surface. Every failure that crosses
// the package boundary wraps exactly one of these sentinels so callers can
// classify with errors.Is and map to transport codes:
//
//   - AccessDenied (insufficient tier, not owner): surfaced, never retried
//   - NotFound (video/session absent): surfaced, never retried
//   - TokenInvalid (stale/rotated/expired): distinct from AccessDenied so a
//     client knows to request a new grant instead of re-authenticating
//   - Transient (signing/storage backend unavailable): surfaced for the
//     caller to retry with backoff, never retried internally
var (
	// ErrVideoNotFound means the requested video asset does not exist in
	// the catalog.
	ErrVideoNotFound = errors.New("video not found")

	// ErrInsufficientTier means the caller's subscription tier ranks below
	// the asset's required tier.
	ErrInsufficientTier = errors.New("insufficient subscription tier")

	// ErrSessionNotFound means no access session exists for the given id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNotOwner means the session exists but belongs to a different user.
	ErrNotOwner = errors.New("session not owned by caller")

	// ErrSessionExpiredOrRevoked means the session is past its expiry or has
	// been revoked; it can never be refreshed again.
	ErrSessionExpiredOrRevoked = errors.New("session expired or revoked")

	// ErrInvalidRefreshToken means the presented token does not match the
	// session's current token. A token that was valid a moment ago fails
	// here after a concurrent refresh rotated it: this is the replay
	// protection point.
	ErrInvalidRefreshToken = errors.New("invalid refresh token")

	// ErrTransient classifies signing or storage backend failures. The
	// operation may succeed on retry; this core never retries internally.
	ErrTransient = errors.New("transient backend failure")
)
