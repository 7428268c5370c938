package access

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"

	"streamgate/work/config"
	"streamgate/work/logger"
	"streamgate/work/metrics"
	"streamgate/work/store"
	"streamgate/work/types"
)

// Catalog resolves video assets for grant decisions. The production
// implementation is the SQLite read model in work/store; tests substitute
// an in-memory fake.
type Catalog interface {
	VideoByID(ctx context.Context, videoID string) (*types.VideoAsset, error)
}

// Archiver receives terminated sessions so grant history survives process
// restarts. Archive failures are logged and skipped, never surfaced, since
// the session map remains the authoritative live state.
type Archiver interface {
	ArchiveSession(ctx context.Context, s *types.AccessSession) error
}

// Grant is the result of a successful issue or refresh operation: the signed
// URL plus the credentials the client needs to keep the session alive.
type Grant struct {
	SignedURL    string    `json:"signedUrl"`
	ExpiresAt    time.Time `json:"expiresAt"`
	SessionID    string    `json:"sessionId"`
	RefreshToken string    `json:"refreshToken"`
}

// videoCounters holds the per-video access tallies behind the analytics
// summary. All fields are atomics so grant hot paths never take a lock.
type videoCounters struct {
	attempts       atomic.Int64 // every issue/refresh attempt, successful or not
	failures       atomic.Int64 // denied or failed attempts
	lastAccessUnix atomic.Int64 // unix nanos of the most recent successful access
}

// Issuer creates, refreshes, revokes and sweeps signed-URL access sessions
// for on-demand video. All session state lives in the keyed session store;
// every mutation is an atomic per-key compute, so racing refreshes serialize
// on the session and exactly one presenter of a still-current token wins.
//
// The issuer runs one background sweep (expired-session cleanup) on its own
// ticker. Request-serving reads are O(1) key lookups and are never blocked
// by the sweep.
type Issuer struct {
	cfg          *config.Config
	catalog      Catalog
	archiver     Archiver
	sessions     *store.SessionStore
	signer       *Signer
	workerPool   *ants.Pool
	tierLimiters map[types.Tier]ratelimit.Limiter
	counters     *xsync.MapOf[string, *videoCounters]
	stopChan     chan struct{}
	stopOnce     sync.Once

	// now is the clock used for expiry decisions; injectable for tests.
	now func() time.Time
}

// NewIssuer wires an Issuer from its dependencies. Per-tier rate limiters
// are created upfront to avoid lazy initialization on the grant hot path.
func NewIssuer(cfg *config.Config, catalog Catalog, archiver Archiver, sessions *store.SessionStore, signer *Signer, workerPool *ants.Pool) *Issuer {
	iss := &Issuer{
		cfg:          cfg,
		catalog:      catalog,
		archiver:     archiver,
		sessions:     sessions,
		signer:       signer,
		workerPool:   workerPool,
		tierLimiters: make(map[types.Tier]ratelimit.Limiter, 3),
		counters:     xsync.NewMapOf[string, *videoCounters](),
		stopChan:     make(chan struct{}),
		now:          time.Now,
	}

	for _, tier := range []types.Tier{types.TierBasic, types.TierPremium, types.TierPro} {
		iss.tierLimiters[tier] = ratelimit.New(cfg.GrantRateLimit)
	}

	logger.Debug("{access/issuer - NewIssuer} Issuer initialized (sessionTTL: %s, grant rate: %d/s per tier)",
		cfg.SessionTTL, cfg.GrantRateLimit)

	return iss
}

// GenerateSignedURL issues a new access session for the video, enforcing the
// subscription tier ordinal (basic < premium < pro) against the asset's
// required tier. On success it persists the session, signs a URL for the
// underlying object and returns the grant; every attempt, successful or not,
// feeds the per-video analytics counters.
func (i *Issuer) GenerateSignedURL(ctx context.Context, videoID, userID string, callerTier types.Tier) (*Grant, error) {
	if lim, ok := i.tierLimiters[callerTier]; ok {
		lim.Take()
	}

	counters := i.videoCounters(videoID)
	counters.attempts.Add(1)

	asset, err := i.catalog.VideoByID(ctx, videoID)
	if err != nil {
		counters.failures.Add(1)
		metrics.GrantErrors.WithLabelValues(videoID, "transient").Inc()
		return nil, fmt.Errorf("catalog lookup for %s failed: %v: %w", videoID, err, ErrTransient)
	}
	if asset == nil {
		counters.failures.Add(1)
		metrics.GrantErrors.WithLabelValues(videoID, "video_not_found").Inc()
		return nil, fmt.Errorf("video %s: %w", videoID, ErrVideoNotFound)
	}

	if !callerTier.AtLeast(asset.RequiredTier) {
		counters.failures.Add(1)
		metrics.GrantErrors.WithLabelValues(videoID, "insufficient_tier").Inc()
		logger.Debug("{access/issuer - GenerateSignedURL} Tier denied for video %s: caller %q < required %q",
			videoID, callerTier, asset.RequiredTier)
		return nil, fmt.Errorf("video %s requires tier %s: %w", videoID, asset.RequiredTier, ErrInsufficientTier)
	}

	sessionID, err := randomToken()
	if err != nil {
		counters.failures.Add(1)
		return nil, err
	}
	refreshToken, err := randomToken()
	if err != nil {
		counters.failures.Add(1)
		return nil, err
	}

	now := i.now()
	expiresAt := now.Add(i.cfg.SessionTTL)

	signedURL, err := i.signer.Sign(asset.StorageKey, expiresAt)
	if err != nil {
		counters.failures.Add(1)
		metrics.GrantErrors.WithLabelValues(videoID, "transient").Inc()
		return nil, err
	}

	session := &types.AccessSession{
		SessionID:    sessionID,
		VideoID:      videoID,
		UserID:       userID,
		Tier:         callerTier,
		IssuedAt:     now,
		ExpiresAt:    expiresAt,
		RefreshToken: refreshToken,
		AccessCount:  1,
	}
	i.sessions.Put(session)

	counters.lastAccessUnix.Store(now.UnixNano())
	metrics.GrantsIssued.WithLabelValues(videoID, string(callerTier)).Inc()
	metrics.ActiveSessions.Inc()

	logger.Debug("{access/issuer - GenerateSignedURL} Issued session %s for video %s (user: %s, expires: %s)",
		sessionID, videoID, userID, expiresAt.Format(time.RFC3339))

	return &Grant{
		SignedURL:    signedURL,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
		RefreshToken: refreshToken,
	}, nil
}

// RefreshSignedURL rotates the session's refresh token and extends its
// expiry, returning a freshly signed URL. The swap happens inside a per-key
// compute: only the caller presenting the token that is currently stored
// succeeds, so of two racing refreshes with the same valid token exactly one
// wins and the other fails with ErrInvalidRefreshToken.
func (i *Issuer) RefreshSignedURL(ctx context.Context, sessionID, userID, refreshToken string) (*Grant, error) {
	current, ok := i.sessions.Get(sessionID)
	if !ok {
		metrics.GrantErrors.WithLabelValues("unknown", "session_not_found").Inc()
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrSessionNotFound)
	}

	counters := i.videoCounters(current.VideoID)
	counters.attempts.Add(1)

	failRefresh := func(reason string, err error) (*Grant, error) {
		counters.failures.Add(1)
		metrics.GrantErrors.WithLabelValues(current.VideoID, reason).Inc()
		return nil, err
	}

	if current.UserID != userID {
		return failRefresh("not_owner", fmt.Errorf("session %s: %w", sessionID, ErrNotOwner))
	}

	// The storage key and the new credentials are prepared before the
	// atomic swap so no I/O happens while holding the key.
	asset, err := i.catalog.VideoByID(ctx, current.VideoID)
	if err != nil {
		return failRefresh("transient", fmt.Errorf("catalog lookup for %s failed: %v: %w", current.VideoID, err, ErrTransient))
	}
	if asset == nil {
		return failRefresh("video_not_found", fmt.Errorf("video %s: %w", current.VideoID, ErrVideoNotFound))
	}

	newToken, err := randomToken()
	if err != nil {
		return failRefresh("transient", err)
	}

	now := i.now()
	expiresAt := now.Add(i.cfg.SessionTTL)

	signedURL, err := i.signer.Sign(asset.StorageKey, expiresAt)
	if err != nil {
		return failRefresh("transient", err)
	}

	var swapErr error
	i.sessions.Compute(sessionID, func(cur *types.AccessSession, loaded bool) (*types.AccessSession, bool) {
		if !loaded {
			swapErr = ErrSessionNotFound
			return nil, true
		}
		if cur.UserID != userID {
			swapErr = ErrNotOwner
			return cur, false
		}
		if cur.Revoked || cur.Expired(now) {
			swapErr = ErrSessionExpiredOrRevoked
			return cur, false
		}
		// Replay protection: a token rotated out by a concurrent refresh
		// no longer matches, even if it was valid microseconds ago.
		if subtle.ConstantTimeCompare([]byte(cur.RefreshToken), []byte(refreshToken)) != 1 {
			swapErr = ErrInvalidRefreshToken
			return cur, false
		}
		next := cur.Clone()
		next.RefreshToken = newToken
		next.ExpiresAt = expiresAt
		next.AccessCount++
		return next, false
	})

	if swapErr != nil {
		switch swapErr {
		case ErrSessionNotFound:
			return failRefresh("session_not_found", fmt.Errorf("session %s: %w", sessionID, swapErr))
		case ErrNotOwner:
			return failRefresh("not_owner", fmt.Errorf("session %s: %w", sessionID, swapErr))
		case ErrSessionExpiredOrRevoked:
			return failRefresh("expired_or_revoked", fmt.Errorf("session %s: %w", sessionID, swapErr))
		default:
			return failRefresh("invalid_refresh_token", fmt.Errorf("session %s: %w", sessionID, swapErr))
		}
	}

	counters.lastAccessUnix.Store(now.UnixNano())
	metrics.GrantsIssued.WithLabelValues(current.VideoID, string(current.Tier)).Inc()

	logger.Debug("{access/issuer - RefreshSignedURL} Rotated token for session %s (video: %s, new expiry: %s)",
		sessionID, current.VideoID, expiresAt.Format(time.RFC3339))

	return &Grant{
		SignedURL:    signedURL,
		ExpiresAt:    expiresAt,
		SessionID:    sessionID,
		RefreshToken: newToken,
	}, nil
}

// RevokeAccess marks every non-revoked session of the user as revoked,
// restricted to one video when videoID is non-empty. Revoking an already
// revoked session is a no-op, not an error; the call reports how many
// sessions it actually terminated.
func (i *Issuer) RevokeAccess(ctx context.Context, userID, videoID string) int {
	revoked := 0
	now := i.now()

	i.sessions.Range(func(id string, s *types.AccessSession) bool {
		if s.UserID != userID || s.Revoked {
			return true
		}
		if videoID != "" && s.VideoID != videoID {
			return true
		}
		if i.terminateSession(ctx, id, now, "revoked") {
			revoked++
		}
		return true
	})

	if revoked > 0 {
		logger.Info("{access/issuer - RevokeAccess} Revoked %d session(s) for user %s (video filter: %q)",
			revoked, userID, videoID)
	}
	return revoked
}

// CleanupExpiredSessions sweeps every session whose expiry has elapsed and
// marks it revoked, returning the count. Sessions with a future expiry are
// never touched: the terminal recheck happens inside the per-key compute, so
// a stale range snapshot can never revoke a session that was refreshed in
// the meantime. Per-session work fans out over the worker pool; one bad
// session is skipped without aborting the sweep.
func (i *Issuer) CleanupExpiredSessions(ctx context.Context) int {
	now := i.now()
	var cleaned atomic.Int64
	var wg sync.WaitGroup

	i.sessions.Range(func(id string, s *types.AccessSession) bool {
		if s.Revoked || !s.Expired(now) {
			return true
		}

		sessionID := id
		task := func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("{access/issuer - CleanupExpiredSessions} Recovered while cleaning session %s: %v", sessionID, rec)
				}
			}()
			if i.terminateSession(ctx, sessionID, now, "expired") {
				cleaned.Add(1)
			}
		}

		wg.Add(1)
		if i.workerPool == nil || i.workerPool.Submit(task) != nil {
			// Pool unavailable (shutdown or saturated): do the work inline
			// rather than dropping the sweep item.
			task()
		}
		return true
	})

	wg.Wait()

	count := int(cleaned.Load())
	if count > 0 {
		logger.Info("{access/issuer - CleanupExpiredSessions} Cleaned up %d expired session(s)", count)
	}
	return count
}

// terminateSession atomically flips a session to revoked with the given
// reason, archives it, and updates the gauges. Returns false when the
// session was already revoked or no longer qualifies (e.g. it was refreshed
// past the expiry the sweep observed).
func (i *Issuer) terminateSession(ctx context.Context, sessionID string, now time.Time, reason string) bool {
	var terminated *types.AccessSession

	i.sessions.Compute(sessionID, func(cur *types.AccessSession, loaded bool) (*types.AccessSession, bool) {
		if !loaded || cur.Revoked {
			return cur, !loaded
		}
		// Expiry-driven termination must never touch a session whose
		// expiry is still in the future, even if the range snapshot said
		// otherwise.
		if reason == "expired" && !cur.Expired(now) {
			return cur, false
		}
		next := cur.Clone()
		next.Revoked = true
		next.RevokedAt = now
		next.RevokeReason = reason
		terminated = next
		return next, false
	})

	if terminated == nil {
		return false
	}

	metrics.SessionsRevoked.WithLabelValues(reason).Inc()
	metrics.ActiveSessions.Dec()

	if i.archiver != nil {
		if err := i.archiver.ArchiveSession(ctx, terminated); err != nil {
			logger.Warn("{access/issuer - terminateSession} Failed to archive session %s: %v", sessionID, err)
		}
	}
	return true
}

// VideoAccessAnalytics aggregates the access history of one video from the
// live session map and the per-video counters. The summary is derived on
// demand and never stored.
func (i *Issuer) VideoAccessAnalytics(videoID string) *types.AccessAnalyticsSummary {
	summary := &types.AccessAnalyticsSummary{
		VideoID:        videoID,
		AccessesByTier: make(map[string]int64),
	}

	users := make(map[string]struct{})
	i.sessions.Range(func(_ string, s *types.AccessSession) bool {
		if s.VideoID != videoID {
			return true
		}
		summary.TotalAccesses += s.AccessCount
		summary.AccessesByTier[string(s.Tier)] += s.AccessCount
		users[s.UserID] = struct{}{}
		return true
	})
	summary.UniqueUsers = len(users)

	if counters, ok := i.counters.Load(videoID); ok {
		attempts := counters.attempts.Load()
		if attempts > 0 {
			summary.ErrorRate = float64(counters.failures.Load()) / float64(attempts)
		}
		if last := counters.lastAccessUnix.Load(); last > 0 {
			t := time.Unix(0, last)
			summary.LastAccessedAt = &t
		}
	}

	return summary
}

// StartCleanupLoop runs the expired-session sweep on the configured interval
// until StopCleanupLoop is called. Intended to be launched as a goroutine
// from main.
func (i *Issuer) StartCleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(i.cfg.CleanupInterval)
	defer ticker.Stop()

	logger.Info("{access/issuer - StartCleanupLoop} Session cleanup sweep every %s", i.cfg.CleanupInterval)

	for {
		select {
		case <-i.stopChan:
			return
		case <-ticker.C:
			i.CleanupExpiredSessions(ctx)
		}
	}
}

// StopCleanupLoop terminates the background sweep. Safe to call more than
// once.
func (i *Issuer) StopCleanupLoop() {
	i.stopOnce.Do(func() {
		close(i.stopChan)
	})
}

// ActiveSessionCount reports the number of non-revoked sessions currently
// held, for the admin stats surface.
func (i *Issuer) ActiveSessionCount() int {
	count := 0
	now := i.now()
	i.sessions.Range(func(_ string, s *types.AccessSession) bool {
		if !s.Revoked && !s.Expired(now) {
			count++
		}
		return true
	})
	return count
}

// videoCounters returns the counter record for a video, creating it on first
// touch.
func (i *Issuer) videoCounters(videoID string) *videoCounters {
	counters, _ := i.counters.LoadOrCompute(videoID, func() *videoCounters {
		return &videoCounters{}
	})
	return counters
}

// randomToken returns 16 bytes of crypto/rand entropy hex-encoded (32
// chars), used for both session ids and refresh tokens.
func randomToken() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("random token generation failed: %v: %w", err, ErrTransient)
	}
	return hex.EncodeToString(buf), nil
}
