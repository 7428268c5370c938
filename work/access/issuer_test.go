package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/config"
	"streamgate/work/store"
	"streamgate/work/types"
)

// fakeCatalog is an in-memory Catalog + Archiver for issuer tests.
type fakeCatalog struct {
	mu       sync.Mutex
	assets   map[string]*types.VideoAsset
	archived []*types.AccessSession
	err      error
}

func (f *fakeCatalog) VideoByID(_ context.Context, videoID string) (*types.VideoAsset, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.assets[videoID], nil
}

func (f *fakeCatalog) ArchiveSession(_ context.Context, s *types.AccessSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, s)
	return nil
}

func (f *fakeCatalog) archivedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.archived)
}

func testConfig() *config.Config {
	return &config.Config{
		SessionTTL:      time.Hour,
		CleanupInterval: time.Minute,
		GrantRateLimit:  10000,
		SigningSecret:   "test-secret",
		SignedURLBase:   "https://edge.example.com/objects",
	}
}

func newTestIssuer(t *testing.T) (*Issuer, *fakeCatalog) {
	t.Helper()
	catalog := &fakeCatalog{assets: map[string]*types.VideoAsset{
		"vid-basic":   {ID: "vid-basic", StorageKey: "vod/basic.mp4", RequiredTier: types.TierBasic},
		"vid-premium": {ID: "vid-premium", StorageKey: "vod/premium.mp4", RequiredTier: types.TierPremium},
		"vid-pro":     {ID: "vid-pro", StorageKey: "vod/pro.mp4", RequiredTier: types.TierPro},
	}}
	cfg := testConfig()
	signer := NewSigner(cfg.SignedURLBase, cfg.SigningSecret)
	iss := NewIssuer(cfg, catalog, catalog, store.NewSessionStore(), signer, nil)
	return iss, catalog
}

func TestGenerateSignedURLTierEnforcement(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	cases := []struct {
		video   string
		tier    types.Tier
		allowed bool
	}{
		{"vid-basic", types.TierBasic, true},
		{"vid-basic", types.TierPremium, true},
		{"vid-basic", types.TierPro, true},
		{"vid-premium", types.TierBasic, false},
		{"vid-premium", types.TierPremium, true},
		{"vid-premium", types.TierPro, true},
		{"vid-pro", types.TierBasic, false},
		{"vid-pro", types.TierPremium, false},
		{"vid-pro", types.TierPro, true},
	}

	for _, tc := range cases {
		grant, err := iss.GenerateSignedURL(ctx, tc.video, "user-1", tc.tier)
		if tc.allowed {
			require.NoError(t, err, "%s / %s", tc.video, tc.tier)
			assert.NotEmpty(t, grant.SignedURL)
			assert.NotEmpty(t, grant.SessionID)
			assert.NotEmpty(t, grant.RefreshToken)
		} else {
			assert.True(t, errors.Is(err, ErrInsufficientTier), "%s / %s", tc.video, tc.tier)
		}
	}
}

func TestGenerateSignedURLUnknownVideo(t *testing.T) {
	iss, _ := newTestIssuer(t)
	_, err := iss.GenerateSignedURL(context.Background(), "no-such-video", "user-1", types.TierPro)
	assert.True(t, errors.Is(err, ErrVideoNotFound))
}

func TestGenerateSignedURLCatalogFailure(t *testing.T) {
	iss, catalog := newTestIssuer(t)
	catalog.err = errors.New("sqlite: disk I/O error")
	_, err := iss.GenerateSignedURL(context.Background(), "vid-basic", "user-1", types.TierBasic)
	assert.True(t, errors.Is(err, ErrTransient))
}

func TestRefreshRotatesTokenAndRejectsReplay(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	grant, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	refreshed, err := iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", grant.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, grant.RefreshToken, refreshed.RefreshToken)
	assert.True(t, refreshed.ExpiresAt.After(grant.ExpiresAt) || refreshed.ExpiresAt.Equal(grant.ExpiresAt))

	// the old token was rotated out and must not work again
	_, err = iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", grant.RefreshToken)
	assert.True(t, errors.Is(err, ErrInvalidRefreshToken))

	// the new one does
	_, err = iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", refreshed.RefreshToken)
	assert.NoError(t, err)
}

func TestRefreshOwnershipCheck(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	grant, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	_, err = iss.RefreshSignedURL(ctx, grant.SessionID, "user-2", grant.RefreshToken)
	assert.True(t, errors.Is(err, ErrNotOwner))
}

func TestRefreshUnknownSession(t *testing.T) {
	iss, _ := newTestIssuer(t)
	_, err := iss.RefreshSignedURL(context.Background(), "missing", "user-1", "token")
	assert.True(t, errors.Is(err, ErrSessionNotFound))
}

func TestRefreshRevokedSession(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	grant, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	require.Equal(t, 1, iss.RevokeAccess(ctx, "user-1", ""))

	_, err = iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", grant.RefreshToken)
	assert.True(t, errors.Is(err, ErrSessionExpiredOrRevoked))
}

func TestRefreshExpiredSession(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	grant, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	// jump the clock past the session's expiry
	iss.now = func() time.Time { return grant.ExpiresAt.Add(time.Minute) }

	_, err = iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", grant.RefreshToken)
	assert.True(t, errors.Is(err, ErrSessionExpiredOrRevoked))
}

func TestConcurrentRefreshExactlyOneWins(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	grant, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	const racers = 16
	var wg sync.WaitGroup
	var successes, invalid int64
	var mu sync.Mutex

	for r := 0; r < racers; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := iss.RefreshSignedURL(ctx, grant.SessionID, "user-1", grant.RefreshToken)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrInvalidRefreshToken):
				invalid++
			default:
				t.Errorf("unexpected refresh error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), successes)
	assert.Equal(t, int64(racers-1), invalid)
}

func TestRevokeAccessScopedAndIdempotent(t *testing.T) {
	iss, catalog := newTestIssuer(t)
	ctx := context.Background()

	_, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierPro)
	require.NoError(t, err)
	_, err = iss.GenerateSignedURL(ctx, "vid-premium", "user-1", types.TierPro)
	require.NoError(t, err)
	_, err = iss.GenerateSignedURL(ctx, "vid-basic", "user-2", types.TierPro)
	require.NoError(t, err)

	// scoped to one video
	assert.Equal(t, 1, iss.RevokeAccess(ctx, "user-1", "vid-basic"))
	// second revoke of the same scope finds nothing
	assert.Equal(t, 0, iss.RevokeAccess(ctx, "user-1", "vid-basic"))
	// unscoped catches the rest of user-1, leaves user-2 alone
	assert.Equal(t, 1, iss.RevokeAccess(ctx, "user-1", ""))
	assert.Equal(t, 1, iss.ActiveSessionCount())

	assert.Equal(t, 2, catalog.archivedCount())
}

func TestCleanupExpiredSessions(t *testing.T) {
	iss, catalog := newTestIssuer(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	iss.now = func() time.Time { return base }

	expired, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)

	// issued later, still valid at sweep time
	iss.now = func() time.Time { return base.Add(30 * time.Minute) }
	fresh, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-2", types.TierBasic)
	require.NoError(t, err)

	// sweep 61 minutes in: the first session (TTL 1h) is expired, the
	// second has 29 minutes left
	iss.now = func() time.Time { return base.Add(61 * time.Minute) }
	assert.Equal(t, 1, iss.CleanupExpiredSessions(ctx))

	// cleanup is idempotent
	assert.Equal(t, 0, iss.CleanupExpiredSessions(ctx))
	assert.Equal(t, 1, catalog.archivedCount())

	// the fresh session still refreshes
	_, err = iss.RefreshSignedURL(ctx, fresh.SessionID, "user-2", fresh.RefreshToken)
	assert.NoError(t, err)

	// the expired one does not
	_, err = iss.RefreshSignedURL(ctx, expired.SessionID, "user-1", expired.RefreshToken)
	assert.True(t, errors.Is(err, ErrSessionExpiredOrRevoked))
}

func TestVideoAccessAnalytics(t *testing.T) {
	iss, _ := newTestIssuer(t)
	ctx := context.Background()

	g1, err := iss.GenerateSignedURL(ctx, "vid-basic", "user-1", types.TierBasic)
	require.NoError(t, err)
	_, err = iss.GenerateSignedURL(ctx, "vid-basic", "user-2", types.TierPremium)
	require.NoError(t, err)

	// one refresh bumps user-1's access count
	_, err = iss.RefreshSignedURL(ctx, g1.SessionID, "user-1", g1.RefreshToken)
	require.NoError(t, err)

	// one denied attempt feeds the error rate
	_, err = iss.GenerateSignedURL(ctx, "vid-premium", "user-3", types.TierBasic)
	require.Error(t, err)

	summary := iss.VideoAccessAnalytics("vid-basic")
	assert.Equal(t, "vid-basic", summary.VideoID)
	assert.Equal(t, int64(3), summary.TotalAccesses)
	assert.Equal(t, 2, summary.UniqueUsers)
	assert.Equal(t, int64(2), summary.AccessesByTier[string(types.TierBasic)])
	assert.Equal(t, int64(1), summary.AccessesByTier[string(types.TierPremium)])
	assert.Zero(t, summary.ErrorRate)
	require.NotNil(t, summary.LastAccessedAt)

	denied := iss.VideoAccessAnalytics("vid-premium")
	assert.Equal(t, int64(0), denied.TotalAccesses)
	assert.Equal(t, 1.0, denied.ErrorRate)
}
