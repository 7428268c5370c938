package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"streamgate/work/database"
	"streamgate/work/types"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	db, err := database.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewCatalog(db)
}

func TestCatalogUpsertAndLookup(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	asset := &types.VideoAsset{
		ID:           "cat-lookup-1",
		StorageKey:   "vod/cat-lookup-1.mp4",
		RequiredTier: types.TierPremium,
		Visibility:   "private",
	}
	require.NoError(t, c.UpsertVideo(ctx, asset))

	got, err := c.VideoByID(ctx, "cat-lookup-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, asset.StorageKey, got.StorageKey)
	assert.Equal(t, types.TierPremium, got.RequiredTier)

	// upsert replaces in place
	asset.RequiredTier = types.TierPro
	require.NoError(t, c.UpsertVideo(ctx, asset))
	got, err = c.VideoByID(ctx, "cat-lookup-1")
	require.NoError(t, err)
	assert.Equal(t, types.TierPro, got.RequiredTier)
}

func TestCatalogLookupAbsent(t *testing.T) {
	c := newTestCatalog(t)

	got, err := c.VideoByID(context.Background(), "cat-absent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestArchiveSessionIdempotent(t *testing.T) {
	c := newTestCatalog(t)
	ctx := context.Background()

	now := time.Now().UTC()
	session := &types.AccessSession{
		SessionID:    "arch-1",
		VideoID:      "cat-arch-vid",
		UserID:       "u1",
		Tier:         types.TierBasic,
		IssuedAt:     now.Add(-time.Hour),
		ExpiresAt:    now,
		AccessCount:  3,
		Revoked:      true,
		RevokedAt:    now,
		RevokeReason: "expired",
	}

	require.NoError(t, c.ArchiveSession(ctx, session))
	// archiving the same terminated session again is a no-op
	require.NoError(t, c.ArchiveSession(ctx, session))

	count, err := c.ArchivedSessionCount(ctx, "cat-arch-vid")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
