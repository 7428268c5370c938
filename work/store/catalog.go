package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"streamgate/work/database"
	"streamgate/work/types"
)

// Catalog is the persistent read model the grant issuer resolves videos
// against, plus the archive that terminated sessions are appended to. Both
// live in the embedded SQLite catalog database; the asset rows themselves
// are owned by the external CMS and only read here.
type Catalog struct {
	db *database.DB
}

// NewCatalog wraps an open catalog database.
func NewCatalog(db *database.DB) *Catalog {
	return &Catalog{db: db}
}

// VideoByID looks up a video asset. A missing asset returns (nil, nil);
// callers translate that into their own not-found error.
func (c *Catalog) VideoByID(ctx context.Context, videoID string) (*types.VideoAsset, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, storage_key, required_tier, visibility FROM assets WHERE id = ?`, videoID)

	var asset types.VideoAsset
	var tier string
	if err := row.Scan(&asset.ID, &asset.StorageKey, &tier, &asset.Visibility); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load asset %s: %w", videoID, err)
	}
	asset.RequiredTier = types.Tier(tier)
	return &asset, nil
}

// UpsertVideo inserts or replaces an asset row. Exposed for the admin
// surface and for seeding test fixtures.
func (c *Catalog) UpsertVideo(ctx context.Context, asset *types.VideoAsset) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO assets (id, storage_key, required_tier, visibility)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   storage_key = excluded.storage_key,
		   required_tier = excluded.required_tier,
		   visibility = excluded.visibility`,
		asset.ID, asset.StorageKey, string(asset.RequiredTier), asset.Visibility)
	if err != nil {
		return fmt.Errorf("failed to upsert asset %s: %w", asset.ID, err)
	}
	return nil
}

// ArchiveSession appends a terminated session to the durable archive. The
// archive is written exactly once per session (session_id is the primary
// key), so re-archiving an already archived session is a no-op.
func (c *Catalog) ArchiveSession(ctx context.Context, s *types.AccessSession) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO session_archive
		   (session_id, video_id, user_id, tier, issued_at, expires_at, revoked_at, revoke_reason, access_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.SessionID, s.VideoID, s.UserID, string(s.Tier),
		s.IssuedAt, s.ExpiresAt, s.RevokedAt, s.RevokeReason, s.AccessCount)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.SessionID, err)
	}
	return nil
}

// ArchivedSessionCount reports how many sessions have been archived for a
// video, used by the admin stats surface.
func (c *Catalog) ArchivedSessionCount(ctx context.Context, videoID string) (int64, error) {
	var count int64
	err := c.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM session_archive WHERE video_id = ?`, videoID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count archived sessions for %s: %w", videoID, err)
	}
	return count, nil
}
