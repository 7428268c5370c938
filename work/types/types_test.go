package types

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierOrdering(t *testing.T) {
	assert.True(t, TierPro.AtLeast(TierBasic))
	assert.True(t, TierPro.AtLeast(TierPremium))
	assert.True(t, TierPremium.AtLeast(TierBasic))
	assert.True(t, TierBasic.AtLeast(TierBasic))

	assert.False(t, TierBasic.AtLeast(TierPremium))
	assert.False(t, TierBasic.AtLeast(TierPro))
	assert.False(t, TierPremium.AtLeast(TierPro))

	// unknown tiers rank below everything
	assert.False(t, Tier("platinum").AtLeast(TierBasic))
}

func TestParseTier(t *testing.T) {
	for _, s := range []string{"basic", "premium", "pro"} {
		tier, ok := ParseTier(s)
		require.True(t, ok, s)
		assert.Equal(t, Tier(s), tier)
	}

	_, ok := ParseTier("platinum")
	assert.False(t, ok)
	_, ok = ParseTier("")
	assert.False(t, ok)
}

func TestAccessSessionClone(t *testing.T) {
	now := time.Now()
	s := &AccessSession{
		SessionID:    "s1",
		VideoID:      "v1",
		UserID:       "u1",
		Tier:         TierPremium,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Hour),
		RefreshToken: "tok",
		AccessCount:  2,
	}

	c := s.Clone()
	c.RefreshToken = "rotated"
	c.AccessCount++

	assert.Equal(t, "tok", s.RefreshToken)
	assert.Equal(t, int64(2), s.AccessCount)
}

func TestStreamHealthRecordCloneIsDeep(t *testing.T) {
	r := &StreamHealthRecord{
		StreamID:      "s1",
		IsOnline:      true,
		SegmentCounts: map[string]uint64{"720p": 4},
	}

	c := r.Clone()
	c.SegmentCounts["720p"] = 99
	c.SegmentCounts["1080p"] = 1

	assert.Equal(t, uint64(4), r.SegmentCounts["720p"])
	_, ok := r.SegmentCounts["1080p"]
	assert.False(t, ok)
}

func TestDeliveryStateString(t *testing.T) {
	assert.Equal(t, "uninitialized", DeliveryUninitialized.String())
	assert.Equal(t, "initializing", DeliveryInitializing.String())
	assert.Equal(t, "live", DeliveryLive.String())
	assert.Equal(t, "stopped", DeliveryStopped.String())
}

func TestSessionExpired(t *testing.T) {
	now := time.Now()
	s := &AccessSession{ExpiresAt: now.Add(time.Minute)}

	assert.False(t, s.Expired(now))
	assert.True(t, s.Expired(now.Add(2*time.Minute)))
}
