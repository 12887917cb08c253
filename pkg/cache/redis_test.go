package cache

import (
	"context"
	"encoding/json"
	"net/netip"
	"testing"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/devicestore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRedisCache_InvalidURL(t *testing.T) {
	_, err := NewRedisCache(context.Background(), "http://localhost:6379", time.Hour)
	assert.ErrorContains(t, err, "invalid Redis URL")
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	// port 1 is reserved and nothing listens there
	_, err := NewRedisCache(ctx, "redis://127.0.0.1:1/0", time.Hour)
	assert.ErrorContains(t, err, "failed to connect to Redis")
}

func TestCachedSnapshotRoundTrip(t *testing.T) {
	at := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	in := CachedSnapshot{
		Cycle:   7,
		TakenAt: at,
		Records: []devicestore.Record{{
			Identity:         "AA:BB:CC:DD:EE:01",
			IP:               netip.MustParseAddr("192.168.1.10"),
			MAC:              "AA:BB:CC:DD:EE:01",
			HasLease:         true,
			LeaseExpiresAt:   at.Add(time.Hour),
			LastSeenAt:       at.Add(-5 * time.Minute),
			MinutesSinceSeen: 5,
			ActivityScore:    63.5,
			IsActivelyUsed:   true,
			ActivitySummary:  "Moderate activity - 12 queries",
			ScoreBreakdown:   activity.Breakdown{Background: 80, TimingNeutral: true},
		}},
	}

	data, err := json.Marshal(in)
	require.NoError(t, err)

	var out CachedSnapshot
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in.Cycle, out.Cycle)
	assert.True(t, in.TakenAt.Equal(out.TakenAt))
	require.Len(t, out.Records, 1)
	assert.Equal(t, in.Records[0].IP, out.Records[0].IP)
	assert.Equal(t, in.Records[0].ActivityScore, out.Records[0].ActivityScore)
	assert.Equal(t, in.Records[0].ScoreBreakdown, out.Records[0].ScoreBreakdown)
	assert.True(t, in.Records[0].LeaseExpiresAt.Equal(out.Records[0].LeaseExpiresAt))

	// restoring the cached records seeds the store
	snap := devicestore.NewStore().Restore(out.Records, out.TakenAt)
	assert.True(t, snap.Has("AA:BB:CC:DD:EE:01"))
}
