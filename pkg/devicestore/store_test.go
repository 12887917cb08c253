package devicestore

import (
	"net/netip"
	"testing"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/leases"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/querylog"
	"dhcp-activity-backend/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

	laptopID = identity.DeviceIdentity("AA:BB:CC:DD:EE:01")
	laptopIP = netip.MustParseAddr("192.168.1.10")
	phoneID  = identity.DeviceIdentity("AA:BB:CC:DD:EE:02")
	phoneIP  = netip.MustParseAddr("192.168.1.11")
)

func leaseResult(records ...leases.Record) leases.Result {
	res := leases.Result{Records: make(map[identity.DeviceIdentity]leases.Record)}
	for _, r := range records {
		res.Records[r.Identity] = r
	}
	return res
}

func laptopLease(obtained, expires time.Time) leases.Record {
	return leases.Record{
		Identity: laptopID, IP: laptopIP, MAC: string(laptopID), Hostname: "laptop",
		Scope: "Default", ObtainedAt: obtained, ExpiresAt: expires,
	}
}

func phoneLease(obtained time.Time) leases.Record {
	return leases.Record{
		Identity: phoneID, IP: phoneIP, MAC: string(phoneID), Hostname: "phone",
		Scope: "Default", ObtainedAt: obtained, ExpiresAt: obtained.Add(time.Hour),
	}
}

// browsingLog returns a few queries of a user browsing from the laptop IP.
func browsingLog(now time.Time) querylog.Grouping {
	domains := []string{"www.github.com", "www.wikipedia.org", "news.ycombinator.com", "www.bbc.co.uk", "www.reddit.com"}
	gaps := []time.Duration{0, 40 * time.Second, 3 * time.Minute, 20 * time.Second, 7 * time.Minute}
	var raw []transport.RawQueryLogEntry
	at := now.Add(-20 * time.Minute)
	for i, d := range domains {
		at = at.Add(gaps[i])
		raw = append(raw, transport.RawQueryLogEntry{
			Timestamp:       at.Format(time.RFC3339),
			ClientIPAddress: laptopIP.String(),
			Protocol:        "Https",
			QName:           d,
			QType:           "A",
		})
	}
	return querylog.Normalize(raw, querylog.NewWindow(now, 30*time.Minute), time.UTC, logger.NewDiscardLogger())
}

func smartCycle(now time.Time, l leases.Result, logs querylog.Grouping) Cycle {
	return Cycle{
		Now:            now,
		Leases:         l,
		Logs:           logs,
		SmartActivity:  true,
		Analyzer:       activity.NewAnalyzer(activity.DefaultThreshold),
		StaleThreshold: 60 * time.Minute,
	}
}

func TestApply_Staleness(t *testing.T) {
	s := NewStore()
	snap, delta := s.Apply(smartCycle(testNow, leaseResult(laptopLease(testNow.Add(-90*time.Minute), testNow.Add(time.Hour))), querylog.Grouping{}), nil)

	assert.Equal(t, []identity.DeviceIdentity{laptopID}, delta.Added)
	assert.Empty(t, delta.Removed)

	rec, ok := snap.Get(laptopID)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(-90*time.Minute), rec.LastSeenAt)
	assert.Equal(t, 90, rec.MinutesSinceSeen)
	assert.True(t, rec.IsStale)
	assert.Equal(t, 0.0, rec.ActivityScore)
	assert.Equal(t, "No activity detected", rec.ActivitySummary)
}

func TestApply_NotStaleAtThreshold(t *testing.T) {
	s := NewStore()
	snap, _ := s.Apply(smartCycle(testNow, leaseResult(laptopLease(testNow.Add(-60*time.Minute), testNow.Add(time.Hour))), querylog.Grouping{}), nil)

	rec, _ := snap.Get(laptopID)
	assert.Equal(t, 60, rec.MinutesSinceSeen)
	assert.False(t, rec.IsStale, "stale means strictly older than the threshold")
}

func TestApply_LastSeenFromQueries(t *testing.T) {
	s := NewStore()
	snap, _ := s.Apply(smartCycle(testNow, leaseResult(laptopLease(testNow.Add(-3*time.Hour), testNow.Add(time.Hour))), browsingLog(testNow)), nil)

	rec, _ := snap.Get(laptopID)
	// the last query happened 9 minutes before now
	assert.Equal(t, 9, rec.MinutesSinceSeen)
	assert.False(t, rec.IsStale)
	assert.Greater(t, rec.ActivityScore, 0.0)
	assert.Equal(t, testNow, rec.ActivityUpdatedAt)

	stats, ok := snap.AnalysisStats()
	require.True(t, ok)
	assert.Equal(t, 1, stats.Devices)
	assert.Equal(t, rec.ActivityScore, stats.AverageScore)
}

func TestApply_SoftLogFailureKeepsActivity(t *testing.T) {
	s := NewStore()
	obtained := testNow.Add(-3 * time.Hour)

	first, _ := s.Apply(smartCycle(testNow, leaseResult(laptopLease(obtained, testNow.Add(time.Hour))), browsingLog(testNow)), nil)
	before, _ := first.Get(laptopID)
	require.Greater(t, before.ActivityScore, 0.0)

	// next poll: the lease was renewed, the query log could not be fetched
	next := testNow.Add(time.Minute)
	second, delta := s.Apply(smartCycle(next, leaseResult(laptopLease(obtained, next.Add(2*time.Hour))), querylog.Unavailable()), nil)
	after, _ := second.Get(laptopID)

	assert.True(t, delta.Empty())
	_, analyzed := second.AnalysisStats()
	assert.False(t, analyzed)
	assert.Equal(t, before.ActivityScore, after.ActivityScore)
	assert.Equal(t, before.ActivitySummary, after.ActivitySummary)
	assert.Equal(t, before.ScoreBreakdown, after.ScoreBreakdown)
	assert.Equal(t, before.ActivityUpdatedAt, after.ActivityUpdatedAt)
	assert.Equal(t, next.Add(2*time.Hour), after.LeaseExpiresAt)
	assert.Equal(t, 10, after.MinutesSinceSeen)

	// the committed snapshot of the first cycle is untouched
	old, _ := first.Get(laptopID)
	assert.Equal(t, testNow.Add(time.Hour), old.LeaseExpiresAt)
	assert.Equal(t, uint64(1), first.Cycle())
	assert.Equal(t, uint64(2), second.Cycle())
}

func TestApply_MissingLeaseKeepsRecordUntilEvicted(t *testing.T) {
	s := NewStore()
	s.Apply(smartCycle(testNow, leaseResult(laptopLease(testNow.Add(-time.Hour), testNow.Add(time.Hour)), phoneLease(testNow.Add(-time.Minute))), querylog.Grouping{}), nil)

	next := testNow.Add(time.Minute)
	snap, delta := s.Apply(smartCycle(next, leaseResult(laptopLease(testNow.Add(-time.Hour), testNow.Add(time.Hour))), querylog.Grouping{}), nil)
	assert.True(t, delta.Empty())

	rec, ok := snap.Get(phoneID)
	require.True(t, ok)
	assert.False(t, rec.HasLease)
	assert.True(t, rec.LeaseExpiresAt.IsZero())
	assert.Equal(t, phoneIP, rec.IP)
	assert.Equal(t, "phone", rec.Hostname)
	assert.Equal(t, testNow.Add(-time.Minute), rec.LastSeenAt)

	evictLeaseless := EvictorFunc(func(r Record, _ time.Time) bool { return !r.HasLease })
	snap, delta = s.Apply(smartCycle(next.Add(time.Minute), leaseResult(laptopLease(testNow.Add(-time.Hour), testNow.Add(time.Hour))), querylog.Grouping{}), evictLeaseless)
	assert.Equal(t, []identity.DeviceIdentity{phoneID}, delta.Removed)
	assert.Equal(t, []identity.DeviceIdentity{laptopID}, snap.Identities())
}

func TestApply_BasicMode(t *testing.T) {
	s := NewStore()
	c := smartCycle(testNow, leaseResult(
		laptopLease(testNow.Add(-5*time.Minute), testNow.Add(time.Hour)),
		phoneLease(testNow.Add(-2*time.Hour)),
	), querylog.Grouping{})
	c.SmartActivity = false

	snap, _ := s.Apply(c, nil)

	laptop, _ := snap.Get(laptopID)
	assert.Equal(t, 100.0, laptop.ActivityScore)
	assert.True(t, laptop.IsActivelyUsed)
	assert.Contains(t, laptop.ActivitySummary, "Last seen")

	phone, _ := snap.Get(phoneID)
	assert.Equal(t, 0.0, phone.ActivityScore)
	assert.False(t, phone.IsActivelyUsed)
	assert.True(t, phone.IsStale)
}

func TestApply_BasicModeLastSeenFromQueries(t *testing.T) {
	s := NewStore()
	c := smartCycle(testNow, leaseResult(laptopLease(testNow.Add(-3*time.Hour), testNow.Add(time.Hour))), browsingLog(testNow))
	c.SmartActivity = false

	snap, _ := s.Apply(c, nil)

	rec, _ := snap.Get(laptopID)
	assert.Equal(t, 9, rec.MinutesSinceSeen)
	assert.False(t, rec.IsStale)
	assert.Equal(t, 100.0, rec.ActivityScore)
	assert.True(t, rec.IsActivelyUsed)
	assert.Empty(t, rec.ScoreBreakdown)

	_, analyzed := snap.AnalysisStats()
	assert.False(t, analyzed, "queries are not scored in basic mode")
}

func TestApply_ReusedIPNotCreditedToPreviousHolder(t *testing.T) {
	s := NewStore()
	obtained := testNow.Add(-3 * time.Hour)
	s.Apply(smartCycle(testNow.Add(-time.Hour), leaseResult(laptopLease(obtained, testNow)), querylog.Grouping{}), nil)

	// the laptop left, its address went to the phone, which is now browsing
	phone := phoneLease(obtained)
	phone.IP = laptopIP
	snap, _ := s.Apply(smartCycle(testNow, leaseResult(phone), browsingLog(testNow)), nil)

	laptop, ok := snap.Get(laptopID)
	require.True(t, ok)
	assert.False(t, laptop.HasLease)
	assert.Equal(t, obtained, laptop.LastSeenAt)
	assert.True(t, laptop.IsStale)
	assert.Equal(t, 0.0, laptop.ActivityScore)
	assert.Equal(t, "No activity detected", laptop.ActivitySummary)

	rec, _ := snap.Get(phoneID)
	assert.Equal(t, 9, rec.MinutesSinceSeen)
	assert.Greater(t, rec.ActivityScore, 0.0)
}

func TestApply_LeaseWithoutObtainedTime(t *testing.T) {
	s := NewStore()
	expires := testNow.Add(time.Hour)

	tests := []struct {
		name     string
		now      time.Time
		expires  time.Time
		lastSeen time.Time
		minutes  int
		stale    bool
	}{
		{"first sighting", testNow, expires, testNow, 0, false},
		{"lease unchanged", testNow.Add(90 * time.Minute), expires, testNow, 90, true},
		{"lease extended", testNow.Add(100 * time.Minute), testNow.Add(3 * time.Hour), testNow.Add(100 * time.Minute), 0, false},
	}
	// cycles run in order against the same store
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, _ := s.Apply(smartCycle(tt.now, leaseResult(laptopLease(time.Time{}, tt.expires)), querylog.Grouping{}), nil)
			rec, ok := snap.Get(laptopID)
			require.True(t, ok)
			assert.Equal(t, tt.lastSeen, rec.LastSeenAt)
			assert.Equal(t, tt.minutes, rec.MinutesSinceSeen)
			assert.Equal(t, tt.stale, rec.IsStale)
		})
	}
}

func TestApply_NeverSeen(t *testing.T) {
	s := NewStore()
	s.Restore([]Record{{Identity: phoneID, IP: phoneIP}}, testNow)

	snap, _ := s.Apply(smartCycle(testNow, leaseResult(laptopLease(testNow, testNow.Add(time.Hour))), querylog.Grouping{}), nil)

	rec, ok := snap.Get(phoneID)
	require.True(t, ok)
	assert.Equal(t, NeverSeen, rec.MinutesSinceSeen)
	assert.True(t, rec.IsStale)
}

func TestRestore(t *testing.T) {
	s := NewStore()
	snap := s.Restore([]Record{
		{Identity: laptopID, IP: laptopIP, ActivityScore: 42},
		{IP: phoneIP}, // no identity: ignored
	}, testNow)

	assert.Equal(t, 1, snap.Len())
	assert.Equal(t, uint64(0), snap.Cycle())
	assert.Same(t, snap, s.Snapshot())

	// a log-less first poll keeps the restored score
	next, delta := s.Apply(smartCycle(testNow.Add(time.Minute), leaseResult(laptopLease(testNow, testNow.Add(time.Hour))), querylog.Unavailable()), nil)
	assert.True(t, delta.Empty())
	rec, _ := next.Get(laptopID)
	assert.Equal(t, 42.0, rec.ActivityScore)
	assert.True(t, rec.HasLease)
}

func TestSnapshotList(t *testing.T) {
	s := NewStore()
	snap, _ := s.Apply(smartCycle(testNow, leaseResult(phoneLease(testNow), laptopLease(testNow, testNow.Add(time.Hour))), querylog.Grouping{}), nil)

	list := snap.List()
	require.Len(t, list, 2)
	assert.Equal(t, laptopID, list[0].Identity)
	assert.Equal(t, phoneID, list[1].Identity)

	// Records returns a copy
	m := snap.Records()
	delete(m, laptopID)
	assert.True(t, snap.Has(laptopID))
}
