package monitor

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"testing"
	"time"

	"dhcp-activity-backend/pkg/cache"
	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/trackerdb"
	"dhcp-activity-backend/pkg/transport"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testNow = time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)

	laptopID = identity.DeviceIdentity("AA:BB:CC:DD:EE:01")
	phoneID  = identity.DeviceIdentity("AA:BB:CC:DD:EE:02")
)

type fakeSource struct {
	lock     sync.Mutex
	leases   []transport.RawLease
	logs     []transport.RawQueryLogEntry
	leaseErr error
	logsErr  error
	logCalls int
}

func (s *fakeSource) GetLeases(ctx context.Context) ([]transport.RawLease, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.leases, s.leaseErr
}

func (s *fakeSource) GetQueryLogs(ctx context.Context, start, end time.Time) ([]transport.RawQueryLogEntry, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.logCalls++
	return s.logs, s.logsErr
}

func (s *fakeSource) set(update func(s *fakeSource)) {
	s.lock.Lock()
	defer s.lock.Unlock()
	update(s)
}

type fakeCache struct {
	saved map[string]*devicestore.Snapshot
	entry *cache.CachedSnapshot
}

func (c *fakeCache) SaveSnapshot(ctx context.Context, entry string, snap *devicestore.Snapshot) error {
	if c.saved == nil {
		c.saved = make(map[string]*devicestore.Snapshot)
	}
	c.saved[entry] = snap
	return nil
}

func (c *fakeCache) LoadSnapshot(ctx context.Context, entry string) (*cache.CachedSnapshot, error) {
	return c.entry, nil
}

func lease(mac, ip, host string, obtained time.Time) transport.RawLease {
	return transport.RawLease{
		Scope:           "LAN",
		Type:            "Dynamic",
		HardwareAddress: mac,
		Address:         ip,
		HostName:        host,
		LeaseObtained:   obtained.Format(time.RFC3339),
		LeaseExpires:    obtained.Add(24 * time.Hour).Format(time.RFC3339),
	}
}

func testOptions(t *testing.T, smart bool, update func(raw *config.RawEntryOptions)) config.EntryOptions {
	t.Helper()
	raw := config.RawEntryOptions{
		ID:                  "home",
		APIURL:              "http://dns.local:5380",
		EnableSmartActivity: &smart,
	}
	if update != nil {
		update(&raw)
	}
	opts, err := raw.Parse()
	require.NoError(t, err)
	return opts
}

func newTestMonitor(t *testing.T, opts config.EntryOptions, src *fakeSource) (*Monitor, *trackerdb.EntityRegistryDB) {
	t.Helper()
	db := trackerdb.NewTestDB()
	t.Cleanup(func() { db.Close() })

	m := New(opts, src, &db, nil, logger.NewDiscardLogger())
	m.now = func() time.Time { return testNow }
	m.loc = time.UTC
	return m, &db
}

func TestPoll_TracksDevicesAndRegistersEntities(t *testing.T) {
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
		lease("aa:bb:cc:dd:ee:02", "192.168.1.11", "phone", testNow.Add(-90*time.Minute)),
	}}
	m, db := newTestMonitor(t, testOptions(t, false, nil), src)

	events, unsubscribe := m.Subscribe()
	defer unsubscribe()

	delta, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identity.DeviceIdentity{laptopID, phoneID}, delta.Added)
	assert.Empty(t, delta.Removed)
	assert.Equal(t, 1, src.logCalls, "query logs are fetched in basic mode too")

	snap := m.Devices()
	assert.Equal(t, uint64(1), snap.Cycle())
	laptop, ok := snap.Get(laptopID)
	require.True(t, ok)
	assert.Equal(t, "laptop", laptop.Hostname)
	assert.Equal(t, 5, laptop.MinutesSinceSeen)
	assert.True(t, laptop.IsActivelyUsed)
	phone, _ := snap.Get(phoneID)
	assert.True(t, phone.IsStale)
	assert.False(t, phone.IsActivelyUsed)

	// 9 base entities per MAC device
	registered, err := db.ListEntityIDs("home")
	require.NoError(t, err)
	assert.Len(t, registered, 18)

	select {
	case ev := <-events:
		assert.Equal(t, "home", ev.Entry)
		assert.Equal(t, uint64(1), ev.Cycle)
		assert.Equal(t, []identity.DeviceIdentity{laptopID, phoneID}, ev.Added)
		assert.NotEmpty(t, ev.ID)
	default:
		t.Fatal("no event published")
	}

	// an unchanged device set publishes nothing
	_, err = m.Poll(context.Background())
	require.NoError(t, err)
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestPoll_SmartActivity(t *testing.T) {
	var logs []transport.RawQueryLogEntry
	for i := 0; i < 20; i++ {
		logs = append(logs, transport.RawQueryLogEntry{
			Timestamp:       testNow.Add(-time.Duration(20-i) * time.Minute).Format(time.RFC3339),
			ClientIPAddress: "192.168.1.10",
			Protocol:        "Https",
			QName:           fmt.Sprintf("site%d.example.com", i),
			QType:           "A",
		})
	}
	src := &fakeSource{
		leases: []transport.RawLease{lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-2*time.Hour))},
		logs:   logs,
	}
	m, db := newTestMonitor(t, testOptions(t, true, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, src.logCalls)
	assert.True(t, m.Status().LogsAvailable)

	laptop, ok := m.Devices().Get(laptopID)
	require.True(t, ok)
	assert.Greater(t, laptop.ActivityScore, 0.0)
	assert.NotEmpty(t, laptop.ActivitySummary)
	assert.Equal(t, 1, laptop.MinutesSinceSeen, "last query happened one minute ago")

	registered, err := db.ListEntityIDs("home")
	require.NoError(t, err)
	assert.Len(t, registered, 12)
}

func TestPoll_BasicModeLastSeenFromQueries(t *testing.T) {
	var logs []transport.RawQueryLogEntry
	for i := 2; i <= 20; i += 6 {
		logs = append(logs, transport.RawQueryLogEntry{
			Timestamp:       testNow.Add(-time.Duration(i) * time.Minute).Format(time.RFC3339),
			ClientIPAddress: "192.168.1.10",
			Protocol:        "Udp",
			QName:           fmt.Sprintf("site%d.example.com", i),
			QType:           "A",
		})
	}
	src := &fakeSource{
		leases: []transport.RawLease{lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-3*time.Hour))},
		logs:   logs,
	}
	m, _ := newTestMonitor(t, testOptions(t, false, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, m.Status().LogsAvailable)

	laptop, ok := m.Devices().Get(laptopID)
	require.True(t, ok)
	assert.Equal(t, testNow.Add(-2*time.Minute), laptop.LastSeenAt)
	assert.Equal(t, 2, laptop.MinutesSinceSeen)
	assert.False(t, laptop.IsStale)
	assert.True(t, laptop.IsActivelyUsed)
	assert.Equal(t, 100.0, laptop.ActivityScore)
}

func TestPoll_LeaseFailureSkipsCycle(t *testing.T) {
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
	}}
	m, _ := newTestMonitor(t, testOptions(t, false, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	src.set(func(s *fakeSource) { s.leaseErr = fmt.Errorf("%w: HTTP 401", transport.ErrAuth) })
	_, err = m.Poll(context.Background())
	require.ErrorIs(t, err, transport.ErrAuth)

	assert.Equal(t, uint64(1), m.Devices().Cycle(), "nothing committed")
	assert.True(t, m.Devices().Has(laptopID))
	status := m.Status()
	assert.NotEmpty(t, status.AuthWarning)
	assert.NotEmpty(t, status.LastError)

	src.set(func(s *fakeSource) {
		s.leaseErr = &transport.TransientFetchError{Op: "list leases", Err: context.DeadlineExceeded}
	})
	_, err = m.Poll(context.Background())
	require.Error(t, err)
	assert.True(t, transport.IsTransient(err))

	src.set(func(s *fakeSource) { s.leaseErr = nil })
	_, err = m.Poll(context.Background())
	require.NoError(t, err)
	status = m.Status()
	assert.Empty(t, status.AuthWarning)
	assert.Empty(t, status.LastError)
	assert.Equal(t, uint64(2), status.Cycle)
}

func TestPoll_LogFailureIsSoft(t *testing.T) {
	src := &fakeSource{
		leases:  []transport.RawLease{lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute))},
		logsErr: transport.ErrLogsUnavailable,
	}
	m, _ := newTestMonitor(t, testOptions(t, true, nil), src)

	delta, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identity.DeviceIdentity{laptopID}, delta.Added)

	status := m.Status()
	assert.False(t, status.LogsAvailable)
	assert.Empty(t, status.AuthWarning)
	assert.Equal(t, 1, status.Devices)
}

func TestUpdateOptions_AppliedAtNextPoll(t *testing.T) {
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
		lease("aa:bb:cc:dd:ee:02", "192.168.1.11", "phone", testNow.Add(-5*time.Minute)),
	}}
	m, db := newTestMonitor(t, testOptions(t, false, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	excluded := testOptions(t, false, func(raw *config.RawEntryOptions) {
		raw.IPFilterMode = "exclude"
		raw.IPFilterEntries = []string{"192.168.1.10"}
	})
	require.NoError(t, m.UpdateOptions(excluded))

	assert.True(t, m.Status().PendingOptions)
	assert.True(t, m.Devices().Has(laptopID), "options are not applied before the next poll")

	delta, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identity.DeviceIdentity{laptopID}, delta.Removed)
	assert.False(t, m.Status().PendingOptions)

	registered, err := db.ListEntityIDs("home")
	require.NoError(t, err)
	assert.Len(t, registered, 9, "only the phone entities are left")
	for _, entityID := range registered {
		id, _, err := m.engine.Namespace().ParseEntityID(entityID)
		require.NoError(t, err)
		assert.Equal(t, phoneID, id)
	}
}

func TestUpdateOptions_RejectsIDChange(t *testing.T) {
	m, _ := newTestMonitor(t, testOptions(t, false, nil), &fakeSource{})
	other := testOptions(t, false, func(raw *config.RawEntryOptions) { raw.ID = "office" })
	require.Error(t, m.UpdateOptions(other))
}

func TestPoll_DHCPTrackingDisabled(t *testing.T) {
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
	}}
	m, db := newTestMonitor(t, testOptions(t, false, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	disabled := false
	require.NoError(t, m.UpdateOptions(testOptions(t, false, func(raw *config.RawEntryOptions) {
		raw.EnableDHCPTracking = &disabled
	})))

	delta, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []identity.DeviceIdentity{laptopID}, delta.Removed)
	assert.Zero(t, m.Devices().Len())

	registered, err := db.ListEntityIDs("home")
	require.NoError(t, err)
	assert.Empty(t, registered)
}

func TestReconcile_RemovesOrphansOnce(t *testing.T) {
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
	}}
	m, db := newTestMonitor(t, testOptions(t, false, nil), src)

	_, err := m.Poll(context.Background())
	require.NoError(t, err)

	orphan, err := m.engine.Namespace().EntityID(identity.FromIP(netip.MustParseAddr("192.168.1.99")), identity.KindTracker)
	require.NoError(t, err)
	require.NoError(t, db.Register("home", []string{orphan}, testNow))

	plan, err := m.Reconcile(nil)
	require.NoError(t, err)
	assert.Equal(t, []string{orphan}, plan.RemoveEntities)
	assert.Empty(t, plan.AddEntities)

	_, err = db.GetEntity(orphan)
	require.ErrorIs(t, err, trackerdb.ErrNotFound)

	// a second run against a stale registry listing does not remove it again
	registered, err := db.ListEntityIDs("home")
	require.NoError(t, err)
	plan, err = m.Reconcile(append(registered, orphan))
	require.NoError(t, err)
	assert.Empty(t, plan.RemoveEntities)
}

func TestWarmup(t *testing.T) {
	c := &fakeCache{entry: &cache.CachedSnapshot{
		Cycle:   7,
		TakenAt: testNow.Add(-10 * time.Minute),
		Records: []devicestore.Record{{Identity: laptopID, IP: netip.MustParseAddr("192.168.1.10"), HasLease: true}},
	}}
	src := &fakeSource{leases: []transport.RawLease{
		lease("aa:bb:cc:dd:ee:01", "192.168.1.10", "laptop", testNow.Add(-5*time.Minute)),
	}}

	m := New(testOptions(t, false, nil), src, nil, c, logger.NewDiscardLogger())
	m.now = func() time.Time { return testNow }
	m.loc = time.UTC

	require.NoError(t, m.Warmup(context.Background()))
	assert.True(t, m.Devices().Has(laptopID))

	delta, err := m.Poll(context.Background())
	require.NoError(t, err)
	assert.True(t, delta.Empty(), "restored devices are not reported as added")
	assert.Same(t, m.Devices(), c.saved["home"])
}

func TestSubscribe_Unsubscribe(t *testing.T) {
	m, _ := newTestMonitor(t, testOptions(t, false, nil), &fakeSource{})
	events, unsubscribe := m.Subscribe()
	unsubscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)
}
