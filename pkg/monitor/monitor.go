/*
Package monitor runs one monitoring entry: it polls the DNS/DHCP server, merges leases and
query log analysis into the device store, and reconciles the exposed entities after every
commit.

A Monitor owns its store: only its poll loop writes it, and polls never overlap. Readers
(HTTP handlers, manual reconciliations) only ever see committed snapshots.
*/
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/cache"
	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/leases"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/metrics"
	"dhcp-activity-backend/pkg/querylog"
	"dhcp-activity-backend/pkg/reconcile"
	"dhcp-activity-backend/pkg/transport"

	human_duration "github.com/davidbanham/human_duration/v3"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Registry stores the entity IDs exposed for each entry; *trackerdb.EntityRegistryDB
// implements it.
type Registry interface {
	ListEntityIDs(entry string) ([]string, error)
	Register(entry string, entityIDs []string, now time.Time) error
	Delete(entityIDs []string) (int64, error)
}

// SnapshotCache persists the snapshots across restarts; *cache.RedisCache implements it.
type SnapshotCache interface {
	SaveSnapshot(ctx context.Context, entry string, snap *devicestore.Snapshot) error
	LoadSnapshot(ctx context.Context, entry string) (*cache.CachedSnapshot, error)
}

// Event is published whenever the set of tracked devices changes.
type Event struct {
	ID      string                    `json:"id"`
	Entry   string                    `json:"entry"`
	Cycle   uint64                    `json:"cycle"`
	Added   []identity.DeviceIdentity `json:"added"`
	Removed []identity.DeviceIdentity `json:"removed"`
	At      time.Time                 `json:"at"`
}

// Status describes the health of the entry.
type Status struct {
	Entry          string    `json:"entry"`
	Cycle          uint64    `json:"cycle"`
	Devices        int       `json:"devices"`
	LastPollAt     time.Time `json:"last_poll_at"`
	LastSuccessAt  time.Time `json:"last_success_at"`
	LastError      string    `json:"last_error,omitempty"`
	AuthWarning    string    `json:"auth_warning,omitempty"`
	LogsAvailable  bool      `json:"logs_available"`
	PendingOptions bool      `json:"pending_options"`
}

const subscriberBuffer = 16

// Monitor drives one monitoring entry.
type Monitor struct {
	log      *logger.CustomLogger
	source   transport.Source
	registry Registry      // maybe nil
	cache    SnapshotCache // maybe nil
	store    *devicestore.Store
	engine   *reconcile.Engine

	now func() time.Time
	loc *time.Location

	optionsLock sync.Mutex
	options     config.EntryOptions
	pending     *config.EntryOptions // applied at the start of the next poll

	statusLock sync.Mutex
	status     Status

	subscribersLock sync.Mutex
	subscribers     map[chan Event]struct{}
}

// New creates the monitor of an entry; registry and cache are optional.
func New(opts config.EntryOptions, source transport.Source, registry Registry, snapshotCache SnapshotCache, l *logger.CustomLogger) *Monitor {
	l = l.WithField("entry", opts.ID)
	return &Monitor{
		log:         l,
		source:      source,
		registry:    registry,
		cache:       snapshotCache,
		store:       devicestore.NewStore(),
		engine:      reconcile.NewEngine(opts.Namespace, opts.EnableSmartActivity, l),
		now:         time.Now,
		loc:         time.Local,
		options:     opts,
		status:      Status{Entry: opts.ID},
		subscribers: make(map[chan Event]struct{}),
	}
}

func (m *Monitor) ID() string {
	return m.Options().ID
}

// Options returns the options in effect, not the pending ones.
func (m *Monitor) Options() config.EntryOptions {
	m.optionsLock.Lock()
	defer m.optionsLock.Unlock()
	return m.options
}

// UpdateOptions schedules new options; they take effect at the start of the next poll.
// The source settings (URL, token, leases file) cannot be changed without a restart.
func (m *Monitor) UpdateOptions(opts config.EntryOptions) error {
	m.optionsLock.Lock()
	defer m.optionsLock.Unlock()

	if opts.ID != m.options.ID {
		return fmt.Errorf("cannot change the ID of entry %q to %q", m.options.ID, opts.ID)
	}
	if opts.Source != m.options.Source || opts.APIURL != m.options.APIURL ||
		opts.Token != m.options.Token || opts.LeasesFile != m.options.LeasesFile {
		m.log.Warn("DNS server settings changed: they will be applied after a restart")
	}
	for _, w := range opts.Warnings {
		m.log.Warnf("ignoring IP filter entry: %s", w)
	}
	m.pending = &opts
	return nil
}

// applyPendingOptions returns the options to use for this poll.
func (m *Monitor) applyPendingOptions() config.EntryOptions {
	m.optionsLock.Lock()
	defer m.optionsLock.Unlock()

	if m.pending != nil {
		old := m.options
		m.options = *m.pending
		m.pending = nil
		m.engine.SetSmartActivity(m.options.EnableSmartActivity)
		if !old.Filter.Equal(m.options.Filter) {
			m.log.Infof("IP filter changed from %s to %s", old.Filter, m.options.Filter)
		}
		m.log.Info("new options applied")
	}
	return m.options
}

// Devices returns the committed snapshot.
func (m *Monitor) Devices() *devicestore.Snapshot {
	return m.store.Snapshot()
}

func (m *Monitor) Status() Status {
	m.statusLock.Lock()
	s := m.status
	m.statusLock.Unlock()

	snap := m.store.Snapshot()
	s.Cycle = snap.Cycle()
	s.Devices = snap.Len()

	m.optionsLock.Lock()
	s.PendingOptions = m.pending != nil
	m.optionsLock.Unlock()
	return s
}

// Warmup seeds the store with the snapshot cached before the last shutdown.
func (m *Monitor) Warmup(ctx context.Context) error {
	if m.cache == nil {
		return nil
	}
	cached, err := m.cache.LoadSnapshot(ctx, m.ID())
	if err != nil {
		return fmt.Errorf("failed to load cached snapshot: %w", err)
	}
	if cached == nil {
		return nil
	}
	snap := m.store.Restore(cached.Records, cached.TakenAt)
	m.log.Infof("restored %d devices from the snapshot cached %s ago",
		snap.Len(), human_duration.ShortString(m.now().Sub(cached.TakenAt), human_duration.Second))
	return nil
}

// Run polls until ctx is cancelled. The first poll starts immediately; a poll that
// takes longer than the interval delays the next one.
func (m *Monitor) Run(ctx context.Context) error {
	interval := m.Options().UpdateInterval
	m.log.Infof("polling every %s", human_duration.ShortString(interval, human_duration.Second))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := m.Poll(ctx); err != nil && ctx.Err() == nil {
			m.log.Warnf("poll failed: %s", err.Error())
		}
		if i := m.Options().UpdateInterval; i != interval {
			interval = i
			ticker.Reset(interval)
			m.log.Infof("polling interval changed to %s", human_duration.ShortString(interval, human_duration.Second))
		}

		select {
		case <-ctx.Done():
			m.closeSubscribers()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll runs one poll cycle. An error means nothing was committed this cycle.
func (m *Monitor) Poll(ctx context.Context) (devicestore.Delta, error) {
	opts := m.applyPendingOptions()
	start := m.now()
	defer func() {
		metrics.PollDuration.WithLabelValues(opts.ID).Observe(m.now().Sub(start).Seconds())
	}()

	cycle := devicestore.Cycle{
		Now:            start,
		SmartActivity:  opts.EnableSmartActivity,
		Analyzer:       activity.NewAnalyzer(opts.ActivityThreshold),
		StaleThreshold: opts.StaleThreshold,
		Logs:           querylog.Unavailable(),
	}
	var evictor devicestore.Evictor = reconcile.Policy{Filter: opts.Filter, Retention: opts.ForgetDevicesAfter}

	if !opts.EnableDHCPTracking {
		// no device is tracked: the store empties and reconciliation removes every entity
		evictor = devicestore.EvictorFunc(func(devicestore.Record, time.Time) bool { return true })
		m.setStatus(func(s *Status) { s.LastPollAt = start })
		return m.commit(ctx, opts, cycle, evictor)
	}

	raw, logs, err := m.fetch(ctx, opts, start)
	m.setStatus(func(s *Status) { s.LastPollAt = start })
	if err != nil {
		return devicestore.Delta{}, err
	}

	cycle.Leases = leases.Normalize(raw, opts.Filter, m.loc, m.log)
	if logs != nil {
		window := querylog.NewWindow(start, opts.AnalysisWindow)
		cycle.Logs = querylog.Normalize(logs, window, m.loc, m.log)
		metrics.QueryLogEntries.WithLabelValues(opts.ID, "kept").Add(float64(cycle.Logs.Total))
		metrics.QueryLogEntries.WithLabelValues(opts.ID, "out_of_window").Add(float64(cycle.Logs.OutOfWindow))
		metrics.QueryLogEntries.WithLabelValues(opts.ID, "malformed").Add(float64(cycle.Logs.Malformed))
	}
	m.log.Debugf("%d leases tracked, %d filtered out, %d skipped",
		len(cycle.Leases.Records), cycle.Leases.Filtered, cycle.Leases.Skipped)

	return m.commit(ctx, opts, cycle, evictor)
}

// fetch gets the leases and the query logs concurrently. The logs move the last seen
// time in both modes; only smart activity mode scores them.
// A failure of the lease fetch fails the cycle; a failure of the log fetch only
// returns nil logs.
func (m *Monitor) fetch(ctx context.Context, opts config.EntryOptions, now time.Time) ([]transport.RawLease, []transport.RawQueryLogEntry, error) {
	var (
		raw      []transport.RawLease
		logs     []transport.RawQueryLogEntry
		leaseErr error
		logsErr  error
	)

	// each fetch must complete within one polling interval
	fetchCtx, cancel := context.WithTimeout(ctx, opts.UpdateInterval)
	defer cancel()

	var g errgroup.Group
	g.Go(func() error {
		raw, leaseErr = m.source.GetLeases(fetchCtx)
		return nil
	})
	g.Go(func() error {
		logs, logsErr = m.source.GetQueryLogs(fetchCtx, now.Add(-opts.AnalysisWindow), now)
		return nil
	})
	_ = g.Wait()

	authFailed := errors.Is(leaseErr, transport.ErrAuth) || errors.Is(logsErr, transport.ErrAuth)
	m.setStatus(func(s *Status) {
		if authFailed {
			s.AuthWarning = "the DNS server rejected the API token: update the entry credentials"
		} else if leaseErr == nil {
			s.AuthWarning = ""
		}
		s.LogsAvailable = logsErr == nil
	})

	if logsErr != nil {
		metrics.FetchErrors.WithLabelValues(opts.ID, "query_logs", errorKind(logsErr)).Inc()
		if errors.Is(logsErr, transport.ErrLogsUnavailable) {
			m.log.Debugf("query logs unavailable, keeping the previous activity data: %s", logsErr.Error())
		} else {
			m.log.Warnf("failed to fetch query logs, keeping the previous activity data: %s", logsErr.Error())
		}
		logs = nil
	} else if logs == nil {
		logs = []transport.RawQueryLogEntry{}
	}

	if leaseErr != nil {
		metrics.FetchErrors.WithLabelValues(opts.ID, "leases", errorKind(leaseErr)).Inc()
		result := "leases_error"
		if errors.Is(leaseErr, transport.ErrAuth) {
			result = "auth_error"
		}
		metrics.PollsTotal.WithLabelValues(opts.ID, result).Inc()
		m.setStatus(func(s *Status) { s.LastError = leaseErr.Error() })
		return nil, nil, fmt.Errorf("cycle skipped, previous device records retained: %w", leaseErr)
	}
	return raw, logs, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, transport.ErrAuth):
		return "auth"
	case transport.IsTransient(err):
		return "transient"
	case errors.Is(err, transport.ErrLogsUnavailable):
		return "unavailable"
	}
	return "other"
}

// commit applies the cycle to the store, then publishes, caches and reconciles.
func (m *Monitor) commit(ctx context.Context, opts config.EntryOptions, cycle devicestore.Cycle, ev devicestore.Evictor) (devicestore.Delta, error) {
	snap, delta := m.store.Apply(cycle, ev)

	metrics.PollsTotal.WithLabelValues(opts.ID, "ok").Inc()
	m.updateGauges(opts.ID, snap)
	m.setStatus(func(s *Status) {
		s.LastSuccessAt = cycle.Now
		s.LastError = ""
	})

	if stats, ok := snap.AnalysisStats(); ok {
		m.log.Infof("poll %d: %d devices, %d actively used, average activity score %.1f",
			snap.Cycle(), snap.Len(), stats.Active, stats.AverageScore)
	} else {
		m.log.Infof("poll %d: %d devices", snap.Cycle(), snap.Len())
	}

	if !delta.Empty() {
		m.log.Infof("devices added: %v, removed: %v", delta.Added, delta.Removed)
		m.publish(Event{
			ID:      uuid.NewString(),
			Entry:   opts.ID,
			Cycle:   snap.Cycle(),
			Added:   delta.Added,
			Removed: delta.Removed,
			At:      cycle.Now,
		})
	}

	if m.cache != nil {
		if err := m.cache.SaveSnapshot(ctx, opts.ID, snap); err != nil {
			m.log.Warnf("failed to cache the snapshot: %s", err.Error())
		}
	}

	if _, err := m.reconcile(snap, nil, "poll"); err != nil {
		m.log.Warnf("automatic reconciliation failed: %s", err.Error())
	}
	return delta, nil
}

func (m *Monitor) updateGauges(entry string, snap *devicestore.Snapshot) {
	active, stale := 0, 0
	sum := 0.0
	for _, r := range snap.List() {
		if r.IsActivelyUsed {
			active++
		}
		if r.IsStale {
			stale++
		}
		sum += r.ActivityScore
	}
	metrics.TrackedDevices.WithLabelValues(entry).Set(float64(snap.Len()))
	metrics.ActiveDevices.WithLabelValues(entry).Set(float64(active))
	metrics.StaleDevices.WithLabelValues(entry).Set(float64(stale))
	avg := 0.0
	if snap.Len() > 0 {
		avg = sum / float64(snap.Len())
	}
	metrics.AverageActivityScore.WithLabelValues(entry).Set(avg)
}

func (m *Monitor) setStatus(update func(s *Status)) {
	m.statusLock.Lock()
	defer m.statusLock.Unlock()
	update(&m.status)
}
