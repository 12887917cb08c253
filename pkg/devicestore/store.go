/*
Package devicestore keeps the device records of one monitoring entry.

Each poll cycle merges the normalized leases with the activity analysis of the query log
into a new immutable Snapshot, which is then published atomically: readers (the
reconciliation engine, the HTTP handlers) always see either the previous or the new
snapshot, never a partially updated one.

Only the poll loop of the owning monitoring entry calls Apply.
*/
package devicestore

import (
	"net/netip"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/leases"
	"dhcp-activity-backend/pkg/querylog"

	human_duration "github.com/davidbanham/human_duration/v3"
)

const DefaultStaleThreshold = 60 * time.Minute

// Cycle carries everything one poll produced.
type Cycle struct {
	Now    time.Time
	Leases leases.Result
	Logs   querylog.Grouping

	// SmartActivity selects the query log analysis; when false every device gets the
	// basic score derived from its staleness.
	SmartActivity  bool
	Analyzer       activity.Analyzer
	StaleThreshold time.Duration
}

// Evictor decides which records are dropped from the store at the end of a cycle.
type Evictor interface {
	Evict(r Record, now time.Time) bool
}

// EvictorFunc adapts a function to the Evictor interface.
type EvictorFunc func(r Record, now time.Time) bool

func (f EvictorFunc) Evict(r Record, now time.Time) bool {
	return f(r, now)
}

// Delta lists the identities that appeared or disappeared with a commit.
type Delta struct {
	Added   []identity.DeviceIdentity `json:"added"`
	Removed []identity.DeviceIdentity `json:"removed"`
}

func (d Delta) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0
}

// Store holds the committed snapshot.
type Store struct {
	current atomic.Pointer[Snapshot]

	// serializes writers; readers never take it
	writeLock sync.Mutex
}

func NewStore() *Store {
	s := &Store{}
	s.current.Store(newSnapshot(0, time.Time{}, nil))
	return s
}

// Snapshot returns the committed snapshot.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Restore replaces the committed snapshot with the given records, e.g. the ones cached
// before a restart. The cycle counter is preserved.
func (s *Store) Restore(records []Record, at time.Time) *Snapshot {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	m := make(map[identity.DeviceIdentity]Record, len(records))
	for _, r := range records {
		if r.Identity == "" {
			continue
		}
		m[r.Identity] = r
	}
	snap := newSnapshot(s.current.Load().Cycle(), at, m)
	s.current.Store(snap)
	return snap
}

// Apply merges one poll cycle into a new snapshot and commits it.
//
// Lease fields are always replaced: devices missing from the leases keep their record
// with HasLease=false until the evictor drops them. Activity fields are replaced only
// when the query log was fetched; otherwise they keep their previous values.
func (s *Store) Apply(c Cycle, ev Evictor) (*Snapshot, Delta) {
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	if c.StaleThreshold <= 0 {
		c.StaleThreshold = DefaultStaleThreshold
	}
	prev := s.current.Load()
	next := make(map[identity.DeviceIdentity]Record, len(c.Leases.Records)+prev.Len())

	for id, l := range c.Leases.Records {
		r, ok := prev.records[id]
		if !ok {
			r = Record{Identity: id, FirstSeenAt: c.Now}
		}
		renewed := !ok || !r.HasLease || l.ExpiresAt.After(r.LeaseExpiresAt)
		r.setLease(l.MAC, l.Hostname, l.Scope, l.IP, l.ObtainedAt, l.ExpiresAt)
		if l.ObtainedAt.IsZero() && renewed {
			// sources without the obtained time: a new or extended lease is the only
			// sign of life
			r.touch(c.Now)
		}
		next[id] = r
	}
	for id, r := range prev.records {
		if _, ok := next[id]; ok {
			continue
		}
		r.clearLease()
		next[id] = r
	}

	var entries map[identity.DeviceIdentity][]querylog.Entry
	if c.Logs.Available() {
		entries = make(map[identity.DeviceIdentity][]querylog.Entry, len(next))
		for id, r := range next {
			entries[id] = lookupLogs(c.Logs, r)
		}
	}

	var results map[identity.DeviceIdentity]activity.Result
	var stats *activity.BatchStats
	if c.SmartActivity && entries != nil {
		var batch activity.BatchStats
		results, batch = c.Analyzer.AnalyzeBatch(entries)
		stats = &batch
	}

	for id, r := range next {
		r.touch(r.LeaseObtainedAt)
		if e := entries[id]; len(e) > 0 {
			// entries are sorted by timestamp
			r.touch(e[len(e)-1].Timestamp)
		}

		switch {
		case !c.SmartActivity:
			r.updateStaleness(c.Now, c.StaleThreshold)
			r.setActivity(basicActivity(r, c.Now), c.Now)
		case results != nil:
			r.setActivity(results[id], c.Now)
		}

		r.updateStaleness(c.Now, c.StaleThreshold)
		next[id] = r
	}

	if ev != nil {
		for id, r := range next {
			if ev.Evict(r, c.Now) {
				delete(next, id)
			}
		}
	}

	snap := newSnapshot(prev.Cycle()+1, c.Now, next)
	snap.analysis = stats
	s.current.Store(snap)
	return snap, diff(prev, snap)
}

// lookupLogs returns the query log entries of a device: those logged with its MAC, or
// with its IP while it holds the lease on that IP. A device that lost its lease is not
// credited with the traffic of the next holder of the address.
func lookupLogs(logs querylog.Grouping, r Record) []querylog.Entry {
	var mac identity.DeviceIdentity
	if r.MAC != "" {
		if id, err := identity.FromMAC(r.MAC); err == nil {
			mac = id
		}
	}
	var ip netip.Addr
	if r.HasLease {
		ip = r.IP
	}
	return logs.Lookup(mac, ip)
}

// basicActivity is the binary score used when the smart activity analysis is disabled.
func basicActivity(r Record, now time.Time) activity.Result {
	if r.MinutesSinceSeen == NeverSeen {
		return activity.Result{Summary: "Never seen"}
	}
	res := activity.Result{
		Summary: "Last seen " + human_duration.ShortString(now.Sub(r.LastSeenAt), human_duration.Minute) + " ago",
	}
	if r.MinutesSinceSeen < 1 {
		res.Summary = "Seen just now"
	}
	if !r.IsStale {
		res.Score = 100
		res.IsActivelyUsed = true
	}
	return res
}

func diff(prev, next *Snapshot) Delta {
	var d Delta
	for id := range next.records {
		if !prev.Has(id) {
			d.Added = append(d.Added, id)
		}
	}
	for id := range prev.records {
		if !next.Has(id) {
			d.Removed = append(d.Removed, id)
		}
	}
	slices.Sort(d.Added)
	slices.Sort(d.Removed)
	return d
}
