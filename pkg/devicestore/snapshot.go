package devicestore

import (
	"maps"
	"slices"
	"strings"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/identity"
)

// Snapshot is an immutable set of device records.
type Snapshot struct {
	cycle   uint64
	takenAt time.Time
	records map[identity.DeviceIdentity]Record

	// statistics of the query log analysis of the cycle, nil when it did not run
	analysis *activity.BatchStats
}

func newSnapshot(cycle uint64, at time.Time, records map[identity.DeviceIdentity]Record) *Snapshot {
	if records == nil {
		records = map[identity.DeviceIdentity]Record{}
	}
	return &Snapshot{cycle: cycle, takenAt: at, records: records}
}

// Cycle is the number of the poll that produced the snapshot; 0 before the first poll.
func (s *Snapshot) Cycle() uint64 {
	return s.cycle
}

func (s *Snapshot) TakenAt() time.Time {
	return s.takenAt
}

// AnalysisStats returns the statistics of the query log analysis run by the cycle that
// produced the snapshot.
func (s *Snapshot) AnalysisStats() (activity.BatchStats, bool) {
	if s.analysis == nil {
		return activity.BatchStats{}, false
	}
	return *s.analysis, true
}

func (s *Snapshot) Len() int {
	return len(s.records)
}

func (s *Snapshot) Has(id identity.DeviceIdentity) bool {
	_, ok := s.records[id]
	return ok
}

func (s *Snapshot) Get(id identity.DeviceIdentity) (Record, bool) {
	r, ok := s.records[id]
	return r, ok
}

// Identities returns the sorted keys of the snapshot.
func (s *Snapshot) Identities() []identity.DeviceIdentity {
	return slices.Sorted(maps.Keys(s.records))
}

// Records returns a copy of the records, keyed by identity.
func (s *Snapshot) Records() map[identity.DeviceIdentity]Record {
	return maps.Clone(s.records)
}

// List returns the records sorted by IP address, then identity.
func (s *Snapshot) List() []Record {
	out := slices.Collect(maps.Values(s.records))
	slices.SortFunc(out, func(a, b Record) int {
		if c := a.IP.Compare(b.IP); c != 0 {
			return c
		}
		return strings.Compare(string(a.Identity), string(b.Identity))
	})
	return out
}
