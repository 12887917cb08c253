package reconcile

import (
	"time"

	"dhcp-activity-backend/pkg/devicestore"
	"dhcp-activity-backend/pkg/ippool"
)

const DefaultRetention = 7 * 24 * time.Hour

// Policy is the tracking policy of a monitoring entry, used as the store evictor:
// a device stays tracked while its IP passes the filter and it either holds a lease
// or was seen within the retention period.
type Policy struct {
	Filter    ippool.Filter
	Retention time.Duration
}

var _ devicestore.Evictor = Policy{}

func (p Policy) Evict(r devicestore.Record, now time.Time) bool {
	if r.IP.IsValid() && !p.Filter.Allows(r.IP) {
		return true
	}
	if r.HasLease {
		return false
	}
	if r.LastSeenAt.IsZero() {
		return true
	}
	retention := p.Retention
	if retention <= 0 {
		retention = DefaultRetention
	}
	return now.Sub(r.LastSeenAt) > retention
}
