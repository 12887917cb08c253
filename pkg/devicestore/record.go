package devicestore

import (
	"net/netip"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/identity"
)

// Record is the merged view of one device: lease fields from the latest lease fetch,
// activity fields from the latest successful query log analysis.
type Record struct {
	Identity identity.DeviceIdentity `json:"identity"`
	IP       netip.Addr              `json:"ip"`
	MAC      string                  `json:"mac,omitempty"`
	Hostname string                  `json:"hostname,omitempty"`
	Scope    string                  `json:"scope,omitempty"`

	HasLease        bool      `json:"has_lease"`
	LeaseObtainedAt time.Time `json:"lease_obtained_at"`
	LeaseExpiresAt  time.Time `json:"lease_expires_at"`

	FirstSeenAt      time.Time `json:"first_seen_at"`
	LastSeenAt       time.Time `json:"last_seen_at"`
	MinutesSinceSeen int       `json:"minutes_since_seen"` // -1 when the device was never seen
	IsStale          bool      `json:"is_stale"`

	ActivityScore     float64            `json:"activity_score"`
	IsActivelyUsed    bool               `json:"is_actively_used"`
	ActivitySummary   string             `json:"activity_summary"`
	ScoreBreakdown    activity.Breakdown `json:"score_breakdown"`
	ActivityUpdatedAt time.Time          `json:"activity_updated_at"`
}

// NeverSeen is the MinutesSinceSeen value of a device without any seen timestamp.
const NeverSeen = -1

func (r *Record) setLease(mac, hostname, scope string, ip netip.Addr, obtained, expires time.Time) {
	r.HasLease = true
	r.IP = ip
	if mac != "" {
		r.MAC = mac
	}
	if hostname != "" {
		r.Hostname = hostname
	}
	r.Scope = scope
	r.LeaseObtainedAt = obtained
	r.LeaseExpiresAt = expires
}

func (r *Record) clearLease() {
	r.HasLease = false
	r.LeaseObtainedAt = time.Time{}
	r.LeaseExpiresAt = time.Time{}
}

func (r *Record) setActivity(res activity.Result, now time.Time) {
	r.ActivityScore = res.Score
	r.IsActivelyUsed = res.IsActivelyUsed
	r.ActivitySummary = res.Summary
	r.ScoreBreakdown = res.Breakdown
	r.ActivityUpdatedAt = now
}

// touch moves LastSeenAt forward to t; it never goes back in time.
func (r *Record) touch(t time.Time) {
	if t.After(r.LastSeenAt) {
		r.LastSeenAt = t
	}
}

func (r *Record) updateStaleness(now time.Time, threshold time.Duration) {
	if r.LastSeenAt.IsZero() {
		r.MinutesSinceSeen = NeverSeen
		r.IsStale = true
		return
	}
	elapsed := now.Sub(r.LastSeenAt)
	if elapsed < 0 {
		elapsed = 0
	}
	r.MinutesSinceSeen = int(elapsed / time.Minute)
	r.IsStale = r.MinutesSinceSeen > int(threshold/time.Minute)
}
