package querylog

import (
	"net/netip"
	"time"

	"dhcp-activity-backend/pkg/identity"
)

const (
	DefaultWindow = 30 * time.Minute
	MinWindow     = 15 * time.Minute
	MaxWindow     = 240 * time.Minute
)

// Window is the trailing analysis window [Start, End].
type Window struct {
	Start time.Time
	End   time.Time
}

// NewWindow returns the window of the given length ending at end.
func NewWindow(end time.Time, length time.Duration) Window {
	return Window{Start: end.Add(-length), End: end}
}

func (w Window) Length() time.Duration {
	return w.End.Sub(w.Start)
}

func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// Grouping holds the normalized entries of one poll cycle, indexed by client.
// An entry carrying a MAC is indexed both by MAC and by IP.
type Grouping struct {
	byMAC       map[identity.DeviceIdentity][]Entry
	byIP        map[netip.Addr][]Entry
	unavailable bool

	Total       int // entries kept
	OutOfWindow int
	Malformed   int
}

// Unavailable returns the empty grouping used when the query log could not be
// fetched: consumers keep their previous activity data.
func Unavailable() Grouping {
	return Grouping{unavailable: true}
}

// Available reports whether the query log was fetched this cycle.
func (g Grouping) Available() bool {
	return !g.unavailable
}

// Lookup returns the entries of a device sorted by timestamp: the entries logged with
// the device MAC when there are some, otherwise those logged with its IP.
// The returned slice must not be modified.
func (g Grouping) Lookup(mac identity.DeviceIdentity, ip netip.Addr) []Entry {
	if mac != "" {
		if entries, ok := g.byMAC[mac]; ok {
			return entries
		}
	}
	if ip.IsValid() {
		return g.byIP[ip.Unmap()]
	}
	return nil
}

// ClientIPs returns the number of distinct client IPs seen in the window.
func (g Grouping) ClientIPs() int {
	return len(g.byIP)
}
