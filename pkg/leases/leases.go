// Package leases turns the raw DHCP leases of the upstream server into canonical
// device skeletons, applying the IP include/exclude policy of the monitoring entry.
package leases

import (
	"net/netip"
	"strconv"
	"strings"
	"time"

	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/ippool"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/transport"
)

// Record holds the lease fields of one device; it's superseded by every poll.
type Record struct {
	Identity   identity.DeviceIdentity
	IP         netip.Addr
	MAC        string // canonical form, empty when the lease carries no usable MAC
	Hostname   string
	ClientID   string
	Scope      string
	ObtainedAt time.Time
	ExpiresAt  time.Time
}

// Result is the output of Normalize.
type Result struct {
	Records  map[identity.DeviceIdentity]Record
	Filtered int // leases rejected by the IP filter
	Skipped  int // leases not eligible (type, status) or unusable (no MAC nor IP)
}

// Identities returns the keys of Records.
func (r Result) Identities() []identity.DeviceIdentity {
	out := make([]identity.DeviceIdentity, 0, len(r.Records))
	for id := range r.Records {
		out = append(out, id)
	}
	return out
}

// Normalize keeps only the dynamic leases that are active/in-use and pass the filter.
// Timestamps are converted to loc. When two leases map to the same identity the one
// expiring later wins.
func Normalize(raw []transport.RawLease, filter ippool.Filter, loc *time.Location, log *logger.CustomLogger) Result {
	res := Result{Records: make(map[identity.DeviceIdentity]Record, len(raw))}

	for i, l := range raw {
		if !isDynamic(l.Type) || !isActive(l.Status) {
			log.Debugf("skipping lease #%d for %s: type=%q status=%q", i, l.Address, l.Type, l.Status)
			res.Skipped++
			continue
		}

		var ip netip.Addr
		if addr := strings.TrimSpace(l.Address); addr != "" {
			parsed, err := netip.ParseAddr(addr)
			if err != nil {
				log.Warn((&transport.MalformedDataError{Record: leaseName(i), Field: "address", Value: addr, Reason: err.Error()}).Error())
			} else {
				ip = parsed.Unmap()
			}
		}

		mac := strings.TrimSpace(l.HardwareAddress)
		if mac == "" && !ip.IsValid() {
			log.Warnf("dropping lease #%d: it has neither a MAC nor an IP address", i)
			res.Skipped++
			continue
		}

		id, err := identity.New(mac, ip)
		if id == "" {
			log.Warnf("dropping lease #%d: %s", i, err.Error())
			res.Skipped++
			continue
		}
		canonicalMAC := ""
		if err != nil {
			log.Warn((&transport.MalformedDataError{Record: leaseName(i), Field: "hardwareAddress", Value: mac,
				Reason: "not a MAC address, falling back to the IP address identity"}).Error())
		} else if id.IsMAC() {
			canonicalMAC = id.String()
		}

		if !filter.Allows(ip) {
			log.Debugf("filtering out lease #%d for %s (%s)", i, ip, filter.String())
			res.Filtered++
			continue
		}

		rec := Record{
			Identity:   id,
			IP:         ip,
			MAC:        canonicalMAC,
			Hostname:   cleanHostname(l.HostName),
			ClientID:   l.ClientIdentifier,
			Scope:      l.Scope,
			ObtainedAt: parseLeaseTime(i, "leaseObtained", l.LeaseObtained, loc, log),
			ExpiresAt:  parseLeaseTime(i, "leaseExpires", l.LeaseExpires, loc, log),
		}

		if prev, exists := res.Records[id]; exists {
			log.Debugf("duplicate lease for %s: keeping the one expiring later", id)
			if !rec.ExpiresAt.After(prev.ExpiresAt) {
				continue
			}
		}
		res.Records[id] = rec
	}

	return res
}

// isDynamic accepts "Dynamic" in any case; an empty type is treated as dynamic
// since some server versions leave it unset.
func isDynamic(t string) bool {
	t = strings.TrimSpace(t)
	return t == "" || strings.EqualFold(t, "dynamic")
}

// isActive accepts an empty status: the lease list contains only live leases.
func isActive(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "active", "in-use", "inuse", "in_use":
		return true
	}
	return false
}

func cleanHostname(h string) string {
	h = strings.TrimSuffix(strings.TrimSpace(h), ".")
	if h == "*" {
		// dnsmasq placeholder for "no hostname"
		return ""
	}
	return h
}

func parseLeaseTime(i int, field, value string, loc *time.Location, log *logger.CustomLogger) time.Time {
	t, err := transport.ParseTimestamp(value, loc)
	if err != nil {
		log.Warn((&transport.MalformedDataError{Record: leaseName(i), Field: field, Value: value, Reason: err.Error()}).Error())
		return time.Time{}
	}
	return t
}

func leaseName(i int) string {
	return "lease #" + strconv.Itoa(i)
}
