// Package querylog turns the raw DNS query log entries of the upstream server into a
// uniform shape, restricted to a trailing analysis window and grouped by client.
package querylog

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
	"time"

	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/transport"

	"github.com/miekg/dns"
)

type Protocol string

const (
	ProtocolUDP   Protocol = "UDP"
	ProtocolTCP   Protocol = "TCP"
	ProtocolHTTP  Protocol = "HTTP"
	ProtocolHTTPS Protocol = "HTTPS"
	ProtocolOther Protocol = "OTHER"
)

type QueryType string

const (
	TypeA     QueryType = "A"
	TypeAAAA  QueryType = "AAAA"
	TypeTXT   QueryType = "TXT"
	TypeSRV   QueryType = "SRV"
	TypePTR   QueryType = "PTR"
	TypeSOA   QueryType = "SOA"
	TypeOther QueryType = "OTHER"
)

// Entry is a normalized DNS query.
type Entry struct {
	Timestamp      time.Time // in the poller's location
	ClientIdentity identity.DeviceIdentity
	ClientIP       netip.Addr
	Domain         string // lower case, no trailing dot
	Protocol       Protocol
	QueryType      QueryType
}

// maxWarnings bounds the number of per-entry warnings logged by one Normalize call.
const maxWarnings = 10

// Normalize converts the entries to loc, drops those outside the window and
// groups the remaining ones by client.
func Normalize(raw []transport.RawQueryLogEntry, w Window, loc *time.Location, log *logger.CustomLogger) Grouping {
	if loc == nil {
		loc = time.Local
	}
	g := Grouping{
		byMAC: make(map[identity.DeviceIdentity][]Entry),
		byIP:  make(map[netip.Addr][]Entry),
	}

	warnings := 0
	for i, r := range raw {
		e, err := normalizeEntry(r, loc)
		if err != nil {
			g.Malformed++
			if warnings < maxWarnings {
				log.Warnf("skipping DNS log entry #%d: %s", i, err.Error())
			}
			warnings++
			continue
		}
		if !w.Contains(e.Timestamp) {
			g.OutOfWindow++
			continue
		}

		g.Total++
		if id := e.ClientIdentity; id.IsMAC() {
			g.byMAC[id] = append(g.byMAC[id], e)
		}
		if e.ClientIP.IsValid() {
			g.byIP[e.ClientIP] = append(g.byIP[e.ClientIP], e)
		}
	}
	if warnings > maxWarnings {
		log.Warnf("%d more malformed DNS log entries were skipped", warnings-maxWarnings)
	}

	for _, entries := range g.byMAC {
		sortByTime(entries)
	}
	for _, entries := range g.byIP {
		sortByTime(entries)
	}
	return g
}

func sortByTime(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
}

func normalizeEntry(r transport.RawQueryLogEntry, loc *time.Location) (Entry, error) {
	ts, err := transport.ParseTimestamp(r.Timestamp, loc)
	if err != nil {
		return Entry{}, &transport.MalformedDataError{Field: "timestamp", Value: r.Timestamp, Reason: err.Error()}
	}
	if ts.IsZero() {
		return Entry{}, &transport.MalformedDataError{Field: "timestamp", Reason: "missing"}
	}

	domain, err := NormalizeDomain(r.QName)
	if err != nil {
		return Entry{}, &transport.MalformedDataError{Field: "qname", Value: r.QName, Reason: err.Error()}
	}

	var ip netip.Addr
	if s := strings.TrimSpace(r.ClientIPAddress); s != "" {
		ip, err = netip.ParseAddr(s)
		if err != nil {
			return Entry{}, &transport.MalformedDataError{Field: "clientIpAddress", Value: s, Reason: err.Error()}
		}
		ip = ip.Unmap()
	}

	id, err := identity.New(r.ClientMAC, ip)
	if id == "" {
		return Entry{}, &transport.MalformedDataError{Field: "client", Value: r.ClientMAC, Reason: err.Error()}
	}

	return Entry{
		Timestamp:      ts,
		ClientIdentity: id,
		ClientIP:       ip,
		Domain:         domain,
		Protocol:       ParseProtocol(r.Protocol),
		QueryType:      ParseQueryType(r.QType),
	}, nil
}

// NormalizeDomain returns the lower case domain without the trailing dot.
func NormalizeDomain(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name == "." {
		return "", fmt.Errorf("empty domain name")
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return "", fmt.Errorf("invalid domain name")
	}
	return strings.TrimSuffix(dns.CanonicalName(name), "."), nil
}

// ParseProtocol maps the transport protocol reported by the server; encrypted DNS
// variants are folded into the transport they ride on.
func ParseProtocol(s string) Protocol {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "udp", "quic", "doq":
		return ProtocolUDP
	case "tcp", "tls", "dot":
		return ProtocolTCP
	case "http":
		return ProtocolHTTP
	case "https", "doh", "http3", "https3":
		return ProtocolHTTPS
	}
	return ProtocolOther
}

// ParseQueryType keeps the record types relevant to activity scoring; anything else,
// including unknown type names, is TypeOther.
func ParseQueryType(s string) QueryType {
	t, ok := dns.StringToType[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return TypeOther
	}
	switch t {
	case dns.TypeA:
		return TypeA
	case dns.TypeAAAA:
		return TypeAAAA
	case dns.TypeTXT:
		return TypeTXT
	case dns.TypeSRV:
		return TypeSRV
	case dns.TypePTR:
		return TypePTR
	case dns.TypeSOA:
		return TypeSOA
	}
	return TypeOther
}
