/*
Package transport contains the collaborators that fetch DHCP leases and DNS query
logs from the upstream DNS/DHCP server.

Two sources are available:
  - TechnitiumClient talks to the Technitium DNS HTTP API; query logs are read through
    the first installed DNS app that declares itself a query logger;
  - LeaseFileSource reads a dnsmasq lease file; dnsmasq has no query log API so
    GetQueryLogs always returns ErrLogsUnavailable.

Both return the records in the upstream shape: normalization happens in the
leases and querylog packages.
*/
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// Source is the DNS/DHCP transport collaborator used by a monitoring entry.
type Source interface {
	GetLeases(ctx context.Context) ([]RawLease, error)
	GetQueryLogs(ctx context.Context, start, end time.Time) ([]RawQueryLogEntry, error)
}

// RawLease is a DHCP lease as reported by the server.
type RawLease struct {
	Scope            string `json:"scope"`
	Type             string `json:"type"`
	Status           string `json:"status,omitempty"`
	HardwareAddress  string `json:"hardwareAddress"`
	ClientIdentifier string `json:"clientIdentifier"`
	Address          string `json:"address"`
	HostName         string `json:"hostName"`
	LeaseObtained    string `json:"leaseObtained"`
	LeaseExpires     string `json:"leaseExpires"`
}

// RawQueryLogEntry is one DNS query as reported by the query logging app.
type RawQueryLogEntry struct {
	Timestamp       string
	ClientIPAddress string
	ClientMAC       string
	Protocol        string
	QName           string
	QType           string
}

// UnmarshalJSON accepts both the flat layout of the "Query Logs" apps:
//
//	{"timestamp": "...", "clientIpAddress": "...", "protocol": "Udp", "qname": "...", "qtype": "A"}
//
// and the nested layout where the question is an object:
//
//	{"timestamp": "...", "clientIpAddress": "...", "protocol": "Udp", "question": {"name": "...", "type": "A"}}
func (e *RawQueryLogEntry) UnmarshalJSON(data []byte) error {
	var raw struct {
		Timestamp       string          `json:"timestamp"`
		ClientIPAddress string          `json:"clientIpAddress"`
		ClientMAC       string          `json:"clientMacAddress"`
		Protocol        string          `json:"protocol"`
		QName           string          `json:"qname"`
		QType           json.RawMessage `json:"qtype"`
		Question        *struct {
			Name string          `json:"name"`
			Type json.RawMessage `json:"type"`
		} `json:"question"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	e.Timestamp = raw.Timestamp
	e.ClientIPAddress = raw.ClientIPAddress
	e.ClientMAC = raw.ClientMAC
	e.Protocol = raw.Protocol
	e.QName = raw.QName
	e.QType = decodeQType(raw.QType)
	if raw.Question != nil {
		if e.QName == "" {
			e.QName = raw.Question.Name
		}
		if e.QType == "" {
			e.QType = decodeQType(raw.Question.Type)
		}
	}
	return nil
}

// decodeQType handles query types encoded either as a string ("AAAA") or as
// the numeric RR type (28).
func decodeQType(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n uint16
	if err := json.Unmarshal(raw, &n); err == nil {
		if name, ok := dns.TypeToString[n]; ok {
			return name
		}
		return fmt.Sprintf("TYPE%d", n)
	}
	return strings.Trim(string(raw), `"`)
}

// timestampLayouts lists the formats the DNS servers are known to use.
// Layouts without a zone are interpreted in the location given to ParseTimestamp.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.9999999",
	"2006-01-02 15:04:05",
	"01/02/2006 15:04:05",
}

// ParseTimestamp parses a timestamp reported by the DNS server and converts it
// to the given location. An empty string yields the zero time and no error.
func ParseTimestamp(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	if loc == nil {
		loc = time.Local
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t.In(loc), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp format %q", s)
}

// FormatTimestamp renders t in the format accepted by ParseTimestamp.
func FormatTimestamp(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339Nano)
}
