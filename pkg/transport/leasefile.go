package transport

import (
	"context"
	"fmt"
	"os"
	"time"

	"dhcp-activity-backend/pkg/logger"

	"github.com/b0ch3nski/go-dnsmasq-utils/dnsmasq"
)

// LeaseFileSource reads the leases of a local dnsmasq instance.
// dnsmasq leases with an infinite lifetime (expiry 0) are static host assignments
// and are reported with type "Reserved".
type LeaseFileSource struct {
	path   string
	scope  string
	logger *logger.CustomLogger
}

func NewLeaseFileSource(path string, l *logger.CustomLogger) *LeaseFileSource {
	return &LeaseFileSource{path: path, scope: "dnsmasq", logger: l}
}

// GetLeases reads the whole lease file: a missing file is an empty lease list, since
// dnsmasq creates it only after the first lease.
func (s *LeaseFileSource) GetLeases(ctx context.Context) ([]RawLease, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientFetchError{Op: "read lease file", Err: err}
	}

	leaseFile, errOpen := os.Open(s.path)
	if errOpen != nil {
		if os.IsNotExist(errOpen) {
			s.logger.Warnf("dnsmasq lease file '%s' does not exist yet", s.path)
			return []RawLease{}, nil
		}
		return nil, &TransientFetchError{Op: "read lease file", Err: errOpen}
	}
	defer func() {
		_ = leaseFile.Close()
	}()

	leases, errRead := dnsmasq.ReadLeases(leaseFile)
	if errRead != nil {
		return nil, &MalformedDataError{Field: "lease file", Value: s.path, Reason: errRead.Error()}
	}

	out := make([]RawLease, 0, len(leases))
	for _, l := range leases {
		out = append(out, fromDnsmasqLease(l, s.scope))
	}
	return out, nil
}

// GetQueryLogs always fails: dnsmasq has no query log API.
func (s *LeaseFileSource) GetQueryLogs(ctx context.Context, start, end time.Time) ([]RawQueryLogEntry, error) {
	return nil, fmt.Errorf("%w: dnsmasq lease file source has no query log", ErrLogsUnavailable)
}

func fromDnsmasqLease(l *dnsmasq.Lease, scope string) RawLease {
	raw := RawLease{
		Scope:    scope,
		Type:     "Dynamic",
		Address:  l.IPAddr.String(),
		HostName: l.Hostname,
	}
	if !l.IPAddr.IsValid() {
		raw.Address = ""
	}
	if l.MacAddr != nil {
		raw.HardwareAddress = l.MacAddr.String()
	}
	if expires := l.Expires.Unix(); expires <= 0 {
		raw.Type = "Reserved"
	} else {
		raw.LeaseExpires = FormatTimestamp(time.Unix(expires, 0))
	}
	return raw
}
