// Package ippool implements the IP include/exclude policy applied to DHCP leases.
//
// Filter entries can be single addresses, CIDR blocks or inclusive ranges, parsed by
// the netdata iprange package:
//
//	192.168.1.10
//	192.168.1.0/24
//	192.168.1.10-192.168.1.20
//	fd00::/120
package ippool

import (
	"errors"
	"fmt"
	"math/big"
	"net"
	"net/netip"
	"strings"

	"github.com/netdata/go.d.plugin/pkg/iprange"
)

// MaxFilterAddresses bounds the total number of addresses a filter may cover.
const MaxFilterAddresses = 10000

type FilterMode string

var ErrInvalidFilterMode = errors.New("invalid IP filter mode")

const (
	ModeDisabled FilterMode = "disabled"
	ModeInclude  FilterMode = "include"
	ModeExclude  FilterMode = "exclude"
)

func ParseFilterMode(s string) (FilterMode, error) {
	switch m := FilterMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return ModeDisabled, nil
	case ModeDisabled, ModeInclude, ModeExclude:
		return m, nil
	}
	return "", fmt.Errorf("%w %q: expected one of disabled, include, exclude", ErrInvalidFilterMode, s)
}

/* -------------------------------------------------------------------------- */
/*                                    Pool                                    */
/* -------------------------------------------------------------------------- */

// Pool is a validated list of IP ranges.
type Pool struct {
	ranges  iprange.Pool
	entries []string
	size    int64
}

// ParsePool parses the filter entries. Each item may itself hold several entries
// separated by ',' ';' or newlines. Invalid entries, and entries that would make the
// pool cover more than MaxFilterAddresses addresses, are dropped: one error per
// dropped entry is returned so the caller can log it.
func ParsePool(items []string) (Pool, []error) {
	var p Pool
	var errs []error

	limit := big.NewInt(MaxFilterAddresses)
	total := big.NewInt(0)

	for _, item := range items {
		for _, entry := range splitEntries(item) {
			r, err := iprange.ParseRange(entry)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid IP filter entry %q: %w", entry, err))
				continue
			}
			if r == nil {
				errs = append(errs, fmt.Errorf("invalid IP filter entry %q", entry))
				continue
			}

			next := new(big.Int).Add(total, r.Size())
			if next.Cmp(limit) > 0 {
				errs = append(errs, fmt.Errorf("IP filter entry %q dropped: the filter would cover %s addresses, the limit is %d",
					entry, next.String(), MaxFilterAddresses))
				continue
			}
			total = next

			p.ranges = append(p.ranges, r)
			p.entries = append(p.entries, entry)
		}
	}
	p.size = total.Int64()
	return p, errs
}

func splitEntries(item string) []string {
	fields := strings.FieldsFunc(item, func(r rune) bool {
		return r == ',' || r == ';' || r == '\n' || r == '\r'
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Contains checks if the IP address is within any range of the pool.
func (p Pool) Contains(ip netip.Addr) bool {
	if !ip.IsValid() {
		return false
	}
	return p.ranges.Contains(net.IP(ip.Unmap().AsSlice()))
}

// Entries returns the normalized entries that survived validation.
func (p Pool) Entries() []string {
	return append([]string(nil), p.entries...)
}

// Size returns the number of addresses covered by the pool.
func (p Pool) Size() int64 {
	return p.size
}

func (p Pool) String() string {
	return strings.Join(p.entries, ",")
}

/* -------------------------------------------------------------------------- */
/*                                   Filter                                   */
/* -------------------------------------------------------------------------- */

// Filter is the include/exclude policy of one monitoring entry.
// The zero value is a disabled filter that lets everything through.
type Filter struct {
	Mode FilterMode
	Pool Pool
}

// NewFilter parses mode and entries; see ParsePool for the entry errors.
func NewFilter(mode string, entries []string) (Filter, []error) {
	m, err := ParseFilterMode(mode)
	if err != nil {
		return Filter{Mode: ModeDisabled}, []error{err}
	}
	p, errs := ParsePool(entries)
	return Filter{Mode: m, Pool: p}, errs
}

// Allows reports whether a device with the given IP passes the filter.
// An invalid address never matches any entry.
func (f Filter) Allows(ip netip.Addr) bool {
	switch f.Mode {
	case ModeInclude:
		return f.Pool.Contains(ip)
	case ModeExclude:
		return !f.Pool.Contains(ip)
	}
	return true
}

// Equal reports whether two filters select the same addresses.
func (f Filter) Equal(other Filter) bool {
	return f.normalizedMode() == other.normalizedMode() && f.Pool.String() == other.Pool.String()
}

func (f Filter) normalizedMode() FilterMode {
	if f.Mode == "" {
		return ModeDisabled
	}
	return f.Mode
}

func (f Filter) String() string {
	if f.normalizedMode() == ModeDisabled {
		return string(ModeDisabled)
	}
	return fmt.Sprintf("%s[%s]", f.Mode, f.Pool.String())
}
