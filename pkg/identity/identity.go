/*
Package identity implements the canonical key used for a tracked device across
all the other packages.

A DeviceIdentity is the device MAC address in uppercase, colon-separated form
(e.g. AA:BB:CC:DD:EE:FF). When the upstream server does not report a MAC, the
identity falls back to the IP address string.

Only an explicit set of MAC formats is accepted:

	AA:BB:CC:DD:EE:FF   colon separated
	AA-BB-CC-DD-EE-FF   dash separated
	AABBCCDDEEFF        no separator
	AABB.CCDD.EEFF      dotted (Cisco style)

in any letter case. Anything else is reported as ErrAmbiguous: no guessing.
*/
package identity

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// DeviceIdentity is the canonical device key.
type DeviceIdentity string

// ErrAmbiguous is returned whenever a device or entity identifier cannot be
// canonicalized unambiguously.
var ErrAmbiguous = errors.New("ambiguous device identity")

// AmbiguityError describes which input could not be canonicalized and why.
type AmbiguityError struct {
	Input  string
	Reason string
}

func (e *AmbiguityError) Error() string {
	return fmt.Sprintf("%s: %q (%s)", ErrAmbiguous.Error(), e.Input, e.Reason)
}

func (e *AmbiguityError) Unwrap() error {
	return ErrAmbiguous
}

func ambiguous(input, reason string) error {
	return &AmbiguityError{Input: input, Reason: reason}
}

// CanonicalMAC returns the uppercase colon-separated form of a 48-bit MAC address.
// The function is idempotent: CanonicalMAC(CanonicalMAC(x)) == CanonicalMAC(x).
func CanonicalMAC(s string) (string, error) {
	in := strings.ToUpper(strings.TrimSpace(s))

	var digits string
	switch len(in) {
	case 12:
		digits = in
	case 14:
		// AABB.CCDD.EEFF
		if in[4] != '.' || in[9] != '.' {
			return "", ambiguous(s, "unknown separator layout")
		}
		digits = in[0:4] + in[5:9] + in[10:14]
	case 17:
		sep := in[2]
		if sep != ':' && sep != '-' {
			return "", ambiguous(s, "unknown separator")
		}
		var b strings.Builder
		for i := 0; i < 17; i++ {
			if i%3 == 2 {
				if in[i] != sep {
					return "", ambiguous(s, "mixed or misplaced separators")
				}
				continue
			}
			b.WriteByte(in[i])
		}
		digits = b.String()
	default:
		return "", ambiguous(s, fmt.Sprintf("unexpected length %d", len(in)))
	}

	if len(digits) != 12 || !isHex(digits) {
		return "", ambiguous(s, "non hexadecimal digits")
	}

	var out strings.Builder
	out.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			out.WriteByte(':')
		}
		out.WriteString(digits[i : i+2])
	}
	return out.String(), nil
}

func isHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}

// FromMAC returns the identity for a MAC address in any accepted format.
func FromMAC(mac string) (DeviceIdentity, error) {
	c, err := CanonicalMAC(mac)
	if err != nil {
		return "", err
	}
	return DeviceIdentity(c), nil
}

// FromIP returns the IP-based fallback identity.
func FromIP(ip netip.Addr) DeviceIdentity {
	return DeviceIdentity(ip.Unmap().String())
}

// New picks the MAC identity when possible and falls back to the IP address.
// The returned error is non-nil when the MAC is set but malformed, even if the IP fallback
// was used: callers log it as a data problem.
func New(mac string, ip netip.Addr) (DeviceIdentity, error) {
	var macErr error
	if strings.TrimSpace(mac) != "" {
		id, err := FromMAC(mac)
		if err == nil {
			return id, nil
		}
		macErr = err
	}
	if ip.IsValid() {
		return FromIP(ip), macErr
	}
	if macErr != nil {
		return "", macErr
	}
	return "", ambiguous("", "neither MAC nor IP address available")
}

// Parse validates an identity string read back from storage or from the wire.
func Parse(s string) (DeviceIdentity, error) {
	if id, err := FromMAC(s); err == nil {
		return id, nil
	}
	if ip, err := netip.ParseAddr(strings.TrimSpace(s)); err == nil {
		return FromIP(ip), nil
	}
	return "", ambiguous(s, "neither a MAC nor an IP address")
}

func (d DeviceIdentity) String() string {
	return string(d)
}

// IsMAC reports whether the identity is MAC based.
func (d DeviceIdentity) IsMAC() bool {
	_, ok := d.MAC()
	return ok
}

// MAC returns the hardware address for MAC based identities.
func (d DeviceIdentity) MAC() (net.HardwareAddr, bool) {
	if len(d) != 17 {
		return nil, false
	}
	hw, err := net.ParseMAC(string(d))
	if err != nil {
		return nil, false
	}
	return hw, true
}

// IP returns the address for IP based identities.
func (d DeviceIdentity) IP() (netip.Addr, bool) {
	if d.IsMAC() {
		return netip.Addr{}, false
	}
	ip, err := netip.ParseAddr(string(d))
	if err != nil {
		return netip.Addr{}, false
	}
	return ip, true
}
