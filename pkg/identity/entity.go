package identity

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/netip"
	"regexp"
	"sort"
	"strings"
)

// EntityKind identifies one of the monitoring entities exposed per device.
type EntityKind string

const (
	// KindTracker is the presence tracker: its entity ID carries no suffix.
	KindTracker          EntityKind = "tracker"
	KindIPAddress        EntityKind = "ip_address"
	KindMACAddress       EntityKind = "mac_address"
	KindHostname         EntityKind = "hostname"
	KindLeaseObtained    EntityKind = "lease_obtained"
	KindLeaseExpires     EntityKind = "lease_expires"
	KindLastSeen         EntityKind = "last_seen"
	KindMinutesSinceSeen EntityKind = "minutes_since_seen"
	KindIsStale          EntityKind = "is_stale"
	KindActivityScore    EntityKind = "activity_score"
	KindIsActivelyUsed   EntityKind = "is_actively_used"
	KindActivitySummary  EntityKind = "activity_summary"
)

// SensorKinds lists every kind that is encoded as a suffix of the entity ID.
var SensorKinds = []EntityKind{
	KindIPAddress,
	KindMACAddress,
	KindHostname,
	KindLeaseObtained,
	KindLeaseExpires,
	KindLastSeen,
	KindMinutesSinceSeen,
	KindIsStale,
	KindActivityScore,
	KindIsActivelyUsed,
	KindActivitySummary,
}

// suffixes sorted longest first so that parsing never stops at a shorter match
var suffixes = func() []EntityKind {
	s := append([]EntityKind(nil), SensorKinds...)
	sort.Slice(s, func(i, j int) bool { return len(s[i]) > len(s[j]) })
	return s
}()

// ErrForeignEntity is returned by ParseEntityID for IDs outside the namespace.
var ErrForeignEntity = errors.New("entity does not belong to this namespace")

var entryIDRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// Namespace is the identifier scheme of the entities owned by one monitoring entry:
//
//	<integration>_<entry>_dhcp_<device key>[_<kind>]
//
// The device key is the lower case MAC without separators, "ip_" followed by the
// IPv4 address with dots replaced by underscores, or "ip6_" followed by the 32 hex
// digits of an IPv6 address.
type Namespace struct {
	Integration string
	Entry       string
}

const DefaultIntegration = "technitiumdns"

// NewNamespace validates the entry ID; only lower case letters, digits and dashes are
// allowed so that the prefix of one entry can never be the prefix of another one.
func NewNamespace(entry string) (Namespace, error) {
	if !entryIDRegex.MatchString(entry) {
		return Namespace{}, fmt.Errorf("invalid entry ID %q: only lower case letters, digits and '-' are allowed", entry)
	}
	return Namespace{Integration: DefaultIntegration, Entry: entry}, nil
}

// Prefix returns the string every entity ID of this namespace starts with.
func (n Namespace) Prefix() string {
	return n.Integration + "_" + n.Entry + "_dhcp_"
}

// Owns reports whether the entity ID is a candidate of this namespace at all.
func (n Namespace) Owns(entityID string) bool {
	return strings.HasPrefix(entityID, n.Prefix())
}

// DeviceKey encodes the identity as the device portion of an entity ID.
func DeviceKey(id DeviceIdentity) (string, error) {
	if hw, ok := id.MAC(); ok {
		return hex.EncodeToString(hw), nil
	}
	ip, ok := id.IP()
	if !ok {
		return "", ambiguous(string(id), "identity is neither a MAC nor an IP address")
	}
	if ip.Is4() {
		return "ip_" + strings.ReplaceAll(ip.String(), ".", "_"), nil
	}
	b := ip.As16()
	return "ip6_" + hex.EncodeToString(b[:]), nil
}

// EntityID builds the entity ID for the given device and kind.
func (n Namespace) EntityID(id DeviceIdentity, kind EntityKind) (string, error) {
	key, err := DeviceKey(id)
	if err != nil {
		return "", err
	}
	if kind == KindTracker || kind == "" {
		return n.Prefix() + key, nil
	}
	if !isSensorKind(kind) {
		return "", fmt.Errorf("unknown entity kind %q", kind)
	}
	return n.Prefix() + key + "_" + string(kind), nil
}

func isSensorKind(kind EntityKind) bool {
	for _, k := range SensorKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// ParseEntityID extracts the device identity and entity kind from an entity ID.
// IDs without the namespace prefix return ErrForeignEntity; IDs with the prefix
// whose device portion cannot be decoded return ErrAmbiguous.
func (n Namespace) ParseEntityID(entityID string) (DeviceIdentity, EntityKind, error) {
	if !n.Owns(entityID) {
		return "", "", ErrForeignEntity
	}
	rest := strings.TrimPrefix(entityID, n.Prefix())

	kind := KindTracker
	for _, k := range suffixes {
		if s := "_" + string(k); strings.HasSuffix(rest, s) {
			kind = k
			rest = strings.TrimSuffix(rest, s)
			break
		}
	}

	id, err := parseDeviceKey(rest)
	if err != nil {
		return "", "", &AmbiguityError{Input: entityID, Reason: err.Error()}
	}
	return id, kind, nil
}

func parseDeviceKey(key string) (DeviceIdentity, error) {
	switch {
	case strings.HasPrefix(key, "ip6_"):
		digits := strings.TrimPrefix(key, "ip6_")
		if len(digits) != 32 {
			return "", fmt.Errorf("IPv6 key must have 32 hex digits")
		}
		raw, err := hex.DecodeString(digits)
		if err != nil {
			return "", fmt.Errorf("IPv6 key: %w", err)
		}
		return FromIP(netip.AddrFrom16([16]byte(raw))), nil

	case strings.HasPrefix(key, "ip_"):
		dotted := strings.ReplaceAll(strings.TrimPrefix(key, "ip_"), "_", ".")
		ip, err := netip.ParseAddr(dotted)
		if err != nil || !ip.Is4() {
			return "", fmt.Errorf("invalid IPv4 key %q", key)
		}
		return FromIP(ip), nil

	case len(key) == 12 && strings.ToLower(key) == key:
		return FromMAC(key)
	}
	return "", fmt.Errorf("unrecognized device key %q", key)
}
