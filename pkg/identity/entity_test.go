package identity

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNamespace(t *testing.T) {
	ns, err := NewNamespace("home")
	require.NoError(t, err)
	assert.Equal(t, "technitiumdns_home_dhcp_", ns.Prefix())

	for _, bad := range []string{"", "Home", "home_dhcp", "-home", "home lan"} {
		_, err := NewNamespace(bad)
		assert.Error(t, err, "entry ID %q must be rejected", bad)
	}
}

func TestEntityIDRoundTrip(t *testing.T) {
	ns, err := NewNamespace("home")
	require.NoError(t, err)

	tests := []struct {
		name   string
		id     DeviceIdentity
		kind   EntityKind
		wantID string
	}{
		{"mac tracker", "AA:BB:CC:DD:EE:FF", KindTracker, "technitiumdns_home_dhcp_aabbccddeeff"},
		{"mac sensor", "AA:BB:CC:DD:EE:FF", KindMinutesSinceSeen, "technitiumdns_home_dhcp_aabbccddeeff_minutes_since_seen"},
		{"mac last seen", "AA:BB:CC:DD:EE:FF", KindLastSeen, "technitiumdns_home_dhcp_aabbccddeeff_last_seen"},
		{"ipv4 tracker", "192.168.1.10", KindTracker, "technitiumdns_home_dhcp_ip_192_168_1_10"},
		{"ipv4 sensor", "192.168.1.10", KindIsStale, "technitiumdns_home_dhcp_ip_192_168_1_10_is_stale"},
		{"ipv6 sensor", "fd00::1", KindActivityScore, "technitiumdns_home_dhcp_ip6_fd000000000000000000000000000001_activity_score"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entityID, err := ns.EntityID(tt.id, tt.kind)
			require.NoError(t, err)
			assert.Equal(t, tt.wantID, entityID)

			id, kind, err := ns.ParseEntityID(entityID)
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.kind, kind)
		})
	}
}

func TestParseEntityID_ForeignAndAmbiguous(t *testing.T) {
	ns, err := NewNamespace("home")
	require.NoError(t, err)

	_, _, err = ns.ParseEntityID("technitiumdns_office_dhcp_aabbccddeeff")
	assert.ErrorIs(t, err, ErrForeignEntity)

	_, _, err = ns.ParseEntityID("sensor.kitchen_temperature")
	assert.ErrorIs(t, err, ErrForeignEntity)

	for _, bad := range []string{
		"technitiumdns_home_dhcp_",
		"technitiumdns_home_dhcp_printer",
		"technitiumdns_home_dhcp_AABBCCDDEEFF",
		"technitiumdns_home_dhcp_aabbccddeef",
		"technitiumdns_home_dhcp_ip_192_168_1",
		"technitiumdns_home_dhcp_ip6_fd00",
		"technitiumdns_home_dhcp_aabbccddeeff_unknown_sensor",
	} {
		_, _, err := ns.ParseEntityID(bad)
		assert.ErrorIs(t, err, ErrAmbiguous, bad)
	}
}

func TestEntityID_UnknownKind(t *testing.T) {
	ns, err := NewNamespace("home")
	require.NoError(t, err)
	_, err = ns.EntityID("AA:BB:CC:DD:EE:FF", EntityKind("battery"))
	assert.Error(t, err)
}
