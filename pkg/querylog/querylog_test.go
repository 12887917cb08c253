package querylog

import (
	"net/netip"
	"testing"
	"time"

	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/transport"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	loc := time.FixedZone("CET", 3600)
	// 10:30 UTC == 11:30 CET
	end := time.Date(2025, 1, 2, 11, 30, 0, 0, loc)
	w := NewWindow(end, DefaultWindow)

	raw := []transport.RawQueryLogEntry{
		// inside the window, upstream reports UTC
		{Timestamp: "2025-01-02T10:20:00Z", ClientIPAddress: "192.168.1.10", Protocol: "Https", QName: "Example.ORG.", QType: "A"},
		// inside the window, upstream reports a different offset: 12:10+02:00 == 10:10Z
		{Timestamp: "2025-01-02T12:10:00+02:00", ClientIPAddress: "192.168.1.10", Protocol: "Udp", QName: "time.apple.com", QType: "AAAA"},
		// logged with a MAC
		{Timestamp: "2025-01-02T10:25:00Z", ClientIPAddress: "192.168.1.11", ClientMAC: "aa-bb-cc-dd-ee-ff", Protocol: "Tls", QName: "a.example", QType: "HTTPS"},
		// before the window
		{Timestamp: "2025-01-02T09:59:59Z", ClientIPAddress: "192.168.1.10", Protocol: "Udp", QName: "old.example", QType: "A"},
		// malformed ones
		{Timestamp: "garbage", ClientIPAddress: "192.168.1.10", QName: "x.example"},
		{Timestamp: "2025-01-02T10:21:00Z", ClientIPAddress: "not-an-ip", QName: "x.example"},
		{Timestamp: "2025-01-02T10:21:00Z", ClientIPAddress: "192.168.1.10", QName: ""},
		{Timestamp: "2025-01-02T10:21:00Z", QName: "x.example"},
	}

	g := Normalize(raw, w, loc, logger.NewDiscardLogger())
	require.True(t, g.Available())
	assert.Equal(t, 3, g.Total)
	assert.Equal(t, 1, g.OutOfWindow)
	assert.Equal(t, 4, g.Malformed)
	assert.Equal(t, 2, g.ClientIPs())

	got := g.Lookup("", netip.MustParseAddr("192.168.1.10"))
	expected := []Entry{
		{
			Timestamp:      time.Date(2025, 1, 2, 11, 10, 0, 0, loc),
			ClientIdentity: "192.168.1.10",
			ClientIP:       netip.MustParseAddr("192.168.1.10"),
			Domain:         "time.apple.com",
			Protocol:       ProtocolUDP,
			QueryType:      TypeAAAA,
		},
		{
			Timestamp:      time.Date(2025, 1, 2, 11, 20, 0, 0, loc),
			ClientIdentity: "192.168.1.10",
			ClientIP:       netip.MustParseAddr("192.168.1.10"),
			Domain:         "example.org",
			Protocol:       ProtocolHTTPS,
			QueryType:      TypeA,
		},
	}
	if diff := cmp.Diff(expected, got, cmpopts.EquateComparable(netip.Addr{})); diff != "" {
		t.Errorf("Lookup() mismatch (-want +got):\n%s", diff)
	}
	for _, e := range got {
		assert.Equal(t, loc, e.Timestamp.Location(), "timestamps must be in the poller location")
	}

	// MAC first, then IP fallback
	byMAC := g.Lookup("AA:BB:CC:DD:EE:FF", netip.MustParseAddr("192.168.1.99"))
	require.Len(t, byMAC, 1)
	assert.Equal(t, ProtocolTCP, byMAC[0].Protocol)
	assert.Equal(t, TypeOther, byMAC[0].QueryType)

	byIP := g.Lookup("11:22:33:44:55:66", netip.MustParseAddr("192.168.1.11"))
	assert.Len(t, byIP, 1)

	assert.Empty(t, g.Lookup("", netip.Addr{}))
}

func TestUnavailable(t *testing.T) {
	g := Unavailable()
	assert.False(t, g.Available())
	assert.Empty(t, g.Lookup(identity.DeviceIdentity("AA:BB:CC:DD:EE:FF"), netip.MustParseAddr("10.0.0.1")))
}

func TestParseProtocol(t *testing.T) {
	tests := map[string]Protocol{
		"Udp":            ProtocolUDP,
		"QUIC":           ProtocolUDP,
		"tcp":            ProtocolTCP,
		"Tls":            ProtocolTCP,
		"Http":           ProtocolHTTP,
		"Https":          ProtocolHTTPS,
		"DoH":            ProtocolHTTPS,
		"":               ProtocolOther,
		"carrier-pigeon": ProtocolOther,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseProtocol(input), input)
	}
}

func TestParseQueryType(t *testing.T) {
	tests := map[string]QueryType{
		"A":     TypeA,
		"aaaa":  TypeAAAA,
		"TXT":   TypeTXT,
		"SRV":   TypeSRV,
		"PTR":   TypePTR,
		"SOA":   TypeSOA,
		"MX":    TypeOther,
		"BOGUS": TypeOther,
	}
	for input, want := range tests {
		assert.Equal(t, want, ParseQueryType(input), input)
	}
}

func TestWindow(t *testing.T) {
	end := time.Date(2025, 1, 2, 12, 0, 0, 0, time.UTC)
	w := NewWindow(end, 45*time.Minute)
	assert.Equal(t, 45*time.Minute, w.Length())
	assert.True(t, w.Contains(end))
	assert.True(t, w.Contains(end.Add(-45*time.Minute)))
	assert.False(t, w.Contains(end.Add(time.Second)))
	assert.False(t, w.Contains(end.Add(-46*time.Minute)))
}
