package activity

import (
	"strings"

	"dhcp-activity-backend/pkg/querylog"

	"github.com/miekg/dns"
)

// BackgroundReason tells why a query was classified as background traffic.
type BackgroundReason string

const (
	ReasonNone        BackgroundReason = ""
	ReasonKnownDomain BackgroundReason = "known-domain"
	ReasonKeyword     BackgroundReason = "keyword"
	ReasonQueryType   BackgroundReason = "query-type"
	ReasonRandomLabel BackgroundReason = "random-label"
	ReasonNumeric     BackgroundReason = "numeric-label"
	ReasonVersion     BackgroundReason = "version-label"
)

// backgroundSuffixes lists the domains of automated services; a query matches when its
// domain is the listed domain or one of its subdomains.
var backgroundSuffixes = []string{
	// time sync
	"pool.ntp.org",
	"ntp.org",
	"time.apple.com",
	"time.windows.com",
	"time.google.com",
	"time.cloudflare.com",
	"time.nist.gov",
	"ntp.ubuntu.com",

	// OS and software updates, connectivity checks
	"windowsupdate.com",
	"update.microsoft.com",
	"delivery.mp.microsoft.com",
	"mesu.apple.com",
	"swscan.apple.com",
	"swcdn.apple.com",
	"gs.apple.com",
	"update.googleapis.com",
	"gvt1.com",
	"archive.ubuntu.com",
	"security.ubuntu.com",
	"connectivitycheck.gstatic.com",
	"connectivitycheck.android.com",
	"captive.apple.com",
	"msftconnecttest.com",
	"msftncsi.com",
	"detectportal.firefox.com",

	// telemetry and analytics
	"events.data.microsoft.com",
	"vortex.data.microsoft.com",
	"telemetry.microsoft.com",
	"app-measurement.com",
	"google-analytics.com",
	"firebaselogging-pa.googleapis.com",
	"crashlytics.com",
	"metrics.icloud.com",
	"sentry.io",
	"scorecardresearch.com",
	"doubleclick.net",

	// certificate revocation
	"ocsp.digicert.com",
	"ocsp.pki.goog",
	"ocsp.apple.com",
	"ocsp.sectigo.com",
	"ocsp.globalsign.com",
	"crl.microsoft.com",
	"r3.o.lencr.org",
	"o.lencr.org",

	// cloud sync and push backends
	"push.apple.com",
	"gateway.icloud.com",
	"keyvalueservice.icloud.com",
	"mtalk.google.com",
	"client.dropbox.com",
	"notify.dropbox.com",
	"wns.windows.com",
}

// backgroundKeywords match any label equal to the keyword, or made of the keyword
// followed by digits (e.g. "crl3", "ocsp2").
var backgroundKeywords = []string{
	"ocsp",
	"crl",
	"ntp",
	"telemetry",
	"metrics",
	"analytics",
	"tracking",
	"beacon",
}

var backgroundFQDNs = func() []string {
	out := make([]string, len(backgroundSuffixes))
	for i, s := range backgroundSuffixes {
		out[i] = dns.Fqdn(s)
	}
	return out
}()

// IsBackground reports whether the query is automated background traffic.
func IsBackground(e querylog.Entry) bool {
	return Classify(e) != ReasonNone
}

// Classify returns the first rule matching the query, or ReasonNone.
func Classify(e querylog.Entry) BackgroundReason {
	if e.QueryType == querylog.TypePTR || e.QueryType == querylog.TypeSOA {
		return ReasonQueryType
	}
	return ClassifyDomain(e.Domain)
}

// ClassifyDomain applies the domain rules only.
func ClassifyDomain(domain string) BackgroundReason {
	if domain == "" {
		return ReasonNone
	}
	fqdn := dns.Fqdn(strings.ToLower(domain))
	for _, suffix := range backgroundFQDNs {
		if dns.IsSubDomain(suffix, fqdn) {
			return ReasonKnownDomain
		}
	}

	labels := dns.SplitDomainName(fqdn)
	// the last label is the TLD: structural heuristics apply to the others only
	for i, label := range labels {
		if matchesKeyword(label) {
			return ReasonKeyword
		}
		if i == len(labels)-1 {
			break
		}
		switch {
		case isRandomLabel(label):
			return ReasonRandomLabel
		case isNumericLabel(label):
			return ReasonNumeric
		case isVersionLabel(label):
			return ReasonVersion
		}
	}
	return ReasonNone
}

func matchesKeyword(label string) bool {
	for _, k := range backgroundKeywords {
		if rest, ok := strings.CutPrefix(label, k); ok && allDigits(rest) {
			return true
		}
	}
	return false
}

// isRandomLabel detects machine generated labels: long hex strings, or long labels
// where digits make up a large share of the characters.
func isRandomLabel(label string) bool {
	if len(label) >= 16 && allHex(label) {
		return true
	}
	if len(label) >= 20 {
		digits := 0
		for i := 0; i < len(label); i++ {
			if label[i] >= '0' && label[i] <= '9' {
				digits++
			}
		}
		return float64(digits)/float64(len(label)) >= 0.4
	}
	return false
}

func isNumericLabel(label string) bool {
	return label != "" && allDigits(label)
}

// isVersionLabel matches "v12", "version3" and dash separated numbers like "1-2-3".
func isVersionLabel(label string) bool {
	for _, prefix := range []string{"version", "v"} {
		if rest, ok := strings.CutPrefix(label, prefix); ok && rest != "" && allDigits(rest) {
			return true
		}
	}
	parts := strings.Split(label, "-")
	if len(parts) < 2 {
		return false
	}
	for _, p := range parts {
		if p == "" || !allDigits(p) {
			return false
		}
	}
	return true
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func allHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
