package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"dhcp-activity-backend/pkg/activity"
	"dhcp-activity-backend/pkg/identity"
	"dhcp-activity-backend/pkg/ippool"
	"dhcp-activity-backend/pkg/querylog"
	"dhcp-activity-backend/pkg/reconcile"

	"gopkg.in/yaml.v3"
)

// SourceKind selects the transport used to reach the DNS/DHCP server.
type SourceKind string

const (
	SourceTechnitium SourceKind = "technitium"
	SourceDnsmasq    SourceKind = "dnsmasq"
)

// Bounds of the per-entry options.
const (
	MinUpdateInterval = 30 * time.Second
	MaxUpdateInterval = 600 * time.Second

	MinActivityThreshold = 0
	MaxActivityThreshold = 100

	MinStaleThreshold = time.Minute
)

// Defaults of the per-entry options.
const (
	DefaultUpdateInterval     = 60 * time.Second
	DefaultStaleThreshold     = 60 * time.Minute
	DefaultRequestsPerMinute  = 120
	DefaultRequestTimeout     = 10 * time.Second
	DefaultForgetDevicesAfter = reconcile.DefaultRetention
)

// EntryOptions is the validated configuration of one monitoring entry.
type EntryOptions struct {
	ID        string
	Name      string
	Namespace identity.Namespace

	Source            SourceKind
	APIURL            string
	Token             string
	LeasesFile        string
	RequestsPerMinute int
	RequestTimeout    time.Duration

	EnableDHCPTracking bool
	UpdateInterval     time.Duration
	Filter             ippool.Filter

	EnableSmartActivity bool
	ActivityThreshold   float64
	AnalysisWindow      time.Duration
	StaleThreshold      time.Duration
	ForgetDevicesAfter  time.Duration

	// Warnings lists the IP filter entries dropped while validating.
	Warnings []string
}

// RawEntryOptions is the YAML/JSON form of EntryOptions. Pointers tell an option that
// was left out, and gets its default, from an explicit zero.
type RawEntryOptions struct {
	ID                    string   `yaml:"id" json:"id"`
	Name                  string   `yaml:"name" json:"name"`
	Source                string   `yaml:"source" json:"source"`
	APIURL                string   `yaml:"api_url" json:"api_url"`
	Token                 string   `yaml:"token" json:"token"`
	LeasesFile            string   `yaml:"leases_file" json:"leases_file"`
	RequestsPerMinute     *int     `yaml:"requests_per_minute" json:"requests_per_minute"`
	RequestTimeoutSec     *int     `yaml:"request_timeout_sec" json:"request_timeout_sec"`
	EnableDHCPTracking    *bool    `yaml:"enable_dhcp_tracking" json:"enable_dhcp_tracking"`
	UpdateIntervalSeconds *int     `yaml:"update_interval_seconds" json:"update_interval_seconds"`
	IPFilterMode          string   `yaml:"ip_filter_mode" json:"ip_filter_mode"`
	IPFilterEntries       []string `yaml:"ip_filter_entries" json:"ip_filter_entries"`
	EnableSmartActivity   *bool    `yaml:"enable_smart_activity" json:"enable_smart_activity"`
	ActivityThreshold     *float64 `yaml:"activity_threshold" json:"activity_threshold"`
	AnalysisWindowMinutes *int     `yaml:"analysis_window_minutes" json:"analysis_window_minutes"`
	StaleThresholdMinutes *int     `yaml:"stale_threshold_minutes" json:"stale_threshold_minutes"`
	ForgetDevicesAfter    string   `yaml:"forget_devices_after" json:"forget_devices_after"`
}

// UnmarshalYAML reads and validates the options of one entry.
func (o *EntryOptions) UnmarshalYAML(value *yaml.Node) error {
	var raw RawEntryOptions
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := raw.Parse()
	if err != nil {
		return err
	}
	*o = parsed
	return nil
}

// Parse validates the raw options and applies the defaults.
// Malformed IP filter entries are not errors: they are dropped and reported in Warnings.
func (raw RawEntryOptions) Parse() (EntryOptions, error) {
	var errs []error
	o := EntryOptions{
		ID:                  raw.ID,
		Name:                raw.Name,
		Token:               raw.Token,
		LeasesFile:          raw.LeasesFile,
		EnableDHCPTracking:  boolOr(raw.EnableDHCPTracking, true),
		EnableSmartActivity: boolOr(raw.EnableSmartActivity, true),
		RequestsPerMinute:   intOr(raw.RequestsPerMinute, DefaultRequestsPerMinute),
		RequestTimeout:      time.Duration(intOr(raw.RequestTimeoutSec, int(DefaultRequestTimeout/time.Second))) * time.Second,
		UpdateInterval:      time.Duration(intOr(raw.UpdateIntervalSeconds, int(DefaultUpdateInterval/time.Second))) * time.Second,
		AnalysisWindow:      time.Duration(intOr(raw.AnalysisWindowMinutes, int(querylog.DefaultWindow/time.Minute))) * time.Minute,
		StaleThreshold:      time.Duration(intOr(raw.StaleThresholdMinutes, int(DefaultStaleThreshold/time.Minute))) * time.Minute,
		ActivityThreshold:   activity.DefaultThreshold,
		ForgetDevicesAfter:  DefaultForgetDevicesAfter,
	}
	if o.Name == "" {
		o.Name = o.ID
	}

	ns, err := identity.NewNamespace(raw.ID)
	if err != nil {
		errs = append(errs, err)
	}
	o.Namespace = ns

	switch SourceKind(strings.ToLower(raw.Source)) {
	case "", SourceTechnitium:
		o.Source = SourceTechnitium
		if _, err := url.ParseRequestURI(raw.APIURL); err != nil || raw.APIURL == "" {
			errs = append(errs, fmt.Errorf("invalid 'api_url' %q", raw.APIURL))
		}
		o.APIURL = strings.TrimSuffix(raw.APIURL, "/")
	case SourceDnsmasq:
		o.Source = SourceDnsmasq
		if raw.LeasesFile == "" {
			errs = append(errs, fmt.Errorf("'leases_file' is required with the dnsmasq source"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid 'source' %q: must be %s or %s", raw.Source, SourceTechnitium, SourceDnsmasq))
	}

	if o.RequestsPerMinute <= 0 {
		errs = append(errs, fmt.Errorf("invalid 'requests_per_minute' %d: must be positive", o.RequestsPerMinute))
	}
	if o.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("invalid 'request_timeout_sec' %v: must be positive", o.RequestTimeout))
	}
	if o.UpdateInterval < MinUpdateInterval || o.UpdateInterval > MaxUpdateInterval {
		errs = append(errs, fmt.Errorf("invalid 'update_interval_seconds' %v: must be within [%v, %v]", o.UpdateInterval, MinUpdateInterval, MaxUpdateInterval))
	}
	if raw.ActivityThreshold != nil {
		o.ActivityThreshold = *raw.ActivityThreshold
	}
	if o.ActivityThreshold < MinActivityThreshold || o.ActivityThreshold > MaxActivityThreshold {
		errs = append(errs, fmt.Errorf("invalid 'activity_threshold' %v: must be within [%d, %d]", o.ActivityThreshold, MinActivityThreshold, MaxActivityThreshold))
	}
	if o.AnalysisWindow < querylog.MinWindow || o.AnalysisWindow > querylog.MaxWindow {
		errs = append(errs, fmt.Errorf("invalid 'analysis_window_minutes' %v: must be within [%v, %v]", o.AnalysisWindow, querylog.MinWindow, querylog.MaxWindow))
	}
	if o.StaleThreshold < MinStaleThreshold {
		errs = append(errs, fmt.Errorf("invalid 'stale_threshold_minutes' %v: must be at least %v", o.StaleThreshold, MinStaleThreshold))
	}
	if raw.ForgetDevicesAfter != "" {
		d, err := ParseDuration(raw.ForgetDevicesAfter)
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Errorf("invalid time duration found inside 'forget_devices_after': %s", raw.ForgetDevicesAfter))
		} else {
			o.ForgetDevicesAfter = d
		}
	}

	filter, filterErrs := ippool.NewFilter(raw.IPFilterMode, raw.IPFilterEntries)
	o.Filter = filter
	for _, e := range filterErrs {
		if errors.Is(e, ippool.ErrInvalidFilterMode) {
			errs = append(errs, e)
			continue
		}
		o.Warnings = append(o.Warnings, e.Error())
	}

	if len(errs) > 0 {
		return EntryOptions{}, fmt.Errorf("entry %q: %w", raw.ID, errors.Join(errs...))
	}
	return o, nil
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}
