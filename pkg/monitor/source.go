package monitor

import (
	"dhcp-activity-backend/pkg/config"
	"dhcp-activity-backend/pkg/logger"
	"dhcp-activity-backend/pkg/transport"
)

// NewSource creates the transport selected by the entry options.
func NewSource(opts config.EntryOptions, l *logger.CustomLogger) transport.Source {
	l = l.WithField("entry", opts.ID)
	if opts.Source == config.SourceDnsmasq {
		return transport.NewLeaseFileSource(opts.LeasesFile, l)
	}
	return transport.NewTechnitiumClient(transport.TechnitiumConfig{
		BaseURL:           opts.APIURL,
		Token:             opts.Token,
		Timeout:           opts.RequestTimeout,
		RequestsPerMinute: opts.RequestsPerMinute,
	}, l)
}
