package transport

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth is returned when the DNS server rejects the API token.
	ErrAuth = errors.New("credentials rejected by the DNS server")

	// ErrLogsUnavailable is returned when the DNS server has no query logging app
	// installed, or the logging app refused to answer.
	ErrLogsUnavailable = errors.New("DNS query logs unavailable")
)

// TransientFetchError wraps network and timeout failures talking to the DNS/DHCP server.
type TransientFetchError struct {
	Op  string
	Err error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("transient failure during %s: %v", e.Op, e.Err)
}

func (e *TransientFetchError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err (or any error it wraps) is a TransientFetchError.
func IsTransient(err error) bool {
	var te *TransientFetchError
	return errors.As(err, &te)
}

// MalformedDataError describes a response, or a single record of a response,
// whose shape does not match what the API is expected to return.
type MalformedDataError struct {
	Record string // which record, e.g. "lease #3"; empty for the whole response
	Field  string
	Value  string
	Reason string
}

func (e *MalformedDataError) Error() string {
	where := e.Field
	if e.Record != "" {
		where = e.Record + "." + e.Field
	}
	return fmt.Sprintf("malformed data in %s (value %q): %s", where, e.Value, e.Reason)
}
