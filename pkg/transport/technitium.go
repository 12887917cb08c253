package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"dhcp-activity-backend/pkg/logger"

	"golang.org/x/time/rate"
)

const (
	defaultRequestTimeout    = 10 * time.Second
	defaultRequestsPerMinute = 120
	defaultRetries           = 3
	defaultRetryDelay        = 2 * time.Second
	defaultMaxLogEntries     = 5000
	logEntriesPerPage        = 1000
)

// TechnitiumConfig holds configuration for the Technitium DNS API client.
type TechnitiumConfig struct {
	BaseURL           string        // e.g. "http://dns.lan:5380"
	Token             string        // API token
	Timeout           time.Duration // per request (default: 10s)
	RequestsPerMinute int           // default: 120
	Retries           int           // attempts per request on transient failures (default: 3)
	RetryDelay        time.Duration // default: 2s
	MaxLogEntries     int           // upper bound of query log entries fetched per call (default: 5000)
}

// TechnitiumClient is a Technitium DNS API client implementing Source.
type TechnitiumClient struct {
	baseURL     string
	token       string
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	retries     int
	retryDelay  time.Duration
	maxEntries  int
	logger      *logger.CustomLogger

	// the query logger app is discovered lazily and cached until a query fails
	appLock sync.Mutex
	app     *queryLoggerApp
}

type queryLoggerApp struct {
	Name      string
	ClassPath string
}

// apiResponse is the envelope of every Technitium API response.
type apiResponse struct {
	Status       string          `json:"status"`
	ErrorMessage string          `json:"errorMessage"`
	Response     json.RawMessage `json:"response"`
}

// apiError is a non-ok status returned inside a well-formed envelope.
type apiError struct {
	Endpoint string
	Status   string
	Message  string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%s returned status %q: %s", e.Endpoint, e.Status, e.Message)
}

// NewTechnitiumClient creates a new Technitium DNS API client.
func NewTechnitiumClient(cfg TechnitiumConfig, l *logger.CustomLogger) *TechnitiumClient {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	rpm := cfg.RequestsPerMinute
	if rpm <= 0 {
		rpm = defaultRequestsPerMinute
	}
	retries := cfg.Retries
	if retries <= 0 {
		retries = defaultRetries
	}
	retryDelay := cfg.RetryDelay
	if retryDelay <= 0 {
		retryDelay = defaultRetryDelay
	}
	maxEntries := cfg.MaxLogEntries
	if maxEntries <= 0 {
		maxEntries = defaultMaxLogEntries
	}

	return &TechnitiumClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		rateLimiter: rate.NewLimiter(rate.Limit(float64(rpm)/60.0), 2),
		retries:     retries,
		retryDelay:  retryDelay,
		maxEntries:  maxEntries,
		logger:      l,
	}
}

// GetLeases returns the current DHCP leases of all scopes.
func (c *TechnitiumClient) GetLeases(ctx context.Context) ([]RawLease, error) {
	var resp struct {
		Leases []RawLease `json:"leases"`
	}
	if err := c.fetch(ctx, "api/dhcp/leases/list", nil, &resp); err != nil {
		return nil, fmt.Errorf("list DHCP leases: %w", err)
	}
	return resp.Leases, nil
}

// GetQueryLogs returns the DNS queries logged in [start,end] by the first installed
// query logger app. ErrLogsUnavailable is returned when no such app exists or it fails.
func (c *TechnitiumClient) GetQueryLogs(ctx context.Context, start, end time.Time) ([]RawQueryLogEntry, error) {
	app, err := c.queryLogger(ctx)
	if err != nil {
		return nil, err
	}

	var entries []RawQueryLogEntry
	for page := 1; len(entries) < c.maxEntries; page++ {
		params := url.Values{}
		params.Set("name", app.Name)
		params.Set("classPath", app.ClassPath)
		params.Set("start", start.UTC().Format(time.RFC3339))
		params.Set("end", end.UTC().Format(time.RFC3339))
		params.Set("pageNumber", strconv.Itoa(page))
		params.Set("entriesPerPage", strconv.Itoa(min(logEntriesPerPage, c.maxEntries-len(entries))))
		params.Set("descendingOrder", "false")

		var resp struct {
			PageNumber int                `json:"pageNumber"`
			TotalPages int                `json:"totalPages"`
			Entries    []RawQueryLogEntry `json:"entries"`
		}
		if err := c.fetch(ctx, "api/logs/query", params, &resp); err != nil {
			if errors.Is(err, ErrAuth) || IsTransient(err) {
				return nil, fmt.Errorf("query logs via app %q: %w", app.Name, err)
			}
			// rediscover the app on the next call: it may have been uninstalled
			c.forgetQueryLogger()
			return nil, fmt.Errorf("%w: app %q: %v", ErrLogsUnavailable, app.Name, err)
		}

		entries = append(entries, resp.Entries...)
		if len(resp.Entries) == 0 || page >= resp.TotalPages {
			break
		}
	}

	c.logger.Debugf("fetched %d DNS log entries via app %q", len(entries), app.Name)
	return entries, nil
}

func (c *TechnitiumClient) queryLogger(ctx context.Context) (queryLoggerApp, error) {
	c.appLock.Lock()
	defer c.appLock.Unlock()
	if c.app != nil {
		return *c.app, nil
	}

	var resp struct {
		Apps []struct {
			Name    string `json:"name"`
			DnsApps []struct {
				ClassPath     string `json:"classPath"`
				IsQueryLogger bool   `json:"isQueryLogger"`
			} `json:"dnsApps"`
		} `json:"apps"`
	}
	if err := c.fetch(ctx, "api/apps/list", nil, &resp); err != nil {
		if errors.Is(err, ErrAuth) || IsTransient(err) {
			return queryLoggerApp{}, fmt.Errorf("list DNS apps: %w", err)
		}
		return queryLoggerApp{}, fmt.Errorf("%w: cannot list DNS apps: %v", ErrLogsUnavailable, err)
	}

	for _, a := range resp.Apps {
		for _, d := range a.DnsApps {
			if d.IsQueryLogger {
				c.app = &queryLoggerApp{Name: a.Name, ClassPath: d.ClassPath}
				c.logger.Infof("using DNS app %q (%s) as query log source", a.Name, d.ClassPath)
				return *c.app, nil
			}
		}
	}
	return queryLoggerApp{}, fmt.Errorf("%w: no DNS app with query logging is installed", ErrLogsUnavailable)
}

func (c *TechnitiumClient) forgetQueryLogger() {
	c.appLock.Lock()
	c.app = nil
	c.appLock.Unlock()
}

// fetch performs a GET on the endpoint, retrying transient failures, and decodes
// the "response" member of the envelope into out.
func (c *TechnitiumClient) fetch(ctx context.Context, endpoint string, params url.Values, out any) error {
	var lastErr error
	for attempt := 1; attempt <= c.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return &TransientFetchError{Op: endpoint, Err: ctx.Err()}
			case <-time.After(c.retryDelay):
			}
		}

		lastErr = c.fetchOnce(ctx, endpoint, params, out)
		if lastErr == nil || !IsTransient(lastErr) {
			return lastErr
		}
		if isTimeout(lastErr) {
			c.logger.Warnf("attempt %d/%d: %s timed out", attempt, c.retries, endpoint)
		} else {
			c.logger.Warnf("attempt %d/%d: %s", attempt, c.retries, lastErr.Error())
		}
	}
	return lastErr
}

func (c *TechnitiumClient) fetchOnce(ctx context.Context, endpoint string, params url.Values, out any) error {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return &TransientFetchError{Op: endpoint, Err: fmt.Errorf("rate limit wait: %w", err)}
	}

	u, err := url.Parse(c.baseURL + "/" + endpoint)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	q := url.Values{}
	for k, v := range params {
		q[k] = v
	}
	q.Set("token", c.token)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &TransientFetchError{Op: endpoint, Err: err}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransientFetchError{Op: endpoint, Err: fmt.Errorf("read response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%s: HTTP %d: %w", endpoint, resp.StatusCode, ErrAuth)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return &TransientFetchError{Op: endpoint, Err: fmt.Errorf("HTTP status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: unexpected HTTP status %d", endpoint, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return &MalformedDataError{Field: endpoint, Value: truncate(string(body), 80), Reason: err.Error()}
	}

	switch envelope.Status {
	case "ok":
	case "invalid-token":
		return fmt.Errorf("%s: %s: %w", endpoint, envelope.ErrorMessage, ErrAuth)
	default:
		return &apiError{Endpoint: endpoint, Status: envelope.Status, Message: envelope.ErrorMessage}
	}

	if out == nil || len(envelope.Response) == 0 {
		return nil
	}
	if err := json.Unmarshal(envelope.Response, out); err != nil {
		return &MalformedDataError{Field: endpoint + ".response", Value: truncate(string(envelope.Response), 80), Reason: err.Error()}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// isTimeout reports network timeouts; they are transient like any other network error
// but are worth a dedicated log line.
func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
