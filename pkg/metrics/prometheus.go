// Package metrics holds the prometheus collectors of the backend, exposed on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dhcp_activity"

var (
	// PollsTotal counts the poll cycles by outcome: "ok", "leases_error", "auth_error"
	PollsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Total number of poll cycles",
		},
		[]string{"entry", "result"},
	)

	PollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Poll cycle duration in seconds",
			Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"entry"},
	)

	// FetchErrors counts the failed fetches: fetch is "leases" or "query_logs", kind is
	// "auth", "transient", "unavailable" or "other"
	FetchErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_errors_total",
			Help:      "Total number of failed fetches from the DNS/DHCP server",
		},
		[]string{"entry", "fetch", "kind"},
	)

	QueryLogEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_log_entries_total",
			Help:      "Total number of DNS query log entries processed",
		},
		[]string{"entry", "outcome"},
	)

	TrackedDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_devices",
			Help:      "Number of devices in the device store",
		},
		[]string{"entry"},
	)

	ActiveDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_devices",
			Help:      "Number of devices classified as actively used",
		},
		[]string{"entry"},
	)

	StaleDevices = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_devices",
			Help:      "Number of devices not seen within the stale threshold",
		},
		[]string{"entry"},
	)

	AverageActivityScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "average_activity_score",
			Help:      "Average activity score of the tracked devices",
		},
		[]string{"entry"},
	)

	// Reconciliations counts the reconciliations by trigger: "poll" or "manual"
	Reconciliations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconciliations_total",
			Help:      "Total number of reconciliations",
		},
		[]string{"entry", "trigger"},
	)

	EntitiesRemoved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_removed_total",
			Help:      "Total number of orphan entities removed",
		},
		[]string{"entry"},
	)

	EntitiesAdded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "entities_added_total",
			Help:      "Total number of entities registered",
		},
		[]string{"entry"},
	)

	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	RedisOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "redis_operations_total",
			Help:      "Total number of Redis operations",
		},
		[]string{"operation", "status"},
	)
)

// Status returns the label value of an operation outcome.
func Status(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
