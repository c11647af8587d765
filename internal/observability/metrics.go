package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xlog",
			Subsystem: "admin",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xlog",
			Subsystem: "admin",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	sessionTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xlog",
			Subsystem: "session",
			Name:      "transitions_total",
			Help:      "Transport session state transitions.",
		},
		[]string{"role", "state"},
	)
	completions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xlog",
			Subsystem: "completion",
			Name:      "events_total",
			Help:      "Completion events surfaced by poll.",
		},
		[]string{"op", "status", "reason"},
	)
	pollDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "xlog",
			Subsystem: "completion",
			Name:      "poll_duration_seconds",
			Help:      "Time spent blocked in poll.",
			Buckets:   []float64{.00005, .0001, .0005, .001, .005, .01, .05, .1, .5, 1, 5, 10},
		},
		[]string{"op", "status"},
	)
	shippedEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "xlog",
			Subsystem: "shipper",
			Name:      "entries_total",
			Help:      "Ship outcomes by result.",
		},
		[]string{"outcome"},
	)
	drainedEntries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "xlog",
			Subsystem: "receiver",
			Name:      "entries_total",
			Help:      "Entries drained from the slot table.",
		},
	)
	flushLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xlog",
			Subsystem: "receiver",
			Name:      "flush_lsn",
			Help:      "Current flush cursor value.",
		},
	)
	observedLSN = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "xlog",
			Subsystem: "receiver",
			Name:      "observed_lsn",
			Help:      "Highest LSN seen by the arrival loop.",
		},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			sessionTransitions,
			completions,
			pollDuration,
			shippedEntries,
			drainedEntries,
			flushLSN,
			observedLSN,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordSessionTransition(role, state string) {
	RegisterMetrics()
	sessionTransitions.WithLabelValues(role, state).Inc()
}

func RecordCompletion(op, status, reason string, waited time.Duration) {
	RegisterMetrics()
	completions.WithLabelValues(op, status, reason).Inc()
	pollDuration.WithLabelValues(op, status).Observe(waited.Seconds())
}

func RecordShip(outcome string) {
	RegisterMetrics()
	shippedEntries.WithLabelValues(outcome).Inc()
}

func RecordDrain(lsn uint64) {
	RegisterMetrics()
	drainedEntries.Inc()
	observedLSN.Set(float64(lsn))
}

func RecordFlush(lsn uint64) {
	RegisterMetrics()
	flushLSN.Set(float64(lsn))
}
