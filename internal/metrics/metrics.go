// Package metrics provides Prometheus instrumentation for the mule-detection service.
package metrics

import (
	"database/sql"
	"errors"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mulehunter"

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransfersTotal counts processed transfers by result
	// (clean, flagged, inconsistent, replayed, rejected, failed).
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transfers_total",
			Help:      "Total transfers processed by result.",
		},
		[]string{"result"},
	)

	// TransferDuration observes end-to-end orchestration latency.
	TransferDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_duration_seconds",
		Help:      "Time to process one transfer end to end.",
		Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
	})

	// LedgerUpdatesTotal counts account ledger mutations by direction and result.
	LedgerUpdatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_updates_total",
			Help:      "Account risk ledger updates by direction and result.",
		},
		[]string{"direction", "result"},
	)

	// --- Fingerprint tracker ---

	FingerprintWindows = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "fingerprint_windows",
		Help:      "Number of fingerprint windows currently held in memory.",
	})

	FingerprintEvictionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_evictions_total",
			Help:      "Fingerprint windows evicted by the sweeper, by reason.",
		},
		[]string{"reason"},
	)

	FingerprintEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fingerprint_evaluations_total",
			Help:      "Fingerprint evaluations by whether a fingerprint was supplied.",
		},
		[]string{"known"},
	)

	// --- External scorer ---

	ScorerRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_requests_total",
			Help:      "Fraud scorer calls by verdict or error.",
		},
		[]string{"result"},
	)

	ScorerFallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scorer_fallbacks_total",
			Help:      "Transfers completed with the neutral fail-open score, by reason.",
		},
		[]string{"reason"},
	)

	ScorerLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "scorer_latency_seconds",
		Help:      "Fraud scorer call latency in seconds.",
		Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2, 5},
	})

	// --- Alert pipeline ---

	AlertsEnqueuedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_enqueued_total",
		Help:      "Fraud alerts accepted onto the delivery queue.",
	})

	AlertsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_dropped_total",
		Help:      "Fraud alerts dropped by drop-oldest backpressure.",
	})

	AlertsDeliveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_delivered_total",
		Help:      "Fraud alerts delivered to the sink.",
	})

	AlertDeliveryFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "alerts_delivery_failures_total",
		Help:      "Fraud alert deliveries that exhausted their retry budget.",
	})

	AlertQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "alerts_queue_depth",
		Help:      "Fraud alerts waiting for delivery.",
	})

	// WebhookDeliveriesTotal counts webhook delivery attempts by result.
	WebhookDeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_deliveries_total",
			Help:      "Total webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// AnomalyScoresTotal counts anomaly score upserts by result.
	AnomalyScoresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "anomaly_scores_total",
			Help:      "Anomaly score batch items by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)
)

// RegisterDB exports connection pool statistics for db under the service
// namespace. Registering the same pool twice is not an error.
func RegisterDB(db *sql.DB) error {
	err := prometheus.Register(collectors.NewDBStatsCollector(db, namespace))
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		return nil
	}
	return err
}

// Middleware records request count and latency labelled by route pattern.
// Requests that match no route share the "unmatched" label.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(c.Request.Method, route))
		c.Next()
		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, statusClass(c.Writer.Status())).Inc()
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

// statusClass maps 404 to "4xx" and so on.
func statusClass(code int) string {
	if code < 100 || code > 599 {
		return "other"
	}
	return strconv.Itoa(code/100) + "xx"
}
