// Package metrics provides Prometheus metrics for the production engine.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsIngested counts events accepted into the live window.
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "events_ingested_total",
			Help:      "Total number of production events accepted into the rate window",
		},
		[]string{"source"},
	)

	// EventsDropped counts rejected or malformed events by reason.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "events_dropped_total",
			Help:      "Total number of production events dropped before aggregation",
		},
		[]string{"reason"},
	)

	// SubscriberErrors counts failed deliveries to dashboard subscribers.
	SubscriberErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "subscriber_delivery_errors_total",
			Help:      "Total number of subscriber callbacks that returned an error or panicked",
		},
		[]string{"kind"},
	)

	// SubscriberDrops counts updates skipped because a subscriber queue was full.
	SubscriberDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "subscriber_queue_drops_total",
			Help:      "Total number of updates skipped for slow subscribers",
		},
	)

	// Retrains counts ensemble weight retuning attempts.
	Retrains = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "ensemble_retrains_total",
			Help:      "Total number of ensemble weight retuning attempts",
		},
		[]string{"status"},
	)

	// PatternRebuildDuration measures weekly pattern rebuild time.
	PatternRebuildDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "production",
			Name:      "pattern_rebuild_duration_seconds",
			Help:      "Duration of weekly pattern rebuilds in seconds",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// HTTPRequests counts API requests.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "production",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPDuration measures API response time.
	HTTPDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "production",
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"path"},
	)
)

// RecordIngested records an accepted event.
func RecordIngested(source string) {
	if source == "" {
		source = "unknown"
	}
	EventsIngested.WithLabelValues(source).Inc()
}

// RecordDropped records a dropped event.
func RecordDropped(reason string) {
	EventsDropped.WithLabelValues(reason).Inc()
}

// RecordSubscriberError records a failed subscriber delivery.
func RecordSubscriberError(kind string) {
	SubscriberErrors.WithLabelValues(kind).Inc()
}

// RecordRetrain records a retune attempt ("ok" or "skipped").
func RecordRetrain(status string) {
	Retrains.WithLabelValues(status).Inc()
}

// GinMiddleware はリクエスト数と応答時間を記録するGinミドルウェアです。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" || path == "/metrics" {
			return
		}
		HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	}
}
