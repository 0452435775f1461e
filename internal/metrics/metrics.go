// Package metrics declares the Prometheus collectors of the service.
package metrics

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	SessionsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "sessions_created_total",
		Help:      "Sessions created, by returning flag.",
	}, []string{"returning"})

	SessionsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "sessions_completed_total",
		Help:      "Sessions marked completed.",
	})

	SessionsDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "sessions_deleted_total",
		Help:      "Sessions deleted by privileged callers.",
	})

	FieldLogsAppended = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "field_logs_appended_total",
		Help:      "Field log rows inserted.",
	})

	BeaconsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "beacons_received_total",
		Help:      "Teardown beacons accepted.",
	})

	UpstreamFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "upstream_failures_total",
		Help:      "Best-effort dependency failures that degraded a request.",
	}, []string{"upstream"})

	GeoLookupSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "formpulse",
		Name:      "geo_lookup_seconds",
		Help:      "Latency of geolocation lookups.",
		Buckets:   []float64{.005, .01, .05, .1, .25, .5, 1, 2, 3, 5},
	})

	AnalyticsSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "formpulse",
		Name:      "analytics_compute_seconds",
		Help:      "Time to load the corpus and compute one analytics report.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"report"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "formpulse",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status.",
	}, []string{"method", "route", "status"})
)

// Handler serves the default registry on a Fiber route.
func Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}
