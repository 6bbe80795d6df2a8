package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const unmatched = "unmatched"

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfre_http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kfre_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	predictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfre_predictions_total",
			Help: "Risk evaluations by the variant actually used and horizon.",
		},
		[]string{"variant", "horizon"},
	)

	fallbacksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kfre_variant_fallbacks_total",
			Help: "Evaluations that fell back to the 4-variable model, by requested variant.",
		},
		[]string{"requested"},
	)

	cacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kfre_cache_hits_total",
			Help: "Single-patient evaluations served from the cache.",
		},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(predictionsTotal)
	prometheus.MustRegister(fallbacksTotal)
	prometheus.MustRegister(cacheHitsTotal)
}

// metricsMiddleware records request count and duration for every HTTP request.
// Uses the gin route pattern (not the raw path) to avoid unbounded cardinality.
func metricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = unmatched
		}
		status := strconv.Itoa(c.Writer.Status())
		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

func recordPrediction(variant, requested string, horizon int, fellBack bool) {
	predictionsTotal.WithLabelValues(variant, strconv.Itoa(horizon)).Inc()
	if fellBack {
		fallbacksTotal.WithLabelValues(requested).Inc()
	}
}

// metricsHandler returns the Prometheus metrics handler.
func metricsHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}
