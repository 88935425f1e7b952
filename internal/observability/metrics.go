package observability

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_http_requests_total",
			Help: "Total number of HTTP requests processed by the canvas chat service.",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvas_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	wsActiveConnections = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "canvas_ws_active_connections",
			Help: "Number of active websocket connections.",
		},
		[]string{"kind"},
	)
	wsEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_ws_events_total",
			Help: "Total number of websocket events.",
		},
		[]string{"kind", "event"},
	)
	amqpPublishErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_amqp_publish_errors_total",
			Help: "Total number of AMQP publish errors.",
		},
	)
	generationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_generations_total",
			Help: "Finished generations by outcome.",
		},
		[]string{"outcome"},
	)
	generationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "canvas_generation_duration_seconds",
			Help:    "Wall-clock time from claim to lock release.",
			Buckets: []float64{1, 2.5, 5, 10, 20, 40, 80, 160},
		},
		[]string{"outcome"},
	)
	keyFailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_key_failovers_total",
			Help: "Generation key failovers by reason.",
		},
		[]string{"reason"},
	)
	keyTokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_key_tokens_total",
			Help: "Tokens accounted against each key slot.",
		},
		[]string{"key"},
	)
	storeFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_store_flushes_total",
			Help: "Throttled progress writes to the store.",
		},
		[]string{"document"},
	)
	queueClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "canvas_queue_claims_total",
			Help: "Processing lock claim attempts by result.",
		},
		[]string{"result"},
	)
	staleLocksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "canvas_queue_stale_locks_recovered_total",
			Help: "Processing locks released after their holder went silent.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		wsActiveConnections,
		wsEventsTotal,
		amqpPublishErrorsTotal,
		generationsTotal,
		generationDuration,
		keyFailoversTotal,
		keyTokensTotal,
		storeFlushesTotal,
		queueClaimsTotal,
		staleLocksTotal,
	)
}

func HTTPMetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = c.Request.URL.Path
		}
		status := c.Writer.Status()

		httpRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Inc()
		httpRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func IncWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Inc()
}

func DecWSActive(kind string) {
	wsActiveConnections.WithLabelValues(kind).Dec()
}

func IncWSEvent(kind, event string) {
	wsEventsTotal.WithLabelValues(kind, event).Inc()
}

func IncAMQPPublishError() {
	amqpPublishErrorsTotal.Inc()
}

// ObserveGeneration records one finished generation. outcome is one of
// done, stopped, error.
func ObserveGeneration(outcome string, elapsed time.Duration) {
	generationsTotal.WithLabelValues(outcome).Inc()
	generationDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

func IncKeyFailover(reason string) {
	keyFailoversTotal.WithLabelValues(reason).Inc()
}

func AddKeyTokens(index, tokens int) {
	keyTokensTotal.WithLabelValues(strconv.Itoa(index)).Add(float64(tokens))
}

func IncStoreFlush(document string) {
	storeFlushesTotal.WithLabelValues(document).Inc()
}

func IncQueueClaim(result string) {
	queueClaimsTotal.WithLabelValues(result).Inc()
}

func IncStaleLockRecovered() {
	staleLocksTotal.Inc()
}
