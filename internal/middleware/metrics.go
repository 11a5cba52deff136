package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Go runtime and process metrics are automatically registered by promhttp.Handler()
// so we don't need to register them explicitly here

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)

	proxyRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_requests_total",
			Help: "Total number of proxied completion requests",
		},
		[]string{"model", "provider", "status"},
	)

	proxyRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_proxy_retries_total",
			Help: "Total number of upstream retry attempts",
		},
		[]string{"provider"},
	)

	tokensAccounted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_tokens_accounted_total",
			Help: "Total number of tokens recorded against project budgets",
		},
		[]string{"project"},
	)

	budgetRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_budget_rejections_total",
			Help: "Total number of requests rejected at budget admission",
		},
		[]string{"project"},
	)

	activeConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gateway_active_connections",
			Help: "Number of active connections",
		},
	)
)

// MetricsMiddleware collects Prometheus metrics
func MetricsMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			activeConnections.Inc()
			defer activeConnections.Dec()

			routePattern := getRoutePattern(r)

			// Use streaming-aware wrapper that preserves Flusher interface
			wrapped := NewStreamingResponseWriter(w)

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start).Seconds()

			status := strconv.Itoa(wrapped.StatusCode())
			httpRequestsTotal.WithLabelValues(r.Method, routePattern, status).Inc()
			httpRequestDuration.WithLabelValues(r.Method, routePattern, status).Observe(duration)

			if duration > 10 {
				logger.Warn("Slow request detected",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Float64("duration", duration),
					zap.Int("status", wrapped.StatusCode()),
				)
			}
		})
	}
}

// RecordProxyRequest records a proxied completion attempt outcome.
func RecordProxyRequest(model, provider, status string) {
	proxyRequestsTotal.WithLabelValues(model, provider, status).Inc()
}

// RecordProxyRetry records an upstream retry attempt.
func RecordProxyRetry(provider string) {
	proxyRetriesTotal.WithLabelValues(provider).Inc()
}

// RecordTokensAccounted records tokens charged to a project.
func RecordTokensAccounted(project string, tokens int64) {
	tokensAccounted.WithLabelValues(project).Add(float64(tokens))
}

// RecordBudgetRejection records a request denied at admission.
func RecordBudgetRejection(project string) {
	budgetRejections.WithLabelValues(project).Inc()
}

func getRoutePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}
