package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

// Rate limit decision outcomes.
const (
	DecisionUnlimited = "unlimited"
	DecisionAllowed   = "allowed"
	DecisionDenied    = "denied"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	AIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_requests_total",
			Help: "Total number of AI requests by provider and operation",
		},
		[]string{"provider", "operation"},
	)
	AIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai_request_duration_seconds",
			Help:    "AI request duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider", "operation"},
	)
	AITokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai_tokens_total",
			Help: "Estimated tokens exchanged with the model provider",
		},
		[]string{"model", "kind"},
	)

	RateLimitDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ratelimit_decisions_total",
			Help: "Daily rate limit decisions by outcome",
		},
		[]string{"outcome"},
	)
	UsageRecordedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "ratelimit_usage_recorded_total",
			Help: "Usage records appended to the ledger",
		},
	)

	UsageEventsPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "usage_events_published_total",
			Help: "Usage events handed to the message broker",
		},
		[]string{"status"},
	)

	CircuitBreakerStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(AIRequestsTotal)
	prometheus.MustRegister(AIRequestDuration)
	prometheus.MustRegister(AITokensTotal)
	prometheus.MustRegister(RateLimitDecisionsTotal)
	prometheus.MustRegister(UsageRecordedTotal)
	prometheus.MustRegister(UsageEventsPublishedTotal)
	prometheus.MustRegister(CircuitBreakerStateGauge)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}

// RecordRateLimitDecision counts one gate decision.
func RecordRateLimitDecision(outcome string) {
	RateLimitDecisionsTotal.WithLabelValues(outcome).Inc()
}

// ObserveAIRequest records one provider call and its latency.
func ObserveAIRequest(provider, operation string, d time.Duration) {
	AIRequestsTotal.WithLabelValues(provider, operation).Inc()
	AIRequestDuration.WithLabelValues(provider, operation).Observe(d.Seconds())
}

// RecordAITokens adds token estimates. kind is "prompt" or "completion".
func RecordAITokens(model, kind string, n int) {
	if n <= 0 {
		return
	}
	if model == "" {
		model = "unknown"
	}
	AITokensTotal.WithLabelValues(model, kind).Add(float64(n))
}

// RecordUsageEventPublished counts a publish attempt by status ("ok" or "error").
func RecordUsageEventPublished(status string) {
	UsageEventsPublishedTotal.WithLabelValues(status).Inc()
}

// RecordCircuitBreakerStatus exports the breaker state gauge.
func RecordCircuitBreakerStatus(name string, state int) {
	CircuitBreakerStateGauge.WithLabelValues(name).Set(float64(state))
}
