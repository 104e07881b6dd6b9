package metrics

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NikhilSetiya/storyforge/pkg/ratelimit"
	"github.com/NikhilSetiya/storyforge/pkg/resilience"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Admission metrics
	AdmissionDecisions *prometheus.CounterVec
	RateLimitKeys      prometheus.Gauge
	RateLimitEvictions prometheus.Gauge

	// Retry metrics
	RetryAttempts   *prometheus.CounterVec
	RetryOutcomes   *prometheus.CounterVec
	AttemptsPerCall *prometheus.HistogramVec

	// Provider metrics
	ProviderRequestDuration *prometheus.HistogramVec

	// System metrics
	RedisConnections *prometheus.GaugeVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registry receives the metrics; nil uses a fresh registry
	Registry *prometheus.Registry `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "storyforge",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being processed",
			},
			[]string{"method", "path"},
		),

		AdmissionDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "admission_decisions_total",
				Help:      "Rate limit decisions by endpoint class and deciding bucket",
			},
			[]string{"class", "scope", "result"},
		),
		RateLimitKeys: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ratelimit_tracked_keys",
				Help:      "Number of rate limit counters held in memory",
			},
		),
		RateLimitEvictions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "ratelimit_evicted_keys",
				Help:      "Number of rate limit counters evicted since start",
			},
		),

		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_failed_attempts_total",
				Help:      "Failed attempts of retried operations by classification",
			},
			[]string{"operation", "classification"},
		),
		RetryOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_outcomes_total",
				Help:      "Outcomes of retried operations",
			},
			[]string{"operation", "outcome"},
		),
		AttemptsPerCall: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_per_call",
				Help:      "Attempts made per retried operation",
				Buckets:   []float64{1, 2, 3, 4, 5, 8},
			},
			[]string{"operation"},
		),

		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_request_duration_seconds",
				Help:      "Duration of single AI provider requests in seconds",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "status_code"},
		),

		RedisConnections: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "redis_connections",
				Help:      "Number of Redis connections",
			},
			[]string{"state"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of panics recovered",
			},
			[]string{"component"},
		),

		gatherer: registry,
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.AdmissionDecisions,
		m.RateLimitKeys,
		m.RateLimitEvictions,
		m.RetryAttempts,
		m.RetryOutcomes,
		m.AttemptsPerCall,
		m.ProviderRequestDuration,
		m.RedisConnections,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path, statusStr).Observe(duration.Seconds())
}

// ObserveDecision implements ratelimit.Observer
func (m *Metrics) ObserveDecision(class string, scope ratelimit.Scope, admitted bool) {
	if m.AdmissionDecisions == nil {
		return
	}

	result := "rejected"
	if admitted {
		result = "admitted"
	}
	m.AdmissionDecisions.WithLabelValues(class, string(scope), result).Inc()
}

// ObserveAttempt implements resilience.Observer
func (m *Metrics) ObserveAttempt(operation string, c resilience.Classification) {
	if m.RetryAttempts == nil {
		return
	}

	m.RetryAttempts.WithLabelValues(operation, c.String()).Inc()
}

// ObserveOutcome implements resilience.Observer
func (m *Metrics) ObserveOutcome(operation string, outcome resilience.Outcome, attempts int) {
	if m.RetryOutcomes == nil {
		return
	}

	m.RetryOutcomes.WithLabelValues(operation, string(outcome)).Inc()
	if attempts > 0 {
		m.AttemptsPerCall.WithLabelValues(operation).Observe(float64(attempts))
	}
}

// RecordProviderRequest records the duration of one provider request
func (m *Metrics) RecordProviderRequest(provider string, statusCode int, duration time.Duration) {
	if m.ProviderRequestDuration == nil {
		return
	}

	m.ProviderRequestDuration.WithLabelValues(provider, strconv.Itoa(statusCode)).Observe(duration.Seconds())
}

// UpdateRateLimitStore updates the rate limit store gauges
func (m *Metrics) UpdateRateLimitStore(stats ratelimit.StoreStats) {
	if m.RateLimitKeys == nil {
		return
	}

	m.RateLimitKeys.Set(float64(stats.Keys))
	m.RateLimitEvictions.Set(float64(stats.Evictions))
}

// UpdateRedisConnections updates Redis connection metrics
func (m *Metrics) UpdateRedisConnections(total, idle, stale int) {
	if m.RedisConnections == nil {
		return
	}

	m.RedisConnections.WithLabelValues("total").Set(float64(total))
	m.RedisConnections.WithLabelValues("idle").Set(float64(idle))
	m.RedisConnections.WithLabelValues("stale").Set(float64(stale))
}

// RecordError records error metrics
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}

	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records panic metrics
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}

	m.PanicsTotal.WithLabelValues(component).Inc()
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, path).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, path, c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// Source supplies gauges sampled by the collector
type Source struct {
	RateLimit func() *ratelimit.StoreStats
	Redis     func() (total, idle, stale int, ok bool)
}

// MetricsCollector collects and updates gauge metrics periodically
type MetricsCollector struct {
	metrics  *Metrics
	source   Source
	interval time.Duration
	stopCh   chan struct{}
}

// NewMetricsCollector creates a new metrics collector
func NewMetricsCollector(metrics *Metrics, source Source, interval time.Duration) *MetricsCollector {
	return &MetricsCollector{
		metrics:  metrics,
		source:   source,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins metrics collection
func (mc *MetricsCollector) Start(ctx context.Context) {
	ticker := time.NewTicker(mc.interval)
	defer ticker.Stop()

	mc.Collect()
	for {
		select {
		case <-ctx.Done():
			return
		case <-mc.stopCh:
			return
		case <-ticker.C:
			mc.Collect()
		}
	}
}

// Stop stops metrics collection
func (mc *MetricsCollector) Stop() {
	close(mc.stopCh)
}

// Collect samples every configured source once
func (mc *MetricsCollector) Collect() {
	if mc.source.RateLimit != nil {
		if stats := mc.source.RateLimit(); stats != nil {
			mc.metrics.UpdateRateLimitStore(*stats)
		}
	}
	if mc.source.Redis != nil {
		if total, idle, stale, ok := mc.source.Redis(); ok {
			mc.metrics.UpdateRedisConnections(total, idle, stale)
		}
	}
}
