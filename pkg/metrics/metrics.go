package metrics

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the orchestration core
type Metrics struct {
	// Provider call metrics
	ProviderRequestsTotal   *prometheus.CounterVec
	ProviderRequestDuration *prometheus.HistogramVec
	ProviderTokensTotal     *prometheus.CounterVec
	ProviderCostTotal       *prometheus.CounterVec

	// Resilience metrics
	RetriesTotal            *prometheus.CounterVec
	RateLimitWaitDuration   *prometheus.HistogramVec
	RateLimitTimeoutsTotal  *prometheus.CounterVec
	CircuitTransitionsTotal *prometheus.CounterVec
	CircuitState            *prometheus.GaugeVec
	KeyRotationsTotal       *prometheus.CounterVec

	// Execution metrics
	ExecutionsTotal       *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec
	ConsolidationsTotal   *prometheus.CounterVec
	ConsolidatedOutputs   *prometheus.HistogramVec

	registry *prometheus.Registry
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "modelmux",
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

	m := &Metrics{
		ProviderRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_requests_total",
				Help:      "Total number of provider calls",
			},
			[]string{"provider", "model", "status"},
		),
		ProviderRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_request_duration_seconds",
				Help:      "Provider call duration in seconds",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"provider", "model"},
		),
		ProviderTokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_tokens_total",
				Help:      "Total tokens consumed per provider",
			},
			[]string{"provider", "direction"},
		),
		ProviderCostTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "provider_cost_usd_total",
				Help:      "Total estimated cost in USD per provider",
			},
			[]string{"provider"},
		),
		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retries_total",
				Help:      "Total retry attempts by error kind",
			},
			[]string{"provider", "error_kind"},
		),
		RateLimitWaitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_wait_seconds",
				Help:      "Time spent waiting for rate limiter tokens",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
			},
			[]string{"provider"},
		),
		RateLimitTimeoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "rate_limit_timeouts_total",
				Help:      "Total rate limiter acquisitions that timed out",
			},
			[]string{"provider"},
		),
		CircuitTransitionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total circuit breaker state transitions",
			},
			[]string{"provider", "from", "to"},
		),
		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state (0=closed, 1=open, 2=half-open)",
			},
			[]string{"provider"},
		),
		KeyRotationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "key_rotations_total",
				Help:      "Total credential rotations",
			},
			[]string{"provider", "reason"},
		),
		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "executions_total",
				Help:      "Total multi-model executions",
			},
			[]string{"mode", "status"},
		),
		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "execution_duration_seconds",
				Help:      "Multi-model execution duration in seconds",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"mode"},
		),
		ConsolidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "consolidations_total",
				Help:      "Total consolidation passes",
			},
			[]string{"status"},
		),
		ConsolidatedOutputs: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "consolidated_outputs",
				Help:      "Number of outputs after consolidation",
				Buckets:   []float64{1, 2, 3, 4, 5, 8, 12, 20},
			},
			[]string{},
		),
		registry: prometheus.NewRegistry(),
	}

	m.registry.MustRegister(
		m.ProviderRequestsTotal,
		m.ProviderRequestDuration,
		m.ProviderTokensTotal,
		m.ProviderCostTotal,
		m.RetriesTotal,
		m.RateLimitWaitDuration,
		m.RateLimitTimeoutsTotal,
		m.CircuitTransitionsTotal,
		m.CircuitState,
		m.KeyRotationsTotal,
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ConsolidationsTotal,
		m.ConsolidatedOutputs,
	)

	return m
}

// Handler returns a gin handler serving the metrics registry
func (m *Metrics) Handler() gin.HandlerFunc {
	if m.registry == nil {
		return func(c *gin.Context) { c.Status(204) }
	}
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordProviderCall records a single provider call outcome
func (m *Metrics) RecordProviderCall(provider, model, status string, duration time.Duration) {
	if m.ProviderRequestsTotal == nil {
		return
	}
	m.ProviderRequestsTotal.WithLabelValues(provider, model, status).Inc()
	m.ProviderRequestDuration.WithLabelValues(provider, model).Observe(duration.Seconds())
}

// RecordTokens records token usage for a provider call
func (m *Metrics) RecordTokens(provider string, input, output int) {
	if m.ProviderTokensTotal == nil {
		return
	}
	m.ProviderTokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.ProviderTokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

// RecordCost records estimated cost for a provider call
func (m *Metrics) RecordCost(provider string, costUSD float64) {
	if m.ProviderCostTotal == nil {
		return
	}
	m.ProviderCostTotal.WithLabelValues(provider).Add(costUSD)
}

// RecordRetry records a retry attempt
func (m *Metrics) RecordRetry(provider, errorKind string) {
	if m.RetriesTotal == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(provider, errorKind).Inc()
}

// RecordRateLimitWait records the wait observed acquiring rate limiter tokens
func (m *Metrics) RecordRateLimitWait(provider string, waited time.Duration) {
	if m.RateLimitWaitDuration == nil {
		return
	}
	m.RateLimitWaitDuration.WithLabelValues(provider).Observe(waited.Seconds())
}

// RecordRateLimitTimeout records a rate limiter acquisition timeout
func (m *Metrics) RecordRateLimitTimeout(provider string) {
	if m.RateLimitTimeoutsTotal == nil {
		return
	}
	m.RateLimitTimeoutsTotal.WithLabelValues(provider).Inc()
}

// RecordCircuitTransition records a circuit breaker state change
func (m *Metrics) RecordCircuitTransition(provider, from, to string, stateValue float64) {
	if m.CircuitTransitionsTotal == nil {
		return
	}
	m.CircuitTransitionsTotal.WithLabelValues(provider, from, to).Inc()
	m.CircuitState.WithLabelValues(provider).Set(stateValue)
}

// RecordKeyRotation records a credential rotation
func (m *Metrics) RecordKeyRotation(provider, reason string) {
	if m.KeyRotationsTotal == nil {
		return
	}
	m.KeyRotationsTotal.WithLabelValues(provider, reason).Inc()
}

// RecordExecution records a multi-model execution
func (m *Metrics) RecordExecution(mode, status string, duration time.Duration) {
	if m.ExecutionsTotal == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(mode, status).Inc()
	m.ExecutionDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

// RecordConsolidation records a consolidation pass
func (m *Metrics) RecordConsolidation(status string, outputs int) {
	if m.ConsolidationsTotal == nil {
		return
	}
	m.ConsolidationsTotal.WithLabelValues(status).Inc()
	m.ConsolidatedOutputs.WithLabelValues().Observe(float64(outputs))
}
