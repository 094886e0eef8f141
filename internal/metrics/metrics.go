// Package metrics exposes the pipeline's prometheus instrumentation.
package metrics

import (
	"errors"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/civicforms/uploadgate/pkg/transfer"
)

// Config configures the collectors.
type Config struct {
	// Namespace is the metrics namespace (default: "uploadgate").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for callback duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collectors.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "uploadgate",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Sources supplies live gauge readings from the pipeline components.
// Nil funcs leave the corresponding gauge unregistered.
type Sources struct {
	// ActiveProcesses reads the orchestrator's in-flight count.
	ActiveProcesses func() int

	// FallbackSize reads the tracker's fallback entry count.
	FallbackSize func() int

	// Degraded reports whether the tracker primary is unavailable.
	Degraded func() bool
}

// Metrics holds the pipeline collectors. Create with New.
type Metrics struct {
	callbacksTotal   *prometheus.CounterVec
	callbackDuration *prometheus.HistogramVec
	callbackErrors   *prometheus.CounterVec
	validationsTotal *prometheus.CounterVec
	rateLimitDenials prometheus.Counter
}

// New registers the pipeline collectors and returns the recording
// surface.
//
// Metrics collected:
//   - uploadgate_callbacks_total: Counter of callbacks by status and outcome
//   - uploadgate_callback_duration_seconds: Histogram of processing duration
//   - uploadgate_callback_errors_total: Counter of errors by category
//   - uploadgate_validations_total: Counter of security validations by level
//   - uploadgate_rate_limit_denials_total: Counter of rate-limit denials
//   - uploadgate_active_processes: Gauge of in-flight uploads
//   - uploadgate_tracker_fallback_entries: Gauge of fallback store size
//   - uploadgate_tracker_degraded: Gauge, 1 while the primary is unavailable
func New(sources Sources, opts ...Option) *Metrics {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}

	factory := promauto.With(config.Registry)

	m := &Metrics{
		callbacksTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "callbacks_total",
			Help:        "Total number of scan callbacks processed",
			ConstLabels: config.ConstLabels,
		}, []string{"status", "outcome"}),

		callbackDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "callback_duration_seconds",
			Help:        "Callback processing duration in seconds",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}, []string{"status"}),

		callbackErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "callback_errors_total",
			Help:        "Total number of callback processing errors",
			ConstLabels: config.ConstLabels,
		}, []string{"category"}),

		validationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "validations_total",
			Help:        "Total number of security validations by risk level",
			ConstLabels: config.ConstLabels,
		}, []string{"level"}),

		rateLimitDenials: factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "rate_limit_denials_total",
			Help:        "Total number of requests denied by the rate limiter",
			ConstLabels: config.ConstLabels,
		}),
	}

	if sources.ActiveProcesses != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "active_processes",
			Help:        "Number of uploads currently being processed",
			ConstLabels: config.ConstLabels,
		}, func() float64 { return float64(sources.ActiveProcesses()) })
	}
	if sources.FallbackSize != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "tracker_fallback_entries",
			Help:        "Number of records held in the tracker's local fallback",
			ConstLabels: config.ConstLabels,
		}, func() float64 { return float64(sources.FallbackSize()) })
	}
	if sources.Degraded != nil {
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "tracker_degraded",
			Help:        "1 while the tracker primary store is unavailable",
			ConstLabels: config.ConstLabels,
		}, func() float64 {
			if sources.Degraded() {
				return 1
			}
			return 0
		})
	}

	return m
}

// ObserveCallback records the outcome and duration of one processed
// callback.
func (m *Metrics) ObserveCallback(status string, duration time.Duration, err error) {
	m.callbackDuration.WithLabelValues(status).Observe(duration.Seconds())

	outcome := "success"
	if err != nil {
		outcome = "error"
		m.callbackErrors.WithLabelValues(categorizeError(err)).Inc()
	}
	m.callbacksTotal.WithLabelValues(status, outcome).Inc()
}

// RecordValidation records one security validation by its risk level.
func (m *Metrics) RecordValidation(level string) {
	m.validationsTotal.WithLabelValues(level).Inc()
}

// RecordRateLimitDenial records one rate-limited request.
func (m *Metrics) RecordRateLimitDenial() {
	m.rateLimitDenials.Inc()
}

// categorizeError maps errors onto a bounded label set; raw messages
// would blow up cardinality.
func categorizeError(err error) string {
	var (
		verr *transfer.ValidationError
		terr *transfer.TransientError
	)
	switch {
	case errors.Is(err, transfer.ErrConcurrencyConflict):
		return "conflict"
	case errors.Is(err, transfer.ErrDeadlineExceeded):
		return "timeout"
	case errors.As(err, &verr):
		return "validation"
	case errors.As(err, &terr):
		return "transient"
	case strings.Contains(strings.ToLower(err.Error()), "timeout"):
		return "timeout"
	default:
		return "internal"
	}
}
