package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics provides Prometheus metrics for the agent. A nil *Metrics is a
// valid no-op collector, so instrumented packages never need nil checks.
type Metrics struct {
	config MetricsConfig

	// Channel metrics
	channelSubmissions    *prometheus.CounterVec
	channelStaleDelivered prometheus.Counter

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Install metrics
	installOutcomes *prometheus.CounterVec

	// Auth metrics
	authOutcomes *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op collector
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		channelSubmissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_submissions_total",
				Help:      "Total channel submissions by outcome",
			},
			[]string{"outcome"},
		),
		channelStaleDelivered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "channel_stale_deliveries_total",
				Help:      "Deliveries discarded because no pending slot existed",
			},
		),
		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Provisioning step executions by step id and outcome",
			},
			[]string{"step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Provisioning step execution duration",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"step"},
		),
		installOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "install_outcomes_total",
				Help:      "Package install outcomes",
			},
			[]string{"outcome"},
		),
		authOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_outcomes_total",
				Help:      "Login attempt outcomes",
			},
			[]string{"outcome"},
		),
	}

	registry.MustRegister(
		m.channelSubmissions,
		m.channelStaleDelivered,
		m.stepsExecuted,
		m.stepDuration,
		m.installOutcomes,
		m.authOutcomes,
	)

	return m, nil
}

// Registry returns the underlying Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ChannelSubmission records a channel submission outcome
// (delivered, timeout, dispatch_error, cancelled).
func (m *Metrics) ChannelSubmission(outcome string) {
	if m == nil || m.channelSubmissions == nil {
		return
	}
	m.channelSubmissions.WithLabelValues(outcome).Inc()
}

// ChannelStaleDelivery records a discarded late or duplicate delivery.
func (m *Metrics) ChannelStaleDelivery() {
	if m == nil || m.channelStaleDelivered == nil {
		return
	}
	m.channelStaleDelivered.Inc()
}

// StepExecuted records a step execution with its outcome and duration.
func (m *Metrics) StepExecuted(step, outcome string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(step, outcome).Inc()
	m.stepDuration.WithLabelValues(step).Observe(duration.Seconds())
}

// InstallOutcome records a package install outcome
// (success, needs_confirmation, failure, timeout).
func (m *Metrics) InstallOutcome(outcome string) {
	if m == nil || m.installOutcomes == nil {
		return
	}
	m.installOutcomes.WithLabelValues(outcome).Inc()
}

// AuthOutcome records a login attempt outcome
// (authenticated, state_mismatch, timeout, cancelled, exchange_failed).
func (m *Metrics) AuthOutcome(outcome string) {
	if m == nil || m.authOutcomes == nil {
		return
	}
	m.authOutcomes.WithLabelValues(outcome).Inc()
}
