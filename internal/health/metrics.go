// Package health exposes Prometheus metrics and the optional metrics/health
// HTTP listener.
package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Lifecycle metrics
	issuanceTotal       *prometheus.CounterVec
	rotationTotal       *prometheus.CounterVec
	rotationDuration    *prometheus.HistogramVec
	retirementTotal     *prometheus.CounterVec
	propagationFailures *prometheus.CounterVec

	// Scanner metrics
	scanNotificationsTotal *prometheus.CounterVec
	scanErrorsTotal        prometheus.Counter

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// LifecycleMetrics provides methods to record lifecycle metrics. The methods
// are no-ops until InitMetrics has run, so library users without Prometheus
// pay nothing.
type LifecycleMetrics struct{}

// NewLifecycleMetrics creates a new LifecycleMetrics instance.
func NewLifecycleMetrics() *LifecycleMetrics {
	return &LifecycleMetrics{}
}

// InitMetrics initializes all Prometheus metrics.
// This should be called once at startup if Prometheus metrics are enabled.
func InitMetrics() {
	metricsOnce.Do(func() {
		issuanceTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taokey_issuance_total",
				Help: "Total number of initial key issuances",
			},
			[]string{"environment", "status"},
		)

		rotationTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taokey_rotation_total",
				Help: "Total number of key rotations",
			},
			[]string{"environment", "status"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "taokey_rotation_duration_seconds",
				Help:    "Duration of key rotations in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"environment"},
		)

		retirementTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taokey_retirement_total",
				Help: "Total number of grace-window key retirements",
			},
			[]string{"environment", "status"},
		)

		propagationFailures = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taokey_propagation_failures_total",
				Help: "Total number of exhausted propagation attempts",
			},
			[]string{"step"},
		)

		scanNotificationsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "taokey_scan_notifications_total",
				Help: "Total number of expiry notifications emitted by the scanner",
			},
			[]string{"urgency"},
		)

		scanErrorsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "taokey_scan_errors_total",
				Help: "Total number of per-record errors during scan passes",
			},
		)

		metricsRegistered = true
	})
}

// RecordIssuance records an issuance attempt.
func (m *LifecycleMetrics) RecordIssuance(environment, status string) {
	if metricsRegistered && issuanceTotal != nil {
		issuanceTotal.WithLabelValues(environment, status).Inc()
	}
}

// RecordRotation records a rotation attempt and its duration.
func (m *LifecycleMetrics) RecordRotation(environment, status string, seconds float64) {
	if !metricsRegistered {
		return
	}
	if rotationTotal != nil {
		rotationTotal.WithLabelValues(environment, status).Inc()
	}
	if rotationDuration != nil {
		rotationDuration.WithLabelValues(environment).Observe(seconds)
	}
}

// RecordRetirement records a retirement attempt.
func (m *LifecycleMetrics) RecordRetirement(environment, status string) {
	if metricsRegistered && retirementTotal != nil {
		retirementTotal.WithLabelValues(environment, status).Inc()
	}
}

// RecordPropagationFailure records an exhausted propagation step.
func (m *LifecycleMetrics) RecordPropagationFailure(step string) {
	if metricsRegistered && propagationFailures != nil {
		propagationFailures.WithLabelValues(step).Inc()
	}
}

// RecordScanNotification records an emitted expiry notification.
func (m *LifecycleMetrics) RecordScanNotification(urgency string) {
	if metricsRegistered && scanNotificationsTotal != nil {
		scanNotificationsTotal.WithLabelValues(urgency).Inc()
	}
}

// RecordScanError records a per-record scanner failure.
func (m *LifecycleMetrics) RecordScanError() {
	if metricsRegistered && scanErrorsTotal != nil {
		scanErrorsTotal.Inc()
	}
}
