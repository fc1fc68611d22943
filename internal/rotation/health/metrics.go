package health

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Rotation metrics
	rotationStartedTotal   *prometheus.CounterVec
	rotationCompletedTotal *prometheus.CounterVec
	rotationDuration       *prometheus.HistogramVec
	rollbackTotal          *prometheus.CounterVec
	jobsInFlight           prometheus.Gauge
	approvalsPending       prometheus.Gauge

	// Health check metrics
	healthCheckDuration *prometheus.HistogramVec
	healthCheckStatus   *prometheus.GaugeVec

	// Registration guard
	metricsOnce       sync.Once
	metricsRegistered bool
)

// RotationMetrics provides methods to record rotation metrics.
// Every method is a no-op until InitMetrics has run.
type RotationMetrics struct{}

// NewRotationMetrics creates a new RotationMetrics instance.
func NewRotationMetrics() *RotationMetrics {
	return &RotationMetrics{}
}

// InitMetrics registers all Prometheus metrics with the default registry.
// It is safe to call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		rotationStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotord_rotation_started_total",
				Help: "Total number of rotation jobs started",
			},
			[]string{"class"},
		)

		rotationCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotord_rotation_completed_total",
				Help: "Total number of rotation jobs that reached a terminal state",
			},
			[]string{"class", "outcome"},
		)

		rotationDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotord_rotation_duration_seconds",
				Help:    "Duration of rotation jobs in seconds",
				Buckets: []float64{1, 5, 10, 30, 60, 300, 3600},
			},
			[]string{"class"},
		)

		rollbackTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rotord_rollback_total",
				Help: "Total number of rollbacks",
			},
			[]string{"class", "reason"},
		)

		jobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rotord_jobs_in_flight",
			Help: "Number of rotation jobs currently being advanced",
		})

		approvalsPending = promauto.NewGauge(prometheus.GaugeOpts{
			Name: "rotord_approvals_pending",
			Help: "Number of approval requests waiting for quorum",
		})

		healthCheckDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rotord_health_check_duration_seconds",
				Help:    "Duration of health check operations in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"class", "check"},
		)

		healthCheckStatus = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rotord_health_check_status",
				Help: "Last health check status (1=healthy, 0=unhealthy)",
			},
			[]string{"class", "check"},
		)

		metricsRegistered = true
	})
}

// RecordRotationStarted records a job leaving PENDING.
func (m *RotationMetrics) RecordRotationStarted(class string) {
	if !metricsRegistered || rotationStartedTotal == nil {
		return
	}
	rotationStartedTotal.WithLabelValues(class).Inc()
}

// RecordRotationCompleted records a job reaching a terminal state.
func (m *RotationMetrics) RecordRotationCompleted(class, outcome string, durationSeconds float64) {
	if !metricsRegistered {
		return
	}

	if rotationCompletedTotal != nil {
		rotationCompletedTotal.WithLabelValues(class, outcome).Inc()
	}

	if rotationDuration != nil {
		rotationDuration.WithLabelValues(class).Observe(durationSeconds)
	}
}

// RecordRollback records a rollback.
func (m *RotationMetrics) RecordRollback(class, reason string) {
	if !metricsRegistered || rollbackTotal == nil {
		return
	}
	rollbackTotal.WithLabelValues(class, reason).Inc()
}

// JobStarted increments the in-flight gauge; call JobFinished when done.
func (m *RotationMetrics) JobStarted() {
	if !metricsRegistered || jobsInFlight == nil {
		return
	}
	jobsInFlight.Inc()
}

// JobFinished decrements the in-flight gauge.
func (m *RotationMetrics) JobFinished() {
	if !metricsRegistered || jobsInFlight == nil {
		return
	}
	jobsInFlight.Dec()
}

// SetApprovalsPending sets the pending approvals gauge.
func (m *RotationMetrics) SetApprovalsPending(n int) {
	if !metricsRegistered || approvalsPending == nil {
		return
	}
	approvalsPending.Set(float64(n))
}

// RecordHealthCheck records a health check result.
func (m *RotationMetrics) RecordHealthCheck(class, check string, healthy bool, durationSeconds float64) {
	if !metricsRegistered {
		return
	}

	if healthCheckDuration != nil {
		healthCheckDuration.WithLabelValues(class, check).Observe(durationSeconds)
	}

	if healthCheckStatus != nil {
		value := 0.0
		if healthy {
			value = 1.0
		}
		healthCheckStatus.WithLabelValues(class, check).Set(value)
	}
}

// GetRotationStartedTotal returns the rotation started counter for testing.
func GetRotationStartedTotal() *prometheus.CounterVec {
	return rotationStartedTotal
}

// GetRotationCompletedTotal returns the rotation completed counter for testing.
func GetRotationCompletedTotal() *prometheus.CounterVec {
	return rotationCompletedTotal
}

// GetRollbackTotal returns the rollback counter for testing.
func GetRollbackTotal() *prometheus.CounterVec {
	return rollbackTotal
}

// GetHealthCheckStatus returns the health check status gauge for testing.
func GetHealthCheckStatus() *prometheus.GaugeVec {
	return healthCheckStatus
}

// IsMetricsRegistered returns whether metrics have been initialized.
func IsMetricsRegistered() bool {
	return metricsRegistered
}
