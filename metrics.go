package dtx

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsEvents is an Events sink exporting Prometheus metrics.
type MetricsEvents struct {
	executions  *prometheus.CounterVec
	steps       *prometheus.CounterVec
	stepLatency *prometheus.HistogramVec
}

// NewMetricsEvents registers the engine metrics with reg and returns the
// sink.
func NewMetricsEvents(reg prometheus.Registerer) *MetricsEvents {
	m := &MetricsEvents{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtx_executions_total",
			Help: "Total executions by definition name and outcome.",
		}, []string{"name", "outcome"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "dtx_steps_total",
			Help: "Total step completions by definition name and status.",
		}, []string{"name", "status"}),
		stepLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dtx_step_latency_seconds",
			Help:    "Latency of individual steps in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"name"}),
	}
	reg.MustRegister(m.executions, m.steps, m.stepLatency)
	return m
}

func (m *MetricsEvents) OnStart(name, correlationID string) {}

func (m *MetricsEvents) OnStepSuccess(name, correlationID, stepID string, attempts int, latency time.Duration) {
	m.steps.WithLabelValues(name, "done").Inc()
	m.stepLatency.WithLabelValues(name).Observe(latency.Seconds())
}

func (m *MetricsEvents) OnStepFailed(name, correlationID, stepID string, attempts int, latency time.Duration, err error) {
	m.steps.WithLabelValues(name, "failed").Inc()
	m.stepLatency.WithLabelValues(name).Observe(latency.Seconds())
}

func (m *MetricsEvents) OnCompensated(name, correlationID, stepID string, err error) {
	status := "compensated"
	if err != nil {
		status = "compensation_failed"
	}
	m.steps.WithLabelValues(name, status).Inc()
}

func (m *MetricsEvents) OnCompleted(name, correlationID string, successful bool) {
	outcome := "success"
	if !successful {
		outcome = "failure"
	}
	m.executions.WithLabelValues(name, outcome).Inc()
}
