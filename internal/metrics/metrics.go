// Package metrics records provisioning run and step measurements in a
// Prometheus registry. The CLI is short-lived, so metrics are written to a
// text file for the node_exporter textfile collector instead of being served.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jbweber/provision/internal/orchestrator"
	"github.com/jbweber/provision/internal/plan"
	"github.com/jbweber/provision/internal/status"
)

// Namespace prefixes every metric name.
const Namespace = "provision"

// stepBuckets covers fast no-op steps up to slow disk creation.
var stepBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300}

// Metrics implements orchestrator.Recorder.
type Metrics struct {
	registry *prometheus.Registry

	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec

	rollbacksTotal *prometheus.CounterVec

	runsTotal   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
}

var _ orchestrator.Recorder = (*Metrics)(nil)

// New creates the metrics on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "steps_total",
				Help:      "Total number of executed plan steps by outcome",
			},
			[]string{"provider", "step", "status"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "step_duration_seconds",
				Help:      "Duration of plan step execution in seconds",
				Buckets:   stepBuckets,
			},
			[]string{"provider", "step"},
		),
		rollbacksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "rollbacks_total",
				Help:      "Total number of rollback actions by result",
			},
			[]string{"provider", "step", "result"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "runs_total",
				Help:      "Total number of provisioning runs by final phase",
			},
			[]string{"provider", "phase"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of provisioning runs in seconds",
				Buckets:   stepBuckets,
			},
			[]string{"provider"},
		),
	}

	m.registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.rollbacksTotal,
		m.runsTotal,
		m.runDuration,
	)
	return m
}

// Registry returns the registry holding the metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveStep records one executed step.
func (m *Metrics) ObserveStep(providerName string, step plan.StepName, s orchestrator.StepStatus, d time.Duration) {
	m.stepsTotal.WithLabelValues(providerName, string(step), string(s)).Inc()
	m.stepDuration.WithLabelValues(providerName, string(step)).Observe(d.Seconds())
}

// ObserveRollback records one rollback action.
func (m *Metrics) ObserveRollback(providerName string, step plan.StepName, ok bool) {
	result := "failed"
	if ok {
		result = "succeeded"
	}
	m.rollbacksTotal.WithLabelValues(providerName, string(step), result).Inc()
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(providerName string, phase status.Phase, d time.Duration) {
	m.runsTotal.WithLabelValues(providerName, string(phase)).Inc()
	m.runDuration.WithLabelValues(providerName).Observe(d.Seconds())
}

// WriteFile writes the metrics in the Prometheus text format. The file is
// replaced atomically.
func (m *Metrics) WriteFile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics to %s: %w", path, err)
	}
	return nil
}
