// Package metrics exposes pipeline run metrics for Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"salesetl/internal/etl"
)

const namespace = "salesetl"

// Metrics holds the pipeline collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	RunsTotal    *prometheus.CounterVec
	StepDuration *prometheus.HistogramVec
	StepRows     *prometheus.CounterVec
	LastSuccess  prometheus.Gauge
}

// New registers the pipeline collectors along with the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Pipeline runs by final status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of pipeline steps.",
			Buckets:   []float64{.05, .25, 1, 5, 15, 60, 300},
		}, []string{"step", "status"}),
		StepRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_rows_total",
			Help:      "Rows written by pipeline steps.",
		}, []string{"step"}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}),
	}
	m.registry = prometheus.NewRegistry()
	m.registry.MustRegister(
		m.RunsTotal, m.StepDuration, m.StepRows, m.LastSuccess,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveStep records a finished step. Skipped steps are not timed.
func (m *Metrics) ObserveStep(s etl.StepResult) {
	if s.Status == etl.StatusSkipped {
		return
	}
	m.StepDuration.WithLabelValues(s.Step, s.Status).Observe(s.Duration.Seconds())
	if s.RowsOut > 0 {
		m.StepRows.WithLabelValues(s.Step).Add(float64(s.RowsOut))
	}
}

// ObserveRun records the outcome of a run.
func (m *Metrics) ObserveRun(r *etl.RunResult) {
	if r == nil {
		return
	}
	m.RunsTotal.WithLabelValues(r.Status).Inc()
	if r.Status == etl.StatusSuccess {
		m.LastSuccess.Set(float64(r.FinishedAt.Unix()))
	}
}

// ObserveRejected counts a run that was refused because another one was
// still in progress.
func (m *Metrics) ObserveRejected() {
	m.RunsTotal.WithLabelValues("rejected").Inc()
}
