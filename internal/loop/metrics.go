package loop

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics records loop activity. A nil *Metrics is valid and records nothing.
type Metrics struct {
	iterations        *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	outcomes          *prometheus.CounterVec
	checkpoints       *prometheus.CounterVec
	conditionEvals    *prometheus.CounterVec
	activeRuns        prometheus.Gauge
}

// NewMetrics registers the loop collectors on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		iterations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goloop",
			Name:      "iterations_total",
			Help:      "Iterations completed by the work function.",
		}, []string{"agent"}),
		iterationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "goloop",
			Name:      "iteration_duration_seconds",
			Help:      "Wall time of one iteration including condition evaluation.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"agent"}),
		outcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goloop",
			Name:      "runs_total",
			Help:      "Finished runs by outcome.",
		}, []string{"agent", "outcome"}),
		checkpoints: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goloop",
			Name:      "checkpoint_saves_total",
			Help:      "Checkpoint save attempts by result.",
		}, []string{"agent", "result"}),
		conditionEvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "goloop",
			Name:      "condition_evaluations_total",
			Help:      "Exit condition evaluations by type and status.",
		}, []string{"type", "status"}),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "goloop",
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}
}

func (m *Metrics) runStarted() {
	if m != nil {
		m.activeRuns.Inc()
	}
}

func (m *Metrics) runFinished(agent string, o Outcome) {
	if m != nil {
		m.activeRuns.Dec()
		m.outcomes.WithLabelValues(agent, string(o)).Inc()
	}
}

func (m *Metrics) iterationDone(agent string, d time.Duration) {
	if m != nil {
		m.iterations.WithLabelValues(agent).Inc()
		m.iterationDuration.WithLabelValues(agent).Observe(d.Seconds())
	}
}

func (m *Metrics) checkpointSaved(agent string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.checkpoints.WithLabelValues(agent, result).Inc()
}

func (m *Metrics) conditionEvaluated(typ, status string) {
	if m != nil {
		m.conditionEvals.WithLabelValues(typ, status).Inc()
	}
}
