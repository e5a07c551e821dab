package bootstrap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var _ prometheus.Collector = (*Metrics)(nil)

// Metrics collects per-run bootstrap metrics. A nil *Metrics discards
// everything, so components can be used without one.
type Metrics struct {
	// phaseDuration - seconds spent reaching each phase.
	phaseDuration *prometheus.HistogramVec
	// initOutcomes - consensus init outcomes by node and outcome.
	initOutcomes *prometheus.CounterVec
	// convergenceAttempts - leader queries issued by the poller.
	convergenceAttempts prometheus.Counter
	// degradedNodes - nodes skipped by later phases.
	degradedNodes prometheus.Gauge
	// leaderID - the elected leader, 0 until convergence.
	leaderID prometheus.Gauge
}

func NewMetrics() *Metrics {
	return &Metrics{
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "pgraftctl",
			Subsystem: "bootstrap",
			Name:      "phase_duration_seconds",
			Help:      "Time spent reaching each bootstrap phase",
			Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"phase"}),
		initOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pgraftctl",
			Subsystem: "bootstrap",
			Name:      "consensus_init_total",
			Help:      "Consensus initialization outcomes per node",
		}, []string{"node", "outcome"}),
		convergenceAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pgraftctl",
			Subsystem: "bootstrap",
			Name:      "convergence_attempts_total",
			Help:      "Leader queries issued while waiting for convergence",
		}),
		degradedNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgraftctl",
			Subsystem: "bootstrap",
			Name:      "degraded_nodes",
			Help:      "Nodes marked degraded during the run",
		}),
		leaderID: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pgraftctl",
			Subsystem: "bootstrap",
			Name:      "leader_id",
			Help:      "Consensus leader id observed at convergence",
		}),
	}
}

func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.phaseDuration.Describe(ch)
	m.initOutcomes.Describe(ch)
	m.convergenceAttempts.Describe(ch)
	m.degradedNodes.Describe(ch)
	m.leaderID.Describe(ch)
}

func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.phaseDuration.Collect(ch)
	m.initOutcomes.Collect(ch)
	m.convergenceAttempts.Collect(ch)
	m.degradedNodes.Collect(ch)
	m.leaderID.Collect(ch)
}

func (m *Metrics) PhaseReached(phase Phase, took time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.With(prometheus.Labels{"phase": phase.String()}).Observe(took.Seconds())
}

func (m *Metrics) InitOutcome(node string, outcome InitOutcome) {
	if m == nil {
		return
	}
	m.initOutcomes.With(prometheus.Labels{"node": node, "outcome": outcome.String()}).Inc()
}

func (m *Metrics) ConvergenceAttempt() {
	if m == nil {
		return
	}
	m.convergenceAttempts.Inc()
}

func (m *Metrics) NodeDegraded() {
	if m == nil {
		return
	}
	m.degradedNodes.Inc()
}

func (m *Metrics) LeaderElected(id int64) {
	if m == nil {
		return
	}
	m.leaderID.Set(float64(id))
}

// WriteTextfile writes the current values in the text exposition format,
// for pickup by a node exporter textfile collector.
func (m *Metrics) WriteTextfile(path string) error {
	registry := prometheus.NewRegistry()
	if err := registry.Register(m); err != nil {
		return err
	}
	return prometheus.WriteToTextfile(path, registry)
}
