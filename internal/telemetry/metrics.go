// Package telemetry exposes Prometheus metrics for mode usage, budget
// violations and lifecycle transitions.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"vizmon/internal/models"
)

const namespace = "vizmon"

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	usage       *prometheus.GaugeVec
	budget      *prometheus.GaugeVec
	violations  *prometheus.CounterVec
	openAlerts  *prometheus.GaugeVec
	transitions *prometheus.CounterVec
	failures    *prometheus.CounterVec
	samples     prometheus.Counter
	frames      prometheus.Counter
	activeMode  *prometheus.GaugeVec
	process     *prometheus.GaugeVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		usage: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_usage",
			Help:      "Latest sampled resource usage per mode and dimension.",
		}, []string{"mode", "dimension"}),
		budget: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_budget",
			Help:      "Configured budget per mode and dimension, 0 when unlimited.",
		}, []string{"mode", "dimension"}),
		violations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "budget_events_total",
			Help:      "Budget threshold crossings by kind.",
		}, []string{"mode", "dimension", "kind"}),
		openAlerts: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "budget_violation_open",
			Help:      "1 while a budget dimension is exceeded.",
		}, []string{"mode", "dimension"}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mode_transitions_total",
			Help:      "Mode activations by outcome.",
		}, []string{"mode", "outcome"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lifecycle_failures_total",
			Help:      "Isolated start, dispose and release failures.",
		}, []string{"mode", "phase"}),
		samples: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_samples_total",
			Help:      "Monitor sampling passes.",
		}),
		frames: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "loop_frames_total",
			Help:      "Frames executed by the loop supervisor.",
		}),
		activeMode: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mode_active",
			Help:      "1 for the currently active mode.",
		}, []string{"mode"}),
		process: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_memory_bytes",
			Help:      "Process-wide memory as reported by the runtime and the kernel.",
		}, []string{"kind"}),
	}
}

func (m *Metrics) ObserveUsage(s models.UsageSnapshot) {
	if m == nil {
		return
	}
	for _, d := range models.Dimensions {
		m.usage.WithLabelValues(string(s.Mode), string(d)).Set(float64(s.Value(d)))
	}
}

func (m *Metrics) ObserveBudget(mode models.Mode, b models.Budget) {
	if m == nil {
		return
	}
	for _, d := range models.Dimensions {
		m.budget.WithLabelValues(string(mode), string(d)).Set(float64(b.Limit(d)))
	}
}

func (m *Metrics) BudgetEvent(ev models.BudgetEvent) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(string(ev.Mode), string(ev.Dimension), string(ev.Kind)).Inc()
	open := 0.0
	if ev.Kind == models.BudgetExceeded {
		open = 1
	}
	m.openAlerts.WithLabelValues(string(ev.Mode), string(ev.Dimension)).Set(open)
}

// ResetMode zeroes per-mode gauges after the mode has been torn down.
func (m *Metrics) ResetMode(mode models.Mode) {
	if m == nil {
		return
	}
	for _, d := range models.Dimensions {
		m.usage.WithLabelValues(string(mode), string(d)).Set(0)
		m.openAlerts.WithLabelValues(string(mode), string(d)).Set(0)
	}
}

func (m *Metrics) Transition(mode models.Mode, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(mode), outcome).Inc()
}

func (m *Metrics) Failure(mode models.Mode, phase string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(string(mode), phase).Inc()
}

func (m *Metrics) Sampled() {
	if m == nil {
		return
	}
	m.samples.Inc()
}

func (m *Metrics) Frame() {
	if m == nil {
		return
	}
	m.frames.Inc()
}

// SetActive marks mode as the only active one. An empty mode clears all.
func (m *Metrics) SetActive(mode models.Mode) {
	if m == nil {
		return
	}
	for _, k := range models.AllModes {
		v := 0.0
		if k == mode {
			v = 1
		}
		m.activeMode.WithLabelValues(string(k)).Set(v)
	}
}

func (m *Metrics) ObserveProcess(p models.ProcessMetric) {
	if m == nil {
		return
	}
	m.process.WithLabelValues("heap_alloc").Set(float64(p.HeapAlloc))
	m.process.WithLabelValues("rss").Set(float64(p.RSSBytes))
}
