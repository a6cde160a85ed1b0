package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "kanri"

// InstanceStates are the values the instance state gauge is reported for.
var InstanceStates = []string{"not-installed", "running", "stopped", "error"}

// Metrics owns a private registry. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	operations    *prometheus.CounterVec
	opDuration    *prometheus.HistogramVec
	instanceState *prometheus.GaugeVec
	monitorPolls  *prometheus.CounterVec
}

// NewMetrics registers Kanri's collectors plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "target",
				Name:      "operations_total",
				Help:      "Target lifecycle operations by result.",
			},
			[]string{"target", "op", "result"},
		),
		opDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "target",
				Name:      "operation_duration_seconds",
				Help:      "Target lifecycle operation duration in seconds.",
				Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
			},
			[]string{"target", "op"},
		),
		instanceState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "instance",
				Name:      "state",
				Help:      "1 for the last observed state of each instance, 0 otherwise.",
			},
			[]string{"profile", "target", "state"},
		),
		monitorPolls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "monitor",
				Name:      "polls_total",
				Help:      "Status polls by target and whether the state changed.",
			},
			[]string{"target", "changed"},
		),
	}
	m.registry.MustRegister(
		m.operations, m.opDuration, m.instanceState, m.monitorPolls,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveOperation counts one lifecycle call and records its duration.
// result is "ok" or the error kind.
func (m *Metrics) ObserveOperation(target, op, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(target, op, result).Inc()
	m.opDuration.WithLabelValues(target, op).Observe(d.Seconds())
}

// SetInstanceState marks state as current for profile and clears the others.
func (m *Metrics) SetInstanceState(profile, target, state string) {
	if m == nil {
		return
	}
	for _, s := range InstanceStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.instanceState.WithLabelValues(profile, target, s).Set(v)
	}
}

// ForgetInstance drops every state series for profile.
func (m *Metrics) ForgetInstance(profile, target string) {
	if m == nil {
		return
	}
	for _, s := range InstanceStates {
		m.instanceState.DeleteLabelValues(profile, target, s)
	}
}

// ObservePoll counts one monitor poll.
func (m *Metrics) ObservePoll(target string, changed bool) {
	if m == nil {
		return
	}
	label := "false"
	if changed {
		label = "true"
	}
	m.monitorPolls.WithLabelValues(target, label).Inc()
}
