package agent

import (
	"github.com/prometheus/client_golang/prometheus"
)

type metrics struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	inFlight          prometheus.Gauge
	errorLookups      *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellpipe",
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Executions served, by kind and result.",
		}, []string{"kind", "result"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shellpipe",
			Subsystem: "agent",
			Name:      "execution_duration_seconds",
			Help:      "Execution latency in seconds, by kind.",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
		}, []string{"kind"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "shellpipe",
			Subsystem: "agent",
			Name:      "executions_in_flight",
			Help:      "Executions currently running.",
		}),
		errorLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shellpipe",
			Subsystem: "agent",
			Name:      "error_lookups_total",
			Help:      "Error message lookups, by whether the code was cached.",
		}, []string{"result"}),
	}
	reg.MustRegister(m.executions, m.executionDuration, m.inFlight, m.errorLookups)
	return m
}
