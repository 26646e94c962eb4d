// Package metrics exposes toolkit activity to Prometheus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zigbee-toolkit/internal/coordinator"
	"zigbee-toolkit/internal/toolkit"
)

const namespace = "zigbee_toolkit"

// NewRegistry returns a registry carrying the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Metrics holds the toolkit collectors.
type Metrics struct {
	Executions *prometheus.CounterVec   // labels: command, code
	Duration   *prometheus.HistogramVec // labels: command
	Events     *prometheus.CounterVec   // labels: type
	HTTP       *prometheus.CounterVec   // labels: route, status
}

// New registers the toolkit collectors on reg. deviceCount, when set,
// backs the devices gauge.
func New(reg prometheus.Registerer, deviceCount func() int) *Metrics {
	m := &Metrics{
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Dispatched commands by command and result code.",
		}, []string{"command", "code"}),
		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Command execution time.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"command"}),
		Events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Coordinator events by type.",
		}, []string{"type"}),
		HTTP: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "API requests by route and status.",
		}, []string{"route", "status"}),
	}
	reg.MustRegister(m.Executions, m.Duration, m.Events, m.HTTP)
	if deviceCount != nil {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "devices",
			Help:      "Devices in the store.",
		}, func() float64 { return float64(deviceCount()) }))
	}
	return m
}

// Observe implements toolkit.Observer.
func (m *Metrics) Observe(_ context.Context, req *toolkit.Request, res *toolkit.Result, err error) {
	code := toolkit.ErrorCode(err)
	if code == "" {
		code = "ok"
	}
	command := req.Command
	if !res.Matched {
		// Caller-chosen names would grow the label set without bound.
		command = "unknown"
	}
	m.Executions.WithLabelValues(command, code).Inc()
	m.Duration.WithLabelValues(command).Observe(res.Duration.Seconds())
}

// CountEvents subscribes to every event on bus. The returned function
// unsubscribes.
func (m *Metrics) CountEvents(bus *coordinator.EventBus) func() {
	return bus.OnAll(func(e coordinator.Event) {
		m.Events.WithLabelValues(e.Type).Inc()
	})
}
