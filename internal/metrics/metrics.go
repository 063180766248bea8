// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label values for TasksTotal.
const (
	OutcomeOK           = "ok"
	OutcomeFailed       = "failed"
	OutcomeDecodeFailed = "decode_failed"
	OutcomeCrashed      = "crashed"
)

// Metrics groups the collectors of one daemon. Each instance has its own
// registry so tests and in-place restarts don't collide on registration.
type Metrics struct {
	Registry *prometheus.Registry

	TasksTotal      *prometheus.CounterVec
	TaskDuration    prometheus.Histogram
	PopsTotal       *prometheus.CounterVec
	SpilledTotal    prometheus.Counter
	RequeuedTotal   prometheus.Counter
	WorkerRecycles  prometheus.Counter
	WorkerCrashes   prometheus.Counter
	WorkersBusy     prometheus.Gauge
	WorkersLive     prometheus.Gauge
	QueueErrorTotal prometheus.Counter
}

// New registers all collectors on a fresh registry, plus the Go runtime and
// process collectors.
func New(service string) *Metrics {
	reg := prometheus.NewRegistry()
	f := factory{reg: reg, labels: prometheus.Labels{"service": service}}

	m := &Metrics{
		Registry: reg,
		TasksTotal: f.counterVec("pushpool_tasks_total",
			"Tasks handled by workers, by outcome.", "outcome"),
		TaskDuration: f.histogram("pushpool_task_duration_seconds",
			"Wall time of a single handler call."),
		PopsTotal: f.counterVec("pushpool_pops_total",
			"Blocking pops issued by dispatchers, by result (data or timeout).", "result"),
		SpilledTotal: f.counter("pushpool_spilled_total",
			"Payloads moved to spill files before dispatch."),
		RequeuedTotal: f.counter("pushpool_requeued_total",
			"Popped payloads put back at the queue head during shutdown."),
		WorkerRecycles: f.counter("pushpool_worker_recycles_total",
			"Workers replaced after reaching max executions."),
		WorkerCrashes: f.counter("pushpool_worker_crashes_total",
			"Workers replaced after a crash."),
		WorkersBusy: f.gauge("pushpool_workers_busy",
			"Workers currently running a handler."),
		WorkersLive: f.gauge("pushpool_workers_live",
			"Workers that are not terminated."),
		QueueErrorTotal: f.counter("pushpool_queue_errors_total",
			"Queue source errors seen by dispatchers."),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

type factory struct {
	reg    *prometheus.Registry
	labels prometheus.Labels
}

func (f factory) counter(name, help string) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: f.labels})
	f.reg.MustRegister(c)
	return c
}

func (f factory) counterVec(name, help string, labels ...string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: f.labels}, labels)
	f.reg.MustRegister(c)
	return c
}

func (f factory) gauge(name, help string) prometheus.Gauge {
	g := prometheus.NewGauge(prometheus.GaugeOpts{Name: name, Help: help, ConstLabels: f.labels})
	f.reg.MustRegister(g)
	return g
}

func (f factory) histogram(name, help string) prometheus.Histogram {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:        name,
		Help:        help,
		ConstLabels: f.labels,
		Buckets:     prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	f.reg.MustRegister(h)
	return h
}
