// Package metrics holds the Prometheus collectors for kubebox.
// All methods are safe to call on a nil *Metrics, which disables collection.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds Prometheus metrics for sandbox lifecycle management.
// Uses a custom registry, no global state.
type Metrics struct {
	Registry *prometheus.Registry

	SandboxesCreated  prometheus.Counter
	SandboxesReused   prometheus.Counter
	SandboxesDeleted  *prometheus.CounterVec
	CreateFailures    prometheus.Counter
	AdmissionDenials  prometheus.Counter
	ActiveSandboxes   prometheus.Gauge
	DriverDuration    *prometheus.HistogramVec
	SweepDuration     prometheus.Histogram
	SweepExpired      prometheus.Counter
	SweepFailures     prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec
}

// New creates a Metrics with all collectors registered on a fresh registry,
// together with the Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		SandboxesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sandbox",
			Name:      "created_total",
			Help:      "Total sandboxes successfully created.",
		}),
		SandboxesReused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sandbox",
			Name:      "reused_total",
			Help:      "Total create requests answered with an existing live sandbox.",
		}),
		SandboxesDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sandbox",
			Name:      "deleted_total",
			Help:      "Total sandboxes removed, by reason.",
		}, []string{"reason"}),
		CreateFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sandbox",
			Name:      "create_failures_total",
			Help:      "Total sandbox creations that failed or timed out.",
		}),
		AdmissionDenials: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "admission",
			Name:      "denied_total",
			Help:      "Total create requests denied because the client already had one in flight.",
		}),
		ActiveSandboxes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kubebox",
			Subsystem: "sandbox",
			Name:      "active",
			Help:      "Sandboxes currently tracked by the registry.",
		}),
		DriverDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kubebox",
			Subsystem: "driver",
			Name:      "operation_duration_seconds",
			Help:      "Cluster driver operation duration in seconds.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		}, []string{"op", "status"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kubebox",
			Subsystem: "sweeper",
			Name:      "pass_duration_seconds",
			Help:      "Duration of each expiry sweep pass.",
			Buckets:   []float64{0.01, 0.1, 1, 5, 10, 30, 60, 300},
		}),
		SweepExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sweeper",
			Name:      "expired_total",
			Help:      "Total expired sandboxes found by sweep passes.",
		}),
		SweepFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "sweeper",
			Name:      "delete_failures_total",
			Help:      "Total expired sandbox deletions that failed and will be retried.",
		}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kubebox",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP API requests.",
		}, []string{"route", "status"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.SandboxesCreated,
		m.SandboxesReused,
		m.SandboxesDeleted,
		m.CreateFailures,
		m.AdmissionDenials,
		m.ActiveSandboxes,
		m.DriverDuration,
		m.SweepDuration,
		m.SweepExpired,
		m.SweepFailures,
		m.HTTPRequestsTotal,
	)

	return m
}

// ObserveDriver records the duration of a driver call started at start.
func (m *Metrics) ObserveDriver(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.DriverDuration.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}

func (m *Metrics) Created() {
	if m == nil {
		return
	}
	m.SandboxesCreated.Inc()
}

func (m *Metrics) Reused() {
	if m == nil {
		return
	}
	m.SandboxesReused.Inc()
}

func (m *Metrics) Deleted(reason string) {
	if m == nil {
		return
	}
	m.SandboxesDeleted.WithLabelValues(reason).Inc()
}

func (m *Metrics) CreateFailed() {
	if m == nil {
		return
	}
	m.CreateFailures.Inc()
}

func (m *Metrics) Denied() {
	if m == nil {
		return
	}
	m.AdmissionDenials.Inc()
}

// SetActive sets the active sandbox gauge.
func (m *Metrics) SetActive(n int) {
	if m == nil {
		return
	}
	m.ActiveSandboxes.Set(float64(n))
}

// ObserveSweep records one sweep pass.
func (m *Metrics) ObserveSweep(start time.Time, expired, failed int) {
	if m == nil {
		return
	}
	m.SweepDuration.Observe(time.Since(start).Seconds())
	m.SweepExpired.Add(float64(expired))
	m.SweepFailures.Add(float64(failed))
}

// HTTPRequest counts one API request by route pattern and status code.
func (m *Metrics) HTTPRequest(route, status string) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(route, status).Inc()
}
