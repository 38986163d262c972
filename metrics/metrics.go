// Package metrics exports printer activity to Prometheus.
package metrics

import (
	"github.com/nixxel-company-limited/escpos-cloud-printer/connection"
	"github.com/nixxel-company-limited/escpos-cloud-printer/printer"
	"github.com/nixxel-company-limited/escpos-cloud-printer/session"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures the collectors
type Config struct {
	// Namespace is the metrics namespace (default: "cloudprint").
	Namespace string

	// Buckets are the histogram buckets for job duration.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Metrics implements the discovery, connection and session observers
type Metrics struct {
	connectAttempts *prometheus.CounterVec
	connected       prometheus.Gauge
	state           *prometheus.GaugeVec
	jobs            *prometheus.CounterVec
	jobDuration     prometheus.Histogram
	bytesSent       prometheus.Counter
	devicesFound    *prometheus.GaugeVec
}

// New registers the collectors
func New(cfg Config) *Metrics {
	if cfg.Namespace == "" {
		cfg.Namespace = "cloudprint"
	}
	if cfg.Buckets == nil {
		cfg.Buckets = prometheus.DefBuckets
	}
	if cfg.Registry == nil {
		cfg.Registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(cfg.Registry)

	return &Metrics{
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "connect_attempts_total",
			Help:      "Connection attempts by interface and outcome",
		}, []string{"interface", "result"}),

		connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connected",
			Help:      "1 while a printer is connected",
		}),

		state: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 for the others",
		}, []string{"state"}),

		jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "jobs_total",
			Help:      "Finished print jobs by result",
		}, []string{"interface", "state", "status"}),

		jobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Name:      "job_duration_seconds",
			Help:      "Time from first byte written to status answer",
			Buckets:   cfg.Buckets,
		}),

		bytesSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written to printers",
		}),

		devicesFound: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: cfg.Namespace,
			Name:      "discovered_devices",
			Help:      "Devices found by the latest scan of each interface",
		}, []string{"interface"}),
	}
}

// ConnectAttempt counts a finished connect call
func (m *Metrics) ConnectAttempt(kind printer.Kind, err error) {
	result := "ok"
	if err != nil {
		result = string(printer.CodeOf(err))
		if result == "" {
			result = "error"
		}
	}
	m.connectAttempts.WithLabelValues(string(kind), result).Inc()
}

// ConnectionState tracks the connection slot
func (m *Metrics) ConnectionState(s connection.State) {
	for _, st := range []connection.State{connection.Disconnected, connection.Connecting, connection.Connected, connection.Failing} {
		v := 0.0
		if st == s {
			v = 1
		}
		m.state.WithLabelValues(string(st)).Set(v)
	}
	if s == connection.Connected {
		m.connected.Set(1)
	} else {
		m.connected.Set(0)
	}
}

// JobFinished counts a finished send
func (m *Metrics) JobFinished(r session.Result) {
	m.jobs.WithLabelValues(string(r.Device.Interface), string(r.State), string(r.Status)).Inc()
	m.jobDuration.Observe(r.Duration.Seconds())
	m.bytesSent.Add(float64(r.Bytes))
}

// DevicesFound records the size of a scan's device set
func (m *Metrics) DevicesFound(kind printer.Kind, total int) {
	m.devicesFound.WithLabelValues(string(kind)).Set(float64(total))
}
