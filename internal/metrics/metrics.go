// Package metrics exposes sequencer counters and gauges in Prometheus format.
package metrics

import (
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AaronLay10/SentientSequencer/internal/version"
)

const namespace = "sequencer"

// Metrics owns a private registry so tests can build independent instances.
type Metrics struct {
	registry *prometheus.Registry
	started  time.Time

	runs              *prometheus.CounterVec
	iterations        *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	remoteSteps       *prometheus.HistogramVec
	sinkFailures      *prometheus.CounterVec
	runStatus         *prometheus.GaugeVec
	backgroundActive  prometheus.Gauge
	mqttConnected     prometheus.Gauge
	postgresConnected prometheus.Gauge
	connectedServers  prometheus.Gauge
}

// New registers all collectors. station is attached as a constant label.
func New(station string) *Metrics {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "unknown"
	}
	labels := prometheus.Labels{"station": station, "instance": hostname}

	m := &Metrics{
		registry: prometheus.NewRegistry(),
		started:  time.Now(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runs_total",
			Help:        "Runs finished, by ordering and result",
			ConstLabels: labels,
		}, []string{"ordering", "result"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "iterations_total",
			Help:        "Iterations executed, by kind and result",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
		iterationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "iteration_duration_seconds",
			Help:        "Wall time of one iteration from protocol start to run log",
			ConstLabels: labels,
			Buckets:     []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"kind"}),
		remoteSteps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "remote_step_duration_seconds",
			Help:        "Latency of server protocol steps",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}, []string{"step", "status"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "runlog_sink_failures_total",
			Help:        "Run log records a sink failed to store",
			ConstLabels: labels,
		}, []string{"sink"}),
		runStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_status",
			Help:        "1 for the current run status, 0 otherwise",
			ConstLabels: labels,
		}, []string{"status"}),
		backgroundActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "background_run_active",
			Help:        "Whether a background run holds the hardware (1) or not (0)",
			ConstLabels: labels,
		}),
		mqttConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "mqtt_connected",
			Help:        "Whether the MQTT broker is connected (1) or not (0)",
			ConstLabels: labels,
		}),
		postgresConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "postgres_connected",
			Help:        "Whether PostgreSQL is connected (1) or not (0)",
			ConstLabels: labels,
		}),
		connectedServers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "servers_connected",
			Help:        "Number of control servers with a live heartbeat",
			ConstLabels: labels,
		}),
	}

	m.registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		m.runs, m.iterations, m.iterationDuration, m.remoteSteps, m.sinkFailures,
		m.runStatus, m.backgroundActive, m.mqttConnected, m.postgresConnected,
		m.connectedServers,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "uptime_seconds",
			Help:        "Seconds since the sequencer started",
			ConstLabels: labels,
		}, func() float64 { return time.Since(m.started).Seconds() }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Name: "build_info",
			Help:        "Build version",
			ConstLabels: prometheus.Labels{"station": station, "instance": hostname, "version": version.Version},
		}, func() float64 { return 1 }),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGaugeFunc adds a gauge sampled at scrape time.
func (m *Metrics) RegisterGaugeFunc(name, help string, fn func() float64) {
	_ = m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace, Name: name, Help: help,
	}, fn))
}

// RunFinished counts a finished run. result is "completed", "aborted" or "error".
func (m *Metrics) RunFinished(ordering, result string) {
	m.runs.WithLabelValues(ordering, result).Inc()
}

// IterationFinished records one iteration.
func (m *Metrics) IterationFinished(calibration, ok bool, took time.Duration) {
	kind := "measurement"
	if calibration {
		kind = "calibration"
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.iterations.WithLabelValues(kind, result).Inc()
	m.iterationDuration.WithLabelValues(kind).Observe(took.Seconds())
}

// ObserveStep matches servers.StepObserver.
func (m *Metrics) ObserveStep(step, status string, took time.Duration) {
	m.remoteSteps.WithLabelValues(step, status).Observe(took.Seconds())
}

// SinkFailed counts a failed run-log sink write.
func (m *Metrics) SinkFailed(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// SetRunStatus sets the status gauge to current, clearing all of known.
func (m *Metrics) SetRunStatus(current string, known []string) {
	for _, s := range known {
		m.runStatus.WithLabelValues(s).Set(0)
	}
	m.runStatus.WithLabelValues(current).Set(1)
}

func (m *Metrics) SetBackgroundActive(active bool) { m.backgroundActive.Set(boolGauge(active)) }

func (m *Metrics) SetMQTTConnected(ok bool) { m.mqttConnected.Set(boolGauge(ok)) }

func (m *Metrics) SetPostgresConnected(ok bool) { m.postgresConnected.Set(boolGauge(ok)) }

func (m *Metrics) SetConnectedServers(n int) { m.connectedServers.Set(float64(n)) }

func boolGauge(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
