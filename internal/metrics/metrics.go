package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus collectors for mtx-sentinel. All methods are
// safe on a nil receiver so callers can run without metrics wired.
type Metrics struct {
	registry             *prometheus.Registry
	sweepDurationSeconds *prometheus.HistogramVec
	streamsTotal         *prometheus.GaugeVec
	nodesReachable       *prometheus.GaugeVec
	checkErrorsTotal     *prometheus.CounterVec
	remediationsTotal    *prometheus.CounterVec
	alertsTotal          *prometheus.CounterVec
	lastSweepGauge       *prometheus.GaugeVec
}

// New initializes a Metrics registry with all collectors registered.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		sweepDurationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mtx_sentinel_sweep_duration_seconds",
			Help:    "Duration of check sweeps in seconds by cadence.",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
		streamsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtx_sentinel_streams_total",
			Help: "Total streams by node and status.",
		}, []string{"node", "status"}),
		nodesReachable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtx_sentinel_node_reachable",
			Help: "Whether the node API answered the last quick sweep (1 or 0).",
		}, []string{"node"}),
		checkErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtx_sentinel_check_errors_total",
			Help: "Total check failures by cadence.",
		}, []string{"kind"}),
		remediationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtx_sentinel_remediations_total",
			Help: "Total remediation attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		alertsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mtx_sentinel_alerts_total",
			Help: "Total alerts emitted by severity.",
		}, []string{"severity"}),
		lastSweepGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "mtx_sentinel_last_successful_sweep_timestamp",
			Help: "Unix timestamp of the last successful sweep by cadence.",
		}, []string{"kind"}),
	}

	registry.MustRegister(
		m.sweepDurationSeconds,
		m.streamsTotal,
		m.nodesReachable,
		m.checkErrorsTotal,
		m.remediationsTotal,
		m.alertsTotal,
		m.lastSweepGauge,
	)

	return m
}

// Handler returns a Prometheus HTTP handler for this registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveSweepDuration records the duration of a completed sweep.
func (m *Metrics) ObserveSweepDuration(kind string, duration time.Duration) {
	if m == nil {
		return
	}
	m.sweepDurationSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}

// SetStreamsTotal sets the streams gauge for the given node/status.
func (m *Metrics) SetStreamsTotal(node string, status string, value int) {
	if m == nil {
		return
	}
	m.streamsTotal.WithLabelValues(node, status).Set(float64(value))
}

// SetNodeReachable records the node's API reachability.
func (m *Metrics) SetNodeReachable(node string, reachable bool) {
	if m == nil {
		return
	}
	v := 0.0
	if reachable {
		v = 1.0
	}
	m.nodesReachable.WithLabelValues(node).Set(v)
}

// IncCheckErrors increments the check failure counter for the cadence.
func (m *Metrics) IncCheckErrors(kind string) {
	if m == nil {
		return
	}
	m.checkErrorsTotal.WithLabelValues(kind).Inc()
}

// IncRemediations increments the remediation counter for action/outcome.
func (m *Metrics) IncRemediations(action string, outcome string) {
	if m == nil {
		return
	}
	m.remediationsTotal.WithLabelValues(action, outcome).Inc()
}

// IncAlertsTotal increments the alerts counter for the given severity.
func (m *Metrics) IncAlertsTotal(severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(severity).Inc()
}

// SetLastSweepTimestamp sets the last successful sweep time per cadence.
func (m *Metrics) SetLastSweepTimestamp(kind string, t time.Time) {
	if m == nil {
		return
	}
	m.lastSweepGauge.WithLabelValues(kind).Set(float64(t.Unix()))
}
