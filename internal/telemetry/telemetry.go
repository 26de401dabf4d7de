package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/3cpo-dev/hubmon/pkg/api"
)

var healthStatuses = []api.HealthStatus{api.StatusHealthy, api.StatusDegraded, api.StatusUnhealthy, api.StatusUnknown}

// Metrics holds the Prometheus collectors for the monitor. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	PollCycles         prometheus.Counter
	PollCycleDuration  prometheus.Histogram
	IntegrationStatus  *prometheus.GaugeVec
	IntegrationLatency *prometheus.GaugeVec
	CheckFailures      *prometheus.CounterVec

	FeedFetches *prometheus.CounterVec
	FeedWindow  prometheus.Gauge

	Dispatches *prometheus.CounterVec
}

// NewMetrics creates the collectors on a private registry so several
// monitors (and tests) can coexist in one process.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PollCycles: f.NewCounter(prometheus.CounterOpts{
			Name: "hubmon_health_cycles_total",
			Help: "Completed health poll cycles",
		}),
		PollCycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "hubmon_health_cycle_duration_seconds",
			Help:    "Wall time of a health poll cycle",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		IntegrationStatus: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubmon_integration_status",
			Help: "1 for the integration's current status, 0 otherwise",
		}, []string{"integration", "status"}),
		IntegrationLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hubmon_integration_latency_milliseconds",
			Help: "Latency reported by the last health check",
		}, []string{"integration"}),
		CheckFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubmon_health_check_failures_total",
			Help: "Health checks that could not determine a status",
		}, []string{"integration", "reason"}),
		FeedFetches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubmon_feed_fetches_total",
			Help: "Execution feed fetches by outcome",
		}, []string{"result"}),
		FeedWindow: f.NewGauge(prometheus.GaugeOpts{
			Name: "hubmon_feed_window_records",
			Help: "Records in the exposed execution window",
		}),
		Dispatches: f.NewCounterVec(prometheus.CounterOpts{
			Name: "hubmon_dispatches_total",
			Help: "Dispatched actions by kind and outcome",
		}, []string{"action", "result"}),
	}
}

// ObserveSnapshot records a published health snapshot.
func (m *Metrics) ObserveSnapshot(snap api.HealthSnapshot, took time.Duration) {
	if m == nil {
		return
	}
	m.PollCycles.Inc()
	m.PollCycleDuration.Observe(took.Seconds())
	for _, h := range snap.Integrations {
		for _, st := range healthStatuses {
			v := 0.0
			if h.Status == st {
				v = 1
			}
			m.IntegrationStatus.WithLabelValues(h.ID, string(st)).Set(v)
		}
		if h.LatencyMs != nil {
			m.IntegrationLatency.WithLabelValues(h.ID).Set(float64(*h.LatencyMs))
		}
	}
}

func (m *Metrics) CheckFailed(id, reason string) {
	if m == nil {
		return
	}
	m.CheckFailures.WithLabelValues(id, reason).Inc()
}

// FeedFetch counts a fetch outcome: applied, stale, error or skipped.
func (m *Metrics) FeedFetch(result string, window int) {
	if m == nil {
		return
	}
	m.FeedFetches.WithLabelValues(result).Inc()
	if result == "applied" {
		m.FeedWindow.Set(float64(window))
	}
}

func (m *Metrics) Dispatch(action string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Dispatches.WithLabelValues(action, result).Inc()
}
