package aob

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exposes engine and publisher metrics, all namespaced "aob_".
//
// Expose them for scraping with:
//
//	registry := prometheus.NewRegistry()
//	metrics := aob.NewMetrics(registry)
//	http.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
type Metrics struct {
	runsStarted   prometheus.Counter
	runsFinished  *prometheus.CounterVec
	inflightRuns  prometheus.Gauge
	nodeLatency   *prometheus.HistogramVec
	retries       *prometheus.CounterVec
	decisions     *prometheus.CounterVec
	deferredRecs  prometheus.Counter
	published     prometheus.Counter
	publishFails  prometheus.Counter
	dlqDepth      prometheus.Gauge
	snapshotCount prometheus.Counter
}

// NewMetrics registers the metric set on the given registerer. Pass
// prometheus.DefaultRegisterer for the process-global registry, or a fresh
// registry in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		runsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "aob_runs_started_total",
			Help: "Runs started.",
		}),
		runsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aob_runs_finished_total",
			Help: "Runs reaching a terminal event, by outcome.",
		}, []string{"outcome"}),
		inflightRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aob_inflight_runs",
			Help: "Run drivers currently executing.",
		}),
		nodeLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aob_node_latency_ms",
			Help:    "Node attempt duration in milliseconds, by node and status.",
			Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 10000, 60000},
		}, []string{"node", "status"}),
		retries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aob_node_retries_total",
			Help: "Node retry attempts, by node.",
		}, []string{"node"}),
		decisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "aob_policy_decisions_total",
			Help: "Policy oracle decisions, by verdict.",
		}, []string{"verdict"}),
		deferredRecs: factory.NewCounter(prometheus.CounterOpts{
			Name: "aob_decisions_deferred_total",
			Help: "Decision records the audit sink failed to accept.",
		}),
		published: factory.NewCounter(prometheus.CounterOpts{
			Name: "aob_events_published_total",
			Help: "Events successfully published to the bus.",
		}),
		publishFails: factory.NewCounter(prometheus.CounterOpts{
			Name: "aob_publish_failures_total",
			Help: "Failed publish attempts.",
		}),
		dlqDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "aob_dlq_quarantined",
			Help: "Events quarantined by the publisher since start.",
		}),
		snapshotCount: factory.NewCounter(prometheus.CounterOpts{
			Name: "aob_snapshots_total",
			Help: "Snapshots written.",
		}),
	}
}

// NopMetrics returns metrics bound to a discarded registry, for callers
// that do not monitor.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
