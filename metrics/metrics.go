// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskgrid/taskgrid/core"
)

// Collector implements the scheduler's metrics hooks on a dedicated registry.
type Collector struct {
	registry *prometheus.Registry

	runsStarted  *prometheus.CounterVec
	runsFinished *prometheus.CounterVec
	runDuration  prometheus.Histogram
	keywordHits  *prometheus.CounterVec
}

// NewCollector registers all engine metrics. Queue depth and running-run
// gauges read live engine state through the supplied status function.
func NewCollector(status func() core.SchedulerStatus) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		registry: reg,
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgrid_runs_started_total",
			Help: "Runs launched, by job.",
		}, []string{"job"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgrid_runs_finished_total",
			Help: "Terminal runs, by job, status and reason.",
		}, []string{"job", "status", "reason"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "taskgrid_run_duration_seconds",
			Help:    "Wall time from start to terminal state.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		keywordHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskgrid_keyword_hits_total",
			Help: "Keyword rule matches, by kind.",
		}, []string{"kind"}),
	}

	reg.MustRegister(c.runsStarted, c.runsFinished, c.runDuration, c.keywordHits)
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskgrid_queue_depth",
		Help: "Pending runs awaiting admission.",
	}, func() float64 { return float64(status().QueueDepth) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskgrid_running_runs",
		Help: "Runs currently executing.",
	}, func() float64 { return float64(status().RunningRuns) }))
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "taskgrid_scheduler_active",
		Help: "1 while trigger planning is enabled.",
	}, func() float64 {
		if status().Running {
			return 1
		}
		return 0
	}))

	return c
}

// RunStarted implements core.MetricsRecorder.
func (c *Collector) RunStarted(jobID string) {
	c.runsStarted.WithLabelValues(jobID).Inc()
}

// RunFinished implements core.MetricsRecorder.
func (c *Collector) RunFinished(jobID string, status core.RunStatus, reason core.TermReason, duration time.Duration) {
	c.runsFinished.WithLabelValues(jobID, string(status), string(reason)).Inc()
	if duration > 0 {
		c.runDuration.Observe(duration.Seconds())
	}
}

// KeywordHit implements core.MetricsRecorder.
func (c *Collector) KeywordHit(kind core.KeywordKind) {
	c.keywordHits.WithLabelValues(string(kind)).Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
