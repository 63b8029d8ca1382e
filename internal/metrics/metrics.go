// Package metrics exposes Prometheus counters/gauges/histograms via
// promauto, served over promhttp on the telemetry-endpoint config value.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles every counter/gauge/histogram the core components
// update, constructed once at process start and composed into each
// component the way the logger and config are.
type Registry struct {
	QueueDepth          *prometheus.GaugeVec
	BuildDuration       *prometheus.HistogramVec
	BuildOutcomes       *prometheus.CounterVec
	CrashesSeen         *prometheus.CounterVec
	CrashesDeduped      *prometheus.CounterVec
	SchedulerTransition *prometheus.CounterVec
	SubmissionOutcomes  *prometheus.CounterVec
	ExternalAPIRetries  *prometheus.CounterVec
	GCSweeps            prometheus.Counter
}

// New registers every metric against a fresh prometheus.Registry.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Registry{
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "crs", Name: "queue_depth", Help: "Current queue length by queue name.",
		}, []string{"queue"}),
		BuildDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "crs", Name: "build_duration_seconds", Help: "Build dispatcher invocation duration.",
		}, []string{"build_type", "sanitizer"}),
		BuildOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "build_outcomes_total", Help: "Build outcomes by type and result.",
		}, []string{"build_type", "outcome"}),
		CrashesSeen: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "crashes_seen_total", Help: "Raw crashes observed by the fuzzer-merge worker.",
		}, []string{"task_id"}),
		CrashesDeduped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "crashes_deduped_total", Help: "Crashes discarded as duplicates of an existing crash_token.",
		}, []string{"task_id"}),
		SchedulerTransition: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "scheduler_transitions_total", Help: "Scheduler state transitions.",
		}, []string{"from", "to"}),
		SubmissionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "submission_outcomes_total", Help: "External API submission terminal outcomes.",
		}, []string{"kind", "result"}),
		ExternalAPIRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "crs", Name: "external_api_retries_total", Help: "Submitter HTTP retry attempts.",
		}, []string{"endpoint"}),
		GCSweeps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "crs", Name: "gc_sweeps_total", Help: "Completed cancellation/GC sweeps.",
		}),
	}, reg
}

// Handler returns the promhttp handler to mount at telemetry-endpoint.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
