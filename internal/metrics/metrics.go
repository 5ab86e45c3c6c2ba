// Package metrics exposes in-process Prometheus collectors for task
// execution. Nothing here is ever pushed or scraped remotely; telemetry
// submission is explicitly out of scope for the engine core.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry groups the counters and histograms one orchestrator run feeds.
// Callers that want a /metrics endpoint register Registry's collectors with
// their own prometheus.Registerer; the engine core never does this itself.
type Registry struct {
	TaskDuration    *prometheus.HistogramVec
	CacheLookups    *prometheus.CounterVec
	FastPathResults *prometheus.CounterVec
}

// NewRegistry builds a Registry with unregistered collectors; the caller
// decides whether and where to register them.
func NewRegistry() *Registry {
	return &Registry{
		TaskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "firsttry",
			Name:      "task_duration_seconds",
			Help:      "Duration of a single task's terminal resolution (spawn, cache hit, or skip).",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task_id", "cache_state"}),

		CacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firsttry",
			Name:      "cache_lookups_total",
			Help:      "Per-task cache lookups, partitioned by outcome.",
		}, []string{"task_id", "outcome"}),

		FastPathResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "firsttry",
			Name:      "fast_path_results_total",
			Help:      "Zero-run fast-path evaluations, partitioned by whether they were taken.",
		}, []string{"taken"}),
	}
}

// Collectors returns every collector in Registry, for bulk registration.
func (r *Registry) Collectors() []prometheus.Collector {
	return []prometheus.Collector{r.TaskDuration, r.CacheLookups, r.FastPathResults}
}

// ObserveTask records one task's terminal duration and cache_state.
func (r *Registry) ObserveTask(taskID, cacheState string, seconds float64) {
	r.TaskDuration.WithLabelValues(taskID, cacheState).Observe(seconds)
	outcome := "miss"
	if cacheState == "hit-local" || cacheState == "hit-remote" {
		outcome = "hit"
	}
	r.CacheLookups.WithLabelValues(taskID, outcome).Inc()
}

// ObserveFastPath records whether a run() invocation took the zero-run fast
// path.
func (r *Registry) ObserveFastPath(taken bool) {
	label := "false"
	if taken {
		label = "true"
	}
	r.FastPathResults.WithLabelValues(label).Inc()
}
