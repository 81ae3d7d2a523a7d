package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Run metrics
	RunsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_runs_started_total",
			Help: "Total number of research runs started",
		},
		[]string{"mode"},
	)

	RunsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_runs_completed_total",
			Help: "Total number of research runs completed",
		},
		[]string{"mode", "status"},
	)

	RunDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researcher_run_duration_seconds",
			Help:    "Research run duration in seconds",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"mode"},
	)

	RunIterations = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "researcher_run_iterations",
			Help:    "Number of plan/research/review iterations per run",
			Buckets: []float64{1, 2, 3, 4, 5, 8, 10},
		},
	)

	ForcedCompletions = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researcher_forced_completions_total",
			Help: "Runs routed to WRITE because the iteration cap was reached",
		},
	)

	// Node metrics
	NodeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researcher_node_duration_seconds",
			Help:    "Duration of a graph node invocation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"node"},
	)

	// Unit-of-work metrics
	UnitAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_unit_attempts_total",
			Help: "Unit-of-work attempts by role and outcome",
		},
		[]string{"role", "outcome"},
	)

	UnitFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_unit_fallbacks_total",
			Help: "Units of work that exhausted their attempts and returned a sentinel",
		},
		[]string{"role"},
	)

	// Fan-out metrics
	BranchesDispatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researcher_branches_dispatched_total",
			Help: "Total number of research branches dispatched",
		},
	)

	BranchPanics = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researcher_branch_panics_total",
			Help: "Research branches that panicked and were replaced by an empty partial",
		},
	)

	MergedItems = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_merged_items_total",
			Help: "Items added to the aggregate by accumulate fields",
		},
		[]string{"field"},
	)

	// External collaborators
	ExternalCalls = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_external_calls_total",
			Help: "Calls to external collaborators",
		},
		[]string{"service", "status"},
	)

	ExternalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researcher_external_latency_seconds",
			Help:    "Latency of calls to external collaborators",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_embedding_requests_total",
			Help: "Total number of embedding requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "researcher_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	CacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	CacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "researcher_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	// Policy metrics
	PolicyDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "researcher_policy_decisions_total",
			Help: "Fetch policy decisions",
		},
		[]string{"decision"},
	)
)

// RecordRunMetrics records metrics for a finished run
func RecordRunMetrics(mode, status string, durationSeconds float64, iterations int) {
	RunsCompleted.WithLabelValues(mode, status).Inc()
	RunDuration.WithLabelValues(mode).Observe(durationSeconds)
	if iterations > 0 {
		RunIterations.Observe(float64(iterations))
	}
}

// RecordExternalCall records one call to an external collaborator
func RecordExternalCall(service, status string, durationSeconds float64) {
	ExternalCalls.WithLabelValues(service, status).Inc()
	if durationSeconds > 0 {
		ExternalLatency.WithLabelValues(service).Observe(durationSeconds)
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
