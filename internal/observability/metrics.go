package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Domain metrics for the letter service. Label values are small closed sets
// (hour of day, outcome, stage name, operation) so cardinality stays bounded.
var (
	// BatchRuns counts finished hourly batches by hour and terminal status.
	BatchRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "letter_batch_runs_total",
			Help: "Hourly letter batches by hour and terminal status.",
		},
		[]string{"hour", "status"},
	)

	// BatchDuration records wall time of a batch run in seconds.
	BatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "letter_batch_duration_seconds",
			Help:    "Duration of hourly letter batches in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		},
		[]string{"hour"},
	)

	// GenerationJobs counts per-request jobs by outcome (success|failed|timeout).
	GenerationJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "letter_generation_jobs_total",
			Help: "Letter generation jobs by outcome.",
		},
		[]string{"outcome"},
	)

	// GenerationInflight gauges jobs currently holding a concurrency slot.
	GenerationInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "letter_generation_inflight",
			Help: "Letter generation jobs currently running.",
		},
	)

	// StageAttempts counts pipeline stage calls by stage and outcome.
	StageAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "letter_pipeline_stage_attempts_total",
			Help: "Content pipeline stage attempts by stage and outcome.",
		},
		[]string{"stage", "outcome"},
	)

	// RateLimitDenials counts rejected intake attempts by limit kind.
	RateLimitDenials = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "letter_rate_limit_denials_total",
			Help: "Requests denied by the per-user daily limiter.",
		},
		[]string{"limit"},
	)

	// StoreOps counts document store operations by op and outcome.
	StoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "letter_store_operations_total",
			Help: "Document store operations by operation and outcome.",
		},
		[]string{"op", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		BatchRuns, BatchDuration, GenerationJobs, GenerationInflight,
		StageAttempts, RateLimitDenials, StoreOps,
	)
}

// Outcome maps an error to the "ok"/"error" label pair used by StoreOps.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
