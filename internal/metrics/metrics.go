package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Counters
	JobsSubmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobq_jobs_submitted_total",
			Help: "Total number of jobs accepted by the submission service",
		},
		[]string{"priority"},
	)

	JobsClaimedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobq_jobs_claimed_total",
			Help: "Total number of successful claims",
		},
		[]string{"priority"},
	)

	JobsSettledTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobq_jobs_settled_total",
			Help: "Total number of attempts settled by the retry scheduler",
		},
		[]string{"priority", "outcome"}, // outcome: completed, retried, failed
	)

	JobsReapedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobq_jobs_reaped_total",
			Help: "Total number of processing jobs reclaimed after the claim timeout",
		},
	)

	ConsistencyFaultsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobq_consistency_faults_total",
			Help: "Total number of lane entries dropped because of a consistency fault",
		},
		[]string{"kind"}, // orphaned, invalid_transition, corrupt
	)

	StoreOutagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "jobq_store_outages_total",
			Help: "Total number of worker cycles paused because the store or lanes were unreachable",
		},
	)

	// Gauges
	LaneLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "jobq_lane_length",
			Help: "Number of ids in each lane when last sampled",
		},
		[]string{"priority"},
	)

	// Buckets: 10ms to ~163s
	ExecutionSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "jobq_execution_duration_seconds",
			Help:    "Executor call duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 15),
		},
		[]string{"job_type", "success"},
	)
)
