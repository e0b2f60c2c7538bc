// Package observability exposes the engine's Prometheus metrics and the
// health/metrics HTTP server.
package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn pipeline metrics
	turnsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_turns_total",
			Help: "Total number of processed conversation turns",
		},
	)

	turnDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "companion_turn_duration_seconds",
			Help:    "End-to-end turn handling duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	turnHandlerFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_turn_handler_failures_total",
			Help: "Total number of turn handler failures degraded to an apology reply",
		},
	)

	duplicateRequests = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_duplicate_requests_total",
			Help: "Total number of requests suppressed by the dedup ledger",
		},
	)

	// Audio concurrency metrics
	audioLockContentions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_audio_lock_contentions_total",
			Help: "Total number of final-segment calls that lost the audio lock",
		},
	)

	// Summarization metrics
	summaryCommits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "companion_summary_commits_total",
			Help: "Total number of summary chunk commit attempts",
		},
		[]string{"outcome"},
	)

	// Memory metrics
	memoryRetrievals = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_memory_retrievals_total",
			Help: "Total number of retrievals that produced a non-empty memory pack",
		},
	)

	memoryRecordsWritten = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_memory_records_written_total",
			Help: "Total number of memory records written during finalize",
		},
	)

	memoryRecordsSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_memory_records_swept_total",
			Help: "Total number of expired memory records archived or deleted",
		},
	)

	// Session lifecycle metrics
	sessionsFinalized = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_sessions_finalized_total",
			Help: "Total number of sessions finalized",
		},
	)

	finalizeRaceLosses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "companion_finalize_race_losses_total",
			Help: "Total number of finalize attempts that lost the status transition",
		},
	)

	initOnce sync.Once
)

// InitMetrics registers the engine metrics with the default registry.
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			turnHandlerFailures,
			duplicateRequests,
			audioLockContentions,
			summaryCommits,
			memoryRetrievals,
			memoryRecordsWritten,
			memoryRecordsSwept,
			sessionsFinalized,
			finalizeRaceLosses,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics.
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordTurn records one completed turn and its duration.
func RecordTurn(duration time.Duration) {
	turnsTotal.Inc()
	turnDuration.Observe(duration.Seconds())
}

// RecordTurnHandlerFailure records a turn degraded to the apology reply.
func RecordTurnHandlerFailure() {
	turnHandlerFailures.Inc()
}

// RecordDuplicateRequest records a request suppressed by the dedup ledger.
func RecordDuplicateRequest() {
	duplicateRequests.Inc()
}

// RecordAudioLockContention records a final segment that lost the audio lock.
func RecordAudioLockContention() {
	audioLockContentions.Inc()
}

// RecordSummaryCommit records a summary commit attempt by outcome.
func RecordSummaryCommit(committed bool) {
	outcome := "committed"
	if !committed {
		outcome = "conflict"
	}
	summaryCommits.WithLabelValues(outcome).Inc()
}

// RecordMemoryRetrieval records a retrieval that produced context.
func RecordMemoryRetrieval() {
	memoryRetrievals.Inc()
}

// RecordMemoryRecordsWritten records records written during finalize.
func RecordMemoryRecordsWritten(count int) {
	memoryRecordsWritten.Add(float64(count))
}

// RecordMemoryRecordsSwept records expired records handled by GC.
func RecordMemoryRecordsSwept(count int) {
	memoryRecordsSwept.Add(float64(count))
}

// RecordSessionFinalized records a completed finalize workflow.
func RecordSessionFinalized() {
	sessionsFinalized.Inc()
}

// RecordFinalizeRaceLoss records a finalize attempt that lost the
// ACTIVE to FINALIZING transition.
func RecordFinalizeRaceLoss() {
	finalizeRaceLosses.Inc()
}
