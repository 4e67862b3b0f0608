// Package metrics provides Prometheus metrics for the fern service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ResolutionsTotal tracks resolutions by entity type, decision and method
	ResolutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "resolutions_total",
			Help:      "Total number of resolved mentions by decision and method",
		},
		[]string{"entity_type", "decision", "method"},
	)

	// ResolutionDuration tracks resolve latency
	ResolutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "resolution_duration_seconds",
			Help:      "Duration of resolve calls in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		},
		[]string{"entity_type"},
	)

	// ResolutionErrorsTotal tracks failed resolutions by error kind
	ResolutionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "errors_total",
			Help:      "Total number of failed resolutions by error kind",
		},
		[]string{"kind"},
	)

	// RetriesTotal tracks retried resolve attempts
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "resolver",
			Name:      "retries_total",
			Help:      "Total number of retried resolve attempts by reason",
		},
		[]string{"reason"},
	)

	// CacheLookupsTotal tracks resolution cache lookups
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Total number of resolution cache lookups by result",
		},
		[]string{"result"},
	)

	// CandidatesPerLookup tracks how many candidates blocking returns
	CandidatesPerLookup = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "locator",
			Name:      "candidates",
			Help:      "Number of candidates returned per lookup",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100},
		},
	)

	// CandidatesTruncatedTotal counts lookups whose ranked candidates exceeded the candidate limit
	CandidatesTruncatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "locator",
			Name:      "candidates_truncated_total",
			Help:      "Total number of candidate lookups cut at the candidate limit",
		},
		[]string{"entity_type"},
	)

	// MutationsTotal tracks merge, split and rollback operations
	MutationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "merging",
			Name:      "mutations_total",
			Help:      "Total number of identity mutations by action and status",
		},
		[]string{"action", "status"},
	)

	// ScanPairsTotal tracks pairs proposed by the duplicate scanner
	ScanPairsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "pairs_total",
			Help:      "Total number of duplicate pairs proposed",
		},
		[]string{"entity_type"},
	)

	// ScanDuration tracks duplicate scan duration
	ScanDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "scanner",
			Name:      "scan_duration_seconds",
			Help:      "Duration of duplicate scans in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 10, 30, 60, 300},
		},
	)

	// KafkaMessagesTotal tracks produced and consumed messages
	KafkaMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_total",
			Help:      "Total number of Kafka messages by topic, direction and status",
		},
		[]string{"topic", "direction", "status"},
	)

	// EventSinkErrorsTotal tracks failed event deliveries
	EventSinkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "events",
			Name:      "sink_errors_total",
			Help:      "Total number of events a sink failed to deliver",
		},
		[]string{"sink"},
	)
)

// RecordResolution records a completed resolution
func RecordResolution(entityType, decision, method string, durationSeconds float64) {
	ResolutionsTotal.WithLabelValues(entityType, decision, method).Inc()
	ResolutionDuration.WithLabelValues(entityType).Observe(durationSeconds)
}

// RecordResolutionError records a failed resolution
func RecordResolutionError(kind string) {
	ResolutionErrorsTotal.WithLabelValues(kind).Inc()
}

// RecordRetry records a retried attempt
func RecordRetry(reason string) {
	RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordCacheLookup records a cache hit, miss or stale hit
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

// RecordCandidates records the candidate count of one lookup
func RecordCandidates(n int) {
	CandidatesPerLookup.Observe(float64(n))
}

// RecordCandidatesTruncated records a lookup that dropped ranked candidates past its limit
func RecordCandidatesTruncated(entityType string) {
	CandidatesTruncatedTotal.WithLabelValues(entityType).Inc()
}

// RecordMutation records a merge, split or rollback
func RecordMutation(action, status string) {
	MutationsTotal.WithLabelValues(action, status).Inc()
}

// RecordScan records a finished duplicate scan
func RecordScan(entityType string, pairs int, durationSeconds float64) {
	ScanPairsTotal.WithLabelValues(entityType).Add(float64(pairs))
	ScanDuration.Observe(durationSeconds)
}

// RecordKafkaMessage records a produced or consumed message
func RecordKafkaMessage(topic, direction, status string) {
	KafkaMessagesTotal.WithLabelValues(topic, direction, status).Inc()
}

// RecordSinkError records a failed event delivery
func RecordSinkError(sink string) {
	EventSinkErrorsTotal.WithLabelValues(sink).Inc()
}
