package prommetrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// Metrics implements featuregate.Metrics using Prometheus.
type Metrics struct {
	evaluationsTotal           *prometheus.CounterVec
	evaluationDuration         *prometheus.HistogramVec
	commitsTotal               *prometheus.CounterVec
	commitErrorsTotal          *prometheus.CounterVec
	rolloversTotal             *prometheus.CounterVec
	dedupHitsTotal             *prometheus.CounterVec
	storageOpsDuration         *prometheus.HistogramVec
	storageOpsErrors           *prometheus.CounterVec
	circuitBreakerStateChanges *prometheus.CounterVec
}

var _ featuregate.Metrics = (*Metrics)(nil)

// NewMetrics creates a new Prometheus metrics implementation.
func NewMetrics(reg prometheus.Registerer, namespace string) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		evaluationsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_evaluations_total",
			Help:      "Total number of feature quota evaluations.",
		}, []string{"feature", "tier", "allowed"}),

		evaluationDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "feature_evaluation_duration_seconds",
			Help:      "Latency of feature quota evaluations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"feature"}),

		commitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_commits_total",
			Help:      "Total number of committed feature uses by debited source.",
		}, []string{"feature", "tier", "source"}),

		commitErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feature_commit_errors_total",
			Help:      "Total number of failed commits.",
		}, []string{"feature", "tier"}),

		rolloversTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "weekly_credit_rollovers_total",
			Help:      "Total number of weekly credit resets.",
		}, []string{"tier"}),

		dedupHitsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generation_dedup_hits_total",
			Help:      "Total number of suppressed duplicate generations.",
		}, []string{"state"}),

		storageOpsDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storage_operation_duration_seconds",
			Help:      "Latency of storage operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		storageOpsErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_operation_errors_total",
			Help:      "Total number of storage operation errors.",
		}, []string{"operation"}),

		circuitBreakerStateChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state_changes_total",
			Help:      "Total number of circuit breaker state changes.",
		}, []string{"state"}),
	}
}

func (m *Metrics) RecordEvaluation(feature featuregate.Feature, tier featuregate.Tier, allowed bool, duration time.Duration) {
	m.evaluationsTotal.WithLabelValues(string(feature), string(tier), strconv.FormatBool(allowed)).Inc()
	m.evaluationDuration.WithLabelValues(string(feature)).Observe(duration.Seconds())
}

func (m *Metrics) RecordCommit(feature featuregate.Feature, tier featuregate.Tier, source featuregate.Source, err error) {
	if err != nil {
		m.commitErrorsTotal.WithLabelValues(string(feature), string(tier)).Inc()
		return
	}
	m.commitsTotal.WithLabelValues(string(feature), string(tier), string(source)).Inc()
}

func (m *Metrics) RecordRollover(tier featuregate.Tier) {
	m.rolloversTotal.WithLabelValues(string(tier)).Inc()
}

func (m *Metrics) RecordDedupHit(state featuregate.GenerationState) {
	m.dedupHitsTotal.WithLabelValues(string(state)).Inc()
}

func (m *Metrics) RecordStorageOperation(operation string, duration time.Duration, err error) {
	m.storageOpsDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if err != nil {
		m.storageOpsErrors.WithLabelValues(operation).Inc()
	}
}

func (m *Metrics) RecordCircuitBreakerStateChange(state string) {
	m.circuitBreakerStateChanges.WithLabelValues(state).Inc()
}

// DefaultMetrics returns a Metrics implementation using the default Prometheus registerer.
func DefaultMetrics(namespace string) *Metrics {
	return NewMetrics(prometheus.DefaultRegisterer, namespace)
}
