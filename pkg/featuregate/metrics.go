package featuregate

import "time"

// Metrics defines the interface for tracking engine operations and performance.
type Metrics interface {
	// RecordEvaluation records a quota decision and its latency.
	RecordEvaluation(feature Feature, tier Tier, allowed bool, duration time.Duration)

	// RecordCommit records a debit attempt and the source it charged (empty on failure).
	RecordCommit(feature Feature, tier Tier, source Source, err error)

	// RecordRollover records a weekly credit reset.
	RecordRollover(tier Tier)

	// RecordDedupHit records a suppressed duplicate generation by the state of the existing record.
	RecordDedupHit(state GenerationState)

	// RecordStorageOperation records the duration and status of a storage operation.
	RecordStorageOperation(operation string, duration time.Duration, err error)

	// RecordCircuitBreakerStateChange records a circuit breaker state change.
	RecordCircuitBreakerStateChange(state string)
}

// NoopMetrics is a no-op implementation of the Metrics interface.
type NoopMetrics struct{}

func (n *NoopMetrics) RecordEvaluation(Feature, Tier, bool, time.Duration)              {}
func (n *NoopMetrics) RecordCommit(Feature, Tier, Source, error)                        {}
func (n *NoopMetrics) RecordRollover(Tier)                                              {}
func (n *NoopMetrics) RecordDedupHit(GenerationState)                                   {}
func (n *NoopMetrics) RecordStorageOperation(operation string, d time.Duration, e error) {}
func (n *NoopMetrics) RecordCircuitBreakerStateChange(state string)                     {}
