package featuregate

import (
	"context"
	"time"
)

// Storage defines the usage ledger persistence required by the engine.
// All methods use concrete types from this package to avoid import cycles.
//
// Implementations must make EnsurePeriod, RolloverWeeklyCredits and ApplyDebit
// atomic: two concurrent callers for the same user may never both pass a guard
// that only one of them should pass.
type Storage interface {
	// GetProfile retrieves a user's tier and quota state
	// Returns ErrProfileNotFound when the user has none
	GetProfile(ctx context.Context, userID string) (*Profile, error)

	// SetProfile stores a user's tier and quota state
	SetProfile(ctx context.Context, profile *Profile) error

	// UpdateTier changes only the tier (and the first trial start) of a profile, creating a default
	// profile when absent. It runs under the same per-user guard as ApplyDebit so quota state
	// written concurrently is never reverted. Returns the tier held before the update.
	UpdateTier(ctx context.Context, req *TierUpdate) (previous Tier, err error)

	// EnsurePeriod returns the usage period for the user, creating it with zero counters if absent.
	// Concurrent callers must observe a single row per (user, period start).
	EnsurePeriod(ctx context.Context, userID string, period Period) (*UsagePeriod, error)

	// GetPeriod retrieves the usage period for the user
	// Returns nil (not an error) when no row exists
	GetPeriod(ctx context.Context, userID string, period Period) (*UsagePeriod, error)

	// CountEvents counts audit events of eventType with timestamp >= since.
	// A non-empty source only counts events whose "source" metadata matches it.
	CountEvents(ctx context.Context, userID, eventType string, source Source, since time.Time) (int, error)

	// ListEvents returns audit events matching the filter, newest first
	ListEvents(ctx context.Context, filter EventFilter) ([]*UsageEvent, error)

	// CountUnusedTokens counts unconsumed course tokens of tokenType
	CountUnusedTokens(ctx context.Context, userID, tokenType string) (int, error)

	// GrantToken stores a new unused course token
	GrantToken(ctx context.Context, token *CourseToken) error

	// RolloverWeeklyCredits resets the weekly balance when the reset time is unset or has passed,
	// writing the audit event in the same transaction. A not-yet-due rollover returns Applied=false.
	RolloverWeeklyCredits(ctx context.Context, req *RolloverRequest) (*RolloverResult, error)

	// ApplyDebit charges req.Source and appends req.Event atomically.
	// The guard for the source is re-checked inside the transaction:
	// ErrQuotaExceeded when the allowance, balance or sample is exhausted,
	// ErrConcurrencyConflict when no unused token remains.
	// A consumed token's id is added to the event metadata as "token_id".
	ApplyDebit(ctx context.Context, req *DebitRequest) (*DebitResult, error)
}

// GenerationStore persists plan generation markers for duplicate detection
type GenerationStore interface {
	// BeginGeneration atomically looks for a non-failed record for the user created within
	// req.Window (or carrying req.IdempotencyKey). If one exists it is returned with created=false;
	// otherwise an in-progress marker is written and returned with created=true.
	BeginGeneration(ctx context.Context, req *GenerationRequest) (record *GenerationRecord, created bool, err error)

	// CompleteGeneration marks a generation succeeded and stores its result
	CompleteGeneration(ctx context.Context, userID, id string, result []byte, at time.Time) error

	// FailGeneration marks a generation failed so it no longer suppresses retries
	FailGeneration(ctx context.Context, userID, id string, at time.Time) error

	// RecentGeneration returns the newest non-failed record created at or after since
	// Returns nil (not an error) when none exists
	RecentGeneration(ctx context.Context, userID string, since time.Time) (*GenerationRecord, error)
}

// TimeSource defines an interface for getting time from the storage engine.
// Using storage time keeps period boundaries consistent across application servers.
type TimeSource interface {
	// Now returns the current time from the storage engine.
	Now(ctx context.Context) (time.Time, error)
}
