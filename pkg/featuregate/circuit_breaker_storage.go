package featuregate

import (
	"context"
	"time"
)

// CircuitBreakerStorage wraps a Storage implementation with circuit breaker protection
// and per-operation latency metrics. A nil breaker only records metrics.
type CircuitBreakerStorage struct {
	storage Storage
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStorage creates a new storage wrapper with circuit breaker.
func NewCircuitBreakerStorage(storage Storage, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStorage {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStorage{
		storage: storage,
		cb:      cb,
		metrics: metrics,
	}
}

func (s *CircuitBreakerStorage) call(ctx context.Context, operation string, fn func() error) error {
	start := time.Now()
	var err error
	if s.cb != nil {
		err = s.cb.Execute(ctx, fn)
	} else {
		err = fn()
	}
	s.metrics.RecordStorageOperation(operation, time.Since(start), err)
	return err
}

func (s *CircuitBreakerStorage) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	var profile *Profile
	err := s.call(ctx, "get_profile", func() error {
		var e error
		profile, e = s.storage.GetProfile(ctx, userID)
		return e
	})
	return profile, err
}

func (s *CircuitBreakerStorage) SetProfile(ctx context.Context, profile *Profile) error {
	return s.call(ctx, "set_profile", func() error {
		return s.storage.SetProfile(ctx, profile)
	})
}

func (s *CircuitBreakerStorage) UpdateTier(ctx context.Context, req *TierUpdate) (Tier, error) {
	var previous Tier
	err := s.call(ctx, "update_tier", func() error {
		var e error
		previous, e = s.storage.UpdateTier(ctx, req)
		return e
	})
	return previous, err
}

func (s *CircuitBreakerStorage) EnsurePeriod(ctx context.Context, userID string, period Period) (*UsagePeriod, error) {
	var usage *UsagePeriod
	err := s.call(ctx, "ensure_period", func() error {
		var e error
		usage, e = s.storage.EnsurePeriod(ctx, userID, period)
		return e
	})
	return usage, err
}

func (s *CircuitBreakerStorage) GetPeriod(ctx context.Context, userID string, period Period) (*UsagePeriod, error) {
	var usage *UsagePeriod
	err := s.call(ctx, "get_period", func() error {
		var e error
		usage, e = s.storage.GetPeriod(ctx, userID, period)
		return e
	})
	return usage, err
}

func (s *CircuitBreakerStorage) CountEvents(ctx context.Context, userID, eventType string, source Source, since time.Time) (int, error) {
	var n int
	err := s.call(ctx, "count_events", func() error {
		var e error
		n, e = s.storage.CountEvents(ctx, userID, eventType, source, since)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStorage) ListEvents(ctx context.Context, filter EventFilter) ([]*UsageEvent, error) {
	var events []*UsageEvent
	err := s.call(ctx, "list_events", func() error {
		var e error
		events, e = s.storage.ListEvents(ctx, filter)
		return e
	})
	return events, err
}

func (s *CircuitBreakerStorage) CountUnusedTokens(ctx context.Context, userID, tokenType string) (int, error) {
	var n int
	err := s.call(ctx, "count_tokens", func() error {
		var e error
		n, e = s.storage.CountUnusedTokens(ctx, userID, tokenType)
		return e
	})
	return n, err
}

func (s *CircuitBreakerStorage) GrantToken(ctx context.Context, token *CourseToken) error {
	return s.call(ctx, "grant_token", func() error {
		return s.storage.GrantToken(ctx, token)
	})
}

func (s *CircuitBreakerStorage) RolloverWeeklyCredits(ctx context.Context, req *RolloverRequest) (*RolloverResult, error) {
	var res *RolloverResult
	err := s.call(ctx, "rollover_weekly", func() error {
		var e error
		res, e = s.storage.RolloverWeeklyCredits(ctx, req)
		return e
	})
	return res, err
}

func (s *CircuitBreakerStorage) ApplyDebit(ctx context.Context, req *DebitRequest) (*DebitResult, error) {
	var res *DebitResult
	err := s.call(ctx, "apply_debit", func() error {
		var e error
		res, e = s.storage.ApplyDebit(ctx, req)
		return e
	})
	return res, err
}
