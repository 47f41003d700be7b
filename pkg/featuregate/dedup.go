package featuregate

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// generationRetention bounds how long expiring stores keep generation records,
// so idempotency keys outlive the dedup window.
const generationRetention = 24 * time.Hour

// GenerationOutcome is the result of a guarded plan generation
type GenerationOutcome struct {
	Record *GenerationRecord
	// Deduplicated is true when an existing or in-flight generation was returned
	// instead of running a new one. No quota was debited for this call.
	Deduplicated bool
	// Receipt is the debit of a fresh generation; nil when deduplicated
	Receipt *Receipt
}

// GenerateFunc performs the expensive generation and returns its serialized result
type GenerateFunc func(ctx context.Context) ([]byte, error)

// CheckRecentGeneration returns the newest non-failed generation for the user created within
// window (DedupWindow when window <= 0). Returns nil when there is none.
func (m *Manager) CheckRecentGeneration(ctx context.Context, userID string, window time.Duration) (*GenerationRecord, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if m.generations == nil {
		return nil, fmt.Errorf("%w: no generation store configured", ErrConfiguration)
	}
	if window <= 0 {
		window = m.config.DedupWindow
	}
	rec, err := m.generations.RecentGeneration(ctx, userID, m.now(ctx).Add(-window))
	if err != nil {
		return nil, fmt.Errorf("failed to check recent generation: %w", err)
	}
	return rec, nil
}

// Generate runs a plan regeneration at most once per user per dedup window.
//
// Concurrent calls for the same user in this process share one execution.
// Across processes an in-progress marker is written before any work starts, so a
// duplicate sees the marker and returns it. A fresh generation is evaluated against
// lifeplan_regen quota, runs fn, and commits exactly once on success. When fn fails the
// marker is failed and nothing is charged.
func (m *Manager) Generate(ctx context.Context, userID, idempotencyKey string, fn GenerateFunc) (*GenerationOutcome, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if m.generations == nil {
		return nil, fmt.Errorf("%w: no generation store configured", ErrConfiguration)
	}

	executed := false
	v, err, _ := m.inflight.Do(userID, func() (interface{}, error) {
		executed = true
		return m.generate(ctx, userID, idempotencyKey, fn)
	})
	if err != nil {
		return nil, err
	}
	outcome := v.(*GenerationOutcome)
	if !executed {
		m.metrics.RecordDedupHit(outcome.Record.State)
		m.logger.Info("generation coalesced with in-flight request", userField(userID), Field{"generationId", outcome.Record.ID})
		return &GenerationOutcome{Record: outcome.Record, Deduplicated: true}, nil
	}
	return outcome, nil
}

func (m *Manager) generate(ctx context.Context, userID, idempotencyKey string, fn GenerateFunc) (*GenerationOutcome, error) {
	now := m.now(ctx)
	rec, created, err := m.generations.BeginGeneration(ctx, &GenerationRequest{
		ID:             uuid.NewString(),
		UserID:         userID,
		IdempotencyKey: idempotencyKey,
		Now:            now,
		Window:         m.config.DedupWindow,
		TTL:            generationRetention,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to begin generation: %w", err)
	}
	if !created {
		m.metrics.RecordDedupHit(rec.State)
		m.logger.Info("duplicate generation suppressed",
			userField(userID), Field{"generationId", rec.ID}, Field{"state", string(rec.State)})
		return &GenerationOutcome{Record: rec, Deduplicated: true}, nil
	}

	fail := func(cause error) (*GenerationOutcome, error) {
		at := m.now(ctx)
		if err := m.generations.FailGeneration(context.WithoutCancel(ctx), userID, rec.ID, at); err != nil {
			m.logger.Error("failed to mark generation failed", userField(userID), Field{"generationId", rec.ID}, errField(err))
		}
		return nil, cause
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return fail(err)
	}
	defer unlock()

	d, err := m.Evaluate(ctx, userID, FeatureLifeplanRegen)
	if err != nil {
		return fail(err)
	}
	if err := d.Err(); err != nil {
		return fail(err)
	}

	result, err := fn(ctx)
	if err != nil {
		return fail(err)
	}

	// the plan exists now; persist it even if the caller went away
	done := context.WithoutCancel(ctx)
	receipt, commitErr := m.commit(done, userID, FeatureLifeplanRegen, map[string]string{"generation_id": rec.ID})

	at := m.now(done)
	if err := m.generations.CompleteGeneration(done, userID, rec.ID, result, at); err != nil {
		m.logger.Error("failed to mark generation succeeded", userField(userID), Field{"generationId", rec.ID}, errField(err))
	}
	rec.State = GenerationSucceeded
	rec.Result = result
	rec.CompletedAt = &at

	if commitErr != nil {
		return &GenerationOutcome{Record: rec}, commitErr
	}
	return &GenerationOutcome{Record: rec, Receipt: receipt}, nil
}
