package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

const generationColumns = `id, user_id, idempotency_key, state, result, created_at, completed_at`

func scanGeneration(row pgx.Row) (*featuregate.GenerationRecord, error) {
	var (
		r     featuregate.GenerationRecord
		key   *string
		state string
	)
	if err := row.Scan(&r.ID, &r.UserID, &key, &state, &r.Result, &r.CreatedAt, &r.CompletedAt); err != nil {
		return nil, err
	}
	if key != nil {
		r.IdempotencyKey = *key
	}
	r.State = featuregate.GenerationState(state)
	r.CreatedAt = r.CreatedAt.UTC()
	if r.CompletedAt != nil {
		t := r.CompletedAt.UTC()
		r.CompletedAt = &t
	}
	return &r, nil
}

// BeginGeneration implements featuregate.GenerationStore
func (s *Storage) BeginGeneration(ctx context.Context, req *featuregate.GenerationRequest) (*featuregate.GenerationRecord, bool, error) {
	var (
		record  *featuregate.GenerationRecord
		created bool
	)

	err := s.withUserTx(ctx, req.UserID, func(tx pgx.Tx) error {
		if req.IdempotencyKey != "" {
			existing, err := scanGeneration(tx.QueryRow(ctx,
				`SELECT `+generationColumns+` FROM generations
					WHERE user_id = $1 AND idempotency_key = $2`,
				req.UserID, req.IdempotencyKey,
			))
			switch {
			case err == nil && existing.State != featuregate.GenerationFailed:
				record = existing
				return nil
			case err == nil:
				// a failed attempt releases its key for the retry
				if _, err := tx.Exec(ctx,
					`UPDATE generations SET idempotency_key = NULL WHERE id = $1`, existing.ID); err != nil {
					return fmt.Errorf("failed to release idempotency key: %w", err)
				}
			case !errors.Is(err, pgx.ErrNoRows):
				return fmt.Errorf("failed to look up idempotency key: %w", err)
			}
		}

		existing, err := recentGeneration(ctx, tx, req.UserID, req.Now.Add(-req.Window))
		if err != nil {
			return err
		}
		if existing != nil {
			record = existing
			return nil
		}

		var key *string
		if req.IdempotencyKey != "" {
			key = &req.IdempotencyKey
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO generations (id, user_id, idempotency_key, state, created_at)
				VALUES ($1, $2, $3, $4, $5)`,
			req.ID, req.UserID, key, string(featuregate.GenerationInProgress), req.Now.UTC(),
		); err != nil {
			return fmt.Errorf("failed to record generation: %w", err)
		}
		record = &featuregate.GenerationRecord{
			ID:             req.ID,
			UserID:         req.UserID,
			IdempotencyKey: req.IdempotencyKey,
			State:          featuregate.GenerationInProgress,
			CreatedAt:      req.Now.UTC(),
		}
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return record, created, nil
}

// CompleteGeneration implements featuregate.GenerationStore
func (s *Storage) CompleteGeneration(ctx context.Context, userID, id string, result []byte, at time.Time) error {
	return s.finishGeneration(ctx, userID, id, featuregate.GenerationSucceeded, result, at)
}

// FailGeneration implements featuregate.GenerationStore
func (s *Storage) FailGeneration(ctx context.Context, userID, id string, at time.Time) error {
	return s.finishGeneration(ctx, userID, id, featuregate.GenerationFailed, nil, at)
}

func (s *Storage) finishGeneration(ctx context.Context, userID, id string, state featuregate.GenerationState, result []byte, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE generations SET state = $3, result = $4, completed_at = $5
			WHERE user_id = $1 AND id = $2`,
		userID, id, string(state), result, at.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update generation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return featuregate.ErrGenerationNotFound
	}
	return nil
}

// RecentGeneration implements featuregate.GenerationStore
func (s *Storage) RecentGeneration(ctx context.Context, userID string, since time.Time) (*featuregate.GenerationRecord, error) {
	return recentGeneration(ctx, s.pool, userID, since)
}

func recentGeneration(ctx context.Context, q querier, userID string, since time.Time) (*featuregate.GenerationRecord, error) {
	r, err := scanGeneration(q.QueryRow(ctx,
		`SELECT `+generationColumns+` FROM generations
			WHERE user_id = $1 AND state <> $2 AND created_at >= $3
			ORDER BY created_at DESC
			LIMIT 1`,
		userID, string(featuregate.GenerationFailed), since.UTC(),
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get recent generation: %w", err)
	}
	return r, nil
}
