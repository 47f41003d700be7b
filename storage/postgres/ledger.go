package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// RolloverWeeklyCredits implements featuregate.Storage
func (s *Storage) RolloverWeeklyCredits(ctx context.Context, req *featuregate.RolloverRequest) (*featuregate.RolloverResult, error) {
	var result *featuregate.RolloverResult

	err := s.withUserTx(ctx, req.UserID, func(tx pgx.Tx) error {
		p, err := lockProfile(ctx, tx, req.UserID, req.DefaultTier, req.Now)
		if err != nil {
			return err
		}

		if p.StarterCreditsResetAt != nil && req.Now.Before(*p.StarterCreditsResetAt) {
			result = &featuregate.RolloverResult{
				Current: p.StarterCreditsRemaining,
				ResetAt: *p.StarterCreditsResetAt,
			}
			return nil
		}

		if _, err := tx.Exec(ctx,
			`UPDATE profiles SET starter_credits_remaining = $2, starter_credits_reset_at = $3, updated_at = $4
				WHERE user_id = $1`,
			req.UserID, req.Credits, req.NextResetAt.UTC(), req.Now.UTC(),
		); err != nil {
			return fmt.Errorf("failed to reset weekly credits: %w", err)
		}

		if err := insertEvent(ctx, tx, &featuregate.UsageEvent{
			ID:        req.EventID,
			UserID:    req.UserID,
			EventType: featuregate.EventStarterCreditsReset,
			Metadata:  featuregate.RolloverMetadata(p.StarterCreditsRemaining, req.Credits),
			Timestamp: req.Now,
		}); err != nil {
			return err
		}

		result = &featuregate.RolloverResult{
			Applied:  true,
			Previous: p.StarterCreditsRemaining,
			Current:  req.Credits,
			ResetAt:  req.NextResetAt.UTC(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyDebit implements featuregate.Storage.
// The guard, the mutation and the audit event share one transaction.
func (s *Storage) ApplyDebit(ctx context.Context, req *featuregate.DebitRequest) (*featuregate.DebitResult, error) {
	if req.Event == nil {
		return nil, fmt.Errorf("debit without audit event")
	}

	res := &featuregate.DebitResult{Source: req.Source}
	event := *req.Event
	event.Metadata = make(map[string]string, len(req.Event.Metadata)+1)
	for k, v := range req.Event.Metadata {
		event.Metadata[k] = v
	}
	event.Metadata[featuregate.MetadataSource] = string(req.Source)

	err := s.withUserTx(ctx, req.UserID, func(tx pgx.Tx) error {
		var err error
		switch req.Source {
		case featuregate.SourceStarterCredits:
			res.NewUsed, err = debitCredits(ctx, tx, req, &event)
		case featuregate.SourceStarterSample:
			err = debitSample(ctx, tx, req, &event)
			res.NewUsed = 1
		case featuregate.SourceCourseToken:
			res.TokenID, err = debitToken(ctx, tx, req, &event)
		case featuregate.SourcePurchase:
			// charged by the purchase ledger; only the audit event is recorded here
		case featuregate.SourceTierAllowance:
			res.NewUsed, err = debitAllowance(ctx, tx, req)
		default:
			err = fmt.Errorf("unknown debit source %q", req.Source)
		}
		if err != nil {
			return err
		}
		return insertEvent(ctx, tx, &event)
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func debitCredits(ctx context.Context, tx pgx.Tx, req *featuregate.DebitRequest, event *featuregate.UsageEvent) (int, error) {
	p, err := lockProfile(ctx, tx, req.UserID, req.DefaultTier, event.Timestamp)
	if err != nil {
		return 0, err
	}
	if p.StarterCreditsRemaining <= 0 {
		return 0, featuregate.ErrQuotaExceeded
	}

	var remaining int
	if err := tx.QueryRow(ctx,
		`UPDATE profiles SET starter_credits_remaining = starter_credits_remaining - 1, updated_at = $2
			WHERE user_id = $1 RETURNING starter_credits_remaining`,
		req.UserID, event.Timestamp.UTC(),
	).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("failed to debit weekly credits: %w", err)
	}
	return remaining, nil
}

func debitSample(ctx context.Context, tx pgx.Tx, req *featuregate.DebitRequest, event *featuregate.UsageEvent) error {
	p, err := lockProfile(ctx, tx, req.UserID, req.DefaultTier, event.Timestamp)
	if err != nil {
		return err
	}
	if p.StarterAppAssistSampleUsed {
		return featuregate.ErrQuotaExceeded
	}
	if _, err := tx.Exec(ctx,
		`UPDATE profiles SET starter_app_assist_sample_used = TRUE, updated_at = $2 WHERE user_id = $1`,
		req.UserID, event.Timestamp.UTC(),
	); err != nil {
		return fmt.Errorf("failed to mark sample used: %w", err)
	}
	return nil
}

// debitToken consumes the oldest unused token, FIFO by (created_at, id)
func debitToken(ctx context.Context, tx pgx.Tx, req *featuregate.DebitRequest, event *featuregate.UsageEvent) (string, error) {
	var tokenID string
	err := tx.QueryRow(ctx,
		`SELECT id FROM course_tokens
			WHERE user_id = $1 AND token_type = $2 AND NOT used
			ORDER BY created_at, id
			LIMIT 1
			FOR UPDATE SKIP LOCKED`,
		req.UserID, req.TokenType,
	).Scan(&tokenID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", featuregate.ErrConcurrencyConflict
	}
	if err != nil {
		return "", fmt.Errorf("failed to select course token: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE course_tokens SET used = TRUE, used_at = $2 WHERE id = $1 AND NOT used`,
		tokenID, event.Timestamp.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to consume course token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return "", featuregate.ErrConcurrencyConflict
	}

	event.Metadata[featuregate.MetadataTokenID] = tokenID
	return tokenID, nil
}

func debitAllowance(ctx context.Context, tx pgx.Tx, req *featuregate.DebitRequest) (int, error) {
	if req.ResetPeriod != featuregate.ResetMonthly {
		// trial and lifetime allowances are counted from allowance-charged events
		used, err := countEvents(ctx, tx, req.UserID, req.Event.EventType, featuregate.SourceTierAllowance, req.CountSince)
		if err != nil {
			return 0, fmt.Errorf("failed to count events: %w", err)
		}
		if !req.Limit.IsUnbounded() && used >= int(req.Limit) {
			return 0, featuregate.ErrQuotaExceeded
		}
		return used + 1, nil
	}

	if err := ensurePeriodRow(ctx, tx, req.UserID, req.Period); err != nil {
		return 0, err
	}

	var used int
	if err := tx.QueryRow(ctx,
		`SELECT COALESCE((counters->>$3)::int, 0) FROM usage_periods
			WHERE user_id = $1 AND period_start = $2
			FOR UPDATE`,
		req.UserID, req.Period.Start.UTC(), string(req.Feature),
	).Scan(&used); err != nil {
		return 0, fmt.Errorf("failed to lock usage period: %w", err)
	}
	if !req.Limit.IsUnbounded() && used >= int(req.Limit) {
		return 0, featuregate.ErrQuotaExceeded
	}

	if _, err := tx.Exec(ctx,
		`UPDATE usage_periods
			SET counters = jsonb_set(counters, ARRAY[$3::text], to_jsonb($4::int), true),
				updated_at = $5
			WHERE user_id = $1 AND period_start = $2`,
		req.UserID, req.Period.Start.UTC(), string(req.Feature), used+1, req.Event.Timestamp.UTC(),
	); err != nil {
		return 0, fmt.Errorf("failed to increment usage counter: %w", err)
	}
	return used + 1, nil
}
