package featuregate

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// EventStarterCreditsReset is the audit event type written on every weekly rollover
const EventStarterCreditsReset = "starter_credits_reset"

// EnsureCurrentMonthlyPeriod creates the user's usage period for the current calendar month
// if it does not exist yet. Safe to call on every request.
func (m *Manager) EnsureCurrentMonthlyPeriod(ctx context.Context, userID string) (*UsagePeriod, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return m.ensurePeriod(ctx, userID, m.now(ctx))
}

func (m *Manager) ensurePeriod(ctx context.Context, userID string, now time.Time) (*UsagePeriod, error) {
	period := MonthlyPeriod(now)
	usage, err := m.storage.EnsurePeriod(ctx, userID, period)
	if err != nil {
		return nil, fmt.Errorf("failed to ensure usage period %s: %w", period.Key(), err)
	}
	return usage, nil
}

// RolloverWeeklyCredits resets a starter user's weekly AI message balance when
// the reset time is unset or has passed. A no-op for other tiers and before expiry.
func (m *Manager) RolloverWeeklyCredits(ctx context.Context, userID string) (*RolloverResult, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	profile, err := m.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	return m.rolloverWeekly(ctx, profile)
}

func (m *Manager) rolloverWeekly(ctx context.Context, profile *Profile) (*RolloverResult, error) {
	now := m.now(ctx)
	if profile.Tier != TierStarter || !weeklyRolloverDue(profile.StarterCreditsResetAt, now) {
		return &RolloverResult{
			Current: profile.StarterCreditsRemaining,
			ResetAt: derefTime(profile.StarterCreditsResetAt),
		}, nil
	}

	res, err := m.storage.RolloverWeeklyCredits(ctx, &RolloverRequest{
		UserID:      profile.UserID,
		DefaultTier: m.config.DefaultTier,
		Credits:     m.config.WeeklyCredits,
		Now:         now,
		NextResetAt: now.Add(m.config.WeeklyResetInterval),
		EventID:     uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to roll over weekly credits: %w", err)
	}

	if res.Applied {
		m.metrics.RecordRollover(profile.Tier)
		m.logger.Info("weekly credits reset",
			userField(profile.UserID),
			Field{"previous", res.Previous},
			Field{"current", res.Current},
			Field{"resetAt", res.ResetAt},
		)
		// keep the caller's snapshot in step with storage
		profile.StarterCreditsRemaining = res.Current
		resetAt := res.ResetAt
		profile.StarterCreditsResetAt = &resetAt
	}
	return res, nil
}

// RolloverMetadata is the audit payload of a weekly reset, shared by storage implementations
func RolloverMetadata(previous, current int) map[string]string {
	return map[string]string{
		"previous": strconv.Itoa(previous),
		"new":      strconv.Itoa(current),
	}
}

func derefTime(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
