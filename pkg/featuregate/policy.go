package featuregate

import (
	"context"
	"fmt"
	"time"
)

// override is a carve-out that replaces the generic allowance path for one feature
// on a set of tiers. Overrides are checked in order and the first match wins.
type override struct {
	name    string
	feature Feature
	tiers   []Tier
	// applies narrows the override by per-user state; nil matches always
	applies func(p *Profile) bool
	decide  func(ctx context.Context, m *Manager, p *Profile, now time.Time, d *Decision) error
	// source is charged on commit; empty falls through to the generic debit order
	source Source
}

func (o *override) matches(feature Feature, p *Profile) bool {
	if o.feature != feature {
		return false
	}
	for _, t := range o.tiers {
		if t == p.Tier {
			return o.applies == nil || o.applies(p)
		}
	}
	return false
}

func defaultOverrides() []override {
	return []override{
		{
			name:    "unlimited_ai_messages",
			feature: FeatureAIMessage,
			tiers:   []Tier{TierTrial, TierPlus, TierPro},
			decide:  decideUnlimitedMessages,
		},
		{
			name:    "starter_weekly_credits",
			feature: FeatureAIMessage,
			tiers:   []Tier{TierStarter},
			decide:  decideWeeklyCredits,
			source:  SourceStarterCredits,
		},
		{
			name:    "starter_application_sample",
			feature: FeatureApplicationAssist,
			tiers:   []Tier{TierStarter},
			applies: func(p *Profile) bool { return !p.StarterAppAssistSampleUsed },
			decide:  decideSample,
			source:  SourceStarterSample,
		},
	}
}

func (m *Manager) overrideFor(feature Feature, p *Profile) *override {
	for i := range m.overrides {
		if m.overrides[i].matches(feature, p) {
			return &m.overrides[i]
		}
	}
	return nil
}

// decideUnlimitedMessages never blocks; usage is still counted on the monthly period
func decideUnlimitedMessages(ctx context.Context, m *Manager, p *Profile, now time.Time, d *Decision) error {
	used, err := monthlyUsage{}.currentUsage(ctx, m, p, FeatureAIMessage, now)
	if err != nil {
		return err
	}
	d.Allowed = true
	d.Limit = Unbounded
	d.Used = used
	d.Remaining = Unbounded.Remaining(used)
	d.ResetPeriod = ResetMonthly
	return nil
}

func decideWeeklyCredits(_ context.Context, m *Manager, p *Profile, _ time.Time, d *Decision) error {
	credits := m.config.WeeklyCredits
	remaining := p.StarterCreditsRemaining
	if remaining < 0 {
		remaining = 0
	}
	used := credits - remaining
	if used < 0 {
		used = 0
	}
	d.Limit = Limit(credits)
	d.Used = used
	d.Remaining = remaining
	d.ResetPeriod = ResetWeekly
	d.Allowed = remaining > 0
	if !d.Allowed {
		d.Message = fmt.Sprintf("You've used all %d of your weekly AI credits. They reset on %s. Upgrade to unlock unlimited AI messages.",
			credits, derefTime(p.StarterCreditsResetAt).Format("Jan 2"))
		d.UpgradeURL = m.config.PricingURL
	}
	return nil
}

func decideSample(_ context.Context, _ *Manager, _ *Profile, _ time.Time, d *Decision) error {
	d.Allowed = true
	d.Limit = 1
	d.Used = 0
	d.Remaining = 1
	return nil
}

// usageStrategy derives how much of an allowance has been consumed for one reset period
// and scopes the storage guard of a tier allowance debit to the same window.
type usageStrategy interface {
	currentUsage(ctx context.Context, m *Manager, p *Profile, feature Feature, now time.Time) (int, error)
	scopeDebit(ctx context.Context, m *Manager, p *Profile, req *DebitRequest, now time.Time) error
}

func strategyFor(period ResetPeriod) usageStrategy {
	switch period {
	case ResetMonthly:
		return monthlyUsage{}
	case ResetTrial:
		return trialUsage{}
	case ResetWeekly:
		return weeklyUsage{}
	default:
		return lifetimeUsage{}
	}
}

// monthlyUsage reads the counter on the current calendar month's period
type monthlyUsage struct{}

func (monthlyUsage) currentUsage(ctx context.Context, m *Manager, p *Profile, feature Feature, now time.Time) (int, error) {
	usage, err := m.ensurePeriod(ctx, p.UserID, now)
	if err != nil {
		return 0, err
	}
	return usage.Used(feature), nil
}

func (monthlyUsage) scopeDebit(ctx context.Context, m *Manager, p *Profile, req *DebitRequest, now time.Time) error {
	if _, err := m.ensurePeriod(ctx, p.UserID, now); err != nil {
		return err
	}
	req.Period = MonthlyPeriod(now)
	return nil
}

// trialUsage counts allowance-charged events since the trial started. It never resets within a trial.
type trialUsage struct{}

func (trialUsage) currentUsage(ctx context.Context, m *Manager, p *Profile, feature Feature, _ time.Time) (int, error) {
	n, err := m.storage.CountEvents(ctx, p.UserID, feature.UsedEventType(), SourceTierAllowance, p.TrialStartedAt)
	if err != nil {
		return 0, fmt.Errorf("failed to count trial usage: %w", err)
	}
	return n, nil
}

func (trialUsage) scopeDebit(_ context.Context, _ *Manager, p *Profile, req *DebitRequest, _ time.Time) error {
	req.CountSince = p.TrialStartedAt
	return nil
}

// lifetimeUsage backs allowances that never replenish
type lifetimeUsage struct{}

func (lifetimeUsage) currentUsage(ctx context.Context, m *Manager, p *Profile, feature Feature, _ time.Time) (int, error) {
	limit, err := m.catalog.LimitsFor(feature, p.Tier)
	if err != nil {
		return 0, err
	}
	if limit.Limit == 0 {
		return 0, nil
	}
	n, err := m.storage.CountEvents(ctx, p.UserID, feature.UsedEventType(), SourceTierAllowance, time.Time{})
	if err != nil {
		return 0, fmt.Errorf("failed to count lifetime usage: %w", err)
	}
	return n, nil
}

func (lifetimeUsage) scopeDebit(_ context.Context, _ *Manager, _ *Profile, req *DebitRequest, _ time.Time) error {
	req.CountSince = time.Time{}
	return nil
}

// weeklyUsage reads the profile credit balance
type weeklyUsage struct{}

func (weeklyUsage) currentUsage(_ context.Context, m *Manager, p *Profile, _ Feature, _ time.Time) (int, error) {
	used := m.config.WeeklyCredits - p.StarterCreditsRemaining
	if used < 0 {
		used = 0
	}
	return used, nil
}

func (weeklyUsage) scopeDebit(_ context.Context, _ *Manager, _ *Profile, req *DebitRequest, _ time.Time) error {
	req.Source = SourceStarterCredits
	return nil
}
