package featuregate

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Decision is the outcome of evaluating one feature use for a user.
// Denied decisions carry a user-facing message and an upgrade link.
type Decision struct {
	Allowed     bool        `json:"allowed"`
	Tier        Tier        `json:"tier"`
	Feature     Feature     `json:"feature"`
	Limit       Limit       `json:"limit"`
	Used        int         `json:"used"`
	Remaining   int         `json:"remaining"`
	ResetPeriod ResetPeriod `json:"reset_period"`

	Message    string `json:"message,omitempty"`
	UpgradeURL string `json:"upgrade_url,omitempty"`

	CanPurchase   bool   `json:"can_purchase"`
	PurchasePrice *Money `json:"purchase_price,omitempty"`
	// PurchasedUses is the number of unused single-use purchases, when a purchase ledger is configured
	PurchasedUses int `json:"purchased_uses,omitempty"`

	HasTokens  bool `json:"has_tokens"`
	TokenCount int  `json:"token_count"`

	// Override names the carve-out that decided this feature, if any
	Override string `json:"override,omitempty"`
}

// Err returns a *QuotaExceededError for a denied decision and nil otherwise
func (d *Decision) Err() error {
	if d == nil || d.Allowed {
		return nil
	}
	return &QuotaExceededError{Decision: d}
}

// Evaluate decides whether userID may use feature now. It rolls the ledger forward first
// (weekly credits, current month) but never debits anything.
// Storage failures are returned as errors and never reported as allowed or denied.
func (m *Manager) Evaluate(ctx context.Context, userID string, feature Feature) (*Decision, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !feature.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}

	start := time.Now()
	profile, err := m.loadProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	d, err := m.evaluate(ctx, profile, feature)
	if err != nil {
		m.logger.Warn("evaluation failed", userField(userID), featureField(feature), errField(err))
		return nil, err
	}

	m.metrics.RecordEvaluation(feature, d.Tier, d.Allowed, time.Since(start))
	m.logger.Debug("feature evaluated",
		userField(userID),
		featureField(feature),
		tierField(d.Tier),
		Field{"allowed", d.Allowed},
		Field{"used", d.Used},
		Field{"limit", d.Limit.String()},
		Field{"override", d.Override},
	)
	return d, nil
}

func (m *Manager) evaluate(ctx context.Context, profile *Profile, feature Feature) (*Decision, error) {
	if _, err := m.rolloverWeekly(ctx, profile); err != nil {
		return nil, err
	}
	now := m.now(ctx)

	limit, err := m.catalog.LimitsFor(feature, profile.Tier)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		Tier:          profile.Tier,
		Feature:       feature,
		ResetPeriod:   limit.ResetPeriod,
		CanPurchase:   limit.CanPurchase(),
		PurchasePrice: limit.PurchasePrice,
	}

	if ov := m.overrideFor(feature, profile); ov != nil {
		d.Override = ov.name
		if err := ov.decide(ctx, m, profile, now, d); err != nil {
			return nil, err
		}
		return d, nil
	}

	used, err := strategyFor(limit.ResetPeriod).currentUsage(ctx, m, profile, feature, now)
	if err != nil {
		return nil, err
	}
	d.Limit = limit.Limit
	d.Used = used
	d.Remaining = limit.Limit.Remaining(used)

	if limit.TokenEligible {
		n, err := m.storage.CountUnusedTokens(ctx, profile.UserID, m.catalog.TokenType(feature))
		if err != nil {
			return nil, fmt.Errorf("failed to count course tokens: %w", err)
		}
		d.TokenCount = n
		d.HasTokens = n > 0
	}

	if limit.CanPurchase() && m.config.Purchases != nil {
		n, err := m.config.Purchases.AvailablePurchases(ctx, profile.UserID, feature)
		if err != nil {
			return nil, fmt.Errorf("failed to count purchases: %w", err)
		}
		d.PurchasedUses = n
	}

	d.Allowed = limit.Limit.IsUnbounded() || d.Remaining > 0 || d.HasTokens || d.PurchasedUses > 0
	if !d.Allowed {
		m.explainDenial(d)
	}
	return d, nil
}

// explainDenial fills the tier-specific message and upgrade link of a denied decision
func (m *Manager) explainDenial(d *Decision) {
	name := d.Feature.DisplayName()
	var msg string

	switch d.Tier {
	case TierStarter:
		msg = fmt.Sprintf("%s are not included in the Starter plan. Upgrade to unlock %s.", capitalize(name), name)
		d.UpgradeURL = m.config.PricingURL

	case TierTrial:
		msg = fmt.Sprintf("You've used your %d %s for this trial. Upgrade to keep going.", d.Used, name)
		d.UpgradeURL = m.config.PricingURL

	case TierPlus:
		msg = fmt.Sprintf("You've used all %s %s %s.", d.Limit, name, periodPhrase(d.ResetPeriod))
		if pro, err := m.catalog.LimitsFor(d.Feature, TierPro); err == nil {
			if pro.Limit.IsUnbounded() {
				msg += " Upgrade to Pro for unlimited"
			} else {
				msg += fmt.Sprintf(" Upgrade to Pro for %s/month", pro.Limit)
			}
			if d.CanPurchase {
				msg += " or purchase"
			}
			msg += " more."
		}
		d.UpgradeURL = m.config.ProPricingURL

	case TierPro:
		msg = fmt.Sprintf("You've used all %s %s %s.", d.Limit, name, periodPhrase(d.ResetPeriod))
		if d.ResetPeriod == ResetMonthly {
			msg += " Your allowance resets next month"
			if d.CanPurchase {
				msg += ", or purchase additional uses"
			}
			msg += "."
		} else if d.CanPurchase {
			msg += " Purchase additional uses to continue."
		}
		d.UpgradeURL = m.config.PricingURL
	}

	if d.CanPurchase && d.PurchasePrice != nil {
		msg += fmt.Sprintf(" Single use: %s.", d.PurchasePrice)
	}
	d.Message = msg
}

func periodPhrase(p ResetPeriod) string {
	switch p {
	case ResetMonthly:
		return "this month"
	case ResetWeekly:
		return "this week"
	case ResetTrial:
		return "for this trial"
	default:
		return "available to you"
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
