package featuregate

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Audit event metadata keys written by Commit
const (
	MetadataSource  = "source"
	MetadataTokenID = "token_id"
	MetadataTier    = "tier"
)

// Receipt describes a committed debit
type Receipt struct {
	UserID  string    `json:"user_id"`
	Feature Feature   `json:"feature"`
	Tier    Tier      `json:"tier"`
	Source  Source    `json:"source"`
	TokenID string    `json:"token_id,omitempty"`
	EventID string    `json:"event_id"`
	Used    int       `json:"used"`
	At      time.Time `json:"at"`
}

// Commit records one use of feature after the gated work has run.
// Exactly one source is charged, in priority order: starter weekly credits, starter sample,
// course token (oldest first), single-use purchase, tier allowance. The debit and its
// audit event are written atomically by storage.
//
// Commit is never retried internally. A failure is logged with full context for
// reconciliation; on ErrConcurrencyConflict callers re-run Evaluate before trying again.
func (m *Manager) Commit(ctx context.Context, userID string, feature Feature, metadata map[string]string) (*Receipt, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !feature.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	return m.commit(ctx, userID, feature, metadata)
}

// Use runs work only when feature is allowed and commits on success,
// holding the user's lock from evaluation to debit.
// A denied use returns *QuotaExceededError; a work error skips the commit.
func (m *Manager) Use(ctx context.Context, userID string, feature Feature, metadata map[string]string,
	work func(ctx context.Context) error) (*Receipt, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !feature.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}

	unlock, err := m.locks.Lock(ctx, userID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d, err := m.Evaluate(ctx, userID, feature)
	if err != nil {
		return nil, err
	}
	if err := d.Err(); err != nil {
		return nil, err
	}
	if err := work(ctx); err != nil {
		return nil, err
	}
	// the work already happened; a cancelled request must not skip the debit
	return m.commit(context.WithoutCancel(ctx), userID, feature, metadata)
}

func (m *Manager) commit(ctx context.Context, userID string, feature Feature, metadata map[string]string) (*Receipt, error) {
	receipt, tier, err := m.debit(ctx, userID, feature, metadata)
	if err != nil {
		if errors.Is(err, ErrQuotaExceeded) {
			err = m.explainRejection(ctx, userID, feature, err)
		}
		m.metrics.RecordCommit(feature, tier, "", err)
		fields := []Field{userField(userID), featureField(feature), tierField(tier), Field{"metadata", metadata}, errField(err)}
		if errors.Is(err, ErrQuotaExceeded) || errors.Is(err, ErrConcurrencyConflict) {
			m.logger.Warn("commit rejected", fields...)
		} else {
			m.logger.Error("commit failed after work performed; reconcile manually", fields...)
		}
		return nil, err
	}

	m.metrics.RecordCommit(feature, tier, receipt.Source, nil)
	m.logger.Info("feature use committed",
		userField(userID),
		featureField(feature),
		tierField(tier),
		Field{"source", string(receipt.Source)},
		Field{"eventId", receipt.EventID},
	)
	return receipt, nil
}

// explainRejection turns a storage-level quota rejection into a *QuotaExceededError
// carrying a freshly evaluated decision. The original error is kept when evaluation fails.
func (m *Manager) explainRejection(ctx context.Context, userID string, feature Feature, err error) error {
	if _, ok := AsQuotaExceeded(err); ok {
		return err
	}
	profile, perr := m.loadProfile(ctx, userID)
	if perr != nil {
		return err
	}
	d, eerr := m.evaluate(ctx, profile, feature)
	if eerr != nil {
		return err
	}
	if d.Allowed {
		// the storage guard is authoritative
		d.Allowed = false
		m.explainDenial(d)
	}
	return d.Err()
}

func (m *Manager) debit(ctx context.Context, userID string, feature Feature, metadata map[string]string) (*Receipt, Tier, error) {
	profile, err := m.loadProfile(ctx, userID)
	if err != nil {
		return nil, m.config.DefaultTier, err
	}
	tier := profile.Tier

	if feature == FeatureAIMessage {
		if _, err := m.rolloverWeekly(ctx, profile); err != nil {
			return nil, tier, err
		}
	}
	now := m.now(ctx)

	limit, err := m.catalog.LimitsFor(feature, tier)
	if err != nil {
		return nil, tier, err
	}

	req := &DebitRequest{
		UserID:      userID,
		Feature:     feature,
		DefaultTier: m.config.DefaultTier,
		ResetPeriod: limit.ResetPeriod,
		Limit:       limit.Limit,
	}

	if ov := m.overrideFor(feature, profile); ov != nil && ov.source != "" {
		req.Source = ov.source
	}

	if req.Source == "" && limit.TokenEligible {
		n, err := m.storage.CountUnusedTokens(ctx, userID, m.catalog.TokenType(feature))
		if err != nil {
			return nil, tier, fmt.Errorf("failed to count course tokens: %w", err)
		}
		if n > 0 {
			req.Source = SourceCourseToken
			req.TokenType = m.catalog.TokenType(feature)
		}
	}

	if req.Source == "" && limit.CanPurchase() && m.config.Purchases != nil {
		consumed, err := m.config.Purchases.ConsumePurchase(ctx, userID, feature)
		if err != nil {
			return nil, tier, fmt.Errorf("failed to consume purchase: %w", err)
		}
		if consumed {
			req.Source = SourcePurchase
		}
	}

	if req.Source == "" {
		req.Source = SourceTierAllowance
		if err := strategyFor(limit.ResetPeriod).scopeDebit(ctx, m, profile, req, now); err != nil {
			return nil, tier, err
		}
	}

	req.Event = newEvent(userID, feature.UsedEventType(), now, metadata)
	req.Event.Metadata[MetadataSource] = string(req.Source)
	req.Event.Metadata[MetadataTier] = string(tier)

	res, err := m.storage.ApplyDebit(ctx, req)
	if err != nil {
		if req.Source == SourcePurchase {
			m.logger.Error("purchase consumed but debit not recorded",
				userField(userID), featureField(feature), errField(err))
		}
		return nil, tier, fmt.Errorf("failed to apply %s debit: %w", req.Source, err)
	}

	return &Receipt{
		UserID:  userID,
		Feature: feature,
		Tier:    tier,
		Source:  res.Source,
		TokenID: res.TokenID,
		EventID: req.Event.ID,
		Used:    res.NewUsed,
		At:      now,
	}, tier, nil
}
