package stripe

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/featuregate/pkg/billing"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// SyncUser reads the customer's live subscriptions and applies the best tier.
// A user with no Stripe customer falls back to the default tier.
func (p *Provider) SyncUser(ctx context.Context, userID string) (featuregate.Tier, error) {
	start := time.Now()
	tier, err := p.syncUser(ctx, userID)
	status := "success"
	if err != nil {
		status = "error"
	}
	p.metrics.RecordUserSync(providerName, status, time.Since(start))
	return tier, err
}

func (p *Provider) syncUser(ctx context.Context, userID string) (featuregate.Tier, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if errors.Is(err, billing.ErrUserNotFound) {
		return p.defaultTier, p.changeTier(ctx, userID, p.defaultTier, time.Time{}, "sync", time.Now().UTC())
	}
	if err != nil {
		return "", err
	}

	params := &stripe.SubscriptionListParams{Customer: stripe.String(customerID)}
	params.Status = stripe.String("all")

	var subs []*stripe.Subscription
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("failed to list subscriptions: %w", err)
		}
		subs = append(subs, sub)
	}

	tier, from := p.resolveTier(subs)
	var trialStart time.Time
	if tier == featuregate.TierTrial && from != nil && from.TrialStart > 0 {
		trialStart = time.Unix(from.TrialStart, 0).UTC()
	}
	return tier, p.changeTier(ctx, userID, tier, trialStart, "sync", time.Now().UTC())
}

// resolveCustomerID uses CustomerIDResolver when set, then the Search API
func (p *Provider) resolveCustomerID(ctx context.Context, userID string) (string, error) {
	if p.customerIDResolver != nil {
		if customerID, err := p.customerIDResolver(ctx, userID); err == nil && customerID != "" {
			return customerID, nil
		}
	}

	params := &stripe.CustomerSearchParams{}
	params.Query = fmt.Sprintf("metadata['%s']:'%s'", metadataUserID, strings.ReplaceAll(userID, "'", `\'`))
	for cust, err := range p.client.V1Customers.Search(ctx, params) {
		if err != nil {
			return "", fmt.Errorf("stripe search error: %w", err)
		}
		// search matches are not exact
		if cust.Metadata[metadataUserID] == userID {
			return cust.ID, nil
		}
	}
	return "", billing.ErrUserNotFound
}
