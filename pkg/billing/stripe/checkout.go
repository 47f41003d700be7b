package stripe

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/featuregate/pkg/billing"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// CheckoutURL creates a subscription Checkout Session for tier and returns its URL.
// The session and subscription carry user_id so the webhook can find the user.
func (p *Provider) CheckoutURL(ctx context.Context, userID string, tier featuregate.Tier, successURL, cancelURL string) (string, error) {
	priceID := p.priceIDForTier(tier)
	if priceID == "" {
		return "", fmt.Errorf("%w: %s", billing.ErrTierNotConfigured, tier)
	}

	// only a missing customer is tolerated; anything else could create a duplicate
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil && !errors.Is(err, billing.ErrUserNotFound) {
		return "", fmt.Errorf("failed to resolve customer: %w", err)
	}

	params := &stripe.CheckoutSessionCreateParams{
		Mode: stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		},
		SuccessURL:        stripe.String(successURL),
		CancelURL:         stripe.String(cancelURL),
		ClientReferenceID: stripe.String(userID),
	}
	params.AddMetadata(metadataUserID, userID)
	params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{}
	params.SubscriptionData.AddMetadata(metadataUserID, userID)
	// subscription mode creates the customer when none is linked yet
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}

	session, err := p.client.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("failed to create checkout session: %w", err)
	}
	return session.URL, nil
}

// PortalURL creates a Customer Portal session for managing or cancelling a subscription
func (p *Provider) PortalURL(ctx context.Context, userID, returnURL string) (string, error) {
	customerID, err := p.resolveCustomerID(ctx, userID)
	if err != nil {
		return "", err
	}
	session, err := p.client.V1BillingPortalSessions.Create(ctx, &stripe.BillingPortalSessionCreateParams{
		Customer:  stripe.String(customerID),
		ReturnURL: stripe.String(returnURL),
	})
	if err != nil {
		return "", fmt.Errorf("failed to create portal session: %w", err)
	}
	return session.URL, nil
}

// priceIDForTier is the reverse of MapPriceToTier. With several prices for one tier
// (monthly and yearly) the lexically first price ID wins, so the result is stable.
func (p *Provider) priceIDForTier(tier featuregate.Tier) string {
	var ids []string
	for priceID, mapped := range p.prices {
		if mapped == tier && strings.HasPrefix(priceID, "price_") {
			ids = append(ids, priceID)
		}
	}
	if len(ids) == 0 {
		return ""
	}
	sort.Strings(ids)
	return ids[0]
}
