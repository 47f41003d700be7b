package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mihaimyh/featuregate/pkg/billing"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// handleWebhook verifies and applies a Stripe event.
// Stripe retries non-2xx responses, so only storage failures answer 500.
func (p *Provider) handleWebhook(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if p.webhookSecret == "" {
		http.Error(w, "webhook not configured", http.StatusServiceUnavailable)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			p.metrics.RecordWebhookError(providerName, "payload_too_large")
			return
		}
		http.Error(w, "invalid payload", http.StatusBadRequest)
		p.metrics.RecordWebhookError(providerName, "invalid_payload")
		return
	}

	event, err := webhook.ConstructEventWithOptions(body, r.Header.Get("Stripe-Signature"), p.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		p.metrics.RecordWebhookError(providerName, "auth_failed")
		return
	}

	eventType := string(event.Type)
	if err := p.processWebhookEvent(r.Context(), &event); err != nil {
		p.metrics.RecordWebhookEvent(providerName, eventType, "error")
		p.logger.Error("stripe webhook failed",
			featuregate.Field{Key: "eventId", Value: event.ID},
			featuregate.Field{Key: "eventType", Value: eventType},
			featuregate.Field{Key: "error", Value: err},
		)
		if errors.Is(err, billing.ErrInvalidWebhookPayload) {
			// a retry cannot fix a malformed event
			http.Error(w, "invalid event", http.StatusBadRequest)
			return
		}
		http.Error(w, "failed to process webhook", http.StatusInternalServerError)
		return
	}

	p.metrics.RecordWebhookEvent(providerName, eventType, "success")
	w.WriteHeader(http.StatusOK)
}

func (p *Provider) processWebhookEvent(ctx context.Context, event *stripe.Event) error {
	at := time.Unix(event.Created, 0).UTC()

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.resumed":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		return p.applySubscription(ctx, sub, string(event.Type), at)

	case "customer.subscription.deleted", "customer.subscription.paused":
		sub, err := decodeSubscription(event)
		if err != nil {
			return err
		}
		userID, err := p.userIDForSubscription(ctx, sub)
		if err != nil {
			return err
		}
		return p.changeTier(ctx, userID, p.defaultTier, time.Time{}, string(event.Type), at)

	case "checkout.session.completed":
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
		}
		return p.handleCheckoutCompleted(ctx, &session, at)

	default:
		// other event types are acknowledged and ignored
		return nil
	}
}

func decodeSubscription(event *stripe.Event) (*stripe.Subscription, error) {
	var sub stripe.Subscription
	if event.Data == nil {
		return nil, fmt.Errorf("%w: event %s has no data", billing.ErrInvalidWebhookPayload, event.ID)
	}
	if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidWebhookPayload, err)
	}
	return &sub, nil
}

func (p *Provider) applySubscription(ctx context.Context, sub *stripe.Subscription, eventType string, at time.Time) error {
	userID, err := p.userIDForSubscription(ctx, sub)
	if err != nil {
		return err
	}
	tier := p.tierForSubscription(sub)
	var trialStart time.Time
	if tier == featuregate.TierTrial && sub.TrialStart > 0 {
		trialStart = time.Unix(sub.TrialStart, 0).UTC()
	}
	return p.changeTier(ctx, userID, tier, trialStart, eventType, at)
}

// handleCheckoutCompleted applies a finished subscription checkout without waiting for
// the subscription event. One-time payment sessions carry no tier and are ignored.
func (p *Provider) handleCheckoutCompleted(ctx context.Context, session *stripe.CheckoutSession, at time.Time) error {
	if session.Mode != stripe.CheckoutSessionModeSubscription || session.Subscription == nil {
		return nil
	}
	userID := session.Metadata[metadataUserID]
	if userID == "" {
		userID = session.ClientReferenceID
	}
	if userID == "" {
		return fmt.Errorf("%w: checkout session %s has no user", billing.ErrInvalidWebhookPayload, session.ID)
	}

	sub := session.Subscription
	if sub.Items == nil {
		// the event only expands the subscription ID
		full, err := p.client.V1Subscriptions.Retrieve(ctx, sub.ID, nil)
		if err != nil {
			return fmt.Errorf("failed to fetch subscription: %w", err)
		}
		sub = full
	}
	if sub.Metadata[metadataUserID] == "" {
		params := &stripe.SubscriptionUpdateParams{}
		params.AddMetadata(metadataUserID, userID)
		if _, err := p.client.V1Subscriptions.Update(ctx, sub.ID, params); err != nil {
			return fmt.Errorf("failed to tag subscription: %w", err)
		}
	}

	var trialStart time.Time
	tier := p.tierForSubscription(sub)
	if tier == featuregate.TierTrial && sub.TrialStart > 0 {
		trialStart = time.Unix(sub.TrialStart, 0).UTC()
	}
	return p.changeTier(ctx, userID, tier, trialStart, "checkout.session.completed", at)
}

// userIDForSubscription reads user_id from the subscription, then from its customer
func (p *Provider) userIDForSubscription(ctx context.Context, sub *stripe.Subscription) (string, error) {
	if userID := sub.Metadata[metadataUserID]; userID != "" {
		return userID, nil
	}
	if sub.Customer != nil {
		if userID := sub.Customer.Metadata[metadataUserID]; userID != "" {
			return userID, nil
		}
		cust, err := p.client.V1Customers.Retrieve(ctx, sub.Customer.ID, nil)
		if err != nil {
			return "", fmt.Errorf("failed to fetch customer: %w", err)
		}
		if userID := cust.Metadata[metadataUserID]; userID != "" {
			return userID, nil
		}
	}
	return "", fmt.Errorf("%w: metadata.user_id missing on subscription %s", billing.ErrInvalidWebhookPayload, sub.ID)
}

func (p *Provider) changeTier(ctx context.Context, userID string, tier featuregate.Tier, trialStart time.Time, eventType string, at time.Time) error {
	previous, err := p.manager.ChangeTier(ctx, featuregate.TierChange{
		UserID:         userID,
		Tier:           tier,
		TrialStartedAt: trialStart,
		Source:         providerName,
	})
	if err != nil {
		return err
	}
	if previous != tier {
		p.metrics.RecordTierChange(providerName, previous, tier)
	}
	if p.config.OnTierChange != nil {
		p.config.OnTierChange(ctx, billing.TierChangeEvent{
			UserID:       userID,
			PreviousTier: previous,
			NewTier:      tier,
			Provider:     providerName,
			EventType:    eventType,
			At:           at,
		})
	}
	return nil
}
