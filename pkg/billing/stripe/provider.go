// Package stripe implements billing.Provider for Stripe subscriptions.
// Subscription webhooks move users between tiers; checkout and portal sessions
// give the upgrade links in denied decisions somewhere to land.
package stripe

import (
	"context"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v83"

	"github.com/mihaimyh/featuregate/pkg/billing"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

const (
	providerName           = "stripe"
	defaultTierKeyWildcard = "*"
	defaultTierKeyDefault  = "default"
	maxWebhookBody         = 256 * 1024
	metadataUserID         = "user_id"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	StripeAPIKey        string
	StripeWebhookSecret string

	// CustomerIDResolver maps a user to a Stripe customer without the Search API (optional)
	CustomerIDResolver func(context.Context, string) (string, error)
}

// Provider implements billing.Provider for Stripe
type Provider struct {
	manager            billing.TierChanger
	config             Config
	tierMapping        map[string]featuregate.Tier // lower-cased price ID -> tier
	prices             map[string]featuregate.Tier // price ID as configured -> tier
	defaultTier        featuregate.Tier
	webhookSecret      string
	client             *stripe.Client
	customerIDResolver func(context.Context, string) (string, error)
	metrics            billing.Metrics
	logger             featuregate.Logger
}

var _ billing.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	if config.Manager == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	apiKey := strings.TrimSpace(config.StripeAPIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	p := &Provider{
		manager:            config.Manager,
		config:             config,
		tierMapping:        make(map[string]featuregate.Tier, len(config.TierMapping)),
		prices:             make(map[string]featuregate.Tier, len(config.TierMapping)),
		defaultTier:        featuregate.TierStarter,
		webhookSecret:      strings.TrimSpace(config.StripeWebhookSecret),
		client:             stripe.NewClient(apiKey),
		customerIDResolver: config.CustomerIDResolver,
		metrics:            config.Metrics,
		logger:             config.Logger,
	}
	for k, tier := range config.TierMapping {
		if !tier.Valid() {
			return nil, featuregate.ErrInvalidTier
		}
		p.tierMapping[strings.ToLower(strings.TrimSpace(k))] = tier
		p.prices[strings.TrimSpace(k)] = tier
	}
	if tier, ok := p.tierMapping[defaultTierKeyWildcard]; ok {
		p.defaultTier = tier
	} else if tier, ok := p.tierMapping[defaultTierKeyDefault]; ok {
		p.defaultTier = tier
	}
	if p.metrics == nil {
		p.metrics = billing.NoopMetrics{}
	}
	if p.logger == nil {
		p.logger = &featuregate.NoopLogger{}
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// WebhookHandler returns the HTTP handler for Stripe webhooks
func (p *Provider) WebhookHandler() http.Handler {
	return http.HandlerFunc(p.handleWebhook)
}

// DefaultTier is the tier for users without a paid subscription
func (p *Provider) DefaultTier() featuregate.Tier {
	return p.defaultTier
}

// MapPriceToTier maps a Stripe Price or Product ID to a tier
func (p *Provider) MapPriceToTier(priceID string) featuregate.Tier {
	if tier, ok := p.tierMapping[strings.ToLower(strings.TrimSpace(priceID))]; ok && priceID != "" {
		return tier
	}
	return p.defaultTier
}

// tierRank orders paid tiers when a customer holds several subscriptions
func tierRank(t featuregate.Tier) int {
	switch t {
	case featuregate.TierPro:
		return 3
	case featuregate.TierPlus:
		return 2
	case featuregate.TierTrial:
		return 1
	default:
		return 0
	}
}

// tierForSubscription resolves the tier a single subscription grants
func (p *Provider) tierForSubscription(sub *stripe.Subscription) featuregate.Tier {
	switch sub.Status {
	case stripe.SubscriptionStatusTrialing:
		return featuregate.TierTrial
	case stripe.SubscriptionStatusActive:
	default:
		return p.defaultTier
	}

	best := p.defaultTier
	if sub.Items == nil {
		return best
	}
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil {
			continue
		}
		tier := p.MapPriceToTier(item.Price.ID)
		if tier == p.defaultTier && item.Price.Product != nil {
			tier = p.MapPriceToTier(item.Price.Product.ID)
		}
		if tierRank(tier) > tierRank(best) {
			best = tier
		}
	}
	return best
}

// resolveTier picks the best tier across a customer's subscriptions
func (p *Provider) resolveTier(subs []*stripe.Subscription) (featuregate.Tier, *stripe.Subscription) {
	best := p.defaultTier
	var from *stripe.Subscription
	for _, sub := range subs {
		tier := p.tierForSubscription(sub)
		if tierRank(tier) > tierRank(best) ||
			(tierRank(tier) == tierRank(best) && from != nil && sub.Created > from.Created) {
			best = tier
			from = sub
		}
	}
	return best, from
}
