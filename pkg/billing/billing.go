// Package billing connects subscription providers to the featuregate engine.
// A provider turns webhook events and API lookups into tier changes; the engine
// owns everything else about the profile.
package billing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

var (
	// ErrProviderNotConfigured is returned when a provider is missing required settings
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookPayload is returned when a webhook body cannot be parsed
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrUserNotFound is returned when no provider customer is linked to the user
	ErrUserNotFound = errors.New("user not found in billing provider")

	// ErrTierNotConfigured is returned when a tier has no provider price
	ErrTierNotConfigured = errors.New("tier not configured in tier mapping")
)

// TierChanger applies tier changes; *featuregate.Manager implements it
type TierChanger interface {
	ChangeTier(ctx context.Context, change featuregate.TierChange) (featuregate.Tier, error)
}

var _ TierChanger = (*featuregate.Manager)(nil)

// Provider is implemented by every billing backend
type Provider interface {
	// Name returns the provider name (e.g. "stripe")
	Name() string

	// WebhookHandler returns the HTTP handler for provider events
	WebhookHandler() http.Handler

	// SyncUser reads the user's subscriptions from the provider and applies the resulting tier.
	// Used for "restore purchases" and reconciliation jobs.
	SyncUser(ctx context.Context, userID string) (featuregate.Tier, error)
}

// Config holds settings shared by all providers
type Config struct {
	// Manager receives tier changes (required)
	Manager TierChanger

	// TierMapping maps provider price or product IDs to tiers.
	// The "*" or "default" key sets the tier for unknown prices.
	TierMapping map[string]featuregate.Tier

	// Metrics records webhook and sync outcomes (default: NoopMetrics)
	Metrics Metrics

	// Logger records webhook failures (default: NoopLogger)
	Logger featuregate.Logger

	// OnTierChange is called after a tier change has been stored (optional)
	OnTierChange func(ctx context.Context, event TierChangeEvent)
}

// TierChangeEvent describes an applied tier change
type TierChangeEvent struct {
	UserID       string
	PreviousTier featuregate.Tier
	NewTier      featuregate.Tier
	Provider     string
	EventType    string
	At           time.Time
}

// Metrics tracks billing provider operations
type Metrics interface {
	RecordWebhookEvent(provider, eventType, status string)
	RecordWebhookError(provider, errorType string)
	RecordUserSync(provider, status string, duration time.Duration)
	RecordTierChange(provider string, from, to featuregate.Tier)
}

// NoopMetrics discards all billing metrics
type NoopMetrics struct{}

func (NoopMetrics) RecordWebhookEvent(_, _, _ string)                {}
func (NoopMetrics) RecordWebhookError(_, _ string)                   {}
func (NoopMetrics) RecordUserSync(_, _ string, _ time.Duration)      {}
func (NoopMetrics) RecordTierChange(_ string, _, _ featuregate.Tier) {}
