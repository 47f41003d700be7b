package featuregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

const (
	defaultWeeklyCredits       = 10
	defaultWeeklyResetInterval = 7 * 24 * time.Hour
	defaultDedupWindow         = 2 * time.Minute
	defaultPricingURL          = "/pricing"
	defaultProPricingURL       = "/pricing?plan=pro"
)

// Manager is the entitlement and usage-metering engine.
// It evaluates feature uses against a user's tier, debits the right source
// on commit, and guards plan generation against duplicates.
type Manager struct {
	storage     Storage
	generations GenerationStore
	timeSource  TimeSource
	config      Config
	catalog     *Catalog
	overrides   []override
	locks       *userLocks
	inflight    singleflight.Group
	logger      Logger
	metrics     Metrics
}

// NewManager creates a new engine with the given storage and configuration.
// An invalid catalog is reported here, never at request time.
func NewManager(storage Storage, config *Config) (*Manager, error) {
	if storage == nil {
		return nil, ErrStorageUnavailable
	}
	if config == nil {
		config = &Config{}
	}
	cfg := *config

	if cfg.Catalog == nil {
		cfg.Catalog = DefaultCatalog()
	}
	if cfg.DefaultTier == "" {
		cfg.DefaultTier = TierStarter
	}
	if !cfg.DefaultTier.Valid() {
		return nil, fmt.Errorf("%w: default tier %q", ErrConfiguration, cfg.DefaultTier)
	}
	if cfg.WeeklyCredits <= 0 {
		cfg.WeeklyCredits = defaultWeeklyCredits
	}
	if cfg.WeeklyResetInterval <= 0 {
		cfg.WeeklyResetInterval = defaultWeeklyResetInterval
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = defaultDedupWindow
	}
	if cfg.PricingURL == "" {
		cfg.PricingURL = defaultPricingURL
	}
	if cfg.ProPricingURL == "" {
		cfg.ProPricingURL = defaultProPricingURL
	}
	if cfg.Logger == nil {
		cfg.Logger = &NoopLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = &NoopMetrics{}
	}

	// the weekly carve-out reports the catalog limit; it must agree with the balance we grant
	aiStarter, err := cfg.Catalog.LimitsFor(FeatureAIMessage, TierStarter)
	if err != nil {
		return nil, err
	}
	if aiStarter.ResetPeriod == ResetWeekly && int(aiStarter.Limit) != cfg.WeeklyCredits {
		return nil, &ConfigurationError{Feature: FeatureAIMessage, Tier: TierStarter,
			Reason: fmt.Sprintf("weekly limit %d does not match WeeklyCredits %d", aiStarter.Limit, cfg.WeeklyCredits)}
	}

	m := &Manager{
		config:    cfg,
		catalog:   cfg.Catalog,
		overrides: defaultOverrides(),
		locks:     newUserLocks(),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}

	if ts, ok := storage.(TimeSource); ok {
		m.timeSource = ts
	}

	generations := cfg.GenerationStore
	if generations == nil {
		if gs, ok := storage.(GenerationStore); ok {
			generations = gs
		}
	}
	m.generations = generations

	var cb CircuitBreaker
	if cfg.CircuitBreakerConfig != nil && cfg.CircuitBreakerConfig.Enabled {
		cb = NewDefaultCircuitBreaker(
			cfg.CircuitBreakerConfig.FailureThreshold,
			cfg.CircuitBreakerConfig.ResetTimeout,
			func(state CircuitBreakerState) {
				cfg.Metrics.RecordCircuitBreakerStateChange(string(state))
				cfg.Logger.Warn("storage circuit breaker state changed", Field{"state", string(state)})
			},
		)
	}
	m.storage = NewCircuitBreakerStorage(storage, cb, cfg.Metrics)

	return m, nil
}

// Catalog returns the allowance table in use
func (m *Manager) Catalog() *Catalog {
	return m.catalog
}

// now returns the engine clock: Config.Clock, then the storage TimeSource, then local UTC time
func (m *Manager) now(ctx context.Context) time.Time {
	if m.config.Clock != nil {
		return m.config.Clock().UTC()
	}
	if m.timeSource != nil {
		if t, err := m.timeSource.Now(ctx); err == nil {
			return t.UTC()
		}
	}
	return time.Now().UTC()
}

// loadProfile returns the user's profile, or a default-tier profile when none is stored.
// Storage failures propagate; they are never treated as the default tier.
func (m *Manager) loadProfile(ctx context.Context, userID string) (*Profile, error) {
	profile, err := m.storage.GetProfile(ctx, userID)
	if err == nil {
		if !profile.Tier.Valid() {
			return nil, fmt.Errorf("%w: profile for %s has tier %q", ErrInvalidTier, userID, profile.Tier)
		}
		return profile, nil
	}
	if errors.Is(err, ErrProfileNotFound) {
		return &Profile{UserID: userID, Tier: m.config.DefaultTier}, nil
	}
	return nil, fmt.Errorf("failed to load profile: %w", err)
}

// GetProfile retrieves a user's stored profile
func (m *Manager) GetProfile(ctx context.Context, userID string) (*Profile, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	return m.storage.GetProfile(ctx, userID)
}

// SetProfile stores a user's profile. Tier changes are owned by the billing collaborator.
func (m *Manager) SetProfile(ctx context.Context, profile *Profile) error {
	if profile == nil || profile.UserID == "" {
		return ErrInvalidUserID
	}
	if !profile.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidTier, profile.Tier)
	}
	if profile.UpdatedAt.IsZero() {
		profile.UpdatedAt = m.now(ctx)
	}
	return m.storage.SetProfile(ctx, profile)
}

// TierChange is a subscription state change reported by a billing provider
type TierChange struct {
	UserID string
	Tier   Tier
	// TrialStartedAt is used when Tier is TierTrial and the profile has no trial start yet
	TrialStartedAt time.Time
	// Source names the reporting provider, for logs
	Source string
}

// ChangeTier moves a user to a new tier, keeping the rest of the profile.
// Only the tier and first trial start are written, so quota state debited concurrently
// by another process is kept.
// Returns the previous tier.
func (m *Manager) ChangeTier(ctx context.Context, change TierChange) (Tier, error) {
	if change.UserID == "" {
		return "", ErrInvalidUserID
	}
	if !change.Tier.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, change.Tier)
	}

	unlock, err := m.locks.Lock(ctx, change.UserID)
	if err != nil {
		return "", err
	}
	defer unlock()

	now := m.now(ctx)
	trialStart := change.TrialStartedAt
	if trialStart.IsZero() {
		trialStart = now
	}
	previous, err := m.storage.UpdateTier(ctx, &TierUpdate{
		UserID:         change.UserID,
		Tier:           change.Tier,
		DefaultTier:    m.config.DefaultTier,
		TrialStartedAt: trialStart,
		At:             now,
	})
	if err != nil {
		return "", fmt.Errorf("failed to update tier: %w", err)
	}

	if previous != change.Tier {
		m.logger.Info("tier changed",
			userField(change.UserID),
			Field{"from", string(previous)},
			Field{"to", string(change.Tier)},
			Field{"source", change.Source},
		)
	}
	return previous, nil
}

// GrantToken stores an unused course token unlocking one use of feature.
// Called by the course-purchase flow.
func (m *Manager) GrantToken(ctx context.Context, userID string, feature Feature) (*CourseToken, error) {
	if userID == "" {
		return nil, ErrInvalidUserID
	}
	if !feature.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}
	token := &CourseToken{
		ID:        uuid.NewString(),
		UserID:    userID,
		TokenType: m.catalog.TokenType(feature),
		CreatedAt: m.now(ctx),
	}
	if err := m.storage.GrantToken(ctx, token); err != nil {
		return nil, fmt.Errorf("failed to grant token: %w", err)
	}
	m.logger.Info("course token granted", userField(userID), featureField(feature), Field{"tokenId", token.ID})
	return token, nil
}

// AuditTrail returns usage events for support tooling, newest first
func (m *Manager) AuditTrail(ctx context.Context, filter EventFilter) ([]*UsageEvent, error) {
	if filter.Limit <= 0 {
		filter.Limit = 100
	}
	return m.storage.ListEvents(ctx, filter)
}

// Usage evaluates every feature for the user, for dashboards and upsell UI
func (m *Manager) Usage(ctx context.Context, userID string) (map[Feature]*Decision, error) {
	out := make(map[Feature]*Decision, len(AllFeatures()))
	for _, feature := range AllFeatures() {
		d, err := m.Evaluate(ctx, userID, feature)
		if err != nil {
			return nil, err
		}
		out[feature] = d
	}
	return out, nil
}

func newEvent(userID, eventType string, at time.Time, metadata map[string]string) *UsageEvent {
	md := make(map[string]string, len(metadata)+2)
	for k, v := range metadata {
		md[k] = v
	}
	return &UsageEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		EventType: eventType,
		Metadata:  md,
		Timestamp: at,
	}
}
