package featuregate

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Tier is a user's subscription level
type Tier string

const (
	TierStarter Tier = "starter"
	TierTrial   Tier = "trial"
	TierPlus    Tier = "plus"
	TierPro     Tier = "pro"
)

// AllTiers returns every tier in ascending order
func AllTiers() []Tier {
	return []Tier{TierStarter, TierTrial, TierPlus, TierPro}
}

// Valid reports whether t is a known tier
func (t Tier) Valid() bool {
	switch t {
	case TierStarter, TierTrial, TierPlus, TierPro:
		return true
	}
	return false
}

// ParseTier converts a string into a Tier
func ParseTier(s string) (Tier, error) {
	t := Tier(s)
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return t, nil
}

// Feature is one gated capability
type Feature string

const (
	FeatureLifeplanRegen     Feature = "lifeplan_regen"
	FeatureResumeBuilder     Feature = "resume_builder"
	FeatureApplicationAssist Feature = "application_assist"
	FeatureInterviewPrep     Feature = "interview_prep"
	FeatureAIMessage         Feature = "ai_message"
	FeatureCoverLetter       Feature = "cover_letter"
)

// AllFeatures returns every gated feature
func AllFeatures() []Feature {
	return []Feature{
		FeatureLifeplanRegen,
		FeatureResumeBuilder,
		FeatureApplicationAssist,
		FeatureInterviewPrep,
		FeatureAIMessage,
		FeatureCoverLetter,
	}
}

// Valid reports whether f is a known feature
func (f Feature) Valid() bool {
	for _, known := range AllFeatures() {
		if f == known {
			return true
		}
	}
	return false
}

// ParseFeature converts a string into a Feature
func ParseFeature(s string) (Feature, error) {
	f := Feature(s)
	if !f.Valid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeature, s)
	}
	return f, nil
}

// UsedEventType is the audit event type written for every consumption of f.
// For trial-scoped features these events are the counter.
func (f Feature) UsedEventType() string {
	return string(f) + "_used"
}

// DisplayName returns a human readable feature name for user-facing messages
func (f Feature) DisplayName() string {
	switch f {
	case FeatureLifeplanRegen:
		return "plan regenerations"
	case FeatureResumeBuilder:
		return "resume builds"
	case FeatureApplicationAssist:
		return "application assists"
	case FeatureInterviewPrep:
		return "interview prep sessions"
	case FeatureAIMessage:
		return "AI messages"
	case FeatureCoverLetter:
		return "cover letters"
	default:
		return string(f)
	}
}

// ResetPeriod is the cadence at which an allowance replenishes
type ResetPeriod string

const (
	// ResetNone never replenishes (purchase or token only when the limit is 0)
	ResetNone ResetPeriod = "none"
	// ResetWeekly replenishes every 7 days from the last rollover
	ResetWeekly ResetPeriod = "weekly"
	// ResetMonthly replenishes on the first instant of every calendar month (UTC)
	ResetMonthly ResetPeriod = "monthly"
	// ResetTrial grants a total for the lifetime of the trial
	ResetTrial ResetPeriod = "trial"
)

// Valid reports whether p is a known reset period
func (p ResetPeriod) Valid() bool {
	switch p {
	case ResetNone, ResetWeekly, ResetMonthly, ResetTrial:
		return true
	}
	return false
}

// Limit is an allowance count. Unbounded is distinct from any finite value.
type Limit int

// Unbounded marks an allowance without a ceiling
const Unbounded Limit = -1

// IsUnbounded reports whether the limit has no ceiling
func (l Limit) IsUnbounded() bool { return l == Unbounded }

// String renders the limit for UI, using ∞ for unbounded
func (l Limit) String() string {
	if l.IsUnbounded() {
		return "∞"
	}
	return strconv.Itoa(int(l))
}

// Remaining returns max(0, l-used), or Unbounded
func (l Limit) Remaining(used int) int {
	if l.IsUnbounded() {
		return int(Unbounded)
	}
	r := int(l) - used
	if r < 0 {
		return 0
	}
	return r
}

// Money is an amount in the smallest currency unit
type Money struct {
	Amount   int64  `json:"amount"`   // cents, pence, ...
	Currency string `json:"currency"` // ISO 4217 lowercase
}

// USD creates a Money value in US cents
func USD(cents int64) Money { return Money{Amount: cents, Currency: "usd"} }

// String formats the amount with two decimals, e.g. "2.99 USD"
func (m Money) String() string {
	sign := ""
	amount := m.Amount
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, amount/100, amount%100, strings.ToUpper(m.Currency))
}

// FeatureLimit is the allowance configuration for one (feature, tier) pair
type FeatureLimit struct {
	Limit         Limit
	ResetPeriod   ResetPeriod
	PurchasePrice *Money
	TokenEligible bool
}

// CanPurchase reports whether a one-time purchase is offered
func (l FeatureLimit) CanPurchase() bool {
	return l.PurchasePrice != nil
}

// Profile holds a user's tier and the per-user fast-path quota state
// that does not fit the monthly or trial ledgers.
type Profile struct {
	UserID         string
	Tier           Tier
	TrialStartedAt time.Time

	// StarterCreditsRemaining is the weekly AI message balance
	StarterCreditsRemaining int
	// StarterCreditsResetAt is the next weekly reset; nil until the first rollover
	StarterCreditsResetAt *time.Time
	// StarterAppAssistSampleUsed is the one-time free application assist flag
	StarterAppAssistSampleUsed bool

	UpdatedAt time.Time
}

// Period is a calendar month window, both bounds inclusive
type Period struct {
	Start time.Time
	End   time.Time
}

// Key returns a stable string key for this period
func (p Period) Key() string {
	return p.Start.UTC().Format("2006-01")
}

// Contains reports whether t falls inside the period
func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && !t.After(p.End)
}

// UsagePeriod holds one counter per monthly-reset feature for a single calendar month
type UsagePeriod struct {
	UserID    string
	Period    Period
	Counters  map[Feature]int
	UpdatedAt time.Time
}

// Used returns the counter for f
func (u *UsagePeriod) Used(f Feature) int {
	if u == nil || u.Counters == nil {
		return 0
	}
	return u.Counters[f]
}

// UsageEvent is an immutable audit record
type UsageEvent struct {
	ID        string
	UserID    string
	EventType string
	Metadata  map[string]string
	Timestamp time.Time
}

// EventFilter narrows an audit trail query
type EventFilter struct {
	UserID    string
	EventType string
	Since     *time.Time
	Until     *time.Time
	// Limit caps the number of results (default: 100)
	Limit int
}

// CourseToken is a pre-granted unlock for one feature use
type CourseToken struct {
	ID        string
	UserID    string
	TokenType string
	Used      bool
	UsedAt    *time.Time
	CreatedAt time.Time
}

// Source identifies which entitlement was debited by a commit
type Source string

const (
	SourceStarterCredits Source = "starter_ai_credits"
	SourceStarterSample  Source = "starter_sample"
	SourceCourseToken    Source = "course_token"
	SourcePurchase       Source = "single_use_purchase"
	SourceTierAllowance  Source = "tier_allowance"
)

// RolloverRequest asks storage to reset the weekly credit balance if due
type RolloverRequest struct {
	UserID      string
	DefaultTier Tier
	Credits     int
	Now         time.Time
	NextResetAt time.Time
	EventID     string
}

// RolloverResult reports the outcome of a weekly credit rollover
type RolloverResult struct {
	Applied  bool
	Previous int
	Current  int
	ResetAt  time.Time
}

// DebitRequest asks storage to atomically charge one source and append the audit event
type DebitRequest struct {
	UserID      string
	Feature     Feature
	Source      Source
	DefaultTier Tier

	// Tier allowance guard
	ResetPeriod ResetPeriod
	Limit       Limit
	Period      Period
	// CountSince is the lower bound for event-derived usage (trial start, or zero for lifetime)
	CountSince time.Time

	// TokenType is set when Source is SourceCourseToken
	TokenType string

	Event *UsageEvent
}

// TierUpdate changes a profile's tier without touching its quota state
type TierUpdate struct {
	UserID      string
	Tier        Tier
	DefaultTier Tier
	// TrialStartedAt is stored only when Tier is TierTrial and the profile has no trial start yet
	TrialStartedAt time.Time
	At             time.Time
}

// DebitResult describes the committed mutation
type DebitResult struct {
	Source  Source
	TokenID string
	// NewUsed is the counter after the debit for allowance sources, or the remaining weekly credits
	NewUsed int
}

// GenerationState is the lifecycle of a plan generation attempt
type GenerationState string

const (
	GenerationInProgress GenerationState = "in_progress"
	GenerationSucceeded  GenerationState = "succeeded"
	GenerationFailed     GenerationState = "failed"
)

// GenerationRecord marks a plan generation attempt for duplicate detection
type GenerationRecord struct {
	ID             string
	UserID         string
	IdempotencyKey string
	State          GenerationState
	Result         []byte
	CreatedAt      time.Time
	CompletedAt    *time.Time
}

// GenerationRequest asks storage to claim a generation slot for a user
type GenerationRequest struct {
	ID             string
	UserID         string
	IdempotencyKey string
	Now            time.Time
	// Window is how far back an existing non-failed record counts as a duplicate
	Window time.Duration
	// TTL bounds how long records are retained by expiring stores
	TTL time.Duration
}

// PurchaseLedger debits single-use purchases. No purchase table exists yet;
// a nil ledger keeps the priority slot present but inert.
type PurchaseLedger interface {
	// AvailablePurchases counts unused single-use purchases for the feature
	AvailablePurchases(ctx context.Context, userID string, feature Feature) (int, error)

	// ConsumePurchase charges one unused purchase for the feature.
	// Returns false when the user holds none.
	ConsumePurchase(ctx context.Context, userID string, feature Feature) (bool, error)
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	// Enabled determines if the circuit breaker is active
	Enabled bool

	// FailureThreshold is the number of consecutive failures before opening the circuit (default: 5)
	FailureThreshold int

	// ResetTimeout is the duration to wait before transitioning from Open to Half-Open (default: 30 seconds)
	ResetTimeout time.Duration
}

// Config holds manager configuration
type Config struct {
	// Catalog is the tier allowance table (default: DefaultCatalog())
	Catalog *Catalog

	// DefaultTier is used when a user has no profile (default: starter)
	DefaultTier Tier

	// WeeklyCredits is the starter AI message balance granted on each rollover (default: 10)
	WeeklyCredits int

	// WeeklyResetInterval is the time between weekly rollovers (default: 7 days)
	WeeklyResetInterval time.Duration

	// DedupWindow is how long a plan generation suppresses duplicates (default: 2 minutes)
	DedupWindow time.Duration

	// PricingURL is the generic upgrade page (default: /pricing)
	PricingURL string

	// ProPricingURL is the upgrade page pre-filtered to Pro (default: /pricing?plan=pro)
	ProPricingURL string

	// Purchases is the single-use purchase ledger; nil keeps the purchase step inert
	Purchases PurchaseLedger

	// GenerationStore records plan generations; defaults to the Storage when it implements GenerationStore
	GenerationStore GenerationStore

	// Clock returns the current time (default: time.Now in UTC)
	Clock func() time.Time

	// Metrics is used for tracking operations (default: NoopMetrics)
	Metrics Metrics

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// CircuitBreakerConfig configures the circuit breaker around storage
	CircuitBreakerConfig *CircuitBreakerConfig
}
