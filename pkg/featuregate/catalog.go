package featuregate

import "fmt"

// CatalogEntries maps every feature to its per-tier allowance
type CatalogEntries map[Feature]map[Tier]FeatureLimit

// Catalog is the immutable (feature, tier) allowance table.
// It is validated once at construction and safe for concurrent use without locking.
type Catalog struct {
	entries    CatalogEntries
	tokenTypes map[Feature]string
}

// CatalogOption customizes a Catalog
type CatalogOption func(*Catalog)

// WithTokenType maps a feature to the course token type that unlocks it.
// Features without a mapping use their own name.
func WithTokenType(feature Feature, tokenType string) CatalogOption {
	return func(c *Catalog) {
		c.tokenTypes[feature] = tokenType
	}
}

// NewCatalog validates entries and returns a Catalog.
// Every (feature, tier) pair must be defined; a gap is a ConfigurationError.
func NewCatalog(entries CatalogEntries, opts ...CatalogOption) (*Catalog, error) {
	c := &Catalog{
		entries:    make(CatalogEntries, len(entries)),
		tokenTypes: make(map[Feature]string),
	}

	for feature, tiers := range entries {
		if !feature.Valid() {
			return nil, &ConfigurationError{Feature: feature, Reason: "unknown feature"}
		}
		copied := make(map[Tier]FeatureLimit, len(tiers))
		for tier, limit := range tiers {
			if !tier.Valid() {
				return nil, &ConfigurationError{Feature: feature, Tier: tier, Reason: "unknown tier"}
			}
			copied[tier] = copyLimit(limit)
		}
		c.entries[feature] = copied
	}

	for _, feature := range AllFeatures() {
		for _, tier := range AllTiers() {
			limit, ok := c.entries[feature][tier]
			if !ok {
				return nil, &ConfigurationError{Feature: feature, Tier: tier, Reason: "missing limit"}
			}
			if err := validateLimit(feature, tier, limit); err != nil {
				return nil, err
			}
		}
	}

	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// MustCatalog is like NewCatalog but panics on invalid configuration.
// Intended for process startup.
func MustCatalog(entries CatalogEntries, opts ...CatalogOption) *Catalog {
	c, err := NewCatalog(entries, opts...)
	if err != nil {
		panic(fmt.Sprintf("featuregate: %v", err))
	}
	return c
}

func validateLimit(feature Feature, tier Tier, limit FeatureLimit) error {
	if limit.Limit < 0 && !limit.Limit.IsUnbounded() {
		return &ConfigurationError{Feature: feature, Tier: tier, Reason: "negative limit"}
	}
	if !limit.ResetPeriod.Valid() {
		return &ConfigurationError{Feature: feature, Tier: tier,
			Reason: fmt.Sprintf("unknown reset period %q", limit.ResetPeriod)}
	}
	if limit.ResetPeriod == ResetWeekly && feature != FeatureAIMessage {
		// weekly balances live on the profile and only exist for AI messages
		return &ConfigurationError{Feature: feature, Tier: tier, Reason: "weekly reset is only supported for ai_message"}
	}
	if limit.PurchasePrice != nil && limit.PurchasePrice.Amount <= 0 {
		return &ConfigurationError{Feature: feature, Tier: tier, Reason: "purchase price must be positive"}
	}
	return nil
}

func copyLimit(l FeatureLimit) FeatureLimit {
	if l.PurchasePrice != nil {
		price := *l.PurchasePrice
		l.PurchasePrice = &price
	}
	return l
}

// LimitsFor returns the allowance for a (feature, tier) pair
func (c *Catalog) LimitsFor(feature Feature, tier Tier) (FeatureLimit, error) {
	tiers, ok := c.entries[feature]
	if !ok {
		return FeatureLimit{}, fmt.Errorf("%w: %q", ErrInvalidFeature, feature)
	}
	limit, ok := tiers[tier]
	if !ok {
		return FeatureLimit{}, fmt.Errorf("%w: %q", ErrInvalidTier, tier)
	}
	return copyLimit(limit), nil
}

// TokenType returns the course token type that unlocks feature
func (c *Catalog) TokenType(feature Feature) string {
	if t, ok := c.tokenTypes[feature]; ok {
		return t
	}
	return string(feature)
}

// Entries returns a copy of the full table
func (c *Catalog) Entries() CatalogEntries {
	out := make(CatalogEntries, len(c.entries))
	for feature, tiers := range c.entries {
		copied := make(map[Tier]FeatureLimit, len(tiers))
		for tier, limit := range tiers {
			copied[tier] = copyLimit(limit)
		}
		out[feature] = copied
	}
	return out
}

func price(cents int64) *Money {
	m := USD(cents)
	return &m
}

// DefaultCatalog returns the built-in product allowance table
func DefaultCatalog() *Catalog {
	return MustCatalog(CatalogEntries{
		FeatureLifeplanRegen: {
			TierStarter: {Limit: 0, ResetPeriod: ResetNone, PurchasePrice: price(299), TokenEligible: true},
			TierTrial:   {Limit: 2, ResetPeriod: ResetTrial, TokenEligible: true},
			TierPlus:    {Limit: 4, ResetPeriod: ResetMonthly, PurchasePrice: price(299), TokenEligible: true},
			TierPro:     {Limit: 8, ResetPeriod: ResetMonthly, PurchasePrice: price(299), TokenEligible: true},
		},
		FeatureResumeBuilder: {
			TierStarter: {Limit: 0, ResetPeriod: ResetNone},
			TierTrial:   {Limit: 1, ResetPeriod: ResetTrial, TokenEligible: true},
			TierPlus:    {Limit: 3, ResetPeriod: ResetMonthly, TokenEligible: true},
			TierPro:     {Limit: Unbounded, ResetPeriod: ResetMonthly, TokenEligible: true},
		},
		FeatureApplicationAssist: {
			TierStarter: {Limit: 0, ResetPeriod: ResetNone, PurchasePrice: price(199), TokenEligible: true},
			TierTrial:   {Limit: 3, ResetPeriod: ResetTrial, TokenEligible: true},
			TierPlus:    {Limit: 10, ResetPeriod: ResetMonthly, PurchasePrice: price(199), TokenEligible: true},
			TierPro:     {Limit: 30, ResetPeriod: ResetMonthly, PurchasePrice: price(199), TokenEligible: true},
		},
		FeatureInterviewPrep: {
			TierStarter: {Limit: 0, ResetPeriod: ResetNone, PurchasePrice: price(499), TokenEligible: true},
			TierTrial:   {Limit: 1, ResetPeriod: ResetTrial, TokenEligible: true},
			TierPlus:    {Limit: 2, ResetPeriod: ResetMonthly, PurchasePrice: price(499), TokenEligible: true},
			TierPro:     {Limit: 5, ResetPeriod: ResetMonthly, PurchasePrice: price(499), TokenEligible: true},
		},
		FeatureAIMessage: {
			TierStarter: {Limit: 10, ResetPeriod: ResetWeekly},
			TierTrial:   {Limit: Unbounded, ResetPeriod: ResetMonthly},
			TierPlus:    {Limit: Unbounded, ResetPeriod: ResetMonthly},
			TierPro:     {Limit: Unbounded, ResetPeriod: ResetMonthly},
		},
		FeatureCoverLetter: {
			TierStarter: {Limit: 0, ResetPeriod: ResetNone, PurchasePrice: price(99)},
			TierTrial:   {Limit: 2, ResetPeriod: ResetTrial},
			TierPlus:    {Limit: 5, ResetPeriod: ResetMonthly, PurchasePrice: price(99)},
			TierPro:     {Limit: 15, ResetPeriod: ResetMonthly, PurchasePrice: price(99)},
		},
	})
}
