package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// unboundedLimit is the YAML spelling of featuregate.Unbounded
const unboundedLimit = "unbounded"

// catalogFile is the on-disk form of a tier catalog:
//
//	token_types:
//	  resume_builder: resume_course
//	features:
//	  lifeplan_regen:
//	    plus: {limit: 4, reset: monthly, price: 299, currency: usd, token: true}
//	  ai_message:
//	    pro: {limit: unbounded, reset: monthly}
type catalogFile struct {
	TokenTypes map[string]string                  `yaml:"token_types,omitempty"`
	Features   map[string]map[string]catalogLimit `yaml:"features"`
}

type catalogLimit struct {
	Limit    *yamlLimit `yaml:"limit"`
	Reset    string `yaml:"reset"`
	Price    int64  `yaml:"price,omitempty"`
	Currency string `yaml:"currency,omitempty"`
	Token    bool   `yaml:"token,omitempty"`
}

// LoadCatalog reads and validates a YAML tier catalog.
// An empty path returns the built-in catalog.
func LoadCatalog(path string) (*featuregate.Catalog, error) {
	if path == "" {
		return featuregate.DefaultCatalog(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Join(ErrCatalogNotFound, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog decodes a YAML tier catalog. Every (feature, tier) pair must be present.
func ParseCatalog(data []byte) (*featuregate.Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	if len(file.Features) == 0 {
		return nil, fmt.Errorf("%w: no features defined", ErrInvalidCatalog)
	}

	entries := make(featuregate.CatalogEntries, len(file.Features))
	for featureName, tiers := range file.Features {
		feature, err := featuregate.ParseFeature(featureName)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, err)
		}
		limits := make(map[featuregate.Tier]featuregate.FeatureLimit, len(tiers))
		for tierName, raw := range tiers {
			tier, err := featuregate.ParseTier(tierName)
			if err != nil {
				return nil, errors.Join(ErrInvalidCatalog, err)
			}
			limit, err := raw.featureLimit()
			if err != nil {
				return nil, fmt.Errorf("%w: %s/%s: %v", ErrInvalidCatalog, feature, tier, err)
			}
			limits[tier] = limit
		}
		entries[feature] = limits
	}

	var opts []featuregate.CatalogOption
	for featureName, tokenType := range file.TokenTypes {
		feature, err := featuregate.ParseFeature(featureName)
		if err != nil {
			return nil, errors.Join(ErrInvalidCatalog, err)
		}
		opts = append(opts, featuregate.WithTokenType(feature, tokenType))
	}

	catalog, err := featuregate.NewCatalog(entries, opts...)
	if err != nil {
		return nil, errors.Join(ErrInvalidCatalog, err)
	}
	return catalog, nil
}

func (l catalogLimit) featureLimit() (featuregate.FeatureLimit, error) {
	var out featuregate.FeatureLimit
	if l.Limit == nil {
		return out, fmt.Errorf("limit is required")
	}
	out.Limit = featuregate.Limit(*l.Limit)
	out.ResetPeriod = featuregate.ResetPeriod(l.Reset)
	out.TokenEligible = l.Token
	if l.Price > 0 {
		currency := l.Currency
		if currency == "" {
			currency = "usd"
		}
		out.PurchasePrice = &featuregate.Money{Amount: l.Price, Currency: strings.ToLower(currency)}
	}
	return out, nil
}

// MarshalCatalog encodes a catalog in the format read by ParseCatalog
func MarshalCatalog(catalog *featuregate.Catalog) ([]byte, error) {
	file := catalogFile{Features: make(map[string]map[string]catalogLimit)}

	for _, feature := range featuregate.AllFeatures() {
		if tokenType := catalog.TokenType(feature); tokenType != string(feature) {
			if file.TokenTypes == nil {
				file.TokenTypes = make(map[string]string)
			}
			file.TokenTypes[string(feature)] = tokenType
		}
	}

	for feature, tiers := range catalog.Entries() {
		out := make(map[string]catalogLimit, len(tiers))
		for tier, limit := range tiers {
			l := yamlLimit(limit.Limit)
			entry := catalogLimit{
				Limit: &l,
				Reset: string(limit.ResetPeriod),
				Token: limit.TokenEligible,
			}
			if limit.PurchasePrice != nil {
				entry.Price = limit.PurchasePrice.Amount
				entry.Currency = limit.PurchasePrice.Currency
			}
			out[string(tier)] = entry
		}
		file.Features[string(feature)] = out
	}

	data, err := yaml.Marshal(&file)
	if err != nil {
		return nil, fmt.Errorf("failed to encode catalog: %w", err)
	}
	return data, nil
}

// yamlLimit accepts a non-negative integer or "unbounded"
type yamlLimit featuregate.Limit

func (l *yamlLimit) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: limit must be a scalar", node.Line)
	}
	value := strings.ToLower(strings.TrimSpace(node.Value))
	if value == unboundedLimit {
		*l = yamlLimit(featuregate.Unbounded)
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return fmt.Errorf("line %d: limit %q must be a non-negative integer or %q", node.Line, node.Value, unboundedLimit)
	}
	*l = yamlLimit(n)
	return nil
}

func (l yamlLimit) MarshalYAML() (interface{}, error) {
	if featuregate.Limit(l).IsUnbounded() {
		return unboundedLimit, nil
	}
	return int(l), nil
}
