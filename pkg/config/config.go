// Package config loads process configuration from the environment and
// the tier catalog from YAML, and turns both into engine and storage settings.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/postgres"
)

// Config is the server process configuration
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	Engine   EngineConfig   `envPrefix:"FEATUREGATE_"`
	Postgres PostgresConfig `envPrefix:"PG_"`

	// RedisURL enables the Redis generation store when set
	RedisURL string `env:"REDIS_URL"`

	Stripe StripeConfig `envPrefix:"STRIPE_"`
	Auth   AuthConfig   `envPrefix:"AUTH_"`

	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
}

// AuthConfig enables bearer-token authentication when JWTSecret is set.
// TrustHeader opts in to taking the user ID from the X-User-ID header instead (local development only).
type AuthConfig struct {
	JWTSecret   string        `env:"JWT_SECRET"`
	Issuer      string        `env:"JWT_ISSUER"`
	Audience    string        `env:"JWT_AUDIENCE"`
	Leeway      time.Duration `env:"JWT_LEEWAY" envDefault:"30s"`
	TrustHeader bool          `env:"TRUST_HEADER"`
}

// StripeConfig enables the Stripe billing webhook when APIKey is set
type StripeConfig struct {
	APIKey        string `env:"API_KEY"`
	WebhookSecret string `env:"WEBHOOK_SECRET"`
	// Prices maps price IDs to tiers, e.g. "price_abc:plus,price_def:pro"
	Prices map[string]string `env:"PRICES"`

	SuccessURL string `env:"SUCCESS_URL" envDefault:"http://localhost:8080/billing/success"`
	CancelURL  string `env:"CANCEL_URL" envDefault:"http://localhost:8080/pricing"`
	ReturnURL  string `env:"PORTAL_RETURN_URL" envDefault:"http://localhost:8080/account"`
}

// EngineConfig holds the entitlement engine settings
type EngineConfig struct {
	CatalogPath         string        `env:"CATALOG_PATH"`
	DefaultTier         string        `env:"DEFAULT_TIER" envDefault:"starter"`
	WeeklyCredits       int           `env:"WEEKLY_CREDITS" envDefault:"10"`
	WeeklyResetInterval time.Duration `env:"WEEKLY_RESET_INTERVAL" envDefault:"168h"`
	DedupWindow         time.Duration `env:"DEDUP_WINDOW" envDefault:"2m"`
	PricingURL          string        `env:"PRICING_URL" envDefault:"/pricing"`
	ProPricingURL       string        `env:"PRO_PRICING_URL" envDefault:"/pricing?plan=pro"`
	MetricsNamespace    string        `env:"METRICS_NAMESPACE" envDefault:"featuregate"`

	CircuitBreakerEnabled   bool          `env:"CIRCUIT_BREAKER_ENABLED" envDefault:"true"`
	CircuitBreakerThreshold int           `env:"CIRCUIT_BREAKER_THRESHOLD" envDefault:"5"`
	CircuitBreakerTimeout   time.Duration `env:"CIRCUIT_BREAKER_TIMEOUT" envDefault:"30s"`
}

// PostgresConfig holds the ledger database settings
type PostgresConfig struct {
	ConnectionString string        `env:"CONN_URL,required"`
	MaxConns         int32         `env:"MAX_CONNS" envDefault:"10"`
	MinConns         int32         `env:"MIN_CONNS" envDefault:"2"`
	MaxConnLifetime  time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime  time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"30m"`
	GenerationTTL    time.Duration `env:"GENERATION_TTL" envDefault:"168h"`
	UseDatabaseTime  bool          `env:"USE_DATABASE_TIME" envDefault:"true"`
	Migrate          bool          `env:"MIGRATE" envDefault:"true"`
}

// Load reads .env files (default: .env, missing files are ignored) and parses
// the environment into a Config.
func Load(files ...string) (Config, error) {
	// the .env file is optional
	_ = godotenv.Load(files...)
	return parse(env.Options{})
}

// Parse builds a Config from an explicit environment, ignoring the process environment
func Parse(environment map[string]string) (Config, error) {
	return parse(env.Options{Environment: environment})
}

func parse(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if _, err := featuregate.ParseTier(cfg.Engine.DefaultTier); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	if _, err := cfg.Stripe.TierMapping(); err != nil {
		return Config{}, errors.Join(ErrParsingConfig, err)
	}
	return cfg, nil
}

// ManagerConfig builds the engine configuration. Logger, metrics and stores are wired by the caller.
func (c EngineConfig) ManagerConfig() (*featuregate.Config, error) {
	catalog, err := LoadCatalog(c.CatalogPath)
	if err != nil {
		return nil, err
	}
	tier, err := featuregate.ParseTier(c.DefaultTier)
	if err != nil {
		return nil, err
	}
	return &featuregate.Config{
		Catalog:             catalog,
		DefaultTier:         tier,
		WeeklyCredits:       c.WeeklyCredits,
		WeeklyResetInterval: c.WeeklyResetInterval,
		DedupWindow:         c.DedupWindow,
		PricingURL:          c.PricingURL,
		ProPricingURL:       c.ProPricingURL,
		CircuitBreakerConfig: &featuregate.CircuitBreakerConfig{
			Enabled:          c.CircuitBreakerEnabled,
			FailureThreshold: c.CircuitBreakerThreshold,
			ResetTimeout:     c.CircuitBreakerTimeout,
		},
	}, nil
}

// StorageConfig converts the settings to a postgres.Config
func (c PostgresConfig) StorageConfig() postgres.Config {
	cfg := postgres.DefaultConfig()
	cfg.ConnectionString = c.ConnectionString
	cfg.MaxConns = c.MaxConns
	cfg.MinConns = c.MinConns
	cfg.MaxConnLifetime = c.MaxConnLifetime
	cfg.MaxConnIdleTime = c.MaxConnIdleTime
	cfg.GenerationTTL = c.GenerationTTL
	cfg.UseDatabaseTime = c.UseDatabaseTime
	return cfg
}

// RedisOptions parses RedisURL. Returns nil when Redis is not configured.
func (c Config) RedisOptions() (*redis.Options, error) {
	if c.RedisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return opts, nil
}

// Enabled reports whether Stripe billing is configured
func (c StripeConfig) Enabled() bool {
	return c.APIKey != ""
}

// TierMapping parses Prices into billing tiers
func (c StripeConfig) TierMapping() (map[string]featuregate.Tier, error) {
	out := make(map[string]featuregate.Tier, len(c.Prices))
	for price, name := range c.Prices {
		tier, err := featuregate.ParseTier(name)
		if err != nil {
			return nil, fmt.Errorf("stripe price %s: %w", price, err)
		}
		out[price] = tier
	}
	return out, nil
}
