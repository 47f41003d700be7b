// Package fiber provides Fiber middleware that gates a route on a featuregate feature
package fiber

import (
	"context"
	"errors"

	"github.com/gofiber/fiber/v2"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// UserIDExtractor extracts the user ID from a Fiber context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *fiber.Ctx) string

// FeatureExtractor names the feature a request uses
type FeatureExtractor func(c *fiber.Ctx) (featuregate.Feature, error)

// MetadataExtractor returns audit metadata recorded with the commit
type MetadataExtractor func(c *fiber.Ctx) map[string]string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement engine instance
	Manager *featuregate.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetFeature names the gated feature (required)
	GetFeature FeatureExtractor

	// GetMetadata adds audit metadata to the commit (optional)
	// If nil, the request method and route are recorded
	GetMetadata MetadataExtractor

	// OnDenied is called when the feature is not allowed
	// If nil, responds 402 with the decision
	OnDenied func(c *fiber.Ctx, decision *featuregate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *fiber.Ctx) error

	// OnError is called when evaluation fails before the handler runs
	// If nil, the error is mapped with api.StatusFor
	OnError func(c *fiber.Ctx, err error) error

	// Logger records commits that fail after the handler responded
	Logger featuregate.Logger
}

// skipCommit carries the handler's own error out of the work closure
type skipCommit struct {
	err error
}

func (s *skipCommit) Error() string {
	if s.err == nil {
		return "handler did not succeed"
	}
	return s.err.Error()
}

// Middleware creates a Fiber middleware that evaluates the feature before the
// handler chain and commits one use when the chain returns no error and answers with 2xx.
func Middleware(cfg Config) fiber.Handler {
	// fail fast at startup
	if cfg.Manager == nil {
		panic("featuregate/fiber: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("featuregate/fiber: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("featuregate/fiber: Config.GetFeature is required")
	}
	if cfg.GetMetadata == nil {
		cfg.GetMetadata = defaultMetadata
	}
	if cfg.Logger == nil {
		cfg.Logger = &featuregate.NoopLogger{}
	}

	return func(c *fiber.Ctx) error {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				return cfg.OnUnauthorized(c)
			}
			return respondError(c, api.ErrMissingUserID)
		}

		feature, err := cfg.GetFeature(c)
		if err != nil {
			return handleError(cfg, c, err)
		}

		// Fiber runs on fasthttp, so the request context lives in c.UserContext()
		ran := false
		_, err = cfg.Manager.Use(c.UserContext(), userID, feature, cfg.GetMetadata(c), func(ctx context.Context) error {
			ran = true
			c.SetUserContext(ctx)
			if err := c.Next(); err != nil {
				return &skipCommit{err: err}
			}
			if status := c.Response().StatusCode(); status < 200 || status >= 300 {
				return &skipCommit{}
			}
			return nil
		})

		var skipped *skipCommit
		switch {
		case err == nil:
			return nil
		case errors.As(err, &skipped):
			// the handler's error goes on to the app's error handler
			return skipped.err
		case ran:
			cfg.Logger.Error("feature commit failed after response",
				featuregate.Field{Key: "userId", Value: userID},
				featuregate.Field{Key: "feature", Value: string(feature)},
				featuregate.Field{Key: "status", Value: c.Response().StatusCode()},
				featuregate.Field{Key: "error", Value: err},
			)
			return nil
		}

		if d, ok := featuregate.AsQuotaExceeded(err); ok {
			if cfg.OnDenied != nil {
				return cfg.OnDenied(c, d)
			}
			return respondError(c, err)
		}
		return handleError(cfg, c, err)
	}
}

func handleError(cfg Config, c *fiber.Ctx, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return respondError(c, err)
}

func respondError(c *fiber.Ctx, err error) error {
	status, body := api.NewErrorResponse(err)
	return c.Status(status).JSON(body)
}

func defaultMetadata(c *fiber.Ctx) map[string]string {
	route := c.Route().Path
	if route == "" || route == "/" {
		route = c.Path()
	}
	return map[string]string{
		"method": c.Method(),
		"path":   route,
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Fiber context values (Locals).
// Pair it with auth middleware that calls c.Locals(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		if val := c.Locals(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
// Fiber v2 uses c.Get() for headers (not c.GetHeader())
func FromHeader(headerName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Params(paramName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *fiber.Ctx) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always names feature
func FixedFeature(feature featuregate.Feature) FeatureExtractor {
	return func(*fiber.Ctx) (featuregate.Feature, error) {
		return feature, nil
	}
}

// FeatureFromParam returns a FeatureExtractor that parses a route parameter
func FeatureFromParam(paramName string) FeatureExtractor {
	return func(c *fiber.Ctx) (featuregate.Feature, error) {
		return featuregate.ParseFeature(c.Params(paramName))
	}
}
