// Package gin provides Gin middleware that gates a route on a featuregate feature
package gin

import (
	"context"
	"errors"

	gongin "github.com/gin-gonic/gin"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// UserIDExtractor extracts the user ID from a Gin context
// Return empty string if user is not authenticated
type UserIDExtractor func(c *gongin.Context) string

// FeatureExtractor names the feature a request uses
type FeatureExtractor func(c *gongin.Context) (featuregate.Feature, error)

// MetadataExtractor returns audit metadata recorded with the commit
type MetadataExtractor func(c *gongin.Context) map[string]string

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
	OnDenied func(c *gongin.Context, decision *featuregate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c *gongin.Context)

	// OnError is called when evaluation fails before the handler runs
	// If nil, the error is mapped with api.StatusFor
	OnError func(c *gongin.Context, err error)

	// Logger records commits that fail after the handler responded
	Logger featuregate.Logger
}

var errSkipCommit = errors.New("handler did not succeed")

// Middleware creates a Gin middleware that evaluates the feature before the
// handler chain and commits one use when the chain answers with 2xx and no c.Errors.
func Middleware(cfg Config) gongin.HandlerFunc {
	// fail fast at startup
	if cfg.Manager == nil {
		panic("featuregate/gin: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("featuregate/gin: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("featuregate/gin: Config.GetFeature is required")
	}
	if cfg.GetMetadata == nil {
		cfg.GetMetadata = defaultMetadata
	}
	if cfg.Logger == nil {
		cfg.Logger = &featuregate.NoopLogger{}
	}

	return func(c *gongin.Context) {
		userID := cfg.GetUserID(c)
		if userID == "" {
			if cfg.OnUnauthorized != nil {
				cfg.OnUnauthorized(c)
			} else {
				abortWithError(c, api.ErrMissingUserID)
			}
			c.Abort()
			return
		}

		feature, err := cfg.GetFeature(c)
		if err != nil {
			handleError(cfg, c, err)
			return
		}

		ran := false
		_, err = cfg.Manager.Use(c.Request.Context(), userID, feature, cfg.GetMetadata(c), func(ctx context.Context) error {
			ran = true
			c.Request = c.Request.WithContext(ctx)
			c.Next()
			if len(c.Errors) > 0 || c.Writer.Status() < 200 || c.Writer.Status() >= 300 {
				return errSkipCommit
			}
			return nil
		})

		switch {
		case err == nil, errors.Is(err, errSkipCommit):
		case ran:
			cfg.Logger.Error("feature commit failed after response",
				featuregate.Field{Key: "userId", Value: userID},
				featuregate.Field{Key: "feature", Value: string(feature)},
				featuregate.Field{Key: "status", Value: c.Writer.Status()},
				featuregate.Field{Key: "error", Value: err},
			)
		default:
			if d, ok := featuregate.AsQuotaExceeded(err); ok {
				if cfg.OnDenied != nil {
					cfg.OnDenied(c, d)
					c.Abort()
				} else {
					abortWithError(c, err)
				}
				return
			}
			handleError(cfg, c, err)
		}
	}
}

func handleError(cfg Config, c *gongin.Context, err error) {
	if cfg.OnError != nil {
		cfg.OnError(c, err)
		c.Abort()
		return
	}
	abortWithError(c, err)
}

func abortWithError(c *gongin.Context, err error) {
	status, body := api.NewErrorResponse(err)
	c.AbortWithStatusJSON(status, body)
}

func defaultMetadata(c *gongin.Context) map[string]string {
	route := c.FullPath()
	if route == "" {
		route = c.Request.URL.Path
	}
	return map[string]string{
		"method": c.Request.Method,
		"path":   route,
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Gin context values.
// Pair it with auth middleware that calls c.Set(key, userID).
func FromContext(key string) UserIDExtractor {
	return func(c *gongin.Context) string {
		if val, exists := c.Get(key); exists {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.GetHeader(headerName)
	}
}

// FromQuery returns a UserIDExtractor that gets user ID from a query parameter
func FromQuery(queryName string) UserIDExtractor {
	return func(c *gongin.Context) string {
		return c.Query(queryName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always names feature
func FixedFeature(feature featuregate.Feature) FeatureExtractor {
	return func(*gongin.Context) (featuregate.Feature, error) {
		return feature, nil
	}
}

// FeatureFromParam returns a FeatureExtractor that parses a route parameter
func FeatureFromParam(paramName string) FeatureExtractor {
	return func(c *gongin.Context) (featuregate.Feature, error) {
		return featuregate.ParseFeature(c.Param(paramName))
	}
}
