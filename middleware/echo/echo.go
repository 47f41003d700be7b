// Package echo provides Echo middleware that gates a route on a featuregate feature
package echo

import (
	"context"
	"errors"

	"github.com/labstack/echo/v4"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// UserIDExtractor extracts the user ID from an Echo context
// Return empty string if user is not authenticated
type UserIDExtractor func(c echo.Context) string

// FeatureExtractor names the feature a request uses
type FeatureExtractor func(c echo.Context) (featuregate.Feature, error)

// MetadataExtractor returns audit metadata recorded with the commit
type MetadataExtractor func(c echo.Context) map[string]string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement engine instance
	Manager *featuregate.Manager

	// GetUserID extracts user ID from context (required)
	GetUserID UserIDExtractor

	// GetFeature names the gated feature (required)
	GetFeature FeatureExtractor

	// GetMetadata adds audit metadata to the commit (optional)
	GetMetadata MetadataExtractor

	// OnDenied is called when the feature is not allowed
	// If nil, responds 402 with the decision
	OnDenied func(c echo.Context, decision *featuregate.Decision) error

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(c echo.Context) error

	// OnError is called when evaluation fails before the handler runs
	OnError func(c echo.Context, err error) error

	// Logger records commits that fail after the handler responded
	Logger featuregate.Logger
}

var errSkipCommit = errors.New("handler did not succeed")

// Middleware creates an Echo middleware. A handler that returns an error or a
// non-2xx status is not charged; its error is passed on to Echo's error handler.
func Middleware(cfg Config) echo.MiddlewareFunc {
	if cfg.Manager == nil {
		panic("featuregate/echo: Config.Manager is required")
	}
	if cfg.GetUserID == nil {
		panic("featuregate/echo: Config.GetUserID is required")
	}
	if cfg.GetFeature == nil {
		panic("featuregate/echo: Config.GetFeature is required")
	}
	if cfg.GetMetadata == nil {
		cfg.GetMetadata = defaultMetadata
	}
	if cfg.Logger == nil {
		cfg.Logger = &featuregate.NoopLogger{}
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			userID := cfg.GetUserID(c)
			if userID == "" {
				if cfg.OnUnauthorized != nil {
					return cfg.OnUnauthorized(c)
				}
				return writeError(c, api.ErrMissingUserID)
			}

			feature, err := cfg.GetFeature(c)
			if err != nil {
				return handleError(cfg, c, err)
			}

			var (
				ran        bool
				handlerErr error
			)
			_, err = cfg.Manager.Use(c.Request().Context(), userID, feature, cfg.GetMetadata(c), func(ctx context.Context) error {
				ran = true
				c.SetRequest(c.Request().WithContext(ctx))
				handlerErr = next(c)
				status := c.Response().Status
				if handlerErr != nil || status < 200 || status >= 300 {
					return errSkipCommit
				}
				return nil
			})

			switch {
			case err == nil, errors.Is(err, errSkipCommit):
				return handlerErr
			case ran:
				cfg.Logger.Error("feature commit failed after response",
					featuregate.Field{Key: "userId", Value: userID},
					featuregate.Field{Key: "feature", Value: string(feature)},
					featuregate.Field{Key: "status", Value: c.Response().Status},
					featuregate.Field{Key: "error", Value: err},
				)
				return nil
			}

			if d, ok := featuregate.AsQuotaExceeded(err); ok {
				if cfg.OnDenied != nil {
					return cfg.OnDenied(c, d)
				}
				return writeError(c, err)
			}
			return handleError(cfg, c, err)
		}
	}
}

func handleError(cfg Config, c echo.Context, err error) error {
	if cfg.OnError != nil {
		return cfg.OnError(c, err)
	}
	return writeError(c, err)
}

func writeError(c echo.Context, err error) error {
	status, body := api.NewErrorResponse(err)
	return c.JSON(status, body)
}

func defaultMetadata(c echo.Context) map[string]string {
	path := c.Path()
	if path == "" {
		path = c.Request().URL.Path
	}
	return map[string]string{
		"method": c.Request().Method,
		"path":   path,
	}
}

// Convenience extractors for User ID

// FromContext returns a UserIDExtractor that gets user ID from Echo context values
func FromContext(key string) UserIDExtractor {
	return func(c echo.Context) string {
		if val := c.Get(key); val != nil {
			if str, ok := val.(string); ok {
				return str
			}
		}
		return ""
	}
}

// FromHeader returns a UserIDExtractor that gets user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Request().Header.Get(headerName)
	}
}

// FromParam returns a UserIDExtractor that gets user ID from a route parameter
func FromParam(paramName string) UserIDExtractor {
	return func(c echo.Context) string {
		return c.Param(paramName)
	}
}

// Convenience extractors for Feature

// FixedFeature returns a FeatureExtractor that always names feature
func FixedFeature(feature featuregate.Feature) FeatureExtractor {
	return func(echo.Context) (featuregate.Feature, error) {
		return feature, nil
	}
}

// FeatureFromParam returns a FeatureExtractor that parses a route parameter
func FeatureFromParam(paramName string) FeatureExtractor {
	return func(c echo.Context) (featuregate.Feature, error) {
		return featuregate.ParseFeature(c.Param(paramName))
	}
}

// StatusForError lets an Echo HTTPErrorHandler map engine errors the way the middleware does
func StatusForError(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return api.StatusFor(err)
}
