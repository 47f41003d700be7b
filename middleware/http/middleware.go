// Package http provides net/http middleware that gates a handler on a featuregate feature.
// The feature is evaluated before the handler runs and committed after it responds with 2xx.
package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// UserIDExtractor extracts the user ID from an HTTP request
// Return empty string if user is not authenticated
type UserIDExtractor func(r *http.Request) string

// FeatureExtractor names the feature a request uses
type FeatureExtractor func(r *http.Request) (featuregate.Feature, error)

// MetadataExtractor returns audit metadata recorded with the commit
type MetadataExtractor func(r *http.Request) map[string]string

// Config holds middleware configuration
type Config struct {
	// Manager is the entitlement engine (required)
	Manager *featuregate.Manager

	// GetUserID extracts user ID from request (required)
	GetUserID UserIDExtractor

	// GetFeature names the gated feature (required)
	GetFeature FeatureExtractor

	// GetMetadata adds audit metadata to the commit (optional)
	// If nil, the request method and path are recorded
	GetMetadata MetadataExtractor

	// OnDenied is called when the feature is not allowed
	// If nil, returns 402 with the decision as JSON
	OnDenied func(w http.ResponseWriter, r *http.Request, decision *featuregate.Decision)

	// OnUnauthorized is called when user is not authenticated
	// If nil, returns 401 Unauthorized
	OnUnauthorized func(w http.ResponseWriter, r *http.Request)

	// OnError is called when evaluation fails before the handler runs
	// If nil, api.WriteError is used
	OnError func(w http.ResponseWriter, r *http.Request, err error)

	// Logger records commits that fail after the handler responded (default: NoopLogger)
	Logger featuregate.Logger
}

func (c *Config) validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	if c.GetFeature == nil {
		return fmt.Errorf("getFeature is required")
	}
	return nil
}

// Middleware creates HTTP middleware that gates next on a feature.
// It panics on an invalid config, like http.Handle does for a nil handler.
func Middleware(config Config) func(http.Handler) http.Handler {
	if err := config.validate(); err != nil {
		panic(fmt.Sprintf("featuregate middleware: %v", err))
	}
	if config.Logger == nil {
		config.Logger = &featuregate.NoopLogger{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gate(config, next, w, r)
		})
	}
}

// HandlerFunc wraps a single handler function
func HandlerFunc(config Config, handler http.HandlerFunc) http.Handler {
	return Middleware(config)(handler)
}

func gate(config Config, next http.Handler, w http.ResponseWriter, r *http.Request) {
	userID := config.GetUserID(r)
	if userID == "" {
		handleUnauthorized(config, w, r)
		return
	}

	feature, err := config.GetFeature(r)
	if err != nil {
		handleError(config, w, r, err)
		return
	}

	metadata := defaultMetadata(r)
	if config.GetMetadata != nil {
		metadata = config.GetMetadata(r)
	}

	rec := &statusRecorder{ResponseWriter: w}
	_, err = config.Manager.Use(r.Context(), userID, feature, metadata, func(ctx context.Context) error {
		next.ServeHTTP(rec, r.WithContext(ctx))
		if !rec.success() {
			return errSkipCommit
		}
		return nil
	})

	switch {
	case err == nil, errors.Is(err, errSkipCommit):
	case rec.wrote:
		// the handler already answered; only the debit failed
		config.Logger.Error("feature commit failed after response",
			featuregate.Field{Key: "userId", Value: userID},
			featuregate.Field{Key: "feature", Value: string(feature)},
			featuregate.Field{Key: "status", Value: rec.status},
			featuregate.Field{Key: "error", Value: err},
		)
	default:
		if d, ok := featuregate.AsQuotaExceeded(err); ok {
			handleDenied(config, w, r, d)
			return
		}
		handleError(config, w, r, err)
	}
}

var errSkipCommit = errors.New("handler did not succeed")

func defaultMetadata(r *http.Request) map[string]string {
	return map[string]string{
		"method": r.Method,
		"path":   r.URL.Path,
	}
}

func handleDenied(config Config, w http.ResponseWriter, r *http.Request, d *featuregate.Decision) {
	if config.OnDenied != nil {
		config.OnDenied(w, r, d)
		return
	}
	api.WriteError(w, d.Err())
}

func handleUnauthorized(config Config, w http.ResponseWriter, r *http.Request) {
	if config.OnUnauthorized != nil {
		config.OnUnauthorized(w, r)
		return
	}
	api.WriteError(w, api.ErrMissingUserID)
}

func handleError(config Config, w http.ResponseWriter, r *http.Request, err error) {
	if config.OnError != nil {
		config.OnError(w, r, err)
		return
	}
	api.WriteError(w, err)
}

// statusRecorder captures the status code written by the wrapped handler
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (s *statusRecorder) WriteHeader(code int) {
	if !s.wrote {
		s.status = code
		s.wrote = true
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if !s.wrote {
		s.WriteHeader(http.StatusOK)
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// A handler that writes nothing gets an implicit 200.
func (s *statusRecorder) success() bool {
	if !s.wrote {
		return true
	}
	return s.status >= 200 && s.status < 300
}

// Helper functions for common extraction patterns

// FixedFeature returns a FeatureExtractor that always names feature
func FixedFeature(feature featuregate.Feature) FeatureExtractor {
	return func(*http.Request) (featuregate.Feature, error) {
		return feature, nil
	}
}

// FromPathValue returns a FeatureExtractor that reads a ServeMux path wildcard
func FromPathValue(name string) FeatureExtractor {
	return func(r *http.Request) (featuregate.Feature, error) {
		return featuregate.ParseFeature(r.PathValue(name))
	}
}

// FromHeader returns a UserIDExtractor that extracts user ID from a header
func FromHeader(headerName string) UserIDExtractor {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a UserIDExtractor that extracts user ID from request context
func FromContext(key interface{}) UserIDExtractor {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}

// ContextKey is a type for context keys to avoid collisions
type ContextKey string

// UserIDKey is the context key for user ID
const UserIDKey ContextKey = "userID"

// WithUserID adds user ID to request context
func WithUserID(r *http.Request, userID string) *http.Request {
	ctx := context.WithValue(r.Context(), UserIDKey, userID)
	return r.WithContext(ctx)
}
