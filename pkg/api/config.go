package api

import (
	"fmt"
	"net/http"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// Config holds configuration for the entitlement API handler
type Config struct {
	// Manager is the entitlement engine (required)
	Manager *featuregate.Manager

	// GetUserID extracts user ID from HTTP request (required)
	GetUserID func(*http.Request) string

	// OnError handles errors (auth, internal, etc.)
	// If nil, WriteError is used
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger records failed requests (default: NoopLogger)
	Logger featuregate.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.Manager == nil {
		return fmt.Errorf("manager is required")
	}
	if c.GetUserID == nil {
		return fmt.Errorf("getUserID is required")
	}
	return nil
}

// NewHandler creates a new API handler with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &featuregate.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}

// Helper functions for common UserID extraction patterns

// FromHeader returns a GetUserID function that extracts user ID from a header
func FromHeader(headerName string) func(*http.Request) string {
	return func(r *http.Request) string {
		return r.Header.Get(headerName)
	}
}

// FromContext returns a GetUserID function that extracts user ID from request context
func FromContext(key interface{}) func(*http.Request) string {
	return func(r *http.Request) string {
		if userID, ok := r.Context().Value(key).(string); ok {
			return userID
		}
		return ""
	}
}
