package featuregate

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when the tier catalog is incomplete or invalid
	ErrConfiguration = errors.New("invalid feature configuration")

	// ErrQuotaExceeded is returned when no entitlement source can cover a feature use
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrStorageUnavailable is returned when the ledger cannot be read or written
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrConcurrencyConflict is returned when a commit lost a race for the chosen source.
	// Callers re-run Evaluate before retrying.
	ErrConcurrencyConflict = errors.New("concurrent consumption conflict")

	// ErrInvalidTier is returned for unknown tier
	ErrInvalidTier = errors.New("invalid tier")

	// ErrInvalidFeature is returned for unknown feature
	ErrInvalidFeature = errors.New("invalid feature")

	// ErrProfileNotFound is returned when user has no profile
	ErrProfileNotFound = errors.New("profile not found")

	// ErrGenerationNotFound is returned when a generation record does not exist
	ErrGenerationNotFound = errors.New("generation not found")

	// ErrInvalidUserID is returned for an empty user id
	ErrInvalidUserID = errors.New("invalid user id")
)

// ConfigurationError describes a missing or invalid catalog entry
type ConfigurationError struct {
	Feature Feature
	Tier    Tier
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Tier == "" {
		return fmt.Sprintf("feature %q: %s", e.Feature, e.Reason)
	}
	return fmt.Sprintf("feature %q tier %q: %s", e.Feature, e.Tier, e.Reason)
}

// Is makes errors.Is(err, ErrConfiguration) succeed
func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// QuotaExceededError carries the denied decision so adapters can render
// a tier-specific message and upgrade link.
type QuotaExceededError struct {
	Decision *Decision
}

func (e *QuotaExceededError) Error() string {
	if e.Decision == nil {
		return ErrQuotaExceeded.Error()
	}
	return fmt.Sprintf("%s: %s for tier %s (%d/%s used)",
		ErrQuotaExceeded, e.Decision.Feature, e.Decision.Tier, e.Decision.Used, e.Decision.Limit)
}

// Is makes errors.Is(err, ErrQuotaExceeded) succeed
func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// AsQuotaExceeded extracts the denied decision from err, if any
func AsQuotaExceeded(err error) (*Decision, bool) {
	var qe *QuotaExceededError
	if errors.As(err, &qe) && qe.Decision != nil {
		return qe.Decision, true
	}
	return nil, false
}
