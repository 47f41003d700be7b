package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

var (
	// ErrMissingUserID is returned when the request carries no user
	ErrMissingUserID = errors.New("user ID not found")

	// ErrInvalidBody is returned for an undecodable request body
	ErrInvalidBody = errors.New("invalid request body")
)

// StatusFor maps an engine error to an HTTP status code
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrMissingUserID):
		return http.StatusUnauthorized
	case errors.Is(err, featuregate.ErrQuotaExceeded):
		return http.StatusPaymentRequired
	case errors.Is(err, featuregate.ErrConcurrencyConflict):
		return http.StatusConflict
	case errors.Is(err, featuregate.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, featuregate.ErrInvalidFeature),
		errors.Is(err, featuregate.ErrInvalidUserID),
		errors.Is(err, featuregate.ErrInvalidTier),
		errors.Is(err, ErrInvalidBody):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusPaymentRequired:
		return "quota_exceeded"
	case http.StatusConflict:
		return "conflict"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusBadRequest:
		return "bad_request"
	default:
		return "internal"
	}
}

// NewErrorResponse builds the JSON body and status for err.
// Internal failures are reported without their cause.
func NewErrorResponse(err error) (int, ErrorResponse) {
	status := StatusFor(err)
	resp := ErrorResponse{
		Error: err.Error(),
		Code:  codeFor(status),
	}
	if d, ok := featuregate.AsQuotaExceeded(err); ok {
		resp.Error = d.Message
		resp.Decision = d
	}
	if status >= http.StatusInternalServerError {
		resp.Error = http.StatusText(status)
	}
	return status, resp
}

// WriteError writes err as a JSON ErrorResponse with the status from StatusFor
func WriteError(w http.ResponseWriter, err error) {
	status, resp := NewErrorResponse(err)
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// the status line is already sent; an encode failure cannot be reported
	_ = json.NewEncoder(w).Encode(v)
}
