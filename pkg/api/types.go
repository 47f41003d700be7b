package api

import (
	"time"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

// UsageResponse is the full entitlement standing of a user
type UsageResponse struct {
	UserID   string                                       `json:"user_id"`
	Tier     featuregate.Tier                             `json:"tier"`
	Status   string                                       `json:"status"` // "active", "default"
	Features map[featuregate.Feature]*featuregate.Decision `json:"features"`
}

// CommitRequest is the optional body of a commit call
type CommitRequest struct {
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrorResponse is the JSON body of every failed request.
// Denied uses carry the decision so clients can render the upgrade prompt.
type ErrorResponse struct {
	Error    string                `json:"error"`
	Code     string                `json:"code"`
	Decision *featuregate.Decision `json:"decision,omitempty"`
}

// GenerationResponse describes the user's most recent plan generation
type GenerationResponse struct {
	ID          string     `json:"id"`
	State       string     `json:"state"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Result      []byte     `json:"result,omitempty"`
}

// EventResponse is one audit trail entry
type EventResponse struct {
	ID        string            `json:"id"`
	EventType string            `json:"event_type"`
	Metadata  map[string]string `json:"metadata"`
	Timestamp time.Time         `json:"timestamp"`
}
