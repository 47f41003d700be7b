package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
)

const (
	statusActive     = "active"
	statusDefault    = "default"
	maxUserIDLen     = 255
	maxBodyBytes     = 64 << 10
	defaultListLimit = 50
)

// Handler provides HTTP endpoints for entitlement checks and usage inspection
type Handler struct {
	config Config
}

// Routes mounts the handler on a chi router:
//
//	GET  /usage                      every feature's decision
//	GET  /features/{feature}         evaluate one feature
//	POST /features/{feature}/commit  record one use
//	GET  /generations/recent         last plan generation within ?window=
//	GET  /events                     audit trail, ?type= and ?limit=
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/usage", h.GetUsage)
	r.Route("/features/{feature}", func(r chi.Router) {
		r.Get("/", h.Evaluate)
		r.Post("/commit", h.Commit)
	})
	r.Get("/generations/recent", h.RecentGeneration)
	r.Get("/events", h.AuditTrail)
	return r
}

// GetUsage returns the user's decision for every feature
func (h *Handler) GetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	status := statusActive
	profile, err := h.config.Manager.GetProfile(ctx, userID)
	switch {
	case errors.Is(err, featuregate.ErrProfileNotFound):
		status = statusDefault
	case err != nil:
		h.handleError(w, r, fmt.Errorf("failed to get profile: %w", err))
		return
	}

	usage, err := h.config.Manager.Usage(ctx, userID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := UsageResponse{
		UserID:   userID,
		Status:   status,
		Features: usage,
	}
	if profile != nil {
		resp.Tier = profile.Tier
	} else if d, ok := usage[featuregate.FeatureAIMessage]; ok {
		resp.Tier = d.Tier
	}
	writeJSON(w, http.StatusOK, resp)
}

// Evaluate returns the decision for one feature. A denial is a 200 with allowed=false;
// only failures to decide are errors.
func (h *Handler) Evaluate(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	feature, err := featuregate.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	d, err := h.config.Manager.Evaluate(r.Context(), userID, feature)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Commit records one use of a feature after the caller performed the work
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	feature, err := featuregate.ParseFeature(chi.URLParam(r, "feature"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	var req CommitRequest
	if r.Body != nil {
		err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req)
		if err != nil && !errors.Is(err, io.EOF) {
			h.handleError(w, r, errors.Join(ErrInvalidBody, err))
			return
		}
	}

	receipt, err := h.config.Manager.Commit(ctx, userID, feature, req.Metadata)
	if err != nil {
		h.handleError(w, r, h.withDecision(ctx, userID, feature, err))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

// withDecision attaches the current denial to a storage-level quota rejection
// so the client still gets the tier-specific message
func (h *Handler) withDecision(ctx context.Context, userID string, feature featuregate.Feature, err error) error {
	if !errors.Is(err, featuregate.ErrQuotaExceeded) {
		return err
	}
	if _, ok := featuregate.AsQuotaExceeded(err); ok {
		return err
	}
	d, evalErr := h.config.Manager.Evaluate(ctx, userID, feature)
	if evalErr != nil || d.Allowed {
		return err
	}
	return d.Err()
}

// RecentGeneration returns the user's last plan generation inside ?window= (default: engine window)
func (h *Handler) RecentGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	var window time.Duration
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			h.handleError(w, r, fmt.Errorf("%w: window %q", ErrInvalidBody, raw))
			return
		}
		window = parsed
	}

	rec, err := h.config.Manager.CheckRecentGeneration(r.Context(), userID, window)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, GenerationResponse{
		ID:          rec.ID,
		State:       string(rec.State),
		CreatedAt:   rec.CreatedAt,
		CompletedAt: rec.CompletedAt,
		Result:      rec.Result,
	})
}

// AuditTrail lists the user's usage events, newest first
func (h *Handler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.handleError(w, r, fmt.Errorf("%w: limit %q", ErrInvalidBody, raw))
			return
		}
		limit = n
	}

	events, err := h.config.Manager.AuditTrail(r.Context(), featuregate.EventFilter{
		UserID:    userID,
		EventType: r.URL.Query().Get("type"),
		Limit:     limit,
	})
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	out := make([]EventResponse, 0, len(events))
	for _, e := range events {
		out = append(out, EventResponse{
			ID:        e.ID,
			EventType: e.EventType,
			Metadata:  e.Metadata,
			Timestamp: e.Timestamp,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := h.config.GetUserID(r)
	if userID == "" {
		h.handleError(w, r, ErrMissingUserID)
		return "", false
	}
	if len(userID) > maxUserIDLen {
		h.handleError(w, r, fmt.Errorf("%w: too long", featuregate.ErrInvalidUserID))
		return "", false
	}
	return userID, true
}

// handleError logs server-side failures and renders the error
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	if StatusFor(err) >= http.StatusInternalServerError {
		h.config.Logger.Error("api request failed",
			featuregate.Field{Key: "path", Value: r.URL.Path},
			featuregate.Field{Key: "error", Value: err},
		)
	}
	if h.config.OnError != nil {
		h.config.OnError(w, r, err)
		return
	}
	WriteError(w, err)
}
