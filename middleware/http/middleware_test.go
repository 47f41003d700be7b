package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/memory"
)

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// Test helper to create a test manager
func setupTestManager(t *testing.T) *featuregate.Manager {
	t.Helper()

	manager, err := featuregate.NewManager(memory.New(), &featuregate.Config{
		Clock: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return manager
}

// Test helper to set up a profile
func setupProfile(t *testing.T, manager *featuregate.Manager, userID string, tier featuregate.Tier) {
	t.Helper()
	require.NoError(t, manager.SetProfile(context.Background(), &featuregate.Profile{
		UserID: userID,
		Tier:   tier,
	}))
}

func regenConfig(manager *featuregate.Manager) Config {
	return Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FixedFeature(featuregate.FeatureLifeplanRegen),
	}
}

func serve(handler http.Handler, userID string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/plans/regenerate", nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func okHandler(calls *int) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*calls++
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("success"))
	})
}

func usedRegens(t *testing.T, manager *featuregate.Manager, userID string) int {
	t.Helper()
	d, err := manager.Evaluate(context.Background(), userID, featuregate.FeatureLifeplanRegen)
	require.NoError(t, err)
	return d.Used
}

func TestMiddleware_Success(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	var calls int
	handler := Middleware(regenConfig(manager))(okHandler(&calls))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "success", rec.Body.String())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, usedRegens(t, manager, "user1"))

	events, err := manager.AuditTrail(context.Background(), featuregate.EventFilter{UserID: "user1"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "/plans/regenerate", events[0].Metadata["path"])
}

func TestMiddleware_QuotaExceeded(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	var calls int
	handler := Middleware(regenConfig(manager))(okHandler(&calls))

	for i := 0; i < 4; i++ {
		require.Equal(t, http.StatusOK, serve(handler, "user1").Code)
	}

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, 4, calls, "handler must not run when denied")

	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Code)
	require.NotNil(t, body.Decision)
	assert.False(t, body.Decision.Allowed)
	assert.Equal(t, 4, body.Decision.Used)
	assert.NotEmpty(t, body.Error)
}

func TestMiddleware_HandlerFailureSkipsCommit(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	handler := Middleware(regenConfig(manager))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "upstream failed", http.StatusBadGateway)
	}))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, 0, usedRegens(t, manager, "user1"))
}

func TestMiddleware_ImplicitOK(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	handler := Middleware(regenConfig(manager))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, usedRegens(t, manager, "user1"))
}

func TestMiddleware_Unauthorized(t *testing.T) {
	manager := setupTestManager(t)

	var calls int
	handler := Middleware(regenConfig(manager))(okHandler(&calls))

	rec := serve(handler, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, 0, calls)
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierStarter)

	config := regenConfig(manager)
	config.OnDenied = func(w http.ResponseWriter, r *http.Request, d *featuregate.Decision) {
		w.Header().Set("X-Upgrade-URL", d.UpgradeURL)
		w.WriteHeader(http.StatusForbidden)
	}
	config.OnUnauthorized = func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}

	var calls int
	handler := Middleware(config)(okHandler(&calls))

	// starter has no regeneration allowance
	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("X-Upgrade-URL"))

	assert.Equal(t, http.StatusTeapot, serve(handler, "").Code)
	assert.Equal(t, 0, calls)
}

func TestMiddleware_FeatureExtractorError(t *testing.T) {
	manager := setupTestManager(t)

	config := regenConfig(manager)
	config.GetFeature = func(*http.Request) (featuregate.Feature, error) {
		return "", errors.New("no feature")
	}
	var gotErr error
	config.OnError = func(w http.ResponseWriter, r *http.Request, err error) {
		gotErr = err
		w.WriteHeader(http.StatusBadRequest)
	}

	var calls int
	rec := serve(Middleware(config)(okHandler(&calls)), "user1")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.EqualError(t, gotErr, "no feature")
	assert.Equal(t, 0, calls)
}

func TestMiddleware_FromPathValue(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	var calls int
	mux := http.NewServeMux()
	mux.Handle("POST /features/{feature}", Middleware(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FromPathValue("feature"),
	})(okHandler(&calls)))

	tests := []struct {
		name       string
		path       string
		wantStatus int
	}{
		{name: "known feature", path: "/features/cover_letter", wantStatus: http.StatusOK},
		{name: "unknown feature", path: "/features/teleport", wantStatus: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, tt.path, nil)
			req.Header.Set("X-User-ID", "user1")
			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, req)
			assert.Equal(t, tt.wantStatus, rec.Code)
		})
	}
	assert.Equal(t, 1, calls)
}

func TestMiddleware_FromContext(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	config := regenConfig(manager)
	config.GetUserID = FromContext(UserIDKey)

	var calls int
	handler := Middleware(config)(okHandler(&calls))

	req := WithUserID(httptest.NewRequest(http.MethodPost, "/plans/regenerate", nil), "user1")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, calls)
}

func TestMiddleware_InvalidConfigPanics(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() {
		Middleware(Config{Manager: setupTestManager(t), GetUserID: FromHeader("X-User-ID")})
	})
}

func TestHandlerFunc(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	handler := HandlerFunc(regenConfig(manager), func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	})

	rec := serve(handler, "user1")
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, 1, usedRegens(t, manager, "user1"))
}
