package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/memory"
)

const testUserID = "user123"

var testNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

// Helper to create a test manager on memory storage with a fixed clock
func newTestManager(t *testing.T, storage featuregate.Storage) *featuregate.Manager {
	t.Helper()
	manager, err := featuregate.NewManager(storage, &featuregate.Config{
		Clock: func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return manager
}

func newTestServer(t *testing.T, manager *featuregate.Manager) *httptest.Server {
	t.Helper()
	handler, err := NewHandler(Config{
		Manager:   manager,
		GetUserID: FromHeader("X-User-ID"),
	})
	require.NoError(t, err)
	srv := httptest.NewServer(handler.Routes())
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, userID, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func setTier(t *testing.T, m *featuregate.Manager, tier featuregate.Tier) {
	t.Helper()
	require.NoError(t, m.SetProfile(context.Background(), &featuregate.Profile{UserID: testUserID, Tier: tier}))
}

func TestNewHandler_Validation(t *testing.T) {
	_, err := NewHandler(Config{GetUserID: FromHeader("X-User-ID")})
	assert.Error(t, err)

	_, err = NewHandler(Config{Manager: newTestManager(t, memory.New())})
	assert.Error(t, err)
}

func TestHandler_Evaluate(t *testing.T) {
	m := newTestManager(t, memory.New())
	setTier(t, m, featuregate.TierPlus)
	srv := newTestServer(t, m)

	resp := do(t, srv, http.MethodGet, "/features/lifeplan_regen", testUserID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[featuregate.Decision](t, resp)
	assert.True(t, d.Allowed)
	assert.Equal(t, featuregate.Limit(4), d.Limit)
	assert.Equal(t, 4, d.Remaining)
}

func TestHandler_EvaluateDeniedIsOK(t *testing.T) {
	m := newTestManager(t, memory.New())
	setTier(t, m, featuregate.TierStarter)
	srv := newTestServer(t, m)

	resp := do(t, srv, http.MethodGet, "/features/resume_builder", testUserID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	d := decode[featuregate.Decision](t, resp)
	assert.False(t, d.Allowed)
	assert.NotEmpty(t, d.Message)
	assert.Equal(t, "/pricing", d.UpgradeURL)
}

func TestHandler_Errors(t *testing.T) {
	srv := newTestServer(t, newTestManager(t, memory.New()))

	tests := []struct {
		name   string
		method string
		path   string
		userID string
		body   string
		status int
		code   string
	}{
		{"missing user", http.MethodGet, "/features/ai_message", "", "", http.StatusUnauthorized, "unauthorized"},
		{"unknown feature", http.MethodGet, "/features/teleport", testUserID, "", http.StatusBadRequest, "bad_request"},
		{"bad commit body", http.MethodPost, "/features/ai_message/commit", testUserID, "{", http.StatusBadRequest, "bad_request"},
		{"bad window", http.MethodGet, "/generations/recent?window=soon", testUserID, "", http.StatusBadRequest, "bad_request"},
		{"bad limit", http.MethodGet, "/events?limit=-1", testUserID, "", http.StatusBadRequest, "bad_request"},
		{"user id too long", http.MethodGet, "/usage", strings.Repeat("u", 300), "", http.StatusBadRequest, "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := do(t, srv, tt.method, tt.path, tt.userID, tt.body)
			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Equal(t, tt.code, decode[ErrorResponse](t, resp).Code)
		})
	}
}

func TestHandler_CommitUntilExhausted(t *testing.T) {
	m := newTestManager(t, memory.New())
	setTier(t, m, featuregate.TierPlus)
	srv := newTestServer(t, m)

	for i := 1; i <= 4; i++ {
		resp := do(t, srv, http.MethodPost, "/features/lifeplan_regen/commit", testUserID,
			`{"metadata":{"request_id":"r1"}}`)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		receipt := decode[featuregate.Receipt](t, resp)
		assert.Equal(t, i, receipt.Used)
		assert.Equal(t, featuregate.SourceTierAllowance, receipt.Source)
	}

	resp := do(t, srv, http.MethodPost, "/features/lifeplan_regen/commit", testUserID, "")
	require.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	body := decode[ErrorResponse](t, resp)
	assert.Equal(t, "quota_exceeded", body.Code)
	require.NotNil(t, body.Decision)
	assert.False(t, body.Decision.Allowed)
	assert.Equal(t, "/pricing?plan=pro", body.Decision.UpgradeURL)
	assert.Equal(t, body.Decision.Message, body.Error)

	events := do(t, srv, http.MethodGet, "/events?type=lifeplan_regen_used&limit=2", testUserID, "")
	require.Equal(t, http.StatusOK, events.StatusCode)
	list := decode[[]EventResponse](t, events)
	require.Len(t, list, 2)
	assert.Equal(t, "tier_allowance", list[0].Metadata[featuregate.MetadataSource])
}

func TestHandler_GetUsage(t *testing.T) {
	m := newTestManager(t, memory.New())
	srv := newTestServer(t, m)

	resp := do(t, srv, http.MethodGet, "/usage", testUserID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	usage := decode[UsageResponse](t, resp)
	assert.Equal(t, statusDefault, usage.Status)
	assert.Equal(t, featuregate.TierStarter, usage.Tier)
	assert.Len(t, usage.Features, len(featuregate.AllFeatures()))
	assert.Equal(t, 10, usage.Features[featuregate.FeatureAIMessage].Remaining)

	setTier(t, m, featuregate.TierPro)
	usage = decode[UsageResponse](t, do(t, srv, http.MethodGet, "/usage", testUserID, ""))
	assert.Equal(t, statusActive, usage.Status)
	assert.Equal(t, featuregate.TierPro, usage.Tier)
}

func TestHandler_RecentGeneration(t *testing.T) {
	m := newTestManager(t, memory.New())
	setTier(t, m, featuregate.TierPlus)
	srv := newTestServer(t, m)

	resp := do(t, srv, http.MethodGet, "/generations/recent", testUserID, "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	out, err := m.Generate(context.Background(), testUserID, "", func(context.Context) ([]byte, error) {
		return []byte(`{"plan":1}`), nil
	})
	require.NoError(t, err)

	resp = do(t, srv, http.MethodGet, "/generations/recent?window=5m", testUserID, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	gen := decode[GenerationResponse](t, resp)
	assert.Equal(t, out.Record.ID, gen.ID)
	assert.Equal(t, "succeeded", gen.State)
	assert.JSONEq(t, `{"plan":1}`, string(gen.Result))
}

// downStorage fails every profile read
type downStorage struct {
	*memory.Storage
}

func (downStorage) GetProfile(context.Context, string) (*featuregate.Profile, error) {
	return nil, errors.New("connection refused")
}

func TestHandler_StorageFailureIsNotReported(t *testing.T) {
	manager, err := featuregate.NewManager(downStorage{memory.New()}, &featuregate.Config{
		Clock: func() time.Time { return testNow },
		CircuitBreakerConfig: &featuregate.CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 1,
			ResetTimeout:     time.Hour,
		},
	})
	require.NoError(t, err)
	srv := newTestServer(t, manager)

	first := do(t, srv, http.MethodGet, "/features/ai_message", testUserID, "")
	assert.Equal(t, http.StatusInternalServerError, first.StatusCode)
	body := decode[ErrorResponse](t, first)
	assert.NotContains(t, body.Error, "connection refused")

	// the open breaker fails closed as unavailable
	second := do(t, srv, http.MethodGet, "/features/ai_message", testUserID, "")
	assert.Equal(t, http.StatusServiceUnavailable, second.StatusCode)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{featuregate.ErrQuotaExceeded, http.StatusPaymentRequired},
		{&featuregate.QuotaExceededError{}, http.StatusPaymentRequired},
		{featuregate.ErrConcurrencyConflict, http.StatusConflict},
		{featuregate.ErrStorageUnavailable, http.StatusServiceUnavailable},
		{featuregate.ErrInvalidFeature, http.StatusBadRequest},
		{ErrMissingUserID, http.StatusUnauthorized},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StatusFor(tt.err), "%v", tt.err)
	}
}
