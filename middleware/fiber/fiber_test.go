package fiber

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mihaimyh/featuregate/pkg/api"
	"github.com/mihaimyh/featuregate/pkg/featuregate"
	"github.com/mihaimyh/featuregate/storage/memory"
)

func setupTestManager(t *testing.T) *featuregate.Manager {
	t.Helper()
	manager, err := featuregate.NewManager(memory.New(), &featuregate.Config{
		Clock: func() time.Time { return time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC) },
	})
	require.NoError(t, err)
	return manager
}

func setupProfile(t *testing.T, manager *featuregate.Manager, userID string, tier featuregate.Tier) {
	t.Helper()
	require.NoError(t, manager.SetProfile(context.Background(), &featuregate.Profile{UserID: userID, Tier: tier}))
}

func setupApp(cfg Config, handler fiber.Handler) *fiber.App {
	app := fiber.New()
	app.Post("/features/:feature/run", Middleware(cfg), handler)
	return app
}

func perform(t *testing.T, app *fiber.App, path, userID string) (*http.Response, []byte) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, nil)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	resp, err := app.Test(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func used(t *testing.T, manager *featuregate.Manager, userID string, feature featuregate.Feature) int {
	t.Helper()
	d, err := manager.Evaluate(context.Background(), userID, feature)
	require.NoError(t, err)
	return d.Used
}

func TestMiddleware_CommitsOnSuccess(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	app := setupApp(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FeatureFromParam("feature"),
	}, func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"ok": true})
	})

	resp, _ := perform(t, app, "/features/cover_letter/run", "user1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, used(t, manager, "user1", featuregate.FeatureCoverLetter))

	events, err := manager.AuditTrail(context.Background(), featuregate.EventFilter{UserID: "user1"})
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, "/features/:feature/run", events[0].Metadata["path"])
	assert.Equal(t, http.MethodPost, events[0].Metadata["method"])
}

func TestMiddleware_Denied(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPlus)

	calls := 0
	app := setupApp(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FixedFeature(featuregate.FeatureLifeplanRegen),
	}, func(c *fiber.Ctx) error {
		calls++
		return c.SendStatus(fiber.StatusOK)
	})

	for i := 0; i < 4; i++ {
		resp, _ := perform(t, app, "/features/x/run", "user1")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, raw := perform(t, app, "/features/x/run", "user1")
	assert.Equal(t, http.StatusPaymentRequired, resp.StatusCode)
	assert.Equal(t, 4, calls)

	var body api.ErrorResponse
	require.NoError(t, json.Unmarshal(raw, &body))
	require.NotNil(t, body.Decision)
	assert.Equal(t, featuregate.TierPlus, body.Decision.Tier)
	assert.NotEmpty(t, body.Decision.UpgradeURL)
}

func TestMiddleware_SkipsCommit(t *testing.T) {
	tests := []struct {
		name       string
		handler    fiber.Handler
		wantStatus int
	}{
		{
			name: "non-2xx status",
			handler: func(c *fiber.Ctx) error {
				return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "boom"})
			},
			wantStatus: http.StatusInternalServerError,
		},
		{
			name: "handler error",
			handler: func(c *fiber.Ctx) error {
				return fiber.NewError(fiber.StatusBadGateway, "upstream failed")
			},
			wantStatus: http.StatusBadGateway,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			manager := setupTestManager(t)
			setupProfile(t, manager, "user1", featuregate.TierPlus)
			app := setupApp(Config{
				Manager:    manager,
				GetUserID:  FromHeader("X-User-ID"),
				GetFeature: FixedFeature(featuregate.FeatureLifeplanRegen),
			}, tt.handler)

			resp, _ := perform(t, app, "/features/x/run", "user1")
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
			assert.Equal(t, 0, used(t, manager, "user1", featuregate.FeatureLifeplanRegen))
		})
	}
}

func TestMiddleware_WorkSeesRequestContext(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierPro)

	type ctxKey struct{}
	app := fiber.New()
	app.Use(func(c *fiber.Ctx) error {
		c.SetUserContext(context.WithValue(c.UserContext(), ctxKey{}, "trace-1"))
		return c.Next()
	})
	app.Post("/run", Middleware(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FixedFeature(featuregate.FeatureAIMessage),
	}), func(c *fiber.Ctx) error {
		return c.SendString(c.UserContext().Value(ctxKey{}).(string))
	})

	resp, body := perform(t, app, "/run", "user1")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-1", string(body))
}

func TestMiddleware_ErrorResponses(t *testing.T) {
	manager := setupTestManager(t)
	app := setupApp(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FeatureFromParam("feature"),
	}, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	tests := []struct {
		name       string
		path       string
		userID     string
		wantStatus int
		wantCode   string
	}{
		{name: "missing user", path: "/features/ai_message/run", wantStatus: http.StatusUnauthorized, wantCode: "unauthorized"},
		{name: "unknown feature", path: "/features/teleport/run", userID: "user1", wantStatus: http.StatusBadRequest, wantCode: "bad_request"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, raw := perform(t, app, tt.path, tt.userID)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)

			var body api.ErrorResponse
			require.NoError(t, json.Unmarshal(raw, &body))
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestMiddleware_CustomHandlers(t *testing.T) {
	manager := setupTestManager(t)
	setupProfile(t, manager, "user1", featuregate.TierStarter)

	app := setupApp(Config{
		Manager:    manager,
		GetUserID:  FromContext("UserID"),
		GetFeature: FixedFeature(featuregate.FeatureInterviewPrep),
		OnUnauthorized: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTeapot).SendString("who are you")
		},
	}, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, _ := perform(t, app, "/features/x/run", "")
	assert.Equal(t, http.StatusTeapot, resp.StatusCode)

	authed := fiber.New()
	authed.Use(func(c *fiber.Ctx) error {
		c.Locals("UserID", "user1")
		return c.Next()
	})
	authed.Post("/run", Middleware(Config{
		Manager:    manager,
		GetUserID:  FromContext("UserID"),
		GetFeature: FixedFeature(featuregate.FeatureInterviewPrep),
		OnDenied: func(c *fiber.Ctx, d *featuregate.Decision) error {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"upgrade": d.UpgradeURL})
		},
		OnError: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString(err.Error())
		},
	}), func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, body := perform(t, authed, "/run", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(body), "upgrade")
}

func TestMiddleware_StorageErrorUsesOnError(t *testing.T) {
	manager, err := featuregate.NewManager(&failingStorage{Storage: memory.New()}, nil)
	require.NoError(t, err)

	app := setupApp(Config{
		Manager:    manager,
		GetUserID:  FromHeader("X-User-ID"),
		GetFeature: FixedFeature(featuregate.FeatureCoverLetter),
		OnError: func(c *fiber.Ctx, err error) error {
			return c.Status(fiber.StatusServiceUnavailable).SendString("try later")
		},
	}, func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	resp, body := perform(t, app, "/features/x/run", "user1")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "try later", string(body))
}

// failingStorage fails every profile read
type failingStorage struct {
	*memory.Storage
}

func (s *failingStorage) GetProfile(context.Context, string) (*featuregate.Profile, error) {
	return nil, errors.New("connection refused")
}

func TestMiddleware_PanicsOnMissingConfig(t *testing.T) {
	assert.Panics(t, func() { Middleware(Config{}) })
	assert.Panics(t, func() { Middleware(Config{Manager: setupTestManager(t)}) })
	assert.Panics(t, func() {
		Middleware(Config{Manager: setupTestManager(t), GetUserID: FromQuery("user")})
	})
}
