package middleware

import (
	"net/http/httptest"
	"testing"
	"time"

	"opmsync/config"

	"github.com/gofiber/fiber/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-admin-secret"

func newTestApp(secret string) *fiber.App {
	m := New(config.Config{AdminJWTSecret: secret})

	app := fiber.New()
	app.Use(m.TraceID())
	app.Get("/trace", func(c *fiber.Ctx) error {
		return c.SendString(GetTraceID(c))
	})
	app.Post("/admin", m.RequireAdminToken(), func(c *fiber.Ctx) error {
		return c.SendString(GetAdminSubject(c))
	})
	return app
}

func TestTraceID_PropagatesHeader(t *testing.T) {
	app := newTestApp(testSecret)

	req := httptest.NewRequest(fiber.MethodGet, "/trace", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	resp, err := app.Test(req)
	require.NoError(t, err)

	assert.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "trace-123", resp.Header.Get(TraceIDHeader))
}

func TestTraceID_GeneratesWhenMissing(t *testing.T) {
	app := newTestApp(testSecret)

	resp, err := app.Test(httptest.NewRequest(fiber.MethodGet, "/trace", nil))
	require.NoError(t, err)

	assert.Len(t, resp.Header.Get(TraceIDHeader), 36)
}

func TestRequireAdminToken(t *testing.T) {
	valid, err := SignAdminToken([]byte(testSecret), "ops", time.Hour)
	require.NoError(t, err)
	wrongSecret, err := SignAdminToken([]byte("other"), "ops", time.Hour)
	require.NoError(t, err)
	expired, err := SignAdminToken([]byte(testSecret), "ops", -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name       string
		secret     string
		header     string
		wantStatus int
	}{
		{name: "valid token", secret: testSecret, header: "Bearer " + valid, wantStatus: fiber.StatusOK},
		{name: "lowercase scheme", secret: testSecret, header: "bearer " + valid, wantStatus: fiber.StatusOK},
		{name: "missing header", secret: testSecret, wantStatus: fiber.StatusUnauthorized},
		{name: "wrong scheme", secret: testSecret, header: "Basic " + valid, wantStatus: fiber.StatusUnauthorized},
		{name: "wrong secret", secret: testSecret, header: "Bearer " + wrongSecret, wantStatus: fiber.StatusUnauthorized},
		{name: "expired", secret: testSecret, header: "Bearer " + expired, wantStatus: fiber.StatusUnauthorized},
		{name: "no secret configured", header: "Bearer " + valid, wantStatus: fiber.StatusForbidden},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := newTestApp(tt.secret)

			req := httptest.NewRequest(fiber.MethodPost, "/admin", nil)
			if tt.header != "" {
				req.Header.Set(fiber.HeaderAuthorization, tt.header)
			}
			resp, err := app.Test(req)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, resp.StatusCode)
		})
	}
}

func TestParseAdminToken_Subject(t *testing.T) {
	signed, err := SignAdminToken([]byte(testSecret), "scheduler", time.Hour)
	require.NoError(t, err)

	claims, err := ParseAdminToken([]byte(testSecret), signed)
	require.NoError(t, err)
	assert.Equal(t, "scheduler", claims.Subject)
	assert.Equal(t, AdminTokenIssuer, claims.Issuer)
}
