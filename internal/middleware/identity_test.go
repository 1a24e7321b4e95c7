package middleware_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chatsync/internal/middleware"
)

const testSecret = "test-secret"

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

func identityApp(secret string) *fiber.App {
	app := fiber.New()
	app.Get("/api/chat/:peerId", middleware.Identity(secret), func(c *fiber.Ctx) error {
		return c.SendString(middleware.UserID(c))
	})
	app.Get("/ws/chat/:userId", middleware.WebsocketIdentity(secret), func(c *fiber.Ctx) error {
		return c.SendString(middleware.UserID(c))
	})
	return app
}

func perform(t *testing.T, app *fiber.App, req *http.Request) (int, string) {
	t.Helper()
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func TestIdentityTrustsHeaderWithoutSecret(t *testing.T) {
	app := identityApp("")

	req := httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("x-user-id", " u1 ")
	status, body := perform(t, app, req)
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "u1", body)

	status, _ = perform(t, app, httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil))
	require.Equal(t, fiber.StatusUnauthorized, status)
}

func TestIdentityUsesTokenSubjectWithSecret(t *testing.T) {
	app := identityApp(testSecret)
	token := signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(time.Hour).Unix()})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	status, body := perform(t, app, req)
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "u1", body)

	req = httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("x-user-id", "u9")
	status, _ = perform(t, app, req)
	require.Equal(t, fiber.StatusForbidden, status)

	req = httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("x-user-id", "u1")
	status, _ = perform(t, app, req)
	require.Equal(t, fiber.StatusUnauthorized, status)

	expired := signToken(t, jwt.MapClaims{"sub": "u1", "exp": time.Now().Add(-time.Hour).Unix()})
	req = httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("Authorization", "Bearer "+expired)
	status, _ = perform(t, app, req)
	require.Equal(t, fiber.StatusUnauthorized, status)
}

func TestWebsocketIdentityMatchesPath(t *testing.T) {
	app := identityApp(testSecret)
	token := signToken(t, jwt.MapClaims{"user_id": float64(42)})

	req := httptest.NewRequest(http.MethodGet, "/ws/chat/42", nil)
	req.Header.Set("Authorization", "bearer "+token)
	status, body := perform(t, app, req)
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "42", body)

	req = httptest.NewRequest(http.MethodGet, "/ws/chat/43", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	status, _ = perform(t, app, req)
	require.Equal(t, fiber.StatusForbidden, status)

	open := identityApp("")
	status, body = perform(t, open, httptest.NewRequest(http.MethodGet, "/ws/chat/u7", nil))
	require.Equal(t, fiber.StatusOK, status)
	require.Equal(t, "u7", body)
}

func TestSubjectFromAuthorizationRejectsOtherAlgorithms(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "u1"})
	signed, err := token.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = middleware.SubjectFromAuthorization("Bearer "+signed, testSecret)
	require.Error(t, err)

	_, err = middleware.SubjectFromAuthorization("Basic abc", testSecret)
	require.Error(t, err)
}

func TestRateLimitPerParticipant(t *testing.T) {
	app := fiber.New()
	app.Post("/api/chat/send", middleware.Identity(""), middleware.RateLimit("chat-send", 2, time.Minute), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	send := func(user string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/chat/send", nil)
		req.Header.Set("x-user-id", user)
		status, _ := perform(t, app, req)
		return status
	}

	require.Equal(t, fiber.StatusOK, send("u1"))
	require.Equal(t, fiber.StatusOK, send("u1"))
	require.Equal(t, fiber.StatusTooManyRequests, send("u1"))
	require.Equal(t, fiber.StatusOK, send("u2"))
}

func TestCorrelationIDPropagates(t *testing.T) {
	app := fiber.New()
	app.Use(middleware.CorrelationID())
	app.Get("/", func(c *fiber.Ctx) error {
		return c.SendString(middleware.CorrelationIDFromContext(c.UserContext()))
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(middleware.CorrelationHeader, "abc-123")
	resp, err := app.Test(req, -1)
	require.NoError(t, err)
	require.Equal(t, "abc-123", resp.Header.Get(middleware.CorrelationHeader))

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/", nil), -1)
	require.NoError(t, err)
	require.NotEmpty(t, resp.Header.Get(middleware.CorrelationHeader))
}

func TestIdentitySurvivesRequestReuse(t *testing.T) {
	captured := make([]string, 0, 6)
	app := fiber.New()
	app.Get("/api/chat/:peerId", middleware.Identity(""), func(c *fiber.Ctx) error {
		captured = append(captured, middleware.UserID(c))
		return c.SendStatus(fiber.StatusOK)
	})
	app.Get("/ws/chat/:userId", middleware.WebsocketIdentity(""), func(c *fiber.Ctx) error {
		captured = append(captured, middleware.UserID(c))
		return c.SendStatus(fiber.StatusOK)
	})

	want := []string{"ua", "ub", "uc", "wa", "wb", "wc"}
	for _, id := range want[:3] {
		req := httptest.NewRequest(http.MethodGet, "/api/chat/zz", nil)
		req.Header.Set("x-user-id", id)
		status, _ := perform(t, app, req)
		require.Equal(t, fiber.StatusOK, status)
	}
	for _, id := range want[3:] {
		status, _ := perform(t, app, httptest.NewRequest(http.MethodGet, "/ws/chat/"+id, nil))
		require.Equal(t, fiber.StatusOK, status)
	}

	require.Equal(t, want, captured)
}
