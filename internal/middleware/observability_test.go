package middleware_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/chatsync/internal/middleware"
)

func logLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var lines []map[string]interface{}
	for _, raw := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if raw == "" {
			continue
		}
		var line map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(raw), &line))
		lines = append(lines, line)
	}
	return lines
}

func TestObservabilityLogsChatCalls(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	app := fiber.New()
	app.Use(middleware.CorrelationID(), middleware.Observability(logger))
	chat := app.Group("/api/chat", middleware.Identity(""))
	chat.Post("/send", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusBadRequest, "bad body")
	})
	chat.Get("/:peerId", func(c *fiber.Ctx) error {
		return c.JSON([]string{})
	})
	app.Get("/api/v1/health", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})

	req := httptest.NewRequest(http.MethodGet, "/api/chat/u2", nil)
	req.Header.Set("x-user-id", "u1")
	status, _ := perform(t, app, req)
	require.Equal(t, fiber.StatusOK, status)

	req = httptest.NewRequest(http.MethodPost, "/api/chat/send", nil)
	req.Header.Set("x-user-id", "u1")
	status, _ = perform(t, app, req)
	require.Equal(t, fiber.StatusBadRequest, status)

	status, _ = perform(t, app, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, fiber.StatusOK, status)

	lines := logLines(t, &buf)
	require.Len(t, lines, 2, "only chat calls are logged")

	history := lines[0]
	assert.Equal(t, "history", history["operation"])
	assert.Equal(t, "ok", history["outcome"])
	assert.Equal(t, "u1", history["user_id"])
	assert.Equal(t, "u2", history["peer_id"])
	assert.Equal(t, "debug", history["level"])
	assert.NotEmpty(t, history["correlation_id"])

	send := lines[1]
	assert.Equal(t, "send", send["operation"])
	assert.Equal(t, "rejected", send["outcome"])
	assert.EqualValues(t, fiber.StatusBadRequest, send["status"])
	assert.Equal(t, "warn", send["level"])
	assert.NotContains(t, send, "peer_id")
}
