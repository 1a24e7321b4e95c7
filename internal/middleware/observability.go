package middleware

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/observability"
)

const chatAPIPrefix = "/api/chat/"

// Observability times the relay's send and history calls and logs one line per call. Socket
// upgrades and auxiliary routes pass through untouched.
func Observability(logger zerolog.Logger) fiber.Handler {
	observability.RegisterMetrics()

	return func(c *fiber.Ctx) error {
		operation, peerID := chatOperation(c.Method(), c.Path())
		if operation == "" {
			return c.Next()
		}

		start := time.Now()
		err := c.Next()
		elapsed := time.Since(start)

		// Errors are rendered by the app's error handler after this returns.
		status := c.Response().StatusCode()
		if err != nil {
			status = fiber.StatusInternalServerError
			var fiberErr *fiber.Error
			if errors.As(err, &fiberErr) {
				status = fiberErr.Code
			}
		}
		outcome := chatOutcome(status)

		observability.RelayLatency().WithLabelValues(operation, outcome).Observe(elapsed.Seconds())

		event := RequestLogger(logger, c).With().
			Str("operation", operation).
			Str("outcome", outcome).
			Int("status", status).
			Dur("elapsed", elapsed)
		if peerID != "" {
			event = event.Str("peer_id", peerID)
		}
		callLogger := event.Logger()

		switch outcome {
		case "failed":
			callLogger.Error().Msg("chat call failed")
		case "rejected", "throttled":
			callLogger.Warn().Msg("chat call rejected")
		default:
			callLogger.Debug().Msg("chat call served")
		}

		return err
	}
}

// chatOperation maps a request onto the relay operation it performs. The peer id is copied
// because it is logged after the handler returns.
func chatOperation(method, path string) (string, string) {
	if !strings.HasPrefix(path, chatAPIPrefix) {
		return "", ""
	}
	rest := strings.TrimPrefix(path, chatAPIPrefix)

	switch {
	case method == http.MethodPost && rest == "send":
		return "send", ""
	case method == http.MethodGet && rest != "" && !strings.Contains(rest, "/"):
		return "history", strings.Clone(rest)
	default:
		return "", ""
	}
}

func chatOutcome(status int) string {
	switch {
	case status == fiber.StatusTooManyRequests:
		return "throttled"
	case status >= fiber.StatusInternalServerError:
		return "failed"
	case status >= fiber.StatusBadRequest:
		return "rejected"
	default:
		return "ok"
	}
}
