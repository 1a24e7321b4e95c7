package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/handler"
	"github.com/noah-isme/chatsync/internal/middleware"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	ChatHandler    *handler.ChatHandler
	MetricsHandler fiber.Handler
}

// Register wires the relay routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	var relay handler.RelayStatus
	if deps.ChatHandler != nil {
		relay = deps.ChatHandler
	}
	api.Get("/health", handler.HealthCheck(cfg, relay))

	if deps.MetricsHandler != nil {
		app.Get("/metrics", deps.MetricsHandler)
	}

	if deps.ChatHandler == nil {
		return
	}

	sockets := app.Group("/ws/chat")
	deps.ChatHandler.RegisterSocket(sockets, middleware.WebsocketIdentity(cfg.JWTSecret))

	var sendGuards []fiber.Handler
	if cfg.SendRateLimit > 0 {
		sendGuards = append(sendGuards, middleware.RateLimit("chat-send", cfg.SendRateLimit, cfg.SendRateWindow))
	}

	chat := app.Group("/api/chat", middleware.Identity(cfg.JWTSecret))
	deps.ChatHandler.Register(chat, sendGuards...)
}
