package handler

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/chatsync/internal/config"
	"github.com/noah-isme/chatsync/internal/utils"
)

// HealthResponse represents the payload returned by the health endpoint.
type HealthResponse struct {
	Status      string    `json:"status"`
	Timestamp   time.Time `json:"timestamp"`
	Service     string    `json:"service"`
	Environment string    `json:"environment"`
	Database    string    `json:"database"`
	FanOut      string    `json:"fan_out,omitempty"`
	Connections int       `json:"connections"`
}

// RelayStatus is the live relay state reported by the health endpoint.
type RelayStatus interface {
	ActiveConnections() int
	FanOut() string
}

// HealthCheck reports liveness plus the relay's fan-out backend and socket count. relay may be nil.
func HealthCheck(cfg config.Config, relay RelayStatus) fiber.Handler {
	return func(c *fiber.Ctx) error {
		payload := HealthResponse{
			Status:      "ok",
			Timestamp:   time.Now().UTC(),
			Service:     cfg.AppName,
			Environment: cfg.AppEnv,
			Database:    cfg.DatabaseDriver,
		}
		if relay != nil {
			payload.FanOut = relay.FanOut()
			payload.Connections = relay.ActiveConnections()
		}

		return utils.SendSuccess(c, "service healthy", payload)
	}
}
