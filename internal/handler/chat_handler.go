package handler

import (
	"context"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/middleware"
	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/service"
	"github.com/noah-isme/chatsync/internal/utils"
)

// ChatHandler wires the three relay endpoints: the push socket, send and history.
type ChatHandler struct {
	service   service.ChatService
	validator *validator.Validate
	logger    zerolog.Logger
}

// NewChatHandler creates a chat handler instance.
func NewChatHandler(service service.ChatService, validator *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		service:   service,
		validator: validator,
		logger:    logger.With().Str("component", "chat_handler").Logger(),
	}
}

// RegisterSocket binds GET /:userId on router as the websocket push endpoint. Guards run before
// the upgrade check.
func (h *ChatHandler) RegisterSocket(router fiber.Router, guards ...fiber.Handler) {
	handlers := append([]fiber.Handler{}, guards...)
	handlers = append(handlers, func(c *fiber.Ctx) error {
		if !websocket.IsWebSocketUpgrade(c) {
			return fiber.ErrUpgradeRequired
		}
		c.Locals("request_ctx", middleware.ContextWithCorrelation(c.UserContext(), middleware.GetCorrelationID(c)))
		return c.Next()
	}, websocket.New(h.handleConnection))

	router.Get("/:userId", handlers...)
}

// Register binds POST /send and GET /:peerId under router. The identity middleware must
// already be applied to router.
func (h *ChatHandler) Register(router fiber.Router, sendGuards ...fiber.Handler) {
	send := append([]fiber.Handler{}, sendGuards...)
	send = append(send, h.send)

	router.Post("/send", send...)
	router.Get("/:peerId", h.history)
}

// ActiveConnections reports the sockets currently served by this relay node.
func (h *ChatHandler) ActiveConnections() int {
	return h.service.ActiveConnections()
}

// FanOut names the cross-node backend in use.
func (h *ChatHandler) FanOut() string {
	return h.service.FanOut()
}

func (h *ChatHandler) handleConnection(conn *websocket.Conn) {
	userID, _ := conn.Locals(middleware.UserIDLocal).(string)
	userID = strings.TrimSpace(userID)
	if userID == "" {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user id missing"))
		_ = conn.Close()
		return
	}

	logger := h.logger.With().Str("user_id", userID).Logger()
	if baseCtx, ok := conn.Locals("request_ctx").(context.Context); ok {
		logger = logger.With().Str("correlation_id", middleware.CorrelationIDFromContext(baseCtx)).Logger()
	}

	logger.Info().Msg("chat websocket connected")
	h.service.ServeConnection(conn, userID)
	logger.Info().Msg("chat websocket disconnected")
}

func (h *ChatHandler) send(c *fiber.Ctx) error {
	var payload dto.ChatSendRequest
	if err := c.BodyParser(&payload); err != nil {
		return utils.SendError(c, fiber.StatusBadRequest, "invalid request body")
	}

	payload.ReceiverID = strings.TrimSpace(payload.ReceiverID)
	payload.Message = strings.TrimSpace(payload.Message)
	if err := h.validator.Struct(payload); err != nil {
		return utils.SendValidationError(c, err)
	}

	message, err := h.service.Send(c.UserContext(), middleware.UserID(c), payload)
	if err != nil {
		return h.sendServiceError(c, err)
	}

	return c.Status(fiber.StatusOK).JSON(message)
}

func (h *ChatHandler) history(c *fiber.Ctx) error {
	peerID := strings.TrimSpace(c.Params("peerId"))
	if peerID == "" {
		return utils.SendError(c, fiber.StatusBadRequest, "peer id required")
	}

	messages, err := h.service.History(c.UserContext(), middleware.UserID(c), peerID)
	if err != nil {
		return h.sendServiceError(c, err)
	}
	if messages == nil {
		messages = []models.ChatMessage{}
	}

	return c.Status(fiber.StatusOK).JSON(messages)
}

func (h *ChatHandler) sendServiceError(c *fiber.Ctx, err error) error {
	var validationErrs validator.ValidationErrors
	switch {
	case errors.Is(err, service.ErrChatMissingIdentity):
		return utils.SendError(c, fiber.StatusUnauthorized, err.Error())
	case errors.Is(err, service.ErrChatEmptyMessage):
		return utils.SendError(c, fiber.StatusBadRequest, err.Error())
	case errors.As(err, &validationErrs):
		return utils.SendValidationError(c, err)
	default:
		logger := middleware.RequestLogger(h.logger, c)
		logger.Error().Err(err).Msg("chat request failed")
		return utils.SendError(c, fiber.StatusInternalServerError, "failed to process chat request")
	}
}
