package chat

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
)

// sendTarget is the slice of the store the pipeline mutates.
type sendTarget interface {
	session() (identity string, epoch uint64, ok bool)
	apply(epoch uint64, mutate func([]models.ChatMessage) []models.ChatMessage) bool
	rollback(epoch uint64, tempID string) bool
	spawn(fn func())
}

// SendPipeline turns a user send into an optimistic entry and reconciles it with the backend.
type SendPipeline struct {
	api       API
	target    sendTarget
	validator *validator.Validate
	logger    zerolog.Logger
	tracer    trace.Tracer
	timeout   time.Duration
	clock     func() time.Time
	newID     func() string
}

// Send validates the input, inserts the optimistic message synchronously and starts the
// persistence round-trip. It returns the temporary id, or false when the input was rejected.
func (p *SendPipeline) Send(receiverID, text string) (string, bool) {
	identity, epoch, ok := p.target.session()
	if !ok {
		observability.Sends().WithLabelValues("rejected").Inc()
		p.logger.Debug().Msg("send rejected: no identity")
		return "", false
	}

	payload := dto.ChatSendRequest{
		ReceiverID: strings.TrimSpace(receiverID),
		Message:    strings.TrimSpace(text),
	}
	if err := p.validator.Struct(payload); err != nil {
		observability.Sends().WithLabelValues("rejected").Inc()
		p.logger.Debug().Err(err).Str("user_id", identity).Msg("send rejected: invalid input")
		return "", false
	}

	optimistic := models.ChatMessage{
		ID:         models.OptimisticIDPrefix + p.newID(),
		SenderID:   identity,
		ReceiverID: payload.ReceiverID,
		Body:       payload.Message,
		Read:       false,
		CreatedAt:  p.clock().UTC(),
	}

	if !p.target.apply(epoch, func(messages []models.ChatMessage) []models.ChatMessage {
		return Merge(messages, []models.ChatMessage{optimistic})
	}) {
		return "", false
	}

	p.target.spawn(func() {
		p.confirm(identity, epoch, optimistic, payload)
	})

	return optimistic.ID, true
}

func (p *SendPipeline) confirm(identity string, epoch uint64, optimistic models.ChatMessage, payload dto.ChatSendRequest) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	ctx, span := p.tracer.Start(ctx, "chat.send", trace.WithAttributes(
		attribute.String("chat.sender_id", identity),
		attribute.String("chat.receiver_id", payload.ReceiverID),
		attribute.String("chat.temp_id", optimistic.ID),
	))
	defer span.End()

	logger := p.logger.With().Str("user_id", identity).Str("temp_id", optimistic.ID).Logger()

	canonical, err := p.api.Send(ctx, identity, payload)
	if err == nil {
		canonical = normalizeMessage(canonical)
		if verr := p.validator.Struct(canonical); verr != nil {
			err = fmt.Errorf("invalid canonical message: %w", verr)
		}
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "send failed")
		logger.Warn().Err(err).Msg("send failed, rolling back optimistic message")

		p.target.rollback(epoch, optimistic.ID)
		observability.Sends().WithLabelValues("rolled_back").Inc()
		return
	}

	span.SetAttributes(attribute.String("chat.message_id", canonical.ID))
	if !p.target.apply(epoch, func(messages []models.ChatMessage) []models.ChatMessage {
		return Replace(messages, optimistic.ID, canonical)
	}) {
		logger.Debug().Str("message_id", canonical.ID).Msg("store moved on, dropping send confirmation")
		return
	}

	observability.Sends().WithLabelValues("confirmed").Inc()
	logger.Debug().Str("message_id", canonical.ID).Msg("optimistic message confirmed")
}
