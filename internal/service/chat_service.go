package service

import (
	"context"
	"encoding/json"
	"errors"
	"html"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
	"github.com/noah-isme/chatsync/internal/repository"
)

const (
	chatSendBufferSize = 32
	chatPingInterval   = 30 * time.Second
	chatHistoryLimit   = 500
	chatSeenCapacity   = 1024
)

var (
	// ErrChatMissingIdentity is returned when the caller did not identify itself.
	ErrChatMissingIdentity = errors.New("user id missing")
	// ErrChatEmptyMessage indicates the body had no text left after sanitization.
	ErrChatEmptyMessage = errors.New("message content empty after sanitization")
)

// ChatService persists direct messages and pushes them to the receiver's socket.
type ChatService interface {
	ServeConnection(conn *websocket.Conn, userID string)
	Send(ctx context.Context, senderID string, payload dto.ChatSendRequest) (models.ChatMessage, error)
	History(ctx context.Context, selfID, peerID string) ([]models.ChatMessage, error)
	Start(ctx context.Context)
	// ActiveConnections is the number of users with a live socket on this node.
	ActiveConnections() int
	// FanOut names the backend used to reach other relay nodes, or "" when running alone.
	FanOut() string
}

type chatService struct {
	repo        repository.ChatRepository
	redis       *redis.Client
	redisStream string
	nats        *nats.Conn
	natsSubject string
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	sanitizer   *bluemonday.Policy
	hub         *chatHub
	seen        *seenMessages
	nodeID      string
	now         func() time.Time
}

// seenMessages remembers the most recent remote message ids so a redelivered event is pushed once.
type seenMessages struct {
	mu    sync.Mutex
	ids   map[string]struct{}
	order []string
	next  int
}

// chatHub tracks the single active socket of every connected user.
type chatHub struct {
	mu      sync.RWMutex
	clients map[string]*chatClient
	log     zerolog.Logger
}

type chatClient struct {
	conn    *websocket.Conn
	send    chan dto.ChatPushEvent
	userID  string
	service *chatService
	closed  chan struct{}
	once    sync.Once
}

type chatEvent struct {
	Source  string             `json:"source"`
	Message models.ChatMessage `json:"message"`
	SentAt  time.Time          `json:"sent_at"`
}

// NewChatService creates the relay chat service. Redis and NATS are optional; when present,
// messages are fanned out so that a receiver connected to another relay node still gets them.
// Only one backend carries the fan-out: NATS when connected, Redis otherwise.
func NewChatService(repo repository.ChatRepository, redisClient *redis.Client, channelBase string, natsConn *nats.Conn, validate *validator.Validate, logger zerolog.Logger) ChatService {
	hub := &chatHub{
		clients: make(map[string]*chatClient),
		log:     logger.With().Str("component", "chat_hub").Logger(),
	}

	streamChannel := ""
	natsSubject := ""
	if channelBase != "" {
		switch {
		case natsConn != nil:
			natsSubject = strings.ReplaceAll(channelBase, ":", ".") + ".chat"
		case redisClient != nil:
			streamChannel = channelBase + ":chat"
		}
	}

	return &chatService{
		repo:        repo,
		redis:       redisClient,
		redisStream: streamChannel,
		nats:        natsConn,
		natsSubject: natsSubject,
		validator:   validate,
		logger:      logger.With().Str("component", "chat_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/chatsync/internal/service"),
		sanitizer:   bluemonday.StrictPolicy(),
		hub:         hub,
		seen:        newSeenMessages(chatSeenCapacity),
		nodeID:      uuid.NewString(),
		now:         time.Now,
	}
}

func (s *chatService) Start(ctx context.Context) {
	switch s.FanOut() {
	case "nats":
		go s.consumeNATS(ctx)
	case "redis":
		go s.consumeRedis(ctx)
	}
}

func (s *chatService) FanOut() string {
	switch {
	case s.nats != nil && s.natsSubject != "":
		return "nats"
	case s.redis != nil && s.redisStream != "":
		return "redis"
	default:
		return ""
	}
}

func (s *chatService) ActiveConnections() int {
	return s.hub.size()
}

// ServeConnection blocks until the socket goes away or is replaced by a newer one for the same user.
func (s *chatService) ServeConnection(conn *websocket.Conn, userID string) {
	client := &chatClient{
		conn:    conn,
		send:    make(chan dto.ChatPushEvent, chatSendBufferSize),
		userID:  userID,
		service: s,
		closed:  make(chan struct{}),
	}

	if previous := s.hub.register(client); previous != nil {
		previous.close()
	}
	observability.RelayConnections().Inc()

	go client.writer()
	client.reader()
}

func (s *chatService) Send(ctx context.Context, senderID string, payload dto.ChatSendRequest) (models.ChatMessage, error) {
	senderID = strings.TrimSpace(senderID)
	if senderID == "" {
		return models.ChatMessage{}, ErrChatMissingIdentity
	}

	payload.ReceiverID = strings.TrimSpace(payload.ReceiverID)
	payload.Message = strings.TrimSpace(payload.Message)
	if err := s.validator.Struct(payload); err != nil {
		return models.ChatMessage{}, err
	}

	// The body is plain text: strip markup, then undo the entity escaping the policy applies.
	clean := strings.TrimSpace(html.UnescapeString(s.sanitizer.Sanitize(payload.Message)))
	if clean == "" {
		return models.ChatMessage{}, ErrChatEmptyMessage
	}

	ctx, span := s.tracer.Start(ctx, "chat.relay.send", trace.WithAttributes(
		attribute.String("chat.sender_id", senderID),
		attribute.String("chat.receiver_id", payload.ReceiverID),
	))
	defer span.End()

	message := models.ChatMessage{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: payload.ReceiverID,
		Body:       clean,
		Read:       false,
		CreatedAt:  s.now().UTC().Truncate(time.Microsecond),
	}

	if err := s.repo.Save(ctx, &message); err != nil {
		span.RecordError(err)
		return models.ChatMessage{}, err
	}
	span.SetAttributes(attribute.String("chat.message_id", message.ID))

	delivery := "offline"
	if s.hub.deliver(message.ReceiverID, dto.NewChatPushEvent(message)) {
		delivery = "local"
	}
	if err := s.publish(ctx, message); err != nil {
		s.logger.Warn().Err(err).Str("message_id", message.ID).Msg("failed to publish chat event")
	}

	observability.RelayMessages().WithLabelValues(delivery).Inc()
	return message, nil
}

func (s *chatService) History(ctx context.Context, selfID, peerID string) ([]models.ChatMessage, error) {
	selfID = strings.TrimSpace(selfID)
	peerID = strings.TrimSpace(peerID)
	if selfID == "" {
		return nil, ErrChatMissingIdentity
	}
	if err := s.validator.Var(peerID, "required,max=64"); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "chat.relay.history", trace.WithAttributes(
		attribute.String("chat.user_id", selfID),
		attribute.String("chat.peer_id", peerID),
	))
	defer span.End()

	messages, err := s.repo.ListConversation(ctx, selfID, peerID, chatHistoryLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("chat.messages", len(messages)))
	return messages, nil
}

func (s *chatService) publish(ctx context.Context, message models.ChatMessage) error {
	backend := s.FanOut()
	if backend == "" {
		return nil
	}

	event := chatEvent{
		Source:  s.nodeID,
		Message: message,
		SentAt:  s.now().UTC(),
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if backend == "nats" {
		return s.nats.Publish(s.natsSubject, payload)
	}
	return s.redis.Publish(ctx, s.redisStream, payload).Err()
}

func (s *chatService) consumeRedis(ctx context.Context) {
	pubsub := s.redis.Subscribe(ctx, s.redisStream)
	defer func() {
		_ = pubsub.Close()
	}()
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			s.logger.Error().Err(err).Msg("chat redis subscription closed")
			return
		}
		s.handleEvent([]byte(msg.Payload))
	}
}

func (s *chatService) consumeNATS(ctx context.Context) {
	// Every node needs every event, so no queue group here.
	sub, err := s.nats.Subscribe(s.natsSubject, func(msg *nats.Msg) {
		s.handleEvent(msg.Data)
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to subscribe to nats chat subject")
		return
	}
	go func() {
		<-ctx.Done()
		if err := sub.Drain(); err != nil {
			s.logger.Warn().Err(err).Msg("failed to drain chat nats subscription")
		}
	}()
}

func (s *chatService) handleEvent(data []byte) {
	var event chatEvent
	if err := json.Unmarshal(data, &event); err != nil {
		s.logger.Warn().Err(err).Msg("invalid chat event")
		return
	}

	if event.Source == s.nodeID {
		return
	}
	if !s.seen.add(event.Message.ID) {
		return
	}

	if s.hub.deliver(event.Message.ReceiverID, dto.NewChatPushEvent(event.Message)) {
		observability.RelayMessages().WithLabelValues("remote").Inc()
	}
}

// register installs client as the active socket for its user and returns the one it replaced.
func (h *chatHub) register(client *chatClient) *chatClient {
	h.mu.Lock()
	defer h.mu.Unlock()

	previous := h.clients[client.userID]
	h.clients[client.userID] = client
	h.log.Debug().Str("user_id", client.userID).Bool("replaced", previous != nil).Msg("chat client connected")
	return previous
}

func (h *chatHub) unregister(client *chatClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if current, ok := h.clients[client.userID]; ok && current == client {
		delete(h.clients, client.userID)
	}
	h.log.Debug().Str("user_id", client.userID).Msg("chat client disconnected")
}

func (h *chatHub) deliver(userID string, event dto.ChatPushEvent) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[userID]
	if !ok {
		return false
	}

	select {
	case client.send <- event:
		return true
	default:
		h.log.Warn().Str("user_id", userID).Msg("dropping chat message for slow client")
		return false
	}
}

func (h *chatHub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func newSeenMessages(capacity int) *seenMessages {
	return &seenMessages{
		ids:   make(map[string]struct{}, capacity),
		order: make([]string, capacity),
	}
}

// add records id and reports whether it was new. The oldest id is evicted once full.
func (m *seenMessages) add(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.ids[id]; ok {
		return false
	}
	if evicted := m.order[m.next]; evicted != "" {
		delete(m.ids, evicted)
	}
	m.order[m.next] = id
	m.next = (m.next + 1) % len(m.order)
	m.ids[id] = struct{}{}
	return true
}

// reader drains the socket so control frames are processed. Clients never send chat data over it.
func (c *chatClient) reader() {
	defer c.close()

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			c.service.logger.Debug().Err(err).Str("user_id", c.userID).Msg("chat read loop ended")
			return
		}
	}
}

func (c *chatClient) writer() {
	defer c.close()

	ticker := time.NewTicker(chatPingInterval)
	defer ticker.Stop()

	for {
		select {
		case event := <-c.send:
			if err := c.conn.WriteJSON(event); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat write loop terminated")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, []byte("keepalive")); err != nil {
				c.service.logger.Debug().Err(err).Msg("chat ping failed")
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (c *chatClient) close() {
	c.once.Do(func() {
		close(c.closed)
		c.service.hub.unregister(c)
		_ = c.conn.Close()
	})
}
