package chat

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
)

// ConnectionStatus is the coarse push channel status exposed to UI collaborators.
type ConnectionStatus string

const (
	StatusDisconnected ConnectionStatus = "disconnected"
	StatusConnected    ConnectionStatus = "connected"
)

// Options configures a Store.
type Options struct {
	API     API
	History HistoryCache
	// Connection is the template used for every push connection the store opens.
	Connection     ConnectionOptions
	Validator      *validator.Validate
	Logger         zerolog.Logger
	RequestTimeout time.Duration
	Clock          func() time.Time
	NewID          func() string
}

// Store is the chat state container for one authenticated identity at a time. All network
// work happens on background goroutines and reports back only by mutating state.
type Store struct {
	api            API
	history        HistoryCache
	connOpts       ConnectionOptions
	validator      *validator.Validate
	logger         zerolog.Logger
	tracer         trace.Tracer
	requestTimeout time.Duration
	pipeline       *SendPipeline

	mu sync.RWMutex
	// owner is the identity the retained state belongs to; identity is "" while signed out.
	owner       string
	identity    string
	epoch       uint64
	closed      bool
	messages    []models.ChatMessage
	status      ConnectionStatus
	unread      int
	rolledBack  int
	conn        *ConnectionManager
	subscribers map[chan struct{}]struct{}

	wg sync.WaitGroup
}

// NewStore builds an empty store. No connection is opened until OnIdentityEstablished.
func NewStore(opts Options) *Store {
	if opts.History == nil {
		opts.History = NewMemoryHistoryCache()
	}
	if opts.Validator == nil {
		opts.Validator = validator.New(validator.WithRequiredStructEnabled())
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}

	logger := opts.Logger.With().Str("component", "chat_store").Logger()
	opts.Connection.Logger = opts.Logger

	s := &Store{
		api:            opts.API,
		history:        opts.History,
		connOpts:       opts.Connection,
		validator:      opts.Validator,
		logger:         logger,
		tracer:         otel.Tracer("github.com/noah-isme/chatsync/internal/chat"),
		requestTimeout: opts.RequestTimeout,
		status:         StatusDisconnected,
		subscribers:    make(map[chan struct{}]struct{}),
	}

	s.pipeline = &SendPipeline{
		api:       opts.API,
		target:    s,
		validator: opts.Validator,
		logger:    opts.Logger.With().Str("component", "chat_send").Logger(),
		tracer:    s.tracer,
		timeout:   opts.RequestTimeout,
		clock:     opts.Clock,
		newID:     opts.NewID,
	}

	return s
}

// OnIdentityEstablished binds the store to identity and opens the push connection. A different
// identity discards all state; the same identity keeps messages and the history cache and only
// reconnects when the previous connection is gone.
func (s *Store) OnIdentityEstablished(identity string) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		s.OnIdentityCleared()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	if s.owner != identity {
		s.epoch++
		s.owner = identity
		s.messages = nil
		s.unread = 0
		s.rolledBack = 0
		s.history.Reset(context.Background())
		s.logger.Info().Str("user_id", identity).Msg("identity changed, chat state cleared")
	}

	if s.identity == identity && s.conn != nil {
		if state := s.conn.State(); state == StateConnecting || state == StateOpen {
			s.mu.Unlock()
			return
		}
	}

	stale := s.conn
	s.identity = identity
	s.status = StatusDisconnected
	mgr := s.newConnection(s.epoch)
	s.conn = mgr
	s.mu.Unlock()

	if stale != nil {
		stale.Close()
	}
	s.notify()

	s.spawn(func() {
		if err := mgr.Connect(context.Background(), identity); err != nil {
			s.logger.Debug().Err(err).Str("user_id", identity).Msg("initial chat connect failed")
		}
	})
}

// OnIdentityCleared closes the push connection. Retained messages stay until a different
// identity is established.
func (s *Store) OnIdentityCleared() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.identity = ""
	s.status = StatusDisconnected
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	s.notify()
}

// Close tears the store down. Completions that arrive afterwards are dropped.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.epoch++
	conn := s.conn
	s.conn = nil
	s.identity = ""
	s.status = StatusDisconnected
	subscribers := s.subscribers
	s.subscribers = make(map[chan struct{}]struct{})
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
		conn.Wait()
	}
	for ch := range subscribers {
		close(ch)
	}
}

// Wait blocks until every in-flight send, history fetch and connect attempt has settled.
func (s *Store) Wait() {
	s.wg.Wait()
}

// SendMessage shows text immediately as an optimistic message to receiverID and persists it in
// the background. Empty text or a missing identity is ignored.
func (s *Store) SendMessage(receiverID, text string) {
	s.pipeline.Send(receiverID, text)
}

// LoadHistory backfills the conversation with peerID once per identity session.
func (s *Store) LoadHistory(peerID string) {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return
	}

	identity, epoch, ok := s.session()
	if !ok {
		return
	}

	if !s.history.ShouldLoad(context.Background(), peerID) {
		return
	}
	// The identity may have changed while the cache was consulted, in which case the mark
	// landed in the new session's cache and belongs to nobody.
	if !s.current(epoch) {
		s.history.Forget(context.Background(), peerID)
		return
	}

	s.spawn(func() {
		s.fetchHistory(identity, epoch, peerID)
	})
}

func (s *Store) fetchHistory(identity string, epoch uint64, peerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()

	ctx, span := s.tracer.Start(ctx, "chat.history", trace.WithAttributes(
		attribute.String("chat.user_id", identity),
		attribute.String("chat.peer_id", peerID),
	))
	defer span.End()

	logger := s.logger.With().Str("user_id", identity).Str("peer_id", peerID).Logger()

	messages, err := s.api.FetchHistory(ctx, identity, peerID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "history fetch failed")
		observability.HistoryFetches().WithLabelValues("failed").Inc()
		logger.Warn().Err(err).Msg("history fetch failed")

		// ctx may already be expired here.
		if s.current(epoch) {
			s.history.Forget(context.Background(), peerID)
		}
		return
	}

	valid := make([]models.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		msg = normalizeMessage(msg)
		if err := s.validator.Struct(msg); err != nil {
			logger.Warn().Err(err).Str("message_id", msg.ID).Msg("skipping invalid history entry")
			continue
		}
		valid = append(valid, msg)
	}

	if !s.apply(epoch, func(existing []models.ChatMessage) []models.ChatMessage {
		return Merge(existing, valid)
	}) {
		logger.Debug().Msg("store moved on, dropping history")
		return
	}

	span.SetAttributes(attribute.Int("chat.messages", len(valid)))
	observability.HistoryFetches().WithLabelValues("loaded").Inc()
	logger.Debug().Int("count", len(valid)).Msg("history merged")
}

// MarkRead resets the unread counter. Individual read flags are left untouched.
func (s *Store) MarkRead() {
	s.mu.Lock()
	s.unread = 0
	s.mu.Unlock()
	s.notify()
}

// Messages returns a copy of every visible message in chronological order.
func (s *Store) Messages() []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.ChatMessage(nil), s.messages...)
}

// Conversation returns the messages exchanged between the current identity and peerID.
func (s *Store) Conversation(peerID string) []models.ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := models.NewConversationKey(s.owner, peerID)
	out := make([]models.ChatMessage, 0)
	for _, msg := range s.messages {
		if msg.ConversationKey() == key {
			out = append(out, msg)
		}
	}
	return out
}

// ConnectionStatus reports whether the push channel is currently open.
func (s *Store) ConnectionStatus() ConnectionStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// UnreadCount returns the number of pushed messages since the last MarkRead.
func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// RolledBackSends counts the sends of the current identity that the relay never accepted. Their
// optimistic messages have already been removed.
func (s *Store) RolledBackSends() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rolledBack
}

// Identity returns the active identity, or "" when signed out.
func (s *Store) Identity() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity
}

// Subscribe returns a channel that receives a signal after every state change. Signals are
// coalesced, so a slow reader only ever sees the latest state. The returned func unsubscribes.
func (s *Store) Subscribe() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			if _, ok := s.subscribers[ch]; ok {
				delete(s.subscribers, ch)
				close(ch)
			}
			s.mu.Unlock()
		})
	}
}

func (s *Store) newConnection(epoch uint64) *ConnectionManager {
	var mgr *ConnectionManager
	mgr = NewConnectionManager(s.connOpts, ConnectionHandlers{
		OnOpen: func() {
			s.setStatus(mgr, StatusConnected)
		},
		OnClose: func(error) {
			s.setStatus(mgr, StatusDisconnected)
		},
		OnMessage: func(message models.ChatMessage) {
			s.mu.Lock()
			if s.conn != mgr || s.epoch != epoch || s.closed {
				s.mu.Unlock()
				return
			}
			s.messages = Merge(s.messages, []models.ChatMessage{message})
			s.unread++
			s.mu.Unlock()
			s.notify()
		},
	})
	return mgr
}

func (s *Store) setStatus(mgr *ConnectionManager, status ConnectionStatus) {
	s.mu.Lock()
	if s.conn != mgr {
		s.mu.Unlock()
		return
	}
	if status == StatusConnected && mgr.State() != StateOpen {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.mu.Unlock()
	s.notify()
}

func (s *Store) session() (string, uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.identity, s.epoch, s.identity != "" && !s.closed
}

func (s *Store) current(epoch uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return !s.closed && s.epoch == epoch
}

func (s *Store) apply(epoch uint64, mutate func([]models.ChatMessage) []models.ChatMessage) bool {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.messages = mutate(s.messages)
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) rollback(epoch uint64, tempID string) bool {
	s.mu.Lock()
	if s.closed || s.epoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.messages = Remove(s.messages, tempID)
	s.rolledBack++
	s.mu.Unlock()
	s.notify()
	return true
}

func (s *Store) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

func (s *Store) notify() {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
