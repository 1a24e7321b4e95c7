package chat

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/noah-isme/chatsync/internal/models"
	"github.com/noah-isme/chatsync/internal/observability"
)

const (
	maxFrameBytes = 1 << 20
	pingWriteWait = 5 * time.Second
)

// ErrConnectionClosed is returned when Connect is called on a manager that was closed explicitly.
var ErrConnectionClosed = errors.New("connection manager closed")

// State is the lifecycle state of the push connection.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateOpen       State = "open"
	StateClosed     State = "closed"
)

// Trigger is an external occurrence that may move the connection between states.
type Trigger string

const (
	TriggerIdentity  Trigger = "identity"
	TriggerHandshake Trigger = "handshake"
	TriggerFailure   Trigger = "failure"
	TriggerClose     Trigger = "close"
)

// Transition is the connection state machine. It returns the next state and whether the trigger
// is valid in the current state; invalid triggers leave the state unchanged.
func Transition(from State, trigger Trigger) (State, bool) {
	switch trigger {
	case TriggerIdentity:
		if from == StateIdle || from == StateClosed {
			return StateConnecting, true
		}
	case TriggerHandshake:
		if from == StateConnecting {
			return StateOpen, true
		}
	case TriggerFailure:
		if from == StateConnecting || from == StateOpen {
			return StateClosed, true
		}
	case TriggerClose:
		return StateClosed, true
	}
	return from, false
}

// Transport is the duplex connection the manager reads push frames from.
// *websocket.Conn satisfies it.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Dialer opens a Transport.
type Dialer interface {
	Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error)
}

// WebsocketDialer dials push connections with gorilla/websocket.
type WebsocketDialer struct {
	dialer *websocket.Dialer
}

// NewWebsocketDialer returns a dialer with the given handshake timeout.
func NewWebsocketDialer(handshakeTimeout time.Duration) *WebsocketDialer {
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}
	return &WebsocketDialer{dialer: &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}}
}

func (d *WebsocketDialer) Dial(ctx context.Context, rawURL string, header http.Header) (Transport, error) {
	conn, resp, err := d.dialer.DialContext(ctx, rawURL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(maxFrameBytes)
	return conn, nil
}

// onceTransport guarantees the underlying transport is released exactly once.
type onceTransport struct {
	Transport
	once   sync.Once
	err    error
	closed chan struct{}
}

func newOnceTransport(t Transport) *onceTransport {
	return &onceTransport{Transport: t, closed: make(chan struct{})}
}

func (t *onceTransport) Close() error {
	t.once.Do(func() {
		close(t.closed)
		t.err = t.Transport.Close()
	})
	return t.err
}

// ConnectionHandlers receive the side effects of state transitions and inbound messages.
type ConnectionHandlers struct {
	OnOpen    func()
	OnClose   func(err error)
	OnMessage func(message models.ChatMessage)
}

// ConnectionOptions configures a ConnectionManager.
type ConnectionOptions struct {
	// URL is the websocket base, e.g. ws://localhost:8000. The /ws/chat/{id} path is appended.
	URL                  string
	Token                string
	Dialer               Dialer
	DialTimeout          time.Duration
	PingInterval         time.Duration
	AutoReconnect        bool
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	MaxReconnectAttempts int
	Logger               zerolog.Logger
}

// ConnectionManager owns one push connection for one identity.
type ConnectionManager struct {
	opts     ConnectionOptions
	handlers ConnectionHandlers
	logger   zerolog.Logger
	backoff  *backoff

	mu        sync.Mutex
	state     State
	selfID    string
	transport *onceTransport
	shutdown  bool

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewConnectionManager builds a manager in the Idle state.
func NewConnectionManager(opts ConnectionOptions, handlers ConnectionHandlers) *ConnectionManager {
	if opts.Dialer == nil {
		opts.Dialer = NewWebsocketDialer(opts.DialTimeout)
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if handlers.OnOpen == nil {
		handlers.OnOpen = func() {}
	}
	if handlers.OnClose == nil {
		handlers.OnClose = func(error) {}
	}
	if handlers.OnMessage == nil {
		handlers.OnMessage = func(models.ChatMessage) {}
	}

	return &ConnectionManager{
		opts:     opts,
		handlers: handlers,
		logger:   opts.Logger.With().Str("component", "chat_connection").Logger(),
		backoff:  newBackoff(opts.ReconnectBaseDelay, opts.ReconnectMaxDelay, opts.MaxReconnectAttempts),
		state:    StateIdle,
		stop:     make(chan struct{}),
	}
}

// State returns the current connection state.
func (m *ConnectionManager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect dials the push endpoint for selfID and starts the read loop. It is a no-op while a
// connection is already Connecting or Open.
func (m *ConnectionManager) Connect(ctx context.Context, selfID string) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return ErrConnectionClosed
	}
	next, ok := Transition(m.state, TriggerIdentity)
	if !ok {
		m.mu.Unlock()
		return nil
	}
	m.state = next
	m.selfID = selfID
	m.mu.Unlock()

	endpoint := m.endpoint(selfID)
	m.logger.Debug().Str("user_id", selfID).Str("state", string(next)).Msg("dialing chat socket")

	dialCtx, cancel := context.WithTimeout(ctx, m.opts.DialTimeout)
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-dialCtx.Done():
		}
	}()
	raw, err := m.opts.Dialer.Dial(dialCtx, endpoint, m.header())
	cancel()

	m.mu.Lock()
	if err != nil {
		failed, ok := Transition(m.state, TriggerFailure)
		if !ok {
			m.mu.Unlock()
			return ErrConnectionClosed
		}
		m.state = failed
		m.mu.Unlock()

		m.logger.Warn().Err(err).Str("user_id", selfID).Msg("chat socket dial failed")
		m.handlers.OnClose(err)
		m.scheduleReconnect()
		return fmt.Errorf("dial chat socket: %w", err)
	}

	next, ok = Transition(m.state, TriggerHandshake)
	if !ok {
		// Closed while the handshake was in flight.
		m.mu.Unlock()
		_ = raw.Close()
		return ErrConnectionClosed
	}

	transport := newOnceTransport(raw)
	m.state = next
	m.transport = transport
	m.backoff.reset()
	m.wg.Add(1)
	if m.opts.PingInterval > 0 {
		m.wg.Add(1)
	}
	m.mu.Unlock()

	m.logger.Info().Str("user_id", selfID).Msg("chat socket connected")
	m.handlers.OnOpen()

	go m.readLoop(transport)
	if m.opts.PingInterval > 0 {
		go m.pingLoop(transport)
	}
	return nil
}

// Close moves the manager to Closed, releases the transport and stops any pending reconnect.
// It is safe to call more than once.
func (m *ConnectionManager) Close() {
	m.mu.Lock()
	m.shutdown = true
	prev := m.state
	m.state, _ = Transition(m.state, TriggerClose)
	transport := m.transport
	m.transport = nil
	m.mu.Unlock()

	m.stopOnce.Do(func() { close(m.stop) })

	if transport != nil {
		_ = transport.Close()
	}
	if prev == StateOpen || prev == StateConnecting {
		m.logger.Info().Str("user_id", m.selfIDSnapshot()).Msg("chat socket closed")
		m.handlers.OnClose(nil)
	}
}

// Wait blocks until the read, ping and reconnect goroutines have exited.
func (m *ConnectionManager) Wait() {
	m.wg.Wait()
}

func (m *ConnectionManager) selfIDSnapshot() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.selfID
}

func (m *ConnectionManager) endpoint(selfID string) string {
	base := strings.TrimSuffix(m.opts.URL, "/")
	return base + "/ws/chat/" + url.PathEscape(selfID)
}

func (m *ConnectionManager) header() http.Header {
	header := http.Header{}
	if m.opts.Token != "" {
		header.Set("Authorization", "Bearer "+m.opts.Token)
	}
	return header
}

func (m *ConnectionManager) readLoop(transport *onceTransport) {
	defer m.wg.Done()

	for {
		_, data, err := transport.ReadMessage()
		if err != nil {
			m.fail(transport, err)
			return
		}
		m.handleFrame(data)
	}
}

func (m *ConnectionManager) pingLoop(transport *onceTransport) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-transport.closed:
			return
		case <-ticker.C:
			if err := transport.WriteControl(websocket.PingMessage, []byte("keepalive"), time.Now().Add(pingWriteWait)); err != nil {
				m.fail(transport, fmt.Errorf("keepalive ping: %w", err))
				return
			}
		}
	}
}

// handleFrame isolates one frame from the rest of the stream: nothing it does may change the
// connection state or escape as a panic.
func (m *ConnectionManager) handleFrame(data []byte) {
	defer func() {
		if r := recover(); r != nil {
			observability.PushEvents().WithLabelValues(string(EventKindMalformed)).Inc()
			m.logger.Error().Interface("panic", r).Msg("push frame handler panicked")
		}
	}()

	switch event := DecodeEvent(data).(type) {
	case NewMessageEvent:
		observability.PushEvents().WithLabelValues("accepted").Inc()
		m.handlers.OnMessage(event.Message)
	case IgnoredEvent:
		observability.PushEvents().WithLabelValues(string(EventKindIgnored)).Inc()
		m.logger.Debug().Str("type", event.Type).Msg("ignoring push frame")
	case MalformedEvent:
		observability.PushEvents().WithLabelValues(string(EventKindMalformed)).Inc()
		m.logger.Warn().Err(event.Err).Int("size", event.Size).Msg("discarding malformed push frame")
	}
}

func (m *ConnectionManager) fail(transport *onceTransport, cause error) {
	m.mu.Lock()
	if m.transport != transport {
		// Superseded or closed explicitly; Close already reported it.
		m.mu.Unlock()
		_ = transport.Close()
		return
	}
	next, ok := Transition(m.state, TriggerFailure)
	if !ok {
		m.mu.Unlock()
		_ = transport.Close()
		return
	}
	m.state = next
	m.transport = nil
	selfID := m.selfID
	m.mu.Unlock()

	_ = transport.Close()
	m.logger.Warn().Err(cause).Str("user_id", selfID).Msg("chat socket dropped")
	m.handlers.OnClose(cause)
	m.scheduleReconnect()
}

func (m *ConnectionManager) scheduleReconnect() {
	m.mu.Lock()
	if m.shutdown || !m.opts.AutoReconnect || !m.backoff.allowed() {
		m.mu.Unlock()
		return
	}
	delay := m.backoff.next()
	attempt := m.backoff.attempt
	selfID := m.selfID
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info().Int("attempt", attempt).Dur("delay", delay).Msg("scheduling chat socket reconnect")

	go func() {
		defer m.wg.Done()

		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-m.stop:
			return
		case <-timer.C:
		}

		observability.Reconnects().Inc()
		if err := m.Connect(context.Background(), selfID); err != nil && !errors.Is(err, ErrConnectionClosed) {
			m.logger.Debug().Err(err).Int("attempt", attempt).Msg("chat socket reconnect failed")
		}
	}()
}

// backoff computes exponential reconnect delays with jitter.
type backoff struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
}

func newBackoff(baseDelay, maxDelay time.Duration, maxAttempts int) *backoff {
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 30 * time.Second
	}
	return &backoff{baseDelay: baseDelay, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

// allowed reports whether another attempt may be made; zero maxAttempts means unlimited.
func (b *backoff) allowed() bool {
	return b.maxAttempts <= 0 || b.attempt < b.maxAttempts
}

func (b *backoff) next() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(b.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(b.baseDelay)*math.Pow(2, float64(b.attempt))+float64(jitter),
		float64(b.maxDelay),
	))
	b.attempt++
	return delay
}

func (b *backoff) reset() {
	b.attempt = 0
}
