package chat

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/models"
)

type fakeTransport struct {
	frames     chan []byte
	closed     chan struct{}
	dropOnce   sync.Once
	closeOnce  sync.Once
	closeCount int32
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		frames: make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (t *fakeTransport) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-t.frames:
		if !ok {
			return 0, nil, io.ErrUnexpectedEOF
		}
		return websocket.TextMessage, data, nil
	case <-t.closed:
		return 0, nil, net.ErrClosed
	}
}

func (t *fakeTransport) WriteControl(int, []byte, time.Time) error {
	select {
	case <-t.closed:
		return net.ErrClosed
	default:
		return nil
	}
}

func (t *fakeTransport) Close() error {
	atomic.AddInt32(&t.closeCount, 1)
	t.closeOnce.Do(func() { close(t.closed) })
	return nil
}

func (t *fakeTransport) push(frame string) {
	t.frames <- []byte(frame)
}

// drop simulates the server going away.
func (t *fakeTransport) drop() {
	t.dropOnce.Do(func() { close(t.frames) })
}

func (t *fakeTransport) closes() int {
	return int(atomic.LoadInt32(&t.closeCount))
}

type fakeDialer struct {
	mu         sync.Mutex
	err        error
	urls       []string
	headers    []http.Header
	transports []*fakeTransport
}

func (d *fakeDialer) Dial(_ context.Context, rawURL string, header http.Header) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.urls = append(d.urls, rawURL)
	d.headers = append(d.headers, header)
	if d.err != nil {
		return nil, d.err
	}
	transport := newFakeTransport()
	d.transports = append(d.transports, transport)
	return transport, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 {
		i = len(d.transports) + i
	}
	if i < 0 || i >= len(d.transports) {
		return nil
	}
	return d.transports[i]
}

type fakeAPI struct {
	mu           sync.Mutex
	history      map[string][]models.ChatMessage
	historyErr   error
	historyCalls int
	sends        []dto.ChatSendRequest
	sendErr      error
	sendGate     chan struct{}
	canonical    func(selfID string, payload dto.ChatSendRequest) models.ChatMessage
}

func newFakeAPI() *fakeAPI {
	return &fakeAPI{history: make(map[string][]models.ChatMessage)}
}

func (a *fakeAPI) FetchHistory(_ context.Context, selfID, peerID string) ([]models.ChatMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.historyCalls++
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return append([]models.ChatMessage(nil), a.history[peerID]...), nil
}

func (a *fakeAPI) Send(ctx context.Context, selfID string, payload dto.ChatSendRequest) (models.ChatMessage, error) {
	a.mu.Lock()
	a.sends = append(a.sends, payload)
	gate := a.sendGate
	a.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.ChatMessage{}, ctx.Err()
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sendErr != nil {
		return models.ChatMessage{}, a.sendErr
	}
	if a.canonical == nil {
		return models.ChatMessage{}, errors.New("no canonical message configured")
	}
	return a.canonical(selfID, payload), nil
}

func (a *fakeAPI) setHistoryErr(err error) {
	a.mu.Lock()
	a.historyErr = err
	a.mu.Unlock()
}

func (a *fakeAPI) historyCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.historyCalls
}

func (a *fakeAPI) sendCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sends)
}
