package chat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/noah-isme/chatsync/internal/dto"
	"github.com/noah-isme/chatsync/internal/models"
)

const maxResponseBytes = 4 << 20

// ErrNoIdentity is returned by transport calls attempted without a participant id.
var ErrNoIdentity = errors.New("no identity established")

// StatusError reports a non-2xx answer from the chat backend.
type StatusError struct {
	Op   string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d", e.Op, e.Code)
}

// API is the request/response half of the chat backend.
type API interface {
	FetchHistory(ctx context.Context, selfID, peerID string) ([]models.ChatMessage, error)
	Send(ctx context.Context, selfID string, payload dto.ChatSendRequest) (models.ChatMessage, error)
}

// HTTPAPIConfig configures the HTTP implementation of API.
type HTTPAPIConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

type httpAPI struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPAPI builds an API client talking to /api/chat on BaseURL.
func NewHTTPAPI(cfg HTTPAPIConfig) API {
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}

	return &httpAPI{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}
}

func (a *httpAPI) FetchHistory(ctx context.Context, selfID, peerID string) ([]models.ChatMessage, error) {
	path := "/api/chat/" + url.PathEscape(peerID)
	data, err := a.do(ctx, "fetch history", http.MethodGet, path, selfID, nil)
	if err != nil {
		return nil, err
	}

	var messages []models.ChatMessage
	if err := json.Unmarshal(data, &messages); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return messages, nil
}

func (a *httpAPI) Send(ctx context.Context, selfID string, payload dto.ChatSendRequest) (models.ChatMessage, error) {
	data, err := a.do(ctx, "send message", http.MethodPost, "/api/chat/send", selfID, payload)
	if err != nil {
		return models.ChatMessage{}, err
	}

	var message models.ChatMessage
	if err := json.Unmarshal(data, &message); err != nil {
		return models.ChatMessage{}, fmt.Errorf("decode canonical message: %w", err)
	}
	return message, nil
}

func (a *httpAPI) do(ctx context.Context, op, method, path, selfID string, body interface{}) ([]byte, error) {
	if strings.TrimSpace(selfID) == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrNoIdentity)
	}

	var bodyReader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal request: %w", op, err)
		}
		bodyReader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}

	req.Header.Set("Accept", "application/json")
	req.Header.Set(dto.IdentityHeader, selfID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%s: read response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Op: op, Code: resp.StatusCode}
	}

	return data, nil
}
