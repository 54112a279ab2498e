package collaborator

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"

	"marketrelay/pkg/interfaces"
	"marketrelay/pkg/types"
)

const (
	DefaultTimeout         = 10 * time.Second
	DefaultMaxRetries      = 3
	DefaultInitialInterval = 200 * time.Millisecond

	// maxErrorBody bounds how much of an error response is kept for the log.
	maxErrorBody = 512
)

// Config describes the marketplace REST API the relay persists through.
type Config struct {
	BaseURL      string
	ServiceToken string
	Timeout      time.Duration
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries      int
	InitialInterval time.Duration
	HTTPClient      *http.Client
}

// Client is the MessageStore backed by the marketplace REST API.
// ARCHITECTURAL DISCOVERY: every call is retried with exponential backoff on
// transport errors and 5xx answers. CreateMessage is safe to retry because the
// client message id travels as the Idempotency-Key.
type Client struct {
	base     *url.URL
	token    string
	timeout  time.Duration
	retries  int
	interval time.Duration
	http     *http.Client
	closed   atomic.Bool
}

var _ interfaces.MessageStore = (*Client)(nil)

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, ErrMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("unsupported base URL scheme %q", base.Scheme)
	}

	c := &Client{
		base:     base,
		token:    cfg.ServiceToken,
		timeout:  cfg.Timeout,
		retries:  cfg.MaxRetries,
		interval: cfg.InitialInterval,
		http:     cfg.HTTPClient,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	if c.retries < 0 {
		c.retries = DefaultMaxRetries
	}
	if c.interval <= 0 {
		c.interval = DefaultInitialInterval
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: c.timeout}
	}
	return c, nil
}

// CreateMessage persists msg; the store returns the original message when the
// client message id was already stored for the room.
func (c *Client) CreateMessage(ctx context.Context, msg *types.NewMessage) (*types.Message, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	header := http.Header{}
	if msg.ClientMessageID != "" {
		header.Set("Idempotency-Key", msg.Room.String()+"/"+msg.ClientMessageID)
	}

	var out types.Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/messages", nil, header, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListMessages returns the history of room, oldest first.
func (c *Client) ListMessages(ctx context.Context, room types.RoomID) ([]*types.Message, error) {
	query := url.Values{"room": {room.String()}}
	var out []*types.Message
	if err := c.do(ctx, http.MethodGet, "/api/chat/messages", query, nil, nil, &out); err != nil {
		return nil, err
	}
	if out == nil {
		out = []*types.Message{}
	}
	return out, nil
}

func (c *Client) ListActiveConversations(ctx context.Context, operatorID string) ([]*types.ActiveChatSummary, error) {
	query := url.Values{"operator_id": {operatorID}}
	var out []*types.ActiveChatSummary
	if err := c.do(ctx, http.MethodGet, "/api/chat/active-conversations", query, nil, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

type participantsResponse struct {
	Participants []string `json:"participants"`
}

// ConversationParticipants returns interfaces.ErrNotFound when the marketplace
// has no such conversation.
func (c *Client) ConversationParticipants(ctx context.Context, conversationID string) ([]string, error) {
	path := "/api/chat/conversations/" + url.PathEscape(conversationID) + "/participants"
	var out participantsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, nil, &out); err != nil {
		return nil, err
	}
	return out.Participants, nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil, nil, nil)
}

// Close stops further calls. Idle keep-alive connections are released.
func (c *Client) Close() error {
	if c.closed.CompareAndSwap(false, true) {
		c.http.CloseIdleConnections()
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, header http.Header, body []byte, out any) error {
	if c.closed.Load() {
		return ErrClientClosed
	}

	target := *c.base
	target.Path = c.base.Path + path
	target.RawQuery = query.Encode()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.interval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, c.attempt(ctx, method, target.String(), header, body, out)
	},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(uint(c.retries)+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("[STORE] request failed, retrying", "method", method, "path", path, "retry_in", next, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	return nil
}

// attempt performs one request. Errors wrapped in backoff.Permanent stop the retry loop.
func (c *Client) attempt(ctx context.Context, method, target string, header http.Header, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	for key, values := range header {
		req.Header[key] = values
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return backoff.Permanent(interfaces.ErrNotFound)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return backoff.Permanent(fmt.Errorf("%w: %w: %s", ErrRejected, interfaces.ErrUnauthorized, resp.Status))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: %s: %s", ErrUnavailable, resp.Status, errorBody(resp.Body))
	case resp.StatusCode >= 400:
		return backoff.Permanent(fmt.Errorf("%w: %s: %s", ErrRejected, resp.Status, errorBody(resp.Body)))
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func errorBody(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, maxErrorBody))
	return strings.TrimSpace(string(data))
}
