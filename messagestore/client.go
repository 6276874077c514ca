package messagestore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"campuslink/apperr"
	"campuslink/models"
	"campuslink/storage"
)

const (
	DefaultTimeout = 15 * time.Second

	// IdempotencyHeader carries the outbox entry id so a replay after a lost response is deduplicated.
	IdempotencyHeader = "Idempotency-Key"

	maxErrorBody = 4096
)

// StatusError is a non-2xx response from the message-store.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("message-store returned %d", e.StatusCode)
	}
	return fmt.Sprintf("message-store returned %d: %s", e.StatusCode, e.Body)
}

// Client talks JSON over HTTP to the external message-store service.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = httpClient }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger.With().Str("component", "messagestore").Logger() }
}

// NewClient returns a client for baseURL authenticated with the session token.
func NewClient(baseURL, token string, opts ...ClientOption) (*Client, error) {
	if strings.TrimSpace(baseURL) == "" {
		return nil, errors.New("message-store url is required")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("parse message-store url: %w", err)
	}

	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// SetToken replaces the session token after a refresh.
func (c *Client) SetToken(token string) {
	c.token = token
}

// MessagesEndpoint is the path messages of conversationID are posted to.
func MessagesEndpoint(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/messages"
}

// ReadEndpoint is the path read receipts of conversationID are posted to.
func ReadEndpoint(conversationID string) string {
	return "/conversations/" + url.PathEscape(conversationID) + "/read"
}

// PostMessageRequest is the body of a message post.
type PostMessageRequest struct {
	ID        string    `json:"id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
	ReplyToID string    `json:"reply_to_id,omitempty"`
}

// MarkReadRequest is the body of a read receipt.
type MarkReadRequest struct {
	MessageIDs []string `json:"message_ids"`
}

type pushTokenRequest struct {
	DeviceToken string `json:"device_token"`
	Platform    string `json:"platform"`
}

// ListConversations returns every conversation of the caller with per-role unread counters.
func (c *Client) ListConversations(ctx context.Context) ([]models.ConversationSummary, error) {
	var out []models.ConversationSummary
	if err := c.doJSON(ctx, "list conversations", http.MethodGet, "/conversations", nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GetConversation returns one conversation summary.
func (c *Client) GetConversation(ctx context.Context, conversationID string) (models.ConversationSummary, error) {
	var out models.ConversationSummary
	path := "/conversations/" + url.PathEscape(conversationID)
	if err := c.doJSON(ctx, "get conversation", http.MethodGet, path, nil, "", &out); err != nil {
		return models.ConversationSummary{}, err
	}
	return out, nil
}

// FetchHistory returns up to limit messages older than before, newest first. An empty
// before starts at the latest message.
func (c *Client) FetchHistory(ctx context.Context, conversationID string, limit int, before string) ([]models.Message, error) {
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if before != "" {
		params.Set("before", before)
	}
	path := MessagesEndpoint(conversationID)
	if len(params) > 0 {
		path += "?" + params.Encode()
	}

	var out []models.Message
	if err := c.doJSON(ctx, "fetch history", http.MethodGet, path, nil, "", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// PostMessage stores a message and returns the canonical copy.
func (c *Client) PostMessage(ctx context.Context, conversationID string, req PostMessageRequest) (models.Message, error) {
	var out models.Message
	if err := c.doJSON(ctx, "post message", http.MethodPost, MessagesEndpoint(conversationID), req, req.ID, &out); err != nil {
		return models.Message{}, err
	}
	return out, nil
}

// MarkRead records messageIDs as read by the caller.
func (c *Client) MarkRead(ctx context.Context, conversationID string, messageIDs []string) error {
	return c.doJSON(ctx, "mark read", http.MethodPost, ReadEndpoint(conversationID), MarkReadRequest{MessageIDs: messageIDs}, "", nil)
}

// IdentityKeys returns the published public keys of identityID.
func (c *Client) IdentityKeys(ctx context.Context, identityID string) (models.IdentityKeys, error) {
	var out models.IdentityKeys
	path := "/identities/" + url.PathEscape(identityID) + "/keys"
	if err := c.doJSON(ctx, "identity keys", http.MethodGet, path, nil, "", &out); err != nil {
		return models.IdentityKeys{}, err
	}
	return out, nil
}

// PublishIdentityKeys uploads this device's public keys.
func (c *Client) PublishIdentityKeys(ctx context.Context, keys models.IdentityKeys) error {
	return c.doJSON(ctx, "publish identity keys", http.MethodPut, "/identities/me/keys", keys, "", nil)
}

// RegisterPushToken registers a device token for push delivery while the transport is down.
func (c *Client) RegisterPushToken(ctx context.Context, deviceToken, platform string) error {
	if deviceToken == "" {
		return errors.New("device token is required")
	}
	return c.doJSON(ctx, "register push token", http.MethodPost, "/push-tokens", pushTokenRequest{DeviceToken: deviceToken, Platform: platform}, "", nil)
}

// Replay re-issues a queued request. The idempotency key is the one recorded at enqueue
// time, or the entry id when none was.
func (c *Client) Replay(ctx context.Context, entry storage.OutboxEntry) error {
	key := entry.IdempotencyKey
	if key == "" {
		key = entry.EntryID
	}
	return c.do(ctx, "replay", entry.Method, entry.Endpoint, entry.Payload, key, nil)
}

func (c *Client) doJSON(ctx context.Context, op, method, path string, in any, idempotencyKey string, out any) error {
	var body []byte
	if in != nil {
		encoded, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = encoded
	}
	return c.do(ctx, op, method, path, body, idempotencyKey, out)
}

func (c *Client) do(ctx context.Context, op, method, path string, body []byte, idempotencyKey string, out any) error {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: create request: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperr.New(apperr.Connectivity, op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.statusError(op, resp)
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.New(apperr.StateDesync, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

func (c *Client) statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	c.logger.Debug().Str("op", op).Int("status", resp.StatusCode).Msg("message-store request failed")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		until := c.retryAfter(resp.Header.Get("Retry-After"))
		return &apperr.Error{Kind: apperr.RateLimited, Op: op, Err: statusErr, Until: until}
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return apperr.New(apperr.ReplayRejected, op, statusErr)
	default:
		return apperr.New(apperr.Connectivity, op, statusErr)
	}
}

// retryAfter parses delta-seconds or an HTTP date. Zero means no hint.
func (c *Client) retryAfter(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return c.now().Add(time.Duration(seconds) * time.Second)
	}
	if at, err := http.ParseTime(value); err == nil {
		return at
	}
	return time.Time{}
}
