// Package convsync keeps a chat conversation in sync between a local message
// cache, the conversation server and a realtime event stream.
//
// Example:
//
//	store, _ := convsync.OpenPebbleStore("/var/lib/app/messages")
//	client := convsync.NewClient(token, convsync.WithBaseURL("https://api.example.com"))
//	hub := convsync.NewHub()
//	engine := convsync.NewEngine(store, client, hub, currentUserID)
//	defer engine.Close()
//
//	view, _ := engine.OpenConversation(ctx, "conv-123", func(v convsync.View) {
//		render(v.Messages, v.State)
//	})
//	engine.SendMessage(ctx, "conv-123", "Hello!", nil)
package convsync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	DefaultBaseURL         = "https://prismer.cloud"
	DefaultTimeout         = 30 * time.Second
	DefaultSnapshotTimeout = 15 * time.Second
)

// ============================================================================
// Remote client contract
// ============================================================================

// RemoteClient is the conversation server as seen by the Engine.
type RemoteClient interface {
	FetchSnapshot(ctx context.Context, conversationID string) (*Snapshot, error)
	Send(ctx context.Context, conversationID, content string, ref *SharedRef) (*Message, error)
	Accept(ctx context.Context, conversationID string) error
	Reject(ctx context.Context, conversationID string) error
	MarkRead(ctx context.Context, conversationID string) error
}

// TokenProvider supplies the credential attached to every request. The token
// is opaque to this package.
type TokenProvider interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenProvider that always returns the same token.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) { return string(t), nil }

// TokenFunc adapts a function to TokenProvider.
type TokenFunc func(ctx context.Context) (string, error)

func (f TokenFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// ============================================================================
// Client
// ============================================================================

// Client talks to the conversation HTTP API.
type Client struct {
	baseURL         string
	agent           string
	tokens          TokenProvider
	httpClient      *http.Client
	snapshotTimeout time.Duration
}

type ClientOption func(*Client)

func WithBaseURL(u string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithSnapshotTimeout bounds FetchSnapshot. Expiry is reported as ErrTimeout.
func WithSnapshotTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.snapshotTimeout = timeout }
}

// WithTokenProvider replaces the static token given to NewClient.
func WithTokenProvider(p TokenProvider) ClientOption {
	return func(c *Client) { c.tokens = p }
}

func WithAgent(agent string) ClientOption {
	return func(c *Client) { c.agent = agent }
}

// NewClient creates a conversation API client authenticated with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:         DefaultBaseURL,
		tokens:          StaticToken(token),
		snapshotTimeout: DefaultSnapshotTimeout,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the API root the client was configured with.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string, body interface{}) (*Result, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request")
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create request")
	}

	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, wrapSentinel(ErrAuth, err, "token provider")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if c.agent != "" {
		req.Header.Set("X-Agent", c.agent)
	}
	reqID := uuid.NewString()
	req.Header.Set("X-Request-ID", reqID)
	jww.TRACE.Printf("[convsync client] %s %s (%s)", method, path, reqID)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransportError(err, method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(err, method, path)
	}

	var result Result
	decodeErr := json.Unmarshal(data, &result)

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, wrapSentinel(ErrAuth, envelopeError(&result, decodeErr, resp.StatusCode),
			"%s %s", method, path)
	case resp.StatusCode >= 500:
		return nil, wrapSentinel(ErrNetwork, envelopeError(&result, decodeErr, resp.StatusCode),
			"%s %s", method, path)
	case decodeErr != nil:
		return nil, wrapSentinel(ErrNetwork, decodeErr, "decode %s %s (HTTP %d)", method, path, resp.StatusCode)
	case !result.OK:
		return nil, envelopeError(&result, nil, resp.StatusCode)
	}
	return &result, nil
}

func envelopeError(result *Result, decodeErr error, status int) error {
	if decodeErr == nil && result.Error != nil {
		return result.Error
	}
	return &APIError{Code: "HTTP_" + strconv.Itoa(status), Message: "request failed: " + http.StatusText(status)}
}

func classifyTransportError(err error, method, path string) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return wrapSentinel(ErrTimeout, err, "%s %s", method, path)
	}
	return wrapSentinel(ErrNetwork, err, "%s %s", method, path)
}

func conversationPath(conversationID, suffix string) string {
	return "/api/im/conversations/" + url.PathEscape(conversationID) + suffix
}

// ============================================================================
// Conversation API
// ============================================================================

// FetchSnapshot returns the authoritative messages and request status of a
// conversation. It gives up after the snapshot timeout with ErrTimeout.
func (c *Client) FetchSnapshot(ctx context.Context, conversationID string) (*Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.snapshotTimeout)
	defer cancel()

	result, err := c.doRequest(ctx, http.MethodGet, conversationPath(conversationID, "/snapshot"), nil)
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := result.Decode(&snap); err != nil {
		return nil, wrapSentinel(ErrNetwork, err, "decode snapshot of %s", conversationID)
	}
	for i := range snap.Messages {
		if snap.Messages[i].ConversationID == "" {
			snap.Messages[i].ConversationID = conversationID
		}
	}
	return &snap, nil
}

type sendRequest struct {
	Content   string     `json:"content"`
	SharedRef *SharedRef `json:"sharedRef,omitempty"`
}

type sendResponse struct {
	ConversationID string  `json:"conversationId"`
	Message        Message `json:"message"`
}

// Send posts a message. It is attempted once; on failure the caller decides
// whether to resubmit.
func (c *Client) Send(ctx context.Context, conversationID, content string, ref *SharedRef) (*Message, error) {
	if ref != nil {
		if err := ref.Validate(); err != nil {
			return nil, err
		}
	}
	result, err := c.doRequest(ctx, http.MethodPost, "/api/im/messages/"+url.PathEscape(conversationID),
		&sendRequest{Content: content, SharedRef: ref})
	if err != nil {
		return nil, err
	}
	var out sendResponse
	if err := result.Decode(&out); err != nil {
		return nil, wrapSentinel(ErrNetwork, err, "decode sent message in %s", conversationID)
	}
	if out.Message.ID == "" {
		return nil, &APIError{Code: "INVALID_RESPONSE", Message: "server returned a message without id"}
	}
	if out.Message.ConversationID == "" {
		out.Message.ConversationID = conversationID
	}
	return &out.Message, nil
}

// Accept accepts a pending message request.
func (c *Client) Accept(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "/accept"), nil)
	return err
}

// Reject rejects a pending message request.
func (c *Client) Reject(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "/reject"), nil)
	return err
}

// MarkRead sends a read receipt.
func (c *Client) MarkRead(ctx context.Context, conversationID string) error {
	_, err := c.doRequest(ctx, http.MethodPost, conversationPath(conversationID, "/read"), nil)
	return err
}
