// Package api is the client of the collaborator REST service that owns users,
// channel tokens and message persistence.
package api

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

	"github.com/1ureka/parley/internal/protocol"
)

const defaultTimeout = 10 * time.Second

// StatusError is returned for non-2xx responses.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api: %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("api: %d %s", e.Code, e.Message)
}

// IsNotFound reports whether err is a 404 StatusError.
func IsNotFound(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Code == http.StatusNotFound
}

// User is a chat user record.
type User struct {
	ID         protocol.MessageID `json:"id"`
	Username   string             `json:"username,omitempty"`
	IsVerified bool               `json:"is_verified"`
	Settings   map[string]any     `json:"settings"`
}

// ChannelToken is a single-use websocket credential.
type ChannelToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Message is a persisted chat message.
type Message struct {
	ID             protocol.MessageID  `json:"id"`
	Content        string              `json:"content"`
	Sender         protocol.Sender     `json:"sender"`
	Timestamp      time.Time           `json:"timestamp"`
	ConversationID protocol.MessageID  `json:"conversation_id"`
	ThreadID       *protocol.MessageID `json:"thread_id,omitempty"`
}

// ChatMessage converts m to its timeline form.
func (m Message) ChatMessage() protocol.ChatMessage {
	return protocol.ChatMessage{ID: m.ID, Content: m.Content, Sender: m.Sender, Timestamp: m.Timestamp}
}

// Conversation summarizes a conversation.
type Conversation struct {
	ID           protocol.MessageID `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	IsActive     bool               `json:"is_active"`
	IsArchived   bool               `json:"is_archived"`
	MessageCount int                `json:"message_count"`
}

// Client talks to the REST API rooted at BaseURL (e.g. http://host/api).
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// NewClient returns a Client. apiKey is sent as a bearer token when set.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ---------------------------------------------------------------------------
// Endpoints
// ---------------------------------------------------------------------------

// Health checks the service.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// CreateUser registers a user and returns its record.
func (c *Client) CreateUser(ctx context.Context, username string) (User, error) {
	body := map[string]any{
		"username": username,
		"settings": map[string]any{"username": username},
	}
	var u User
	if err := c.do(ctx, http.MethodPost, "/chat/users/", body, &u); err != nil {
		return User{}, err
	}
	if u.ID == "" {
		return User{}, errors.New("api: user without id")
	}
	return u, nil
}

// GetUser fetches a user record.
func (c *Client) GetUser(ctx context.Context, userID string) (User, error) {
	var u User
	if err := c.do(ctx, http.MethodGet, "/chat/users/"+url.PathEscape(userID)+"/", nil, &u); err != nil {
		return User{}, err
	}
	return u, nil
}

// IssueChannelToken returns a fresh single-use channel token for userID.
func (c *Client) IssueChannelToken(ctx context.Context, userID string) (string, error) {
	var tok ChannelToken
	path := "/chat/websocket-token/?user_id=" + url.QueryEscape(userID)
	if err := c.do(ctx, http.MethodPost, path, nil, &tok); err != nil {
		return "", err
	}
	if tok.Token == "" {
		return "", errors.New("api: empty channel token")
	}
	return tok.Token, nil
}

// PostMessage persists a chat message.
func (c *Client) PostMessage(ctx context.Context, conversationID, content string, sender protocol.Sender) error {
	body := map[string]any{
		"content":         content,
		"conversation_id": conversationID,
		"sender":          sender,
	}
	return c.do(ctx, http.MethodPost, "/chat/messages/", body, nil)
}

// ListMessages returns up to limit most recent messages of a conversation,
// oldest first.
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error) {
	path := "/chat/conversations/" + url.PathEscape(conversationID) + "/messages/"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, path, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// ListConversations returns the active conversations.
func (c *Client) ListConversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/chat/conversations/", nil, &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

// ArchiveConversation archives a conversation.
func (c *Client) ArchiveConversation(ctx context.Context, conversationID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/conversations/"+url.PathEscape(conversationID)+"/", nil, nil)
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("api: encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("api: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("api: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("api: decode %s response: %w", path, err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	se := &StatusError{Code: resp.StatusCode}

	var payload struct {
		Error  string `json:"error"`
		Detail string `json:"detail"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if json.Unmarshal(data, &payload) == nil {
		se.Message = payload.Error
		if se.Message == "" {
			se.Message = payload.Detail
		}
	}
	return se
}
