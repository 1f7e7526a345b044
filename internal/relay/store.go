package relay

import (
	"context"
	"errors"
	"time"

	"github.com/1ureka/parley/internal/protocol"
)

// ErrNotFound is returned when a user or conversation does not exist.
var ErrNotFound = errors.New("relay: not found")

// User is a registered chat user.
type User struct {
	ID         protocol.MessageID `json:"id"`
	Username   string             `json:"username,omitempty"`
	IsVerified bool               `json:"is_verified"`
	Settings   map[string]any     `json:"settings"`
}

// Message is a persisted chat message.
type Message struct {
	ID             protocol.MessageID `json:"id"`
	Content        string             `json:"content"`
	Sender         protocol.Sender    `json:"sender"`
	Timestamp      time.Time          `json:"timestamp"`
	ConversationID protocol.MessageID `json:"conversation_id"`
}

// Conversation summarizes a conversation.
type Conversation struct {
	ID           protocol.MessageID `json:"id"`
	CreatedAt    time.Time          `json:"created_at"`
	IsActive     bool               `json:"is_active"`
	IsArchived   bool               `json:"is_archived"`
	MessageCount int                `json:"message_count"`
}

// Store persists users, conversations and messages, and remembers which
// channel tokens have been spent.
type Store interface {
	CreateUser(ctx context.Context, username string, settings map[string]any) (User, error)
	GetUser(ctx context.Context, id string) (User, error)

	// SaveMessage appends a message, creating the conversation on first use.
	SaveMessage(ctx context.Context, conversationID, content string, sender protocol.Sender) (Message, error)
	// ListMessages returns up to limit most recent messages, oldest first.
	// A limit <= 0 returns everything.
	ListMessages(ctx context.Context, conversationID string, limit int) ([]Message, error)
	// ListConversations returns the conversations that are not archived.
	ListConversations(ctx context.Context) ([]Conversation, error)
	ArchiveConversation(ctx context.Context, id string) error

	// ConsumeToken marks a token id as used. It reports false when the id
	// was already consumed within ttl.
	ConsumeToken(ctx context.Context, jti string, ttl time.Duration) (bool, error)

	Close() error
}
