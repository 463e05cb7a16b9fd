// Package domain holds the core entities, error taxonomy and ports of the
// chat gateway. Adapters implement the ports; usecases depend on them.
package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrRateLimited          = errors.New("rate limited")
	ErrUpstreamTimeout      = errors.New("upstream timeout")
	ErrUpstreamRateLimit    = errors.New("upstream rate limit")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
	ErrProviderUnconfigured = errors.New("provider unconfigured")
	ErrInternal             = errors.New("internal error")
)

// Context is an alias so ports read naturally without importing context everywhere.
type Context = context.Context

// User is owned by the identity store. IsAdmin users bypass rate limiting.
type User struct {
	ID        string
	Email     string
	IsAdmin   bool
	CreatedAt time.Time
}

// UsageRecord is one metered action. Append-only.
type UsageRecord struct {
	ID        string
	UserID    string
	CreatedAt time.Time
}

// Role enumerates chat message roles.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Conversation groups the messages of one chat thread owned by a user.
type Conversation struct {
	ID        string
	UserID    string
	Title     string
	Model     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Message is a persisted chat message.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Tokens         int
	CreatedAt      time.Time
}

// UsageEvent is published after a chat exchange completes.
type UsageEvent struct {
	UserID           string    `json:"user_id"`
	ConversationID   string    `json:"conversation_id"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	WebSearch        bool      `json:"web_search"`
	OccurredAt       time.Time `json:"occurred_at"`
}

// Ports

// IdentityStore resolves users. GetUser returns ErrNotFound for unknown ids.
type IdentityStore interface {
	GetUser(ctx Context, id string) (User, error)
}

// UsageLedger is the append-only log of metered actions.
type UsageLedger interface {
	// CountSince returns the number of records for userID with createdAt >= since.
	CountSince(ctx Context, userID string, since time.Time) (int, error)
	// Append stores one record created at the given instant.
	Append(ctx Context, userID string, at time.Time) error
}

// AtomicUsageLedger is implemented by ledgers able to count and conditionally
// append as a single atomic step. count is the number of records since `since`
// observed before the append.
type AtomicUsageLedger interface {
	UsageLedger
	AppendIfBelow(ctx Context, userID string, since, at time.Time, limit int) (count int, appended bool, err error)
}

// ChatRepository persists conversations and their messages.
type ChatRepository interface {
	CreateConversation(ctx Context, c Conversation) (string, error)
	GetConversation(ctx Context, id string) (Conversation, error)
	ListConversations(ctx Context, userID string, limit int) ([]Conversation, error)
	TouchConversation(ctx Context, id string, at time.Time) error
	AppendMessage(ctx Context, m Message) (string, error)
	ListMessages(ctx Context, conversationID string, limit int) ([]Message, error)
}

// ChatMessage is a single prompt entry sent to the language model.
type ChatMessage struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamRequest describes one streamed completion.
type StreamRequest struct {
	Model     string
	Messages  []ChatMessage
	WebSearch bool
	MaxTokens int
}

// ChatStreamer streams a completion from a language model provider. onStart is
// invoked once the provider accepted the request, before the first delta.
type ChatStreamer interface {
	StreamChat(ctx Context, req StreamRequest, onStart func() error, onDelta func(string) error) error
}

// UsagePublisher emits usage events to downstream consumers.
type UsagePublisher interface {
	PublishUsage(ctx Context, ev UsageEvent) error
}
