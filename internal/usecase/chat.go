// Package usecase contains application business logic services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/pkg/textx"
)

// MaxMessageChars bounds a single user message after sanitising.
const MaxMessageChars = 8000

const (
	defaultHistory = 20
	titleRunes     = 60

	// DefaultPublishTimeout bounds the usage event publish after a turn.
	DefaultPublishTimeout = 5 * time.Second
)

// RateLimiter is the part of the gate the chat flow depends on.
type RateLimiter interface {
	Admit(ctx context.Context, userID string) (ratelimiter.Decision, error)
	CheckRateLimit(ctx context.Context, userID string) (ratelimiter.Decision, error)
}

// TokenCounter estimates prompt and completion sizes.
type TokenCounter interface {
	Count(model, text string) int
	CountMessages(model string, msgs []domain.ChatMessage) int
}

// RateLimitError is returned by Send when the gate denies the request.
type RateLimitError struct {
	Decision ratelimiter.Decision
}

func (e *RateLimitError) Error() string {
	if l, ok := e.Decision.(ratelimiter.Limited); ok {
		return fmt.Sprintf("%v: %d of %d requests used today", domain.ErrRateLimited, l.Used, l.Limit)
	}
	return domain.ErrRateLimited.Error()
}

// Unwrap lets errors.Is match domain.ErrRateLimited.
func (e *RateLimitError) Unwrap() error { return domain.ErrRateLimited }

// ChatRequest is one user turn.
type ChatRequest struct {
	ConversationID string
	Message        string
	Model          string
	WebSearch      bool
}

// StreamStart is handed to the caller once the provider accepted the request.
type StreamStart struct {
	ConversationID string
	Model          string
	Decision       ratelimiter.Decision
}

// ChatResult summarises a completed exchange.
type ChatResult struct {
	ConversationID   string
	MessageID        string
	Model            string
	Content          string
	PromptTokens     int
	CompletionTokens int
	Decision         ratelimiter.Decision
}

// ChatService orchestrates the gate, history, model streaming and persistence.
type ChatService struct {
	Gate         RateLimiter
	Chats        domain.ChatRepository
	LLM          domain.ChatStreamer
	Tokens       TokenCounter
	Events       domain.UsagePublisher
	DefaultModel string
	SystemPrompt string
	MaxTokens    int
	HistoryLimit int
	// PublishTimeout caps PublishUsage; zero means DefaultPublishTimeout.
	PublishTimeout time.Duration
	Now            func() time.Time
}

func (s ChatService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Send runs one metered chat turn. onStart receives the stream metadata
// before the first delta; onDelta receives each content fragment. A denied
// request returns a *RateLimitError and consumes nothing.
func (s ChatService) Send(ctx context.Context, userID string, req ChatRequest, onStart func(StreamStart) error, onDelta func(string) error) (ChatResult, error) {
	tracer := otel.Tracer("usecase.chat")
	ctx, span := tracer.Start(ctx, "ChatService.Send")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	msg := textx.SanitizeText(req.Message)
	if msg == "" {
		return ChatResult{}, fmt.Errorf("%w: message is required", domain.ErrInvalidArgument)
	}
	if textx.RuneCount(msg) > MaxMessageChars {
		return ChatResult{}, fmt.Errorf("%w: message exceeds %d characters", domain.ErrInvalidArgument, MaxMessageChars)
	}
	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = s.DefaultModel
	}
	span.SetAttributes(attribute.String("chat.model", model), attribute.Bool("chat.web_search", req.WebSearch))

	// An existing conversation must belong to the caller; checking before the
	// gate keeps a bad id from using up the day's quota.
	var conv domain.Conversation
	if req.ConversationID != "" {
		c, err := s.ownedConversation(ctx, userID, req.ConversationID)
		if err != nil {
			return ChatResult{}, err
		}
		conv = c
	}

	decision, err := s.Gate.Admit(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return ChatResult{}, fmt.Errorf("op=chat.admit: %w", err)
	}
	if !decision.Allowed() {
		return ChatResult{Decision: decision}, &RateLimitError{Decision: decision}
	}

	if conv.ID == "" {
		now := s.now()
		conv = domain.Conversation{UserID: userID, Title: textx.Title(msg, titleRunes), Model: model, CreatedAt: now, UpdatedAt: now}
		id, err := s.Chats.CreateConversation(ctx, conv)
		if err != nil {
			return ChatResult{Decision: decision}, fmt.Errorf("op=chat.create_conversation: %w", err)
		}
		conv.ID = id
	}

	prompt, err := s.buildPrompt(ctx, conv.ID, msg)
	if err != nil {
		return ChatResult{Decision: decision}, err
	}
	promptTokens := s.Tokens.CountMessages(model, prompt)

	if _, err := s.Chats.AppendMessage(ctx, domain.Message{
		ConversationID: conv.ID, Role: domain.RoleUser, Content: msg,
		Tokens: s.Tokens.Count(model, msg), CreatedAt: s.now(),
	}); err != nil {
		return ChatResult{Decision: decision}, fmt.Errorf("op=chat.save_user_message: %w", err)
	}

	var answer strings.Builder
	start := func() error {
		if onStart == nil {
			return nil
		}
		return onStart(StreamStart{ConversationID: conv.ID, Model: model, Decision: decision})
	}
	delta := func(d string) error {
		answer.WriteString(d)
		if onDelta == nil {
			return nil
		}
		return onDelta(d)
	}
	streamErr := s.LLM.StreamChat(ctx, domain.StreamRequest{
		Model: model, Messages: prompt, WebSearch: req.WebSearch, MaxTokens: s.MaxTokens,
	}, start, delta)

	res := ChatResult{ConversationID: conv.ID, Model: model, Content: answer.String(), PromptTokens: promptTokens, Decision: decision}
	if res.Content != "" {
		res.CompletionTokens = s.Tokens.Count(model, res.Content)
		// Partial answers are kept; a cancelled request still saves what arrived.
		saveCtx := context.WithoutCancel(ctx)
		id, err := s.Chats.AppendMessage(saveCtx, domain.Message{
			ConversationID: conv.ID, Role: domain.RoleAssistant, Content: res.Content,
			Tokens: res.CompletionTokens, CreatedAt: s.now(),
		})
		if err != nil {
			lg.Error("save assistant message failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
			if streamErr == nil {
				return res, fmt.Errorf("op=chat.save_assistant_message: %w", err)
			}
		}
		res.MessageID = id
	}
	if err := s.Chats.TouchConversation(context.WithoutCancel(ctx), conv.ID, s.now()); err != nil {
		lg.Warn("touch conversation failed", slog.String("conversation_id", conv.ID), slog.Any("error", err))
	}
	observability.RecordAITokens(model, "prompt", res.PromptTokens)
	observability.RecordAITokens(model, "completion", res.CompletionTokens)

	if streamErr != nil {
		span.RecordError(streamErr)
		return res, fmt.Errorf("op=chat.stream: %w", streamErr)
	}
	s.publish(ctx, userID, req.WebSearch, res)
	return res, nil
}

func (s ChatService) ownedConversation(ctx context.Context, userID, id string) (domain.Conversation, error) {
	c, err := s.Chats.GetConversation(ctx, id)
	if err != nil {
		return domain.Conversation{}, fmt.Errorf("op=chat.get_conversation: %w", err)
	}
	if c.UserID != userID {
		return domain.Conversation{}, fmt.Errorf("op=chat.get_conversation: %w: conversation %s", domain.ErrNotFound, id)
	}
	return c, nil
}

func (s ChatService) buildPrompt(ctx context.Context, convID, msg string) ([]domain.ChatMessage, error) {
	limit := s.HistoryLimit
	if limit <= 0 {
		limit = defaultHistory
	}
	history, err := s.Chats.ListMessages(ctx, convID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.load_history: %w", err)
	}
	prompt := make([]domain.ChatMessage, 0, len(history)+2)
	if s.SystemPrompt != "" {
		prompt = append(prompt, domain.ChatMessage{Role: domain.RoleSystem, Content: s.SystemPrompt})
	}
	for _, m := range history {
		if m.Role == domain.RoleSystem {
			continue
		}
		prompt = append(prompt, domain.ChatMessage{Role: m.Role, Content: m.Content})
	}
	return append(prompt, domain.ChatMessage{Role: domain.RoleUser, Content: msg}), nil
}

func (s ChatService) publish(ctx context.Context, userID string, web bool, res ChatResult) {
	if s.Events == nil {
		return
	}
	ev := domain.UsageEvent{
		UserID: userID, ConversationID: res.ConversationID, Model: res.Model,
		PromptTokens: res.PromptTokens, CompletionTokens: res.CompletionTokens,
		WebSearch: web, OccurredAt: s.now(),
	}
	timeout := s.PublishTimeout
	if timeout <= 0 {
		timeout = DefaultPublishTimeout
	}
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()
	if err := s.Events.PublishUsage(pubCtx, ev); err != nil {
		obsctx.LoggerFromContext(ctx).Warn("usage event dropped", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// RateLimit reports the caller's current decision without recording usage.
func (s ChatService) RateLimit(ctx context.Context, userID string) (ratelimiter.Decision, error) {
	d, err := s.Gate.CheckRateLimit(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("op=chat.rate_limit: %w", err)
	}
	return d, nil
}

// Conversations lists the caller's conversations, most recently updated first.
func (s ChatService) Conversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	cs, err := s.Chats.ListConversations(ctx, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.list_conversations: %w", err)
	}
	return cs, nil
}

// Messages returns the messages of a conversation owned by userID, oldest first.
func (s ChatService) Messages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error) {
	if _, err := s.ownedConversation(ctx, userID, conversationID); err != nil {
		return nil, err
	}
	ms, err := s.Chats.ListMessages(ctx, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=chat.list_messages: %w", err)
	}
	return ms, nil
}

// IsRateLimited extracts the decision from a rate limit error.
func IsRateLimited(err error) (ratelimiter.Decision, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.Decision, true
	}
	return nil, false
}
