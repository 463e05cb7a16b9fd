package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// ChatRepo persists conversations and messages.
type ChatRepo struct{ Pool PgxPool }

// NewChatRepo constructs a ChatRepo with the given pool.
func NewChatRepo(p PgxPool) *ChatRepo { return &ChatRepo{Pool: p} }

func dbAttrs(op, table string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", op),
		attribute.String("db.sql.table", table),
	}
}

// CreateConversation stores a conversation and returns its id (generated when empty).
func (r *ChatRepo) CreateConversation(ctx domain.Context, c domain.Conversation) (string, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "conversations.Create")
	defer span.End()
	span.SetAttributes(dbAttrs("INSERT", "conversations")...)

	id := c.ID
	if id == "" {
		id = uuid.New().String()
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	q := `INSERT INTO conversations (id, user_id, title, model, created_at, updated_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, c.UserID, c.Title, c.Model, c.CreatedAt, c.UpdatedAt); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("op=conversation.create: %w", err)
	}
	return id, nil
}

// GetConversation loads a conversation by id.
func (r *ChatRepo) GetConversation(ctx domain.Context, id string) (domain.Conversation, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "conversations.Get")
	defer span.End()
	span.SetAttributes(dbAttrs("SELECT", "conversations")...)

	if _, err := uuid.Parse(id); err != nil {
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
	}
	q := `SELECT id, user_id, title, model, created_at, updated_at FROM conversations WHERE id=$1`
	var c domain.Conversation
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		return domain.Conversation{}, fmt.Errorf("op=conversation.get: %w", err)
	}
	return c, nil
}

// ListConversations returns the user's conversations, most recently updated first.
func (r *ChatRepo) ListConversations(ctx domain.Context, userID string, limit int) ([]domain.Conversation, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "conversations.List")
	defer span.End()
	span.SetAttributes(dbAttrs("SELECT", "conversations")...)

	q := `SELECT id, user_id, title, model, created_at, updated_at FROM conversations
	      WHERE user_id=$1 ORDER BY updated_at DESC LIMIT NULLIF($2, 0)`
	rows, err := r.Pool.Query(ctx, q, userID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=conversation.list: %w", err)
	}
	defer rows.Close()

	out := []domain.Conversation{}
	for rows.Next() {
		var c domain.Conversation
		if err := rows.Scan(&c.ID, &c.UserID, &c.Title, &c.Model, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("op=conversation.list_scan: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=conversation.list_rows: %w", err)
	}
	return out, nil
}

// TouchConversation bumps updated_at.
func (r *ChatRepo) TouchConversation(ctx domain.Context, id string, at time.Time) error {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "conversations.Touch")
	defer span.End()
	span.SetAttributes(dbAttrs("UPDATE", "conversations")...)

	tag, err := r.Pool.Exec(ctx, `UPDATE conversations SET updated_at=$2 WHERE id=$1`, id, at.UTC())
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=conversation.touch: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=conversation.touch: %w", domain.ErrNotFound)
	}
	return nil
}

// AppendMessage stores a message and returns its id.
func (r *ChatRepo) AppendMessage(ctx domain.Context, m domain.Message) (string, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "messages.Append")
	defer span.End()
	span.SetAttributes(dbAttrs("INSERT", "messages")...)

	id := m.ID
	if id == "" {
		id = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	q := `INSERT INTO messages (id, conversation_id, role, content, tokens, created_at) VALUES ($1,$2,$3,$4,$5,$6)`
	if _, err := r.Pool.Exec(ctx, q, id, m.ConversationID, string(m.Role), m.Content, m.Tokens, m.CreatedAt); err != nil {
		span.RecordError(err)
		return "", fmt.Errorf("op=message.append: %w", err)
	}
	return id, nil
}

// ListMessages returns the newest limit messages of a conversation in
// chronological order. limit <= 0 returns all of them.
func (r *ChatRepo) ListMessages(ctx domain.Context, conversationID string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.chat")
	ctx, span := tracer.Start(ctx, "messages.List")
	defer span.End()
	span.SetAttributes(dbAttrs("SELECT", "messages")...)

	q := `SELECT id, conversation_id, role, content, tokens, created_at FROM (
	        SELECT id, conversation_id, role, content, tokens, created_at FROM messages
	        WHERE conversation_id=$1 ORDER BY created_at DESC, id DESC LIMIT NULLIF($2, 0)
	      ) recent ORDER BY created_at ASC, id ASC`
	rows, err := r.Pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=message.list: %w", err)
	}
	defer rows.Close()

	out := []domain.Message{}
	for rows.Next() {
		var m domain.Message
		var role string
		if err := rows.Scan(&m.ID, &m.ConversationID, &role, &m.Content, &m.Tokens, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("op=message.list_scan: %w", err)
		}
		m.Role = domain.Role(role)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=message.list_rows: %w", err)
	}
	return out, nil
}

var _ domain.ChatRepository = (*ChatRepo)(nil)
