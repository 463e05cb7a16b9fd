package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/usecase"
)

// ChatAPI is the application surface the handlers drive.
type ChatAPI interface {
	Send(ctx context.Context, userID string, req usecase.ChatRequest, onStart func(usecase.StreamStart) error, onDelta func(string) error) (usecase.ChatResult, error)
	RateLimit(ctx context.Context, userID string) (ratelimiter.Decision, error)
	Conversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error)
	Messages(ctx context.Context, userID, conversationID string, limit int) ([]domain.Message, error)
}

// Server aggregates handlers dependencies.
type Server struct {
	Cfg        config.Config
	Chat       ChatAPI
	Auth       *Authenticator
	DBCheck    func(ctx context.Context) error
	RedisCheck func(ctx context.Context) error
}

// NewServer constructs an HTTP server with all handlers and checks wired.
func NewServer(cfg config.Config, chat ChatAPI, auth *Authenticator, dbCheck, redisCheck func(context.Context) error) *Server {
	return &Server{Cfg: cfg, Chat: chat, Auth: auth, DBCheck: dbCheck, RedisCheck: redisCheck}
}

type chatRequestBody struct {
	ConversationID string `json:"conversation_id" validate:"omitempty,uuid"`
	Message        string `json:"message" validate:"required,max=8000"`
	Model          string `json:"model" validate:"omitempty,max=200"`
	WebSearch      bool   `json:"web_search"`
}

type metadataEvent struct {
	ConversationID string              `json:"conversation_id"`
	Model          string              `json:"model"`
	WebSearch      bool                `json:"web_search"`
	RateLimit      ratelimiter.Summary `json:"rate_limit"`
}

type tokenEvent struct {
	Delta string `json:"delta"`
}

type doneEvent struct {
	ConversationID   string `json:"conversation_id,omitempty"`
	MessageID        string `json:"message_id,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
}

// ChatHandler streams one metered chat turn as server-sent events. Errors
// before the stream starts are answered with a JSON envelope; later errors
// are sent as an error event followed by done.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := requireUser(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		var body chatRequestBody
		if details, err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, err, details)
			return
		}
		sse, ok := newSSEWriter(w)
		if !ok {
			writeError(w, r, errors.New("streaming unsupported"), nil)
			return
		}

		started := false
		res, err := s.Chat.Send(r.Context(), uid, usecase.ChatRequest{
			ConversationID: body.ConversationID,
			Message:        body.Message,
			Model:          body.Model,
			WebSearch:      body.WebSearch,
		}, func(st usecase.StreamStart) error {
			setRateLimitHeaders(w, remainingAfterAdmit(st.Decision))
			sse.start()
			started = true
			return sse.event(eventMetadata, metadataEvent{
				ConversationID: st.ConversationID,
				Model:          st.Model,
				WebSearch:      body.WebSearch,
				RateLimit:      ratelimiter.Summarize(st.Decision),
			})
		}, func(delta string) error {
			return sse.event(eventToken, tokenEvent{Delta: delta})
		})

		if err != nil && !started {
			if d, limited := usecase.IsRateLimited(err); limited {
				writeRateLimited(w, r, d, err)
				return
			}
			if res.Decision != nil {
				setRateLimitHeaders(w, remainingAfterAdmit(res.Decision))
			}
			writeError(w, r, err, nil)
			return
		}
		if err != nil {
			if r.Context().Err() != nil {
				// Client went away; nothing left to deliver.
				return
			}
			obsctx.LoggerFromContext(r.Context()).Warn("chat stream interrupted", slog.Any("error", err))
			_, code := errorStatus(err)
			_ = sse.event(eventError, apiError{Code: code, Message: "stream interrupted"})
		}
		_ = sse.event(eventDone, doneEvent{
			ConversationID:   res.ConversationID,
			MessageID:        res.MessageID,
			PromptTokens:     res.PromptTokens,
			CompletionTokens: res.CompletionTokens,
		})
	}
}

// RateLimitHandler reports the caller's remaining daily quota without
// consuming it.
func (s *Server) RateLimitHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := requireUser(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		d, err := s.Chat.RateLimit(r.Context(), uid)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		sum := ratelimiter.Summarize(d)
		setRateLimitHeaders(w, sum)
		writeJSON(w, http.StatusOK, sum)
	}
}

type conversationJSON struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type messageJSON struct {
	ID        string      `json:"id"`
	Role      domain.Role `json:"role"`
	Content   string      `json:"content"`
	Tokens    int         `json:"tokens"`
	CreatedAt time.Time   `json:"created_at"`
}

// ConversationsHandler lists the caller's conversations.
func (s *Server) ConversationsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := requireUser(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		limit, err := parseLimit(r)
		if err != nil {
			writeError(w, r, err, map[string]string{"limit": r.URL.Query().Get("limit")})
			return
		}
		cs, err := s.Chat.Conversations(r.Context(), uid, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]conversationJSON, 0, len(cs))
		for _, c := range cs {
			out = append(out, conversationJSON{ID: c.ID, Title: c.Title, Model: c.Model, CreatedAt: c.CreatedAt, UpdatedAt: c.UpdatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
	}
}

// MessagesHandler returns the messages of one of the caller's conversations.
func (s *Server) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, err := requireUser(r)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		id := chi.URLParam(r, "id")
		if err := validateID("id", id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		var limit int
		if r.URL.Query().Get("limit") != "" {
			if limit, err = parseLimit(r); err != nil {
				writeError(w, r, err, nil)
				return
			}
		}
		ms, err := s.Chat.Messages(r.Context(), uid, id, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		out := make([]messageJSON, 0, len(ms))
		for _, m := range ms {
			out = append(out, messageJSON{ID: m.ID, Role: m.Role, Content: m.Content, Tokens: m.Tokens, CreatedAt: m.CreatedAt})
		}
		writeJSON(w, http.StatusOK, map[string]any{"conversation_id": id, "messages": out})
	}
}

// ReadyzHandler probes the database and Redis.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		probes := []struct {
			name string
			fn   func(context.Context) error
		}{{"db", s.DBCheck}, {"redis", s.RedisCheck}}

		checks := make([]check, 0, len(probes))
		st := http.StatusOK
		for _, p := range probes {
			if p.fn == nil {
				continue
			}
			c := check{Name: p.name, OK: true}
			if err := p.fn(ctx); err != nil {
				c.OK = false
				c.Details = err.Error()
				st = http.StatusServiceUnavailable
			}
			checks = append(checks, c)
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}

// remainingAfterAdmit converts the pre-admission decision into the quota left
// once the admitted request is counted.
func remainingAfterAdmit(d ratelimiter.Decision) ratelimiter.Summary {
	sum := ratelimiter.Summarize(d)
	if sum.Limit >= 0 && sum.Remaining > 0 {
		sum.Remaining--
	}
	return sum
}

func setRateLimitHeaders(w http.ResponseWriter, sum ratelimiter.Summary) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(sum.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(sum.Remaining))
	if sum.ResetAt != nil {
		h.Set("X-RateLimit-Reset", strconv.FormatInt(sum.ResetAt.Unix(), 10))
	}
}

func writeRateLimited(w http.ResponseWriter, r *http.Request, d ratelimiter.Decision, err error) {
	sum := ratelimiter.Summarize(d)
	setRateLimitHeaders(w, sum)
	if sum.ResetAt != nil {
		secs := int(time.Until(*sum.ResetAt).Seconds())
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeError(w, r, err, sum)
}
