// Package real implements the streaming chat client for OpenAI-compatible
// providers such as OpenRouter.
package real

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
)

const (
	provider = "openrouter"
	// Provider chunks can carry long tool results; lift bufio's 64KiB default.
	maxSSELine = 1 << 20
)

// Client streams chat completions. It implements domain.ChatStreamer.
type Client struct {
	cfg        config.Config
	hc         *http.Client
	limiter    *rate.Limiter
	breaker    *observability.CircuitBreaker
	newBackoff func() backoff.BackOff
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the instrumented default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.hc = hc
		}
	}
}

// WithBackoff overrides the retry policy used while opening a stream.
func WithBackoff(fn func() backoff.BackOff) Option {
	return func(c *Client) {
		if fn != nil {
			c.newBackoff = fn
		}
	}
}

// New constructs a streaming client. Outbound requests are throttled to one
// per LLMMinInterval with a burst of LLMBurst and traced through otelhttp.
func New(cfg config.Config, opts ...Option) *Client {
	base := http.DefaultTransport.(*http.Transport).Clone()
	base.ResponseHeaderTimeout = 60 * time.Second

	limit := rate.Inf
	if cfg.LLMMinInterval > 0 {
		limit = rate.Every(cfg.LLMMinInterval)
	}
	burst := cfg.LLMBurst
	if burst <= 0 {
		burst = 1
	}

	c := &Client{
		cfg: cfg,
		// No client timeout: a completion streams for as long as ctx allows.
		hc:      &http.Client{Transport: otelhttp.NewTransport(base)},
		limiter: rate.NewLimiter(limit, burst),
		breaker: observability.NewCircuitBreaker("llm_"+provider, cfg.LLMBreakerFailures, cfg.LLMBreakerCooldown).
			WithFailurePredicate(countsAgainstBreaker),
	}
	c.newBackoff = c.defaultBackoff
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) defaultBackoff() backoff.BackOff {
	bc := c.cfg.GetAIBackoffConfig()
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = bc.MaxElapsedTime
	expo.InitialInterval = bc.InitialInterval
	expo.MaxInterval = bc.MaxInterval
	expo.Multiplier = bc.Multiplier
	return expo
}

// Only provider-side failures trip the breaker; rejected prompts and caller
// cancellations do not.
func countsAgainstBreaker(err error) bool {
	return errors.Is(err, domain.ErrUpstreamUnavailable) ||
		errors.Is(err, domain.ErrUpstreamRateLimit) ||
		errors.Is(err, domain.ErrUpstreamTimeout)
}

type plugin struct {
	ID string `json:"id"`
}

type chatRequest struct {
	Model     string               `json:"model"`
	Messages  []domain.ChatMessage `json:"messages"`
	Stream    bool                 `json:"stream"`
	MaxTokens int                  `json:"max_tokens,omitempty"`
	Plugins   []plugin             `json:"plugins,omitempty"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// StreamChat opens a streamed completion and forwards content deltas.
// onStart runs once the provider accepted the request; errors returned by
// onStart or onDelta abort the stream and are returned unchanged.
func (c *Client) StreamChat(ctx domain.Context, req domain.StreamRequest, onStart func() error, onDelta func(string) error) error {
	lg := obsctx.LoggerFromContext(ctx)
	if c.cfg.LLMAPIKey == "" {
		lg.Error("OpenRouter API key missing", slog.String("provider", provider))
		return fmt.Errorf("%w: OPENROUTER_API_KEY missing", domain.ErrProviderUnconfigured)
	}
	model := req.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	body := chatRequest{Model: model, Messages: req.Messages, Stream: true, MaxTokens: req.MaxTokens}
	if req.WebSearch {
		body.Plugins = []plugin{{ID: "web"}}
	}
	b, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("op=llm.marshal: %w", err)
	}

	start := time.Now()
	defer func() { observability.ObserveAIRequest(provider, "stream", time.Since(start)) }()

	var resp *http.Response
	err = c.breaker.Call(func() error {
		var openErr error
		resp, openErr = c.open(ctx, b, model)
		return openErr
	})
	if err != nil {
		if errors.Is(err, observability.ErrCircuitOpen) {
			err = fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		lg.Error("llm stream open failed", slog.String("provider", provider), slog.String("model", model), slog.Any("error", err))
		return fmt.Errorf("op=llm.stream: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if onStart != nil {
		if err := onStart(); err != nil {
			return err
		}
	}
	if err := c.consume(ctx, resp.Body, onDelta); err != nil {
		return err
	}
	lg.Debug("llm stream finished", slog.String("provider", provider), slog.String("model", model), slog.Duration("elapsed", time.Since(start)))
	return nil
}

// open posts the request, retrying with backoff until the provider answers
// 2xx. 429 and 5xx are retried; other statuses are permanent.
func (c *Client) open(ctx domain.Context, body []byte, model string) (*http.Response, error) {
	lg := obsctx.LoggerFromContext(ctx)
	url := strings.TrimRight(c.cfg.LLMBaseURL, "/") + "/chat/completions"

	var resp *http.Response
	op := func() error {
		if err := c.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+c.cfg.LLMAPIKey)
		r.Header.Set("Content-Type", "application/json")
		r.Header.Set("Accept", "text/event-stream")
		if c.cfg.LLMReferer != "" {
			r.Header.Set("HTTP-Referer", c.cfg.LLMReferer)
		}
		if c.cfg.LLMTitle != "" {
			r.Header.Set("X-Title", c.cfg.LLMTitle)
		}

		res, err := c.hc.Do(r)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
			}
			return fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
		}
		if res.StatusCode >= 200 && res.StatusCode < 300 {
			resp = res
			return nil
		}

		snippet := readSnippet(res.Body, 512)
		_ = res.Body.Close()
		attrs := []any{
			slog.String("provider", provider),
			slog.String("model", model),
			slog.Int("status", res.StatusCode),
			slog.String("x_request_id", res.Header.Get("X-Request-Id")),
			slog.String("body", snippet),
		}
		switch {
		case res.StatusCode == http.StatusTooManyRequests:
			lg.Warn("ai provider rate limited", attrs...)
			return fmt.Errorf("%w: status %d", domain.ErrUpstreamRateLimit, res.StatusCode)
		case res.StatusCode >= 500:
			lg.Error("ai provider 5xx", attrs...)
			return fmt.Errorf("%w: status %d", domain.ErrUpstreamUnavailable, res.StatusCode)
		case res.StatusCode == http.StatusBadRequest || res.StatusCode == http.StatusNotFound || res.StatusCode == http.StatusUnprocessableEntity:
			lg.Warn("ai provider rejected request", attrs...)
			return backoff.Permanent(fmt.Errorf("%w: provider status %d: %s", domain.ErrInvalidArgument, res.StatusCode, snippet))
		default:
			lg.Error("ai provider 4xx", attrs...)
			return backoff.Permanent(fmt.Errorf("%w: status %d", domain.ErrUpstreamUnavailable, res.StatusCode))
		}
	}

	bo := backoff.WithContext(c.newBackoff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return nil, err
	}
	return resp, nil
}

// consume reads `data:` lines until [DONE] or EOF.
func (c *Client) consume(ctx domain.Context, body io.Reader, onDelta func(string) error) error {
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
	for sc.Scan() {
		line := sc.Text()
		// Blank lines separate events; ':' lines are keep-alive comments.
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			obsctx.LoggerFromContext(ctx).Warn("skipping malformed stream chunk", slog.String("provider", provider), slog.Any("error", err))
			continue
		}
		if chunk.Error != nil {
			return fmt.Errorf("op=llm.stream: %w: %s", domain.ErrUpstreamUnavailable, chunk.Error.Message)
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content == "" || onDelta == nil {
				continue
			}
			if err := onDelta(ch.Delta.Content); err != nil {
				return err
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("op=llm.stream_read: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// readSnippet reads up to n bytes from r.
func readSnippet(r io.Reader, n int64) string {
	if r == nil || n <= 0 {
		return ""
	}
	b, _ := io.ReadAll(io.LimitReader(r, n))
	return string(b)
}

var _ domain.ChatStreamer = (*Client)(nil)
