// Package tokencount estimates token counts for chat messages with
// tiktoken-go. Counts feed the persisted message rows, the usage events and
// the token metrics; they are estimates for non-OpenAI models.
package tokencount

import (
	"log/slog"
	"strings"
	"sync"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

const fallbackEncoding = "cl100k_base"

// Overhead of the OpenAI chat format: every message is wrapped in
// <|start|>{role}\n{content}<|end|> and every reply is primed with three tokens.
const (
	tokensPerMessage = 3
	tokensReplyPrime = 3
)

// Counter provides thread-safe token counting. When no encoding can be
// loaded it degrades to a four characters per token estimate.
type Counter struct {
	mu       sync.RWMutex
	cache    map[string]*tiktoken.Tiktoken
	unusable bool
	forModel func(model string) (*tiktoken.Tiktoken, error)
	byName   func(name string) (*tiktoken.Tiktoken, error)
}

// NewCounter creates a counter backed by tiktoken.
func NewCounter() *Counter {
	return &Counter{
		cache:    make(map[string]*tiktoken.Tiktoken),
		forModel: tiktoken.EncodingForModel,
		byName:   tiktoken.GetEncoding,
	}
}

// DefaultCounter is a process-wide counter.
var DefaultCounter = NewCounter()

func (c *Counter) encoding(model string) *tiktoken.Tiktoken {
	key := normalizeModelName(model)

	c.mu.RLock()
	enc, ok := c.cache[key]
	unusable := c.unusable
	c.mu.RUnlock()
	if ok {
		return enc
	}
	if unusable {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.cache[key]; ok {
		return enc
	}
	enc, err := c.forModel(key)
	if err != nil {
		enc, err = c.byName(fallbackEncoding)
	}
	if err != nil {
		// Usually the BPE file could not be fetched; stop retrying.
		slog.Warn("token encoding unavailable, estimating", slog.String("model", model), slog.Any("error", err))
		c.unusable = true
		return nil
	}
	c.cache[key] = enc
	return enc
}

// normalizeModelName maps provider model ids onto names tiktoken knows.
// Everything that is not GPT-3.5 is counted with the GPT-4 encoding.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	if i := strings.Index(model, ":"); i >= 0 {
		model = model[:i]
	}
	if strings.Contains(model, "gpt-3.5") {
		return "gpt-3.5-turbo"
	}
	return "gpt-4"
}

// Count returns the token count of text.
func (c *Counter) Count(model, text string) int {
	if text == "" {
		return 0
	}
	enc := c.encoding(model)
	if enc == nil {
		return estimate(text)
	}
	return len(enc.Encode(text, nil, nil))
}

// CountMessages returns the prompt tokens of a chat request including the
// per-message framing and the reply primer.
func (c *Counter) CountMessages(model string, msgs []domain.ChatMessage) int {
	if len(msgs) == 0 {
		return 0
	}
	n := tokensReplyPrime
	for _, m := range msgs {
		n += tokensPerMessage + c.Count(model, string(m.Role)) + c.Count(model, m.Content)
	}
	return n
}

func estimate(text string) int {
	n := len(text) / 4
	if n == 0 {
		n = 1
	}
	return n
}
