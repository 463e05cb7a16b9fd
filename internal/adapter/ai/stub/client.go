// Package stub provides a deterministic chat streamer for local runs and tests.
package stub

import (
	"fmt"
	"strings"
	"time"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// Client echoes the last user message back word by word.
type Client struct {
	delay time.Duration
}

// New returns a stub client that pauses delay between tokens.
func New(delay time.Duration) *Client { return &Client{delay: delay} }

// StreamChat implements domain.ChatStreamer.
func (c *Client) StreamChat(ctx domain.Context, req domain.StreamRequest, onStart func() error, onDelta func(string) error) error {
	if onStart != nil {
		if err := onStart(); err != nil {
			return err
		}
	}
	for i, tok := range Tokens(req) {
		if i > 0 && c.delay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.delay):
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if onDelta != nil {
			if err := onDelta(tok); err != nil {
				return err
			}
		}
	}
	return nil
}

// Tokens returns the deltas StreamChat emits for req.
func Tokens(req domain.StreamRequest) []string {
	var prompt string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == domain.RoleUser {
			prompt = req.Messages[i].Content
			break
		}
	}
	reply := fmt.Sprintf("echo: %s", prompt)
	if req.WebSearch {
		reply += " [web]"
	}
	words := strings.Fields(reply)
	out := make([]string, len(words))
	for i, w := range words {
		if i > 0 {
			w = " " + w
		}
		out[i] = w
	}
	return out
}

var _ domain.ChatStreamer = (*Client)(nil)
