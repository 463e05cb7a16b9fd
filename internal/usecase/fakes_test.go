package usecase_test

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

type users map[string]domain.User

func (u users) GetUser(_ context.Context, id string) (domain.User, error) {
	if v, ok := u[id]; ok {
		return v, nil
	}
	return domain.User{}, domain.ErrNotFound
}

type ledger struct {
	mu      sync.Mutex
	records map[string][]time.Time
}

func newLedger() *ledger { return &ledger{records: map[string][]time.Time{}} }

func (l *ledger) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, t := range l.records[userID] {
		if !t.Before(since) {
			n++
		}
	}
	return n, nil
}

func (l *ledger) Append(_ context.Context, userID string, at time.Time) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records[userID] = append(l.records[userID], at)
	return nil
}

func (l *ledger) count(userID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records[userID])
}

type memChats struct {
	mu        sync.Mutex
	seq       int
	convs     map[string]domain.Conversation
	messages  map[string][]domain.Message
	appendErr error
	touched   []string
}

func newMemChats() *memChats {
	return &memChats{convs: map[string]domain.Conversation{}, messages: map[string][]domain.Message{}}
}

func (m *memChats) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

func (m *memChats) CreateConversation(_ context.Context, c domain.Conversation) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.ID = m.nextID("conv")
	m.convs[c.ID] = c
	return c.ID, nil
}

func (m *memChats) GetConversation(_ context.Context, id string) (domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.Conversation{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *memChats) ListConversations(_ context.Context, userID string, limit int) ([]domain.Conversation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Conversation
	for _, c := range m.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memChats) TouchConversation(_ context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.convs[id]
	if !ok {
		return domain.ErrNotFound
	}
	c.UpdatedAt = at
	m.convs[id] = c
	m.touched = append(m.touched, id)
	return nil
}

func (m *memChats) AppendMessage(_ context.Context, msg domain.Message) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return "", m.appendErr
	}
	msg.ID = m.nextID("msg")
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return msg.ID, nil
}

func (m *memChats) ListMessages(_ context.Context, convID string, limit int) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ms := m.messages[convID]
	if limit > 0 && len(ms) > limit {
		ms = ms[len(ms)-limit:]
	}
	return append([]domain.Message(nil), ms...), nil
}

type fakeLLM struct {
	deltas  []string
	err     error
	openErr error
	got     domain.StreamRequest
	calls   int
}

func (f *fakeLLM) StreamChat(_ context.Context, req domain.StreamRequest, onStart func() error, onDelta func(string) error) error {
	f.calls++
	f.got = req
	if f.openErr != nil {
		return f.openErr
	}
	if err := onStart(); err != nil {
		return err
	}
	for _, d := range f.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return f.err
}

// wordTokens counts whitespace separated words.
type wordTokens struct{}

func (wordTokens) Count(_, text string) int { return len(strings.Fields(text)) }

func (w wordTokens) CountMessages(model string, msgs []domain.ChatMessage) int {
	n := 0
	for _, m := range msgs {
		n += w.Count(model, m.Content)
	}
	return n
}

type recordingPublisher struct {
	events []domain.UsageEvent
	err    error
}

func (p *recordingPublisher) PublishUsage(_ context.Context, ev domain.UsageEvent) error {
	p.events = append(p.events, ev)
	return p.err
}

// stalledPublisher never completes on its own, like a producer retrying
// against an unreachable broker.
type stalledPublisher struct {
	hadDeadline bool
}

func (p *stalledPublisher) PublishUsage(ctx context.Context, _ domain.UsageEvent) error {
	_, p.hadDeadline = ctx.Deadline()
	<-ctx.Done()
	return ctx.Err()
}
