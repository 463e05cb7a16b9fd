package ratelimiter_test

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

type fakeIdentity struct {
	users map[string]domain.User
	err   error
	calls int
}

func (f *fakeIdentity) GetUser(_ context.Context, id string) (domain.User, error) {
	f.calls++
	if f.err != nil {
		return domain.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return domain.User{}, domain.ErrNotFound
	}
	return u, nil
}

// memLedger is a mutex-guarded in-memory ledger. countDelay widens the
// check-then-act window for race tests.
type memLedger struct {
	mu         sync.Mutex
	records    map[string][]time.Time
	countErr   error
	appendErr  error
	countCalls int
	countDelay time.Duration
}

func newMemLedger() *memLedger { return &memLedger{records: map[string][]time.Time{}} }

func (m *memLedger) CountSince(_ context.Context, userID string, since time.Time) (int, error) {
	m.mu.Lock()
	m.countCalls++
	if m.countErr != nil {
		m.mu.Unlock()
		return 0, m.countErr
	}
	n := 0
	for _, ts := range m.records[userID] {
		if !ts.Before(since) {
			n++
		}
	}
	delay := m.countDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return n, nil
}

func (m *memLedger) Append(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.records[userID] = append(m.records[userID], at)
	return nil
}

func (m *memLedger) seed(userID string, at time.Time, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := 0; i < n; i++ {
		m.records[userID] = append(m.records[userID], at)
	}
}

func (m *memLedger) total(userID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records[userID])
}

// atomicMemLedger adds AppendIfBelow under the same lock.
type atomicMemLedger struct{ *memLedger }

func (a atomicMemLedger) AppendIfBelow(_ context.Context, userID string, since, at time.Time, limit int) (int, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.appendErr != nil {
		return 0, false, a.appendErr
	}
	n := 0
	for _, ts := range a.records[userID] {
		if !ts.Before(since) {
			n++
		}
	}
	if n >= limit {
		return n, false, nil
	}
	a.records[userID] = append(a.records[userID], at)
	return n, true, nil
}

var errStorage = errors.New("storage down")

type fixedClock struct{ t time.Time }

func (c *fixedClock) Now() time.Time { return c.t }
