package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T) (*UsageLedger, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewUsageLedger(rdb, 0), mr
}

func TestCountSince_Empty(t *testing.T) {
	l, _ := newTestLedger(t)
	n, err := l.CountSince(context.Background(), "alice", day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppend_ThenCountIncludesBoundary(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, "alice", day.Add(-time.Second)))
	require.NoError(t, l.Append(ctx, "alice", day))
	require.NoError(t, l.Append(ctx, "alice", day.Add(time.Hour)))

	n, err := l.CountSince(ctx, "alice", day)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = l.CountSince(ctx, "bob", day)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAppend_SetsExpiry(t *testing.T) {
	l, mr := newTestLedger(t)
	require.NoError(t, l.Append(context.Background(), "alice", day))
	assert.Equal(t, DefaultRetention, mr.TTL("usage:alice"))
}

func TestAppend_PrunesBeyondRetention(t *testing.T) {
	l, mr := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "alice", day.Add(-72*time.Hour)))
	require.NoError(t, l.Append(ctx, "alice", day))

	members, err := mr.ZMembers("usage:alice")
	require.NoError(t, err)
	assert.Len(t, members, 1)
}

func TestAppendIfBelow_StopsAtLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		n, ok, err := l.AppendIfBelow(ctx, "alice", day, day.Add(time.Duration(i)*time.Minute), 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, n)
	}
	n, ok, err := l.AppendIfBelow(ctx, "alice", day, day.Add(time.Hour), 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, n)

	total, err := l.CountSince(ctx, "alice", day)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestAppendIfBelow_ZeroLimitNeverAppends(t *testing.T) {
	l, _ := newTestLedger(t)
	n, ok, err := l.AppendIfBelow(context.Background(), "alice", day, day, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, n)
}

func TestAppendIfBelow_PreviousDayIgnored(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Append(ctx, "alice", day.Add(-time.Second)))

	n, ok, err := l.AppendIfBelow(ctx, "alice", day, day.Add(time.Second), 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 0, n)
}

func TestAppendIfBelow_ConcurrentNeverExceedsLimit(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	var admitted int32
	var wg sync.WaitGroup
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok, err := l.AppendIfBelow(ctx, "racer", day, day.Add(time.Duration(i)*time.Millisecond), 5)
			if err == nil && ok {
				atomic.AddInt32(&admitted, 1)
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, int32(5), admitted)

	n, err := l.CountSince(ctx, "racer", day)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestErrors_AreWrapped(t *testing.T) {
	l, mr := newTestLedger(t)
	mr.Close()
	ctx := context.Background()

	_, err := l.CountSince(ctx, "alice", day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=usage.redis.count")

	err = l.Append(ctx, "alice", day)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=usage.redis.append")

	_, _, err = l.AppendIfBelow(ctx, "alice", day, day, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=usage.redis.append_if_below")
}

func TestToInt64(t *testing.T) {
	assert.Equal(t, int64(3), toInt64(int64(3)))
	assert.Equal(t, int64(3), toInt64(3))
	assert.Equal(t, int64(3), toInt64(3.0))
	assert.Equal(t, int64(7), toInt64("7"))
	assert.Equal(t, int64(0), toInt64(nil))
}
