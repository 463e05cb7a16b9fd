// Package redis implements the usage ledger on Redis sorted sets.
//
// Each user owns one key, usage:<user_id>. Members are random ids and scores
// are the record time in unix milliseconds, so a window count is a single
// ZCOUNT. Keys expire two days after the last write and entries older than
// the retention horizon are pruned on every append.
package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// DefaultRetention bounds how long records are kept. It must exceed one day
// so the current window is always complete.
const DefaultRetention = 48 * time.Hour

const keyPrefix = "usage:"

// UsageLedger stores usage records in Redis. It implements
// domain.AtomicUsageLedger.
type UsageLedger struct {
	rdb       goredis.Cmdable
	retention time.Duration
	script    *goredis.Script
	newID     func() string
}

// NewUsageLedger builds a ledger over rdb. A non-positive retention selects
// DefaultRetention.
func NewUsageLedger(rdb goredis.Cmdable, retention time.Duration) *UsageLedger {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &UsageLedger{
		rdb:       rdb,
		retention: retention,
		script:    goredis.NewScript(luaAppendIfBelow),
		newID:     uuid.NewString,
	}
}

// KEYS[1] ledger key
// ARGV: since_ms, limit, at_ms, member, prune_before_ms, ttl_ms
const luaAppendIfBelow = `
local key = KEYS[1]
local since = ARGV[1]
local limit = tonumber(ARGV[2])
local at = ARGV[3]
local member = ARGV[4]
local prune_before = ARGV[5]
local ttl = tonumber(ARGV[6])

redis.call("ZREMRANGEBYSCORE", key, "-inf", "(" .. prune_before)
local n = redis.call("ZCOUNT", key, since, "+inf")
if n >= limit then
  return { n, 0 }
end
redis.call("ZADD", key, at, member)
redis.call("PEXPIRE", key, ttl)
return { n, 1 }
`

func key(userID string) string { return keyPrefix + userID }

func millis(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

// CountSince returns the number of records scored at or after since.
func (l *UsageLedger) CountSince(ctx domain.Context, userID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.redis.usage")
	ctx, span := tracer.Start(ctx, "usage.CountSince")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZCOUNT"))

	n, err := l.rdb.ZCount(ctx, key(userID), millis(since), "+inf").Result()
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=usage.redis.count: %w", err)
	}
	return int(n), nil
}

// Append adds one record and refreshes the key expiry.
func (l *UsageLedger) Append(ctx domain.Context, userID string, at time.Time) error {
	tracer := otel.Tracer("repo.redis.usage")
	ctx, span := tracer.Start(ctx, "usage.Append")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "ZADD"))

	k := key(userID)
	_, err := l.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", "("+millis(at.Add(-l.retention)))
		p.ZAdd(ctx, k, goredis.Z{Score: float64(at.UnixMilli()), Member: l.newID()})
		p.PExpire(ctx, k, l.retention)
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=usage.redis.append: %w", err)
	}
	return nil
}

// AppendIfBelow counts records since `since` and appends one at `at` only if
// the count is below limit, atomically inside a Lua script.
func (l *UsageLedger) AppendIfBelow(ctx domain.Context, userID string, since, at time.Time, limit int) (int, bool, error) {
	tracer := otel.Tracer("repo.redis.usage")
	ctx, span := tracer.Start(ctx, "usage.AppendIfBelow")
	defer span.End()
	span.SetAttributes(attribute.String("db.system", "redis"), attribute.String("db.operation", "EVALSHA"))

	res, err := l.script.Run(ctx, l.rdb, []string{key(userID)},
		millis(since), limit, millis(at), l.newID(), millis(at.Add(-l.retention)), l.retention.Milliseconds(),
	).Result()
	if err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.redis.append_if_below: %w", err)
	}
	vals, ok := res.([]interface{})
	if !ok || len(vals) < 2 {
		return 0, false, fmt.Errorf("op=usage.redis.append_if_below: unexpected script result %v", res)
	}
	n := int(toInt64(vals[0]))
	appended := toInt64(vals[1]) == 1
	span.SetAttributes(attribute.Int("usage.count", n), attribute.Bool("usage.appended", appended))
	return n, appended, nil
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	default:
		return 0
	}
}

var _ domain.AtomicUsageLedger = (*UsageLedger)(nil)
