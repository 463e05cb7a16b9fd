// Package ratelimiter implements the per-user daily request gate.
//
// The gate answers whether a user may perform one more metered action in the
// current UTC calendar day and records actions that were admitted. Privileged
// users bypass counting entirely. All durable state lives in the injected
// identity store and usage ledger; the gate itself keeps none.
//
// In the default mode callers check and then record as two separate steps.
// Two concurrent requests from the same user may both pass the check before
// either records, so the limit can be exceeded by the number of in-flight
// requests. Strict mode closes that window by delegating to a ledger that can
// count and append atomically.
package ratelimiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
	obsctx "github.com/fairyhunter13/ai-chat-gateway/internal/observability"
)

// DefaultDailyLimit is used when no limit is configured.
const DefaultDailyLimit = 1

// ErrLedgerNotAtomic is returned when strict mode is requested for a ledger
// that cannot count and append in one step.
var ErrLedgerNotAtomic = errors.New("usage ledger does not support atomic append")

// Clock supplies the current instant.
type Clock interface{ Now() time.Time }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }

// SystemClock reads the wall clock.
var SystemClock Clock = ClockFunc(time.Now)

// Gate decides and records metered actions.
type Gate struct {
	identity domain.IdentityStore
	ledger   domain.UsageLedger
	atomic   domain.AtomicUsageLedger
	clock    Clock
	limit    int
	strict   bool
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option {
	return func(g *Gate) {
		if c != nil {
			g.clock = c
		}
	}
}

// WithStrict enables atomic check-and-record through Admit.
func WithStrict(strict bool) Option {
	return func(g *Gate) { g.strict = strict }
}

// NewGate builds a gate over the given collaborators. limit must be >= 0.
func NewGate(identity domain.IdentityStore, ledger domain.UsageLedger, limit int, opts ...Option) (*Gate, error) {
	if identity == nil || ledger == nil {
		return nil, fmt.Errorf("%w: identity store and usage ledger are required", domain.ErrInvalidArgument)
	}
	if limit < 0 {
		return nil, fmt.Errorf("%w: daily limit must be >= 0, got %d", domain.ErrInvalidArgument, limit)
	}
	g := &Gate{identity: identity, ledger: ledger, clock: SystemClock, limit: limit}
	for _, opt := range opts {
		opt(g)
	}
	if a, ok := ledger.(domain.AtomicUsageLedger); ok {
		g.atomic = a
	}
	if g.strict && g.atomic == nil {
		return nil, ErrLedgerNotAtomic
	}
	return g, nil
}

// Limit returns the configured daily limit.
func (g *Gate) Limit() int { return g.limit }

// Strict reports whether Admit counts and records atomically.
func (g *Gate) Strict() bool { return g.strict }

// IsPrivileged reports whether the user bypasses the limit. Unknown users are
// treated as non-privileged.
func (g *Gate) IsPrivileged(ctx context.Context, userID string) (bool, error) {
	u, err := g.identity.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("op=ratelimit.is_privileged: %w", err)
	}
	return u.IsAdmin, nil
}

// CountUsageSince returns the number of usage records at or after since.
func (g *Gate) CountUsageSince(ctx context.Context, userID string, since time.Time) (int, error) {
	n, err := g.ledger.CountSince(ctx, userID, since.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=ratelimit.count: %w", err)
	}
	return n, nil
}

// CheckRateLimit decides whether userID may perform one more action today.
// It never records anything.
func (g *Gate) CheckRateLimit(ctx context.Context, userID string) (Decision, error) {
	tracer := otel.Tracer("service.ratelimiter")
	ctx, span := tracer.Start(ctx, "ratelimit.Check")
	defer span.End()

	priv, err := g.IsPrivileged(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if priv {
		span.SetAttributes(attribute.Bool("ratelimit.unlimited", true))
		observability.RecordRateLimitDecision(observability.DecisionUnlimited)
		return Unlimited{}, nil
	}

	start := StartOfDay(g.clock.Now())
	n, err := g.CountUsageSince(ctx, userID, start)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	d := newLimited(n, g.limit, start)
	span.SetAttributes(
		attribute.Int("ratelimit.used", d.Used),
		attribute.Int("ratelimit.limit", d.Limit),
		attribute.Bool("ratelimit.allowed", d.Allowed()),
	)
	if d.Allowed() {
		observability.RecordRateLimitDecision(observability.DecisionAllowed)
	} else {
		observability.RecordRateLimitDecision(observability.DecisionDenied)
		obsctx.LoggerFromContext(ctx).Info("rate limit exceeded",
			slog.String("user_id", userID),
			slog.Int("used", d.Used),
			slog.Int("limit", d.Limit))
	}
	return d, nil
}

// RecordUsage appends one usage record stamped with the current UTC time.
func (g *Gate) RecordUsage(ctx context.Context, userID string) error {
	tracer := otel.Tracer("service.ratelimiter")
	ctx, span := tracer.Start(ctx, "ratelimit.Record")
	defer span.End()

	if err := g.ledger.Append(ctx, userID, g.clock.Now().UTC()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=ratelimit.record: %w", err)
	}
	observability.UsageRecordedTotal.Inc()
	return nil
}

// CheckAndRecord counts and conditionally appends in a single ledger
// operation. Privileged users are always recorded. The returned decision
// reflects the state before the append.
func (g *Gate) CheckAndRecord(ctx context.Context, userID string) (Decision, error) {
	if g.atomic == nil {
		return nil, ErrLedgerNotAtomic
	}
	tracer := otel.Tracer("service.ratelimiter")
	ctx, span := tracer.Start(ctx, "ratelimit.CheckAndRecord")
	defer span.End()

	priv, err := g.IsPrivileged(ctx, userID)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	now := g.clock.Now().UTC()
	if priv {
		if err := g.ledger.Append(ctx, userID, now); err != nil {
			span.RecordError(err)
			return nil, fmt.Errorf("op=ratelimit.record: %w", err)
		}
		observability.RecordRateLimitDecision(observability.DecisionUnlimited)
		observability.UsageRecordedTotal.Inc()
		return Unlimited{}, nil
	}

	start := StartOfDay(now)
	n, appended, err := g.atomic.AppendIfBelow(ctx, userID, start, now, g.limit)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("op=ratelimit.check_and_record: %w", err)
	}
	d := newLimited(n, g.limit, start)
	if appended {
		observability.RecordRateLimitDecision(observability.DecisionAllowed)
		observability.UsageRecordedTotal.Inc()
	} else {
		observability.RecordRateLimitDecision(observability.DecisionDenied)
	}
	return d, nil
}

// Admit runs the full gate for one metered action: in strict mode a single
// atomic CheckAndRecord, otherwise CheckRateLimit followed by RecordUsage when
// allowed. A denied decision is returned without error.
func (g *Gate) Admit(ctx context.Context, userID string) (Decision, error) {
	if g.strict {
		return g.CheckAndRecord(ctx, userID)
	}
	d, err := g.CheckRateLimit(ctx, userID)
	if err != nil {
		return nil, err
	}
	if !d.Allowed() {
		return d, nil
	}
	if err := g.RecordUsage(ctx, userID); err != nil {
		return nil, err
	}
	return d, nil
}

// StartOfDay truncates t to midnight of its UTC calendar day.
func StartOfDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
