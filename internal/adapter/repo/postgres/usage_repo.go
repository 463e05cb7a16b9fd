package postgres

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// UsageRepo is the usage ledger backed by the usage_records table.
type UsageRepo struct{ Pool PgxPool }

// NewUsageRepo constructs a UsageRepo with the given pool.
func NewUsageRepo(p PgxPool) *UsageRepo { return &UsageRepo{Pool: p} }

const (
	qCountUsage  = `SELECT COUNT(*) FROM usage_records WHERE user_id=$1 AND created_at >= $2`
	qInsertUsage = `INSERT INTO usage_records (id, user_id, created_at) VALUES ($1,$2,$3)`
	// Serialises AppendIfBelow per user for the lifetime of the transaction.
	qLockUser = `SELECT pg_advisory_xact_lock(hashtext($1))`
)

// CountSince returns the number of records with created_at >= since.
func (r *UsageRepo) CountSince(ctx domain.Context, userID string, since time.Time) (int, error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.CountSince")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "usage_records"),
	)
	var n int64
	if err := r.Pool.QueryRow(ctx, qCountUsage, userID, since.UTC()).Scan(&n); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("op=usage.count: %w", err)
	}
	return int(n), nil
}

// Append inserts one record created at the given instant.
func (r *UsageRepo) Append(ctx domain.Context, userID string, at time.Time) error {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.Append")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "usage_records"),
	)
	if _, err := r.Pool.Exec(ctx, qInsertUsage, uuid.New().String(), userID, at.UTC()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=usage.append: %w", err)
	}
	return nil
}

// AppendIfBelow counts and conditionally inserts inside one transaction that
// holds a per-user advisory lock, so concurrent callers for the same user are
// serialised. count is the number observed before the insert.
func (r *UsageRepo) AppendIfBelow(ctx domain.Context, userID string, since, at time.Time, limit int) (count int, appended bool, err error) {
	tracer := otel.Tracer("repo.usage")
	ctx, span := tracer.Start(ctx, "usage.AppendIfBelow")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "usage_records"),
	)

	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.append_if_below: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := tx.Exec(ctx, qLockUser, userID); err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.append_if_below: lock: %w", err)
	}
	var n int64
	if err := tx.QueryRow(ctx, qCountUsage, userID, since.UTC()).Scan(&n); err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.append_if_below: count: %w", err)
	}
	if int(n) >= limit {
		return int(n), false, nil
	}
	if _, err := tx.Exec(ctx, qInsertUsage, uuid.New().String(), userID, at.UTC()); err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.append_if_below: insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, false, fmt.Errorf("op=usage.append_if_below: commit: %w", err)
	}
	span.SetAttributes(attribute.Int("usage.count", int(n)))
	return int(n), true, nil
}

var _ domain.AtomicUsageLedger = (*UsageRepo)(nil)
