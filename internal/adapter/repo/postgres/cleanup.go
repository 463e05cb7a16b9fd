package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// MinRetentionDays keeps yesterday's records around so the current UTC day
// window is never trimmed, whatever the time zone of the host.
const MinRetentionDays = 2

// Beginner starts transactions. *pgxpool.Pool satisfies it.
type Beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// CleanupService handles data retention.
type CleanupService struct {
	DB            Beginner
	RetentionDays int
	now           func() time.Time
}

// NewCleanupService creates a cleanup service. Retention below
// MinRetentionDays is raised to it; zero selects 90 days.
func NewCleanupService(db Beginner, retentionDays int) *CleanupService {
	if retentionDays == 0 {
		retentionDays = 90
	}
	if retentionDays < MinRetentionDays {
		retentionDays = MinRetentionDays
	}
	return &CleanupService{DB: db, RetentionDays: retentionDays, now: time.Now}
}

// CleanupResult reports how many rows a cleanup pass deleted.
type CleanupResult struct {
	UsageRecords  int64
	Conversations int64
	Cutoff        time.Time
}

// CleanupOldData removes usage records and idle conversations older than the
// retention period. Messages go with their conversation.
func (s *CleanupService) CleanupOldData(ctx context.Context) (CleanupResult, error) {
	cutoff := s.now().UTC().AddDate(0, 0, -s.RetentionDays)
	res := CleanupResult{Cutoff: cutoff}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return res, fmt.Errorf("op=cleanup.begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `DELETE FROM usage_records WHERE created_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("op=cleanup.usage_records: %w", err)
	}
	res.UsageRecords = tag.RowsAffected()

	tag, err = tx.Exec(ctx, `DELETE FROM conversations WHERE updated_at < $1`, cutoff)
	if err != nil {
		return res, fmt.Errorf("op=cleanup.conversations: %w", err)
	}
	res.Conversations = tag.RowsAffected()

	if err := tx.Commit(ctx); err != nil {
		return res, fmt.Errorf("op=cleanup.commit: %w", err)
	}

	slog.Info("data cleanup completed",
		slog.Int64("deleted_usage_records", res.UsageRecords),
		slog.Int64("deleted_conversations", res.Conversations),
		slog.Time("cutoff", cutoff),
	)
	return res, nil
}

// RunPeriodic runs a cleanup immediately and then every interval until ctx ends.
func (s *CleanupService) RunPeriodic(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 24 * time.Hour
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if _, err := s.CleanupOldData(ctx); err != nil {
		slog.Error("initial cleanup failed", slog.Any("error", err))
	}

	for {
		select {
		case <-ctx.Done():
			slog.Info("cleanup service stopping")
			return
		case <-ticker.C:
			if _, err := s.CleanupOldData(ctx); err != nil {
				slog.Error("periodic cleanup failed", slog.Any("error", err))
			}
		}
	}
}
