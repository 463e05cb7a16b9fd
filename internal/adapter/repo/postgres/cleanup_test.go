package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBeginner struct {
	beginErr error
	tx       *txStub
}

func (b *fakeBeginner) Begin(_ context.Context) (pgx.Tx, error) {
	if b.beginErr != nil {
		return nil, b.beginErr
	}
	return b.tx, nil
}

func TestNewCleanupService_RetentionFloor(t *testing.T) {
	assert.Equal(t, 90, NewCleanupService(&fakeBeginner{}, 0).RetentionDays)
	assert.Equal(t, MinRetentionDays, NewCleanupService(&fakeBeginner{}, 1).RetentionDays)
	assert.Equal(t, 30, NewCleanupService(&fakeBeginner{}, 30).RetentionDays)
}

func TestCleanupService_CleanupOldData_OK(t *testing.T) {
	tx := &txStub{rowsAffects: map[string]int64{"usage_records": 4, "conversations": 2}}
	svc := NewCleanupService(&fakeBeginner{tx: tx}, 2)
	now := time.Date(2024, 1, 10, 0, 30, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	res, err := svc.CleanupOldData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.UsageRecords)
	assert.Equal(t, int64(2), res.Conversations)
	assert.Equal(t, time.Date(2024, 1, 8, 0, 30, 0, 0, time.UTC), res.Cutoff)
	assert.True(t, tx.committed)
}

func TestCleanupService_Errors(t *testing.T) {
	_, err := NewCleanupService(&fakeBeginner{beginErr: errors.New("begin")}, 2).CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup.begin")

	tx := &txStub{execErrOn: "usage_records"}
	_, err = NewCleanupService(&fakeBeginner{tx: tx}, 2).CleanupOldData(context.Background())
	require.Error(t, err)
	assert.True(t, tx.rolledBack)

	tx = &txStub{commitErr: errors.New("commit")}
	_, err = NewCleanupService(&fakeBeginner{tx: tx}, 2).CleanupOldData(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "op=cleanup.commit")
}

func TestCleanupService_RunPeriodic_StopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := NewCleanupService(&fakeBeginner{tx: &txStub{}}, 2)
	done := make(chan struct{})
	go func() {
		svc.RunPeriodic(ctx, time.Hour)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("RunPeriodic did not stop")
	}
}
