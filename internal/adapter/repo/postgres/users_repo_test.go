package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

func TestUserRepo_GetUser(t *testing.T) {
	created := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	pool := &poolStub{queryRow: func(_ string, args ...any) pgx.Row {
		return rowStub{scan: func(dest ...any) error {
			*(dest[0].(*string)) = args[0].(string)
			*(dest[1].(*string)) = "root@example.com"
			*(dest[2].(*bool)) = true
			*(dest[3].(*time.Time)) = created
			return nil
		}}
	}}
	u, err := NewUserRepo(pool).GetUser(context.Background(), "root")
	require.NoError(t, err)
	assert.Equal(t, domain.User{ID: "root", Email: "root@example.com", IsAdmin: true, CreatedAt: created}, u)
}

func TestUserRepo_GetUser_NotFound(t *testing.T) {
	pool := &poolStub{queryRow: func(string, ...any) pgx.Row { return errRow(pgx.ErrNoRows) }}
	_, err := NewUserRepo(pool).GetUser(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
	assert.Contains(t, err.Error(), "op=user.get")
}

func TestUserRepo_GetUser_DBError(t *testing.T) {
	boom := errors.New("conn reset")
	pool := &poolStub{queryRow: func(string, ...any) pgx.Row { return errRow(boom) }}
	_, err := NewUserRepo(pool).GetUser(context.Background(), "x")
	require.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestUserRepo_Upsert(t *testing.T) {
	pool := &poolStub{}
	repo := NewUserRepo(pool)
	require.NoError(t, repo.Upsert(context.Background(), domain.User{ID: "a", Email: "a@x", IsAdmin: true}))
	require.Len(t, pool.calls, 1)
	assert.Contains(t, pool.calls[0].sql, "ON CONFLICT (id)")
	assert.Equal(t, "a", pool.calls[0].args[0])
	assert.Equal(t, true, pool.calls[0].args[2])

	err := repo.Upsert(context.Background(), domain.User{})
	require.ErrorIs(t, err, domain.ErrInvalidArgument)

	pool.exec = func(string, ...any) (pgconn.CommandTag, error) { return pgconn.CommandTag{}, assert.AnError }
	err = repo.Upsert(context.Background(), domain.User{ID: "a"})
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "op=user.upsert")
}
