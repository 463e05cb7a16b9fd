package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

type userUpserter interface {
	Upsert(ctx domain.Context, u domain.User) error
}

// seedUsers upserts every user listed in path. An empty path is a no-op.
func seedUsers(ctx context.Context, repo userUpserter, path string) (int, error) {
	if path == "" {
		return 0, nil
	}
	users, err := config.LoadSeedUsers(path)
	if err != nil {
		return 0, fmt.Errorf("op=seed.load: %w", err)
	}
	now := time.Now().UTC()
	for _, u := range users {
		if err := repo.Upsert(ctx, domain.User{ID: u.ID, Email: u.Email, IsAdmin: u.Admin, CreatedAt: now}); err != nil {
			return 0, fmt.Errorf("op=seed.upsert user=%s: %w", u.ID, err)
		}
		slog.Debug("seeded user", slog.String("user_id", u.ID), slog.Bool("admin", u.Admin))
	}
	return len(users), nil
}
