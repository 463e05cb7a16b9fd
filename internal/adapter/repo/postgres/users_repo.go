package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// UserRepo is the identity store backed by the users table.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

// GetUser loads a user by id. Unknown ids yield domain.ErrNotFound.
func (r *UserRepo) GetUser(ctx domain.Context, id string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "users"),
	)
	q := `SELECT id, email, is_admin, created_at FROM users WHERE id=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, id).Scan(&u.ID, &u.Email, &u.IsAdmin, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, fmt.Errorf("op=user.get: %w", domain.ErrNotFound)
		}
		span.RecordError(err)
		return domain.User{}, fmt.Errorf("op=user.get: %w", err)
	}
	return u, nil
}

// Upsert inserts the user or updates its email and admin flag.
func (r *UserRepo) Upsert(ctx domain.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Upsert")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "users"),
	)
	if u.ID == "" {
		return fmt.Errorf("op=user.upsert: %w: empty id", domain.ErrInvalidArgument)
	}
	createdAt := u.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	q := `INSERT INTO users (id, email, is_admin, created_at) VALUES ($1,$2,$3,$4)
	      ON CONFLICT (id) DO UPDATE SET email=EXCLUDED.email, is_admin=EXCLUDED.is_admin`
	if _, err := r.Pool.Exec(ctx, q, u.ID, u.Email, u.IsAdmin, createdAt); err != nil {
		span.RecordError(err)
		return fmt.Errorf("op=user.upsert: %w", err)
	}
	return nil
}

var _ domain.IdentityStore = (*UserRepo)(nil)
