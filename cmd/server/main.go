// Command server starts the AI chat gateway HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/tokencount"
	httpserver "github.com/fairyhunter13/ai-chat-gateway/internal/adapter/httpserver"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/observability"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/ai-chat-gateway/internal/app"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/service/ratelimiter"
	"github.com/fairyhunter13/ai-chat-gateway/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg); err != nil {
		slog.Error("server exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	// Infra: DB pool and schema
	pool, err := postgres.NewPool(ctx, cfg.DBURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.Migrate(ctx, pool); err != nil {
		return err
	}

	rdb, err := newRedis(ctx, cfg)
	if err != nil {
		return err
	}
	var (
		redisCmd    goredis.Cmdable
		redisClient app.RedisClient
	)
	if rdb != nil {
		defer func() { _ = rdb.Close() }()
		redisCmd = rdb
		redisClient = app.WrapRedis(rdb)
	}

	// Repositories
	users := postgres.NewUserRepo(pool)
	chats := postgres.NewChatRepo(pool)
	n, err := seedUsers(ctx, users, cfg.SeedUsersFile)
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("seed users applied", slog.Int("count", n))
	}

	ledger, err := buildLedger(cfg, pool, redisCmd)
	if err != nil {
		return err
	}
	gate, err := ratelimiter.NewGate(users, ledger, cfg.DailyRequestLimit, ratelimiter.WithStrict(cfg.RateLimitStrict))
	if err != nil {
		return err
	}
	slog.Info("rate limit gate ready",
		slog.Int("daily_limit", gate.Limit()),
		slog.Bool("strict", gate.Strict()),
		slog.String("ledger", cfg.UsageLedger))

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := closePublisher(); err != nil {
			slog.Error("failed to close usage publisher", slog.Any("error", err))
		}
	}()

	// Data retention
	cleanupSvc := postgres.NewCleanupService(pool, cfg.DataRetentionDays)
	go cleanupSvc.RunPeriodic(ctx, cfg.CleanupInterval)
	slog.Info("cleanup service started", slog.Int("retention_days", cleanupSvc.RetentionDays), slog.Duration("interval", cfg.CleanupInterval))

	chatSvc := usecase.ChatService{
		Gate:         gate,
		Chats:        chats,
		LLM:          buildStreamer(cfg),
		Tokens:       tokencount.DefaultCounter,
		Events:       publisher,
		DefaultModel: cfg.DefaultModel,
		SystemPrompt: cfg.SystemPrompt,
		MaxTokens:    cfg.ChatMaxTokens,
		HistoryLimit: cfg.ChatHistory,

		PublishTimeout: cfg.UsagePublishTimeout,
	}

	dbCheck, redisCheck := app.BuildReadinessChecks(pool, redisClient)
	srv := httpserver.NewServer(cfg, chatSvc, httpserver.NewAuthenticator(cfg), dbCheck, redisCheck)
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("op=server.listen: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	return srvHTTP.Shutdown(shutdownCtx)
}
