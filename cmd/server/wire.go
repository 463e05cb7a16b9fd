package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/real"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/ai/stub"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/ai-chat-gateway/internal/adapter/repo/postgres"
	redisrepo "github.com/fairyhunter13/ai-chat-gateway/internal/adapter/repo/redis"
	"github.com/fairyhunter13/ai-chat-gateway/internal/config"
	"github.com/fairyhunter13/ai-chat-gateway/internal/domain"
)

// newRedis connects to REDIS_URL, or returns nil when it is unset.
func newRedis(ctx context.Context, cfg config.Config) (*goredis.Client, error) {
	if cfg.RedisURL == "" {
		return nil, nil
	}
	opts, err := goredis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("op=redis.parse_url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=redis.ping: %w", err)
	}
	return rdb, nil
}

// buildLedger selects the usage ledger backend.
func buildLedger(cfg config.Config, pool postgres.PgxPool, rdb goredis.Cmdable) (domain.UsageLedger, error) {
	switch strings.ToLower(cfg.UsageLedger) {
	case config.LedgerRedis:
		if rdb == nil {
			return nil, fmt.Errorf("%w: USAGE_LEDGER=redis requires REDIS_URL", domain.ErrInvalidArgument)
		}
		return redisrepo.NewUsageLedger(rdb, redisrepo.DefaultRetention), nil
	case config.LedgerPostgres, "":
		return postgres.NewUsageRepo(pool), nil
	default:
		return nil, fmt.Errorf("%w: unknown USAGE_LEDGER %q", domain.ErrInvalidArgument, cfg.UsageLedger)
	}
}

// buildStreamer selects the language model client.
func buildStreamer(cfg config.Config) domain.ChatStreamer {
	if strings.EqualFold(cfg.AIProvider, "stub") {
		slog.Warn("using stub chat streamer; responses echo the prompt")
		return stub.New(20 * time.Millisecond)
	}
	if cfg.LLMAPIKey == "" {
		slog.Warn("OPENROUTER_API_KEY is empty; chat requests will fail until it is set")
	}
	return real.New(cfg)
}

type closer func() error

// buildPublisher returns the Kafka producer when brokers are configured and
// a no-op publisher otherwise.
func buildPublisher(ctx context.Context, cfg config.Config) (domain.UsagePublisher, closer, error) {
	if !cfg.KafkaEnabled() {
		return redpanda.NopPublisher{}, func() error { return nil }, nil
	}
	p, err := redpanda.NewProducer(ctx, cfg.KafkaBrokers, cfg.UsageEventTopic)
	if err != nil {
		return nil, nil, err
	}
	return p, p.Close, nil
}
