package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// NewRedis connects to the shared ephemeral store and job queue.
func NewRedis(ctx context.Context, logger *slog.Logger, redisURL string) redis.UniversalClient {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		panic(fmt.Errorf("invalid redis url: %w", err))
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		panic(fmt.Errorf("failed to reach redis at %s: %w", options.Addr, err))
	}

	logger.InfoContext(ctx, "connected to redis", "addr", options.Addr, "db", options.DB)

	return client
}
