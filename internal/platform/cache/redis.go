package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// New creates a Redis client. An unreachable server is not fatal: the queue
// runs in fallback mode and the rbac cache degrades to pass-through until
// the probe loop sees Redis again, so the client is returned either way.
func New(ctx context.Context, addr string, logger *slog.Logger) *redis.Client {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("redis unreachable at startup, continuing in degraded mode",
			slog.String("addr", addr),
			slog.Any("error", err),
		)
	}

	return client
}
