package poolstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Open returns a Redis-backed store when client answers PING, and the
// in-memory fallback otherwise.
func Open(ctx context.Context, client redis.UniversalClient, logger *slog.Logger) (Store, bool) {
	if client == nil {
		logger.Warn("No Redis client configured, pool state is process-local")
		return NewMemoryStore(), false
	}

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("Redis unreachable, falling back to in-memory pool state", "error", err)
		return NewMemoryStore(), false
	}
	return NewRedisStore(client), true
}
