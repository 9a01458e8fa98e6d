package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is the subset of Redis the service relies on.
type Cache interface {
	ScriptRun(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
	Del(ctx context.Context, keys ...string) (int64, error)
	ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Ping(ctx context.Context) error
	Close() error
}
