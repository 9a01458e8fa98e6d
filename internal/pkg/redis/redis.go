package redis

import (
	"context"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

type Redis struct {
	client *redis.Client
}

const Nil = redis.Nil

// Options configures the client.
type Options struct {
	Network      string
	Addr         string
	Password     string
	DB           int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a client from o, or from a redis:// URL when o.Addr is one.
func New(o Options) (*Redis, error) {
	opts := &redis.Options{
		Network:      o.Network,
		Addr:         o.Addr,
		Password:     o.Password,
		DB:           o.DB,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	}
	if strings.HasPrefix(o.Addr, "redis://") || strings.HasPrefix(o.Addr, "rediss://") {
		parsed, err := redis.ParseURL(o.Addr)
		if err != nil {
			return nil, err
		}
		opts = parsed
	}
	return &Redis{client: redis.NewClient(opts)}, nil
}

// NewScript wraps a Lua script for ScriptRun.
func NewScript(script string) *redis.Script {
	return redis.NewScript(script)
}

// ScriptRun implements Cache.
func (r *Redis) ScriptRun(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	return script.Run(ctx, r.client, keys, args...).Result()
}

// Del implements Cache.
func (r *Redis) Del(ctx context.Context, keys ...string) (int64, error) {
	return r.client.Del(ctx, keys...).Result()
}

// ExpireNX implements Cache. It only sets a TTL on keys that have none.
func (r *Redis) ExpireNX(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return r.client.ExpireNX(ctx, key, ttl).Result()
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
