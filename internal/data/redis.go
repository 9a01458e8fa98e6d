package data

import (
	"context"
	"fmt"
	"time"

	"phashguard/internal/conf"
	pkgredis "phashguard/internal/pkg/redis"

	"github.com/go-kratos/kratos/v2/log"
)

// NewRedisCache connects to Redis. It returns a nil cache when no address
// is configured.
func NewRedisCache(c *conf.Data, logger log.Logger) (pkgredis.Cache, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data/redis"))
	if c.Redis.Addr == "" {
		helper.Info("no redis configured, known-benign cache disabled")
		return nil, func() {}, nil
	}

	client, err := pkgredis.New(pkgredis.Options{
		Network:      c.Redis.Network,
		Addr:         c.Redis.Addr,
		Password:     c.Redis.Password,
		DB:           c.Redis.DB,
		ReadTimeout:  c.Redis.ReadTimeout(),
		WriteTimeout: c.Redis.WriteTimeout(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to configure Redis: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx); err != nil {
		client.Close()
		helper.Errorf("failed to connect to Redis at %s: %v", c.Redis.Addr, err)
		return nil, nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	helper.Infof("connected to Redis at %s", c.Redis.Addr)

	cleanup := func() {
		helper.Info("closing Redis connection")
		client.Close()
	}
	return client, cleanup, nil
}
