package data

import (
	"context"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/conf"
	"phashguard/internal/pkg/bloom"
	pkgredis "phashguard/internal/pkg/redis"

	"github.com/go-kratos/kratos/v2/log"
)

type benignCache struct {
	filter *bloom.Filter
	ttl    time.Duration
	log    *log.Helper
}

// NewBenignCache backs the known-benign set with a Redis bloom filter.
// Without Redis the bridge runs uncached.
func NewBenignCache(c *conf.Data, cache pkgredis.Cache, logger log.Logger) biz.BenignCache {
	if cache == nil {
		return nil
	}
	return &benignCache{
		filter: bloom.New(cache, c.Redis.BloomKey, c.Redis.BloomBits, c.Redis.BloomHashFuncs),
		ttl:    c.Redis.BloomTTL(),
		log:    log.NewHelper(log.With(logger, "module", "data/benign_cache")),
	}
}

func (b *benignCache) Contains(ctx context.Context, digest string) (bool, error) {
	return b.filter.Exists(ctx, []byte(digest))
}

func (b *benignCache) Add(ctx context.Context, digest string) error {
	if err := b.filter.Add(ctx, []byte(digest)); err != nil {
		return err
	}
	if b.ttl > 0 {
		if _, err := b.filter.Expire(ctx, b.ttl); err != nil {
			b.log.Warnf("set bloom ttl: %v", err)
		}
	}
	return nil
}
