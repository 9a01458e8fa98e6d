package bloom

import (
	"context"
	"errors"
	"strconv"
	"time"

	"phashguard/internal/pkg/redis"
)

type redisBitSet struct {
	store redis.Cache
	key   string
	bits  uint
}

func newRedisBitSet(store redis.Cache, key string, bits uint) *redisBitSet {
	return &redisBitSet{
		store: store,
		key:   key,
		bits:  bits,
	}
}

func (r *redisBitSet) buildOffsetArgs(offsets []uint) ([]any, error) {
	args := make([]any, 0, len(offsets))
	for _, offset := range offsets {
		if offset >= r.bits {
			return nil, ErrTooLargeOffset
		}
		args = append(args, strconv.FormatUint(uint64(offset), 10))
	}
	return args, nil
}

// check reports whether all bits at offsets are set.
func (r *redisBitSet) check(ctx context.Context, offsets []uint) (bool, error) {
	args, err := r.buildOffsetArgs(offsets)
	if err != nil {
		return false, err
	}
	resp, err := r.store.ScriptRun(ctx, getScript, []string{r.key}, args...)
	if errors.Is(err, redis.Nil) {
		return false, nil
	} else if err != nil {
		return false, err
	}

	exists, ok := resp.(int64)
	if !ok {
		return false, nil
	}
	return exists == 1, nil
}

func (r *redisBitSet) set(ctx context.Context, offsets []uint) error {
	args, err := r.buildOffsetArgs(offsets)
	if err != nil {
		return err
	}
	_, err = r.store.ScriptRun(ctx, setScript, []string{r.key}, args...)
	if errors.Is(err, redis.Nil) {
		return nil
	}
	return err
}

func (r *redisBitSet) del(ctx context.Context) error {
	_, err := r.store.Del(ctx, r.key)
	return err
}

func (r *redisBitSet) expire(ctx context.Context, ttl time.Duration) (bool, error) {
	return r.store.ExpireNX(ctx, r.key, ttl)
}
