// Package bloom implements a Bloom filter whose bit set lives in Redis, so
// every replica shares the same membership answers.
package bloom

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"phashguard/internal/pkg/hash"
	"phashguard/internal/pkg/redis"
)

var (
	// ErrTooLargeOffset indicates the offset is too large in bitset.
	ErrTooLargeOffset = errors.New("too large offset")

	//go:embed set_script.lua
	setLuaScript string
	setScript    = redis.NewScript(setLuaScript)

	//go:embed get_script.lua
	getLuaScript string
	getScript    = redis.NewScript(getLuaScript)
)

// Filter represents a Bloom filter data structure.
type Filter struct {
	bitSet         *redisBitSet
	bits           uint
	kHashFunctions uint
}

// New creates a Bloom filter of bits bits probed by kHashFunctions
// locations, stored under key.
func New(store redis.Cache, key string, bits, kHashFunctions uint) *Filter {
	if bits == 0 {
		bits = 1
	}
	if kHashFunctions == 0 {
		kHashFunctions = 1
	}
	return &Filter{
		bits:           bits,
		bitSet:         newRedisBitSet(store, key, bits),
		kHashFunctions: kHashFunctions,
	}
}

// locations computes the bit locations for data.
func (f *Filter) locations(data []byte) []uint {
	buf := make([]byte, len(data)+1)
	copy(buf, data)
	locations := make([]uint, f.kHashFunctions)
	for i := uint(0); i < f.kHashFunctions; i++ {
		buf[len(data)] = byte(i)
		locations[i] = uint(hash.Hash(buf) % uint64(f.bits))
	}
	return locations
}

// Add sets the bits for data.
func (f *Filter) Add(ctx context.Context, data []byte) error {
	return f.bitSet.set(ctx, f.locations(data))
}

// Exists reports whether data may have been added.
func (f *Filter) Exists(ctx context.Context, data []byte) (bool, error) {
	return f.bitSet.check(ctx, f.locations(data))
}

// Expire bounds the lifetime of the whole filter. A TTL already running is
// left alone, so repeated calls do not keep the filter alive.
func (f *Filter) Expire(ctx context.Context, ttl time.Duration) (bool, error) {
	return f.bitSet.expire(ctx, ttl)
}

// Reset drops every bit.
func (f *Filter) Reset(ctx context.Context) error {
	return f.bitSet.del(ctx)
}
