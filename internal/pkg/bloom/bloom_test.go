package bloom

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// memCache evaluates the two bit set scripts against an in-memory bitmap.
type memCache struct {
	mu   sync.Mutex
	bits map[string]map[uint64]bool
	ttl  map[string]time.Duration
	err  error
}

func newMemCache() *memCache {
	return &memCache{bits: make(map[string]map[uint64]bool), ttl: make(map[string]time.Duration)}
}

func (m *memCache) ScriptRun(_ context.Context, script *goredis.Script, keys []string, args ...any) (any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	set := m.bits[keys[0]]
	if set == nil {
		set = make(map[uint64]bool)
		m.bits[keys[0]] = set
	}
	for _, a := range args {
		off, err := strconv.ParseUint(a.(string), 10, 64)
		if err != nil {
			return nil, err
		}
		switch script.Hash() {
		case setScript.Hash():
			set[off] = true
		case getScript.Hash():
			if !set[off] {
				return nil, goredis.Nil
			}
		}
	}
	if script.Hash() == getScript.Hash() {
		return int64(1), nil
	}
	return nil, goredis.Nil
}

func (m *memCache) Del(_ context.Context, keys ...string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := m.bits[k]; ok {
			delete(m.bits, k)
			n++
		}
	}
	return n, nil
}

func (m *memCache) ExpireNX(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.bits[key]; !ok {
		return false, nil
	}
	if _, ok := m.ttl[key]; ok {
		return false, nil
	}
	m.ttl[key] = ttl
	return true, nil
}

func (m *memCache) Ping(context.Context) error { return nil }
func (m *memCache) Close() error               { return nil }

func TestFilter_AddExists(t *testing.T) {
	ctx := context.Background()
	f := New(newMemCache(), "benign", 1<<16, 5)

	if ok, err := f.Exists(ctx, []byte("phash:a1b2c3d4e5f60710")); err != nil || ok {
		t.Fatalf("Exists on empty filter = %v, %v", ok, err)
	}
	if err := f.Add(ctx, []byte("phash:a1b2c3d4e5f60710")); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if ok, err := f.Exists(ctx, []byte("phash:a1b2c3d4e5f60710")); err != nil || !ok {
		t.Errorf("Exists after Add = %v, %v", ok, err)
	}
	if ok, _ := f.Exists(ctx, []byte("phash:0000000000000000")); ok {
		t.Error("Expected unrelated digest to be absent")
	}
}

func TestFilter_ResetAndExpire(t *testing.T) {
	ctx := context.Background()
	store := newMemCache()
	f := New(store, "benign", 1024, 3)

	_ = f.Add(ctx, []byte("x"))
	if ok, _ := f.Expire(ctx, time.Hour); !ok {
		t.Error("Expected expire to find the key")
	}
	if ok, _ := f.Expire(ctx, time.Minute); ok {
		t.Error("Expected a running TTL to be kept")
	}
	if store.ttl["benign"] != time.Hour {
		t.Errorf("TTL = %s; want 1h", store.ttl["benign"])
	}
	if err := f.Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if ok, _ := f.Exists(ctx, []byte("x")); ok {
		t.Error("Expected reset filter to be empty")
	}
}

func TestFilter_LocationsInRange(t *testing.T) {
	f := New(newMemCache(), "k", 7, 4)
	locs := f.locations([]byte("data"))
	if len(locs) != 4 {
		t.Fatalf("Expected 4 locations, got %d", len(locs))
	}
	for _, l := range locs {
		if l >= 7 {
			t.Errorf("Location %d out of range", l)
		}
	}
	if _, err := f.bitSet.buildOffsetArgs([]uint{7}); !errors.Is(err, ErrTooLargeOffset) {
		t.Errorf("Expected ErrTooLargeOffset, got %v", err)
	}
}

func TestFilter_StoreError(t *testing.T) {
	store := newMemCache()
	store.err = errors.New("connection refused")
	f := New(store, "k", 64, 2)
	if _, err := f.Exists(context.Background(), []byte("x")); err == nil {
		t.Error("Expected store error to surface")
	}
}
