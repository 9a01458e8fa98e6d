package server

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/conf"
	"phashguard/internal/pkg/hash"

	"github.com/go-kratos/kratos/v2/log"
)

const marker = "NIXE_PHASH_DB_V1"

type docRepo struct {
	mu   sync.Mutex
	body string
}

func (r *docRepo) doc() *biz.Document {
	return &biz.Document{Handle: biz.DocumentHandle{ChannelID: "chan", MessageID: "doc"}, Body: r.body, Pinned: true}
}

func (r *docRepo) set(body string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = body
}

func (r *docRepo) get() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body
}

func (r *docRepo) GetMessage(context.Context, string, string) (*biz.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc(), nil
}

func (r *docRepo) ListPins(context.Context, string) ([]*biz.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return []*biz.Document{r.doc()}, nil
}

func (r *docRepo) ListHistory(context.Context, string, string, int) ([]*biz.Document, error) {
	return nil, nil
}

func (r *docRepo) EditMessage(_ context.Context, _ biz.DocumentHandle, body string) (*biz.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.body = body
	return r.doc(), nil
}

func (r *docRepo) CreateMessage(context.Context, string, string) (*biz.Document, error) {
	return nil, biz.ErrDocumentNotFound
}

func newTestRefresher(t *testing.T, body string, minEdit int) (*Refresher, *biz.BlacklistStore, *docRepo) {
	t.Helper()
	c := &conf.Blacklist{
		ChannelID:              "chan",
		MessageID:              "doc",
		Marker:                 marker,
		MaxItems:               100,
		MinEditIntervalSeconds: minEdit,
		RefreshIntervalSeconds: 60,
	}
	repo := &docRepo{body: body}
	store := biz.NewBlacklistStore(c, repo, log.DefaultLogger)
	r := NewRefresher(c, store, log.DefaultLogger)
	r.interval = 10 * time.Millisecond
	return r, store, repo
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func record(t *testing.T, s string) biz.FingerprintRecord {
	t.Helper()
	d, err := hash.ParseDigest(s)
	if err != nil {
		t.Fatalf("ParseDigest(%q) failed: %v", s, err)
	}
	return biz.FingerprintRecord{Digest: d, Algorithm: hash.PHash}
}

func TestRefresher_LoadsAndReloads(t *testing.T) {
	r, store, repo := newTestRefresher(t, marker+"\na1b2c3d4e5f60710", 0)
	go r.Start(context.Background())

	waitFor(t, "initial load", func() bool { return store.Snapshot().Len() == 1 })

	repo.set(marker + "\na1b2c3d4e5f60710 ffffffffffffffff")
	waitFor(t, "reload on tick", func() bool { return store.Snapshot().Len() == 2 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Stop failed: %v", err)
	}
}

func TestRefresher_StopFlushesPending(t *testing.T) {
	r, store, repo := newTestRefresher(t, marker+"\na1b2c3d4e5f60710", 1)
	r.interval = time.Hour
	go r.Start(context.Background())
	waitFor(t, "initial load", func() bool { return store.Snapshot().Len() == 1 })

	ctx := context.Background()
	if _, status, _ := store.Append(ctx, []biz.FingerprintRecord{record(t, "0000000000000001")}); status != biz.Persisted {
		t.Fatalf("First append = %s; want persisted", status)
	}
	if _, status, _ := store.Append(ctx, []biz.FingerprintRecord{record(t, "0000000000000002")}); status != biz.Throttled {
		t.Fatalf("Second append = %s; want throttled", status)
	}
	if strings.Contains(repo.get(), "0000000000000002") {
		t.Fatal("Throttled entry must not be written yet")
	}

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := r.Stop(stopCtx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if !strings.Contains(repo.get(), "0000000000000002") {
		t.Errorf("Expected shutdown flush to write the pending entry, got %q", repo.get())
	}
}

func TestRefresher_StopIsIdempotent(t *testing.T) {
	r, _, _ := newTestRefresher(t, marker, 0)
	go r.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := r.Stop(ctx); err != nil {
		t.Errorf("Second Stop failed: %v", err)
	}
}
