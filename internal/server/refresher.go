package server

import (
	"context"
	"sync"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport"
)

var _ transport.Server = (*Refresher)(nil)

// Refresher keeps the blacklist snapshot in sync with its document. It
// loads on start, refreshes on every tick and flushes pending edits on
// stop.
type Refresher struct {
	store    *biz.BlacklistStore
	interval time.Duration
	log      *log.Helper

	once sync.Once
	stop chan struct{}
	done chan struct{}
}

func NewRefresher(c *conf.Blacklist, store *biz.BlacklistStore, logger log.Logger) *Refresher {
	interval := c.RefreshInterval()
	if interval <= 0 {
		interval = time.Minute
	}
	return &Refresher{
		store:    store,
		interval: interval,
		log:      log.NewHelper(log.With(logger, "module", "server/refresher")),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start blocks until Stop is called or ctx is done.
func (r *Refresher) Start(ctx context.Context) error {
	defer close(r.done)

	if snap, err := r.store.Load(ctx); err != nil {
		r.log.Errorf("initial blacklist load: %v", err)
	} else {
		r.log.Infof("blacklist loaded with %d fingerprints", snap.Len())
	}

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.stop:
			return nil
		case <-ticker.C:
			if err := r.store.Refresh(ctx); err != nil {
				r.log.Warnf("blacklist refresh: %v", err)
			}
		}
	}
}

// Stop ends the loop and flushes pending changes. ctx bounds the flush.
func (r *Refresher) Stop(ctx context.Context) error {
	r.once.Do(func() { close(r.stop) })
	select {
	case <-r.done:
	case <-ctx.Done():
	}

	status, err := r.store.Flush(ctx)
	if err != nil {
		r.log.Errorf("flush blacklist on shutdown: %v", err)
		return err
	}
	r.log.Infof("blacklist flush on shutdown: %s", status)
	return nil
}
