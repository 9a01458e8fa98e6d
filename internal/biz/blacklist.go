package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"phashguard/internal/conf"
	"phashguard/internal/pkg/hash"
	"phashguard/internal/pkg/syncutil"

	"github.com/go-kratos/kratos/v2/log"
)

const historyPageSize = 100

// DocumentHandle addresses the persisted blacklist message.
type DocumentHandle struct {
	ChannelID string
	MessageID string
}

// Document is a fetched message.
type Document struct {
	Handle   DocumentHandle
	Body     string
	Pinned   bool
	EditedAt time.Time
}

// DocumentRepo reads and writes chat messages holding the blacklist.
// Implementations wrap missing messages in ErrDocumentNotFound and
// permission failures in ErrPersistenceDenied.
type DocumentRepo interface {
	GetMessage(ctx context.Context, channelID, messageID string) (*Document, error)
	ListPins(ctx context.Context, channelID string) ([]*Document, error)
	// ListHistory returns up to limit messages older than before, newest
	// first. An empty before starts from the latest message.
	ListHistory(ctx context.Context, channelID, before string, limit int) ([]*Document, error)
	EditMessage(ctx context.Context, h DocumentHandle, body string) (*Document, error)
	CreateMessage(ctx context.Context, channelID, body string) (*Document, error)
}

// PersistStatus is the outcome of a persist attempt.
type PersistStatus int

const (
	Persisted PersistStatus = iota
	Throttled
	Failed
)

func (s PersistStatus) String() string {
	switch s {
	case Persisted:
		return "persisted"
	case Throttled:
		return "throttled"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// BlacklistStore owns the in-memory snapshot and keeps it in sync with the
// persisted document. Mutations are serialized; Snapshot is lock-free.
type BlacklistStore struct {
	repo DocumentRepo
	cfg  conf.Blacklist
	mu   *syncutil.Mutex
	snap atomic.Pointer[Snapshot]

	// guarded by mu
	handle        *DocumentHandle
	dirty         bool
	lastAttempt   time.Time
	discoveryLost bool

	now func() time.Time
	log *log.Helper
}

// NewBlacklistStore creates a store with an empty snapshot.
func NewBlacklistStore(c *conf.Blacklist, repo DocumentRepo, logger log.Logger) *BlacklistStore {
	s := &BlacklistStore{
		repo: repo,
		cfg:  *c,
		mu:   syncutil.NewMutex(),
		now:  time.Now,
		log:  log.NewHelper(log.With(logger, "module", "biz/blacklist")),
	}
	s.snap.Store(&Snapshot{})
	return s
}

// Snapshot returns the current snapshot. Callers must not modify it.
func (s *BlacklistStore) Snapshot() *Snapshot {
	return s.snap.Load()
}

// Dirty reports whether changes are waiting for the next persist.
func (s *BlacklistStore) Dirty(ctx context.Context) (bool, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()
	return s.dirty, nil
}

// Discover locates the document and caches its handle.
func (s *BlacklistStore) Discover(ctx context.Context) (*DocumentHandle, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.discoverLocked(ctx)
}

func (s *BlacklistStore) discoverLocked(ctx context.Context) (*DocumentHandle, error) {
	if s.handle != nil {
		h := *s.handle
		return &h, nil
	}

	var lastErr error
	if s.cfg.MessageID != "" {
		doc, err := s.repo.GetMessage(ctx, s.cfg.ChannelID, s.cfg.MessageID)
		if err == nil {
			return s.remember(doc.Handle, "configured"), nil
		}
		s.log.Warnf("configured blacklist message %s unavailable: %v", s.cfg.MessageID, err)
		lastErr = err
	}

	pins, err := s.repo.ListPins(ctx, s.cfg.ChannelID)
	if err != nil {
		lastErr = err
	}
	for _, doc := range pins {
		if strings.Contains(doc.Body, s.cfg.Marker) {
			return s.remember(doc.Handle, "pins"), nil
		}
	}

	before := ""
	for scanned := 0; scanned < s.cfg.HistoryScanLimit; {
		page, err := s.repo.ListHistory(ctx, s.cfg.ChannelID, before, min(historyPageSize, s.cfg.HistoryScanLimit-scanned))
		if err != nil {
			lastErr = err
			break
		}
		if len(page) == 0 {
			break
		}
		for _, doc := range page {
			if strings.Contains(doc.Body, s.cfg.Marker) {
				return s.remember(doc.Handle, "history"), nil
			}
		}
		scanned += len(page)
		before = page[len(page)-1].Handle.MessageID
	}

	if !s.discoveryLost {
		s.log.Errorf("blacklist document with marker %s not found in channel %s", s.cfg.Marker, s.cfg.ChannelID)
		s.discoveryLost = true
	}
	if lastErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiscoveryFailure, lastErr)
	}
	return nil, ErrDiscoveryFailure
}

func (s *BlacklistStore) remember(h DocumentHandle, via string) *DocumentHandle {
	s.log.Infof("blacklist document %s/%s discovered via %s", h.ChannelID, h.MessageID, via)
	s.handle = &h
	s.discoveryLost = false
	out := h
	return &out
}

// Load fetches and parses the document, replacing the snapshot.
func (s *BlacklistStore) Load(ctx context.Context) (*Snapshot, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.loadLocked(ctx)
}

func (s *BlacklistStore) loadLocked(ctx context.Context) (*Snapshot, error) {
	h, err := s.discoverLocked(ctx)
	if err != nil {
		return nil, err
	}
	doc, err := s.repo.GetMessage(ctx, h.ChannelID, h.MessageID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			s.handle = nil
		}
		return nil, fmt.Errorf("load blacklist document: %w", err)
	}

	records := ParseDocument(doc.Body, s.cfg.Marker)
	if len(records) > s.cfg.MaxItems {
		records = records[len(records)-s.cfg.MaxItems:]
	}
	next := &Snapshot{
		Records:           records,
		SourceFingerprint: hash.HashTextSha256(doc.Body),
		LastFetchedAt:     s.now(),
		LastEditedAt:      doc.EditedAt,
	}
	s.snap.Store(next)
	s.dirty = false
	blacklistSize.Set(float64(len(records)))
	s.log.Debugf("loaded %d fingerprints from blacklist document", len(records))
	return next, nil
}

// Append merges records, deduplicated by exact digest, keeps at most
// MaxItems of the newest, and attempts to persist. The in-memory snapshot
// is updated even when persisting fails.
func (s *BlacklistStore) Append(ctx context.Context, records []FingerprintRecord) (*Snapshot, PersistStatus, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return nil, Failed, err
	}
	defer unlock()

	cur := s.snap.Load()
	merged, added := mergeRecords(cur.Records, records, s.cfg.MaxItems, s.now())
	if added > 0 {
		next := *cur
		next.Records = merged
		s.snap.Store(&next)
		s.dirty = true
		blacklistSize.Set(float64(len(merged)))
	}

	status, err := s.persistLocked(ctx)
	return s.snap.Load(), status, err
}

// Persist writes the snapshot to the document if it changed and the edit
// interval allows.
func (s *BlacklistStore) Persist(ctx context.Context) (PersistStatus, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return Failed, err
	}
	defer unlock()
	return s.persistLocked(ctx)
}

func (s *BlacklistStore) persistLocked(ctx context.Context) (status PersistStatus, err error) {
	defer func() {
		persistOutcomeCount.WithLabelValues(status.String()).Inc()
	}()

	cur := s.snap.Load()
	body, dropped := RenderDocument(s.cfg.Marker, cur.Records, s.cfg.MaxDocumentBytes)
	fp := hash.HashTextSha256(body)
	if fp == cur.SourceFingerprint {
		s.dirty = false
		return Throttled, nil
	}

	now := s.now()
	if !s.lastAttempt.IsZero() && now.Sub(s.lastAttempt) < s.cfg.MinEditInterval() {
		s.dirty = true
		return Throttled, nil
	}
	s.lastAttempt = now
	if dropped > 0 {
		s.log.Warnf("blacklist export exceeds %d bytes, omitting %d oldest fingerprints", s.cfg.MaxDocumentBytes, dropped)
	}

	doc, err := s.writeLocked(ctx, body)
	if err != nil {
		s.dirty = true
		s.log.Errorf("persist blacklist: %v", err)
		return Failed, err
	}

	next := *cur
	next.SourceFingerprint = fp
	next.LastEditedAt = doc.EditedAt
	if next.LastEditedAt.IsZero() {
		next.LastEditedAt = now
	}
	s.snap.Store(&next)
	s.dirty = false
	s.log.Infof("persisted %d fingerprints to %s/%s", len(cur.Records)-dropped, doc.Handle.ChannelID, doc.Handle.MessageID)
	return Persisted, nil
}

func (s *BlacklistStore) writeLocked(ctx context.Context, body string) (*Document, error) {
	h, err := s.discoverLocked(ctx)
	if err == nil {
		doc, err := s.repo.EditMessage(ctx, *h, body)
		if err == nil {
			return doc, nil
		}
		if !errors.Is(err, ErrDocumentNotFound) {
			return nil, persistenceDenied(err)
		}
		s.handle = nil
	} else if !errors.Is(err, ErrDiscoveryFailure) {
		return nil, err
	}

	if s.cfg.Strict {
		return nil, fmt.Errorf("%w: strict mode forbids creating a new document", ErrDocumentNotFound)
	}
	doc, err := s.repo.CreateMessage(ctx, s.cfg.ChannelID, body)
	if err != nil {
		return nil, persistenceDenied(err)
	}
	s.remember(doc.Handle, "create")
	return doc, nil
}

func persistenceDenied(err error) error {
	if errors.Is(err, ErrPersistenceDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPersistenceDenied, err)
}

// mergeRecords appends the records whose keys are new, stamping AddedAt,
// and keeps the newest limit.
func mergeRecords(cur, records []FingerprintRecord, limit int, now time.Time) ([]FingerprintRecord, int) {
	seen := make(map[string]bool, len(cur)+len(records))
	merged := make([]FingerprintRecord, 0, len(cur)+len(records))
	for _, r := range cur {
		seen[r.Key()] = true
		merged = append(merged, r)
	}
	added := 0
	for _, r := range records {
		if len(r.Digest) == 0 || seen[r.Key()] {
			continue
		}
		seen[r.Key()] = true
		if r.AddedAt.IsZero() {
			r.AddedAt = now
		}
		merged = append(merged, r)
		added++
	}
	if len(merged) > limit {
		merged = merged[len(merged)-limit:]
	}
	return merged, added
}

// Refresh runs on the timer: pending changes are flushed, otherwise the
// document is merged into the snapshot. A tick that finds another mutation
// in progress is skipped.
func (s *BlacklistStore) Refresh(ctx context.Context) error {
	unlock, ok := s.mu.TryLock()
	if !ok {
		s.log.Debug("blacklist busy, skipping refresh")
		return nil
	}
	defer unlock()

	if s.dirty {
		_, err := s.persistLocked(ctx)
		return err
	}
	return s.reloadLocked(ctx)
}

// reloadLocked picks up entries added to the document by others. Records
// the export left out stay in the snapshot; an unchanged document since our
// own last write is not parsed again.
func (s *BlacklistStore) reloadLocked(ctx context.Context) error {
	h, err := s.discoverLocked(ctx)
	if err != nil {
		return err
	}
	doc, err := s.repo.GetMessage(ctx, h.ChannelID, h.MessageID)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			s.handle = nil
		}
		return fmt.Errorf("reload blacklist document: %w", err)
	}

	cur := s.snap.Load()
	next := *cur
	next.LastFetchedAt = s.now()
	fp := hash.HashTextSha256(doc.Body)
	if fp == cur.SourceFingerprint {
		s.snap.Store(&next)
		return nil
	}

	merged, added := mergeRecords(cur.Records, ParseDocument(doc.Body, s.cfg.Marker), s.cfg.MaxItems, next.LastFetchedAt)
	next.Records = merged
	next.SourceFingerprint = fp
	next.LastEditedAt = doc.EditedAt
	s.snap.Store(&next)
	blacklistSize.Set(float64(len(merged)))
	s.log.Debugf("merged %d new fingerprints from blacklist document", added)
	return nil
}

// Flush persists pending changes during shutdown. If the last attempt was
// too recent it waits out the edit interval, bounded by ctx.
func (s *BlacklistStore) Flush(ctx context.Context) (PersistStatus, error) {
	unlock, err := s.mu.LockContext(ctx)
	if err != nil {
		return Failed, err
	}
	defer unlock()

	if !s.dirty {
		return Throttled, nil
	}
	if !s.lastAttempt.IsZero() {
		wait := s.cfg.MinEditInterval() - s.now().Sub(s.lastAttempt)
		if wait > 0 {
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return Failed, fmt.Errorf("flush blacklist: %w", ctx.Err())
			}
		}
	}
	return s.persistLocked(ctx)
}
