package biz

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
)

var testLogger = log.NewStdLogger(discard{})

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

// fakeDocRepo keeps messages per channel in posting order.
type fakeDocRepo struct {
	mu       sync.Mutex
	messages map[string][]*Document
	nextID   int

	gets, pins, history, edits, creates int
	editErr                             error
	pinsErr                             error
}

func newFakeDocRepo() *fakeDocRepo {
	return &fakeDocRepo{messages: make(map[string][]*Document), nextID: 1000}
}

func (r *fakeDocRepo) post(channelID, body string, pinned bool) *Document {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	doc := &Document{
		Handle: DocumentHandle{ChannelID: channelID, MessageID: strconv.Itoa(r.nextID)},
		Body:   body,
		Pinned: pinned,
	}
	r.messages[channelID] = append(r.messages[channelID], doc)
	return doc
}

func (r *fakeDocRepo) body(h DocumentHandle) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.messages[h.ChannelID] {
		if d.Handle.MessageID == h.MessageID {
			return d.Body
		}
	}
	return ""
}

func (r *fakeDocRepo) GetMessage(_ context.Context, channelID, messageID string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gets++
	for _, d := range r.messages[channelID] {
		if d.Handle.MessageID == messageID {
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", messageID, ErrDocumentNotFound)
}

func (r *fakeDocRepo) ListPins(_ context.Context, channelID string) ([]*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pins++
	if r.pinsErr != nil {
		return nil, r.pinsErr
	}
	var out []*Document
	for _, d := range r.messages[channelID] {
		if d.Pinned {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeDocRepo) ListHistory(_ context.Context, channelID, before string, limit int) ([]*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history++
	msgs := r.messages[channelID]
	var out []*Document
	for i := len(msgs) - 1; i >= 0 && len(out) < limit; i-- {
		if before != "" {
			a, _ := strconv.Atoi(msgs[i].Handle.MessageID)
			b, _ := strconv.Atoi(before)
			if a >= b {
				continue
			}
		}
		cp := *msgs[i]
		out = append(out, &cp)
	}
	return out, nil
}

func (r *fakeDocRepo) EditMessage(_ context.Context, h DocumentHandle, body string) (*Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.edits++
	if r.editErr != nil {
		return nil, r.editErr
	}
	for _, d := range r.messages[h.ChannelID] {
		if d.Handle.MessageID == h.MessageID {
			d.Body = body
			d.EditedAt = time.Now()
			cp := *d
			return &cp, nil
		}
	}
	return nil, fmt.Errorf("message %s: %w", h.MessageID, ErrDocumentNotFound)
}

func (r *fakeDocRepo) CreateMessage(_ context.Context, channelID, body string) (*Document, error) {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	return r.post(channelID, body, false), nil
}

func (r *fakeDocRepo) networkCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets + r.pins + r.history + r.edits + r.creates
}

type moderatorCall struct {
	Kind    string
	ActorID string
}

type fakeModerator struct {
	mu    sync.Mutex
	calls []moderatorCall
	err   error
}

func (m *fakeModerator) add(kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, moderatorCall{Kind: kind, ActorID: id})
	return m.err
}

func (m *fakeModerator) Ban(_ context.Context, actorID, _, _ string) error {
	return m.add("ban", actorID)
}

func (m *fakeModerator) Quarantine(_ context.Context, actorID string, _ time.Duration, _ string) error {
	return m.add("quarantine", actorID)
}

func (m *fakeModerator) Delete(_ context.Context, _, messageID, _ string) error {
	return m.add("delete", messageID)
}

func (m *fakeModerator) kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, c := range m.calls {
		out = append(out, c.Kind)
	}
	return out
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*AuditEntry
}

func (a *fakeAudit) Record(_ context.Context, e *AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, e)
	return nil
}

func (a *fakeAudit) List(_ context.Context, offset, limit int) ([]*AuditEntry, int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	total := int64(len(a.entries))
	if offset >= len(a.entries) {
		return nil, total, nil
	}
	end := min(offset+limit, len(a.entries))
	return a.entries[offset:end], total, nil
}

// fakeProvider answers after delay, or blocks until ctx is done when hang
// is set.
type fakeProvider struct {
	name    string
	verdict ProviderVerdict
	err     error
	delay   time.Duration
	hang    bool

	mu    sync.Mutex
	calls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) Classify(ctx context.Context, _ ClassifyPayload) (ProviderVerdict, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	if p.hang {
		<-ctx.Done()
		return ProviderVerdict{}, ctx.Err()
	}
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return ProviderVerdict{}, ctx.Err()
		}
	}
	return p.verdict, p.err
}

func (p *fakeProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeBenignCache struct {
	mu  sync.Mutex
	set map[string]bool
	err error
}

func newFakeBenignCache() *fakeBenignCache {
	return &fakeBenignCache{set: make(map[string]bool)}
}

func (c *fakeBenignCache) Contains(_ context.Context, digest string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return false, c.err
	}
	return c.set[digest], nil
}

func (c *fakeBenignCache) Add(_ context.Context, digest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.set[digest] = true
	return nil
}

var errBoom = errors.New("boom")
