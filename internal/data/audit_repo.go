package data

import (
	"context"
	"sync"
	"time"

	"phashguard/internal/biz"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/jackc/pgx/v5"
)

const memoryAuditCapacity = 1000

// NewAuditRepo stores entries in postgres, or in a bounded in-memory ring
// when no database is configured.
func NewAuditRepo(d *Data, logger log.Logger) biz.AuditRepo {
	helper := log.NewHelper(log.With(logger, "module", "data/audit"))
	if d.Pool == nil {
		return newMemoryAuditRepo(memoryAuditCapacity, helper)
	}
	return &auditRepo{data: d, log: helper}
}

type auditRepo struct {
	data *Data
	log  *log.Helper
}

const insertAudit = `INSERT INTO moderation_audit
	(message_id, channel_id, actor_id, proposed, action, rule, distance,
	 matched_digest, classifier, label, confidence, error, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	RETURNING id`

func (r *auditRepo) Record(ctx context.Context, e *biz.AuditEntry) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	return r.data.Pool.QueryRow(ctx, insertAudit,
		e.MessageID, e.ChannelID, e.ActorID, e.Proposed, e.Action, e.Rule, e.Distance,
		e.MatchedDigest, e.Classifier, e.Label, e.Confidence, e.Error, e.CreatedAt,
	).Scan(&e.ID)
}

const listAudit = `SELECT id, message_id, channel_id, actor_id, proposed, action, rule,
	distance, matched_digest, classifier, label, confidence, error, created_at
	FROM moderation_audit ORDER BY id DESC LIMIT $1 OFFSET $2`

func (r *auditRepo) List(ctx context.Context, offset, limit int) ([]*biz.AuditEntry, int64, error) {
	var total int64
	if err := r.data.Pool.QueryRow(ctx, `SELECT count(*) FROM moderation_audit`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.data.Pool.Query(ctx, listAudit, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*biz.AuditEntry, error) {
		e := &biz.AuditEntry{}
		err := row.Scan(&e.ID, &e.MessageID, &e.ChannelID, &e.ActorID, &e.Proposed, &e.Action, &e.Rule,
			&e.Distance, &e.MatchedDigest, &e.Classifier, &e.Label, &e.Confidence, &e.Error, &e.CreatedAt)
		return e, err
	})
	if err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// memoryAuditRepo keeps the newest entries and logs every one.
type memoryAuditRepo struct {
	mu      sync.Mutex
	entries []*biz.AuditEntry
	cap     int
	nextID  int64
	log     *log.Helper
}

func newMemoryAuditRepo(capacity int, helper *log.Helper) *memoryAuditRepo {
	return &memoryAuditRepo{cap: capacity, log: helper}
}

func (r *memoryAuditRepo) Record(_ context.Context, e *biz.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	e.ID = r.nextID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, e)
	if len(r.entries) > r.cap {
		r.entries = r.entries[len(r.entries)-r.cap:]
	}
	r.log.Infow("msg", "audit", "action", e.Action, "rule", e.Rule, "actor", e.ActorID, "message", e.MessageID,
		"proposed", e.Proposed, "distance", e.Distance, "error", e.Error)
	return nil
}

// List returns entries newest first.
func (r *memoryAuditRepo) List(_ context.Context, offset, limit int) ([]*biz.AuditEntry, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	total := int64(len(r.entries))
	var out []*biz.AuditEntry
	for i := len(r.entries) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, r.entries[i])
	}
	return out, total, nil
}
