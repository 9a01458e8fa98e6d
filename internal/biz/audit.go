package biz

import (
	"context"
	"time"
)

// AuditEntry records one gated moderation decision, including log-only and
// downgraded ones.
type AuditEntry struct {
	ID            int64
	MessageID     string
	ChannelID     string
	ActorID       string
	Proposed      string
	Action        string
	Rule          string
	Distance      int
	MatchedDigest string
	Classifier    string
	Label         string
	Confidence    float64
	Error         string
	CreatedAt     time.Time
}

// AuditRepo stores audit entries.
type AuditRepo interface {
	Record(ctx context.Context, e *AuditEntry) error
	List(ctx context.Context, offset, limit int) ([]*AuditEntry, int64, error)
}
