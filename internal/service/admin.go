package service

import (
	"context"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/pkg/pagination"
)

// AdminService manages the blacklist and exposes gate and audit state.
type AdminService struct {
	uc *biz.ModerationUsecase
}

// NewAdminService creates a new AdminService.
func NewAdminService(uc *biz.ModerationUsecase) *AdminService {
	return &AdminService{uc: uc}
}

type AddBlacklistRequest struct {
	URL       string   `json:"url"`
	Data      []byte   `json:"data,omitempty"`
	Digests   []string `json:"digests"`
	Algorithm string   `json:"algorithm"`
}

type AddBlacklistReply struct {
	Added        []string `json:"added"`
	Total        int      `json:"total"`
	Persist      string   `json:"persist"`
	PersistError string   `json:"persist_error,omitempty"`
}

// AddBlacklist fingerprints an image, or takes raw digests, and appends
// them. A failed persist still reports success: the entries are live in
// memory and the refresher retries the write.
func (s *AdminService) AddBlacklist(ctx context.Context, in *AddBlacklistRequest) (*AddBlacklistReply, error) {
	snap, status, records, err := s.uc.Ingest(ctx, biz.IngestRequest{
		URL:       in.URL,
		Data:      in.Data,
		Digests:   in.Digests,
		Algorithm: in.Algorithm,
	})
	if snap == nil {
		return nil, toServiceError(err)
	}
	reply := &AddBlacklistReply{
		Added:   make([]string, 0, len(records)),
		Total:   snap.Len(),
		Persist: status.String(),
	}
	for _, r := range records {
		reply.Added = append(reply.Added, r.Key())
	}
	if err != nil {
		reply.PersistError = err.Error()
	}
	return reply, nil
}

type ListBlacklistRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type BlacklistEntry struct {
	Algorithm string    `json:"algorithm"`
	Digest    string    `json:"digest"`
	AddedAt   time.Time `json:"added_at,omitzero"`
}

// ListBlacklist pages the current snapshot, newest first.
func (s *AdminService) ListBlacklist(_ context.Context, in *ListBlacklistRequest) (*pagination.OffsetResponse[BlacklistEntry], error) {
	snap := s.uc.Snapshot()
	entries := make([]BlacklistEntry, 0, snap.Len())
	if snap != nil {
		for i := len(snap.Records) - 1; i >= 0; i-- {
			r := snap.Records[i]
			entries = append(entries, BlacklistEntry{
				Algorithm: string(r.Algorithm),
				Digest:    r.Digest.String(),
				AddedAt:   r.AddedAt,
			})
		}
	}
	return pagination.Slice(entries, pagination.NewOffsetRequest(in.Page, in.PageSize)), nil
}

type PersistRequest struct{}

type PersistReply struct {
	Status string `json:"status"`
}

// PersistBlacklist forces a write attempt, subject to the edit interval.
func (s *AdminService) PersistBlacklist(ctx context.Context, _ *PersistRequest) (*PersistReply, error) {
	status, err := s.uc.Persist(ctx)
	if err != nil {
		return nil, toServiceError(err)
	}
	return &PersistReply{Status: status.String()}, nil
}

type GateStatsRequest struct{}

type GateStatsReply struct {
	TrackedActors       int       `json:"tracked_actors"`
	BansInWindow        int       `json:"bans_in_window"`
	LastBanAt           time.Time `json:"last_ban_at,omitzero"`
	WarmupRemainingSec  float64   `json:"warmup_remaining_seconds"`
	DryRun              bool      `json:"dry_run"`
	BreakerOpen         bool      `json:"breaker_open"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	BlacklistSize       int       `json:"blacklist_size"`
	Classifiers         []string  `json:"classifiers"`
}

func (s *AdminService) GateStats(_ context.Context, _ *GateStatsRequest) (*GateStatsReply, error) {
	st := s.uc.GateStats()
	return &GateStatsReply{
		TrackedActors:       st.TrackedActors,
		BansInWindow:        st.BansInWindow,
		LastBanAt:           st.LastBanAt,
		WarmupRemainingSec:  st.WarmupRemaining.Seconds(),
		DryRun:              st.DryRun,
		BreakerOpen:         st.BreakerOpen,
		ConsecutiveFailures: st.ConsecutiveFailures,
		BlacklistSize:       s.uc.Snapshot().Len(),
		Classifiers:         s.uc.Providers(),
	}, nil
}

type ListAuditRequest struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
}

type AuditEntryReply struct {
	ID            int64     `json:"id"`
	MessageID     string    `json:"message_id"`
	ChannelID     string    `json:"channel_id"`
	ActorID       string    `json:"actor_id"`
	Proposed      string    `json:"proposed"`
	Action        string    `json:"action"`
	Rule          string    `json:"rule,omitempty"`
	Distance      int       `json:"distance"`
	MatchedDigest string    `json:"matched_digest,omitempty"`
	Classifier    string    `json:"classifier,omitempty"`
	Label         string    `json:"label,omitempty"`
	Confidence    float64   `json:"confidence,omitempty"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// ListAudit pages recorded moderation decisions, newest first.
func (s *AdminService) ListAudit(ctx context.Context, in *ListAuditRequest) (*pagination.OffsetResponse[AuditEntryReply], error) {
	req := pagination.NewOffsetRequest(in.Page, in.PageSize)
	entries, total, err := s.uc.AuditLog(ctx, req.GetOffset(), req.GetPageSize())
	if err != nil {
		return nil, toServiceError(err)
	}
	items := make([]AuditEntryReply, 0, len(entries))
	for _, e := range entries {
		items = append(items, AuditEntryReply{
			ID:            e.ID,
			MessageID:     e.MessageID,
			ChannelID:     e.ChannelID,
			ActorID:       e.ActorID,
			Proposed:      e.Proposed,
			Action:        e.Action,
			Rule:          e.Rule,
			Distance:      e.Distance,
			MatchedDigest: e.MatchedDigest,
			Classifier:    e.Classifier,
			Label:         e.Label,
			Confidence:    e.Confidence,
			Error:         e.Error,
			CreatedAt:     e.CreatedAt,
		})
	}
	return pagination.BuildOffsetResponse(items, req, total), nil
}
