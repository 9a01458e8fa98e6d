package service

import (
	"context"
	"time"

	"phashguard/internal/biz"
)

// ModerationService handles message events and dry match requests.
type ModerationService struct {
	uc *biz.ModerationUsecase
}

// NewModerationService creates a new ModerationService.
func NewModerationService(uc *biz.ModerationUsecase) *ModerationService {
	return &ModerationService{uc: uc}
}

type AttachmentRequest struct {
	URL         string `json:"url"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	// Data is base64 in JSON.
	Data []byte `json:"data,omitempty"`
}

// MessageEventRequest is one chat message delivered by the guard call-site.
type MessageEventRequest struct {
	MessageID       string              `json:"message_id"`
	ChannelID       string              `json:"channel_id"`
	GuildID         string              `json:"guild_id"`
	AuthorID        string              `json:"author_id"`
	AuthorCreatedAt *time.Time          `json:"author_created_at,omitempty"`
	Content         string              `json:"content"`
	Attachments     []AttachmentRequest `json:"attachments"`
}

type ClassificationReply struct {
	Label        string  `json:"label"`
	Confidence   float64 `json:"confidence"`
	Provider     string  `json:"provider"`
	UsedFallback bool    `json:"used_fallback"`
}

type DecisionReply struct {
	MessageID      string               `json:"message_id"`
	Verdict        string               `json:"verdict"`
	Action         string               `json:"action"`
	Downgrades     []string             `json:"downgrades,omitempty"`
	Suppressed     bool                 `json:"suppressed,omitempty"`
	Distance       int                  `json:"distance"`
	MatchedDigest  string               `json:"matched_digest,omitempty"`
	MatchedURL     string               `json:"matched_url,omitempty"`
	Classification *ClassificationReply `json:"classification,omitempty"`
	Hashed         int                  `json:"hashed"`
	Skipped        int                  `json:"skipped"`
	ActionError    string               `json:"action_error,omitempty"`
}

// HandleMessage runs the moderation pipeline for one message.
func (s *ModerationService) HandleMessage(ctx context.Context, in *MessageEventRequest) (*DecisionReply, error) {
	if in.MessageID == "" || in.AuthorID == "" {
		return nil, toServiceError(biz.ErrInvalidRequest)
	}
	ev := biz.MessageEvent{
		MessageID: in.MessageID,
		ChannelID: in.ChannelID,
		GuildID:   in.GuildID,
		Author:    biz.Actor{ID: in.AuthorID, AccountCreatedAt: snowflakeTime(in.AuthorID)},
		Content:   in.Content,
	}
	if in.AuthorCreatedAt != nil {
		ev.Author.AccountCreatedAt = *in.AuthorCreatedAt
	}
	for _, a := range in.Attachments {
		ev.Attachments = append(ev.Attachments, biz.Attachment{
			URL:         a.URL,
			Filename:    a.Filename,
			ContentType: a.ContentType,
			Data:        a.Data,
		})
	}

	d, err := s.uc.HandleMessage(ctx, ev)
	if err != nil {
		return nil, toServiceError(err)
	}
	return toDecisionReply(d), nil
}

type MatchRequest struct {
	URL       string   `json:"url"`
	Data      []byte   `json:"data,omitempty"`
	Digests   []string `json:"digests"`
	Algorithm string   `json:"algorithm"`
}

type MatchReply struct {
	Verdict       string   `json:"verdict"`
	Distance      int      `json:"distance"`
	MatchedDigest string   `json:"matched_digest,omitempty"`
	Fingerprints  []string `json:"fingerprints"`
}

// Match evaluates an image or digest against the blacklist without acting.
func (s *ModerationService) Match(ctx context.Context, in *MatchRequest) (*MatchReply, error) {
	res, fps, err := s.uc.Evaluate(ctx, biz.IngestRequest{URL: in.URL, Data: in.Data, Digests: in.Digests, Algorithm: in.Algorithm})
	if err != nil {
		return nil, toServiceError(err)
	}
	reply := &MatchReply{
		Verdict:       res.Verdict.String(),
		Distance:      res.Distance,
		MatchedDigest: res.MatchedDigest,
		Fingerprints:  make([]string, 0, len(fps)),
	}
	for _, fp := range fps {
		reply.Fingerprints = append(reply.Fingerprints, fp.String())
	}
	return reply, nil
}

func toDecisionReply(d *biz.Decision) *DecisionReply {
	r := &DecisionReply{
		MessageID:     d.MessageID,
		Verdict:       d.Verdict.String(),
		Action:        d.Final.Action.String(),
		Downgrades:    d.Final.Downgrades,
		Suppressed:    d.Final.Suppressed,
		Distance:      d.Match.Distance,
		MatchedDigest: d.Match.MatchedDigest,
		MatchedURL:    d.MatchedURL,
		Hashed:        d.Hashed,
		Skipped:       d.Skipped,
	}
	if c := d.Classification; c != nil {
		r.Classification = &ClassificationReply{
			Label:        string(c.Label),
			Confidence:   c.Confidence,
			Provider:     c.Provider,
			UsedFallback: c.UsedFallback,
		}
	}
	if d.ActionErr != nil {
		r.ActionError = d.ActionErr.Error()
	}
	return r
}
