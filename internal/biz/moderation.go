package biz

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"phashguard/internal/conf"
	"phashguard/internal/pkg/hash"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/semaphore"
)

// Attachment is one file on an incoming message. Data takes precedence
// over URL when both are set.
type Attachment struct {
	URL         string
	Filename    string
	ContentType string
	Data        []byte
}

// MessageEvent is what a guard call-site hands to the pipeline.
type MessageEvent struct {
	MessageID   string
	ChannelID   string
	GuildID     string
	Author      Actor
	Content     string
	Attachments []Attachment
	ReceivedAt  time.Time
}

// Moderator executes actions on the chat platform.
type Moderator interface {
	Ban(ctx context.Context, actorID, reason, evidenceURL string) error
	Quarantine(ctx context.Context, actorID string, d time.Duration, reason string) error
	Delete(ctx context.Context, channelID, messageID, reason string) error
}

// Decision is the outcome of HandleMessage.
type Decision struct {
	MessageID      string
	Match          MatchResult
	MatchedURL     string
	Classification *ClassificationResult
	Verdict        Verdict
	Final          FinalVerdict
	Hashed         int
	Skipped        int
	ActionErr      error
}

// IngestRequest adds fingerprints either from an image or from digests.
type IngestRequest struct {
	URL       string
	Data      []byte
	Digests   []string
	Algorithm string
}

// ModerationUsecase runs the hash, match, classify, gate and act pipeline.
type ModerationUsecase struct {
	cfg        conf.Pipeline
	match      conf.Match
	quarantine time.Duration
	alg        hash.Algorithm

	hasher    *hash.Hasher
	store     *BlacklistStore
	engine    *MatchEngine
	gate      *ActionGate
	bridge    *ClassifierBridge
	moderator Moderator
	audit     AuditRepo
	sem       *semaphore.Weighted

	log *log.Helper
}

// NewModerationUsecase creates a new ModerationUsecase.
func NewModerationUsecase(
	bc *conf.Bootstrap,
	hasher *hash.Hasher,
	store *BlacklistStore,
	engine *MatchEngine,
	gate *ActionGate,
	bridge *ClassifierBridge,
	moderator Moderator,
	audit AuditRepo,
	logger log.Logger,
) (*ModerationUsecase, error) {
	alg, err := hash.ParseAlgorithm(bc.Match.Algorithm)
	if err != nil {
		return nil, err
	}
	workers := bc.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}
	return &ModerationUsecase{
		cfg:        bc.Pipeline,
		match:      bc.Match,
		quarantine: time.Duration(bc.Gate.QuarantineMinutes) * time.Minute,
		alg:        alg,
		hasher:     hasher,
		store:      store,
		engine:     engine,
		gate:       gate,
		bridge:     bridge,
		moderator:  moderator,
		audit:      audit,
		sem:        semaphore.NewWeighted(int64(workers)),
		log:        log.NewHelper(log.With(logger, "module", "biz/moderation")),
	}, nil
}

type hashed struct {
	att Attachment
	fps []hash.Fingerprint
	err error
}

// HandleMessage decides on and executes the action for one message.
// Attachments that cannot be fingerprinted are skipped.
func (uc *ModerationUsecase) HandleMessage(ctx context.Context, ev MessageEvent) (*Decision, error) {
	start := time.Now()
	defer func() {
		messageProcessDuration.Observe(time.Since(start).Seconds())
	}()
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = start
	}

	results, err := uc.hashAttachments(ctx, ev.Attachments)
	if err != nil {
		return nil, err
	}

	d := &Decision{MessageID: ev.MessageID, Match: MatchResult{Distance: -1}}
	snap := uc.store.Snapshot()
	var matched *hashed
	for i := range results {
		r := &results[i]
		if r.err != nil {
			d.Skipped++
			uc.log.Warnf("skip attachment %q on message %s: %v", r.att.Filename, ev.MessageID, r.err)
			continue
		}
		d.Hashed++
		m := uc.engine.MatchAny(r.fps, snap)
		if m.Distance >= 0 && (d.Match.Distance < 0 || m.Distance < d.Match.Distance) {
			d.Match = m
			matched = r
		}
	}
	d.Verdict = d.Match.Verdict
	if matched != nil && d.Match.Matched() {
		d.MatchedURL = matched.att.URL
	}
	matchVerdictCount.WithLabelValues(d.Verdict.String()).Inc()

	switch {
	case d.Verdict != VerdictNone && uc.cfg.ClassifyOnMatch:
		cls := uc.bridge.Classify(ctx, uc.payload("", []*hashed{matched}))
		d.Classification = &cls
		d.Verdict = Corroborate(d.Verdict, cls, uc.match.EscalateConfidence, uc.match.VetoConfidence)
	case d.Verdict == VerdictNone && uc.cfg.ClassifyOnMiss && (ev.Content != "" || d.Hashed > 0):
		all := make([]*hashed, 0, len(results))
		for i := range results {
			if results[i].err == nil {
				all = append(all, &results[i])
			}
		}
		cls := uc.bridge.Classify(ctx, uc.payload(ev.Content, all))
		d.Classification = &cls
		if cls.Label == LabelMatch && cls.Confidence >= uc.match.EscalateConfidence {
			d.Verdict = VerdictQuarantine
		}
	}

	d.Final = uc.gate.ShouldAct(ev.Author, d.Verdict, ev.ReceivedAt)
	if d.Final.Action == ActionNone {
		return d, nil
	}

	if d.Final.Action.Destructive() {
		d.ActionErr = uc.execute(ctx, ev, d)
		uc.gate.ReportOutcome(d.Final.Action, d.ActionErr)
	} else {
		uc.log.Warnf("log-only %s for actor %s on message %s (distance=%d, rule=%s)",
			d.Verdict, ev.Author.ID, ev.MessageID, d.Match.Distance, d.Final.Rule())
	}
	uc.record(ctx, ev, d)
	return d, nil
}

// hashAttachments fingerprints attachments on the bounded worker pool.
// Per-attachment failures are reported in the result, not returned.
func (uc *ModerationUsecase) hashAttachments(ctx context.Context, atts []Attachment) ([]hashed, error) {
	out := make([]hashed, len(atts))
	var wg sync.WaitGroup
	for i, att := range atts {
		if err := uc.sem.Acquire(ctx, 1); err != nil {
			wg.Wait()
			return nil, err
		}
		wg.Add(1)
		go func(i int, att Attachment) {
			defer wg.Done()
			defer uc.sem.Release(1)
			fps, err := uc.hashOne(ctx, att)
			out[i] = hashed{att: att, fps: fps, err: err}
		}(i, att)
	}
	wg.Wait()
	return out, nil
}

func (uc *ModerationUsecase) hashOne(ctx context.Context, att Attachment) ([]hash.Fingerprint, error) {
	var (
		fps []hash.Fingerprint
		err error
	)
	if len(att.Data) > 0 {
		fps, err = uc.hasher.Hash(att.Data, uc.alg)
	} else if att.URL != "" {
		fctx, cancel := context.WithTimeout(ctx, uc.cfg.DownloadTimeout())
		defer cancel()
		fps, err = uc.hasher.HashURL(fctx, att.URL, uc.alg)
	} else {
		err = errors.New("attachment has neither data nor url")
	}
	if err != nil {
		var de *hash.DecodeError
		reason := "download"
		if errors.As(err, &de) {
			reason = "decode"
		}
		hashErrorCount.WithLabelValues(reason).Inc()
	}
	return fps, err
}

func (uc *ModerationUsecase) payload(text string, items []*hashed) ClassifyPayload {
	p := ClassifyPayload{Text: text}
	for _, h := range items {
		if h == nil {
			continue
		}
		img := ImagePayload{URL: h.att.URL, Data: h.att.Data, ContentType: h.att.ContentType}
		if len(h.fps) > 0 {
			img.Digest = h.fps[0].String()
		}
		p.Images = append(p.Images, img)
	}
	return p
}

// execute deletes the message when configured, then bans or quarantines.
func (uc *ModerationUsecase) execute(ctx context.Context, ev MessageEvent, d *Decision) error {
	reason := fmt.Sprintf("blacklisted image match (distance %d)", d.Match.Distance)
	if !d.Match.Matched() && d.Classification != nil {
		reason = fmt.Sprintf("classifier %s flagged message (%.2f)", d.Classification.Provider, d.Classification.Confidence)
	}
	if d.Final.Downgraded() {
		reason += "; downgraded: " + d.Final.Rule()
	}

	var errs []error
	if uc.cfg.DeleteOnMatch && ev.MessageID != "" {
		err := uc.moderator.Delete(ctx, ev.ChannelID, ev.MessageID, reason)
		actionOutcomeCount.WithLabelValues("delete", outcomeLabel(err)).Inc()
		if err != nil {
			errs = append(errs, fmt.Errorf("delete message: %w", err))
		}
	}

	var err error
	switch d.Final.Action {
	case ActionBan:
		err = uc.moderator.Ban(ctx, ev.Author.ID, reason, d.MatchedURL)
	case ActionQuarantine:
		err = uc.moderator.Quarantine(ctx, ev.Author.ID, uc.quarantine, reason)
	}
	actionOutcomeCount.WithLabelValues(d.Final.Action.String(), outcomeLabel(err)).Inc()
	if err != nil {
		errs = append(errs, fmt.Errorf("%s actor %s: %w", d.Final.Action, ev.Author.ID, err))
	}

	if err := errors.Join(errs...); err != nil {
		uc.log.Errorf("moderation action failed on message %s: %v", ev.MessageID, err)
		return err
	}
	uc.log.Infof("%s actor %s on message %s (%s)", d.Final.Action, ev.Author.ID, ev.MessageID, reason)
	return nil
}

func (uc *ModerationUsecase) record(ctx context.Context, ev MessageEvent, d *Decision) {
	e := &AuditEntry{
		MessageID:     ev.MessageID,
		ChannelID:     ev.ChannelID,
		ActorID:       ev.Author.ID,
		Proposed:      d.Verdict.String(),
		Action:        d.Final.Action.String(),
		Rule:          d.Final.Rule(),
		Distance:      d.Match.Distance,
		MatchedDigest: d.Match.MatchedDigest,
		CreatedAt:     ev.ReceivedAt,
	}
	if c := d.Classification; c != nil {
		e.Classifier = c.Provider
		e.Label = string(c.Label)
		e.Confidence = c.Confidence
	}
	if d.ActionErr != nil {
		e.Error = d.ActionErr.Error()
	}
	if err := uc.audit.Record(ctx, e); err != nil {
		uc.log.Errorf("audit record for message %s: %v", ev.MessageID, err)
	}
}

// Evaluate fingerprints an image or parses a digest and matches it without
// gating or acting.
func (uc *ModerationUsecase) Evaluate(ctx context.Context, req IngestRequest) (MatchResult, []hash.Fingerprint, error) {
	fps, err := uc.fingerprints(ctx, req)
	if err != nil {
		return MatchResult{}, nil, err
	}
	return uc.engine.MatchAny(fps, uc.store.Snapshot()), fps, nil
}

// Ingest adds the fingerprints of an image, or the given digests, to the
// blacklist.
func (uc *ModerationUsecase) Ingest(ctx context.Context, req IngestRequest) (*Snapshot, PersistStatus, []FingerprintRecord, error) {
	fps, err := uc.fingerprints(ctx, req)
	if err != nil {
		return nil, Failed, nil, err
	}
	records := make([]FingerprintRecord, 0, len(fps))
	for _, fp := range fps {
		records = append(records, FingerprintRecord{Digest: fp.Digest, Algorithm: fp.Algorithm})
	}
	snap, status, err := uc.store.Append(ctx, records)
	if err != nil {
		uc.log.Warnf("ingested %d fingerprints, persist %s: %v", len(records), status, err)
	}
	return snap, status, records, err
}

func (uc *ModerationUsecase) fingerprints(ctx context.Context, req IngestRequest) ([]hash.Fingerprint, error) {
	alg := uc.alg
	if req.Algorithm != "" {
		a, err := hash.ParseAlgorithm(req.Algorithm)
		if err != nil {
			return nil, err
		}
		alg = a
	}

	if len(req.Digests) > 0 {
		fps := make([]hash.Fingerprint, 0, len(req.Digests))
		for _, s := range req.Digests {
			d, err := hash.ParseDigest(s)
			if err != nil {
				return nil, err
			}
			a := alg
			if d.Bits() != a.Bits() {
				a = hash.PHash
				if d.Bits() == hash.TPHash.Bits() {
					a = hash.TPHash
				}
			}
			fps = append(fps, hash.Fingerprint{Digest: d, Algorithm: a})
		}
		return fps, nil
	}

	if len(req.Data) == 0 && strings.TrimSpace(req.URL) == "" {
		return nil, fmt.Errorf("%w: one of data, url or digests is required", ErrInvalidRequest)
	}
	if err := uc.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer uc.sem.Release(1)
	if len(req.Data) > 0 {
		return uc.hasher.Hash(req.Data, alg)
	}
	fctx, cancel := context.WithTimeout(ctx, uc.cfg.DownloadTimeout())
	defer cancel()
	return uc.hasher.HashURL(fctx, req.URL, alg)
}

// Snapshot returns the current blacklist snapshot.
func (uc *ModerationUsecase) Snapshot() *Snapshot { return uc.store.Snapshot() }

// Persist writes pending blacklist changes to the document.
func (uc *ModerationUsecase) Persist(ctx context.Context) (PersistStatus, error) {
	return uc.store.Persist(ctx)
}

func (uc *ModerationUsecase) GateStats() GateStats { return uc.gate.Stats() }

func (uc *ModerationUsecase) Providers() []string { return uc.bridge.Providers() }

// AuditLog lists recorded decisions, newest first.
func (uc *ModerationUsecase) AuditLog(ctx context.Context, offset, limit int) ([]*AuditEntry, int64, error) {
	return uc.audit.List(ctx, offset, limit)
}

func outcomeLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
