package data

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

const (
	maxAuditReason = 512
	maxTimeout     = 28 * 24 * time.Hour
)

// ChatRepo talks to a Discord-compatible REST API. It implements both
// biz.DocumentRepo and biz.Moderator.
type ChatRepo struct {
	baseURL string
	token   string
	guildID string
	client  *http.Client
	now     func() time.Time
	log     *log.Helper
}

// NewChatRepo builds the REST client. Connection errors, 5xx and 429 are
// retried up to RetryMax times, honouring Retry-After.
func NewChatRepo(c *conf.Chat, logger log.Logger) *ChatRepo {
	helper := log.NewHelper(log.With(logger, "module", "data/chat"))

	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = c.RetryMax
	retryClient.RetryWaitMin = 500 * time.Millisecond
	retryClient.RetryWaitMax = 10 * time.Second
	retryClient.Logger = retryablehttp.LeveledLogger(leveledLog{helper})
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	client := retryClient.StandardClient()
	client.Timeout = c.Timeout()

	return &ChatRepo{
		baseURL: strings.TrimSuffix(c.BaseURL, "/"),
		token:   c.Token,
		guildID: c.GuildID,
		client:  client,
		now:     time.Now,
		log:     helper,
	}
}

func NewDocumentRepo(r *ChatRepo) biz.DocumentRepo { return r }

func NewModerator(r *ChatRepo) biz.Moderator { return r }

// leveledLog demotes retry noise: ERROR becomes WARN and DEBUG becomes INFO
// so retries are visible without alerting.
type leveledLog struct {
	h *log.Helper
}

func (l leveledLog) Error(msg string, kv ...any) { l.h.Warnw(append([]any{"msg", msg}, kv...)...) }
func (l leveledLog) Warn(msg string, kv ...any)  { l.h.Warnw(append([]any{"msg", msg}, kv...)...) }
func (l leveledLog) Info(msg string, kv ...any)  { l.h.Infow(append([]any{"msg", msg}, kv...)...) }
func (l leveledLog) Debug(msg string, kv ...any) { l.h.Infow(append([]any{"msg", msg}, kv...)...) }

// StatusError is a non-2xx answer.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api %s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

type message struct {
	ID              string     `json:"id"`
	ChannelID       string     `json:"channel_id"`
	Content         string     `json:"content"`
	Pinned          bool       `json:"pinned"`
	EditedTimestamp *time.Time `json:"edited_timestamp"`
}

func (m *message) document() *biz.Document {
	d := &biz.Document{
		Handle: biz.DocumentHandle{ChannelID: m.ChannelID, MessageID: m.ID},
		Body:   m.Content,
		Pinned: m.Pinned,
	}
	if m.EditedTimestamp != nil {
		d.EditedAt = *m.EditedTimestamp
	}
	return d
}

func documents(msgs []message) []*biz.Document {
	out := make([]*biz.Document, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].document())
	}
	return out
}

// do sends one request and decodes a JSON answer into out when non-nil.
func (r *ChatRepo) do(ctx context.Context, method, path, reason string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+r.token)
	req.Header.Set("User-Agent", "phashguard (https://github.com/phashguard, 1)")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if reason != "" {
		req.Header.Set("X-Audit-Log-Reason", url.PathEscape(truncate(reason, maxAuditReason)))
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("chat api %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		serr := &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(b))}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", biz.ErrDocumentNotFound, serr)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", biz.ErrPersistenceDenied, serr)
		}
		return serr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (r *ChatRepo) GetMessage(ctx context.Context, channelID, messageID string) (*biz.Document, error) {
	var m message
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages/"+messageID, "", nil, &m); err != nil {
		return nil, err
	}
	return m.document(), nil
}

func (r *ChatRepo) ListPins(ctx context.Context, channelID string) ([]*biz.Document, error) {
	var msgs []message
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID+"/pins", "", nil, &msgs); err != nil {
		return nil, err
	}
	return documents(msgs), nil
}

func (r *ChatRepo) ListHistory(ctx context.Context, channelID, before string, limit int) ([]*biz.Document, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(min(max(limit, 1), 100)))
	if before != "" {
		q.Set("before", before)
	}
	var msgs []message
	if err := r.do(ctx, http.MethodGet, "/channels/"+channelID+"/messages?"+q.Encode(), "", nil, &msgs); err != nil {
		return nil, err
	}
	return documents(msgs), nil
}

func (r *ChatRepo) EditMessage(ctx context.Context, h biz.DocumentHandle, body string) (*biz.Document, error) {
	var m message
	in := map[string]string{"content": body}
	if err := r.do(ctx, http.MethodPatch, "/channels/"+h.ChannelID+"/messages/"+h.MessageID, "", in, &m); err != nil {
		return nil, err
	}
	return m.document(), nil
}

func (r *ChatRepo) CreateMessage(ctx context.Context, channelID, body string) (*biz.Document, error) {
	var m message
	in := map[string]string{"content": body}
	if err := r.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", "", in, &m); err != nil {
		return nil, err
	}
	if m.ChannelID == "" {
		m.ChannelID = channelID
	}
	return m.document(), nil
}

// Ban removes the actor and the last hour of their messages.
func (r *ChatRepo) Ban(ctx context.Context, actorID, reason, evidenceURL string) error {
	if r.guildID == "" {
		return errors.New("chat.guild_id is not configured")
	}
	if evidenceURL != "" {
		reason += " evidence: " + evidenceURL
	}
	in := map[string]int{"delete_message_seconds": 3600}
	return r.do(ctx, http.MethodPut, "/guilds/"+r.guildID+"/bans/"+actorID, reason, in, nil)
}

// Quarantine times the actor out for d, capped at the platform maximum.
func (r *ChatRepo) Quarantine(ctx context.Context, actorID string, d time.Duration, reason string) error {
	if r.guildID == "" {
		return errors.New("chat.guild_id is not configured")
	}
	until := r.now().Add(min(d, maxTimeout)).UTC().Format(time.RFC3339)
	in := map[string]string{"communication_disabled_until": until}
	return r.do(ctx, http.MethodPatch, "/guilds/"+r.guildID+"/members/"+actorID, reason, in, nil)
}

func (r *ChatRepo) Delete(ctx context.Context, channelID, messageID, reason string) error {
	err := r.do(ctx, http.MethodDelete, "/channels/"+channelID+"/messages/"+messageID, reason, nil, nil)
	if errors.Is(err, biz.ErrDocumentNotFound) {
		// already gone
		return nil
	}
	return err
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
