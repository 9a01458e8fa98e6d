package data

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"phashguard/internal/biz"
	"phashguard/internal/conf"

	"github.com/go-kratos/kratos/v2/log"
)

func newTestChatRepo(t *testing.T, handler http.HandlerFunc, retries int) *ChatRepo {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	r := NewChatRepo(&conf.Chat{
		BaseURL:        srv.URL + "/",
		Token:          "secret",
		GuildID:        "guild",
		TimeoutSeconds: 5,
		RetryMax:       retries,
	}, log.DefaultLogger)
	return r
}

func TestChatRepo_GetMessage(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path != "/channels/c1/messages/m1" {
			t.Errorf("Unexpected path %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bot secret" {
			t.Errorf("Authorization = %q", got)
		}
		w.Write([]byte(`{"id":"m1","channel_id":"c1","content":"NIXE_PHASH_DB_V1","pinned":true,"edited_timestamp":"2026-01-02T03:04:05Z"}`))
	}, 0)

	doc, err := r.GetMessage(context.Background(), "c1", "m1")
	if err != nil {
		t.Fatalf("GetMessage failed: %v", err)
	}
	if doc.Handle.MessageID != "m1" || doc.Body != "NIXE_PHASH_DB_V1" || !doc.Pinned {
		t.Errorf("Unexpected document %+v", doc)
	}
	if doc.EditedAt.IsZero() {
		t.Error("Expected edited timestamp to be parsed")
	}
}

func TestChatRepo_StatusMapping(t *testing.T) {
	tests := []struct {
		code int
		want error
	}{
		{http.StatusNotFound, biz.ErrDocumentNotFound},
		{http.StatusForbidden, biz.ErrPersistenceDenied},
		{http.StatusUnauthorized, biz.ErrPersistenceDenied},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			r := newTestChatRepo(t, func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, `{"message":"nope"}`, tt.code)
			}, 0)
			_, err := r.EditMessage(context.Background(), biz.DocumentHandle{ChannelID: "c", MessageID: "m"}, "body")
			if !errors.Is(err, tt.want) {
				t.Errorf("EditMessage error = %v; want %v", err, tt.want)
			}
			var serr *StatusError
			if !errors.As(err, &serr) || serr.Code != tt.code {
				t.Errorf("Expected StatusError with code %d, got %v", tt.code, err)
			}
		})
	}
}

func TestChatRepo_ServerErrorIsReported(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}, 0)
	_, err := r.ListPins(context.Background(), "c")
	var serr *StatusError
	if !errors.As(err, &serr) || serr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 StatusError, got %v", err)
	}
}

func TestChatRepo_RetriesRateLimit(t *testing.T) {
	var calls atomic.Int32
	r := newTestChatRepo(t, func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[{"id":"p1","channel_id":"c","content":"x","pinned":true}]`))
	}, 2)

	docs, err := r.ListPins(context.Background(), "c")
	if err != nil {
		t.Fatalf("ListPins failed: %v", err)
	}
	if len(docs) != 1 || calls.Load() != 2 {
		t.Errorf("Expected one pin after one retry, got %d docs and %d calls", len(docs), calls.Load())
	}
}

func TestChatRepo_ListHistory(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, req *http.Request) {
		q := req.URL.Query()
		if q.Get("limit") != "100" || q.Get("before") != "m9" {
			t.Errorf("Unexpected query %s", req.URL.RawQuery)
		}
		w.Write([]byte(`[{"id":"m8","channel_id":"c"},{"id":"m7","channel_id":"c"}]`))
	}, 0)

	docs, err := r.ListHistory(context.Background(), "c", "m9", 500)
	if err != nil {
		t.Fatalf("ListHistory failed: %v", err)
	}
	if len(docs) != 2 || docs[0].Handle.MessageID != "m8" {
		t.Errorf("Unexpected history %+v", docs)
	}
}

func TestChatRepo_CreateMessage(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPost {
			t.Errorf("Method = %s", req.Method)
		}
		var body map[string]string
		json.NewDecoder(req.Body).Decode(&body)
		if body["content"] != "hello" {
			t.Errorf("Unexpected body %v", body)
		}
		w.Write([]byte(`{"id":"new","content":"hello"}`))
	}, 0)

	doc, err := r.CreateMessage(context.Background(), "c", "hello")
	if err != nil {
		t.Fatalf("CreateMessage failed: %v", err)
	}
	if doc.Handle != (biz.DocumentHandle{ChannelID: "c", MessageID: "new"}) {
		t.Errorf("Unexpected handle %+v", doc.Handle)
	}
}

func TestChatRepo_Ban(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodPut || req.URL.Path != "/guilds/guild/bans/u1" {
			t.Errorf("Unexpected request %s %s", req.Method, req.URL.Path)
		}
		reason, _ := url.PathUnescape(req.Header.Get("X-Audit-Log-Reason"))
		if reason != "phash match evidence: http://cdn/x.png" {
			t.Errorf("Unexpected audit reason %q", reason)
		}
		w.WriteHeader(http.StatusNoContent)
	}, 0)

	if err := r.Ban(context.Background(), "u1", "phash match", "http://cdn/x.png"); err != nil {
		t.Fatalf("Ban failed: %v", err)
	}
}

func TestChatRepo_Quarantine(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := newTestChatRepo(t, func(w http.ResponseWriter, req *http.Request) {
		b, _ := io.ReadAll(req.Body)
		var body map[string]string
		json.Unmarshal(b, &body)
		if body["communication_disabled_until"] != "2026-03-29T12:00:00Z" {
			t.Errorf("Expected timeout capped at 28 days, got %s", b)
		}
		w.Write([]byte(`{}`))
	}, 0)
	r.now = func() time.Time { return now }

	if err := r.Quarantine(context.Background(), "u1", 90*24*time.Hour, "near match"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}
}

func TestChatRepo_DeleteMissingIsNoop(t *testing.T) {
	r := newTestChatRepo(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}, 0)
	if err := r.Delete(context.Background(), "c", "m", "scam"); err != nil {
		t.Errorf("Expected deleting a missing message to succeed, got %v", err)
	}
}

func TestChatRepo_ModerationNeedsGuild(t *testing.T) {
	r := newTestChatRepo(t, func(http.ResponseWriter, *http.Request) {}, 0)
	r.guildID = ""
	if err := r.Ban(context.Background(), "u", "r", ""); err == nil {
		t.Error("Expected ban without guild to fail")
	}
}
