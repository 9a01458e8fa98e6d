// Package conf holds the service configuration. Values are loaded by the
// kratos config loader from configs/config.yaml, with ${ENV:default}
// placeholders resolved from the process environment.
package conf

import (
	"errors"
	"fmt"
	"time"
)

// Bootstrap is the root of the configuration tree.
type Bootstrap struct {
	Server     Server     `json:"server"`
	Data       Data       `json:"data"`
	Blacklist  Blacklist  `json:"blacklist"`
	Match      Match      `json:"match"`
	Gate       Gate       `json:"gate"`
	Classifier Classifier `json:"classifier"`
	Chat       Chat       `json:"chat"`
	Pipeline   Pipeline   `json:"pipeline"`
}

type Server struct {
	HTTP                 HTTP `json:"http"`
	ShutdownGraceSeconds int  `json:"shutdown_grace_seconds"`
}

type HTTP struct {
	Network        string `json:"network"`
	Addr           string `json:"addr"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

type Data struct {
	Database Database `json:"database"`
	Redis    Redis    `json:"redis"`
}

// Database configures the audit log. An empty Source disables it.
type Database struct {
	Driver string `json:"driver"`
	Source string `json:"source"`
	Pool   Pool   `json:"pool"`
}

type Pool struct {
	MaxOpenConns    int32 `json:"max_open_conns"`
	MinIdleConns    int32 `json:"min_idle_conns"`
	MaxConnLifetime int   `json:"max_conn_lifetime"`  // minutes
	MaxConnIdleTime int   `json:"max_conn_idle_time"` // minutes
}

// Redis backs the known-benign bloom filter. An empty Addr disables it.
type Redis struct {
	Network        string `json:"network"`
	Addr           string `json:"addr"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	ReadTimeoutMs  int    `json:"read_timeout_ms"`
	WriteTimeoutMs int    `json:"write_timeout_ms"`
	BloomKey       string `json:"bloom_key"`
	BloomBits      uint   `json:"bloom_bits"`
	BloomHashFuncs uint   `json:"bloom_hash_funcs"`
	// BloomTTLSeconds expires the whole filter; 0 keeps it forever.
	BloomTTLSeconds int `json:"bloom_ttl_seconds"`
}

// Blacklist locates and maintains the persisted fingerprint document.
type Blacklist struct {
	ChannelID              string `json:"channel_id"`
	MessageID              string `json:"message_id"`
	Marker                 string `json:"marker"`
	MaxItems               int    `json:"max_items"`
	MinEditIntervalSeconds int    `json:"min_edit_interval_seconds"`
	RefreshIntervalSeconds int    `json:"refresh_interval_seconds"`
	HistoryScanLimit       int    `json:"history_scan_limit"`
	MaxDocumentBytes       int    `json:"max_document_bytes"`
	// Strict forbids creating a new document when discovery fails.
	Strict bool `json:"strict"`
}

// Match thresholds are absolute bit counts and have no default.
type Match struct {
	Algorithm          string  `json:"algorithm"`
	StrictThreshold    *int    `json:"strict_threshold"`
	LenientThreshold   *int    `json:"lenient_threshold"`
	EscalateConfidence float64 `json:"escalate_confidence"`
	VetoConfidence     float64 `json:"veto_confidence"`
}

type Gate struct {
	WarmupSeconds        int  `json:"warmup_seconds"`
	DryRun               bool `json:"dry_run"`
	CeilingPer10Min      int  `json:"ceiling_per_10min"`
	CooldownSeconds      int  `json:"cooldown_seconds"`
	BanOnlyNewerThanDays int  `json:"ban_only_newer_than_days"`
	DedupTTLSeconds      int  `json:"dedup_ttl_seconds"`
	DedupCapacity        int  `json:"dedup_capacity"`
	ActorWindowSeconds   int  `json:"actor_window_seconds"`
	QuarantineMinutes    int  `json:"quarantine_minutes"`
	BreakerThreshold     int  `json:"breaker_threshold"`
	BreakerOpenSeconds   int  `json:"breaker_open_seconds"`
}

type Classifier struct {
	Order                []string `json:"order"`
	PerProviderTimeoutMs int      `json:"per_provider_timeout_ms"`
	RetryTimeoutMs       int      `json:"retry_timeout_ms"`
	OverallDeadlineMs    int      `json:"overall_deadline_ms"`
	Keyword              Keyword  `json:"keyword"`
	NSFWHTTP             NSFWHTTP `json:"nsfw_http"`
	NSFWGRPC             NSFWGRPC `json:"nsfw_grpc"`
	Ollama               LLM      `json:"ollama"`
	VLLM                 LLM      `json:"vllm"`
}

type Keyword struct {
	Phrases []Phrase `json:"phrases"`
}

type Phrase struct {
	Text     string  `json:"text"`
	Category string  `json:"category"`
	Score    float64 `json:"score"`
}

type NSFWHTTP struct {
	BaseURL   string  `json:"base_url"`
	Threshold float64 `json:"threshold"`
}

type NSFWGRPC struct {
	Addr   string `json:"addr"`
	Method string `json:"method"`
}

type LLM struct {
	BaseURL string `json:"base_url"`
	Model   string `json:"model"`
	APIKey  string `json:"api_key"`
}

// Chat configures the REST adapter for the chat platform.
type Chat struct {
	BaseURL        string `json:"base_url"`
	Token          string `json:"token"`
	GuildID        string `json:"guild_id"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	RetryMax       int    `json:"retry_max"`
}

type Pipeline struct {
	Workers                int   `json:"workers"`
	MaxFrames              int   `json:"max_frames"`
	MaxImageBytes          int64 `json:"max_image_bytes"`
	MaxImagePixels         int64 `json:"max_image_pixels"`
	DownloadTimeoutSeconds int   `json:"download_timeout_seconds"`
	ClassifyOnMatch        bool  `json:"classify_on_match"`
	ClassifyOnMiss         bool  `json:"classify_on_miss"`
	DeleteOnMatch          bool  `json:"delete_on_match"`
}

// Defaults fills zero-valued fields. Match thresholds are left alone.
func (b *Bootstrap) Defaults() {
	if b.Server.HTTP.Addr == "" {
		b.Server.HTTP.Addr = "0.0.0.0:8000"
	}
	if b.Server.HTTP.TimeoutSeconds <= 0 {
		b.Server.HTTP.TimeoutSeconds = 30
	}
	if b.Server.ShutdownGraceSeconds <= 0 {
		b.Server.ShutdownGraceSeconds = 10
	}
	if b.Data.Database.Driver == "" {
		b.Data.Database.Driver = "postgres"
	}
	if b.Data.Redis.BloomKey == "" {
		b.Data.Redis.BloomKey = "phashguard:bloom:benign"
	}
	if b.Data.Redis.BloomBits == 0 {
		b.Data.Redis.BloomBits = 1 << 20
	}
	if b.Data.Redis.BloomHashFuncs == 0 {
		b.Data.Redis.BloomHashFuncs = 7
	}

	bl := &b.Blacklist
	if bl.Marker == "" {
		bl.Marker = "NIXE_PHASH_DB_V1"
	}
	if bl.MaxItems <= 0 {
		bl.MaxItems = 4000
	}
	if bl.MinEditIntervalSeconds <= 0 {
		bl.MinEditIntervalSeconds = 30
	}
	if bl.RefreshIntervalSeconds <= 0 {
		bl.RefreshIntervalSeconds = 300
	}
	if bl.HistoryScanLimit <= 0 {
		bl.HistoryScanLimit = 500
	}

	if b.Match.Algorithm == "" {
		b.Match.Algorithm = "phash"
	}
	if b.Match.EscalateConfidence == 0 {
		b.Match.EscalateConfidence = 0.85
	}
	if b.Match.VetoConfidence == 0 {
		b.Match.VetoConfidence = 0.9
	}

	g := &b.Gate
	if g.CeilingPer10Min <= 0 {
		g.CeilingPer10Min = 5
	}
	if g.DedupTTLSeconds <= 0 {
		g.DedupTTLSeconds = 20
	}
	if g.DedupCapacity <= 0 {
		g.DedupCapacity = 10_000
	}
	if g.ActorWindowSeconds <= 0 {
		g.ActorWindowSeconds = 3600
	}
	if g.QuarantineMinutes <= 0 {
		g.QuarantineMinutes = 60
	}
	if g.BreakerThreshold <= 0 {
		g.BreakerThreshold = 5
	}
	if g.BreakerOpenSeconds <= 0 {
		g.BreakerOpenSeconds = 300
	}

	c := &b.Classifier
	if c.PerProviderTimeoutMs <= 0 {
		c.PerProviderTimeoutMs = 4000
	}
	if c.RetryTimeoutMs <= 0 {
		c.RetryTimeoutMs = c.PerProviderTimeoutMs / 4
	}
	if c.NSFWHTTP.Threshold == 0 {
		c.NSFWHTTP.Threshold = 0.7
	}

	if b.Chat.BaseURL == "" {
		b.Chat.BaseURL = "https://discord.com/api/v10"
	}
	if b.Chat.TimeoutSeconds <= 0 {
		b.Chat.TimeoutSeconds = 15
	}
	if b.Chat.RetryMax <= 0 {
		b.Chat.RetryMax = 3
	}

	p := &b.Pipeline
	if p.Workers <= 0 {
		p.Workers = 4
	}
	if p.MaxFrames <= 0 {
		p.MaxFrames = 8
	}
	if p.MaxImageBytes <= 0 {
		p.MaxImageBytes = 8 << 20
	}
	if p.MaxImagePixels <= 0 {
		p.MaxImagePixels = 40_000_000
	}
	if p.DownloadTimeoutSeconds <= 0 {
		p.DownloadTimeoutSeconds = 10
	}
}

// Validate rejects configurations the core cannot run with.
func (b *Bootstrap) Validate() error {
	var errs []error
	m := b.Match
	switch {
	case m.StrictThreshold == nil:
		errs = append(errs, errors.New("match.strict_threshold is required"))
	case m.LenientThreshold == nil:
		errs = append(errs, errors.New("match.lenient_threshold is required"))
	case *m.StrictThreshold < 0 || *m.LenientThreshold < 0:
		errs = append(errs, errors.New("match thresholds must not be negative"))
	case *m.StrictThreshold > *m.LenientThreshold:
		errs = append(errs, fmt.Errorf("match.strict_threshold (%d) exceeds match.lenient_threshold (%d)",
			*m.StrictThreshold, *m.LenientThreshold))
	}
	if m.EscalateConfidence < 0 || m.EscalateConfidence > 1 {
		errs = append(errs, errors.New("match.escalate_confidence must be within [0,1]"))
	}
	if m.VetoConfidence < 0 || m.VetoConfidence > 1 {
		errs = append(errs, errors.New("match.veto_confidence must be within [0,1]"))
	}
	if b.Blacklist.ChannelID == "" {
		errs = append(errs, errors.New("blacklist.channel_id is required"))
	}
	if b.Blacklist.MaxItems <= 0 {
		errs = append(errs, errors.New("blacklist.max_items must be positive"))
	}
	if b.Gate.CeilingPer10Min <= 0 {
		errs = append(errs, errors.New("gate.ceiling_per_10min must be positive"))
	}
	if b.Gate.WarmupSeconds < 0 || b.Gate.CooldownSeconds < 0 || b.Gate.BanOnlyNewerThanDays < 0 {
		errs = append(errs, errors.New("gate durations must not be negative"))
	}
	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
func milliseconds(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func (h HTTP) Timeout() time.Duration { return seconds(h.TimeoutSeconds) }
func (s Server) ShutdownGrace() time.Duration { return seconds(s.ShutdownGraceSeconds) }
func (r Redis) ReadTimeout() time.Duration { return milliseconds(r.ReadTimeoutMs) }
func (r Redis) WriteTimeout() time.Duration { return milliseconds(r.WriteTimeoutMs) }
func (r Redis) BloomTTL() time.Duration { return seconds(r.BloomTTLSeconds) }
func (b Blacklist) MinEditInterval() time.Duration { return seconds(b.MinEditIntervalSeconds) }
func (b Blacklist) RefreshInterval() time.Duration { return seconds(b.RefreshIntervalSeconds) }
func (c Classifier) PerProviderTimeout() time.Duration { return milliseconds(c.PerProviderTimeoutMs) }
func (c Classifier) RetryTimeout() time.Duration { return milliseconds(c.RetryTimeoutMs) }
func (c Classifier) OverallDeadline() time.Duration { return milliseconds(c.OverallDeadlineMs) }
func (c Chat) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }
func (p Pipeline) DownloadTimeout() time.Duration { return seconds(p.DownloadTimeoutSeconds) }
