package biz

import (
	"strings"
	"sync"
	"time"

	"phashguard/internal/conf"
	"phashguard/internal/pkg/hash"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const ceilingWindow = 10 * time.Minute

// Action is what the caller is allowed to do after the gate.
type Action int

const (
	// ActionNone means nothing happens, not even an audit entry.
	ActionNone Action = iota
	// ActionLogOnly records the decision without touching the actor.
	ActionLogOnly
	ActionQuarantine
	ActionBan
)

func (a Action) String() string {
	switch a {
	case ActionLogOnly:
		return "log_only"
	case ActionQuarantine:
		return "quarantine"
	case ActionBan:
		return "ban"
	default:
		return "none"
	}
}

// Destructive reports whether the action touches the actor.
func (a Action) Destructive() bool { return a == ActionQuarantine || a == ActionBan }

// Actor is the subject of a moderation decision.
type Actor struct {
	ID string
	// AccountCreatedAt is zero when unknown.
	AccountCreatedAt time.Time
}

// FinalVerdict is the gate's answer for one proposed verdict.
type FinalVerdict struct {
	Proposed   Verdict
	Action     Action
	Downgrades []string
	Suppressed bool
}

// Downgraded reports whether any rule weakened the proposed verdict.
func (f FinalVerdict) Downgraded() bool { return len(f.Downgrades) > 0 }

func (f FinalVerdict) Rule() string {
	switch {
	case f.Suppressed:
		return "dedup"
	case len(f.Downgrades) > 0:
		return strings.Join(f.Downgrades, ",")
	default:
		return "accepted"
	}
}

// ActorBanState tracks recent bans of one actor within the rolling window.
type ActorBanState struct {
	ActorID       string
	BanTimestamps []time.Time
	CooldownUntil time.Time
}

// GateStats is a point-in-time view for operators.
type GateStats struct {
	TrackedActors       int
	BansInWindow        int
	LastBanAt           time.Time
	WarmupRemaining     time.Duration
	DryRun              bool
	BreakerOpen         bool
	ConsecutiveFailures int
}

// ActionGate rate-limits and sequences moderation actions per actor and
// globally. All state changes happen under one lock together with the
// decision they belong to.
type ActionGate struct {
	cfg       conf.Gate
	startedAt time.Time
	dedup     *expirable.LRU[uint64, struct{}]

	mu                  sync.Mutex
	actors              map[string]*ActorBanState
	globalBans          []time.Time
	lastGlobalBan       time.Time
	consecutiveFailures int
	breakerOpenUntil    time.Time

	now func() time.Time
	log *log.Helper
}

// NewActionGate creates a gate whose warmup starts now.
func NewActionGate(c *conf.Gate, logger log.Logger) *ActionGate {
	capacity := c.DedupCapacity
	if capacity <= 0 {
		capacity = 10_000
	}
	return &ActionGate{
		cfg:       *c,
		startedAt: time.Now(),
		dedup:     expirable.NewLRU[uint64, struct{}](capacity, nil, time.Duration(c.DedupTTLSeconds)*time.Second),
		actors:    make(map[string]*ActorBanState),
		now:       time.Now,
		log:       log.NewHelper(log.With(logger, "module", "biz/gate")),
	}
}

// ShouldAct applies warmup, dry-run, failure breaker, ceiling, cooldown,
// account age, repeat-ban and dedup rules in that order. An accepted ban is
// recorded before ShouldAct returns.
func (g *ActionGate) ShouldAct(actor Actor, proposed Verdict, now time.Time) FinalVerdict {
	fv := FinalVerdict{Proposed: proposed, Action: actionFor(proposed)}
	if proposed == VerdictNone {
		return fv
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	g.pruneLocked(now)

	downgrade := func(rule string, to Action) {
		g.log.Warnf("gate downgraded %s to %s for actor %s: %s", fv.Action, to, actor.ID, rule)
		fv.Action = to
		fv.Downgrades = append(fv.Downgrades, rule)
	}

	if fv.Action == ActionBan && now.Sub(g.startedAt) < seconds(g.cfg.WarmupSeconds) {
		downgrade("warmup", ActionLogOnly)
	}
	if fv.Action.Destructive() && g.cfg.DryRun {
		downgrade("dry_run", ActionLogOnly)
	}
	if fv.Action.Destructive() && g.breakerOpenLocked(now) {
		downgrade("breaker_open", ActionLogOnly)
	}
	if fv.Action == ActionBan && len(g.globalBans) >= g.cfg.CeilingPer10Min {
		downgrade("ceiling", ActionQuarantine)
	}
	if fv.Action == ActionBan && g.cfg.CooldownSeconds > 0 && !g.lastGlobalBan.IsZero() &&
		now.Before(g.lastGlobalBan.Add(seconds(g.cfg.CooldownSeconds))) {
		downgrade("cooldown", ActionQuarantine)
	}
	if fv.Action == ActionBan && g.cfg.BanOnlyNewerThanDays > 0 && !actor.AccountCreatedAt.IsZero() &&
		now.Sub(actor.AccountCreatedAt) > time.Duration(g.cfg.BanOnlyNewerThanDays)*24*time.Hour {
		downgrade("account_age", ActionQuarantine)
	}
	if st, ok := g.actors[actor.ID]; ok && fv.Action == ActionBan && now.Before(st.CooldownUntil) {
		downgrade("already_banned", ActionLogOnly)
	}

	key := hash.Key("actor", actor.ID)
	if g.cfg.DedupTTLSeconds > 0 {
		if _, seen := g.dedup.Get(key); seen {
			g.log.Warnf("gate suppressed duplicate %s for actor %s", fv.Action, actor.ID)
			fv.Suppressed = true
			fv.Action = ActionNone
			gateDecisionCount.WithLabelValues(fv.Action.String(), fv.Rule()).Inc()
			return fv
		}
		g.dedup.Add(key, struct{}{})
	}

	if fv.Action == ActionBan {
		st, ok := g.actors[actor.ID]
		if !ok {
			st = &ActorBanState{ActorID: actor.ID}
			g.actors[actor.ID] = st
		}
		st.BanTimestamps = append(st.BanTimestamps, now)
		st.CooldownUntil = now.Add(seconds(g.cfg.ActorWindowSeconds))
		g.globalBans = append(g.globalBans, now)
		g.lastGlobalBan = now
	}

	gateDecisionCount.WithLabelValues(fv.Action.String(), fv.Rule()).Inc()
	return fv
}

// ReportOutcome feeds action results into the failure breaker.
func (g *ActionGate) ReportOutcome(action Action, err error) {
	if !action.Destructive() {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if err == nil {
		g.consecutiveFailures = 0
		return
	}
	g.consecutiveFailures++
	if g.consecutiveFailures >= g.cfg.BreakerThreshold && g.breakerOpenUntil.IsZero() {
		g.breakerOpenUntil = g.now().Add(seconds(g.cfg.BreakerOpenSeconds))
		g.log.Errorf("gate breaker open after %d consecutive action failures, last: %v", g.consecutiveFailures, err)
	}
}

// breakerOpenLocked closes the breaker once its open period has passed.
func (g *ActionGate) breakerOpenLocked(now time.Time) bool {
	if g.breakerOpenUntil.IsZero() {
		return false
	}
	if now.Before(g.breakerOpenUntil) {
		return true
	}
	g.log.Info("gate breaker closed")
	g.breakerOpenUntil = time.Time{}
	g.consecutiveFailures = 0
	return false
}

// pruneLocked drops bans outside the windows and forgets idle actors.
func (g *ActionGate) pruneLocked(now time.Time) {
	g.globalBans = pruneBefore(g.globalBans, now.Add(-ceilingWindow))

	cutoff := now.Add(-seconds(g.cfg.ActorWindowSeconds))
	for id, st := range g.actors {
		st.BanTimestamps = pruneBefore(st.BanTimestamps, cutoff)
		if len(st.BanTimestamps) == 0 && !now.Before(st.CooldownUntil) {
			delete(g.actors, id)
		}
	}
}

// ActorState returns a copy of the tracked state for one actor.
func (g *ActionGate) ActorState(actorID string) (ActorBanState, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.actors[actorID]
	if !ok {
		return ActorBanState{}, false
	}
	out := *st
	out.BanTimestamps = append([]time.Time(nil), st.BanTimestamps...)
	return out, true
}

func (g *ActionGate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)
	remaining := g.startedAt.Add(seconds(g.cfg.WarmupSeconds)).Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	return GateStats{
		TrackedActors:       len(g.actors),
		BansInWindow:        len(g.globalBans),
		LastBanAt:           g.lastGlobalBan,
		WarmupRemaining:     remaining,
		DryRun:              g.cfg.DryRun,
		BreakerOpen:         !g.breakerOpenUntil.IsZero() && now.Before(g.breakerOpenUntil),
		ConsecutiveFailures: g.consecutiveFailures,
	}
}

func actionFor(v Verdict) Action {
	switch v {
	case VerdictBan:
		return ActionBan
	case VerdictQuarantine:
		return ActionQuarantine
	default:
		return ActionNone
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }
