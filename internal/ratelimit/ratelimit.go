// Package ratelimit enforces the global, tenant and channel throughput budgets
// and the tenant usage quotas.
//
// Each level is two constraints evaluated in order: a per-second counter and a
// sliding window. The first constraint that fails short-circuits the check and
// every admission already made by that check is refunded, so a rejected send
// never consumes budget at any level.
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wagate/internal/kv"
	"wagate/internal/tenant"
	"wagate/pkg/logx"
)

type Level string

const (
	LevelGlobal  Level = "global"
	LevelTenant  Level = "tenant"
	LevelChannel Level = "channel"
	LevelQuota   Level = "quota"
)

type Kind string

const (
	KindSecond    Kind = "per_second"
	KindWindow    Kind = "window"
	KindDay       Kind = "daily"
	KindMonth     Kind = "monthly"
	KindTemplates Kind = "templates_daily"
)

// Result of a limit check. Level and Kind name the constraint that decided a
// rejection. Remaining is -1 when the level has no ceiling.
type Result struct {
	Allowed    bool
	Level      Level
	Kind       Kind
	Limit      int64
	Remaining  int64
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds up; a rejection always reports at least one second.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	s := int(math.Ceil(r.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// LevelConfig is one level's ceilings; zero disables a constraint.
type LevelConfig struct {
	PerSecond int64
	PerWindow int64
	Window    time.Duration
}

type Config struct {
	Global       LevelConfig
	Channel      LevelConfig
	TenantWindow time.Duration
}

// LimitsSource resolves plan limits per tenant at call time.
type LimitsSource interface {
	Limits(tenantID string) tenant.Limits
}

type Limiter struct {
	store   kv.Store
	tenants LimitsSource
	cfg     atomic.Pointer[Config]
	now     func() time.Time
	log     logx.Logger
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option { return func(l *Limiter) { l.now = now } }
func WithLogger(log logx.Logger) Option     { return func(l *Limiter) { l.log = log } }

func New(store kv.Store, tenants LimitsSource, cfg Config, opts ...Option) *Limiter {
	l := &Limiter{store: store, tenants: tenants, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	l.SetConfig(cfg)
	return l
}

// SetConfig swaps the global and channel ceilings; in-flight checks keep the
// snapshot they started with.
func (l *Limiter) SetConfig(cfg Config) {
	if cfg.Global.Window <= 0 {
		cfg.Global.Window = 60 * time.Second
	}
	if cfg.Channel.Window <= 0 {
		cfg.Channel.Window = 60 * time.Second
	}
	if cfg.TenantWindow <= 0 {
		cfg.TenantWindow = 60 * time.Second
	}
	l.cfg.Store(&cfg)
}

func (l *Limiter) levelConfig(level Level, id string) LevelConfig {
	cfg := l.cfg.Load()
	switch level {
	case LevelGlobal:
		return cfg.Global
	case LevelChannel:
		return cfg.Channel
	case LevelTenant:
		lim := l.tenants.Limits(id)
		return LevelConfig{
			PerSecond: int64(lim.PerSecond),
			PerWindow: int64(lim.PerSecond) * int64(cfg.TenantWindow/time.Second),
			Window:    cfg.TenantWindow,
		}
	}
	return LevelConfig{}
}

// undo is a list of refunds applied in reverse.
type undo []func(ctx context.Context) error

func (u undo) run(ctx context.Context, log logx.Logger) {
	for i := len(u) - 1; i >= 0; i-- {
		if err := u[i](ctx); err != nil {
			log.Warn("rate limit refund failed", logx.Err(err))
		}
	}
}

// CheckLimit evaluates one level for identifier. An allowed result has already
// consumed one unit of that level's budget.
func (l *Limiter) CheckLimit(ctx context.Context, level Level, identifier string) (Result, error) {
	res, _, err := l.checkLevel(ctx, level, identifier, l.now())
	return res, err
}

func (l *Limiter) checkLevel(ctx context.Context, level Level, id string, now time.Time) (Result, undo, error) {
	lc := l.levelConfig(level, id)
	var refunds undo
	res := Result{Allowed: true, Level: level, Remaining: -1}

	if lc.PerSecond > 0 {
		key := kv.Key("rl", string(level), id, "s", strconv.FormatInt(now.Unix(), 10))
		n, err := l.store.Incr(ctx, key, 2*time.Second)
		if err != nil {
			return Result{}, nil, fmt.Errorf("ratelimit: %s per-second: %w", level, err)
		}
		if n > lc.PerSecond {
			_ = l.store.Decr(ctx, key)
			next := time.Unix(now.Unix()+1, 0)
			return Result{
				Level:      level,
				Kind:       KindSecond,
				Limit:      lc.PerSecond,
				RetryAfter: next.Sub(now),
			}, nil, nil
		}
		refunds = append(refunds, func(ctx context.Context) error { return l.store.Decr(ctx, key) })
		res.Kind, res.Limit, res.Remaining = KindSecond, lc.PerSecond, lc.PerSecond-n
	}

	if lc.PerWindow > 0 {
		key := kv.Key("rl", string(level), id, "w")
		member := uuid.NewString()
		w, err := l.store.WindowAdmit(ctx, key, now, lc.Window, lc.PerWindow, member)
		if err != nil {
			refunds.run(ctx, l.log)
			return Result{}, nil, fmt.Errorf("ratelimit: %s window: %w", level, err)
		}
		if !w.Allowed {
			refunds.run(ctx, l.log)
			wait := w.Oldest.Add(lc.Window).Sub(now)
			if wait <= 0 {
				wait = time.Second
			}
			return Result{
				Level:      level,
				Kind:       KindWindow,
				Limit:      lc.PerWindow,
				RetryAfter: wait,
			}, nil, nil
		}
		refunds = append(refunds, func(ctx context.Context) error { return l.store.WindowRemove(ctx, key, member) })
		if rem := lc.PerWindow - w.Count; res.Remaining < 0 || rem < res.Remaining {
			res.Kind, res.Limit, res.Remaining = KindWindow, lc.PerWindow, rem
		}
	}
	return res, refunds, nil
}

// Request describes one outbound attempt.
type Request struct {
	TenantID  string
	ChannelID string
	// Template marks a template submission, which is counted against the daily
	// template quota instead of the message quotas.
	Template bool
}

// Admission holds the quota units reserved by a successful CheckAll. Release
// returns them when the send does not go through, so usage counts only
// delivered work.
type Admission struct {
	l       *Limiter
	refunds undo
	done    atomic.Bool
}

func (a *Admission) Release(ctx context.Context) {
	if a == nil || !a.done.CompareAndSwap(false, true) {
		return
	}
	a.refunds.run(ctx, a.l.log)
}

// CheckAll runs global, tenant and channel checks and then the tenant quotas.
// Throughput units are kept once admitted; quota units are returned by
// Admission.Release.
func (l *Limiter) CheckAll(ctx context.Context, req Request) (Result, *Admission, error) {
	now := l.now()
	var all undo
	steps := []struct {
		level Level
		id    string
	}{
		{LevelGlobal, "all"},
		{LevelTenant, req.TenantID},
		{LevelChannel, req.ChannelID},
	}
	var last Result
	for _, s := range steps {
		if s.level == LevelChannel && s.id == "" {
			continue
		}
		res, refunds, err := l.checkLevel(ctx, s.level, s.id, now)
		if err != nil {
			all.run(ctx, l.log)
			return Result{}, nil, err
		}
		if !res.Allowed {
			all.run(ctx, l.log)
			l.log.Debug("rate limited",
				logx.String("tenant", req.TenantID),
				logx.String("level", string(res.Level)),
				logx.String("kind", string(res.Kind)),
				logx.Duration("retry_after", res.RetryAfter),
			)
			return res, nil, nil
		}
		all = append(all, refunds...)
		last = res
	}

	res, quota, err := l.reserveQuota(ctx, req, now)
	if err != nil || !res.Allowed {
		all.run(ctx, l.log)
		return res, nil, err
	}
	return last, &Admission{l: l, refunds: quota}, nil
}

type bucket struct {
	kind  Kind
	limit int64
	key   string
	end   time.Time
}

func (l *Limiter) buckets(req Request, now time.Time) []bucket {
	lim := l.tenants.Limits(req.TenantID)
	utc := now.UTC()
	dayEnd := time.Date(utc.Year(), utc.Month(), utc.Day()+1, 0, 0, 0, 0, time.UTC)
	monthEnd := time.Date(utc.Year(), utc.Month()+1, 1, 0, 0, 0, 0, time.UTC)
	day := utc.Format("20060102")

	if req.Template {
		return []bucket{{KindTemplates, int64(lim.TemplatesPerDay), kv.Key("quota", req.TenantID, "tpl", day), dayEnd}}
	}
	return []bucket{
		{KindDay, int64(lim.PerDay), kv.Key("quota", req.TenantID, "day", day), dayEnd},
		{KindMonth, int64(lim.PerMonth), kv.Key("quota", req.TenantID, "month", utc.Format("200601")), monthEnd},
	}
}

func (l *Limiter) reserveQuota(ctx context.Context, req Request, now time.Time) (Result, undo, error) {
	var taken undo
	for _, b := range l.buckets(req, now) {
		if b.limit <= 0 {
			continue
		}
		// Keep the bucket an hour past rollover so late refunds still land.
		n, err := l.store.Incr(ctx, b.key, b.end.Sub(now)+time.Hour)
		if err != nil {
			taken.run(ctx, l.log)
			return Result{}, nil, fmt.Errorf("ratelimit: quota %s: %w", b.kind, err)
		}
		if n > b.limit {
			_ = l.store.Decr(ctx, b.key)
			taken.run(ctx, l.log)
			return Result{Level: LevelQuota, Kind: b.kind, Limit: b.limit, RetryAfter: b.end.Sub(now)}, nil, nil
		}
		key := b.key
		taken = append(taken, func(ctx context.Context) error { return l.store.Decr(ctx, key) })
	}
	return Result{Allowed: true, Level: LevelQuota}, taken, nil
}
