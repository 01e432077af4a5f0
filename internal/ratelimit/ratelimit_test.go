package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wagate/internal/kv"
	"wagate/internal/tenant"
)

type staticLimits map[string]tenant.Limits

func (s staticLimits) Limits(id string) tenant.Limits { return s[id] }

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func newLimiter(limits staticLimits, cfg Config) (*Limiter, *clock, *kv.MemoryStore) {
	clk := &clock{t: time.Date(2026, 3, 10, 9, 0, 0, 250*int(time.Millisecond), time.UTC)}
	store := kv.NewMemoryStore(kv.WithClock(clk.Now))
	return New(store, limits, cfg, WithClock(clk.Now)), clk, store
}

func TestConcurrentBurstSameSecond(t *testing.T) {
	t.Parallel()
	l, _, _ := newLimiter(staticLimits{"ws": {PerSecond: 10}}, Config{})
	ctx := context.Background()

	var ok, limited atomic.Int64
	var wg sync.WaitGroup
	retry := make(chan int, 15)
	for i := 0; i < 15; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, _, err := l.CheckAll(ctx, Request{TenantID: "ws"})
			if err != nil {
				t.Errorf("CheckAll: %v", err)
				return
			}
			if res.Allowed {
				ok.Add(1)
				return
			}
			limited.Add(1)
			if res.Level != LevelTenant || res.Kind != KindSecond {
				t.Errorf("rejected by %s/%s", res.Level, res.Kind)
			}
			retry <- res.RetryAfterSeconds()
		}()
	}
	wg.Wait()
	close(retry)
	if ok.Load() != 10 || limited.Load() != 5 {
		t.Fatalf("allowed=%d limited=%d, want 10/5", ok.Load(), limited.Load())
	}
	for s := range retry {
		if s != 1 {
			t.Fatalf("retryAfterSeconds = %d, want 1", s)
		}
	}
}

func TestSlidingWindowNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	const limit = 20
	l, clk, _ := newLimiter(staticLimits{}, Config{Global: LevelConfig{PerWindow: limit, Window: time.Minute}})
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	start := clk.Now()
	var admitted []time.Time
	at := start
	for i := 0; i < 400; i++ {
		at = at.Add(time.Duration(rng.Intn(900)) * time.Millisecond)
		clk.Set(at)
		res, err := l.CheckLimit(ctx, LevelGlobal, "all")
		if err != nil {
			t.Fatal(err)
		}
		if res.Allowed {
			admitted = append(admitted, at)
		}
	}
	for i := range admitted {
		n := 0
		for j := i; j < len(admitted) && admitted[j].Sub(admitted[i]) < time.Minute; j++ {
			n++
		}
		if n > limit {
			t.Fatalf("%d admissions within 60s starting at %s", n, admitted[i])
		}
	}
	if len(admitted) < limit {
		t.Fatalf("only %d admitted", len(admitted))
	}
}

func TestRejectionRefundsEarlierLevels(t *testing.T) {
	t.Parallel()
	l, _, _ := newLimiter(
		staticLimits{"a": {PerSecond: 100}},
		Config{Global: LevelConfig{PerSecond: 100}, Channel: LevelConfig{PerSecond: 1}},
	)
	ctx := context.Background()

	if res, _, _ := l.CheckAll(ctx, Request{TenantID: "a", ChannelID: "ph1"}); !res.Allowed {
		t.Fatalf("first send rejected: %+v", res)
	}
	for i := 0; i < 5; i++ {
		res, _, _ := l.CheckAll(ctx, Request{TenantID: "a", ChannelID: "ph1"})
		if res.Allowed || res.Level != LevelChannel {
			t.Fatalf("send %d = %+v, want channel rejection", i, res)
		}
	}
	// Only the one admitted send counts against the global budget.
	res, _ := l.CheckLimit(ctx, LevelGlobal, "all")
	if !res.Allowed || res.Remaining != 98 {
		t.Fatalf("global after refunds = %+v, want remaining 98", res)
	}
}

func TestDailyQuotaAndRelease(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(staticLimits{"a": {PerDay: 2, PerMonth: 100, TemplatesPerDay: 1}}, Config{})
	ctx := context.Background()
	clk.Set(time.Date(2026, 3, 10, 23, 0, 0, 0, time.UTC))

	_, adm, _ := l.CheckAll(ctx, Request{TenantID: "a"})
	adm.Release(ctx)
	adm.Release(ctx)
	for i := 0; i < 2; i++ {
		if res, _, _ := l.CheckAll(ctx, Request{TenantID: "a"}); !res.Allowed {
			t.Fatalf("send %d rejected after release: %+v", i, res)
		}
	}
	res, _, _ := l.CheckAll(ctx, Request{TenantID: "a"})
	if res.Allowed || res.Kind != KindDay || res.RetryAfterSeconds() != 3600 {
		t.Fatalf("over quota = %+v (retry %ds)", res, res.RetryAfterSeconds())
	}

	if res, _, _ := l.CheckAll(ctx, Request{TenantID: "a", Template: true}); !res.Allowed {
		t.Fatalf("template rejected: %+v", res)
	}
	if res, _, _ := l.CheckAll(ctx, Request{TenantID: "a", Template: true}); res.Allowed || res.Kind != KindTemplates {
		t.Fatalf("second template = %+v", res)
	}

	clk.Set(time.Date(2026, 3, 11, 0, 0, 1, 0, time.UTC))
	if res, _, _ := l.CheckAll(ctx, Request{TenantID: "a"}); !res.Allowed {
		t.Fatalf("quota did not roll over: %+v", res)
	}
}

func TestPerSecondResetsNextSecond(t *testing.T) {
	t.Parallel()
	l, clk, _ := newLimiter(staticLimits{"a": {PerSecond: 1}}, Config{})
	ctx := context.Background()
	if res, _ := l.CheckLimit(ctx, LevelTenant, "a"); !res.Allowed {
		t.Fatal("first rejected")
	}
	res, _ := l.CheckLimit(ctx, LevelTenant, "a")
	if res.Allowed || res.RetryAfter != 750*time.Millisecond {
		t.Fatalf("second = %+v", res)
	}
	clk.Set(clk.Now().Add(750 * time.Millisecond))
	if res, _ := l.CheckLimit(ctx, LevelTenant, "a"); !res.Allowed {
		t.Fatalf("next second rejected: %+v", res)
	}
}
