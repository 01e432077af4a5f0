package replylock

import (
	"context"
	"sync"
	"testing"
	"time"

	"wagate/internal/audit"
	"wagate/internal/kv"
	"wagate/pkg/logx"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestAdvisoryLockLifecycle(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)}
	rec := audit.NewMemory()
	s := New(kv.NewMemoryStore(kv.WithClock(clk.Now)), time.Minute, rec, logx.Nop())
	s.now = clk.Now
	ctx := context.Background()

	res, err := s.Acquire(ctx, "conv1", "alice")
	if err != nil || !res.Acquired {
		t.Fatalf("alice acquire = %+v, %v", res, err)
	}

	res, _ = s.Acquire(ctx, "conv1", "bob")
	if res.Acquired || res.Holder != "alice" {
		t.Fatalf("bob acquire = %+v, want informed of alice", res)
	}
	st, _ := s.Status(ctx, "conv1")
	if !st.Held || st.Holder != "alice" {
		t.Fatalf("status for bob = %+v", st)
	}

	// Heartbeat keeps alice's lock past the original expiry.
	clk.Advance(45 * time.Second)
	if res, _ := s.Acquire(ctx, "conv1", "alice"); !res.Acquired {
		t.Fatal("alice refresh failed")
	}
	clk.Advance(45 * time.Second)
	if st, _ := s.Status(ctx, "conv1"); !st.Held {
		t.Fatal("refreshed lock expired early")
	}

	// No release: the lock lapses and bob gets it immediately.
	clk.Advance(16 * time.Second)
	if st, _ := s.Status(ctx, "conv1"); st.Held {
		t.Fatalf("lock still held after ttl: %+v", st)
	}
	if res, _ := s.Acquire(ctx, "conv1", "bob"); !res.Acquired || res.Holder != "bob" {
		t.Fatalf("bob after expiry = %+v", res)
	}
	if ok, _ := s.Release(ctx, "conv1", "alice"); ok {
		t.Fatal("alice released bob's lock")
	}
	if ok, _ := s.Release(ctx, "conv1", "bob"); !ok {
		t.Fatal("bob release failed")
	}

	kinds := audit.Kinds(rec.Records())
	want := []audit.Kind{audit.KindLockAcquired, audit.KindLockAcquired, audit.KindLockReleased}
	if len(kinds) != len(want) {
		t.Fatalf("audit kinds = %v, want %v", kinds, want)
	}
	for i := range want {
		if kinds[i] != want[i] {
			t.Fatalf("audit kinds = %v, want %v", kinds, want)
		}
	}
}

func TestSweepClearsExpiredLocks(t *testing.T) {
	t.Parallel()
	clk := &clock{t: time.Date(2026, 2, 2, 10, 0, 0, 0, time.UTC)}
	store := kv.NewMemoryStore(kv.WithClock(clk.Now))
	s := New(store, time.Minute, nil, logx.Nop())
	s.now = clk.Now
	ctx := context.Background()

	_, _ = s.Acquire(ctx, "a", "x")
	_, _ = s.Acquire(ctx, "b", "y")
	clk.Advance(30 * time.Second)
	if n, _ := s.Sweep(ctx); n != 0 {
		t.Fatalf("sweep removed %d live locks", n)
	}
	clk.Advance(31 * time.Second)
	if n, _ := s.Sweep(ctx); n != 2 {
		t.Fatalf("sweep removed %d, want 2", n)
	}
}
