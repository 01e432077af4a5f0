package retryq

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
)

func newRedisQueueTest(t *testing.T) *RedisQueue {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, "wg")
}

func TestRedisQueueClaimLeaseRedelivers(t *testing.T) {
	t.Parallel()
	q := newRedisQueueTest(t)
	ctx := context.Background()
	t0 := time.UnixMilli(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli())

	for i, id := range []string{"j2", "j1"} {
		j := Job{ID: id, MessageID: "m-" + id, TenantID: "t1", Recipient: "628100", ScheduledAt: t0.Add(time.Duration(1-i) * time.Minute)}
		if err := q.Enqueue(ctx, j); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if got, err := q.Claim(ctx, t0.Add(-time.Second), 10, time.Minute); err != nil || len(got) != 0 {
		t.Fatalf("claimed early: %+v, %v", got, err)
	}
	got, err := q.Claim(ctx, t0.Add(time.Minute), 10, time.Minute)
	if err != nil || len(got) != 2 || got[0].ID != "j1" || got[1].MessageID != "m-j2" {
		t.Fatalf("Claim = %+v, %v", got, err)
	}
	if again, _ := q.Claim(ctx, t0.Add(90*time.Second), 10, time.Minute); len(again) != 0 {
		t.Fatalf("claimed during lease: %+v", again)
	}
	if again, _ := q.Claim(ctx, t0.Add(3*time.Minute), 1, time.Minute); len(again) != 1 {
		t.Fatalf("lease did not expire: %+v", again)
	}

	if err := q.Ack(ctx, "j1"); err != nil {
		t.Fatal(err)
	}
	if err := q.Ack(ctx, "j2"); err != nil {
		t.Fatal(err)
	}
	if live, _ := q.Claim(ctx, t0.Add(24*time.Hour), 10, time.Minute); len(live) != 0 {
		t.Fatalf("acked jobs redelivered: %+v", live)
	}
}

func TestRedisQueueDeadLetters(t *testing.T) {
	t.Parallel()
	q := newRedisQueueTest(t)
	ctx := context.Background()
	t0 := time.UnixMilli(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).UnixMilli())

	for i, id := range []string{"a", "b"} {
		j := Job{ID: id, TenantID: "t1", Recipient: "628100", ScheduledAt: t0}
		_ = q.Enqueue(ctx, j)
		j.RetryCount, j.DeadAt = 4, t0.Add(time.Duration(i)*time.Minute)
		if err := q.DeadLetter(ctx, j); err != nil {
			t.Fatalf("DeadLetter: %v", err)
		}
	}
	if live, _ := q.Claim(ctx, t0.Add(time.Hour), 10, time.Minute); len(live) != 0 {
		t.Fatalf("dead letters still live: %+v", live)
	}
	dead, err := q.DeadLetters(ctx, "t1", 10)
	if err != nil || len(dead) != 2 || dead[0].ID != "b" || dead[0].RetryCount != 4 {
		t.Fatalf("DeadLetters = %+v, %v", dead, err)
	}
	if other, _ := q.DeadLetters(ctx, "t2", 10); len(other) != 0 {
		t.Fatalf("dead letters leaked across tenants: %+v", other)
	}

	taken, err := q.TakeDeadLetter(ctx, "a")
	if err != nil || taken.ID != "a" {
		t.Fatalf("TakeDeadLetter = %+v, %v", taken, err)
	}
	if _, err := q.TakeDeadLetter(ctx, "a"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second take err = %v", err)
	}
	if dead, _ := q.DeadLetters(ctx, "t1", 10); len(dead) != 1 || dead[0].ID != "b" {
		t.Fatalf("after take = %+v", dead)
	}
}
