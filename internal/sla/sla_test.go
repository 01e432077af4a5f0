package sla

import (
	"context"
	"errors"
	"testing"
	"time"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/internal/tenant"
	"wagate/pkg/logx"
)

type settings map[string]tenant.SLASettings

func (s settings) SLA(id string) tenant.SLASettings { return s[id] }

func newTracker() (*Tracker, *time.Time, eventbus.Bus) {
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	bus := eventbus.New()
	tr := NewTracker(NewMemoryStore(), settings{
		"t1": {Enabled: true, FirstResponse: 15 * time.Minute, AutoEscalate: true},
		"t2": {Enabled: true, FirstResponse: 15 * time.Minute},
	}, audit.NewMemory(), bus, logx.Nop())
	tr.SetClock(func() time.Time { return now })
	return tr, &now, bus
}

func TestReplyBeforeDeadlineNeverBreaches(t *testing.T) {
	t.Parallel()
	tr, now, bus := newTracker()
	ctx := context.Background()
	events, unsub := bus.Subscribe(8, eventbus.TopicSLABreached)
	defer unsub()

	d, err := tr.SetDeadline(ctx, "t1", "c1")
	if err != nil || !d.Deadline.Equal(now.Add(15*time.Minute)) {
		t.Fatalf("SetDeadline = %+v, %v", d, err)
	}
	*now = now.Add(10 * time.Minute)
	if ok, _ := tr.ClearOnFirstResponse(ctx, "c1", "agent-1"); !ok {
		t.Fatal("first response did not clear")
	}
	if ok, _ := tr.ClearOnFirstResponse(ctx, "c1", "agent-2"); ok {
		t.Fatal("second reply cleared again")
	}
	*now = now.Add(time.Hour)
	if ids, _ := tr.SweepBreaches(ctx); len(ids) != 0 {
		t.Fatalf("breached after reply: %v", ids)
	}
	select {
	case e := <-events:
		t.Fatalf("unexpected breach event %+v", e)
	default:
	}
}

func TestBreachEmittedExactlyOnce(t *testing.T) {
	t.Parallel()
	tr, now, bus := newTracker()
	ctx := context.Background()
	events, unsub := bus.Subscribe(8, eventbus.TopicSLABreached)
	defer unsub()

	_, _ = tr.SetDeadline(ctx, "t1", "c1")
	_, _ = tr.SetDeadline(ctx, "t2", "c2")
	*now = now.Add(5 * time.Minute)
	// A second inbound in the same episode keeps the first deadline.
	if d, _ := tr.SetDeadline(ctx, "t1", "c1"); !d.Deadline.Equal(now.Add(10 * time.Minute)) {
		t.Fatalf("deadline moved: %v", d.Deadline)
	}

	*now = now.Add(10 * time.Minute)
	ids, err := tr.SweepBreaches(ctx)
	if err != nil || len(ids) != 2 {
		t.Fatalf("first sweep = %v, %v", ids, err)
	}
	if ids, _ := tr.SweepBreaches(ctx); len(ids) != 0 {
		t.Fatalf("second sweep re-emitted %v", ids)
	}
	if n := len(events); n != 2 {
		t.Fatalf("breach events = %d, want 2", n)
	}

	d1, _, _ := tr.Get(ctx, "c1")
	d2, _, _ := tr.Get(ctx, "c2")
	if !d1.Breached || d1.Priority != 1 || d2.Priority != 0 {
		t.Fatalf("escalation c1=%+v c2=%+v", d1, d2)
	}

	// A late reply still closes the episode so the next inbound starts fresh.
	if ok, _ := tr.ClearOnFirstResponse(ctx, "c1", "agent"); !ok {
		t.Fatal("late reply did not close breached episode")
	}
	if d, _ := tr.SetDeadline(ctx, "t1", "c1"); d.Breached {
		t.Fatalf("new episode inherited breach: %+v", d)
	}
}

func TestDisabledTenant(t *testing.T) {
	t.Parallel()
	tr, _, _ := newTracker()
	if _, err := tr.SetDeadline(context.Background(), "nobody", "c"); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v", err)
	}
}
