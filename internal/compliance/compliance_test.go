package compliance

import (
	"context"
	"errors"
	"testing"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/pkg/logx"
)

func newGate(store Store) (*Gate, *audit.Memory, eventbus.Bus) {
	rec := audit.NewMemory()
	bus := eventbus.New()
	g := New(store, Config{
		OptOutKeywords: []string{"STOP", "unsubscribe"},
		OptInKeywords:  []string{"START"},
	}, rec, bus, logx.Nop())
	return g, rec, bus
}

func TestOptOutBlocksUntilOptIn(t *testing.T) {
	t.Parallel()
	g, rec, bus := newGate(NewMemoryStore())
	ctx := context.Background()
	events, unsub := bus.Subscribe(4, "recipient.*")
	defer unsub()

	act, err := g.HandleInbound(ctx, "t1", "+62 812-0000", "  stop! ")
	if err != nil || act != KeywordOptOut {
		t.Fatalf("HandleInbound = %q, %v", act, err)
	}
	for i := 0; i < 100; i++ {
		if !g.IsBlocked(ctx, "t1", "628120000") {
			t.Fatalf("send %d not blocked", i)
		}
	}
	if g.IsBlocked(ctx, "t2", "628120000") {
		t.Fatal("opt-out leaked across tenants")
	}

	if act, _ := g.HandleInbound(ctx, "t1", "628120000", "hello"); act != KeywordNone {
		t.Fatalf("ordinary text matched %q", act)
	}
	if act, err := g.HandleInbound(ctx, "t1", "628120000", "Start"); err != nil || act != KeywordOptIn {
		t.Fatalf("opt-in = %q, %v", act, err)
	}
	if g.IsBlocked(ctx, "t1", "628120000") {
		t.Fatal("still blocked after opt-in")
	}

	kinds := audit.Kinds(rec.Records())
	if len(kinds) != 2 || kinds[0] != audit.KindOptOut || kinds[1] != audit.KindOptIn {
		t.Fatalf("audit kinds = %v", kinds)
	}
	if e := <-events; e.Topic != eventbus.TopicRecipientOptOut {
		t.Fatalf("first event = %s", e.Topic)
	}
	if e := <-events; e.Topic != eventbus.TopicRecipientOptIn {
		t.Fatalf("second event = %s", e.Topic)
	}
}

func TestLookupFailurePolicy(t *testing.T) {
	t.Parallel()
	store := NewMemoryStore()
	store.Err = errors.New("db down")
	g, _, _ := newGate(store)
	ctx := context.Background()

	d := g.Check(ctx, "t1", "1")
	if d.Blocked || d.LookupErr == nil {
		t.Fatalf("allow policy decision = %+v", d)
	}
	g.Apply(Config{Policy: ParsePolicy("BLOCK")})
	if !g.IsBlocked(ctx, "t1", "1") {
		t.Fatal("block policy did not block on lookup failure")
	}
}

func TestParsePolicyDefaultsToAllow(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "allow", "weird"} {
		if ParsePolicy(s) != PolicyAllow {
			t.Fatalf("ParsePolicy(%q) != allow", s)
		}
	}
}
