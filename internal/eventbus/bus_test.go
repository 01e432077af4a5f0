package eventbus

import "testing"

func TestSubscribeFiltersByTopic(t *testing.T) {
	t.Parallel()
	b := New()
	sla, unsubSLA := b.Subscribe(4, TopicSLABreached)
	defer unsubSLA()
	msgs, unsubMsgs := b.Subscribe(4, "message.*")
	defer unsubMsgs()

	b.Publish(Event{Topic: TopicMessageSent, Data: "m1"})
	b.Publish(Event{Topic: TopicSLABreached, Data: "c1"})

	select {
	case e := <-sla:
		if e.Data != "c1" {
			t.Fatalf("sla subscriber got %v", e.Data)
		}
	default:
		t.Fatalf("sla subscriber got nothing")
	}
	if len(sla) != 0 {
		t.Fatalf("sla subscriber received unrelated events")
	}
	e := <-msgs
	if e.Topic != TopicMessageSent || e.Time.IsZero() {
		t.Fatalf("unexpected event %+v", e)
	}
	if len(msgs) != 0 {
		t.Fatalf("prefix subscriber received unrelated events")
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()
	b := New()
	_, unsub := b.Subscribe(1)
	defer unsub()
	for i := 0; i < 5; i++ {
		b.Publish(Event{Topic: "x"})
	}
	if got := b.Dropped(); got != 4 {
		t.Fatalf("Dropped = %d, want 4", got)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	b.Publish(Event{Topic: "x"})
}
