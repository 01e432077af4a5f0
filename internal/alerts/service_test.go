package alerts

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/campaign"
	"wagate/internal/eventbus"
	"wagate/internal/kv"
	"wagate/internal/retryq"
	"wagate/internal/sla"
	"wagate/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	fails int
	texts []string
	got   chan string
}

func newRecordingSender(fails int) *recordingSender {
	return &recordingSender{fails: fails, got: make(chan string, 16)}
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("telegram down")
	}
	r.texts = append(r.texts, text)
	r.got <- text
	return nil
}

func waitText(t *testing.T, r *recordingSender) string {
	t.Helper()
	select {
	case s := <-r.got:
		return s
	case <-time.After(3 * time.Second):
		t.Fatalf("no alert delivered")
		return ""
	}
}

func fastConfig() Config {
	return Config{Enabled: true, Workers: 1, RatePerSec: 100, RetryMax: 2,
		RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond, DedupWindow: time.Minute}
}

func TestNotifyRetriesAndDedups(t *testing.T) {
	t.Parallel()
	snd := newRecordingSender(2)
	s := New(fastConfig(), snd, logx.Nop(), nil, nil)
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	if err := s.Notify(ctx, Alert{Severity: SeverityCritical, Key: "k1", Text: "campaign paused"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if got := waitText(t, snd); got != "🚨 campaign paused" {
		t.Fatalf("text = %q", got)
	}
	if err := s.Notify(ctx, Alert{Key: "k1", Text: "campaign paused again"}); err != nil {
		t.Fatalf("deduped Notify: %v", err)
	}
	select {
	case txt := <-snd.got:
		t.Fatalf("duplicate delivered: %q", txt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisabledAndStopped(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	off := New(Config{}, nil, logx.Nop(), nil, nil)
	off.Start(ctx)
	if err := off.Notify(ctx, Alert{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("disabled err = %v", err)
	}
	on := New(fastConfig(), newRecordingSender(0), logx.Nop(), nil, nil)
	on.Start(ctx)
	on.Stop(ctx)
	if err := on.Notify(ctx, Alert{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("stopped err = %v", err)
	}
}

func TestSharedDedupAcrossInstances(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := kv.NewMemoryStore()
	first := newRecordingSender(0)
	a := New(fastConfig(), first, logx.Nop(), nil, shared)
	a.Start(ctx)
	_ = a.Notify(ctx, Alert{Key: "sla:c1", Text: "breach"})
	waitText(t, first)
	a.Stop(ctx)

	second := newRecordingSender(0)
	b := New(fastConfig(), second, logx.Nop(), nil, shared)
	b.Start(ctx)
	defer b.Stop(ctx)
	_ = b.Notify(ctx, Alert{Key: "sla:c1", Text: "breach"})
	select {
	case <-second.got:
		t.Fatalf("second instance repeated a deduped alert")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBusEventsBecomeAlerts(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	snd := newRecordingSender(0)
	s := New(fastConfig(), snd, logx.Nop(), bus, nil)
	ctx := context.Background()
	s.Start(ctx)
	defer s.Stop(ctx)

	bus.Publish(eventbus.Event{Topic: eventbus.TopicSLABreached, Time: time.Now(),
		Data: sla.Deadline{ConversationID: "conv7", TenantID: "t1", Deadline: time.Now(), Priority: 2}})
	if got := waitText(t, snd); !strings.Contains(got, "conv7") {
		t.Fatalf("sla alert = %q", got)
	}
	bus.Publish(eventbus.Event{Topic: eventbus.TopicMessageSent, Data: "ignored"})
	bus.Publish(eventbus.Event{Topic: eventbus.TopicCampaignPaused, Data: campaign.State{CampaignID: "c1", Reason: "CREDENTIAL_INVALID"}})
	if got := waitText(t, snd); !strings.Contains(got, "Campaign c1 paused") {
		t.Fatalf("campaign alert = %q", got)
	}
}

func TestFromEvent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		ev   eventbus.Event
		want string
		ok   bool
	}{
		{"dead letter", eventbus.Event{Topic: eventbus.TopicMessageDead, Data: retryq.Job{ID: "j", MessageID: "m1", RetryCount: 4, LastError: "500"}}, "dead-lettered after 4 attempts", true},
		{"credential", eventbus.Event{Topic: eventbus.TopicCredentialReject, Data: map[string]string{"tenant": "t1", "channel": "ph"}}, "tenant t1 channel ph", true},
		{"foreign map", eventbus.Event{Topic: "other", Data: map[string]string{}}, "", false},
		{"unknown", eventbus.Event{Topic: "x", Data: 42}, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, ok := FromEvent(tt.ev)
			if ok != tt.ok || !strings.Contains(a.Text, tt.want) {
				t.Fatalf("FromEvent = %+v, %v", a, ok)
			}
		})
	}
}
