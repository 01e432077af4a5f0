package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Topics published by the dispatch core.
const (
	TopicMessageSent      = "message.sent"
	TopicMessageFailed    = "message.failed"
	TopicMessageQueued    = "message.retry_queued"
	TopicMessageDead      = "message.dead_letter"
	TopicInbound          = "conversation.inbound"
	TopicFirstResponse    = "conversation.first_response"
	TopicSLABreached      = "sla.breached"
	TopicCampaignPaused   = "campaign.paused"
	TopicRecipientOptOut  = "recipient.opted_out"
	TopicRecipientOptIn   = "recipient.opted_in"
	TopicRateLimited      = "ratelimit.hit"
	TopicCredentialReject = "credential.rejected"
)

// Event is a lightweight, in-memory signal used to decouple components.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//
// Data should be small and ideally JSON-serializable.
type Event struct {
	Topic string
	Time  time.Time
	Data  any
}

// Bus is passed explicitly to publishers and subscribers; there is no package-level instance.
type Bus interface {
	Publish(e Event)
	// Subscribe registers for the given topics. A topic ending in ".*" matches
	// every topic with that prefix; no topics means all topics.
	Subscribe(buffer int, topics ...string) (ch <-chan Event, unsubscribe func())
	// Dropped reports how many deliveries were skipped because a subscriber was full.
	Dropped() uint64
}

// New returns a simple in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscription{}}
}

type subscription struct {
	ch     chan Event
	exact  map[string]struct{}
	prefix []string
	all    bool
}

func (s *subscription) matches(topic string) bool {
	if s.all {
		return true
	}
	if _, ok := s.exact[topic]; ok {
		return true
	}
	for _, p := range s.prefix {
		if strings.HasPrefix(topic, p) {
			return true
		}
	}
	return false
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscription
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, s := range b.subs {
		if s.matches(e.Topic) {
			chs = append(chs, s.ch)
		}
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		// A concurrent unsubscribe may close ch; recover from send-on-closed.
		func() {
			defer func() { _ = recover() }()
			select {
			case ch <- e:
			default:
				b.dropped.Add(1)
			}
		}()
	}
}

func (b *memBus) Subscribe(buffer int, topics ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	sub := &subscription{ch: make(chan Event, buffer), exact: map[string]struct{}{}}
	for _, t := range topics {
		t = strings.TrimSpace(t)
		switch {
		case t == "" || t == "*":
			sub.all = true
		case strings.HasSuffix(t, ".*"):
			sub.prefix = append(sub.prefix, strings.TrimSuffix(t, "*"))
		default:
			sub.exact[t] = struct{}{}
		}
	}
	if len(topics) == 0 {
		sub.all = true
	}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = sub
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return sub.ch, unsub
}

func (b *memBus) Dropped() uint64 { return b.dropped.Load() }
