package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"wagate/pkg/logx"
)

func TestAsyncDrainsOnStop(t *testing.T) {
	t.Parallel()
	sink := NewMemory()
	a := NewAsync(sink, logx.Nop(), AsyncConfig{BatchSize: 2, FlushInterval: time.Hour})
	a.Start(context.Background())

	for i := 0; i < 5; i++ {
		a.Record(Record{Kind: KindRetryEnqueued, MessageID: "m1", Attempt: i})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	recs := sink.ForMessage("m1")
	if len(recs) != 5 {
		t.Fatalf("got %d records, want 5", len(recs))
	}
	for i, r := range recs {
		if r.Attempt != i || r.At.IsZero() {
			t.Fatalf("record %d = %+v", i, r)
		}
	}
	a.Record(Record{Kind: KindMessageSent})
	if a.Dropped() != 1 {
		t.Fatalf("record after stop not dropped: %d", a.Dropped())
	}
}

type blockingSink struct {
	release chan struct{}
	once    sync.Once
	fail    bool
}

func (b *blockingSink) WriteAudit(ctx context.Context, _ []Record) error {
	b.once.Do(func() { <-b.release })
	if b.fail {
		return errors.New("disk full")
	}
	return nil
}

func TestAsyncDropsWhenFullWithoutBlocking(t *testing.T) {
	t.Parallel()
	sink := &blockingSink{release: make(chan struct{}), fail: true}
	a := NewAsync(sink, logx.Nop(), AsyncConfig{QueueSize: 2, BatchSize: 1})
	a.Start(context.Background())

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			a.Record(Record{Kind: KindMessageFailed})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a stuck sink")
	}
	if a.Dropped() == 0 {
		t.Fatal("expected drops with a stuck sink")
	}
	close(sink.release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}
