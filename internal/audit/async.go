package audit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	rtsup "wagate/internal/runtime/supervisor"
	"wagate/pkg/logx"
)

var ErrStopped = errors.New("audit recorder stopped")

type AsyncConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
}

// Async queues records in memory and writes them to a Sink in batches from a
// single supervised worker. A full queue drops the record and logs a warning
// at most once per dropWarnEvery.
type Async struct {
	sink Sink
	log  logx.Logger
	cfg  AsyncConfig

	mu        sync.Mutex
	queue     chan Record
	accepting bool
	sup       *rtsup.Supervisor

	dropped   atomic.Uint64
	lastWarnN atomic.Int64
}

const dropWarnEvery = 10 * time.Second

func NewAsync(sink Sink, log logx.Logger, cfg AsyncConfig) *Async {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 64
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 500 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &Async{sink: sink, log: log.With(logx.String("comp", "audit")), cfg: cfg}
}

func (a *Async) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.queue != nil {
		return
	}
	a.queue = make(chan Record, a.cfg.QueueSize)
	a.accepting = true
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log))
	q := a.queue
	a.sup.GoRestart("audit.writer", func(c context.Context) error { return a.writeLoop(c, q) })
}

// Record never blocks.
func (a *Async) Record(r Record) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.accepting {
		a.drop(r, ErrStopped)
		return
	}
	select {
	case a.queue <- r:
	default:
		a.drop(r, errors.New("audit queue full"))
	}
}

func (a *Async) drop(r Record, why error) {
	n := a.dropped.Add(1)
	now := time.Now().UnixNano()
	last := a.lastWarnN.Load()
	if now-last < int64(dropWarnEvery) || !a.lastWarnN.CompareAndSwap(last, now) {
		return
	}
	a.log.Warn("audit record dropped",
		logx.String("kind", string(r.Kind)),
		logx.Uint64("dropped_total", n),
		logx.Err(why),
	)
}

func (a *Async) Dropped() uint64 { return a.dropped.Load() }

// writeLoop returns nil once the queue is closed and drained.
func (a *Async) writeLoop(ctx context.Context, q <-chan Record) error {
	batch := make([]Record, 0, a.cfg.BatchSize)
	tick := time.NewTicker(a.cfg.FlushInterval)
	defer tick.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.WriteTimeout)
		err := a.sink.WriteAudit(wctx, batch)
		cancel()
		if err != nil {
			a.log.Warn("audit write failed", logx.Int("records", len(batch)), logx.Err(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case r, ok := <-q:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, r)
			if len(batch) >= a.cfg.BatchSize {
				flush()
			}
		case <-tick.C:
			flush()
		case <-ctx.Done():
			flush()
			return ctx.Err()
		}
	}
}

// Stop closes intake and drains what is queued until ctx expires.
func (a *Async) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.accepting {
		a.mu.Unlock()
		return nil
	}
	a.accepting = false
	close(a.queue)
	sup := a.sup
	a.mu.Unlock()

	err := sup.Wait(ctx)
	if err != nil {
		sup.Cancel()
	}
	return err
}
