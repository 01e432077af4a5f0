package alerts

import (
	"context"
	"errors"
	"fmt"
		"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/eventbus"
	"wagate/internal/kv"
	rtsup "wagate/internal/runtime/supervisor"
	"wagate/pkg/logx"
)

var (
	ErrDisabled  = errors.New("alerts disabled")
	ErrQueueFull = errors.New("alerts queue full")
	ErrStopped   = errors.New("alerts stopped")
)

type job struct {
	a   Alert
	key string
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log    logx.Logger
	sender Sender
	bus    eventbus.Bus
	// shared is optional; it carries dedup marks across instances and restarts.
	shared kv.Store

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup
	queue     chan job
	sup       *rtsup.Supervisor
	stopDone  chan struct{}
	unsub     func()

	dedup *dedupCache
}

func New(cfg Config, sender Sender, log logx.Logger, bus eventbus.Bus, shared kv.Store) *Service {
	if sender == nil {
		sender = NopSender()
	}
	s := &Service{
		sender: sender,
		log:    log.With(logx.String("comp", "alerts")),
		bus:    bus,
		shared: shared,
		dedup:  newDedupCache(),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps limits and dedup settings. Worker and queue sizes take effect on
// the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 512
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}
	s.cfg = cfg
	// Burst equals the rate so short spikes do not stall.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

// Start is idempotent and does nothing while disabled.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.sup = rtsup.New(ctx, rtsup.WithLogger(s.log), rtsup.WithCancelOnError(false))
	var events <-chan eventbus.Event
	if s.bus != nil {
		events, s.unsub = s.bus.Subscribe(64, watchedTopics...)
	}
	sup, q, workers := s.sup, s.queue, s.cfg.Workers
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("alerts.worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.exitErr(c)
		})
	}
	if events != nil {
		sup.Go("alerts.watch", func(c context.Context) error {
			s.watch(c, events)
			return nil
		})
	}
}

// exitErr is nil for shutdown exits so the supervisor does not restart.
func (s *Service) exitErr(c context.Context) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping || c.Err() != nil {
		return nil
	}
	return errors.New("alerts loop exited unexpectedly")
}

// Stop closes intake and drains the queue until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	q, sup := s.queue, s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	unsub := s.unsub
	s.unsub = nil
	s.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	go func() {
		defer close(done)
		s.sendWG.Wait()
		close(q)
		_ = sup.Wait(context.Background())

		s.mu.Lock()
		s.queue, s.sup, s.stopDone = nil, nil, nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sup.Cancel()
	}
}

// Notify enqueues without blocking. A deduped alert returns nil.
func (s *Service) Notify(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q, window, maxEntries := s.queue, s.cfg.DedupWindow, s.cfg.DedupMaxEntries
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	key := dedupKey(a)
	if window > 0 && !s.dedupAllow(ctx, key, window, maxEntries) {
		s.publish(TopicAlertDeduped, key, nil)
		return nil
	}
	select {
	case q <- job{a: a, key: key}:
		return nil
	default:
		s.publish(TopicAlertDropped, key, ErrQueueFull)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendWithRetry(ctx, j)
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job) {
	s.mu.Lock()
	cfg, lim, sender := s.cfg, s.limiter, s.sender
	s.mu.Unlock()

	text := prefixFor(j.a.Severity) + j.a.Text
	attempts := 1 + cfg.RetryMax
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := lim.Wait(ctx); err != nil {
			return
		}
		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sender.Send(callCtx, text)
		cancel()
		if err == nil {
			s.publish(TopicAlertSent, j.key, nil)
			return
		}
		lastErr = err
		s.log.Debug("alert send failed", logx.Err(err), logx.Int("attempt", attempt), logx.Int("max", attempts))
		if attempt == attempts {
			break
		}
		t := time.NewTimer(retryDelay(cfg, attempt))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
	s.log.Warn("alert not delivered", logx.String("key", j.key), logx.Err(lastErr))
	s.publish(TopicAlertFailed, j.key, lastErr)
}

func prefixFor(sev Severity) string {
	switch sev {
	case SeverityCritical:
		return "🚨 "
	case SeverityWarn:
		return "⚠️ "
	}
	return "ℹ️ "
}

// retryDelay is base*2^(attempt-1) with 0.7..1.3 jitter, capped.
func retryDelay(cfg Config, attempt int) time.Duration {
	d := cfg.RetryBase
	for i := 1; i < attempt && d < cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	d = time.Duration(float64(d) * (0.7 + rand.Float64()*0.6))
	return min(d, cfg.RetryMaxDelay)
}

func (s *Service) publish(topic, key string, err error) {
	if s.bus == nil {
		return
	}
	ev := Event{Key: key, At: time.Now()}
	if err != nil {
		ev.Error = err.Error()
	}
	s.bus.Publish(eventbus.Event{Topic: topic, Time: ev.At, Data: ev})
}
