package retryq

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/internal/message"
	"wagate/pkg/logx"
)

type Config struct {
	Schedule     Schedule
	MaxRetries   int
	PollInterval time.Duration
	Batch        int
	// ClaimTTL is how long a claimed job stays hidden from other consumers.
	ClaimTTL time.Duration
}

func (c Config) withDefaults() Config {
	if len(c.Schedule) == 0 {
		c.Schedule = DefaultSchedule
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.Batch <= 0 {
		c.Batch = 50
	}
	if c.ClaimTTL <= 0 {
		c.ClaimTTL = 2 * time.Minute
	}
	return c
}

type Verdict int

const (
	// VerdictSent: the provider accepted the message.
	VerdictSent Verdict = iota
	// VerdictRetry: a retryable failure that spends one retry.
	VerdictRetry
	// VerdictDefer: the attempt never left the process (local throttle or a
	// paused campaign); the job is rescheduled without spending a retry.
	VerdictDefer
	// VerdictFail: a permanent failure.
	VerdictFail
)

// Attempt is what a Sender reports for one re-delivery.
type Attempt struct {
	Verdict    Verdict
	ProviderID string
	Code       string
	Reason     string
	After      time.Duration
	// Status overrides the final message status of VerdictFail.
	Status message.Status
}

// Sender re-attempts a job with the channel's current credential.
type Sender interface {
	Resend(ctx context.Context, j Job) Attempt
}

type Service struct {
	q    Queue
	msgs message.Store
	cfg  atomic.Pointer[Config]
	rec  audit.Recorder
	bus  eventbus.Bus
	log  logx.Logger
	now  func() time.Time
}

func New(q Queue, msgs message.Store, cfg Config, rec audit.Recorder, bus eventbus.Bus, log logx.Logger) *Service {
	if rec == nil {
		rec = audit.Nop()
	}
	s := &Service{q: q, msgs: msgs, rec: rec, bus: bus, log: log.With(logx.String("comp", "retryq")), now: time.Now}
	s.SetConfig(cfg)
	return s
}

func (s *Service) SetClock(now func() time.Time) { s.now = now }

func (s *Service) SetConfig(cfg Config) {
	c := cfg.withDefaults()
	s.cfg.Store(&c)
}

func (s *Service) config() Config { return *s.cfg.Load() }

// EnqueueRetry schedules the next attempt of a failed message. retryCount is
// the number of retries already made.
func (s *Service) EnqueueRetry(ctx context.Context, m message.Message, lastErr string, retryCount int) (Job, error) {
	cfg := s.config()
	now := s.now()
	orig := m.CreatedAt
	if orig.IsZero() {
		orig = now
	}
	j := Job{
		ID:             uuid.NewString(),
		MessageID:      m.ID,
		TenantID:       m.TenantID,
		ChannelID:      m.ChannelID,
		CampaignID:     m.CampaignID,
		ConversationID: m.ConversationID,
		Recipient:      m.Recipient,
		Payload:        m.Payload,
		RetryCount:     retryCount,
		MaxRetries:     cfg.MaxRetries,
		LastError:      lastErr,
		ScheduledAt:    now.Add(cfg.Schedule.Delay(retryCount)),
		OriginalAt:     orig,
	}
	if err := s.q.Enqueue(ctx, j); err != nil {
		return Job{}, err
	}
	s.enqueued(j)
	return j, nil
}

func (s *Service) DeadLetters(ctx context.Context, tenantID string, limit int) ([]Job, error) {
	return s.q.DeadLetters(ctx, tenantID, limit)
}

// ResendDeadLetter moves a parked job back into the queue with a fresh retry
// budget, due immediately. Nothing else ever revives a dead letter.
func (s *Service) ResendDeadLetter(ctx context.Context, id, actor string) (Job, error) {
	j, err := s.q.TakeDeadLetter(ctx, id)
	if err != nil {
		return Job{}, err
	}
	j.RetryCount = 0
	j.MaxRetries = s.config().MaxRetries
	j.ScheduledAt = s.now()
	j.DeadAt = time.Time{}
	if err := s.q.Enqueue(ctx, j); err != nil {
		// Put it back so the dead letter is not lost.
		if derr := s.q.DeadLetter(ctx, j); derr != nil {
			s.log.Error("dead letter lost on failed resend", logx.String("job", j.ID), logx.Err(derr))
		}
		return Job{}, err
	}
	s.saveMessage(ctx, j, message.StatusRetryPending, "", "", "")
	s.rec.Record(audit.Record{Kind: audit.KindRetryResent, TenantID: j.TenantID, MessageID: j.MessageID,
		CampaignID: j.CampaignID, Recipient: j.Recipient, Actor: actor, Meta: map[string]string{"job": j.ID}})
	return j, nil
}

// ProcessDue claims due jobs and attempts each once. It returns how many jobs
// were attempted.
func (s *Service) ProcessDue(ctx context.Context, sender Sender) (int, error) {
	cfg := s.config()
	jobs, err := s.q.Claim(ctx, s.now(), cfg.Batch, cfg.ClaimTTL)
	if err != nil {
		return 0, err
	}
	var errs []error
	for _, j := range jobs {
		if ctx.Err() != nil {
			break
		}
		if err := s.process(ctx, sender, j, cfg); err != nil {
			s.log.Warn("retry job transition failed", logx.String("job", j.ID), logx.Err(err))
			errs = append(errs, err)
		}
	}
	return len(jobs), errors.Join(errs...)
}

// Run polls until ctx is done.
func (s *Service) Run(ctx context.Context, sender Sender) error {
	t := time.NewTicker(s.config().PollInterval)
	defer t.Stop()
	for {
		if _, err := s.ProcessDue(ctx, sender); err != nil && ctx.Err() == nil {
			s.log.Warn("retry poll failed", logx.Err(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

func (s *Service) process(ctx context.Context, sender Sender, j Job, cfg Config) error {
	a := sender.Resend(ctx, j)
	now := s.now()
	attempt := j.RetryCount + 1
	limit := j.MaxRetries
	if limit <= 0 {
		limit = cfg.MaxRetries
	}

	switch a.Verdict {
	case VerdictSent:
		if err := s.q.Ack(ctx, j.ID); err != nil {
			return err
		}
		j.RetryCount = attempt
		s.saveMessage(ctx, j, message.StatusSent, "", "", a.ProviderID)
		s.rec.Record(audit.Record{Kind: audit.KindRetrySucceeded, TenantID: j.TenantID, MessageID: j.MessageID,
			CampaignID: j.CampaignID, Recipient: j.Recipient, Attempt: attempt,
			Meta: map[string]string{"job": j.ID, "provider_id": a.ProviderID}})
		s.publish(eventbus.TopicMessageSent, j)
		return nil

	case VerdictDefer:
		wait := a.After
		if wait < time.Second {
			wait = time.Second
		}
		j.ScheduledAt = now.Add(wait)
		return s.q.Enqueue(ctx, j)

	case VerdictFail:
		if err := s.q.Ack(ctx, j.ID); err != nil {
			return err
		}
		j.RetryCount = attempt
		status := a.Status
		if status == "" {
			status = message.StatusFailed
		}
		s.saveMessage(ctx, j, status, a.Code, a.Reason, "")
		s.rec.Record(audit.Record{Kind: audit.KindMessageFailed, TenantID: j.TenantID, MessageID: j.MessageID,
			CampaignID: j.CampaignID, Recipient: j.Recipient, Attempt: attempt, Error: a.Reason,
			Meta: map[string]string{"job": j.ID, "code": a.Code}})
		s.publish(eventbus.TopicMessageFailed, j)
		return nil
	}

	j.RetryCount = attempt
	j.LastError = a.Reason
	if attempt >= limit {
		j.DeadAt = now
		if err := s.q.DeadLetter(ctx, j); err != nil {
			return err
		}
		s.saveMessage(ctx, j, message.StatusDeadLetter, a.Code, a.Reason, "")
		s.rec.Record(audit.Record{Kind: audit.KindRetryExhausted, TenantID: j.TenantID, MessageID: j.MessageID,
			CampaignID: j.CampaignID, Recipient: j.Recipient, Attempt: attempt, Error: a.Reason,
			Meta: map[string]string{"job": j.ID, "code": a.Code}})
		s.publish(eventbus.TopicMessageDead, j)
		s.log.Warn("retries exhausted",
			logx.String("tenant", j.TenantID),
			logx.String("message", j.MessageID),
			logx.Int("attempts", attempt),
		)
		return nil
	}

	delay := cfg.Schedule.Delay(attempt)
	if a.After > delay {
		delay = a.After
	}
	j.ScheduledAt = now.Add(delay)
	if err := s.q.Enqueue(ctx, j); err != nil {
		return err
	}
	s.saveMessage(ctx, j, message.StatusRetryPending, a.Code, a.Reason, "")
	s.enqueued(j)
	return nil
}

func (s *Service) enqueued(j Job) {
	s.rec.Record(audit.Record{Kind: audit.KindRetryEnqueued, TenantID: j.TenantID, MessageID: j.MessageID,
		CampaignID: j.CampaignID, Recipient: j.Recipient, Attempt: j.RetryCount, Error: j.LastError,
		Meta: map[string]string{
			"job":          j.ID,
			"next_attempt": strconv.Itoa(j.RetryCount + 1),
			"scheduled_at": j.ScheduledAt.UTC().Format(time.RFC3339),
		}})
	s.publish(eventbus.TopicMessageQueued, j)
}

// saveMessage is best-effort.
func (s *Service) saveMessage(ctx context.Context, j Job, st message.Status, code, reason, providerID string) {
	if s.msgs == nil {
		return
	}
	err := s.msgs.SaveMessage(ctx, message.Message{
		ID:             j.MessageID,
		TenantID:       j.TenantID,
		ChannelID:      j.ChannelID,
		CampaignID:     j.CampaignID,
		ConversationID: j.ConversationID,
		Recipient:      j.Recipient,
		Payload:        j.Payload,
		Status:         st,
		ProviderID:     providerID,
		Code:           code,
		Reason:         reason,
		RetryCount:     j.RetryCount,
		CreatedAt:      j.OriginalAt,
		UpdatedAt:      s.now().UTC(),
	})
	if err != nil {
		s.log.Warn("message record not saved", logx.String("message", j.MessageID), logx.Err(err))
	}
}

func (s *Service) publish(topic string, j Job) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Topic: topic, Time: s.now(), Data: j})
}
