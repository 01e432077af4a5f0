// Package retryq re-delivers failed sends on a fixed delay schedule and parks
// jobs that exhaust their retries in a dead-letter set.
//
// Delivery is at least once: a claimed job stays invisible for a lease period
// and comes back if the consumer dies before acknowledging it. Retried
// messages may reach a recipient after later messages that did not fail.
package retryq

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wagate/internal/upstream"
)

var ErrNotFound = errors.New("retryq: job not found")

const DefaultMaxRetries = 4

// DefaultSchedule is the delay before retry 1, 2, 3 and 4.
var DefaultSchedule = Schedule{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

// Schedule lists delays indexed by the number of retries already made.
type Schedule []time.Duration

// Delay clamps to the last entry.
func (s Schedule) Delay(retryCount int) time.Duration {
	if len(s) == 0 {
		return DefaultSchedule.Delay(retryCount)
	}
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= len(s) {
		return s[len(s)-1]
	}
	return s[retryCount]
}

type Job struct {
	ID             string           `json:"id"`
	MessageID      string           `json:"message_id"`
	TenantID       string           `json:"tenant_id"`
	ChannelID      string           `json:"channel_id,omitempty"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Recipient      string           `json:"recipient"`
	Payload        upstream.Payload `json:"payload"`
	RetryCount     int              `json:"retry_count"`
	MaxRetries     int              `json:"max_retries"`
	LastError      string           `json:"last_error,omitempty"`
	ScheduledAt    time.Time        `json:"scheduled_at"`
	OriginalAt     time.Time        `json:"original_at"`
	DeadAt         time.Time        `json:"dead_at,omitempty"`
}

// Queue is the durable delayed-job facility.
type Queue interface {
	// Enqueue inserts or replaces the job by ID and clears any claim on it.
	Enqueue(ctx context.Context, j Job) error
	// Claim returns up to limit jobs due at now and hides them for lease.
	Claim(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error)
	Ack(ctx context.Context, id string) error
	// DeadLetter removes the job from the live queue and parks it.
	DeadLetter(ctx context.Context, j Job) error
	// DeadLetters lists parked jobs of a tenant, most recent first.
	DeadLetters(ctx context.Context, tenantID string, limit int) ([]Job, error)
	// TakeDeadLetter removes and returns one parked job.
	TakeDeadLetter(ctx context.Context, id string) (Job, error)
}

type memJob struct {
	job          Job
	claimedUntil time.Time
}

// MemoryQueue is an in-process Queue. Jobs do not survive a restart.
type MemoryQueue struct {
	mu   sync.Mutex
	live map[string]*memJob
	dead map[string]Job
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{live: map[string]*memJob{}, dead: map[string]Job{}}
}

func (q *MemoryQueue) Enqueue(_ context.Context, j Job) error {
	q.mu.Lock()
	q.live[j.ID] = &memJob{job: j}
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, now time.Time, limit int, lease time.Duration) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*memJob
	for _, mj := range q.live {
		if !mj.job.ScheduledAt.After(now) && !mj.claimedUntil.After(now) {
			due = append(due, mj)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].job.ScheduledAt.Before(due[j].job.ScheduledAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]Job, len(due))
	for i, mj := range due {
		mj.claimedUntil = now.Add(lease)
		out[i] = mj.job
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, id string) error {
	q.mu.Lock()
	delete(q.live, id)
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, j Job) error {
	q.mu.Lock()
	delete(q.live, j.ID)
	q.dead[j.ID] = j
	q.mu.Unlock()
	return nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, tenantID string, limit int) ([]Job, error) {
	q.mu.Lock()
	var out []Job
	for _, j := range q.dead {
		if j.TenantID == tenantID {
			out = append(out, j)
		}
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, k int) bool { return out[i].DeadAt.After(out[k].DeadAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *MemoryQueue) TakeDeadLetter(_ context.Context, id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.dead[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	delete(q.dead, id)
	return j, nil
}

// Pending counts live jobs, claimed or not.
func (q *MemoryQueue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}
