// Package audit records state transitions of outbound sends, opt-outs, locks
// and SLA deadlines. Recording is a best-effort side effect: it never blocks
// and never returns an error to the caller.
package audit

import (
	"context"
	"sync"
	"time"
)

type Kind string

const (
	KindMessageSent       Kind = "message.sent"
	KindMessageFailed     Kind = "message.failed"
	KindTemplateSubmitted Kind = "template.submitted"
	KindComplianceBlocked Kind = "compliance.blocked"
	KindOptOut            Kind = "compliance.opt_out"
	KindOptIn             Kind = "compliance.opt_in"
	KindRateLimited       Kind = "ratelimit.hit"
	KindBackoffRecorded   Kind = "backoff.recorded"
	KindRetryEnqueued     Kind = "retry.enqueued"
	KindRetrySucceeded    Kind = "retry.succeeded"
	KindRetryExhausted    Kind = "retry.exhausted"
	KindRetryResent       Kind = "retry.resent"
	KindCredentialUsed    Kind = "credential.decrypted"
	KindCredentialStored  Kind = "credential.stored"
	KindCampaignPaused    Kind = "campaign.paused"
	KindCampaignResumed   Kind = "campaign.resumed"
	KindLockAcquired      Kind = "lock.acquired"
	KindLockReleased      Kind = "lock.released"
	KindSLAStarted        Kind = "sla.started"
	KindSLACleared        Kind = "sla.cleared"
	KindSLABreached       Kind = "sla.breached"

	// KindComplianceUnchecked is a send let through because the opt-out
	// lookup failed under the allow policy.
	KindComplianceUnchecked Kind = "compliance.lookup_failed"
)

// Record is one structured audit entry.
type Record struct {
	At             time.Time         `json:"at"`
	Kind           Kind              `json:"kind"`
	TenantID       string            `json:"tenant_id,omitempty"`
	MessageID      string            `json:"message_id,omitempty"`
	CampaignID     string            `json:"campaign_id,omitempty"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Recipient      string            `json:"recipient,omitempty"`
	Actor          string            `json:"actor,omitempty"`
	Attempt        int               `json:"attempt,omitempty"`
	Error          string            `json:"error,omitempty"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Recorder accepts records without blocking.
type Recorder interface {
	Record(r Record)
}

// Sink persists batches of records.
type Sink interface {
	WriteAudit(ctx context.Context, recs []Record) error
}

type nop struct{}

func (nop) Record(Record) {}

// Nop discards everything.
func Nop() Recorder { return nop{} }

// Memory keeps records in process; it is both a Recorder and a Sink.
type Memory struct {
	mu   sync.Mutex
	recs []Record
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Record(r Record) {
	if r.At.IsZero() {
		r.At = time.Now().UTC()
	}
	m.mu.Lock()
	m.recs = append(m.recs, r)
	m.mu.Unlock()
}

func (m *Memory) WriteAudit(_ context.Context, recs []Record) error {
	m.mu.Lock()
	m.recs = append(m.recs, recs...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.recs...)
}

// ForMessage returns the trail of one message in record order.
func (m *Memory) ForMessage(messageID string) []Record {
	var out []Record
	for _, r := range m.Records() {
		if r.MessageID == messageID {
			out = append(out, r)
		}
	}
	return out
}

// Kinds lists record kinds in order, handy for assertions.
func Kinds(recs []Record) []Kind {
	out := make([]Kind, len(recs))
	for i, r := range recs {
		out[i] = r.Kind
	}
	return out
}
