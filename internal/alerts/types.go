// Package alerts delivers operator alerts for SLA breaches, paused campaigns,
// dead-lettered messages and rejected credentials.
//
// Alerts go through an async pipeline: bounded queue, worker pool, a token
// bucket, retry with jittered backoff and a dedup window so a burst of the
// same condition produces one message. Delivery is best effort; a full queue
// drops the alert and says so on the event bus.
package alerts

import (
	"context"
	"time"
)

type Config struct {
	Enabled       bool
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
	DedupWindow   time.Duration
	// DedupMaxEntries caps the in-memory dedup cache.
	DedupMaxEntries int
}

type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarn
	SeverityCritical
)

// Alert is one operator-facing message. Key groups repeats of the same
// condition for dedup; an empty Key hashes Text.
type Alert struct {
	Severity Severity
	Key      string
	Text     string
}

// Sender is the delivery channel.
type Sender interface {
	Send(ctx context.Context, text string) error
}

type nopSender struct{}

func (nopSender) Send(context.Context, string) error { return nil }

// NopSender accepts and discards every alert.
func NopSender() Sender { return nopSender{} }

// Lifecycle event published on the bus.
type Event struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}

const (
	TopicAlertSent    = "alert.sent"
	TopicAlertDeduped = "alert.deduped"
	TopicAlertDropped = "alert.dropped"
	TopicAlertFailed  = "alert.failed"
)
