// Package replylock tells shared-inbox agents that someone else is already
// replying in a conversation.
//
// The lock is advisory: a failed Acquire reports the current holder but the
// caller may still send. Locks expire on their own and a holder keeps one
// alive by calling Acquire again while composing.
package replylock

import (
	"context"
	"errors"
	"time"

	"wagate/internal/audit"
	"wagate/internal/kv"
	"wagate/pkg/logx"
)

var ErrBadArgs = errors.New("replylock: conversation and holder are required")

type Result struct {
	Acquired bool
	// Holder is the live holder after the call; it equals the caller when
	// Acquired is true.
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type Status struct {
	ConversationID string
	Held           bool
	Holder         string
	AcquiredAt     time.Time
	ExpiresAt      time.Time
}

type Service struct {
	store kv.Store
	ttl   time.Duration
	rec   audit.Recorder
	log   logx.Logger
	now   func() time.Time
}

func New(store kv.Store, ttl time.Duration, rec audit.Recorder, log logx.Logger) *Service {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	if rec == nil {
		rec = audit.Nop()
	}
	return &Service{store: store, ttl: ttl, rec: rec, log: log.With(logx.String("comp", "replylock")), now: time.Now}
}

// TTL is how long a lock lives without a refresh.
func (s *Service) TTL() time.Duration { return s.ttl }

func key(conversationID string) string { return kv.Key("lock", "conversation", conversationID) }

func (s *Service) Acquire(ctx context.Context, conversationID, holderID string) (Result, error) {
	if conversationID == "" || holderID == "" {
		return Result{}, ErrBadArgs
	}
	l, ok, err := s.store.AcquireLease(ctx, key(conversationID), holderID, s.ttl)
	if err != nil {
		return Result{}, err
	}
	res := Result{Acquired: ok, Holder: l.Holder, AcquiredAt: l.AcquiredAt, ExpiresAt: l.ExpiresAt}
	// A fresh lease starts exactly one ttl before it expires; a refresh keeps
	// its original start.
	if ok && l.ExpiresAt.Sub(l.AcquiredAt) == s.ttl {
		s.rec.Record(audit.Record{Kind: audit.KindLockAcquired, ConversationID: conversationID, Actor: holderID})
	}
	if !ok {
		s.log.Debug("reply lock held by another agent",
			logx.String("conversation", conversationID),
			logx.String("holder", l.Holder),
			logx.String("requester", holderID),
		)
	}
	return res, nil
}

// Release drops the lock only if holderID holds it.
func (s *Service) Release(ctx context.Context, conversationID, holderID string) (bool, error) {
	if conversationID == "" || holderID == "" {
		return false, ErrBadArgs
	}
	ok, err := s.store.ReleaseLease(ctx, key(conversationID), holderID)
	if err != nil || !ok {
		return false, err
	}
	s.rec.Record(audit.Record{Kind: audit.KindLockReleased, ConversationID: conversationID, Actor: holderID})
	return true, nil
}

func (s *Service) Status(ctx context.Context, conversationID string) (Status, error) {
	l, ok, err := s.store.GetLease(ctx, key(conversationID))
	if err != nil {
		return Status{}, err
	}
	st := Status{ConversationID: conversationID, Held: ok}
	if ok {
		st.Holder, st.AcquiredAt, st.ExpiresAt = l.Holder, l.AcquiredAt, l.ExpiresAt
	}
	return st, nil
}

// Sweep clears expired entries from the backing store.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	return s.store.Sweep(ctx, s.now())
}
