// Package kv is the shared counter and lock store behind rate limits, backoff
// state, campaign flags and advisory locks.
//
// Every method is a single atomic read-modify-write against the backing store.
// MemoryStore is fine for a single process; multi-instance deployments use
// RedisStore so all instances share the same counters.
package kv

import (
	"context"
	"errors"
	"strings"
	"time"
)

var ErrClosed = errors.New("kv store closed")

// WindowResult is the outcome of a sliding-window admission.
type WindowResult struct {
	Allowed bool
	// Count is the number of entries inside the window after the call.
	Count int64
	// Oldest is the score of the oldest entry still inside the window.
	Oldest time.Time
}

// Lease is a holder-tagged entry that expires on its own.
type Lease struct {
	Key        string
	Holder     string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type Store interface {
	// Incr increments key by one; the expiry is set when the key is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// IncrSliding is Incr with the expiry pushed out to now+ttl on every call,
	// so the counter only lapses after ttl without increments.
	IncrSliding(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// Decr refunds one unit; a missing key is left missing.
	Decr(ctx context.Context, key string) error
	// Counter reads a counter; a missing or expired key reads as zero.
	Counter(ctx context.Context, key string) (int64, error)

	// WindowAdmit prunes entries older than now-window, then adds member scored at
	// now only if fewer than limit entries remain.
	WindowAdmit(ctx context.Context, key string, now time.Time, window time.Duration, limit int64, member string) (WindowResult, error)
	WindowRemove(ctx context.Context, key, member string) error

	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error

	HIncr(ctx context.Context, key, field string, ttl time.Duration) (int64, error)
	HGetAll(ctx context.Context, key string) (map[string]int64, error)

	// AcquireLease takes key for holder if it is free, expired, or already held by
	// holder (in which case the expiry is pushed out). Otherwise the live lease is
	// returned with acquired=false.
	AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (Lease, bool, error)
	ReleaseLease(ctx context.Context, key, holder string) (bool, error)
	GetLease(ctx context.Context, key string) (Lease, bool, error)

	// Sweep drops expired entries and returns how many were removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
	Close() error
}

// Key joins non-empty parts with ":".
func Key(parts ...string) string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(strings.TrimSpace(p), ":")
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ":")
}
