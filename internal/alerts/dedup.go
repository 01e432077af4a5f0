package alerts

import (
	"context"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/google/uuid"

	"wagate/internal/kv"
	"wagate/pkg/logx"
)

// sharedDedupTimeout keeps a slow shared store from delaying Notify much.
const sharedDedupTimeout = 50 * time.Millisecond

// dedupCache is the per-process view of recently sent keys, bounded to max
// entries by evicting the one that expires first.
type dedupCache struct {
	mu    sync.Mutex
	until map[string]time.Time
}

func newDedupCache() *dedupCache { return &dedupCache{until: map[string]time.Time{}} }

func (c *dedupCache) active(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.until[key]
	return ok && now.Before(until)
}

func (c *dedupCache) mark(key string, until, now time.Time, max int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.until[key] = until
	for k, t := range c.until {
		if !now.Before(t) {
			delete(c.until, k)
		}
	}
	for len(c.until) > max {
		var first string
		var firstT time.Time
		for k, t := range c.until {
			if first == "" || t.Before(firstT) {
				first, firstT = k, t
			}
		}
		delete(c.until, first)
	}
}

// dedupAllow reports whether key may be sent now and marks it for window.
// With a shared store the mark is a lease taken under a fresh holder id, so
// only one instance wins a given window. Store errors fail open.
func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int) bool {
	now := time.Now()
	if s.dedup.active(key, now) {
		return false
	}
	if s.shared != nil {
		cctx, cancel := context.WithTimeout(ctx, sharedDedupTimeout)
		_, won, err := s.shared.AcquireLease(cctx, dedupStoreKey(key), uuid.NewString(), window)
		cancel()
		if err != nil {
			s.log.Debug("shared dedup unavailable; sending", logx.Err(err))
		} else if !won {
			s.dedup.mark(key, now.Add(window), now, max)
			return false
		}
	}
	s.dedup.mark(key, now.Add(window), now, max)
	return true
}

func dedupStoreKey(key string) string { return kv.Key("alerts", "dedup", key) }

func dedupKey(a Alert) string {
	h := fnv.New64a()
	if a.Key != "" {
		_, _ = h.Write([]byte(a.Key))
	} else {
		_, _ = h.Write([]byte(a.Text))
	}
	return fmt.Sprintf("%x", h.Sum64())
}
