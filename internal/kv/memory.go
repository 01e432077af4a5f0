package kv

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps everything in process memory guarded by one mutex.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	closed bool

	counters map[string]*counter
	windows  map[string]*window
	blobs    map[string]blob
	hashes   map[string]*hash
	leases   map[string]Lease
}

type counter struct {
	val     int64
	expires time.Time
}

type windowEntry struct {
	member string
	at     time.Time
}

type window struct {
	entries []windowEntry // ordered by at
	expires time.Time
}

type blob struct {
	val     []byte
	expires time.Time
}

type hash struct {
	fields  map[string]int64
	expires time.Time
}

type MemoryOption func(*MemoryStore)

// WithClock overrides time.Now, mainly for tests.
func WithClock(now func() time.Time) MemoryOption {
	return func(s *MemoryStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		now:      time.Now,
		counters: map[string]*counter{},
		windows:  map[string]*window{},
		blobs:    map[string]blob{},
		hashes:   map[string]*hash{},
		leases:   map[string]Lease{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func expired(exp, now time.Time) bool { return !exp.IsZero() && !now.Before(exp) }

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

func (s *MemoryStore) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(key, ttl, false)
}

func (s *MemoryStore) IncrSliding(_ context.Context, key string, ttl time.Duration) (int64, error) {
	return s.incr(key, ttl, true)
}

func (s *MemoryStore) incr(key string, ttl time.Duration, slide bool) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	now := s.now()
	c := s.counters[key]
	if c == nil || expired(c.expires, now) {
		c = &counter{expires: expiry(now, ttl)}
		s.counters[key] = c
	} else if slide {
		c.expires = expiry(now, ttl)
	}
	c.val++
	return c.val, nil
}

func (s *MemoryStore) Decr(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if c := s.counters[key]; c != nil && !expired(c.expires, s.now()) && c.val > 0 {
		c.val--
	}
	return nil
}

func (s *MemoryStore) Counter(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	c := s.counters[key]
	if c == nil || expired(c.expires, s.now()) {
		return 0, nil
	}
	return c.val, nil
}

func (s *MemoryStore) WindowAdmit(_ context.Context, key string, now time.Time, win time.Duration, limit int64, member string) (WindowResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return WindowResult{}, ErrClosed
	}
	w := s.windows[key]
	if w == nil {
		w = &window{}
		s.windows[key] = w
	}
	cutoff := now.Add(-win)
	// Entries scored at or before the cutoff are outside the trailing window.
	i := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].at.After(cutoff) })
	w.entries = w.entries[i:]

	res := WindowResult{Count: int64(len(w.entries))}
	if res.Count < limit {
		pos := sort.Search(len(w.entries), func(i int) bool { return w.entries[i].at.After(now) })
		w.entries = append(w.entries, windowEntry{})
		copy(w.entries[pos+1:], w.entries[pos:])
		w.entries[pos] = windowEntry{member: member, at: now}
		res.Allowed = true
		res.Count++
	}
	w.expires = now.Add(win)
	res.Oldest = now
	if len(w.entries) > 0 {
		res.Oldest = w.entries[0].at
	}
	return res, nil
}

func (s *MemoryStore) WindowRemove(_ context.Context, key, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	w := s.windows[key]
	if w == nil {
		return nil
	}
	for i, e := range w.entries {
		if e.member == member {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	b, ok := s.blobs[key]
	if !ok || expired(b.expires, s.now()) {
		return nil, false, nil
	}
	return append([]byte(nil), b.val...), true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, val []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.blobs[key] = blob{val: append([]byte(nil), val...), expires: expiry(s.now(), ttl)}
	return nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, k := range keys {
		delete(s.counters, k)
		delete(s.windows, k)
		delete(s.blobs, k)
		delete(s.hashes, k)
		delete(s.leases, k)
	}
	return nil
}

func (s *MemoryStore) HIncr(_ context.Context, key, field string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	now := s.now()
	h := s.hashes[key]
	if h == nil || expired(h.expires, now) {
		h = &hash{fields: map[string]int64{}}
		s.hashes[key] = h
	}
	// Matches HINCRBY + PEXPIRE: every write pushes the expiry out.
	h.expires = expiry(now, ttl)
	h.fields[field]++
	return h.fields[field], nil
}

func (s *MemoryStore) HGetAll(_ context.Context, key string) (map[string]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	out := map[string]int64{}
	h := s.hashes[key]
	if h == nil || expired(h.expires, s.now()) {
		return out, nil
	}
	for k, v := range h.fields {
		out[k] = v
	}
	return out, nil
}

func (s *MemoryStore) AcquireLease(_ context.Context, key, holder string, ttl time.Duration) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Lease{}, false, ErrClosed
	}
	now := s.now()
	cur, ok := s.leases[key]
	if ok && !expired(cur.ExpiresAt, now) {
		if cur.Holder != holder {
			return cur, false, nil
		}
		cur.ExpiresAt = now.Add(ttl)
		s.leases[key] = cur
		return cur, true, nil
	}
	l := Lease{Key: key, Holder: holder, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	s.leases[key] = l
	return l, true, nil
}

func (s *MemoryStore) ReleaseLease(_ context.Context, key, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	cur, ok := s.leases[key]
	if !ok || cur.Holder != holder {
		return false, nil
	}
	delete(s.leases, key)
	return !expired(cur.ExpiresAt, s.now()), nil
}

func (s *MemoryStore) GetLease(_ context.Context, key string) (Lease, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Lease{}, false, ErrClosed
	}
	cur, ok := s.leases[key]
	if !ok || expired(cur.ExpiresAt, s.now()) {
		return Lease{}, false, nil
	}
	return cur, true, nil
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n := 0
	for k, c := range s.counters {
		if expired(c.expires, now) {
			delete(s.counters, k)
			n++
		}
	}
	for k, w := range s.windows {
		if expired(w.expires, now) {
			delete(s.windows, k)
			n++
		}
	}
	for k, b := range s.blobs {
		if expired(b.expires, now) {
			delete(s.blobs, k)
			n++
		}
	}
	for k, h := range s.hashes {
		if expired(h.expires, now) {
			delete(s.hashes, k)
			n++
		}
	}
	for k, l := range s.leases {
		if expired(l.ExpiresAt, now) {
			delete(s.leases, k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
