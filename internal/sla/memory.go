package sla

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps the latest episode per conversation.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Deadline
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{rows: map[string]Deadline{}} }

func (m *MemoryStore) StartDeadline(_ context.Context, d Deadline) (Deadline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.rows[d.ConversationID]; ok && cur.Open() {
		return cur, false, nil
	}
	m.rows[d.ConversationID] = d
	return d, true, nil
}

func (m *MemoryStore) ClearDeadline(_ context.Context, conversationID, responderID string, at time.Time) (Deadline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.rows[conversationID]
	if !ok || !cur.Open() {
		return Deadline{}, false, nil
	}
	cur.ClearedAt, cur.ClearedBy = at, responderID
	m.rows[conversationID] = cur
	return cur, true, nil
}

func (m *MemoryStore) ClaimBreaches(_ context.Context, now time.Time, limit int) ([]Deadline, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Deadline
	for id, d := range m.rows {
		if !d.Open() || d.Breached || d.Deadline.After(now) {
			continue
		}
		d.Breached, d.BreachedAt = true, now
		m.rows[id] = d
		out = append(out, d)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (m *MemoryStore) SetPriority(_ context.Context, conversationID string, priority int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d, ok := m.rows[conversationID]; ok {
		d.Priority = priority
		m.rows[conversationID] = d
	}
	return nil
}

func (m *MemoryStore) GetDeadline(_ context.Context, conversationID string) (Deadline, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.rows[conversationID]
	return d, ok, nil
}
