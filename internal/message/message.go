// Package message holds the record of every outbound send and its status.
package message

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"wagate/internal/upstream"
)

var ErrNotFound = errors.New("message: not found")

type Status string

const (
	StatusSent         Status = "sent"
	StatusFailed       Status = "failed"
	StatusRetryPending Status = "retry_pending"
	StatusDeadLetter   Status = "dead_letter"
	StatusBlocked      Status = "blocked"
)

// Terminal reports whether no automatic attempt will follow.
func (s Status) Terminal() bool { return s != StatusRetryPending }

type Message struct {
	ID             string           `json:"id"`
	TenantID       string           `json:"tenant_id"`
	ChannelID      string           `json:"channel_id,omitempty"`
	CampaignID     string           `json:"campaign_id,omitempty"`
	ConversationID string           `json:"conversation_id,omitempty"`
	Recipient      string           `json:"recipient"`
	Payload        upstream.Payload `json:"payload"`
	Status         Status           `json:"status"`
	ProviderID     string           `json:"provider_id,omitempty"`
	Code           string           `json:"code,omitempty"`
	Reason         string           `json:"reason,omitempty"`
	RetryCount     int              `json:"retry_count"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

// Store persists message records. SaveMessage is an upsert by ID that keeps
// the original CreatedAt.
type Store interface {
	SaveMessage(ctx context.Context, m Message) error
	GetMessage(ctx context.Context, id string) (Message, error)
	ListMessages(ctx context.Context, tenantID string, status Status, limit int) ([]Message, error)
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]Message
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{rows: map[string]Message{}} }

func (m *MemoryStore) SaveMessage(_ context.Context, msg Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.rows[msg.ID]; ok && !old.CreatedAt.IsZero() {
		msg.CreatedAt = old.CreatedAt
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = msg.UpdatedAt
	}
	m.rows[msg.ID] = msg
	return nil
}

func (m *MemoryStore) GetMessage(_ context.Context, id string) (Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.rows[id]
	if !ok {
		return Message{}, ErrNotFound
	}
	return msg, nil
}

// ListMessages returns newest first. An empty status matches all.
func (m *MemoryStore) ListMessages(_ context.Context, tenantID string, status Status, limit int) ([]Message, error) {
	m.mu.Lock()
	var out []Message
	for _, msg := range m.rows {
		if msg.TenantID == tenantID && (status == "" || msg.Status == status) {
			out = append(out, msg)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
