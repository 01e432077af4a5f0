// Package sla tracks first-response deadlines for inbound conversations.
//
// An inbound message opens an episode with a deadline unless one is already
// open. The first outbound reply closes it. A sweep flips overdue open
// episodes to breached exactly once; the store does the flip atomically so
// concurrent sweeps never report the same breach twice.
package sla

import (
	"context"
	"errors"
	"time"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/internal/tenant"
	"wagate/pkg/logx"
)

var ErrDisabled = errors.New("sla: disabled for tenant")

const MaxPriority = 3

type Deadline struct {
	ConversationID string    `json:"conversation_id"`
	TenantID       string    `json:"tenant_id"`
	StartedAt      time.Time `json:"started_at"`
	Deadline       time.Time `json:"deadline"`
	Breached       bool      `json:"breached"`
	BreachedAt     time.Time `json:"breached_at,omitempty"`
	Priority       int       `json:"priority"`
	ClearedAt      time.Time `json:"cleared_at,omitempty"`
	ClearedBy      string    `json:"cleared_by,omitempty"`
}

// Open reports whether the episode still waits for its first response.
func (d Deadline) Open() bool { return d.ClearedAt.IsZero() }

type Store interface {
	// StartDeadline inserts d unless the conversation already has an open
	// episode, in which case the open one is returned with created=false.
	StartDeadline(ctx context.Context, d Deadline) (Deadline, bool, error)
	// ClearDeadline closes the open episode; cleared is false when none is open.
	ClearDeadline(ctx context.Context, conversationID, responderID string, at time.Time) (Deadline, bool, error)
	// ClaimBreaches marks open, unbreached episodes due at or before now as
	// breached and returns only the rows this call flipped.
	ClaimBreaches(ctx context.Context, now time.Time, limit int) ([]Deadline, error)
	SetPriority(ctx context.Context, conversationID string, priority int) error
	GetDeadline(ctx context.Context, conversationID string) (Deadline, bool, error)
}

type SettingsSource interface {
	SLA(tenantID string) tenant.SLASettings
}

type Tracker struct {
	store    Store
	settings SettingsSource
	rec      audit.Recorder
	bus      eventbus.Bus
	log      logx.Logger
	now      func() time.Time
}

func NewTracker(store Store, settings SettingsSource, rec audit.Recorder, bus eventbus.Bus, log logx.Logger) *Tracker {
	if rec == nil {
		rec = audit.Nop()
	}
	return &Tracker{store: store, settings: settings, rec: rec, bus: bus,
		log: log.With(logx.String("comp", "sla")), now: time.Now}
}

func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

// SetDeadline opens an episode for an inbound message. A conversation with an
// open episode keeps its original deadline.
func (t *Tracker) SetDeadline(ctx context.Context, tenantID, conversationID string) (Deadline, error) {
	cfg := t.settings.SLA(tenantID)
	if !cfg.Enabled {
		return Deadline{}, ErrDisabled
	}
	now := t.now().UTC()
	d, created, err := t.store.StartDeadline(ctx, Deadline{
		ConversationID: conversationID,
		TenantID:       tenantID,
		StartedAt:      now,
		Deadline:       now.Add(cfg.FirstResponse),
	})
	if err != nil {
		return Deadline{}, err
	}
	if created {
		t.rec.Record(audit.Record{Kind: audit.KindSLAStarted, TenantID: tenantID, ConversationID: conversationID,
			Meta: map[string]string{"deadline": d.Deadline.Format(time.RFC3339)}})
	}
	return d, nil
}

// ClearOnFirstResponse closes the open episode. Later replies in the same
// episode are no-ops.
func (t *Tracker) ClearOnFirstResponse(ctx context.Context, conversationID, responderID string) (bool, error) {
	d, cleared, err := t.store.ClearDeadline(ctx, conversationID, responderID, t.now().UTC())
	if err != nil || !cleared {
		return false, err
	}
	t.rec.Record(audit.Record{Kind: audit.KindSLACleared, TenantID: d.TenantID, ConversationID: conversationID, Actor: responderID})
	t.publish(eventbus.TopicFirstResponse, d)
	return true, nil
}

// SweepBreaches flips overdue episodes, escalates where the tenant asks for
// it and emits one breach event per conversation.
func (t *Tracker) SweepBreaches(ctx context.Context) ([]string, error) {
	const batch = 200
	var ids []string
	for {
		rows, err := t.store.ClaimBreaches(ctx, t.now().UTC(), batch)
		if err != nil {
			return ids, err
		}
		for _, d := range rows {
			if t.settings.SLA(d.TenantID).AutoEscalate && d.Priority < MaxPriority {
				d.Priority++
				if err := t.store.SetPriority(ctx, d.ConversationID, d.Priority); err != nil {
					t.log.Warn("sla escalation failed", logx.String("conversation", d.ConversationID), logx.Err(err))
				}
			}
			t.rec.Record(audit.Record{Kind: audit.KindSLABreached, TenantID: d.TenantID, ConversationID: d.ConversationID,
				Meta: map[string]string{"deadline": d.Deadline.Format(time.RFC3339)}})
			t.publish(eventbus.TopicSLABreached, d)
			ids = append(ids, d.ConversationID)
		}
		if len(rows) < batch {
			break
		}
	}
	if len(ids) > 0 {
		t.log.Info("sla breaches recorded", logx.Int("count", len(ids)))
	}
	return ids, nil
}

func (t *Tracker) Get(ctx context.Context, conversationID string) (Deadline, bool, error) {
	return t.store.GetDeadline(ctx, conversationID)
}

func (t *Tracker) publish(topic string, d Deadline) {
	if t.bus != nil {
		t.bus.Publish(eventbus.Event{Topic: topic, Time: t.now(), Data: d})
	}
}
