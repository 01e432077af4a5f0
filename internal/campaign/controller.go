// Package campaign owns the run state of bulk sends: pause and resume, and a
// paced runner that honors backoff and stops as soon as the campaign pauses.
package campaign

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wagate/internal/audit"
	"wagate/internal/eventbus"
	"wagate/internal/kv"
	"wagate/pkg/logx"
)

type State struct {
	CampaignID string    `json:"campaign_id"`
	Paused     bool      `json:"paused"`
	Reason     string    `json:"reason,omitempty"`
	PausedAt   time.Time `json:"paused_at,omitempty"`
}

// ResetFunc drops per-campaign failure state when an operator resumes.
type ResetFunc func(ctx context.Context, campaignID string) error

type Controller struct {
	store  kv.Store
	rec    audit.Recorder
	bus    eventbus.Bus
	log    logx.Logger
	now    func() time.Time
	resets []ResetFunc
}

func NewController(store kv.Store, rec audit.Recorder, bus eventbus.Bus, log logx.Logger, resets ...ResetFunc) *Controller {
	if rec == nil {
		rec = audit.Nop()
	}
	return &Controller{store: store, rec: rec, bus: bus, log: log.With(logx.String("comp", "campaign")), now: time.Now, resets: resets}
}

func pauseKey(id string) string { return kv.Key("campaign", id, "paused") }

// Pause is idempotent; the first reason is kept until Resume.
func (c *Controller) Pause(ctx context.Context, campaignID, reason string) error {
	st, err := c.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if st.Paused {
		return nil
	}
	st = State{CampaignID: campaignID, Paused: true, Reason: reason, PausedAt: c.now().UTC()}
	b, err := json.Marshal(st)
	if err != nil {
		return err
	}
	if err := c.store.Set(ctx, pauseKey(campaignID), b, 0); err != nil {
		return fmt.Errorf("campaign: pause %s: %w", campaignID, err)
	}
	c.rec.Record(audit.Record{Kind: audit.KindCampaignPaused, CampaignID: campaignID, Error: reason})
	if c.bus != nil {
		c.bus.Publish(eventbus.Event{Topic: eventbus.TopicCampaignPaused, Time: st.PausedAt, Data: st})
	}
	c.log.Warn("campaign paused", logx.String("campaign", campaignID), logx.String("reason", reason))
	return nil
}

// Resume clears the pause and the campaign's failure state.
func (c *Controller) Resume(ctx context.Context, campaignID, actor string) error {
	st, err := c.Get(ctx, campaignID)
	if err != nil {
		return err
	}
	if err := c.store.Del(ctx, pauseKey(campaignID)); err != nil {
		return fmt.Errorf("campaign: resume %s: %w", campaignID, err)
	}
	for _, reset := range c.resets {
		if err := reset(ctx, campaignID); err != nil {
			c.log.Warn("campaign reset step failed", logx.String("campaign", campaignID), logx.Err(err))
		}
	}
	if st.Paused {
		c.rec.Record(audit.Record{Kind: audit.KindCampaignResumed, CampaignID: campaignID, Actor: actor})
		c.log.Info("campaign resumed", logx.String("campaign", campaignID), logx.String("actor", actor))
	}
	return nil
}

func (c *Controller) Get(ctx context.Context, campaignID string) (State, error) {
	raw, ok, err := c.store.Get(ctx, pauseKey(campaignID))
	if err != nil {
		return State{}, fmt.Errorf("campaign: state %s: %w", campaignID, err)
	}
	if !ok {
		return State{CampaignID: campaignID}, nil
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("campaign: decode state: %w", err)
	}
	return st, nil
}

func (c *Controller) Paused(ctx context.Context, campaignID string) (bool, string, error) {
	st, err := c.Get(ctx, campaignID)
	return st.Paused, st.Reason, err
}
