// Package backoff tracks per-campaign exponential backoff after the provider
// throttles us.
package backoff

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"wagate/internal/kv"
)

// State is stored as JSON next to the attempt counter.
type State struct {
	CampaignID  string    `json:"campaign_id"`
	Attempts    int64     `json:"attempts"`
	Backoff     int64     `json:"backoff_ms"`
	NextRetryAt time.Time `json:"next_retry_at"`
	LastCode    string    `json:"last_code,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}

func (s State) BackoffDuration() time.Duration { return time.Duration(s.Backoff) * time.Millisecond }

type Config struct {
	Initial time.Duration
	Max     time.Duration
	// TTL is how long state survives after the most recent failure.
	TTL time.Duration
}

type Tracker struct {
	store kv.Store
	cfg   Config
	now   func() time.Time
}

func New(store kv.Store, cfg Config) *Tracker {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = max(5*time.Minute, cfg.Initial)
	}
	if cfg.TTL <= 0 {
		cfg.TTL = time.Hour
	}
	return &Tracker{store: store, cfg: cfg, now: time.Now}
}

func (t *Tracker) SetClock(now func() time.Time) { t.now = now }

func keys(campaignID string) (attempts, state string) {
	return kv.Key("backoff", campaignID, "attempts"), kv.Key("backoff", campaignID, "state")
}

// Delay is initial * 2^(attempts-1) capped at max.
func (t *Tracker) Delay(attempts int64) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := t.cfg.Initial
	for i := int64(1); i < attempts; i++ {
		d *= 2
		if d >= t.cfg.Max {
			return t.cfg.Max
		}
	}
	return min(d, t.cfg.Max)
}

// RecordFailure bumps the attempt counter atomically and stores the new state.
// Each failure pushes the expiry out, so only a success or TTL of quiet resets
// the delay.
func (t *Tracker) RecordFailure(ctx context.Context, campaignID, code, message string) (State, error) {
	attemptsKey, stateKey := keys(campaignID)
	n, err := t.store.IncrSliding(ctx, attemptsKey, t.cfg.TTL)
	if err != nil {
		return State{}, fmt.Errorf("backoff: record failure: %w", err)
	}
	d := t.Delay(n)
	st := State{
		CampaignID:  campaignID,
		Attempts:    n,
		Backoff:     d.Milliseconds(),
		NextRetryAt: t.now().Add(d).UTC(),
		LastCode:    code,
		LastError:   message,
	}
	b, err := json.Marshal(st)
	if err != nil {
		return State{}, err
	}
	if err := t.store.Set(ctx, stateKey, b, t.cfg.TTL); err != nil {
		return State{}, fmt.Errorf("backoff: store state: %w", err)
	}
	return st, nil
}

// Get returns the stored state; ok is false when the campaign is not backing off.
func (t *Tracker) Get(ctx context.Context, campaignID string) (State, bool, error) {
	_, stateKey := keys(campaignID)
	raw, ok, err := t.store.Get(ctx, stateKey)
	if err != nil || !ok {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, fmt.Errorf("backoff: decode state: %w", err)
	}
	return st, true, nil
}

// ShouldWait reports how long a campaign worker must hold off.
func (t *Tracker) ShouldWait(ctx context.Context, campaignID string) (bool, time.Duration, error) {
	st, ok, err := t.Get(ctx, campaignID)
	if err != nil || !ok {
		return false, 0, err
	}
	wait := st.NextRetryAt.Sub(t.now())
	if wait <= 0 {
		return false, 0, nil
	}
	return true, wait, nil
}

// Clear drops all state; called on the next success.
func (t *Tracker) Clear(ctx context.Context, campaignID string) error {
	attemptsKey, stateKey := keys(campaignID)
	return t.store.Del(ctx, attemptsKey, stateKey)
}
