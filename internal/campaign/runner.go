package campaign

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"wagate/internal/dispatch"
	"wagate/internal/message"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

type Sender interface {
	Send(ctx context.Context, req dispatch.Request) (dispatch.Result, error)
}

type WaitAdvisor interface {
	ShouldWait(ctx context.Context, campaignID string) (bool, time.Duration, error)
}

type Campaign struct {
	ID        string           `json:"id"`
	TenantID  string           `json:"tenant_id"`
	ChannelID string           `json:"channel_id,omitempty"`
	Payload   upstream.Payload `json:"payload"`
}

type Report struct {
	Sent        int    `json:"sent"`
	Queued      int    `json:"queued"`
	Failed      int    `json:"failed"`
	Blocked     int    `json:"blocked"`
	Remaining   int    `json:"remaining"`
	Paused      bool   `json:"paused"`
	PauseReason string `json:"pause_reason,omitempty"`
}

type RunnerConfig struct {
	PacingPerSec float64
	Burst        int
}

type Runner struct {
	send    Sender
	ctl     *Controller
	backoff WaitAdvisor
	cfg     RunnerConfig
	log     logx.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewRunner(send Sender, ctl *Controller, backoff WaitAdvisor, cfg RunnerConfig, log logx.Logger) *Runner {
	return &Runner{send: send, ctl: ctl, backoff: backoff, cfg: cfg, log: log.With(logx.String("comp", "campaign.runner")), sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (r *Runner) limiter() *rate.Limiter {
	if r.cfg.PacingPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, 1)
	}
	burst := r.cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(r.cfg.PacingPerSec), burst)
}

// Run sends to recipients in order. It returns early with Paused set when the
// campaign is paused, by an operator or by a pausing send failure; Remaining
// counts the recipients not attempted.
func (r *Runner) Run(ctx context.Context, c Campaign, recipients []string) (Report, error) {
	var rep Report
	pace := r.limiter()
	log := r.log.With(logx.String("campaign", c.ID), logx.String("tenant", c.TenantID))

	for i := 0; i < len(recipients); {
		rep.Remaining = len(recipients) - i
		if paused, reason, err := r.ctl.Paused(ctx, c.ID); err != nil {
			return rep, err
		} else if paused {
			rep.Paused, rep.PauseReason = true, reason
			log.Info("campaign run stopped", logx.String("reason", reason), logx.Int("remaining", rep.Remaining))
			return rep, nil
		}
		if r.backoff != nil {
			wait, d, err := r.backoff.ShouldWait(ctx, c.ID)
			if err != nil {
				log.Warn("backoff lookup failed", logx.Err(err))
			} else if wait {
				log.Debug("backing off", logx.Duration("wait", d))
				if err := r.sleep(ctx, d); err != nil {
					return rep, err
				}
				continue
			}
		}
		if err := pace.Wait(ctx); err != nil {
			return rep, err
		}

		res, err := r.send.Send(ctx, dispatch.Request{
			TenantID:   c.TenantID,
			ChannelID:  c.ChannelID,
			CampaignID: c.ID,
			Recipient:  recipients[i],
			Payload:    c.Payload,
		})
		switch {
		case err == nil && res.Status == message.StatusRetryPending:
			rep.Queued++
		case err == nil:
			rep.Sent++
		case errors.Is(err, dispatch.ErrCampaignPaused):
			continue
		case dispatch.CodeOf(err) == dispatch.CodeRateLimited:
			if err := r.sleep(ctx, res.RetryAfter); err != nil {
				return rep, err
			}
			continue
		case dispatch.CodeOf(err) == dispatch.CodeComplianceBlocked:
			rep.Blocked++
		case errors.Is(err, dispatch.ErrInvalidRequest):
			rep.Failed++
		default:
			var de *dispatch.Error
			if !errors.As(err, &de) {
				return rep, fmt.Errorf("campaign %s: %w", c.ID, err)
			}
			rep.Failed++
		}
		i++
	}
	rep.Remaining = 0
	log.Info("campaign run finished",
		logx.Int("sent", rep.Sent),
		logx.Int("queued", rep.Queued),
		logx.Int("failed", rep.Failed),
		logx.Int("blocked", rep.Blocked),
	)
	return rep, nil
}
