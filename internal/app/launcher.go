package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"wagate/internal/campaign"
	"wagate/internal/runtime/supervisor"
	"wagate/pkg/logx"
)

var ErrCampaignRunning = errors.New("campaign already running")

type campaignRunner interface {
	Run(ctx context.Context, c campaign.Campaign, recipients []string) (campaign.Report, error)
}

// launcher runs campaigns in the background under the app supervisor, at most
// one run per campaign id at a time.
type launcher struct {
	sup    func() *supervisor.Supervisor
	runner campaignRunner
	log    logx.Logger

	mu      sync.Mutex
	running map[string]struct{}
}

func newLauncher(sup func() *supervisor.Supervisor, runner campaignRunner, log logx.Logger) *launcher {
	return &launcher{sup: sup, runner: runner, log: log, running: map[string]struct{}{}}
}

// Launch returns once the run is scheduled. The request context is not used
// for the run itself; the run ends with the app or when the campaign pauses.
func (l *launcher) Launch(_ context.Context, c campaign.Campaign, recipients []string) error {
	sup := l.sup()
	if sup == nil || sup.Context().Err() != nil {
		return errors.New("app is not running")
	}
	l.mu.Lock()
	if _, ok := l.running[c.ID]; ok {
		l.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrCampaignRunning, c.ID)
	}
	l.running[c.ID] = struct{}{}
	l.mu.Unlock()

	log := l.log.With(logx.String("campaign_id", c.ID), logx.String("tenant_id", c.TenantID))
	log.Info("campaign run started", logx.Int("recipients", len(recipients)))
	sup.Go("campaign."+c.ID, func(ctx context.Context) error {
		defer func() {
			l.mu.Lock()
			delete(l.running, c.ID)
			l.mu.Unlock()
		}()
		start := time.Now()
		rep, err := l.runner.Run(ctx, c, recipients)
		fields := []logx.Field{
			logx.Int("sent", rep.Sent),
			logx.Int("queued", rep.Queued),
			logx.Int("failed", rep.Failed),
			logx.Int("blocked", rep.Blocked),
			logx.Int("remaining", rep.Remaining),
			logx.Duration("took", time.Since(start)),
		}
		switch {
		case err != nil && ctx.Err() == nil:
			log.Warn("campaign run failed", append(fields, logx.Err(err))...)
		case rep.Paused:
			log.Warn("campaign run paused", append(fields, logx.String("reason", rep.PauseReason))...)
		default:
			log.Info("campaign run finished", fields...)
		}
		// A failed campaign must not take the app down with it.
		return nil
	})
	return nil
}

func (l *launcher) Running(id string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.running[id]
	return ok
}
