package app

import (
	"context"
	"strings"
	"time"

	"wagate/internal/config"
	"wagate/pkg/logx"
)

// restartSections cannot be applied to a running process.
var restartSections = map[string]bool{
	"backoff":  true,
	"store":    true,
	"storage":  true,
	"vault":    true,
	"upstream": true,
	"campaign": true,
}

// reloadLoop fans committed configs out to the live components. Plan limits,
// tenant SLA and channel lists are read through the config manager on every
// call and need no fan-out.
func (a *App) reloadLoop(ctx context.Context, sub <-chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts: keep only the latest config in the channel.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						newCfg = newer
					}
				default:
					drained = true
				}
			}
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, tenants := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)
	if len(tenants) > 0 {
		a.log.Debug("tenant config changes detected", logx.Any("tenants", tenants))
	}

	for _, s := range sections {
		if restartSections[s] {
			a.log.Warn("config section changed; restart required for changes to take effect", logx.String("section", s))
		}
	}

	if lockTTL(oldCfg) != lockTTL(newCfg) {
		a.log.Warn("locks.ttl changed; restart required for changes to take effect")
	}

	a.logs.Apply(mapLogConfig(newCfg))
	a.limiter.SetConfig(mapLimits(newCfg))
	a.gate.Apply(mapCompliance(newCfg))

	if rcfg, err := mapRetry(newCfg); err != nil {
		a.log.Warn("invalid retry config; keeping previous", logx.Err(err))
	} else {
		a.retry.SetConfig(rcfg)
	}

	a.applyAlerts(ctx, oldCfg, newCfg)

	for name, every := range sweepIntervals(newCfg) {
		if err := a.sweeps.Reschedule(name, every); err != nil && name != sweepKV {
			a.log.Warn("sweep reschedule failed", logx.String("task", name), logx.Err(err))
		}
	}

	if err := a.http.Apply(ctx, mapHTTP(newCfg)); err != nil {
		a.log.Warn("http config not applied; keeping previous listener", logx.Err(err))
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyAlerts(ctx context.Context, oldCfg, newCfg *config.Config) {
	prev := a.alerts.Enabled()
	acfg := mapAlerts(newCfg)
	if senderChanged(oldCfg.Alerts, newCfg.Alerts) {
		a.log.Warn("alert target changed; restart required to switch the telegram sender")
	}
	a.alerts.Apply(acfg)
	switch {
	case prev && !acfg.Enabled:
		a.log.Info("alerts disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.alerts.Stop(stopCtx)
		cancel()
	case !prev && acfg.Enabled:
		a.log.Info("alerts enabled via config")
		a.alerts.Start(a.bg)
	}
}

func senderChanged(oldA, newA *config.AlertsConfig) bool {
	var o, n config.AlertsConfig
	if oldA != nil {
		o = *oldA
	}
	if newA != nil {
		n = *newA
	}
	return o.Token != n.Token || o.ChatID != n.ChatID || o.ThreadID != n.ThreadID
}
