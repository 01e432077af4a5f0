package config

import (
	"reflect"
	"sort"
	"strings"

	"wagate/pkg/logx"
)

// SummarizeConfigChange returns the changed top-level sections, safe log
// attributes describing the new values, and the ids of tenants whose entry
// changed. Secrets (vault keys, alert token, redis url) are reported only as
// set/unset or by count.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field, []string) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	changed := make([]string, 0, 8)
	attrs := make([]logx.Field, 0, 16)
	section := func(name string, differs bool, fields ...logx.Field) {
		if !differs {
			return
		}
		changed = append(changed, name)
		attrs = append(attrs, fields...)
	}

	section("logging", oldCfg.Logging != newCfg.Logging,
		logx.String("logging.level", newCfg.Logging.Level),
		logx.Bool("logging.console", newCfg.Logging.Console),
		logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
	)
	section("http", !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP),
		logx.String("http.addr", newCfg.HTTP.Addr),
		logx.Secret("http.token", strings.TrimSpace(newCfg.HTTP.Token)),
	)
	section("store", oldCfg.Store != newCfg.Store,
		logx.String("store.driver", newCfg.Store.Driver),
		logx.Secret("store.redis_url", strings.TrimSpace(newCfg.Store.Redis.URL)),
	)
	section("storage", oldCfg.Storage != newCfg.Storage, logx.Bool("storage.path_set", newCfg.Storage.Path != ""))
	section("limits", !reflect.DeepEqual(oldCfg.Limits, newCfg.Limits),
		logx.Int("limits.global.per_second", newCfg.Limits.Global.PerSecond),
		logx.Int("limits.channel.per_second", newCfg.Limits.Channel.PerSecond),
		logx.Int("limits.tier_overrides", len(newCfg.Limits.Tiers)),
	)
	section("backoff", oldCfg.Backoff != newCfg.Backoff,
		logx.String("backoff.initial", newCfg.Backoff.Initial),
		logx.String("backoff.max", newCfg.Backoff.Max),
	)
	section("retry", !reflect.DeepEqual(oldCfg.Retry, newCfg.Retry),
		logx.Int("retry.max_retries", newCfg.Retry.MaxRetries),
		logx.String("retry.schedule", strings.Join(newCfg.Retry.Schedule, ",")),
	)
	section("compliance", !reflect.DeepEqual(oldCfg.Compliance, newCfg.Compliance),
		logx.String("compliance.fail_policy", newCfg.Compliance.FailPolicy),
	)
	section("vault", !reflect.DeepEqual(oldCfg.Vault, newCfg.Vault),
		logx.String("vault.active_version", newCfg.Vault.ActiveVersion),
		logx.Int("vault.key_count", len(newCfg.Vault.Keys)),
	)
	section("locks", oldCfg.Locks != newCfg.Locks, logx.String("locks.ttl", newCfg.Locks.TTL))
	section("sla", oldCfg.SLA != newCfg.SLA, logx.String("sla.sweep_interval", newCfg.SLA.SweepInterval))
	section("upstream", oldCfg.Upstream != newCfg.Upstream,
		logx.String("upstream.base_url", newCfg.Upstream.BaseURL),
		logx.String("upstream.api_version", newCfg.Upstream.APIVersion),
	)

	oldA, newA := derefAlerts(oldCfg.Alerts), derefAlerts(newCfg.Alerts)
	section("alerts", oldA != newA,
		logx.Bool("alerts.enabled", newA.Enabled),
		logx.Secret("alerts.token", strings.TrimSpace(newA.Token)),
	)
	section("campaign", oldCfg.Campaign != newCfg.Campaign,
		logx.Int("campaign.auto_pause_after", newCfg.Campaign.AutoPauseAfter),
		logx.Float64("campaign.pacing_per_sec", newCfg.Campaign.PacingPerSec),
	)

	tenants := diffTenants(oldCfg.Tenants, newCfg.Tenants)
	section("tenants", len(tenants) > 0, logx.Int("tenants.changed_count", len(tenants)))

	sort.Strings(changed)
	return changed, attrs, tenants
}

func derefAlerts(a *AlertsConfig) AlertsConfig {
	if a == nil {
		return AlertsConfig{}
	}
	return *a
}

func diffTenants(oldM, newM map[string]TenantConfig) []string {
	set := map[string]struct{}{}
	for k := range oldM {
		set[k] = struct{}{}
	}
	for k := range newM {
		set[k] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for id := range set {
		o, oOK := oldM[id]
		n, nOK := newM[id]
		if oOK != nOK || !reflect.DeepEqual(o, n) {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
