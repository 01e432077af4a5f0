package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

// Validate checks everything that can be checked without touching the network.
// All errors are reported together.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}
	dur := func(path, raw string) {
		_, err := ParseDurationField(path, raw)
		add(err)
	}

	dur("http.read_timeout", cfg.HTTP.ReadTimeout)
	dur("http.write_timeout", cfg.HTTP.WriteTimeout)
	dur("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	dur("storage.busy_timeout", cfg.Storage.BusyTimeout)
	dur("limits.global.window", cfg.Limits.Global.Window)
	dur("limits.channel.window", cfg.Limits.Channel.Window)
	dur("limits.tenant_window", cfg.Limits.TenantWindow)
	dur("backoff.initial", cfg.Backoff.Initial)
	dur("backoff.max", cfg.Backoff.Max)
	dur("backoff.ttl", cfg.Backoff.TTL)
	dur("retry.poll_interval", cfg.Retry.PollInterval)
	dur("retry.claim_ttl", cfg.Retry.ClaimTTL)
	dur("locks.ttl", cfg.Locks.TTL)
	dur("locks.sweep_interval", cfg.Locks.SweepInterval)
	dur("sla.sweep_interval", cfg.SLA.SweepInterval)
	dur("upstream.timeout", cfg.Upstream.Timeout)
	_, err := ParseDurationList("retry.schedule", cfg.Retry.Schedule, DefaultRetrySchedule)
	add(err)

	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory":
	case "redis":
		if strings.TrimSpace(cfg.Store.Redis.URL) == "" {
			add(errors.New("store.redis.url: required for redis driver"))
		}
	default:
		add(fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver))
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Retry.Driver)) {
	case "", "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.Store.Redis.URL) == "" {
			add(errors.New("retry.driver: redis queue needs store.redis.url"))
		}
	default:
		add(fmt.Errorf("retry.driver: unknown driver %q", cfg.Retry.Driver))
	}
	if cfg.Retry.MaxRetries < 0 {
		add(errors.New("retry.max_retries: must be >= 0"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Compliance.FailPolicy)) {
	case "", "allow", "block":
	default:
		add(fmt.Errorf("compliance.fail_policy: want allow or block, got %q", cfg.Compliance.FailPolicy))
	}

	if len(cfg.Vault.Keys) > 0 || cfg.Vault.ActiveVersion != "" {
		if _, ok := cfg.Vault.Keys[cfg.Vault.ActiveVersion]; !ok {
			add(fmt.Errorf("vault.active_version: no key for version %q", cfg.Vault.ActiveVersion))
		}
		for ver, k := range cfg.Vault.Keys {
			if ver == "" || strings.Contains(ver, ":") {
				add(fmt.Errorf("vault.keys: invalid version %q", ver))
				continue
			}
			b, err := base64.StdEncoding.DecodeString(strings.TrimSpace(k))
			if err != nil || len(b) != 32 {
				// never echo the key itself
				add(fmt.Errorf("vault.keys.%s: want base64 of 32 bytes", ver))
			}
		}
	}

	tiers := cfg.Tiers()
	for id, t := range cfg.Tenants {
		if t.Plan == "" {
			continue
		}
		if _, ok := tiers[t.Plan]; !ok {
			add(fmt.Errorf("tenants.%s.plan: unknown plan %q", id, t.Plan))
		}
		if t.SLA.FirstResponseMinutes < 0 {
			add(fmt.Errorf("tenants.%s.sla.first_response_minutes: must be >= 0", id))
		}
	}

	if a := cfg.Alerts; a != nil && a.Enabled {
		if strings.TrimSpace(a.Token) == "" || a.ChatID == 0 {
			add(errors.New("alerts: token and chat_id are required when enabled"))
		}
		dur("alerts.retry_base", a.RetryBase)
		dur("alerts.retry_max_delay", a.RetryMaxDelay)
		dur("alerts.dedup_window", a.DedupWindow)
	}
	if cfg.Campaign.PacingPerSec < 0 {
		add(errors.New("campaign.pacing_per_sec: must be >= 0"))
	}
	return errors.Join(errs...)
}
