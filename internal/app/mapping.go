package app

import (
	"strings"
	"time"

	"wagate/internal/alerts"
	"wagate/internal/backoff"
	"wagate/internal/campaign"
	"wagate/internal/compliance"
	"wagate/internal/config"
	"wagate/internal/httpapi"
	"wagate/internal/ratelimit"
	"wagate/internal/retryq"
	"wagate/internal/storage"
	"wagate/internal/upstream"
	"wagate/pkg/logx"
)

// Sweep task names. They double as the keys operators see in logs.
const (
	sweepLocks = "locks"
	sweepSLA   = "sla"
	sweepKV    = "kv"
)

const (
	defaultLocksSweep = time.Minute
	defaultSLASweep   = time.Minute
	defaultKVSweep    = 5 * time.Minute
	defaultDBPath     = "data/wagate.db"
	defaultPrefix     = "wagate"
)

// The map* helpers run on configs that already passed config.Validate, so
// duration strings parse and DurationOr only fills defaults.

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapLevel(l config.LevelLimit) ratelimit.LevelConfig {
	return ratelimit.LevelConfig{
		PerSecond: int64(l.PerSecond),
		PerWindow: int64(l.PerWindow),
		Window:    config.DurationOr(l.Window, config.DefaultWindow),
	}
}

func mapLimits(cfg *config.Config) ratelimit.Config {
	return ratelimit.Config{
		Global:       mapLevel(cfg.Limits.Global),
		Channel:      mapLevel(cfg.Limits.Channel),
		TenantWindow: config.DurationOr(cfg.Limits.TenantWindow, config.DefaultWindow),
	}
}

func mapBackoff(cfg *config.Config) backoff.Config {
	return backoff.Config{
		Initial: config.DurationOr(cfg.Backoff.Initial, time.Second),
		Max:     config.DurationOr(cfg.Backoff.Max, 5*time.Minute),
		TTL:     config.DurationOr(cfg.Backoff.TTL, time.Hour),
	}
}

func mapCompliance(cfg *config.Config) compliance.Config {
	out := compliance.Config{
		Policy:         compliance.ParsePolicy(cfg.Compliance.FailPolicy),
		OptOutKeywords: cfg.Compliance.OptOutKeywords,
		OptInKeywords:  cfg.Compliance.OptInKeywords,
	}
	if len(out.OptOutKeywords) == 0 {
		out.OptOutKeywords = config.DefaultOptOutKeywords
	}
	if len(out.OptInKeywords) == 0 {
		out.OptInKeywords = config.DefaultOptInKeywords
	}
	return out
}

func mapRetry(cfg *config.Config) (retryq.Config, error) {
	sched, err := config.ParseDurationList("retry.schedule", cfg.Retry.Schedule, config.DefaultRetrySchedule)
	if err != nil {
		return retryq.Config{}, err
	}
	max := cfg.Retry.MaxRetries
	if max == 0 {
		max = config.DefaultMaxRetries
	}
	return retryq.Config{
		Schedule:     retryq.Schedule(sched),
		MaxRetries:   max,
		PollInterval: config.DurationOr(cfg.Retry.PollInterval, 5*time.Second),
		Batch:        cfg.Retry.Batch,
		ClaimTTL:     config.DurationOr(cfg.Retry.ClaimTTL, 2*time.Minute),
	}, nil
}

// mapAlerts treats a missing section as disabled.
func mapAlerts(cfg *config.Config) alerts.Config {
	a := cfg.Alerts
	if a == nil {
		return alerts.Config{}
	}
	return alerts.Config{
		Enabled:       a.Enabled,
		Workers:       a.Workers,
		QueueSize:     a.QueueSize,
		RatePerSec:    a.RatePerSec,
		RetryMax:      a.RetryMax,
		RetryBase:     config.DurationOr(a.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(a.RetryMaxDelay, 0),
		DedupWindow:   config.DurationOr(a.DedupWindow, 0),
	}
}

func mapHTTP(cfg *config.Config) httpapi.Config {
	return httpapi.Config{
		Addr:          cfg.HTTP.Addr,
		Token:         strings.TrimSpace(cfg.HTTP.Token),
		AllowInsecure: cfg.HTTP.AllowInsecure,
		CORSOrigins:   cfg.HTTP.CORSOrigins,
		ReadTimeout:   config.DurationOr(cfg.HTTP.ReadTimeout, 15*time.Second),
		WriteTimeout:  config.DurationOr(cfg.HTTP.WriteTimeout, 15*time.Second),
	}
}

func httpShutdownTimeout(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.HTTP.ShutdownTimeout, 10*time.Second)
}

func mapStorage(cfg *config.Config) storage.Config {
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" {
		path = defaultDBPath
	}
	return storage.Config{
		Path:        path,
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func mapUpstream(cfg *config.Config) upstream.Options {
	base := strings.TrimSpace(cfg.Upstream.BaseURL)
	if base == "" {
		base = config.DefaultUpstreamBaseURL
	}
	ver := strings.TrimSpace(cfg.Upstream.APIVersion)
	if ver == "" {
		ver = config.DefaultAPIVersion
	}
	return upstream.Options{
		BaseURL:    base,
		APIVersion: ver,
		Timeout:    config.DurationOr(cfg.Upstream.Timeout, 15*time.Second),
		UserAgent:  "wagate",
	}
}

func mapRunner(cfg *config.Config) campaign.RunnerConfig {
	return campaign.RunnerConfig{
		PacingPerSec: cfg.Campaign.PacingPerSec,
		Burst:        cfg.Campaign.Burst,
	}
}

func autoPauseAfter(cfg *config.Config) int {
	if cfg.Campaign.AutoPauseAfter > 0 {
		return cfg.Campaign.AutoPauseAfter
	}
	return config.DefaultAutoPauseAfter
}

func lockTTL(cfg *config.Config) time.Duration {
	return config.DurationOr(cfg.Locks.TTL, config.DefaultLockTTL)
}

// sweepIntervals is keyed by sweep task name.
func sweepIntervals(cfg *config.Config) map[string]time.Duration {
	return map[string]time.Duration{
		sweepLocks: config.DurationOr(cfg.Locks.SweepInterval, defaultLocksSweep),
		sweepSLA:   config.DurationOr(cfg.SLA.SweepInterval, defaultSLASweep),
		sweepKV:    defaultKVSweep,
	}
}

func redisPrefix(cfg *config.Config) string {
	if p := strings.TrimSpace(cfg.Store.Redis.Prefix); p != "" {
		return p
	}
	return defaultPrefix
}

func storeDriver(cfg *config.Config) string {
	return strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
}

func retryDriver(cfg *config.Config) string {
	return strings.ToLower(strings.TrimSpace(cfg.Retry.Driver))
}

// needsRedis reports whether any configured component talks to Redis.
func needsRedis(cfg *config.Config) bool {
	return storeDriver(cfg) == "redis" || retryDriver(cfg) == "redis"
}
