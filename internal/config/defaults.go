package config

import "time"

const (
	PlanFree       = "free"
	PlanBasic      = "basic"
	PlanPro        = "pro"
	PlanEnterprise = "enterprise"
)

// DefaultTiers is the built-in plan table. limits.tiers entries replace rows
// by name.
func DefaultTiers() map[string]TierLimits {
	return map[string]TierLimits{
		PlanFree:       {PerSecond: 1, PerDay: 250, PerMonth: 1000, TemplatesPerDay: 2},
		PlanBasic:      {PerSecond: 10, PerDay: 1000, PerMonth: 10000, TemplatesPerDay: 10},
		PlanPro:        {PerSecond: 40, PerDay: 10000, PerMonth: 100000, TemplatesPerDay: 50},
		PlanEnterprise: {PerSecond: 80, PerDay: 100000, PerMonth: 1000000, TemplatesPerDay: 200},
	}
}

// Tiers merges cfg.Limits.Tiers over DefaultTiers.
func (c *Config) Tiers() map[string]TierLimits {
	out := DefaultTiers()
	if c == nil {
		return out
	}
	for name, t := range c.Limits.Tiers {
		out[name] = t
	}
	return out
}

var DefaultRetrySchedule = []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute, time.Hour}

const (
	DefaultMaxRetries      = 4
	DefaultAutoPauseAfter  = 10
	DefaultWindow          = 60 * time.Second
	DefaultFirstResponse   = 15 * time.Minute
	DefaultLockTTL         = 2 * time.Minute
	DefaultUpstreamBaseURL = "https://graph.facebook.com"
	DefaultAPIVersion      = "v21.0"
)

var (
	DefaultOptOutKeywords = []string{"STOP", "UNSUBSCRIBE", "CANCEL", "END", "QUIT", "STOPALL"}
	DefaultOptInKeywords  = []string{"START", "SUBSCRIBE", "UNSTOP", "YES"}
)
